package verification

import (
	"net/url"
	"strings"
	"sync"
	"time"
)

type ObservationKind string

const (
	// ObservationMessage is a cross-window message relayed by the page.
	ObservationMessage ObservationKind = "message"
	// ObservationFrameLoad is a load event of the embedded gateway frame.
	ObservationFrameLoad ObservationKind = "frame_load"
)

// Observation is one thing the payment page saw happen around the gateway frame.
type Observation struct {
	Kind     ObservationKind
	Origin   string
	Status   string
	Location string
	Readable bool
	At       time.Time
}

// Verdict is a completion signal's opinion about one observation.
type Verdict struct {
	Fired  bool
	Weak   bool
	Reason string
}

// CompletionSignal turns page observations into an advisory "the user is
// probably done with the gateway" signal. It never decides the outcome.
type CompletionSignal interface {
	Observe(obs Observation) Verdict
}

var terminalMessageStatuses = map[string]bool{
	"completed": true,
	"success":   true,
	"failed":    true,
	"cancelled": true,
}

// MessageSignal fires on a message from the gateway's domain whose payload
// reports a terminal status.
type MessageSignal struct {
	gatewayHost string
}

func NewMessageSignal(gatewayOrigin string) *MessageSignal {
	return &MessageSignal{gatewayHost: hostOf(gatewayOrigin)}
}

func (s *MessageSignal) Observe(obs Observation) Verdict {
	if obs.Kind != ObservationMessage || s.gatewayHost == "" {
		return Verdict{}
	}
	host := hostOf(obs.Origin)
	if host != s.gatewayHost && !strings.HasSuffix(host, "."+s.gatewayHost) {
		return Verdict{}
	}
	if !terminalMessageStatuses[strings.ToLower(obs.Status)] {
		return Verdict{}
	}
	return Verdict{Fired: true, Reason: "gateway message " + strings.ToLower(obs.Status)}
}

// NavigationSignal watches the frame's own location. A readable location on
// the application's origin means the gateway redirected back. An unreadable
// location after enough reloads and dwell time is a weak signal for gateways
// that neither redirect nor post messages.
type NavigationSignal struct {
	appOrigin  *url.URL
	minReloads int
	minDwell   time.Duration
	startedAt  time.Time

	mu    sync.Mutex
	loads int
}

func NewNavigationSignal(appOrigin string, minReloads int, minDwell time.Duration, startedAt time.Time) *NavigationSignal {
	return &NavigationSignal{
		appOrigin:  parseOrigin(appOrigin),
		minReloads: minReloads,
		minDwell:   minDwell,
		startedAt:  startedAt,
	}
}

func (s *NavigationSignal) Observe(obs Observation) Verdict {
	if obs.Kind != ObservationFrameLoad {
		return Verdict{}
	}

	s.mu.Lock()
	s.loads++
	loads := s.loads
	s.mu.Unlock()

	if obs.Readable {
		if s.appOrigin != nil && sameOrigin(s.appOrigin, parseOrigin(obs.Location)) {
			return Verdict{Fired: true, Reason: "frame returned to application origin"}
		}
		return Verdict{}
	}

	at := obs.At
	if at.IsZero() {
		at = time.Now()
	}
	if loads >= s.minReloads && at.Sub(s.startedAt) >= s.minDwell {
		return Verdict{Fired: true, Weak: true, Reason: "frame reloaded on gateway origin"}
	}
	return Verdict{}
}

// AnySignal merges signals with OR semantics. Every signal sees every
// observation so stateful ones keep counting.
type AnySignal []CompletionSignal

func (a AnySignal) Observe(obs Observation) Verdict {
	var out Verdict
	for _, s := range a {
		v := s.Observe(obs)
		if !v.Fired {
			continue
		}
		if !out.Fired || (out.Weak && !v.Weak) {
			out = v
		}
	}
	return out
}

func hostOf(origin string) string {
	origin = strings.TrimSpace(origin)
	if origin == "" {
		return ""
	}
	if !strings.Contains(origin, "://") {
		origin = "https://" + origin
	}
	u, err := url.Parse(origin)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// parseOrigin returns nil unless raw is an absolute URL with a host.
func parseOrigin(raw string) *url.URL {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil
	}
	return u
}

// sameOrigin compares scheme, host and port.
func sameOrigin(a, b *url.URL) bool {
	if a == nil || b == nil {
		return false
	}
	return strings.EqualFold(a.Scheme, b.Scheme) &&
		strings.EqualFold(a.Hostname(), b.Hostname()) &&
		a.Port() == b.Port()
}
