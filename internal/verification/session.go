package verification

import (
	"context"
	"sync"
	"time"

	"github.com/Domenick1991/hostelpay/internal/domain"
	"github.com/sirupsen/logrus"
)

type State string

const (
	StateIdle              State = "idle"
	StateBackgroundWaiting State = "background_waiting"
	StatePolling           State = "polling"
	StateVerified          State = "verified"
	StateTimedOut          State = "timed_out"
	StateError             State = "error"
	StateCancelled         State = "cancelled"
)

type Outcome string

const (
	OutcomeVerified Outcome = "verified"
	OutcomeTimedOut Outcome = "timed-out"
	OutcomeError    Outcome = "error"
)

// VerifyFunc performs one authoritative verification call.
type VerifyFunc func(ctx context.Context) (domain.VerificationResult, error)

type Settings struct {
	Backoff          Backoff
	MaxAttempts      int
	GracePeriod      time.Duration
	BudgetResetDelay time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		Backoff:          DefaultBackoff(),
		MaxAttempts:      20,
		GracePeriod:      45 * time.Second,
		BudgetResetDelay: 5 * time.Second,
	}
}

// Snapshot is a copy of a session's state safe to hand to readers.
type Snapshot struct {
	State              State
	Outcome            Outcome
	AttemptsMade       int
	MaxAttempts        int
	Calls              int
	BudgetResets       int
	NextDelay          time.Duration
	StartedAt          time.Time
	CompletionSignaled bool
	Terminal           bool
	InFlight           bool
	LastStatus         string
	LastError          string
	LastErrorKind      domain.ErrorKind
}

type Option func(*Session)

// WithTimer replaces time.After for scheduling iterations.
func WithTimer(after func(time.Duration) <-chan time.Time) Option {
	return func(s *Session) { s.after = after }
}

// WithLogger sets the logger used for iteration and outcome entries.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(s *Session) { s.logger = logger }
}

// WithTransitionHook registers fn to run when the session reaches Verified,
// TimedOut or Error. It runs on the session goroutine.
func WithTransitionHook(fn func(Snapshot)) Option {
	return func(s *Session) { s.onTransition = fn }
}

type callResult struct {
	res domain.VerificationResult
	err error
}

// Session is one polling run for one payment attempt. All state changes
// happen on a single goroutine; Signal, CheckAgain and Cancel only post to it.
// At most one verification call is in flight at any time.
type Session struct {
	settings     Settings
	verify       VerifyFunc
	after        func(time.Duration) <-chan time.Time
	logger       logrus.FieldLogger
	onTransition func(Snapshot)

	signals chan struct{}
	checks  chan struct{}
	results chan callResult
	done    chan struct{}
	cancel  context.CancelFunc

	startOnce sync.Once
	mu        sync.Mutex
	snap      Snapshot
}

func NewSession(settings Settings, verify VerifyFunc, opts ...Option) *Session {
	if settings.MaxAttempts <= 0 {
		settings.MaxAttempts = DefaultSettings().MaxAttempts
	}
	s := &Session{
		settings: settings,
		verify:   verify,
		after:    time.After,
		logger:   logrus.StandardLogger(),
		signals:  make(chan struct{}, 1),
		checks:   make(chan struct{}, 1),
		results:  make(chan callResult, 1),
		done:     make(chan struct{}),
		snap: Snapshot{
			State:       StateIdle,
			MaxAttempts: settings.MaxAttempts,
			NextDelay:   settings.Backoff.Start(),
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start moves the session to BackgroundWaiting and schedules the grace-period
// check. The session lives until it is terminal or ctx is cancelled.
func (s *Session) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)

		s.mu.Lock()
		s.cancel = cancel
		s.snap.StartedAt = time.Now()
		s.snap.State = StateBackgroundWaiting
		s.mu.Unlock()

		go s.run(ctx)
	})
}

// Signal records a completion signal and starts polling right away unless a
// call is already in flight.
func (s *Session) Signal() {
	select {
	case s.signals <- struct{}{}:
	default:
	}
}

// CheckAgain resets the attempt budget after a timeout and resumes polling.
// It reports false when the session is already terminal.
func (s *Session) CheckAgain() bool {
	snap := s.Snapshot()
	if snap.State == StateVerified || snap.State == StateError || snap.State == StateCancelled {
		return false
	}
	select {
	case s.checks <- struct{}{}:
	default:
	}
	return true
}

// Cancel stops all timers of the session. A call already sent to the backend
// completes there; its result is dropped.
func (s *Session) Cancel() {
	s.mu.Lock()
	if !s.snap.Terminal || s.snap.State == StateTimedOut {
		s.snap.State = StateCancelled
		s.snap.Terminal = true
	}
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Done is closed when the session goroutine exits.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)

	timer := s.after(s.settings.GracePeriod)
	inFlight := false

	kick := func() {
		if inFlight {
			return
		}
		inFlight = true
		timer = nil
		s.update(func(snap *Snapshot) {
			snap.State = StatePolling
			snap.AttemptsMade++
			snap.Calls++
			snap.InFlight = true
		})
		go func() {
			res, err := s.verify(ctx)
			s.results <- callResult{res: res, err: err}
		}()
	}

	for {
		select {
		case <-ctx.Done():
			s.update(func(snap *Snapshot) {
				if !snap.Terminal || snap.State == StateTimedOut {
					snap.State = StateCancelled
					snap.Terminal = true
				}
			})
			return

		case <-timer:
			timer = nil
			kick()

		case <-s.signals:
			first := false
			s.update(func(snap *Snapshot) {
				first = !snap.CompletionSignaled
				snap.CompletionSignaled = true
			})
			if first {
				s.logger.Info("completion signal received, verifying")
			}
			if s.Snapshot().State == StateTimedOut {
				continue
			}
			kick()

		case <-s.checks:
			if s.Snapshot().State == StateTimedOut {
				s.update(func(snap *Snapshot) {
					snap.AttemptsMade = 0
					snap.Terminal = false
					snap.Outcome = ""
					snap.LastError = ""
					snap.LastErrorKind = ""
				})
			}
			kick()

		case r := <-s.results:
			inFlight = false
			if ctx.Err() != nil {
				continue
			}
			if s.handle(r, &timer) {
				return
			}
		}
	}
}

// handle applies one call result and reports whether the loop should exit.
func (s *Session) handle(r callResult, timer *<-chan time.Time) bool {
	if r.err == nil && r.res.Verified {
		snap := s.update(func(snap *Snapshot) {
			snap.InFlight = false
			snap.State = StateVerified
			snap.Outcome = OutcomeVerified
			snap.Terminal = true
			snap.LastStatus = r.res.Status
			snap.LastError = ""
			snap.LastErrorKind = ""
		})
		s.logger.WithField("attempt", snap.AttemptsMade).Info("payment verified")
		s.transition(snap)
		return true
	}

	if r.err != nil && !domain.Absorbable(r.err) {
		snap := s.update(func(snap *Snapshot) {
			snap.InFlight = false
			snap.State = StateError
			snap.Outcome = OutcomeError
			snap.Terminal = true
			snap.LastError = domain.MessageOf(r.err)
			snap.LastErrorKind = domain.KindOf(r.err)
		})
		s.logger.WithError(r.err).Warn("verification stopped")
		s.transition(snap)
		return true
	}

	// A not-yet answer that arrives as an error still grows at the not-yet rate.
	transportErr := r.err != nil && !domain.IsKind(r.err, domain.KindNotYetVerified)
	var delay time.Duration
	snap := s.update(func(snap *Snapshot) {
		snap.InFlight = false
		snap.LastStatus = r.res.Status
		if transportErr {
			snap.LastError = domain.MessageOf(r.err)
			snap.LastErrorKind = domain.KindOf(r.err)
		} else if r.err != nil {
			snap.LastStatus = domain.MessageOf(r.err)
			snap.LastError = ""
			snap.LastErrorKind = ""
		} else {
			snap.LastError = ""
			snap.LastErrorKind = ""
		}
		snap.NextDelay = s.settings.Backoff.Next(snap.NextDelay, transportErr)
		delay = snap.NextDelay

		if snap.AttemptsMade < s.settings.MaxAttempts {
			return
		}
		if !snap.CompletionSignaled {
			// The user may still be on the gateway page.
			snap.AttemptsMade = 0
			snap.BudgetResets++
			delay = s.settings.BudgetResetDelay
			return
		}
		snap.State = StateTimedOut
		snap.Outcome = OutcomeTimedOut
		snap.Terminal = true
		snap.LastError = "Payment verification is taking longer than expected."
		snap.LastErrorKind = domain.KindVerificationTimeout
	})

	log := s.logger.WithFields(logrus.Fields{"attempt": snap.AttemptsMade, "next_delay": delay})
	if transportErr {
		log.WithError(r.err).Warn("verification call failed, backing off")
	} else {
		log.Debug("payment not verified yet")
	}

	if snap.State == StateTimedOut {
		s.logger.WithField("calls", snap.Calls).Warn("verification budget exhausted")
		s.transition(snap)
		*timer = nil
		return false
	}
	*timer = s.after(delay)
	return false
}

func (s *Session) update(fn func(*Snapshot)) Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.snap)
	return s.snap
}

func (s *Session) transition(snap Snapshot) {
	if s.onTransition != nil {
		s.onTransition(snap)
	}
}
