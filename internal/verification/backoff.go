package verification

import "time"

// Backoff grows the delay between verification calls. Not-yet answers grow it
// by NotYetFactor, transport failures by ErrorFactor; both are capped at Max.
type Backoff struct {
	Initial      time.Duration
	Max          time.Duration
	NotYetFactor float64
	ErrorFactor  float64
}

func DefaultBackoff() Backoff {
	return Backoff{
		Initial:      2 * time.Second,
		Max:          30 * time.Second,
		NotYetFactor: 1.5,
		ErrorFactor:  2,
	}
}

// Start is the delay a fresh session begins with.
func (b Backoff) Start() time.Duration {
	if b.Max > 0 && b.Initial > b.Max {
		return b.Max
	}
	return b.Initial
}

// Next returns the delay that follows current. The result is never below
// current and never above Max.
func (b Backoff) Next(current time.Duration, transportErr bool) time.Duration {
	factor := b.NotYetFactor
	if transportErr {
		factor = b.ErrorFactor
	}
	if factor < 1 {
		factor = 1
	}
	if b.Max > 0 && current >= b.Max {
		return b.Max
	}

	next := time.Duration(float64(current) * factor)
	next = next.Truncate(time.Millisecond)
	if next < current {
		next = current
	}
	if b.Max > 0 && next > b.Max {
		next = b.Max
	}
	return next
}
