package verification

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Domenick1991/hostelpay/internal/domain"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock hands out channels the test fires by index.
type fakeClock struct {
	mu     sync.Mutex
	delays []time.Duration
	chans  []chan time.Time
}

func (c *fakeClock) after(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan time.Time, 1)
	c.delays = append(c.delays, d)
	c.chans = append(c.chans, ch)
	return ch
}

func (c *fakeClock) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.delays)
}

func (c *fakeClock) fire(t *testing.T, i int) {
	t.Helper()
	require.Eventually(t, func() bool { return c.count() > i }, time.Second, time.Millisecond)
	c.mu.Lock()
	ch := c.chans[i]
	c.mu.Unlock()
	ch <- time.Now()
}

func (c *fakeClock) recorded() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]time.Duration(nil), c.delays...)
}

func newTestSession(t *testing.T, settings Settings, verify VerifyFunc, clock *fakeClock, opts ...Option) *Session {
	t.Helper()
	logger, _ := test.NewNullLogger()
	opts = append([]Option{WithTimer(clock.after), WithLogger(logger)}, opts...)
	s := NewSession(settings, verify, opts...)
	t.Cleanup(s.Cancel)
	return s
}

func countingVerifier(verifiedOn int32) (VerifyFunc, *int32) {
	var calls int32
	return func(ctx context.Context) (domain.VerificationResult, error) {
		n := atomic.AddInt32(&calls, 1)
		if verifiedOn > 0 && n >= verifiedOn {
			return domain.VerificationResult{Verified: true, Status: "completed"}, nil
		}
		return domain.VerificationResult{Status: "pending"}, nil
	}, &calls
}

func waitState(t *testing.T, s *Session, state State) {
	t.Helper()
	require.Eventually(t, func() bool { return s.Snapshot().State == state }, time.Second, time.Millisecond,
		"expected state %s, got %s", state, s.Snapshot().State)
}

func TestSession_SignalThenBackoffUntilVerified(t *testing.T) {
	clock := &fakeClock{}
	verify, calls := countingVerifier(4)
	s := newTestSession(t, DefaultSettings(), verify, clock)

	s.Start(context.Background())
	require.Eventually(t, func() bool { return clock.count() == 1 }, time.Second, time.Millisecond)
	assert.Equal(t, StateBackgroundWaiting, s.Snapshot().State)

	s.Signal()
	clock.fire(t, 1)
	clock.fire(t, 2)
	clock.fire(t, 3)

	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("session did not finish")
	}

	snap := s.Snapshot()
	assert.Equal(t, StateVerified, snap.State)
	assert.Equal(t, OutcomeVerified, snap.Outcome)
	assert.True(t, snap.CompletionSignaled)
	assert.Equal(t, int32(4), atomic.LoadInt32(calls))
	assert.Equal(t, []time.Duration{
		45 * time.Second,
		3 * time.Second,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
	}, clock.recorded())
}

func TestSession_GracePeriodStartsPolling(t *testing.T) {
	clock := &fakeClock{}
	verify, calls := countingVerifier(1)
	s := newTestSession(t, DefaultSettings(), verify, clock)

	s.Start(context.Background())
	clock.fire(t, 0)

	<-s.Done()
	assert.Equal(t, StateVerified, s.Snapshot().State)
	assert.False(t, s.Snapshot().CompletionSignaled)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
}

func TestSession_BudgetResetsWithoutSignal(t *testing.T) {
	clock := &fakeClock{}
	verify, calls := countingVerifier(0)
	settings := DefaultSettings()
	settings.MaxAttempts = 3
	s := newTestSession(t, settings, verify, clock)

	s.Start(context.Background())
	clock.fire(t, 0)
	clock.fire(t, 1)
	clock.fire(t, 2)

	require.Eventually(t, func() bool { return clock.count() == 4 }, time.Second, time.Millisecond)
	snap := s.Snapshot()
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))
	assert.Equal(t, 1, snap.BudgetResets)
	assert.Equal(t, 0, snap.AttemptsMade)
	assert.Equal(t, StatePolling, snap.State)
	assert.False(t, snap.Terminal)
	assert.Equal(t, 5*time.Second, clock.recorded()[3])

	clock.fire(t, 3)
	require.Eventually(t, func() bool { return s.Snapshot().AttemptsMade == 1 }, time.Second, time.Millisecond)
	assert.NotEqual(t, StateTimedOut, s.Snapshot().State)
}

func TestSession_TimeoutAfterSignalThenCheckAgain(t *testing.T) {
	clock := &fakeClock{}
	verify, calls := countingVerifier(3)
	settings := DefaultSettings()
	settings.MaxAttempts = 2

	var hooked []Snapshot
	var hookMu sync.Mutex
	s := newTestSession(t, settings, verify, clock, WithTransitionHook(func(snap Snapshot) {
		hookMu.Lock()
		hooked = append(hooked, snap)
		hookMu.Unlock()
	}))

	s.Start(context.Background())
	s.Signal()
	clock.fire(t, 1)

	waitState(t, s, StateTimedOut)
	snap := s.Snapshot()
	assert.Equal(t, OutcomeTimedOut, snap.Outcome)
	assert.True(t, snap.Terminal)
	assert.NotEmpty(t, snap.LastError)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))

	// signals after a timeout do not restart polling on their own
	s.Signal()
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), atomic.LoadInt32(calls))

	assert.True(t, s.CheckAgain())
	<-s.Done()
	assert.Equal(t, StateVerified, s.Snapshot().State)
	assert.Equal(t, int32(3), atomic.LoadInt32(calls))

	hookMu.Lock()
	defer hookMu.Unlock()
	require.Len(t, hooked, 2)
	assert.Equal(t, StateTimedOut, hooked[0].State)
	assert.Equal(t, StateVerified, hooked[1].State)
}

func TestSession_SingleCallInFlight(t *testing.T) {
	clock := &fakeClock{}
	release := make(chan struct{})
	var inFlight, maxInFlight, calls int32
	verify := func(ctx context.Context) (domain.VerificationResult, error) {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			m := atomic.LoadInt32(&maxInFlight)
			if n <= m || atomic.CompareAndSwapInt32(&maxInFlight, m, n) {
				break
			}
		}
		atomic.AddInt32(&calls, 1)
		<-release
		atomic.AddInt32(&inFlight, -1)
		return domain.VerificationResult{Verified: true}, nil
	}
	s := newTestSession(t, DefaultSettings(), verify, clock)

	s.Start(context.Background())
	s.Signal()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&calls) == 1 }, time.Second, time.Millisecond)

	s.Signal()
	assert.True(t, s.CheckAgain())
	clock.fire(t, 0)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.True(t, s.Snapshot().InFlight)

	close(release)
	<-s.Done()
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxInFlight))
	assert.Equal(t, 1, s.Snapshot().Calls)
}

func TestSession_TransportErrorsBackOffFaster(t *testing.T) {
	clock := &fakeClock{}
	var calls int32
	verify := func(ctx context.Context) (domain.VerificationResult, error) {
		if atomic.AddInt32(&calls, 1) == 1 {
			return domain.VerificationResult{}, domain.NewError(domain.KindUpstream, "Failed to verify payment")
		}
		return domain.VerificationResult{Verified: true}, nil
	}
	s := newTestSession(t, DefaultSettings(), verify, clock)

	s.Start(context.Background())
	s.Signal()
	require.Eventually(t, func() bool { return clock.count() == 2 }, time.Second, time.Millisecond)
	assert.Equal(t, 4*time.Second, clock.recorded()[1])
	assert.Equal(t, "Failed to verify payment", s.Snapshot().LastError)

	clock.fire(t, 1)
	<-s.Done()
	assert.Equal(t, StateVerified, s.Snapshot().State)
	assert.Empty(t, s.Snapshot().LastError)
}

func TestSession_NotYetErrorsBackOffAtNotYetRate(t *testing.T) {
	clock := &fakeClock{}
	var calls int32
	verify := func(ctx context.Context) (domain.VerificationResult, error) {
		if atomic.AddInt32(&calls, 1) < 4 {
			return domain.VerificationResult{}, domain.NewError(domain.KindNotYetVerified, "Payment not completed")
		}
		return domain.VerificationResult{Verified: true}, nil
	}
	s := newTestSession(t, DefaultSettings(), verify, clock)

	s.Start(context.Background())
	s.Signal()
	require.Eventually(t, func() bool { return clock.count() == 2 }, time.Second, time.Millisecond)
	assert.Empty(t, s.Snapshot().LastError)
	assert.Equal(t, "Payment not completed", s.Snapshot().LastStatus)

	clock.fire(t, 1)
	clock.fire(t, 2)
	clock.fire(t, 3)
	<-s.Done()

	assert.Equal(t, StateVerified, s.Snapshot().State)
	assert.Equal(t, []time.Duration{
		45 * time.Second,
		3 * time.Second,
		4500 * time.Millisecond,
		6750 * time.Millisecond,
	}, clock.recorded())
}

func TestSession_UnauthenticatedStops(t *testing.T) {
	clock := &fakeClock{}
	verify := func(ctx context.Context) (domain.VerificationResult, error) {
		return domain.VerificationResult{}, domain.NewError(domain.KindUnauthenticated, "Please log in again")
	}
	s := newTestSession(t, DefaultSettings(), verify, clock)

	s.Start(context.Background())
	s.Signal()
	<-s.Done()

	snap := s.Snapshot()
	assert.Equal(t, StateError, snap.State)
	assert.Equal(t, OutcomeError, snap.Outcome)
	assert.Equal(t, "Please log in again", snap.LastError)
	assert.False(t, s.CheckAgain())
}

func TestSession_CheckAgainAfterVerifiedIsNoop(t *testing.T) {
	clock := &fakeClock{}
	verify, calls := countingVerifier(1)
	s := newTestSession(t, DefaultSettings(), verify, clock)

	s.Start(context.Background())
	s.Signal()
	<-s.Done()

	assert.False(t, s.CheckAgain())
	s.Signal()
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(calls))
	assert.Equal(t, StateVerified, s.Snapshot().State)
}

func TestSession_CancelStopsLoop(t *testing.T) {
	clock := &fakeClock{}
	verify, calls := countingVerifier(1)
	s := newTestSession(t, DefaultSettings(), verify, clock)

	s.Start(context.Background())
	s.Cancel()
	<-s.Done()

	assert.Equal(t, StateCancelled, s.Snapshot().State)
	assert.False(t, s.CheckAgain())
	assert.Equal(t, int32(0), atomic.LoadInt32(calls))
}

func TestSession_ResultAfterCancelIsDropped(t *testing.T) {
	clock := &fakeClock{}
	release := make(chan struct{})
	verify := func(ctx context.Context) (domain.VerificationResult, error) {
		<-release
		return domain.VerificationResult{Verified: true}, nil
	}
	s := newTestSession(t, DefaultSettings(), verify, clock)

	s.Start(context.Background())
	s.Signal()
	require.Eventually(t, func() bool { return s.Snapshot().InFlight }, time.Second, time.Millisecond)

	s.Cancel()
	<-s.Done()
	close(release)
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, StateCancelled, s.Snapshot().State)
}
