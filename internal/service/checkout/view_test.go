package checkout

import (
	"testing"

	"github.com/Domenick1991/hostelpay/internal/domain"
	"github.com/Domenick1991/hostelpay/internal/verification"
	"github.com/stretchr/testify/assert"
)

func TestProgressMessage(t *testing.T) {
	testCases := []struct {
		attempts int
		expected string
	}{
		{1, "Contacting payment provider..."},
		{3, "Contacting payment provider..."},
		{4, "Confirming payment details..."},
		{6, "Confirming payment details..."},
		{10, "Updating your booking status..."},
		{11, "Finalizing verification..."},
	}
	for _, tc := range testCases {
		assert.Equal(t, tc.expected, progressMessage(tc.attempts), "attempts=%d", tc.attempts)
	}
}

func TestProgressOf_CappedUntilVerified(t *testing.T) {
	assert.Equal(t, 25, progressOf(5, 20))
	assert.Equal(t, 90, progressOf(19, 20))
	assert.Equal(t, 90, progressOf(20, 20))
	assert.Equal(t, 0, progressOf(3, 0))
}

func TestBuildView_Actions(t *testing.T) {
	attempt := domain.PaymentAttempt{BookingID: "b-1", FlowVariant: domain.FlowCompletion, TransactionReference: "TX-1"}
	redirect := Redirect{URL: "/student/bookings", DelayMs: 3000}

	testCases := []struct {
		name     string
		snap     verification.Snapshot
		actions  []string
		redirect bool
	}{
		{name: "waiting", snap: verification.Snapshot{State: verification.StateBackgroundWaiting}, actions: []string{}},
		{name: "polling", snap: verification.Snapshot{State: verification.StatePolling, AttemptsMade: 2, MaxAttempts: 20}, actions: []string{}},
		{name: "verified", snap: verification.Snapshot{State: verification.StateVerified}, actions: []string{}, redirect: true},
		{name: "timed out", snap: verification.Snapshot{State: verification.StateTimedOut}, actions: []string{ActionCheckAgain, ActionTryAgain}},
		{name: "error", snap: verification.Snapshot{State: verification.StateError, LastError: "boom", LastErrorKind: domain.KindValidation}, actions: []string{ActionTryAgain}},
		{name: "logged out", snap: verification.Snapshot{State: verification.StateError, LastErrorKind: domain.KindUnauthenticated}, actions: []string{ActionLogin}},
		{name: "cancelled", snap: verification.Snapshot{State: verification.StateCancelled}, actions: []string{ActionResume}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			view := buildView("s-1", attempt, tc.snap, redirect)
			assert.Equal(t, tc.actions, view.Actions)
			assert.NotEmpty(t, view.Message)
			assert.Equal(t, tc.redirect, view.Redirect != nil)
			assert.Equal(t, "TX-1", view.TransactionReference)
		})
	}
}
