package checkout

import (
	"time"

	"github.com/Domenick1991/hostelpay/internal/domain"
	"github.com/Domenick1991/hostelpay/internal/verification"
)

// Actions the page can offer next to a message.
const (
	ActionCheckAgain = "check_again"
	ActionTryAgain   = "try_again"
	ActionRetry      = "retry"
	ActionLogin      = "login"
	ActionResume     = "resume"
	ActionDismiss    = "dismiss"
)

const maxPendingProgress = 90

// Redirect tells the page where to go after a verified payment.
type Redirect struct {
	URL     string `json:"url"`
	DelayMs int64  `json:"delay_ms"`
}

// SessionView is everything the payment page renders for one session.
type SessionView struct {
	SessionID            string             `json:"session_id"`
	BookingID            string             `json:"booking_id"`
	Flow                 domain.FlowVariant `json:"flow"`
	TransactionReference string             `json:"transaction_reference"`
	Amount               float64            `json:"amount"`
	PaymentURL           string             `json:"payment_url"`
	State                verification.State `json:"state"`
	Outcome              string             `json:"outcome,omitempty"`
	AttemptsMade         int                `json:"attempts_made"`
	MaxAttempts          int                `json:"max_attempts"`
	Progress             int                `json:"progress"`
	Message              string             `json:"message"`
	CompletionSignaled   bool               `json:"completion_signaled"`
	ErrorKind            domain.ErrorKind   `json:"error_kind,omitempty"`
	Actions              []string           `json:"actions"`
	Redirect             *Redirect          `json:"redirect,omitempty"`
	StartedAt            time.Time          `json:"started_at"`
}

func buildView(id string, attempt domain.PaymentAttempt, snap verification.Snapshot, redirect Redirect) SessionView {
	view := SessionView{
		SessionID:            id,
		BookingID:            attempt.BookingID,
		Flow:                 attempt.FlowVariant,
		TransactionReference: attempt.TransactionReference,
		Amount:               attempt.Amount,
		PaymentURL:           attempt.RedirectURL,
		State:                snap.State,
		Outcome:              string(snap.Outcome),
		AttemptsMade:         snap.AttemptsMade,
		MaxAttempts:          snap.MaxAttempts,
		CompletionSignaled:   snap.CompletionSignaled,
		StartedAt:            snap.StartedAt,
		Actions:              []string{},
	}

	switch snap.State {
	case verification.StateIdle, verification.StateBackgroundWaiting:
		view.Message = "Complete your payment in the window below."
	case verification.StatePolling:
		view.Progress = progressOf(snap.AttemptsMade, snap.MaxAttempts)
		view.Message = progressMessage(snap.AttemptsMade)
	case verification.StateVerified:
		view.Progress = 100
		view.Message = "Payment verified successfully! Redirecting to your bookings..."
		r := redirect
		view.Redirect = &r
	case verification.StateTimedOut:
		view.Progress = maxPendingProgress
		view.ErrorKind = domain.KindVerificationTimeout
		view.Message = "Payment verification is taking longer than expected. If you completed the payment, check again in a moment."
		view.Actions = []string{ActionCheckAgain, ActionTryAgain}
	case verification.StateError:
		view.ErrorKind = snap.LastErrorKind
		view.Message = snap.LastError
		if view.Message == "" {
			view.Message = "We could not verify your payment."
		}
		if snap.LastErrorKind == domain.KindUnauthenticated {
			view.Actions = []string{ActionLogin}
		} else {
			view.Actions = []string{ActionTryAgain}
		}
	case verification.StateCancelled:
		view.Message = "This payment session was closed."
		view.Actions = []string{ActionResume}
	}
	return view
}

func progressOf(attempts, maxAttempts int) int {
	if maxAttempts <= 0 {
		return 0
	}
	p := attempts * 100 / maxAttempts
	if p > maxPendingProgress {
		return maxPendingProgress
	}
	return p
}

func progressMessage(attempts int) string {
	switch {
	case attempts <= 3:
		return "Contacting payment provider..."
	case attempts <= 6:
		return "Confirming payment details..."
	case attempts <= 10:
		return "Updating your booking status..."
	default:
		return "Finalizing verification..."
	}
}
