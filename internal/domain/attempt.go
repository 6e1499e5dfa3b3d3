package domain

import (
	"time"

	"github.com/google/uuid"
)

type AttemptStatus string

const (
	AttemptStatusInitiated AttemptStatus = "initiated"
	AttemptStatusVerified  AttemptStatus = "verified"
	AttemptStatusTimedOut  AttemptStatus = "timed_out"
	AttemptStatusError     AttemptStatus = "error"
	AttemptStatusAbandoned AttemptStatus = "abandoned"
)

// AttemptRecord is the audit row kept for every gateway checkout.
type AttemptRecord struct {
	ID                   uuid.UUID     `json:"id"`
	BookingID            string        `json:"booking_id"`
	FlowVariant          FlowVariant   `json:"flow_variant"`
	TransactionReference string        `json:"transaction_reference"`
	Amount               float64       `json:"amount"`
	RedirectURL          string        `json:"redirect_url"`
	Status               AttemptStatus `json:"status"`
	AttemptsMade         int           `json:"attempts_made"`
	PayerEmail           string        `json:"payer_email"`
	Browser              string        `json:"browser"`
	Platform             string        `json:"platform"`
	CreatedAt            time.Time     `json:"created_at"`
	UpdatedAt            time.Time     `json:"updated_at"`
}

func NewAttemptRecord(a PaymentAttempt, payerEmail string) *AttemptRecord {
	return &AttemptRecord{
		ID:                   uuid.New(),
		BookingID:            a.BookingID,
		FlowVariant:          a.FlowVariant,
		TransactionReference: a.TransactionReference,
		Amount:               a.Amount,
		RedirectURL:          a.RedirectURL,
		Status:               AttemptStatusInitiated,
		PayerEmail:           payerEmail,
		CreatedAt:            a.CreatedAt,
	}
}
