package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	EventAttemptInitiated    = "attempt_initiated"
	EventPaymentVerified     = "payment_verified"
	EventVerificationTimeout = "verification_timed_out"
	EventVerificationError   = "verification_error"
	EventAttemptAbandoned    = "attempt_abandoned"
	EventAttemptCancelled    = "attempt_cancelled"
)

// PaymentEvent is published for every attempt start and outcome. Events are
// keyed by booking id so one booking's events stay ordered in a partition.
type PaymentEvent struct {
	Type                 string    `json:"type"`
	AttemptID            string    `json:"attempt_id"`
	BookingID            string    `json:"booking_id"`
	FlowVariant          string    `json:"flow_variant"`
	TransactionReference string    `json:"transaction_reference"`
	Amount               float64   `json:"amount"`
	Email                string    `json:"email,omitempty"`
	AttemptsMade         int       `json:"attempts_made,omitempty"`
	Message              string    `json:"message,omitempty"`
	OccurredAt           time.Time `json:"occurred_at"`
}

func DecodePaymentEvent(msg kafka.Message) (PaymentEvent, error) {
	var event PaymentEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		return PaymentEvent{}, fmt.Errorf("failed to decode payment event: %w", err)
	}
	return event, nil
}
