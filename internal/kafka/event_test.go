package kafka

import (
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePaymentEvent(t *testing.T) {
	msg := kafka.Message{Value: []byte(`{"type":"payment_verified","booking_id":"b-1","flow_variant":"extension","transaction_reference":"TX-1","amount":45000,"occurred_at":"2026-01-02T10:00:00Z"}`)}

	event, err := DecodePaymentEvent(msg)

	require.NoError(t, err)
	assert.Equal(t, EventPaymentVerified, event.Type)
	assert.Equal(t, "b-1", event.BookingID)
	assert.Equal(t, 45000.0, event.Amount)
	assert.Equal(t, time.Date(2026, 1, 2, 10, 0, 0, 0, time.UTC), event.OccurredAt)

	_, err = DecodePaymentEvent(kafka.Message{Value: []byte("not json")})
	assert.Error(t, err)
}
