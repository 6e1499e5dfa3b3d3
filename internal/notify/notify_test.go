package notify

import (
	"context"
	"testing"

	"github.com/Domenick1991/hostelpay/internal/kafka"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSender_Send(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := NewSender(logger)

	sent, err := s.Send(context.Background(), kafka.PaymentEvent{
		Type:        kafka.EventPaymentVerified,
		BookingID:   "b-1",
		FlowVariant: "extension",
		Amount:      45000,
		Email:       "student@example.com",
	})

	require.NoError(t, err)
	assert.True(t, sent)
	require.Len(t, hook.Entries, 1)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "student@example.com", entry.Data["to"])
	assert.Equal(t, "Payment received", entry.Data["subject"])
	assert.Contains(t, entry.Message, "extension payment of 45000.00")
}

func TestSender_SkipsUninterestingEvents(t *testing.T) {
	logger, hook := test.NewNullLogger()
	s := NewSender(logger)

	sent, err := s.Send(context.Background(), kafka.PaymentEvent{Type: kafka.EventAttemptInitiated, Email: "a@b.com"})
	require.NoError(t, err)
	assert.False(t, sent)

	sent, err = s.Send(context.Background(), kafka.PaymentEvent{Type: kafka.EventAttemptAbandoned})
	require.NoError(t, err)
	assert.False(t, sent)
	assert.Empty(t, hook.AllEntries())
}
