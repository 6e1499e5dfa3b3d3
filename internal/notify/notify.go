package notify

import (
	"context"
	"fmt"

	"github.com/Domenick1991/hostelpay/internal/kafka"
	"github.com/sirupsen/logrus"
)

// Sender delivers payer notifications for payment outcomes. Delivery is a
// structured log entry; a mail transport can replace it behind the same API.
type Sender struct {
	logger logrus.FieldLogger
}

func NewSender(logger logrus.FieldLogger) *Sender {
	return &Sender{logger: logger}
}

// Send reports whether a notification was produced for the event.
func (s *Sender) Send(ctx context.Context, event kafka.PaymentEvent) (bool, error) {
	subject, body := compose(event)
	if subject == "" {
		return false, nil
	}
	if event.Email == "" {
		s.logger.WithField("booking_id", event.BookingID).Debug("no payer email on event, skipping notification")
		return false, nil
	}
	s.logger.WithFields(logrus.Fields{
		"to":         event.Email,
		"booking_id": event.BookingID,
		"flow":       event.FlowVariant,
		"subject":    subject,
	}).Info(body)
	return true, nil
}

func compose(event kafka.PaymentEvent) (string, string) {
	what := describeFlow(event.FlowVariant)
	switch event.Type {
	case kafka.EventPaymentVerified:
		return "Payment received", fmt.Sprintf("Your %s of %.2f for booking %s was confirmed.", what, event.Amount, event.BookingID)
	case kafka.EventVerificationTimeout:
		return "Payment still processing", fmt.Sprintf("We could not confirm your %s for booking %s yet. Open your bookings to check again.", what, event.BookingID)
	case kafka.EventAttemptAbandoned:
		return "Payment not completed", fmt.Sprintf("Your %s for booking %s was not completed. You can start it again from your bookings.", what, event.BookingID)
	}
	return "", ""
}

func describeFlow(flow string) string {
	switch flow {
	case "extension":
		return "extension payment"
	case "completion":
		return "remaining balance payment"
	default:
		return "booking payment"
	}
}
