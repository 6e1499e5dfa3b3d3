package sweeper

import (
	"context"
	"fmt"
	"time"

	"github.com/Domenick1991/hostelpay/internal/domain"
	"github.com/Domenick1991/hostelpay/internal/kafka"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// AttemptExpirer marks initiated attempts older than deadline as abandoned
// and returns them.
type AttemptExpirer interface {
	ExpireInitiatedBefore(ctx context.Context, deadline time.Time) ([]domain.AttemptRecord, error)
}

type Producer interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

// Sweeper closes attempts the user walked away from without any outcome.
type Sweeper struct {
	attempts           AttemptExpirer
	producer           Producer
	paymentsTopic      string
	notificationsTopic string
	staleAfter         time.Duration
	logger             logrus.FieldLogger
	now                func() time.Time
	cron               *cron.Cron
}

func NewSweeper(attempts AttemptExpirer, producer Producer, paymentsTopic, notificationsTopic string, staleAfter time.Duration, logger logrus.FieldLogger) *Sweeper {
	return &Sweeper{
		attempts:           attempts,
		producer:           producer,
		paymentsTopic:      paymentsTopic,
		notificationsTopic: notificationsTopic,
		staleAfter:         staleAfter,
		logger:             logger,
		now:                time.Now,
	}
}

// Sweep expires stale attempts once and publishes an abandoned event for each.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	deadline := s.now().Add(-s.staleAfter)
	expired, err := s.attempts.ExpireInitiatedBefore(ctx, deadline)
	if err != nil {
		return 0, fmt.Errorf("failed to expire attempts: %w", err)
	}

	for _, rec := range expired {
		event := kafka.PaymentEvent{
			Type:                 kafka.EventAttemptAbandoned,
			AttemptID:            rec.ID.String(),
			BookingID:            rec.BookingID,
			FlowVariant:          string(rec.FlowVariant),
			TransactionReference: rec.TransactionReference,
			Amount:               rec.Amount,
			Email:                rec.PayerEmail,
			AttemptsMade:         rec.AttemptsMade,
			OccurredAt:           s.now(),
		}
		if err := s.producer.Publish(ctx, s.paymentsTopic, rec.BookingID, event); err != nil {
			s.logger.WithError(err).WithField("booking_id", rec.BookingID).Warn("failed to publish abandoned attempt")
		}
		if s.notificationsTopic == "" || rec.PayerEmail == "" {
			continue
		}
		if err := s.producer.Publish(ctx, s.notificationsTopic, rec.BookingID, event); err != nil {
			s.logger.WithError(err).WithField("booking_id", rec.BookingID).Warn("failed to publish abandoned notification")
		}
	}
	return len(expired), nil
}

// Start schedules Sweep on schedule, a standard cron expression or an @every
// descriptor. Stop must be called to release the scheduler.
func (s *Sweeper) Start(ctx context.Context, schedule string) error {
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule attempt sweep %q: %w", schedule, err)
	}
	s.cron = c
	c.Start()
	s.logger.WithField("schedule", schedule).Info("attempt sweep scheduled")
	return nil
}

// Stop waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
}

func (s *Sweeper) run(ctx context.Context) {
	start := s.now()
	n, err := s.Sweep(ctx)
	if err != nil {
		s.logger.WithError(err).Error("attempt sweep failed")
		return
	}
	if n > 0 {
		s.logger.WithFields(logrus.Fields{"expired": n, "took": time.Since(start).String()}).Info("abandoned attempts expired")
	}
}
