package payments

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/Domenick1991/hostelpay/internal/backend"
	"github.com/Domenick1991/hostelpay/internal/domain"
	"github.com/sirupsen/logrus"
)

// PaymentsUseCase covers the stateless backend operations of a payment flow:
// pricing, in-progress status transitions, gateway initiation and the
// authoritative verify call.
type PaymentsUseCase interface {
	GetBooking(ctx context.Context, token, bookingID string) (*domain.Booking, error)
	ExtensionPricing(ctx context.Context, token, bookingID string, additionalMonths int) (*domain.ExtensionPricing, error)
	CompletionPricing(ctx context.Context, token, bookingID string) (*domain.CompletionPricing, error)
	MarkExtensionInProgress(ctx context.Context, token, bookingID string, additionalMonths int) error
	MarkCompletionInProgress(ctx context.Context, token, bookingID string) error
	ResetInProgress(ctx context.Context, token, bookingID string, flow domain.FlowVariant) error
	Initiate(ctx context.Context, flow domain.FlowVariant, bookingID string, amount domain.AmountContext, payer domain.PayerContext) (*domain.PaymentAttempt, error)
	Verify(ctx context.Context, token string, attempt domain.PaymentAttempt) (domain.VerificationResult, error)
}

// Backend is the subset of the backend client the service calls.
type Backend interface {
	GetBooking(ctx context.Context, token, bookingID string) (*domain.Booking, error)
	ExtensionPricing(ctx context.Context, token, bookingID string, additionalMonths int) (*domain.ExtensionPricing, error)
	CompletionPricing(ctx context.Context, token, bookingID string) (*domain.CompletionPricing, error)
	UpdateExtensionStatus(ctx context.Context, token, bookingID string, additionalMonths int) error
	UpdateCompletionStatus(ctx context.Context, token, bookingID string) error
	ResetExtensionStatus(ctx context.Context, token, bookingID string) error
	ResetCompletionStatus(ctx context.Context, token, bookingID string) error
	InitiateStandard(ctx context.Context, payer domain.PayerContext, bookingID string, amount float64, currency string) (*backend.GatewaySession, error)
	InitiateExtension(ctx context.Context, payer domain.PayerContext, bookingID string, additionalMonths int) (*backend.GatewaySession, error)
	InitiateCompletion(ctx context.Context, payer domain.PayerContext, bookingID string, remainingAmount float64) (*backend.GatewaySession, error)
	Verify(ctx context.Context, token string, flow domain.FlowVariant, reference string) (domain.VerificationResult, error)
}

type PaymentService struct {
	backend  Backend
	currency string
	logger   logrus.FieldLogger
	now      func() time.Time
}

type PaymentServiceOption func(*PaymentService)

func WithCurrency(currency string) PaymentServiceOption {
	return func(s *PaymentService) {
		s.currency = currency
	}
}

func WithClock(now func() time.Time) PaymentServiceOption {
	return func(s *PaymentService) {
		s.now = now
	}
}

func NewPaymentService(b Backend, logger logrus.FieldLogger, opts ...PaymentServiceOption) *PaymentService {
	service := &PaymentService{
		backend:  b,
		currency: "MWK",
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

func (s *PaymentService) GetBooking(ctx context.Context, token, bookingID string) (*domain.Booking, error) {
	if err := requireBooking(bookingID); err != nil {
		return nil, err
	}
	return s.backend.GetBooking(ctx, token, bookingID)
}

func (s *PaymentService) ExtensionPricing(ctx context.Context, token, bookingID string, additionalMonths int) (*domain.ExtensionPricing, error) {
	if err := requireBooking(bookingID); err != nil {
		return nil, err
	}
	if err := validateMonths(additionalMonths); err != nil {
		return nil, err
	}
	pricing, err := s.backend.ExtensionPricing(ctx, token, bookingID, additionalMonths)
	if err != nil {
		return nil, err
	}
	if pricing.AdditionalMonths == 0 {
		pricing.AdditionalMonths = additionalMonths
	}
	return pricing, nil
}

func (s *PaymentService) CompletionPricing(ctx context.Context, token, bookingID string) (*domain.CompletionPricing, error) {
	if err := requireBooking(bookingID); err != nil {
		return nil, err
	}
	return s.backend.CompletionPricing(ctx, token, bookingID)
}

// MarkExtensionInProgress must succeed before an extension session is
// initiated. It is never retried here.
func (s *PaymentService) MarkExtensionInProgress(ctx context.Context, token, bookingID string, additionalMonths int) error {
	if err := requireBooking(bookingID); err != nil {
		return err
	}
	if err := validateMonths(additionalMonths); err != nil {
		return err
	}
	if err := s.backend.UpdateExtensionStatus(ctx, token, bookingID, additionalMonths); err != nil {
		s.logger.WithError(err).WithField("booking_id", bookingID).Warn("failed to mark extension in progress")
		return err
	}
	s.logger.WithField("booking_id", bookingID).Info("booking marked pending extension")
	return nil
}

func (s *PaymentService) MarkCompletionInProgress(ctx context.Context, token, bookingID string) error {
	if err := requireBooking(bookingID); err != nil {
		return err
	}
	if err := s.backend.UpdateCompletionStatus(ctx, token, bookingID); err != nil {
		s.logger.WithError(err).WithField("booking_id", bookingID).Warn("failed to mark completion in progress")
		return err
	}
	s.logger.WithField("booking_id", bookingID).Info("booking marked completing payment")
	return nil
}

func (s *PaymentService) ResetInProgress(ctx context.Context, token, bookingID string, flow domain.FlowVariant) error {
	if err := requireBooking(bookingID); err != nil {
		return err
	}
	switch flow {
	case domain.FlowExtension:
		return s.backend.ResetExtensionStatus(ctx, token, bookingID)
	case domain.FlowCompletion:
		return s.backend.ResetCompletionStatus(ctx, token, bookingID)
	}
	return domain.NewError(domain.KindValidation, fmt.Sprintf("%s payments have no in-progress status", flow))
}

func (s *PaymentService) Initiate(ctx context.Context, flow domain.FlowVariant, bookingID string, amount domain.AmountContext, payer domain.PayerContext) (*domain.PaymentAttempt, error) {
	if err := payer.Validate(); err != nil {
		return nil, err
	}
	if err := requireBooking(bookingID); err != nil {
		return nil, err
	}

	var (
		session *backend.GatewaySession
		err     error
	)
	switch flow {
	case domain.FlowStandard:
		if amount.Amount <= 0 {
			return nil, domain.NewError(domain.KindValidation, "amount must be positive")
		}
		currency := amount.Currency
		if currency == "" {
			currency = s.currency
		}
		session, err = s.backend.InitiateStandard(ctx, payer, bookingID, amount.Amount, currency)
	case domain.FlowExtension:
		if err := validateMonths(amount.AdditionalMonths); err != nil {
			return nil, err
		}
		session, err = s.backend.InitiateExtension(ctx, payer, bookingID, amount.AdditionalMonths)
	case domain.FlowCompletion:
		if amount.RemainingAmount <= 0 {
			return nil, domain.NewError(domain.KindValidation, "remaining amount must be positive")
		}
		session, err = s.backend.InitiateCompletion(ctx, payer, bookingID, amount.RemainingAmount)
	default:
		return nil, domain.NewError(domain.KindValidation, fmt.Sprintf("unknown payment flow %q", flow))
	}
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{"booking_id": bookingID, "flow": flow}).Warn("payment initiation failed")
		return nil, err
	}

	attempt := &domain.PaymentAttempt{
		BookingID:            bookingID,
		FlowVariant:          flow,
		TransactionReference: session.TxRef,
		Amount:               session.Amount,
		AdditionalMonths:     amount.AdditionalMonths,
		RedirectURL:          session.PaymentURL,
		CreatedAt:            s.now(),
	}
	if attempt.Amount == 0 {
		attempt.Amount = fallbackAmount(amount)
	}
	s.logger.WithFields(logrus.Fields{
		"booking_id": bookingID,
		"flow":       flow,
		"tx_ref":     attempt.TransactionReference,
	}).Info("payment session initiated")
	return attempt, nil
}

func (s *PaymentService) Verify(ctx context.Context, token string, attempt domain.PaymentAttempt) (domain.VerificationResult, error) {
	return s.backend.Verify(ctx, token, attempt.FlowVariant, attempt.VerificationKey())
}

func fallbackAmount(a domain.AmountContext) float64 {
	if a.Amount > 0 {
		return a.Amount
	}
	return a.RemainingAmount
}

func requireBooking(bookingID string) error {
	if strings.TrimSpace(bookingID) == "" {
		return domain.NewError(domain.KindValidation, "booking id is required")
	}
	return nil
}

func validateMonths(months int) error {
	if months < domain.MinExtensionMonths || months > domain.MaxExtensionMonths {
		return domain.NewError(domain.KindValidation, fmt.Sprintf("additional months must be between %d and %d", domain.MinExtensionMonths, domain.MaxExtensionMonths))
	}
	return nil
}

var _ PaymentsUseCase = (*PaymentService)(nil)
var _ Backend = (*backend.Client)(nil)
