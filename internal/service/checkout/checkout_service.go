package checkout

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Domenick1991/hostelpay/config"
	"github.com/Domenick1991/hostelpay/internal/domain"
	"github.com/Domenick1991/hostelpay/internal/kafka"
	"github.com/Domenick1991/hostelpay/internal/service/payments"
	"github.com/Domenick1991/hostelpay/internal/verification"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/mssola/user_agent"
	"github.com/sirupsen/logrus"
)

// Step names the part of a flow that failed, so a retry can resume there.
type Step string

const (
	StepPricing      Step = "pricing"
	StepStatusUpdate Step = "status_update"
	StepInitiate     Step = "initiate"
)

// FlowError is a failed flow step.
type FlowError struct {
	Step      Step
	BookingID string
	Flow      domain.FlowVariant
	Err       error
}

func (e *FlowError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Flow, e.Step, e.Err)
}

func (e *FlowError) Unwrap() error { return e.Err }

// Actions are the next steps the page offers for this failure.
func (e *FlowError) Actions() []string {
	switch domain.KindOf(e.Err) {
	case domain.KindUnauthenticated:
		return []string{ActionLogin}
	case domain.KindValidation, domain.KindNotFound:
		return []string{ActionDismiss}
	}
	return []string{ActionRetry, ActionDismiss}
}

type CheckoutUseCase interface {
	Start(ctx context.Context, req StartRequest) (*SessionView, error)
	Retry(ctx context.Context, bookingID string, flow domain.FlowVariant, payer domain.PayerContext, userAgent string) (*SessionView, error)
	Pending(ctx context.Context, token, bookingID string, flow domain.FlowVariant) (*domain.PaymentAttempt, error)
	Resume(ctx context.Context, bookingID string, flow domain.FlowVariant, payer domain.PayerContext, userAgent string) (*SessionView, error)
	View(id, token string) (*SessionView, error)
	Observe(id, token string, obs verification.Observation) (*SessionView, verification.Verdict, error)
	CheckAgain(id, token string) (*SessionView, error)
	TryAgain(ctx context.Context, id string, payer domain.PayerContext, userAgent string) (*SessionView, error)
	Cancel(ctx context.Context, id, token string) error
	ResetInProgress(ctx context.Context, payer domain.PayerContext, bookingID string, flow domain.FlowVariant) error
}

// StartRequest is one user request to pay for a booking.
type StartRequest struct {
	Flow      domain.FlowVariant
	BookingID string
	Amount    domain.AmountContext
	Payer     domain.PayerContext
	UserAgent string
}

type AttemptStore interface {
	GetAttempt(ctx context.Context, bookingID string, flow domain.FlowVariant) (*domain.PaymentAttempt, error)
	SaveAttempt(ctx context.Context, attempt domain.PaymentAttempt) error
	DeleteAttempt(ctx context.Context, bookingID string, flow domain.FlowVariant) error
	AcquireFlowLock(ctx context.Context, bookingID string, ttl time.Duration) (string, bool, error)
	ReleaseFlowLock(ctx context.Context, bookingID, token string) error
}

type AttemptRecorder interface {
	Create(ctx context.Context, record *domain.AttemptRecord) error
	UpdateOutcome(ctx context.Context, id uuid.UUID, status domain.AttemptStatus, attemptsMade int) error
}

type Producer interface {
	Publish(ctx context.Context, topic, key string, value interface{}) error
}

type Settings struct {
	Verification    verification.Settings
	AttemptTTL      time.Duration
	FlowLockTTL     time.Duration
	SessionIdle     time.Duration
	GatewayOrigin   string
	AppOrigin       string
	MinFrameReloads int
	MinDwell        time.Duration
	SuccessRedirect time.Duration
	BookingsURL     string
}

func SettingsFromConfig(cfg *config.Config) Settings {
	v := cfg.Verification
	return Settings{
		Verification: verification.Settings{
			Backoff: verification.Backoff{
				Initial:      time.Duration(v.InitialDelayMs) * time.Millisecond,
				Max:          time.Duration(v.MaxDelayMs) * time.Millisecond,
				NotYetFactor: v.NotYetMultiplier,
				ErrorFactor:  v.ErrorMultiplier,
			},
			MaxAttempts:      v.MaxAttempts,
			GracePeriod:      time.Duration(v.GracePeriodSeconds) * time.Second,
			BudgetResetDelay: time.Duration(v.BudgetResetDelayMs) * time.Millisecond,
		},
		AttemptTTL:      time.Duration(cfg.Attempts.TTLMinutes) * time.Minute,
		FlowLockTTL:     time.Duration(cfg.Attempts.FlowLockSeconds) * time.Second,
		SessionIdle:     time.Duration(cfg.Attempts.SessionIdleSeconds) * time.Second,
		GatewayOrigin:   cfg.Gateway.Origin,
		AppOrigin:       cfg.Gateway.AppOrigin,
		MinFrameReloads: v.MinFrameReloads,
		MinDwell:        time.Duration(v.MinDwellSeconds) * time.Second,
		SuccessRedirect: time.Duration(v.SuccessRedirectMs) * time.Millisecond,
		BookingsURL:     v.BookingsURL,
	}
}

type attemptKey struct {
	bookingID string
	flow      domain.FlowVariant
}

// draft is a flow that failed before a gateway session was opened.
type draft struct {
	req        StartRequest
	subject    string
	failedStep Step
	createdAt  time.Time
}

type activeSession struct {
	id       string
	subject  string
	key      attemptKey
	attempt  domain.PaymentAttempt
	recordID uuid.UUID
	req      StartRequest
	poller   *verification.Session
	signal   verification.CompletionSignal

	mu       sync.Mutex
	payer    domain.PayerContext
	lastSeen time.Time
}

func (a *activeSession) touch(now time.Time, token string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastSeen = now
	if token != "" {
		a.payer.BearerToken = token
	}
}

func (a *activeSession) token() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.payer.BearerToken
}

func (a *activeSession) idleSince() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastSeen
}

type CheckoutService struct {
	payments           payments.PaymentsUseCase
	store              AttemptStore
	recorder           AttemptRecorder
	producer           Producer
	paymentsTopic      string
	notificationsTopic string
	settings           Settings
	logger             logrus.FieldLogger
	now                func() time.Time
	sessionOpts        []verification.Option
	baseCtx            context.Context

	mu       sync.Mutex
	sessions map[string]*activeSession
	active   map[attemptKey]string
	drafts   map[attemptKey]*draft
}

type CheckoutServiceOption func(*CheckoutService)

func WithRecorder(recorder AttemptRecorder) CheckoutServiceOption {
	return func(s *CheckoutService) {
		s.recorder = recorder
	}
}

func WithProducer(producer Producer, paymentsTopic, notificationsTopic string) CheckoutServiceOption {
	return func(s *CheckoutService) {
		s.producer = producer
		s.paymentsTopic = paymentsTopic
		s.notificationsTopic = notificationsTopic
	}
}

// WithSessionOptions is applied to every verification session.
func WithSessionOptions(opts ...verification.Option) CheckoutServiceOption {
	return func(s *CheckoutService) {
		s.sessionOpts = append(s.sessionOpts, opts...)
	}
}

func WithClock(now func() time.Time) CheckoutServiceOption {
	return func(s *CheckoutService) {
		s.now = now
	}
}

// WithBaseContext sets the parent context of all verification sessions.
func WithBaseContext(ctx context.Context) CheckoutServiceOption {
	return func(s *CheckoutService) {
		s.baseCtx = ctx
	}
}

func NewCheckoutService(p payments.PaymentsUseCase, store AttemptStore, settings Settings, logger logrus.FieldLogger, opts ...CheckoutServiceOption) *CheckoutService {
	service := &CheckoutService{
		payments: p,
		store:    store,
		settings: settings,
		logger:   logger,
		now:      time.Now,
		baseCtx:  context.Background(),
		sessions: make(map[string]*activeSession),
		active:   make(map[attemptKey]string),
		drafts:   make(map[attemptKey]*draft),
	}
	for _, opt := range opts {
		opt(service)
	}
	return service
}

func (s *CheckoutService) Start(ctx context.Context, req StartRequest) (*SessionView, error) {
	if err := req.Payer.Validate(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.BookingID) == "" {
		return nil, domain.NewError(domain.KindValidation, "booking id is required")
	}

	unlock, err := s.lockFlow(ctx, req.BookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	d := &draft{req: req, subject: subjectOf(req.Payer.BearerToken), createdAt: s.now()}
	return s.runFrom(ctx, d, StepPricing)
}

// Retry resumes a failed flow at the step that failed. A failed status update
// is re-attempted without fetching pricing again, and a failed initiation
// without re-running the status update.
func (s *CheckoutService) Retry(ctx context.Context, bookingID string, flow domain.FlowVariant, payer domain.PayerContext, userAgent string) (*SessionView, error) {
	key := attemptKey{bookingID: bookingID, flow: flow}

	s.mu.Lock()
	d, ok := s.drafts[key]
	if ok && s.now().Sub(d.createdAt) > s.settings.AttemptTTL {
		delete(s.drafts, key)
		ok = false
	}
	s.mu.Unlock()
	if !ok || d.subject != subjectOf(payer.BearerToken) {
		return nil, domain.NewError(domain.KindNotFound, "there is no failed payment to retry for this booking")
	}

	unlock, err := s.lockFlow(ctx, bookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	retry := &draft{req: d.req, subject: d.subject, failedStep: d.failedStep, createdAt: d.createdAt}
	retry.req.Payer = payer
	if userAgent != "" {
		retry.req.UserAgent = userAgent
	}
	s.logger.WithFields(logrus.Fields{"booking_id": bookingID, "flow": flow, "step": d.failedStep}).Info("retrying payment flow")
	return s.runFrom(ctx, retry, d.failedStep)
}

func (s *CheckoutService) runFrom(ctx context.Context, d *draft, from Step) (*SessionView, error) {
	req := &d.req
	token := req.Payer.BearerToken

	if from == StepPricing {
		if err := s.prepare(ctx, req); err != nil {
			return nil, s.fail(d, StepPricing, err)
		}
		from = StepStatusUpdate
	}

	if from == StepStatusUpdate {
		var err error
		switch req.Flow {
		case domain.FlowExtension:
			err = s.payments.MarkExtensionInProgress(ctx, token, req.BookingID, req.Amount.AdditionalMonths)
		case domain.FlowCompletion:
			err = s.payments.MarkCompletionInProgress(ctx, token, req.BookingID)
		}
		if err != nil {
			return nil, s.fail(d, StepStatusUpdate, err)
		}
	}

	attempt, err := s.payments.Initiate(ctx, req.Flow, req.BookingID, req.Amount, req.Payer)
	if err != nil {
		return nil, s.fail(d, StepInitiate, err)
	}

	s.mu.Lock()
	delete(s.drafts, attemptKey{bookingID: req.BookingID, flow: req.Flow})
	s.mu.Unlock()

	return s.open(ctx, *attempt, *req, false), nil
}

// prepare checks the booking can take this payment and fills the amount from
// the backend's pricing.
func (s *CheckoutService) prepare(ctx context.Context, req *StartRequest) error {
	token := req.Payer.BearerToken
	booking, err := s.payments.GetBooking(ctx, token, req.BookingID)
	if err != nil {
		return err
	}

	switch req.Flow {
	case domain.FlowStandard:
		if booking.Status != domain.BookingStatusPending && booking.Status != domain.BookingStatusPaymentFailed {
			return domain.NewError(domain.KindValidation, fmt.Sprintf("booking is %s and cannot be paid", booking.Status))
		}
		if req.Amount.Amount <= 0 {
			req.Amount.Amount = booking.TotalAmount
		}

	case domain.FlowExtension:
		if booking.Status != domain.BookingStatusConfirmed && !booking.Status.InProgress() {
			return domain.NewError(domain.KindValidation, "only confirmed bookings can be extended")
		}
		pricing, err := s.payments.ExtensionPricing(ctx, token, req.BookingID, req.Amount.AdditionalMonths)
		if err != nil {
			return err
		}
		req.Amount.Amount = pricing.TotalAmount

	case domain.FlowCompletion:
		if booking.PaymentType != domain.PaymentTypeBookingFee {
			return domain.NewError(domain.KindValidation, "this booking is already fully paid")
		}
		if booking.Status == domain.BookingStatusCancelled || booking.Status == domain.BookingStatusRejected {
			return domain.NewError(domain.KindValidation, fmt.Sprintf("booking is %s and cannot be paid", booking.Status))
		}
		pricing, err := s.payments.CompletionPricing(ctx, token, req.BookingID)
		if err != nil {
			return err
		}
		if pricing.RemainingAmount <= 0 {
			return domain.NewError(domain.KindValidation, "this booking has no remaining balance")
		}
		req.Amount.RemainingAmount = pricing.RemainingAmount

	default:
		return domain.NewError(domain.KindValidation, fmt.Sprintf("unknown payment flow %q", req.Flow))
	}
	return nil
}

func (s *CheckoutService) fail(d *draft, step Step, err error) error {
	d.failedStep = step
	key := attemptKey{bookingID: d.req.BookingID, flow: d.req.Flow}

	s.mu.Lock()
	s.drafts[key] = d
	s.mu.Unlock()

	s.logger.WithError(err).WithFields(logrus.Fields{
		"booking_id": d.req.BookingID,
		"flow":       d.req.Flow,
		"step":       step,
	}).Warn("payment flow step failed")
	return &FlowError{Step: step, BookingID: d.req.BookingID, Flow: d.req.Flow, Err: err}
}

func (s *CheckoutService) lockFlow(ctx context.Context, bookingID string) (func(), error) {
	if s.store == nil {
		return func() {}, nil
	}
	token, ok, err := s.store.AcquireFlowLock(ctx, bookingID, s.settings.FlowLockTTL)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "payment service unavailable", err)
	}
	if !ok {
		return nil, domain.NewError(domain.KindValidation, "a payment for this booking is already being started")
	}
	return func() {
		if err := s.store.ReleaseFlowLock(context.Background(), bookingID, token); err != nil {
			s.logger.WithError(err).WithField("booking_id", bookingID).Warn("failed to release flow lock")
		}
	}, nil
}

// open registers a verification session for attempt, replacing any active
// session for the same booking and flow.
func (s *CheckoutService) open(ctx context.Context, attempt domain.PaymentAttempt, req StartRequest, resumed bool) *SessionView {
	log := s.logger.WithFields(logrus.Fields{
		"booking_id": attempt.BookingID,
		"flow":       attempt.FlowVariant,
		"tx_ref":     attempt.TransactionReference,
	})

	as := &activeSession{
		id:       uuid.NewString(),
		subject:  subjectOf(req.Payer.BearerToken),
		key:      attemptKey{bookingID: attempt.BookingID, flow: attempt.FlowVariant},
		attempt:  attempt,
		req:      req,
		payer:    req.Payer,
		lastSeen: s.now(),
	}
	as.req.Payer.BearerToken = ""
	log = log.WithField("session_id", as.id)

	if resumed {
		as.recordID, _ = uuid.Parse(attempt.AttemptID)
		if as.req.Payer.Email == "" {
			as.req.Payer.Email = attempt.PayerEmail
		}
	} else {
		as.recordID = s.record(ctx, attempt, req, log)
		if s.store != nil {
			cached := attempt
			cached.PayerEmail = req.Payer.Email
			if as.recordID != uuid.Nil {
				cached.AttemptID = as.recordID.String()
			}
			if err := s.store.SaveAttempt(ctx, cached); err != nil {
				log.WithError(err).Warn("failed to cache payment attempt")
			}
		}
		s.publish(ctx, kafka.EventAttemptInitiated, as, 0, "")
	}

	as.signal = verification.AnySignal{
		verification.NewMessageSignal(s.settings.GatewayOrigin),
		verification.NewNavigationSignal(s.settings.AppOrigin, s.settings.MinFrameReloads, s.settings.MinDwell, s.now()),
	}

	verify := func(ctx context.Context) (domain.VerificationResult, error) {
		return s.payments.Verify(ctx, as.token(), as.attempt)
	}
	opts := append([]verification.Option{
		verification.WithLogger(log),
		verification.WithTransitionHook(func(snap verification.Snapshot) { s.onOutcome(as, snap) }),
	}, s.sessionOpts...)
	as.poller = verification.NewSession(s.settings.Verification, verify, opts...)

	s.mu.Lock()
	previous := s.sessions[s.active[as.key]]
	if previous != nil {
		delete(s.sessions, previous.id)
	}
	s.sessions[as.id] = as
	s.active[as.key] = as.id
	s.mu.Unlock()

	if previous != nil {
		previous.poller.Cancel()
		log.WithField("replaced_session", previous.id).Info("replaced active verification session")
	}

	as.poller.Start(s.baseCtx)
	if resumed {
		as.poller.Signal()
	}
	log.Info("verification session opened")

	view := s.viewOf(as)
	return &view
}

func (s *CheckoutService) record(ctx context.Context, attempt domain.PaymentAttempt, req StartRequest, log logrus.FieldLogger) uuid.UUID {
	if s.recorder == nil {
		return uuid.Nil
	}
	rec := domain.NewAttemptRecord(attempt, req.Payer.Email)
	rec.Browser, rec.Platform = browserOf(req.UserAgent)
	if err := s.recorder.Create(ctx, rec); err != nil {
		log.WithError(err).Warn("failed to record payment attempt")
		return uuid.Nil
	}
	return rec.ID
}

func (s *CheckoutService) onOutcome(as *activeSession, snap verification.Snapshot) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var (
		status    domain.AttemptStatus
		eventType string
	)
	switch snap.State {
	case verification.StateVerified:
		status, eventType = domain.AttemptStatusVerified, kafka.EventPaymentVerified
		if s.store != nil {
			if err := s.store.DeleteAttempt(ctx, as.key.bookingID, as.key.flow); err != nil {
				s.logger.WithError(err).WithField("booking_id", as.key.bookingID).Warn("failed to drop cached attempt")
			}
		}
	case verification.StateTimedOut:
		status, eventType = domain.AttemptStatusTimedOut, kafka.EventVerificationTimeout
	case verification.StateError:
		status, eventType = domain.AttemptStatusError, kafka.EventVerificationError
	default:
		return
	}

	if s.recorder != nil && as.recordID != uuid.Nil {
		if err := s.recorder.UpdateOutcome(ctx, as.recordID, status, snap.Calls); err != nil {
			s.logger.WithError(err).WithField("attempt_id", as.recordID).Warn("failed to record attempt outcome")
		}
	}
	s.publish(ctx, eventType, as, snap.Calls, snap.LastError)
}

func (s *CheckoutService) publish(ctx context.Context, eventType string, as *activeSession, attempts int, message string) {
	if s.producer == nil || s.paymentsTopic == "" {
		return
	}
	event := kafka.PaymentEvent{
		Type:                 eventType,
		BookingID:            as.attempt.BookingID,
		FlowVariant:          string(as.attempt.FlowVariant),
		TransactionReference: as.attempt.TransactionReference,
		Amount:               as.attempt.Amount,
		Email:                as.req.Payer.Email,
		AttemptsMade:         attempts,
		Message:              message,
		OccurredAt:           s.now(),
	}
	if as.recordID != uuid.Nil {
		event.AttemptID = as.recordID.String()
	}
	log := s.logger.WithFields(logrus.Fields{"booking_id": event.BookingID, "event": eventType})
	if err := s.producer.Publish(ctx, s.paymentsTopic, event.BookingID, event); err != nil {
		log.WithError(err).Warn("failed to publish payment event")
	}
	if s.notificationsTopic != "" && notifiable(eventType) {
		if err := s.producer.Publish(ctx, s.notificationsTopic, event.BookingID, event); err != nil {
			log.WithError(err).Warn("failed to publish notification event")
		}
	}
}

func notifiable(eventType string) bool {
	return eventType == kafka.EventPaymentVerified || eventType == kafka.EventVerificationTimeout
}

// Pending returns the cached attempt of a booking the caller can read.
func (s *CheckoutService) Pending(ctx context.Context, token, bookingID string, flow domain.FlowVariant) (*domain.PaymentAttempt, error) {
	if err := s.authorize(ctx, token, bookingID); err != nil {
		return nil, err
	}
	return s.pending(ctx, bookingID, flow)
}

// authorize asks the backend for the booking with the caller's token, which
// fails for bookings of other users.
func (s *CheckoutService) authorize(ctx context.Context, token, bookingID string) error {
	if strings.TrimSpace(token) == "" {
		return domain.NewError(domain.KindUnauthenticated, "user not authenticated")
	}
	_, err := s.payments.GetBooking(ctx, token, bookingID)
	return err
}

func (s *CheckoutService) pending(ctx context.Context, bookingID string, flow domain.FlowVariant) (*domain.PaymentAttempt, error) {
	if s.store == nil {
		return nil, domain.NewError(domain.KindNotFound, "no pending payment for this booking")
	}
	attempt, err := s.store.GetAttempt(ctx, bookingID, flow)
	if err != nil {
		return nil, domain.Wrap(domain.KindUpstream, "payment service unavailable", err)
	}
	if attempt == nil {
		return nil, domain.NewError(domain.KindNotFound, "no pending payment for this booking")
	}
	if !attempt.Fresh(s.now(), s.settings.AttemptTTL) {
		_ = s.store.DeleteAttempt(ctx, bookingID, flow)
		return nil, domain.NewError(domain.KindNotFound, "no pending payment for this booking")
	}
	return attempt, nil
}

// Resume attaches a verification session to the cached attempt of a payer who
// came back to the page. An already running session is reused.
func (s *CheckoutService) Resume(ctx context.Context, bookingID string, flow domain.FlowVariant, payer domain.PayerContext, userAgent string) (*SessionView, error) {
	if err := s.authorize(ctx, payer.BearerToken, bookingID); err != nil {
		return nil, err
	}

	key := attemptKey{bookingID: bookingID, flow: flow}
	s.mu.Lock()
	as := s.sessions[s.active[key]]
	s.mu.Unlock()
	if as != nil && as.subject == subjectOf(payer.BearerToken) && as.poller.Snapshot().State != verification.StateCancelled {
		as.touch(s.now(), payer.BearerToken)
		view := s.viewOf(as)
		return &view, nil
	}

	attempt, err := s.pending(ctx, bookingID, flow)
	if err != nil {
		return nil, err
	}
	req := StartRequest{
		Flow:      flow,
		BookingID: bookingID,
		Amount:    attempt.AmountContext(),
		Payer:     payer,
		UserAgent: userAgent,
	}
	s.logger.WithFields(logrus.Fields{"booking_id": bookingID, "flow": flow, "tx_ref": attempt.TransactionReference}).Info("resuming pending payment")
	return s.open(ctx, *attempt, req, true), nil
}

func (s *CheckoutService) View(id, token string) (*SessionView, error) {
	as, err := s.owned(id, token)
	if err != nil {
		return nil, err
	}
	view := s.viewOf(as)
	return &view, nil
}

// Observe feeds a page observation to the session's completion signals and
// starts verification when one fires.
func (s *CheckoutService) Observe(id, token string, obs verification.Observation) (*SessionView, verification.Verdict, error) {
	as, err := s.owned(id, token)
	if err != nil {
		return nil, verification.Verdict{}, err
	}
	if obs.At.IsZero() {
		obs.At = s.now()
	}

	verdict := as.signal.Observe(obs)
	if verdict.Fired {
		s.logger.WithFields(logrus.Fields{
			"session_id": id,
			"reason":     verdict.Reason,
			"weak":       verdict.Weak,
		}).Info("completion signal fired")
		as.poller.Signal()
	}
	view := s.viewOf(as)
	return &view, verdict, nil
}

func (s *CheckoutService) CheckAgain(id, token string) (*SessionView, error) {
	as, err := s.owned(id, token)
	if err != nil {
		return nil, err
	}
	if !as.poller.CheckAgain() {
		s.logger.WithField("session_id", id).Debug("check again ignored for finished session")
	}
	view := s.viewOf(as)
	return &view, nil
}

// TryAgain abandons the session and opens a new gateway session for the same
// booking. The in-progress status set earlier is reused.
func (s *CheckoutService) TryAgain(ctx context.Context, id string, payer domain.PayerContext, userAgent string) (*SessionView, error) {
	as, err := s.owned(id, payer.BearerToken)
	if err != nil {
		return nil, err
	}
	if as.poller.Snapshot().State == verification.StateVerified {
		return nil, domain.NewError(domain.KindValidation, "this payment is already verified")
	}
	if err := payer.Validate(); err != nil {
		return nil, err
	}

	unlock, err := s.lockFlow(ctx, as.key.bookingID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.drop(as)
	as.poller.Cancel()

	d := &draft{req: as.req, subject: as.subject, createdAt: s.now()}
	d.req.Payer = payer
	if userAgent != "" {
		d.req.UserAgent = userAgent
	}
	return s.runFrom(ctx, d, StepInitiate)
}

// Cancel stops the session's timers. Nothing is sent to the backend and the
// cached attempt stays available for Resume.
func (s *CheckoutService) Cancel(ctx context.Context, id, token string) error {
	as, err := s.owned(id, token)
	if err != nil {
		return err
	}
	s.drop(as)
	terminal := as.poller.Snapshot().State == verification.StateVerified
	as.poller.Cancel()
	if !terminal {
		s.publish(ctx, kafka.EventAttemptCancelled, as, as.poller.Snapshot().Calls, "")
	}
	s.logger.WithField("session_id", id).Info("verification session cancelled")
	return nil
}

func (s *CheckoutService) ResetInProgress(ctx context.Context, payer domain.PayerContext, bookingID string, flow domain.FlowVariant) error {
	if err := s.payments.ResetInProgress(ctx, payer.BearerToken, bookingID, flow); err != nil {
		return err
	}
	key := attemptKey{bookingID: bookingID, flow: flow}

	s.mu.Lock()
	as := s.sessions[s.active[key]]
	delete(s.drafts, key)
	s.mu.Unlock()
	if as != nil {
		s.drop(as)
		as.poller.Cancel()
	}
	if s.store != nil {
		if err := s.store.DeleteAttempt(ctx, bookingID, flow); err != nil {
			s.logger.WithError(err).WithField("booking_id", bookingID).Warn("failed to drop cached attempt")
		}
	}
	s.logger.WithFields(logrus.Fields{"booking_id": bookingID, "flow": flow}).Info("in-progress status reset")
	return nil
}

// Run reaps idle sessions until ctx is done.
func (s *CheckoutService) Run(ctx context.Context) {
	interval := s.settings.SessionIdle / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.closeAll()
			return
		case <-ticker.C:
			if n := s.reapIdle(); n > 0 {
				s.logger.WithField("sessions", n).Info("reaped idle verification sessions")
			}
		}
	}
}

// reapIdle cancels sessions the page has not read for SessionIdle.
func (s *CheckoutService) reapIdle() int {
	if s.settings.SessionIdle <= 0 {
		return 0
	}
	deadline := s.now().Add(-s.settings.SessionIdle)

	s.mu.Lock()
	var idle []*activeSession
	for _, as := range s.sessions {
		if as.idleSince().Before(deadline) {
			idle = append(idle, as)
		}
	}
	s.mu.Unlock()

	for _, as := range idle {
		s.drop(as)
		as.poller.Cancel()
	}
	return len(idle)
}

func (s *CheckoutService) closeAll() {
	s.mu.Lock()
	all := make([]*activeSession, 0, len(s.sessions))
	for _, as := range s.sessions {
		all = append(all, as)
	}
	s.sessions = make(map[string]*activeSession)
	s.active = make(map[attemptKey]string)
	s.mu.Unlock()

	for _, as := range all {
		as.poller.Cancel()
	}
}

func (s *CheckoutService) session(id string) (*activeSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	as, ok := s.sessions[id]
	if !ok {
		return nil, domain.NewError(domain.KindNotFound, "payment session not found")
	}
	return as, nil
}

// owned returns the session only to the user who opened it. Other callers see
// the same error as for an unknown id, and their token is never stored.
func (s *CheckoutService) owned(id, token string) (*activeSession, error) {
	if strings.TrimSpace(token) == "" {
		return nil, domain.NewError(domain.KindUnauthenticated, "user not authenticated")
	}
	as, err := s.session(id)
	if err != nil {
		return nil, err
	}
	if as.subject != subjectOf(token) {
		s.logger.WithField("session_id", id).Warn("payment session requested by another user")
		return nil, domain.NewError(domain.KindNotFound, "payment session not found")
	}
	as.touch(s.now(), token)
	return as, nil
}

// subjectOf identifies the user behind a bearer token: the sub claim of a JWT,
// or the token itself when it is opaque. The signature is checked by the backend.
func subjectOf(token string) string {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err == nil && claims.Subject != "" {
		return claims.Subject
	}
	return token
}

func (s *CheckoutService) drop(as *activeSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, as.id)
	if s.active[as.key] == as.id {
		delete(s.active, as.key)
	}
}

func (s *CheckoutService) viewOf(as *activeSession) SessionView {
	redirect := Redirect{URL: s.settings.BookingsURL, DelayMs: s.settings.SuccessRedirect.Milliseconds()}
	return buildView(as.id, as.attempt, as.poller.Snapshot(), redirect)
}

func browserOf(ua string) (string, string) {
	if strings.TrimSpace(ua) == "" {
		return "", ""
	}
	parsed := user_agent.New(ua)
	name, version := parsed.Browser()
	return strings.TrimSpace(name + " " + version), parsed.OS()
}

var _ CheckoutUseCase = (*CheckoutService)(nil)
