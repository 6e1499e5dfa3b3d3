package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/Domenick1991/hostelpay/config"
	"github.com/Domenick1991/hostelpay/internal/domain"
	"github.com/sirupsen/logrus"
)

const paymentMethod = "paychangu"

// Client talks to the Booking/Payment Backend API on behalf of one payer per
// call; the bearer token is always passed in, never stored.
type Client struct {
	baseURL string
	http    *http.Client
	logger  logrus.FieldLogger
}

func NewClient(cfg config.BackendConfig, logger logrus.FieldLogger) *Client {
	timeout := cfg.Timeout()
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

// envelope covers both the {success, data, message} shape and the bare
// {status, message} / {detail} bodies some backend endpoints return.
type envelope struct {
	Success *bool           `json:"success"`
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Detail  json.RawMessage `json:"detail"`
	Data    json.RawMessage `json:"data"`
}

// payload returns data when present, otherwise the whole body.
func (e *envelope) payload(raw []byte) []byte {
	if len(e.Data) > 0 && string(e.Data) != "null" {
		return e.Data
	}
	return raw
}

func (e *envelope) rejected() bool {
	return e.Success != nil && !*e.Success
}

func (e *envelope) message() string {
	if e.Message != "" {
		return e.Message
	}
	return detailMessage(e.Detail)
}

func detailMessage(detail json.RawMessage) string {
	if len(detail) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(detail, &s); err == nil {
		return s
	}
	var items []struct {
		Msg string `json:"msg"`
	}
	if err := json.Unmarshal(detail, &items); err == nil && len(items) > 0 {
		return items[0].Msg
	}
	return string(detail)
}

// GatewaySession is what the backend returns when it opens a hosted checkout.
type GatewaySession struct {
	PaymentURL      string  `json:"payment_url"`
	TxRef           string  `json:"tx_ref"`
	Amount          float64 `json:"amount"`
	ExtensionAmount float64 `json:"extension_amount"`
	RemainingAmount float64 `json:"remaining_amount"`
}

func (g GatewaySession) amount() float64 {
	switch {
	case g.Amount > 0:
		return g.Amount
	case g.ExtensionAmount > 0:
		return g.ExtensionAmount
	default:
		return g.RemainingAmount
	}
}

type contactFields struct {
	Email     string `json:"email"`
	Phone     string `json:"phone_number"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

func contactOf(p domain.PayerContext) contactFields {
	return contactFields{Email: p.Email, Phone: p.Phone, FirstName: p.FirstName, LastName: p.LastName}
}

func (c *Client) MyBookings(ctx context.Context, token string) ([]domain.Booking, error) {
	raw, env, err := c.do(ctx, http.MethodGet, "/bookings/my-bookings/", token, nil, nil)
	if err != nil {
		return nil, err
	}
	var bookings []domain.Booking
	if err := decodePayload(raw, env, &bookings); err != nil {
		return nil, err
	}
	return bookings, nil
}

// GetBooking resolves a single booking from the caller's own bookings; the
// backend has no per-id read endpoint.
func (c *Client) GetBooking(ctx context.Context, token, bookingID string) (*domain.Booking, error) {
	bookings, err := c.MyBookings(ctx, token)
	if err != nil {
		return nil, err
	}
	for i := range bookings {
		if bookings[i].BookingID == bookingID {
			return &bookings[i], nil
		}
	}
	return nil, domain.NewError(domain.KindNotFound, "booking not found")
}

func (c *Client) ExtensionPricing(ctx context.Context, token, bookingID string, additionalMonths int) (*domain.ExtensionPricing, error) {
	q := url.Values{"additional_months": {fmt.Sprint(additionalMonths)}}
	raw, env, err := c.do(ctx, http.MethodGet, bookingPath(bookingID, "extension-pricing"), token, q, nil)
	if err != nil {
		return nil, err
	}
	var pricing domain.ExtensionPricing
	if err := decodePayload(raw, env, &pricing); err != nil {
		return nil, err
	}
	return &pricing, nil
}

func (c *Client) CompletionPricing(ctx context.Context, token, bookingID string) (*domain.CompletionPricing, error) {
	raw, env, err := c.do(ctx, http.MethodGet, bookingPath(bookingID, "complete-payment-pricing"), token, nil, nil)
	if err != nil {
		return nil, err
	}
	var pricing domain.CompletionPricing
	if err := decodePayload(raw, env, &pricing); err != nil {
		return nil, err
	}
	return &pricing, nil
}

func (c *Client) UpdateExtensionStatus(ctx context.Context, token, bookingID string, additionalMonths int) error {
	body := map[string]int{"additional_months": additionalMonths}
	return c.command(ctx, bookingPath(bookingID, "extension-status-update"), token, body)
}

func (c *Client) UpdateCompletionStatus(ctx context.Context, token, bookingID string) error {
	return c.command(ctx, bookingPath(bookingID, "complete-payment-status-update"), token, struct{}{})
}

func (c *Client) ResetExtensionStatus(ctx context.Context, token, bookingID string) error {
	return c.command(ctx, bookingPath(bookingID, "reset-extension-status"), token, struct{}{})
}

func (c *Client) ResetCompletionStatus(ctx context.Context, token, bookingID string) error {
	return c.command(ctx, bookingPath(bookingID, "reset-complete-payment-status"), token, struct{}{})
}

func (c *Client) InitiateStandard(ctx context.Context, payer domain.PayerContext, bookingID string, amount float64, currency string) (*GatewaySession, error) {
	body := struct {
		BookingID string  `json:"booking_id"`
		Amount    float64 `json:"amount"`
		Currency  string  `json:"currency"`
		contactFields
	}{bookingID, amount, currency, contactOf(payer)}
	return c.initiate(ctx, "/payments/paychangu/initiate", payer.BearerToken, body)
}

func (c *Client) InitiateExtension(ctx context.Context, payer domain.PayerContext, bookingID string, additionalMonths int) (*GatewaySession, error) {
	body := struct {
		BookingID        string `json:"booking_id"`
		AdditionalMonths int    `json:"additional_months"`
		PaymentMethod    string `json:"payment_method"`
		contactFields
	}{bookingID, additionalMonths, paymentMethod, contactOf(payer)}
	return c.initiate(ctx, "/payments/extend/initiate/", payer.BearerToken, body)
}

func (c *Client) InitiateCompletion(ctx context.Context, payer domain.PayerContext, bookingID string, remainingAmount float64) (*GatewaySession, error) {
	body := struct {
		BookingID       string  `json:"booking_id"`
		RemainingAmount float64 `json:"remaining_amount"`
		PaymentMethod   string  `json:"payment_method"`
		contactFields
	}{bookingID, remainingAmount, paymentMethod, contactOf(payer)}
	return c.initiate(ctx, "/payments/complete/initiate/", payer.BearerToken, body)
}

func (c *Client) initiate(ctx context.Context, path, token string, body any) (*GatewaySession, error) {
	raw, env, err := c.do(ctx, http.MethodPost, path, token, nil, body)
	if err != nil {
		return nil, err
	}
	var session GatewaySession
	if err := decodePayload(raw, env, &session); err != nil {
		return nil, err
	}
	if session.PaymentURL == "" {
		return nil, domain.NewError(domain.KindUpstream, "payment URL not received")
	}
	session.Amount = session.amount()
	return &session, nil
}

// Verify asks the backend for the true status of a transaction. A well-formed
// "not yet" answer is returned as an unverified result, not as an error.
func (c *Client) Verify(ctx context.Context, token string, flow domain.FlowVariant, reference string) (domain.VerificationResult, error) {
	if reference == "" {
		return domain.VerificationResult{}, domain.NewError(domain.KindValidation, "payment reference not found")
	}

	var (
		raw []byte
		env *envelope
		err error
	)
	switch flow {
	case domain.FlowStandard:
		raw, env, err = c.do(ctx, http.MethodGet, "/payments/verify/", token, url.Values{"reference": {reference}}, nil)
	case domain.FlowExtension:
		raw, env, err = c.do(ctx, http.MethodPost, "/payments/verify-extension-payment/", token, nil, map[string]string{"payment_id": reference})
	case domain.FlowCompletion:
		raw, env, err = c.do(ctx, http.MethodPost, "/payments/verify-complete-payment/", token, nil, map[string]string{"payment_id": reference})
	default:
		return domain.VerificationResult{}, domain.NewError(domain.KindValidation, fmt.Sprintf("unknown payment flow %q", flow))
	}
	if err != nil {
		// A rejected reference is a well-formed "not paid yet" answer.
		if domain.IsKind(err, domain.KindValidation) {
			return domain.VerificationResult{Message: domain.MessageOf(err)}, nil
		}
		return domain.VerificationResult{}, err
	}
	return interpretVerification(flow, raw, env), nil
}

var paidStatuses = map[string]bool{"completed": true, "paid": true, "success": true}

func interpretVerification(flow domain.FlowVariant, raw []byte, env *envelope) domain.VerificationResult {
	result := domain.VerificationResult{Status: env.Status, Message: env.message()}
	success := env.Success != nil && *env.Success

	if flow != domain.FlowStandard {
		result.Verified = success || env.Status == "success"
		return result
	}

	var data struct {
		Status string `json:"status"`
	}
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &data)
	}
	if data.Status != "" {
		result.Status = data.Status
		result.Verified = paidStatuses[strings.ToLower(data.Status)]
		return result
	}
	result.Verified = success || paidStatuses[strings.ToLower(env.Status)]
	return result
}

func (c *Client) command(ctx context.Context, path, token string, body any) error {
	_, env, err := c.do(ctx, http.MethodPost, path, token, nil, body)
	if err != nil {
		return err
	}
	if env.rejected() {
		return domain.NewError(domain.KindUpstream, nonEmpty(env.message(), "backend rejected the request"))
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path, token string, query url.Values, body any) ([]byte, *envelope, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil, domain.NewError(domain.KindUnauthenticated, "user not authenticated")
	}

	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log := c.logger.WithFields(logrus.Fields{"method": method, "path": path})
	log.Debug("backend request")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, nil, err
		}
		log.WithError(err).Warn("backend request failed")
		return nil, nil, domain.Wrap(domain.KindUpstream, "payment service unavailable", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, domain.Wrap(domain.KindUpstream, "failed to read backend response", err)
	}

	env := &envelope{}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		if err := json.Unmarshal(trimmed, env); err != nil {
			return nil, nil, domain.Wrap(domain.KindUpstream, "malformed backend response", err)
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.WithField("status", resp.StatusCode).Warn("backend returned error status")
		return nil, nil, statusError(resp.StatusCode, env.message())
	}
	return trimmed, env, nil
}

func statusError(code int, message string) error {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return domain.NewError(domain.KindUnauthenticated, nonEmpty(message, "user not authenticated"))
	case code == http.StatusNotFound:
		return domain.NewError(domain.KindNotFound, nonEmpty(message, "not found"))
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return domain.NewError(domain.KindValidation, nonEmpty(message, "invalid request"))
	default:
		return domain.NewError(domain.KindUpstream, fmt.Sprintf("API request failed: %d - %s", code, nonEmpty(message, http.StatusText(code))))
	}
}

func decodePayload(raw []byte, env *envelope, out any) error {
	if env.rejected() {
		return domain.NewError(domain.KindUpstream, nonEmpty(env.message(), "backend rejected the request"))
	}
	if err := json.Unmarshal(env.payload(raw), out); err != nil {
		return domain.Wrap(domain.KindUpstream, "malformed backend response", err)
	}
	return nil
}

func bookingPath(bookingID, action string) string {
	return "/bookings/" + url.PathEscape(bookingID) + "/" + action
}

func nonEmpty(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}
