package backend

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Domenick1991/hostelpay/config"
	"github.com/Domenick1991/hostelpay/internal/domain"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger, _ := test.NewNullLogger()
	return NewClient(config.BackendConfig{BaseURL: srv.URL + "/", TimeoutSeconds: 5}, logger)
}

func testPayer() domain.PayerContext {
	return domain.PayerContext{Email: "student@example.com", FirstName: "Chikondi", BearerToken: "token-1"}
}

func TestClient_ExtensionPricing(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/bookings/b-1/extension-pricing", r.URL.Path)
		assert.Equal(t, "2", r.URL.Query().Get("additional_months"))
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		_, _ = io.WriteString(w, `{"success":true,"data":{"total_amount":45000,"monthly_price":20000,"platform_fee":5000}}`)
	})

	pricing, err := c.ExtensionPricing(context.Background(), "token-1", "b-1", 2)

	require.NoError(t, err)
	assert.Equal(t, 45000.0, pricing.TotalAmount)
	assert.Equal(t, 20000.0, pricing.MonthlyPrice)
	assert.Equal(t, 5000.0, pricing.PlatformFee)
}

func TestClient_CompletionPricingBareBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bookings/b-1/complete-payment-pricing", r.URL.Path)
		_, _ = io.WriteString(w, `{"remaining_amount":30000,"remaining_months":3,"monthly_rent":10000}`)
	})

	pricing, err := c.CompletionPricing(context.Background(), "token-1", "b-1")

	require.NoError(t, err)
	assert.Equal(t, 30000.0, pricing.RemainingAmount)
	assert.Equal(t, 3, pricing.RemainingMonths)
}

func TestClient_StatusErrors(t *testing.T) {
	testCases := []struct {
		name    string
		status  int
		body    string
		kind    domain.ErrorKind
		message string
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, body: `{"detail":"Could not validate credentials"}`, kind: domain.KindUnauthenticated, message: "Could not validate credentials"},
		{name: "not owned", status: http.StatusNotFound, body: `{"detail":"Booking not found"}`, kind: domain.KindNotFound, message: "Booking not found"},
		{name: "validation list", status: http.StatusUnprocessableEntity, body: `{"detail":[{"msg":"field required"}]}`, kind: domain.KindValidation, message: "field required"},
		{name: "server error", status: http.StatusBadGateway, body: `oops`, kind: domain.KindUpstream, message: "API request failed: 502 - Bad Gateway"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = io.WriteString(w, tc.body)
			})

			_, err := c.CompletionPricing(context.Background(), "token-1", "b-1")

			require.Error(t, err)
			assert.Equal(t, tc.kind, domain.KindOf(err))
			assert.Equal(t, tc.message, domain.MessageOf(err))
		})
	}
}

func TestClient_MissingTokenSkipsRequest(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	err := c.UpdateCompletionStatus(context.Background(), " ", "b-1")

	assert.True(t, domain.IsKind(err, domain.KindUnauthenticated))
	assert.False(t, called)
}

func TestClient_UnreachableIsUpstream(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	logger, _ := test.NewNullLogger()
	c := NewClient(config.BackendConfig{BaseURL: srv.URL, TimeoutSeconds: 1}, logger)

	_, err := c.CompletionPricing(context.Background(), "token-1", "b-1")

	assert.True(t, domain.IsKind(err, domain.KindUpstream))
}

func TestClient_UpdateExtensionStatus(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/bookings/b-1/extension-status-update", r.URL.Path)
		var body map[string]int
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, 2, body["additional_months"])
		_, _ = io.WriteString(w, `{"success":true,"message":"Booking marked as pending extension"}`)
	})

	assert.NoError(t, c.UpdateExtensionStatus(context.Background(), "token-1", "b-1", 2))
}

func TestClient_CommandRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"success":false,"message":"Booking is not eligible"}`)
	})

	err := c.UpdateCompletionStatus(context.Background(), "token-1", "b-1")

	assert.True(t, domain.IsKind(err, domain.KindUpstream))
	assert.Equal(t, "Booking is not eligible", domain.MessageOf(err))
}

func TestClient_InitiateExtension(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/extend/initiate/", r.URL.Path)
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "b-1", body["booking_id"])
		assert.Equal(t, float64(2), body["additional_months"])
		assert.Equal(t, "paychangu", body["payment_method"])
		assert.Equal(t, "student@example.com", body["email"])
		_, _ = io.WriteString(w, `{"payment_url":"https://checkout.paychangu.com/abc","tx_ref":"TX-EXT-1","extension_amount":45000}`)
	})

	session, err := c.InitiateExtension(context.Background(), testPayer(), "b-1", 2)

	require.NoError(t, err)
	assert.Equal(t, "https://checkout.paychangu.com/abc", session.PaymentURL)
	assert.Equal(t, "TX-EXT-1", session.TxRef)
	assert.Equal(t, 45000.0, session.Amount)
}

func TestClient_InitiateStandardWithoutURL(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/paychangu/initiate", r.URL.Path)
		_, _ = io.WriteString(w, `{"success":true,"data":{"tx_ref":"TX-1"}}`)
	})

	_, err := c.InitiateStandard(context.Background(), testPayer(), "b-1", 20000, "MWK")

	assert.True(t, domain.IsKind(err, domain.KindUpstream))
	assert.Equal(t, "payment URL not received", domain.MessageOf(err))
}

func TestClient_GetBooking(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/bookings/my-bookings/", r.URL.Path)
		_, _ = io.WriteString(w, `[{"booking_id":"b-1","status":"confirmed","payment_type":"booking_fee","total_amount":60000,"duration_months":3}]`)
	})

	booking, err := c.GetBooking(context.Background(), "token-1", "b-1")
	require.NoError(t, err)
	assert.Equal(t, domain.BookingStatusConfirmed, booking.Status)
	assert.Equal(t, domain.PaymentTypeBookingFee, booking.PaymentType)

	_, err = c.GetBooking(context.Background(), "token-1", "b-2")
	assert.True(t, domain.IsKind(err, domain.KindNotFound))
}

func TestClient_VerifyStandard(t *testing.T) {
	testCases := []struct {
		name     string
		body     string
		verified bool
	}{
		{name: "not yet", body: `{"success":false}`, verified: false},
		{name: "completed data", body: `{"success":true,"data":{"status":"completed"}}`, verified: true},
		{name: "pending data wins", body: `{"success":true,"data":{"status":"pending"}}`, verified: false},
		{name: "bare status", body: `{"status":"completed"}`, verified: true},
		{name: "success flag only", body: `{"success":true}`, verified: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, http.MethodGet, r.Method)
				assert.Equal(t, "/payments/verify/", r.URL.Path)
				assert.Equal(t, "TX-123", r.URL.Query().Get("reference"))
				_, _ = io.WriteString(w, tc.body)
			})

			res, err := c.Verify(context.Background(), "token-1", domain.FlowStandard, "TX-123")

			require.NoError(t, err)
			assert.Equal(t, tc.verified, res.Verified)
		})
	}
}

func TestClient_VerifyCompletion(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/payments/verify-complete-payment/", r.URL.Path)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "TX-C-1", body["payment_id"])
		_, _ = io.WriteString(w, `{"status":"success","message":"Payment completed"}`)
	})

	res, err := c.Verify(context.Background(), "token-1", domain.FlowCompletion, "TX-C-1")

	require.NoError(t, err)
	assert.True(t, res.Verified)
	assert.Equal(t, "Payment completed", res.Message)
}

func TestClient_VerifyRejectedReferenceIsNotYet(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"detail":"Payment not completed"}`)
	})

	res, err := c.Verify(context.Background(), "token-1", domain.FlowExtension, "TX-E-1")

	require.NoError(t, err)
	assert.False(t, res.Verified)
	assert.Equal(t, "Payment not completed", res.Message)
}

func TestClient_VerifyWithoutReference(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := c.Verify(context.Background(), "token-1", domain.FlowExtension, "")

	assert.True(t, domain.IsKind(err, domain.KindValidation))
}
