package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseFlowVariant(t *testing.T) {
	testCases := []struct {
		in       string
		expected FlowVariant
	}{
		{"", FlowStandard},
		{"standard", FlowStandard},
		{"Extension", FlowExtension},
		{"extend", FlowExtension},
		{"complete", FlowCompletion},
		{" completion ", FlowCompletion},
	}
	for _, tc := range testCases {
		v, err := ParseFlowVariant(tc.in)
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.expected, v)
	}

	_, err := ParseFlowVariant("refund")
	assert.True(t, IsKind(err, KindValidation))
}

func TestPayerContext_Validate(t *testing.T) {
	testCases := []struct {
		name  string
		payer PayerContext
		kind  ErrorKind
		msg   string
	}{
		{name: "missing token", payer: PayerContext{Email: "a@b.com"}, kind: KindUnauthenticated},
		{name: "missing email", payer: PayerContext{BearerToken: "t"}, kind: KindValidation, msg: "email is required"},
		{name: "bad email", payer: PayerContext{Email: "nope", BearerToken: "t"}, kind: KindValidation, msg: "invalid email"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.payer.Validate()
			require.Error(t, err)
			assert.Equal(t, tc.kind, KindOf(err))
			if tc.msg != "" {
				assert.Equal(t, tc.msg, MessageOf(err))
			}
		})
	}

	assert.NoError(t, PayerContext{Email: "a@b.com", BearerToken: "t"}.Validate())
}

func TestPaymentAttempt_VerificationKey(t *testing.T) {
	a := PaymentAttempt{BookingID: "b-1", FlowVariant: FlowStandard}
	assert.Equal(t, "b-1", a.VerificationKey())

	a.TransactionReference = "TX-1"
	assert.Equal(t, "TX-1", a.VerificationKey())

	ext := PaymentAttempt{BookingID: "b-1", FlowVariant: FlowExtension}
	assert.Empty(t, ext.VerificationKey())
}

func TestPaymentAttempt_Fresh(t *testing.T) {
	now := time.Now()
	a := PaymentAttempt{CreatedAt: now.Add(-29 * time.Minute)}
	assert.True(t, a.Fresh(now, 30*time.Minute))

	a.CreatedAt = now.Add(-31 * time.Minute)
	assert.False(t, a.Fresh(now, 30*time.Minute))

	assert.False(t, PaymentAttempt{}.Fresh(now, 30*time.Minute))
}

func TestErrorKinds(t *testing.T) {
	wrapped := fmt.Errorf("pricing: %w", NewError(KindNotFound, "booking not found"))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, "booking not found", MessageOf(wrapped))

	assert.Equal(t, KindUpstream, KindOf(errors.New("dial tcp: refused")))
	assert.Equal(t, ErrorKind(""), KindOf(nil))

	assert.True(t, Absorbable(NewError(KindUpstream, "x")))
	assert.True(t, Absorbable(NewError(KindNotYetVerified, "x")))
	assert.False(t, Absorbable(NewError(KindUnauthenticated, "x")))
	assert.False(t, Absorbable(NewError(KindValidation, "x")))

	cause := errors.New("boom")
	err := Wrap(KindUpstream, "payment service unavailable", cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "payment service unavailable: boom", err.Error())
}

func TestBookingStatus_InProgress(t *testing.T) {
	assert.True(t, BookingStatusPendingExtension.InProgress())
	assert.True(t, BookingStatusCompletingPayment.InProgress())
	assert.False(t, BookingStatusConfirmed.InProgress())
}
