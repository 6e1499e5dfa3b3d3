package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

type FlowVariant string

const (
	FlowStandard   FlowVariant = "standard"
	FlowExtension  FlowVariant = "extension"
	FlowCompletion FlowVariant = "completion"
)

func ParseFlowVariant(s string) (FlowVariant, error) {
	switch v := FlowVariant(strings.ToLower(strings.TrimSpace(s))); v {
	case FlowStandard, FlowExtension, FlowCompletion:
		return v, nil
	case "":
		return FlowStandard, nil
	case "complete":
		return FlowCompletion, nil
	case "extend":
		return FlowExtension, nil
	}
	return "", NewError(KindValidation, fmt.Sprintf("unknown payment flow %q", s))
}

// Extension requests are limited to this many additional months by the backend.
const (
	MinExtensionMonths = 1
	MaxExtensionMonths = 2
)

// PayerContext is passed explicitly to every component that talks to the
// backend on behalf of the user.
type PayerContext struct {
	Email       string `json:"email" validate:"required,email"`
	Phone       string `json:"phone_number,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	BearerToken string `json:"-"`
}

var validate = validator.New()

// Validate checks the contact fields required by the gateway. The bearer
// token is checked separately because its absence is an authentication
// failure, not a validation one.
func (p PayerContext) Validate() error {
	if strings.TrimSpace(p.BearerToken) == "" {
		return NewError(KindUnauthenticated, "user not authenticated")
	}
	if err := validate.Struct(p); err != nil {
		if verrs, ok := err.(validator.ValidationErrors); ok && len(verrs) > 0 {
			f := verrs[0]
			if f.Tag() == "required" {
				return NewError(KindValidation, "email is required")
			}
			return NewError(KindValidation, fmt.Sprintf("invalid %s", strings.ToLower(f.Field())))
		}
		return Wrap(KindValidation, "invalid payer contact", err)
	}
	return nil
}

// AmountContext carries the per-variant input the backend needs to price a
// gateway session. Standard flows send the booking amount and currency,
// extension flows the months, completion flows the remaining balance.
type AmountContext struct {
	Amount           float64
	Currency         string
	AdditionalMonths int
	RemainingAmount  float64
}

// PaymentAttempt is one gateway checkout tied to one flow variant.
type PaymentAttempt struct {
	BookingID            string      `json:"booking_id"`
	FlowVariant          FlowVariant `json:"flow_variant"`
	TransactionReference string      `json:"transaction_reference"`
	Amount               float64     `json:"amount"`
	AdditionalMonths     int         `json:"additional_months,omitempty"`
	RedirectURL          string      `json:"redirect_url"`
	CreatedAt            time.Time   `json:"created_at"`

	// Set on the cached copy so a resumed session reports to the same record.
	AttemptID  string `json:"attempt_id,omitempty"`
	PayerEmail string `json:"payer_email,omitempty"`
}

// AmountContext rebuilds the initiation input of the attempt, for restarting
// the gateway step without the original request.
func (a PaymentAttempt) AmountContext() AmountContext {
	switch a.FlowVariant {
	case FlowExtension:
		return AmountContext{AdditionalMonths: a.AdditionalMonths}
	case FlowCompletion:
		return AmountContext{RemainingAmount: a.Amount}
	}
	return AmountContext{Amount: a.Amount}
}

// Fresh reports whether the attempt is still inside the resume window.
func (a PaymentAttempt) Fresh(now time.Time, ttl time.Duration) bool {
	return !a.CreatedAt.IsZero() && now.Sub(a.CreatedAt) <= ttl
}

// VerificationKey is the lookup key for the verify endpoints. Standard flows
// fall back to the booking id for attempts cached before references existed.
func (a PaymentAttempt) VerificationKey() string {
	if a.TransactionReference != "" {
		return a.TransactionReference
	}
	if a.FlowVariant == FlowStandard {
		return a.BookingID
	}
	return ""
}

type ExtensionPricing struct {
	TotalAmount         float64 `json:"total_amount"`
	MonthlyPrice        float64 `json:"monthly_price"`
	PlatformFee         float64 `json:"platform_fee"`
	AdditionalMonths    int     `json:"additional_months,omitempty"`
	CurrentCheckoutDate string  `json:"current_checkout_date,omitempty"`
	NewCheckoutDate     string  `json:"new_checkout_date,omitempty"`
	RoomNumber          string  `json:"room_number,omitempty"`
	HostelName          string  `json:"hostel_name,omitempty"`
}

type CompletionPricing struct {
	RemainingAmount float64 `json:"remaining_amount"`
	RemainingMonths int     `json:"remaining_months"`
	MonthlyRent     float64 `json:"monthly_rent"`
}

// VerificationResult is the interpretation of one verify call.
type VerificationResult struct {
	Verified bool
	Status   string
	Message  string
}
