package domain

type BookingStatus string

const (
	BookingStatusPending             BookingStatus = "pending"
	BookingStatusConfirmed           BookingStatus = "confirmed"
	BookingStatusPendingExtension    BookingStatus = "pending_extension"
	BookingStatusExtensionInProgress BookingStatus = "extension_in_progress"
	BookingStatusCompletingPayment   BookingStatus = "completing_payment"
	BookingStatusPaymentFailed       BookingStatus = "payment_failed"
	BookingStatusCancelled           BookingStatus = "cancelled"
	BookingStatusRejected            BookingStatus = "rejected"
)

// InProgress reports whether the booking is parked in one of the
// "payment in progress" statuses set before a gateway redirect.
func (s BookingStatus) InProgress() bool {
	switch s {
	case BookingStatusPendingExtension, BookingStatusExtensionInProgress, BookingStatusCompletingPayment:
		return true
	}
	return false
}

type PaymentType string

const (
	PaymentTypeFull       PaymentType = "full"
	PaymentTypeBookingFee PaymentType = "booking_fee"
)

// Booking is owned by the backend. This service only reads it.
type Booking struct {
	BookingID      string        `json:"booking_id"`
	Status         BookingStatus `json:"status"`
	PaymentType    PaymentType   `json:"payment_type"`
	TotalAmount    float64       `json:"total_amount"`
	DurationMonths int           `json:"duration_months"`
	CheckInDate    string        `json:"check_in_date,omitempty"`
}
