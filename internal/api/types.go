package api

import (
	"time"

	"github.com/google/uuid"
)

type SlotsResponse struct {
	ProviderID  uuid.UUID   `json:"provider_id"`
	Date        string      `json:"date"`
	DurationMin int         `json:"duration_min,omitempty"`
	BufferMin   *int        `json:"buffer_min,omitempty"`
	Slots       []time.Time `json:"slots"`
}

type CreateBookingRequest struct {
	PatientID      string `json:"patient_id"`
	ProviderID     string `json:"provider_id"`
	Start          string `json:"start"` // RFC 3339
	DurationMin    int    `json:"duration_min,omitempty"`
	BufferMin      *int   `json:"buffer_min,omitempty"`
	AmountMinor    int64  `json:"amount_minor"`
	Currency       string `json:"currency"`
	Reason         string `json:"reason,omitempty"`
	Notes          string `json:"notes,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	// BookingID carries the id from a prior attempt whose payment
	// initiation failed, so the retry reuses that booking.
	BookingID string `json:"booking_id,omitempty"`
}

type PaymentRefResponse struct {
	Reference   string `json:"reference,omitempty"`
	RedirectURL string `json:"redirect_url,omitempty"`
}

type BookingResponse struct {
	ID             uuid.UUID           `json:"id"`
	PatientID      uuid.UUID           `json:"patient_id"`
	ProviderID     uuid.UUID           `json:"provider_id"`
	ScheduledStart time.Time           `json:"scheduled_start"`
	ScheduledEnd   time.Time           `json:"scheduled_end"`
	DurationMin    int                 `json:"duration_min"`
	Status         string              `json:"status"`
	PaymentStatus  string              `json:"payment_status"`
	AmountMinor    int64               `json:"amount_minor"`
	Currency       string              `json:"currency"`
	Reason         string              `json:"reason,omitempty"`
	Notes          string              `json:"notes,omitempty"`
	NextAction     string              `json:"next_action,omitempty"`
	Reused         bool                `json:"reused,omitempty"`
	Payment        *PaymentRefResponse `json:"payment,omitempty"`
}

type TransitionRequest struct {
	Event string `json:"event"`
}

type CancelRequest struct {
	Actor string `json:"actor"`
}

type WindowPayload struct {
	Weekday int    `json:"weekday"` // 0=Sunday .. 6=Saturday
	Start   string `json:"start"`   // "09:00"
	End     string `json:"end"`     // "17:00"
	Active  bool   `json:"active"`
}

type AvailabilityResponse struct {
	ProviderID uuid.UUID       `json:"provider_id"`
	Windows    []WindowPayload `json:"windows"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
