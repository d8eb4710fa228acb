package schedule

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound  = errors.New("patient not found")
	ErrProviderNotFound = errors.New("provider not found")
	ErrBookingNotFound  = errors.New("booking not found")

	// ErrSlotTaken is the authoritative overlap rejection from the store.
	ErrSlotTaken = errors.New("slot already taken")

	// ErrIdempotencyConflict means a retried booking id exists but describes
	// a different patient/provider/interval than the retry.
	ErrIdempotencyConflict = errors.New("idempotency key reused for a different booking")

	// ErrStaleBooking means a compare-and-swap update found the row in a
	// different state than the transition expected.
	ErrStaleBooking = errors.New("booking changed concurrently")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error)

	// Availability windows are provider-owned; the scheduling core only
	// reads them.
	GetActiveWindows(ctx context.Context, providerID uuid.UUID) ([]WeeklyWindow, error)
	ReplaceWindows(ctx context.Context, providerID uuid.UUID, windows []WeeklyWindow) ([]WeeklyWindow, error)

	// GetActiveBookingsBetween returns the provider's scheduled, confirmed
	// and in_progress bookings intersecting [from, to).
	GetActiveBookingsBetween(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Booking, error)

	GetBookingByID(ctx context.Context, id uuid.UUID) (*Booking, error)
	ListBookingsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Booking, error)

	// TryInsertIfNoOverlap inserts candidate atomically with the overlap
	// check, serialized per provider. On a raw interval collision it returns
	// ErrSlotTaken; on an idempotent re-insert of the same row it returns
	// the existing booking.
	TryInsertIfNoOverlap(ctx context.Context, candidate Booking) (*Booking, error)

	// UpdateBookingState is a compare-and-swap on (status, payment_status).
	UpdateBookingState(ctx context.Context, id uuid.UUID, from, to LifecycleState) (*Booking, error)

	// FindLapsedUnpaid returns scheduled bookings whose start has passed
	// while payment was still pending or failed.
	FindLapsedUnpaid(ctx context.Context, now time.Time) ([]Booking, error)

	InsertEvent(ctx context.Context, ev EventLog) error
}
