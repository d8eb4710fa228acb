package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	pgExclusionViolation = "23P01"
	pgUniqueViolation    = "23505"

	noOverlapConstraint = "bookings_no_overlap"
)

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanPatient(row pgx.Row) (*Patient, error) {
	var p Patient
	var email *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&email,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPatientNotFound
		}
		return nil, err
	}

	p.Email = email
	return &p, nil
}

func scanProvider(row pgx.Row) (*Provider, error) {
	var p Provider
	var specialty *string

	err := row.Scan(
		&p.ID,
		&p.Name,
		&specialty,
		&p.Timezone,
		&p.CreatedAt,
		&p.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProviderNotFound
		}
		return nil, err
	}

	p.Specialty = specialty
	return &p, nil
}

func scanWindow(row pgx.Row) (*WeeklyWindow, error) {
	var w WeeklyWindow
	var weekday int

	err := row.Scan(
		&w.ID,
		&w.ProviderID,
		&weekday,
		&w.StartMin,
		&w.EndMin,
		&w.Active,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	w.Weekday = time.Weekday(weekday)
	return &w, nil
}

const bookingColumns = `id, patient_id, provider_id, scheduled_start, duration_min,
		status, payment_status, amount_minor, currency, reason, notes, created_at, updated_at`

func scanBooking(row pgx.Row) (*Booking, error) {
	var b Booking

	err := row.Scan(
		&b.ID,
		&b.PatientID,
		&b.ProviderID,
		&b.ScheduledStart,
		&b.DurationMin,
		&b.Status,
		&b.PaymentStatus,
		&b.AmountMinor,
		&b.Currency,
		&b.Reason,
		&b.Notes,
		&b.CreatedAt,
		&b.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrBookingNotFound
		}
		return nil, err
	}

	return &b, nil
}

// Interface methods

func (r *PgRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, email, created_at, updated_at
		FROM patients
		WHERE id = $1
	`, id)
	return scanPatient(row)
}

func (r *PgRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, name, specialty, timezone, created_at, updated_at
		FROM providers
		WHERE id = $1
	`, id)
	return scanProvider(row)
}

func (r *PgRepository) GetActiveWindows(ctx context.Context, providerID uuid.UUID) ([]WeeklyWindow, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, provider_id, weekday, start_min, end_min, active, created_at, updated_at
		FROM weekly_windows
		WHERE provider_id = $1 AND active
	`, providerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []WeeklyWindow
	for rows.Next() {
		w, err := scanWindow(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *w)
	}

	return result, rows.Err()
}

// ReplaceWindows swaps the provider's whole weekly schedule in one
// transaction so slot listings never observe a half-edited week.
func (r *PgRepository) ReplaceWindows(ctx context.Context, providerID uuid.UUID, windows []WeeklyWindow) ([]WeeklyWindow, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM weekly_windows WHERE provider_id = $1`, providerID); err != nil {
		return nil, fmt.Errorf("clear weekly windows: %w", err)
	}

	out := make([]WeeklyWindow, 0, len(windows))
	for _, w := range windows {
		row := tx.QueryRow(ctx, `
			INSERT INTO weekly_windows (id, provider_id, weekday, start_min, end_min, active, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, now(), now())
			RETURNING id, provider_id, weekday, start_min, end_min, active, created_at, updated_at
		`, uuid.New(), providerID, int(w.Weekday), w.StartMin, w.EndMin, w.Active)

		inserted, err := scanWindow(row)
		if err != nil {
			return nil, fmt.Errorf("insert weekly window: %w", err)
		}
		out = append(out, *inserted)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *PgRepository) GetActiveBookingsBetween(ctx context.Context, providerID uuid.UUID, from, to time.Time) ([]Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE provider_id = $1
		  AND status IN ('scheduled', 'confirmed', 'in_progress')
		  AND scheduled_start < $3
		  AND scheduled_start + make_interval(mins => duration_min) > $2
		ORDER BY scheduled_start
	`, providerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectBookings(rows)
}

func (r *PgRepository) GetBookingByID(ctx context.Context, id uuid.UUID) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE id = $1
	`, id)
	return scanBooking(row)
}

func (r *PgRepository) ListBookingsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE patient_id = $1
		ORDER BY scheduled_start DESC
		LIMIT $2 OFFSET $3
	`, patientID, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectBookings(rows)
}

// TryInsertIfNoOverlap serializes writers per provider with an advisory
// transaction lock, re-checks raw interval overlap against active bookings,
// then inserts. The bookings_no_overlap exclusion constraint backstops the
// check, so the database stays the final arbiter even if the re-check is
// ever bypassed.
func (r *PgRepository) TryInsertIfNoOverlap(ctx context.Context, candidate Booking) (*Booking, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1::text))`, candidate.ProviderID); err != nil {
		return nil, fmt.Errorf("acquire provider lock: %w", err)
	}

	row := tx.QueryRow(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE provider_id = $1
		  AND status IN ('scheduled', 'confirmed', 'in_progress')
		  AND scheduled_start < $3
		  AND scheduled_start + make_interval(mins => duration_min) > $2
		LIMIT 1
	`, candidate.ProviderID, candidate.ScheduledStart, candidate.ScheduledEnd())

	existing, err := scanBooking(row)
	if err != nil && !errors.Is(err, ErrBookingNotFound) {
		return nil, fmt.Errorf("check overlapping booking: %w", err)
	}
	if existing != nil {
		if existing.ID == candidate.ID {
			return r.matchIdempotent(existing, candidate)
		}
		return nil, ErrSlotTaken
	}

	row = tx.QueryRow(ctx, `
		INSERT INTO bookings (id, patient_id, provider_id, scheduled_start, duration_min,
			status, payment_status, amount_minor, currency, reason, notes, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, 'scheduled', 'pending', $6, $7, $8, $9, now(), now())
		RETURNING `+bookingColumns+`
	`, candidate.ID, candidate.PatientID, candidate.ProviderID, candidate.ScheduledStart,
		candidate.DurationMin, candidate.AmountMinor, candidate.Currency, candidate.Reason, candidate.Notes)

	inserted, err := scanBooking(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			if pgErr.Code == pgExclusionViolation && pgErr.ConstraintName == noOverlapConstraint {
				return nil, ErrSlotTaken
			}
			if pgErr.Code == pgUniqueViolation {
				// A retry re-inserting the same deterministic id. The prior
				// row is no longer active (or this select raced), so fetch
				// outside the failed statement's scope.
				prior, getErr := r.GetBookingByID(ctx, candidate.ID)
				if getErr != nil {
					return nil, fmt.Errorf("load prior booking after duplicate insert: %w", getErr)
				}
				return r.matchIdempotent(prior, candidate)
			}
		}
		return nil, fmt.Errorf("insert booking: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return inserted, nil
}

func (r *PgRepository) matchIdempotent(existing *Booking, candidate Booking) (*Booking, error) {
	if existing.PatientID != candidate.PatientID ||
		existing.ProviderID != candidate.ProviderID ||
		!existing.ScheduledStart.Equal(candidate.ScheduledStart) ||
		existing.DurationMin != candidate.DurationMin {
		return nil, ErrIdempotencyConflict
	}
	if !existing.Status.Active() {
		// A cancelled or completed row no longer holds its interval; handing
		// it back here would report a commit that inserted nothing.
		return nil, ErrIdempotencyConflict
	}
	return existing, nil
}

func (r *PgRepository) UpdateBookingState(ctx context.Context, id uuid.UUID, from, to LifecycleState) (*Booking, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE bookings
		SET status = $2,
		    payment_status = $3,
		    updated_at = now()
		WHERE id = $1
		  AND status = $4
		  AND payment_status = $5
		RETURNING `+bookingColumns+`
	`, id, to.Status, to.PaymentStatus, from.Status, from.PaymentStatus)

	updated, err := scanBooking(row)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			// Distinguish a missing row from a concurrent state change.
			if _, getErr := r.GetBookingByID(ctx, id); getErr == nil {
				return nil, ErrStaleBooking
			}
			return nil, ErrBookingNotFound
		}
		return nil, err
	}

	return updated, nil
}

func (r *PgRepository) FindLapsedUnpaid(ctx context.Context, now time.Time) ([]Booking, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+bookingColumns+`
		FROM bookings
		WHERE status = 'scheduled'
		  AND payment_status IN ('pending', 'failed')
		  AND scheduled_start < $1
	`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectBookings(rows)
}

func (r *PgRepository) InsertEvent(ctx context.Context, ev EventLog) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO booking_events (event_type, booking_id, payload, created_at)
		VALUES ($1, $2, $3, COALESCE($4, now()))
	`, ev.EventType, ev.BookingID, ev.Payload, nullableTime(ev.CreatedAt))
	if err != nil {
		return fmt.Errorf("insert booking event: %w", err)
	}

	return nil
}

func collectBookings(rows pgx.Rows) ([]Booking, error) {
	var result []Booking
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *b)
	}

	return result, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
