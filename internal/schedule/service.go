package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinio/telemed-scheduling/internal/config"
	redisclient "github.com/clinio/telemed-scheduling/internal/redis"
)

const (
	EventBookingCreated   = "BOOKING_CREATED"
	EventBookingConfirmed = "BOOKING_CONFIRMED"
	EventBookingCancelled = "BOOKING_CANCELLED"
	EventBookingCompleted = "BOOKING_COMPLETED"
	EventBookingLapsed    = "BOOKING_LAPSED"
	EventPaymentFailedLog = "PAYMENT_FAILED"
	EventPaymentWaivedLog = "PAYMENT_WAIVED"
	EventSessionStarted   = "SESSION_STARTED"
)

var (
	// ErrSlotExpired means the requested start is not in the future anymore.
	ErrSlotExpired = errors.New("slot start is in the past")

	// ErrSlotOutsideWindow means the requested start cannot be produced from
	// the provider's current availability (window removed or misaligned).
	ErrSlotOutsideWindow = errors.New("slot is outside the provider's availability")

	// ErrProviderBusy means another commit for the same provider holds the
	// advisory lock; the caller should retry shortly.
	ErrProviderBusy = errors.New("provider calendar is busy, please retry")

	ErrInvalidTransition = errors.New("invalid lifecycle transition")

	ErrInvalidDate   = errors.New("date must be YYYY-MM-DD")
	ErrInvalidWindow = errors.New("invalid weekly window")
)

const (
	readRetryAttempts = 3
	readRetryBackoff  = 150 * time.Millisecond
)

// NextAction tells the caller what must happen after a commit attempt.
type NextAction string

const (
	NextActionInitiatePayment NextAction = "initiate_payment"
	NextActionNone            NextAction = "none"
)

type BookingRequest struct {
	PatientID      uuid.UUID
	ProviderID     uuid.UUID
	Start          time.Time
	DurationMin    int
	BufferMin      int
	AmountMinor    int64
	Currency       string
	Reason         string
	Notes          string
	IdempotencyKey string
	// BookingID is set on a retry after a failed payment-initiation step,
	// carrying the id returned by the first attempt.
	BookingID uuid.UUID
}

type BookingResult struct {
	Booking    *Booking
	NextAction NextAction
	// Reused is true when an earlier pending booking was picked up instead
	// of committing a new row.
	Reused bool
}

// PaymentRef is what the payment collaborator hands back for the client to
// complete checkout with.
type PaymentRef struct {
	Reference   string
	RedirectURL string
}

// PaymentInitiator starts the external payment flow for a committed booking.
// The outcome arrives later as a payment_succeeded/payment_failed event.
type PaymentInitiator interface {
	Initiate(ctx context.Context, bookingID uuid.UUID, amountMinor int64, currency string) (PaymentRef, error)
}

// SessionNotifier is told when a consultation starts or finishes so the
// video-room side can react. Failures are logged, never propagated.
type SessionNotifier interface {
	Notify(ctx context.Context, booking Booking, ev Event) error
}

var idempotencyNamespace = uuid.MustParse("8c7f2ab0-55a1-4e8e-9f2d-3f6d1f0d9b47")

// BookingIDForKey derives a stable booking id from the caller's idempotency
// key, so a retried request re-inserts the same primary key instead of
// creating a sibling row.
func BookingIDForKey(patientID, providerID uuid.UUID, key string) uuid.UUID {
	return uuid.NewSHA1(idempotencyNamespace, []byte(patientID.String()+":"+providerID.String()+":"+key))
}

type Service struct {
	repo     Repository
	locker   redisclient.Locker
	sessions SessionNotifier
	cfg      config.Config
	log      *zap.Logger
}

func NewService(repo Repository, locker redisclient.Locker, sessions SessionNotifier, cfg config.Config, log *zap.Logger) *Service {
	return &Service{
		repo:     repo,
		locker:   locker,
		sessions: sessions,
		cfg:      cfg,
		log:      log,
	}
}

// ListAvailableSlots computes offerable start times for one provider and day.
// date is "YYYY-MM-DD" in the provider's local calendar. A day with no
// matching windows returns an empty list, not an error.
func (s *Service) ListAvailableSlots(ctx context.Context, providerID uuid.UUID, date string, durationMin, bufferMin int) ([]time.Time, error) {
	if durationMin <= 0 {
		durationMin = s.cfg.DefaultDurationMin
	}
	if bufferMin < 0 {
		bufferMin = s.cfg.DefaultBufferMin
	}

	var slots []time.Time
	err := s.withReadRetry(ctx, func() error {
		day, windows, existing, err := s.loadDay(ctx, providerID, date)
		if err != nil {
			return err
		}
		slots = GenerateSlots(day, windows, existing, durationMin, bufferMin, time.Now())
		return nil
	})
	if err != nil {
		return nil, err
	}
	return slots, nil
}

// BookOrRetry commits a booking for the requested slot, or picks up the
// pending booking from a prior attempt when the request is an idempotent
// retry. ErrSlotTaken is returned verbatim and never retried here.
func (s *Service) BookOrRetry(ctx context.Context, req BookingRequest) (*BookingResult, error) {
	if req.DurationMin <= 0 {
		req.DurationMin = s.cfg.DefaultDurationMin
	}
	if req.BufferMin < 0 {
		req.BufferMin = s.cfg.DefaultBufferMin
	}
	req.Start = req.Start.UTC()

	clientID := req.BookingID != uuid.Nil
	id := req.BookingID
	if !clientID && req.IdempotencyKey != "" {
		id = BookingIDForKey(req.PatientID, req.ProviderID, req.IdempotencyKey)
	}

	if id != uuid.Nil {
		res, prior, err := s.reusePending(ctx, id, req)
		if res != nil || err != nil {
			return res, err
		}
		// A cancelled prior attempt keeps its row and its primary key, so
		// rebooking must commit under a fresh id. A client-supplied id that
		// matches no row is not adopted either: callers don't get to pick
		// primary keys.
		if prior != nil || clientID {
			id = uuid.New()
		}
	} else {
		id = uuid.New()
	}

	if _, err := s.repo.GetPatientByID(ctx, req.PatientID); err != nil {
		if errors.Is(err, ErrPatientNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load patient: %w", err)
	}

	provider, err := s.repo.GetProviderByID(ctx, req.ProviderID)
	if err != nil {
		if errors.Is(err, ErrProviderNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("load provider: %w", err)
	}

	if err := s.revalidateSlot(ctx, provider, req); err != nil {
		return nil, err
	}

	candidate := Booking{
		ID:             id,
		PatientID:      req.PatientID,
		ProviderID:     req.ProviderID,
		ScheduledStart: req.Start,
		DurationMin:    req.DurationMin,
		Status:         StatusScheduled,
		PaymentStatus:  PaymentPending,
		AmountMinor:    req.AmountMinor,
		Currency:       req.Currency,
		Reason:         req.Reason,
		Notes:          req.Notes,
	}

	var committed *Booking
	err = s.locker.WithProviderLock(ctx, req.ProviderID, func(lockCtx context.Context) error {
		b, err := s.repo.TryInsertIfNoOverlap(lockCtx, candidate)
		if err != nil {
			return err
		}
		committed = b
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrProviderBusy
		}
		return nil, err
	}

	s.logEvent(ctx, committed.ID, EventBookingCreated, map[string]any{
		"patient_id":      req.PatientID.String(),
		"provider_id":     req.ProviderID.String(),
		"scheduled_start": committed.ScheduledStart,
		"duration_min":    committed.DurationMin,
	})

	return &BookingResult{Booking: committed, NextAction: NextActionInitiatePayment}, nil
}

// reusePending returns a result when id refers to a booking we should hand
// back instead of committing again, or an error when the id is unusable.
// When the normal commit path should run it returns a nil result plus the
// prior row, if one exists: a cancelled prior released its slot but still
// occupies the id.
func (s *Service) reusePending(ctx context.Context, id uuid.UUID, req BookingRequest) (*BookingResult, *Booking, error) {
	prior, err := s.repo.GetBookingByID(ctx, id)
	if err != nil {
		if errors.Is(err, ErrBookingNotFound) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("load prior booking: %w", err)
	}

	if prior.PatientID != req.PatientID ||
		prior.ProviderID != req.ProviderID ||
		!prior.ScheduledStart.Equal(req.Start) ||
		prior.DurationMin != req.DurationMin {
		return nil, nil, ErrIdempotencyConflict
	}

	switch {
	case prior.Status == StatusScheduled &&
		(prior.PaymentStatus == PaymentPending || prior.PaymentStatus == PaymentFailed):
		return &BookingResult{Booking: prior, NextAction: NextActionInitiatePayment, Reused: true}, nil, nil
	case prior.Status.Active() || prior.Status == StatusCompleted:
		// Payment already settled; nothing left for the caller to do.
		return &BookingResult{Booking: prior, NextAction: NextActionNone, Reused: true}, nil, nil
	default:
		// Cancelled prior attempt: book afresh.
		return nil, prior, nil
	}
}

// revalidateSlot re-derives the offerable slots from current windows and
// bookings and requires the requested start to be among them. Stale clients
// holding a slot list from before a schedule edit fail here instead of at
// the exclusion constraint.
func (s *Service) revalidateSlot(ctx context.Context, provider *Provider, req BookingRequest) error {
	now := time.Now()
	if !req.Start.After(now) {
		return ErrSlotExpired
	}

	loc, err := time.LoadLocation(provider.Timezone)
	if err != nil {
		return fmt.Errorf("provider timezone %q: %w", provider.Timezone, err)
	}

	local := req.Start.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	windows, err := s.repo.GetActiveWindows(ctx, provider.ID)
	if err != nil {
		return fmt.Errorf("load weekly windows: %w", err)
	}

	existing, err := s.repo.GetActiveBookingsBetween(ctx, provider.ID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return fmt.Errorf("load day bookings: %w", err)
	}

	for _, slot := range GenerateSlots(day, windows, existing, req.DurationMin, req.BufferMin, now) {
		if slot.Equal(req.Start) {
			return nil
		}
	}

	// The start is in the future but not offerable. If no window could ever
	// produce it the schedule changed; otherwise an existing booking shades
	// it and the authoritative answer is a conflict.
	if !coveredByWindow(day, windows, local, req.DurationMin) {
		return ErrSlotOutsideWindow
	}
	return ErrSlotTaken
}

func coveredByWindow(day time.Time, windows []WeeklyWindow, local time.Time, durationMin int) bool {
	startMin := local.Hour()*60 + local.Minute()
	for _, w := range windows {
		if !w.Active || w.Weekday != day.Weekday() {
			continue
		}
		if startMin < w.StartMin || startMin+durationMin > w.EndMin {
			continue
		}
		if (startMin-w.StartMin)%durationMin == 0 {
			return true
		}
	}
	return false
}

// TransitionBooking applies a lifecycle event and persists the new state
// with a compare-and-swap, so a concurrent transition loses cleanly.
func (s *Service) TransitionBooking(ctx context.Context, id uuid.UUID, ev Event) (*Booking, error) {
	return s.transition(ctx, id, ev, nil)
}

// CancelBooking records who asked for the cancellation alongside the event.
func (s *Service) CancelBooking(ctx context.Context, id uuid.UUID, actor string) (*Booking, error) {
	return s.transition(ctx, id, EventCancelled, map[string]any{"actor": actor})
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, ev Event, payload map[string]any) (*Booking, error) {
	booking, err := s.repo.GetBookingByID(ctx, id)
	if err != nil {
		return nil, err
	}

	cur := LifecycleState{booking.Status, booking.PaymentStatus}
	next, err := Transition(cur, ev)
	if err != nil {
		return nil, err
	}
	if next == cur {
		// Idempotent event (e.g. re-joining an in_progress session).
		return booking, nil
	}

	updated, err := s.repo.UpdateBookingState(ctx, id, cur, next)
	if err != nil {
		return nil, err
	}

	if logType := auditType(ev); logType != "" {
		s.logEvent(ctx, updated.ID, logType, payload)
	}
	s.notifySession(ctx, updated, ev)

	return updated, nil
}

func auditType(ev Event) string {
	switch ev {
	case EventPaymentSucceeded:
		return EventBookingConfirmed
	case EventPaymentFailed:
		return EventPaymentFailedLog
	case EventPaymentWaived:
		return EventPaymentWaivedLog
	case EventCancelled:
		return EventBookingCancelled
	case EventSessionJoined:
		return EventSessionStarted
	case EventSessionEnded:
		return EventBookingCompleted
	}
	return ""
}

func (s *Service) notifySession(ctx context.Context, booking *Booking, ev Event) {
	if s.sessions == nil {
		return
	}
	if ev != EventSessionJoined && ev != EventSessionEnded {
		return
	}
	if err := s.sessions.Notify(ctx, *booking, ev); err != nil {
		s.log.Warn("session notify failed",
			zap.String("booking_id", booking.ID.String()),
			zap.String("event", string(ev)),
			zap.Error(err))
	}
}

// ExpireLapsedBookings cancels scheduled bookings whose start time passed
// while payment stayed pending or failed. Called periodically by the worker.
func (s *Service) ExpireLapsedBookings(ctx context.Context) (int, error) {
	lapsed, err := s.repo.FindLapsedUnpaid(ctx, time.Now())
	if err != nil {
		return 0, fmt.Errorf("find lapsed bookings: %w", err)
	}

	expired := 0
	for _, b := range lapsed {
		cur := LifecycleState{b.Status, b.PaymentStatus}
		if _, err := s.repo.UpdateBookingState(ctx, b.ID, cur, LifecycleState{StatusCancelled, cur.PaymentStatus}); err != nil {
			if errors.Is(err, ErrStaleBooking) || errors.Is(err, ErrBookingNotFound) {
				continue
			}
			s.log.Warn("expire booking failed", zap.String("booking_id", b.ID.String()), zap.Error(err))
			continue
		}
		expired++
		s.logEvent(ctx, b.ID, EventBookingLapsed, map[string]any{"reason": "worker"})
	}

	return expired, nil
}

func (s *Service) GetBooking(ctx context.Context, id uuid.UUID) (*Booking, error) {
	return s.repo.GetBookingByID(ctx, id)
}

func (s *Service) ListBookingsByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]Booking, error) {
	if limit <= 0 {
		limit = 20 // default
	}
	if limit > 100 {
		limit = 100 // max
	}
	if offset < 0 {
		offset = 0
	}

	return s.repo.ListBookingsByPatient(ctx, patientID, limit, offset)
}

func (s *Service) GetWeeklyWindows(ctx context.Context, providerID uuid.UUID) ([]WeeklyWindow, error) {
	if _, err := s.repo.GetProviderByID(ctx, providerID); err != nil {
		return nil, err
	}
	return s.repo.GetActiveWindows(ctx, providerID)
}

func (s *Service) ReplaceWeeklyWindows(ctx context.Context, providerID uuid.UUID, windows []WeeklyWindow) ([]WeeklyWindow, error) {
	if _, err := s.repo.GetProviderByID(ctx, providerID); err != nil {
		return nil, err
	}
	for _, w := range windows {
		if err := w.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %s", ErrInvalidWindow, err)
		}
	}
	return s.repo.ReplaceWindows(ctx, providerID, windows)
}

// loadDay resolves the provider's local midnight for date and fetches the
// inputs the generator needs.
func (s *Service) loadDay(ctx context.Context, providerID uuid.UUID, date string) (time.Time, []WeeklyWindow, []Booking, error) {
	provider, err := s.repo.GetProviderByID(ctx, providerID)
	if err != nil {
		return time.Time{}, nil, nil, err
	}

	loc, err := time.LoadLocation(provider.Timezone)
	if err != nil {
		return time.Time{}, nil, nil, fmt.Errorf("provider timezone %q: %w", provider.Timezone, err)
	}

	day, err := time.ParseInLocation("2006-01-02", date, loc)
	if err != nil {
		return time.Time{}, nil, nil, fmt.Errorf("%w: %s", ErrInvalidDate, date)
	}

	windows, err := s.repo.GetActiveWindows(ctx, providerID)
	if err != nil {
		return time.Time{}, nil, nil, fmt.Errorf("load weekly windows: %w", err)
	}

	existing, err := s.repo.GetActiveBookingsBetween(ctx, providerID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return time.Time{}, nil, nil, fmt.Errorf("load day bookings: %w", err)
	}

	return day, windows, existing, nil
}

// withReadRetry retries fn with a short backoff, but only for infrastructure
// failures. Business-rule errors come back verbatim on the first attempt.
// Writes never go through here.
func (s *Service) withReadRetry(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < readRetryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * readRetryBackoff):
			}
		}

		err = fn()
		if err == nil || isBusinessError(err) {
			return err
		}

		s.log.Warn("read retry", zap.Int("attempt", attempt+1), zap.Error(err))
	}
	return err
}

func isBusinessError(err error) bool {
	return errors.Is(err, ErrPatientNotFound) ||
		errors.Is(err, ErrProviderNotFound) ||
		errors.Is(err, ErrBookingNotFound) ||
		errors.Is(err, ErrSlotTaken) ||
		errors.Is(err, ErrSlotExpired) ||
		errors.Is(err, ErrSlotOutsideWindow) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrInvalidDate) ||
		errors.Is(err, ErrIdempotencyConflict)
}

func (s *Service) logEvent(ctx context.Context, bookingID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warn("marshal event payload failed", zap.String("event_type", eventType), zap.Error(err))
		data = nil
	}

	id := bookingID

	ev := EventLog{
		EventType: eventType,
		BookingID: &id,
		Payload:   data,
		CreatedAt: time.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warn("insert booking event failed",
			zap.String("event_type", eventType),
			zap.String("booking_id", bookingID.String()),
			zap.Error(err))
	}
}
