package schedule

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusConfirmed  Status = "confirmed"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
)

// ActiveStatuses are the statuses whose bookings hold their time interval.
// Cancelled and completed bookings no longer block the calendar.
var ActiveStatuses = []Status{StatusScheduled, StatusConfirmed, StatusInProgress}

func (s Status) Active() bool {
	return s == StatusScheduled || s == StatusConfirmed || s == StatusInProgress
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

type PaymentStatus string

const (
	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
	PaymentWaived  PaymentStatus = "waived"
	PaymentFailed  PaymentStatus = "failed"
)

type Patient struct {
	ID        uuid.UUID
	Name      string
	Email     *string
	CreatedAt time.Time
	UpdatedAt time.Time
}

type Provider struct {
	ID        uuid.UUID
	Name      string
	Specialty *string
	Timezone  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// WeeklyWindow is one recurring availability window: every week on Weekday,
// the provider accepts bookings from StartMin to EndMin (minutes after local
// midnight, minute precision). Windows for the same day may overlap and come
// back from the store in any order.
type WeeklyWindow struct {
	ID         uuid.UUID
	ProviderID uuid.UUID
	Weekday    time.Weekday
	StartMin   int
	EndMin     int
	Active     bool
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (w WeeklyWindow) Validate() error {
	if w.Weekday < time.Sunday || w.Weekday > time.Saturday {
		return fmt.Errorf("weekday %d out of range", w.Weekday)
	}
	if w.StartMin < 0 || w.EndMin > 24*60 {
		return fmt.Errorf("window [%s, %s) outside the day", FormatMinute(w.StartMin), FormatMinute(w.EndMin))
	}
	if w.StartMin >= w.EndMin {
		return fmt.Errorf("window start %s not before end %s", FormatMinute(w.StartMin), FormatMinute(w.EndMin))
	}
	return nil
}

type Booking struct {
	ID             uuid.UUID
	PatientID      uuid.UUID
	ProviderID     uuid.UUID
	ScheduledStart time.Time
	DurationMin    int
	Status         Status
	PaymentStatus  PaymentStatus
	AmountMinor    int64
	Currency       string
	Reason         string
	Notes          string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (b Booking) ScheduledEnd() time.Time {
	return b.ScheduledStart.Add(time.Duration(b.DurationMin) * time.Minute)
}

// Overlaps reports whether the two bookings' [start, end) intervals intersect.
func (b Booking) Overlaps(other Booking) bool {
	return b.ScheduledStart.Before(other.ScheduledEnd()) && b.ScheduledEnd().After(other.ScheduledStart)
}

type EventLog struct {
	ID        int64
	EventType string
	BookingID *uuid.UUID
	Payload   []byte
	CreatedAt time.Time
}

// ParseMinute parses "HH:MM" wall-clock into minutes after midnight.
func ParseMinute(s string) (int, error) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, fmt.Errorf("parse time of day %q: %w", s, err)
	}
	if h < 0 || h > 24 || m < 0 || m > 59 || (h == 24 && m != 0) {
		return 0, fmt.Errorf("time of day %q out of range", s)
	}
	return h*60 + m, nil
}

// FormatMinute renders minutes after midnight as "HH:MM".
func FormatMinute(min int) string {
	return fmt.Sprintf("%02d:%02d", min/60, min%60)
}
