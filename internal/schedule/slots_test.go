package schedule

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

var (
	testProviderID = uuid.MustParse("00000000-0000-0000-0000-000000000001")
	testPatientID  = uuid.MustParse("00000000-0000-0000-0000-000000000002")
)

// monday is the next Monday at least a week out, at midnight UTC, so test
// days derived from it never slide into the past as the clock advances.
var monday = nextMonday()

func nextMonday() time.Time {
	d := time.Now().UTC().AddDate(0, 0, 7)
	for d.Weekday() != time.Monday {
		d = d.AddDate(0, 0, 1)
	}
	return time.Date(d.Year(), d.Month(), d.Day(), 0, 0, 0, 0, time.UTC)
}

func window(weekday time.Weekday, start, end string) WeeklyWindow {
	startMin, err := ParseMinute(start)
	if err != nil {
		panic(err)
	}
	endMin, err := ParseMinute(end)
	if err != nil {
		panic(err)
	}
	return WeeklyWindow{
		ID:         uuid.New(),
		ProviderID: testProviderID,
		Weekday:    weekday,
		StartMin:   startMin,
		EndMin:     endMin,
		Active:     true,
	}
}

func booking(start string, durationMin int, status Status) Booking {
	startMin, err := ParseMinute(start)
	if err != nil {
		panic(err)
	}
	return Booking{
		ID:             uuid.New(),
		PatientID:      testPatientID,
		ProviderID:     testProviderID,
		ScheduledStart: monday.Add(time.Duration(startMin) * time.Minute),
		DurationMin:    durationMin,
		Status:         status,
	}
}

func slotMinutes(t *testing.T, slots []time.Time) []string {
	t.Helper()
	out := make([]string, 0, len(slots))
	for _, s := range slots {
		out = append(out, s.Format("15:04"))
	}
	return out
}

func assertSlots(t *testing.T, got []time.Time, want ...string) {
	t.Helper()
	gotStr := slotMinutes(t, got)
	if len(gotStr) != len(want) {
		t.Fatalf("slots = %v, want %v", gotStr, want)
	}
	for i := range want {
		if gotStr[i] != want[i] {
			t.Fatalf("slots = %v, want %v", gotStr, want)
		}
	}
}

func TestGenerateSlots_WindowBoundaryIsInclusive(t *testing.T) {
	// A 09:00-10:00 window with 30-minute slots has room for 09:00 and for
	// 09:30, whose end lands exactly on the window end.
	windows := []WeeklyWindow{window(time.Monday, "09:00", "10:00")}

	got := GenerateSlots(monday, windows, nil, 30, 15, monday.Add(-24*time.Hour))
	assertSlots(t, got, "09:00", "09:30")
}

func TestGenerateSlots_BufferExcludesAdjacentCandidates(t *testing.T) {
	windows := []WeeklyWindow{window(time.Monday, "09:00", "12:00")}
	existing := []Booking{booking("10:00", 30, StatusConfirmed)}

	// With a 15-minute buffer the 10:00-10:30 booking shades everything in
	// (09:45, 10:45): candidates 09:30, 10:00 and 10:30 go, 09:00 and 11:00
	// stay.
	got := GenerateSlots(monday, windows, existing, 30, 15, monday.Add(-24*time.Hour))
	assertSlots(t, got, "09:00", "11:00", "11:30")
}

func TestGenerateSlots_ZeroBufferPacksBackToBack(t *testing.T) {
	windows := []WeeklyWindow{window(time.Monday, "09:00", "11:00")}
	existing := []Booking{booking("09:30", 30, StatusScheduled)}

	got := GenerateSlots(monday, windows, existing, 30, 0, monday.Add(-24*time.Hour))
	assertSlots(t, got, "09:00", "10:00", "10:30")
}

func TestGenerateSlots_CancelledAndCompletedDoNotBlock(t *testing.T) {
	windows := []WeeklyWindow{window(time.Monday, "09:00", "10:00")}
	existing := []Booking{
		booking("09:00", 30, StatusCancelled),
		booking("09:30", 30, StatusCompleted),
	}

	got := GenerateSlots(monday, windows, existing, 30, 15, monday.Add(-24*time.Hour))
	assertSlots(t, got, "09:00", "09:30")
}

func TestGenerateSlots_PastStartsExcludedToday(t *testing.T) {
	windows := []WeeklyWindow{window(time.Monday, "09:00", "12:00")}

	// "now" is 09:30 on the same Monday: 09:00 is gone, and so is the 09:30
	// candidate itself since it is not strictly in the future.
	now := monday.Add(9*time.Hour + 30*time.Minute)
	got := GenerateSlots(monday, windows, nil, 30, 0, now)
	assertSlots(t, got, "10:00", "10:30", "11:00", "11:30")
}

func TestGenerateSlots_WindowShorterThanDuration(t *testing.T) {
	windows := []WeeklyWindow{window(time.Monday, "09:00", "09:20")}

	got := GenerateSlots(monday, windows, nil, 30, 0, monday.Add(-24*time.Hour))
	if len(got) != 0 {
		t.Fatalf("slots = %v, want none", slotMinutes(t, got))
	}
}

func TestGenerateSlots_InactiveAndOtherDayWindowsIgnored(t *testing.T) {
	inactive := window(time.Monday, "09:00", "10:00")
	inactive.Active = false

	windows := []WeeklyWindow{
		inactive,
		window(time.Tuesday, "09:00", "10:00"),
	}

	got := GenerateSlots(monday, windows, nil, 30, 0, monday.Add(-24*time.Hour))
	if len(got) != 0 {
		t.Fatalf("slots = %v, want none", slotMinutes(t, got))
	}
}

func TestGenerateSlots_OverlappingWindowsDeduplicate(t *testing.T) {
	// Two windows covering the same morning must not emit a start twice,
	// and the overall list comes back sorted even though the second window
	// begins earlier.
	windows := []WeeklyWindow{
		window(time.Monday, "09:00", "10:30"),
		window(time.Monday, "08:00", "09:30"),
	}

	got := GenerateSlots(monday, windows, nil, 30, 0, monday.Add(-24*time.Hour))
	assertSlots(t, got, "08:00", "08:30", "09:00", "09:30", "10:00")
}

func TestGenerateSlots_NonPositiveDuration(t *testing.T) {
	windows := []WeeklyWindow{window(time.Monday, "09:00", "10:00")}

	if got := GenerateSlots(monday, windows, nil, 0, 0, monday); got != nil {
		t.Fatalf("slots = %v, want nil", got)
	}
}
