package schedule

import (
	"sort"
	"time"
)

// GenerateSlots turns a provider's recurring weekly windows into offerable
// start times for one calendar day.
//
// day must be midnight in the provider's local zone; returned starts carry
// the same zone. bufferMin pads each existing active booking on both sides
// when deciding which candidates to offer. The store is the final arbiter:
// everything returned here is a suggestion computed from a snapshot.
func GenerateSlots(day time.Time, windows []WeeklyWindow, existing []Booking, durationMin, bufferMin int, now time.Time) []time.Time {
	if durationMin <= 0 {
		return nil
	}

	weekday := day.Weekday()
	buffer := time.Duration(bufferMin) * time.Minute
	duration := time.Duration(durationMin) * time.Minute

	seen := make(map[int]struct{})
	var slots []time.Time

	for _, w := range windows {
		if !w.Active || w.Weekday != weekday {
			continue
		}

		// Candidates step at the slot duration; a start is allowed to land
		// exactly against the window end (09:30+30m in a 09:00-10:00 window).
		for startMin := w.StartMin; startMin+durationMin <= w.EndMin; startMin += durationMin {
			if _, ok := seen[startMin]; ok {
				continue
			}

			start := day.Add(time.Duration(startMin) * time.Minute)
			end := start.Add(duration)

			if !start.After(now) {
				continue
			}

			if overlapsAnyBuffered(start, end, existing, buffer) {
				continue
			}

			seen[startMin] = struct{}{}
			slots = append(slots, start)
		}
	}

	sort.Slice(slots, func(i, j int) bool { return slots[i].Before(slots[j]) })
	return slots
}

// overlapsAnyBuffered checks the candidate [start, end) against each active
// booking's interval expanded by buffer on both sides.
func overlapsAnyBuffered(start, end time.Time, existing []Booking, buffer time.Duration) bool {
	for _, b := range existing {
		if !b.Status.Active() {
			continue
		}
		if start.Before(b.ScheduledEnd().Add(buffer)) && end.After(b.ScheduledStart.Add(-buffer)) {
			return true
		}
	}
	return false
}
