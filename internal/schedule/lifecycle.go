package schedule

import "fmt"

// Event is an external fact that drives a booking's lifecycle.
type Event string

const (
	EventPaymentSucceeded Event = "payment_succeeded"
	EventPaymentFailed    Event = "payment_failed"
	EventPaymentWaived    Event = "payment_waived"
	EventCancelled        Event = "cancelled"
	EventSessionJoined    Event = "session_joined"
	EventSessionEnded     Event = "session_ended"
)

func ParseEvent(s string) (Event, error) {
	switch Event(s) {
	case EventPaymentSucceeded, EventPaymentFailed, EventPaymentWaived,
		EventCancelled, EventSessionJoined, EventSessionEnded:
		return Event(s), nil
	}
	return "", fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, s)
}

// LifecycleState pairs the two status axes so transitions always land on a
// combination the table allows.
type LifecycleState struct {
	Status        Status
	PaymentStatus PaymentStatus
}

// Transition applies ev to the current state and returns the next one.
// The table is monotonic: completed and cancelled are terminal, and any
// state at or past confirmed carries a settled (paid or waived) payment.
func Transition(cur LifecycleState, ev Event) (LifecycleState, error) {
	if cur.Status.Terminal() {
		return cur, fmt.Errorf("%w: booking is %s", ErrInvalidTransition, cur.Status)
	}

	switch ev {
	case EventPaymentSucceeded:
		if cur.Status != StatusScheduled {
			return cur, invalidTransition(cur, ev)
		}
		return LifecycleState{StatusConfirmed, PaymentPaid}, nil

	case EventPaymentFailed:
		if cur.Status != StatusScheduled {
			return cur, invalidTransition(cur, ev)
		}
		// Stays retryable: the patient can re-attempt payment for the same
		// booking, so the slot is held rather than auto-cancelled.
		return LifecycleState{StatusScheduled, PaymentFailed}, nil

	case EventPaymentWaived:
		// Administrative override from any non-terminal state. Bypasses the
		// payment step; never moves status backwards from in_progress.
		next := cur.Status
		if next == StatusScheduled {
			next = StatusConfirmed
		}
		return LifecycleState{next, PaymentWaived}, nil

	case EventCancelled:
		if cur.Status != StatusScheduled && cur.Status != StatusConfirmed {
			return cur, invalidTransition(cur, ev)
		}
		return LifecycleState{StatusCancelled, cur.PaymentStatus}, nil

	case EventSessionJoined:
		if cur.Status == StatusInProgress {
			// Re-joining a running session is a no-op.
			return cur, nil
		}
		if cur.Status != StatusConfirmed {
			return cur, invalidTransition(cur, ev)
		}
		return LifecycleState{StatusInProgress, cur.PaymentStatus}, nil

	case EventSessionEnded:
		if cur.Status != StatusInProgress {
			return cur, invalidTransition(cur, ev)
		}
		return LifecycleState{StatusCompleted, cur.PaymentStatus}, nil
	}

	return cur, fmt.Errorf("%w: unknown event %q", ErrInvalidTransition, ev)
}

func invalidTransition(cur LifecycleState, ev Event) error {
	return fmt.Errorf("%w: %s not allowed from %s/%s", ErrInvalidTransition, ev, cur.Status, cur.PaymentStatus)
}
