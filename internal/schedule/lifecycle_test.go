package schedule

import (
	"errors"
	"testing"
)

func TestTransition_Table(t *testing.T) {
	tests := []struct {
		name    string
		from    LifecycleState
		event   Event
		want    LifecycleState
		wantErr bool
	}{
		{
			name:  "payment success confirms",
			from:  LifecycleState{StatusScheduled, PaymentPending},
			event: EventPaymentSucceeded,
			want:  LifecycleState{StatusConfirmed, PaymentPaid},
		},
		{
			name:  "payment failure keeps booking retryable",
			from:  LifecycleState{StatusScheduled, PaymentPending},
			event: EventPaymentFailed,
			want:  LifecycleState{StatusScheduled, PaymentFailed},
		},
		{
			name:  "payment retry after failure can still succeed",
			from:  LifecycleState{StatusScheduled, PaymentFailed},
			event: EventPaymentSucceeded,
			want:  LifecycleState{StatusConfirmed, PaymentPaid},
		},
		{
			name:  "scheduled can be cancelled",
			from:  LifecycleState{StatusScheduled, PaymentPending},
			event: EventCancelled,
			want:  LifecycleState{StatusCancelled, PaymentPending},
		},
		{
			name:  "confirmed can be cancelled",
			from:  LifecycleState{StatusConfirmed, PaymentPaid},
			event: EventCancelled,
			want:  LifecycleState{StatusCancelled, PaymentPaid},
		},
		{
			name:  "doctor joining starts the session",
			from:  LifecycleState{StatusConfirmed, PaymentPaid},
			event: EventSessionJoined,
			want:  LifecycleState{StatusInProgress, PaymentPaid},
		},
		{
			name:  "rejoining a running session is a no-op",
			from:  LifecycleState{StatusInProgress, PaymentPaid},
			event: EventSessionJoined,
			want:  LifecycleState{StatusInProgress, PaymentPaid},
		},
		{
			name:  "session end completes",
			from:  LifecycleState{StatusInProgress, PaymentWaived},
			event: EventSessionEnded,
			want:  LifecycleState{StatusCompleted, PaymentWaived},
		},
		{
			name:  "waiver confirms a scheduled booking",
			from:  LifecycleState{StatusScheduled, PaymentFailed},
			event: EventPaymentWaived,
			want:  LifecycleState{StatusConfirmed, PaymentWaived},
		},
		{
			name:  "waiver never moves a running session backwards",
			from:  LifecycleState{StatusInProgress, PaymentPaid},
			event: EventPaymentWaived,
			want:  LifecycleState{StatusInProgress, PaymentWaived},
		},
		{
			name:    "cannot join before payment settles",
			from:    LifecycleState{StatusScheduled, PaymentPending},
			event:   EventSessionJoined,
			wantErr: true,
		},
		{
			name:    "cannot cancel a running session",
			from:    LifecycleState{StatusInProgress, PaymentPaid},
			event:   EventCancelled,
			wantErr: true,
		},
		{
			name:    "cannot end a session that never started",
			from:    LifecycleState{StatusConfirmed, PaymentPaid},
			event:   EventSessionEnded,
			wantErr: true,
		},
		{
			name:    "payment events do not apply to confirmed bookings",
			from:    LifecycleState{StatusConfirmed, PaymentPaid},
			event:   EventPaymentSucceeded,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Transition(tt.from, tt.event)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("err = %v, want ErrInvalidTransition", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Transition error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("Transition = %v/%v, want %v/%v",
					got.Status, got.PaymentStatus, tt.want.Status, tt.want.PaymentStatus)
			}
		})
	}
}

func TestTransition_TerminalStatesAreFinal(t *testing.T) {
	terminals := []LifecycleState{
		{StatusCompleted, PaymentPaid},
		{StatusCancelled, PaymentPending},
		{StatusCancelled, PaymentPaid},
	}
	events := []Event{
		EventPaymentSucceeded,
		EventPaymentFailed,
		EventPaymentWaived,
		EventCancelled,
		EventSessionJoined,
		EventSessionEnded,
	}

	for _, from := range terminals {
		for _, ev := range events {
			got, err := Transition(from, ev)
			if !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("Transition(%v/%v, %s) err = %v, want ErrInvalidTransition",
					from.Status, from.PaymentStatus, ev, err)
			}
			if got != from {
				t.Fatalf("Transition(%v/%v, %s) mutated state to %v/%v",
					from.Status, from.PaymentStatus, ev, got.Status, got.PaymentStatus)
			}
		}
	}
}

func TestTransition_SettledStatesCarrySettledPayment(t *testing.T) {
	// Walk a booking through its happy path and check each landing state
	// keeps a settled payment once it reaches confirmed.
	state := LifecycleState{StatusScheduled, PaymentPending}

	for _, ev := range []Event{EventPaymentSucceeded, EventSessionJoined, EventSessionEnded} {
		next, err := Transition(state, ev)
		if err != nil {
			t.Fatalf("Transition(%v/%v, %s) error: %v", state.Status, state.PaymentStatus, ev, err)
		}
		if next.Status != StatusScheduled && next.PaymentStatus != PaymentPaid && next.PaymentStatus != PaymentWaived {
			t.Fatalf("state %v/%v reached without settled payment", next.Status, next.PaymentStatus)
		}
		state = next
	}

	if state.Status != StatusCompleted {
		t.Fatalf("final status = %v, want completed", state.Status)
	}
}

func TestParseEvent(t *testing.T) {
	if _, err := ParseEvent("payment_succeeded"); err != nil {
		t.Fatalf("ParseEvent error: %v", err)
	}
	if _, err := ParseEvent("teleport"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}
