package store

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to string
		want     bool
	}{
		{StatusPending, StatusInProgress, true},
		{StatusInProgress, StatusInReview, true},
		{StatusInReview, StatusAwaitingValidation, true},
		{StatusAwaitingValidation, StatusCompleted, true},
		{StatusAwaitingValidation, StatusNeedsRevision, true},
		{StatusNeedsRevision, StatusInProgress, true},
		{StatusCompleted, StatusUndone, true},
		{StatusUndone, StatusInProgress, true},

		// Same-status writes are no-op updates.
		{StatusPending, StatusPending, true},

		// Illegal direct jumps.
		{StatusPending, StatusCompleted, false},
		{StatusPending, StatusAwaitingValidation, false},
		{StatusInProgress, StatusCompleted, false},
		{StatusCompleted, StatusInProgress, false},
		{StatusCancelled, StatusPending, false},

		// The overdue sweep can flip any open status, but never a terminal
		// or validation-stage one.
		{StatusPending, StatusOverdue, true},
		{StatusInProgress, StatusOverdue, true},
		{StatusBlocked, StatusOverdue, true},
		{StatusAwaitingValidation, StatusOverdue, false},
		{StatusCompleted, StatusOverdue, false},
		{StatusCancelled, StatusOverdue, false},

		// Recovery out of overdue.
		{StatusOverdue, StatusInProgress, true},
		{StatusOverdue, StatusCompleted, true},
		{StatusOverdue, StatusPending, false},

		{"bogus", StatusPending, false},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestValidStatusAndPriority(t *testing.T) {
	if !ValidStatus(StatusNeedsInfo) || ValidStatus("done") {
		t.Error("status set wrong")
	}
	if !ValidPriority(PriorityUrgent) || ValidPriority("critical") {
		t.Error("priority set wrong")
	}
}
