package store

// Task statuses. The set is closed: anything else is rejected at validation.
const (
	StatusPending            = "pending"
	StatusInProgress         = "in_progress"
	StatusInReview           = "in_review"
	StatusAwaitingValidation = "awaiting_validation"
	StatusNeedsRevision      = "needs_revision"
	StatusCompleted          = "completed"
	StatusCancelled          = "cancelled"
	StatusBlocked            = "blocked"
	StatusDelayed            = "delayed"
	StatusUndone             = "undone"
	StatusOnHold             = "on_hold"
	StatusWaiting            = "waiting"
	StatusNeedsInfo          = "needs_info"
	StatusOverdue            = "overdue"
)

// Task priorities.
const (
	PriorityUrgent = "urgent"
	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

var taskStatuses = map[string]bool{
	StatusPending: true, StatusInProgress: true, StatusInReview: true,
	StatusAwaitingValidation: true, StatusNeedsRevision: true,
	StatusCompleted: true, StatusCancelled: true, StatusBlocked: true,
	StatusDelayed: true, StatusUndone: true, StatusOnHold: true,
	StatusWaiting: true, StatusNeedsInfo: true, StatusOverdue: true,
}

var taskPriorities = map[string]bool{
	PriorityUrgent: true, PriorityHigh: true, PriorityMedium: true, PriorityLow: true,
}

// ValidStatus reports whether s is in the closed status set.
func ValidStatus(s string) bool { return taskStatuses[s] }

// ValidPriority reports whether p is in the closed priority set.
func ValidPriority(p string) bool { return taskPriorities[p] }

// statusTransitions is the forward status graph. A transition not listed here
// is an illegal direct jump. Overdue is system-set only: the scheduler applies
// it, users cannot.
var statusTransitions = map[string]map[string]bool{
	StatusPending: {
		StatusInProgress: true, StatusCancelled: true, StatusBlocked: true,
		StatusOnHold: true, StatusWaiting: true, StatusNeedsInfo: true,
		StatusDelayed: true, StatusOverdue: true,
	},
	StatusInProgress: {
		StatusInReview: true, StatusBlocked: true, StatusOnHold: true,
		StatusCancelled: true, StatusDelayed: true, StatusWaiting: true,
		StatusNeedsInfo: true, StatusPending: true, StatusOverdue: true,
	},
	StatusInReview: {
		StatusAwaitingValidation: true, StatusNeedsRevision: true,
		StatusInProgress: true, StatusCancelled: true, StatusOverdue: true,
	},
	StatusAwaitingValidation: {
		StatusCompleted: true, StatusNeedsRevision: true, StatusCancelled: true,
	},
	StatusNeedsRevision: {
		StatusInProgress: true, StatusAwaitingValidation: true, StatusCancelled: true,
		StatusOverdue: true,
	},
	StatusBlocked: {
		StatusPending: true, StatusInProgress: true, StatusCancelled: true,
		StatusOverdue: true,
	},
	StatusDelayed: {
		StatusPending: true, StatusInProgress: true, StatusCancelled: true,
		StatusOverdue: true,
	},
	StatusOnHold: {
		StatusPending: true, StatusInProgress: true, StatusCancelled: true,
		StatusOverdue: true,
	},
	StatusWaiting: {
		StatusPending: true, StatusInProgress: true, StatusCancelled: true,
		StatusOverdue: true,
	},
	StatusNeedsInfo: {
		StatusPending: true, StatusInProgress: true, StatusCancelled: true,
		StatusOverdue: true,
	},
	StatusUndone: {
		StatusPending: true, StatusInProgress: true, StatusCancelled: true,
		StatusOverdue: true,
	},
	StatusOverdue: {
		StatusInProgress: true, StatusCompleted: true, StatusCancelled: true,
		StatusDelayed: true,
	},
	StatusCompleted: {
		StatusUndone: true,
	},
	StatusCancelled: {},
}

// CanTransition reports whether moving from one status to another is a legal
// edge in the status graph. Same-status writes are allowed (no-op updates).
func CanTransition(from, to string) bool {
	if from == to {
		return true
	}
	next, ok := statusTransitions[from]
	return ok && next[to]
}
