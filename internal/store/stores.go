package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// TaskStore is the repository for tasks, subtasks and dependency edges.
//
// Create fails with ErrDuplicateKey on a unique violation and ErrPersistence
// on anything else. Get* return (nil, nil) for absence. Update fails with
// ErrNotFound when the id is unknown and with *ValidationError when a domain
// invariant is violated.
type TaskStore interface {
	// CreateTask inserts the task, its audit event and the given outbox rows
	// in one transaction. TaskID must be pre-allocated via NextTaskID.
	CreateTask(ctx context.Context, task *Task, audit *AuditEvent, effects []OutboxItem) error

	// NextTaskID allocates the next external id for the given day
	// (TASK-YYYYMMDD-NNN) using a per-day sequence row.
	NextTaskID(ctx context.Context, day time.Time) (string, error)

	GetTaskByID(ctx context.Context, taskID string) (*Task, error)
	UpdateTask(ctx context.Context, taskID string, updates map[string]any, audit *AuditEvent, effects []OutboxItem) error
	ListTasks(ctx context.Context, f TaskFilter) ([]Task, error)
	ListOverdue(ctx context.Context, now time.Time) ([]Task, error)
	ListDueSoon(ctx context.Context, now time.Time, within time.Duration) ([]Task, error)
	SearchTasks(ctx context.Context, query string, f TaskFilter) ([]Task, error)
	// SoftDeleteOpenTasks soft-deletes every open task in one transaction.
	// effect, when non-nil, is invoked per cleared task and any outbox item
	// it returns is enqueued inside the same transaction.
	SoftDeleteOpenTasks(ctx context.Context, actor string, effect func(Task) *OutboxItem) ([]Task, error)
	ArchiveCompletedBefore(ctx context.Context, cutoff time.Time) (int, error)

	AddSubtask(ctx context.Context, taskID string, title string) (*Subtask, error)
	CompleteSubtask(ctx context.Context, taskID string, order int) (*Task, error)

	// AddDependency fails with *ValidationError when the edge would close a
	// cycle or either task id does not exist.
	AddDependency(ctx context.Context, taskID, dependsOn string) error
	RemoveDependency(ctx context.Context, taskID, dependsOn string) error
	Dependencies(ctx context.Context, taskID string) ([]string, error)
}

// ConversationStore persists per-user dialogs and their messages.
type ConversationStore interface {
	// OpenConversation returns the user's open conversation, creating one in
	// the given stage when none exists. At most one open conversation per
	// user is enforced by a partial unique index.
	OpenConversation(ctx context.Context, userID, stage string) (*Conversation, error)
	GetOpen(ctx context.Context, userID string) (*Conversation, error)
	SaveStage(ctx context.Context, id uuid.UUID, stage string, scratch []byte) error
	Close(ctx context.Context, id uuid.UUID) error
	CloseIdleSince(ctx context.Context, cutoff time.Time) (int, error)
	AppendMessage(ctx context.Context, convID uuid.UUID, role, content string) error
	Messages(ctx context.Context, convID uuid.UUID, limit int) ([]ConversationMessage, error)
}

// TeamStore resolves and manages team members.
type TeamStore interface {
	CreateMember(ctx context.Context, m *TeamMember) error
	GetByName(ctx context.Context, name string) (*TeamMember, error)
	GetByTransportID(ctx context.Context, transportID string) (*TeamMember, error)
	ListActive(ctx context.Context) ([]TeamMember, error)
}

// AuditStore appends and reads audit events.
type AuditStore interface {
	Append(ctx context.Context, ev *AuditEvent) error
	ForEntity(ctx context.Context, entityType, entityID string, limit int) ([]AuditEvent, error)
}

// OutboxStore is the durable side-effect queue.
type OutboxStore interface {
	Enqueue(ctx context.Context, items ...OutboxItem) error
	// ClaimDue locks and returns up to limit deliverable items
	// (next_attempt_at <= now, not dead-lettered) using SKIP LOCKED.
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]OutboxItem, error)
	MarkDelivered(ctx context.Context, id uuid.UUID) error
	Reschedule(ctx context.Context, id uuid.UUID, attempt int, next time.Time, lastErr string) error
	MarkDead(ctx context.Context, id uuid.UUID, lastErr string) error
	ListDead(ctx context.Context, limit int) ([]OutboxItem, error)
}

// DedupStore records processed transport update ids.
type DedupStore interface {
	// MarkProcessed returns false when the update id was already recorded
	// inside the retention window.
	MarkProcessed(ctx context.Context, updateID string) (bool, error)
	PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}

// ReminderStore is the reminder ledger.
type ReminderStore interface {
	// MarkSent returns false when the (task, bucket) pair is already present.
	MarkSent(ctx context.Context, taskID, bucket string) (bool, error)
	WasSent(ctx context.Context, taskID, bucket string) (bool, error)
}

// OAuthTokenStore persists encrypted OAuth tokens.
type OAuthTokenStore interface {
	Upsert(ctx context.Context, t *OAuthToken) error
	Get(ctx context.Context, email, service string) (*OAuthToken, error)
	List(ctx context.Context) ([]OAuthToken, error)
}

// TimesheetStore covers time entries and attendance.
type TimesheetStore interface {
	StartEntry(ctx context.Context, userID, taskID string, at time.Time) (*TimeEntry, error)
	StopEntry(ctx context.Context, id uuid.UUID, at time.Time) error
	UserTimesheet(ctx context.Context, userID string, from, to time.Time) ([]TimesheetRow, error)
	RecordAttendance(ctx context.Context, rec *AttendanceRecord) error
}

// RecurringStore manages recurring task templates.
type RecurringStore interface {
	ListDue(ctx context.Context, now time.Time) ([]RecurringTask, error)
	SetNextRun(ctx context.Context, id uuid.UUID, next time.Time) error
	Create(ctx context.Context, rt *RecurringTask) error
}

// Stores is the top-level container for all repositories, constructed once in
// the composition root and passed down explicitly.
type Stores struct {
	Tasks         TaskStore
	Conversations ConversationStore
	Team          TeamStore
	Audit         AuditStore
	Outbox        OutboxStore
	Dedup         DedupStore
	Reminders     ReminderStore
	OAuth         OAuthTokenStore
	Timesheet     TimesheetStore
	Recurring     RecurringStore

	// DB exposes the shared pool for health probes.
	DB *sql.DB
}
