package store

import (
	"time"

	"github.com/google/uuid"
)

// GenNewID returns a time-ordered UUID for surrogate keys.
func GenNewID() uuid.UUID { return uuid.Must(uuid.NewV7()) }

// Task is one unit of work. TaskID is the user-visible external identifier
// (TASK-YYYYMMDD-NNN); ID is the internal surrogate. Tasks are never hard
// deleted, only soft-deleted.
type Task struct {
	ID                  uuid.UUID
	TaskID              string
	Title               string
	Description         string
	AssigneeName        string
	AssigneeTransportID string
	Priority            string
	Status              string
	Type                string
	Deadline            *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
	CreatedBy           string
	EstimatedMinutes    int
	ActualMinutes       int
	Progress            int
	Tags                []string
	AcceptanceCriteria  []string
	ExternalThreadID    string
	SoftDeleted         bool

	// Eagerly loaded relations (populated by GetTaskByID and list queries
	// that promise eager loading; nil otherwise).
	Subtasks  []Subtask
	BlockedBy []string
	Audit     []AuditEvent
}

// Subtask belongs to exactly one task. Order is 1-based and dense per task.
type Subtask struct {
	ID        uuid.UUID
	TaskID    uuid.UUID
	Title     string
	Order     int
	Done      bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Conversation is the per-user dialog aggregate. A user has at most one open
// conversation (ClosedAt == nil).
type Conversation struct {
	ID             uuid.UUID
	UserID         string
	Stage          string
	Scratch        []byte // opaque JSON owned by the dialog engine
	CreatedAt      time.Time
	LastActivityAt time.Time
	ClosedAt       *time.Time
}

// ConversationMessage is an immutable append-only record inside a conversation.
type ConversationMessage struct {
	ID             uuid.UUID
	ConversationID uuid.UUID
	Role           string // user | bot | system
	Content        string
	CreatedAt      time.Time
}

// AuditEvent is an append-only record of one mutation.
type AuditEvent struct {
	ID         uuid.UUID
	Timestamp  time.Time
	EntityType string
	EntityID   string
	Actor      string
	Action     string
	Before     []byte
	After      []byte
}

// TeamMember describes one collaborator. Name is the stable lookup key;
// tasks reference members by name, not by foreign key.
type TeamMember struct {
	ID                 uuid.UUID
	Name               string
	Role               string
	TransportID        string
	SecondaryChannelID string
	Email              string
	Timezone           string
	WorkStart          string // HH:MM local
	Active             bool
	Skills             []string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// OAuthToken holds encrypted refresh/access tokens for one (email, service)
// pair. Ciphertext is the only at-rest representation.
type OAuthToken struct {
	Email          string
	Service        string
	RefreshTokenCT string
	AccessTokenCT  string
	ExpiresAt      *time.Time
	UpdatedAt      time.Time
}

// OutboxItem is one pending external side effect.
type OutboxItem struct {
	ID             uuid.UUID
	TargetAdapter  string
	Payload        []byte
	IdempotencyKey string
	AttemptCount   int
	MaxAttempts    int
	NextAttemptAt  time.Time
	DeadLetter     bool
	LastError      string
	CreatedAt      time.Time
}

// ProcessedUpdate records an inbound transport update id for dedup.
type ProcessedUpdate struct {
	UpdateID    string
	FirstSeenAt time.Time
}

// Reminder buckets for the deadline-reminder job.
const (
	ReminderBucket2H  = "2h"
	ReminderBucket1H  = "1h"
	ReminderBucket30M = "30m"
)

// ReminderEntry marks that one (task, bucket) reminder has been sent.
type ReminderEntry struct {
	TaskID string
	Bucket string
	SentAt time.Time
}

// TimeEntry is one span of tracked work on a task.
type TimeEntry struct {
	ID        uuid.UUID
	UserID    string
	TaskID    string
	StartedAt time.Time
	EndedAt   *time.Time
	Minutes   int
	Note      string
}

// TimesheetRow is one joined row of the user timesheet query.
type TimesheetRow struct {
	Entry     TimeEntry
	TaskTitle string
	TaskID    string
}

// AttendanceRecord is one daily check-in/out per user.
type AttendanceRecord struct {
	ID       uuid.UUID
	Date     time.Time
	UserID   string
	CheckIn  *time.Time
	CheckOut *time.Time
}

// RecurringTask is a template expanded into concrete tasks on a cron cadence.
type RecurringTask struct {
	ID           uuid.UUID
	Title        string
	Description  string
	AssigneeName string
	Priority     string
	CronExpr     string
	NextRunAt    time.Time
	Active       bool
	CreatedAt    time.Time
}

// TaskFilter narrows list queries. Zero values mean "any".
type TaskFilter struct {
	Status   string
	Assignee string
	OrderBy  string // created_at | deadline | priority
	Limit    int
	Offset   int
	Cursor   uuid.UUID // cursor pagination for large result sets
}

// PoolStats mirrors sql.DBStats for the /health/db endpoint.
type PoolStats struct {
	PoolSize   int `json:"pool_size"`
	CheckedIn  int `json:"checked_in"`
	CheckedOut int `json:"checked_out"`
	Overflow   int `json:"overflow"`
	Max        int `json:"max"`
}
