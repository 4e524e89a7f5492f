// Package tasks assembles, validates and persists task records, and owns the
// status transition and approval flows. All external side effects of a
// mutation are enqueued through the outbox in the same transaction.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/taskpilot/internal/adapters"
	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// Assignee lookup tiers, recorded on every resolution for traceability.
const (
	TierRelational = "relational"
	TierTabular    = "tabular"
	TierStatic     = "static"
)

// Role defaults for estimated effort, applied when the boss gave none.
var roleEstimateMinutes = map[string]int{
	"dev":       240,
	"admin":     120,
	"marketing": 180,
	"design":    360,
}

// StaticMember is a config-defined fallback team member (tier 3).
type StaticMember struct {
	Name        string
	Role        string
	TransportID string
}

// MemberDirectory is the tabular-store lookup used as tier 2.
type MemberDirectory interface {
	Enabled() bool
	LookupMember(ctx context.Context, name string) (string, error)
}

// Draft carries everything known about a task before persistence: extracted
// fields merged with session scratch and preferences.
type Draft struct {
	Title              string     `json:"title"`
	Description        string     `json:"description,omitempty"`
	AssigneeName       string     `json:"assignee_name,omitempty"`
	Priority           string     `json:"priority,omitempty"`
	Type               string     `json:"type,omitempty"`
	Deadline           *time.Time `json:"deadline,omitempty"`
	Tags               []string   `json:"tags,omitempty"`
	AcceptanceCriteria []string   `json:"acceptance_criteria,omitempty"`
	EstimatedMinutes   int        `json:"estimated_minutes,omitempty"`
	CreatedBy          string     `json:"created_by"`
	ChatID             int64      `json:"chat_id,omitempty"` // ack destination
}

// CreateResult is the outcome of a successful create.
type CreateResult struct {
	Task         *store.Task
	ResolvedTier string   // which lookup tier served the assignee, "" if unassigned
	Warnings     []string // non-fatal findings, e.g. deadline in the past
}

// Processor is the task write path.
type Processor struct {
	tasks     store.TaskStore
	team      store.TeamStore
	directory MemberDirectory
	static    []StaticMember

	roleChats  map[string]int64 // role -> routing chat
	bossChatID int64
	calendarOn bool
	eventFeed  bool
	clock      func() time.Time
}

type Option func(*Processor)

// WithClock overrides time for tests.
func WithClock(fn func() time.Time) Option {
	return func(p *Processor) { p.clock = fn }
}

// WithEventFeed mirrors task lifecycle events to the outbound webhook
// adapter for downstream integrations.
func WithEventFeed() Option {
	return func(p *Processor) { p.eventFeed = true }
}

func NewProcessor(tasks store.TaskStore, team store.TeamStore, directory MemberDirectory,
	static []StaticMember, roleChats map[string]int64, bossChatID int64, calendarOn bool, opts ...Option) *Processor {
	p := &Processor{
		tasks:      tasks,
		team:       team,
		directory:  directory,
		static:     static,
		roleChats:  roleChats,
		bossChatID: bossChatID,
		calendarOn: calendarOn,
		clock:      time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// ResolveAssignee finds the member by display name through the three lookup
// tiers in order. A miss on all tiers returns (nil, "", nil): the task is
// created unassigned with a warning.
func (p *Processor) ResolveAssignee(ctx context.Context, name string) (*store.TeamMember, string, error) {
	if name == "" {
		return nil, "", nil
	}

	m, err := p.team.GetByName(ctx, name)
	if err != nil {
		return nil, "", fmt.Errorf("assignee lookup: %w", err)
	}
	if m != nil {
		return m, TierRelational, nil
	}

	if p.directory != nil && p.directory.Enabled() {
		found, err := p.directory.LookupMember(ctx, name)
		if err != nil {
			slog.Warn("tabular member lookup failed, continuing to static tier", "name", name, "error", err)
		} else if found != "" {
			return &store.TeamMember{Name: found}, TierTabular, nil
		}
	}

	for _, sm := range p.static {
		if strings.EqualFold(sm.Name, name) {
			return &store.TeamMember{Name: sm.Name, Role: sm.Role, TransportID: sm.TransportID}, TierStatic, nil
		}
	}
	return nil, "", nil
}

// Create runs the full assemble/resolve/validate/persist/enqueue pipeline.
func (p *Processor) Create(ctx context.Context, d Draft) (*CreateResult, error) {
	now := p.clock()
	res := &CreateResult{}

	member, tier, err := p.ResolveAssignee(ctx, d.AssigneeName)
	if err != nil {
		return nil, err
	}
	res.ResolvedTier = tier
	if d.AssigneeName != "" && member == nil {
		res.Warnings = append(res.Warnings, fmt.Sprintf("assignee %q not found in any directory, task left unassigned", d.AssigneeName))
	}

	if d.Priority == "" {
		d.Priority = store.PriorityMedium
	}
	if d.EstimatedMinutes == 0 && member != nil {
		d.EstimatedMinutes = roleEstimateMinutes[strings.ToLower(member.Role)]
	}

	if verr := validateDraft(d, now); verr != nil {
		return nil, verr
	}
	if d.Deadline != nil && d.Deadline.Before(now) {
		res.Warnings = append(res.Warnings, fmt.Sprintf("deadline %s is in the past", d.Deadline.Format(time.RFC3339)))
	}

	taskID, err := p.tasks.NextTaskID(ctx, now)
	if err != nil {
		return nil, fmt.Errorf("allocate task id: %w", err)
	}

	task := &store.Task{
		ID:                 store.GenNewID(),
		TaskID:             taskID,
		Title:              strings.TrimSpace(d.Title),
		Description:        d.Description,
		Priority:           d.Priority,
		Status:             store.StatusPending,
		Type:               d.Type,
		Deadline:           d.Deadline,
		CreatedAt:          now,
		UpdatedAt:          now,
		CreatedBy:          d.CreatedBy,
		EstimatedMinutes:   d.EstimatedMinutes,
		Tags:               d.Tags,
		AcceptanceCriteria: d.AcceptanceCriteria,
	}
	if member != nil {
		task.AssigneeName = member.Name
		task.AssigneeTransportID = member.TransportID
	}

	after, _ := json.Marshal(task)
	audit := &store.AuditEvent{
		Timestamp:  now,
		EntityType: "task",
		EntityID:   taskID,
		Actor:      d.CreatedBy,
		Action:     "created",
		After:      after,
	}

	effects := p.createEffects(task, member, d.ChatID)
	if err := p.tasks.CreateTask(ctx, task, audit, effects); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	res.Task = task
	slog.Info("task created", "task_id", taskID, "assignee", task.AssigneeName, "tier", tier, "priority", task.Priority)
	return res, nil
}

// createEffects builds the outbox rows co-committed with the task.
func (p *Processor) createEffects(task *store.Task, member *store.TeamMember, ackChat int64) []store.OutboxItem {
	var effects []store.OutboxItem

	if p.directory != nil && p.directory.Enabled() {
		effects = append(effects, sheetUpsertEffect(task))
	}

	if chat := p.routingChat(member); chat != 0 {
		payload, _ := json.Marshal(adapters.SendMessagePayload{
			ChatID: chat,
			Text:   assignmentText(task),
		})
		effects = append(effects, store.OutboxItem{
			TargetAdapter:  "telegram",
			Payload:        wrapOp(adapters.OpSendMessage, payload),
			IdempotencyKey: "task-route:" + task.TaskID,
		})
	}

	if p.calendarOn && task.Deadline != nil {
		payload, _ := json.Marshal(adapters.EventPayload{
			TaskID:   task.TaskID,
			Title:    task.Title,
			Deadline: *task.Deadline,
			Assignee: task.AssigneeName,
		})
		effects = append(effects, store.OutboxItem{
			TargetAdapter:  "calendar",
			Payload:        wrapOp(adapters.OpCreateEvent, payload),
			IdempotencyKey: "calendar-create:" + task.TaskID,
		})
	}

	if ackChat != 0 {
		payload, _ := json.Marshal(adapters.SendMessagePayload{
			ChatID: ackChat,
			Text:   ackText(task),
		})
		effects = append(effects, store.OutboxItem{
			TargetAdapter:  "telegram",
			Payload:        wrapOp(adapters.OpSendMessage, payload),
			IdempotencyKey: "task-ack:" + task.TaskID,
		})
	}

	if p.eventFeed {
		effects = append(effects, taskEventEffect("task.created", task))
	}
	return effects
}

// taskEvent is the document pushed to the outbound webhook per lifecycle
// event.
type taskEvent struct {
	Event    string     `json:"event"`
	TaskID   string     `json:"task_id"`
	Title    string     `json:"title"`
	Status   string     `json:"status"`
	Priority string     `json:"priority"`
	Assignee string     `json:"assignee,omitempty"`
	Deadline *time.Time `json:"deadline,omitempty"`
}

func taskEventEffect(event string, task *store.Task) store.OutboxItem {
	payload, _ := json.Marshal(taskEvent{
		Event:    event,
		TaskID:   task.TaskID,
		Title:    task.Title,
		Status:   task.Status,
		Priority: task.Priority,
		Assignee: task.AssigneeName,
		Deadline: task.Deadline,
	})
	return store.OutboxItem{
		TargetAdapter:  "webhook",
		Payload:        wrapOp(adapters.OpPost, payload),
		IdempotencyKey: fmt.Sprintf("event:%s:%s:%s", event, task.TaskID, task.Status),
	}
}

func (p *Processor) routingChat(member *store.TeamMember) int64 {
	if member == nil {
		return p.bossChatID
	}
	if chat, ok := p.roleChats[strings.ToLower(member.Role)]; ok {
		return chat
	}
	return p.bossChatID
}

// sheetUpsertEffect mirrors the current task row into the tabular store.
func sheetUpsertEffect(task *store.Task) store.OutboxItem {
	payload, _ := json.Marshal(adapters.RowPayload{
		TaskID:   task.TaskID,
		Title:    task.Title,
		Assignee: task.AssigneeName,
		Status:   task.Status,
		Priority: task.Priority,
		Deadline: task.Deadline,
		Progress: task.Progress,
	})
	return store.OutboxItem{
		TargetAdapter:  "sheets",
		Payload:        wrapOp(adapters.OpUpsertRow, payload),
		IdempotencyKey: fmt.Sprintf("sheet-upsert:%s:%s:%d", task.TaskID, task.Status, task.Progress),
	}
}

// ThreadCleanupEffect builds the outbox item that tears down a task's
// external discussion thread. Tasks without a (numeric) thread id yield nil.
func ThreadCleanupEffect(t store.Task) *store.OutboxItem {
	if t.ExternalThreadID == "" {
		return nil
	}
	threadID, err := strconv.Atoi(t.ExternalThreadID)
	if err != nil {
		return nil
	}
	payload, _ := json.Marshal(adapters.DeleteThreadPayload{ThreadID: threadID})
	return &store.OutboxItem{
		TargetAdapter:  "telegram",
		Payload:        wrapOp(adapters.OpDeleteThread, payload),
		IdempotencyKey: "thread-delete:" + t.TaskID,
	}
}

// Envelope is the outbox payload wrapper carrying the adapter operation.
type Envelope struct {
	Op   string          `json:"op"`
	Body json.RawMessage `json:"body"`
}

func wrapOp(op string, body []byte) []byte {
	b, _ := json.Marshal(Envelope{Op: op, Body: body})
	return b
}

func validateDraft(d Draft, now time.Time) error {
	var fields []store.FieldError
	title := strings.TrimSpace(d.Title)
	if title == "" {
		fields = append(fields, store.FieldError{Field: "title", Message: "title must not be empty", Type: "required"})
	}
	if len(title) > 500 {
		fields = append(fields, store.FieldError{Field: "title", Message: "title longer than 500 characters", Type: "length"})
	}
	if !store.ValidPriority(d.Priority) {
		fields = append(fields, store.FieldError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", d.Priority), Type: "enum"})
	}
	if len(fields) > 0 {
		return &store.ValidationError{Fields: fields}
	}
	return nil
}

func assignmentText(task *store.Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "New task %s\n%s\nPriority: %s", task.TaskID, task.Title, task.Priority)
	if task.AssigneeName != "" {
		fmt.Fprintf(&b, "\nAssignee: %s", task.AssigneeName)
	}
	if task.Deadline != nil {
		fmt.Fprintf(&b, "\nDeadline: %s", task.Deadline.Format("Mon 2 Jan 15:04"))
	}
	return b.String()
}

func ackText(task *store.Task) string {
	if task.AssigneeName != "" {
		return fmt.Sprintf("Created %s for %s.", task.TaskID, task.AssigneeName)
	}
	return fmt.Sprintf("Created %s (unassigned).", task.TaskID)
}
