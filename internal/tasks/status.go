package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nextlevelbuilder/taskpilot/internal/adapters"
	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// ChangeStatus moves a task along the status graph on behalf of a user.
// Overdue is system-set only and rejected here; the storage layer enforces
// the transition graph itself under a row lock.
func (p *Processor) ChangeStatus(ctx context.Context, taskID, newStatus, actor string) (*store.Task, error) {
	if !store.ValidStatus(newStatus) {
		return nil, store.NewValidationError("status", fmt.Sprintf("unknown status %q", newStatus), "enum")
	}
	if newStatus == store.StatusOverdue {
		return nil, store.NewValidationError("status", "overdue is set by the system, not by users", "forbidden")
	}

	task, err := p.tasks.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, store.ErrNotFound
	}

	now := p.clock()
	updates := map[string]any{"status": newStatus}
	if newStatus == store.StatusCompleted {
		updates["progress"] = 100
	} else if task.Status == store.StatusCompleted && task.Progress == 100 {
		// Undoing a completed task: full progress must not survive on a
		// non-terminal status.
		updates["progress"] = 0
	}

	audit := p.statusAudit(task, newStatus, actor, now)
	mirrored := *task
	mirrored.Status = newStatus
	if progress, ok := updates["progress"].(int); ok {
		mirrored.Progress = progress
	}
	var effects []store.OutboxItem
	if p.directory != nil && p.directory.Enabled() {
		effects = append(effects, sheetUpsertEffect(&mirrored))
	}
	if p.eventFeed {
		effects = append(effects, taskEventEffect("task.status_changed", &mirrored))
	}

	if err := p.tasks.UpdateTask(ctx, taskID, updates, audit, effects); err != nil {
		return nil, err
	}
	return p.tasks.GetTaskByID(ctx, taskID)
}

// SubmitForValidation is the worker-side "done" path: the task moves to
// awaiting_validation and the submission (proof refs, notes) is stored on the
// conversation side; the boss is notified through the outbox.
func (p *Processor) SubmitForValidation(ctx context.Context, taskID, actor, notes string) error {
	task, err := p.tasks.GetTaskByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return store.ErrNotFound
	}

	now := p.clock()
	audit := p.statusAudit(task, store.StatusAwaitingValidation, actor, now)

	text := fmt.Sprintf("%s submitted %s for validation.\n%s\nReply: approve %s / reject %s <reason>",
		actor, taskID, task.Title, taskID, taskID)
	if notes != "" {
		text += "\nNotes: " + notes
	}
	payload, _ := json.Marshal(adapters.SendMessagePayload{Text: text})
	effects := []store.OutboxItem{{
		TargetAdapter:  "telegram",
		Payload:        wrapOp(adapters.OpNotifyBoss, payload),
		IdempotencyKey: "validation-request:" + taskID,
	}}
	if p.directory != nil && p.directory.Enabled() {
		mirrored := *task
		mirrored.Status = store.StatusAwaitingValidation
		effects = append(effects, sheetUpsertEffect(&mirrored))
	}

	return p.tasks.UpdateTask(ctx, taskID, map[string]any{"status": store.StatusAwaitingValidation}, audit, effects)
}

// Approve completes a task awaiting validation and notifies the submitter.
func (p *Processor) Approve(ctx context.Context, taskID, actor string) (*store.Task, error) {
	task, err := p.tasks.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, store.ErrNotFound
	}
	if task.Status != store.StatusAwaitingValidation {
		return nil, store.NewValidationError("status",
			fmt.Sprintf("task is %s, only awaiting_validation tasks can be approved", task.Status), "state")
	}

	now := p.clock()
	audit := &store.AuditEvent{
		Timestamp: now, EntityType: "task", EntityID: taskID,
		Actor: actor, Action: "approved",
		Before: statusJSON(task.Status), After: statusJSON(store.StatusCompleted),
	}

	effects := p.submitterNotice(task, "approved", fmt.Sprintf("%s approved. Nice work!", taskID))
	if p.directory != nil && p.directory.Enabled() {
		mirrored := *task
		mirrored.Status = store.StatusCompleted
		mirrored.Progress = 100
		effects = append(effects, sheetUpsertEffect(&mirrored))
	}

	updates := map[string]any{"status": store.StatusCompleted, "progress": 100}
	if err := p.tasks.UpdateTask(ctx, taskID, updates, audit, effects); err != nil {
		return nil, err
	}
	return p.tasks.GetTaskByID(ctx, taskID)
}

// Reject sends a task back for revision. A reason is mandatory; a rejection
// the submitter cannot act on is useless.
func (p *Processor) Reject(ctx context.Context, taskID, actor, reason string) (*store.Task, error) {
	if strings.TrimSpace(reason) == "" {
		return nil, store.NewValidationError("reason", "rejection requires a reason", "required")
	}

	task, err := p.tasks.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, store.ErrNotFound
	}
	if task.Status != store.StatusAwaitingValidation {
		return nil, store.NewValidationError("status",
			fmt.Sprintf("task is %s, only awaiting_validation tasks can be rejected", task.Status), "state")
	}

	now := p.clock()
	after, _ := json.Marshal(map[string]string{"status": store.StatusNeedsRevision, "reason": reason})
	audit := &store.AuditEvent{
		Timestamp: now, EntityType: "task", EntityID: taskID,
		Actor: actor, Action: "rejected",
		Before: statusJSON(task.Status), After: after,
	}

	effects := p.submitterNotice(task, "rejected", fmt.Sprintf("%s was rejected: %s", taskID, reason))
	if p.directory != nil && p.directory.Enabled() {
		mirrored := *task
		mirrored.Status = store.StatusNeedsRevision
		effects = append(effects, sheetUpsertEffect(&mirrored))
	}

	if err := p.tasks.UpdateTask(ctx, taskID, map[string]any{"status": store.StatusNeedsRevision}, audit, effects); err != nil {
		return nil, err
	}
	return p.tasks.GetTaskByID(ctx, taskID)
}

// Delay pushes the deadline and marks the task delayed.
func (p *Processor) Delay(ctx context.Context, taskID string, until time.Time, actor string) error {
	task, err := p.tasks.GetTaskByID(ctx, taskID)
	if err != nil {
		return err
	}
	if task == nil {
		return store.ErrNotFound
	}

	audit := p.statusAudit(task, store.StatusDelayed, actor, p.clock())
	updates := map[string]any{"status": store.StatusDelayed, "deadline": until}
	return p.tasks.UpdateTask(ctx, taskID, updates, audit, nil)
}

// submitterNotice builds a telegram notification to the task's assignee, or
// nothing when the assignee has no transport id.
func (p *Processor) submitterNotice(task *store.Task, kind, text string) []store.OutboxItem {
	if task.AssigneeTransportID == "" {
		return nil
	}
	chatID, err := parseChatID(task.AssigneeTransportID)
	if err != nil {
		return nil
	}
	payload, _ := json.Marshal(adapters.SendMessagePayload{ChatID: chatID, Text: text})
	return []store.OutboxItem{{
		TargetAdapter:  "telegram",
		Payload:        wrapOp(adapters.OpSendMessage, payload),
		IdempotencyKey: fmt.Sprintf("notice:%s:%s", task.TaskID, kind),
	}}
}

func (p *Processor) statusAudit(task *store.Task, newStatus, actor string, now time.Time) *store.AuditEvent {
	return &store.AuditEvent{
		Timestamp:  now,
		EntityType: "task",
		EntityID:   task.TaskID,
		Actor:      actor,
		Action:     "status_changed",
		Before:     statusJSON(task.Status),
		After:      statusJSON(newStatus),
	}
}

func statusJSON(status string) []byte {
	b, _ := json.Marshal(map[string]string{"status": status})
	return b
}

func parseChatID(s string) (int64, error) {
	var id int64
	_, err := fmt.Sscanf(s, "%d", &id)
	return id, err
}
