package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// Changes is a partial update to an existing task. Nil pointer fields are
// left untouched.
type Changes struct {
	Title         *string
	Description   *string
	AssigneeName  *string
	Priority      *string
	Deadline      *time.Time
	ClearDeadline bool
	Progress      *int
	AddTags       []string
	RemoveTags    []string
}

func (c Changes) empty() bool {
	return c.Title == nil && c.Description == nil && c.AssigneeName == nil &&
		c.Priority == nil && c.Deadline == nil && !c.ClearDeadline &&
		c.Progress == nil && len(c.AddTags) == 0 && len(c.RemoveTags) == 0
}

// Modify applies a partial edit: re-resolves a changed assignee through the
// lookup tiers, validates the changed fields, persists with an audit record
// and mirrors the row to the tabular store.
func (p *Processor) Modify(ctx context.Context, taskID string, ch Changes, actor string) (*store.Task, error) {
	if ch.empty() {
		return nil, &store.ValidationError{Fields: []store.FieldError{
			{Field: "changes", Message: "nothing to change", Type: "required"},
		}}
	}

	task, err := p.tasks.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if task == nil {
		return nil, store.ErrNotFound
	}

	now := p.clock()
	updates := map[string]any{}
	var fields []store.FieldError

	if ch.Title != nil {
		title := strings.TrimSpace(*ch.Title)
		switch {
		case title == "":
			fields = append(fields, store.FieldError{Field: "title", Message: "title must not be empty", Type: "required"})
		case len(title) > 500:
			fields = append(fields, store.FieldError{Field: "title", Message: "title longer than 500 characters", Type: "length"})
		default:
			updates["title"] = title
			task.Title = title
		}
	}
	if ch.Description != nil {
		updates["description"] = *ch.Description
		task.Description = *ch.Description
	}
	if ch.Priority != nil {
		if !store.ValidPriority(*ch.Priority) {
			fields = append(fields, store.FieldError{Field: "priority", Message: fmt.Sprintf("unknown priority %q", *ch.Priority), Type: "enum"})
		} else {
			updates["priority"] = *ch.Priority
			task.Priority = *ch.Priority
		}
	}
	if ch.Progress != nil {
		if *ch.Progress < 0 || *ch.Progress > 100 {
			fields = append(fields, store.FieldError{Field: "progress", Message: "progress must be between 0 and 100", Type: "range"})
		} else {
			updates["progress"] = *ch.Progress
			task.Progress = *ch.Progress
		}
	}
	if ch.ClearDeadline {
		updates["deadline"] = nil
		task.Deadline = nil
	} else if ch.Deadline != nil {
		updates["deadline"] = *ch.Deadline
		task.Deadline = ch.Deadline
	}

	var tier string
	if ch.AssigneeName != nil {
		member, t, err := p.ResolveAssignee(ctx, *ch.AssigneeName)
		if err != nil {
			return nil, err
		}
		if member == nil {
			fields = append(fields, store.FieldError{Field: "assignee", Message: fmt.Sprintf("assignee %q not found in any directory", *ch.AssigneeName), Type: "lookup"})
		} else {
			tier = t
			updates["assignee_name"] = member.Name
			updates["assignee_transport_id"] = member.TransportID
			task.AssigneeName = member.Name
			task.AssigneeTransportID = member.TransportID
		}
	}

	if len(ch.AddTags) > 0 || len(ch.RemoveTags) > 0 {
		task.Tags = mergeTags(task.Tags, ch.AddTags, ch.RemoveTags)
		updates["tags"] = task.Tags
	}

	if len(fields) > 0 {
		return nil, &store.ValidationError{Fields: fields}
	}

	before, _ := json.Marshal(map[string]any{"task_id": taskID})
	after, _ := json.Marshal(updates)
	audit := &store.AuditEvent{
		Timestamp:  now,
		EntityType: "task",
		EntityID:   taskID,
		Actor:      actor,
		Action:     "modified",
		Before:     before,
		After:      after,
	}

	effects := []store.OutboxItem{}
	if p.directory != nil && p.directory.Enabled() {
		effects = append(effects, sheetUpsertEffect(task))
	}
	if err := p.tasks.UpdateTask(ctx, taskID, updates, audit, effects); err != nil {
		return nil, fmt.Errorf("persist modification: %w", err)
	}
	slog.Info("task modified", "task_id", taskID, "actor", actor, "fields", len(updates), "tier", tier)
	return task, nil
}

// mergeTags unions adds and removes subtractions, case-insensitively, while
// keeping the first-seen casing.
func mergeTags(current, add, remove []string) []string {
	drop := map[string]bool{}
	for _, t := range remove {
		drop[strings.ToLower(t)] = true
	}
	seen := map[string]bool{}
	var out []string
	for _, t := range append(append([]string{}, current...), add...) {
		lt := strings.ToLower(t)
		if drop[lt] || seen[lt] {
			continue
		}
		seen[lt] = true
		out = append(out, t)
	}
	return out
}

// Duplicate creates a fresh task copied from an existing one. The copy starts
// pending with zero progress and a new task id.
func (p *Processor) Duplicate(ctx context.Context, taskID, actor string) (*CreateResult, error) {
	src, err := p.tasks.GetTaskByID(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	if src == nil {
		return nil, store.ErrNotFound
	}
	return p.Create(ctx, Draft{
		Title:              "Copy of " + src.Title,
		Description:        src.Description,
		AssigneeName:       src.AssigneeName,
		Priority:           src.Priority,
		Type:               src.Type,
		Deadline:           src.Deadline,
		Tags:               src.Tags,
		AcceptanceCriteria: src.AcceptanceCriteria,
		EstimatedMinutes:   src.EstimatedMinutes,
		CreatedBy:          actor,
	})
}
