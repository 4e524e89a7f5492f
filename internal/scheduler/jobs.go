package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/nextlevelbuilder/taskpilot/internal/adapters"
	"github.com/nextlevelbuilder/taskpilot/internal/store"
	"github.com/nextlevelbuilder/taskpilot/internal/tasks"
)

// TaskCreator is the slice of the task processor the recurring-expansion job
// needs.
type TaskCreator interface {
	Create(ctx context.Context, d tasks.Draft) (*tasks.CreateResult, error)
}

// Deps carries everything the standard job set reads and writes.
type Deps struct {
	Stores  *store.Stores
	Creator TaskCreator
	Loc     *time.Location

	// Clock overrides time for tests; nil means time.Now.
	Clock func() time.Time
}

func (d Deps) now() time.Time {
	if d.Clock != nil {
		return d.Clock().In(d.Loc)
	}
	return time.Now().In(d.Loc)
}

// BuildJobs returns the standard job table. The outbox drain is not here: the
// outbox worker runs its own 15 second poll loop.
func BuildJobs(d Deps) []Job {
	return []Job{
		{Name: "daily_standup", Expr: "0 9 * * *", Run: d.dailyStandup, NotifyBoss: true},
		{Name: "eod_reminder", Expr: "0 18 * * *", Run: d.eodReminder, NotifyBoss: true},
		{Name: "weekly_report", Expr: "0 9 * * 1", Run: d.weeklyReport, NotifyBoss: true},
		{Name: "monthly_report", Expr: "0 9 1 * *", Run: d.monthlyReport, NotifyBoss: true},
		{Name: "deadline_reminder", Expr: "*/15 * * * *", Run: d.deadlineReminder, NotifyBoss: true},
		{Name: "overdue_alert", Expr: "0 9,15 * * *", Run: d.overdueAlert, NotifyBoss: true},
		{Name: "recurring_expansion", Expr: "*/5 * * * *", Run: d.recurringExpansion, NotifyBoss: true},
		{Name: "archive_completed", Expr: "0 3 * * 0", Run: d.archiveCompleted, NotifyBoss: true},
		{Name: "housekeeping", Expr: "0 4 * * *", Run: d.housekeeping},
	}
}

// notifyBoss enqueues one boss message through the outbox. The key makes a
// rerun of the same job instance a no-op.
func (d Deps) notifyBoss(ctx context.Context, key, text string) error {
	payload, _ := json.Marshal(adapters.SendMessagePayload{Text: text})
	body, _ := json.Marshal(tasks.Envelope{Op: adapters.OpNotifyBoss, Body: payload})
	return d.Stores.Outbox.Enqueue(ctx, store.OutboxItem{
		TargetAdapter:  "telegram",
		Payload:        body,
		IdempotencyKey: key,
	})
}

func (d Deps) sendTo(ctx context.Context, key string, chatID int64, text string) error {
	payload, _ := json.Marshal(adapters.SendMessagePayload{ChatID: chatID, Text: text})
	body, _ := json.Marshal(tasks.Envelope{Op: adapters.OpSendMessage, Body: payload})
	return d.Stores.Outbox.Enqueue(ctx, store.OutboxItem{
		TargetAdapter:  "telegram",
		Payload:        body,
		IdempotencyKey: key,
	})
}

func isOpen(status string) bool {
	return status != store.StatusCompleted && status != store.StatusCancelled
}

// dailyStandup sends the boss a morning digest of open work grouped by
// assignee.
func (d Deps) dailyStandup(ctx context.Context) error {
	now := d.now()
	all, err := d.Stores.Tasks.ListTasks(ctx, store.TaskFilter{OrderBy: "deadline", Limit: 500})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	byAssignee := map[string][]store.Task{}
	for _, t := range all {
		if !isOpen(t.Status) {
			continue
		}
		name := t.AssigneeName
		if name == "" {
			name = "(unassigned)"
		}
		byAssignee[name] = append(byAssignee[name], t)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Standup %s\n", now.Format("Mon 2 Jan"))
	if len(byAssignee) == 0 {
		b.WriteString("No open tasks.")
	}
	names := make([]string, 0, len(byAssignee))
	for n := range byAssignee {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(&b, "\n%s:\n", n)
		for _, t := range byAssignee[n] {
			line := fmt.Sprintf("  %s %s [%s]", t.TaskID, t.Title, t.Status)
			if t.Deadline != nil {
				line += " due " + t.Deadline.In(d.Loc).Format("Mon 15:04")
			}
			b.WriteString(line + "\n")
		}
	}
	return d.notifyBoss(ctx, "standup:"+now.Format("2006-01-02"), b.String())
}

// eodReminder pings the boss about work due today that is not finished.
func (d Deps) eodReminder(ctx context.Context) error {
	now := d.now()
	endOfDay := time.Date(now.Year(), now.Month(), now.Day(), 23, 59, 59, 0, d.Loc)
	due, err := d.Stores.Tasks.ListDueSoon(ctx, now, endOfDay.Sub(now))
	if err != nil {
		return fmt.Errorf("list due soon: %w", err)
	}
	if len(due) == 0 {
		return nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "End of day: %d task(s) due today still open.\n", len(due))
	for _, t := range due {
		fmt.Fprintf(&b, "%s %s (%s, %s)\n", t.TaskID, t.Title, t.AssigneeName, t.Status)
	}
	return d.notifyBoss(ctx, "eod:"+now.Format("2006-01-02"), b.String())
}

// weeklyReport summarizes throughput for the last seven days.
func (d Deps) weeklyReport(ctx context.Context) error {
	now := d.now()
	return d.periodReport(ctx, "Weekly report", now.AddDate(0, 0, -7), now,
		"weekly:"+now.Format("2006-01-02"))
}

// monthlyReport summarizes the previous calendar month.
func (d Deps) monthlyReport(ctx context.Context) error {
	now := d.now()
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, d.Loc)
	return d.periodReport(ctx, "Monthly report", first.AddDate(0, -1, 0), first,
		"monthly:"+now.Format("2006-01"))
}

func (d Deps) periodReport(ctx context.Context, title string, from, to time.Time, key string) error {
	all, err := d.Stores.Tasks.ListTasks(ctx, store.TaskFilter{Limit: 1000})
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}

	var created, completed, open, overdue int
	perAssignee := map[string]int{}
	for _, t := range all {
		if !t.CreatedAt.Before(from) && t.CreatedAt.Before(to) {
			created++
		}
		switch {
		case t.Status == store.StatusCompleted:
			if !t.UpdatedAt.Before(from) && t.UpdatedAt.Before(to) {
				completed++
				perAssignee[t.AssigneeName]++
			}
		case t.Status == store.StatusOverdue:
			overdue++
		case isOpen(t.Status):
			open++
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s to %s\n", title, from.Format("2 Jan"), to.Format("2 Jan"))
	fmt.Fprintf(&b, "Created: %d\nCompleted: %d\nStill open: %d\nOverdue: %d\n", created, completed, open, overdue)
	if len(perAssignee) > 0 {
		b.WriteString("Completed by assignee:\n")
		names := make([]string, 0, len(perAssignee))
		for n := range perAssignee {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			label := n
			if label == "" {
				label = "(unassigned)"
			}
			fmt.Fprintf(&b, "  %s: %d\n", label, perAssignee[n])
		}
	}
	return d.notifyBoss(ctx, key, b.String())
}

// reminderBucket maps time-to-deadline to the coarsest matching ledger bucket.
func reminderBucket(left time.Duration) string {
	switch {
	case left <= 30*time.Minute:
		return store.ReminderBucket30M
	case left <= time.Hour:
		return store.ReminderBucket1H
	default:
		return store.ReminderBucket2H
	}
}

// deadlineReminder warns assignees about deadlines inside the two hour
// window. The reminder ledger keeps each (task, bucket) pair to one send.
func (d Deps) deadlineReminder(ctx context.Context) error {
	now := d.now()
	due, err := d.Stores.Tasks.ListDueSoon(ctx, now, 2*time.Hour)
	if err != nil {
		return fmt.Errorf("list due soon: %w", err)
	}
	for _, t := range due {
		if t.Deadline == nil {
			continue
		}
		bucket := reminderBucket(t.Deadline.Sub(now))
		sent, err := d.Stores.Reminders.WasSent(ctx, t.TaskID, bucket)
		if err != nil {
			return fmt.Errorf("reminder ledger: %w", err)
		}
		if sent {
			continue
		}
		text := fmt.Sprintf("Reminder: %s %q is due %s.", t.TaskID, t.Title, t.Deadline.In(d.Loc).Format("15:04"))
		key := fmt.Sprintf("reminder:%s:%s", t.TaskID, bucket)
		if chat, perr := strconv.ParseInt(t.AssigneeTransportID, 10, 64); perr == nil && chat != 0 {
			err = d.sendTo(ctx, key, chat, text)
		} else {
			err = d.notifyBoss(ctx, key, text)
		}
		if err != nil {
			return fmt.Errorf("enqueue reminder: %w", err)
		}
		// Ledger write comes after the enqueue: a replay after a failed write
		// is absorbed by the outbox idempotency key, while the reverse order
		// would suppress the reminder for good.
		if _, err := d.Stores.Reminders.MarkSent(ctx, t.TaskID, bucket); err != nil {
			return fmt.Errorf("reminder ledger: %w", err)
		}
	}
	return nil
}

// overdueAlert flips tasks past their deadline to overdue and sends the boss
// one summary. The overdue status is only ever set here.
func (d Deps) overdueAlert(ctx context.Context) error {
	now := d.now()
	late, err := d.Stores.Tasks.ListOverdue(ctx, now)
	if err != nil {
		return fmt.Errorf("list overdue: %w", err)
	}
	if len(late) == 0 {
		return nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%d task(s) overdue:\n", len(late))
	var flipped int
	for _, t := range late {
		fmt.Fprintf(&b, "%s %s (%s, due %s)\n",
			t.TaskID, t.Title, t.AssigneeName, t.Deadline.In(d.Loc).Format("Mon 2 Jan 15:04"))
		if t.Status == store.StatusOverdue {
			continue
		}
		audit := &store.AuditEvent{
			Timestamp:  now,
			EntityType: "task",
			EntityID:   t.TaskID,
			Actor:      "scheduler",
			Action:     "status_changed",
			Before:     []byte(fmt.Sprintf(`{"status":%q}`, t.Status)),
			After:      []byte(fmt.Sprintf(`{"status":%q}`, store.StatusOverdue)),
		}
		if err := d.Stores.Tasks.UpdateTask(ctx, t.TaskID, map[string]any{"status": store.StatusOverdue}, audit, nil); err != nil {
			slog.Error("mark overdue failed", "task_id", t.TaskID, "error", err)
			continue
		}
		flipped++
	}
	slog.Info("overdue sweep", "late", len(late), "flipped", flipped)
	return d.notifyBoss(ctx, "overdue:"+now.Format("2006-01-02T15"), b.String())
}

// recurringExpansion materializes due recurring templates into concrete tasks
// and advances their next-run cursor.
func (d Deps) recurringExpansion(ctx context.Context) error {
	now := d.now()
	templates, err := d.Stores.Recurring.ListDue(ctx, now)
	if err != nil {
		return fmt.Errorf("list due templates: %w", err)
	}
	for _, rt := range templates {
		_, err := d.Creator.Create(ctx, tasks.Draft{
			Title:        rt.Title,
			Description:  rt.Description,
			AssigneeName: rt.AssigneeName,
			Priority:     rt.Priority,
			Type:         "recurring",
			CreatedBy:    "scheduler",
		})
		if err != nil {
			return fmt.Errorf("expand template %s: %w", rt.ID, err)
		}
		next, err := NextRun(rt.CronExpr, now)
		if err != nil {
			return fmt.Errorf("next run for template %s: %w", rt.ID, err)
		}
		if err := d.Stores.Recurring.SetNextRun(ctx, rt.ID, next); err != nil {
			return fmt.Errorf("advance template %s: %w", rt.ID, err)
		}
		slog.Info("recurring task expanded", "template", rt.ID, "title", rt.Title, "next_run", next)
	}
	return nil
}

// archiveCompleted soft-archives completed tasks older than thirty days.
func (d Deps) archiveCompleted(ctx context.Context) error {
	cutoff := d.now().AddDate(0, 0, -30)
	n, err := d.Stores.Tasks.ArchiveCompletedBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("archive completed: %w", err)
	}
	if n > 0 {
		slog.Info("completed tasks archived", "count", n, "cutoff", cutoff)
	}
	return nil
}

// housekeeping drops expired dedup records and closes conversations idle past
// the dialog timeout.
func (d Deps) housekeeping(ctx context.Context) error {
	now := d.now()
	purged, err := d.Stores.Dedup.PurgeOlderThan(ctx, now.Add(-24*time.Hour))
	if err != nil {
		return fmt.Errorf("purge dedup: %w", err)
	}
	closed, err := d.Stores.Conversations.CloseIdleSince(ctx, now.Add(-2*time.Hour))
	if err != nil {
		return fmt.Errorf("close idle conversations: %w", err)
	}
	slog.Info("housekeeping finished", "dedup_purged", purged, "conversations_closed", closed)
	return nil
}
