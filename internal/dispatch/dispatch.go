// Package dispatch routes one decoded inbound message to exactly one handler
// branch: slash command, pending dangerous-action confirmation, open
// conversation, or a freshly classified intent.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/taskpilot/internal/bus"
	"github.com/nextlevelbuilder/taskpilot/internal/dialog"
	"github.com/nextlevelbuilder/taskpilot/internal/intent"
	"github.com/nextlevelbuilder/taskpilot/internal/sessions"
	"github.com/nextlevelbuilder/taskpilot/internal/store"
	"github.com/nextlevelbuilder/taskpilot/internal/tasks"
)

// Classifier is the intent-classification slice the dispatcher consumes.
type Classifier interface {
	Classify(ctx context.Context, msg, contextSnapshot string) intent.Result
}

// Dialog is the conversation-engine slice the dispatcher consumes.
type Dialog interface {
	StartCreate(ctx context.Context, in bus.Inbound, res intent.Result) (string, error)
	Preempt(ctx context.Context, in bus.Inbound, text string, urgent bool) (string, error)
	Continue(ctx context.Context, in bus.Inbound, conv *store.Conversation) (string, error)
	StartSubmission(ctx context.Context, in bus.Inbound, taskID string) (string, error)
	TeachPreference(ctx context.Context, userID, key, value string) error
}

// Service is the task write path the dispatcher consumes.
type Service interface {
	ChangeStatus(ctx context.Context, taskID, newStatus, actor string) (*store.Task, error)
	Approve(ctx context.Context, taskID, actor string) (*store.Task, error)
	Reject(ctx context.Context, taskID, actor, reason string) (*store.Task, error)
	Delay(ctx context.Context, taskID string, until time.Time, actor string) error
	Modify(ctx context.Context, taskID string, ch tasks.Changes, actor string) (*store.Task, error)
	Duplicate(ctx context.Context, taskID, actor string) (*tasks.CreateResult, error)
}

// Dispatcher owns the branch-selection rules and the slash-command table.
type Dispatcher struct {
	convs      store.ConversationStore
	reads      store.TaskStore
	team       store.TeamStore
	sess       *sessions.Store
	engine     Dialog
	classifier Classifier
	svc        Service
	timesheet  store.TimesheetStore // nil disables time tracking
	bossUserID string
	loc        *time.Location
	clock      func() time.Time
}

type Option func(*Dispatcher)

func WithClock(fn func() time.Time) Option {
	return func(d *Dispatcher) { d.clock = fn }
}

// WithTimesheet enables the /clockin, /clockout and /timesheet commands.
func WithTimesheet(ts store.TimesheetStore) Option {
	return func(d *Dispatcher) { d.timesheet = ts }
}

func New(convs store.ConversationStore, reads store.TaskStore, team store.TeamStore,
	sess *sessions.Store, engine Dialog, classifier Classifier, svc Service,
	bossUserID string, loc *time.Location, opts ...Option) *Dispatcher {
	if loc == nil {
		loc = time.UTC
	}
	d := &Dispatcher{
		convs:      convs,
		reads:      reads,
		team:       team,
		sess:       sess,
		engine:     engine,
		classifier: classifier,
		svc:        svc,
		bossUserID: bossUserID,
		loc:        loc,
		clock:      time.Now,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// approvalTTL is how long a staged confirmation stays actionable. The session
// entry is retained longer so a late "yes" gets an explicit expiry notice
// instead of falling through to the intent classifier.
const (
	approvalTTL       = 5 * time.Minute
	approvalRetention = 30 * time.Minute
)

// pendingAction is a staged confirmation: either a dangerous bulk operation
// or a mid-confidence intent waiting for "yes".
type pendingAction struct {
	Kind     string            `json:"kind"` // dangerous | confirm_intent
	Intent   string            `json:"intent"`
	Fields   map[string]string `json:"fields,omitempty"`
	StagedAt time.Time         `json:"staged_at"`
}

var yesNoTokens = map[string]bool{
	"yes": true, "y": true, "yep": true, "yeah": true, "ok": true, "confirm": true,
	"no": true, "n": true, "nope": true, "cancel": true,
}

func isYes(text string) bool {
	switch strings.ToLower(strings.TrimSpace(text)) {
	case "yes", "y", "yep", "yeah", "ok", "confirm":
		return true
	}
	return false
}

// Dispatch selects and runs exactly one branch for the message, returning the
// reply text to send back to the user.
func (d *Dispatcher) Dispatch(ctx context.Context, in bus.Inbound) (string, error) {
	branch, reply, err := d.dispatch(ctx, in)
	slog.Info("message dispatched", "user", in.UserID, "branch", branch, "update", in.UpdateID)
	if err != nil {
		var verr *store.ValidationError
		if errors.As(err, &verr) {
			return renderValidation(verr), nil
		}
		if errors.Is(err, store.ErrNotFound) {
			return "I can't find that task.", nil
		}
		return "", err
	}
	return reply, nil
}

func (d *Dispatcher) dispatch(ctx context.Context, in bus.Inbound) (branch, reply string, err error) {
	text := strings.TrimSpace(in.Text)

	if strings.HasPrefix(text, "/") {
		reply, err = d.handleSlash(ctx, in, text)
		return "slash", reply, err
	}

	if yesNoTokens[strings.ToLower(text)] {
		switch p, expired := d.pending(ctx, in.UserID); {
		case p != nil:
			reply, err = d.handleConfirmation(ctx, in, p, isYes(text))
			return "confirmation", reply, err
		case expired:
			return "confirmation", "That approval expired, nothing was done. Ask again if you still want it.", nil
		}
	}

	conv, err := d.convs.GetOpen(ctx, in.UserID)
	if err != nil {
		return "conversation", "", err
	}
	if conv != nil {
		reply, err = d.engine.Continue(ctx, in, conv)
		return "conversation", reply, err
	}

	res := d.classifier.Classify(ctx, text, d.snapshot(ctx, in.UserID))
	reply, err = d.routeIntent(ctx, in, res)
	return "intent", reply, err
}

func (d *Dispatcher) isBoss(userID string) bool { return userID == d.bossUserID }

// pending returns the actionable staged confirmation, or (nil, true) when one
// was staged but its approval window has passed.
func (d *Dispatcher) pending(ctx context.Context, userID string) (*pendingAction, bool) {
	raw, err := d.sess.Get(ctx, sessions.NSAction, userID)
	if err != nil || raw == nil {
		return nil, false
	}
	var p pendingAction
	if json.Unmarshal(raw, &p) != nil {
		return nil, false
	}
	if !p.StagedAt.IsZero() && d.clock().Sub(p.StagedAt) > approvalTTL {
		_ = d.sess.Clear(ctx, sessions.NSAction, userID)
		return nil, true
	}
	return &p, false
}

func (d *Dispatcher) stage(ctx context.Context, userID string, p pendingAction) error {
	p.StagedAt = d.clock()
	raw, _ := json.Marshal(p)
	return d.sess.Set(ctx, sessions.NSAction, userID, raw, approvalRetention)
}

// snapshot gives the classifier a one-line hint about recent context.
func (d *Dispatcher) snapshot(ctx context.Context, userID string) string {
	raw, err := d.sess.Get(ctx, sessions.NSRecent, userID)
	if err != nil || raw == nil {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) != nil {
		return ""
	}
	return s
}

// ---- slash commands ----

func (d *Dispatcher) handleSlash(ctx context.Context, in bus.Inbound, text string) (string, error) {
	cmd, rest := splitCommand(text)

	// Preempting commands manage the open conversation themselves.
	switch cmd {
	case "/task":
		return d.engine.Preempt(ctx, in, rest, false)
	case "/urgent":
		return d.engine.Preempt(ctx, in, rest, true)
	}

	// Everything else cancels an open conversation before running.
	closed, err := d.closeOpen(ctx, in.UserID)
	if err != nil {
		return "", err
	}

	switch cmd {
	case "/cancel":
		if closed {
			return "Cancelled.", nil
		}
		return "Nothing to cancel.", nil
	case "/start", "/help":
		return helpText, nil
	case "/tasks":
		return d.listOpen(ctx)
	case "/overdue":
		return d.listOverdue(ctx)
	case "/status":
		if rest == "" {
			return "Usage: /status TASK-YYYYMMDD-NNN", nil
		}
		return d.taskDetail(ctx, strings.ToUpper(rest))
	case "/done":
		if rest == "" {
			return "Usage: /done TASK-YYYYMMDD-NNN", nil
		}
		return d.engine.StartSubmission(ctx, in, strings.ToUpper(rest))
	case "/approve":
		if !d.isBoss(in.UserID) {
			return "Only the boss can approve tasks.", nil
		}
		if rest == "" {
			return "Usage: /approve TASK-YYYYMMDD-NNN", nil
		}
		task, err := d.svc.Approve(ctx, strings.ToUpper(rest), in.UserID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Approved %s.", task.TaskID), nil
	case "/reject":
		if !d.isBoss(in.UserID) {
			return "Only the boss can reject tasks.", nil
		}
		id, reason := splitCommand(rest)
		if id == "" || reason == "" {
			return "Usage: /reject TASK-YYYYMMDD-NNN <reason>", nil
		}
		task, err := d.svc.Reject(ctx, strings.ToUpper(id), in.UserID, reason)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Rejected %s, sent back for revision.", task.TaskID), nil
	case "/teach":
		key, value := splitCommand(rest)
		if key == "" || value == "" {
			return "Usage: /teach default_assignee Minh", nil
		}
		if err := d.engine.TeachPreference(ctx, in.UserID, key, value); err != nil {
			return "", err
		}
		return fmt.Sprintf("Got it, %s is now %q.", key, value), nil
	case "/clockin":
		return d.clockIn(ctx, in, strings.ToUpper(rest))
	case "/clockout":
		return d.clockOut(ctx, in)
	case "/timesheet":
		return d.timesheetReport(ctx, in)
	default:
		return "Unknown command. Try /help.", nil
	}
}

// ---- time tracking ----

func (d *Dispatcher) clockIn(ctx context.Context, in bus.Inbound, taskID string) (string, error) {
	if d.timesheet == nil {
		return "Time tracking is not enabled.", nil
	}
	if taskID == "" {
		return "Usage: /clockin TASK-YYYYMMDD-NNN", nil
	}
	if prev := d.openEntry(ctx, in.UserID); prev != nil {
		return fmt.Sprintf("You are already clocked in on %s. /clockout first.", prev.TaskID), nil
	}
	task, err := d.reads.GetTaskByID(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task == nil {
		return "", store.ErrNotFound
	}

	now := d.clock()
	entry, err := d.timesheet.StartEntry(ctx, in.UserID, task.TaskID, now)
	if err != nil {
		return "", fmt.Errorf("start time entry: %w", err)
	}
	if err := d.timesheet.RecordAttendance(ctx, &store.AttendanceRecord{
		Date:    now.In(d.loc),
		UserID:  in.UserID,
		CheckIn: &now,
	}); err != nil {
		slog.Warn("attendance check-in failed", "user", in.UserID, "error", err)
	}

	raw, _ := json.Marshal(openEntry{EntryID: entry.ID, TaskID: task.TaskID})
	if err := d.sess.Set(ctx, sessions.NSClock, in.UserID, raw, sessions.DefaultTTL(sessions.NSClock)); err != nil {
		return "", fmt.Errorf("remember open entry: %w", err)
	}
	return fmt.Sprintf("Clocked in on %s at %s.", task.TaskID, now.In(d.loc).Format("15:04")), nil
}

func (d *Dispatcher) clockOut(ctx context.Context, in bus.Inbound) (string, error) {
	if d.timesheet == nil {
		return "Time tracking is not enabled.", nil
	}
	open := d.openEntry(ctx, in.UserID)
	if open == nil {
		return "You are not clocked in.", nil
	}

	now := d.clock()
	if err := d.timesheet.StopEntry(ctx, open.EntryID, now); err != nil && !errors.Is(err, store.ErrNotFound) {
		return "", fmt.Errorf("stop time entry: %w", err)
	}
	if err := d.timesheet.RecordAttendance(ctx, &store.AttendanceRecord{
		Date:     now.In(d.loc),
		UserID:   in.UserID,
		CheckOut: &now,
	}); err != nil {
		slog.Warn("attendance check-out failed", "user", in.UserID, "error", err)
	}
	d.sess.Clear(ctx, sessions.NSClock, in.UserID)
	return fmt.Sprintf("Clocked out of %s at %s.", open.TaskID, now.In(d.loc).Format("15:04")), nil
}

func (d *Dispatcher) timesheetReport(ctx context.Context, in bus.Inbound) (string, error) {
	if d.timesheet == nil {
		return "Time tracking is not enabled.", nil
	}
	now := d.clock().In(d.loc)
	// Week starts Monday.
	back := (int(now.Weekday()) + 6) % 7
	from := time.Date(now.Year(), now.Month(), now.Day()-back, 0, 0, 0, 0, d.loc)

	rows, err := d.timesheet.UserTimesheet(ctx, in.UserID, from, now)
	if err != nil {
		return "", fmt.Errorf("timesheet query: %w", err)
	}
	if len(rows) == 0 {
		return "No time tracked this week.", nil
	}

	var b strings.Builder
	total := 0
	fmt.Fprintf(&b, "Timesheet since %s:\n", from.Format("Jan 2"))
	for _, r := range rows {
		mins := r.Entry.Minutes
		total += mins
		title := r.TaskTitle
		if title == "" {
			title = r.TaskID
		}
		fmt.Fprintf(&b, "- %s %s: %dm\n", r.TaskID, title, mins)
	}
	fmt.Fprintf(&b, "Total: %dh%02dm", total/60, total%60)
	return b.String(), nil
}

// openEntry is the session record for an unfinished time entry.
type openEntry struct {
	EntryID uuid.UUID `json:"entry_id"`
	TaskID  string    `json:"task_id"`
}

func (d *Dispatcher) openEntry(ctx context.Context, userID string) *openEntry {
	raw, err := d.sess.Get(ctx, sessions.NSClock, userID)
	if err != nil || raw == nil {
		return nil
	}
	var e openEntry
	if json.Unmarshal(raw, &e) != nil {
		return nil
	}
	return &e
}

func splitCommand(text string) (head, rest string) {
	parts := strings.SplitN(strings.TrimSpace(text), " ", 2)
	head = parts[0]
	if len(parts) > 1 {
		rest = strings.TrimSpace(parts[1])
	}
	return head, rest
}

func (d *Dispatcher) closeOpen(ctx context.Context, userID string) (bool, error) {
	conv, err := d.convs.GetOpen(ctx, userID)
	if err != nil {
		return false, err
	}
	if conv == nil {
		return false, nil
	}
	return true, d.convs.Close(ctx, conv.ID)
}

// ---- confirmation branch ----

func (d *Dispatcher) handleConfirmation(ctx context.Context, in bus.Inbound, p *pendingAction, yes bool) (string, error) {
	_ = d.sess.Clear(ctx, sessions.NSAction, in.UserID)
	if !yes {
		return "Okay, not doing that.", nil
	}

	switch p.Kind {
	case "dangerous":
		return d.runDangerous(ctx, in, p.Intent)
	case "confirm_intent":
		return d.execute(ctx, in, intent.Result{Intent: p.Intent, Confidence: 1, Fields: p.Fields})
	default:
		return "That confirmation expired, please repeat the request.", nil
	}
}

func (d *Dispatcher) runDangerous(ctx context.Context, in bus.Inbound, action string) (string, error) {
	switch action {
	case intent.ClearTasks:
		cleared, err := d.reads.SoftDeleteOpenTasks(ctx, in.UserID, tasks.ThreadCleanupEffect)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Cleared %d open task(s).", len(cleared)), nil
	case intent.ArchiveTasks:
		n, err := d.reads.ArchiveCompletedBefore(ctx, d.clock().AddDate(0, 0, -30))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Archived %d completed task(s).", n), nil
	case intent.BulkComplete:
		waiting, err := d.reads.ListTasks(ctx, store.TaskFilter{Status: store.StatusAwaitingValidation, Limit: 100})
		if err != nil {
			return "", err
		}
		var done int
		for _, t := range waiting {
			if _, err := d.svc.Approve(ctx, t.TaskID, in.UserID); err != nil {
				slog.Error("bulk approve failed", "task_id", t.TaskID, "error", err)
				continue
			}
			done++
		}
		return fmt.Sprintf("Approved %d of %d waiting task(s).", done, len(waiting)), nil
	default:
		return "That confirmation expired, please repeat the request.", nil
	}
}

// ---- intent branch ----

func (d *Dispatcher) routeIntent(ctx context.Context, in bus.Inbound, res intent.Result) (string, error) {
	switch intent.Route(res.Confidence) {
	case intent.RouteExecute:
		return d.execute(ctx, in, res)
	case intent.RouteConfirm:
		if err := d.stage(ctx, in.UserID, pendingAction{
			Kind: "confirm_intent", Intent: res.Intent, Fields: res.Fields,
		}); err != nil {
			return "", err
		}
		return fmt.Sprintf("Did you mean %s? (yes/no)", describeIntent(res.Intent)), nil
	default:
		return "I didn't quite get that. You can describe a task, ask about one by id, or use /help.", nil
	}
}

var dangerousIntents = map[string]bool{
	intent.ClearTasks: true, intent.ArchiveTasks: true, intent.BulkComplete: true,
}

func (d *Dispatcher) execute(ctx context.Context, in bus.Inbound, res intent.Result) (string, error) {
	if dangerousIntents[res.Intent] {
		if !d.isBoss(in.UserID) {
			return "Only the boss can do that.", nil
		}
		if err := d.stage(ctx, in.UserID, pendingAction{Kind: "dangerous", Intent: res.Intent}); err != nil {
			return "", err
		}
		return fmt.Sprintf("This will %s. Are you sure? (yes/no)", describeIntent(res.Intent)), nil
	}

	taskID := strings.ToUpper(res.Fields["task_id"])

	switch res.Intent {
	case intent.CreateTask:
		return d.engine.StartCreate(ctx, in, res)

	case intent.TaskDone, intent.SubmitProof:
		if taskID == "" {
			return "Which task is done? Give me the id, e.g. TASK-20260115-001.", nil
		}
		return d.engine.StartSubmission(ctx, in, taskID)

	case intent.CheckStatus:
		if taskID != "" {
			return d.taskDetail(ctx, taskID)
		}
		return d.listOpen(ctx)

	case intent.CheckOverdue:
		return d.listOverdue(ctx)

	case intent.SearchTasks:
		query := res.Fields["query"]
		if query == "" {
			query = in.Text
		}
		found, err := d.reads.SearchTasks(ctx, query, store.TaskFilter{Limit: 10})
		if err != nil {
			return "", err
		}
		if len(found) == 0 {
			return "No tasks match that.", nil
		}
		return summarize("Found:", found, d.loc), nil

	case intent.ChangeStatus:
		status := res.Fields["status"]
		if taskID == "" || !store.ValidStatus(status) {
			return "Tell me the task id and the new status.", nil
		}
		task, err := d.svc.ChangeStatus(ctx, taskID, status, in.UserID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s is now %s.", task.TaskID, task.Status), nil

	case intent.CancelTask:
		if taskID == "" {
			return "Which task should I cancel?", nil
		}
		task, err := d.svc.ChangeStatus(ctx, taskID, store.StatusCancelled, in.UserID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s cancelled.", task.TaskID), nil

	case intent.ChangePriority:
		p := res.Fields["priority"]
		if taskID == "" || !store.ValidPriority(p) {
			return "Tell me the task id and the priority (urgent/high/medium/low).", nil
		}
		return d.modify(ctx, taskID, tasks.Changes{Priority: &p}, in.UserID)

	case intent.ChangeDeadline, intent.DelayTask:
		when, ok := parseRFC3339(res.Fields["deadline"])
		if taskID == "" || !ok {
			return "Tell me the task id and the new deadline.", nil
		}
		if res.Intent == intent.DelayTask {
			if err := d.svc.Delay(ctx, taskID, when, in.UserID); err != nil {
				return "", err
			}
			return fmt.Sprintf("%s delayed to %s.", taskID, when.In(d.loc).Format("Mon 2 Jan 15:04")), nil
		}
		return d.modify(ctx, taskID, tasks.Changes{Deadline: &when}, in.UserID)

	case intent.ReassignTask:
		who := res.Fields["assignee"]
		if taskID == "" || who == "" {
			return "Tell me the task id and who it goes to.", nil
		}
		return d.modify(ctx, taskID, tasks.Changes{AssigneeName: &who}, in.UserID)

	case intent.ModifyTask:
		return d.modifyFromFields(ctx, taskID, res.Fields, in.UserID)

	case intent.AddTags, intent.RemoveTags:
		tagList := splitList(res.Fields["tags"])
		if taskID == "" || len(tagList) == 0 {
			return "Tell me the task id and the tags.", nil
		}
		ch := tasks.Changes{AddTags: tagList}
		if res.Intent == intent.RemoveTags {
			ch = tasks.Changes{RemoveTags: tagList}
		}
		return d.modify(ctx, taskID, ch, in.UserID)

	case intent.AddSubtask:
		title := res.Fields["subtask"]
		if title == "" {
			title = res.Fields["title"]
		}
		if taskID == "" || title == "" {
			return "Tell me the task id and the subtask title.", nil
		}
		if _, err := d.reads.AddSubtask(ctx, taskID, title); err != nil {
			return "", err
		}
		return fmt.Sprintf("Subtask added to %s.", taskID), nil

	case intent.CompleteSubtask:
		order, ok := firstNumber(res.Fields["order"], taskIDPattern.ReplaceAllString(in.Text, ""))
		if taskID == "" || !ok {
			return "Tell me the task id and which subtask number is done.", nil
		}
		task, err := d.reads.CompleteSubtask(ctx, taskID, order)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Subtask %d of %s done, progress now %d%%.", order, task.TaskID, task.Progress), nil

	case intent.AddDependency, intent.RemoveDependency:
		ids := splitList(res.Fields["task_ids"])
		if len(ids) < 2 {
			return "Give me both task ids, e.g. TASK-...-002 depends on TASK-...-001.", nil
		}
		a, b := strings.ToUpper(ids[0]), strings.ToUpper(ids[1])
		if res.Intent == intent.AddDependency {
			if err := d.reads.AddDependency(ctx, a, b); err != nil {
				return "", err
			}
			return fmt.Sprintf("%s now depends on %s.", a, b), nil
		}
		if err := d.reads.RemoveDependency(ctx, a, b); err != nil {
			return "", err
		}
		return fmt.Sprintf("%s no longer depends on %s.", a, b), nil

	case intent.DuplicateTask:
		if taskID == "" {
			return "Which task should I duplicate?", nil
		}
		created, err := d.svc.Duplicate(ctx, taskID, in.UserID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Duplicated as %s.", created.Task.TaskID), nil

	case intent.SplitTask:
		return d.splitTask(ctx, in, taskID)

	case intent.ApproveTask:
		if !d.isBoss(in.UserID) {
			return "Only the boss can approve tasks.", nil
		}
		if taskID == "" {
			return "Which task do you approve?", nil
		}
		task, err := d.svc.Approve(ctx, taskID, in.UserID)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Approved %s.", task.TaskID), nil

	case intent.RejectTask:
		if !d.isBoss(in.UserID) {
			return "Only the boss can reject tasks.", nil
		}
		reason := res.Fields["reason"]
		if taskID == "" || reason == "" {
			return "Rejections need a reason: /reject TASK-... <reason>.", nil
		}
		task, err := d.svc.Reject(ctx, taskID, in.UserID, reason)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Rejected %s, sent back for revision.", task.TaskID), nil

	case intent.AddTeamMember:
		if !d.isBoss(in.UserID) {
			return "Only the boss can add team members.", nil
		}
		name, role := res.Fields["name"], res.Fields["role"]
		if name == "" {
			return "Who should I add? Give me a name and a role.", nil
		}
		m := &store.TeamMember{Name: name, Role: role, Active: true}
		if err := d.team.CreateMember(ctx, m); err != nil {
			return "", err
		}
		return fmt.Sprintf("Added %s (%s) to the team.", name, role), nil

	case intent.AskTeamMember:
		name := res.Fields["name"]
		if name == "" {
			name = res.Fields["assignee"]
		}
		if name == "" {
			return "Who do you want to know about?", nil
		}
		m, err := d.team.GetByName(ctx, name)
		if err != nil {
			return "", err
		}
		if m == nil {
			return fmt.Sprintf("I don't know %s.", name), nil
		}
		open, err := d.reads.ListTasks(ctx, store.TaskFilter{Assignee: m.Name, Limit: 50})
		if err != nil {
			return "", err
		}
		var active int
		for _, t := range open {
			if t.Status != store.StatusCompleted && t.Status != store.StatusCancelled {
				active++
			}
		}
		return fmt.Sprintf("%s, %s, %d open task(s).", m.Name, m.Role, active), nil

	case intent.TeachPreference:
		key, value := res.Fields["key"], res.Fields["value"]
		if key == "" || value == "" {
			return "Teach me like this: /teach default_assignee Minh", nil
		}
		if err := d.engine.TeachPreference(ctx, in.UserID, key, value); err != nil {
			return "", err
		}
		return fmt.Sprintf("Got it, %s is now %q.", key, value), nil

	case intent.Help:
		return helpText, nil

	case intent.Greeting:
		return "Hey! Describe a task and I'll set it up, or /help for the full list.", nil

	default:
		return "I didn't quite get that. You can describe a task, ask about one by id, or use /help.", nil
	}
}

// splitTask turns numbered fragments in the message into subtasks.
func (d *Dispatcher) splitTask(ctx context.Context, in bus.Inbound, taskID string) (string, error) {
	if taskID == "" {
		return "Which task should I split?", nil
	}
	_, fragments := dialog.SplitBatch(in.Text)
	if len(fragments) < 2 {
		return "List the parts, e.g. \"split TASK-... into 1. backend 2. frontend\".", nil
	}
	for _, f := range fragments {
		if _, err := d.reads.AddSubtask(ctx, taskID, f); err != nil {
			return "", err
		}
	}
	return fmt.Sprintf("Split %s into %d subtask(s).", taskID, len(fragments)), nil
}

func (d *Dispatcher) modify(ctx context.Context, taskID string, ch tasks.Changes, actor string) (string, error) {
	task, err := d.svc.Modify(ctx, taskID, ch, actor)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Updated %s.", task.TaskID), nil
}

func (d *Dispatcher) modifyFromFields(ctx context.Context, taskID string, fields map[string]string, actor string) (string, error) {
	if taskID == "" {
		return "Which task should I change?", nil
	}
	var ch tasks.Changes
	if v := fields["title"]; v != "" {
		ch.Title = &v
	}
	if v := fields["description"]; v != "" {
		ch.Description = &v
	}
	if v := fields["priority"]; store.ValidPriority(v) {
		ch.Priority = &v
	}
	if v := fields["assignee"]; v != "" {
		ch.AssigneeName = &v
	}
	if when, ok := parseRFC3339(fields["deadline"]); ok {
		ch.Deadline = &when
	}
	return d.modify(ctx, taskID, ch, actor)
}

// ---- read-side rendering ----

func (d *Dispatcher) listOpen(ctx context.Context) (string, error) {
	all, err := d.reads.ListTasks(ctx, store.TaskFilter{OrderBy: "deadline", Limit: 50})
	if err != nil {
		return "", err
	}
	var open []store.Task
	for _, t := range all {
		if t.Status != store.StatusCompleted && t.Status != store.StatusCancelled {
			open = append(open, t)
		}
	}
	if len(open) == 0 {
		return "No open tasks.", nil
	}
	return summarize(fmt.Sprintf("%d open task(s):", len(open)), open, d.loc), nil
}

func (d *Dispatcher) listOverdue(ctx context.Context) (string, error) {
	late, err := d.reads.ListOverdue(ctx, d.clock())
	if err != nil {
		return "", err
	}
	if len(late) == 0 {
		return "Nothing overdue.", nil
	}
	return summarize(fmt.Sprintf("%d overdue task(s):", len(late)), late, d.loc), nil
}

func (d *Dispatcher) taskDetail(ctx context.Context, taskID string) (string, error) {
	task, err := d.reads.GetTaskByID(ctx, taskID)
	if err != nil {
		return "", err
	}
	if task == nil {
		return fmt.Sprintf("I can't find %s.", taskID), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s\nStatus: %s | Priority: %s | Progress: %d%%",
		task.TaskID, task.Title, task.Status, task.Priority, task.Progress)
	if task.AssigneeName != "" {
		fmt.Fprintf(&b, "\nAssignee: %s", task.AssigneeName)
	}
	if task.Deadline != nil {
		fmt.Fprintf(&b, "\nDeadline: %s", task.Deadline.In(d.loc).Format("Mon 2 Jan 15:04"))
	}
	if len(task.Subtasks) > 0 {
		b.WriteString("\nSubtasks:")
		for _, st := range task.Subtasks {
			mark := " "
			if st.Done {
				mark = "x"
			}
			fmt.Fprintf(&b, "\n  [%s] %d. %s", mark, st.Order, st.Title)
		}
	}
	if len(task.BlockedBy) > 0 {
		fmt.Fprintf(&b, "\nBlocked by: %s", strings.Join(task.BlockedBy, ", "))
	}
	return b.String(), nil
}

func summarize(header string, list []store.Task, loc *time.Location) string {
	var b strings.Builder
	b.WriteString(header)
	for _, t := range list {
		fmt.Fprintf(&b, "\n%s %s [%s]", t.TaskID, t.Title, t.Status)
		if t.AssigneeName != "" {
			fmt.Fprintf(&b, " %s", t.AssigneeName)
		}
		if t.Deadline != nil {
			fmt.Fprintf(&b, " due %s", t.Deadline.In(loc).Format("Mon 2 Jan 15:04"))
		}
	}
	return b.String()
}

// ---- helpers ----

func renderValidation(verr *store.ValidationError) string {
	var b strings.Builder
	b.WriteString("That didn't work:")
	for _, f := range verr.Fields {
		fmt.Fprintf(&b, "\n- %s: %s", f.Field, f.Message)
	}
	return b.String()
}

func parseRFC3339(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	return t, err == nil
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

var (
	numberPattern = regexp.MustCompile(`\b(\d+)\b`)
	taskIDPattern = regexp.MustCompile(`(?i)\bTASK-\d{8}-\d{3}\b`)
)

func firstNumber(candidates ...string) (int, bool) {
	for _, c := range candidates {
		if m := numberPattern.FindString(c); m != "" {
			n, err := strconv.Atoi(m)
			if err == nil {
				return n, true
			}
		}
	}
	return 0, false
}

var describeNames = map[string]string{
	intent.ClearTasks:   "clear every open task",
	intent.ArchiveTasks: "archive old completed tasks",
	intent.BulkComplete: "approve everything awaiting validation",
}

func describeIntent(name string) string {
	if d, ok := describeNames[name]; ok {
		return d
	}
	return strings.ReplaceAll(name, "_", " ")
}

const helpText = `Here's what I can do:
/task <description> - create a task (preempts anything in progress)
/urgent <description> - create an urgent task
/tasks - list open tasks
/status <id> - task details
/overdue - list overdue tasks
/done <id> - submit a task for validation
/approve <id>, /reject <id> <reason> - boss validation
/teach <key> <value> - save a preference
/clockin <id>, /clockout, /timesheet - time tracking
/cancel - abandon the current conversation

Or just talk to me: "Create a task for Minh to fix the login page by Friday".`
