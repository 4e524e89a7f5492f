package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/taskpilot/internal/adapters"
	"github.com/nextlevelbuilder/taskpilot/internal/store"
	"github.com/nextlevelbuilder/taskpilot/internal/tasks"
)

func fixedNow() time.Time { return time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC) }

type fakeOutbox struct {
	store.OutboxStore
	enqueued []store.OutboxItem
	err      error
}

func (f *fakeOutbox) Enqueue(_ context.Context, items ...store.OutboxItem) error {
	if f.err != nil {
		return f.err
	}
	f.enqueued = append(f.enqueued, items...)
	return nil
}

func (f *fakeOutbox) opOf(t *testing.T, i int) (string, adapters.SendMessagePayload) {
	t.Helper()
	var env tasks.Envelope
	if err := json.Unmarshal(f.enqueued[i].Payload, &env); err != nil {
		t.Fatalf("payload envelope: %v", err)
	}
	var msg adapters.SendMessagePayload
	if err := json.Unmarshal(env.Body, &msg); err != nil {
		t.Fatalf("payload body: %v", err)
	}
	return env.Op, msg
}

type fakeTasks struct {
	store.TaskStore
	tasks    []store.Task
	overdue  []store.Task
	dueSoon  []store.Task
	updates  map[string]map[string]any
	archived int
}

func (f *fakeTasks) ListTasks(_ context.Context, _ store.TaskFilter) ([]store.Task, error) {
	return f.tasks, nil
}

func (f *fakeTasks) ListOverdue(_ context.Context, _ time.Time) ([]store.Task, error) {
	return f.overdue, nil
}

func (f *fakeTasks) ListDueSoon(_ context.Context, _ time.Time, _ time.Duration) ([]store.Task, error) {
	return f.dueSoon, nil
}

func (f *fakeTasks) UpdateTask(_ context.Context, taskID string, updates map[string]any, _ *store.AuditEvent, _ []store.OutboxItem) error {
	for _, t := range append(f.tasks, f.overdue...) {
		if t.TaskID == taskID {
			if next, ok := updates["status"].(string); ok && !store.CanTransition(t.Status, next) {
				return &store.ValidationError{Fields: []store.FieldError{
					{Field: "status", Message: "illegal transition", Type: "transition"},
				}}
			}
		}
	}
	if f.updates == nil {
		f.updates = map[string]map[string]any{}
	}
	f.updates[taskID] = updates
	return nil
}

func (f *fakeTasks) ArchiveCompletedBefore(_ context.Context, _ time.Time) (int, error) {
	return f.archived, nil
}

type fakeReminders struct {
	sent map[string]bool
}

func (f *fakeReminders) MarkSent(_ context.Context, taskID, bucket string) (bool, error) {
	key := taskID + ":" + bucket
	if f.sent[key] {
		return false, nil
	}
	if f.sent == nil {
		f.sent = map[string]bool{}
	}
	f.sent[key] = true
	return true, nil
}

func (f *fakeReminders) WasSent(_ context.Context, taskID, bucket string) (bool, error) {
	return f.sent[taskID+":"+bucket], nil
}

type fakeRecurring struct {
	store.RecurringStore
	due     []store.RecurringTask
	nextRun map[uuid.UUID]time.Time
}

func (f *fakeRecurring) ListDue(_ context.Context, _ time.Time) ([]store.RecurringTask, error) {
	return f.due, nil
}

func (f *fakeRecurring) SetNextRun(_ context.Context, id uuid.UUID, next time.Time) error {
	if f.nextRun == nil {
		f.nextRun = map[uuid.UUID]time.Time{}
	}
	f.nextRun[id] = next
	return nil
}

type fakeCreator struct {
	drafts []tasks.Draft
	err    error
}

func (f *fakeCreator) Create(_ context.Context, d tasks.Draft) (*tasks.CreateResult, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.drafts = append(f.drafts, d)
	return &tasks.CreateResult{Task: &store.Task{TaskID: "TASK-20260115-001", Title: d.Title}}, nil
}

func testDeps(ft *fakeTasks, fo *fakeOutbox, fr *fakeReminders, frec *fakeRecurring, fc *fakeCreator) Deps {
	return Deps{
		Stores: &store.Stores{
			Tasks:     ft,
			Outbox:    fo,
			Reminders: fr,
			Recurring: frec,
		},
		Creator: fc,
		Loc:     time.UTC,
		Clock:   fixedNow,
	}
}

func TestReminderBucket(t *testing.T) {
	tests := []struct {
		left time.Duration
		want string
	}{
		{10 * time.Minute, store.ReminderBucket30M},
		{30 * time.Minute, store.ReminderBucket30M},
		{45 * time.Minute, store.ReminderBucket1H},
		{time.Hour, store.ReminderBucket1H},
		{90 * time.Minute, store.ReminderBucket2H},
	}
	for _, tt := range tests {
		if got := reminderBucket(tt.left); got != tt.want {
			t.Errorf("reminderBucket(%v) = %s, want %s", tt.left, got, tt.want)
		}
	}
}

func TestDeadlineReminderDedup(t *testing.T) {
	soon := fixedNow().Add(25 * time.Minute)
	later := fixedNow().Add(100 * time.Minute)
	ft := &fakeTasks{dueSoon: []store.Task{
		{TaskID: "TASK-20260115-001", Title: "ship build", Deadline: &soon, AssigneeTransportID: "555"},
		{TaskID: "TASK-20260115-002", Title: "write notes", Deadline: &later},
	}}
	fo := &fakeOutbox{}
	fr := &fakeReminders{sent: map[string]bool{"TASK-20260115-002:2h": true}}

	d := testDeps(ft, fo, fr, nil, nil)
	if err := d.deadlineReminder(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fo.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want only the unsent reminder", len(fo.enqueued))
	}
	if fo.enqueued[0].IdempotencyKey != "reminder:TASK-20260115-001:30m" {
		t.Errorf("key = %s", fo.enqueued[0].IdempotencyKey)
	}
	op, msg := fo.opOf(t, 0)
	if op != adapters.OpSendMessage || msg.ChatID != 555 {
		t.Errorf("reminder should go to the assignee chat, got op=%s chat=%d", op, msg.ChatID)
	}

	// Second sweep in the same bucket stays quiet.
	if err := d.deadlineReminder(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fo.enqueued) != 1 {
		t.Errorf("rerun enqueued again: %d items", len(fo.enqueued))
	}
}

func TestDeadlineReminderSurvivesEnqueueFailure(t *testing.T) {
	soon := fixedNow().Add(20 * time.Minute)
	ft := &fakeTasks{dueSoon: []store.Task{
		{TaskID: "TASK-20260115-004", Title: "flaky send", Deadline: &soon, AssigneeTransportID: "555"},
	}}
	fo := &fakeOutbox{err: errors.New("db down")}
	fr := &fakeReminders{}
	d := testDeps(ft, fo, fr, nil, nil)

	if err := d.deadlineReminder(context.Background()); err == nil {
		t.Fatal("want error when the enqueue fails")
	}
	if fr.sent["TASK-20260115-004:30m"] {
		t.Fatal("ledger marked although nothing was enqueued")
	}

	// The next sweep retries and the reminder still goes out.
	fo.err = nil
	if err := d.deadlineReminder(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fo.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want 1", len(fo.enqueued))
	}
	if !fr.sent["TASK-20260115-004:30m"] {
		t.Error("ledger not marked after the successful enqueue")
	}
}

func TestDeadlineReminderFallsBackToBoss(t *testing.T) {
	soon := fixedNow().Add(20 * time.Minute)
	ft := &fakeTasks{dueSoon: []store.Task{
		{TaskID: "TASK-20260115-003", Title: "no chat id", Deadline: &soon},
	}}
	fo := &fakeOutbox{}
	d := testDeps(ft, fo, &fakeReminders{}, nil, nil)
	if err := d.deadlineReminder(context.Background()); err != nil {
		t.Fatal(err)
	}
	op, _ := fo.opOf(t, 0)
	if op != adapters.OpNotifyBoss {
		t.Errorf("op = %s, want notify_boss fallback", op)
	}
}

func TestOverdueAlertFlipsStatus(t *testing.T) {
	past := fixedNow().Add(-3 * time.Hour)
	ft := &fakeTasks{overdue: []store.Task{
		{TaskID: "TASK-20260114-001", Title: "late one", Status: store.StatusInProgress, Deadline: &past, AssigneeName: "Minh"},
		{TaskID: "TASK-20260114-002", Title: "already flagged", Status: store.StatusOverdue, Deadline: &past},
	}}
	fo := &fakeOutbox{}
	d := testDeps(ft, fo, nil, nil, nil)
	if err := d.overdueAlert(context.Background()); err != nil {
		t.Fatal(err)
	}

	if got := ft.updates["TASK-20260114-001"]["status"]; got != store.StatusOverdue {
		t.Errorf("status update = %v", got)
	}
	if _, ok := ft.updates["TASK-20260114-002"]; ok {
		t.Error("already-overdue task updated again")
	}
	if len(fo.enqueued) != 1 {
		t.Fatalf("enqueued = %d, want one summary", len(fo.enqueued))
	}
	op, msg := fo.opOf(t, 0)
	if op != adapters.OpNotifyBoss || !strings.Contains(msg.Text, "TASK-20260114-001") {
		t.Errorf("summary = %q", msg.Text)
	}
}

func TestOverdueAlertNoopWhenClean(t *testing.T) {
	fo := &fakeOutbox{}
	d := testDeps(&fakeTasks{}, fo, nil, nil, nil)
	if err := d.overdueAlert(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fo.enqueued) != 0 {
		t.Errorf("enqueued = %d, want silence", len(fo.enqueued))
	}
}

func TestRecurringExpansion(t *testing.T) {
	id := store.GenNewID()
	frec := &fakeRecurring{due: []store.RecurringTask{{
		ID: id, Title: "rotate logs", AssigneeName: "Minh",
		Priority: store.PriorityLow, CronExpr: "0 9 * * *",
	}}}
	fc := &fakeCreator{}
	d := testDeps(&fakeTasks{}, &fakeOutbox{}, nil, frec, fc)

	if err := d.recurringExpansion(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fc.drafts) != 1 || fc.drafts[0].Title != "rotate logs" || fc.drafts[0].CreatedBy != "scheduler" {
		t.Fatalf("drafts = %+v", fc.drafts)
	}
	want := time.Date(2026, 1, 16, 9, 0, 0, 0, time.UTC)
	if got := frec.nextRun[id]; !got.Equal(want) {
		t.Errorf("next run = %v, want %v", got, want)
	}
}

func TestRecurringExpansionPropagatesCreateError(t *testing.T) {
	frec := &fakeRecurring{due: []store.RecurringTask{{
		ID: store.GenNewID(), Title: "x", CronExpr: "0 9 * * *",
	}}}
	fc := &fakeCreator{err: errors.New("db down")}
	d := testDeps(&fakeTasks{}, &fakeOutbox{}, nil, frec, fc)

	if err := d.recurringExpansion(context.Background()); err == nil {
		t.Fatal("want error when create fails")
	}
	if len(frec.nextRun) != 0 {
		t.Error("cursor advanced despite failed expansion")
	}
}

func TestDailyStandupGroupsByAssignee(t *testing.T) {
	due := fixedNow().Add(4 * time.Hour)
	ft := &fakeTasks{tasks: []store.Task{
		{TaskID: "TASK-20260115-001", Title: "a", Status: store.StatusPending, AssigneeName: "Minh", Deadline: &due},
		{TaskID: "TASK-20260115-002", Title: "b", Status: store.StatusInProgress, AssigneeName: "An"},
		{TaskID: "TASK-20260115-003", Title: "done", Status: store.StatusCompleted, AssigneeName: "Minh"},
		{TaskID: "TASK-20260115-004", Title: "orphan", Status: store.StatusPending},
	}}
	fo := &fakeOutbox{}
	d := testDeps(ft, fo, nil, nil, nil)

	if err := d.dailyStandup(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fo.enqueued) != 1 {
		t.Fatalf("enqueued = %d", len(fo.enqueued))
	}
	if fo.enqueued[0].IdempotencyKey != "standup:2026-01-15" {
		t.Errorf("key = %s", fo.enqueued[0].IdempotencyKey)
	}
	_, msg := fo.opOf(t, 0)
	for _, want := range []string{"Minh:", "An:", "(unassigned):", "TASK-20260115-001"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("digest missing %q:\n%s", want, msg.Text)
		}
	}
	if strings.Contains(msg.Text, "TASK-20260115-003") {
		t.Error("completed task listed in standup")
	}
}

func TestEodReminderSilentWhenNothingDue(t *testing.T) {
	fo := &fakeOutbox{}
	d := testDeps(&fakeTasks{}, fo, nil, nil, nil)
	if err := d.eodReminder(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(fo.enqueued) != 0 {
		t.Errorf("enqueued = %d", len(fo.enqueued))
	}
}

func TestWeeklyReportCounts(t *testing.T) {
	inWindow := fixedNow().AddDate(0, 0, -2)
	ft := &fakeTasks{tasks: []store.Task{
		{TaskID: "TASK-20260113-001", Status: store.StatusCompleted, AssigneeName: "Minh", CreatedAt: inWindow, UpdatedAt: inWindow},
		{TaskID: "TASK-20260113-002", Status: store.StatusPending, CreatedAt: inWindow, UpdatedAt: inWindow},
		{TaskID: "TASK-20260113-003", Status: store.StatusOverdue, CreatedAt: inWindow, UpdatedAt: inWindow},
	}}
	fo := &fakeOutbox{}
	d := testDeps(ft, fo, nil, nil, nil)

	if err := d.weeklyReport(context.Background()); err != nil {
		t.Fatal(err)
	}
	_, msg := fo.opOf(t, 0)
	for _, want := range []string{"Created: 3", "Completed: 1", "Still open: 1", "Overdue: 1", "Minh: 1"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("report missing %q:\n%s", want, msg.Text)
		}
	}
}

func TestNextRun(t *testing.T) {
	got, err := NextRun("*/15 * * * *", time.Date(2026, 1, 15, 12, 1, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 1, 15, 12, 15, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("NextRun = %v, want %v", got, want)
	}
}
