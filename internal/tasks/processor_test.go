package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/taskpilot/internal/adapters"
	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// fakeTaskStore records the persistence calls; unimplemented methods panic
// via the embedded nil interface.
type fakeTaskStore struct {
	store.TaskStore
	seq     int
	byID    map[string]*store.Task
	created *store.Task
	audit   *store.AuditEvent
	effects []store.OutboxItem
	updates map[string]any
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{byID: map[string]*store.Task{}}
}

func (f *fakeTaskStore) NextTaskID(_ context.Context, day time.Time) (string, error) {
	f.seq++
	return fmt.Sprintf("TASK-%s-%03d", day.Format("20060102"), f.seq), nil
}

func (f *fakeTaskStore) CreateTask(_ context.Context, task *store.Task, audit *store.AuditEvent, effects []store.OutboxItem) error {
	f.created, f.audit, f.effects = task, audit, effects
	f.byID[task.TaskID] = task
	return nil
}

func (f *fakeTaskStore) GetTaskByID(_ context.Context, taskID string) (*store.Task, error) {
	return f.byID[taskID], nil
}

func (f *fakeTaskStore) UpdateTask(_ context.Context, taskID string, updates map[string]any, audit *store.AuditEvent, effects []store.OutboxItem) error {
	task, ok := f.byID[taskID]
	if !ok {
		return store.ErrNotFound
	}
	if s, ok := updates["status"].(string); ok {
		if !store.CanTransition(task.Status, s) {
			return store.NewValidationError("status", "illegal transition", "transition")
		}
		task.Status = s
	}
	f.updates, f.audit, f.effects = updates, audit, effects
	return nil
}

type fakeTeamStore struct {
	store.TeamStore
	members map[string]*store.TeamMember
}

func (f *fakeTeamStore) GetByName(_ context.Context, name string) (*store.TeamMember, error) {
	return f.members[strings.ToLower(name)], nil
}

type fakeDirectory struct {
	enabled bool
	found   string
}

func (f *fakeDirectory) Enabled() bool { return f.enabled }
func (f *fakeDirectory) LookupMember(_ context.Context, name string) (string, error) {
	return f.found, nil
}

func fixedClock() time.Time {
	return time.Date(2026, 1, 15, 9, 0, 0, 0, time.UTC)
}

func newTestProcessor(ts *fakeTaskStore, team *fakeTeamStore, dir *fakeDirectory) *Processor {
	if team == nil {
		team = &fakeTeamStore{members: map[string]*store.TeamMember{}}
	}
	if dir == nil {
		dir = &fakeDirectory{}
	}
	return NewProcessor(ts, team, dir,
		[]StaticMember{{Name: "Fallback", Role: "admin", TransportID: "900"}},
		map[string]int64{"dev": 100, "admin": 200},
		999, true, WithClock(fixedClock))
}

func TestCreateAssignsIDAndEffects(t *testing.T) {
	ts := newFakeTaskStore()
	team := &fakeTeamStore{members: map[string]*store.TeamMember{
		"an": {Name: "An", Role: "dev", TransportID: "12345"},
	}}
	dir := &fakeDirectory{enabled: true}
	p := newTestProcessor(ts, team, dir)

	deadline := fixedClock().Add(48 * time.Hour)
	res, err := p.Create(context.Background(), Draft{
		Title:        "Fix login redirect",
		AssigneeName: "An",
		Priority:     store.PriorityHigh,
		Deadline:     &deadline,
		CreatedBy:    "boss",
		ChatID:       555,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	if res.Task.TaskID != "TASK-20260115-001" {
		t.Errorf("TaskID = %s", res.Task.TaskID)
	}
	if res.Task.Status != store.StatusPending {
		t.Errorf("Status = %s", res.Task.Status)
	}
	if res.ResolvedTier != TierRelational {
		t.Errorf("tier = %s", res.ResolvedTier)
	}
	if res.Task.EstimatedMinutes != 240 {
		t.Errorf("dev role default estimate = %d, want 240", res.Task.EstimatedMinutes)
	}
	if ts.audit == nil || ts.audit.Action != "created" {
		t.Errorf("audit = %+v", ts.audit)
	}

	// sheets upsert, role-channel routing, calendar event, user ack.
	if len(ts.effects) != 4 {
		t.Fatalf("effects = %d, want 4", len(ts.effects))
	}
	wantAdapters := map[string]int{"sheets": 1, "telegram": 2, "calendar": 1}
	got := map[string]int{}
	for _, e := range ts.effects {
		got[e.TargetAdapter]++
		if e.IdempotencyKey == "" {
			t.Errorf("effect %s has empty idempotency key", e.TargetAdapter)
		}
	}
	for a, n := range wantAdapters {
		if got[a] != n {
			t.Errorf("effects for %s = %d, want %d", a, got[a], n)
		}
	}
}

func TestCreateUnknownAssigneeWarns(t *testing.T) {
	ts := newFakeTaskStore()
	p := newTestProcessor(ts, nil, nil)

	res, err := p.Create(context.Background(), Draft{Title: "t", AssigneeName: "Ghost", CreatedBy: "boss"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.Task.AssigneeName != "" {
		t.Errorf("assignee = %q, want unassigned", res.Task.AssigneeName)
	}
	if len(res.Warnings) == 0 {
		t.Error("expected warning about unknown assignee")
	}
}

func TestCreateStaticTierFallback(t *testing.T) {
	ts := newFakeTaskStore()
	p := newTestProcessor(ts, nil, nil)

	res, err := p.Create(context.Background(), Draft{Title: "t", AssigneeName: "fallback", CreatedBy: "boss"})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if res.ResolvedTier != TierStatic {
		t.Errorf("tier = %s, want static", res.ResolvedTier)
	}
	if res.Task.AssigneeName != "Fallback" {
		t.Errorf("assignee = %s", res.Task.AssigneeName)
	}
}

func TestCreateValidation(t *testing.T) {
	p := newTestProcessor(newFakeTaskStore(), nil, nil)

	_, err := p.Create(context.Background(), Draft{Title: "   ", CreatedBy: "boss"})
	if !store.IsValidation(err) {
		t.Fatalf("want ValidationError, got %v", err)
	}
}

func TestCreatePastDeadlineWarnsNotFails(t *testing.T) {
	ts := newFakeTaskStore()
	p := newTestProcessor(ts, nil, nil)

	past := fixedClock().Add(-time.Hour)
	res, err := p.Create(context.Background(), Draft{Title: "t", Deadline: &past, CreatedBy: "boss"})
	if err != nil {
		t.Fatalf("past deadline must warn, not fail: %v", err)
	}
	found := false
	for _, w := range res.Warnings {
		if strings.Contains(w, "in the past") {
			found = true
		}
	}
	if !found {
		t.Errorf("warnings = %v", res.Warnings)
	}
}

func TestChangeStatusRejectsOverdue(t *testing.T) {
	p := newTestProcessor(newFakeTaskStore(), nil, nil)
	_, err := p.ChangeStatus(context.Background(), "TASK-20260115-001", store.StatusOverdue, "boss")
	if !store.IsValidation(err) {
		t.Fatalf("overdue must be rejected, got %v", err)
	}
}

func TestChangeStatusIllegalJump(t *testing.T) {
	ts := newFakeTaskStore()
	ts.byID["TASK-20260115-001"] = &store.Task{TaskID: "TASK-20260115-001", Status: store.StatusPending}
	p := newTestProcessor(ts, nil, nil)

	_, err := p.ChangeStatus(context.Background(), "TASK-20260115-001", store.StatusCompleted, "boss")
	if !store.IsValidation(err) {
		t.Fatalf("pending -> completed must be illegal, got %v", err)
	}
}

func TestUndoneResetsProgress(t *testing.T) {
	ts := newFakeTaskStore()
	ts.byID["TASK-20260115-001"] = &store.Task{
		TaskID: "TASK-20260115-001", Status: store.StatusCompleted, Progress: 100,
	}
	p := newTestProcessor(ts, nil, nil)

	_, err := p.ChangeStatus(context.Background(), "TASK-20260115-001", store.StatusUndone, "boss")
	if err != nil {
		t.Fatalf("ChangeStatus: %v", err)
	}
	if got, ok := ts.updates["progress"].(int); !ok || got != 0 {
		t.Errorf("updates = %+v, want progress reset to 0", ts.updates)
	}
	for _, e := range ts.effects {
		if e.TargetAdapter != "sheets" {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(e.Payload, &env); err != nil {
			t.Fatal(err)
		}
		var row adapters.RowPayload
		if err := json.Unmarshal(env.Body, &row); err != nil {
			t.Fatal(err)
		}
		if row.Progress != 0 {
			t.Errorf("mirrored row keeps progress %d", row.Progress)
		}
	}
}

func TestApproveRejectPath(t *testing.T) {
	ts := newFakeTaskStore()
	ts.byID["TASK-20260115-001"] = &store.Task{
		TaskID: "TASK-20260115-001", Status: store.StatusAwaitingValidation,
		AssigneeTransportID: "777",
	}
	p := newTestProcessor(ts, nil, nil)
	ctx := context.Background()

	if _, err := p.Reject(ctx, "TASK-20260115-001", "boss", "  "); !store.IsValidation(err) {
		t.Fatalf("reject without reason must fail, got %v", err)
	}

	task, err := p.Reject(ctx, "TASK-20260115-001", "boss", "screenshots missing")
	if err != nil {
		t.Fatalf("Reject: %v", err)
	}
	if task.Status != store.StatusNeedsRevision {
		t.Errorf("status = %s", task.Status)
	}
	var notified bool
	for _, e := range ts.effects {
		if e.TargetAdapter == "telegram" {
			var env Envelope
			json.Unmarshal(e.Payload, &env)
			var sp adapters.SendMessagePayload
			json.Unmarshal(env.Body, &sp)
			if strings.Contains(sp.Text, "screenshots missing") {
				notified = true
			}
		}
	}
	if !notified {
		t.Error("reject reason not surfaced to submitter")
	}

	// Back through the revision loop, then approve.
	ts.byID["TASK-20260115-001"].Status = store.StatusAwaitingValidation
	task, err = p.Approve(ctx, "TASK-20260115-001", "boss")
	if err != nil {
		t.Fatalf("Approve: %v", err)
	}
	if task.Status != store.StatusCompleted {
		t.Errorf("status = %s", task.Status)
	}
}

func TestApproveWrongState(t *testing.T) {
	ts := newFakeTaskStore()
	ts.byID["TASK-20260115-001"] = &store.Task{TaskID: "TASK-20260115-001", Status: store.StatusInProgress}
	p := newTestProcessor(ts, nil, nil)

	_, err := p.Approve(context.Background(), "TASK-20260115-001", "boss")
	if !store.IsValidation(err) {
		t.Fatalf("approve outside awaiting_validation must fail, got %v", err)
	}
}

func TestChangeStatusUnknownTask(t *testing.T) {
	p := newTestProcessor(newFakeTaskStore(), nil, nil)
	_, err := p.ChangeStatus(context.Background(), "TASK-20260101-999", store.StatusInProgress, "boss")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("want ErrNotFound, got %v", err)
	}
}

func TestEventFeedEffects(t *testing.T) {
	ts := newFakeTaskStore()
	team := &fakeTeamStore{members: map[string]*store.TeamMember{}}
	p := NewProcessor(ts, team, &fakeDirectory{}, nil, nil, 999, false,
		WithClock(fixedClock), WithEventFeed())

	if _, err := p.Create(context.Background(), Draft{Title: "Ship release notes", CreatedBy: "boss"}); err != nil {
		t.Fatal(err)
	}
	ev := findAdapterEffect(t, ts.effects, "webhook")
	var env Envelope
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		t.Fatal(err)
	}
	var body struct {
		Event  string `json:"event"`
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	if err := json.Unmarshal(env.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.Event != "task.created" || body.Status != store.StatusPending {
		t.Errorf("event = %+v", body)
	}

	if _, err := p.ChangeStatus(context.Background(), ts.created.TaskID, store.StatusInProgress, "boss"); err != nil {
		t.Fatal(err)
	}
	ev = findAdapterEffect(t, ts.effects, "webhook")
	if err := json.Unmarshal(ev.Payload, &env); err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(env.Body, &body); err != nil {
		t.Fatal(err)
	}
	if body.Event != "task.status_changed" || body.Status != store.StatusInProgress {
		t.Errorf("event = %+v", body)
	}
}

func TestNoEventFeedByDefault(t *testing.T) {
	ts := newFakeTaskStore()
	p := NewProcessor(ts, &fakeTeamStore{members: map[string]*store.TeamMember{}},
		&fakeDirectory{}, nil, nil, 999, false, WithClock(fixedClock))

	if _, err := p.Create(context.Background(), Draft{Title: "Quiet task", CreatedBy: "boss"}); err != nil {
		t.Fatal(err)
	}
	for _, e := range ts.effects {
		if e.TargetAdapter == "webhook" {
			t.Errorf("unexpected webhook effect: %+v", e)
		}
	}
}

func findAdapterEffect(t *testing.T, effects []store.OutboxItem, adapter string) store.OutboxItem {
	t.Helper()
	for _, e := range effects {
		if e.TargetAdapter == adapter {
			return e
		}
	}
	t.Fatalf("no %s effect in %d effects", adapter, len(effects))
	return store.OutboxItem{}
}
