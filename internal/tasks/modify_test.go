package tasks

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

func strp(s string) *string { return &s }
func intp(n int) *int       { return &n }

func seedTask(ts *fakeTaskStore) *store.Task {
	task := &store.Task{
		TaskID:   "TASK-20260114-007",
		Title:    "Fix login redirect",
		Priority: store.PriorityMedium,
		Status:   store.StatusPending,
		Tags:     []string{"Auth", "frontend"},
	}
	ts.byID[task.TaskID] = task
	return task
}

func TestModifyAppliesFields(t *testing.T) {
	ts := newFakeTaskStore()
	seedTask(ts)
	team := &fakeTeamStore{members: map[string]*store.TeamMember{
		"an": {Name: "An", Role: "dev", TransportID: "12345"},
	}}
	p := newTestProcessor(ts, team, &fakeDirectory{enabled: true})

	task, err := p.Modify(context.Background(), "TASK-20260114-007", Changes{
		Title:        strp("Fix login redirect loop"),
		Priority:     strp(store.PriorityHigh),
		AssigneeName: strp("An"),
		Progress:     intp(25),
	}, "boss")
	if err != nil {
		t.Fatalf("Modify: %v", err)
	}
	if task.Title != "Fix login redirect loop" || task.Priority != store.PriorityHigh {
		t.Errorf("task = %+v", task)
	}
	if task.AssigneeName != "An" || task.AssigneeTransportID != "12345" {
		t.Errorf("assignee = %s/%s", task.AssigneeName, task.AssigneeTransportID)
	}
	if ts.updates["progress"] != 25 {
		t.Errorf("updates = %+v", ts.updates)
	}
	if ts.audit == nil || ts.audit.Action != "modified" {
		t.Errorf("audit = %+v", ts.audit)
	}
	if len(ts.effects) != 1 || ts.effects[0].TargetAdapter != "sheets" {
		t.Errorf("effects = %+v", ts.effects)
	}
}

func TestModifyEmptyChanges(t *testing.T) {
	ts := newFakeTaskStore()
	seedTask(ts)
	p := newTestProcessor(ts, nil, nil)

	_, err := p.Modify(context.Background(), "TASK-20260114-007", Changes{}, "boss")
	var verr *store.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v, want validation error", err)
	}
}

func TestModifyCollectsAllFieldErrors(t *testing.T) {
	ts := newFakeTaskStore()
	seedTask(ts)
	p := newTestProcessor(ts, nil, nil)

	_, err := p.Modify(context.Background(), "TASK-20260114-007", Changes{
		Title:    strp(""),
		Priority: strp("blazing"),
		Progress: intp(150),
	}, "boss")
	var verr *store.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v", err)
	}
	if len(verr.Fields) != 3 {
		t.Errorf("fields = %+v, want 3", verr.Fields)
	}
	if ts.updates != nil {
		t.Errorf("nothing should persist on validation failure, got %+v", ts.updates)
	}
}

func TestModifyUnknownAssignee(t *testing.T) {
	ts := newFakeTaskStore()
	seedTask(ts)
	p := newTestProcessor(ts, nil, nil)

	_, err := p.Modify(context.Background(), "TASK-20260114-007", Changes{
		AssigneeName: strp("Nobody"),
	}, "boss")
	var verr *store.ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("err = %v", err)
	}
	if verr.Fields[0].Type != "lookup" {
		t.Errorf("field = %+v", verr.Fields[0])
	}
}

func TestModifyMissingTask(t *testing.T) {
	p := newTestProcessor(newFakeTaskStore(), nil, nil)
	_, err := p.Modify(context.Background(), "TASK-20260101-999", Changes{Progress: intp(10)}, "boss")
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestMergeTags(t *testing.T) {
	tests := []struct {
		name                 string
		current, add, remove []string
		want                 []string
	}{
		{"add new", []string{"auth"}, []string{"urgent"}, nil, []string{"auth", "urgent"}},
		{"case-insensitive dedup", []string{"Auth"}, []string{"auth", "AUTH"}, nil, []string{"Auth"}},
		{"remove case-insensitive", []string{"Auth", "frontend"}, nil, []string{"AUTH"}, []string{"frontend"}},
		{"add and remove", []string{"a"}, []string{"b"}, []string{"a"}, []string{"b"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mergeTags(tt.current, tt.add, tt.remove)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("mergeTags = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDuplicate(t *testing.T) {
	ts := newFakeTaskStore()
	src := seedTask(ts)
	src.Description = "see issue #42"
	p := newTestProcessor(ts, nil, nil)

	res, err := p.Duplicate(context.Background(), src.TaskID, "boss")
	if err != nil {
		t.Fatalf("Duplicate: %v", err)
	}
	if res.Task.Title != "Copy of Fix login redirect" {
		t.Errorf("title = %q", res.Task.Title)
	}
	if res.Task.TaskID == src.TaskID {
		t.Error("duplicate reused the source task id")
	}
	if res.Task.Status != store.StatusPending || res.Task.Progress != 0 {
		t.Errorf("copy = %+v", res.Task)
	}
}
