package intent

import (
	"testing"
	"time"
)

func TestExtractTaskIDs(t *testing.T) {
	tests := []struct {
		msg  string
		want []string
	}{
		{"mark TASK-20260115-003 done", []string{"TASK-20260115-003"}},
		{"task-20260115-003 please", []string{"TASK-20260115-003"}},
		{"link TASK-20260115-001 to TASK-20260115-002", []string{"TASK-20260115-001", "TASK-20260115-002"}},
		{"TASK-20260115-001 and TASK-20260115-001 again", []string{"TASK-20260115-001"}},
		{"no ids here, TASK-123 is malformed", nil},
	}
	for _, tt := range tests {
		got := ExtractTaskIDs(tt.msg)
		if len(got) != len(tt.want) {
			t.Errorf("ExtractTaskIDs(%q) = %v, want %v", tt.msg, got, tt.want)
			continue
		}
		for i := range got {
			if got[i] != tt.want[i] {
				t.Errorf("ExtractTaskIDs(%q)[%d] = %s, want %s", tt.msg, i, got[i], tt.want[i])
			}
		}
	}
}

func TestExtractPriority(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"fix login ASAP", "urgent"},
		{"this is critical", "urgent"},
		{"important: update docs", "high"},
		{"low priority cleanup", "low"},
		{"do it whenever", "low"},
		{"not urgent at all", "low"},
		{"no rush on this", "low"},
		{"normal priority task", "medium"},
		{"just a task", ""},
	}
	for _, tt := range tests {
		if got := ExtractPriority(tt.msg); got != tt.want {
			t.Errorf("ExtractPriority(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestExtractDeadline(t *testing.T) {
	// Wednesday 2026-01-14, 10:00 local.
	now := time.Date(2026, 1, 14, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		msg  string
		want *time.Time
	}{
		{"finish by 2026-02-01", timePtr(2026, 2, 1, 18, 0)},
		{"finish by 2026-02-01 at 14:30", timePtr(2026, 2, 1, 14, 30)},
		{"done in 2 hours", timePtr(2026, 1, 14, 12, 0)},
		{"ready in 3 days", timePtr(2026, 1, 17, 10, 0)},
		{"deliver today", timePtr(2026, 1, 14, 18, 0)},
		{"deliver today at 3pm", timePtr(2026, 1, 14, 15, 0)},
		{"submit by eod", timePtr(2026, 1, 14, 18, 0)},
		{"do it tonight", timePtr(2026, 1, 14, 21, 0)},
		{"ship tomorrow", timePtr(2026, 1, 15, 18, 0)},
		{"ship by friday", timePtr(2026, 1, 16, 18, 0)},
		{"end of week", timePtr(2026, 1, 16, 18, 0)},
		{"sometime next week", timePtr(2026, 1, 19, 18, 0)},
		{"meet at 15:45", timePtr(2026, 1, 14, 15, 45)},
		{"no deadline mentioned", nil},
	}
	for _, tt := range tests {
		got := ExtractDeadline(tt.msg, now)
		switch {
		case got == nil && tt.want == nil:
		case got == nil || tt.want == nil:
			t.Errorf("ExtractDeadline(%q) = %v, want %v", tt.msg, got, tt.want)
		case !got.Equal(*tt.want):
			t.Errorf("ExtractDeadline(%q) = %v, want %v", tt.msg, got, tt.want)
		}
	}
}

func timePtr(y int, m time.Month, d, h, min int) *time.Time {
	t := time.Date(y, m, d, h, min, 0, 0, time.UTC)
	return &t
}

func TestExtractAssignee(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"new task for An: fix login", "An"},
		{"assign to Binh", "Binh"},
		{"assigned to Chi please", "Chi"},
		{"task for nobody lowercase", ""},
		{"nothing here", ""},
	}
	for _, tt := range tests {
		if got := ExtractAssignee(tt.msg); got != tt.want {
			t.Errorf("ExtractAssignee(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestRoute(t *testing.T) {
	tests := []struct {
		confidence float64
		want       string
	}{
		{0.95, RouteExecute},
		{0.8, RouteExecute},
		{0.79, RouteConfirm},
		{0.6, RouteConfirm},
		{0.59, RouteClarify},
		{0, RouteClarify},
	}
	for _, tt := range tests {
		if got := Route(tt.confidence); got != tt.want {
			t.Errorf("Route(%v) = %s, want %s", tt.confidence, got, tt.want)
		}
	}
}
