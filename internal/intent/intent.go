// Package intent classifies a normalized chat message into one of a closed
// set of typed intents with a confidence score. Classification is LLM-backed;
// structured fields (dates, priorities, task ids) are re-extracted
// deterministically and always win over what the model emitted.
package intent

// The closed intent set. Anything the model returns outside this set is
// coerced to Unknown with zero confidence.
const (
	CreateTask       = "create_task"
	ModifyTask       = "modify_task"
	ReassignTask     = "reassign_task"
	ChangePriority   = "change_priority"
	ChangeDeadline   = "change_deadline"
	ChangeStatus     = "change_status"
	AddTags          = "add_tags"
	RemoveTags       = "remove_tags"
	AddSubtask       = "add_subtask"
	CompleteSubtask  = "complete_subtask"
	AddDependency    = "add_dependency"
	RemoveDependency = "remove_dependency"
	DuplicateTask    = "duplicate_task"
	SplitTask        = "split_task"
	TaskDone         = "task_done"
	SubmitProof      = "submit_proof"
	CheckStatus      = "check_status"
	CheckOverdue     = "check_overdue"
	SearchTasks      = "search_tasks"
	BulkComplete     = "bulk_complete"
	DelayTask        = "delay_task"
	AddTeamMember    = "add_team_member"
	AskTeamMember    = "ask_team_member"
	TeachPreference  = "teach_preference"
	ApproveTask      = "approve_task"
	RejectTask       = "reject_task"
	CancelTask       = "cancel_task"
	ClearTasks       = "clear_tasks"
	ArchiveTasks     = "archive_tasks"
	Help             = "help"
	Greeting         = "greeting"
	Unknown          = "unknown"
)

var known = map[string]bool{
	CreateTask: true, ModifyTask: true, ReassignTask: true,
	ChangePriority: true, ChangeDeadline: true, ChangeStatus: true,
	AddTags: true, RemoveTags: true, AddSubtask: true, CompleteSubtask: true,
	AddDependency: true, RemoveDependency: true, DuplicateTask: true,
	SplitTask: true, TaskDone: true, SubmitProof: true, CheckStatus: true,
	CheckOverdue: true, SearchTasks: true, BulkComplete: true, DelayTask: true,
	AddTeamMember: true, AskTeamMember: true, TeachPreference: true,
	ApproveTask: true, RejectTask: true, CancelTask: true, ClearTasks: true,
	ArchiveTasks: true, Help: true, Greeting: true,
}

// Known reports whether the name is in the closed intent set.
func Known(name string) bool { return known[name] }

// Result is one classification outcome.
type Result struct {
	Intent     string            `json:"intent"`
	Confidence float64           `json:"confidence"`
	Reasoning  string            `json:"reasoning,omitempty"`
	Fields     map[string]string `json:"fields,omitempty"`
}

// Route decisions derived from confidence.
const (
	RouteExecute = "execute"
	RouteConfirm = "confirm"
	RouteClarify = "clarify"
)

// Route maps a confidence score to a handling decision.
func Route(confidence float64) string {
	switch {
	case confidence >= 0.8:
		return RouteExecute
	case confidence >= 0.6:
		return RouteConfirm
	default:
		return RouteClarify
	}
}
