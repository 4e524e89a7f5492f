package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/nextlevelbuilder/taskpilot/internal/store"
	"github.com/nextlevelbuilder/taskpilot/internal/tasks"
)

// TaskService is the write path the REST API uses.
type TaskService interface {
	Create(ctx context.Context, d tasks.Draft) (*tasks.CreateResult, error)
	Modify(ctx context.Context, taskID string, ch tasks.Changes, actor string) (*store.Task, error)
	ChangeStatus(ctx context.Context, taskID, newStatus, actor string) (*store.Task, error)
}

// TasksHandler serves the /api/tasks REST surface.
type TasksHandler struct {
	reads store.TaskStore
	svc   TaskService
	token string
	lim   *Limiter
}

func NewTasksHandler(reads store.TaskStore, svc TaskService, token string, lim *Limiter) *TasksHandler {
	return &TasksHandler{reads: reads, svc: svc, token: token, lim: lim}
}

func (h *TasksHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/tasks", h.auth(h.handleList))
	mux.HandleFunc("POST /api/tasks", h.auth(h.handleCreate))
	mux.HandleFunc("GET /api/tasks/{task_id}", h.auth(h.handleGet))
	mux.HandleFunc("PUT /api/tasks/{task_id}", h.auth(h.handleUpdate))
	mux.HandleFunc("POST /api/tasks/{task_id}", h.auth(h.handleAction))
	mux.HandleFunc("DELETE /api/tasks/{task_id}", h.auth(h.handleCancel))
}

// auth checks the bearer token and rate-limits by it.
func (h *TasksHandler) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if h.token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		if h.lim.Enabled() && !h.lim.Allow("api:"+token) {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	auth := r.Header.Get("Authorization")
	if len(auth) > len(prefix) && auth[:len(prefix)] == prefix {
		return auth[len(prefix):]
	}
	return ""
}

func (h *TasksHandler) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	limit, verr := boundedInt(q.Get("limit"), "limit", 1, 1000, 50)
	if verr != nil {
		writeValidation(w, verr, "limit must be between 1 and 1000")
		return
	}
	offset, verr := boundedInt(q.Get("offset"), "offset", 0, 100000, 0)
	if verr != nil {
		writeValidation(w, verr, "offset must be between 0 and 100000")
		return
	}

	f := store.TaskFilter{
		Status:   q.Get("status"),
		Assignee: q.Get("assignee"),
		OrderBy:  q.Get("order_by"),
		Limit:    limit,
		Offset:   offset,
	}
	if f.Status != "" && !store.ValidStatus(f.Status) {
		writeValidation(w, &store.ValidationError{Fields: []store.FieldError{
			{Field: "status", Message: "unknown status", Type: "enum"},
		}}, "status must be one of the task statuses")
		return
	}

	list, err := h.reads.ListTasks(r.Context(), f)
	if err != nil {
		slog.Error("api list tasks failed", "error", err)
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": list, "count": len(list)})
}

func (h *TasksHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	task, err := h.reads.GetTaskByID(r.Context(), taskID)
	if err != nil {
		slog.Error("api get task failed", "task_id", taskID, "error", err)
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if task == nil {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type createTaskRequest struct {
	Title              string     `json:"title"`
	Description        string     `json:"description"`
	Assignee           string     `json:"assignee"`
	Priority           string     `json:"priority"`
	Type               string     `json:"type"`
	Deadline           *time.Time `json:"deadline"`
	Tags               []string   `json:"tags"`
	AcceptanceCriteria []string   `json:"acceptance_criteria"`
	EstimatedMinutes   int        `json:"estimated_minutes"`
}

func (h *TasksHandler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	title, ok := cleanText(req.Title, 500)
	if !ok {
		writeValidation(w, &store.ValidationError{Fields: []store.FieldError{
			{Field: "title", Message: "title too long or contains markup", Type: "format"},
		}}, "titles are plain text, 500 characters max")
		return
	}

	res, err := h.svc.Create(r.Context(), tasks.Draft{
		Title:              title,
		Description:        req.Description,
		AssigneeName:       req.Assignee,
		Priority:           req.Priority,
		Type:               req.Type,
		Deadline:           req.Deadline,
		Tags:               req.Tags,
		AcceptanceCriteria: req.AcceptanceCriteria,
		EstimatedMinutes:   req.EstimatedMinutes,
		CreatedBy:          "api",
	})
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"task": res.Task, "warnings": res.Warnings})
}

type updateTaskRequest struct {
	Title       *string    `json:"title"`
	Description *string    `json:"description"`
	Assignee    *string    `json:"assignee"`
	Priority    *string    `json:"priority"`
	Deadline    *time.Time `json:"deadline"`
	Progress    *int       `json:"progress"`
	AddTags     []string   `json:"add_tags"`
	RemoveTags  []string   `json:"remove_tags"`
}

func (h *TasksHandler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	var req updateTaskRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}

	task, err := h.svc.Modify(r.Context(), taskID, tasks.Changes{
		Title:        req.Title,
		Description:  req.Description,
		AssigneeName: req.Assignee,
		Priority:     req.Priority,
		Deadline:     req.Deadline,
		Progress:     req.Progress,
		AddTags:      req.AddTags,
		RemoveTags:   req.RemoveTags,
	}, "api")
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

type taskActionRequest struct {
	Status string `json:"status"`
}

func (h *TasksHandler) handleAction(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	var req taskActionRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if !store.ValidStatus(req.Status) {
		writeValidation(w, &store.ValidationError{Fields: []store.FieldError{
			{Field: "status", Message: "unknown status", Type: "enum"},
		}}, "status must be one of the task statuses")
		return
	}
	task, err := h.svc.ChangeStatus(r.Context(), taskID, req.Status, "api")
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *TasksHandler) handleCancel(w http.ResponseWriter, r *http.Request) {
	taskID, ok := pathTaskID(w, r)
	if !ok {
		return
	}
	task, err := h.svc.ChangeStatus(r.Context(), taskID, store.StatusCancelled, "api")
	if err != nil {
		h.writeTaskError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (h *TasksHandler) writeTaskError(w http.ResponseWriter, err error) {
	var verr *store.ValidationError
	if errors.As(err, &verr) {
		writeValidation(w, verr, "")
		return
	}
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "task not found")
		return
	}
	slog.Error("api task write failed", "error", err)
	writeError(w, http.StatusInternalServerError, "operation failed")
}

func pathTaskID(w http.ResponseWriter, r *http.Request) (string, bool) {
	taskID := r.PathValue("task_id")
	if !taskIDPattern.MatchString(taskID) {
		writeValidation(w, &store.ValidationError{Fields: []store.FieldError{
			{Field: "task_id", Message: "must match TASK-YYYYMMDD-NNN", Type: "format"},
		}}, "task ids look like TASK-20260115-001")
		return "", false
	}
	return taskID, true
}

func boundedInt(raw, field string, min, max, def int) (int, *store.ValidationError) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < min || n > max {
		return 0, &store.ValidationError{Fields: []store.FieldError{
			{Field: field, Message: "out of range", Type: "range"},
		}}
	}
	return n, nil
}
