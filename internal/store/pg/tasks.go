package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// TaskStore implements store.TaskStore backed by Postgres.
type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(db *sql.DB) *TaskStore { return &TaskStore{db: db} }

const taskColumns = `id, task_id, title, description, assignee_name, assignee_transport_id,
	priority, status, type, deadline, created_at, updated_at, created_by,
	estimated_minutes, actual_minutes, progress, tags, acceptance_criteria,
	external_thread_id, soft_deleted`

// NextTaskID allocates the next external id for the day via an upsert on the
// per-day sequence row. Safe under concurrent callers: the row update is
// serialized by Postgres.
func (s *TaskStore) NextTaskID(ctx context.Context, day time.Time) (string, error) {
	d := day.UTC().Format("2006-01-02")
	var n int
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO task_id_seq (day, n) VALUES ($1, 1)
		 ON CONFLICT (day) DO UPDATE SET n = task_id_seq.n + 1
		 RETURNING n`, d).Scan(&n)
	if err != nil {
		return "", mapErr(err)
	}
	return fmt.Sprintf("TASK-%s-%03d", day.UTC().Format("20060102"), n), nil
}

// CreateTask inserts the task, its audit event and the outbox effects in one
// transaction so a crash cannot persist the task without its side effects.
func (s *TaskStore) CreateTask(ctx context.Context, task *store.Task, audit *store.AuditEvent, effects []store.OutboxItem) error {
	if task.ID == uuid.Nil {
		task.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		task.ID, task.TaskID, task.Title, nilStr(task.Description),
		task.AssigneeName, nilStr(task.AssigneeTransportID),
		task.Priority, task.Status, nilStr(task.Type), task.Deadline,
		now, now, task.CreatedBy,
		task.EstimatedMinutes, task.ActualMinutes, task.Progress,
		pq.Array(task.Tags), pq.Array(task.AcceptanceCriteria),
		nilStr(task.ExternalThreadID), task.SoftDeleted,
	)
	if err != nil {
		return mapErr(err)
	}

	if audit != nil {
		if err := insertAudit(ctx, tx, audit); err != nil {
			return err
		}
	}
	if err := insertOutbox(ctx, tx, effects); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

// GetTaskByID loads the task with subtasks, dependencies and audit history in
// one call so callers never lazy-load. Returns (nil, nil) when absent.
func (s *TaskStore) GetTaskByID(ctx context.Context, taskID string) (*store.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE task_id = $1`, taskID)
	if err != nil {
		return nil, mapErr(err)
	}
	tasks, err := scanTaskRows(rows)
	if err != nil {
		return nil, err
	}
	if len(tasks) == 0 {
		return nil, nil
	}
	t := &tasks[0]

	if t.Subtasks, err = s.subtasks(ctx, t.ID); err != nil {
		return nil, err
	}
	if t.BlockedBy, err = s.Dependencies(ctx, taskID); err != nil {
		return nil, err
	}
	if t.Audit, err = s.auditFor(ctx, taskID); err != nil {
		return nil, err
	}
	return t, nil
}

// UpdateTask applies a column patch plus audit and outbox rows in one
// transaction. A status change must be a legal edge in the transition graph.
func (s *TaskStore) UpdateTask(ctx context.Context, taskID string, updates map[string]any, audit *store.AuditEvent, effects []store.OutboxItem) error {
	if len(updates) == 0 && audit == nil && len(effects) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback()

	if next, ok := updates["status"].(string); ok {
		if !store.ValidStatus(next) {
			return store.NewValidationError("status", fmt.Sprintf("unknown status %q", next), "invalid_value")
		}
		var current string
		err := tx.QueryRowContext(ctx,
			`SELECT status FROM tasks WHERE task_id = $1 FOR UPDATE`, taskID).Scan(&current)
		if err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		if err != nil {
			return mapErr(err)
		}
		if !store.CanTransition(current, next) {
			return store.NewValidationError("status",
				fmt.Sprintf("illegal transition %s -> %s", current, next), "illegal_transition")
		}
	}

	if len(updates) > 0 {
		updates["updated_at"] = time.Now().UTC()
		if err := execMapUpdate(ctx, tx, "tasks", "task_id", taskID, updates); err != nil {
			return err
		}
	}

	if audit != nil {
		if err := insertAudit(ctx, tx, audit); err != nil {
			return err
		}
	}
	if err := insertOutbox(ctx, tx, effects); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

// ListTasks returns non-deleted tasks matching the filter. Past 1000 rows the
// caller must page by cursor (surrogate id) instead of offset.
func (s *TaskStore) ListTasks(ctx context.Context, f store.TaskFilter) ([]store.Task, error) {
	q := `SELECT ` + taskColumns + ` FROM tasks WHERE NOT soft_deleted`
	args := []any{}
	n := 0

	add := func(clause string, v any) {
		n++
		q += fmt.Sprintf(" AND %s $%d", clause, n)
		args = append(args, v)
	}
	if f.Status != "" {
		add("status =", f.Status)
	}
	if f.Assignee != "" {
		add("assignee_name =", f.Assignee)
	}
	if f.Cursor != uuid.Nil {
		add("id >", f.Cursor)
	}

	switch f.OrderBy {
	case "deadline":
		q += " ORDER BY deadline NULLS LAST, id"
	case "priority":
		q += ` ORDER BY array_position(ARRAY['urgent','high','medium','low'], priority), id`
	default:
		q += " ORDER BY created_at DESC, id"
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	n++
	q += fmt.Sprintf(" LIMIT $%d", n)
	args = append(args, limit)
	if f.Offset > 0 && f.Cursor == uuid.Nil {
		n++
		q += fmt.Sprintf(" OFFSET $%d", n)
		args = append(args, f.Offset)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanTaskRows(rows)
}

// ListOverdue returns open tasks whose deadline has passed.
func (s *TaskStore) ListOverdue(ctx context.Context, now time.Time) ([]store.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE NOT soft_deleted AND deadline IS NOT NULL AND deadline < $1
		   AND status NOT IN ('completed', 'cancelled')
		 ORDER BY deadline`, now.UTC())
	if err != nil {
		return nil, mapErr(err)
	}
	return scanTaskRows(rows)
}

// ListDueSoon returns open tasks due within the window starting at now.
func (s *TaskStore) ListDueSoon(ctx context.Context, now time.Time, within time.Duration) ([]store.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE NOT soft_deleted AND deadline IS NOT NULL
		   AND deadline >= $1 AND deadline <= $2
		   AND status NOT IN ('completed', 'cancelled')
		 ORDER BY deadline`, now.UTC(), now.UTC().Add(within))
	if err != nil {
		return nil, mapErr(err)
	}
	return scanTaskRows(rows)
}

// SearchTasks runs a full-text search over title+description ranked by
// term-frequency score.
func (s *TaskStore) SearchTasks(ctx context.Context, query string, f store.TaskFilter) ([]store.Task, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE NOT soft_deleted AND tsv @@ plainto_tsquery('simple', $1)
		 ORDER BY ts_rank(tsv, plainto_tsquery('simple', $1)) DESC
		 LIMIT $2`, query, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	return scanTaskRows(rows)
}

// SoftDeleteOpenTasks soft-deletes every non-completed task, appends an audit
// event per task and enqueues the caller-built cleanup effect for each one,
// all in one transaction. Used by the dangerous clear-all path.
func (s *TaskStore) SoftDeleteOpenTasks(ctx context.Context, actor string, effect func(store.Task) *store.OutboxItem) ([]store.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr(err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`UPDATE tasks SET soft_deleted = TRUE, updated_at = $1
		 WHERE NOT soft_deleted AND status NOT IN ('completed', 'cancelled')
		 RETURNING `+taskColumns, time.Now().UTC())
	if err != nil {
		return nil, mapErr(err)
	}
	tasks, err := scanTaskRows(rows)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	var effects []store.OutboxItem
	for i := range tasks {
		ev := &store.AuditEvent{
			ID: store.GenNewID(), Timestamp: now,
			EntityType: "task", EntityID: tasks[i].TaskID,
			Actor: actor, Action: "soft_deleted",
		}
		if err := insertAudit(ctx, tx, ev); err != nil {
			return nil, err
		}
		if effect != nil {
			if item := effect(tasks[i]); item != nil {
				effects = append(effects, *item)
			}
		}
	}
	if err := insertOutbox(ctx, tx, effects); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}
	return tasks, nil
}

// ArchiveCompletedBefore soft-deletes completed tasks older than the cutoff.
func (s *TaskStore) ArchiveCompletedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET soft_deleted = TRUE, updated_at = $1
		 WHERE NOT soft_deleted AND status = 'completed' AND updated_at < $2`,
		time.Now().UTC(), cutoff.UTC())
	if err != nil {
		return 0, mapErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), mapErr(err)
}

// --- subtasks ---

// AddSubtask appends a subtask with the next dense 1-based order.
func (s *TaskStore) AddSubtask(ctx context.Context, taskID string, title string) (*store.Subtask, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr(err)
	}
	defer tx.Rollback()

	var parentID uuid.UUID
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM tasks WHERE task_id = $1 FOR UPDATE`, taskID).Scan(&parentID)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}

	now := time.Now().UTC()
	st := &store.Subtask{ID: store.GenNewID(), TaskID: parentID, Title: title, CreatedAt: now, UpdatedAt: now}
	err = tx.QueryRowContext(ctx,
		`INSERT INTO subtasks (id, task_id, title, ord, done, created_at, updated_at)
		 VALUES ($1, $2, $3, (SELECT COALESCE(MAX(ord), 0) + 1 FROM subtasks WHERE task_id = $2), FALSE, $4, $4)
		 RETURNING ord`, st.ID, st.TaskID, title, now).Scan(&st.Order)
	if err != nil {
		return nil, mapErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}
	return st, nil
}

// CompleteSubtask marks the subtask done and recomputes parent progress as
// floor(100*done/total). Progress is clamped to 99 while the parent is still
// open so progress=100 remains equivalent to a terminal status.
func (s *TaskStore) CompleteSubtask(ctx context.Context, taskID string, order int) (*store.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, mapErr(err)
	}
	defer tx.Rollback()

	var parentID uuid.UUID
	var status string
	err = tx.QueryRowContext(ctx,
		`SELECT id, status FROM tasks WHERE task_id = $1 FOR UPDATE`, taskID).
		Scan(&parentID, &status)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, mapErr(err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE subtasks SET done = TRUE, updated_at = $1 WHERE task_id = $2 AND ord = $3`,
		time.Now().UTC(), parentID, order)
	if err != nil {
		return nil, mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, store.ErrNotFound
	}

	var done, total int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FILTER (WHERE done), COUNT(*) FROM subtasks WHERE task_id = $1`,
		parentID).Scan(&done, &total)
	if err != nil {
		return nil, mapErr(err)
	}

	progress := 0
	if total > 0 {
		progress = 100 * done / total
	}
	if progress >= 100 && status != store.StatusCompleted && status != store.StatusCancelled {
		progress = 99
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE tasks SET progress = $1, updated_at = $2 WHERE id = $3`,
		progress, time.Now().UTC(), parentID)
	if err != nil {
		return nil, mapErr(err)
	}

	if err := tx.Commit(); err != nil {
		return nil, mapErr(err)
	}
	return s.GetTaskByID(ctx, taskID)
}

// --- dependencies ---

// AddDependency inserts an edge after verifying both tasks exist and the edge
// does not close a cycle. The reachability walk runs inside the insert
// transaction so concurrent adds cannot sneak a cycle in.
func (s *TaskStore) AddDependency(ctx context.Context, taskID, dependsOn string) error {
	if taskID == dependsOn {
		return store.NewValidationError("depends_on", "a task cannot depend on itself", "cycle")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM tasks WHERE task_id IN ($1, $2)`, taskID, dependsOn).Scan(&exists)
	if err != nil {
		return mapErr(err)
	}
	if exists != 2 {
		return store.NewValidationError("depends_on", "referenced task does not exist", "missing_ref")
	}

	// Cycle check: is taskID reachable from dependsOn via existing edges?
	var cycle bool
	err = tx.QueryRowContext(ctx,
		`WITH RECURSIVE reach(t) AS (
		     SELECT depends_on FROM task_dependencies WHERE task_id = $1
		   UNION
		     SELECT d.depends_on FROM task_dependencies d JOIN reach r ON d.task_id = r.t
		 )
		 SELECT EXISTS (SELECT 1 FROM reach WHERE t = $2)`, dependsOn, taskID).Scan(&cycle)
	if err != nil {
		return mapErr(err)
	}
	if cycle {
		return store.NewValidationError("depends_on", "dependency would create a cycle", "cycle")
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO task_dependencies (task_id, depends_on, created_at)
		 VALUES ($1, $2, $3) ON CONFLICT DO NOTHING`,
		taskID, dependsOn, time.Now().UTC())
	if err != nil {
		return mapErr(err)
	}

	if err := tx.Commit(); err != nil {
		return mapErr(err)
	}
	return nil
}

func (s *TaskStore) RemoveDependency(ctx context.Context, taskID, dependsOn string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM task_dependencies WHERE task_id = $1 AND depends_on = $2`,
		taskID, dependsOn)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *TaskStore) Dependencies(ctx context.Context, taskID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT depends_on FROM task_dependencies WHERE task_id = $1 ORDER BY depends_on`, taskID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var dep string
		if err := rows.Scan(&dep); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, dep)
	}
	return out, mapErr(rows.Err())
}

// --- internal ---

func (s *TaskStore) subtasks(ctx context.Context, taskID uuid.UUID) ([]store.Subtask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, task_id, title, ord, done, created_at, updated_at
		 FROM subtasks WHERE task_id = $1 ORDER BY ord`, taskID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []store.Subtask
	for rows.Next() {
		var st store.Subtask
		if err := rows.Scan(&st.ID, &st.TaskID, &st.Title, &st.Order, &st.Done, &st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, st)
	}
	return out, mapErr(rows.Err())
}

func (s *TaskStore) auditFor(ctx context.Context, taskID string) ([]store.AuditEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, entity_type, entity_id, actor, action, before, after
		 FROM audit_logs WHERE entity_type = 'task' AND entity_id = $1
		 ORDER BY ts`, taskID)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

func scanTaskRows(rows *sql.Rows) ([]store.Task, error) {
	defer rows.Close()

	var tasks []store.Task
	for rows.Next() {
		var t store.Task
		var desc, typ, transportID, threadID *string
		var deadline sql.NullTime
		if err := rows.Scan(
			&t.ID, &t.TaskID, &t.Title, &desc, &t.AssigneeName, &transportID,
			&t.Priority, &t.Status, &typ, &deadline, &t.CreatedAt, &t.UpdatedAt,
			&t.CreatedBy, &t.EstimatedMinutes, &t.ActualMinutes, &t.Progress,
			pq.Array(&t.Tags), pq.Array(&t.AcceptanceCriteria),
			&threadID, &t.SoftDeleted,
		); err != nil {
			return nil, mapErr(err)
		}
		t.Description = derefStr(desc)
		t.Type = derefStr(typ)
		t.AssigneeTransportID = derefStr(transportID)
		t.ExternalThreadID = derefStr(threadID)
		t.Deadline = derefTime(deadline)
		tasks = append(tasks, t)
	}
	return tasks, mapErr(rows.Err())
}

// insertOutbox writes outbox rows within the caller's transaction.
func insertOutbox(ctx context.Context, tx *sql.Tx, items []store.OutboxItem) error {
	for i := range items {
		it := &items[i]
		if it.ID == uuid.Nil {
			it.ID = store.GenNewID()
		}
		if it.MaxAttempts <= 0 {
			it.MaxAttempts = 5
		}
		now := time.Now().UTC()
		if it.CreatedAt.IsZero() {
			it.CreatedAt = now
		}
		if it.NextAttemptAt.IsZero() {
			it.NextAttemptAt = now
		}
		if !json.Valid(it.Payload) {
			return store.NewValidationError("payload", "outbox payload must be JSON", "invalid_value")
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO outbox (id, target_adapter, payload, idempotency_key,
			     attempt_count, max_attempts, next_attempt_at, dead_letter, last_error, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,FALSE,NULL,$8)
			 ON CONFLICT (idempotency_key) WHERE NOT dead_letter DO NOTHING`,
			it.ID, it.TargetAdapter, it.Payload, it.IdempotencyKey,
			it.AttemptCount, it.MaxAttempts, it.NextAttemptAt, it.CreatedAt)
		if err != nil {
			return mapErr(err)
		}
	}
	return nil
}
