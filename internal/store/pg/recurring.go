package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// RecurringStore implements store.RecurringStore backed by Postgres.
type RecurringStore struct {
	db *sql.DB
}

func NewRecurringStore(db *sql.DB) *RecurringStore { return &RecurringStore{db: db} }

func (s *RecurringStore) Create(ctx context.Context, rt *store.RecurringTask) error {
	if rt.ID == uuid.Nil {
		rt.ID = store.GenNewID()
	}
	rt.CreatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO recurring_tasks (id, title, description, assignee_name, priority,
		     cron_expr, next_run_at, active, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		rt.ID, rt.Title, nilStr(rt.Description), rt.AssigneeName, rt.Priority,
		rt.CronExpr, rt.NextRunAt.UTC(), rt.Active, rt.CreatedAt)
	return mapErr(err)
}

func (s *RecurringStore) ListDue(ctx context.Context, now time.Time) ([]store.RecurringTask, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, description, assignee_name, priority, cron_expr, next_run_at, active, created_at
		 FROM recurring_tasks WHERE active AND next_run_at <= $1 ORDER BY next_run_at`, now.UTC())
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []store.RecurringTask
	for rows.Next() {
		var rt store.RecurringTask
		var desc *string
		if err := rows.Scan(&rt.ID, &rt.Title, &desc, &rt.AssigneeName, &rt.Priority,
			&rt.CronExpr, &rt.NextRunAt, &rt.Active, &rt.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		rt.Description = derefStr(desc)
		out = append(out, rt)
	}
	return out, mapErr(rows.Err())
}

func (s *RecurringStore) SetNextRun(ctx context.Context, id uuid.UUID, next time.Time) error {
	return execMapUpdate(ctx, s.db, "recurring_tasks", "id", id, map[string]any{
		"next_run_at": next.UTC(),
	})
}
