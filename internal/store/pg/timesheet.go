package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// TimesheetStore implements store.TimesheetStore backed by Postgres.
type TimesheetStore struct {
	db *sql.DB
}

func NewTimesheetStore(db *sql.DB) *TimesheetStore { return &TimesheetStore{db: db} }

func (s *TimesheetStore) StartEntry(ctx context.Context, userID, taskID string, at time.Time) (*store.TimeEntry, error) {
	e := &store.TimeEntry{ID: store.GenNewID(), UserID: userID, TaskID: taskID, StartedAt: at.UTC()}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO time_entries (id, user_id, task_id, started_at) VALUES ($1,$2,$3,$4)`,
		e.ID, userID, taskID, e.StartedAt)
	if err != nil {
		return nil, mapErr(err)
	}
	return e, nil
}

func (s *TimesheetStore) StopEntry(ctx context.Context, id uuid.UUID, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE time_entries
		 SET ended_at = $1, minutes = GREATEST(0, EXTRACT(EPOCH FROM ($1 - started_at)) / 60)::int
		 WHERE id = $2 AND ended_at IS NULL`, at.UTC(), id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

// UserTimesheet joins time entries with tasks in one query so callers never
// issue N+1 lookups for titles.
func (s *TimesheetStore) UserTimesheet(ctx context.Context, userID string, from, to time.Time) ([]store.TimesheetRow, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT e.id, e.user_id, e.task_id, e.started_at, e.ended_at, COALESCE(e.minutes, 0),
		        COALESCE(e.note, ''), COALESCE(t.title, '')
		 FROM time_entries e
		 LEFT JOIN tasks t ON t.task_id = e.task_id
		 WHERE e.user_id = $1 AND e.started_at >= $2 AND e.started_at < $3
		 ORDER BY e.started_at`, userID, from.UTC(), to.UTC())
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []store.TimesheetRow
	for rows.Next() {
		var r store.TimesheetRow
		var ended sql.NullTime
		if err := rows.Scan(&r.Entry.ID, &r.Entry.UserID, &r.Entry.TaskID,
			&r.Entry.StartedAt, &ended, &r.Entry.Minutes, &r.Entry.Note, &r.TaskTitle); err != nil {
			return nil, mapErr(err)
		}
		r.Entry.EndedAt = derefTime(ended)
		r.TaskID = r.Entry.TaskID
		out = append(out, r)
	}
	return out, mapErr(rows.Err())
}

func (s *TimesheetStore) RecordAttendance(ctx context.Context, rec *store.AttendanceRecord) error {
	if rec.ID == uuid.Nil {
		rec.ID = store.GenNewID()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO attendance_records (id, day, user_id, check_in, check_out)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (day, user_id) DO UPDATE SET
		     check_in = COALESCE(attendance_records.check_in, EXCLUDED.check_in),
		     check_out = COALESCE(EXCLUDED.check_out, attendance_records.check_out)`,
		rec.ID, rec.Date.UTC().Format("2006-01-02"), rec.UserID, rec.CheckIn, rec.CheckOut)
	return mapErr(err)
}
