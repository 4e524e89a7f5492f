package pg

import (
	"context"
	"database/sql"
	"time"
)

// DedupStore implements store.DedupStore backed by Postgres.
type DedupStore struct {
	db *sql.DB
}

func NewDedupStore(db *sql.DB) *DedupStore { return &DedupStore{db: db} }

// MarkProcessed records the update id and reports whether this call was the
// first to see it. ON CONFLICT DO NOTHING keeps the insert atomic under
// concurrent retries of the same update.
func (s *DedupStore) MarkProcessed(ctx context.Context, updateID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_updates (transport_update_id, first_seen_at)
		 VALUES ($1, $2) ON CONFLICT (transport_update_id) DO NOTHING`,
		updateID, time.Now().UTC())
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

func (s *DedupStore) PurgeOlderThan(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM processed_updates WHERE first_seen_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, mapErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), mapErr(err)
}

// ReminderStore implements store.ReminderStore backed by Postgres.
type ReminderStore struct {
	db *sql.DB
}

func NewReminderStore(db *sql.DB) *ReminderStore { return &ReminderStore{db: db} }

// MarkSent inserts the (task, bucket) ledger row and reports whether it was
// new. The unique index makes the send-once guarantee hold across processes.
func (s *ReminderStore) MarkSent(ctx context.Context, taskID, bucket string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reminder_ledger (task_id, bucket, sent_at)
		 VALUES ($1, $2, $3) ON CONFLICT (task_id, bucket) DO NOTHING`,
		taskID, bucket, time.Now().UTC())
	if err != nil {
		return false, mapErr(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, mapErr(err)
	}
	return n == 1, nil
}

func (s *ReminderStore) WasSent(ctx context.Context, taskID, bucket string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM reminder_ledger WHERE task_id = $1 AND bucket = $2`,
		taskID, bucket).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, mapErr(err)
	}
	return true, nil
}
