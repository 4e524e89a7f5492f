package pg

import (
	"context"
	"database/sql"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// OutboxStore implements store.OutboxStore backed by Postgres.
type OutboxStore struct {
	db *sql.DB
}

func NewOutboxStore(db *sql.DB) *OutboxStore { return &OutboxStore{db: db} }

// Enqueue inserts items outside any domain transaction. Domain code that must
// co-commit effects with a state change goes through TaskStore instead; this
// entry point serves standalone effects (scheduler notifications, alerts).
func (s *OutboxStore) Enqueue(ctx context.Context, items ...store.OutboxItem) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback()
	if err := insertOutbox(ctx, tx, items); err != nil {
		return err
	}
	return mapErr(tx.Commit())
}

// claimLease is how far ClaimDue pushes next_attempt_at forward on claim.
// A worker that crashes mid-delivery loses the item for at most this long.
const claimLease = 2 * time.Minute

// ClaimDue claims up to limit deliverable items. SKIP LOCKED keeps concurrent
// workers from double-claiming inside the query; the lease bump keeps a second
// poll from re-claiming before delivery finishes. Items for the same
// idempotency key come back in insertion order (created_at, id).
func (s *OutboxStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]store.OutboxItem, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx,
		`UPDATE outbox SET next_attempt_at = $1
		 WHERE id IN (
		     SELECT id FROM outbox
		     WHERE next_attempt_at <= $2 AND NOT dead_letter
		     ORDER BY created_at, id
		     LIMIT $3
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, target_adapter, payload, idempotency_key, attempt_count,
		           max_attempts, next_attempt_at, dead_letter, COALESCE(last_error, ''), created_at`,
		now.UTC().Add(claimLease), now.UTC(), limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	items, err := scanOutboxRows(rows)
	if err != nil {
		return nil, err
	}
	// RETURNING order is unspecified; restore insertion order.
	sort.Slice(items, func(i, j int) bool {
		if !items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].CreatedAt.Before(items[j].CreatedAt)
		}
		return items[i].ID.String() < items[j].ID.String()
	})
	return items, nil
}

func (s *OutboxStore) MarkDelivered(ctx context.Context, id uuid.UUID) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = $1`, id)
	if err != nil {
		return mapErr(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (s *OutboxStore) Reschedule(ctx context.Context, id uuid.UUID, attempt int, next time.Time, lastErr string) error {
	return execMapUpdate(ctx, s.db, "outbox", "id", id, map[string]any{
		"attempt_count":   attempt,
		"next_attempt_at": next.UTC(),
		"last_error":      nilStr(lastErr),
	})
}

func (s *OutboxStore) MarkDead(ctx context.Context, id uuid.UUID, lastErr string) error {
	return execMapUpdate(ctx, s.db, "outbox", "id", id, map[string]any{
		"dead_letter": true,
		"last_error":  nilStr(lastErr),
	})
}

func (s *OutboxStore) ListDead(ctx context.Context, limit int) ([]store.OutboxItem, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, target_adapter, payload, idempotency_key, attempt_count,
		        max_attempts, next_attempt_at, dead_letter, COALESCE(last_error, ''), created_at
		 FROM outbox WHERE dead_letter ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return scanOutboxRows(rows)
}

func scanOutboxRows(rows *sql.Rows) ([]store.OutboxItem, error) {
	var out []store.OutboxItem
	for rows.Next() {
		var it store.OutboxItem
		if err := rows.Scan(&it.ID, &it.TargetAdapter, &it.Payload, &it.IdempotencyKey,
			&it.AttemptCount, &it.MaxAttempts, &it.NextAttemptAt, &it.DeadLetter,
			&it.LastError, &it.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, it)
	}
	return out, mapErr(rows.Err())
}
