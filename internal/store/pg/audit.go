package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// AuditStore implements store.AuditStore backed by Postgres.
type AuditStore struct {
	db *sql.DB
}

func NewAuditStore(db *sql.DB) *AuditStore { return &AuditStore{db: db} }

func (s *AuditStore) Append(ctx context.Context, ev *store.AuditEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	defer tx.Rollback()
	if err := insertAudit(ctx, tx, ev); err != nil {
		return err
	}
	return mapErr(tx.Commit())
}

func (s *AuditStore) ForEntity(ctx context.Context, entityType, entityID string, limit int) ([]store.AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, ts, entity_type, entity_id, actor, action, before, after
		 FROM audit_logs WHERE entity_type = $1 AND entity_id = $2
		 ORDER BY ts DESC LIMIT $3`, entityType, entityID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return scanAuditRows(rows)
}

// insertAudit writes one audit row inside the caller's transaction so audit
// entries are co-committed with the change they describe.
func insertAudit(ctx context.Context, tx *sql.Tx, ev *store.AuditEvent) error {
	if ev.ID == uuid.Nil {
		ev.ID = store.GenNewID()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO audit_logs (id, ts, entity_type, entity_id, actor, action, before, after)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		ev.ID, ev.Timestamp, ev.EntityType, ev.EntityID, ev.Actor, ev.Action,
		nullJSON(ev.Before), nullJSON(ev.After))
	return mapErr(err)
}

func nullJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

func scanAuditRows(rows *sql.Rows) ([]store.AuditEvent, error) {
	var out []store.AuditEvent
	for rows.Next() {
		var ev store.AuditEvent
		if err := rows.Scan(&ev.ID, &ev.Timestamp, &ev.EntityType, &ev.EntityID,
			&ev.Actor, &ev.Action, &ev.Before, &ev.After); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, ev)
	}
	return out, mapErr(rows.Err())
}
