package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// ConversationStore implements store.ConversationStore backed by Postgres.
// A partial unique index on (user_id) WHERE closed_at IS NULL enforces the
// one-open-conversation-per-user invariant at the storage layer.
type ConversationStore struct {
	db *sql.DB
}

func NewConversationStore(db *sql.DB) *ConversationStore { return &ConversationStore{db: db} }

func (s *ConversationStore) OpenConversation(ctx context.Context, userID, stage string) (*store.Conversation, error) {
	if c, err := s.GetOpen(ctx, userID); err != nil || c != nil {
		return c, err
	}

	now := time.Now().UTC()
	c := &store.Conversation{
		ID: store.GenNewID(), UserID: userID, Stage: stage,
		CreatedAt: now, LastActivityAt: now,
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, user_id, stage, scratch, created_at, last_activity_at)
		 VALUES ($1,$2,$3,NULL,$4,$4)`,
		c.ID, userID, stage, now)
	if err != nil {
		// Lost a race to another insert: return the winner.
		if errors.Is(mapErr(err), store.ErrDuplicateKey) {
			return s.GetOpen(ctx, userID)
		}
		return nil, mapErr(err)
	}
	return c, nil
}

func (s *ConversationStore) GetOpen(ctx context.Context, userID string) (*store.Conversation, error) {
	var c store.Conversation
	var scratch []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, stage, scratch, created_at, last_activity_at
		 FROM conversations WHERE user_id = $1 AND closed_at IS NULL`, userID).
		Scan(&c.ID, &c.UserID, &c.Stage, &scratch, &c.CreatedAt, &c.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	c.Scratch = scratch
	return &c, nil
}

func (s *ConversationStore) SaveStage(ctx context.Context, id uuid.UUID, stage string, scratch []byte) error {
	return execMapUpdate(ctx, s.db, "conversations", "id", id, map[string]any{
		"stage":            stage,
		"scratch":          nullJSON(scratch),
		"last_activity_at": time.Now().UTC(),
	})
}

func (s *ConversationStore) Close(ctx context.Context, id uuid.UUID) error {
	return execMapUpdate(ctx, s.db, "conversations", "id", id, map[string]any{
		"closed_at": time.Now().UTC(),
	})
}

// CloseIdleSince closes every open conversation whose last activity predates
// the cutoff. Used by the scheduler's idle sweep.
func (s *ConversationStore) CloseIdleSince(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET closed_at = $1
		 WHERE closed_at IS NULL AND last_activity_at < $2`,
		time.Now().UTC(), cutoff.UTC())
	if err != nil {
		return 0, mapErr(err)
	}
	n, err := res.RowsAffected()
	return int(n), mapErr(err)
}

func (s *ConversationStore) AppendMessage(ctx context.Context, convID uuid.UUID, role, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, created_at)
		 VALUES ($1,$2,$3,$4,$5)`,
		store.GenNewID(), convID, role, content, time.Now().UTC())
	return mapErr(err)
}

func (s *ConversationStore) Messages(ctx context.Context, convID uuid.UUID, limit int) ([]store.ConversationMessage, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, created_at FROM (
		     SELECT id, conversation_id, role, content, created_at
		     FROM messages WHERE conversation_id = $1
		     ORDER BY created_at DESC LIMIT $2
		 ) m ORDER BY created_at`, convID, limit)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []store.ConversationMessage
	for rows.Next() {
		var m store.ConversationMessage
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, mapErr(err)
		}
		out = append(out, m)
	}
	return out, mapErr(rows.Err())
}
