package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// OAuthTokenStore implements store.OAuthTokenStore backed by Postgres.
// Token columns hold ciphertext; encryption happens in internal/secrets
// before the value reaches this layer.
type OAuthTokenStore struct {
	db *sql.DB
}

func NewOAuthTokenStore(db *sql.DB) *OAuthTokenStore { return &OAuthTokenStore{db: db} }

func (s *OAuthTokenStore) Upsert(ctx context.Context, t *store.OAuthToken) error {
	t.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO oauth_tokens (email, service, refresh_token, access_token, expires_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6)
		 ON CONFLICT (email, service) DO UPDATE SET
		     refresh_token = EXCLUDED.refresh_token,
		     access_token = EXCLUDED.access_token,
		     expires_at = EXCLUDED.expires_at,
		     updated_at = EXCLUDED.updated_at`,
		t.Email, t.Service, t.RefreshTokenCT, nilStr(t.AccessTokenCT), t.ExpiresAt, t.UpdatedAt)
	return mapErr(err)
}

func (s *OAuthTokenStore) Get(ctx context.Context, email, service string) (*store.OAuthToken, error) {
	var t store.OAuthToken
	var accessCT *string
	var expires sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT email, service, refresh_token, access_token, expires_at, updated_at
		 FROM oauth_tokens WHERE email = $1 AND service = $2`, email, service).
		Scan(&t.Email, &t.Service, &t.RefreshTokenCT, &accessCT, &expires, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr(err)
	}
	t.AccessTokenCT = derefStr(accessCT)
	t.ExpiresAt = derefTime(expires)
	return &t, nil
}

func (s *OAuthTokenStore) List(ctx context.Context) ([]store.OAuthToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT email, service, refresh_token, access_token, expires_at, updated_at
		 FROM oauth_tokens ORDER BY email, service`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()

	var out []store.OAuthToken
	for rows.Next() {
		var t store.OAuthToken
		var accessCT *string
		var expires sql.NullTime
		if err := rows.Scan(&t.Email, &t.Service, &t.RefreshTokenCT, &accessCT, &expires, &t.UpdatedAt); err != nil {
			return nil, mapErr(err)
		}
		t.AccessTokenCT = derefStr(accessCT)
		t.ExpiresAt = derefTime(expires)
		out = append(out, t)
	}
	return out, mapErr(rows.Err())
}
