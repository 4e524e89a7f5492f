package pg

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// TeamStore implements store.TeamStore backed by Postgres.
type TeamStore struct {
	db *sql.DB
}

func NewTeamStore(db *sql.DB) *TeamStore { return &TeamStore{db: db} }

const memberColumns = `id, name, role, transport_id, secondary_channel_id, email,
	timezone, work_start, active, skills, created_at, updated_at`

func (s *TeamStore) CreateMember(ctx context.Context, m *store.TeamMember) error {
	if m.ID == uuid.Nil {
		m.ID = store.GenNewID()
	}
	now := time.Now().UTC()
	m.CreatedAt = now
	m.UpdatedAt = now

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO team_members (`+memberColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		m.ID, m.Name, m.Role, nilStr(m.TransportID), nilStr(m.SecondaryChannelID),
		nilStr(m.Email), nilStr(m.Timezone), nilStr(m.WorkStart), m.Active,
		pq.Array(m.Skills), now, now)
	return mapErr(err)
}

// GetByName resolves a member by name, case-insensitively. Returns (nil, nil)
// when absent so the 3-tier lookup can fall through to the next tier.
func (s *TeamStore) GetByName(ctx context.Context, name string) (*store.TeamMember, error) {
	return s.getOne(ctx, `LOWER(name) = LOWER($1)`, name)
}

func (s *TeamStore) GetByTransportID(ctx context.Context, transportID string) (*store.TeamMember, error) {
	return s.getOne(ctx, `transport_id = $1`, transportID)
}

func (s *TeamStore) getOne(ctx context.Context, where string, arg any) (*store.TeamMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memberColumns+` FROM team_members WHERE `+where+` LIMIT 1`, arg)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	members, err := scanMemberRows(rows)
	if err != nil {
		return nil, err
	}
	if len(members) == 0 {
		return nil, nil
	}
	return &members[0], nil
}

func (s *TeamStore) ListActive(ctx context.Context) ([]store.TeamMember, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+memberColumns+` FROM team_members WHERE active ORDER BY name`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return scanMemberRows(rows)
}

func scanMemberRows(rows *sql.Rows) ([]store.TeamMember, error) {
	var out []store.TeamMember
	for rows.Next() {
		var m store.TeamMember
		var transportID, secondary, email, tz, workStart *string
		if err := rows.Scan(&m.ID, &m.Name, &m.Role, &transportID, &secondary,
			&email, &tz, &workStart, &m.Active, pq.Array(&m.Skills),
			&m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, mapErr(err)
		}
		m.TransportID = derefStr(transportID)
		m.SecondaryChannelID = derefStr(secondary)
		m.Email = derefStr(email)
		m.Timezone = derefStr(tz)
		m.WorkStart = derefStr(workStart)
		out = append(out, m)
	}
	return out, mapErr(rows.Err())
}
