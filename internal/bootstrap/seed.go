// Package bootstrap seeds initial data for fresh installs and test
// environments.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/taskpilot/internal/config"
	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// demoTeam is the test-team fixture used by the seed-test-team admin op.
var demoTeam = []store.TeamMember{
	{Name: "Minh", Role: "dev", Timezone: "Asia/Saigon", WorkStart: "09:00", Skills: []string{"go", "postgres"}},
	{Name: "An", Role: "design", Timezone: "Asia/Saigon", WorkStart: "09:30", Skills: []string{"figma"}},
	{Name: "Linh", Role: "marketing", Timezone: "Asia/Saigon", WorkStart: "08:30", Skills: []string{"content"}},
	{Name: "Huy", Role: "admin", Timezone: "Asia/Saigon", WorkStart: "09:00", Skills: []string{"ops"}},
}

// SeedTestTeam inserts the demo members, skipping names that already exist.
// Returns how many members were created.
func SeedTestTeam(ctx context.Context, team store.TeamStore) (int, error) {
	var created int
	for i := range demoTeam {
		m := demoTeam[i]
		m.Active = true
		existing, err := team.GetByName(ctx, m.Name)
		if err != nil {
			return created, fmt.Errorf("lookup %s: %w", m.Name, err)
		}
		if existing != nil {
			continue
		}
		if err := team.CreateMember(ctx, &m); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				continue
			}
			return created, fmt.Errorf("create %s: %w", m.Name, err)
		}
		created++
	}
	slog.Info("test team seeded", "created", created, "total", len(demoTeam))
	return created, nil
}

// SeedStaticTeam mirrors the config-defined static members (tier 3) into the
// relational store so queries and reports see them too. Existing rows win.
func SeedStaticTeam(ctx context.Context, team store.TeamStore, static []config.StaticMember) (int, error) {
	var created int
	for _, sm := range static {
		existing, err := team.GetByName(ctx, sm.Name)
		if err != nil {
			return created, fmt.Errorf("lookup %s: %w", sm.Name, err)
		}
		if existing != nil {
			continue
		}
		m := &store.TeamMember{
			Name:        sm.Name,
			Role:        sm.Role,
			TransportID: sm.TransportID,
			Active:      true,
		}
		if err := team.CreateMember(ctx, m); err != nil {
			if errors.Is(err, store.ErrDuplicateKey) {
				continue
			}
			return created, fmt.Errorf("create %s: %w", sm.Name, err)
		}
		created++
	}
	return created, nil
}
