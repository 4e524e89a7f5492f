package bootstrap

import (
	"context"
	"testing"

	"github.com/nextlevelbuilder/taskpilot/internal/config"
	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

type fakeTeam struct {
	store.TeamStore
	members map[string]*store.TeamMember
}

func newFakeTeam() *fakeTeam {
	return &fakeTeam{members: map[string]*store.TeamMember{}}
}

func (f *fakeTeam) GetByName(_ context.Context, name string) (*store.TeamMember, error) {
	return f.members[name], nil
}

func (f *fakeTeam) CreateMember(_ context.Context, m *store.TeamMember) error {
	if _, ok := f.members[m.Name]; ok {
		return store.ErrDuplicateKey
	}
	f.members[m.Name] = m
	return nil
}

func TestSeedTestTeamIdempotent(t *testing.T) {
	team := newFakeTeam()

	n, err := SeedTestTeam(context.Background(), team)
	if err != nil {
		t.Fatal(err)
	}
	if n != len(demoTeam) {
		t.Errorf("created = %d, want %d", n, len(demoTeam))
	}
	if m := team.members["Minh"]; m == nil || !m.Active || m.Role != "dev" {
		t.Errorf("Minh = %+v", m)
	}

	n, err = SeedTestTeam(context.Background(), team)
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("second seed created %d, want 0", n)
	}
}

func TestSeedStaticTeamSkipsExisting(t *testing.T) {
	team := newFakeTeam()
	team.members["Minh"] = &store.TeamMember{Name: "Minh", Role: "dev"}

	n, err := SeedStaticTeam(context.Background(), team, []config.StaticMember{
		{Name: "Minh", Role: "dev", TransportID: "1"},
		{Name: "Trang", Role: "marketing", TransportID: "2"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("created = %d, want 1", n)
	}
	if team.members["Trang"].TransportID != "2" {
		t.Errorf("Trang = %+v", team.members["Trang"])
	}
}
