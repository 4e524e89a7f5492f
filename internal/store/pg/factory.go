package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/nextlevelbuilder/taskpilot/internal/store"
)

// OpenDB opens the shared connection pool. Steady-state size is 10 with a
// burst overflow up to 30 open connections; connections are recycled hourly.
func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxIdleConns(10)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(time.Hour)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return db, nil
}

// NewStores creates all repositories backed by Postgres.
func NewStores(dsn string) (*store.Stores, error) {
	db, err := OpenDB(dsn)
	if err != nil {
		return nil, err
	}

	return &store.Stores{
		Tasks:         NewTaskStore(db),
		Conversations: NewConversationStore(db),
		Team:          NewTeamStore(db),
		Audit:         NewAuditStore(db),
		Outbox:        NewOutboxStore(db),
		Dedup:         NewDedupStore(db),
		Reminders:     NewReminderStore(db),
		OAuth:         NewOAuthTokenStore(db),
		Timesheet:     NewTimesheetStore(db),
		Recurring:     NewRecurringStore(db),
		DB:            db,
	}, nil
}
