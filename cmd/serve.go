package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/taskpilot/internal/adapters"
	"github.com/nextlevelbuilder/taskpilot/internal/bootstrap"
	"github.com/nextlevelbuilder/taskpilot/internal/config"
	"github.com/nextlevelbuilder/taskpilot/internal/dialog"
	"github.com/nextlevelbuilder/taskpilot/internal/dispatch"
	"github.com/nextlevelbuilder/taskpilot/internal/httpapi"
	"github.com/nextlevelbuilder/taskpilot/internal/intent"
	"github.com/nextlevelbuilder/taskpilot/internal/llm"
	"github.com/nextlevelbuilder/taskpilot/internal/outbox"
	"github.com/nextlevelbuilder/taskpilot/internal/scheduler"
	"github.com/nextlevelbuilder/taskpilot/internal/secrets"
	"github.com/nextlevelbuilder/taskpilot/internal/sessions"
	"github.com/nextlevelbuilder/taskpilot/internal/store/pg"
	"github.com/nextlevelbuilder/taskpilot/internal/tasks"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator (webhook server, outbox workers, scheduler)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}
	slog.Debug("config loaded", "config", fmt.Sprintf("%+v", cfg.MaskedCopy()))

	if err := serve(cfg); err != nil {
		slog.Error("coordinator stopped with error", "error", err)
		os.Exit(1)
	}
}

func serve(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loc, err := cfg.Location()
	if err != nil {
		return fmt.Errorf("resolve timezone: %w", err)
	}

	stores, err := pg.NewStores(cfg.Postgres.DSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer stores.DB.Close()

	sess := sessions.New(ctx, cfg.Redis.URL)
	if !sess.Durable() {
		slog.Warn("session store running on local fallback; pending confirmations will not survive a restart")
	}

	var box *secrets.Box
	if key, err := cfg.EncryptionKeyBytes(); err != nil {
		return err
	} else if key != nil {
		box, err = secrets.New(key)
		if err != nil {
			return fmt.Errorf("init encryption: %w", err)
		}
	}

	telegram, err := adapters.NewTelegram(cfg.Telegram.Token, cfg.Telegram.BossChatID, cfg.Telegram.Proxy)
	if err != nil {
		return fmt.Errorf("init telegram: %w", err)
	}
	sheets := adapters.NewSheets(cfg.Sheets.BaseURL, cfg.Sheets.APIKey)
	calendar := adapters.NewCalendar(cfg.Calendar.BaseURL, cfg.Calendar.APIKey)
	events := adapters.NewWebhook(cfg.Events.WebhookURL, cfg.Events.WebhookSecret)
	registry := adapters.NewRegistry(telegram, sheets, calendar, events)

	client := llm.New(cfg.LLM.APIKey, cfg.LLM.APIBase, cfg.LLM.Model, cfg.LLM.Timeout())
	classifier := intent.NewClassifier(client, loc)

	static := make([]tasks.StaticMember, 0, len(cfg.Team))
	for _, m := range cfg.Team {
		static = append(static, tasks.StaticMember{Name: m.Name, Role: m.Role, TransportID: m.TransportID})
	}
	var procOpts []tasks.Option
	if cfg.Events.Enabled() {
		procOpts = append(procOpts, tasks.WithEventFeed())
	}
	processor := tasks.NewProcessor(stores.Tasks, stores.Team, sheets, static,
		cfg.Telegram.RoleChats, cfg.Telegram.BossChatID, cfg.Calendar.Enabled(), procOpts...)

	engine := dialog.NewEngine(stores.Conversations, stores.Tasks, sess, processor, loc, cfg.Review.Threshold)
	dispatcher := dispatch.New(stores.Conversations, stores.Tasks, stores.Team, sess,
		engine, classifier, processor, cfg.Telegram.BossUserID, loc,
		dispatch.WithTimesheet(stores.Timesheet))

	// Config-defined members are mirrored into the relational store so
	// listings and reports see them. Existing rows win.
	if _, err := bootstrap.SeedStaticTeam(ctx, stores.Team, cfg.Team); err != nil {
		slog.Warn("static team mirror failed", "error", err)
	}

	admin := httpapi.NewAdminHandler(cfg.Server.AdminSecret, stores, box,
		func(context.Context) error { return migrateUp(cfg.Postgres.DSN) },
		func(ctx context.Context) error {
			_, err := bootstrap.SeedTestTeam(ctx, stores.Team)
			return err
		})

	server := httpapi.NewServer(httpapi.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		WebhookSecret:   cfg.Server.WebhookSecret,
		AdminSecret:     cfg.Server.AdminSecret,
		APIToken:        cfg.Server.APIToken,
		RateLimitAuth:   cfg.Server.RateLimitAuth,
		RateLimitPublic: cfg.Server.RateLimitPublic,
	}, stores, sess, dispatcher, processor, admin)

	sched := scheduler.New(stores.Outbox, loc, scheduler.BuildJobs(scheduler.Deps{
		Stores:  stores,
		Creator: processor,
		Loc:     loc,
	}))

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(ctx) })
	g.Go(func() error { return sched.Run(ctx) })
	workers := cfg.Outbox.Workers
	if workers < 1 {
		workers = 1
	}
	for i := 0; i < workers; i++ {
		w := outbox.NewWorker(stores.Outbox, registry, cfg.Outbox.FallbackPath)
		g.Go(func() error { return w.Run(ctx) })
	}

	slog.Info("taskpilot running",
		"addr", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		"outbox_workers", workers,
		"timezone", loc.String(),
		"sessions_durable", sess.Durable())

	// Workers and the scheduler exit with context.Canceled on a normal
	// SIGINT/SIGTERM shutdown; only surface real failures.
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	slog.Info("taskpilot stopped")
	return nil
}
