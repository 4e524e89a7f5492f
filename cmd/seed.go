package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskpilot/internal/bootstrap"
	"github.com/nextlevelbuilder/taskpilot/internal/config"
	"github.com/nextlevelbuilder/taskpilot/internal/store/pg"
)

func seedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert the demo team (idempotent)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cfg.Postgres.DSN == "" {
				return fmt.Errorf("TASKPILOT_POSTGRES_DSN environment variable is not set")
			}

			stores, err := pg.NewStores(cfg.Postgres.DSN)
			if err != nil {
				return fmt.Errorf("connect postgres: %w", err)
			}
			defer stores.DB.Close()

			n, err := bootstrap.SeedTestTeam(cmd.Context(), stores.Team)
			if err != nil {
				return err
			}
			fmt.Printf("seeded %d member(s)\n", n)
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration with secrets masked",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			out, err := json.MarshalIndent(cfg.MaskedCopy(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			return nil
		},
	}
}
