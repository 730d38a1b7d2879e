package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/relearnhq/stepline/internal/config"
	"github.com/relearnhq/stepline/internal/persistence"
	"github.com/relearnhq/stepline/internal/pipeline"
)

// Migrations run on open; the command exists so deployments can apply
// them ahead of rolling the service.
func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewFromEnv()
			if err != nil {
				return err
			}
			store, err := persistence.NewSQLiteStore(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("applying migrations: %w", err)
			}
			defer store.Close()
			cmd.Printf("database %s is up to date\n", cfg.Database.Path)
			return nil
		},
	}
}

func newReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail stale PROCESSING modules once and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.NewFromEnv()
			if err != nil {
				return err
			}
			store, err := persistence.NewSQLiteStore(cfg.Database.Path)
			if err != nil {
				return err
			}
			defer store.Close()

			cutoff := time.Now().Add(-cfg.Pipeline.StaleAfter)
			lastError := fmt.Sprintf("%s: processing run made no progress for more than %s",
				pipeline.CodeStaleRun, cfg.Pipeline.StaleAfter)
			n, err := store.ReapStale(cmd.Context(), cutoff, lastError)
			if err != nil {
				return err
			}
			cmd.Printf("reaped %d stale modules\n", n)
			return nil
		},
	}
}
