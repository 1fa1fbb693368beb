package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/fyrsmithlabs/trainloop/internal/config"
	"github.com/fyrsmithlabs/trainloop/internal/store/postgres"
)

func newMigrateCmd(configPath *string) *cobra.Command {
	var statusOnly bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply postgres schema migrations",
		Long: `Apply pending schema migrations to the postgres task store.

Migrations are embedded in the binary and applied in order, each in its own
transaction. Running migrate twice is a no-op.

Examples:
  # Apply pending migrations
  TRAINLOOP_STORE_DRIVER=postgres TRAINLOOP_STORE_POSTGRES__URL=postgres://... trainloop migrate

  # Show the current schema version only
  trainloop migrate --status`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), 5*time.Minute)
			defer cancel()

			cfg, err := config.LoadWithFile(*configPath)
			if err != nil {
				return err
			}
			if cfg.Store.Driver != config.DriverPostgres {
				return fmt.Errorf("migrate requires store.driver=%s, got %q", config.DriverPostgres, cfg.Store.Driver)
			}

			st, err := postgres.Open(ctx, postgres.Config{URL: cfg.Store.Postgres.URL.Value(), MaxConns: 2})
			if err != nil {
				return err
			}
			defer st.Close()

			out := cmd.OutOrStdout()
			if !statusOnly {
				n, err := postgres.Migrate(ctx, st.Pool())
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(out, "Applied %d migration(s)\n", n)
			}
			v, err := postgres.SchemaVersion(ctx, st.Pool())
			if err != nil {
				return fmt.Errorf("failed to read schema version: %w", err)
			}
			fmt.Fprintf(out, "Schema version: %d\n", v)
			return nil
		},
	}
	cmd.Flags().BoolVar(&statusOnly, "status", false, "print the schema version without migrating")
	return cmd
}
