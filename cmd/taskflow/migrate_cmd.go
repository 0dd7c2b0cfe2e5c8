package main

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/iota-uz/taskflow/pkg/configuration"
	"github.com/iota-uz/taskflow/pkg/outbox/pgstore"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the outbox schema (postgres backend only)",
	}
	cmd.AddCommand(
		migrateSubcommand("up", "Apply all pending migrations", func(ctx context.Context, pool *pgxpool.Pool, conf *configuration.Configuration) error {
			return pgstore.Migrate(ctx, pool, conf.Logger().WithField("component", "migrate"))
		}),
		migrateSubcommand("down", "Roll back the latest migration", func(ctx context.Context, pool *pgxpool.Pool, _ *configuration.Configuration) error {
			return pgstore.Rollback(ctx, pool)
		}),
		migrateSubcommand("status", "Show applied and pending migrations", func(ctx context.Context, pool *pgxpool.Pool, _ *configuration.Configuration) error {
			statuses, err := pgstore.Status(ctx, pool)
			if err != nil {
				return err
			}
			return writeJSON(statuses)
		}),
	)
	return cmd
}

func migrateSubcommand(use, short string, run func(context.Context, *pgxpool.Pool, *configuration.Configuration) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			conf := configuration.Use()
			defer conf.Unload()
			if conf.Outbox.StoreBackend != configuration.BackendPostgres {
				return withCode(exitUsage, errors.New("migrate requires OUTBOX_STORE_BACKEND=postgres"))
			}
			pool, err := connectDB(cmd.Context(), conf)
			if err != nil {
				return err
			}
			defer pool.Close()
			if err := run(cmd.Context(), pool, conf); err != nil {
				return withCode(exitBackend, err)
			}
			return nil
		},
	}
}
