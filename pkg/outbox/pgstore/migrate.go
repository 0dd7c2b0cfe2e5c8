package pgstore

import (
	"context"
	"embed"
	"fmt"
	"io/fs"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"
)

//go:embed migrations/*.sql
var embedded embed.FS

func provider(pool *pgxpool.Pool) (*goose.Provider, func() error, error) {
	fsys, err := fs.Sub(embedded, "migrations")
	if err != nil {
		return nil, nil, err
	}
	db := stdlib.OpenDBFromPool(pool)
	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		_ = db.Close()
		return nil, nil, fmt.Errorf("pgstore: migrations: %w", err)
	}
	return p, db.Close, nil
}

// Migrate applies every pending migration for the outbox tables.
func Migrate(ctx context.Context, pool *pgxpool.Pool, logger *logrus.Entry) error {
	p, closeDB, err := provider(pool)
	if err != nil {
		return err
	}
	defer func() { _ = closeDB() }()

	results, err := p.Up(ctx)
	for _, r := range results {
		logger.WithFields(logrus.Fields{
			"version":  r.Source.Version,
			"took":     r.Duration.String(),
			"migrated": r.Error == nil,
		}).Info("pgstore: migration applied")
	}
	if err != nil {
		return fmt.Errorf("pgstore: migrate up: %w", err)
	}
	return nil
}

// Rollback reverts the most recent migration.
func Rollback(ctx context.Context, pool *pgxpool.Pool) error {
	p, closeDB, err := provider(pool)
	if err != nil {
		return err
	}
	defer func() { _ = closeDB() }()

	if _, err := p.Down(ctx); err != nil {
		return fmt.Errorf("pgstore: migrate down: %w", err)
	}
	return nil
}

type MigrationStatus struct {
	Version int64 `json:"version"`
	Applied bool  `json:"applied"`
}

func Status(ctx context.Context, pool *pgxpool.Pool) ([]MigrationStatus, error) {
	p, closeDB, err := provider(pool)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeDB() }()

	statuses, err := p.Status(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgstore: migration status: %w", err)
	}
	out := make([]MigrationStatus, 0, len(statuses))
	for _, s := range statuses {
		out = append(out, MigrationStatus{
			Version: s.Source.Version,
			Applied: s.State == goose.StateApplied,
		})
	}
	return out, nil
}
