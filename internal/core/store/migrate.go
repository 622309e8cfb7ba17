package store

import (
	"context"
	"errors"
	"fmt"
	"time"
)

type migration struct {
	version int
	name    string
	stmts   []string
}

// migrations run in order, each at most once. Append only.
var migrations = []migration{
	{
		version: 1,
		name:    "bucket snapshots",
		stmts: []string{`CREATE TABLE IF NOT EXISTS bucket_snapshots (
			bucket_key TEXT PRIMARY KEY,
			capacity REAL NOT NULL,
			tokens REAL NOT NULL,
			refill_rate REAL NOT NULL,
			last_refill INTEGER NOT NULL
		);`},
	},
	{
		version: 2,
		name:    "snapshot freshness",
		stmts: []string{
			`ALTER TABLE bucket_snapshots ADD COLUMN updated_at INTEGER NOT NULL DEFAULT 0;`,
			`CREATE INDEX IF NOT EXISTS idx_bucket_snapshots_updated ON bucket_snapshots(updated_at);`,
		},
	},
}

// Migrate applies pending migrations, recording each in schema_migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if s == nil || s.DB == nil {
		return errors.New("store is not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	if _, err := s.DB.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		version INTEGER PRIMARY KEY,
		name TEXT NOT NULL,
		applied_at INTEGER NOT NULL
	);`); err != nil {
		return fmt.Errorf("store migration failed: %w", err)
	}

	current, err := s.SchemaVersion(ctx)
	if err != nil {
		return err
	}
	for _, m := range migrations {
		if m.version <= current {
			continue
		}
		if err := s.apply(ctx, m); err != nil {
			return fmt.Errorf("store migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}
	return nil
}

// SchemaVersion returns the highest applied migration, or 0.
func (s *Store) SchemaVersion(ctx context.Context) (int, error) {
	if s == nil || s.DB == nil {
		return 0, errors.New("store is not initialized")
	}
	var version int
	if err := s.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint:errcheck // no-op after commit

	for _, stmt := range m.stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, ?)`,
		m.version, m.name, time.Now().UTC().Unix(),
	); err != nil {
		return err
	}
	return tx.Commit()
}
