package database

import (
	"context"
	"database/sql"
	"embed"
	"sort"

	"github.com/zeebo/errs"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MigrationError is the error class for schema migrations.
var MigrationError = errs.Class("migration")

type Migrator struct {
	db  *sql.DB
	log *zap.Logger
}

func NewMigrator(db *sql.DB, log *zap.Logger) *Migrator {
	return &Migrator{db: db, log: log}
}

// Run applies every embedded migration not yet recorded in schema_migrations,
// in file name order, each inside its own transaction.
func (m *Migrator) Run(ctx context.Context) error {
	if err := m.createMigrationsTable(ctx); err != nil {
		return MigrationError.New("failed to create migrations table: %v", err)
	}

	names, err := migrationNames()
	if err != nil {
		return MigrationError.Wrap(err)
	}

	for _, name := range names {
		applied, err := m.isMigrationApplied(ctx, name)
		if err != nil {
			return MigrationError.New("failed to check migration status: %v", err)
		}
		if applied {
			m.log.Debug("migration already applied", zap.String("name", name))
			continue
		}

		migrationSQL, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return MigrationError.New("failed to read migration %s: %v", name, err)
		}

		m.log.Info("applying migration", zap.String("name", name))
		if err := m.apply(ctx, name, string(migrationSQL)); err != nil {
			return err
		}
	}

	return nil
}

func (m *Migrator) apply(ctx context.Context, name, migrationSQL string) (err error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return MigrationError.New("failed to begin transaction: %v", err)
	}
	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
		}
	}()

	if _, err := tx.ExecContext(ctx, migrationSQL); err != nil {
		return MigrationError.New("failed to execute migration %s: %v", name, err)
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (name, applied_at) VALUES ($1, NOW())",
		name,
	); err != nil {
		return MigrationError.New("failed to record migration %s: %v", name, err)
	}

	if err := tx.Commit(); err != nil {
		return MigrationError.New("failed to commit migration %s: %v", name, err)
	}
	return nil
}

func (m *Migrator) createMigrationsTable(ctx context.Context) error {
	query := `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ DEFAULT NOW()
		)
	`
	_, err := m.db.ExecContext(ctx, query)
	return err
}

func (m *Migrator) isMigrationApplied(ctx context.Context, name string) (bool, error) {
	var count int
	err := m.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE name = $1",
		name,
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

func migrationNames() ([]string, error) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return nil, err
	}

	var names []string
	for _, entry := range entries {
		if !entry.IsDir() {
			names = append(names, entry.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}
