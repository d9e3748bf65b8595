package store

import (
	"context"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	mpostgres "github.com/golang-migrate/migrate/v4/database/postgres"
	msqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrator builds a migrate instance over the embedded migration files and
// the store's live connection. Callers own calling its Up/Down/etc.
func (s *Store) Migrator() (*migrate.Migrate, error) {
	src, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return nil, fmt.Errorf("open embedded migrations: %w", err)
	}

	var drv database.Driver
	switch s.dialect {
	case DialectPostgres:
		drv, err = mpostgres.WithInstance(s.db, &mpostgres.Config{})
	default:
		drv, err = msqlite.WithInstance(s.db, &msqlite.Config{})
	}
	if err != nil {
		return nil, fmt.Errorf("migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, s.dialect, drv)
	if err != nil {
		return nil, fmt.Errorf("migrator: %w", err)
	}
	return m, nil
}

// MigrateUp applies all pending migrations. Each migration runs in its own
// transaction and records itself in the migrations ledger table, so a rerun
// is a no-op.
func (s *Store) MigrateUp() error {
	m, err := s.Migrator()
	if err != nil {
		return err
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}

// MigrationRow is one entry of the human-readable migrations ledger.
type MigrationRow struct {
	ID   int
	Name string
}

// AppliedMigrations lists the ledger rows in application order.
func (s *Store) AppliedMigrations(ctx context.Context) ([]MigrationRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, name FROM migrations ORDER BY id`)
	if err != nil {
		return nil, wrapIO("list migrations", err)
	}
	defer rows.Close()

	var out []MigrationRow
	for rows.Next() {
		var r MigrationRow
		if err := rows.Scan(&r.ID, &r.Name); err != nil {
			return nil, wrapIO("scan migration", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
