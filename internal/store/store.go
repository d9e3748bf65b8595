// Package store is the persistence layer: chat configurations, routing
// snapshots, and content-addressed service bundles, behind database/sql.
// SQLite (modernc, CGo-free) is the default backend; a Postgres DSN switches
// the same schema and queries over to pgx. Placeholders are $N and no query
// reuses a placeholder, which keeps both drivers happy.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

// MemoryPath opens an in-memory SQLite database, used by tests and by
// ephemeral runs.
const MemoryPath = ":memory:"

// Dialects.
const (
	DialectSQLite   = "sqlite"
	DialectPostgres = "postgres"
)

// ErrHashCollision is returned when a bundle hash is already claimed by a
// different service or version. This should never happen with an honest
// content hash; treat it as fatal and investigate.
var ErrHashCollision = errors.New("bundle hash collision")

// ErrIO tags database driver failures so callers can separate storage
// trouble from domain errors with errors.Is.
var ErrIO = errors.New("storage io failure")

// wrapIO tags a driver failure with ErrIO, keeping the cause in the chain.
func wrapIO(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrIO, err)
}

// Store wraps the backing database. All methods are safe for concurrent use;
// SQLite runs in WAL mode so readers do not block the single writer.
type Store struct {
	db      *sql.DB
	dialect string
}

// Open connects to the backing database without migrating. A non-empty
// postgresDSN takes precedence over the SQLite path.
func Open(sqlitePath, postgresDSN string) (*Store, error) {
	if postgresDSN != "" {
		db, err := sql.Open("pgx", postgresDSN)
		if err != nil {
			return nil, fmt.Errorf("open postgres: %w", err)
		}
		return &Store{db: db, dialect: DialectPostgres}, nil
	}

	db, err := sql.Open("sqlite", sqliteDSN(sqlitePath))
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if sqlitePath == MemoryPath {
		// Pooled connections would each get their own empty database.
		db.SetMaxOpenConns(1)
	}
	return &Store{db: db, dialect: DialectSQLite}, nil
}

// InitDB opens the database and applies any unapplied migrations. Safe to
// call repeatedly; already-applied migrations are skipped.
func InitDB(sqlitePath, postgresDSN string) (*Store, error) {
	s, err := Open(sqlitePath, postgresDSN)
	if err != nil {
		return nil, err
	}
	if err := s.MigrateUp(); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func sqliteDSN(path string) string {
	if path == MemoryPath {
		return "file::memory:?cache=shared"
	}
	return "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
}

// Dialect reports which backend is in use.
func (s *Store) Dialect() string { return s.dialect }

// Ping checks database liveness, for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close releases the underlying connections.
func (s *Store) Close() error {
	return s.db.Close()
}
