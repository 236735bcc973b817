// Package clientstore is the embedded client-side store: a single-writer
// SQLite database holding the local document cache, the durable outbound
// queue, the single-row user configuration, and an FTS5 search index.
//
// Connection setup, pragma configuration, and the user_version migration
// scheme follow brutalist's internal/store/store.go: one SQLite writer,
// WAL journaling, and PRAGMA user_version gating incremental migrations.
package clientstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

const currentSchemaVersion = 1

// Store is the client's embedded document cache, outbound queue, and search
// index, backed by a single SQLite connection.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open creates or opens the SQLite database at path, applying pragmas and
// schema migrations. Safe to call repeatedly against the same path.
func Open(path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("clientstore: open %s: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("clientstore: ping %s: %w", path, err)
	}

	// SQLite allows only one writer; a single pooled connection avoids
	// SQLITE_BUSY errors under concurrent callers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("clientstore: pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("clientstore: schema: %w", err)
	}

	logger.Info("clientstore opened", zap.String("path", path))
	return &Store{db: db, logger: logger}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("exec %q: %w", p, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("exec schema: %w", err)
	}
	return runMigrations(db)
}

func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	// No migrations beyond the base schema yet; currentSchemaVersion exists
	// so future releases have somewhere to hang an incremental migration
	// without rewriting schema.sql for existing databases.
	if version < currentSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
			return fmt.Errorf("set user_version: %w", err)
		}
	}
	return nil
}

func (s *Store) execContext(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return s.db.ExecContext(ctx, query, args...)
}
