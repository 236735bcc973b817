// Package serverstore is the server-class store: Postgres via pgx's
// database/sql adapter, holding the canonical documents, their revision
// history, and the per-user append-only change-event log.
//
// Every operation that mutates a document and appends a change event runs
// in one transaction so the two writes are atomic together, per the server
// store's contract. CreateDocument inserts without checking for an existing
// row first and maps a unique-id violation to ErrDuplicateID; UpdateDocument
// updates the row in place and reports replerr.NotFound when none matched.
package serverstore

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

//go:embed schema.sql
var schemaSQL string

// Store is the server's canonical document store and change-event log.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open connects to the Postgres database at databaseURL and applies the
// schema (idempotent: every statement is IF NOT EXISTS).
func Open(ctx context.Context, databaseURL string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("serverstore: open: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("serverstore: ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("serverstore: apply schema: %w", err)
	}

	logger.Info("serverstore connected")
	return &Store{db: db, logger: logger}, nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Reset truncates every table. Gated by the caller to RUN_INTEGRATION_TESTS,
// used by the /test/reset endpoint between integration test runs.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		TRUNCATE change_events, revisions, documents, user_sequences, credentials, users CASCADE`)
	if err != nil {
		return fmt.Errorf("serverstore: reset: %w", err)
	}
	return nil
}
