package clientstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/replicant-sync/replicant/internal/replerr"
)

// MaxRetries is the retry ceiling before an outbound entry is parked to the
// dead letter, per the suggested default in the sync engine's contract.
const MaxRetries = 8

// OperationType is the outbound queue's mutation kind.
type OperationType string

const (
	OpCreate          OperationType = "create"
	OpUpdate          OperationType = "update"
	OpDelete          OperationType = "delete"
	OpResolveConflict OperationType = "resolve_conflict"
)

// QueueEntry is a durable outbound mutation awaiting server acknowledgement.
type QueueEntry struct {
	ID         int64
	DocumentID uuid.UUID
	Operation  OperationType
	Payload    []byte
	RetryCount int
	DeadLetter bool
}

// Enqueue appends op to the outbound FIFO.
func (s *Store) Enqueue(ctx context.Context, documentID uuid.UUID, op OperationType, payload []byte) error {
	_, err := s.execContext(ctx, `
		INSERT INTO outbound_queue (document_id, operation_type, payload, retry_count, dead_letter, created_at)
		VALUES (?, ?, ?, 0, 0, ?)`,
		documentID.String(), string(op), string(payload), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("clientstore: enqueue: %w", err)
	}
	return nil
}

// Peek returns the oldest live (non-dead-letter) queue entry without
// removing it, or replerr.NotFound if the queue is empty.
func (s *Store) Peek(ctx context.Context) (*QueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, document_id, operation_type, payload, retry_count, dead_letter
		FROM outbound_queue WHERE dead_letter = 0
		ORDER BY id ASC LIMIT 1`)
	return scanQueueEntry(row)
}

func scanQueueEntry(row *sql.Row) (*QueueEntry, error) {
	var (
		id                         int64
		documentID, op, payload    string
		retryCount, deadLetterFlag int
	)
	err := row.Scan(&id, &documentID, &op, &payload, &retryCount, &deadLetterFlag)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, replerr.NotFound
	}
	if err != nil {
		return nil, fmt.Errorf("clientstore: scan queue entry: %w", err)
	}
	docID, err := uuid.Parse(documentID)
	if err != nil {
		return nil, fmt.Errorf("clientstore: parse queue document_id: %w", err)
	}
	return &QueueEntry{
		ID:         id,
		DocumentID: docID,
		Operation:  OperationType(op),
		Payload:    []byte(payload),
		RetryCount: retryCount,
		DeadLetter: deadLetterFlag != 0,
	}, nil
}

// Dequeue removes a queue entry by id after it has been successfully
// delivered and acknowledged.
func (s *Store) Dequeue(ctx context.Context, id int64) error {
	_, err := s.execContext(ctx, `DELETE FROM outbound_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("clientstore: dequeue: %w", err)
	}
	return nil
}

// IncrementRetry bumps an entry's retry_count on transient failure. Once
// the count exceeds MaxRetries, the entry is parked to the dead letter
// (dead_letter = 1) instead of being retried further, and the caller should
// surface a SyncError event.
func (s *Store) IncrementRetry(ctx context.Context, id int64) (deadLettered bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("clientstore: begin increment retry: %w", err)
	}
	defer tx.Rollback()

	var retryCount int
	if err := tx.QueryRowContext(ctx, `SELECT retry_count FROM outbound_queue WHERE id = ?`, id).
		Scan(&retryCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, replerr.NotFound
		}
		return false, fmt.Errorf("clientstore: read retry count: %w", err)
	}

	retryCount++
	deadLetter := retryCount > MaxRetries
	if _, err := tx.ExecContext(ctx, `
		UPDATE outbound_queue SET retry_count = ?, dead_letter = ? WHERE id = ?`,
		retryCount, boolToInt(deadLetter), id); err != nil {
		return false, fmt.Errorf("clientstore: update retry count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("clientstore: commit increment retry: %w", err)
	}
	return deadLetter, nil
}

// DeadLetterEntries lists every queue entry that exhausted its retries, for
// surfacing as SyncError events.
func (s *Store) DeadLetterEntries(ctx context.Context) ([]QueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, operation_type, payload, retry_count, dead_letter
		FROM outbound_queue WHERE dead_letter = 1 ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("clientstore: list dead letters: %w", err)
	}
	defer rows.Close()

	var out []QueueEntry
	for rows.Next() {
		var (
			id                         int64
			documentID, op, payload    string
			retryCount, deadLetterFlag int
		)
		if err := rows.Scan(&id, &documentID, &op, &payload, &retryCount, &deadLetterFlag); err != nil {
			return nil, fmt.Errorf("clientstore: scan dead letter: %w", err)
		}
		docID, err := uuid.Parse(documentID)
		if err != nil {
			return nil, fmt.Errorf("clientstore: parse dead letter document_id: %w", err)
		}
		out = append(out, QueueEntry{
			ID: id, DocumentID: docID, Operation: OperationType(op),
			Payload: []byte(payload), RetryCount: retryCount, DeadLetter: deadLetterFlag != 0,
		})
	}
	return out, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
