package clientstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/replicant-sync/replicant/internal/document"
	"github.com/replicant-sync/replicant/internal/replerr"
	"github.com/replicant-sync/replicant/internal/vector"
)

// Status is the client-local sync state of a cached document.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSynced   Status = "synced"
	StatusConflict Status = "conflict"
)

// PendingDocument is a row returned by GetPendingDocuments: just enough to
// drive the outbound drain loop without paying for the full content blob.
type PendingDocument struct {
	ID                 uuid.UUID
	LastSyncedRevision int64
	Deleted            bool
}

// SaveDocument upserts doc keyed by id. status, if nil, defaults to
// StatusPending for locally originated writes; pass a non-nil status
// (StatusSynced) when applying a server-sourced change so it doesn't get
// re-queued for outbound delivery.
func (s *Store) SaveDocument(ctx context.Context, doc *document.Document, status *Status) error {
	st := StatusPending
	if status != nil {
		st = *status
	}

	contentJSON, err := json.Marshal(doc.Content)
	if err != nil {
		return fmt.Errorf("clientstore: marshal content: %w", err)
	}
	vectorJSON, err := json.Marshal(doc.VersionVector)
	if err != nil {
		return fmt.Errorf("clientstore: marshal version vector: %w", err)
	}

	var deletedAt any
	if doc.DeletedAt != nil {
		deletedAt = doc.DeletedAt.UTC().Format(time.RFC3339Nano)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clientstore: begin save: %w", err)
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM documents WHERE id = ?`, doc.ID.String()).Scan(&exists)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = tx.ExecContext(ctx, `
			INSERT INTO documents
				(id, user_id, content, content_hash, title, sync_revision, last_synced_revision,
				 version_vector, status, created_at, updated_at, deleted_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			doc.ID.String(), doc.UserID.String(), string(contentJSON), doc.ContentHash, doc.Title,
			doc.SyncRevision, 0, string(vectorJSON), string(st),
			doc.CreatedAt.UTC().Format(time.RFC3339Nano), doc.UpdatedAt.UTC().Format(time.RFC3339Nano), deletedAt)
	case err == nil:
		_, err = tx.ExecContext(ctx, `
			UPDATE documents SET
				content = ?, content_hash = ?, title = ?, sync_revision = ?,
				version_vector = ?, status = ?, updated_at = ?, deleted_at = ?
			WHERE id = ?`,
			string(contentJSON), doc.ContentHash, doc.Title, doc.SyncRevision,
			string(vectorJSON), string(st), doc.UpdatedAt.UTC().Format(time.RFC3339Nano), deletedAt,
			doc.ID.String())
	default:
		return fmt.Errorf("clientstore: check existing document: %w", err)
	}
	if err != nil {
		return fmt.Errorf("clientstore: upsert document: %w", err)
	}

	if err := reindexSearchTx(ctx, tx, doc); err != nil {
		return err
	}

	return tx.Commit()
}

// GetDocument fetches a document by id, returning replerr.NotFound when
// absent.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*document.Document, Status, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, content, content_hash, title, sync_revision, version_vector,
		       status, created_at, updated_at, deleted_at
		FROM documents WHERE id = ?`, id.String())
	return scanDocument(row, id)
}

func scanDocument(row *sql.Row, id uuid.UUID) (*document.Document, Status, error) {
	var (
		userID, contentJSON, hash, title, vectorJSON, status string
		syncRevision                                         int64
		createdAt, updatedAt                                 string
		deletedAt                                            sql.NullString
	)
	err := row.Scan(&userID, &contentJSON, &hash, &title, &syncRevision, &vectorJSON,
		&status, &createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, "", replerr.NotFound
	}
	if err != nil {
		return nil, "", fmt.Errorf("clientstore: scan document: %w", err)
	}

	doc, err := hydrateDocument(id, userID, contentJSON, hash, title, syncRevision, vectorJSON,
		createdAt, updatedAt, deletedAt)
	if err != nil {
		return nil, "", err
	}
	return doc, Status(status), nil
}

func hydrateDocument(id uuid.UUID, userID, contentJSON, hash, title string, syncRevision int64,
	vectorJSON, createdAt, updatedAt string, deletedAt sql.NullString) (*document.Document, error) {
	uid, err := uuid.Parse(userID)
	if err != nil {
		return nil, fmt.Errorf("clientstore: parse user_id: %w", err)
	}
	var content any
	if err := json.Unmarshal([]byte(contentJSON), &content); err != nil {
		return nil, fmt.Errorf("clientstore: unmarshal content: %w", err)
	}
	var vv vector.Vector
	if err := json.Unmarshal([]byte(vectorJSON), &vv); err != nil {
		return nil, fmt.Errorf("clientstore: unmarshal version vector: %w", err)
	}
	createdTime, err := time.Parse(time.RFC3339Nano, createdAt)
	if err != nil {
		return nil, fmt.Errorf("clientstore: parse created_at: %w", err)
	}
	updatedTime, err := time.Parse(time.RFC3339Nano, updatedAt)
	if err != nil {
		return nil, fmt.Errorf("clientstore: parse updated_at: %w", err)
	}

	doc := &document.Document{
		ID:            id,
		UserID:        uid,
		Content:       content,
		ContentHash:   hash,
		Title:         title,
		SyncRevision:  syncRevision,
		VersionVector: vv,
		CreatedAt:     createdTime,
		UpdatedAt:     updatedTime,
	}
	if deletedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, deletedAt.String)
		if err != nil {
			return nil, fmt.Errorf("clientstore: parse deleted_at: %w", err)
		}
		doc.DeletedAt = &t
	}
	return doc, nil
}

// GetPendingDocuments returns every document with status pending, ordered by
// updated_at ascending so the outbound drain processes the oldest edits
// first.
func (s *Store) GetPendingDocuments(ctx context.Context) ([]PendingDocument, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, last_synced_revision, deleted_at IS NOT NULL
		FROM documents WHERE status = ?
		ORDER BY updated_at ASC`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("clientstore: query pending documents: %w", err)
	}
	defer rows.Close()

	var out []PendingDocument
	for rows.Next() {
		var idStr string
		var pd PendingDocument
		if err := rows.Scan(&idStr, &pd.LastSyncedRevision, &pd.Deleted); err != nil {
			return nil, fmt.Errorf("clientstore: scan pending document: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("clientstore: parse pending document id: %w", err)
		}
		pd.ID = id
		out = append(out, pd)
	}
	return out, rows.Err()
}

// MarkSynced atomically sets status=synced and records the confirmed
// revision, so a crash between the server ack and this write simply leaves
// the entry pending for redelivery rather than losing it.
func (s *Store) MarkSynced(ctx context.Context, id uuid.UUID, revision int64) error {
	res, err := s.execContext(ctx, `
		UPDATE documents SET status = ?, last_synced_revision = ?
		WHERE id = ?`, string(StatusSynced), revision, id.String())
	if err != nil {
		return fmt.Errorf("clientstore: mark synced: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("clientstore: mark synced rows affected: %w", err)
	}
	if n == 0 {
		return replerr.NotFound
	}
	return nil
}

// MarkConflict transitions a document to the conflict status, per the
// client sync state machine's ConflictDetected handling.
func (s *Store) MarkConflict(ctx context.Context, id uuid.UUID) error {
	_, err := s.execContext(ctx, `UPDATE documents SET status = ? WHERE id = ?`,
		string(StatusConflict), id.String())
	if err != nil {
		return fmt.Errorf("clientstore: mark conflict: %w", err)
	}
	return nil
}

// DeleteDocument soft-deletes id: stamps deleted_at and resets status to
// pending so the tombstone gets synced like any other write.
func (s *Store) DeleteDocument(ctx context.Context, id uuid.UUID, now time.Time) error {
	res, err := s.execContext(ctx, `
		UPDATE documents SET deleted_at = ?, status = ?, updated_at = ?
		WHERE id = ?`, now.UTC().Format(time.RFC3339Nano), string(StatusPending),
		now.UTC().Format(time.RFC3339Nano), id.String())
	if err != nil {
		return fmt.Errorf("clientstore: delete document: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("clientstore: delete document rows affected: %w", err)
	}
	if n == 0 {
		return replerr.NotFound
	}
	if _, err := s.execContext(ctx, `DELETE FROM document_search WHERE id = ?`, id.String()); err != nil {
		return fmt.Errorf("clientstore: remove tombstoned document from search: %w", err)
	}
	return nil
}
