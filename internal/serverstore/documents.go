package serverstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/replicant-sync/replicant/internal/document"
	"github.com/replicant-sync/replicant/internal/patch"
	"github.com/replicant-sync/replicant/internal/replerr"
)

// ErrDuplicateID is returned by CreateDocument when id already exists.
var ErrDuplicateID = replerr.New(replerr.CodeServerError, "document id already exists")

// CreateDocument writes doc, a create revision, and a create change event
// in one transaction. Fails with ErrDuplicateID on a unique-id violation.
func (s *Store) CreateDocument(ctx context.Context, doc *document.Document) (ChangeEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: begin create document: %w", err)
	}
	defer tx.Rollback()

	if err := insertDocumentTx(ctx, tx, doc); err != nil {
		return ChangeEvent{}, err
	}
	if err := insertRevisionTx(ctx, tx, doc.ID, doc.SyncRevision, doc.Content, nil); err != nil {
		return ChangeEvent{}, err
	}

	revisionID, err := doc.RevisionID()
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: compute revision id: %w", err)
	}
	event, err := appendChangeEventTx(ctx, tx, doc.UserID, doc.ID, EventCreate, revisionID, nil, nil, true)
	if err != nil {
		return ChangeEvent{}, err
	}

	if err := tx.Commit(); err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: commit create document: %w", err)
	}
	return event, nil
}

func insertDocumentTx(ctx context.Context, tx *sql.Tx, doc *document.Document) error {
	vectorJSON, err := json.Marshal(doc.VersionVector)
	if err != nil {
		return fmt.Errorf("serverstore: marshal version vector: %w", err)
	}
	contentJSON, err := json.Marshal(doc.Content)
	if err != nil {
		return fmt.Errorf("serverstore: marshal content: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO documents (id, user_id, content, content_hash, title, sync_revision,
		                        version_vector, created_at, updated_at, deleted_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		doc.ID, doc.UserID, contentJSON, doc.ContentHash, doc.Title, doc.SyncRevision,
		vectorJSON, doc.CreatedAt, doc.UpdatedAt, doc.DeletedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateID
		}
		return fmt.Errorf("serverstore: insert document: %w", err)
	}
	return nil
}

// unique_violation, per PostgreSQL's error code table.
const sqlStateUniqueViolation = "23505"

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == sqlStateUniqueViolation
	}
	return false
}

// GetDocument fetches a document by id.
func (s *Store) GetDocument(ctx context.Context, id uuid.UUID) (*document.Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, content, content_hash, title, sync_revision, version_vector,
		       created_at, updated_at, deleted_at
		FROM documents WHERE id = $1`, id)
	return scanDocumentRow(row, id)
}

func scanDocumentRow(row *sql.Row, id uuid.UUID) (*document.Document, error) {
	var (
		userID                  uuid.UUID
		contentJSON, vectorJSON []byte
		hash, title             string
		syncRevision            int64
		createdAt, updatedAt    time.Time
		deletedAt               sql.NullTime
	)
	err := row.Scan(&userID, &contentJSON, &hash, &title, &syncRevision, &vectorJSON,
		&createdAt, &updatedAt, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, replerr.NotFound
	}
	if err != nil {
		return nil, fmt.Errorf("serverstore: scan document: %w", err)
	}

	var content any
	if err := json.Unmarshal(contentJSON, &content); err != nil {
		return nil, fmt.Errorf("serverstore: unmarshal content: %w", err)
	}
	var vv map[string]int64
	if err := json.Unmarshal(vectorJSON, &vv); err != nil {
		return nil, fmt.Errorf("serverstore: unmarshal version vector: %w", err)
	}

	doc := &document.Document{
		ID: id, UserID: userID, Content: content, ContentHash: hash, Title: title,
		SyncRevision: syncRevision, VersionVector: vv, CreatedAt: createdAt, UpdatedAt: updatedAt,
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		doc.DeletedAt = &t
	}
	return doc, nil
}

// ListDocumentsByUser returns every live (non-tombstoned) document owned by
// userID, for RequestFullSync.
func (s *Store) ListDocumentsByUser(ctx context.Context, userID uuid.UUID) ([]*document.Document, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, content, content_hash, title, sync_revision, version_vector,
		       created_at, updated_at, deleted_at
		FROM documents WHERE user_id = $1 AND deleted_at IS NULL`, userID)
	if err != nil {
		return nil, fmt.Errorf("serverstore: list documents by user: %w", err)
	}
	defer rows.Close()

	var docs []*document.Document
	for rows.Next() {
		var (
			id                      uuid.UUID
			ownerID                 uuid.UUID
			contentJSON, vectorJSON []byte
			hash, title             string
			syncRevision            int64
			createdAt, updatedAt    time.Time
			deletedAt               sql.NullTime
		)
		if err := rows.Scan(&id, &ownerID, &contentJSON, &hash, &title, &syncRevision, &vectorJSON,
			&createdAt, &updatedAt, &deletedAt); err != nil {
			return nil, fmt.Errorf("serverstore: scan listed document: %w", err)
		}
		var content any
		if err := json.Unmarshal(contentJSON, &content); err != nil {
			return nil, fmt.Errorf("serverstore: unmarshal listed content: %w", err)
		}
		var vv map[string]int64
		if err := json.Unmarshal(vectorJSON, &vv); err != nil {
			return nil, fmt.Errorf("serverstore: unmarshal listed version vector: %w", err)
		}
		docs = append(docs, &document.Document{
			ID: id, UserID: ownerID, Content: content, ContentHash: hash, Title: title,
			SyncRevision: syncRevision, VersionVector: vv, CreatedAt: createdAt, UpdatedAt: updatedAt,
		})
	}
	return docs, rows.Err()
}

// UpdateDocument writes the already-mutated doc (caller has applied the
// patch and bumped sync_revision/version_vector), records a revision with
// the forward patch, and appends an update change event. If expectedRevision
// is non-nil, the write is rejected with replerr.VersionConflict when the
// stored sync_revision no longer matches it (a check-and-set guard against
// racing updates inside this store, independent of the higher-level
// concurrent-version-vector conflict check the sync handler performs first).
func (s *Store) UpdateDocument(ctx context.Context, doc *document.Document, expectedRevision *int64,
	forwardPatch patch.Patch) (ChangeEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: begin update document: %w", err)
	}
	defer tx.Rollback()

	if expectedRevision != nil {
		var current int64
		if err := tx.QueryRowContext(ctx, `SELECT sync_revision FROM documents WHERE id = $1 FOR UPDATE`,
			doc.ID).Scan(&current); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ChangeEvent{}, replerr.NotFound
			}
			return ChangeEvent{}, fmt.Errorf("serverstore: lock document: %w", err)
		}
		if current != *expectedRevision {
			return ChangeEvent{}, replerr.VersionConflict
		}
	}

	var priorJSON []byte
	if err := tx.QueryRowContext(ctx, `SELECT content FROM documents WHERE id = $1`, doc.ID).Scan(&priorJSON); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ChangeEvent{}, replerr.NotFound
		}
		return ChangeEvent{}, fmt.Errorf("serverstore: read prior content: %w", err)
	}
	var prior any
	if err := json.Unmarshal(priorJSON, &prior); err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: unmarshal prior content: %w", err)
	}

	vectorJSON, err := json.Marshal(doc.VersionVector)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: marshal version vector: %w", err)
	}
	contentJSON, err := json.Marshal(doc.Content)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: marshal content: %w", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET content = $1, content_hash = $2, title = $3, sync_revision = $4,
		                      version_vector = $5, updated_at = $6
		WHERE id = $7`,
		contentJSON, doc.ContentHash, doc.Title, doc.SyncRevision, vectorJSON, doc.UpdatedAt, doc.ID)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: update document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ChangeEvent{}, replerr.NotFound
	}

	if err := insertRevisionTx(ctx, tx, doc.ID, doc.SyncRevision, doc.Content, forwardPatch); err != nil {
		return ChangeEvent{}, err
	}

	revisionID, err := doc.RevisionID()
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: compute revision id: %w", err)
	}
	reversePatch, err := patch.Reverse(prior, forwardPatch)
	if err != nil {
		reversePatch = nil
	}
	event, err := appendChangeEventTx(ctx, tx, doc.UserID, doc.ID, EventUpdate, revisionID,
		forwardPatch, reversePatch, true)
	if err != nil {
		return ChangeEvent{}, err
	}

	if err := tx.Commit(); err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: commit update document: %w", err)
	}
	return event, nil
}

// RecordLosingUpdate appends an applied=false change event for a concurrent
// write the sync handler rejected, for audit purposes, without touching the
// stored document.
func (s *Store) RecordLosingUpdate(ctx context.Context, userID, documentID uuid.UUID, revisionID string,
	forwardPatch patch.Patch) (ChangeEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: begin record losing update: %w", err)
	}
	defer tx.Rollback()

	event, err := appendChangeEventTx(ctx, tx, userID, documentID, EventUpdate, revisionID, forwardPatch, nil, false)
	if err != nil {
		return ChangeEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: commit record losing update: %w", err)
	}
	return event, nil
}

// DeleteDocument soft-deletes id (owned by userID) and appends a delete
// change event.
func (s *Store) DeleteDocument(ctx context.Context, id, userID uuid.UUID, now time.Time) (ChangeEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: begin delete document: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET deleted_at = $1, updated_at = $1, sync_revision = sync_revision + 1
		WHERE id = $2 AND user_id = $3`, now, id, userID)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: delete document: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ChangeEvent{}, replerr.NotFound
	}

	var revisionID string
	if err := tx.QueryRowContext(ctx, `SELECT sync_revision || '-' || left(content_hash, 16) FROM documents WHERE id = $1`,
		id).Scan(&revisionID); err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: compute delete revision id: %w", err)
	}

	event, err := appendChangeEventTx(ctx, tx, userID, id, EventDelete, revisionID, nil, nil, true)
	if err != nil {
		return ChangeEvent{}, err
	}

	if err := tx.Commit(); err != nil {
		return ChangeEvent{}, fmt.Errorf("serverstore: commit delete document: %w", err)
	}
	return event, nil
}

func insertRevisionTx(ctx context.Context, tx *sql.Tx, documentID uuid.UUID, syncRevision int64,
	content any, forwardPatch patch.Patch) error {
	contentJSON, err := json.Marshal(content)
	if err != nil {
		return fmt.Errorf("serverstore: marshal revision content: %w", err)
	}
	var patchJSON []byte
	if forwardPatch != nil {
		patchJSON, err = json.Marshal(forwardPatch)
		if err != nil {
			return fmt.Errorf("serverstore: marshal revision patch: %w", err)
		}
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO revisions (document_id, sync_revision, content, forward_patch)
		VALUES ($1, $2, $3, $4)`, documentID, syncRevision, contentJSON, nullableJSON(patchJSON))
	if err != nil {
		return fmt.Errorf("serverstore: insert revision: %w", err)
	}
	return nil
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}
