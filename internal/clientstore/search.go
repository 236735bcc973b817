package clientstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/replicant-sync/replicant/internal/document"
)

// ConfigureSearch sets the JSON-pointer-like paths whose extracted values
// feed the full-text index body, then rebuilds the index over every live
// (non-tombstoned) document.
func (s *Store) ConfigureSearch(ctx context.Context, paths []string) error {
	encoded, err := json.Marshal(paths)
	if err != nil {
		return fmt.Errorf("clientstore: marshal search paths: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("clientstore: begin configure search: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO search_config (id, paths) VALUES (1, ?)
		ON CONFLICT(id) DO UPDATE SET paths = excluded.paths`, string(encoded)); err != nil {
		return fmt.Errorf("clientstore: save search config: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_search`); err != nil {
		return fmt.Errorf("clientstore: clear search index: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, user_id, content, content_hash, title, sync_revision, version_vector,
		       status, created_at, updated_at, deleted_at
		FROM documents WHERE deleted_at IS NULL`)
	if err != nil {
		return fmt.Errorf("clientstore: list documents to reindex: %w", err)
	}
	defer rows.Close()

	type liveDoc struct {
		id                                                   uuid.UUID
		userID, contentJSON, hash, title, vectorJSON, status string
		syncRevision                                         int64
		createdAt, updatedAt                                 string
		deletedAt                                            sql.NullString
	}
	var live []liveDoc
	for rows.Next() {
		var idStr string
		var d liveDoc
		if err := rows.Scan(&idStr, &d.userID, &d.contentJSON, &d.hash, &d.title, &d.syncRevision,
			&d.vectorJSON, &d.status, &d.createdAt, &d.updatedAt, &d.deletedAt); err != nil {
			return fmt.Errorf("clientstore: scan document to reindex: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return fmt.Errorf("clientstore: parse document id to reindex: %w", err)
		}
		d.id = id
		live = append(live, d)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	rows.Close()

	for _, d := range live {
		doc, err := hydrateDocument(d.id, d.userID, d.contentJSON, d.hash, d.title, d.syncRevision,
			d.vectorJSON, d.createdAt, d.updatedAt, d.deletedAt)
		if err != nil {
			return err
		}
		if err := reindexSearchTx(ctx, tx, doc); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// reindexSearchTx (re)writes doc's full-text row, or removes it entirely
// when doc is tombstoned (invariant 7: FTS excludes tombstones).
func reindexSearchTx(ctx context.Context, tx *sql.Tx, doc *document.Document) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_search WHERE id = ?`, doc.ID.String()); err != nil {
		return fmt.Errorf("clientstore: clear search row: %w", err)
	}
	if doc.IsTombstone() {
		return nil
	}

	var paths []string
	var rawPaths string
	err := tx.QueryRowContext(ctx, `SELECT paths FROM search_config WHERE id = 1`).Scan(&rawPaths)
	switch {
	case err == sql.ErrNoRows:
		paths = nil
	case err != nil:
		return fmt.Errorf("clientstore: read search config: %w", err)
	default:
		if err := json.Unmarshal([]byte(rawPaths), &paths); err != nil {
			return fmt.Errorf("clientstore: unmarshal search config: %w", err)
		}
	}

	body := extractSearchBody(doc.Content, paths)
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO document_search (id, title, body) VALUES (?, ?, ?)`,
		doc.ID.String(), doc.Title, body); err != nil {
		return fmt.Errorf("clientstore: insert search row: %w", err)
	}
	return nil
}

// extractSearchBody concatenates the string form of the value found at each
// configured JSON-pointer-like path, space-separated.
func extractSearchBody(content any, paths []string) string {
	var parts []string
	for _, p := range paths {
		if v, ok := extractPath(content, p); ok {
			parts = append(parts, stringifyForSearch(v))
		}
	}
	return strings.Join(parts, " ")
}

func extractPath(content any, path string) (any, bool) {
	cur := content
	for _, tok := range strings.Split(strings.Trim(path, "/"), "/") {
		if tok == "" {
			continue
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		v, ok := m[tok]
		if !ok {
			return nil, false
		}
		cur = v
	}
	return cur, true
}

func stringifyForSearch(v any) string {
	switch val := v.(type) {
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(b)
	}
}

// Search runs a prefix-capable, rank-ordered full-text query scoped to a
// user, excluding tombstones (they are never indexed in the first place).
func (s *Store) Search(ctx context.Context, userID uuid.UUID, query string, limit int) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT document_search.id
		FROM document_search
		JOIN documents ON documents.id = document_search.id
		WHERE documents.user_id = ? AND document_search MATCH ?
		ORDER BY rank
		LIMIT ?`, userID.String(), ftsPrefixQuery(query), limit)
	if err != nil {
		return nil, fmt.Errorf("clientstore: search: %w", err)
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var idStr string
		if err := rows.Scan(&idStr); err != nil {
			return nil, fmt.Errorf("clientstore: scan search result: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("clientstore: parse search result id: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ftsPrefixQuery turns a raw user query into an FTS5 prefix match by
// appending "*" to each term.
func ftsPrefixQuery(query string) string {
	fields := strings.Fields(query)
	for i, f := range fields {
		fields[i] = f + "*"
	}
	return strings.Join(fields, " ")
}
