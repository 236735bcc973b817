// Package document implements the core synchronized entity: its identity,
// revision scheme, title-derivation rule, and soft-delete semantics. Stores
// and sync engines build on top of this type rather than defining their own.
package document

import (
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/replicant-sync/replicant/internal/patch"
	"github.com/replicant-sync/replicant/internal/vector"
)

const maxTitleLength = 128

// Document is the unit of synchronization shared by client and server
// stores. ContentHash is filled in by New and ApplyPatch, computed lazily by
// RevisionID when empty, and always present on the server.
type Document struct {
	ID            uuid.UUID
	UserID        uuid.UUID
	Content       any
	ContentHash   string
	Title         string
	SyncRevision  int64
	VersionVector vector.Vector
	CreatedAt     time.Time
	UpdatedAt     time.Time
	DeletedAt     *time.Time
}

// IsTombstone reports whether the document has been soft-deleted.
func (d *Document) IsTombstone() bool {
	return d.DeletedAt != nil
}

// New constructs a Document for a fresh create, deriving title and content
// hash and stamping both timestamps to now.
func New(id, userID uuid.UUID, content any, node string, now time.Time) (*Document, error) {
	hash, err := patch.Checksum(content)
	if err != nil {
		return nil, fmt.Errorf("document: hash content: %w", err)
	}
	d := &Document{
		ID:            id,
		UserID:        userID,
		Content:       content,
		ContentHash:   hash,
		SyncRevision:  1,
		VersionVector: vector.New().Increment(node),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	d.Title = deriveTitle(content, "", now)
	return d, nil
}

// deriveTitle implements the title-derivation rule: content.title when
// present and non-empty, truncated to 128 characters; otherwise the current
// title if one is already set; otherwise "Untitled <RFC3339 timestamp>".
func deriveTitle(content any, existing string, now time.Time) string {
	if m, ok := content.(map[string]any); ok {
		if raw, ok := m["title"]; ok {
			if s, ok := raw.(string); ok && s != "" {
				return truncateTitle(s)
			}
		}
	}
	if existing != "" {
		return existing
	}
	return fmt.Sprintf("Untitled %s", now.UTC().Format(time.RFC3339))
}

func truncateTitle(s string) string {
	if len(s) <= maxTitleLength {
		return s
	}
	return s[:maxTitleLength]
}

// ApplyPatch applies a forward patch produced against d.Content, advancing
// the document to a new revision. It returns replerr.PatchFailed (via
// patch.Apply) if the patch does not resolve, and refuses to mutate a
// tombstoned document.
func (d *Document) ApplyPatch(p patch.Patch, node string, now time.Time) error {
	if d.IsTombstone() {
		return fmt.Errorf("document: %s is tombstoned, rejecting live write", d.ID)
	}

	updated, err := patch.Apply(d.Content, p)
	if err != nil {
		return err
	}

	hash, err := patch.Checksum(updated)
	if err != nil {
		return fmt.Errorf("document: hash updated content: %w", err)
	}

	d.Content = updated
	d.ContentHash = hash
	d.Title = deriveTitle(updated, d.Title, now)
	d.SyncRevision++
	d.VersionVector = d.VersionVector.Increment(node)
	d.UpdatedAt = now
	return nil
}

// Tombstone marks d deleted in place. It is always legal, even on an
// already-tombstoned document (invariant 3: tombstones accept further
// tombstone metadata).
func (d *Document) Tombstone(node string, now time.Time) {
	d.DeletedAt = &now
	d.UpdatedAt = now
	d.SyncRevision++
	d.VersionVector = d.VersionVector.Increment(node)
}

// RevisionID returns the opaque wire-facing revision string of the form
// "<n>-<hex>", combining the monotonic sync_revision with a content
// fingerprint of up to 16 hex characters so peers can compare revisions without trusting a
// bare integer alone.
func (d *Document) RevisionID() (string, error) {
	if d.ContentHash == "" {
		hash, err := patch.Checksum(d.Content)
		if err != nil {
			return "", fmt.Errorf("document: compute fingerprint: %w", err)
		}
		d.ContentHash = hash
	}
	fingerprint := d.ContentHash
	if len(fingerprint) > 16 {
		fingerprint = fingerprint[:16]
	}
	if _, err := hex.DecodeString(fingerprint); err != nil {
		return "", fmt.Errorf("document: fingerprint is not hex: %w", err)
	}
	return fmt.Sprintf("%d-%s", d.SyncRevision, fingerprint), nil
}
