package clientsync

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/replicant-sync/replicant/internal/clientstore"
	"github.com/replicant-sync/replicant/internal/document"
	"github.com/replicant-sync/replicant/internal/patch"
	"github.com/replicant-sync/replicant/internal/wire"
)

// CreateDocument saves a brand-new document locally (status pending) and
// enqueues it for outbound delivery, waking the sync loop if it is idle.
func (e *Engine) CreateDocument(ctx context.Context, content any) (*document.Document, error) {
	cfg, err := e.Store.GetUserConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("clientsync: get user config: %w", err)
	}

	doc, err := document.New(uuid.New(), cfg.UserID, content, cfg.ClientID.String(), e.now())
	if err != nil {
		return nil, fmt.Errorf("clientsync: build document: %w", err)
	}
	if err := e.Store.SaveDocument(ctx, doc, nil); err != nil {
		return nil, fmt.Errorf("clientsync: save new document: %w", err)
	}

	if err := e.enqueue(ctx, doc.ID, clientstore.OpCreate, wire.NewCreateDocument(toPayload(doc))); err != nil {
		return nil, err
	}
	e.wakeOutbound()
	return doc, nil
}

// UpdateDocument diffs newContent against the cached copy of id, applies the
// resulting patch locally, and enqueues it for outbound delivery. A no-op
// diff (newContent already matches) is a silent success.
func (e *Engine) UpdateDocument(ctx context.Context, id uuid.UUID, newContent any) error {
	cfg, err := e.Store.GetUserConfig(ctx)
	if err != nil {
		return fmt.Errorf("clientsync: get user config: %w", err)
	}

	doc, status, err := e.Store.GetDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("clientsync: get document: %w", err)
	}
	if status == clientstore.StatusConflict {
		return fmt.Errorf("clientsync: document %s has an unresolved conflict", id)
	}

	forward, err := patch.Diff(doc.Content, newContent)
	if err != nil {
		return fmt.Errorf("clientsync: diff document: %w", err)
	}
	if forward.Empty() {
		return nil
	}

	baseRevision, err := doc.RevisionID()
	if err != nil {
		return fmt.Errorf("clientsync: compute base revision: %w", err)
	}

	if err := doc.ApplyPatch(forward, cfg.ClientID.String(), e.now()); err != nil {
		return fmt.Errorf("clientsync: apply local patch: %w", err)
	}
	if err := e.Store.SaveDocument(ctx, doc, nil); err != nil {
		return fmt.Errorf("clientsync: save updated document: %w", err)
	}

	checksum, err := patch.Checksum(doc.Content)
	if err != nil {
		return fmt.Errorf("clientsync: checksum updated document: %w", err)
	}
	vv := make(map[string]int64, len(doc.VersionVector))
	for node, count := range doc.VersionVector {
		vv[node] = count
	}
	payload := wire.NewUpdateDocument(doc.ID, wire.PatchPayload{
		Patch: forward, Checksum: checksum, VersionVector: vv, BaseRevision: baseRevision,
	})

	if err := e.enqueue(ctx, doc.ID, clientstore.OpUpdate, payload); err != nil {
		return err
	}
	e.wakeOutbound()
	return nil
}

// ResolveConflict applies resolvedContent to a document stuck in the
// conflict status and resubmits it to the server, completing the client
// state machine's fourth transition: conflict -> pending. The resubmission
// carries the full resolved content rather than a patch, since
// ConflictDetected never told this client what the server's current copy
// actually contains to diff against.
func (e *Engine) ResolveConflict(ctx context.Context, id uuid.UUID, resolvedContent any) error {
	cfg, err := e.Store.GetUserConfig(ctx)
	if err != nil {
		return fmt.Errorf("clientsync: get user config: %w", err)
	}

	doc, status, err := e.Store.GetDocument(ctx, id)
	if err != nil {
		return fmt.Errorf("clientsync: get document: %w", err)
	}
	if status != clientstore.StatusConflict {
		return fmt.Errorf("clientsync: document %s has no unresolved conflict", id)
	}

	forward, err := patch.Diff(doc.Content, resolvedContent)
	if err != nil {
		return fmt.Errorf("clientsync: diff resolved content: %w", err)
	}
	if !forward.Empty() {
		if err := doc.ApplyPatch(forward, cfg.ClientID.String(), e.now()); err != nil {
			return fmt.Errorf("clientsync: apply resolved content: %w", err)
		}
	}
	if err := e.Store.SaveDocument(ctx, doc, nil); err != nil {
		return fmt.Errorf("clientsync: save resolved document: %w", err)
	}

	contentJSON, err := json.Marshal(doc.Content)
	if err != nil {
		return fmt.Errorf("clientsync: marshal resolved content: %w", err)
	}
	vv := make(map[string]int64, len(doc.VersionVector))
	for node, count := range doc.VersionVector {
		vv[node] = count
	}
	payload := wire.NewResolveConflict(doc.ID, contentJSON, doc.ContentHash, vv)

	if err := e.enqueue(ctx, doc.ID, clientstore.OpResolveConflict, payload); err != nil {
		return err
	}
	e.emit(Event{Kind: EventConflictResolved, DocumentID: doc.ID})
	e.wakeOutbound()
	return nil
}

// DeleteDocument soft-deletes id locally and enqueues the tombstone for
// outbound delivery.
func (e *Engine) DeleteDocument(ctx context.Context, id uuid.UUID) error {
	if err := e.Store.DeleteDocument(ctx, id, e.now()); err != nil {
		return fmt.Errorf("clientsync: delete document: %w", err)
	}
	if err := e.enqueue(ctx, id, clientstore.OpDelete, wire.NewDeleteDocument(id)); err != nil {
		return err
	}
	e.wakeOutbound()
	return nil
}

func (e *Engine) enqueue(ctx context.Context, id uuid.UUID, op clientstore.OperationType, msg any) error {
	body, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("clientsync: encode queued message: %w", err)
	}
	if err := e.Store.Enqueue(ctx, id, op, body); err != nil {
		return fmt.Errorf("clientsync: enqueue outbound entry: %w", err)
	}
	return nil
}

func toPayload(doc *document.Document) wire.DocumentPayload {
	contentJSON, err := json.Marshal(doc.Content)
	if err != nil {
		contentJSON = []byte("null")
	}
	vv := make(map[string]int64, len(doc.VersionVector))
	for node, count := range doc.VersionVector {
		vv[node] = count
	}
	return wire.DocumentPayload{
		ID: doc.ID, UserID: doc.UserID, Content: contentJSON, Title: doc.Title,
		SyncRevision: doc.SyncRevision, VersionVector: vv,
		CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt, DeletedAt: doc.DeletedAt,
	}
}
