// Package serversync is the server-side sync handler: per-connection
// message dispatch, change-log writes, and broadcast fan-out through the
// session registry.
//
// The dispatch-then-broadcast shape follows eventsync/sync_service.go's
// SyncServiceImpl.BroadcastEvent (store the event, then iterate registered
// clients and post to each), generalized from a single document-keyed
// client map to the full per-user registry in internal/session.
package serversync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replicant-sync/replicant/internal/conflict"
	"github.com/replicant-sync/replicant/internal/document"
	"github.com/replicant-sync/replicant/internal/patch"
	"github.com/replicant-sync/replicant/internal/replerr"
	"github.com/replicant-sync/replicant/internal/serverstore"
	"github.com/replicant-sync/replicant/internal/session"
	"github.com/replicant-sync/replicant/internal/wire"
)

// Clock is injected so tests can control "now" deterministically.
type Clock func() time.Time

// Handler dispatches inbound client messages for one authenticated
// connection, writing to the server store and fanning broadcasts out
// through the registry.
type Handler struct {
	Store    *serverstore.Store
	Registry *session.Registry
	Logger   *zap.Logger
	Now      Clock

	// ConflictStrategy selects how a detected concurrent write is
	// reconciled. The zero value (empty string) behaves as conflict.Manual:
	// the losing update is recorded and ConflictDetected is sent back to
	// the client for manual resolution. Set to conflict.LastWriteWins,
	// conflict.FirstWriteWins, or conflict.MergeJSON to resolve
	// automatically on the server instead.
	ConflictStrategy conflict.Strategy
}

func (h *Handler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now().UTC()
}

func (h *Handler) conflictStrategy() conflict.Strategy {
	if h.ConflictStrategy == "" {
		return conflict.Manual
	}
	return h.ConflictStrategy
}

// Dispatch handles one decoded inbound message for sess, as produced by
// wire.Decode.
func (h *Handler) Dispatch(ctx context.Context, sess *session.Session, msg any) error {
	switch m := msg.(type) {
	case *wire.CreateDocumentMsg:
		return h.handleCreateDocument(ctx, sess, m)
	case *wire.UpdateDocumentMsg:
		return h.handleUpdateDocument(ctx, sess, m)
	case *wire.DeleteDocumentMsg:
		return h.handleDeleteDocument(ctx, sess, m)
	case *wire.ResolveConflictMsg:
		return h.handleResolveConflict(ctx, sess, m)
	case *wire.RequestSyncMsg:
		return h.handleRequestSync(ctx, sess, m)
	case *wire.RequestFullSyncMsg:
		return h.handleRequestFullSync(ctx, sess)
	case *wire.GetChangesSinceMsg:
		return h.handleGetChangesSince(ctx, sess, m)
	case *wire.AckChangesMsg:
		// The acknowledged sequence is logged only; it is not persisted.
		h.Logger.Debug("changes acknowledged", zap.String("client_id", sess.ClientID.String()),
			zap.Int64("up_to_sequence", m.UpToSequence))
		return sess.Send(wire.NewChangesAcknowledged())
	case *wire.PingMsg:
		return sess.Send(wire.NewPong())
	default:
		return sess.Send(wire.NewError(string(replerr.CodeInvalidMessage), fmt.Sprintf("unexpected message %T", msg)))
	}
}

func (h *Handler) handleCreateDocument(ctx context.Context, sess *session.Session, m *wire.CreateDocumentMsg) error {
	if m.Document.UserID != sess.UserID {
		return sess.Send(wire.NewError(string(replerr.CodeInvalidAuth), "document.user_id does not match session"))
	}

	var content any
	if err := json.Unmarshal(m.Document.Content, &content); err != nil {
		return sess.Send(wire.NewError(string(replerr.CodeInvalidMessage), "invalid document content"))
	}

	doc, err := document.New(m.Document.ID, m.Document.UserID, content, "server", h.now())
	if err != nil {
		return fmt.Errorf("serversync: build document: %w", err)
	}
	doc.Title = m.Document.Title
	doc.SyncRevision = m.Document.SyncRevision
	for node, count := range m.Document.VersionVector {
		doc.VersionVector[node] = count
	}

	_, err = h.Store.CreateDocument(ctx, doc)
	if errors.Is(err, serverstore.ErrDuplicateID) {
		return sess.Send(wire.NewCreateDocumentResponse(false, &wire.ErrorPayload{
			Code: string(replerr.CodeServerError), Message: "document id already exists"}))
	}
	if err != nil {
		return fmt.Errorf("serversync: create document: %w", err)
	}

	if err := sess.Send(wire.NewCreateDocumentResponse(true, nil)); err != nil {
		return err
	}
	h.Registry.BroadcastToUser(doc.UserID, wire.NewDocumentCreated(toPayload(doc)), uuid.Nil)
	return nil
}

func (h *Handler) handleUpdateDocument(ctx context.Context, sess *session.Session, m *wire.UpdateDocumentMsg) error {
	current, err := h.Store.GetDocument(ctx, m.DocumentID)
	if errors.Is(err, replerr.NotFound) {
		return sess.Send(wire.NewUpdateDocumentResponse(false, &wire.ErrorPayload{
			Code: string(replerr.CodeDocumentNotFound), Message: "document not found"}))
	}
	if err != nil {
		return fmt.Errorf("serversync: fetch document for update: %w", err)
	}
	if current.UserID != sess.UserID {
		return sess.Send(wire.NewError(string(replerr.CodeInvalidAuth), "not the document owner"))
	}

	updated := *current
	if err := updated.ApplyPatch(m.Patch.Patch, "server", h.now()); err != nil {
		return sess.Send(wire.NewUpdateDocumentResponse(false, &wire.ErrorPayload{
			Code: string(replerr.CodeInvalidPatch), Message: err.Error()}))
	}

	checksum, err := patch.Checksum(updated.Content)
	if err != nil {
		return fmt.Errorf("serversync: checksum updated content: %w", err)
	}
	if checksum != m.Patch.Checksum {
		return sess.Send(wire.NewUpdateDocumentResponse(false, &wire.ErrorPayload{
			Code: string(replerr.CodeInvalidPatch), Message: "checksum mismatch"}))
	}

	if current.VersionVector.IsConcurrent(m.Patch.VersionVector) {
		return h.handleConcurrentUpdate(ctx, sess, current, &updated, m)
	}

	updated.VersionVector = current.VersionVector.Merge(m.Patch.VersionVector)

	if _, err := h.Store.UpdateDocument(ctx, &updated, nil, m.Patch.Patch); err != nil {
		return fmt.Errorf("serversync: persist update: %w", err)
	}

	if err := sess.Send(wire.NewUpdateDocumentResponse(true, nil)); err != nil {
		return err
	}
	h.Registry.BroadcastToUser(updated.UserID, wire.NewDocumentUpdated(toPayload(&updated)), uuid.Nil)
	return nil
}

// handleConcurrentUpdate reconciles current (the server's stored copy) and
// updated (current with the client's forward patch already applied) per
// h.ConflictStrategy. conflict.Manual (the default) records the losing
// update and defers to the client; the other strategies resolve on the
// server and broadcast the result the same as an ordinary update.
func (h *Handler) handleConcurrentUpdate(ctx context.Context, sess *session.Session,
	current, updated *document.Document, m *wire.UpdateDocumentMsg) error {
	strategy := h.conflictStrategy()
	serverRevision, _ := current.RevisionID()

	manual := func() error {
		if _, err := h.Store.RecordLosingUpdate(ctx, current.UserID, current.ID, serverRevision, m.Patch.Patch); err != nil {
			h.Logger.Warn("failed to record losing update", zap.Error(err))
		}
		return sess.Send(wire.NewConflictDetected(current.ID, m.Patch.BaseRevision, serverRevision, string(conflict.Manual)))
	}

	if strategy == conflict.Manual {
		return manual()
	}

	resolved, err := conflict.Resolve(strategy, updated, current)
	if err != nil {
		h.Logger.Warn("automatic conflict resolution failed, falling back to manual",
			zap.String("strategy", string(strategy)), zap.Error(err))
		return manual()
	}
	resolved.VersionVector = current.VersionVector.Merge(m.Patch.VersionVector)

	forwardPatch, err := patch.Diff(current.Content, resolved.Content)
	if err != nil {
		return fmt.Errorf("serversync: diff resolved content: %w", err)
	}
	if _, err := h.Store.UpdateDocument(ctx, resolved, nil, forwardPatch); err != nil {
		return fmt.Errorf("serversync: persist resolved update: %w", err)
	}

	if err := sess.Send(wire.NewUpdateDocumentResponse(true, nil)); err != nil {
		return err
	}
	h.Registry.BroadcastToUser(resolved.UserID, wire.NewDocumentUpdated(toPayload(resolved)), uuid.Nil)
	return nil
}

// handleResolveConflict applies a client's post-ConflictDetected resolution.
// Unlike handleUpdateDocument it carries full content rather than a patch
// against the server's current copy: ConflictDetected never told the
// client what that copy contains, so there is nothing to diff the
// resolution against except the server's own stored content, computed
// here rather than supplied by the client.
func (h *Handler) handleResolveConflict(ctx context.Context, sess *session.Session, m *wire.ResolveConflictMsg) error {
	current, err := h.Store.GetDocument(ctx, m.DocumentID)
	if errors.Is(err, replerr.NotFound) {
		return sess.Send(wire.NewResolveConflictResponse(false, &wire.ErrorPayload{
			Code: string(replerr.CodeDocumentNotFound), Message: "document not found"}))
	}
	if err != nil {
		return fmt.Errorf("serversync: fetch document for conflict resolution: %w", err)
	}
	if current.UserID != sess.UserID {
		return sess.Send(wire.NewError(string(replerr.CodeInvalidAuth), "not the document owner"))
	}

	var content any
	if err := json.Unmarshal(m.Content, &content); err != nil {
		return sess.Send(wire.NewResolveConflictResponse(false, &wire.ErrorPayload{
			Code: string(replerr.CodeInvalidMessage), Message: "invalid document content"}))
	}
	checksum, err := patch.Checksum(content)
	if err != nil {
		return fmt.Errorf("serversync: checksum resolved content: %w", err)
	}
	if checksum != m.Checksum {
		return sess.Send(wire.NewResolveConflictResponse(false, &wire.ErrorPayload{
			Code: string(replerr.CodeInvalidPatch), Message: "checksum mismatch"}))
	}

	forwardPatch, err := patch.Diff(current.Content, content)
	if err != nil {
		return fmt.Errorf("serversync: diff resolved content: %w", err)
	}

	updated := *current
	if err := updated.ApplyPatch(forwardPatch, "server", h.now()); err != nil {
		return fmt.Errorf("serversync: apply resolved content: %w", err)
	}
	updated.VersionVector = current.VersionVector.Merge(m.VersionVector)

	if _, err := h.Store.UpdateDocument(ctx, &updated, nil, forwardPatch); err != nil {
		return fmt.Errorf("serversync: persist resolved update: %w", err)
	}

	if err := sess.Send(wire.NewResolveConflictResponse(true, nil)); err != nil {
		return err
	}
	h.Registry.BroadcastToUser(updated.UserID, wire.NewDocumentUpdated(toPayload(&updated)), uuid.Nil)
	return nil
}

func (h *Handler) handleDeleteDocument(ctx context.Context, sess *session.Session, m *wire.DeleteDocumentMsg) error {
	_, err := h.Store.DeleteDocument(ctx, m.DocumentID, sess.UserID, h.now())
	if errors.Is(err, replerr.NotFound) {
		return sess.Send(wire.NewDeleteDocumentResponse(false, &wire.ErrorPayload{
			Code: string(replerr.CodeDocumentNotFound), Message: "document not found"}))
	}
	if err != nil {
		return fmt.Errorf("serversync: delete document: %w", err)
	}

	if err := sess.Send(wire.NewDeleteDocumentResponse(true, nil)); err != nil {
		return err
	}
	h.Registry.BroadcastToUser(sess.UserID, wire.NewDocumentDeleted(m.DocumentID), uuid.Nil)
	return nil
}

func (h *Handler) handleRequestSync(ctx context.Context, sess *session.Session, m *wire.RequestSyncMsg) error {
	count := 0
	for _, id := range m.IDs {
		doc, err := h.Store.GetDocument(ctx, id)
		if err != nil || doc.UserID != sess.UserID {
			continue
		}
		if err := sess.Send(wire.NewSyncDocument(toPayload(doc))); err != nil {
			return err
		}
		count++
	}
	return sess.Send(wire.NewSyncComplete(count))
}

func (h *Handler) handleRequestFullSync(ctx context.Context, sess *session.Session) error {
	docs, err := h.Store.ListDocumentsByUser(ctx, sess.UserID)
	if err != nil {
		return fmt.Errorf("serversync: list documents for full sync: %w", err)
	}
	for _, doc := range docs {
		if err := sess.Send(wire.NewSyncDocument(toPayload(doc))); err != nil {
			return err
		}
	}
	return sess.Send(wire.NewSyncComplete(len(docs)))
}

func (h *Handler) handleGetChangesSince(ctx context.Context, sess *session.Session, m *wire.GetChangesSinceMsg) error {
	events, hasMore, err := h.Store.GetChangesSince(ctx, sess.UserID, m.LastSequence, m.Limit)
	if err != nil {
		return fmt.Errorf("serversync: get changes since: %w", err)
	}

	latest := m.LastSequence
	payloads := make([]wire.ChangeEventPayload, 0, len(events))
	for _, e := range events {
		payloads = append(payloads, wire.ChangeEventPayload{
			Sequence: e.Sequence, DocumentID: e.DocumentID, EventType: string(e.EventType),
			RevisionID: e.RevisionID, ForwardPatch: e.ForwardPatch, ReversePatch: e.ReversePatch,
			CreatedAt: e.CreatedAt, Applied: e.Applied,
		})
		if e.Sequence > latest {
			latest = e.Sequence
		}
	}
	return sess.Send(wire.NewChanges(payloads, latest, hasMore))
}

func toPayload(doc *document.Document) wire.DocumentPayload {
	contentJSON, err := json.Marshal(doc.Content)
	if err != nil {
		contentJSON = []byte("null")
	}
	vv := make(map[string]int64, len(doc.VersionVector))
	for k, v := range doc.VersionVector {
		vv[k] = v
	}
	return wire.DocumentPayload{
		ID: doc.ID, UserID: doc.UserID, Content: contentJSON, Title: doc.Title,
		SyncRevision: doc.SyncRevision, VersionVector: vv,
		CreatedAt: doc.CreatedAt, UpdatedAt: doc.UpdatedAt, DeletedAt: doc.DeletedAt,
	}
}
