package serversync

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/replicant-sync/replicant/internal/document"
	"github.com/replicant-sync/replicant/internal/patch"
	"github.com/replicant-sync/replicant/internal/serverstore"
	"github.com/replicant-sync/replicant/internal/session"
	"github.com/replicant-sync/replicant/internal/wire"
)

// These tests talk to a real Postgres instance, matching the gate
// internal/serverstore's own integration tests use.
func requireIntegration(t *testing.T) *serverstore.Store {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_INTEGRATION_TESTS=1 and DATABASE_URL to run serversync integration tests")
	}
	url := os.Getenv("DATABASE_URL")
	require.NotEmpty(t, url, "DATABASE_URL must be set for serversync integration tests")

	s, err := serverstore.Open(context.Background(), url, nil)
	require.NoError(t, err)
	require.NoError(t, s.Reset(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func newHandler(store *serverstore.Store, at time.Time) *Handler {
	return &Handler{
		Store:    store,
		Registry: session.NewRegistry(),
		Logger:   zap.NewNop(),
		Now:      func() time.Time { return at },
	}
}

func nextFrame(t *testing.T, sess *session.Session) any {
	t.Helper()
	select {
	case frame := <-sess.Outbox():
		msg, err := wire.Decode(frame)
		require.NoError(t, err)
		return msg
	default:
		t.Fatal("expected a queued frame, found none")
		return nil
	}
}

func TestHandleCreateDocumentBroadcastsToAllSessionsOfOwner(t *testing.T) {
	store := requireIntegration(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHandler(store, now)

	userID, err := store.CreateUser(ctx, "create@example.com")
	require.NoError(t, err)

	originator := session.New(nil, userID, uuid.New(), nil)
	other := session.New(nil, userID, uuid.New(), nil)
	h.Registry.Register(originator)
	h.Registry.Register(other)

	docID := uuid.New()
	content, _ := json.Marshal(map[string]any{"title": "hello"})
	msg := &wire.CreateDocumentMsg{Type: wire.TypeCreateDocument, Document: wire.DocumentPayload{
		ID: docID, UserID: userID, Content: content, SyncRevision: 1, VersionVector: map[string]int64{"client-a": 1},
	}}

	require.NoError(t, h.Dispatch(ctx, originator, msg))

	resp := nextFrame(t, originator)
	createResp, ok := resp.(*wire.CreateDocumentResponse)
	require.True(t, ok)
	require.True(t, createResp.Success)

	for _, sess := range []*session.Session{originator, other} {
		broadcast := nextFrame(t, sess)
		created, ok := broadcast.(*wire.DocumentCreatedMsg)
		require.True(t, ok)
		require.Equal(t, docID, created.Document.ID)
	}

	stored, err := store.GetDocument(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, userID, stored.UserID)
}

func TestHandleCreateDocumentRejectsWrongOwner(t *testing.T) {
	store := requireIntegration(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHandler(store, now)

	userID, err := store.CreateUser(ctx, "wrongowner@example.com")
	require.NoError(t, err)
	sess := session.New(nil, userID, uuid.New(), nil)
	h.Registry.Register(sess)

	content, _ := json.Marshal(map[string]any{"title": "hello"})
	msg := &wire.CreateDocumentMsg{Type: wire.TypeCreateDocument, Document: wire.DocumentPayload{
		ID: uuid.New(), UserID: uuid.New(), Content: content,
	}}

	require.NoError(t, h.Dispatch(ctx, sess, msg))
	resp := nextFrame(t, sess)
	errMsg, ok := resp.(*wire.ErrorMsg)
	require.True(t, ok)
	require.Equal(t, "InvalidAuth", errMsg.Code)
}

func TestHandleUpdateDocumentAppliesPatchAndBroadcasts(t *testing.T) {
	store := requireIntegration(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHandler(store, now)

	userID, err := store.CreateUser(ctx, "update@example.com")
	require.NoError(t, err)
	sess := session.New(nil, userID, uuid.New(), nil)
	h.Registry.Register(sess)

	doc, err := document.New(uuid.New(), userID, map[string]any{"title": "before"}, "client-a", now)
	require.NoError(t, err)
	_, err = store.CreateDocument(ctx, doc)
	require.NoError(t, err)

	forward, err := patch.Diff(doc.Content, map[string]any{"title": "after"})
	require.NoError(t, err)
	updatedContent, err := patch.Apply(doc.Content, forward)
	require.NoError(t, err)
	checksum, err := patch.Checksum(updatedContent)
	require.NoError(t, err)

	msg := &wire.UpdateDocumentMsg{Type: wire.TypeUpdateDocument, DocumentID: doc.ID, Patch: wire.PatchPayload{
		Patch: forward, Checksum: checksum, VersionVector: doc.VersionVector.Increment("client-a"),
	}}
	require.NoError(t, h.Dispatch(ctx, sess, msg))

	resp := nextFrame(t, sess).(*wire.UpdateDocumentResponse)
	require.True(t, resp.Success)

	broadcast := nextFrame(t, sess).(*wire.DocumentUpdatedMsg)
	var gotContent map[string]any
	require.NoError(t, json.Unmarshal(broadcast.Document.Content, &gotContent))
	require.Equal(t, "after", gotContent["title"])
}

func TestHandleUpdateDocumentDetectsConcurrentConflict(t *testing.T) {
	store := requireIntegration(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHandler(store, now)

	userID, err := store.CreateUser(ctx, "conflict@example.com")
	require.NoError(t, err)
	sess := session.New(nil, userID, uuid.New(), nil)
	h.Registry.Register(sess)

	doc, err := document.New(uuid.New(), userID, map[string]any{"title": "before"}, "client-a", now)
	require.NoError(t, err)
	doc.VersionVector["client-b"] = 2 // server has already seen a branch the patch's author does not know about
	_, err = store.CreateDocument(ctx, doc)
	require.NoError(t, err)

	forward, err := patch.Diff(doc.Content, map[string]any{"title": "after"})
	require.NoError(t, err)
	checksum, err := patch.Checksum(map[string]any{"title": "after"})
	require.NoError(t, err)

	// Concurrent with the stored vector: it has client-c:1, unknown to the
	// server, while the server's client-b:2 is unknown to it.
	concurrentVector := map[string]int64{"client-a": doc.VersionVector["client-a"], "client-c": 1}
	msg := &wire.UpdateDocumentMsg{Type: wire.TypeUpdateDocument, DocumentID: doc.ID, Patch: wire.PatchPayload{
		Patch: forward, Checksum: checksum, VersionVector: concurrentVector,
	}}
	require.NoError(t, h.Dispatch(ctx, sess, msg))

	resp := nextFrame(t, sess)
	conflict, ok := resp.(*wire.ConflictDetectedMsg)
	require.True(t, ok)
	require.Equal(t, "Manual", conflict.ResolutionStrategy)
}

func TestHandleDeleteDocumentTombstonesAndBroadcasts(t *testing.T) {
	store := requireIntegration(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHandler(store, now)

	userID, err := store.CreateUser(ctx, "delete@example.com")
	require.NoError(t, err)
	sess := session.New(nil, userID, uuid.New(), nil)
	h.Registry.Register(sess)

	doc, err := document.New(uuid.New(), userID, map[string]any{"title": "t"}, "client-a", now)
	require.NoError(t, err)
	_, err = store.CreateDocument(ctx, doc)
	require.NoError(t, err)

	msg := &wire.DeleteDocumentMsg{Type: wire.TypeDeleteDocument, DocumentID: doc.ID}
	require.NoError(t, h.Dispatch(ctx, sess, msg))

	resp := nextFrame(t, sess).(*wire.DeleteDocumentResponse)
	require.True(t, resp.Success)
	broadcast := nextFrame(t, sess).(*wire.DocumentDeletedMsg)
	require.Equal(t, doc.ID, broadcast.DocumentID)
}

func TestHandleRequestFullSyncStreamsEveryOwnedDocument(t *testing.T) {
	store := requireIntegration(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHandler(store, now)

	userID, err := store.CreateUser(ctx, "fullsync@example.com")
	require.NoError(t, err)
	sess := session.New(nil, userID, uuid.New(), nil)
	h.Registry.Register(sess)

	for i := 0; i < 3; i++ {
		doc, err := document.New(uuid.New(), userID, map[string]any{"n": i}, "client-a", now)
		require.NoError(t, err)
		_, err = store.CreateDocument(ctx, doc)
		require.NoError(t, err)
	}

	require.NoError(t, h.Dispatch(ctx, sess, &wire.RequestFullSyncMsg{Type: wire.TypeRequestFullSync}))

	seen := 0
	for i := 0; i < 3; i++ {
		_, ok := nextFrame(t, sess).(*wire.SyncDocumentMsg)
		require.True(t, ok)
		seen++
	}
	complete := nextFrame(t, sess).(*wire.SyncCompleteMsg)
	require.Equal(t, seen, complete.SyncedCount)
}

func TestHandleGetChangesSinceReturnsPendingEvents(t *testing.T) {
	store := requireIntegration(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	h := newHandler(store, now)

	userID, err := store.CreateUser(ctx, "changes@example.com")
	require.NoError(t, err)
	sess := session.New(nil, userID, uuid.New(), nil)
	h.Registry.Register(sess)

	doc, err := document.New(uuid.New(), userID, map[string]any{"t": 1}, "client-a", now)
	require.NoError(t, err)
	_, err = store.CreateDocument(ctx, doc)
	require.NoError(t, err)

	require.NoError(t, h.Dispatch(ctx, sess, &wire.GetChangesSinceMsg{Type: wire.TypeGetChangesSince, LastSequence: 0}))
	changes := nextFrame(t, sess).(*wire.ChangesMsg)
	require.Len(t, changes.Events, 1)
	require.Equal(t, int64(1), changes.LatestSequence)
	require.False(t, changes.HasMore)
}

func TestHandlePingRepliesPong(t *testing.T) {
	h := &Handler{Registry: session.NewRegistry(), Logger: zap.NewNop()}
	sess := session.New(nil, uuid.New(), uuid.New(), nil)
	require.NoError(t, h.Dispatch(context.Background(), sess, &wire.PingMsg{Type: wire.TypePing}))
	_, ok := nextFrame(t, sess).(*wire.PongMsg)
	require.True(t, ok)
}
