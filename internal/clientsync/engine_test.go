package clientsync

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/replicant-sync/replicant/internal/clientstore"
	"github.com/replicant-sync/replicant/internal/wire"
)

func openTestStore(t *testing.T) *clientstore.Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.db")
	s, err := clientstore.Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

// fakeTransport is an in-memory Transport double: Send feeds a channel the
// test drains to assert on outbound traffic, push feeds inbound messages
// the engine's loop consumes.
type fakeTransport struct {
	sentCh chan any
	in     chan any

	mu     sync.Mutex
	closed bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{sentCh: make(chan any, 16), in: make(chan any, 16)}
}

func (f *fakeTransport) Send(msg any) error {
	f.mu.Lock()
	closed := f.closed
	f.mu.Unlock()
	if closed {
		return fmt.Errorf("fake transport closed")
	}
	f.sentCh <- msg
	return nil
}

func (f *fakeTransport) Incoming() <-chan any { return f.in }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) push(msg any) { f.in <- msg }

func (f *fakeTransport) nextSent(t *testing.T) any {
	t.Helper()
	select {
	case m := <-f.sentCh:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a sent message")
		return nil
	}
}

func newTestEngine(t *testing.T, store *clientstore.Store) *Engine {
	t.Helper()
	_, err := store.EnsureUserConfig(context.Background(), "wss://example.test/sync")
	require.NoError(t, err)
	e := New(store, Config{ServerURL: "wss://example.test/sync"}, nil)
	e.Now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }
	return e
}

func TestCreateDocumentSavesLocallyAndEnqueues(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	e := newTestEngine(t, store)

	doc, err := e.CreateDocument(ctx, map[string]any{"title": "hello"})
	require.NoError(t, err)

	got, status, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, clientstore.StatusPending, status)
	require.Equal(t, "hello", got.Content.(map[string]any)["title"])

	entry, err := store.Peek(ctx)
	require.NoError(t, err)
	require.Equal(t, doc.ID, entry.DocumentID)
	require.Equal(t, clientstore.OpCreate, entry.Operation)
}

func TestSteadyStateDrainsQueueOnSuccessAck(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newTestEngine(t, store)
	ft := newFakeTransport()
	e.transport = ft

	doc, err := e.CreateDocument(ctx, map[string]any{"title": "hello"})
	require.NoError(t, err)

	runErr := make(chan error, 1)
	go func() { runErr <- e.steadyState(ctx) }()

	sent := ft.nextSent(t)
	_, ok := sent.(*wire.CreateDocumentMsg)
	require.True(t, ok)
	resp := wire.NewCreateDocumentResponse(true, nil)
	ft.push(&resp)

	require.Eventually(t, func() bool {
		_, err := store.Peek(ctx)
		return err != nil // replerr.NotFound once drained
	}, time.Second, 10*time.Millisecond)

	_, status, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, clientstore.StatusSynced, status)

	cancel()
	<-runErr
}

func TestSteadyStateHandlesConflictDetected(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newTestEngine(t, store)
	ft := newFakeTransport()
	e.transport = ft

	doc, err := e.CreateDocument(ctx, map[string]any{"title": "hello"})
	require.NoError(t, err)
	require.NoError(t, store.MarkSynced(ctx, doc.ID, doc.SyncRevision))
	require.NoError(t, store.Dequeue(ctx, mustPeekID(t, ctx, store)))
	require.NoError(t, e.UpdateDocument(ctx, doc.ID, map[string]any{"title": "changed"}))

	go e.steadyState(ctx)

	sent := ft.nextSent(t)
	_, ok := sent.(*wire.UpdateDocumentMsg)
	require.True(t, ok)
	conflict := wire.NewConflictDetected(doc.ID, "", "1-abc", "Manual")
	ft.push(&conflict)

	var gotEvent Event
	select {
	case gotEvent = <-e.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for conflict event")
	}
	require.Equal(t, EventDocumentConflict, gotEvent.Kind)
	require.Equal(t, doc.ID, gotEvent.DocumentID)

	require.Eventually(t, func() bool {
		_, status, err := store.GetDocument(ctx, doc.ID)
		return err == nil && status == clientstore.StatusConflict
	}, time.Second, 10*time.Millisecond)
}

func TestResolveConflictReturnsDocumentToPendingThenSynced(t *testing.T) {
	store := openTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := newTestEngine(t, store)
	ft := newFakeTransport()
	e.transport = ft

	doc, err := e.CreateDocument(ctx, map[string]any{"title": "hello"})
	require.NoError(t, err)
	require.NoError(t, store.MarkSynced(ctx, doc.ID, doc.SyncRevision))
	require.NoError(t, store.Dequeue(ctx, mustPeekID(t, ctx, store)))
	require.NoError(t, e.UpdateDocument(ctx, doc.ID, map[string]any{"title": "changed locally"}))

	go e.steadyState(ctx)

	sent := ft.nextSent(t)
	_, ok := sent.(*wire.UpdateDocumentMsg)
	require.True(t, ok)
	conflict := wire.NewConflictDetected(doc.ID, "", "1-abc", "Manual")
	ft.push(&conflict)

	require.Eventually(t, func() bool {
		_, status, err := store.GetDocument(ctx, doc.ID)
		return err == nil && status == clientstore.StatusConflict
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, e.ResolveConflict(ctx, doc.ID, map[string]any{"title": "merged result"}))

	_, status, err := store.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, clientstore.StatusPending, status)

	sent = ft.nextSent(t)
	resolveMsg, ok := sent.(*wire.ResolveConflictMsg)
	require.True(t, ok)
	require.Equal(t, doc.ID, resolveMsg.DocumentID)

	resp := wire.NewResolveConflictResponse(true, nil)
	ft.push(&resp)

	require.Eventually(t, func() bool {
		got, status, err := store.GetDocument(ctx, doc.ID)
		return err == nil && status == clientstore.StatusSynced &&
			got.Content.(map[string]any)["title"] == "merged result"
	}, time.Second, 10*time.Millisecond)
}

func mustPeekID(t *testing.T, ctx context.Context, store *clientstore.Store) int64 {
	t.Helper()
	entry, err := store.Peek(ctx)
	require.NoError(t, err)
	return entry.ID
}

func TestCatchUpDrainsChangeLogThenFullSyncs(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	cfg, err := store.EnsureUserConfig(ctx, "wss://example.test/sync")
	require.NoError(t, err)

	e := newTestEngine(t, store)
	ft := newFakeTransport()
	e.transport = ft

	docID := uuid.New()
	content, err := json.Marshal(map[string]any{"title": "remote doc"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- e.catchUp(ctx, cfg) }()

	_, ok := ft.nextSent(t).(*wire.GetChangesSinceMsg)
	require.True(t, ok)
	ft.push(&wire.ChangesMsg{Type: wire.TypeChanges, LatestSequence: 0, HasMore: false})

	ackMsg, ok := ft.nextSent(t).(*wire.AckChangesMsg)
	require.True(t, ok)
	require.Equal(t, int64(0), ackMsg.UpToSequence)
	ft.push(&wire.ChangesAcknowledgedMsg{Type: wire.TypeChangesAcknowledged})

	_, ok = ft.nextSent(t).(*wire.RequestFullSyncMsg)
	require.True(t, ok)
	ft.push(&wire.SyncDocumentMsg{Type: wire.TypeSyncDocument, Document: wire.DocumentPayload{
		ID: docID, UserID: cfg.UserID, Content: content, SyncRevision: 1,
		VersionVector: map[string]int64{"server": 1},
	}})
	ft.push(&wire.SyncCompleteMsg{Type: wire.TypeSyncComplete, SyncedCount: 1})

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("catchUp did not complete")
	}

	doc, status, err := store.GetDocument(ctx, docID)
	require.NoError(t, err)
	require.Equal(t, clientstore.StatusSynced, status)
	require.Equal(t, "remote doc", doc.Content.(map[string]any)["title"])
}
