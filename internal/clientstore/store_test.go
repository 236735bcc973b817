package clientstore

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicant-sync/replicant/internal/document"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "client.db")
	s, err := Open(path, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetDocumentUpsertsByID(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	id := uuid.New()
	userID := uuid.New()

	doc, err := document.New(id, userID, map[string]any{"title": "Original"}, "client-a", now)
	require.NoError(t, err)
	require.NoError(t, s.SaveDocument(ctx, doc, nil))

	doc.SyncRevision = 2
	doc.Title = "Updated"
	doc.UpdatedAt = now.Add(time.Minute)
	require.NoError(t, s.SaveDocument(ctx, doc, nil))

	got, status, err := s.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "Updated", got.Title)
	assert.Equal(t, int64(2), got.SyncRevision)
	assert.Equal(t, StatusPending, status)
}

func TestSaveDocumentWithSyncedStatusOverride(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	id := uuid.New()
	doc, err := document.New(id, uuid.New(), map[string]any{"title": "t"}, "server", now)
	require.NoError(t, err)

	synced := StatusSynced
	require.NoError(t, s.SaveDocument(ctx, doc, &synced))

	_, status, err := s.GetDocument(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, status)
}

func TestGetDocumentNotFound(t *testing.T) {
	s := openTestStore(t)
	_, _, err := s.GetDocument(context.Background(), uuid.New())
	assert.Error(t, err)
}

func TestGetPendingDocumentsOrderedByUpdatedAt(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	older, err := document.New(uuid.New(), uuid.New(), map[string]any{"title": "older"}, "client-a", base)
	require.NoError(t, err)
	require.NoError(t, s.SaveDocument(ctx, older, nil))

	newer, err := document.New(uuid.New(), uuid.New(), map[string]any{"title": "newer"}, "client-a", base.Add(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.SaveDocument(ctx, newer, nil))

	pending, err := s.GetPendingDocuments(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, older.ID, pending[0].ID)
	assert.Equal(t, newer.ID, pending[1].ID)
}

func TestMarkSyncedTransitionsStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	doc, err := document.New(uuid.New(), uuid.New(), map[string]any{"title": "t"}, "client-a", now)
	require.NoError(t, err)
	require.NoError(t, s.SaveDocument(ctx, doc, nil))

	require.NoError(t, s.MarkSynced(ctx, doc.ID, doc.SyncRevision))

	_, status, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSynced, status)

	pending, err := s.GetPendingDocuments(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestDeleteDocumentTombstonesAndResetsToPending(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	doc, err := document.New(uuid.New(), uuid.New(), map[string]any{"title": "t"}, "client-a", now)
	require.NoError(t, err)
	require.NoError(t, s.SaveDocument(ctx, doc, nil))

	synced := StatusSynced
	require.NoError(t, s.SaveDocument(ctx, doc, &synced))

	require.NoError(t, s.DeleteDocument(ctx, doc.ID, now.Add(time.Minute)))

	got, status, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	assert.NotNil(t, got.DeletedAt)
	assert.Equal(t, StatusPending, status)
}

func TestOutboundQueueFIFOAndRetryDeadLetter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	docID := uuid.New()
	require.NoError(t, s.Enqueue(ctx, docID, OpCreate, []byte(`{"a":1}`)))
	require.NoError(t, s.Enqueue(ctx, docID, OpUpdate, []byte(`{"a":2}`)))

	first, err := s.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, OpCreate, first.Operation)

	require.NoError(t, s.Dequeue(ctx, first.ID))

	second, err := s.Peek(ctx)
	require.NoError(t, err)
	assert.Equal(t, OpUpdate, second.Operation)

	var lastDeadLettered bool
	for i := 0; i < MaxRetries+1; i++ {
		var err error
		lastDeadLettered, err = s.IncrementRetry(ctx, second.ID)
		require.NoError(t, err)
	}
	assert.True(t, lastDeadLettered)

	dead, err := s.DeadLetterEntries(ctx)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, second.ID, dead[0].ID)
}

func TestEnsureUserConfigIsIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureUserConfig(ctx, "https://sync.example.com")
	require.NoError(t, err)

	second, err := s.EnsureUserConfig(ctx, "https://sync.example.com")
	require.NoError(t, err)

	assert.Equal(t, first.UserID, second.UserID)
	assert.Equal(t, first.ClientID, second.ClientID)
}

func TestSearchExcludesTombstonesAndMatchesPrefix(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	userID := uuid.New()

	require.NoError(t, s.ConfigureSearch(ctx, []string{"/body"}))

	kept, err := document.New(uuid.New(), userID, map[string]any{"title": "Recipe", "body": "banana bread"}, "client-a", now)
	require.NoError(t, err)
	require.NoError(t, s.SaveDocument(ctx, kept, nil))

	removed, err := document.New(uuid.New(), userID, map[string]any{"title": "Old", "body": "banana split"}, "client-a", now)
	require.NoError(t, err)
	require.NoError(t, s.SaveDocument(ctx, removed, nil))
	require.NoError(t, s.DeleteDocument(ctx, removed.ID, now.Add(time.Minute)))

	results, err := s.Search(ctx, userID, "banan", 10)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{kept.ID}, results)
}
