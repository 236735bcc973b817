package serverstore

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/replicant-sync/replicant/internal/document"
)

// These tests talk to a real Postgres instance and only run when explicitly
// opted into, matching the RUN_INTEGRATION_TESTS gate the rest of the
// server uses for its /test/reset endpoint.
func requireIntegration(t *testing.T) *Store {
	t.Helper()
	if os.Getenv("RUN_INTEGRATION_TESTS") != "1" {
		t.Skip("set RUN_INTEGRATION_TESTS=1 and DATABASE_URL to run serverstore integration tests")
	}
	url := os.Getenv("DATABASE_URL")
	require.NotEmpty(t, url, "DATABASE_URL must be set for serverstore integration tests")

	s, err := Open(context.Background(), url, nil)
	require.NoError(t, err)
	require.NoError(t, s.Reset(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCreateAndGetDocumentRoundTrip(t *testing.T) {
	s := requireIntegration(t)
	ctx := context.Background()

	userID, err := s.CreateUser(ctx, "a@example.com")
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	doc, err := document.New(uuid.New(), userID, map[string]any{"title": "t"}, "server", now)
	require.NoError(t, err)

	event, err := s.CreateDocument(ctx, doc)
	require.NoError(t, err)
	require.Equal(t, int64(1), event.Sequence)
	require.Equal(t, EventCreate, event.EventType)

	got, err := s.GetDocument(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, doc.Title, got.Title)
}

func TestCreateDocumentDuplicateID(t *testing.T) {
	s := requireIntegration(t)
	ctx := context.Background()

	userID, err := s.CreateUser(ctx, "b@example.com")
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	id := uuid.New()
	doc, err := document.New(id, userID, map[string]any{"title": "t"}, "server", now)
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, doc)
	require.NoError(t, err)

	dup, err := document.New(id, userID, map[string]any{"title": "dup"}, "server", now)
	require.NoError(t, err)
	_, err = s.CreateDocument(ctx, dup)
	require.ErrorIs(t, err, ErrDuplicateID)
}

func TestGetChangesSincePagesAndOrdersAscending(t *testing.T) {
	s := requireIntegration(t)
	ctx := context.Background()

	userID, err := s.CreateUser(ctx, "c@example.com")
	require.NoError(t, err)

	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		doc, err := document.New(uuid.New(), userID, map[string]any{"title": "t"}, "server", now)
		require.NoError(t, err)
		_, err = s.CreateDocument(ctx, doc)
		require.NoError(t, err)
	}

	events, hasMore, err := s.GetChangesSince(ctx, userID, 0, 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	require.True(t, hasMore)
	require.Equal(t, int64(1), events[0].Sequence)
	require.Equal(t, int64(2), events[1].Sequence)

	rest, hasMore, err := s.GetChangesSince(ctx, userID, 2, 2)
	require.NoError(t, err)
	require.Len(t, rest, 1)
	require.False(t, hasMore)
}

func TestInsertAndLookupCredential(t *testing.T) {
	s := requireIntegration(t)
	ctx := context.Background()

	require.NoError(t, s.InsertCredential(ctx, "rpa_test", "rps_secret", "test client"))

	secret, active, err := s.LookupCredential(ctx, "rpa_test")
	require.NoError(t, err)
	require.True(t, active)
	require.Equal(t, "rps_secret", secret)
}
