package document

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicant-sync/replicant/internal/patch"
)

func TestNewDerivesTitleFromContent(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d, err := New(uuid.New(), uuid.New(), map[string]any{"title": "Original", "body": "x"}, "client-a", now)
	require.NoError(t, err)

	assert.Equal(t, "Original", d.Title)
	assert.Equal(t, int64(1), d.SyncRevision)
	assert.Equal(t, int64(1), d.VersionVector.Get("client-a"))
}

func TestNewDerivesTitleFromTimestampWhenAbsent(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 30, 0, 0, time.UTC)
	d, err := New(uuid.New(), uuid.New(), map[string]any{"body": "x"}, "client-a", now)
	require.NoError(t, err)

	assert.Equal(t, "Untitled 2026-01-01T12:30:00Z", d.Title)
}

func TestApplyPatchBumpsRevisionAndVector(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d, err := New(uuid.New(), uuid.New(), map[string]any{"title": "t", "count": float64(1)}, "client-a", now)
	require.NoError(t, err)

	to := map[string]any{"title": "t", "count": float64(2)}
	p, err := patch.Diff(map[string]any{"title": "t", "count": float64(1)}, to)
	require.NoError(t, err)

	later := now.Add(time.Minute)
	require.NoError(t, d.ApplyPatch(p, "client-a", later))

	assert.Equal(t, int64(2), d.SyncRevision)
	assert.Equal(t, int64(2), d.VersionVector.Get("client-a"))
	assert.Equal(t, later, d.UpdatedAt)
}

func TestApplyPatchRejectsTombstoned(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d, err := New(uuid.New(), uuid.New(), map[string]any{"title": "t"}, "client-a", now)
	require.NoError(t, err)

	d.Tombstone("client-a", now.Add(time.Minute))

	p, err := patch.Diff(map[string]any{"title": "t"}, map[string]any{"title": "u"})
	require.NoError(t, err)

	err = d.ApplyPatch(p, "client-a", now.Add(2*time.Minute))
	assert.Error(t, err)
}

func TestTombstoneIsIdempotentInAcceptingMetadata(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d, err := New(uuid.New(), uuid.New(), map[string]any{"title": "t"}, "client-a", now)
	require.NoError(t, err)

	d.Tombstone("client-a", now.Add(time.Minute))
	firstRevision := d.SyncRevision

	d.Tombstone("client-a", now.Add(2*time.Minute))
	assert.Greater(t, d.SyncRevision, firstRevision)
	assert.True(t, d.IsTombstone())
}

func TestRevisionIDHasCountAndFingerprintShape(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	d, err := New(uuid.New(), uuid.New(), map[string]any{"title": "t"}, "client-a", now)
	require.NoError(t, err)

	rev, err := d.RevisionID()
	require.NoError(t, err)
	assert.Regexp(t, `^1-[0-9a-f]{16}$`, rev)
}

func TestContentHashMatchesChecksum(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	content := map[string]any{"title": "t", "body": "hello"}
	d, err := New(uuid.New(), uuid.New(), content, "client-a", now)
	require.NoError(t, err)

	expected, err := patch.Checksum(content)
	require.NoError(t, err)
	assert.Equal(t, expected, d.ContentHash)
}
