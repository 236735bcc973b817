package patch

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDiffApplyRoundTrip(t *testing.T) {
	from := map[string]any{"title": "a", "tags": []any{"x", "y"}, "count": 1}
	to := map[string]any{"title": "b", "tags": []any{"x", "y", "z"}, "count": 1}

	p, err := Diff(from, to)
	require.NoError(t, err)
	require.False(t, p.Empty())

	got, err := Apply(from, p)
	require.NoError(t, err)

	expected, err := canonicalize(to)
	require.NoError(t, err)
	assert.Equal(t, expected, got)
}

func TestDiffIsDeterministic(t *testing.T) {
	from := map[string]any{"a": 1, "b": 2, "c": map[string]any{"x": 1}}
	to := map[string]any{"a": 1, "b": 3, "c": map[string]any{"x": 2, "y": 3}}

	p1, err := Diff(from, to)
	require.NoError(t, err)
	p2, err := Diff(from, to)
	require.NoError(t, err)

	assert.Equal(t, p1, p2)
}

func TestReverseRoundTrip(t *testing.T) {
	original := map[string]any{"title": "hello", "done": false}
	updated := map[string]any{"title": "hello world", "done": true}

	forward, err := Diff(original, updated)
	require.NoError(t, err)

	reverse, err := Reverse(original, forward)
	require.NoError(t, err)

	back, err := Apply(updated, reverse)
	require.NoError(t, err)

	expected, err := canonicalize(original)
	require.NoError(t, err)
	assert.Equal(t, expected, back)
}

func TestChecksumStableAcrossKeyOrder(t *testing.T) {
	a := map[string]any{"title": "t", "body": "b"}
	b := map[string]any{"body": "b", "title": "t"}

	sumA, err := Checksum(a)
	require.NoError(t, err)
	sumB, err := Checksum(b)
	require.NoError(t, err)

	assert.Equal(t, sumA, sumB)
}

func TestChecksumChangesWithContent(t *testing.T) {
	sumA, err := Checksum(map[string]any{"v": 1})
	require.NoError(t, err)
	sumB, err := Checksum(map[string]any{"v": 2})
	require.NoError(t, err)

	assert.NotEqual(t, sumA, sumB)
}

func TestApplyFailsOnUnresolvablePath(t *testing.T) {
	doc := map[string]any{"title": "t"}
	bad := Patch{{Kind: "remove", Path: "/missing/child"}}

	_, err := Apply(doc, bad)
	assert.Error(t, err)
}

func TestApplyDoesNotMutateCallerValue(t *testing.T) {
	doc := map[string]any{"title": "t"}
	bad := Patch{{Kind: "remove", Path: "/missing/child"}}

	_, err := Apply(doc, bad)
	require.Error(t, err)
	assert.Equal(t, "t", doc["title"])
}

func TestTransformLastWriteWinsDiscardsLocal(t *testing.T) {
	local := Patch{{Kind: "replace", Path: "/title", Value: []byte(`"local"`)}}
	remote := Patch{{Kind: "replace", Path: "/title", Value: []byte(`"remote"`)}}

	gotLocal, gotRemote, err := Transform(local, remote, LastWriteWins)
	require.NoError(t, err)
	assert.True(t, gotLocal.Empty())
	assert.Equal(t, remote, gotRemote)
}

func TestTransformOperationalShiftsSiblingArrayIndices(t *testing.T) {
	// local inserts an element at index 0 of /items; remote replaces what
	// was index 1 before the insertion. After transform, remote's index
	// should be shifted forward so it still targets the same logical
	// element once local's insertion has also been applied.
	local := Patch{{Kind: "add", Path: "/items/0", Value: []byte(`"new"`)}}
	remote := Patch{{Kind: "replace", Path: "/items/1", Value: []byte(`"changed"`)}}

	gotLocal, gotRemote, err := Transform(local, remote, Operational)
	require.NoError(t, err)
	assert.Equal(t, local, gotLocal)
	require.Len(t, gotRemote, 1)
	assert.Equal(t, "/items/2", gotRemote[0].Path)
}

func TestTransformOperationalLeavesUnrelatedPathsAlone(t *testing.T) {
	local := Patch{{Kind: "replace", Path: "/title", Value: []byte(`"a"`)}}
	remote := Patch{{Kind: "replace", Path: "/body", Value: []byte(`"b"`)}}

	gotLocal, gotRemote, err := Transform(local, remote, Operational)
	require.NoError(t, err)
	assert.Equal(t, local, gotLocal)
	assert.Equal(t, remote, gotRemote)
}

func TestClassifyRelationships(t *testing.T) {
	assert.Equal(t, Same, classify("/a/b", "/a/b"))
	assert.Equal(t, Parent, classify("/a", "/a/b"))
	assert.Equal(t, Child, classify("/a/b", "/a"))
	assert.Equal(t, Sibling, classify("/a/b", "/a/c"))
	assert.Equal(t, Unrelated, classify("/a/b", "/c/d"))
}
