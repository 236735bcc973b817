// Package conflict implements the document conflict-resolution strategies
// selected when the server detects concurrent version vectors on an update.
package conflict

import (
	"fmt"
	"sort"

	"github.com/replicant-sync/replicant/internal/document"
)

// Strategy selects how two concurrently written versions of a document are
// reconciled.
type Strategy string

const (
	LastWriteWins  Strategy = "LastWriteWins"
	FirstWriteWins Strategy = "FirstWriteWins"
	MergeJSON      Strategy = "MergeJson"
	Manual         Strategy = "Manual"
)

// Resolve reconciles local and remote, both descended from a common
// ancestor, per strategy. Manual returns an error: it has no automatic
// resolution and the caller must surface ConflictDetected instead of calling
// Resolve with it.
func Resolve(strategy Strategy, local, remote *document.Document) (*document.Document, error) {
	switch strategy {
	case LastWriteWins:
		if remote.UpdatedAt.After(local.UpdatedAt) {
			return cloneWithMergedVector(remote, local), nil
		}
		return cloneWithMergedVector(local, remote), nil
	case FirstWriteWins:
		if remote.CreatedAt.Before(local.CreatedAt) {
			return cloneWithMergedVector(remote, local), nil
		}
		return cloneWithMergedVector(local, remote), nil
	case MergeJSON:
		return resolveMergeJSON(local, remote)
	case Manual:
		return nil, fmt.Errorf("conflict: %s strategy has no automatic resolution", Manual)
	default:
		return nil, fmt.Errorf("conflict: unknown strategy %q", strategy)
	}
}

// cloneWithMergedVector returns a copy of winner with its version vector set
// to the pointwise max of both sides, since even the losing side's writes
// are causally acknowledged once a winner is picked.
func cloneWithMergedVector(winner, loser *document.Document) *document.Document {
	out := *winner
	out.VersionVector = winner.VersionVector.Merge(loser.VersionVector)
	return &out
}

// resolveMergeJSON recursively merges local and remote content: objects
// merge key by key, arrays union while preserving order (remote elements
// appended after local ones, duplicates by deep equality dropped), and
// scalars prefer remote. The merged document's version vector is the
// pointwise max of both sides and its sync_revision is max(local,
// remote)+1, per the contract.
func resolveMergeJSON(local, remote *document.Document) (*document.Document, error) {
	merged := mergeValue(local.Content, remote.Content)

	out := *remote
	out.Content = merged
	out.VersionVector = local.VersionVector.Merge(remote.VersionVector)
	out.SyncRevision = maxInt64(local.SyncRevision, remote.SyncRevision) + 1
	if remote.UpdatedAt.After(local.UpdatedAt) {
		out.UpdatedAt = remote.UpdatedAt
	} else {
		out.UpdatedAt = local.UpdatedAt
	}
	return &out, nil
}

func mergeValue(local, remote any) any {
	lm, lIsObj := local.(map[string]any)
	rm, rIsObj := remote.(map[string]any)
	if lIsObj && rIsObj {
		return mergeObjects(lm, rm)
	}

	ls, lIsArr := local.([]any)
	rs, rIsArr := remote.([]any)
	if lIsArr && rIsArr {
		return mergeArrays(ls, rs)
	}

	// Scalars, or a type mismatch between the two sides: remote wins.
	return remote
}

func mergeObjects(local, remote map[string]any) map[string]any {
	keys := make(map[string]struct{}, len(local)+len(remote))
	for k := range local {
		keys[k] = struct{}{}
	}
	for k := range remote {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	out := make(map[string]any, len(sorted))
	for _, k := range sorted {
		lv, lok := local[k]
		rv, rok := remote[k]
		switch {
		case lok && rok:
			out[k] = mergeValue(lv, rv)
		case rok:
			out[k] = rv
		default:
			out[k] = lv
		}
	}
	return out
}

func mergeArrays(local, remote []any) []any {
	out := make([]any, 0, len(local)+len(remote))
	out = append(out, local...)
	for _, r := range remote {
		if !containsDeepEqual(out, r) {
			out = append(out, r)
		}
	}
	return out
}

func containsDeepEqual(haystack []any, needle any) bool {
	for _, v := range haystack {
		if deepEqual(v, needle) {
			return true
		}
	}
	return false
}

func deepEqual(a, b any) bool {
	am, aIsObj := a.(map[string]any)
	bm, bIsObj := b.(map[string]any)
	if aIsObj && bIsObj {
		if len(am) != len(bm) {
			return false
		}
		for k, av := range am {
			bv, ok := bm[k]
			if !ok || !deepEqual(av, bv) {
				return false
			}
		}
		return true
	}

	as, aIsArr := a.([]any)
	bs, bIsArr := b.([]any)
	if aIsArr && bIsArr {
		if len(as) != len(bs) {
			return false
		}
		for i := range as {
			if !deepEqual(as[i], bs[i]) {
				return false
			}
		}
		return true
	}

	return a == b
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
