// Package patch implements the RFC 6902 JSON Patch algebra the rest of
// replicant builds on: diff, apply, reverse, content checksums, and
// operational transformation of concurrent patches.
//
// Diff/apply follow the shape nodestorage's storage.go uses for its own
// change-tracking (marshal both sides to JSON, operate on the encoded form),
// but where nodestorage falls back to a single whole-document "replace"
// operation because evanphx/json-patch has no CreatePatch function, this
// package walks both values and builds a minimal path-addressed patch itself.
// Applying the resulting patch reuses evanphx/json-patch/v5 so the wire
// representation is the same library other tools in the ecosystem speak.
package patch

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/replicant-sync/replicant/internal/replerr"
)

// Op is a single RFC 6902 operation. Value is kept as a json.RawMessage so a
// Patch round-trips through JSON without losing numeric precision or key
// order inside values.
type Op struct {
	Kind  string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Patch is an ordered sequence of operations, applied left to right.
type Patch []Op

// Empty reports whether p has no operations.
func (p Patch) Empty() bool {
	return len(p) == 0
}

// MarshalJSON and UnmarshalJSON are the default struct-tag driven encodings;
// Op exists mainly to give call sites a concrete, comparable type instead of
// a bag of map[string]interface{} like evanphx/json-patch's Operation.

// pointerEscape escapes a single JSON pointer reference token per RFC 6901.
func pointerEscape(tok string) string {
	tok = strings.ReplaceAll(tok, "~", "~0")
	tok = strings.ReplaceAll(tok, "/", "~1")
	return tok
}

func joinPointer(base string, tok string) string {
	return base + "/" + pointerEscape(tok)
}

// canonicalize decodes arbitrary JSON-compatible Go data (from json.Marshal
// of a map[string]interface{}/slice/scalar, or already-decoded data) into a
// tree of map[string]any / []any / scalars so diff and checksum always
// compare the same shape regardless of whether the caller passed structs,
// maps, or raw bytes.
func canonicalize(v any) (any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("patch: marshal value: %w", err)
	}
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("patch: decode value: %w", err)
	}
	return decoded, nil
}

// canonicalJSON marshals v deterministically: object keys are sorted, and
// json.Number preserves the original numeric text instead of reformatting
// through float64. encoding/json already sorts map[string]interface{} keys
// when marshaling, but we go through writeCanonical explicitly so this holds
// for json.Number values too (which encoding/json marshals verbatim but
// which map marshaling otherwise handles the same way).
func canonicalJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := writeCanonical(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func writeCanonical(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := writeCanonical(buf, val[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
		return nil
	case []any:
		buf.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := writeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case json.Number:
		buf.WriteString(val.String())
		return nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return err
		}
		buf.Write(b)
		return nil
	}
}

// Checksum returns the hex SHA-256 digest of value's canonical UTF-8 JSON
// encoding. Two values with equivalent structural content (same keys, same
// numbers, regardless of map iteration order or source formatting) produce
// the same checksum.
func Checksum(value any) (string, error) {
	canon, err := canonicalize(value)
	if err != nil {
		return "", err
	}
	enc, err := canonicalJSON(canon)
	if err != nil {
		return "", fmt.Errorf("patch: canonical encode: %w", err)
	}
	sum := sha256.Sum256(enc)
	return hex.EncodeToString(sum[:]), nil
}

// Diff computes a Patch transforming from into to. It is deterministic:
// equal inputs always walk the tree in the same order (object keys sorted)
// and so always produce the same operation sequence.
func Diff(from, to any) (Patch, error) {
	a, err := canonicalize(from)
	if err != nil {
		return nil, err
	}
	b, err := canonicalize(to)
	if err != nil {
		return nil, err
	}
	var ops Patch
	diffValue("", a, b, &ops)
	return ops, nil
}

func diffValue(path string, a, b any, ops *Patch) {
	if jsonEqual(a, b) {
		return
	}

	am, aIsObj := a.(map[string]any)
	bm, bIsObj := b.(map[string]any)
	if aIsObj && bIsObj {
		diffObjects(path, am, bm, ops)
		return
	}

	as, aIsArr := a.([]any)
	bs, bIsArr := b.([]any)
	if aIsArr && bIsArr {
		diffArrays(path, as, bs, ops)
		return
	}

	*ops = append(*ops, replaceOp(path, b))
}

func diffObjects(path string, a, b map[string]any, ops *Patch) {
	keys := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		keys[k] = struct{}{}
	}
	for k := range b {
		keys[k] = struct{}{}
	}
	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	for _, k := range sorted {
		av, aok := a[k]
		bv, bok := b[k]
		childPath := joinPointer(path, k)
		switch {
		case aok && !bok:
			*ops = append(*ops, Op{Kind: "remove", Path: childPath})
		case !aok && bok:
			*ops = append(*ops, addOp(childPath, bv))
		default:
			diffValue(childPath, av, bv, ops)
		}
	}
}

// diffArrays produces a positional diff: common prefix is recursed into
// element-by-element, then the tail is replaced with add/remove operations
// at the end of the array so indices of untouched leading elements never
// shift.
func diffArrays(path string, a, b []any, ops *Patch) {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		childPath := joinPointer(path, strconv.Itoa(i))
		diffValue(childPath, a[i], b[i], ops)
	}
	switch {
	case len(a) > len(b):
		for i := len(a) - 1; i >= len(b); i-- {
			*ops = append(*ops, Op{Kind: "remove", Path: joinPointer(path, strconv.Itoa(i))})
		}
	case len(b) > len(a):
		for i := len(a); i < len(b); i++ {
			*ops = append(*ops, addOp(joinPointer(path, "-"), b[i]))
		}
	}
}

func addOp(path string, v any) Op {
	return Op{Kind: "add", Path: path, Value: mustRaw(v)}
}

func replaceOp(path string, v any) Op {
	return Op{Kind: "replace", Path: path, Value: mustRaw(v)}
}

func mustRaw(v any) json.RawMessage {
	b, err := canonicalJSON(v)
	if err != nil {
		b, _ = json.Marshal(v)
	}
	return json.RawMessage(b)
}

func jsonEqual(a, b any) bool {
	ab, err1 := canonicalJSON(a)
	bb, err2 := canonicalJSON(b)
	if err1 != nil || err2 != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}

// Apply applies patch to doc and returns the resulting value. doc is never
// mutated in place: encoding/decoding through JSON means the caller's value
// is untouched whether Apply succeeds or fails with replerr.PatchFailed.
func Apply(doc any, p Patch) (any, error) {
	if p.Empty() {
		canon, err := canonicalize(doc)
		if err != nil {
			return nil, err
		}
		return canon, nil
	}

	docJSON, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("patch: marshal document: %w", err)
	}
	patchJSON, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("patch: marshal patch: %w", err)
	}

	decoded, err := jsonpatch.DecodePatch(patchJSON)
	if err != nil {
		return nil, replerr.Newf(replerr.CodeInvalidPatch, "decode patch: %v", err)
	}
	result, err := decoded.Apply(docJSON)
	if err != nil {
		return nil, replerr.Newf(replerr.CodeInvalidPatch, "apply patch: %v", err)
	}

	var out any
	dec := json.NewDecoder(bytes.NewReader(result))
	dec.UseNumber()
	if err := dec.Decode(&out); err != nil {
		return nil, fmt.Errorf("patch: decode applied result: %w", err)
	}
	return out, nil
}

// Reverse computes the patch that undoes forward: diff(apply(original,
// forward), original).
func Reverse(original any, forward Patch) (Patch, error) {
	applied, err := Apply(original, forward)
	if err != nil {
		return nil, err
	}
	return Diff(applied, original)
}
