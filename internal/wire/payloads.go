// Package wire defines the tagged-JSON message protocol exchanged over the
// session layer's framed channel. Every message carries a "type"
// discriminator field, the same shape luvjson/crdtpatch's operation types
// use to self-identify on the wire (NewOperation/InsOperation/... each
// marshal an "op" string) and eventsync's WebSocketMessage uses for its
// envelope ("type" string plus opaque data).
package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/replicant-sync/replicant/internal/patch"
)

// DocumentPayload is the wire representation of a document, shared by
// CreateDocument, DocumentCreated/Updated, and SyncDocument.
type DocumentPayload struct {
	ID            uuid.UUID        `json:"id"`
	UserID        uuid.UUID        `json:"user_id"`
	Content       json.RawMessage  `json:"content"`
	Title         string           `json:"title"`
	SyncRevision  int64            `json:"sync_revision"`
	VersionVector map[string]int64 `json:"version_vector"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
	DeletedAt     *time.Time       `json:"deleted_at,omitempty"`
}

// PatchPayload is the wire representation of an UpdateDocument patch: the
// forward operations plus the checksum the server verifies against, the
// client's version vector at the time the patch was authored, and the
// revision ID the client's copy was at before this patch (echoed back as
// ConflictDetected.local_revision if the server finds a concurrent write).
type PatchPayload struct {
	Patch         patch.Patch      `json:"patch"`
	Checksum      string           `json:"checksum"`
	VersionVector map[string]int64 `json:"version_vector"`
	BaseRevision  string           `json:"base_revision"`
}

// ChangeEventPayload is the wire representation of a server change-log row.
type ChangeEventPayload struct {
	Sequence     int64       `json:"sequence"`
	DocumentID   uuid.UUID   `json:"document_id"`
	EventType    string      `json:"event_type"`
	RevisionID   string      `json:"revision_id"`
	ForwardPatch patch.Patch `json:"forward_patch,omitempty"`
	ReversePatch patch.Patch `json:"reverse_patch,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	Applied      bool        `json:"applied"`
}

// ErrorPayload carries a typed error code plus message, embedded in the
// *Response confirmations.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
