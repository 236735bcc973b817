package wire

import (
	"encoding/json"

	"github.com/google/uuid"
)

// Client-to-server message type tags.
const (
	TypeAuthenticate    = "Authenticate"
	TypeCreateDocument  = "CreateDocument"
	TypeUpdateDocument  = "UpdateDocument"
	TypeDeleteDocument  = "DeleteDocument"
	TypeResolveConflict = "ResolveConflict"
	TypeRequestSync     = "RequestSync"
	TypeRequestFullSync = "RequestFullSync"
	TypeGetChangesSince = "GetChangesSince"
	TypeAckChanges      = "AckChanges"
	TypePing            = "Ping"
)

// Authenticate is the first message a client must send. Signature is
// hex(HMAC-SHA256(secret, "{timestamp}.{email}.{api_key}.{body}")).
type Authenticate struct {
	Type      string    `json:"type"`
	Email     string    `json:"email"`
	ClientID  uuid.UUID `json:"client_id"`
	APIKey    string    `json:"api_key"`
	Signature string    `json:"signature"`
	Timestamp int64     `json:"timestamp"`
}

func NewAuthenticate(email string, clientID uuid.UUID, apiKey, signature string, timestamp int64) Authenticate {
	return Authenticate{Type: TypeAuthenticate, Email: email, ClientID: clientID, APIKey: apiKey,
		Signature: signature, Timestamp: timestamp}
}

// CreateDocumentMsg asks the server to persist a brand-new document.
type CreateDocumentMsg struct {
	Type     string          `json:"type"`
	Document DocumentPayload `json:"document"`
}

func NewCreateDocument(doc DocumentPayload) CreateDocumentMsg {
	return CreateDocumentMsg{Type: TypeCreateDocument, Document: doc}
}

// UpdateDocumentMsg carries a patch against an already-synced document.
type UpdateDocumentMsg struct {
	Type       string       `json:"type"`
	DocumentID uuid.UUID    `json:"document_id"`
	Patch      PatchPayload `json:"patch"`
}

func NewUpdateDocument(documentID uuid.UUID, p PatchPayload) UpdateDocumentMsg {
	return UpdateDocumentMsg{Type: TypeUpdateDocument, DocumentID: documentID, Patch: p}
}

// DeleteDocumentMsg asks the server to tombstone a document.
type DeleteDocumentMsg struct {
	Type       string    `json:"type"`
	DocumentID uuid.UUID `json:"document_id"`
}

func NewDeleteDocument(documentID uuid.UUID) DeleteDocumentMsg {
	return DeleteDocumentMsg{Type: TypeDeleteDocument, DocumentID: documentID}
}

// ResolveConflictMsg resubmits a document's content after a
// ConflictDetected, superseding whatever the server currently has instead
// of patching against it: ConflictDetected never told the client what the
// server's current copy actually contains, only its revision id, so
// there is no base state to diff against here.
type ResolveConflictMsg struct {
	Type          string           `json:"type"`
	DocumentID    uuid.UUID        `json:"document_id"`
	Content       json.RawMessage  `json:"content"`
	Checksum      string           `json:"checksum"`
	VersionVector map[string]int64 `json:"version_vector"`
}

func NewResolveConflict(documentID uuid.UUID, content json.RawMessage, checksum string, vv map[string]int64) ResolveConflictMsg {
	return ResolveConflictMsg{Type: TypeResolveConflict, DocumentID: documentID,
		Content: content, Checksum: checksum, VersionVector: vv}
}

// RequestSyncMsg asks the server to resend specific documents by id.
type RequestSyncMsg struct {
	Type string      `json:"type"`
	IDs  []uuid.UUID `json:"ids"`
}

func NewRequestSync(ids []uuid.UUID) RequestSyncMsg {
	return RequestSyncMsg{Type: TypeRequestSync, IDs: ids}
}

// RequestFullSyncMsg asks the server to resend every document the user owns.
type RequestFullSyncMsg struct {
	Type string `json:"type"`
}

func NewRequestFullSync() RequestFullSyncMsg {
	return RequestFullSyncMsg{Type: TypeRequestFullSync}
}

// GetChangesSinceMsg drives the catch-up protocol.
type GetChangesSinceMsg struct {
	Type         string `json:"type"`
	LastSequence int64  `json:"last_sequence"`
	Limit        int    `json:"limit,omitempty"`
}

func NewGetChangesSince(lastSequence int64, limit int) GetChangesSinceMsg {
	return GetChangesSinceMsg{Type: TypeGetChangesSince, LastSequence: lastSequence, Limit: limit}
}

// AckChangesMsg carries the client's acknowledged watermark.
type AckChangesMsg struct {
	Type         string `json:"type"`
	UpToSequence int64  `json:"up_to_sequence"`
}

func NewAckChanges(upToSequence int64) AckChangesMsg {
	return AckChangesMsg{Type: TypeAckChanges, UpToSequence: upToSequence}
}

// PingMsg is a liveness probe.
type PingMsg struct {
	Type string `json:"type"`
}

func NewPing() PingMsg {
	return PingMsg{Type: TypePing}
}
