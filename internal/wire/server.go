package wire

import "github.com/google/uuid"

// Server-to-client message type tags.
const (
	TypeAuthSuccess             = "AuthSuccess"
	TypeAuthError               = "AuthError"
	TypeDocumentCreated         = "DocumentCreated"
	TypeDocumentUpdated         = "DocumentUpdated"
	TypeDocumentDeleted         = "DocumentDeleted"
	TypeCreateDocumentResponse  = "CreateDocumentResponse"
	TypeUpdateDocumentResponse  = "UpdateDocumentResponse"
	TypeDeleteDocumentResponse  = "DeleteDocumentResponse"
	TypeResolveConflictResponse = "ResolveConflictResponse"
	TypeSyncDocument            = "SyncDocument"
	TypeSyncComplete            = "SyncComplete"
	TypeConflictDetected        = "ConflictDetected"
	TypeChanges                 = "Changes"
	TypeChangesAcknowledged     = "ChangesAcknowledged"
	TypeError                   = "Error"
	TypePong                    = "Pong"
)

// AuthSuccessMsg confirms a successful Authenticate handshake.
type AuthSuccessMsg struct {
	Type      string    `json:"type"`
	SessionID string    `json:"session_id"`
	ClientID  uuid.UUID `json:"client_id"`
}

func NewAuthSuccess(sessionID string, clientID uuid.UUID) AuthSuccessMsg {
	return AuthSuccessMsg{Type: TypeAuthSuccess, SessionID: sessionID, ClientID: clientID}
}

// AuthErrorMsg rejects an Authenticate attempt.
type AuthErrorMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

func NewAuthError(reason string) AuthErrorMsg {
	return AuthErrorMsg{Type: TypeAuthError, Reason: reason}
}

// DocumentCreatedMsg broadcasts a newly created document to every session
// of its owner, including the originator.
type DocumentCreatedMsg struct {
	Type     string          `json:"type"`
	Document DocumentPayload `json:"document"`
}

func NewDocumentCreated(doc DocumentPayload) DocumentCreatedMsg {
	return DocumentCreatedMsg{Type: TypeDocumentCreated, Document: doc}
}

// DocumentUpdatedMsg broadcasts an applied update.
type DocumentUpdatedMsg struct {
	Type     string          `json:"type"`
	Document DocumentPayload `json:"document"`
}

func NewDocumentUpdated(doc DocumentPayload) DocumentUpdatedMsg {
	return DocumentUpdatedMsg{Type: TypeDocumentUpdated, Document: doc}
}

// DocumentDeletedMsg broadcasts a tombstone.
type DocumentDeletedMsg struct {
	Type       string    `json:"type"`
	DocumentID uuid.UUID `json:"document_id"`
}

func NewDocumentDeleted(documentID uuid.UUID) DocumentDeletedMsg {
	return DocumentDeletedMsg{Type: TypeDocumentDeleted, DocumentID: documentID}
}

// responseBase is the underlying type of the four *Response confirmations;
// none of them need more than success/error, so it avoids repeating the pair
// four times with only the Type tag differing.
type responseBase struct {
	Type    string        `json:"type"`
	Success bool          `json:"success"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

type CreateDocumentResponse responseBase
type UpdateDocumentResponse responseBase
type DeleteDocumentResponse responseBase
type ResolveConflictResponse responseBase

func NewCreateDocumentResponse(success bool, err *ErrorPayload) CreateDocumentResponse {
	return CreateDocumentResponse{Type: TypeCreateDocumentResponse, Success: success, Error: err}
}

func NewUpdateDocumentResponse(success bool, err *ErrorPayload) UpdateDocumentResponse {
	return UpdateDocumentResponse{Type: TypeUpdateDocumentResponse, Success: success, Error: err}
}

func NewDeleteDocumentResponse(success bool, err *ErrorPayload) DeleteDocumentResponse {
	return DeleteDocumentResponse{Type: TypeDeleteDocumentResponse, Success: success, Error: err}
}

func NewResolveConflictResponse(success bool, err *ErrorPayload) ResolveConflictResponse {
	return ResolveConflictResponse{Type: TypeResolveConflictResponse, Success: success, Error: err}
}

// SyncDocumentMsg streams one document during RequestSync/RequestFullSync.
type SyncDocumentMsg struct {
	Type     string          `json:"type"`
	Document DocumentPayload `json:"document"`
}

func NewSyncDocument(doc DocumentPayload) SyncDocumentMsg {
	return SyncDocumentMsg{Type: TypeSyncDocument, Document: doc}
}

// SyncCompleteMsg ends a RequestSync/RequestFullSync stream.
type SyncCompleteMsg struct {
	Type        string `json:"type"`
	SyncedCount int    `json:"synced_count"`
}

func NewSyncComplete(count int) SyncCompleteMsg {
	return SyncCompleteMsg{Type: TypeSyncComplete, SyncedCount: count}
}

// ConflictDetectedMsg surfaces a concurrent-write conflict to the
// originator for the selected resolution strategy.
type ConflictDetectedMsg struct {
	Type               string    `json:"type"`
	DocumentID         uuid.UUID `json:"document_id"`
	LocalRevision      string    `json:"local_revision"`
	ServerRevision     string    `json:"server_revision"`
	ResolutionStrategy string    `json:"resolution_strategy"`
}

func NewConflictDetected(documentID uuid.UUID, localRevision, serverRevision, strategy string) ConflictDetectedMsg {
	return ConflictDetectedMsg{Type: TypeConflictDetected, DocumentID: documentID,
		LocalRevision: localRevision, ServerRevision: serverRevision, ResolutionStrategy: strategy}
}

// ChangesMsg answers GetChangesSince.
type ChangesMsg struct {
	Type           string               `json:"type"`
	Events         []ChangeEventPayload `json:"events"`
	LatestSequence int64                `json:"latest_sequence"`
	HasMore        bool                 `json:"has_more"`
}

func NewChanges(events []ChangeEventPayload, latestSequence int64, hasMore bool) ChangesMsg {
	return ChangesMsg{Type: TypeChanges, Events: events, LatestSequence: latestSequence, HasMore: hasMore}
}

// ChangesAcknowledgedMsg answers an AckChanges.
type ChangesAcknowledgedMsg struct {
	Type string `json:"type"`
}

func NewChangesAcknowledged() ChangesAcknowledgedMsg {
	return ChangesAcknowledgedMsg{Type: TypeChangesAcknowledged}
}

// ErrorMsg is the generic error envelope for out-of-band failures (as
// opposed to the *Response confirmations' embedded ErrorPayload).
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewError(code, message string) ErrorMsg {
	return ErrorMsg{Type: TypeError, Code: code, Message: message}
}

// PongMsg answers Ping.
type PongMsg struct {
	Type string `json:"type"`
}

func NewPong() PongMsg {
	return PongMsg{Type: TypePong}
}
