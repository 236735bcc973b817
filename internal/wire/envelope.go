package wire

import (
	"encoding/json"
	"fmt"
)

type typeTag struct {
	Type string `json:"type"`
}

// Decode inspects the "type" discriminator in data and unmarshals it into
// the matching concrete message type, returned as `any` for the caller to
// type-switch on. Unknown or missing discriminators are reported as an
// error rather than silently dropped.
func Decode(data []byte) (any, error) {
	var tag typeTag
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("wire: decode type tag: %w", err)
	}

	var msg any
	switch tag.Type {
	case TypeAuthenticate:
		msg = &Authenticate{}
	case TypeCreateDocument:
		msg = &CreateDocumentMsg{}
	case TypeUpdateDocument:
		msg = &UpdateDocumentMsg{}
	case TypeDeleteDocument:
		msg = &DeleteDocumentMsg{}
	case TypeResolveConflict:
		msg = &ResolveConflictMsg{}
	case TypeRequestSync:
		msg = &RequestSyncMsg{}
	case TypeRequestFullSync:
		msg = &RequestFullSyncMsg{}
	case TypeGetChangesSince:
		msg = &GetChangesSinceMsg{}
	case TypeAckChanges:
		msg = &AckChangesMsg{}
	case TypePing:
		msg = &PingMsg{}
	case TypeAuthSuccess:
		msg = &AuthSuccessMsg{}
	case TypeAuthError:
		msg = &AuthErrorMsg{}
	case TypeDocumentCreated:
		msg = &DocumentCreatedMsg{}
	case TypeDocumentUpdated:
		msg = &DocumentUpdatedMsg{}
	case TypeDocumentDeleted:
		msg = &DocumentDeletedMsg{}
	case TypeCreateDocumentResponse:
		msg = &CreateDocumentResponse{}
	case TypeUpdateDocumentResponse:
		msg = &UpdateDocumentResponse{}
	case TypeDeleteDocumentResponse:
		msg = &DeleteDocumentResponse{}
	case TypeResolveConflictResponse:
		msg = &ResolveConflictResponse{}
	case TypeSyncDocument:
		msg = &SyncDocumentMsg{}
	case TypeSyncComplete:
		msg = &SyncCompleteMsg{}
	case TypeConflictDetected:
		msg = &ConflictDetectedMsg{}
	case TypeChanges:
		msg = &ChangesMsg{}
	case TypeChangesAcknowledged:
		msg = &ChangesAcknowledgedMsg{}
	case TypeError:
		msg = &ErrorMsg{}
	case TypePong:
		msg = &PongMsg{}
	default:
		return nil, fmt.Errorf("wire: unknown message type %q", tag.Type)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("wire: decode %s payload: %w", tag.Type, err)
	}
	return msg, nil
}

// Encode marshals any tagged message struct to JSON.
func Encode(msg any) ([]byte, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: encode message: %w", err)
	}
	return b, nil
}
