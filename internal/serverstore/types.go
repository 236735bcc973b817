package serverstore

import (
	"time"

	"github.com/google/uuid"

	"github.com/replicant-sync/replicant/internal/patch"
)

// EventType is the kind of mutation a ChangeEvent records.
type EventType string

const (
	EventCreate EventType = "create"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is a row in the server's append-only, per-user change log.
type ChangeEvent struct {
	Sequence     int64
	DocumentID   uuid.UUID
	UserID       uuid.UUID
	EventType    EventType
	RevisionID   string
	ForwardPatch patch.Patch
	ReversePatch patch.Patch
	CreatedAt    time.Time
	// Applied is false for a losing concurrent write kept in the log for
	// audit purposes only: it never changed the document.
	Applied bool
}
