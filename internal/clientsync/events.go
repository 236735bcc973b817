package clientsync

import "github.com/google/uuid"

// EventKind classifies a lifecycle notification the engine emits so a host
// application can surface connection/sync status without polling the store.
type EventKind string

const (
	EventConnectionAttempted EventKind = "ConnectionAttempted"
	EventConnectionSucceeded EventKind = "ConnectionSucceeded"
	EventConnectionLost      EventKind = "ConnectionLost"
	EventSyncError           EventKind = "SyncError"
	EventDocumentConflict    EventKind = "DocumentConflict"
	EventConflictResolved    EventKind = "ConflictResolved"
)

// Event is one lifecycle notification, delivered on Engine.Events().
type Event struct {
	Kind       EventKind
	DocumentID uuid.UUID
	Err        error
}

// eventBuffer bounds how many lifecycle events the engine queues for a slow
// or absent consumer; Events() never blocks the sync loop.
const eventBuffer = 64
