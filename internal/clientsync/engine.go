// Package clientsync drives the client-side half of the sync protocol: the
// per-document synced/pending/conflict state machine, the startup catch-up
// sequence, and the outbound queue's FIFO drain with retry/backoff.
//
// The reconnect-with-backoff shape follows eventsync/websocket_client.go's
// receiveLoop for a single document-scoped connection, generalized here to a
// whole user's multi-document connection with a durable local queue backing
// it. The single loop that both drains outbound work and correlates each
// request with its response is this package's own addition.
package clientsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/replicant-sync/replicant/internal/clientstore"
	"github.com/replicant-sync/replicant/internal/document"
	"github.com/replicant-sync/replicant/internal/patch"
	"github.com/replicant-sync/replicant/internal/replerr"
	"github.com/replicant-sync/replicant/internal/wire"
)

const (
	ackTimeout       = 30 * time.Second
	idlePollInterval = 5 * time.Second
	baseBackoff      = time.Second
	maxBackoff       = 30 * time.Second
	changesPageLimit = 200
)

// DialFunc opens and authenticates a Transport to serverURL. Dial is the
// production implementation; tests inject a fake.
type DialFunc func(ctx context.Context, serverURL string, email, apiKey, apiSecret string, userID, clientID uuid.UUID, now time.Time) (Transport, error)

// Config identifies this client to the server.
type Config struct {
	ServerURL string
	Email     string
	APIKey    string
	APISecret string
}

// Engine is the client-side sync loop. One Engine owns one local store and
// one logical connection to the server, reconnecting with backoff whenever
// the transport drops.
type Engine struct {
	Store  *clientstore.Store
	Config Config
	Logger *zap.Logger
	Now    func() time.Time
	Dial   DialFunc

	events chan Event
	wake   chan struct{}

	mu        sync.Mutex
	transport Transport
}

// New constructs an Engine. Call Run to start the connection loop and
// CreateDocument/UpdateDocument/DeleteDocument to make local writes.
func New(store *clientstore.Store, cfg Config, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		Store:  store,
		Config: cfg,
		Logger: logger,
		Now:    func() time.Time { return time.Now().UTC() },
		Dial:   Dial,
		events: make(chan Event, eventBuffer),
		wake:   make(chan struct{}, 1),
	}
}

// Events yields lifecycle notifications. Emitting never blocks the sync
// loop: while the buffer is full, each new event is dropped and never
// delivered.
func (e *Engine) Events() <-chan Event {
	return e.events
}

func (e *Engine) emit(ev Event) {
	select {
	case e.events <- ev:
	default:
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now().UTC()
}

// Run connects, catches up, and services the connection until ctx is
// canceled, reconnecting with exponential backoff on every drop.
func (e *Engine) Run(ctx context.Context) error {
	cfg, err := e.Store.EnsureUserConfig(ctx, e.Config.ServerURL)
	if err != nil {
		return fmt.Errorf("clientsync: ensure user config: %w", err)
	}

	attempt := 0
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		e.emit(Event{Kind: EventConnectionAttempted})
		transport, err := e.Dial(ctx, e.Config.ServerURL, e.Config.Email, e.Config.APIKey, e.Config.APISecret,
			cfg.UserID, cfg.ClientID, e.now())
		if err != nil {
			e.emit(Event{Kind: EventSyncError, Err: err})
			if !e.backoff(ctx, attempt) {
				return ctx.Err()
			}
			attempt++
			continue
		}
		attempt = 0
		e.emit(Event{Kind: EventConnectionSucceeded})

		e.mu.Lock()
		e.transport = transport
		e.mu.Unlock()

		runErr := e.runConnection(ctx, cfg)

		e.mu.Lock()
		e.transport = nil
		e.mu.Unlock()
		transport.Close()

		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.emit(Event{Kind: EventConnectionLost, Err: runErr})
	}
}

func (e *Engine) runConnection(ctx context.Context, cfg *clientstore.UserConfig) error {
	if err := e.catchUp(ctx, cfg); err != nil {
		return fmt.Errorf("clientsync: catch up: %w", err)
	}
	return e.steadyState(ctx)
}

func (e *Engine) backoff(ctx context.Context, attempt int) bool {
	delay := baseBackoff << attempt
	if delay > maxBackoff || delay <= 0 {
		delay = maxBackoff
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(delay):
		return true
	}
}

// catchUp drains the server's change log from the client's last watermark,
// acknowledging each page, then issues one RequestFullSync: change events
// don't carry full document content (a create event has no prior state to
// diff against), so a full sync after the log is drained is what actually
// materializes documents created elsewhere while this client was offline.
func (e *Engine) catchUp(ctx context.Context, cfg *clientstore.UserConfig) error {
	lastSequence := cfg.LastSyncSequence
	for {
		if err := e.send(wire.NewGetChangesSince(lastSequence, changesPageLimit)); err != nil {
			return err
		}
		msg, err := e.awaitType(ctx, func(m any) bool { _, ok := m.(*wire.ChangesMsg); return ok })
		if err != nil {
			return err
		}
		changes := msg.(*wire.ChangesMsg)

		for _, ev := range changes.Events {
			if err := e.applyChangeEvent(ctx, ev); err != nil {
				e.Logger.Warn("failed to apply change event during catch-up",
					zap.Int64("sequence", ev.Sequence), zap.Error(err))
			}
		}
		if len(changes.Events) > 0 {
			lastSequence = changes.LatestSequence
		}

		if err := e.send(wire.NewAckChanges(lastSequence)); err != nil {
			return err
		}
		if _, err := e.awaitType(ctx, func(m any) bool { _, ok := m.(*wire.ChangesAcknowledgedMsg); return ok }); err != nil {
			return err
		}
		if err := e.Store.AdvanceSyncWatermark(ctx, lastSequence); err != nil {
			return fmt.Errorf("clientsync: advance sync watermark: %w", err)
		}

		if !changes.HasMore {
			break
		}
	}

	if err := e.send(wire.NewRequestFullSync()); err != nil {
		return err
	}
	for {
		msg, err := e.awaitType(ctx, func(m any) bool {
			switch m.(type) {
			case *wire.SyncDocumentMsg, *wire.SyncCompleteMsg:
				return true
			}
			return false
		})
		if err != nil {
			return err
		}
		if sync, ok := msg.(*wire.SyncDocumentMsg); ok {
			if err := e.applyRemoteDocument(ctx, sync.Document); err != nil {
				e.Logger.Warn("failed to apply full sync document", zap.Error(err))
			}
			continue
		}
		break // SyncCompleteMsg
	}
	return nil
}

// applyChangeEvent replays a forward patch against the locally stored
// document. Create events (no forward patch) and events for documents not
// yet cached locally are left for the RequestFullSync pass that follows.
func (e *Engine) applyChangeEvent(ctx context.Context, ev wire.ChangeEventPayload) error {
	if ev.EventType == "delete" {
		return e.applyRemoteDelete(ctx, ev.DocumentID)
	}
	if len(ev.ForwardPatch) == 0 {
		return nil
	}
	doc, _, err := e.Store.GetDocument(ctx, ev.DocumentID)
	if errors.Is(err, replerr.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := doc.ApplyPatch(ev.ForwardPatch, "server", e.now()); err != nil {
		return nil // stale/unresolvable against our cached copy; full sync will reconcile
	}
	status := clientstore.StatusSynced
	return e.Store.SaveDocument(ctx, doc, &status)
}

// steadyState is the single loop that both drains the outbound queue and
// services inbound broadcasts: it owns the one consumer of the transport's
// Incoming channel so ack correlation never races with broadcast delivery.
func (e *Engine) steadyState(ctx context.Context) error {
	for {
		entry, err := e.Store.Peek(ctx)
		if errors.Is(err, replerr.NotFound) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case msg, ok := <-e.incoming():
				if !ok {
					return fmt.Errorf("clientsync: transport closed")
				}
				if err := e.applyInboundMessage(ctx, msg); err != nil {
					e.Logger.Warn("failed to apply inbound message", zap.Error(err))
				}
			case <-e.wake:
			case <-time.After(idlePollInterval):
			}
			continue
		}
		if err != nil {
			return err
		}
		if err := e.sendOutboundEntry(ctx, entry); err != nil {
			return err
		}
	}
}

func (e *Engine) incoming() <-chan any {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transport.Incoming()
}

func (e *Engine) send(msg any) error {
	e.mu.Lock()
	t := e.transport
	e.mu.Unlock()
	if t == nil {
		return fmt.Errorf("clientsync: not connected")
	}
	return t.Send(msg)
}

// awaitType blocks until a message matching want arrives, applying every
// other inbound message (broadcasts interleaved with the awaited reply)
// along the way instead of discarding it.
func (e *Engine) awaitType(ctx context.Context, want func(any) bool) (any, error) {
	deadline := time.After(ackTimeout)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline:
			return nil, fmt.Errorf("clientsync: timed out waiting for reply")
		case msg, ok := <-e.incoming():
			if !ok {
				return nil, fmt.Errorf("clientsync: transport closed while awaiting reply")
			}
			if want(msg) {
				return msg, nil
			}
			if err := e.applyInboundMessage(ctx, msg); err != nil {
				e.Logger.Warn("failed to apply inbound message while awaiting reply", zap.Error(err))
			}
		}
	}
}

func (e *Engine) sendOutboundEntry(ctx context.Context, entry *clientstore.QueueEntry) error {
	msg, err := wire.Decode(entry.Payload)
	if err != nil {
		return fmt.Errorf("clientsync: decode queued payload: %w", err)
	}
	if err := e.send(msg); err != nil {
		return err
	}

	resp, err := e.awaitType(ctx, func(m any) bool {
		switch m.(type) {
		case *wire.CreateDocumentResponse, *wire.UpdateDocumentResponse, *wire.DeleteDocumentResponse,
			*wire.ResolveConflictResponse, *wire.ConflictDetectedMsg:
			return true
		}
		return false
	})
	if err != nil {
		return err
	}

	switch r := resp.(type) {
	case *wire.CreateDocumentResponse:
		return e.resolveAck(ctx, entry, r.Success, r.Error)
	case *wire.UpdateDocumentResponse:
		return e.resolveAck(ctx, entry, r.Success, r.Error)
	case *wire.DeleteDocumentResponse:
		return e.resolveAck(ctx, entry, r.Success, r.Error)
	case *wire.ResolveConflictResponse:
		return e.resolveAck(ctx, entry, r.Success, r.Error)
	case *wire.ConflictDetectedMsg:
		return e.handleConflict(ctx, entry)
	default:
		return fmt.Errorf("clientsync: unexpected ack message %T", resp)
	}
}

func (e *Engine) resolveAck(ctx context.Context, entry *clientstore.QueueEntry, success bool, errPayload *wire.ErrorPayload) error {
	if success {
		doc, _, err := e.Store.GetDocument(ctx, entry.DocumentID)
		switch {
		case errors.Is(err, replerr.NotFound):
			// deleted locally in the meantime; nothing left to mark synced
		case err != nil:
			return err
		default:
			if err := e.Store.MarkSynced(ctx, entry.DocumentID, doc.SyncRevision); err != nil {
				return err
			}
		}
		if err := e.Store.Dequeue(ctx, entry.ID); err != nil {
			return fmt.Errorf("clientsync: dequeue acknowledged entry: %w", err)
		}
		return nil
	}

	deadLettered, err := e.Store.IncrementRetry(ctx, entry.ID)
	if err != nil {
		return fmt.Errorf("clientsync: increment retry: %w", err)
	}
	if deadLettered {
		message := "delivery failed after repeated retries"
		if errPayload != nil {
			message = errPayload.Message
		}
		e.emit(Event{Kind: EventSyncError, DocumentID: entry.DocumentID, Err: fmt.Errorf("%s", message)})
		return nil
	}
	if !e.backoff(ctx, entry.RetryCount) {
		return ctx.Err()
	}
	return nil
}

func (e *Engine) handleConflict(ctx context.Context, entry *clientstore.QueueEntry) error {
	if err := e.Store.MarkConflict(ctx, entry.DocumentID); err != nil {
		return fmt.Errorf("clientsync: mark conflict: %w", err)
	}
	if err := e.Store.Dequeue(ctx, entry.ID); err != nil {
		return fmt.Errorf("clientsync: dequeue conflicted entry: %w", err)
	}
	e.emit(Event{Kind: EventDocumentConflict, DocumentID: entry.DocumentID})
	return nil
}

func (e *Engine) applyInboundMessage(ctx context.Context, msg any) error {
	switch m := msg.(type) {
	case *wire.DocumentCreatedMsg:
		return e.applyRemoteDocument(ctx, m.Document)
	case *wire.DocumentUpdatedMsg:
		return e.applyRemoteDocument(ctx, m.Document)
	case *wire.DocumentDeletedMsg:
		return e.applyRemoteDelete(ctx, m.DocumentID)
	case *wire.SyncDocumentMsg:
		return e.applyRemoteDocument(ctx, m.Document)
	case *wire.SyncCompleteMsg, *wire.ChangesAcknowledgedMsg, *wire.PongMsg:
		return nil
	case *wire.ChangesMsg:
		for _, ev := range m.Events {
			if err := e.applyChangeEvent(ctx, ev); err != nil {
				return err
			}
		}
		return nil
	case *wire.ErrorMsg:
		e.emit(Event{Kind: EventSyncError, Err: fmt.Errorf("%s: %s", m.Code, m.Message)})
		return nil
	default:
		return fmt.Errorf("clientsync: unexpected inbound message %T", msg)
	}
}

func (e *Engine) applyRemoteDocument(ctx context.Context, payload wire.DocumentPayload) error {
	var content any
	if err := json.Unmarshal(payload.Content, &content); err != nil {
		return fmt.Errorf("clientsync: unmarshal remote document content: %w", err)
	}
	hash, err := patch.Checksum(content)
	if err != nil {
		return fmt.Errorf("clientsync: hash remote document content: %w", err)
	}
	doc := &document.Document{
		ID: payload.ID, UserID: payload.UserID, Content: content, ContentHash: hash, Title: payload.Title,
		SyncRevision: payload.SyncRevision, VersionVector: payload.VersionVector,
		CreatedAt: payload.CreatedAt, UpdatedAt: payload.UpdatedAt, DeletedAt: payload.DeletedAt,
	}
	status := clientstore.StatusSynced
	return e.Store.SaveDocument(ctx, doc, &status)
}

func (e *Engine) applyRemoteDelete(ctx context.Context, id uuid.UUID) error {
	doc, _, err := e.Store.GetDocument(ctx, id)
	if errors.Is(err, replerr.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	doc.Tombstone("server", e.now())
	status := clientstore.StatusSynced
	return e.Store.SaveDocument(ctx, doc, &status)
}

func (e *Engine) wakeOutbound() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}
