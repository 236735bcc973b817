package session

import (
	"sync"

	"github.com/google/uuid"
)

const shardCount = 16

// Registry is the server-side connection registry: every authenticated
// session, keyed by (user_id, client_id), sharded by user_id so unrelated
// users never contend on the same lock. BroadcastToUser iterates one user's
// client set and posts to each sender; a session whose send fails is
// unregistered right away, so a dead connection is dropped at the first
// broadcast attempt after it dies.
type Registry struct {
	shards [shardCount]*shard
}

type shard struct {
	mu       sync.RWMutex
	sessions map[uuid.UUID]map[uuid.UUID]*Session // user_id -> client_id -> session
}

// NewRegistry builds an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{sessions: make(map[uuid.UUID]map[uuid.UUID]*Session)}
	}
	return r
}

func (r *Registry) shardFor(userID uuid.UUID) *shard {
	var h byte
	for _, b := range userID {
		h ^= b
	}
	return r.shards[int(h)%shardCount]
}

// Register adds sess under (sess.UserID, sess.ClientID).
func (r *Registry) Register(sess *Session) {
	sh := r.shardFor(sess.UserID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sh.sessions[sess.UserID] == nil {
		sh.sessions[sess.UserID] = make(map[uuid.UUID]*Session)
	}
	sh.sessions[sess.UserID][sess.ClientID] = sess
}

// Unregister removes the session at (userID, clientID), if present.
func (r *Registry) Unregister(userID, clientID uuid.UUID) {
	sh := r.shardFor(userID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	clients, ok := sh.sessions[userID]
	if !ok {
		return
	}
	delete(clients, clientID)
	if len(clients) == 0 {
		delete(sh.sessions, userID)
	}
}

// Get returns the session at (userID, clientID), if connected.
func (r *Registry) Get(userID, clientID uuid.UUID) (*Session, bool) {
	sh := r.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	clients, ok := sh.sessions[userID]
	if !ok {
		return nil, false
	}
	sess, ok := clients[clientID]
	return sess, ok
}

// BroadcastToUser posts msg to every session of userID. excludeClientID, if
// not uuid.Nil, skips that one session (used when the originator should not
// receive its own echo — though most replicant broadcasts intentionally
// include the originator so it can transition pending -> synced).
func (r *Registry) BroadcastToUser(userID uuid.UUID, msg any, excludeClientID uuid.UUID) {
	sh := r.shardFor(userID)
	sh.mu.RLock()
	clients, ok := sh.sessions[userID]
	if !ok {
		sh.mu.RUnlock()
		return
	}
	targets := make([]*Session, 0, len(clients))
	for clientID, sess := range clients {
		if clientID == excludeClientID {
			continue
		}
		targets = append(targets, sess)
	}
	sh.mu.RUnlock()

	for _, sess := range targets {
		if err := sess.Send(msg); err != nil {
			r.Unregister(userID, sess.ClientID)
		}
	}
}

// ClientIDs returns every client_id currently registered for userID.
func (r *Registry) ClientIDs(userID uuid.UUID) []uuid.UUID {
	sh := r.shardFor(userID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	clients, ok := sh.sessions[userID]
	if !ok {
		return nil
	}
	ids := make([]uuid.UUID, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	return ids
}
