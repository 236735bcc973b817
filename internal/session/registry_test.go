package session

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/replicant-sync/replicant/internal/wire"
)

func TestRegisterGetUnregister(t *testing.T) {
	r := NewRegistry()
	userID := uuid.New()
	clientID := uuid.New()
	sess := New(nil, userID, clientID, nil)

	r.Register(sess)
	got, ok := r.Get(userID, clientID)
	require.True(t, ok)
	assert.Same(t, sess, got)

	r.Unregister(userID, clientID)
	_, ok = r.Get(userID, clientID)
	assert.False(t, ok)
}

func TestBroadcastToUserReachesAllSessionsIncludingOriginator(t *testing.T) {
	r := NewRegistry()
	userID := uuid.New()
	clientA := New(nil, userID, uuid.New(), nil)
	clientB := New(nil, userID, uuid.New(), nil)
	r.Register(clientA)
	r.Register(clientB)

	r.BroadcastToUser(userID, wire.NewPong(), uuid.Nil)

	assert.Len(t, clientA.outbox, 1)
	assert.Len(t, clientB.outbox, 1)
}

func TestClientIDsListsEveryRegisteredClient(t *testing.T) {
	r := NewRegistry()
	userID := uuid.New()
	idA := uuid.New()
	idB := uuid.New()
	r.Register(New(nil, userID, idA, nil))
	r.Register(New(nil, userID, idB, nil))

	ids := r.ClientIDs(userID)
	assert.ElementsMatch(t, []uuid.UUID{idA, idB}, ids)
}

func TestUnregisterDropsEmptyUserEntry(t *testing.T) {
	r := NewRegistry()
	userID := uuid.New()
	clientID := uuid.New()
	r.Register(New(nil, userID, clientID, nil))
	r.Unregister(userID, clientID)

	assert.Empty(t, r.ClientIDs(userID))
}
