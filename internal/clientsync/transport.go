package clientsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/replicant-sync/replicant/internal/session"
	"github.com/replicant-sync/replicant/internal/wire"
)

// Transport is the framed duplex channel the engine drives: Send enqueues
// one outbound message, Incoming yields decoded inbound messages until the
// transport closes (the channel is then closed too).
type Transport interface {
	Send(msg any) error
	Incoming() <-chan any
	Close() error
}

// sessionTransport adapts an internal/session.Session, the same framed
// channel the server uses per connection, to the Transport interface by
// routing its Handler callback onto a buffered channel instead of
// dispatching inline.
type sessionTransport struct {
	sess *session.Session
	in   chan any
}

func newSessionTransport(sess *session.Session) *sessionTransport {
	t := &sessionTransport{sess: sess, in: make(chan any, 64)}
	sess.Handler = func(msg any) error {
		t.in <- msg
		return nil
	}
	sess.OnClose = func() { close(t.in) }
	go sess.Run()
	return t
}

func (t *sessionTransport) Send(msg any) error   { return t.sess.Send(msg) }
func (t *sessionTransport) Incoming() <-chan any { return t.in }
func (t *sessionTransport) Close() error         { t.sess.Close(); return nil }

// Dial opens a websocket connection to serverURL, performs the
// HMAC-signed Authenticate handshake, and returns a ready Transport.
// userID/clientID identify this client locally; the server never echoes
// userID back on the wire, so the caller (which already knows it from the
// local user_config row) supplies it to stamp the local session.Session.
func Dial(ctx context.Context, serverURL string, email, apiKey, apiSecret string, userID, clientID uuid.UUID, now time.Time) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, serverURL, nil)
	if err != nil {
		return nil, fmt.Errorf("clientsync: dial %s: %w", serverURL, err)
	}

	timestamp := now.Unix()
	body := ""
	signature := session.ComputeSignature(apiSecret, timestamp, email, apiKey, body)
	auth := wire.NewAuthenticate(email, clientID, apiKey, signature, timestamp)
	authJSON, err := wire.Encode(auth)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("clientsync: encode authenticate: %w", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, authJSON); err != nil {
		conn.Close()
		return nil, fmt.Errorf("clientsync: send authenticate: %w", err)
	}

	_, data, err := conn.ReadMessage()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("clientsync: read auth response: %w", err)
	}
	resp, err := wire.Decode(data)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("clientsync: decode auth response: %w", err)
	}
	switch m := resp.(type) {
	case *wire.AuthSuccessMsg:
		sess := session.New(conn, userID, clientID, nil)
		return newSessionTransport(sess), nil
	case *wire.AuthErrorMsg:
		conn.Close()
		return nil, fmt.Errorf("clientsync: authentication rejected: %s", m.Reason)
	default:
		conn.Close()
		return nil, fmt.Errorf("clientsync: unexpected auth response %T", resp)
	}
}
