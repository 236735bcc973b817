package serversync

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/replicant-sync/replicant/internal/session"
	"github.com/replicant-sync/replicant/internal/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Server upgrades inbound HTTP connections to websockets, runs the
// Authenticate handshake, and hands the resulting session to Handler for
// the connection's lifetime.
type Server struct {
	Handler *Handler
	Logger  *zap.Logger
}

// ServeHTTP upgrades the connection, performs the handshake, and blocks
// until the session closes.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.Logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}

	sess, err := s.authenticate(r.Context(), conn)
	if err != nil {
		s.Logger.Info("authentication rejected", zap.Error(err))
		conn.Close()
		return
	}

	s.Handler.Registry.Register(sess)
	sess.OnClose = func() { s.Handler.Registry.Unregister(sess.UserID, sess.ClientID) }
	sess.Handler = func(msg any) error { return s.Handler.Dispatch(r.Context(), sess, msg) }
	sess.Run()
}

// authenticate reads the mandatory first Authenticate frame, verifies the
// HMAC signature and clock skew, resolves the user by email, and on
// success returns a Session that is neither registered nor running yet.
func (s *Server) authenticate(ctx context.Context, conn *websocket.Conn) (*session.Session, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("serversync: read auth frame: %w", err)
	}
	msg, err := wire.Decode(data)
	if err != nil {
		writeAuthError(conn, "malformed authenticate message")
		return nil, fmt.Errorf("serversync: decode auth frame: %w", err)
	}
	auth, ok := msg.(*wire.Authenticate)
	if !ok {
		writeAuthError(conn, "first message must be Authenticate")
		return nil, fmt.Errorf("serversync: first frame was %T, not Authenticate", msg)
	}

	if !session.HasAPIKeyPrefix(auth.APIKey) {
		writeAuthError(conn, "malformed api key")
		return nil, fmt.Errorf("serversync: malformed api key")
	}
	if !session.WithinClockSkew(auth.Timestamp, s.Handler.now()) {
		writeAuthError(conn, "timestamp outside allowed clock skew")
		return nil, fmt.Errorf("serversync: timestamp outside clock skew")
	}

	secret, active, err := s.Handler.Store.LookupCredential(ctx, auth.APIKey)
	if err != nil || !active {
		writeAuthError(conn, "invalid credentials")
		return nil, fmt.Errorf("serversync: lookup credential: %w", err)
	}
	if !session.VerifySignature(secret, auth.Timestamp, auth.Email, auth.APIKey, "", auth.Signature) {
		writeAuthError(conn, "signature mismatch")
		return nil, fmt.Errorf("serversync: signature mismatch for %s", auth.Email)
	}

	userID, err := s.Handler.Store.EnsureUser(ctx, auth.Email)
	if err != nil {
		writeAuthError(conn, "could not resolve user")
		return nil, fmt.Errorf("serversync: ensure user: %w", err)
	}
	if err := s.Handler.Store.TouchCredential(ctx, auth.APIKey, s.Handler.now()); err != nil {
		s.Logger.Warn("failed to touch credential", zap.Error(err))
	}

	sess := session.New(conn, userID, auth.ClientID, s.Logger)
	success := wire.NewAuthSuccess(sessionID(userID, auth.ClientID), auth.ClientID)
	if err := sess.Send(success); err != nil {
		return nil, fmt.Errorf("serversync: send auth success: %w", err)
	}
	return sess, nil
}

func writeAuthError(conn *websocket.Conn, reason string) {
	body, err := json.Marshal(wire.NewAuthError(reason))
	if err != nil {
		return
	}
	_ = conn.WriteMessage(websocket.TextMessage, body)
}

// sessionID is an opaque per-connection identifier distinct from the
// user's identity; it exists only for client-side diagnostics.
func sessionID(userID, clientID uuid.UUID) string {
	return fmt.Sprintf("%s.%s.%d", userID, clientID, time.Now().UnixNano())
}
