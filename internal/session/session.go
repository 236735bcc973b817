// Package session implements the framed message channel each authenticated
// connection communicates over, plus the connection registry the server
// broadcasts through.
//
// The reader-goroutine/writer-goroutine split and the Close-on-send-failure
// pattern follow eventsync/websocket_client.go's WebSocketClient: a
// receiveLoop goroutine parses frames and hands them to a handler, a
// mutex-guarded send path writes out, and Close tears both down together.
package session

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/replicant-sync/replicant/internal/wire"
)

// outboundCapacity bounds the writer's queue per connection.
const outboundCapacity = 100

// Session is one authenticated connection: a dedicated writer goroutine
// drains a bounded outbound queue while a dedicated reader goroutine parses
// inbound frames and dispatches them to Handler.
type Session struct {
	UserID   uuid.UUID
	ClientID uuid.UUID

	conn    *websocket.Conn
	logger  *zap.Logger
	outbox  chan []byte
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool

	// Handler processes one decoded inbound message. Set before calling Run.
	Handler func(msg any) error
	// OnClose runs once, after both loops have exited, for registry cleanup.
	OnClose func()
}

// New wraps conn for userID/clientID. Call Run to start the reader/writer
// goroutines.
func New(conn *websocket.Conn, userID, clientID uuid.UUID, logger *zap.Logger) *Session {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Session{
		UserID:   userID,
		ClientID: clientID,
		conn:     conn,
		logger:   logger,
		outbox:   make(chan []byte, outboundCapacity),
		done:     make(chan struct{}),
	}
}

// Run starts the writer and reader loops and blocks until the connection is
// torn down (by either side, or by Close). Handler must be set first.
func (s *Session) Run() {
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop()
	}()

	s.readLoop()
	s.Close()
	<-writerDone

	if s.OnClose != nil {
		s.OnClose()
	}
}

func (s *Session) writeLoop() {
	for {
		select {
		case frame, ok := <-s.outbox:
			if !ok {
				return
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.logger.Warn("session write failed", zap.Error(err),
					zap.String("client_id", s.ClientID.String()))
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := wire.Decode(data)
		if err != nil {
			s.logger.Debug("dropping unparseable frame", zap.Error(err))
			_ = s.Send(wire.NewError("InvalidMessage", err.Error()))
			continue
		}
		if s.Handler == nil {
			continue
		}
		if err := s.Handler(msg); err != nil {
			s.logger.Warn("handler error", zap.Error(err), zap.String("client_id", s.ClientID.String()))
		}
	}
}

// Send encodes msg and enqueues it on the bounded outbound queue. It never
// blocks the caller on a full queue; a full queue is treated the same as a
// dead connection and triggers Close.
func (s *Session) Send(msg any) error {
	encoded, err := wire.Encode(msg)
	if err != nil {
		return fmt.Errorf("session: encode message: %w", err)
	}
	return s.SendRaw(encoded)
}

// SendRaw enqueues an already-encoded frame, used by tests that don't want
// to round-trip through wire.Encode.
func (s *Session) SendRaw(frame json.RawMessage) error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return fmt.Errorf("session: client %s is closed", s.ClientID)
	}
	select {
	case s.outbox <- frame:
		s.closeMu.Unlock()
		return nil
	default:
		s.closeMu.Unlock()
		s.Close()
		return fmt.Errorf("session: outbound queue full for client %s", s.ClientID)
	}
}

// Outbox exposes the outbound queue so tests can assert on enqueued frames
// without driving a real websocket connection.
func (s *Session) Outbox() <-chan []byte {
	return s.outbox
}

// Close tears down the connection and both loops. Safe to call more than
// once or from either loop.
func (s *Session) Close() {
	s.closeMu.Lock()
	defer s.closeMu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.outbox)
	s.conn.Close()
}
