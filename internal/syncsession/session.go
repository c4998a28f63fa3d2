// Package syncsession implements the per-connection sync protocol handler:
// it speaks the wire framing in internal/wire over a WebSocket, applying
// and producing updates against the room's single authoritative CRDT
// document. It mirrors the teacher's transport.Client readPump/writePump
// split, generalized from a single send channel to the spec's SYNC/
// AWARENESS/QUERY_AWARENESS/SYNC_STATUS message set.
package syncsession

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/epicenterhq/sync-core/internal/logging"
	"github.com/epicenterhq/sync-core/internal/metrics"
	"github.com/epicenterhq/sync-core/internal/room"
	"github.com/epicenterhq/sync-core/internal/wire"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// wsConnection is the subset of *websocket.Conn a Session needs, factored
// out for testability the way the teacher's transport.wsConnection is.
type wsConnection interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetWriteDeadline(t time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendBufferSize = 256
)

// Session owns one client's WebSocket connection and bridges it to the
// room's shared Doc/Awareness. Send may be called from any goroutine (room
// broadcasts call it); everything else runs on the readPump/writePump
// goroutines it starts, and all document/awareness mutation happens through
// the room it's bound to, which has its own locking.
type Session struct {
	id   string
	conn wsConnection
	room *room.Room

	send chan []byte

	closed atomic.Bool

	handshakeStart time.Time
}

// New wraps conn for room r, identified by sessionID (typically a fresh
// uuid minted by the HTTP upgrade handler).
func New(sessionID string, conn wsConnection, r *room.Room) *Session {
	return &Session{
		id:             sessionID,
		conn:           conn,
		room:           r,
		send:           make(chan []byte, sendBufferSize),
		handshakeStart: time.Now(),
	}
}

// SessionID satisfies room.Member.
func (s *Session) SessionID() string { return s.id }

// Send enqueues a pre-encoded wire frame for delivery to this session,
// dropping it (with a log) if the send buffer is full or the connection is
// already closing, rather than blocking the room's broadcast loop on one
// slow reader. Recovers from the narrow race against readPump closing
// send, the same guard the teacher's SendProto uses around its channels.
func (s *Session) Send(frame []byte) {
	if s.closed.Load() {
		return
	}
	defer func() {
		if recover() != nil {
			logging.Warn(context.Background(), "send on closing session, dropping frame", zap.String("sessionId", s.id))
		}
	}()
	select {
	case s.send <- frame:
	default:
		logging.Warn(context.Background(), "session send buffer full, dropping frame", zap.String("sessionId", s.id))
	}
}

// Start registers the session with the room, sends the initial handshake
// (SyncStep1 + full awareness snapshot), and launches the read/write
// pumps. It blocks until the connection closes.
func (s *Session) Start() {
	s.room.AddMember(s)
	metrics.IncConnection()

	s.sendInitialState()

	done := make(chan struct{})
	go func() {
		s.writePump()
		close(done)
	}()
	s.readPump()
	<-done
}

func (s *Session) sendInitialState() {
	sv := s.room.Doc.StateVector()
	s.Send(wire.EncodeFrame(wire.MessageSync, wire.EncodeSyncStep1(sv)))
	s.Send(wire.EncodeFrame(wire.MessageAwareness, s.room.Awareness.EncodeAll()))
}

func (s *Session) readPump() {
	defer func() {
		s.closed.Store(true)
		empty := s.room.RemoveMember(s)
		_ = empty
		s.conn.Close()
		metrics.DecConnection()
		close(s.send)
	}()

	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			break
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		s.handleFrame(data)
	}
}

func (s *Session) handleFrame(data []byte) {
	start := time.Now()
	frame, err := wire.DecodeFrame(data)
	if err != nil {
		logging.Warn(context.Background(), "failed to decode wire frame", zap.String("sessionId", s.id), zap.Error(err))
		metrics.WireMessagesTotal.WithLabelValues("unknown", "in", "decode_error").Inc()
		return
	}

	switch frame.Type {
	case wire.MessageSync:
		s.handleSync(frame.Body)
	case wire.MessageAwareness:
		s.handleAwareness(frame.Body)
	case wire.MessageQueryAwareness:
		s.handleQueryAwareness()
	case wire.MessageSyncStatus:
		s.handleSyncStatus(frame.Body)
	default:
		logging.Warn(context.Background(), "unknown wire message type", zap.String("sessionId", s.id), zap.Uint64("type", uint64(frame.Type)))
	}

	metrics.WireMessagesTotal.WithLabelValues(frame.Type.String(), "in", "ok").Inc()
	metrics.MessageProcessingDuration.WithLabelValues(frame.Type.String()).Observe(time.Since(start).Seconds())
}

func (s *Session) handleSync(body []byte) {
	msg, err := wire.DecodeSyncMessage(body)
	if err != nil {
		logging.Warn(context.Background(), "failed to decode sync message", zap.Error(err))
		return
	}

	switch msg.Step {
	case wire.SyncStepStep1:
		// Peer announced its state vector; reply with everything it's missing.
		update, err := s.room.Doc.EncodeStateAsUpdate(msg.Payload)
		if err != nil {
			logging.Error(context.Background(), "failed to diff state vector", zap.Error(err))
			return
		}
		s.Send(wire.EncodeFrame(wire.MessageSync, wire.EncodeSyncStep2(update)))
		metrics.HandshakeDuration.Observe(time.Since(s.handshakeStart).Seconds())

	case wire.SyncStepStep2:
		if err := s.room.Doc.ApplyEncodedUpdateBatch(msg.Payload, s.id); err != nil {
			logging.Error(context.Background(), "failed to apply sync step2 batch", zap.Error(err))
			return
		}

	case wire.SyncStepUpdate:
		if err := s.room.Doc.Apply(msg.Payload, s.id); err != nil {
			logging.Error(context.Background(), "failed to apply update", zap.Error(err))
			return
		}
		s.room.Broadcast(wire.EncodeFrame(wire.MessageSync, body), s.id)
	}
}

func (s *Session) handleAwareness(body []byte) {
	if err := s.room.Awareness.ApplyUpdate(body); err != nil {
		logging.Warn(context.Background(), "failed to apply awareness update", zap.Error(err))
		return
	}
	s.room.Broadcast(wire.EncodeFrame(wire.MessageAwareness, body), s.id)
}

func (s *Session) handleQueryAwareness() {
	s.Send(wire.EncodeFrame(wire.MessageAwareness, s.room.Awareness.EncodeAll()))
}

func (s *Session) handleSyncStatus(body []byte) {
	// Heartbeat: echo the sequence number straight back.
	s.Send(wire.EncodeFrame(wire.MessageSyncStatus, body))
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				s.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := s.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
