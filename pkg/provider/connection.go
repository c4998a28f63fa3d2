package provider

import (
	"context"
	"errors"
	"time"

	"github.com/epicenterhq/sync-core/internal/metrics"
	"github.com/epicenterhq/sync-core/internal/wire"
	"go.uber.org/zap"
)

// remoteOrigin marks document updates sourced from the server so
// onLocalDocUpdate (which only reacts to crdtdoc.LocalOrigin) ignores them.
const remoteOrigin = "remote"

// errHeartbeatTimeout signals that the server stopped answering
// SYNC_STATUS probes within heartbeatTimeout.
var errHeartbeatTimeout = errors.New("provider: heartbeat timed out")

// connectCtx derives a context canceled when stop closes, for use as the
// dial context of a single connection attempt.
func connectCtx(stop <-chan struct{}) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx
}

// runConnectionCycle opens one WebSocket connection, sends the initial
// handshake frames, and then runs the frame-dispatch loop until the
// connection closes or stop fires. It returns whether the handshake was
// ever observed (SyncStep2 inbound) during this attempt.
func (p *Provider) runConnectionCycle(runID uint64, stop <-chan struct{}, token string) (handshakeOK bool, err error) {
	p.setStatus(StatusConnecting)

	conn, err := p.cfg.Dialer(connectCtx(stop), p.dialURL(token))
	if err != nil {
		return false, err
	}
	defer conn.Close()

	p.setStatus(StatusHandshaking)

	if err := p.sendHandshake(conn); err != nil {
		return false, err
	}

	return p.pumpFrames(runID, stop, conn)
}

func (p *Provider) sendHandshake(conn Conn) error {
	sv := p.cfg.Doc.StateVector()
	if err := writeFrame(conn, wire.EncodeFrame(wire.MessageSync, wire.EncodeSyncStep1(sv))); err != nil {
		return err
	}
	if err := writeFrame(conn, wire.EncodeFrame(wire.MessageSyncStatus, wire.EncodeSyncStatus(uint64(p.snapshotLocalVersion())))); err != nil {
		return err
	}

	local := p.cfg.Awareness.States()
	if len(local) > 0 {
		if err := writeFrame(conn, wire.EncodeFrame(wire.MessageAwareness, p.cfg.Awareness.EncodeAll())); err != nil {
			return err
		}
	}
	return nil
}

type inboundFrame struct {
	frame wire.Frame
	err   error
}

// pumpFrames dispatches inbound frames until the read goroutine reports a
// closed connection, the heartbeat times out, or stop fires. It owns the
// idle/heartbeat timers, the only place in Provider where they're touched.
func (p *Provider) pumpFrames(runID uint64, stop <-chan struct{}, conn Conn) (handshakeOK bool, err error) {
	inbound := make(chan inboundFrame)
	go readFrames(conn, inbound)

	idleTimer := time.NewTimer(idleInterval)
	defer idleTimer.Stop()

	var heartbeatTimer *time.Timer
	var heartbeatC <-chan time.Time
	serverSupports102 := false
	var heartbeatSentAt time.Time

	defer func() {
		if heartbeatTimer != nil {
			heartbeatTimer.Stop()
		}
	}()

	armHeartbeatIfLatched := func() {
		if !serverSupports102 {
			return
		}
		if heartbeatTimer != nil {
			heartbeatTimer.Stop()
		}
		heartbeatTimer = time.NewTimer(heartbeatTimeout)
		heartbeatC = heartbeatTimer.C
	}
	disarmHeartbeat := func() {
		if heartbeatTimer != nil {
			heartbeatTimer.Stop()
			heartbeatTimer = nil
		}
		heartbeatC = nil
	}

	for {
		select {
		case <-stop:
			return handshakeOK, nil

		case in := <-inbound:
			if in.err != nil {
				return handshakeOK, in.err
			}

			idleTimer.Reset(idleInterval)
			disarmHeartbeat()

			switch in.frame.Type {
			case wire.MessageSync:
				handshakeOK, err = p.handleSyncFrame(conn, in.frame.Body, handshakeOK)
				if err != nil {
					return handshakeOK, err
				}
			case wire.MessageAwareness:
				if err := p.cfg.Awareness.ApplyUpdate(in.frame.Body); err != nil {
					p.log.Warn("provider: failed to apply awareness update", zap.Error(err))
				}
			case wire.MessageSyncStatus:
				if !serverSupports102 {
					serverSupports102 = true
				}
				seq, err := wire.DecodeSyncStatus(in.frame.Body)
				if err == nil {
					p.ackVersion(int64(seq))
				}
				if !heartbeatSentAt.IsZero() {
					metrics.HeartbeatRoundTrip.Observe(time.Since(heartbeatSentAt).Seconds())
					heartbeatSentAt = time.Time{}
				}
			}

		case <-idleTimer.C:
			idleTimer.Reset(idleInterval)
			if heartbeatC != nil {
				// A heartbeat probe is already outstanding: don't send
				// another one or restart its deadline, or the timeout
				// could never elapse against a truly unresponsive server.
				continue
			}
			heartbeatSentAt = time.Now()
			if werr := writeFrame(conn, wire.EncodeFrame(wire.MessageSyncStatus, wire.EncodeSyncStatus(uint64(p.snapshotLocalVersion())))); werr != nil {
				return handshakeOK, werr
			}
			armHeartbeatIfLatched()

		case <-heartbeatC:
			// Server stopped responding to heartbeats within the timeout;
			// close the socket and let the supervisor loop reconnect.
			return handshakeOK, errHeartbeatTimeout
		}
	}
}

func (p *Provider) handleSyncFrame(conn Conn, body []byte, handshakeSeenBefore bool) (handshakeSeen bool, err error) {
	msg, err := wire.DecodeSyncMessage(body)
	if err != nil {
		return handshakeSeenBefore, err
	}

	switch msg.Step {
	case wire.SyncStepStep1:
		update, err := p.cfg.Doc.EncodeStateAsUpdate(msg.Payload)
		if err != nil {
			return handshakeSeenBefore, err
		}
		if werr := writeFrame(conn, wire.EncodeFrame(wire.MessageSync, wire.EncodeSyncStep2(update))); werr != nil {
			return handshakeSeenBefore, werr
		}
		return handshakeSeenBefore, nil

	case wire.SyncStepStep2:
		if err := p.cfg.Doc.ApplyEncodedUpdateBatch(msg.Payload, remoteOrigin); err != nil {
			return handshakeSeenBefore, err
		}
		if !handshakeSeenBefore {
			p.setStatus(StatusConnected)
		}
		return true, nil

	case wire.SyncStepUpdate:
		if err := p.cfg.Doc.Apply(msg.Payload, remoteOrigin); err != nil {
			return handshakeSeenBefore, err
		}
		return handshakeSeenBefore, nil
	}
	return handshakeSeenBefore, nil
}

func readFrames(conn Conn, out chan<- inboundFrame) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			out <- inboundFrame{err: err}
			return
		}
		frame, err := wire.DecodeFrame(data)
		if err != nil {
			out <- inboundFrame{err: err}
			return
		}
		out <- inboundFrame{frame: frame}
	}
}
