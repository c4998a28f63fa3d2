package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/epicenterhq/sync-core/internal/crdtdoc"
	"github.com/epicenterhq/sync-core/internal/wire"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeConn is a Conn double driven by two channels: toClient frames are
// delivered from ReadMessage as if sent by a server, and every WriteMessage
// call is recorded so a test can observe what the provider sent via
// writtenFrames.
type fakeConn struct {
	mu         sync.Mutex
	toClient   chan []byte
	written    [][]byte
	closed     bool
	closedOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{toClient: make(chan []byte, 16)}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	msg, ok := <-f.toClient
	if !ok {
		return 0, nil, websocket.ErrCloseSent
	}
	return websocket.BinaryMessage, msg, nil
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return websocket.ErrCloseSent
	}
	cp := append([]byte(nil), data...)
	f.written = append(f.written, cp)
	return nil
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.closedOnce.Do(func() { close(f.toClient) })
	return nil
}

func (f *fakeConn) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeConn) writtenFrames() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.written))
	copy(out, f.written)
	return out
}

func (f *fakeConn) sendToClient(frame []byte) {
	f.toClient <- frame
}

// newDialerFactory returns a Dialer that always hands out conns, recording
// each in order on a channel so a test can script server behavior per
// connection attempt.
func newDialerFactory() (Dialer, <-chan *fakeConn) {
	conns := make(chan *fakeConn, 16)
	dialer := func(ctx context.Context, rawURL string) (Conn, error) {
		c := newFakeConn()
		conns <- c
		return c, nil
	}
	return dialer, conns
}

func waitForStatus(t *testing.T, p *Provider, want Status, timeout time.Duration) {
	t.Helper()
	deadline := time.After(timeout)
	ch := make(chan Status, 16)
	unsub := p.OnStatusChange(func(s Status) {
		select {
		case ch <- s:
		default:
		}
	})
	defer unsub()

	if p.Status() == want {
		return
	}
	for {
		select {
		case s := <-ch:
			if s == want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for status %s, currently %s", want, p.Status())
		}
	}
}

func waitForWrittenFrame(t *testing.T, conn *fakeConn, msgType wire.MessageType, timeout time.Duration) wire.Frame {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		for _, raw := range conn.writtenFrames() {
			frame, err := wire.DecodeFrame(raw)
			if err == nil && frame.Type == msgType {
				return frame
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for a written frame of type %s", msgType)
	return wire.Frame{}
}

func TestConnectReachesConnectedAfterStep2(t *testing.T) {
	dialer, conns := newDialerFactory()
	doc := crdtdoc.New(1)

	p, err := New(Config{
		Doc:         doc,
		URL:         "ws://example.invalid/rooms/test",
		Dialer:      dialer,
		AutoConnect: boolPtr(false),
	})
	require.NoError(t, err)
	defer p.Destroy()

	p.Connect()

	var conn *fakeConn
	select {
	case conn = <-conns:
	case <-time.After(time.Second):
		t.Fatal("dialer was never invoked")
	}

	waitForWrittenFrame(t, conn, wire.MessageSync, time.Second)

	update, err := doc.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	conn.sendToClient(wire.EncodeFrame(wire.MessageSync, wire.EncodeSyncStep2(update)))

	waitForStatus(t, p, StatusConnected, time.Second)
}

func TestRemoteUpdateDoesNotMarkDirty(t *testing.T) {
	dialer, conns := newDialerFactory()
	doc := crdtdoc.New(1)

	p, err := New(Config{
		Doc:    doc,
		URL:    "ws://example.invalid/rooms/test",
		Dialer: dialer,
	})
	require.NoError(t, err)
	defer p.Destroy()

	conn := <-conns
	waitForWrittenFrame(t, conn, wire.MessageSync, time.Second)

	otherDoc := crdtdoc.New(2)
	update := otherDoc.Transact(crdtdoc.LocalOrigin, func() []byte { return []byte("remote payload") })
	conn.sendToClient(wire.EncodeFrame(wire.MessageSync, wire.EncodeSyncUpdate(update)))

	time.Sleep(50 * time.Millisecond)
	assert.False(t, p.HasLocalChanges())
}

func TestLocalChangeMarksDirtyUntilAcked(t *testing.T) {
	dialer, conns := newDialerFactory()
	doc := crdtdoc.New(1)

	p, err := New(Config{
		Doc:    doc,
		URL:    "ws://example.invalid/rooms/test",
		Dialer: dialer,
	})
	require.NoError(t, err)
	defer p.Destroy()

	conn := <-conns
	waitForWrittenFrame(t, conn, wire.MessageSync, time.Second)

	var dirtyEvents []bool
	var mu sync.Mutex
	unsub := p.OnLocalChanges(func(dirty bool) {
		mu.Lock()
		dirtyEvents = append(dirtyEvents, dirty)
		mu.Unlock()
	})
	defer unsub()

	doc.Transact(crdtdoc.LocalOrigin, func() []byte { return []byte("local edit") })

	require.Eventually(t, func() bool {
		return p.HasLocalChanges()
	}, time.Second, 5*time.Millisecond)

	conn.sendToClient(wire.EncodeFrame(wire.MessageSyncStatus, wire.EncodeSyncStatus(1)))

	require.Eventually(t, func() bool {
		return !p.HasLocalChanges()
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, dirtyEvents, 2)
	assert.True(t, dirtyEvents[0])
	assert.False(t, dirtyEvents[1])
}

func TestDisconnectIsSynchronousAndStopsReconnects(t *testing.T) {
	dialer, conns := newDialerFactory()
	doc := crdtdoc.New(1)

	p, err := New(Config{
		Doc:    doc,
		URL:    "ws://example.invalid/rooms/test",
		Dialer: dialer,
	})
	require.NoError(t, err)
	defer p.Destroy()

	<-conns
	p.Disconnect()
	assert.Equal(t, StatusOffline, p.Status())

	select {
	case <-conns:
		t.Fatal("dialer should not be invoked again after Disconnect")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHeartbeatTimeoutClosesConnectionAndReconnects(t *testing.T) {
	dialer, conns := newDialerFactory()
	doc := crdtdoc.New(1)

	p, err := New(Config{
		Doc:    doc,
		URL:    "ws://example.invalid/rooms/test",
		Dialer: dialer,
	})
	require.NoError(t, err)
	defer p.Destroy()

	conn1 := <-conns
	waitForWrittenFrame(t, conn1, wire.MessageSync, time.Second)

	update, err := doc.EncodeStateAsUpdate(nil)
	require.NoError(t, err)
	conn1.sendToClient(wire.EncodeFrame(wire.MessageSync, wire.EncodeSyncStep2(update)))
	waitForStatus(t, p, StatusConnected, time.Second)

	// Reply to the first SYNC_STATUS frame (the one sent during the
	// handshake) exactly once, latching serverSupports102, then go silent
	// as if the server stopped responding.
	probe := waitForWrittenFrame(t, conn1, wire.MessageSyncStatus, time.Second)
	seq, err := wire.DecodeSyncStatus(probe.Body)
	require.NoError(t, err)
	conn1.sendToClient(wire.EncodeFrame(wire.MessageSyncStatus, wire.EncodeSyncStatus(seq)))

	// idleInterval (2s) then heartbeatTimeout (3s) must elapse and close
	// this connection, causing the supervisor to redial. Before the fix,
	// the idle timer re-armed a fresh heartbeat window every idleInterval
	// — shorter than heartbeatTimeout — so the timeout could never fire
	// against an unresponsive server and no reconnect ever happened.
	select {
	case <-conns:
	case <-time.After(10 * time.Second):
		t.Fatal("heartbeat timeout never closed the stale connection and triggered a reconnect")
	}
}

func TestGetTokenIsCachedAcrossAttemptsAndInvalidatedAfterFailures(t *testing.T) {
	dialer := func(ctx context.Context, rawURL string) (Conn, error) {
		return nil, assertErr
	}

	var calls int
	var mu sync.Mutex
	getToken := func(ctx context.Context) (string, error) {
		mu.Lock()
		calls++
		mu.Unlock()
		return "tok", nil
	}

	doc := crdtdoc.New(1)
	p, err := New(Config{
		Doc:         doc,
		URL:         "ws://example.invalid/rooms/test",
		Dialer:      dialer,
		GetToken:    getToken,
		AutoConnect: boolPtr(false),
	})
	require.NoError(t, err)
	defer p.Destroy()

	p.Connect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return calls >= 2
	}, 5*time.Second, 10*time.Millisecond)
}

func boolPtr(b bool) *bool { return &b }

var assertErr = &dialFailure{}

type dialFailure struct{}

func (*dialFailure) Error() string { return "dial failed" }
