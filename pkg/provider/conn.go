package provider

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the subset of a WebSocket connection the provider needs. It
// mirrors internal/syncsession's wsConnection abstraction, the same
// factor-out-for-testability idiom the teacher applies to its transport
// layer, generalized here to the client side.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
}

// Dialer opens a Conn to rawURL. The default dials a real WebSocket via
// gorilla/websocket; tests inject a fake to drive the supervisor loop
// without a network. This is the Go analogue of spec.md's injected
// `WebSocketConstructor` option.
type Dialer func(ctx context.Context, rawURL string) (Conn, error)

func defaultDialer(ctx context.Context, rawURL string) (Conn, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, http.Header{})
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func writeFrame(conn Conn, frame []byte) error {
	_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return conn.WriteMessage(websocket.BinaryMessage, frame)
}
