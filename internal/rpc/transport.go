package rpc

import (
	"context"
	"fmt"
	"sync"

	"github.com/coder/websocket"
)

// maxFrameBytes caps a single message. Track replies carry whole payloads
// as data URIs, so this is far above the websocket default.
const maxFrameBytes = 32 << 20

// Transport is the reliable ordered bidirectional message channel a
// [Session] runs on. Implementations must support one concurrent reader and
// one concurrent writer, and an idempotent Close.
type Transport interface {
	// ReadMessage blocks until the next message arrives, the context is
	// cancelled, or the channel is torn down.
	ReadMessage(ctx context.Context) ([]byte, error)
	// WriteMessage sends one message.
	WriteMessage(ctx context.Context, data []byte) error
	// Close tears the channel down with a short human-readable reason.
	Close(reason string) error
}

// wsTransport adapts a coder/websocket connection to the Transport
// interface. Messages are text frames carrying one JSON object each.
type wsTransport struct {
	conn *websocket.Conn

	closeOnce sync.Once
	closeErr  error
}

var _ Transport = (*wsTransport)(nil)

// NewWebSocketTransport wraps an accepted or dialed WebSocket connection.
func NewWebSocketTransport(conn *websocket.Conn) Transport {
	conn.SetReadLimit(maxFrameBytes)
	return &wsTransport{conn: conn}
}

// Dial connects to a spindle WebSocket endpoint and returns a ready
// transport. This is the client half of the protocol, used by tests and
// tooling.
func Dial(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{Subprotocol},
	})
	if err != nil {
		return nil, fmt.Errorf("rpc: dial %s: %w", url, err)
	}
	return NewWebSocketTransport(conn), nil
}

func (w *wsTransport) ReadMessage(ctx context.Context) ([]byte, error) {
	_, data, err := w.conn.Read(ctx)
	if err != nil {
		return nil, err
	}
	return data, nil
}

func (w *wsTransport) WriteMessage(ctx context.Context, data []byte) error {
	return w.conn.Write(ctx, websocket.MessageText, data)
}

func (w *wsTransport) Close(reason string) error {
	w.closeOnce.Do(func() {
		w.closeErr = w.conn.Close(websocket.StatusNormalClosure, reason)
	})
	return w.closeErr
}
