// Package transport maintains the client's connection to the gateway and
// hands raw inbound frames to the request bus. The orchestrator only sees
// the connect/connected surface; lifecycle beyond that lives here.
package transport

import (
	"context"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/MuuuShin/lagrange-go/pkg/logger"
)

type Config struct {
	URL string
}

// WSTransport is a websocket client connection to the gateway.
type WSTransport struct {
	cfg Config

	onFrame      func([]byte)
	onDisconnect func(error)

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool
}

func NewWSTransport(cfg Config) *WSTransport {
	return &WSTransport{cfg: cfg}
}

// OnFrame registers the inbound frame handler. Must be set before Connect.
func (t *WSTransport) OnFrame(fn func([]byte)) {
	t.onFrame = fn
}

// OnDisconnect registers the handler invoked when the read loop dies.
// Must be set before Connect.
func (t *WSTransport) OnDisconnect(fn func(error)) {
	t.onDisconnect = fn
}

// Connect dials the gateway and starts the read loop. It reports success
// as a boolean: a failed dial is an expected outcome for the login flows,
// not an error to propagate.
func (t *WSTransport) Connect(ctx context.Context) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.connected {
		return true
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.URL, nil)
	if err != nil {
		logger.ErrorCF("transport", "failed to connect", map[string]any{
			"url":   t.cfg.URL,
			"error": err.Error(),
		})
		return false
	}

	t.conn = conn
	t.connected = true
	logger.InfoCF("transport", "connected", map[string]any{"url": t.cfg.URL})

	go t.readLoop(conn)
	return true
}

func (t *WSTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Send writes one binary frame.
func (t *WSTransport) Send(data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected || t.conn == nil {
		return ErrNotConnected
	}
	return t.conn.WriteMessage(websocket.BinaryMessage, data)
}

func (t *WSTransport) Close() error {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.connected = false
	t.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (t *WSTransport) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.mu.Lock()
			wasConnected := t.connected && t.conn == conn
			if wasConnected {
				t.connected = false
				t.conn = nil
			}
			t.mu.Unlock()

			if wasConnected {
				logger.WarnCF("transport", "connection lost", map[string]any{"error": err.Error()})
				if t.onDisconnect != nil {
					t.onDisconnect(err)
				}
			}
			return
		}
		if t.onFrame != nil {
			t.onFrame(data)
		}
	}
}
