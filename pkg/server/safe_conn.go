package server

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var errConnClosed = errors.New("connection closed")

// wsTransport is the subset of *websocket.Conn used for writing.
// Tests substitute a recorder.
type wsTransport interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// SafeConn wraps a WebSocket with write synchronization.
//
// Request handlers, broadcasts from other connections and the AI bridge may
// all write to the same socket at once. gorilla/websocket supports one
// concurrent writer, so every write goes through mu.
type SafeConn struct {
	ws           wsTransport
	writeTimeout time.Duration
	mu           sync.Mutex // Protects writes to ws
	closed       bool
}

// NewSafeConn wraps a transport with write synchronization
func NewSafeConn(ws wsTransport, writeTimeout time.Duration) *SafeConn {
	return &SafeConn{ws: ws, writeTimeout: writeTimeout}
}

// WriteBytes sends one pre-encoded text frame.
// Broadcasts encode once and call this per recipient.
func (sc *SafeConn) WriteBytes(data []byte) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return errConnClosed
	}
	if sc.writeTimeout > 0 {
		sc.ws.SetWriteDeadline(time.Now().Add(sc.writeTimeout))
	}
	return sc.ws.WriteMessage(websocket.TextMessage, data)
}

// Ping sends a ping control frame
func (sc *SafeConn) Ping() error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return errConnClosed
	}
	deadline := time.Now().Add(sc.writeTimeout)
	if sc.writeTimeout <= 0 {
		deadline = time.Now().Add(10 * time.Second)
	}
	return sc.ws.WriteControl(websocket.PingMessage, nil, deadline)
}

// Close sends a best-effort close frame and closes the socket. Safe to call
// more than once.
func (sc *SafeConn) Close(code int, reason string) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.closed {
		return nil
	}
	sc.closed = true
	msg := websocket.FormatCloseMessage(code, reason)
	sc.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return sc.ws.Close()
}
