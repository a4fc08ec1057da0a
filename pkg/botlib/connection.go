package botlib

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/habtse/chat-app/pkg/protocol"
)

// connection handles the low-level protocol communication.
type connection struct {
	url    string
	ws     *websocket.Conn
	sendMu sync.Mutex
	closed bool
	mu     sync.RWMutex

	// Replies to CONNECT and MARK_READ, plus ERROR frames
	responsesCh chan *protocol.Frame

	// Broadcast handler
	onFrame func(*protocol.Frame)

	// Closed when the receive loop exits
	done chan struct{}
	err  error
}

func newConnection(url string) *connection {
	return &connection{
		url:         url,
		responsesCh: make(chan *protocol.Frame, 10),
		done:        make(chan struct{}),
	}
}

func (c *connection) connect(ctx context.Context, timeout time.Duration) error {
	dialer := websocket.Dialer{HandshakeTimeout: timeout}
	ws, _, err := dialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("dial failed: %w", err)
	}
	c.ws = ws
	return nil
}

func (c *connection) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if c.ws == nil {
		return nil
	}
	c.sendMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.sendMu.Unlock()
	return c.ws.Close()
}

func (c *connection) isClosed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

func (c *connection) sendFrame(frame *protocol.Frame) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if c.isClosed() {
		return fmt.Errorf("connection closed")
	}

	data, err := protocol.EncodeFrame(frame)
	if err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame failed: %w", err)
	}
	return nil
}

func (c *connection) send(ft protocol.FrameType, payload any) error {
	frame, err := protocol.NewFrame(ft, payload)
	if err != nil {
		return fmt.Errorf("encode failed: %w", err)
	}
	return c.sendFrame(frame)
}

// receiveLoop reads frames from the connection and dispatches them.
// Responses (CONNECTED, MARK_READ, ERROR) go to responsesCh.
// Broadcasts (NEW_MESSAGE, etc.) go to onFrame handler.
func (c *connection) receiveLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if !c.isClosed() {
				c.err = err
			}
			return
		}

		frame, err := protocol.DecodeFrame(data)
		if err != nil {
			continue
		}

		switch frame.Type {
		case protocol.TypeConnected, protocol.TypeMarkRead, protocol.TypeError:
			select {
			case c.responsesCh <- frame:
			default:
				// Response channel full, drop oldest
				select {
				case <-c.responsesCh:
				default:
				}
				c.responsesCh <- frame
			}
		default:
			if c.onFrame != nil {
				c.onFrame(frame)
			}
		}
	}
}

// waitForResponse waits for a response with timeout.
func (c *connection) waitForResponse(timeout time.Duration) (*protocol.Frame, error) {
	select {
	case frame := <-c.responsesCh:
		return frame, nil
	case <-c.done:
		// The server may answer and close at once
		select {
		case frame := <-c.responsesCh:
			return frame, nil
		default:
		}
		return nil, fmt.Errorf("connection lost: %v", c.err)
	case <-time.After(timeout):
		return nil, fmt.Errorf("timeout waiting for response")
	}
}

// expectType checks if the frame is of the expected type, handling errors.
func expectType(frame *protocol.Frame, expected protocol.FrameType) error {
	if frame.Type == protocol.TypeError {
		var errMsg protocol.ErrorMessage
		if err := frame.DecodePayload(&errMsg); err != nil {
			return fmt.Errorf("error response (decode failed)")
		}
		return &ServerError{Code: errMsg.Code, Message: errMsg.Message}
	}
	if frame.Type != expected {
		return fmt.Errorf("unexpected response type %s, expected %s", frame.Type, expected)
	}
	return nil
}

// ServerError is an ERROR frame returned in place of an expected response.
type ServerError struct {
	Code    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", e.Code, e.Message)
}
