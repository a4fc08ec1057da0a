package server

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/habtse/chat-app/pkg/protocol"
)

// ConnState is the lifecycle state of one client connection
type ConnState int

const (
	StateUnauthenticated ConnState = iota
	StateAuthenticated
	StateClosed
)

func (s ConnState) String() string {
	switch s {
	case StateUnauthenticated:
		return "unauthenticated"
	case StateAuthenticated:
		return "authenticated"
	case StateClosed:
		return "closed"
	}
	return fmt.Sprintf("ConnState(%d)", int(s))
}

var nextConnID atomic.Uint64

// Conn is one client connection. The user ID is set exactly once, on the
// transition to StateAuthenticated.
type Conn struct {
	ID         uint64
	RemoteAddr string
	*SafeConn

	mu     sync.RWMutex // Protects state and userID
	state  ConnState
	userID string
}

// NewConn wraps a transport in a fresh unauthenticated connection
func NewConn(ws wsTransport, remoteAddr string, writeTimeout time.Duration) *Conn {
	return &Conn{
		ID:         nextConnID.Add(1),
		RemoteAddr: remoteAddr,
		SafeConn:   NewSafeConn(ws, writeTimeout),
		state:      StateUnauthenticated,
	}
}

// State returns the current state
func (c *Conn) State() ConnState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// UserID returns the authenticated user, or "" before authentication
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// transition is the only place state changes. Legal moves:
//
//	Unauthenticated -> Authenticated (userID required)
//	Unauthenticated -> Closed
//	Authenticated   -> Closed
func (c *Conn) transition(to ConnState, userID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	from := c.state
	switch {
	case from == StateUnauthenticated && to == StateAuthenticated:
		if userID == "" {
			return fmt.Errorf("conn %d: authenticate without user id", c.ID)
		}
		c.userID = userID
	case from != StateClosed && to == StateClosed:
	default:
		return fmt.Errorf("conn %d: illegal transition %s -> %s", c.ID, from, to)
	}
	c.state = to
	return nil
}

// authenticate moves the connection to StateAuthenticated
func (c *Conn) authenticate(userID string) error {
	return c.transition(StateAuthenticated, userID)
}

// markClosed moves the connection to StateClosed and reports whether this
// call performed the transition.
func (c *Conn) markClosed() bool {
	return c.transition(StateClosed, "") == nil
}

// Send encodes and writes a single frame to this connection
func (c *Conn) Send(frameType protocol.FrameType, payload any) error {
	data, err := protocol.Build(frameType, payload)
	if err != nil {
		return err
	}
	return c.WriteBytes(data)
}

// closeWithError writes an ERROR frame, then closes the transport. Used for
// the terminal authentication failures.
func (c *Conn) closeWithError(code, message string) {
	if data, err := protocol.BuildError(code, message); err == nil {
		c.WriteBytes(data)
	}
	c.SafeConn.Close(websocket.ClosePolicyViolation, code)
}
