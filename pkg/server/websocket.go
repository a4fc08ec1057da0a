package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// HandleWebSocket upgrades the request and serves the connection until it
// closes.
func (s *Server) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	select {
	case <-s.shutdown:
		http.Error(w, "server shutting down", http.StatusServiceUnavailable)
		return
	default:
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an HTTP error
		debugLog.Printf("WebSocket upgrade from %s failed: %v", r.RemoteAddr, err)
		return
	}

	conn := NewConn(ws, r.RemoteAddr, s.config.WriteTimeout)
	if !s.trackConn(conn) {
		conn.SafeConn.Close(websocket.CloseGoingAway, "server shutting down")
		return
	}
	defer s.untrackConn(conn)

	s.metrics.RecordConnectionEvent("opened")
	debugLog.Printf("Conn %d: opened from %s", conn.ID, conn.RemoteAddr)
	s.serveConn(conn, ws)
}

// serveConn runs the read loop of one connection. Frames of a connection are
// handled one at a time, in arrival order.
func (s *Server) serveConn(conn *Conn, ws *websocket.Conn) {
	stopPing := make(chan struct{})
	defer func() {
		close(stopPing)
		s.closeConn(conn)
	}()

	if s.config.MaxFrameBytes > 0 {
		ws.SetReadLimit(s.config.MaxFrameBytes)
	}
	if s.config.AuthTimeout > 0 {
		ws.SetReadDeadline(time.Now().Add(s.config.AuthTimeout))
	}
	ws.SetPongHandler(func(string) error {
		s.extendReadDeadline(conn, ws)
		if conn.State() == StateAuthenticated {
			ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout())
			s.presence.Refresh(ctx, conn)
			cancel()
		}
		return nil
	})

	if s.config.PingInterval > 0 {
		go s.pingLoop(conn, stopPing)
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				debugLog.Printf("Conn %d (%s): read error: %v", conn.ID, conn.UserID(), err)
			}
			return
		}

		if !s.handleFrame(conn, data) {
			return
		}
		s.extendReadDeadline(conn, ws)
	}
}

// extendReadDeadline pushes the idle deadline of an authenticated connection
// out by one heartbeat. Unauthenticated connections keep the auth deadline.
func (s *Server) extendReadDeadline(conn *Conn, ws *websocket.Conn) {
	switch {
	case conn.State() != StateAuthenticated:
		return
	case s.config.PingInterval <= 0:
		ws.SetReadDeadline(time.Time{})
	default:
		ws.SetReadDeadline(time.Now().Add(s.config.PingInterval + s.config.PongTimeout))
	}
}

func (s *Server) pingLoop(conn *Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.config.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := conn.Ping(); err != nil {
				debugLog.Printf("Conn %d: ping failed: %v", conn.ID, err)
				return
			}
		}
	}
}

// closeConn runs once per connection when its read loop exits
func (s *Server) closeConn(conn *Conn) {
	if !conn.markClosed() {
		return
	}
	if conn.UserID() != "" {
		ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout())
		s.presence.Disconnect(ctx, conn)
		cancel()
	}
	conn.SafeConn.Close(websocket.CloseNormalClosure, "")
	s.metrics.RecordConnectionEvent("closed")
	debugLog.Printf("Conn %d (%s): closed", conn.ID, conn.UserID())
}

// checkOrigin allows requests without an Origin header, same-host origins,
// and any origin listed in AllowedOrigins ("*" allows all).
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.config.AllowedOrigins {
		if allowed == "*" || strings.EqualFold(strings.TrimRight(allowed, "/"), origin) {
			return true
		}
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}
