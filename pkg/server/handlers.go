package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"

	"github.com/habtse/chat-app/pkg/database"
	"github.com/habtse/chat-app/pkg/protocol"
)

// handleFrame processes one inbound frame and reports whether the connection
// should stay open. A panic on an authenticated connection is contained to
// the frame; one before authentication closes the connection.
func (s *Server) handleFrame(conn *Conn, data []byte) (keepOpen bool) {
	defer func() {
		if r := recover(); r != nil {
			errorLog.Printf("Conn %d (%s): panic handling frame: %v\n%s", conn.ID, conn.UserID(), r, debug.Stack())
			if conn.State() != StateAuthenticated {
				conn.closeWithError(protocol.ErrCodeInternal, "Internal server error")
				keepOpen = false
				return
			}
			s.sendError(conn, protocol.ErrCodeInternal, "Internal server error")
			keepOpen = true
		}
	}()

	switch conn.State() {
	case StateUnauthenticated:
		return s.handleUnauthenticated(conn, data)
	case StateAuthenticated:
		s.handleAuthenticated(conn, data)
		return true
	case StateClosed:
		return false
	}
	return false
}

// handleUnauthenticated accepts only a CONNECT with a valid token. Anything
// else gets an ERROR and the connection is closed.
func (s *Server) handleUnauthenticated(conn *Conn, data []byte) bool {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		s.metrics.RecordFrameReceived("invalid")
		s.metrics.RecordConnectionEvent("auth_invalid_frame")
		conn.closeWithError(protocol.ErrCodeInvalidMessage, "Malformed frame")
		return false
	}
	s.metrics.RecordFrameReceived(string(frame.Type))

	if frame.Type != protocol.TypeConnect {
		s.metrics.RecordConnectionEvent("auth_required")
		conn.closeWithError(protocol.ErrCodeAuthRequired, "Authentication required")
		return false
	}

	claims, err := s.verifier.Verify(frame.Token)
	if err != nil {
		debugLog.Printf("Conn %d: CONNECT rejected: %v", conn.ID, err)
		s.metrics.RecordConnectionEvent("auth_failed")
		conn.closeWithError(protocol.ErrCodeAuthFailed, "Invalid token")
		return false
	}

	userID := claims.Identity()
	ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout())
	defer cancel()

	// A valid signature for a user the store does not know is still a failed login
	if _, err := s.store.GetUser(ctx, userID); errors.Is(err, database.ErrNotFound) {
		debugLog.Printf("Conn %d: CONNECT for unknown user %s", conn.ID, userID)
		s.metrics.RecordConnectionEvent("auth_unknown_user")
		conn.closeWithError(protocol.ErrCodeAuthFailed, "Invalid token")
		return false
	} else if err != nil {
		s.metrics.RecordStoreError("get_user")
		errorLog.Printf("Conn %d: user lookup for %s failed: %v", conn.ID, userID, err)
	}

	if err := conn.authenticate(userID); err != nil {
		// Closed underneath us
		debugLog.Printf("Conn %d: %v", conn.ID, err)
		return false
	}
	log.Printf("User %s connected (conn %d from %s)", userID, conn.ID, conn.RemoteAddr)

	if err := s.presence.Connect(ctx, conn); err != nil {
		errorLog.Printf("User %s: presence update failed: %v", userID, err)
	}
	return true
}

// handleAuthenticated dispatches one frame from an authenticated connection.
// Errors are reported to the client; the connection stays open.
func (s *Server) handleAuthenticated(conn *Conn, data []byte) {
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		s.metrics.RecordFrameReceived("invalid")
		s.sendError(conn, protocol.ErrCodeInvalidMessage, "Malformed frame")
		return
	}
	s.metrics.RecordFrameReceived(string(frame.Type))

	if err := protocol.CheckClientType(frame.Type); err != nil {
		s.sendError(conn, protocol.ErrCodeUnknownType, fmt.Sprintf("Unknown message type %q", frame.Type))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout())
	defer cancel()

	if err := s.handleMessage(ctx, conn, frame); err != nil {
		s.replyError(conn, frame.Type, err)
	}
}

func (s *Server) handleMessage(ctx context.Context, conn *Conn, frame *protocol.Frame) error {
	switch frame.Type {
	case protocol.TypeConnect:
		s.sendError(conn, protocol.ErrCodeAlreadyAuthenticated, "Already authenticated")
		return nil
	case protocol.TypeSendMessage:
		return s.handleSendMessage(ctx, conn, frame)
	case protocol.TypeJoinSession:
		return s.handleJoinSession(conn, frame)
	case protocol.TypeLeaveSession:
		return s.handleLeaveSession(conn, frame)
	case protocol.TypeTypingStart:
		return s.handleTyping(ctx, conn, frame, true)
	case protocol.TypeTypingStop:
		return s.handleTyping(ctx, conn, frame, false)
	case protocol.TypeMarkRead:
		return s.handleMarkRead(ctx, conn, frame)
	default:
		return fmt.Errorf("%w: %q", protocol.ErrUnknownType, frame.Type)
	}
}

func (s *Server) handleSendMessage(ctx context.Context, conn *Conn, frame *protocol.Frame) error {
	var msg protocol.SendMessagePayload
	if err := frame.DecodePayload(&msg); err != nil {
		return err
	}
	_, err := s.relay.HandleSend(ctx, conn, msg.SessionID, msg.Content)
	return err
}

func (s *Server) handleJoinSession(conn *Conn, frame *protocol.Frame) error {
	var msg protocol.SessionPayload
	if err := frame.DecodePayload(&msg); err != nil {
		return err
	}
	userID := conn.UserID()
	// A superseded connection must not touch its successor's subscriptions
	if !s.registry.IsCurrent(userID, conn) {
		debugLog.Printf("Conn %d (%s): ignoring JOIN_SESSION from superseded connection", conn.ID, userID)
		return nil
	}
	if s.subs.Join(userID, msg.SessionID) {
		debugLog.Printf("User %s joined session %s", userID, msg.SessionID)
	}
	return nil
}

func (s *Server) handleLeaveSession(conn *Conn, frame *protocol.Frame) error {
	var msg protocol.SessionPayload
	if err := frame.DecodePayload(&msg); err != nil {
		return err
	}
	userID := conn.UserID()
	if !s.registry.IsCurrent(userID, conn) {
		debugLog.Printf("Conn %d (%s): ignoring LEAVE_SESSION from superseded connection", conn.ID, userID)
		return nil
	}
	if s.subs.Leave(userID, msg.SessionID) {
		debugLog.Printf("User %s left session %s", userID, msg.SessionID)
	}
	return nil
}

func (s *Server) handleTyping(ctx context.Context, conn *Conn, frame *protocol.Frame, isTyping bool) error {
	var msg protocol.SessionPayload
	if err := frame.DecodePayload(&msg); err != nil {
		return err
	}
	return s.relay.HandleTyping(ctx, conn, msg.SessionID, isTyping)
}

func (s *Server) handleMarkRead(ctx context.Context, conn *Conn, frame *protocol.Frame) error {
	var msg protocol.SessionPayload
	if err := frame.DecodePayload(&msg); err != nil {
		return err
	}
	return s.relay.HandleMarkRead(ctx, conn, msg.SessionID)
}

// replyError maps a handler error to the ERROR frame the client sees
func (s *Server) replyError(conn *Conn, frameType protocol.FrameType, err error) {
	switch {
	case errors.Is(err, ErrNotMember):
		debugLog.Printf("Conn %d (%s): %s rejected: %v", conn.ID, conn.UserID(), frameType, err)
		if s.config.NotifyNonMember {
			s.sendError(conn, protocol.ErrCodeNotAMember, "Not a member of this session")
		}
	case errors.Is(err, ErrMessageTooLong):
		s.sendError(conn, protocol.ErrCodeMessageTooLong, err.Error())
	case errors.Is(err, ErrEmptyContent),
		errors.Is(err, protocol.ErrInvalidFrame),
		errors.Is(err, protocol.ErrEmptyPayload):
		s.sendError(conn, protocol.ErrCodeInvalidMessage, fmt.Sprintf("Invalid %s payload", frameType))
	case errors.Is(err, protocol.ErrUnknownType):
		s.sendError(conn, protocol.ErrCodeUnknownType, err.Error())
	default:
		errorLog.Printf("Conn %d (%s): %s failed: %v", conn.ID, conn.UserID(), frameType, err)
		s.sendError(conn, protocol.ErrCodeInternal, "Internal server error")
	}
}

// sendError writes an ERROR frame to one connection
func (s *Server) sendError(conn *Conn, code, message string) {
	if err := conn.Send(protocol.TypeError, &protocol.ErrorMessage{Code: code, Message: message}); err != nil {
		debugLog.Printf("Conn %d: failed to send %s error: %v", conn.ID, code, err)
		return
	}
	s.metrics.RecordFramesSent(string(protocol.TypeError), 1)
}
