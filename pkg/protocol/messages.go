package protocol

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Validator is implemented by inbound payloads that check their own fields
type Validator interface {
	Validate() error
}

// Frame types (Client → Server)
const (
	TypeConnect      FrameType = "CONNECT"
	TypeSendMessage  FrameType = "SEND_MESSAGE"
	TypeJoinSession  FrameType = "JOIN_SESSION"
	TypeLeaveSession FrameType = "LEAVE_SESSION"
	TypeTypingStart  FrameType = "TYPING_START"
	TypeTypingStop   FrameType = "TYPING_STOP"
	TypeMarkRead     FrameType = "MARK_READ" // also echoed back to the reader
)

// Frame types (Server → Client)
const (
	TypeConnected        FrameType = "CONNECTED"
	TypeUserStatusUpdate FrameType = "USER_STATUS_UPDATE"
	TypeNewMessage       FrameType = "NEW_MESSAGE"
	TypeTypingIndicator  FrameType = "TYPING_INDICATOR"
	TypeReadReceipt      FrameType = "READ_RECEIPT"
	TypeError            FrameType = "ERROR"
)

// Error codes carried in ERROR frames
const (
	// Authentication (terminal)
	ErrCodeAuthFailed   = "AUTH_FAILED"
	ErrCodeAuthRequired = "AUTH_REQUIRED"

	// Protocol (non-terminal after authentication)
	ErrCodeInvalidMessage       = "INVALID_MESSAGE"
	ErrCodeUnknownType          = "UNKNOWN_TYPE"
	ErrCodeAlreadyAuthenticated = "ALREADY_AUTHENTICATED"
	ErrCodeMessageTooLong       = "MESSAGE_TOO_LONG"

	// Authorization
	ErrCodeNotAMember = "NOT_A_MEMBER"

	// Server
	ErrCodeInternal = "INTERNAL"
)

var (
	errSessionIDRequired = errors.New("sessionId is required")
	errContentRequired   = errors.New("content is required")
)

// IsClientType reports whether t is a frame type a client may send
func IsClientType(t FrameType) bool {
	switch t {
	case TypeConnect, TypeSendMessage, TypeJoinSession, TypeLeaveSession,
		TypeTypingStart, TypeTypingStop, TypeMarkRead:
		return true
	}
	return false
}

// CheckClientType returns ErrUnknownType unless t is a client frame type
func CheckClientType(t FrameType) error {
	if !IsClientType(t) {
		return fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
	return nil
}

// ===== Inbound payloads =====

// SessionPayload is the payload of JOIN_SESSION, LEAVE_SESSION, TYPING_START,
// TYPING_STOP and MARK_READ.
type SessionPayload struct {
	SessionID string `json:"sessionId"`
}

func (p *SessionPayload) Validate() error {
	p.SessionID = strings.TrimSpace(p.SessionID)
	if p.SessionID == "" {
		return errSessionIDRequired
	}
	return nil
}

// SendMessagePayload is the payload of SEND_MESSAGE
type SendMessagePayload struct {
	SessionID string `json:"sessionId"`
	Content   string `json:"content"`
}

func (p *SendMessagePayload) Validate() error {
	p.SessionID = strings.TrimSpace(p.SessionID)
	if p.SessionID == "" {
		return errSessionIDRequired
	}
	p.Content = strings.TrimSpace(p.Content)
	if p.Content == "" {
		return errContentRequired
	}
	return nil
}

// ===== Outbound payloads =====

// ConnectedMessage acknowledges a successful CONNECT
type ConnectedMessage struct {
	UserID string `json:"userId"`
}

// UserStatusUpdateMessage announces a presence change
type UserStatusUpdateMessage struct {
	UserID   string `json:"userId"`
	IsOnline bool   `json:"isOnline"`
}

// NewMessageMessage delivers a persisted chat message
type NewMessageMessage struct {
	MessageID  string    `json:"messageId"`
	SessionID  string    `json:"sessionId"`
	SenderID   string    `json:"senderId"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"createdAt"`
	SenderName string    `json:"senderName"`
}

// TypingIndicatorMessage relays TYPING_START / TYPING_STOP to other members
type TypingIndicatorMessage struct {
	SessionID string `json:"sessionId"`
	UserID    string `json:"userId"`
	IsTyping  bool   `json:"isTyping"`
}

// MarkReadMessage confirms MARK_READ to the reader
type MarkReadMessage struct {
	SessionID   string `json:"sessionId"`
	UnreadCount int    `json:"unreadCount"`
	MarkedCount int64  `json:"markedCount"`
}

// ReadReceiptMessage tells other members that a user has read a session
type ReadReceiptMessage struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	ReadAt    time.Time `json:"readAt"`
}

// ErrorMessage is the payload of ERROR frames
type ErrorMessage struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// BuildError encodes an ERROR frame
func BuildError(code, message string) ([]byte, error) {
	return Build(TypeError, &ErrorMessage{Code: code, Message: message})
}
