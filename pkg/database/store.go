package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

const (
	// AIParticipantEmail identifies the persisted user whose messages come
	// from the completion provider.
	AIParticipantEmail = "ai@shipper.chat"
	// AIParticipantName is the display name used when the AI user is created
	AIParticipantName = "AI Assistant"
)

var (
	// ErrNotFound indicates the requested record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicate indicates a unique constraint (e.g. user email) was violated.
	ErrDuplicate = errors.New("already exists")
)

// User is a persisted chat user
type User struct {
	ID        string
	Email     string
	Name      string
	IsOnline  bool
	CreatedAt time.Time
}

// ChatSession is a persisted conversation with a fixed member list
type ChatSession struct {
	ID        string
	Name      string
	IsGroup   bool
	CreatedAt time.Time
}

// Message is a persisted chat message. SenderName is resolved at read time.
type Message struct {
	ID         string
	SessionID  string
	SenderID   string
	SenderName string
	Content    string
	CreatedAt  time.Time
	IsRead     bool
}

// Store is the persistence collaborator used by the gateway.
// The gateway treats every call as a possible suspension point and never
// assumes more than "the write completed before the dependent broadcast".
type Store interface {
	// Membership
	IsSessionMember(ctx context.Context, userID, sessionID string) (bool, error)
	SessionMemberIDs(ctx context.Context, sessionID string) ([]string, error)

	// Messages
	CreateMessage(ctx context.Context, sessionID, senderID, content string) (*Message, error)
	// GetRecentMessages returns at most limit messages, oldest first
	GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error)
	// MarkSessionRead marks every message in the session not sent by userID
	// as read and returns how many rows changed.
	MarkSessionRead(ctx context.Context, userID, sessionID string) (int64, error)

	// Users and presence
	GetUser(ctx context.Context, userID string) (*User, error)
	GetUserByEmail(ctx context.Context, email string) (*User, error)
	CreateUser(ctx context.Context, email, name string) (*User, error)
	SetUserOnline(ctx context.Context, userID string, online bool) error
	// ResetPresence marks every user offline except the given email
	ResetPresence(ctx context.Context, keepOnlineEmail string) (int64, error)
	GetOrCreateAIParticipant(ctx context.Context) (*User, error)

	// Sessions
	CreateSession(ctx context.Context, name string, isGroup bool, memberIDs []string) (*ChatSession, error)

	Close() error
}

// newID returns a time-ordered identifier so that ID order follows creation
// order within one process.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// nowMillis returns the current time truncated to millisecond precision,
// which is what both stores persist.
func nowMillis() time.Time {
	return time.Now().UTC().Truncate(time.Millisecond)
}
