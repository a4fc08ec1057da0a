package server

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/habtse/chat-app/pkg/database"
	"github.com/habtse/chat-app/pkg/protocol"
)

var (
	ErrNotMember      = errors.New("user is not a member of the session")
	ErrEmptyContent   = errors.New("message content is empty")
	ErrMessageTooLong = errors.New("message content is too long")
)

// aiIdentity caches the AI participant's user ID. A failed lookup is not
// cached, so the next caller retries.
type aiIdentity struct {
	store database.Store

	mu sync.Mutex
	id string
}

func (a *aiIdentity) ID(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.id != "" {
		return a.id, nil
	}
	user, err := a.store.GetOrCreateAIParticipant(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve ai participant: %w", err)
	}
	a.id = user.ID
	return a.id, nil
}

// Relay moves chat traffic between members of a session: persisted
// messages, typing indicators and read state.
type Relay struct {
	store    database.Store
	subs     *SubscriptionTable
	bcast    *broadcaster
	metrics  *Metrics
	identity *aiIdentity
	bridge   *AIBridge // nil disables the AI participant

	maxMessageLength int
}

// HandleSend persists a message from the connection's user and delivers it
// to every member currently viewing the session, the sender included. When
// the AI participant is a member and did not send it, a reply job is queued.
func (r *Relay) HandleSend(ctx context.Context, conn *Conn, sessionID, content string) (*database.Message, error) {
	// Non-members are rejected before the content is looked at
	senderID := conn.UserID()
	if err := r.requireMember(ctx, senderID, sessionID); err != nil {
		return nil, err
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyContent
	}
	if r.maxMessageLength > 0 && utf8.RuneCountInString(content) > r.maxMessageLength {
		return nil, fmt.Errorf("%w: %d characters, limit is %d", ErrMessageTooLong,
			utf8.RuneCountInString(content), r.maxMessageLength)
	}

	msg, err := r.store.CreateMessage(ctx, sessionID, senderID, content)
	if err != nil {
		r.metrics.RecordStoreError("create_message")
		return nil, fmt.Errorf("persist message: %w", err)
	}
	r.metrics.RecordMessagePersisted()

	r.BroadcastMessage(ctx, msg)
	r.maybeTriggerAI(ctx, msg)
	return msg, nil
}

// BroadcastMessage sends NEW_MESSAGE to members of the message's session
// that are connected and subscribed. Returns the number of deliveries.
func (r *Relay) BroadcastMessage(ctx context.Context, msg *database.Message) int {
	data, err := protocol.Build(protocol.TypeNewMessage, &protocol.NewMessageMessage{
		MessageID:  msg.ID,
		SessionID:  msg.SessionID,
		SenderID:   msg.SenderID,
		Content:    msg.Content,
		CreatedAt:  msg.CreatedAt,
		SenderName: msg.SenderName,
	})
	if err != nil {
		errorLog.Printf("Failed to encode NEW_MESSAGE %s: %v", msg.ID, err)
		return 0
	}

	recipients, err := r.viewers(ctx, msg.SessionID, "")
	if err != nil {
		errorLog.Printf("Session %s: failed to load members for message %s: %v", msg.SessionID, msg.ID, err)
		return 0
	}
	return r.bcast.toUsers(string(protocol.TypeNewMessage), recipients, data)
}

// HandleTyping relays TYPING_INDICATOR to the other members viewing the
// session. Nothing is persisted.
func (r *Relay) HandleTyping(ctx context.Context, conn *Conn, sessionID string, isTyping bool) error {
	userID := conn.UserID()
	if err := r.requireMember(ctx, userID, sessionID); err != nil {
		return err
	}

	recipients, err := r.viewers(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	if len(recipients) == 0 {
		return nil
	}

	data, err := protocol.Build(protocol.TypeTypingIndicator, &protocol.TypingIndicatorMessage{
		SessionID: sessionID,
		UserID:    userID,
		IsTyping:  isTyping,
	})
	if err != nil {
		return err
	}
	r.bcast.toUsers(string(protocol.TypeTypingIndicator), recipients, data)
	return nil
}

// HandleMarkRead marks every message in the session that the user did not
// send as read. The reader gets MARK_READ back; other viewing members get a
// READ_RECEIPT when anything changed.
func (r *Relay) HandleMarkRead(ctx context.Context, conn *Conn, sessionID string) error {
	userID := conn.UserID()
	if err := r.requireMember(ctx, userID, sessionID); err != nil {
		return err
	}

	marked, err := r.store.MarkSessionRead(ctx, userID, sessionID)
	if err != nil {
		r.metrics.RecordStoreError("mark_read")
		return fmt.Errorf("mark session read: %w", err)
	}

	if err := conn.Send(protocol.TypeMarkRead, &protocol.MarkReadMessage{
		SessionID:   sessionID,
		UnreadCount: 0,
		MarkedCount: marked,
	}); err != nil {
		debugLog.Printf("Conn %d: MARK_READ write failed: %v", conn.ID, err)
	}
	if marked == 0 {
		return nil
	}

	recipients, err := r.viewers(ctx, sessionID, userID)
	if err != nil {
		return err
	}
	data, err := protocol.Build(protocol.TypeReadReceipt, &protocol.ReadReceiptMessage{
		SessionID: sessionID,
		UserID:    userID,
		ReadAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	r.bcast.toUsers(string(protocol.TypeReadReceipt), recipients, data)
	return nil
}

func (r *Relay) requireMember(ctx context.Context, userID, sessionID string) error {
	ok, err := r.store.IsSessionMember(ctx, userID, sessionID)
	if err != nil {
		r.metrics.RecordStoreError("is_member")
		return fmt.Errorf("membership check: %w", err)
	}
	if !ok {
		return ErrNotMember
	}
	return nil
}

// viewers returns the session's members that are subscribed to it, minus
// exclude. Whether they are connected is left to the broadcaster.
func (r *Relay) viewers(ctx context.Context, sessionID, exclude string) ([]string, error) {
	members, err := r.store.SessionMemberIDs(ctx, sessionID)
	if err != nil {
		r.metrics.RecordStoreError("session_members")
		return nil, fmt.Errorf("load session members: %w", err)
	}

	out := members[:0:0]
	for _, id := range members {
		if id == exclude || !r.subs.IsSubscribed(id, sessionID) {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (r *Relay) maybeTriggerAI(ctx context.Context, msg *database.Message) {
	if r.bridge == nil {
		return
	}

	aiID, err := r.identity.ID(ctx)
	if err != nil {
		errorLog.Printf("Session %s: %v", msg.SessionID, err)
		return
	}
	if msg.SenderID == aiID {
		return
	}
	isMember, err := r.store.IsSessionMember(ctx, aiID, msg.SessionID)
	if err != nil {
		errorLog.Printf("Session %s: ai membership check failed: %v", msg.SessionID, err)
		return
	}
	if !isMember {
		return
	}

	if !r.bridge.Enqueue(AIJob{SessionID: msg.SessionID, Trigger: msg}) {
		errorLog.Printf("Session %s: ai queue full, dropped reply to message %s", msg.SessionID, msg.ID)
	}
}
