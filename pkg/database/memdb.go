package database

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// MemDB is an in-memory Store. It backs the "memory" driver and the server
// tests; nothing survives a restart.
type MemDB struct {
	mu sync.RWMutex

	// Core data
	users    map[string]*User
	sessions map[string]*ChatSession
	messages map[string]*Message

	// Indexes for fast lookups
	usersByEmail      map[string]string          // email -> userID
	membersBySession  map[string][]string        // sessionID -> userIDs in join order
	memberSet         map[string]map[string]bool // sessionID -> set of userIDs
	messagesBySession map[string][]string        // sessionID -> messageIDs in creation order
}

var _ Store = (*MemDB)(nil)

// NewMemDB creates an empty in-memory store
func NewMemDB() *MemDB {
	return &MemDB{
		users:             make(map[string]*User),
		sessions:          make(map[string]*ChatSession),
		messages:          make(map[string]*Message),
		usersByEmail:      make(map[string]string),
		membersBySession:  make(map[string][]string),
		memberSet:         make(map[string]map[string]bool),
		messagesBySession: make(map[string][]string),
	}
}

func (m *MemDB) Close() error {
	return nil
}

// ===== Membership =====

func (m *MemDB) IsSessionMember(ctx context.Context, userID, sessionID string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.memberSet[sessionID][userID], nil
}

func (m *MemDB) SessionMemberIDs(ctx context.Context, sessionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	members := m.membersBySession[sessionID]
	out := make([]string, len(members))
	copy(out, members)
	return out, nil
}

// AddMember adds userID to an existing session
func (m *MemDB) AddMember(sessionID, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[sessionID]; !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if _, ok := m.users[userID]; !ok {
		return fmt.Errorf("user %s: %w", userID, ErrNotFound)
	}
	m.addMemberLocked(sessionID, userID)
	return nil
}

func (m *MemDB) addMemberLocked(sessionID, userID string) {
	set := m.memberSet[sessionID]
	if set == nil {
		set = make(map[string]bool)
		m.memberSet[sessionID] = set
	}
	if set[userID] {
		return
	}
	set[userID] = true
	m.membersBySession[sessionID] = append(m.membersBySession[sessionID], userID)
}

// ===== Messages =====

func (m *MemDB) CreateMessage(ctx context.Context, sessionID, senderID, content string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sender, ok := m.users[senderID]
	if !ok {
		return nil, fmt.Errorf("resolve sender: %w", ErrNotFound)
	}
	if _, ok := m.sessions[sessionID]; !ok {
		return nil, fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	msg := &Message{
		ID:         newID(),
		SessionID:  sessionID,
		SenderID:   senderID,
		SenderName: sender.Name,
		Content:    content,
		CreatedAt:  nowMillis(),
	}
	m.messages[msg.ID] = msg
	m.messagesBySession[sessionID] = append(m.messagesBySession[sessionID], msg.ID)

	msgCopy := *msg
	return &msgCopy, nil
}

func (m *MemDB) GetRecentMessages(ctx context.Context, sessionID string, limit int) ([]*Message, error) {
	if limit <= 0 {
		return nil, nil
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := m.messagesBySession[sessionID]
	if len(ids) > limit {
		ids = ids[len(ids)-limit:]
	}

	result := make([]*Message, 0, len(ids))
	for _, id := range ids {
		msg := *m.messages[id]
		// Sender names follow renames, like the SQL join
		if u, ok := m.users[msg.SenderID]; ok {
			msg.SenderName = u.Name
		}
		result = append(result, &msg)
	}
	return result, nil
}

func (m *MemDB) MarkSessionRead(ctx context.Context, userID, sessionID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var marked int64
	for _, id := range m.messagesBySession[sessionID] {
		msg := m.messages[id]
		if msg.SenderID == userID || msg.IsRead {
			continue
		}
		msg.IsRead = true
		marked++
	}
	return marked, nil
}

// ===== Users =====

func (m *MemDB) GetUser(ctx context.Context, userID string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	userCopy := *u
	return &userCopy, nil
}

func (m *MemDB) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.usersByEmail[strings.ToLower(email)]
	if !ok {
		return nil, ErrNotFound
	}
	userCopy := *m.users[id]
	return &userCopy, nil
}

func (m *MemDB) CreateUser(ctx context.Context, email, name string) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.createUserLocked(email, name, false)
}

func (m *MemDB) createUserLocked(email, name string, online bool) (*User, error) {
	key := strings.ToLower(email)
	if _, exists := m.usersByEmail[key]; exists {
		return nil, fmt.Errorf("user %s: %w", email, ErrDuplicate)
	}
	u := &User{
		ID:        newID(),
		Email:     email,
		Name:      name,
		IsOnline:  online,
		CreatedAt: nowMillis(),
	}
	m.users[u.ID] = u
	m.usersByEmail[key] = u.ID

	userCopy := *u
	return &userCopy, nil
}

func (m *MemDB) SetUserOnline(ctx context.Context, userID string, online bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[userID]
	if !ok {
		return ErrNotFound
	}
	u.IsOnline = online
	return nil
}

func (m *MemDB) ResetPresence(ctx context.Context, keepOnlineEmail string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for _, u := range m.users {
		if u.IsOnline && !strings.EqualFold(u.Email, keepOnlineEmail) {
			u.IsOnline = false
			n++
		}
	}
	return n, nil
}

func (m *MemDB) GetOrCreateAIParticipant(ctx context.Context) (*User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.usersByEmail[strings.ToLower(AIParticipantEmail)]; ok {
		userCopy := *m.users[id]
		return &userCopy, nil
	}
	return m.createUserLocked(AIParticipantEmail, AIParticipantName, true)
}

// ===== Sessions =====

func (m *MemDB) CreateSession(ctx context.Context, name string, isGroup bool, memberIDs []string) (*ChatSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range memberIDs {
		if _, ok := m.users[id]; !ok {
			return nil, fmt.Errorf("member %s: %w", id, ErrNotFound)
		}
	}

	s := &ChatSession{
		ID:        newID(),
		Name:      name,
		IsGroup:   isGroup,
		CreatedAt: nowMillis(),
	}
	m.sessions[s.ID] = s
	for _, id := range memberIDs {
		m.addMemberLocked(s.ID, id)
	}

	sessionCopy := *s
	return &sessionCopy, nil
}
