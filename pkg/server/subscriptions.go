package server

import "sync"

// SubscriptionTable records which chat sessions each user is viewing.
// A subscription only gates live delivery; it says nothing about
// persisted membership.
type SubscriptionTable struct {
	mu        sync.RWMutex
	byUser    map[string]map[string]struct{} // userID -> sessionIDs
	bySession map[string]map[string]struct{} // sessionID -> userIDs (reverse index)
}

// NewSubscriptionTable creates an empty table
func NewSubscriptionTable() *SubscriptionTable {
	return &SubscriptionTable{
		byUser:    make(map[string]map[string]struct{}),
		bySession: make(map[string]map[string]struct{}),
	}
}

// Join subscribes the user to a session. Reports whether it was new.
func (t *SubscriptionTable) Join(userID, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions := t.byUser[userID]
	if sessions == nil {
		sessions = make(map[string]struct{})
		t.byUser[userID] = sessions
	}
	if _, ok := sessions[sessionID]; ok {
		return false
	}
	sessions[sessionID] = struct{}{}

	users := t.bySession[sessionID]
	if users == nil {
		users = make(map[string]struct{})
		t.bySession[sessionID] = users
	}
	users[userID] = struct{}{}
	return true
}

// Leave unsubscribes the user from a session. Reports whether it was present.
func (t *SubscriptionTable) Leave(userID, sessionID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions := t.byUser[userID]
	if _, ok := sessions[sessionID]; !ok {
		return false
	}
	delete(sessions, sessionID)
	if len(sessions) == 0 {
		delete(t.byUser, userID)
	}
	t.removeReverseLocked(userID, sessionID)
	return true
}

// Clear drops every subscription of the user and returns how many there were
func (t *SubscriptionTable) Clear(userID string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	sessions := t.byUser[userID]
	for sessionID := range sessions {
		t.removeReverseLocked(userID, sessionID)
	}
	delete(t.byUser, userID)
	return len(sessions)
}

func (t *SubscriptionTable) removeReverseLocked(userID, sessionID string) {
	if users := t.bySession[sessionID]; users != nil {
		delete(users, userID)
		if len(users) == 0 {
			delete(t.bySession, sessionID)
		}
	}
}

// IsSubscribed reports whether the user is viewing the session
func (t *SubscriptionTable) IsSubscribed(userID, sessionID string) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.byUser[userID][sessionID]
	return ok
}

// Sessions returns the sessions the user is subscribed to
func (t *SubscriptionTable) Sessions(userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.byUser[userID]))
	for id := range t.byUser[userID] {
		out = append(out, id)
	}
	return out
}

// Subscribers returns the users subscribed to a session
func (t *SubscriptionTable) Subscribers(sessionID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.bySession[sessionID]))
	for id := range t.bySession[sessionID] {
		out = append(out, id)
	}
	return out
}
