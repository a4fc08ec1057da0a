package server

import "sync"

// Registry maps each authenticated user to their one live connection.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register stores conn as the user's connection and returns the connection
// it replaced, if any. The superseded connection is left open.
func (r *Registry) Register(userID string, conn *Conn) (superseded *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.conns[userID]
	r.conns[userID] = conn
	if prev == conn {
		return nil
	}
	return prev
}

// Unregister removes the user's entry only if it is still conn, so a stale
// disconnect cannot evict a newer connection. Reports whether it removed.
func (r *Registry) Unregister(userID string, conn *Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.conns[userID]; !ok || cur != conn {
		return false
	}
	delete(r.conns, userID)
	return true
}

// Get returns the user's registered connection or nil
func (r *Registry) Get(userID string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[userID]
}

// IsCurrent reports whether conn is the one registered for userID
func (r *Registry) IsCurrent(userID string, conn *Conn) bool {
	return conn != nil && r.Get(userID) == conn
}

// Snapshot returns the registered connections at this instant
func (r *Registry) Snapshot() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	return conns
}

// ForEach calls fn for every entry of a snapshot. fn may register or
// unregister connections.
func (r *Registry) ForEach(fn func(userID string, conn *Conn)) {
	r.mu.RLock()
	entries := make(map[string]*Conn, len(r.conns))
	for id, c := range r.conns {
		entries[id] = c
	}
	r.mu.RUnlock()

	for id, c := range entries {
		fn(id, c)
	}
}

// Count returns the number of registered users
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
