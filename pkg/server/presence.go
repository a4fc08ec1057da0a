package server

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/gorilla/websocket"
	"github.com/habtse/chat-app/pkg/database"
	"github.com/habtse/chat-app/pkg/presence"
	"github.com/habtse/chat-app/pkg/protocol"
)

const presenceLockStripes = 64

// PresenceCoordinator owns the online flag. Connect and disconnect for one
// user run under that user's stripe lock, so a reconnect and a stale
// disconnect resolve in arrival order at the lock.
type PresenceCoordinator struct {
	store           database.Store
	registry        *Registry
	subs            *SubscriptionTable
	mirror          presence.Mirror
	bcast           *broadcaster
	metrics         *Metrics
	closeSuperseded bool

	locks [presenceLockStripes]sync.Mutex
}

func (p *PresenceCoordinator) lockFor(userID string) *sync.Mutex {
	return &p.locks[xxhash.Sum64String(userID)%presenceLockStripes]
}

// Connect registers an authenticated conn as its user's connection, marks
// the user online and acknowledges with CONNECTED. USER_STATUS_UPDATE then
// goes to every connection, the user's own included. If the online flag
// cannot be persisted the user stays connected but no status is broadcast.
func (p *PresenceCoordinator) Connect(ctx context.Context, conn *Conn) error {
	userID := conn.UserID()
	if userID == "" {
		return fmt.Errorf("conn %d: connect before authentication", conn.ID)
	}

	mu := p.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	superseded := p.registry.Register(userID, conn)
	// A fresh connection starts with no subscriptions
	p.subs.Clear(userID)
	p.metrics.RecordActiveConnections(p.registry.Count())
	p.metrics.RecordConnectionEvent("authenticated")

	if superseded != nil {
		debugLog.Printf("User %s: conn %d supersedes conn %d", userID, conn.ID, superseded.ID)
		p.metrics.RecordConnectionEvent("superseded")
		if p.closeSuperseded {
			superseded.SafeConn.Close(websocket.CloseNormalClosure, "superseded by a newer connection")
		}
	}

	persistErr := p.store.SetUserOnline(ctx, userID, true)
	if persistErr != nil {
		p.metrics.RecordStoreError("set_online")
		persistErr = fmt.Errorf("set %s online: %w", userID, persistErr)
	}

	if err := conn.Send(protocol.TypeConnected, &protocol.ConnectedMessage{UserID: userID}); err != nil {
		debugLog.Printf("Conn %d: CONNECTED write failed: %v", conn.ID, err)
	} else {
		p.metrics.RecordFramesSent(string(protocol.TypeConnected), 1)
	}

	if persistErr != nil {
		return persistErr
	}
	if err := p.mirror.Online(ctx, userID); err != nil {
		errorLog.Printf("User %s: presence mirror online: %v", userID, err)
	}
	p.announce(userID, true)
	return nil
}

// Disconnect runs when conn closes. It only proceeds if conn is still the
// user's registered connection; otherwise it reports false and leaves the
// user's state alone.
func (p *PresenceCoordinator) Disconnect(ctx context.Context, conn *Conn) bool {
	userID := conn.UserID()
	if userID == "" {
		return false
	}

	mu := p.lockFor(userID)
	mu.Lock()
	defer mu.Unlock()

	if !p.registry.Unregister(userID, conn) {
		debugLog.Printf("User %s: conn %d was superseded, skipping offline", userID, conn.ID)
		return false
	}
	p.subs.Clear(userID)
	p.metrics.RecordActiveConnections(p.registry.Count())
	p.metrics.RecordConnectionEvent("disconnected")

	if err := p.store.SetUserOnline(ctx, userID, false); err != nil {
		p.metrics.RecordStoreError("set_offline")
		errorLog.Printf("User %s: failed to persist offline: %v", userID, err)
		return true
	}
	if err := p.mirror.Offline(ctx, userID); err != nil {
		errorLog.Printf("User %s: presence mirror offline: %v", userID, err)
	}

	p.announce(userID, false)
	return true
}

// Refresh keeps the mirror entry of a still-connected user alive
func (p *PresenceCoordinator) Refresh(ctx context.Context, conn *Conn) {
	userID := conn.UserID()
	if !p.registry.IsCurrent(userID, conn) {
		return
	}
	if err := p.mirror.Refresh(ctx, userID); err != nil {
		debugLog.Printf("User %s: presence mirror refresh: %v", userID, err)
	}
}

func (p *PresenceCoordinator) announce(userID string, online bool) {
	data, err := protocol.Build(protocol.TypeUserStatusUpdate, &protocol.UserStatusUpdateMessage{
		UserID:   userID,
		IsOnline: online,
	})
	if err != nil {
		errorLog.Printf("Failed to encode USER_STATUS_UPDATE: %v", err)
		return
	}
	p.bcast.toAll(string(protocol.TypeUserStatusUpdate), data)
}
