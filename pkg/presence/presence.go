// Package presence mirrors the gateway's online set into a shared store so
// other processes can look users up without asking the gateway.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL bounds how long a user stays online in the mirror without a
// refresh. A crashed gateway's users expire after this.
const DefaultTTL = 90 * time.Second

// Mirror receives presence transitions from the gateway.
type Mirror interface {
	Online(ctx context.Context, userID string) error
	Offline(ctx context.Context, userID string) error
	// Refresh extends an online entry's TTL
	Refresh(ctx context.Context, userID string) error
	Lookup(ctx context.Context, userID string) (gatewayID string, online bool, err error)
	Close() error
}

// Config for the Redis mirror
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	GatewayID string
	TTL       time.Duration
}

// RedisMirror stores one key per online user: <prefix><user> = gateway ID
type RedisMirror struct {
	rdb       *redis.Client
	prefix    string
	gatewayID string
	ttl       time.Duration
}

// NewRedisMirror connects to Redis and verifies the connection with PING
func NewRedisMirror(ctx context.Context, c Config) (*RedisMirror, error) {
	rdb := redis.NewClient(&redis.Options{Addr: c.Addr, Password: c.Password, DB: c.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", c.Addr, err)
	}
	return NewRedisMirrorWithClient(rdb, c), nil
}

// NewRedisMirrorWithClient wraps an existing client
func NewRedisMirrorWithClient(rdb *redis.Client, c Config) *RedisMirror {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "chat:presence:"
	}
	if c.TTL <= 0 {
		c.TTL = DefaultTTL
	}
	if c.GatewayID == "" {
		c.GatewayID = "gateway"
	}
	return &RedisMirror{rdb: rdb, prefix: c.KeyPrefix, gatewayID: c.GatewayID, ttl: c.TTL}
}

func (m *RedisMirror) key(userID string) string { return m.prefix + userID }

func (m *RedisMirror) Online(ctx context.Context, userID string) error {
	return m.rdb.Set(ctx, m.key(userID), m.gatewayID, m.ttl).Err()
}

func (m *RedisMirror) Offline(ctx context.Context, userID string) error {
	return m.rdb.Del(ctx, m.key(userID)).Err()
}

func (m *RedisMirror) Refresh(ctx context.Context, userID string) error {
	ok, err := m.rdb.Expire(ctx, m.key(userID), m.ttl).Result()
	if err != nil {
		return err
	}
	if !ok {
		// Key expired or was removed while the user stayed connected
		return m.Online(ctx, userID)
	}
	return nil
}

func (m *RedisMirror) Lookup(ctx context.Context, userID string) (string, bool, error) {
	val, err := m.rdb.Get(ctx, m.key(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (m *RedisMirror) Close() error {
	return m.rdb.Close()
}

// Nop is the mirror used when Redis is not configured
type Nop struct{}

func (Nop) Online(context.Context, string) error { return nil }
func (Nop) Offline(context.Context, string) error { return nil }
func (Nop) Refresh(context.Context, string) error { return nil }
func (Nop) Lookup(context.Context, string) (string, bool, error) { return "", false, nil }
func (Nop) Close() error { return nil }

// Memory is an in-process mirror. Entries do not expire.
type Memory struct {
	mu     sync.Mutex
	online map[string]bool
}

func NewMemory() *Memory {
	return &Memory{online: make(map[string]bool)}
}

func (m *Memory) Online(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.online[userID] = true
	return nil
}

func (m *Memory) Offline(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.online, userID)
	return nil
}

func (m *Memory) Refresh(ctx context.Context, userID string) error {
	return m.Online(ctx, userID)
}

func (m *Memory) Lookup(_ context.Context, userID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online[userID] {
		return "local", true, nil
	}
	return "", false, nil
}

func (m *Memory) Close() error { return nil }
