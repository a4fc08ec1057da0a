package server

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/habtse/chat-app/pkg/ai"
	"github.com/habtse/chat-app/pkg/auth"
	"github.com/habtse/chat-app/pkg/database"
	"github.com/habtse/chat-app/pkg/protocol"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

// recordingTransport stands in for *websocket.Conn and keeps every frame
// written to it.
type recordingTransport struct {
	mu         sync.Mutex
	written    [][]byte
	closed     bool
	closeCode  int
	pings      int
	failWrites bool
}

func (r *recordingTransport) WriteMessage(messageType int, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failWrites {
		return errors.New("broken pipe")
	}
	r.written = append(r.written, append([]byte(nil), data...))
	return nil
}

func (r *recordingTransport) WriteControl(messageType int, data []byte, deadline time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch messageType {
	case websocket.PingMessage:
		r.pings++
	case websocket.CloseMessage:
		if len(data) >= 2 {
			r.closeCode = int(data[0])<<8 | int(data[1])
		}
	}
	return nil
}

func (r *recordingTransport) SetWriteDeadline(time.Time) error { return nil }

func (r *recordingTransport) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *recordingTransport) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *recordingTransport) setFailWrites(fail bool) {
	r.mu.Lock()
	r.failWrites = fail
	r.mu.Unlock()
}

// frames decodes everything written so far
func (r *recordingTransport) frames(t *testing.T) []*protocol.Frame {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*protocol.Frame, 0, len(r.written))
	for _, data := range r.written {
		f, err := protocol.DecodeFrame(data)
		require.NoError(t, err)
		out = append(out, f)
	}
	return out
}

// ofType returns the written frames of one type
func (r *recordingTransport) ofType(t *testing.T, ft protocol.FrameType) []*protocol.Frame {
	t.Helper()
	var out []*protocol.Frame
	for _, f := range r.frames(t) {
		if f.Type == ft {
			out = append(out, f)
		}
	}
	return out
}

func (r *recordingTransport) reset() {
	r.mu.Lock()
	r.written = nil
	r.mu.Unlock()
}

func decodeAs[T any](t *testing.T, f *protocol.Frame) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(f.Payload, &v))
	return v
}

// stubProvider records the conversations it is asked to complete
type stubProvider struct {
	mu    sync.Mutex
	calls [][]ai.Turn
	reply string
	err   error
}

func (p *stubProvider) Name() string { return "stub" }

func (p *stubProvider) Complete(ctx context.Context, turns []ai.Turn) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, turns)
	if p.err != nil {
		return "", p.err
	}
	return p.reply, nil
}

func (p *stubProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func (p *stubProvider) lastCall() []ai.Turn {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.calls) == 0 {
		return nil
	}
	return p.calls[len(p.calls)-1]
}

// testGateway is a Server wired to an in-memory store, without listeners
type testGateway struct {
	*Server
	db       *database.MemDB
	jwt      *auth.JWTService
	provider *stubProvider
}

func newTestGateway(t *testing.T, mutate func(*ServerConfig)) *testGateway {
	t.Helper()

	config := DefaultConfig()
	config.HTTPPort = 0
	config.MetricsPort = 0
	config.MetricsLogInterval = 0
	config.AI.ReplyDelay = 0
	if mutate != nil {
		mutate(&config)
	}

	db := database.NewMemDB()
	jwtSvc, err := auth.NewJWTService(testSecret, time.Hour)
	require.NoError(t, err)
	provider := &stubProvider{reply: "beep boop"}

	srv, err := NewServer(config, Dependencies{
		Store:    db,
		Verifier: jwtSvc,
		Provider: provider,
	})
	require.NoError(t, err)

	return &testGateway{Server: srv, db: db, jwt: jwtSvc, provider: provider}
}

func (g *testGateway) user(t *testing.T, name string) *database.User {
	t.Helper()
	u, err := g.db.CreateUser(context.Background(), name+"@example.com", name)
	require.NoError(t, err)
	return u
}

func (g *testGateway) session(t *testing.T, members ...*database.User) *database.ChatSession {
	t.Helper()
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	s, err := g.db.CreateSession(context.Background(), "test", len(members) > 2, ids)
	require.NoError(t, err)
	return s
}

func (g *testGateway) aiUser(t *testing.T) *database.User {
	t.Helper()
	u, err := g.db.GetOrCreateAIParticipant(context.Background())
	require.NoError(t, err)
	return u
}

// connect authenticates a fresh recorded connection for user
func (g *testGateway) connect(t *testing.T, user *database.User) (*Conn, *recordingTransport) {
	t.Helper()
	tr := &recordingTransport{}
	conn := NewConn(tr, "test", time.Second)
	require.NoError(t, conn.authenticate(user.ID))
	require.NoError(t, g.presence.Connect(context.Background(), conn))
	return conn, tr
}

func (g *testGateway) join(t *testing.T, conn *Conn, sessionID string) {
	t.Helper()
	g.subs.Join(conn.UserID(), sessionID)
}

func frameBytes(t *testing.T, ft protocol.FrameType, payload any) []byte {
	t.Helper()
	data, err := protocol.Build(ft, payload)
	require.NoError(t, err)
	return data
}
