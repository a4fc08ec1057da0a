package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/habtse/chat-app/pkg/ai"
	"github.com/habtse/chat-app/pkg/database"
	"github.com/habtse/chat-app/pkg/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deliveries collects what the bridge hands to the broadcaster
type deliveries struct {
	mu   sync.Mutex
	msgs []*database.Message
	got  chan struct{}
}

func newDeliveries() *deliveries {
	return &deliveries{got: make(chan struct{}, 16)}
}

func (d *deliveries) deliver(_ context.Context, msg *database.Message) int {
	d.mu.Lock()
	d.msgs = append(d.msgs, msg)
	d.mu.Unlock()
	d.got <- struct{}{}
	return 1
}

func (d *deliveries) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.msgs)
}

type bridgeFixture struct {
	db       *database.MemDB
	provider *stubProvider
	out      *deliveries
	bridge   *AIBridge
	human    *database.User
	bot      *database.User
	session  *database.ChatSession
}

func newBridgeFixture(t *testing.T, cfg AIBridgeConfig) *bridgeFixture {
	t.Helper()
	ctx := context.Background()
	db := database.NewMemDB()
	human, err := db.CreateUser(ctx, "alice@example.com", "alice")
	require.NoError(t, err)
	bot, err := db.GetOrCreateAIParticipant(ctx)
	require.NoError(t, err)
	sess, err := db.CreateSession(ctx, "ai chat", false, []string{human.ID, bot.ID})
	require.NoError(t, err)

	f := &bridgeFixture{
		db:       db,
		provider: &stubProvider{reply: "Hi! How can I help?"},
		out:      newDeliveries(),
		human:    human,
		bot:      bot,
		session:  sess,
	}
	f.bridge = NewAIBridge(cfg, db, f.provider, &aiIdentity{store: db}, f.out.deliver, nil)
	return f
}

func (f *bridgeFixture) say(t *testing.T, sender *database.User, content string) *database.Message {
	t.Helper()
	msg, err := f.db.CreateMessage(context.Background(), f.session.ID, sender.ID, content)
	require.NoError(t, err)
	return msg
}

func TestAIBridgeConversation(t *testing.T) {
	f := newBridgeFixture(t, AIBridgeConfig{HistoryLimit: 3})
	f.say(t, f.human, "first")
	f.say(t, f.human, "what is 2+2?")
	f.say(t, f.bot, "4")
	f.say(t, f.human, "and 3+3?")
	trigger := f.say(t, f.human, "thanks")

	turns, err := f.bridge.conversation(context.Background(), AIJob{SessionID: f.session.ID, Trigger: trigger}, f.bot.ID)
	require.NoError(t, err)

	assert.Equal(t, []ai.Turn{
		{Role: ai.RoleSystem, Content: ai.DefaultSystemPrompt},
		{Role: ai.RoleUser, Content: "what is 2+2?"},
		{Role: ai.RoleAssistant, Content: "4"},
		{Role: ai.RoleUser, Content: "and 3+3?"},
		{Role: ai.RoleUser, Content: "thanks"},
	}, turns)
}

func TestAIBridgeRepliesAndDelivers(t *testing.T) {
	f := newBridgeFixture(t, AIBridgeConfig{Workers: 1})
	f.bridge.Start()
	defer f.bridge.Stop()

	trigger := f.say(t, f.human, "hello bot")
	require.True(t, f.bridge.Enqueue(AIJob{SessionID: f.session.ID, Trigger: trigger}))

	select {
	case <-f.out.got:
	case <-time.After(2 * time.Second):
		t.Fatal("ai reply was not delivered")
	}

	reply := f.out.msgs[0]
	assert.Equal(t, f.bot.ID, reply.SenderID)
	assert.Equal(t, database.AIParticipantName, reply.SenderName)
	assert.Equal(t, "Hi! How can I help?", reply.Content)

	stored, err := f.db.GetRecentMessages(context.Background(), f.session.ID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, reply.ID, stored[1].ID)

	last := f.provider.lastCall()
	require.NotEmpty(t, last)
	assert.Equal(t, ai.Turn{Role: ai.RoleUser, Content: "hello bot"}, last[len(last)-1])
}

func TestAIBridgeDelaysReply(t *testing.T) {
	f := newBridgeFixture(t, AIBridgeConfig{Workers: 1, ReplyDelay: 50 * time.Millisecond})
	f.bridge.Start()

	trigger := f.say(t, f.human, "hello")
	start := time.Now()
	require.True(t, f.bridge.Enqueue(AIJob{SessionID: f.session.ID, Trigger: trigger}))

	select {
	case <-f.out.got:
		assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	case <-time.After(2 * time.Second):
		t.Fatal("ai reply was not delivered")
	}
	f.bridge.Stop()
}

func TestAIBridgeStopFlushesPendingReplies(t *testing.T) {
	f := newBridgeFixture(t, AIBridgeConfig{Workers: 1, ReplyDelay: 30 * time.Millisecond})
	f.bridge.Start()

	trigger := f.say(t, f.human, "hello")
	require.True(t, f.bridge.Enqueue(AIJob{SessionID: f.session.ID, Trigger: trigger}))
	f.bridge.Stop()

	assert.Equal(t, 1, f.out.count())
	assert.False(t, f.bridge.Enqueue(AIJob{SessionID: f.session.ID, Trigger: trigger}), "stopped bridge rejects jobs")
	f.bridge.Stop()
}

func TestAIBridgeProviderFailure(t *testing.T) {
	tests := []struct {
		name       string
		errorReply string
		wantReply  bool
	}{
		{name: "no fallback", errorReply: "", wantReply: false},
		{name: "fallback reply", errorReply: "Sorry, try again later.", wantReply: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newBridgeFixture(t, AIBridgeConfig{Workers: 1, ErrorReply: tt.errorReply})
			f.provider.err = errors.New("rate limited")

			trigger := f.say(t, f.human, "hello")
			f.bridge.run(AIJob{SessionID: f.session.ID, Trigger: trigger})

			stored, err := f.db.GetRecentMessages(context.Background(), f.session.ID, 10)
			require.NoError(t, err)
			if !tt.wantReply {
				assert.Len(t, stored, 1)
				assert.Equal(t, 0, f.out.count())
				return
			}
			require.Len(t, stored, 2)
			assert.Equal(t, tt.errorReply, stored[1].Content)
			assert.Equal(t, 1, f.out.count())
		})
	}
}

func TestAIBridgePersistFailureSkipsDelivery(t *testing.T) {
	f := newBridgeFixture(t, AIBridgeConfig{Workers: 1})
	f.bridge.store = failingMessageStore{f.db}

	trigger := f.say(t, f.human, "hello")
	f.bridge.run(AIJob{SessionID: f.session.ID, Trigger: trigger})

	assert.Equal(t, 1, f.provider.callCount())
	assert.Equal(t, 0, f.out.count())
	stored, err := f.db.GetRecentMessages(context.Background(), f.session.ID, 10)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, trigger.ID, stored[0].ID)
}

func TestAIBridgeQueueFull(t *testing.T) {
	f := newBridgeFixture(t, AIBridgeConfig{QueueSize: 2})
	trigger := f.say(t, f.human, "hello")
	job := AIJob{SessionID: f.session.ID, Trigger: trigger}

	// Not started: nothing drains the queue
	assert.True(t, f.bridge.Enqueue(job))
	assert.True(t, f.bridge.Enqueue(job))
	assert.False(t, f.bridge.Enqueue(job))
}

func TestAIBridgeUnconfiguredProvider(t *testing.T) {
	f := newBridgeFixture(t, AIBridgeConfig{})
	f.bridge.provider = ai.Unconfigured{}

	trigger := f.say(t, f.human, "hello")
	f.bridge.run(AIJob{SessionID: f.session.ID, Trigger: trigger})

	require.Equal(t, 1, f.out.count())
	assert.Equal(t, ai.UnconfiguredReply, f.out.msgs[0].Content)
}

func TestAIRoundTripThroughRelay(t *testing.T) {
	g := newTestGateway(t, nil)
	g.bridge.Start()
	defer g.bridge.Stop()

	alice := g.user(t, "alice")
	bot := g.aiUser(t)
	sess := g.session(t, alice, bot)
	conn, tr := g.connect(t, alice)
	g.join(t, conn, sess.ID)
	tr.reset()

	_, err := g.relay.HandleSend(context.Background(), conn, sess.ID, "hi")
	require.NoError(t, err)

	deadline := time.Now().Add(2 * time.Second)
	for len(tr.ofType(t, protocol.TypeNewMessage)) < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("expected own message and ai reply, got %d frames", len(tr.frames(t)))
		}
		time.Sleep(10 * time.Millisecond)
	}

	msgs := tr.ofType(t, protocol.TypeNewMessage)
	reply := decodeAs[protocol.NewMessageMessage](t, msgs[1])
	assert.Equal(t, bot.ID, reply.SenderID)
	assert.Equal(t, "beep boop", reply.Content)
	assert.Equal(t, 1, g.provider.callCount())
}

func TestRoleFor(t *testing.T) {
	for _, tc := range []struct {
		sender string
		want   ai.Role
	}{
		{"ai", ai.RoleAssistant},
		{"alice", ai.RoleUser},
		{"", ai.RoleUser},
	} {
		t.Run(fmt.Sprintf("sender=%q", tc.sender), func(t *testing.T) {
			assert.Equal(t, tc.want, roleFor(tc.sender, "ai"))
		})
	}
}
