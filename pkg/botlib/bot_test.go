package botlib

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/habtse/chat-app/pkg/auth"
	"github.com/habtse/chat-app/pkg/database"
	"github.com/habtse/chat-app/pkg/protocol"
	"github.com/habtse/chat-app/pkg/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type gateway struct {
	url string
	db  *database.MemDB
	jwt *auth.JWTService
}

func startGateway(t *testing.T) *gateway {
	t.Helper()

	config := server.DefaultConfig()
	config.MetricsPort = 0
	config.MetricsLogInterval = 0

	db := database.NewMemDB()
	jwtSvc, err := auth.NewJWTService("botlib-secret", time.Hour)
	require.NoError(t, err)

	srv, err := server.NewServer(config, server.Dependencies{Store: db, Verifier: jwtSvc})
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(srv.HandleWebSocket))
	t.Cleanup(func() {
		srv.Stop()
		ts.Close()
	})

	return &gateway{
		url: "ws" + strings.TrimPrefix(ts.URL, "http"),
		db:  db,
		jwt: jwtSvc,
	}
}

func (g *gateway) token(t *testing.T, user *database.User) string {
	t.Helper()
	token, err := g.jwt.Generate(user.ID)
	require.NoError(t, err)
	return token
}

// syncJoins waits for a MARK_READ round trip, which the gateway answers
// only after handling the JOIN frames sent before it.
func syncJoins(t *testing.T, b *Bot, sessionID string) {
	t.Helper()
	_, err := b.MarkRead(sessionID)
	require.NoError(t, err)
}

func quietLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func TestBotEchoesMessages(t *testing.T) {
	g := startGateway(t)
	ctx := context.Background()

	alice, err := g.db.CreateUser(ctx, "alice@example.com", "alice")
	require.NoError(t, err)
	echo, err := g.db.CreateUser(ctx, "echo@example.com", "Echo")
	require.NoError(t, err)
	sess, err := g.db.CreateSession(ctx, "echo", false, []string{alice.ID, echo.ID})
	require.NoError(t, err)

	bot := New(Config{
		URL:      g.url,
		Token:    g.token(t, echo),
		Name:     "Echo",
		Sessions: []string{sess.ID},
		Logger:   quietLogger(),
	})
	bot.OnMessage(func(c *Context, msg *Message) {
		c.Reply("echo: " + msg.Content)
	})
	require.NoError(t, bot.Connect(ctx))
	defer bot.Close()
	syncJoins(t, bot, sess.ID)
	assert.Equal(t, echo.ID, bot.UserID())
	assert.Equal(t, []string{sess.ID}, bot.Sessions())

	replies := make(chan *Message, 4)
	user := New(Config{
		URL:      g.url,
		Token:    g.token(t, alice),
		Sessions: []string{sess.ID},
		Logger:   quietLogger(),
	})
	user.OnMessage(func(c *Context, msg *Message) {
		replies <- msg
	})
	require.NoError(t, user.Connect(ctx))
	defer user.Close()
	syncJoins(t, user, sess.ID)

	require.NoError(t, user.Send(sess.ID, "hello"))

	select {
	case msg := <-replies:
		assert.Equal(t, "echo: hello", msg.Content)
		assert.Equal(t, echo.ID, msg.SenderID)
		assert.Equal(t, "Echo", msg.SenderName)
		assert.Equal(t, sess.ID, msg.SessionID)
	case <-time.After(3 * time.Second):
		t.Fatal("no echo received")
	}

	marked, err := user.MarkRead(sess.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, marked)
}

func TestBotMentionAndTypingHandlers(t *testing.T) {
	g := startGateway(t)
	ctx := context.Background()

	alice, err := g.db.CreateUser(ctx, "alice@example.com", "alice")
	require.NoError(t, err)
	helper, err := g.db.CreateUser(ctx, "helper@example.com", "Helper")
	require.NoError(t, err)
	sess, err := g.db.CreateSession(ctx, "help", false, []string{alice.ID, helper.ID})
	require.NoError(t, err)

	mentions := make(chan string, 2)
	typing := make(chan Typing, 2)
	bot := New(Config{
		URL:      g.url,
		Token:    g.token(t, helper),
		Name:     "Helper",
		Sessions: []string{sess.ID},
		Logger:   quietLogger(),
	})
	bot.OnMention(func(c *Context, msg *Message) {
		mentions <- msg.MentionedContent()
	})
	bot.OnTyping(func(tp Typing) { typing <- tp })
	require.NoError(t, bot.Connect(ctx))
	defer bot.Close()
	syncJoins(t, bot, sess.ID)

	user := New(Config{URL: g.url, Token: g.token(t, alice), Logger: quietLogger()})
	require.NoError(t, user.Connect(ctx))
	defer user.Close()

	require.NoError(t, user.SetTyping(sess.ID, true))
	select {
	case tp := <-typing:
		assert.Equal(t, alice.ID, tp.UserID)
		assert.True(t, tp.IsTyping)
	case <-time.After(3 * time.Second):
		t.Fatal("no typing indicator received")
	}

	require.NoError(t, user.Send(sess.ID, "@Helper status please"))
	select {
	case got := <-mentions:
		assert.Equal(t, "status please", got)
	case <-time.After(3 * time.Second):
		t.Fatal("mention handler not called")
	}
}

func TestBotConnectRejectedToken(t *testing.T) {
	g := startGateway(t)

	bot := New(Config{URL: g.url, Token: "bogus", Logger: quietLogger()})
	err := bot.Connect(context.Background())
	require.Error(t, err)

	var serverErr *ServerError
	require.True(t, errors.As(err, &serverErr), "got %v", err)
	assert.Equal(t, protocol.ErrCodeAuthFailed, serverErr.Code)
}

func TestBotStatusHandler(t *testing.T) {
	g := startGateway(t)
	ctx := context.Background()

	watcher, err := g.db.CreateUser(ctx, "watcher@example.com", "watcher")
	require.NoError(t, err)
	alice, err := g.db.CreateUser(ctx, "alice@example.com", "alice")
	require.NoError(t, err)

	statuses := make(chan Status, 4)
	bot := New(Config{URL: g.url, Token: g.token(t, watcher), Logger: quietLogger()})
	bot.OnStatus(func(s Status) {
		if s.UserID == alice.ID {
			statuses <- s
		}
	})
	require.NoError(t, bot.Connect(ctx))
	defer bot.Close()

	user := New(Config{URL: g.url, Token: g.token(t, alice), Logger: quietLogger()})
	require.NoError(t, user.Connect(ctx))

	select {
	case s := <-statuses:
		assert.True(t, s.IsOnline)
	case <-time.After(3 * time.Second):
		t.Fatal("no online status")
	}

	require.NoError(t, user.Close())
	select {
	case s := <-statuses:
		assert.False(t, s.IsOnline)
	case <-time.After(3 * time.Second):
		t.Fatal("no offline status")
	}
}
