package botlib

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/habtse/chat-app/pkg/protocol"
)

// MessageHandler is called when a new message is received.
type MessageHandler func(ctx *Context, msg *Message)

// TypingHandler is called when another member starts or stops typing.
type TypingHandler func(t Typing)

// StatusHandler is called when a user comes online or goes offline.
type StatusHandler func(s Status)

// Config holds the bot configuration.
type Config struct {
	// WebSocket endpoint (ws://host:port/ws)
	URL string

	// Signed token presented in CONNECT
	Token string

	// Display name used for mention detection (optional)
	Name string

	// Sessions to open once connected
	Sessions []string

	// Receive the bot's own messages as well
	IncludeOwn bool

	// Logger for debug output (optional, defaults to stdout)
	Logger *log.Logger

	// ResponseTimeout for request/response operations (default: 10s)
	ResponseTimeout time.Duration
}

// Bot represents a chat gateway bot instance.
type Bot struct {
	config Config
	conn   *connection
	logger *log.Logger

	userID string

	// Sessions the bot is viewing
	sessions   map[string]bool
	sessionsMu sync.RWMutex

	// Request/response calls share one response channel
	reqMu sync.Mutex

	// Handlers
	onMessage MessageHandler
	onMention MessageHandler
	onTyping  TypingHandler
	onStatus  StatusHandler

	// Broadcasts are handled off the receive goroutine so handlers can
	// make request/response calls
	events  chan *protocol.Frame
	dropped int64

	// Lifecycle
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new Bot with the given configuration.
func New(config Config) *Bot {
	if config.Logger == nil {
		config.Logger = log.New(os.Stdout, "[bot] ", log.LstdFlags)
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = 10 * time.Second
	}

	return &Bot{
		config:   config,
		logger:   config.Logger,
		sessions: make(map[string]bool),
		events:   make(chan *protocol.Frame, 256),
		stopCh:   make(chan struct{}),
	}
}

// OnMessage registers a handler for all new messages.
func (b *Bot) OnMessage(handler MessageHandler) {
	b.onMessage = handler
}

// OnMention registers a handler for messages that mention the bot.
func (b *Bot) OnMention(handler MessageHandler) {
	b.onMention = handler
}

// OnTyping registers a handler for typing indicators.
func (b *Bot) OnTyping(handler TypingHandler) {
	b.onTyping = handler
}

// OnStatus registers a handler for presence changes.
func (b *Bot) OnStatus(handler StatusHandler) {
	b.onStatus = handler
}

// UserID returns the identity the gateway acknowledged, empty before Connect.
func (b *Bot) UserID() string {
	return b.userID
}

// Connect dials the gateway, authenticates and opens the configured
// sessions. Handlers must be registered before calling it.
func (b *Bot) Connect(ctx context.Context) error {
	b.conn = newConnection(b.config.URL)

	b.logger.Printf("Connecting to %s...", b.config.URL)
	if err := b.conn.connect(ctx, b.config.ResponseTimeout); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}

	b.conn.onFrame = b.enqueue

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.conn.receiveLoop()
	}()
	go b.dispatchLoop()

	b.reqMu.Lock()
	err := b.conn.sendFrame(&protocol.Frame{Type: protocol.TypeConnect, Token: b.config.Token})
	var frame *protocol.Frame
	if err == nil {
		frame, err = b.conn.waitForResponse(b.config.ResponseTimeout)
	}
	b.reqMu.Unlock()
	if err != nil {
		b.Close()
		return fmt.Errorf("authenticate: %w", err)
	}
	if err := expectType(frame, protocol.TypeConnected); err != nil {
		b.Close()
		return fmt.Errorf("authenticate: %w", err)
	}
	var ack protocol.ConnectedMessage
	if err := frame.DecodePayload(&ack); err != nil {
		b.Close()
		return fmt.Errorf("decode CONNECTED: %w", err)
	}
	b.userID = ack.UserID
	b.logger.Printf("Authenticated as %s", b.userID)

	for _, id := range b.config.Sessions {
		if err := b.Join(id); err != nil {
			b.Close()
			return fmt.Errorf("join session %s: %w", id, err)
		}
		b.logger.Printf("Joined session: %s", id)
	}

	return nil
}

// Run connects to the gateway and processes messages.
// Blocks until Stop() is called, a signal arrives or the connection is lost.
func (b *Bot) Run() error {
	if err := b.Connect(context.Background()); err != nil {
		return err
	}

	b.logger.Printf("Bot is running. Press Ctrl+C to stop.")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var lost error
	select {
	case <-sigCh:
		b.logger.Printf("Shutdown signal received")
	case <-b.stopCh:
		b.logger.Printf("Stop requested")
	case <-b.conn.done:
		lost = fmt.Errorf("connection lost: %v", b.conn.err)
	}

	b.Close()
	return lost
}

// Stop makes Run return.
func (b *Bot) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Done is closed when the connection to the gateway ends.
func (b *Bot) Done() <-chan struct{} {
	return b.conn.done
}

// Close disconnects and waits for the bot's goroutines.
func (b *Bot) Close() error {
	b.Stop()
	if b.conn == nil {
		return nil
	}
	err := b.conn.close()
	b.wg.Wait()
	if n := b.dropped; n > 0 {
		b.logger.Printf("Dropped %d broadcasts while handlers were busy", n)
	}
	b.logger.Printf("Bot stopped")
	return err
}

// Join starts receiving a session's messages.
func (b *Bot) Join(sessionID string) error {
	if err := b.conn.send(protocol.TypeJoinSession, protocol.SessionPayload{SessionID: sessionID}); err != nil {
		return err
	}
	b.sessionsMu.Lock()
	b.sessions[sessionID] = true
	b.sessionsMu.Unlock()
	return nil
}

// Leave stops receiving a session's messages.
func (b *Bot) Leave(sessionID string) error {
	if err := b.conn.send(protocol.TypeLeaveSession, protocol.SessionPayload{SessionID: sessionID}); err != nil {
		return err
	}
	b.sessionsMu.Lock()
	delete(b.sessions, sessionID)
	b.sessionsMu.Unlock()
	return nil
}

// Sessions returns the sessions the bot is viewing.
func (b *Bot) Sessions() []string {
	b.sessionsMu.RLock()
	defer b.sessionsMu.RUnlock()
	out := make([]string, 0, len(b.sessions))
	for id := range b.sessions {
		out = append(out, id)
	}
	return out
}

// Send posts a message. The gateway does not acknowledge sends; the
// message comes back as a NEW_MESSAGE if the bot is viewing the session.
func (b *Bot) Send(sessionID, content string) error {
	return b.conn.send(protocol.TypeSendMessage, protocol.SendMessagePayload{SessionID: sessionID, Content: content})
}

// SetTyping toggles the bot's typing indicator in a session.
func (b *Bot) SetTyping(sessionID string, typing bool) error {
	ft := protocol.TypeTypingStop
	if typing {
		ft = protocol.TypeTypingStart
	}
	return b.conn.send(ft, protocol.SessionPayload{SessionID: sessionID})
}

// MarkRead marks a session read and returns how many messages changed.
func (b *Bot) MarkRead(sessionID string) (int64, error) {
	b.reqMu.Lock()
	defer b.reqMu.Unlock()

	if err := b.conn.send(protocol.TypeMarkRead, protocol.SessionPayload{SessionID: sessionID}); err != nil {
		return 0, err
	}
	frame, err := b.conn.waitForResponse(b.config.ResponseTimeout)
	if err != nil {
		return 0, fmt.Errorf("mark read: %w", err)
	}
	if err := expectType(frame, protocol.TypeMarkRead); err != nil {
		return 0, err
	}
	var ack protocol.MarkReadMessage
	if err := frame.DecodePayload(&ack); err != nil {
		return 0, fmt.Errorf("decode response: %w", err)
	}
	return ack.MarkedCount, nil
}

func (b *Bot) enqueue(frame *protocol.Frame) {
	select {
	case b.events <- frame:
	default:
		b.dropped++
	}
}

func (b *Bot) dispatchLoop() {
	defer b.wg.Done()
	for {
		select {
		case frame := <-b.events:
			b.handleFrame(frame)
		case <-b.conn.done:
			return
		}
	}
}

func (b *Bot) handleFrame(frame *protocol.Frame) {
	switch frame.Type {
	case protocol.TypeNewMessage:
		b.handleNewMessage(frame)
	case protocol.TypeTypingIndicator:
		if b.onTyping == nil {
			return
		}
		var p protocol.TypingIndicatorMessage
		if err := frame.DecodePayload(&p); err != nil {
			b.logger.Printf("Failed to decode TYPING_INDICATOR: %v", err)
			return
		}
		b.onTyping(Typing{SessionID: p.SessionID, UserID: p.UserID, IsTyping: p.IsTyping})
	case protocol.TypeUserStatusUpdate:
		if b.onStatus == nil {
			return
		}
		var p protocol.UserStatusUpdateMessage
		if err := frame.DecodePayload(&p); err != nil {
			b.logger.Printf("Failed to decode USER_STATUS_UPDATE: %v", err)
			return
		}
		b.onStatus(Status{UserID: p.UserID, IsOnline: p.IsOnline})
	case protocol.TypeReadReceipt:
		// Not surfaced
	default:
		b.logger.Printf("Received broadcast type %s", frame.Type)
	}
}

func (b *Bot) handleNewMessage(frame *protocol.Frame) {
	var p protocol.NewMessageMessage
	if err := frame.DecodePayload(&p); err != nil {
		b.logger.Printf("Failed to decode NEW_MESSAGE: %v", err)
		return
	}

	msg := &Message{
		ID:         p.MessageID,
		SessionID:  p.SessionID,
		SenderID:   p.SenderID,
		SenderName: p.SenderName,
		Content:    p.Content,
		CreatedAt:  p.CreatedAt,
		botUserID:  b.userID,
		botName:    b.config.Name,
	}

	if msg.FromSelf() && !b.config.IncludeOwn {
		return
	}

	ctx := &Context{bot: b, message: msg}

	if !msg.FromSelf() && msg.MentionsMe() && b.onMention != nil {
		b.onMention(ctx, msg)
		return
	}

	if b.onMessage != nil {
		b.onMessage(ctx, msg)
	}
}
