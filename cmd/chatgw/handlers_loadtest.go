package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os/signal"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/habtse/chat-app/pkg/botlib"
	"github.com/habtse/chat-app/pkg/database"
	"github.com/habtse/chat-app/pkg/server"
)

const loremIpsum = "Lorem ipsum dolor sit amet, consectetur adipiscing elit, sed do eiusmod tempor incididunt ut labore et dolore magna aliqua. Ut enim ad minim veniam, quis nostrud exercitation ullamco laboris nisi ut aliquip ex ea commodo consequat."

var loremWords = strings.Fields(loremIpsum)

// echoTimeout is how long a client waits for its own message to come back
const echoTimeout = 10 * time.Second

type loadtestOptions struct {
	url      string
	clients  int
	duration time.Duration
	minDelay time.Duration
	maxDelay time.Duration
	rampUp   time.Duration
}

// Stats tracks performance metrics
type Stats struct {
	messagesSent      atomic.Int64
	messagesEchoed    atomic.Int64
	messagesReceived  atomic.Int64
	sendFailures      atomic.Int64
	timeouts          atomic.Int64
	totalResponseTime atomic.Int64 // in microseconds
	connectionErrors  atomic.Int64
	successfulClients atomic.Int64
	disconnections    atomic.Int64
}

func (s *Stats) recordEcho(responseTimeUs int64) {
	s.messagesEchoed.Add(1)
	s.totalResponseTime.Add(responseTimeUs)
}

func (s *Stats) snapshot() (sent, echoed, received int64, avgResponseUs float64) {
	sent = s.messagesSent.Load()
	echoed = s.messagesEchoed.Load()
	received = s.messagesReceived.Load()
	if echoed > 0 {
		avgResponseUs = float64(s.totalResponseTime.Load()) / float64(echoed)
	}
	return
}

// loadClient is one simulated user
type loadClient struct {
	id        int
	bot       *botlib.Bot
	sessionID string
	stats     *Stats

	// content -> send time, for messages not yet echoed back
	pendingMu sync.Mutex
	pending   map[string]time.Time
}

func newLoadClient(id int, url, token, sessionID string, stats *Stats) *loadClient {
	lc := &loadClient{
		id:        id,
		sessionID: sessionID,
		stats:     stats,
		pending:   make(map[string]time.Time),
	}
	lc.bot = botlib.New(botlib.Config{
		URL:        url,
		Token:      token,
		Sessions:   []string{sessionID},
		IncludeOwn: true,
		Logger:     log.New(io.Discard, "", 0),
	})
	lc.bot.OnMessage(lc.onMessage)
	return lc
}

func (lc *loadClient) onMessage(_ *botlib.Context, msg *botlib.Message) {
	if !msg.FromSelf() {
		lc.stats.messagesReceived.Add(1)
		return
	}
	lc.pendingMu.Lock()
	sentAt, ok := lc.pending[msg.Content]
	delete(lc.pending, msg.Content)
	lc.pendingMu.Unlock()
	if ok {
		lc.stats.recordEcho(time.Since(sentAt).Microseconds())
	}
}

func (lc *loadClient) sendRandomMessage(seq int) error {
	n := 3 + rand.Intn(12)
	words := make([]string, n)
	for i := range words {
		words[i] = loremWords[rand.Intn(len(loremWords))]
	}
	content := fmt.Sprintf("[%d.%d] %s", lc.id, seq, strings.Join(words, " "))

	lc.pendingMu.Lock()
	lc.pending[content] = time.Now()
	lc.pendingMu.Unlock()

	if err := lc.bot.Send(lc.sessionID, content); err != nil {
		lc.pendingMu.Lock()
		delete(lc.pending, content)
		lc.pendingMu.Unlock()
		return err
	}
	lc.stats.messagesSent.Add(1)
	return nil
}

// expirePending counts messages that never came back within echoTimeout
func (lc *loadClient) expirePending(now time.Time, all bool) {
	lc.pendingMu.Lock()
	defer lc.pendingMu.Unlock()
	for content, sentAt := range lc.pending {
		if all || now.Sub(sentAt) > echoTimeout {
			delete(lc.pending, content)
			lc.stats.timeouts.Add(1)
		}
	}
}

func (lc *loadClient) run(ctx context.Context, minDelay, maxDelay time.Duration) {
	defer lc.bot.Close()

	spread := maxDelay - minDelay
	for seq := 0; ; seq++ {
		delay := minDelay
		if spread > 0 {
			delay += time.Duration(rand.Int63n(int64(spread)))
		}

		select {
		case <-ctx.Done():
			// Give in-flight messages a moment to come back
			time.Sleep(500 * time.Millisecond)
			lc.expirePending(time.Now(), true)
			return
		case <-lc.bot.Done():
			lc.stats.disconnections.Add(1)
			lc.expirePending(time.Now(), true)
			return
		case <-time.After(delay):
		}

		if err := lc.sendRandomMessage(seq); err != nil {
			lc.stats.sendFailures.Add(1)
		}
		lc.expirePending(time.Now(), false)
	}
}

func runLoadtest(ctx context.Context, configPath string, opts loadtestOptions) error {
	if opts.clients <= 0 {
		return errors.New("--clients must be positive")
	}
	if opts.maxDelay < opts.minDelay {
		return errors.New("--max-delay must not be below --min-delay")
	}

	config, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	jwtSvc, err := newJWTService(&config)
	if err != nil {
		return err
	}
	store, err := openStore(&config)
	if err != nil {
		return err
	}

	tokens, sessionID, err := prepareLoadtest(ctx, store, opts.clients, jwtSvc.Generate)
	store.Close()
	if err != nil {
		return err
	}

	log.Printf("Starting load test:")
	log.Printf("  Gateway: %s", opts.url)
	log.Printf("  Clients: %d", opts.clients)
	log.Printf("  Duration: %v", opts.duration)
	log.Printf("  Ramp-up: %v", opts.rampUp)
	log.Printf("  Delay: %v - %v", opts.minDelay, opts.maxDelay)
	log.Printf("  Session: %s", sessionID)

	runCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	runCtx, cancel := context.WithTimeout(runCtx, opts.rampUp+opts.duration)
	defer cancel()

	stats := &Stats{}
	start := time.Now()

	// Stats reporter
	reporterDone := make(chan struct{})
	go func() {
		defer close(reporterDone)
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				sent, echoed, received, avgUs := stats.snapshot()
				elapsed := time.Since(start).Seconds()
				log.Printf("Stats: %d sent (%.1f/s), %d echoed, %d received, %d timeouts, avg %.2fms, goroutines %d",
					sent, float64(sent)/elapsed, echoed, received, stats.timeouts.Load(), avgUs/1000.0, runtime.NumGoroutine())
			case <-runCtx.Done():
				return
			}
		}
	}()

	stagger := time.Duration(0)
	if opts.clients > 1 {
		stagger = opts.rampUp / time.Duration(opts.clients)
	}

	var wg sync.WaitGroup
	for i := 0; i < opts.clients; i++ {
		lc := newLoadClient(i, opts.url, tokens[i], sessionID, stats)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := lc.bot.Connect(runCtx); err != nil {
				stats.connectionErrors.Add(1)
				if lc.id%100 == 0 {
					log.Printf("[Client %d] Connect failed: %v", lc.id, err)
				}
				return
			}
			stats.successfulClients.Add(1)
			lc.run(runCtx, opts.minDelay, opts.maxDelay)
		}()

		if stagger > 0 {
			select {
			case <-time.After(stagger):
			case <-runCtx.Done():
			}
		}
	}

	wg.Wait()
	<-reporterDone

	sent, echoed, received, avgUs := stats.snapshot()
	total := time.Since(start)
	log.Printf("=== Final Results ===")
	log.Printf("Clients: %d attempted, %d successful, %d connection errors, %d dropped",
		opts.clients, stats.successfulClients.Load(), stats.connectionErrors.Load(), stats.disconnections.Load())
	log.Printf("Duration: %v", total.Round(time.Millisecond))
	log.Printf("Messages sent: %d (%.1f/s), %d send failures", sent, float64(sent)/total.Seconds(), stats.sendFailures.Load())
	log.Printf("Echoed to sender: %d, timed out: %d, avg round trip %.2fms", echoed, stats.timeouts.Load(), avgUs/1000.0)
	log.Printf("Delivered to other clients: %d", received)
	return nil
}

// prepareLoadtest creates (or reuses) one user per client plus a group
// session containing all of them, and mints a token per user.
func prepareLoadtest(ctx context.Context, store database.Store, clients int, mint func(string) (string, error)) ([]string, string, error) {
	ids := make([]string, clients)
	tokens := make([]string, clients)
	for i := 0; i < clients; i++ {
		email := fmt.Sprintf("loadtest-%d@example.com", i)
		u, err := store.GetUserByEmail(ctx, email)
		if errors.Is(err, database.ErrNotFound) {
			u, err = store.CreateUser(ctx, email, fmt.Sprintf("Load %d", i))
		}
		if err != nil {
			return nil, "", fmt.Errorf("failed to prepare %s: %w", email, err)
		}
		ids[i] = u.ID
		if tokens[i], err = mint(u.ID); err != nil {
			return nil, "", fmt.Errorf("failed to sign token: %w", err)
		}
	}

	sess, err := store.CreateSession(ctx, fmt.Sprintf("Load test %s", time.Now().Format(time.RFC3339)), true, ids)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create session: %w", err)
	}
	return tokens, sess.ID, nil
}
