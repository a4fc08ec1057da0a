package server

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/habtse/chat-app/pkg/ai"
	"github.com/habtse/chat-app/pkg/database"
)

// AIJob asks the AI participant to answer Trigger in its session
type AIJob struct {
	SessionID string
	Trigger   *database.Message
}

// AIBridgeConfig tunes the AI responder
type AIBridgeConfig struct {
	Workers      int
	QueueSize    int
	HistoryLimit int
	Timeout      time.Duration
	ReplyDelay   time.Duration
	SystemPrompt string
	ErrorReply   string // sent instead of nothing when the provider fails; empty disables
}

func (c AIBridgeConfig) withDefaults() AIBridgeConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 256
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = 10
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.SystemPrompt == "" {
		c.SystemPrompt = ai.DefaultSystemPrompt
	}
	return c
}

// AIBridge turns AI jobs into persisted replies. Jobs run on a fixed pool of
// workers; a reply is broadcast ReplyDelay after it is stored.
type AIBridge struct {
	cfg      AIBridgeConfig
	store    database.Store
	provider ai.Provider
	identity *aiIdentity
	deliver  func(ctx context.Context, msg *database.Message) int
	metrics  *Metrics

	mu      sync.RWMutex // Guards closed against Enqueue racing Stop
	closed  bool
	queue   chan AIJob
	workers sync.WaitGroup
	pending sync.WaitGroup // delayed deliveries
}

// NewAIBridge creates a bridge. Call Start to launch the workers.
func NewAIBridge(cfg AIBridgeConfig, store database.Store, provider ai.Provider, identity *aiIdentity,
	deliver func(ctx context.Context, msg *database.Message) int, metrics *Metrics) *AIBridge {
	cfg = cfg.withDefaults()
	return &AIBridge{
		cfg:      cfg,
		store:    store,
		provider: provider,
		identity: identity,
		deliver:  deliver,
		metrics:  metrics,
		queue:    make(chan AIJob, cfg.QueueSize),
	}
}

// Start launches the worker goroutines
func (b *AIBridge) Start() {
	for i := 0; i < b.cfg.Workers; i++ {
		b.workers.Add(1)
		go b.worker()
	}
	log.Printf("AI responder started (%s, %d workers)", b.provider.Name(), b.cfg.Workers)
}

// Enqueue hands a job to the workers without blocking. It returns false when
// the queue is full or the bridge has stopped.
func (b *AIBridge) Enqueue(job AIJob) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		b.metrics.RecordAIJob("rejected")
		return false
	}
	select {
	case b.queue <- job:
		b.metrics.RecordAIJob("queued")
		return true
	default:
		b.metrics.RecordAIJob("dropped")
		return false
	}
}

// Stop refuses new jobs, finishes the queued ones and waits for delayed
// replies to go out.
func (b *AIBridge) Stop() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	close(b.queue)
	b.mu.Unlock()

	b.workers.Wait()
	b.pending.Wait()
}

func (b *AIBridge) worker() {
	defer b.workers.Done()
	for job := range b.queue {
		b.run(job)
	}
}

func (b *AIBridge) run(job AIJob) {
	defer func() {
		if r := recover(); r != nil {
			errorLog.Printf("Session %s: ai job panicked: %v", job.SessionID, r)
			b.metrics.RecordAIJob("panic")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), b.cfg.Timeout)
	defer cancel()

	aiID, err := b.identity.ID(ctx)
	if err != nil {
		errorLog.Printf("Session %s: %v", job.SessionID, err)
		b.metrics.RecordAIJob("store_error")
		return
	}

	turns, err := b.conversation(ctx, job, aiID)
	if err != nil {
		errorLog.Printf("Session %s: failed to load ai history: %v", job.SessionID, err)
		b.metrics.RecordAIJob("store_error")
		return
	}

	start := time.Now()
	reply, err := b.provider.Complete(ctx, turns)
	b.metrics.RecordAILatency(time.Since(start).Seconds())
	if err != nil {
		errorLog.Printf("Session %s: %s completion failed: %v", job.SessionID, b.provider.Name(), err)
		if b.cfg.ErrorReply == "" || errors.Is(err, context.Canceled) {
			b.metrics.RecordAIJob("provider_error")
			return
		}
		reply = b.cfg.ErrorReply
	}

	msg, err := b.store.CreateMessage(ctx, job.SessionID, aiID, reply)
	if err != nil {
		errorLog.Printf("Session %s: failed to persist ai reply: %v", job.SessionID, err)
		b.metrics.RecordStoreError("create_message")
		b.metrics.RecordAIJob("store_error")
		return
	}
	b.metrics.RecordMessagePersisted()
	b.metrics.RecordAIJob("completed")
	debugLog.Printf("Session %s: ai reply %s stored (%d chars)", job.SessionID, msg.ID, len(msg.Content))

	b.schedule(msg)
}

// schedule broadcasts msg after the configured delay
func (b *AIBridge) schedule(msg *database.Message) {
	if b.cfg.ReplyDelay <= 0 {
		b.deliver(context.Background(), msg)
		return
	}
	b.pending.Add(1)
	time.AfterFunc(b.cfg.ReplyDelay, func() {
		defer b.pending.Done()
		b.deliver(context.Background(), msg)
	})
}

// conversation builds the provider input: the system prompt, the recent
// history without the trigger, then the trigger as the newest user turn.
func (b *AIBridge) conversation(ctx context.Context, job AIJob, aiID string) ([]ai.Turn, error) {
	history, err := b.store.GetRecentMessages(ctx, job.SessionID, b.cfg.HistoryLimit+1)
	if err != nil {
		return nil, err
	}

	kept := make([]*database.Message, 0, len(history))
	for _, m := range history {
		if job.Trigger != nil && m.ID == job.Trigger.ID {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) > b.cfg.HistoryLimit {
		kept = kept[len(kept)-b.cfg.HistoryLimit:]
	}

	turns := make([]ai.Turn, 0, len(kept)+2)
	turns = append(turns, ai.Turn{Role: ai.RoleSystem, Content: b.cfg.SystemPrompt})
	for _, m := range kept {
		turns = append(turns, ai.Turn{Role: roleFor(m.SenderID, aiID), Content: m.Content})
	}
	if job.Trigger != nil {
		turns = append(turns, ai.Turn{Role: ai.RoleUser, Content: job.Trigger.Content})
	}
	return turns, nil
}

func roleFor(senderID, aiID string) ai.Role {
	if senderID == aiID {
		return ai.RoleAssistant
	}
	return ai.RoleUser
}
