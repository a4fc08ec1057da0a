package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/habtse/chat-app/pkg/ai"
	"github.com/habtse/chat-app/pkg/auth"
	"github.com/habtse/chat-app/pkg/database"
	"github.com/habtse/chat-app/pkg/presence"
)

var (
	errorLog = log.New(os.Stderr, "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)
)

// Server is the chat gateway: it accepts WebSocket connections, authenticates
// them and routes chat traffic between session members.
type Server struct {
	store    database.Store
	verifier auth.Verifier
	mirror   presence.Mirror
	config   ServerConfig
	metrics  *Metrics

	registry *Registry
	subs     *SubscriptionTable
	bcast    *broadcaster
	presence *PresenceCoordinator
	relay    *Relay
	bridge   *AIBridge
	upgrader websocket.Upgrader

	listener      net.Listener
	httpServer    *http.Server
	metricsServer *http.Server

	connsMu  sync.Mutex
	conns    map[*Conn]struct{} // every open connection, authenticated or not
	stopping bool

	shutdown  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup // connection read loops
	bgWg      sync.WaitGroup // background loops
	startTime time.Time
}

// ServerConfig holds gateway configuration
type ServerConfig struct {
	HTTPPort           int // 0 picks a free port
	MetricsPort        int // 0 disables the metrics server
	WSPath             string
	AllowedOrigins     []string
	MetricsLogInterval time.Duration

	MaxMessageLength int
	MaxFrameBytes    int64
	AuthTimeout      time.Duration
	PingInterval     time.Duration
	PongTimeout      time.Duration
	WriteTimeout     time.Duration
	StoreTimeout     time.Duration

	CloseSuperseded bool
	NotifyNonMember bool

	AI AIBridgeConfig
}

// DefaultConfig returns default gateway configuration
func DefaultConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:           8080,
		MetricsPort:        9090,
		WSPath:             "/ws",
		MetricsLogInterval: time.Minute,
		MaxMessageLength:   4000,
		MaxFrameBytes:      64 * 1024,
		AuthTimeout:        10 * time.Second,
		PingInterval:       30 * time.Second,
		PongTimeout:        60 * time.Second,
		WriteTimeout:       10 * time.Second,
		StoreTimeout:       5 * time.Second,
		AI: AIBridgeConfig{
			Workers:      4,
			QueueSize:    256,
			HistoryLimit: 10,
			Timeout:      30 * time.Second,
			ReplyDelay:   time.Second,
		},
	}
}

// Dependencies are the collaborators the gateway is built on
type Dependencies struct {
	Store    database.Store
	Verifier auth.Verifier
	Mirror   presence.Mirror // optional, defaults to presence.Nop
	Provider ai.Provider     // optional, defaults to ai.Unconfigured
	Metrics  *Metrics        // optional, nil disables metrics
}

// NewServer creates a new gateway instance
func NewServer(config ServerConfig, deps Dependencies) (*Server, error) {
	if deps.Store == nil {
		return nil, errors.New("server: store is required")
	}
	if deps.Verifier == nil {
		return nil, errors.New("server: token verifier is required")
	}
	if deps.Mirror == nil {
		deps.Mirror = presence.Nop{}
	}
	if deps.Provider == nil {
		deps.Provider = ai.Unconfigured{}
	}
	if config.WSPath == "" {
		config.WSPath = "/ws"
	}

	s := &Server{
		store:     deps.Store,
		verifier:  deps.Verifier,
		mirror:    deps.Mirror,
		config:    config,
		metrics:   deps.Metrics,
		registry:  NewRegistry(),
		subs:      NewSubscriptionTable(),
		conns:     make(map[*Conn]struct{}),
		shutdown:  make(chan struct{}),
		startTime: time.Now(),
	}
	s.bcast = &broadcaster{registry: s.registry, metrics: s.metrics}
	s.presence = &PresenceCoordinator{
		store:           s.store,
		registry:        s.registry,
		subs:            s.subs,
		mirror:          s.mirror,
		bcast:           s.bcast,
		metrics:         s.metrics,
		closeSuperseded: config.CloseSuperseded,
	}

	identity := &aiIdentity{store: s.store}
	s.relay = &Relay{
		store:            s.store,
		subs:             s.subs,
		bcast:            s.bcast,
		metrics:          s.metrics,
		identity:         identity,
		maxMessageLength: config.MaxMessageLength,
	}
	s.bridge = NewAIBridge(config.AI, s.store, deps.Provider, identity, s.relay.BroadcastMessage, s.metrics)
	s.relay.bridge = s.bridge

	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	return s, nil
}

// InitLoggers sets up error and debug loggers under dataDir
func InitLoggers(dataDir string) error {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Error log goes to stderr and errors.log
	errorFile, err := os.OpenFile(filepath.Join(dataDir, "errors.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0666)
	if err != nil {
		return err
	}

	// Startup marker separates runs in errors.log
	startupMsg := fmt.Sprintf("=== Gateway started at %s ===\n", time.Now().Format(time.RFC3339))
	if _, err := errorFile.WriteString(startupMsg); err != nil {
		return err
	}

	errorLog = log.New(io.MultiWriter(os.Stderr, errorFile), "ERROR: ", log.LstdFlags)
	debugLog = log.New(io.Discard, "DEBUG: ", log.LstdFlags)

	// Standard log carries lifecycle lines; server.log is truncated per run
	serverLogFile, err := os.OpenFile(filepath.Join(dataDir, "server.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		return err
	}
	log.SetOutput(io.MultiWriter(os.Stdout, serverLogFile))

	return nil
}

// EnableDebugLogging enables debug logging to debug.log
func EnableDebugLogging(dataDir string) {
	debugLogFile, err := os.OpenFile(filepath.Join(dataDir, "debug.log"), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0666)
	if err != nil {
		log.Printf("Failed to open debug.log: %v", err)
		return
	}

	debugLog = log.New(debugLogFile, "DEBUG: ", log.LstdFlags)
	debugLog.Println("Debug logging enabled")
}

// Start resets persisted presence and starts the public and metrics servers
func (s *Server) Start() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.storeTimeout())
	reset, err := s.store.ResetPresence(ctx, database.AIParticipantEmail)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to reset presence: %w", err)
	}
	if reset > 0 {
		log.Printf("Marked %d users offline from a previous run", reset)
	}

	addr := fmt.Sprintf(":%d", s.config.HTTPPort)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	s.listener = listener

	s.bridge.Start()

	publicMux := http.NewServeMux()
	publicMux.HandleFunc(s.config.WSPath, s.HandleWebSocket)
	s.httpServer = &http.Server{Handler: publicMux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		log.Printf("Public HTTP server listening on %s (%s)", listener.Addr(), s.config.WSPath)
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errorLog.Printf("Public HTTP server error: %v", err)
		}
	}()

	// Metrics HTTP server (internal only - never expose publicly!)
	if s.config.MetricsPort > 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", s.metrics.Handler())
		metricsMux.HandleFunc("/health", s.HealthHandler)
		s.metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", s.config.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Printf("Metrics server listening on %s (/metrics, /health) - INTERNAL ONLY", s.metricsServer.Addr)
			if err := s.metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errorLog.Printf("Metrics server error: %v", err)
			}
		}()
	}

	if s.config.MetricsLogInterval > 0 {
		s.bgWg.Add(1)
		go s.metricsLoggingLoop()
	}

	return nil
}

// Addr returns the address of the public listener, or nil before Start
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop gracefully stops the gateway. Every open connection is closed and
// goes through its normal disconnect path before the store is closed.
func (s *Server) Stop() error {
	var stopErr error
	s.stopOnce.Do(func() {
		log.Println("Graceful shutdown initiated...")
		close(s.shutdown)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		// Hijacked WebSocket connections are not touched by Shutdown
		if s.httpServer != nil {
			if err := s.httpServer.Shutdown(ctx); err != nil {
				log.Printf("Public HTTP server shutdown: %v", err)
			}
		}

		s.connsMu.Lock()
		s.stopping = true
		open := make([]*Conn, 0, len(s.conns))
		for c := range s.conns {
			open = append(open, c)
		}
		s.connsMu.Unlock()

		log.Printf("Closing %d connections...", len(open))
		for _, c := range open {
			c.SafeConn.Close(websocket.CloseGoingAway, "server shutting down")
		}
		s.wg.Wait()

		log.Println("Draining AI responder...")
		s.bridge.Stop()

		s.bgWg.Wait()

		if s.metricsServer != nil {
			if err := s.metricsServer.Shutdown(ctx); err != nil {
				log.Printf("Metrics server shutdown: %v", err)
			}
		}

		if err := s.mirror.Close(); err != nil {
			log.Printf("Error closing presence mirror: %v", err)
		}
		if err := s.store.Close(); err != nil {
			log.Printf("Error during database close: %v", err)
			stopErr = err
			return
		}

		log.Println("Graceful shutdown complete")
	})
	return stopErr
}

// HealthHandler reports liveness and a few counters as JSON
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"ok","connections":%d,"uptime_seconds":%d}`,
		s.registry.Count(), int64(time.Since(s.startTime).Seconds()))
}

func (s *Server) metricsLoggingLoop() {
	defer s.bgWg.Done()

	ticker := time.NewTicker(s.config.MetricsLogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.connsMu.Lock()
			open := len(s.conns)
			s.connsMu.Unlock()
			log.Printf("[METRICS] Online users: %d, open connections: %d, goroutines: %d",
				s.registry.Count(), open, runtime.NumGoroutine())
		}
	}
}

func (s *Server) storeTimeout() time.Duration {
	if s.config.StoreTimeout > 0 {
		return s.config.StoreTimeout
	}
	return 5 * time.Second
}

// trackConn records an open connection. It refuses once Stop has begun.
func (s *Server) trackConn(c *Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()
	if s.stopping {
		return false
	}
	s.conns[c] = struct{}{}
	s.wg.Add(1)
	return true
}

func (s *Server) untrackConn(c *Conn) {
	s.connsMu.Lock()
	delete(s.conns, c)
	s.connsMu.Unlock()
	s.wg.Done()
}
