package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/habtse/chat-app/pkg/ai"
	"github.com/habtse/chat-app/pkg/auth"
	"github.com/habtse/chat-app/pkg/database"
	"github.com/habtse/chat-app/pkg/presence"
	"github.com/habtse/chat-app/pkg/server"
)

var errNoSecret = errors.New("auth.jwt_secret is not set (use the config file, CHATGW_AUTH_JWT_SECRET or JWT_SECRET)")

func runServe(ctx context.Context, configPath string, debug bool) error {
	config, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	dataDir, err := config.GetDataDir()
	if err != nil {
		return err
	}
	if err := server.InitLoggers(dataDir); err != nil {
		return fmt.Errorf("failed to initialize loggers: %w", err)
	}
	if debug {
		server.EnableDebugLogging(dataDir)
	}

	verifier, err := newJWTService(&config)
	if err != nil {
		return err
	}

	store, err := openStore(&config)
	if err != nil {
		return err
	}
	log.Printf("Store: %s", config.Database.Driver)

	var mirror presence.Mirror = presence.Nop{}
	if config.Redis.Enabled {
		m, err := presence.NewRedisMirror(ctx, config.PresenceConfig())
		if err != nil {
			store.Close()
			return fmt.Errorf("failed to connect to redis: %w", err)
		}
		mirror = m
		log.Printf("Presence mirror: redis at %s", config.Redis.Addr)
	}

	provider, err := ai.NewProvider(config.AIConfig())
	if err != nil {
		mirror.Close()
		store.Close()
		return fmt.Errorf("failed to create ai provider: %w", err)
	}
	log.Printf("AI provider: %s", provider.Name())

	srv, err := server.NewServer(config.ToServerConfig(), server.Dependencies{
		Store:    store,
		Verifier: verifier,
		Mirror:   mirror,
		Provider: provider,
		Metrics:  server.NewMetrics(),
	})
	if err != nil {
		mirror.Close()
		store.Close()
		return fmt.Errorf("failed to create server: %w", err)
	}

	if err := srv.Start(); err != nil {
		srv.Stop()
		return fmt.Errorf("failed to start server: %w", err)
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	log.Println("Shutdown signal received")
	return srv.Stop()
}

func newJWTService(config *server.TOMLConfig) (*auth.JWTService, error) {
	if strings.TrimSpace(config.Auth.JWTSecret) == "" {
		return nil, errNoSecret
	}
	svc, err := auth.NewJWTService(config.Auth.JWTSecret, config.TokenExpiry())
	if err != nil {
		return nil, err
	}
	return svc.WithLeeway(seconds(config.Auth.LeewaySeconds)), nil
}

// openStore opens the configured database. SQLite paths get their parent
// directory created.
func openStore(config *server.TOMLConfig) (database.Store, error) {
	dsn := config.Database.DSN
	switch strings.ToLower(config.Database.Driver) {
	case "", "sqlite", "sqlite3":
		path, err := config.GetDatabasePath()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = path
	}

	store, err := database.OpenDriver(config.Database.Driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return store, nil
}
