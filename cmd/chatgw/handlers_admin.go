package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/habtse/chat-app/pkg/auth"
	"github.com/habtse/chat-app/pkg/database"
	"github.com/habtse/chat-app/pkg/server"
)

func runToken(ctx context.Context, out io.Writer, configPath, user string, expiry time.Duration) error {
	config, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := openStore(&config)
	if err != nil {
		return err
	}
	defer store.Close()

	u, err := lookupUser(ctx, store, user)
	if err != nil {
		return err
	}

	if expiry <= 0 {
		expiry = config.TokenExpiry()
	}
	if strings.TrimSpace(config.Auth.JWTSecret) == "" {
		return errNoSecret
	}
	svc, err := auth.NewJWTService(config.Auth.JWTSecret, expiry)
	if err != nil {
		return err
	}
	token, err := svc.Generate(u.ID)
	if err != nil {
		return fmt.Errorf("failed to sign token: %w", err)
	}

	fmt.Fprintln(out, token)
	return nil
}

// lookupUser accepts either an email or a user ID
func lookupUser(ctx context.Context, store database.Store, user string) (*database.User, error) {
	user = strings.TrimSpace(user)
	var (
		u   *database.User
		err error
	)
	if strings.Contains(user, "@") {
		u, err = store.GetUserByEmail(ctx, user)
	} else {
		u, err = store.GetUser(ctx, user)
	}
	if errors.Is(err, database.ErrNotFound) {
		return nil, fmt.Errorf("user %q not found", user)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up user: %w", err)
	}
	return u, nil
}

var seedUsers = []struct{ email, name string }{
	{"john@example.com", "John"},
	{"jane@example.com", "Jane"},
	{"bob@example.com", "Bob"},
}

func runSeed(ctx context.Context, out io.Writer, configPath string) error {
	config, err := server.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	store, err := openStore(&config)
	if err != nil {
		return err
	}
	defer store.Close()

	users, err := seed(ctx, store)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "KIND\tID\tNAME")
	for _, u := range users.people {
		fmt.Fprintf(tw, "user\t%s\t%s <%s>\n", u.ID, u.Name, u.Email)
	}
	fmt.Fprintf(tw, "user\t%s\t%s (AI)\n", users.ai.ID, users.ai.Name)
	fmt.Fprintf(tw, "session\t%s\t%s\n", users.group.ID, users.group.Name)
	fmt.Fprintf(tw, "session\t%s\t%s\n", users.aiChat.ID, users.aiChat.Name)
	return tw.Flush()
}

type seeded struct {
	people []*database.User
	ai     *database.User
	group  *database.ChatSession
	aiChat *database.ChatSession
}

func seed(ctx context.Context, store database.Store) (*seeded, error) {
	var s seeded
	for _, su := range seedUsers {
		u, err := store.GetUserByEmail(ctx, su.email)
		if errors.Is(err, database.ErrNotFound) {
			u, err = store.CreateUser(ctx, su.email, su.name)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to seed %s: %w", su.email, err)
		}
		s.people = append(s.people, u)
	}

	bot, err := store.GetOrCreateAIParticipant(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create AI participant: %w", err)
	}
	s.ai = bot

	ids := make([]string, len(s.people))
	for i, u := range s.people {
		ids[i] = u.ID
	}
	if s.group, err = store.CreateSession(ctx, "General", true, ids); err != nil {
		return nil, fmt.Errorf("failed to create group session: %w", err)
	}
	if s.aiChat, err = store.CreateSession(ctx, "Ask the assistant", false, []string{s.people[0].ID, bot.ID}); err != nil {
		return nil, fmt.Errorf("failed to create AI session: %w", err)
	}
	return &s, nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}
