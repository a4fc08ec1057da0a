// Package ai provides the completion providers behind the chat's AI
// participant.
package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Role of one conversation turn
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

const (
	DefaultModel          = "gpt-3.5-turbo"
	DefaultAnthropicModel = "claude-3-5-haiku-latest"
	DefaultMaxTokens      = 500
	DefaultTemperature    = 0.7

	DefaultSystemPrompt = "You are a helpful AI assistant in a chat application. Be friendly, concise, and helpful. Keep responses brief and conversational."

	// UnconfiguredReply is what the AI participant says when no provider
	// credentials are set.
	UnconfiguredReply = "I'm an AI assistant, but I'm not fully configured yet. Please add an API key to the server configuration to enable AI responses."
)

var (
	// ErrNotConfigured is returned when a provider is built without credentials
	ErrNotConfigured = errors.New("ai provider is not configured")
	// ErrEmptyCompletion is returned when the provider answered with no text
	ErrEmptyCompletion = errors.New("ai provider returned an empty completion")
)

// Turn is one message of conversation context
type Turn struct {
	Role    Role
	Content string
}

// Provider produces the assistant's next reply for a conversation.
type Provider interface {
	Name() string
	Complete(ctx context.Context, turns []Turn) (string, error)
}

// Config selects and parameterizes a provider
type Config struct {
	Provider    string // "openai", "anthropic", or "" to pick from the key
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

func (c Config) withDefaults() Config {
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Temperature < 0 {
		c.Temperature = DefaultTemperature
	}
	return c
}

// NewProvider builds the provider named by cfg. Without an API key it
// returns Unconfigured so the AI participant still answers.
func NewProvider(cfg Config) (Provider, error) {
	cfg = cfg.withDefaults()
	if strings.TrimSpace(cfg.APIKey) == "" {
		return Unconfigured{}, nil
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Provider)) {
	case "", "openai":
		return NewOpenAIProvider(cfg)
	case "anthropic", "claude":
		return NewAnthropicProvider(cfg)
	}
	return nil, fmt.Errorf("unknown ai provider %q", cfg.Provider)
}

// Unconfigured answers every request with UnconfiguredReply
type Unconfigured struct{}

func (Unconfigured) Name() string { return "unconfigured" }

func (Unconfigured) Complete(ctx context.Context, turns []Turn) (string, error) {
	return UnconfiguredReply, nil
}

// splitSystem separates system turns from the conversation; their contents
// are joined with blank lines.
func splitSystem(turns []Turn) (string, []Turn) {
	var system []string
	rest := make([]Turn, 0, len(turns))
	for _, t := range turns {
		if t.Role == RoleSystem {
			system = append(system, t.Content)
			continue
		}
		rest = append(rest, t)
	}
	return strings.Join(system, "\n\n"), rest
}
