// Package botlib provides a simple library for building chat gateway bots
// and scripted clients.
package botlib

import (
	"strings"
	"time"
)

// Message represents a chat message received by the bot.
type Message struct {
	ID         string
	SessionID  string
	SenderID   string
	SenderName string
	Content    string
	CreatedAt  time.Time

	// Internal: the bot's identity for self and mention detection
	botUserID string
	botName   string
}

// FromSelf returns true if the bot itself sent the message.
func (m *Message) FromSelf() bool {
	return m.botUserID != "" && m.SenderID == m.botUserID
}

// MentionsMe returns true if the message content mentions the bot.
// Checks for @name patterns (case-insensitive).
func (m *Message) MentionsMe() bool {
	if m.botName == "" {
		return false
	}

	content := strings.ToLower(m.Content)
	name := strings.ToLower(m.botName)

	if strings.Contains(content, "@"+name) {
		return true
	}

	// Also check for name at start of message (common pattern)
	return strings.HasPrefix(content, name+":") ||
		strings.HasPrefix(content, name+",") ||
		strings.HasPrefix(content, name+" ")
}

// MentionedContent returns the message content with the bot mention removed.
// Useful for extracting the actual query/command.
func (m *Message) MentionedContent() string {
	if m.botName == "" {
		return m.Content
	}

	content := m.Content
	name := m.botName

	// Remove @name mentions in any case
	lowerAt := "@" + strings.ToLower(name)
	for {
		i := strings.Index(strings.ToLower(content), lowerAt)
		if i < 0 {
			break
		}
		content = content[:i] + content[i+len(lowerAt):]
	}

	// Remove name: or name, prefix
	lower := strings.ToLower(content)
	lowerName := strings.ToLower(name)
	for _, sep := range []string{":", ",", " "} {
		if strings.HasPrefix(lower, lowerName+sep) {
			content = content[len(name)+1:]
			break
		}
	}

	return strings.TrimSpace(content)
}

// Typing is a typing indicator relayed by the gateway.
type Typing struct {
	SessionID string
	UserID    string
	IsTyping  bool
}

// Status is a presence change relayed by the gateway.
type Status struct {
	UserID   string
	IsOnline bool
}
