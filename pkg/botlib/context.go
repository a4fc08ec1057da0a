package botlib

import (
	"fmt"
)

// Context provides methods for responding to messages.
// It is passed to message handlers and provides a convenient API
// for common bot actions.
type Context struct {
	bot     *Bot
	message *Message
}

// Message returns the message that triggered this context.
func (c *Context) Message() *Message {
	return c.message
}

// Reply posts a message to the session the current message came from.
func (c *Context) Reply(content string) error {
	return c.bot.Send(c.message.SessionID, content)
}

// Typing toggles the bot's typing indicator in the current session.
func (c *Context) Typing(typing bool) error {
	return c.bot.SetTyping(c.message.SessionID, typing)
}

// MarkRead marks the current session read.
func (c *Context) MarkRead() (int64, error) {
	return c.bot.MarkRead(c.message.SessionID)
}

// SessionID returns the session where the message was received.
func (c *Context) SessionID() string {
	return c.message.SessionID
}

// Author returns the display name of the message sender.
func (c *Context) Author() string {
	return c.message.SenderName
}

// BotUserID returns the bot's user ID.
func (c *Context) BotUserID() string {
	return c.bot.userID
}

// Log logs a message using the bot's logger.
func (c *Context) Log(format string, args ...interface{}) {
	if c.bot.logger != nil {
		c.bot.logger.Printf(format, args...)
	}
}

// String returns a debug representation of the context.
func (c *Context) String() string {
	return fmt.Sprintf("Context{session=%s, message=%s, author=%s}",
		c.message.SessionID, c.message.ID, c.message.SenderName)
}
