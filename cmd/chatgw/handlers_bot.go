package main

import (
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/habtse/chat-app/pkg/botlib"
)

type botOptions struct {
	url      string
	token    string
	name     string
	sessions []string
	markRead bool
}

func runBot(opts botOptions) error {
	bot := botlib.New(botlib.Config{
		URL:      opts.url,
		Token:    opts.token,
		Name:     opts.name,
		Sessions: opts.sessions,
		Logger:   log.New(os.Stdout, "[bot] ", log.LstdFlags),
	})

	bot.OnMention(func(ctx *botlib.Context, msg *botlib.Message) {
		reply := answer(msg.MentionedContent(), time.Now())
		ctx.Log("%s asked %q", ctx.Author(), msg.MentionedContent())
		if err := ctx.Reply(reply); err != nil {
			ctx.Log("Reply failed: %v", err)
			return
		}
		if opts.markRead {
			if _, err := ctx.MarkRead(); err != nil {
				ctx.Log("Mark read failed: %v", err)
			}
		}
	})

	return bot.Run()
}

// answer maps a command to the bot's reply
func answer(command string, now time.Time) string {
	fields := strings.Fields(command)
	if len(fields) == 0 {
		return "Say \"help\" to see what I can do."
	}

	switch strings.ToLower(fields[0]) {
	case "ping":
		return "pong"
	case "time":
		return now.UTC().Format(time.RFC1123)
	case "echo":
		if len(fields) == 1 {
			return "echo what?"
		}
		return strings.TrimSpace(command[len(fields[0]):])
	case "help":
		return "Commands: ping, time, echo <text>, help"
	}
	return fmt.Sprintf("I don't know %q. Say \"help\" to see what I can do.", fields[0])
}
