package main

import (
	"time"

	"github.com/spf13/cobra"
)

func buildServeCmd(configPath *string) *cobra.Command {
	var debug bool

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the chat gateway",
		Long: `Start the WebSocket gateway.

Configuration is read from the TOML file and CHATGW_* environment variables.
Graceful shutdown is handled on SIGINT/SIGTERM.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), *configPath, debug)
		},
	}
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Write verbose logs to debug.log in the data directory")
	return cmd
}

func buildTokenCmd(configPath *string) *cobra.Command {
	var (
		user   string
		expiry time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed token for a user",
		Example: `  chatgw token --user john@example.com
  chatgw token --user 6f1c... --expiry 1h`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd.Context(), cmd.OutOrStdout(), *configPath, user, expiry)
		},
	}
	cmd.Flags().StringVarP(&user, "user", "u", "", "User email or ID")
	cmd.Flags().DurationVar(&expiry, "expiry", 0, "Token lifetime (defaults to auth.token_expiry_hours)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func buildSeedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Create demo users and sessions",
		Long: `Create john, jane and bob, a group session for all three,
and a one-to-one session between john and the AI participant.
Existing users are reused.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSeed(cmd.Context(), cmd.OutOrStdout(), *configPath)
		},
	}
}

func buildBotCmd() *cobra.Command {
	var opts botOptions

	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run a simple command bot against a gateway",
		Long: `Connect to a gateway as a regular user and answer mentions.

Supported commands: ping, time, echo <text>, help.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:8080/ws", "Gateway WebSocket URL")
	cmd.Flags().StringVar(&opts.token, "token", "", "Token for the bot user (see chatgw token)")
	cmd.Flags().StringVar(&opts.name, "name", "bot", "Name the bot answers to")
	cmd.Flags().StringSliceVar(&opts.sessions, "session", nil, "Session IDs to watch (repeatable)")
	cmd.Flags().BoolVar(&opts.markRead, "mark-read", true, "Mark sessions read after answering")
	_ = cmd.MarkFlagRequired("token")
	return cmd
}

func buildLoadtestCmd(configPath *string) *cobra.Command {
	var opts loadtestOptions

	cmd := &cobra.Command{
		Use:   "loadtest",
		Short: "Simulate many chatting clients",
		Long: `Create load-test users in the configured store, connect them to a
gateway and have them chat in one group session. Tokens are signed with the
configured JWT secret, so the gateway under test must share it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoadtest(cmd.Context(), *configPath, opts)
		},
	}
	cmd.Flags().StringVar(&opts.url, "url", "ws://localhost:8080/ws", "Gateway WebSocket URL")
	cmd.Flags().IntVar(&opts.clients, "clients", 10, "Number of concurrent clients")
	cmd.Flags().DurationVar(&opts.duration, "duration", 30*time.Second, "Test duration")
	cmd.Flags().DurationVar(&opts.minDelay, "min-delay", time.Second, "Minimum delay between sends per client")
	cmd.Flags().DurationVar(&opts.maxDelay, "max-delay", 5*time.Second, "Maximum delay between sends per client")
	cmd.Flags().DurationVar(&opts.rampUp, "ramp-up", 0, "Spread client connections over this long")
	return cmd
}
