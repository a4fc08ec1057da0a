// Command chatgw runs the realtime chat gateway and its operator tools.
//
// Start the gateway:
//
//	chatgw serve --config ~/.chatgw/config.toml
//
// Mint a token for a user and seed demo data:
//
//	chatgw token --user john@example.com
//	chatgw seed
//
// Run a bot or a load test against a running gateway:
//
//	chatgw bot --url ws://localhost:8080/ws --token "$(chatgw token --user bob@example.com)" --session <id>
//	chatgw loadtest --url ws://localhost:8080/ws --clients 100
package main

import (
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"
)

// Build information, set with -ldflags "-X main.version=..."
var (
	version = "dev"
	commit  = "none"
)

func main() {
	if err := buildRootCmd().Execute(); err != nil {
		log.SetOutput(os.Stderr)
		log.Fatalf("chatgw: %v", err)
	}
}

// buildRootCmd creates the root command with all subcommands attached.
func buildRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "chatgw",
		Short:        "Realtime chat gateway",
		Version:      fmt.Sprintf("%s (commit: %s)", version, commit),
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath,
		"Path to TOML configuration file (created with defaults if missing)")

	rootCmd.AddCommand(
		buildServeCmd(&configPath),
		buildTokenCmd(&configPath),
		buildSeedCmd(&configPath),
		buildBotCmd(),
		buildLoadtestCmd(&configPath),
	)
	return rootCmd
}

const defaultConfigPath = "~/.chatgw/config.toml"
