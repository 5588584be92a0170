// Package main provides the relay CLI.
//
// Run the hub:
//
//	relay serve --config relay.yaml
//
// Follow a hub as a user:
//
//	relay token --user C1 --role commercial > token
//	relay watch --token "$(cat token)" --room stock:alerts
//
// # Environment Variables
//
//   - RELAY_CONFIG: path to the configuration file (default: relay.yaml)
//   - RELAY_TOKEN: credential for watch and the API commands
//   - RELAY_API_KEY: service key for the API commands
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

// Build information, populated by ldflags:
//
//	go build -ldflags "-X main.version=v1.0.0 -X main.commit=$(git rev-parse HEAD) -X main.date=$(date -u +%Y-%m-%dT%H:%M:%SZ)"
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigName = "relay.yaml"

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := buildRootCmd().Execute(); err != nil {
		slog.Error("command execution failed", "error", err)
		os.Exit(1)
	}
}

// buildRootCmd is separate from main for tests.
func buildRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "relay",
		Short: "Relay - real-time notification hub",
		Long: `Relay pushes domain events and alerts to connected users over websockets.

Events are routed to rooms by role, alerts are deduplicated and escalated,
and disconnected clients catch up from the notification store.`,
		Version:      fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		SilenceUsage: true,
	}

	rootCmd.AddCommand(
		buildVersionCmd(),
		buildServeCmd(),
		buildWatchCmd(),
		buildPublishCmd(),
		buildStatsCmd(),
		buildTokenCmd(),
		buildAlertsCmd(),
	)
	return rootCmd
}

func resolveConfigPath(path string) string {
	if strings.TrimSpace(path) != "" {
		return path
	}
	if env := strings.TrimSpace(os.Getenv("RELAY_CONFIG")); env != "" {
		return env
	}
	return defaultConfigName
}

func envDefault(value, key string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return strings.TrimSpace(os.Getenv(key))
}
