package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func buildVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "relay %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

// buildServeCmd starts the hub, the alert manager and the HTTP and gRPC
// listeners.
func buildServeCmd() *cobra.Command {
	var (
		configPath string
		debug      bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the relay hub",
		Long: `Start the relay hub.

The server will:
1. Load configuration from the given file (or relay.yaml)
2. Open the notification store and the user directory
3. Serve websockets, the HTTP API and /metrics
4. Serve the gRPC health service
5. Reload the rooms section when the file changes

Graceful shutdown is handled on SIGINT/SIGTERM; clients are closed with 1001.`,
		Example: `  relay serve
  relay serve --config /etc/relay/production.yaml --debug`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), resolveConfigPath(configPath), debug)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to configuration file (YAML or JSON5)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "Enable debug logging")
	return cmd
}

func buildWatchCmd() *cobra.Command {
	var opts watchOptions
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Connect to a hub and print events and alerts",
		Long: `Connect to a hub with the reconnecting client and print every event and
alert as it arrives. Dropped connections are retried with exponential
backoff and resumed from the last sequence seen; a rejected credential
stops the command.`,
		Example: `  relay watch --token "$RELAY_TOKEN" --room stock:alerts
  relay watch --url wss://relay.example.com/ws --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = resolveConfigPath(opts.configPath)
			opts.token = envDefault(opts.token, "RELAY_TOKEN")
			return runWatch(cmd.Context(), cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file supplying client defaults")
	cmd.Flags().StringVar(&opts.url, "url", "", "Hub websocket URL (overrides client.url)")
	cmd.Flags().StringVar(&opts.token, "token", "", "Credential (or set RELAY_TOKEN)")
	cmd.Flags().StringSliceVar(&opts.rooms, "room", nil, "Extra room to join (repeatable)")
	cmd.Flags().IntVar(&opts.maxAttempts, "max-attempts", 0, "Reconnect attempts before giving up (0 uses config)")
	cmd.Flags().BoolVar(&opts.json, "json", false, "Print raw JSON frames even on a terminal")
	return cmd
}

func addAPIFlags(cmd *cobra.Command, api *apiOptions) {
	cmd.Flags().StringVar(&api.server, "server", "http://localhost:8080", "Relay HTTP address")
	cmd.Flags().StringVar(&api.token, "token", "", "Bearer credential (or set RELAY_TOKEN)")
	cmd.Flags().StringVar(&api.apiKey, "api-key", "", "Service API key (or set RELAY_API_KEY)")
}

func buildPublishCmd() *cobra.Command {
	var (
		api  apiOptions
		opts publishOptions
	)
	cmd := &cobra.Command{
		Use:   "publish",
		Short: "Publish a domain event",
		Example: `  relay publish --kind stock.out --entity SKU-42 --payload '{"message":"SKU-42 is out of stock"}'
  relay publish --kind order.validated --entity O-7 --owner U1`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runPublish(cmd.Context(), cmd.OutOrStdout(), api, opts)
		},
	}
	addAPIFlags(cmd, &api)
	cmd.Flags().StringVar(&opts.kind, "kind", "", "Event kind, e.g. order.validated")
	cmd.Flags().StringVar(&opts.entity, "entity", "", "Entity identifier")
	cmd.Flags().StringVar(&opts.owner, "owner", "", "Owning user identifier")
	cmd.Flags().StringVar(&opts.payload, "payload", "", "JSON payload")
	cmd.Flags().StringSliceVar(&opts.rooms, "to-room", nil, "Explicit target room (repeatable)")
	cmd.Flags().StringSliceVar(&opts.users, "to-user", nil, "Explicit target user (repeatable)")
	_ = cmd.MarkFlagRequired("kind")
	return cmd
}

func buildStatsCmd() *cobra.Command {
	var api apiOptions
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show connection statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStats(cmd.Context(), cmd.OutOrStdout(), api)
		},
	}
	addAPIFlags(cmd, &api)
	return cmd
}

func buildTokenCmd() *cobra.Command {
	var opts tokenOptions
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a signed credential for a user",
		Long: `Mint a JWT signed with auth.jwt_secret. The hub still checks the user's
status in the directory on every handshake.`,
		Example: `  relay token --user C1 --role commercial`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.configPath = resolveConfigPath(opts.configPath)
			return runToken(cmd.OutOrStdout(), opts)
		},
	}
	cmd.Flags().StringVarP(&opts.configPath, "config", "c", "", "Configuration file holding the signing secret")
	cmd.Flags().StringVar(&opts.userID, "user", "", "User identifier")
	cmd.Flags().StringVar(&opts.role, "role", "", "Role: admin, commercial, comptoir or client")
	cmd.Flags().DurationVar(&opts.expiry, "expiry", 0, "Token lifetime (0 uses auth.token_expiry)")
	_ = cmd.MarkFlagRequired("user")
	_ = cmd.MarkFlagRequired("role")
	return cmd
}

func buildAlertsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "alerts",
		Short: "List and act on alerts",
	}
	cmd.AddCommand(buildAlertsListCmd(), buildAlertActionCmd("ack", "Acknowledge an alert"),
		buildAlertActionCmd("resolve", "Resolve an alert"), buildAlertsHistoryCmd())
	return cmd
}

func buildAlertsListCmd() *cobra.Command {
	var (
		api  apiOptions
		opts alertListOptions
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List alerts visible to the caller",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlertsList(cmd.Context(), cmd.OutOrStdout(), api, opts)
		},
	}
	addAPIFlags(cmd, &api)
	cmd.Flags().StringVar(&opts.status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&opts.category, "category", "", "Filter by category")
	cmd.Flags().BoolVar(&opts.open, "open", false, "Only open alerts")
	return cmd
}

func buildAlertActionCmd(action, short string) *cobra.Command {
	var api apiOptions
	cmd := &cobra.Command{
		Use:   action + " <alert-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlertAction(cmd.Context(), cmd.OutOrStdout(), api, action, args[0])
		},
	}
	addAPIFlags(cmd, &api)
	return cmd
}

func buildAlertsHistoryCmd() *cobra.Command {
	var api apiOptions
	cmd := &cobra.Command{
		Use:   "history <alert-id>",
		Short: "Show the persisted revisions of an alert",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAlertHistory(cmd.Context(), cmd.OutOrStdout(), api, args[0])
		},
	}
	addAPIFlags(cmd, &api)
	return cmd
}
