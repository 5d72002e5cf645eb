// Command dotunnel-agent runs on the developer's machine: it dials the
// relay's control socket for one tunnel and proxies traffic to a local
// origin server.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cometkim/dotunnel/internal/agentclient"
	"github.com/cometkim/dotunnel/internal/config"
	"github.com/cometkim/dotunnel/internal/logging"
)

var (
	relayURL    string
	tunnelID    string
	localOrigin string
	configPath  string
)

var rootCmd = &cobra.Command{
	Use:   "dotunnel-agent",
	Short: "Connect a local server to a DOtunnel relay",
	Long:  `dotunnel-agent dials a relay's control socket and proxies tunneled traffic to a local origin.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			slog.Error("loading config", "error", err)
			os.Exit(1)
		}

		lj := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File,
			cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays, cfg.Logging.Compress)
		if lj != nil {
			defer lj.Close()
		}
		logger := slog.Default()

		if relayURL == "" {
			relayURL = cfg.Agent.RelayURL
		}
		if tunnelID == "" {
			tunnelID = cfg.Agent.TunnelID
		}
		if localOrigin == "" {
			localOrigin = cfg.Agent.LocalOrigin
		}
		if relayURL == "" {
			logger.Error("--relay-url (or agent.relay_url in config) is required")
			os.Exit(1)
		}
		if localOrigin == "" {
			logger.Error("--local-origin (or agent.local_origin in config) is required")
			os.Exit(1)
		}

		client := agentclient.New(relayURL, tunnelID, localOrigin, logger)

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			logger.Info("received signal, disconnecting", "signal", sig.String())
			cancel()
		}()

		logger.Info("connecting to relay", "relay_url", relayURL, "local_origin", localOrigin)
		if err := client.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("agent error", "error", err)
			os.Exit(1)
		}
		logger.Info("agent disconnected")
	},
}

func init() {
	rootCmd.Flags().StringVar(&relayURL, "relay-url", "", "Relay URL (e.g. https://relay.tunnel.io)")
	rootCmd.Flags().StringVar(&tunnelID, "tunnel-id", "", "Tunnel id to attach to (omit to let the relay assign one)")
	rootCmd.Flags().StringVar(&localOrigin, "local-origin", "", "Local origin to proxy to (e.g. http://localhost:3000)")
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config YAML file (defaults apply when empty)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
