// Command dotunneld is the tunnel relay: it terminates public HTTP/WS
// traffic, multiplexes it over per-tunnel agent control sockets, and serves
// /healthz and /metrics.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cometkim/dotunnel/internal/config"
	"github.com/cometkim/dotunnel/internal/logging"
	"github.com/cometkim/dotunnel/internal/metrics"
	"github.com/cometkim/dotunnel/internal/registry"
	"github.com/cometkim/dotunnel/internal/relay"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dotunneld",
	Short: "Run the DOtunnel relay server",
	Long:  `dotunneld terminates public traffic and multiplexes it over per-tunnel agent connections.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configPath)
		if err != nil {
			log.Fatalf("loading config: %v", err)
		}

		lj := logging.Setup(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File,
			cfg.Logging.MaxSizeMB, cfg.Logging.MaxBackups, cfg.Logging.MaxAgeDays, cfg.Logging.Compress)
		if lj != nil {
			defer lj.Close()
		}
		logger := slog.Default()

		reg, err := registry.OpenPostgres(cfg.Database.URL, logger)
		if err != nil {
			log.Fatalf("connecting to registry database: %v", err)
		}
		defer reg.Close()
		logger.Info("connected to tunnel registry")

		m := metrics.New()
		rl := relay.New(reg, cfg.Tunnel.ToSessionConfig(), cfg.Tunnel.HostSuffix, cfg.RateLimit.LimiterFactory(), logger, m)

		httpServer := &http.Server{
			Addr:    cfg.Server.ListenAddress,
			Handler: rl.Router(),
		}

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
			sig := <-sigCh
			logger.Info("received signal, shutting down", "signal", sig.String())

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			httpServer.Shutdown(ctx)
		}()

		logger.Info("starting dotunneld", "listen_address", cfg.Server.ListenAddress, "host_suffix", cfg.Tunnel.HostSuffix)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	},
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "Path to config YAML file (defaults apply when empty)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
