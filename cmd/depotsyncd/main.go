package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/oakdepot/depotsyncd/internal/activation"
	"github.com/oakdepot/depotsyncd/internal/config"
	"github.com/oakdepot/depotsyncd/internal/mirror"
	"github.com/oakdepot/depotsyncd/internal/transport"
	"github.com/oakdepot/depotsyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "depotsyncd",
	Short: "Mirror a content-addressed HTTP tree to local disk",
	Long: `depotsyncd mirrors a remote directory tree addressed by per-file and
per-directory content hashes, fetching only what a manifest comparison says
has actually changed.

It can run as a one-shot sync (via systemd timer) or as a long-running
server that accepts a signed resync trigger over HTTP.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync from the remote tree to the local mirror",
	RunE:  runSync,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the resync-trigger server",
	Long: `Serve performs an initial sync, then starts a long-running HTTP server
that accepts a signed resync trigger and re-syncs on demand.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("depotsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/depotsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text, json)")

	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := newEngine(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create mirror engine: %w", err)
	}

	logger.Info("starting sync")
	if err := engine.Update(ctx); err != nil {
		logger.Error("sync failed to start", "error", err)
		return err
	}

	for engine.IsSyncing() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}

	if failure := engine.Failure(); failure != mirror.StatusOK {
		return fmt.Errorf("sync finished with status %s", failure)
	}

	logger.Info("sync completed successfully")
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if !cfg.Serve.Enabled {
		return fmt.Errorf("serve.enabled is false in configuration")
	}

	engine, err := newEngine(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create mirror engine: %w", err)
	}

	logger.Info("performing initial sync before starting server")
	if err := engine.Update(ctx); err != nil {
		return fmt.Errorf("failed to start initial sync: %w", err)
	}

	server, err := webhook.NewServer(cfg.Serve.ListenAddr, cfg.Serve.SecretFile, cfg.Serve.DebounceInterval, engine, logger)
	if err != nil {
		return fmt.Errorf("failed to create resync server: %w", err)
	}

	listeners, err := activation.Listeners()
	if err != nil {
		logger.Warn("failed to check for socket activation", "error", err)
	}
	if len(listeners) > 0 {
		// The resync server always listens on serve.listen_addr; activated
		// sockets are detected but not served on.
		logger.Info("socket-activated listeners detected but not used; listening on serve.listen_addr")
	}

	return server.Start(ctx)
}

func newEngine(cfg *config.Config, logger *slog.Logger) (*mirror.Engine, error) {
	client := transport.NewHTTPClient(cfg.Remote.BaseURL)
	return mirror.NewEngine(cfg.Local.BasePath, cfg.HashCachePath(), client, logger, cfg.Sync.Concurrency)
}

func setupLogger() *slog.Logger {
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if logFormat == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = fmt.Sprintf("%s/.config/depotsyncd/config.yaml", home)
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"remote", cfg.Remote.BaseURL,
		"local", cfg.Local.BasePath,
		"concurrency", cfg.Sync.Concurrency)

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigCh
		cancel()
	}()

	return ctx, cancel
}
