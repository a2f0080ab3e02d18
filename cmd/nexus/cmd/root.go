// Package cmd implements the nexus CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tapeless/nexus/internal/config"
	"github.com/tapeless/nexus/internal/logger"
	"github.com/tapeless/nexus/internal/metrics"
)

// cfgFile holds the config file path from the CLI flag.
var cfgFile string

// ExitError carries a process exit code out of a command.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string { return e.Msg }

var rootCmd = &cobra.Command{
	Use:   "nexus",
	Short: "Shared-memory capture ring for broadcast video",
	Long: `nexus runs the producer that writes captured video, audio and timecode
into shared memory rings, and the readers that follow them: an HTTP monitor,
a raw recorder and one-shot status checks.

Configuration is read from nexus.yaml (., /etc/nexus, $HOME/.nexus), then
NEXUS_* environment variables, then command-line flags.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	if err := rootCmd.Execute(); err != nil {
		return fmt.Errorf("executing root command: %w", err)
	}
	return nil
}

func init() {
	// Global flags. They are not bound to viper: loadConfig applies them
	// only when set so that flag > env > config > default holds.
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./nexus.yaml)")
	flags.String("log-level", "info", "log level (debug, info, warn, error, silent)")
	flags.String("log-color", "auto", "colored log output (auto, always, never)")
	flags.String("shm-dir", "/dev/shm", "directory holding the shared memory segments")
	flags.String("shm-prefix", "nexus_", "segment name prefix")
}

// loadConfig reads the configuration, applies explicitly set global flags
// and initializes logging.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	override := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	override("log-level", &cfg.Logging.Level)
	override("log-color", &cfg.Logging.Color)
	override("shm-dir", &cfg.SHM.Dir)
	override("shm-prefix", &cfg.SHM.Prefix)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating flags: %w", err)
	}

	level, err := logger.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	logger.Init(level, os.Stderr, logger.ColorFor(cfg.Logging.Color, os.Stderr))
	return cfg, nil
}

// intFlag copies an int flag into dst when it was set explicitly.
func intFlag(flags *pflag.FlagSet, name string, dst *int) {
	if flags.Changed(name) {
		*dst, _ = flags.GetInt(name)
	}
}

// signalContext is cancelled on SIGINT, SIGTERM or SIGHUP.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
}

// serveMetrics exposes m on the configured address until ctx is done.
func serveMetrics(ctx context.Context, cfg *config.Config, m *metrics.Metrics) {
	if !cfg.Metrics.Enabled {
		return
	}
	go func() {
		logger.Info("Main", "Metrics on %s/metrics", cfg.Metrics.Addr)
		if err := m.StartServer(ctx, cfg.Metrics.Addr); err != nil {
			logger.Error("Main", "Metrics server: %v", err)
		}
	}()
}
