package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/godoip/internal/config"
	"github.com/dantte-lp/godoip/internal/dcm"
	"github.com/dantte-lp/godoip/internal/netio"
)

var (
	// cfg is the tester configuration, loaded in PersistentPreRunE.
	cfg *config.Config

	// configPath is the YAML configuration file. Empty means defaults.
	configPath string

	// outputFormat controls the output format for all commands.
	outputFormat string

	// verbose enables debug logging to stderr.
	verbose bool
)

// rootCmd is the top-level cobra command for doipctl.
var rootCmd = &cobra.Command{
	Use:   "doipctl",
	Short: "DoIP tester client",
	Long:  "doipctl discovers DoIP entities and exchanges UDS requests with their ECUs.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		loaded, err := loadConfig(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"path to configuration file (YAML)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false,
		"log DoIP traffic to stderr")

	rootCmd.AddCommand(discoverCmd())
	rootCmd.AddCommand(conversationCmd())
	rootCmd.AddCommand(sendCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// loadConfig loads configuration from a file path or returns defaults.
func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.DefaultConfig(), nil
	}
	loaded, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}
	return loaded, nil
}

// newLogger returns a stderr text logger: warnings only unless --verbose.
func newLogger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// withClient initializes a communication manager from cfg, runs fn, and
// tears the manager down again.
func withClient(ctx context.Context, fn func(*dcm.Client) error) error {
	logger := newLogger()
	transport := netio.NewTransport(logger, netio.WithWriteTimeout(cfg.DoIP.WriteTimeout))
	client := dcm.NewClient(cfg, transport, logger)

	if err := client.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	defer func() {
		if err := client.DeInitialize(); err != nil {
			logger.Warn("deinitialize failed", slog.String("error", err.Error()))
		}
	}()

	return fn(client)
}
