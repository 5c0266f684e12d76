package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"remote-terminal-go/internal/config"
	"remote-terminal-go/internal/connect"
	"remote-terminal-go/internal/logs"
	"remote-terminal-go/internal/server"
	"remote-terminal-go/internal/tmux"
	"remote-terminal-go/internal/wizard"
)

var (
	configFile string
	logLevel   string
	logToFile  bool
	logDir     string

	version = "v0.1.0" // injected by -ldflags during build
)

func main() {
	setupViper()

	rootCmd := &cobra.Command{
		Use:     "remoteterm",
		Short:   "MCP server that manages remote terminal sessions over tmux (SSH, relay, Docker)",
		Version: version,
		RunE:    runServe,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "Server registry path (default: ~/.remote-terminal/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&logToFile, "log-to-file", false, "Also log to a file in the standard OS location")
	rootCmd.PersistentFlags().StringVar(&logDir, "log-dir", "", "Custom log directory path (overrides standard OS location)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("log-level", rootCmd.PersistentFlags().Lookup("log-level"))
	_ = viper.BindPFlag("log-dir", rootCmd.PersistentFlags().Lookup("log-dir"))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "setup",
		Short: "Configure a server interactively in this terminal",
		RunE:  runSetup,
	})

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// setupViper wires the REMOTETERM_* environment variables so the server
// can be configured from an MCP client's env block without flags.
func setupViper() {
	viper.SetEnvPrefix("REMOTETERM")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.SetDefault("config", "")
	viper.SetDefault("log-level", "")
	viper.SetDefault("log-dir", "")
	viper.SetDefault("debug", false)
}

func resolveConfigPath() (string, error) {
	if path := viper.GetString("config"); path != "" {
		return path, nil
	}
	return config.DefaultPath()
}

func effectiveLogLevel() string {
	level := viper.GetString("log-level")
	if viper.GetBool("debug") && level == "" {
		level = logs.LogLevelDebug
	}
	return level
}

func runServe(_ *cobra.Command, _ []string) error {
	logger, err := logs.SetupCommandLogger(true, effectiveLogLevel(), logToFile, viper.GetString("log-dir"))
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	configPath, err := resolveConfigPath()
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	logger.Info("Starting remoteterm",
		zap.String("version", version),
		zap.String("config", configPath))

	store := config.NewStore(configPath, logger)
	pane := tmux.NewClient(logger)
	orch := connect.New(pane, logger)
	srv := server.New(store, orch, logger, version)

	// SIGINT/SIGTERM stop the loop; stdin EOF does the same from the
	// client side.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("Received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()

	if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil && err != context.Canceled {
		return fmt.Errorf("serve: %w", err)
	}
	return nil
}

func runSetup(_ *cobra.Command, _ []string) error {
	logger, err := logs.SetupCommandLogger(false, effectiveLogLevel(), logToFile, viper.GetString("log-dir"))
	if err != nil {
		return fmt.Errorf("failed to setup logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	configPath, err := resolveConfigPath()
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	store := config.NewStore(configPath, logger)
	return wizard.RunTerminal(os.Stdin, os.Stdout, store)
}
