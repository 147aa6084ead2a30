// cmd/service/main.go
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github-knowledge-store/internal/config"
)

// Version is set at build time via ldflags.
var Version = "dev"

var (
	outputFormat string
	cfg          *config.Config
	logger       *slog.Logger
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		slog.Error("Command failed", "error", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "knowledge-store",
	Short:         "Ingest GitHub users into a local knowledge store and query it",
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if outputFormat != "json" && outputFormat != "yaml" {
			return fmt.Errorf("--output must be json or yaml, got %q", outputFormat)
		}

		// Only serve logs to stdout; every other command writes its result (or, for mcp, the
		// protocol stream) there.
		var w io.Writer = os.Stderr
		if cmd.Name() == serveCmd.Name() {
			w = os.Stdout
		}
		logLevel := new(slog.LevelVar)
		logger = slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: logLevel}))
		slog.SetDefault(logger)

		var err error
		cfg, err = config.LoadConfig()
		if err != nil {
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		setLogLevel(cfg.LogLevel, logLevel)
		logger.Debug("Configuration loaded successfully", "backend", cfg.StorageBackend)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "json", "output format: json or yaml")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(mcpCmd)
	rootCmd.AddCommand(migrateCmd)
	rootCmd.AddCommand(purgeCmd)
	rootCmd.AddCommand(statusCmd)
}

func setLogLevel(level string, v *slog.LevelVar) {
	switch level {
	case "debug":
		v.Set(slog.LevelDebug)
	case "warn":
		v.Set(slog.LevelWarn)
	case "error":
		v.Set(slog.LevelError)
	default:
		v.Set(slog.LevelInfo)
	}
}
