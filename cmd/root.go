// Package cmd provides the lorekeeper CLI commands.
//
// Commands:
//   - crawl: build the corpus database from the lore wiki
//   - ingest: chunk, embed and index the corpus
//   - ask: one-shot retrieval for a single question
//   - chat: interactive retrieval session
//   - stats: corpus and index state
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/remembrancer/lorekeeper/internal/app"
	"github.com/remembrancer/lorekeeper/internal/config"
	"github.com/remembrancer/lorekeeper/internal/log"
)

var rootCmd = &cobra.Command{
	Use:   "lorekeeper",
	Short: "Retrieval service over the Warhammer lore corpus",
	Long: `Lorekeeper answers questions with passages retrieved from a fixed
corpus of Warhammer lore articles. The corpus is crawled once, ingested
into a persistent vector index, and served through per-user sessions.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// signalContext returns a context canceled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// loadConfig loads configuration and builds the process logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := log.New(log.Config{
		Level:     log.ParseLevel(cfg.LogLevel),
		JSON:      cfg.LogJSON,
		AddSource: cfg.LogLevel == "debug",
	})
	slog.SetDefault(logger)
	return cfg, logger, nil
}

// newApp assembles the full service. The embedding model needs
// GEMINI_API_KEY; fail early with a usable message when it is missing.
func newApp(ctx context.Context) (*app.App, error) {
	cfg, logger, err := loadConfig()
	if err != nil {
		return nil, err
	}

	if os.Getenv("GEMINI_API_KEY") == "" {
		fmt.Fprintln(os.Stderr, "Error: GEMINI_API_KEY environment variable not set")
		fmt.Fprintln(os.Stderr, "")
		fmt.Fprintln(os.Stderr, "Please run:")
		fmt.Fprintln(os.Stderr, "  export GEMINI_API_KEY=your-api-key")
		return nil, fmt.Errorf("GEMINI_API_KEY not set")
	}

	return app.New(ctx, cfg, logger)
}
