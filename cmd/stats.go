package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show corpus and index state",
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := a.Stats(ctx)
	if err != nil {
		return fmt.Errorf("failed to read stats: %w", err)
	}

	fmt.Printf("corpus articles:  %d\n", stats.Articles)
	fmt.Printf("indexed chunks:   %d\n", stats.IndexedChunks)
	fmt.Printf("vector dimension: %d\n", stats.Dimension)
	fmt.Printf("embedding model:  %s\n", stats.ModelID)
	fmt.Printf("active sessions:  %d\n", stats.ActiveSessions)
	return nil
}
