package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/remembrancer/lorekeeper/internal/ingest"
)

var ingestArticleID int64

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Chunk, embed and index the corpus",
	RunE:  runIngest,
}

func init() {
	ingestCmd.Flags().Int64Var(&ingestArticleID, "article", 0, "re-ingest a single article id instead of the full corpus")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	var report *ingest.Report
	if ingestArticleID > 0 {
		report, err = a.ReingestArticle(ctx, ingestArticleID)
	} else {
		report, err = a.IngestCorpus(ctx)
	}
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	printReport(report)
	return nil
}

func printReport(r *ingest.Report) {
	fmt.Printf("Run %s finished in %s\n", r.RunID, r.Duration.Round(time.Millisecond))
	fmt.Printf("  articles:  %d (%d skipped, %d unchanged)\n", r.Articles, r.Skipped, r.Unchanged)
	fmt.Printf("  chunks:    %d (%d embedded, %d reused)\n", r.Chunks, r.Embedded, r.Reused)
	if len(r.Failed) > 0 {
		fmt.Printf("  failed:    %d\n", len(r.Failed))
		for _, f := range r.Failed {
			fmt.Printf("    - %v\n", f)
		}
	}
}
