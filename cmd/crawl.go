package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/remembrancer/lorekeeper/internal/crawl"
)

var (
	crawlStartURL    string
	crawlMaxArticles int
)

var crawlCmd = &cobra.Command{
	Use:   "crawl",
	Short: "Build the corpus database from the lore wiki",
	Long: `Crawl walks article pages starting from --start-url, extracts the
readable body and citation list of each page, and writes them to the
corpus database. Run it before ingest; the serving process never writes
to the corpus.`,
	RunE: runCrawl,
}

func init() {
	crawlCmd.Flags().StringVar(&crawlStartURL, "start-url",
		"https://warhammer40k.fandom.com/wiki/Warhammer_40k_Wiki", "page to start crawling from")
	crawlCmd.Flags().IntVar(&crawlMaxArticles, "max-articles", 500, "stop after this many saved articles")
	rootCmd.AddCommand(crawlCmd)
}

func runCrawl(cmd *cobra.Command, args []string) error {
	ctx, cancel := signalContext()
	defer cancel()

	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	db, err := crawl.OpenDB(cfg.CorpusPath)
	if err != nil {
		return err
	}
	defer db.Close()

	crawler, err := crawl.New(db, crawl.Config{
		StartURL:    crawlStartURL,
		MaxArticles: crawlMaxArticles,
	}, logger)
	if err != nil {
		return err
	}

	report, err := crawler.Run(ctx)
	if err != nil {
		return fmt.Errorf("crawl failed: %w", err)
	}

	fmt.Printf("Crawl finished in %s\n", report.Duration.Round(time.Second))
	fmt.Printf("  visited: %d\n", report.Visited)
	fmt.Printf("  saved:   %d\n", report.Saved)
	fmt.Printf("  skipped: %d\n", report.Skipped)
	fmt.Printf("  failed:  %d\n", report.Failed)
	return nil
}
