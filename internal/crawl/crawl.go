// Package crawl builds the corpus database from a wiki.
//
// The crawler runs offline, before ingestion. It walks article pages
// within one wiki domain, extracts the readable body and the citation
// list of each page, and writes them to the corpus SQLite database. Pages
// already stored are updated in place, keyed by url.
package crawl

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"
	"github.com/gocolly/colly/v2"
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrInvalidStartURL indicates the start url could not be parsed.
	ErrInvalidStartURL = errors.New("invalid start url")

	// ErrNothingCrawled indicates no article page could be saved.
	ErrNothingCrawled = errors.New("no articles crawled")
)

// minArticleChars drops stub pages with no usable lore text.
const minArticleChars = 200

// Config tunes the crawler. Zero values fall back to safe defaults.
type Config struct {
	StartURL    string
	MaxArticles int           // stop after this many saved articles (default 500)
	Parallelism int           // concurrent fetches (default 2)
	Delay       time.Duration // politeness delay between requests (default 500ms)
	UserAgent   string
}

// Report summarizes a crawl run.
type Report struct {
	Visited  int
	Saved    int
	Skipped  int // stubs and non-article pages
	Failed   int
	Duration time.Duration
}

// Crawler walks one wiki domain and fills the corpus database.
type Crawler struct {
	db     *sql.DB
	cfg    Config
	logger *slog.Logger

	visited atomic.Int64
	skipped atomic.Int64
	failed  atomic.Int64

	mu    sync.Mutex // serializes corpus writes
	saved int
}

func New(db *sql.DB, cfg Config, logger *slog.Logger) (*Crawler, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxArticles < 1 {
		cfg.MaxArticles = 500
	}
	if cfg.Parallelism < 1 {
		cfg.Parallelism = 2
	}
	if cfg.Delay <= 0 {
		cfg.Delay = 500 * time.Millisecond
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "lorekeeper-crawler/1.0"
	}
	if _, err := url.ParseRequestURI(cfg.StartURL); err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStartURL, cfg.StartURL)
	}
	return &Crawler{db: db, cfg: cfg, logger: logger}, nil
}

// Run crawls from the start url until the article budget is reached or
// the frontier is exhausted. Individual page failures are counted, not
// fatal.
func (c *Crawler) Run(ctx context.Context) (*Report, error) {
	start, err := url.Parse(c.cfg.StartURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStartURL, c.cfg.StartURL)
	}
	started := time.Now()

	collector := colly.NewCollector(
		colly.AllowedDomains(start.Hostname(), start.Host),
		colly.UserAgent(c.cfg.UserAgent),
		colly.Async(true),
	)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: c.cfg.Parallelism,
		RandomDelay: c.cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("failed to configure crawl limits: %w", err)
	}

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil || c.budgetSpent() {
			r.Abort()
		}
	})

	collector.OnHTML("a[href]", func(e *colly.HTMLElement) {
		href := e.Attr("href")
		if isArticleLink(href) {
			_ = e.Request.Visit(href)
		}
	})

	collector.OnResponse(func(r *colly.Response) {
		c.visited.Add(1)
		if err := c.savePage(ctx, r.Request.URL, r.Body); err != nil {
			c.failed.Add(1)
			c.logger.Warn("failed to save page", "url", r.Request.URL, "error", err)
		}
	})

	collector.OnError(func(r *colly.Response, err error) {
		c.failed.Add(1)
		c.logger.Warn("fetch failed", "url", r.Request.URL, "error", err)
	})

	c.logger.Info("crawl started", "start", c.cfg.StartURL, "budget", c.cfg.MaxArticles)
	if err := collector.Visit(c.cfg.StartURL); err != nil {
		return nil, fmt.Errorf("failed to start crawl: %w", err)
	}
	collector.Wait()

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	c.mu.Lock()
	saved := c.saved
	c.mu.Unlock()

	report := &Report{
		Visited:  int(c.visited.Load()),
		Saved:    saved,
		Skipped:  int(c.skipped.Load()),
		Failed:   int(c.failed.Load()),
		Duration: time.Since(started),
	}
	c.logger.Info("crawl finished",
		"visited", report.Visited,
		"saved", report.Saved,
		"skipped", report.Skipped,
		"failed", report.Failed,
		"duration", report.Duration)

	if saved == 0 {
		return report, ErrNothingCrawled
	}
	return report, nil
}

func (c *Crawler) budgetSpent() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.saved >= c.cfg.MaxArticles
}

// isArticleLink keeps the frontier on content pages: wiki articles
// without a namespace prefix (File:, Category:, Special: and friends).
func isArticleLink(href string) bool {
	idx := strings.Index(href, "/wiki/")
	if idx < 0 {
		return false
	}
	page := href[idx+len("/wiki/"):]
	if page == "" || strings.ContainsAny(page, ":#?") {
		return false
	}
	return true
}

// savePage extracts the readable article body and citations, then
// upserts both in one transaction keyed by url.
func (c *Crawler) savePage(ctx context.Context, pageURL *url.URL, body []byte) error {
	article, err := readability.FromReader(bytes.NewReader(body), pageURL)
	if err != nil {
		return fmt.Errorf("failed to extract article: %w", err)
	}

	text := strings.TrimSpace(article.TextContent)
	if article.Title == "" || len(text) < minArticleChars {
		c.skipped.Add(1)
		return nil
	}

	citations, err := extractCitations(body)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.saved >= c.cfg.MaxArticles {
		return nil
	}

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var articleID int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO articles (final_title, content, article_url)
		VALUES (?, ?, ?)
		ON CONFLICT(article_url) DO UPDATE SET
			final_title = excluded.final_title,
			content = excluded.content
		RETURNING id`,
		article.Title, text, pageURL.String()).Scan(&articleID)
	if err != nil {
		return fmt.Errorf("failed to upsert article: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM sources WHERE article_id = ?`, articleID); err != nil {
		return fmt.Errorf("failed to clear stale sources: %w", err)
	}
	for _, citation := range citations {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sources (article_id, source_text) VALUES (?, ?)`,
			articleID, citation); err != nil {
			return fmt.Errorf("failed to insert source: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit article: %w", err)
	}

	c.saved++
	c.logger.Debug("article saved", "title", article.Title, "url", pageURL, "citations", len(citations))
	return nil
}

// extractCitations pulls the reference list wikis render at the bottom of
// an article.
func extractCitations(body []byte) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse page: %w", err)
	}

	var citations []string
	doc.Find("ol.references li").Each(func(_ int, sel *goquery.Selection) {
		text := strings.Join(strings.Fields(sel.Text()), " ")
		if text != "" {
			citations = append(citations, text)
		}
	})
	return citations, nil
}
