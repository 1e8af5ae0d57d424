// Package ingest turns corpus articles into indexed chunk vectors.
//
// Ingestion is idempotent: chunk ids are derived from article id and
// content hash, so unchanged chunks are recognized in the index and their
// stored vectors reused instead of re-embedded. Articles are committed
// one at a time with staged replacement, and one failing article never
// aborts the run.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/remembrancer/lorekeeper/internal/chunk"
	"github.com/remembrancer/lorekeeper/internal/corpus"
	"github.com/remembrancer/lorekeeper/internal/embed"
	"github.com/remembrancer/lorekeeper/internal/index"
)

// ErrEmptyCorpus indicates the corpus database holds no articles.
var ErrEmptyCorpus = errors.New("corpus contains no articles")

// ArticleSource lists and fetches corpus articles.
type ArticleSource interface {
	List(ctx context.Context) ([]corpus.Article, error)
	Get(ctx context.Context, id int64) (corpus.Article, error)
}

// Embedder maps chunk texts to vectors.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) (*embed.BatchResult, error)
}

// Index stores chunk vectors with staged per-article replacement.
type Index interface {
	Get(ctx context.Context, id string) (index.Entry, bool)
	ReplaceArticle(ctx context.Context, articleID int64, entries []index.Entry) error
}

// ArticleError records one article that could not be ingested.
type ArticleError struct {
	ArticleID int64
	Title     string
	Err       error
}

func (e ArticleError) Error() string {
	return fmt.Sprintf("article %d (%s): %v", e.ArticleID, e.Title, e.Err)
}

// Report summarizes an ingestion run.
type Report struct {
	RunID     string
	Articles  int // articles processed
	Skipped   int // articles with no usable text
	Unchanged int // articles whose chunks were all already indexed
	Chunks    int // chunks produced by splitting
	Reused    int // chunks whose stored vectors were reused
	Embedded  int // chunks sent through the embedding model
	Failed    []ArticleError
	Duration  time.Duration
}

// Ingestor drives the chunk/embed/index pipeline.
type Ingestor struct {
	source   ArticleSource
	splitter *chunk.Splitter
	embedder Embedder
	index    Index
	logger   *slog.Logger
}

func New(source ArticleSource, splitter *chunk.Splitter, embedder Embedder, idx Index, logger *slog.Logger) *Ingestor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ingestor{
		source:   source,
		splitter: splitter,
		embedder: embedder,
		index:    idx,
		logger:   logger,
	}
}

// Run ingests the full corpus. Failures are isolated per article and
// collected in the report; Run itself fails only when the corpus cannot
// be read, is empty, or the context ends.
func (g *Ingestor) Run(ctx context.Context) (*Report, error) {
	report := &Report{RunID: uuid.NewString()}
	started := time.Now()

	articles, err := g.source.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read corpus: %w", err)
	}
	if len(articles) == 0 {
		return nil, ErrEmptyCorpus
	}

	g.logger.Info("ingestion started", "run_id", report.RunID, "articles", len(articles))

	for _, article := range articles {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		g.ingestArticle(ctx, article, report)
	}

	report.Duration = time.Since(started)
	g.logger.Info("ingestion finished",
		"run_id", report.RunID,
		"articles", report.Articles,
		"skipped", report.Skipped,
		"unchanged", report.Unchanged,
		"chunks", report.Chunks,
		"reused", report.Reused,
		"embedded", report.Embedded,
		"failed", len(report.Failed),
		"duration", report.Duration)
	return report, nil
}

// ReingestArticle re-runs the pipeline for a single article, replacing
// its chunks in the index. Unchanged chunks keep their stored vectors.
func (g *Ingestor) ReingestArticle(ctx context.Context, articleID int64) (*Report, error) {
	report := &Report{RunID: uuid.NewString()}
	started := time.Now()

	article, err := g.source.Get(ctx, articleID)
	if err != nil {
		return nil, err
	}

	g.ingestArticle(ctx, article, report)
	report.Duration = time.Since(started)

	if len(report.Failed) > 0 {
		return report, report.Failed[0]
	}
	return report, nil
}

// ingestArticle commits one article: split, embed what is new, and swap
// the article's chunks in a single staged replacement. The index keeps
// the article's previous chunks whenever anything here fails, so readers
// see the old version or the new one, never a mix.
func (g *Ingestor) ingestArticle(ctx context.Context, article corpus.Article, report *Report) {
	if strings.TrimSpace(article.Text) == "" {
		report.Skipped++
		g.logger.Warn("skipping article with no text", "article_id", article.ID, "title", article.Title)
		return
	}
	report.Articles++

	chunks := g.splitter.Split(article.ID, article.Text)
	report.Chunks += len(chunks)
	if len(chunks) == 0 {
		report.Skipped++
		report.Articles--
		g.logger.Warn("article produced no chunks", "article_id", article.ID, "title", article.Title)
		return
	}

	entries := make([]index.Entry, len(chunks))
	var toEmbed []int
	for i, c := range chunks {
		if stored, ok := g.index.Get(ctx, c.ID); ok {
			entries[i] = entryFor(article, c, stored.Vector)
			report.Reused++
			continue
		}
		entries[i] = entryFor(article, c, nil)
		toEmbed = append(toEmbed, i)
	}

	if len(toEmbed) == 0 {
		report.Unchanged++
		return
	}

	texts := make([]string, len(toEmbed))
	for j, i := range toEmbed {
		texts[j] = chunks[i].Text
	}
	batch, err := g.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		report.Failed = append(report.Failed, ArticleError{
			ArticleID: article.ID,
			Title:     article.Title,
			Err:       fmt.Errorf("embedding failed: %w", err),
		})
		return
	}
	if len(batch.Failed) > 0 {
		// Partial articles are not committed; the previous version stays.
		report.Failed = append(report.Failed, ArticleError{
			ArticleID: article.ID,
			Title:     article.Title,
			Err:       fmt.Errorf("%d of %d chunks failed to embed: %v", len(batch.Failed), len(toEmbed), batch.Failed[0]),
		})
		return
	}
	for j, i := range toEmbed {
		entries[i].Vector = batch.Vectors[j]
	}
	report.Embedded += len(toEmbed)

	if err := g.index.ReplaceArticle(ctx, article.ID, entries); err != nil {
		report.Failed = append(report.Failed, ArticleError{
			ArticleID: article.ID,
			Title:     article.Title,
			Err:       fmt.Errorf("index replacement failed: %w", err),
		})
		return
	}

	g.logger.Debug("article ingested",
		"article_id", article.ID,
		"chunks", len(chunks),
		"embedded", len(toEmbed))
}

func entryFor(article corpus.Article, c chunk.Chunk, vector []float32) index.Entry {
	return index.Entry{
		ID:     c.ID,
		Vector: vector,
		Payload: index.Payload{
			ArticleID:    article.ID,
			ArticleTitle: article.Title,
			ArticleURL:   article.URL,
			Text:         c.Text,
			StartOffset:  c.StartOffset,
			EndOffset:    c.EndOffset,
			Ordinal:      c.Ordinal,
			ContentHash:  c.ContentHash,
		},
	}
}
