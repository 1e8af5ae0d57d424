// Package app assembles the service from its parts: corpus, embedding
// provider, vector index, retriever, ingestor and session manager. The
// cmd layer talks only to App.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/firebase/genkit/go/ai"

	"github.com/remembrancer/lorekeeper/internal/chunk"
	"github.com/remembrancer/lorekeeper/internal/config"
	"github.com/remembrancer/lorekeeper/internal/corpus"
	"github.com/remembrancer/lorekeeper/internal/embed"
	"github.com/remembrancer/lorekeeper/internal/index"
	"github.com/remembrancer/lorekeeper/internal/ingest"
	"github.com/remembrancer/lorekeeper/internal/retrieve"
	"github.com/remembrancer/lorekeeper/internal/session"
)

// lexicalWeight is the blend factor applied when lexical re-ranking is
// enabled in configuration.
const lexicalWeight = 0.25

// Option customizes construction, mainly for tests.
type Option func(*options)

type options struct {
	embedder ai.Embedder
}

// WithEmbedder substitutes the embedding model, bypassing Genkit
// initialization. Used by tests to run fully offline.
func WithEmbedder(e ai.Embedder) Option {
	return func(o *options) { o.embedder = e }
}

// App owns every long-lived component. Close releases them in reverse
// construction order.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	corpus    *corpus.Store
	provider  *embed.Provider
	index     *index.Store
	retriever *retrieve.Retriever
	ingestor  *ingest.Ingestor
	sessions  *session.Manager
}

// New wires the service. The embedding model is probed before anything
// else is served: an unreachable model is fatal, not degradable.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var o options
	for _, opt := range opts {
		opt(&o)
	}

	ecfg := embed.Config{
		ModelID:     cfg.EmbedderModel,
		MaxChars:    cfg.EmbedMaxChars,
		BatchSize:   cfg.EmbedBatchSize,
		Concurrency: int64(cfg.EmbedConcurrency),
		Retries:     uint64(cfg.EmbedRetries),
	}

	var (
		provider *embed.Provider
		err      error
	)
	if o.embedder != nil {
		provider = embed.New(o.embedder, ecfg, logger)
	} else {
		provider, err = embed.NewGoogleAI(ctx, ecfg, logger)
		if err != nil {
			return nil, err
		}
	}
	if err := provider.Probe(ctx); err != nil {
		return nil, err
	}

	corpusStore, err := corpus.Open(cfg.CorpusPath)
	if err != nil {
		return nil, err
	}

	idx, err := index.Open(cfg.IndexDir, cfg.EmbedderModel, logger)
	if err != nil {
		_ = corpusStore.Close()
		return nil, err
	}

	rcfg := retrieve.Config{
		TopK:            cfg.TopK,
		Oversample:      cfg.Oversample,
		MaxContextChars: cfg.MaxContextChars,
		Timeout:         cfg.RetrievalTimeout,
	}
	if cfg.LexicalRerank {
		rcfg.LexicalWeight = lexicalWeight
	}

	a := &App{
		cfg:      cfg,
		logger:   logger,
		corpus:   corpusStore,
		provider: provider,
		index:    idx,
	}
	a.retriever = retrieve.New(provider, idx, rcfg, logger)
	a.ingestor = ingest.New(corpusStore,
		chunk.NewSplitter(cfg.ChunkSize, cfg.ChunkOverlap, cfg.MinChunkLength),
		provider, idx, logger)
	a.sessions = session.NewManager(a, session.Config{
		IdleTimeout:   cfg.SessionTimeout,
		MaxTurns:      cfg.MaxHistoryTurns,
		RatePerMinute: int(cfg.UserRatePerMin),
	}, logger)

	logger.Info("service assembled",
		"corpus", cfg.CorpusPath,
		"index", cfg.IndexDir,
		"model", cfg.EmbedderModel,
		"model_cache", cfg.ModelCacheDir)
	return a, nil
}

// Close releases all components. Safe to call once.
func (a *App) Close() error {
	var errs []error
	if err := a.sessions.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.index.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := a.corpus.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Respond implements session.Responder: one retrieval per turn.
func (a *App) Respond(ctx context.Context, query string) (*retrieve.Result, error) {
	return a.retriever.Retrieve(ctx, query)
}

// Ask runs one conversational turn for the user.
func (a *App) Ask(ctx context.Context, userID, text string) (session.Turn, error) {
	return a.sessions.HandleMessage(ctx, userID, text)
}

// AnswerContext is the boundary operation for transport adapters: it runs
// a turn and hands back the ranked grounding passages. A degraded turn
// yields an empty slice, not an error.
func (a *App) AnswerContext(ctx context.Context, userID, question string) ([]retrieve.Passage, error) {
	turn, err := a.sessions.HandleMessage(ctx, userID, question)
	if err != nil {
		return nil, err
	}
	return turn.Passages, nil
}

// History returns the user's recorded turns.
func (a *App) History(userID string) []session.Turn {
	return a.sessions.History(userID)
}

// Reset drops the user's session.
func (a *App) Reset(userID string) {
	a.sessions.Reset(userID)
}

// IngestCorpus runs a full corpus ingestion.
func (a *App) IngestCorpus(ctx context.Context) (*ingest.Report, error) {
	return a.ingestor.Run(ctx)
}

// ReingestArticle rebuilds one article's chunks in the index.
func (a *App) ReingestArticle(ctx context.Context, articleID int64) (*ingest.Report, error) {
	return a.ingestor.ReingestArticle(ctx, articleID)
}

// Stats describes the service's current state.
type Stats struct {
	Articles       int
	IndexedChunks  int
	Dimension      int
	ModelID        string
	ActiveSessions int
}

// Stats reports corpus and index state.
func (a *App) Stats(ctx context.Context) (Stats, error) {
	articles, err := a.corpus.Count(ctx)
	if err != nil {
		return Stats{}, fmt.Errorf("failed to count articles: %w", err)
	}
	info := a.index.Info(ctx)
	return Stats{
		Articles:       articles,
		IndexedChunks:  info.Count,
		Dimension:      info.Dimension,
		ModelID:        info.ModelID,
		ActiveSessions: a.sessions.ActiveSessions(),
	}, nil
}
