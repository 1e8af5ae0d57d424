// Package embed wraps the frozen embedding model behind a single boundary.
//
// Everything that talks to the model goes through Provider: the concurrency
// cap, the input length limit and per-item retry policy are enforced here
// so the rest of the system can treat embedding as a plain capability.
package embed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/firebase/genkit/go/ai"
	"golang.org/x/sync/semaphore"
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrModelUnavailable indicates the embedding model could not be
	// loaded or reached. Fatal at startup: the process must not serve.
	ErrModelUnavailable = errors.New("embedding model unavailable")

	// ErrInputTooLong indicates raw input exceeds the model's hard limit.
	// Inputs are rejected, never silently truncated.
	ErrInputTooLong = errors.New("input exceeds embedding length limit")

	// ErrEmptyEmbedding indicates the model returned no vector.
	ErrEmptyEmbedding = errors.New("model returned empty embedding")
)

// Config tunes the provider. Zero values fall back to safe defaults.
type Config struct {
	ModelID     string // frozen model identifier, recorded in the index
	MaxChars    int    // hard input limit per text (default 8192)
	BatchSize   int    // texts per model call (default 32)
	Concurrency int64  // concurrent model calls (default 4)
	Retries     uint64 // per-item retry attempts on transient failure (default 3)
}

// ItemError reports a single failed item within a batch.
type ItemError struct {
	Index int
	Err   error
}

func (e ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

// BatchResult is the outcome of EmbedBatch. Vectors preserves input order;
// entries for failed items are nil and listed in Failed.
type BatchResult struct {
	Vectors [][]float32
	Failed  []ItemError
}

// Provider maps text to fixed-dimension vectors using a frozen model.
//
// Provider is safe for concurrent use; calls beyond the concurrency cap
// queue on an internal semaphore rather than fail.
type Provider struct {
	embedder  ai.Embedder
	modelID   string
	maxChars  int
	batchSize int
	retries   uint64
	sem       *semaphore.Weighted
	logger    *slog.Logger

	dimension atomic.Int64 // learned from the first successful call
}

// New wraps an ai.Embedder. The model is treated as frozen: modelID is
// recorded with every collection and must match on reopen.
func New(embedder ai.Embedder, cfg Config, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxChars < 1 {
		cfg.MaxChars = 8192
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 32
	}
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 4
	}
	if cfg.Retries == 0 {
		cfg.Retries = 3
	}

	return &Provider{
		embedder:  embedder,
		modelID:   cfg.ModelID,
		maxChars:  cfg.MaxChars,
		batchSize: cfg.BatchSize,
		retries:   cfg.Retries,
		sem:       semaphore.NewWeighted(cfg.Concurrency),
		logger:    logger,
	}
}

// ModelID returns the frozen model identifier.
func (p *Provider) ModelID() string {
	return p.modelID
}

// Dimension returns the vector dimension, or 0 before the first
// successful call.
func (p *Provider) Dimension() int {
	return int(p.dimension.Load())
}

// Probe verifies the model is loadable and reachable. Called once at
// startup; failure maps to ErrModelUnavailable and the process must not
// serve requests.
func (p *Provider) Probe(ctx context.Context) error {
	vec, err := p.Embed(ctx, "probe")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrModelUnavailable, err)
	}
	p.logger.Info("embedding model ready", "model", p.modelID, "dimension", len(vec))
	return nil
}

// Embed maps a single text to a vector. Deterministic for identical input
// and model version.
func (p *Provider) Embed(ctx context.Context, text string) ([]float32, error) {
	if len(text) > p.maxChars {
		return nil, fmt.Errorf("%w: %d chars, limit %d", ErrInputTooLong, len(text), p.maxChars)
	}

	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("failed to acquire embedding slot: %w", err)
	}
	defer p.sem.Release(1)

	return p.embedOne(ctx, text)
}

// EmbedBatch maps texts to vectors, preserving order. A transient failure
// on one item does not fail the batch: the item is retried with bounded
// backoff and, if it still fails, reported in BatchResult.Failed while the
// rest of the batch succeeds.
func (p *Provider) EmbedBatch(ctx context.Context, texts []string) (*BatchResult, error) {
	result := &BatchResult{
		Vectors: make([][]float32, len(texts)),
	}

	// Reject over-length items up front; they are caller errors, not
	// transient failures, so no retry.
	pending := make([]int, 0, len(texts))
	for i, text := range texts {
		if len(text) > p.maxChars {
			result.Failed = append(result.Failed, ItemError{
				Index: i,
				Err:   fmt.Errorf("%w: %d chars, limit %d", ErrInputTooLong, len(text), p.maxChars),
			})
			continue
		}
		pending = append(pending, i)
	}

	for start := 0; start < len(pending); start += p.batchSize {
		end := min(start+p.batchSize, len(pending))
		batch := pending[start:end]

		if err := p.sem.Acquire(ctx, 1); err != nil {
			return nil, fmt.Errorf("failed to acquire embedding slot: %w", err)
		}
		vecs, err := p.embedMany(ctx, texts, batch)
		p.sem.Release(1)

		if err == nil {
			for j, idx := range batch {
				result.Vectors[idx] = vecs[j]
			}
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// The batch call failed as a whole; isolate items and retry each
		// with bounded backoff so one bad item cannot sink its neighbors.
		p.logger.Warn("embedding batch failed, isolating items",
			"batch_size", len(batch), "error", err)
		for _, idx := range batch {
			vec, itemErr := p.embedWithRetry(ctx, texts[idx])
			if itemErr != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				result.Failed = append(result.Failed, ItemError{Index: idx, Err: itemErr})
				continue
			}
			result.Vectors[idx] = vec
		}
	}

	return result, nil
}

// embedWithRetry retries a single item with exponential backoff, up to the
// configured attempt count.
func (p *Provider) embedWithRetry(ctx context.Context, text string) ([]float32, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 200 * time.Millisecond
	bo.MaxInterval = 5 * time.Second

	var vec []float32
	err := backoff.Retry(func() error {
		var embedErr error
		vec, embedErr = p.embedOne(ctx, text)
		return embedErr
	}, backoff.WithContext(backoff.WithMaxRetries(bo, p.retries), ctx))
	if err != nil {
		return nil, err
	}
	return vec, nil
}

func (p *Provider) embedOne(ctx context.Context, text string) ([]float32, error) {
	resp, err := p.embedder.Embed(ctx, &ai.EmbedRequest{
		Input: []*ai.Document{ai.DocumentFromText(text, nil)},
	})
	if err != nil {
		return nil, fmt.Errorf("embed failed: %w", err)
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, ErrEmptyEmbedding
	}

	vec := resp.Embeddings[0].Embedding
	p.dimension.CompareAndSwap(0, int64(len(vec)))
	return vec, nil
}

// embedMany issues one model call for the selected indices and returns
// vectors in selection order.
func (p *Provider) embedMany(ctx context.Context, texts []string, indices []int) ([][]float32, error) {
	docs := make([]*ai.Document, len(indices))
	for i, idx := range indices {
		docs[i] = ai.DocumentFromText(texts[idx], nil)
	}

	resp, err := p.embedder.Embed(ctx, &ai.EmbedRequest{Input: docs})
	if err != nil {
		return nil, fmt.Errorf("embed failed: %w", err)
	}
	if len(resp.Embeddings) != len(indices) {
		return nil, fmt.Errorf("model returned %d embeddings for %d inputs", len(resp.Embeddings), len(indices))
	}

	vecs := make([][]float32, len(indices))
	for i, e := range resp.Embeddings {
		if len(e.Embedding) == 0 {
			return nil, ErrEmptyEmbedding
		}
		vecs[i] = e.Embedding
	}
	p.dimension.CompareAndSwap(0, int64(len(vecs[0])))
	return vecs, nil
}
