// Package retrieve answers queries with ranked lore passages.
//
// A query is embedded once, the index is oversampled beyond the requested
// passage count, candidates are rescored and deduplicated, and the final
// selection is cut to a character budget so the caller can hand it to a
// generation model without measuring anything.
package retrieve

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/remembrancer/lorekeeper/internal/index"
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrEmptyQuery indicates the query held no usable text.
	ErrEmptyQuery = errors.New("query is empty")

	// ErrTimeout indicates retrieval exceeded its time budget.
	ErrTimeout = errors.New("retrieval timed out")

	// ErrStoreUnavailable indicates the vector store could not serve the
	// query. Callers degrade instead of failing the whole turn.
	ErrStoreUnavailable = errors.New("vector store unavailable")
)

// Embedder maps a query to a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Index serves nearest-neighbor queries over chunk vectors.
type Index interface {
	Query(ctx context.Context, vector []float32, k int, filters map[string]string) ([]index.Hit, error)
}

// Config tunes retrieval. Zero values fall back to safe defaults.
type Config struct {
	TopK            int           // passages returned (default 5)
	Oversample      int           // candidate multiplier before rescoring (default 4)
	MaxContextChars int           // character budget for the final selection (default 6000)
	Timeout         time.Duration // per-query budget (default 15s)

	// LexicalWeight blends token overlap with cosine similarity:
	// score = (1-w)*similarity + w*overlap. Zero disables the blend.
	LexicalWeight float64
}

// Passage is one ranked retrieval result.
type Passage struct {
	ChunkID      string
	ArticleID    int64
	ArticleTitle string
	ArticleURL   string
	Text         string
	Ordinal      int
	Similarity   float32 // raw cosine similarity from the index
	Score        float64 // final ranking score
}

// Result is the outcome of one retrieval.
type Result struct {
	Passages  []Passage
	Truncated bool // passages were dropped to fit the character budget
	Elapsed   time.Duration
}

// Retriever executes the query pipeline. Safe for concurrent use.
type Retriever struct {
	embedder Embedder
	index    Index
	cfg      Config
	logger   *slog.Logger
}

func New(embedder Embedder, idx Index, cfg Config, logger *slog.Logger) *Retriever {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TopK < 1 {
		cfg.TopK = 5
	}
	if cfg.Oversample < 1 {
		cfg.Oversample = 4
	}
	if cfg.MaxContextChars < 1 {
		cfg.MaxContextChars = 6000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &Retriever{embedder: embedder, index: idx, cfg: cfg, logger: logger}
}

// Retrieve returns the best passages for the query, ordered by descending
// score with chunk id as the deterministic tie-break. An empty index
// yields an empty result, not an error.
func (r *Retriever) Retrieve(ctx context.Context, query string) (*Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, ErrEmptyQuery
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	started := time.Now()

	vec, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, r.mapErr(ctx, fmt.Errorf("failed to embed query: %w", err))
	}

	hits, err := r.index.Query(ctx, vec, r.cfg.TopK*r.cfg.Oversample, nil)
	if err != nil {
		if errors.Is(err, index.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return nil, r.mapErr(ctx, fmt.Errorf("index query failed: %w", err))
	}
	if len(hits) == 0 {
		return &Result{Elapsed: time.Since(started)}, nil
	}

	passages := r.rank(query, hits)
	if len(passages) > r.cfg.TopK {
		passages = passages[:r.cfg.TopK]
	}

	result := &Result{Elapsed: time.Since(started)}
	result.Passages, result.Truncated = fitBudget(passages, r.cfg.MaxContextChars)

	r.logger.Debug("retrieval complete",
		"candidates", len(hits),
		"passages", len(result.Passages),
		"truncated", result.Truncated,
		"elapsed", result.Elapsed)
	return result, nil
}

func (r *Retriever) mapErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w after %s", ErrTimeout, r.cfg.Timeout)
	}
	return err
}

// rank rescores hits and orders them deterministically: descending score,
// then ascending chunk id so equal scores never reorder between runs.
func (r *Retriever) rank(query string, hits []index.Hit) []Passage {
	queryTokens := tokenSet(query)

	passages := make([]Passage, len(hits))
	for i, h := range hits {
		score := float64(h.Similarity)
		if r.cfg.LexicalWeight > 0 {
			w := r.cfg.LexicalWeight
			score = (1-w)*score + w*overlap(queryTokens, h.Payload.Text)
		}
		passages[i] = Passage{
			ChunkID:      h.ID,
			ArticleID:    h.Payload.ArticleID,
			ArticleTitle: h.Payload.ArticleTitle,
			ArticleURL:   h.Payload.ArticleURL,
			Text:         h.Payload.Text,
			Ordinal:      h.Payload.Ordinal,
			Similarity:   h.Similarity,
			Score:        score,
		}
	}

	sort.Slice(passages, func(i, j int) bool {
		if passages[i].Score != passages[j].Score {
			return passages[i].Score > passages[j].Score
		}
		return passages[i].ChunkID < passages[j].ChunkID
	})
	return passages
}

// fitBudget keeps whole passages in rank order until the next one would
// exceed the character budget. Passages are never cut mid-text.
func fitBudget(passages []Passage, budget int) ([]Passage, bool) {
	total := 0
	for i, p := range passages {
		total += len(p.Text)
		if total > budget {
			return passages[:i], true
		}
	}
	return passages, false
}

// BuildContext renders passages into a single prompt block, each passage
// attributed to its source article.
func BuildContext(passages []Passage) string {
	if len(passages) == 0 {
		return ""
	}

	var b strings.Builder
	for i, p := range passages {
		if i > 0 {
			b.WriteString("\n\n---\n\n")
		}
		fmt.Fprintf(&b, "Source: %s", p.ArticleTitle)
		if p.ArticleURL != "" {
			fmt.Fprintf(&b, " (%s)", p.ArticleURL)
		}
		b.WriteString("\n")
		b.WriteString(p.Text)
	}
	return b.String()
}

func tokenSet(text string) map[string]struct{} {
	set := make(map[string]struct{})
	for _, tok := range strings.Fields(strings.ToLower(text)) {
		tok = strings.Trim(tok, ".,;:!?\"'()[]")
		if tok != "" {
			set[tok] = struct{}{}
		}
	}
	return set
}

// overlap is the fraction of query tokens present in the passage.
func overlap(queryTokens map[string]struct{}, text string) float64 {
	if len(queryTokens) == 0 {
		return 0
	}
	passageTokens := tokenSet(text)
	matched := 0
	for tok := range queryTokens {
		if _, ok := passageTokens[tok]; ok {
			matched++
		}
	}
	return float64(matched) / float64(len(queryTokens))
}
