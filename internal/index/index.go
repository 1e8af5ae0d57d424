// Package index provides the durable vector store backing retrieval.
//
// The store is a chromem-go persistent collection living on the index
// volume. This wrapper adds the invariants chromem does not enforce:
// a fixed vector dimension and a single frozen model id per collection
// (recorded in a sidecar file and checked on every open and upsert), an
// advisory file lock so an operator ingest run cannot race a serving
// process, and per-article staged replacement so readers never observe a
// half-ingested article.
//
// Reads and writes may run concurrently; chromem's internal locking gives
// readers a consistent snapshot, and this wrapper serializes writers.
package index

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/gofrs/flock"
	chromem "github.com/philippgille/chromem-go"
)

// Sentinel errors, checked with errors.Is.
var (
	// ErrDimensionMismatch indicates a vector does not match the
	// collection's established dimension. The store is left unchanged.
	ErrDimensionMismatch = errors.New("vector dimension mismatch")

	// ErrModelMismatch indicates the index was built with a different
	// embedding model. Mixing model versions in one collection is
	// forbidden; re-index on model change.
	ErrModelMismatch = errors.New("index built with different embedding model")

	// ErrUnavailable indicates the store could not serve the operation.
	ErrUnavailable = errors.New("vector store unavailable")

	// ErrLocked indicates another process holds the index volume.
	ErrLocked = errors.New("index directory locked by another process")
)

const (
	collectionName = "lore"
	metaFileName   = "collection.json"
	lockFileName   = ".lorekeeper.lock"
)

// Payload is the chunk metadata stored alongside each vector.
type Payload struct {
	ArticleID    int64
	ArticleTitle string
	ArticleURL   string
	Text         string
	StartOffset  int
	EndOffset    int
	Ordinal      int
	ContentHash  string
}

// Entry is one (vector, payload) pair keyed by chunk id.
type Entry struct {
	ID      string
	Vector  []float32
	Payload Payload
}

// Hit is a query result, ordered by descending cosine similarity.
type Hit struct {
	ID         string
	Payload    Payload
	Similarity float32
}

// CollectionInfo describes the collection's fixed parameters.
type CollectionInfo struct {
	Count     int
	Dimension int
	ModelID   string
}

// collectionMeta is persisted next to the chromem files so the dimension
// and model id survive restarts and can be checked before any write.
type collectionMeta struct {
	ModelID   string `json:"model_id"`
	Dimension int    `json:"dimension"`
}

// Store wraps the persistent chromem collection.
//
// Store is safe for concurrent use.
type Store struct {
	dir        string
	lock       *flock.Flock
	db         *chromem.DB
	collection *chromem.Collection
	logger     *slog.Logger

	mu   sync.Mutex // serializes writers and meta updates
	meta collectionMeta
}

// Open opens (or creates) the index directory for the given model id.
// All committed writes survive restart. Returns ErrLocked if another
// process holds the volume and ErrModelMismatch if the on-disk collection
// was built with a different model.
func Open(dir, modelID string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create index directory: %w", err)
	}

	lock := flock.New(filepath.Join(dir, lockFileName))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock index directory: %w", err)
	}
	if !locked {
		return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
	}

	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("%w: failed to open index at %s: %v", ErrUnavailable, dir, err)
	}

	// The embedding func is never invoked: every document and query
	// carries a precomputed vector from the embedding provider.
	collection, err := db.GetOrCreateCollection(collectionName, map[string]string{"model_id": modelID}, rejectEmbeddingFunc)
	if err != nil {
		_ = lock.Unlock()
		return nil, fmt.Errorf("%w: failed to open collection: %v", ErrUnavailable, err)
	}

	s := &Store{
		dir:        dir,
		lock:       lock,
		db:         db,
		collection: collection,
		logger:     logger,
	}

	if err := s.loadMeta(); err != nil {
		_ = lock.Unlock()
		return nil, err
	}
	if s.meta.ModelID != "" && s.meta.ModelID != modelID {
		_ = lock.Unlock()
		return nil, fmt.Errorf("%w: index has %q, configured %q",
			ErrModelMismatch, s.meta.ModelID, modelID)
	}
	if s.meta.ModelID == "" {
		s.meta.ModelID = modelID
	}

	logger.Info("index opened", "dir", dir, "model", modelID, "entries", collection.Count())
	return s, nil
}

// rejectEmbeddingFunc guards against accidental text-side embedding inside
// the store; vectors must come from the embedding provider.
func rejectEmbeddingFunc(context.Context, string) ([]float32, error) {
	return nil, errors.New("index only accepts precomputed vectors")
}

// Close releases the index volume lock.
func (s *Store) Close() error {
	if err := s.lock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock index directory: %w", err)
	}
	return nil
}

// Upsert inserts or replaces one entry. A vector whose dimension differs
// from the collection's established dimension fails with
// ErrDimensionMismatch and leaves the store unchanged.
func (s *Store) Upsert(ctx context.Context, entry Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.upsertLocked(ctx, entry)
}

// UpsertBatch inserts or replaces entries as one writer turn. The batch is
// validated in full before anything is written, so a dimension mismatch
// anywhere leaves the store unchanged.
func (s *Store) UpsertBatch(ctx context.Context, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if err := s.checkDimensionLocked(e); err != nil {
			return err
		}
	}
	for _, e := range entries {
		if err := s.upsertLocked(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) upsertLocked(ctx context.Context, entry Entry) error {
	if err := s.checkDimensionLocked(entry); err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        entry.ID,
		Embedding: entry.Vector,
		Content:   entry.Payload.Text,
		Metadata:  payloadToMetadata(entry.Payload),
	}
	if err := s.collection.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("%w: failed to upsert %s: %v", ErrUnavailable, entry.ID, err)
	}

	if s.meta.Dimension == 0 {
		s.meta.Dimension = len(entry.Vector)
		if err := s.saveMetaLocked(); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) checkDimensionLocked(entry Entry) error {
	if len(entry.Vector) == 0 {
		return fmt.Errorf("%w: empty vector for %s", ErrDimensionMismatch, entry.ID)
	}
	if s.meta.Dimension != 0 && len(entry.Vector) != s.meta.Dimension {
		return fmt.Errorf("%w: got %d, collection has %d",
			ErrDimensionMismatch, len(entry.Vector), s.meta.Dimension)
	}
	return nil
}

// Delete removes entries by id. Missing ids are not an error.
func (s *Store) Delete(ctx context.Context, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.collection.Delete(ctx, nil, nil, ids...); err != nil {
		return fmt.Errorf("%w: failed to delete: %v", ErrUnavailable, err)
	}
	return nil
}

// DeleteArticle removes every chunk belonging to the article.
func (s *Store) DeleteArticle(ctx context.Context, articleID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteArticleLocked(ctx, articleID)
}

func (s *Store) deleteArticleLocked(ctx context.Context, articleID int64) error {
	if s.collection.Count() == 0 {
		return nil
	}
	where := map[string]string{"article_id": strconv.FormatInt(articleID, 10)}
	if err := s.collection.Delete(ctx, where, nil); err != nil {
		return fmt.Errorf("%w: failed to delete article %d: %v", ErrUnavailable, articleID, err)
	}
	return nil
}

// ReplaceArticle atomically (with respect to other writers) swaps an
// article's chunks: existing entries for the article are removed, then the
// staged entries are inserted. Entries are validated before any mutation,
// so a bad batch leaves the old chunks in place.
func (s *Store) ReplaceArticle(ctx context.Context, articleID int64, entries []Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		if err := s.checkDimensionLocked(e); err != nil {
			return err
		}
	}

	if err := s.deleteArticleLocked(ctx, articleID); err != nil {
		return err
	}
	for _, e := range entries {
		if err := s.upsertLocked(ctx, e); err != nil {
			return err
		}
	}

	s.logger.Debug("replaced article chunks", "article_id", articleID, "chunks", len(entries))
	return nil
}

// Has reports whether an entry with the given id exists.
func (s *Store) Has(ctx context.Context, id string) bool {
	_, err := s.collection.GetByID(ctx, id)
	return err == nil
}

// Get returns the stored entry for the id, if present. Re-ingestion uses
// this to reuse vectors for chunks whose content hash is unchanged.
func (s *Store) Get(ctx context.Context, id string) (Entry, bool) {
	doc, err := s.collection.GetByID(ctx, id)
	if err != nil {
		return Entry{}, false
	}
	return Entry{
		ID:      doc.ID,
		Vector:  doc.Embedding,
		Payload: metadataToPayload(doc.Content, doc.Metadata),
	}, true
}

// Query returns up to k entries nearest to the query vector, ordered by
// descending cosine similarity. Filters match payload metadata exactly.
// An empty collection yields an empty result, not an error.
func (s *Store) Query(ctx context.Context, vector []float32, k int, filters map[string]string) ([]Hit, error) {
	if k < 1 {
		return nil, fmt.Errorf("k must be positive, got %d", k)
	}
	if dim := s.Dimension(); dim != 0 && len(vector) != dim {
		return nil, fmt.Errorf("%w: query has %d, collection has %d", ErrDimensionMismatch, len(vector), dim)
	}

	// chromem rejects nResults greater than the collection size.
	count := s.collection.Count()
	if count == 0 {
		return nil, nil
	}
	if k > count {
		k = count
	}

	results, err := s.collection.QueryEmbedding(ctx, vector, k, filters, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: query failed: %v", ErrUnavailable, err)
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:         r.ID,
			Payload:    metadataToPayload(r.Content, r.Metadata),
			Similarity: r.Similarity,
		})
	}
	return hits, nil
}

// Info returns the collection's count, dimension and model id.
func (s *Store) Info(context.Context) CollectionInfo {
	s.mu.Lock()
	meta := s.meta
	s.mu.Unlock()

	return CollectionInfo{
		Count:     s.collection.Count(),
		Dimension: meta.Dimension,
		ModelID:   meta.ModelID,
	}
}

// Dimension returns the established vector dimension, 0 if none yet.
func (s *Store) Dimension() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.Dimension
}

func (s *Store) metaPath() string {
	return filepath.Join(s.dir, metaFileName)
}

func (s *Store) loadMeta() error {
	data, err := os.ReadFile(s.metaPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to read collection meta: %w", err)
	}
	if err := json.Unmarshal(data, &s.meta); err != nil {
		return fmt.Errorf("failed to parse collection meta: %w", err)
	}
	return nil
}

func (s *Store) saveMetaLocked() error {
	data, err := json.Marshal(s.meta)
	if err != nil {
		return fmt.Errorf("failed to marshal collection meta: %w", err)
	}
	if err := os.WriteFile(s.metaPath(), data, 0o640); err != nil {
		return fmt.Errorf("failed to write collection meta: %w", err)
	}
	return nil
}

func payloadToMetadata(p Payload) map[string]string {
	return map[string]string{
		"article_id":    strconv.FormatInt(p.ArticleID, 10),
		"article_title": p.ArticleTitle,
		"article_url":   p.ArticleURL,
		"start_offset":  strconv.Itoa(p.StartOffset),
		"end_offset":    strconv.Itoa(p.EndOffset),
		"ordinal":       strconv.Itoa(p.Ordinal),
		"content_hash":  p.ContentHash,
	}
}

func metadataToPayload(content string, m map[string]string) Payload {
	articleID, _ := strconv.ParseInt(m["article_id"], 10, 64)
	start, _ := strconv.Atoi(m["start_offset"])
	end, _ := strconv.Atoi(m["end_offset"])
	ordinal, _ := strconv.Atoi(m["ordinal"])

	return Payload{
		ArticleID:    articleID,
		ArticleTitle: m["article_title"],
		ArticleURL:   m["article_url"],
		Text:         content,
		StartOffset:  start,
		EndOffset:    end,
		Ordinal:      ordinal,
		ContentHash:  m["content_hash"],
	}
}
