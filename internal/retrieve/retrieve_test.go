package retrieve

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/remembrancer/lorekeeper/internal/index"
	"github.com/remembrancer/lorekeeper/internal/log"
	"github.com/remembrancer/lorekeeper/internal/testutil"
)

type fakeEmbedder struct {
	vec   []float32
	err   error
	delay time.Duration
}

func (f *fakeEmbedder) Embed(ctx context.Context, _ string) ([]float32, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	return f.vec, nil
}

type fakeIndex struct {
	hits  []index.Hit
	err   error
	lastK int
}

func (f *fakeIndex) Query(_ context.Context, _ []float32, k int, _ map[string]string) ([]index.Hit, error) {
	f.lastK = k
	if f.err != nil {
		return nil, f.err
	}
	if k > len(f.hits) {
		k = len(f.hits)
	}
	return f.hits[:k], nil
}

func hit(id string, articleID int64, sim float32, text string) index.Hit {
	return index.Hit{
		ID:         id,
		Similarity: sim,
		Payload: index.Payload{
			ArticleID:    articleID,
			ArticleTitle: "Article",
			Text:         text,
		},
	}
}

func newRetriever(idx Index, cfg Config) *Retriever {
	return New(&fakeEmbedder{vec: []float32{1, 0}}, idx, cfg, log.NewNop())
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	r := newRetriever(&fakeIndex{}, Config{})

	if _, err := r.Retrieve(context.Background(), "  \n "); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("got %v, want ErrEmptyQuery", err)
	}
}

func TestRetrieve_EmptyIndex(t *testing.T) {
	r := newRetriever(&fakeIndex{}, Config{})

	res, err := r.Retrieve(context.Background(), "who is the Emperor")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Passages) != 0 {
		t.Errorf("empty index produced %d passages", len(res.Passages))
	}
}

func TestRetrieve_OversamplesThenCutsToTopK(t *testing.T) {
	idx := &fakeIndex{hits: []index.Hit{
		hit("c1", 1, 0.9, "one"),
		hit("c2", 1, 0.8, "two"),
		hit("c3", 2, 0.7, "three"),
		hit("c4", 2, 0.6, "four"),
	}}
	r := newRetriever(idx, Config{TopK: 2, Oversample: 3})

	res, err := r.Retrieve(context.Background(), "query")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if idx.lastK != 6 {
		t.Errorf("index queried with k=%d, want TopK*Oversample=6", idx.lastK)
	}
	if len(res.Passages) != 2 {
		t.Fatalf("got %d passages, want 2", len(res.Passages))
	}
	if res.Passages[0].ChunkID != "c1" || res.Passages[1].ChunkID != "c2" {
		t.Errorf("order = [%s %s]", res.Passages[0].ChunkID, res.Passages[1].ChunkID)
	}
}

func TestRetrieve_EqualScoresTieBreakOnChunkID(t *testing.T) {
	idx := &fakeIndex{hits: []index.Hit{
		hit("zzz", 1, 0.5, "same score"),
		hit("aaa", 2, 0.5, "same score"),
	}}
	r := newRetriever(idx, Config{TopK: 2})

	res, err := r.Retrieve(context.Background(), "query")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.Passages[0].ChunkID != "aaa" {
		t.Errorf("tie broken as [%s %s], want ascending chunk id",
			res.Passages[0].ChunkID, res.Passages[1].ChunkID)
	}
}

func TestRetrieve_LexicalBlendPromotesOverlap(t *testing.T) {
	idx := &fakeIndex{hits: []index.Hit{
		hit("vec", 1, 0.80, "unrelated words entirely"),
		hit("lex", 2, 0.78, "the siege of terra ended the heresy"),
	}}
	r := newRetriever(idx, Config{TopK: 2, LexicalWeight: 0.25})

	res, err := r.Retrieve(context.Background(), "siege of terra")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if res.Passages[0].ChunkID != "lex" {
		t.Errorf("lexical blend did not promote the overlapping passage: %s first", res.Passages[0].ChunkID)
	}
}

func TestRetrieve_BudgetKeepsWholePassages(t *testing.T) {
	idx := &fakeIndex{hits: []index.Hit{
		hit("c1", 1, 0.9, strings.Repeat("a", 40)),
		hit("c2", 1, 0.8, strings.Repeat("b", 40)),
		hit("c3", 1, 0.7, strings.Repeat("c", 40)),
	}}
	r := newRetriever(idx, Config{TopK: 3, MaxContextChars: 90})

	res, err := r.Retrieve(context.Background(), "query")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Passages) != 2 {
		t.Fatalf("got %d passages, want 2 whole ones under the budget", len(res.Passages))
	}
	if !res.Truncated {
		t.Error("result not marked truncated")
	}
	for _, p := range res.Passages {
		if len(p.Text) != 40 {
			t.Error("a passage was cut mid-text")
		}
	}
}

func TestRetrieve_StoreUnavailable(t *testing.T) {
	idx := &fakeIndex{err: index.ErrUnavailable}
	r := newRetriever(idx, Config{})

	_, err := r.Retrieve(context.Background(), "query")
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Errorf("got %v, want ErrStoreUnavailable", err)
	}
}

func TestRetrieve_Timeout(t *testing.T) {
	emb := &fakeEmbedder{vec: []float32{1, 0}, delay: 200 * time.Millisecond}
	r := New(emb, &fakeIndex{}, Config{Timeout: 20 * time.Millisecond}, log.NewNop())

	_, err := r.Retrieve(context.Background(), "query")
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("got %v, want ErrTimeout", err)
	}
}

// End-to-end over a real on-disk index with the deterministic embedder:
// passages about the queried subject must outrank unrelated lore.
func TestRetrieve_AgainstRealIndex(t *testing.T) {
	ctx := context.Background()
	emb := &testutil.LexicalEmbedder{}

	store, err := index.Open(t.TempDir(), "lexical-test-embedder", log.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	docs := map[string]string{
		"terra":  "Terra is the throneworld of the Imperium and seat of the Golden Throne.",
		"mars":   "Mars is the forge world of the Adeptus Mechanicus and its tech-priests.",
		"fenris": "Fenris is the death world home of the Space Wolves chapter.",
	}
	id := int64(0)
	for chunkID, text := range docs {
		id++
		err := store.Upsert(ctx, index.Entry{
			ID:     chunkID,
			Vector: emb.Vector(text),
			Payload: index.Payload{
				ArticleID:    id,
				ArticleTitle: strings.ToUpper(chunkID),
				Text:         text,
			},
		})
		if err != nil {
			t.Fatalf("Upsert %s: %v", chunkID, err)
		}
	}

	r := New(lexicalQueryEmbedder{emb}, store, Config{TopK: 2}, log.NewNop())

	res, err := r.Retrieve(ctx, "who rules the forge world of Mars")
	if err != nil {
		t.Fatalf("Retrieve: %v", err)
	}
	if len(res.Passages) == 0 || res.Passages[0].ChunkID != "mars" {
		t.Errorf("expected mars passage first, got %+v", res.Passages)
	}

	block := BuildContext(res.Passages)
	if !strings.Contains(block, "Source:") || !strings.Contains(block, "forge world") {
		t.Errorf("context block missing attribution or text:\n%s", block)
	}
}

func TestRetrieve_DeterministicAcrossCalls(t *testing.T) {
	ctx := context.Background()
	emb := &testutil.LexicalEmbedder{}

	store, err := index.Open(t.TempDir(), "lexical-test-embedder", log.NewNop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer store.Close()

	texts := []string{
		"The Horus Heresy began in M31.",
		"The Great Crusade reunited the scattered worlds of humanity.",
		"The Emperor led the Great Crusade from Terra before the Heresy.",
		"Roboute Guilliman wrote the Codex Astartes after the Heresy ended.",
	}
	for i, text := range texts {
		err := store.Upsert(ctx, index.Entry{
			ID:      fmt.Sprintf("chunk-%d", i),
			Vector:  emb.Vector(text),
			Payload: index.Payload{ArticleID: int64(i), Text: text},
		})
		if err != nil {
			t.Fatalf("Upsert: %v", err)
		}
	}

	r := New(lexicalQueryEmbedder{emb}, store, Config{TopK: 3}, log.NewNop())

	first, err := r.Retrieve(ctx, "When did the Horus Heresy start?")
	if err != nil {
		t.Fatalf("first Retrieve: %v", err)
	}
	second, err := r.Retrieve(ctx, "When did the Horus Heresy start?")
	if err != nil {
		t.Fatalf("second Retrieve: %v", err)
	}

	if len(first.Passages) != len(second.Passages) {
		t.Fatalf("result sizes differ: %d vs %d", len(first.Passages), len(second.Passages))
	}
	for i := range first.Passages {
		if first.Passages[i].ChunkID != second.Passages[i].ChunkID {
			t.Errorf("position %d differs: %s vs %s",
				i, first.Passages[i].ChunkID, second.Passages[i].ChunkID)
		}
	}

	// The chunk that states when the Heresy began must rank first.
	single := New(lexicalQueryEmbedder{emb}, store, Config{TopK: 1}, log.NewNop())
	res, err := single.Retrieve(ctx, "When did the Horus Heresy start?")
	if err != nil {
		t.Fatalf("Retrieve k=1: %v", err)
	}
	if len(res.Passages) != 1 || res.Passages[0].ChunkID != "chunk-0" {
		t.Errorf("top passage = %+v, want the Horus Heresy chunk", res.Passages)
	}
}

// lexicalQueryEmbedder adapts the deterministic test embedder to the
// query-side Embedder interface.
type lexicalQueryEmbedder struct {
	emb *testutil.LexicalEmbedder
}

func (l lexicalQueryEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return l.emb.Vector(text), nil
}
