package app

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"go.uber.org/goleak"
	_ "modernc.org/sqlite"

	"github.com/remembrancer/lorekeeper/internal/config"
	"github.com/remembrancer/lorekeeper/internal/log"
	"github.com/remembrancer/lorekeeper/internal/testutil"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func writeCorpus(t *testing.T, path string) {
	t.Helper()

	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("open corpus: %v", err)
	}
	defer db.Close()

	stmts := []string{
		`CREATE TABLE articles (
			id INTEGER PRIMARY KEY,
			final_title TEXT,
			content TEXT,
			article_url TEXT,
			entities TEXT
		)`,
		`CREATE TABLE sources (
			article_id INTEGER,
			source_text TEXT
		)`,
		`INSERT INTO articles (id, final_title, content, article_url) VALUES
			(1, 'Terra', 'Terra is the throneworld of the Imperium of Man and the seat of the Golden Throne, where the Emperor has sat for ten thousand years.', 'https://wiki/Terra'),
			(2, 'Mars', 'Mars is the forge world of the Adeptus Mechanicus, home of the tech-priests and the great manufactoria that arm the Imperium.', 'https://wiki/Mars')`,
		`INSERT INTO sources (article_id, source_text) VALUES (1, 'Codex Imperialis')`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			t.Fatalf("corpus setup: %v", err)
		}
	}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	corpusPath := filepath.Join(dir, "corpus.db")
	writeCorpus(t, corpusPath)

	return &config.Config{
		IndexDir:         filepath.Join(dir, "index"),
		CorpusPath:       corpusPath,
		EmbedderModel:    "lexical-test-embedder",
		EmbedBatchSize:   8,
		EmbedConcurrency: 2,
		EmbedMaxChars:    8192,
		EmbedRetries:     1,
		ChunkSize:        200,
		ChunkOverlap:     20,
		MinChunkLength:   10,
		TopK:             3,
		Oversample:       2,
		MaxContextChars:  2000,
		RetrievalTimeout: 5 * time.Second,
		SessionTimeout:   time.Minute,
		MaxHistoryTurns:  5,
		UserRatePerMin:   100,
		LogLevel:         "info",
	}
}

func newTestApp(t *testing.T) *App {
	t.Helper()

	a, err := New(context.Background(), testConfig(t), log.NewNop(),
		WithEmbedder(&testutil.LexicalEmbedder{}))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := a.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return a
}

func TestApp_IngestThenAsk(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	report, err := a.IngestCorpus(ctx)
	if err != nil {
		t.Fatalf("IngestCorpus: %v", err)
	}
	if report.Articles != 2 || len(report.Failed) != 0 {
		t.Fatalf("report = %+v", report)
	}

	turn, err := a.Ask(ctx, "user-1", "who are the tech-priests of the forge world Mars")
	if err != nil {
		t.Fatalf("Ask: %v", err)
	}
	if len(turn.Passages) == 0 {
		t.Fatal("turn carries no passages")
	}
	if !strings.Contains(turn.Context, "Mechanicus") {
		t.Errorf("context does not ground the answer in the Mars article:\n%s", turn.Context)
	}

	if got := a.History("user-1"); len(got) != 1 {
		t.Errorf("history length = %d, want 1", len(got))
	}
}

func TestApp_AskBeforeIngest(t *testing.T) {
	a := newTestApp(t)

	turn, err := a.Ask(context.Background(), "user-1", "anything at all")
	if err != nil {
		t.Fatalf("Ask on empty index: %v", err)
	}
	if len(turn.Passages) != 0 || turn.Condition.String() != "ok" {
		t.Errorf("turn = %+v, want ok with zero passages", turn)
	}
}

func TestApp_AnswerContext(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	if _, err := a.IngestCorpus(ctx); err != nil {
		t.Fatalf("IngestCorpus: %v", err)
	}

	passages, err := a.AnswerContext(ctx, "adapter-user", "where is the Golden Throne on Terra")
	if err != nil {
		t.Fatalf("AnswerContext: %v", err)
	}
	if len(passages) == 0 {
		t.Fatal("no passages returned")
	}
	if passages[0].ArticleTitle != "Terra" {
		t.Errorf("top passage from %q, want Terra", passages[0].ArticleTitle)
	}
}

func TestApp_ReingestArticle(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	if _, err := a.IngestCorpus(ctx); err != nil {
		t.Fatalf("IngestCorpus: %v", err)
	}

	report, err := a.ReingestArticle(ctx, 1)
	if err != nil {
		t.Fatalf("ReingestArticle: %v", err)
	}
	if report.Unchanged != 1 {
		t.Errorf("unchanged article re-embedded: %+v", report)
	}
}

func TestApp_Stats(t *testing.T) {
	a := newTestApp(t)
	ctx := context.Background()

	if _, err := a.IngestCorpus(ctx); err != nil {
		t.Fatalf("IngestCorpus: %v", err)
	}
	if _, err := a.Ask(ctx, "user-1", "who holds Terra"); err != nil {
		t.Fatalf("Ask: %v", err)
	}

	stats, err := a.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if stats.Articles != 2 || stats.IndexedChunks == 0 || stats.ActiveSessions != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ModelID != "lexical-test-embedder" || stats.Dimension != 64 {
		t.Errorf("index identity = %q/%d", stats.ModelID, stats.Dimension)
	}
}

func TestApp_InvalidConfigRejected(t *testing.T) {
	cfg := testConfig(t)
	cfg.TopK = 0

	if _, err := New(context.Background(), cfg, log.NewNop(),
		WithEmbedder(&testutil.LexicalEmbedder{})); err == nil {
		t.Error("expected validation error")
	}
}
