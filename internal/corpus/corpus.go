// Package corpus provides read-only access to the source article store.
//
// The store is a SQLite database on its own volume. Articles are the source
// of truth for the lore corpus; this package never writes to it. The
// crawler (internal/crawl) is the only writer and runs offline.
package corpus

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// ErrArticleNotFound indicates the requested article does not exist.
var ErrArticleNotFound = errors.New("article not found")

// Article is a source document as stored in the corpus database.
// Immutable once ingested; the vector index only carries derived chunks.
type Article struct {
	ID      int64
	Title   string
	Text    string
	URL     string
	Sources []string // citation references collected by the crawler
}

// Store reads articles from the corpus SQLite database.
//
// Store is safe for concurrent use; database/sql pools connections.
type Store struct {
	db *sql.DB
}

// Open opens the corpus database in read-only mode.
// The file must already exist; the core never creates or migrates it.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", "file:"+path+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to reach corpus database %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing database handle. Used by tests and by the
// crawler, which owns a writable handle.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db}
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

const articleColumns = `
	a.id, a.final_title, a.content, a.article_url,
	COALESCE(GROUP_CONCAT(src.source_text, '|||'), '')`

// List returns all articles with their citation sources, ordered by id.
// Articles with empty content are returned as-is; the ingestor decides
// how to handle them.
func (s *Store) List(ctx context.Context) ([]Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+articleColumns+`
		FROM articles a
		LEFT JOIN sources src ON src.article_id = a.id
		GROUP BY a.id
		ORDER BY a.id`)
	if err != nil {
		return nil, fmt.Errorf("failed to list articles: %w", err)
	}
	defer rows.Close()

	var articles []Article
	for rows.Next() {
		a, err := scanArticle(rows)
		if err != nil {
			return nil, err
		}
		articles = append(articles, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate articles: %w", err)
	}
	return articles, nil
}

// Get returns a single article by id.
func (s *Store) Get(ctx context.Context, id int64) (Article, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT`+articleColumns+`
		FROM articles a
		LEFT JOIN sources src ON src.article_id = a.id
		WHERE a.id = ?
		GROUP BY a.id`, id)
	if err != nil {
		return Article{}, fmt.Errorf("failed to get article %d: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return Article{}, fmt.Errorf("failed to get article %d: %w", id, err)
		}
		return Article{}, fmt.Errorf("article %d: %w", id, ErrArticleNotFound)
	}
	return scanArticle(rows)
}

// Count returns the number of articles in the corpus.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM articles`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count articles: %w", err)
	}
	return n, nil
}

func scanArticle(rows *sql.Rows) (Article, error) {
	var (
		a       Article
		title   sql.NullString
		content sql.NullString
		url     sql.NullString
		sources string
	)
	if err := rows.Scan(&a.ID, &title, &content, &url, &sources); err != nil {
		return Article{}, fmt.Errorf("failed to scan article row: %w", err)
	}
	a.Title = title.String
	a.Text = content.String
	a.URL = url.String
	if sources != "" {
		a.Sources = strings.Split(sources, "|||")
	}
	return a, nil
}
