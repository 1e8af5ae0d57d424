// Package config provides application configuration management with
// multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (LOREKEEPER_* runtime override)
//  2. Config file (lorekeeper.yaml in the working directory or /etc/lorekeeper)
//  3. Default values
//
// Main configuration categories:
//   - Volumes: vector index directory, embedding model cache, corpus database
//   - Embedder: provider, model id, batch size, concurrency cap, input limit
//   - Chunking: window size, overlap, minimum fragment length
//   - Retrieval: top-k, oversampling, context budget, latency budget
//   - Session: inactivity timeout, history bound, per-user message rate
//
// Telemetry embedded in third-party libraries is disabled unconditionally at
// load time (see disableTelemetry); it is an operational switch, not logic.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Sentinel errors for configuration validation, checked with errors.Is.
var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrInvalidIndexDir indicates the vector index directory is not set.
	ErrInvalidIndexDir = errors.New("invalid index directory")

	// ErrInvalidCorpusPath indicates the corpus database path is not set.
	ErrInvalidCorpusPath = errors.New("invalid corpus database path")

	// ErrInvalidEmbedderModel indicates the embedder model id is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidChunking indicates chunk size/overlap values are out of range.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidRetrieval indicates retrieval parameters are out of range.
	ErrInvalidRetrieval = errors.New("invalid retrieval configuration")

	// ErrInvalidSession indicates session parameters are out of range.
	ErrInvalidSession = errors.New("invalid session configuration")
)

const (
	// DefaultEmbedderModel is the frozen embedding model. A collection
	// indexed with one model must never be queried with another; changing
	// this requires a full re-index.
	DefaultEmbedderModel = "text-embedding-004"

	// DefaultChunkSize is the chunking window in characters. Matches the
	// corpus the index volume was originally built with.
	DefaultChunkSize = 1000

	// DefaultChunkOverlap is the overlap between adjacent windows.
	DefaultChunkOverlap = 100

	// DefaultMinChunkLength drops fragments too short to carry meaning.
	DefaultMinChunkLength = 100

	// DefaultTopK is the number of passages returned to the bot adapter.
	DefaultTopK = 5

	// DefaultOversample is the candidate multiplier for re-ranking (k' = 4k).
	DefaultOversample = 4

	// DefaultMaxContextChars bounds the assembled grounding context.
	DefaultMaxContextChars = 6000

	// MaxAllowedTopK is the absolute cap to prevent unbounded queries.
	MaxAllowedTopK = 50
)

// Config stores application configuration.
type Config struct {
	// Volumes.
	IndexDir      string `mapstructure:"index_dir"`       // chromem-go persistent index
	ModelCacheDir string `mapstructure:"model_cache_dir"` // embedding model cache (read-only)
	CorpusPath    string `mapstructure:"corpus_path"`     // SQLite article database (read-only)

	// Embedder.
	EmbedderModel    string `mapstructure:"embedder_model"`
	EmbedBatchSize   int    `mapstructure:"embed_batch_size"`
	EmbedConcurrency int    `mapstructure:"embed_concurrency"`
	EmbedMaxChars    int    `mapstructure:"embed_max_chars"`
	EmbedRetries     uint   `mapstructure:"embed_retries"`

	// Chunking.
	ChunkSize      int `mapstructure:"chunk_size"`
	ChunkOverlap   int `mapstructure:"chunk_overlap"`
	MinChunkLength int `mapstructure:"min_chunk_length"`

	// Retrieval.
	TopK             int           `mapstructure:"top_k"`
	Oversample       int           `mapstructure:"oversample"`
	MaxContextChars  int           `mapstructure:"max_context_chars"`
	RetrievalTimeout time.Duration `mapstructure:"retrieval_timeout"`
	LexicalRerank    bool          `mapstructure:"lexical_rerank"`

	// Session.
	SessionTimeout  time.Duration `mapstructure:"session_timeout"`
	MaxHistoryTurns int           `mapstructure:"max_history_turns"`
	UserRatePerMin  float64       `mapstructure:"user_rate_per_min"`

	// Logging.
	LogLevel string `mapstructure:"log_level"` // debug|info|warn|error
	LogJSON  bool   `mapstructure:"log_json"`
}

// Load reads configuration from defaults, an optional config file, and
// environment variables, then validates the result.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("lorekeeper")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/lorekeeper")

	v.SetEnvPrefix("LOREKEEPER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine; everything has a default.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	disableTelemetry()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("index_dir", "data/index")
	v.SetDefault("model_cache_dir", "data/models")
	v.SetDefault("corpus_path", "data/warhammer_articles.db")

	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("embed_batch_size", 32)
	v.SetDefault("embed_concurrency", 4)
	v.SetDefault("embed_max_chars", 8192)
	v.SetDefault("embed_retries", 3)

	v.SetDefault("chunk_size", DefaultChunkSize)
	v.SetDefault("chunk_overlap", DefaultChunkOverlap)
	v.SetDefault("min_chunk_length", DefaultMinChunkLength)

	v.SetDefault("top_k", DefaultTopK)
	v.SetDefault("oversample", DefaultOversample)
	v.SetDefault("max_context_chars", DefaultMaxContextChars)
	v.SetDefault("retrieval_timeout", 15*time.Second)
	v.SetDefault("lexical_rerank", false)

	v.SetDefault("session_timeout", 30*time.Minute)
	v.SetDefault("max_history_turns", 20)
	v.SetDefault("user_rate_per_min", 20)

	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)
}

// disableTelemetry forces embedded analytics in vendored libraries off.
// Defaults to disabled regardless of the environment the process inherited.
func disableTelemetry() {
	for _, kv := range [][2]string{
		{"ANONYMIZED_TELEMETRY", "false"},
		{"GENKIT_TELEMETRY_SERVER", ""},
		{"DO_NOT_TRACK", "1"},
	} {
		if os.Getenv(kv[0]) == "" || kv[0] == "ANONYMIZED_TELEMETRY" {
			os.Setenv(kv[0], kv[1])
		}
	}
}

// Validate checks configuration invariants and returns a sentinel error
// wrapped with detail on the first violation found.
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}
	if strings.TrimSpace(c.IndexDir) == "" {
		return fmt.Errorf("%w: index_dir must not be empty", ErrInvalidIndexDir)
	}
	if strings.TrimSpace(c.CorpusPath) == "" {
		return fmt.Errorf("%w: corpus_path must not be empty", ErrInvalidCorpusPath)
	}
	if strings.TrimSpace(c.EmbedderModel) == "" {
		return fmt.Errorf("%w: embedder_model must not be empty", ErrInvalidEmbedderModel)
	}
	if c.EmbedBatchSize < 1 || c.EmbedConcurrency < 1 || c.EmbedMaxChars < 1 {
		return fmt.Errorf("%w: batch size, concurrency and max chars must be positive", ErrInvalidEmbedderModel)
	}

	if c.ChunkSize < 1 {
		return fmt.Errorf("%w: chunk_size must be positive, got %d", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: chunk_overlap %d must be in [0, chunk_size)", ErrInvalidChunking, c.ChunkOverlap)
	}
	if c.MinChunkLength < 0 || c.MinChunkLength > c.ChunkSize {
		return fmt.Errorf("%w: min_chunk_length %d must be in [0, chunk_size]", ErrInvalidChunking, c.MinChunkLength)
	}

	if c.TopK < 1 || c.TopK > MaxAllowedTopK {
		return fmt.Errorf("%w: top_k %d must be in [1, %d]", ErrInvalidRetrieval, c.TopK, MaxAllowedTopK)
	}
	if c.Oversample < 1 {
		return fmt.Errorf("%w: oversample must be at least 1", ErrInvalidRetrieval)
	}
	if c.MaxContextChars < 1 {
		return fmt.Errorf("%w: max_context_chars must be positive", ErrInvalidRetrieval)
	}
	if c.RetrievalTimeout <= 0 {
		return fmt.Errorf("%w: retrieval_timeout must be positive", ErrInvalidRetrieval)
	}

	if c.SessionTimeout <= 0 {
		return fmt.Errorf("%w: session_timeout must be positive", ErrInvalidSession)
	}
	if c.MaxHistoryTurns < 1 {
		return fmt.Errorf("%w: max_history_turns must be positive", ErrInvalidSession)
	}
	if c.UserRatePerMin <= 0 {
		return fmt.Errorf("%w: user_rate_per_min must be positive", ErrInvalidSession)
	}
	return nil
}
