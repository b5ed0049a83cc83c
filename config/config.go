// Package config reads the service configuration from the environment.
// Values are usually provided through a .env file loaded by godotenv in main.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	ServerAddr string
	LogLevel   string
	Postgres   PostgresConfig
	Embedding  EmbeddingConfig
	Index      IndexConfig
	Chunking   ChunkingConfig
	Pipeline   PipelineConfig
	Search     SearchConfig
	Reindex    ReindexConfig
}

type PostgresConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
}

// ConnString returns a keyword/value connection string for pgx.
func (c PostgresConfig) ConnString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		c.Host, c.Port, c.User, c.Password, c.DBName)
}

type EmbeddingConfig struct {
	Provider   string // ollama or openai
	URL        string
	Model      string
	APIKey     string
	Dimensions int
	RateLimit  float64 // requests per second, 0 disables limiting
	Burst      int
}

type IndexConfig struct {
	Backend    string // pgvector, sqlite or memory
	Name       string
	SQLitePath string
	BatchSize  int
	ScanLists  int // ivfflat lists scanned per pgvector query, 0 scans all
}

type ChunkingConfig struct {
	Size      int
	Overlap   int
	Separator string
}

type PipelineConfig struct {
	EmbedConcurrency int
	CallTimeout      time.Duration
	RetryAttempts    int
	RetryBackoff     time.Duration
}

type SearchConfig struct {
	OverFetchFactor int
	MaxFetch        int
	MinScore        float64
}

type ReindexConfig struct {
	Interval time.Duration
}

// Load builds a Config from environment variables, applying defaults for
// everything that is not set.
func Load() (*Config, error) {
	var errs []error
	r := reader{errs: &errs}

	cfg := &Config{
		ServerAddr: r.str("SERVER_ADDR", ":8080"),
		LogLevel:   r.str("LOG_LEVEL", "info"),
		Postgres: PostgresConfig{
			Host:     r.str("PG_HOST", "localhost"),
			Port:     r.int("PG_PORT", 5432),
			User:     r.str("PG_USER", "postgres"),
			Password: r.str("PG_PASS", ""),
			DBName:   r.str("PG_DB_NAME", "notes"),
		},
		Embedding: EmbeddingConfig{
			Provider:   strings.ToLower(r.str("EMBEDDING_PROVIDER", "ollama")),
			Dimensions: r.int("EMBEDDING_DIMENSIONS", 768),
			RateLimit:  r.float("EMBEDDING_RATE_LIMIT", 0),
			Burst:      r.int("EMBEDDING_BURST", 4),
		},
		Index: IndexConfig{
			Backend:    strings.ToLower(r.str("INDEX_BACKEND", "pgvector")),
			Name:       r.str("INDEX_NAME", "notes_index"),
			SQLitePath: r.str("SQLITE_PATH", "notesrag.db"),
			BatchSize:  r.int("INDEX_BATCH_SIZE", 100),
			ScanLists:  r.int("INDEX_SCAN_LISTS", 0),
		},
		Chunking: ChunkingConfig{
			Size:      r.int("CHUNK_SIZE", 1000),
			Overlap:   r.int("CHUNK_OVERLAP", 200),
			Separator: unescape(r.str("CHUNK_SEPARATOR", `\n`)),
		},
		Pipeline: PipelineConfig{
			EmbedConcurrency: r.int("EMBED_CONCURRENCY", 4),
			CallTimeout:      r.duration("CALL_TIMEOUT", 30*time.Second),
			RetryAttempts:    r.int("RETRY_ATTEMPTS", 3),
			RetryBackoff:     r.duration("RETRY_BACKOFF", 300*time.Millisecond),
		},
		Search: SearchConfig{
			OverFetchFactor: r.int("SEARCH_OVERFETCH", 10),
			MaxFetch:        r.int("SEARCH_MAX_FETCH", 50),
			MinScore:        r.float("SEARCH_MIN_SCORE", -1),
		},
		Reindex: ReindexConfig{
			Interval: r.duration("REINDEX_INTERVAL", time.Minute),
		},
	}

	switch cfg.Embedding.Provider {
	case "ollama":
		cfg.Embedding.URL = r.str("OLLAMA_EMBEDDING_URL", "http://localhost:11434")
		cfg.Embedding.Model = r.str("OLLAMA_EMBEDDING_MODEL", "nomic-embed-text")
	case "openai":
		cfg.Embedding.URL = r.str("OPENAI_BASE_URL", "")
		cfg.Embedding.Model = r.str("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small")
		cfg.Embedding.APIKey = r.str("OPENAI_API_KEY", "")
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks values that cannot be defaulted away.
func (c *Config) Validate() error {
	switch c.Embedding.Provider {
	case "ollama":
	case "openai":
		if c.Embedding.APIKey == "" {
			return errors.New("OPENAI_API_KEY is required for the openai embedding provider")
		}
	default:
		return fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider)
	}
	switch c.Index.Backend {
	case "pgvector", "sqlite", "memory":
	default:
		return fmt.Errorf("unknown index backend %q", c.Index.Backend)
	}
	if c.Index.ScanLists < 0 {
		return errors.New("INDEX_SCAN_LISTS must not be negative")
	}
	if c.Embedding.Dimensions <= 0 {
		return errors.New("EMBEDDING_DIMENSIONS must be positive")
	}
	if c.Chunking.Size <= 0 {
		return errors.New("CHUNK_SIZE must be positive")
	}
	if c.Chunking.Overlap < 0 || c.Chunking.Overlap >= c.Chunking.Size {
		return fmt.Errorf("CHUNK_OVERLAP must be in [0, %d)", c.Chunking.Size)
	}
	if c.Pipeline.RetryAttempts < 1 {
		return errors.New("RETRY_ATTEMPTS must be at least 1")
	}
	return nil
}

// SlogLevel parses LogLevel, falling back to info.
func (c *Config) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

type reader struct {
	errs *[]error
}

func (r reader) str(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}

func (r reader) int(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r reader) float(key string, def float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (r reader) duration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*r.errs = append(*r.errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

// unescape lets separators such as "\n\n" be written literally in .env files.
func unescape(s string) string {
	return strings.NewReplacer(`\n`, "\n", `\t`, "\t", `\r`, "\r").Replace(s)
}
