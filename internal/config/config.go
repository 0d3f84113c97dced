// Package config loads the research cache configuration from defaults, an
// optional YAML file, an optional .env file and the process environment.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/researchcache/internal/db"
	"github.com/raphaelgruber/researchcache/internal/embedding"
	"github.com/raphaelgruber/researchcache/internal/llm"
	"github.com/raphaelgruber/researchcache/internal/parser"
	"github.com/raphaelgruber/researchcache/internal/service"
)

// EnvConfigFile names the YAML config file when no path is passed to Load.
const EnvConfigFile = "RESEARCHCACHE_CONFIG"

// Config holds all configuration values.
type Config struct {
	// SurrealDB connection
	SurrealDBURL       string        `yaml:"surrealdb_url"`
	SurrealDBNamespace string        `yaml:"surrealdb_namespace"`
	SurrealDBDatabase  string        `yaml:"surrealdb_database"`
	SurrealDBUser      string        `yaml:"surrealdb_user"`
	SurrealDBPass      string        `yaml:"surrealdb_pass"`
	SurrealDBAuthLevel string        `yaml:"surrealdb_auth_level"`
	PoolSize           int           `yaml:"pool_size"`
	PoolTimeout        time.Duration `yaml:"pool_timeout"`
	StoreRetries       int           `yaml:"store_retries"`

	// Embeddings
	EmbedProvider   string  `yaml:"embed_provider"`
	EmbedModel      string  `yaml:"embed_model"`
	EmbedDimension  int     `yaml:"embed_dimension"`
	EmbedBatch      int     `yaml:"embed_batch"`
	EmbedRetries    int     `yaml:"embed_retries"`
	EmbedRPS        float64 `yaml:"embed_rps"`
	EmbedCacheSize  int     `yaml:"embed_cache_size"`
	EmbedPricePer1K float64 `yaml:"embed_price_per_1k"`

	// Providers
	OpenAIAPIKey    string `yaml:"openai_api_key"`
	AnthropicAPIKey string `yaml:"anthropic_api_key"`
	OllamaHost      string `yaml:"ollama_host"`
	AWSRegion       string `yaml:"aws_region"`

	// Fresh research
	LLMProvider string `yaml:"llm_provider"`
	LLMModel    string `yaml:"llm_model"`
	MaxSources  int    `yaml:"max_sources"`

	// Retrieval
	ChunkSize           int     `yaml:"chunk_size"`
	ChunkOverlap        int     `yaml:"chunk_overlap"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	CandidatePool       int     `yaml:"candidate_pool"`
	TTLDays             int     `yaml:"ttl_days"`
	WarmConcurrency     int     `yaml:"warm_concurrency"`
	AsyncPersist        bool    `yaml:"async_persist"`

	// Logging
	LogFile  string `yaml:"log_file"`
	LogLevel string `yaml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() Config {
	return Config{
		SurrealDBURL:       "ws://localhost:8000/rpc",
		SurrealDBNamespace: "research",
		SurrealDBDatabase:  "cache",
		SurrealDBUser:      "root",
		SurrealDBPass:      "root",
		SurrealDBAuthLevel: "root",
		PoolSize:           db.DefaultPoolSize,
		PoolTimeout:        db.DefaultAcquireTimeout,
		StoreRetries:       db.DefaultStoreAttempts,

		EmbedProvider:   embedding.ProviderOpenAI,
		EmbedModel:      embedding.DefaultModel,
		EmbedDimension:  embedding.DefaultDimension,
		EmbedBatch:      embedding.DefaultBatchSize,
		EmbedRetries:    embedding.DefaultMaxAttempts,
		EmbedCacheSize:  embedding.DefaultCacheSize,
		EmbedPricePer1K: embedding.DefaultPricePer1K,

		OllamaHost: "http://localhost:11434",
		AWSRegion:  "us-east-1",

		LLMProvider: llm.ProviderOpenAI,
		LLMModel:    "gpt-4o-mini",
		MaxSources:  8,

		ChunkSize:           parser.DefaultChunkSize,
		ChunkOverlap:        parser.DefaultOverlap,
		SimilarityThreshold: service.DefaultSimilarityThreshold,
		CandidatePool:       service.DefaultCandidatePool,
		TTLDays:             service.DefaultTTLDays,
		WarmConcurrency:     service.DefaultWarmConcurrency,

		LogFile:  "/tmp/researchcache.log",
		LogLevel: "INFO",
	}
}

// Load builds the configuration. path names a YAML file; when empty the
// RESEARCHCACHE_CONFIG variable is consulted. A .env file in the working
// directory is loaded if present. Process environment wins over both.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = os.Getenv(EnvConfigFile)
	}
	if path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return Config{}, err
		}
	}

	// godotenv never overrides variables already set in the environment.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	e := envReader{lookup: lookup}

	e.str("SURREALDB_URL", &c.SurrealDBURL)
	e.str("SURREALDB_NAMESPACE", &c.SurrealDBNamespace)
	e.str("SURREALDB_DATABASE", &c.SurrealDBDatabase)
	e.str("SURREALDB_USER", &c.SurrealDBUser)
	e.str("SURREALDB_PASS", &c.SurrealDBPass)
	e.str("SURREALDB_AUTH_LEVEL", &c.SurrealDBAuthLevel)
	e.integer("RESEARCHCACHE_POOL_SIZE", &c.PoolSize)
	e.duration("RESEARCHCACHE_POOL_TIMEOUT", &c.PoolTimeout)
	e.integer("RESEARCHCACHE_STORE_RETRIES", &c.StoreRetries)

	e.str("RESEARCHCACHE_EMBED_PROVIDER", &c.EmbedProvider)
	e.str("RESEARCHCACHE_EMBED_MODEL", &c.EmbedModel)
	e.integer("RESEARCHCACHE_EMBED_DIMENSION", &c.EmbedDimension)
	e.integer("RESEARCHCACHE_EMBED_BATCH", &c.EmbedBatch)
	e.integer("RESEARCHCACHE_EMBED_RETRIES", &c.EmbedRetries)
	e.number("RESEARCHCACHE_EMBED_RPS", &c.EmbedRPS)
	e.integer("RESEARCHCACHE_EMBED_CACHE_SIZE", &c.EmbedCacheSize)
	e.number("RESEARCHCACHE_EMBED_PRICE_PER_1K", &c.EmbedPricePer1K)

	e.str("OPENAI_API_KEY", &c.OpenAIAPIKey)
	e.str("ANTHROPIC_API_KEY", &c.AnthropicAPIKey)
	e.str("OLLAMA_HOST", &c.OllamaHost)
	e.str("AWS_REGION", &c.AWSRegion)

	e.str("RESEARCHCACHE_LLM_PROVIDER", &c.LLMProvider)
	e.str("RESEARCHCACHE_LLM_MODEL", &c.LLMModel)
	e.integer("RESEARCHCACHE_MAX_SOURCES", &c.MaxSources)

	e.integer("RESEARCHCACHE_CHUNK_SIZE", &c.ChunkSize)
	e.integer("RESEARCHCACHE_CHUNK_OVERLAP", &c.ChunkOverlap)
	e.number("RESEARCHCACHE_SIMILARITY_THRESHOLD", &c.SimilarityThreshold)
	e.integer("RESEARCHCACHE_CANDIDATE_POOL", &c.CandidatePool)
	e.integer("RESEARCHCACHE_TTL_DAYS", &c.TTLDays)
	e.integer("RESEARCHCACHE_WARM_CONCURRENCY", &c.WarmConcurrency)
	e.boolean("RESEARCHCACHE_ASYNC_PERSIST", &c.AsyncPersist)

	e.str("RESEARCHCACHE_LOG_FILE", &c.LogFile)
	e.str("RESEARCHCACHE_LOG_LEVEL", &c.LogLevel)

	return errors.Join(e.errs...)
}

// Validate rejects settings the retrieval pipeline cannot work with.
func (c Config) Validate() error {
	var errs []error
	if c.ChunkSize <= 0 {
		errs = append(errs, fmt.Errorf("chunk size must be positive, got %d", c.ChunkSize))
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		errs = append(errs, fmt.Errorf("chunk overlap %d must be in [0, chunk size %d)", c.ChunkOverlap, c.ChunkSize))
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		errs = append(errs, fmt.Errorf("similarity threshold %v outside [0, 1]", c.SimilarityThreshold))
	}
	if c.PoolSize <= 0 {
		errs = append(errs, fmt.Errorf("pool size must be positive, got %d", c.PoolSize))
	}
	if c.EmbedDimension <= 0 {
		errs = append(errs, fmt.Errorf("embedding dimension must be positive, got %d", c.EmbedDimension))
	}
	switch c.EmbedProvider {
	case embedding.ProviderOpenAI, embedding.ProviderOllama, embedding.ProviderBedrock:
	default:
		errs = append(errs, fmt.Errorf("unsupported embedding provider %q", c.EmbedProvider))
	}
	return errors.Join(errs...)
}

// Level returns the parsed log level.
func (c Config) Level() slog.Level {
	return parseLogLevel(c.LogLevel)
}

// DBConfig returns the SurrealDB connection settings.
func (c Config) DBConfig() db.Config {
	return db.Config{
		URL:       c.SurrealDBURL,
		Namespace: c.SurrealDBNamespace,
		Database:  c.SurrealDBDatabase,
		Username:  c.SurrealDBUser,
		Password:  c.SurrealDBPass,
		AuthLevel: c.SurrealDBAuthLevel,
	}
}

// PoolConfig returns the connection pool settings.
func (c Config) PoolConfig() db.PoolConfig {
	return db.PoolConfig{Size: c.PoolSize, AcquireTimeout: c.PoolTimeout}
}

// StoreConfig returns the vector store settings.
func (c Config) StoreConfig() db.StoreConfig {
	return db.StoreConfig{
		TTL:         time.Duration(c.TTLDays) * 24 * time.Hour,
		Dimension:   c.EmbedDimension,
		MaxAttempts: c.StoreRetries,
	}
}

// ProviderConfig returns the remote embedding provider settings.
func (c Config) ProviderConfig() embedding.ProviderConfig {
	return embedding.ProviderConfig{
		Provider:     c.EmbedProvider,
		Model:        c.EmbedModel,
		BatchSize:    c.EmbedBatch,
		OpenAIAPIKey: c.OpenAIAPIKey,
		OllamaHost:   c.OllamaHost,
		AWSRegion:    c.AWSRegion,
	}
}

// EmbeddingConfig returns the embedding service settings.
func (c Config) EmbeddingConfig() embedding.Config {
	return embedding.Config{
		Model:                  c.EmbedModel,
		Dimension:              c.EmbedDimension,
		BatchSize:              c.EmbedBatch,
		MaxAttempts:            c.EmbedRetries,
		CacheSize:              c.EmbedCacheSize,
		PricePerThousandTokens: c.EmbedPricePer1K,
		RequestsPerSecond:      c.EmbedRPS,
	}
}

// ModelConfig returns the research LLM settings.
func (c Config) ModelConfig() llm.ModelConfig {
	return llm.ModelConfig{
		Provider:        c.LLMProvider,
		Model:           c.LLMModel,
		OpenAIAPIKey:    c.OpenAIAPIKey,
		AnthropicAPIKey: c.AnthropicAPIKey,
		OllamaHost:      c.OllamaHost,
		AWSRegion:       c.AWSRegion,
	}
}

// RetrieverConfig returns the retrieval policy settings.
func (c Config) RetrieverConfig() service.Config {
	return service.Config{
		SimilarityThreshold: c.SimilarityThreshold,
		CandidatePool:       c.CandidatePool,
		Segment:             parser.SegmentConfig{ChunkSize: c.ChunkSize, Overlap: c.ChunkOverlap},
		EmbedBatchSize:      c.EmbedBatch,
		TTLDays:             c.TTLDays,
		WarmConcurrency:     c.WarmConcurrency,
		AsyncPersist:        c.AsyncPersist,
	}
}

type envReader struct {
	lookup lookupFunc
	errs   []error
}

func (e *envReader) get(key string) (string, bool) {
	v, ok := e.lookup(key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

func (e *envReader) str(key string, dst *string) {
	if v, ok := e.get(key); ok {
		*dst = v
	}
}

func (e *envReader) integer(key string, dst *int) {
	if v, ok := e.get(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = n
	}
}

func (e *envReader) number(key string, dst *float64) {
	if v, ok := e.get(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = f
	}
}

func (e *envReader) boolean(key string, dst *bool) {
	if v, ok := e.get(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = b
	}
}

func (e *envReader) duration(key string, dst *time.Duration) {
	if v, ok := e.get(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			e.errs = append(e.errs, fmt.Errorf("%s: %w", key, err))
			return
		}
		*dst = d
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
