// Package embedding turns text into fixed-dimension vectors through a remote
// provider, with batching, retries, a process-local cache and cost accounting.
package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/raphaelgruber/researchcache/internal/metrics"
)

// Defaults applied by NewService when the corresponding Config field is zero.
const (
	DefaultModel          = "text-embedding-3-small"
	DefaultDimension      = 1536
	DefaultBatchSize      = 100
	DefaultMaxAttempts    = 3
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
	DefaultCacheSize      = 10000
	DefaultPricePer1K     = 0.00002
)

// Config tunes a Service.
type Config struct {
	Model                  string
	Dimension              int // 0 disables the dimension check
	BatchSize              int
	MaxAttempts            int
	InitialBackoff         time.Duration
	MaxBackoff             time.Duration
	CacheSize              int
	PricePerThousandTokens float64
	RequestsPerSecond      float64 // 0 disables client-side rate limiting
}

func (c Config) withDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Dimension < 0 {
		c.Dimension = 0
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.CacheSize <= 0 {
		c.CacheSize = DefaultCacheSize
	}
	if c.PricePerThousandTokens <= 0 {
		c.PricePerThousandTokens = DefaultPricePer1K
	}
	return c
}

// Option configures optional Service collaborators.
type Option func(*Service)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithMetrics records remote call timings on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLedger shares a cost ledger between services.
func WithLedger(l *CostLedger) Option {
	return func(s *Service) { s.ledger = l }
}

// Service embeds text through a Provider. Safe for concurrent use.
type Service struct {
	provider Provider
	cfg      Config
	cache    *lru.Cache[string, []float32]
	limiter  *rate.Limiter
	ledger   *CostLedger
	metrics  *metrics.Collector
	logger   *slog.Logger
}

// NewService wraps provider. Zero Config fields take the package defaults.
func NewService(provider Provider, cfg Config, opts ...Option) (*Service, error) {
	if provider == nil {
		return nil, fmt.Errorf("embedding provider required")
	}
	cfg = cfg.withDefaults()

	cache, err := lru.New[string, []float32](cfg.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}

	s := &Service{
		provider: provider,
		cfg:      cfg,
		cache:    cache,
		logger:   slog.Default(),
	}
	if cfg.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ledger == nil {
		s.ledger = NewCostLedger(cfg.PricePerThousandTokens)
	}
	return s, nil
}

// Model returns the configured model name.
func (s *Service) Model() string { return s.cfg.Model }

// Dimension returns the expected vector length, or 0 when unchecked.
func (s *Service) Dimension() int { return s.cfg.Dimension }

// Usage returns the accumulated remote usage.
func (s *Service) Usage() Usage { return s.ledger.Usage() }

// CacheLen returns the number of cached vectors.
func (s *Service) CacheLen() int { return s.cache.Len() }

// EmbedOne returns the vector for text, serving repeats from the cache.
func (s *Service) EmbedOne(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrInvalidInput
	}

	key := cacheKey(text)
	if vec, ok := s.cache.Get(key); ok {
		return clone(vec), nil
	}

	vecs, err := s.call(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	s.cache.Add(key, vecs[0])
	return clone(vecs[0]), nil
}

// EmbedMany returns one vector per text in input order. Cached texts are
// served locally, the rest go to the provider in batches of at most
// batchSize (the configured size when batchSize <= 0). Duplicate texts are
// sent once. Any blank text fails the whole call with ErrInvalidInput.
func (s *Service) EmbedMany(ctx context.Context, texts []string, batchSize int) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}
	for i, t := range texts {
		if strings.TrimSpace(t) == "" {
			return nil, fmt.Errorf("%w: text %d is empty", ErrInvalidInput, i)
		}
	}
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}

	out := make([][]float32, len(texts))
	positions := make(map[string][]int)
	var missKeys []string
	var missTexts []string

	for i, t := range texts {
		key := cacheKey(t)
		if vec, ok := s.cache.Get(key); ok {
			out[i] = clone(vec)
			continue
		}
		if _, seen := positions[key]; !seen {
			missKeys = append(missKeys, key)
			missTexts = append(missTexts, t)
		}
		positions[key] = append(positions[key], i)
	}

	if len(missTexts) > 0 {
		s.logger.Debug("embedding batch",
			"model", s.cfg.Model,
			"total", len(texts),
			"cached", len(texts)-countPositions(positions),
			"remote", len(missTexts))
	}

	for start := 0; start < len(missTexts); start += batchSize {
		end := min(start+batchSize, len(missTexts))
		vecs, err := s.call(ctx, missTexts[start:end])
		if err != nil {
			return nil, err
		}
		for j, vec := range vecs {
			key := missKeys[start+j]
			s.cache.Add(key, vec)
			for _, idx := range positions[key] {
				out[idx] = clone(vec)
			}
		}
	}

	return out, nil
}

// call performs one remote request with retries and validates the response.
func (s *Service) call(ctx context.Context, texts []string) ([][]float32, error) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %w", ErrEmbeddingService, err)
		}
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.InitialBackoff
	exp.MaxInterval = s.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.cfg.MaxAttempts-1)), ctx)

	var result [][]float32
	attempt := 0
	op := func() error {
		attempt++
		start := time.Now()
		vecs, err := s.provider.EmbedDocuments(ctx, texts)
		s.metrics.Since(metrics.OpEmbedding, start)
		if err != nil {
			if isFatalAPIError(err) || ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		if err := s.validate(vecs, len(texts)); err != nil {
			return backoff.Permanent(err)
		}
		result = vecs
		return nil
	}
	notify := func(err error, wait time.Duration) {
		s.logger.Warn("embedding request failed, retrying",
			"model", s.cfg.Model,
			"attempt", attempt,
			"max_attempts", s.cfg.MaxAttempts,
			"backoff", wait,
			"error", err)
	}

	if err := backoff.RetryNotify(op, policy, notify); err != nil {
		s.logger.Error("embedding request failed",
			"model", s.cfg.Model,
			"texts", len(texts),
			"attempts", attempt,
			"error", err)
		return nil, fmt.Errorf("%w: %d texts after %d attempts: %w", ErrEmbeddingService, len(texts), attempt, err)
	}

	s.ledger.Record(texts)
	return result, nil
}

func (s *Service) validate(vecs [][]float32, want int) error {
	if len(vecs) != want {
		return fmt.Errorf("%w: count mismatch: got %d, want %d", ErrFatalAPI, len(vecs), want)
	}
	if s.cfg.Dimension == 0 {
		return nil
	}
	for i, v := range vecs {
		if len(v) != s.cfg.Dimension {
			return fmt.Errorf("%w: embedding %d dimension mismatch: got %d, want %d", ErrFatalAPI, i, len(v), s.cfg.Dimension)
		}
	}
	return nil
}

// cacheKey hashes text with whitespace runs collapsed, so formatting-only
// differences share a cache slot.
func cacheKey(text string) string {
	sum := sha256.Sum256([]byte(strings.Join(strings.Fields(text), " ")))
	return hex.EncodeToString(sum[:])
}

func countPositions(p map[string][]int) int {
	n := 0
	for _, idx := range p {
		n += len(idx)
	}
	return n
}

func clone(v []float32) []float32 {
	out := make([]float32, len(v))
	copy(out, v)
	return out
}
