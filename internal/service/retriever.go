// Package service implements the research retriever: a three-tier lookup that
// serves a cached result, a semantically equivalent prior result, or runs
// fresh research and persists it for reuse.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/raphaelgruber/researchcache/internal/metrics"
	"github.com/raphaelgruber/researchcache/internal/models"
	"github.com/raphaelgruber/researchcache/internal/parser"
)

// Errors returned by the retriever.
var (
	// ErrInvalidTopic indicates an empty or whitespace-only topic.
	ErrInvalidTopic = errors.New("invalid research topic")

	// ErrRetrieval wraps unexpected orchestration failures.
	ErrRetrieval = errors.New("retrieval error")
)

// Retriever defaults.
const (
	DefaultSimilarityThreshold = 0.8
	DefaultCandidatePool       = 20
	DefaultTTLDays             = 7
	DefaultWarmConcurrency     = 2
)

// VectorStore is the storage the retriever reads and writes.
type VectorStore interface {
	GetCacheEntry(ctx context.Context, keywordNormalized string) (*models.CacheEntry, error)
	UpsertCacheEntry(ctx context.Context, entry models.CacheEntry) (*models.CacheEntry, error)
	DeleteCacheEntry(ctx context.Context, keywordNormalized string) (bool, error)
	CleanupExpired(ctx context.Context, ttlDays int) (int, error)
	StoreChunks(ctx context.Context, chunks []models.TextChunk, vectors [][]float32, keyword string) ([]string, error)
	SearchSimilar(ctx context.Context, vector []float32, limit int, threshold float64) ([]models.ChunkMatch, error)
	GetChunks(ctx context.Context, ids []string) ([]models.StoredChunk, error)
	ChunksByKeyword(ctx context.Context, keywordNormalized string) ([]models.StoredChunk, error)
}

// Embedder turns text into vectors.
type Embedder interface {
	EmbedOne(ctx context.Context, text string) ([]float32, error)
	EmbedMany(ctx context.Context, texts []string, batchSize int) ([][]float32, error)
}

// ResearchFunc performs fresh research for the topic it was built for.
type ResearchFunc func(ctx context.Context) (*models.ResearchResult, error)

// TopicResearchFunc performs fresh research for any topic.
type TopicResearchFunc func(ctx context.Context, topic string) (*models.ResearchResult, error)

// Config tunes a Retriever. Zero fields take the defaults.
type Config struct {
	SimilarityThreshold float64
	CandidatePool       int
	Segment             parser.SegmentConfig
	EmbedBatchSize      int // 0 uses the embedder's default
	TTLDays             int
	WarmConcurrency     int
	AsyncPersist        bool // persist in the background; see Flush
}

func (c Config) withDefaults() Config {
	if c.SimilarityThreshold <= 0 {
		c.SimilarityThreshold = DefaultSimilarityThreshold
	}
	if c.CandidatePool <= 0 {
		c.CandidatePool = DefaultCandidatePool
	}
	if c.TTLDays <= 0 {
		c.TTLDays = DefaultTTLDays
	}
	if c.WarmConcurrency <= 0 {
		c.WarmConcurrency = DefaultWarmConcurrency
	}
	return c
}

// Option configures optional Retriever collaborators.
type Option func(*Retriever)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) { r.logger = l }
}

// WithMetrics records fresh research timings on m.
func WithMetrics(m *metrics.Collector) Option {
	return func(r *Retriever) { r.metrics = m }
}

// Statistics are the retriever's outcome counters.
type Statistics struct {
	ExactHits    int64   `json:"exact_hits" yaml:"exact_hits"`
	SemanticHits int64   `json:"semantic_hits" yaml:"semantic_hits"`
	Misses       int64   `json:"misses" yaml:"misses"`
	Errors       int64   `json:"errors" yaml:"errors"`
	HitRate      float64 `json:"hit_rate" yaml:"hit_rate"`
}

// Retriever resolves research requests against the cache. Safe for
// concurrent use. Two concurrent misses for the same topic both research and
// both persist; the later upsert supersedes the earlier one.
type Retriever struct {
	store    VectorStore
	embedder Embedder
	cfg      Config
	logger   *slog.Logger
	metrics  *metrics.Collector

	exactHits    atomic.Int64
	semanticHits atomic.Int64
	misses       atomic.Int64
	failures     atomic.Int64

	pending sync.WaitGroup
}

// NewRetriever creates a retriever over store and embedder.
func NewRetriever(store VectorStore, embedder Embedder, cfg Config, opts ...Option) *Retriever {
	r := &Retriever{
		store:    store,
		embedder: embedder,
		cfg:      cfg.withDefaults(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RetrieveOption adjusts a single RetrieveOrResearch call.
type RetrieveOption func(*retrieveOptions)

type retrieveOptions struct {
	threshold float64
}

// WithSimilarityThreshold overrides the semantic hit threshold for one call.
func WithSimilarityThreshold(t float64) RetrieveOption {
	return func(o *retrieveOptions) { o.threshold = t }
}

// RetrieveOrResearch returns a result for topic: an exact cache hit on its
// normalized form, else a semantic hit on a similar prior topic, else the
// result of fresh, which is then persisted. Cache failures degrade to fresh
// research. Errors from fresh are returned unchanged.
func (r *Retriever) RetrieveOrResearch(ctx context.Context, topic string, fresh ResearchFunc, opts ...RetrieveOption) (*models.ResearchResult, error) {
	normalized := models.NormalizeKeyword(topic)
	if normalized == "" {
		return nil, ErrInvalidTopic
	}
	if fresh == nil {
		return nil, fmt.Errorf("%w: nil research procedure", ErrRetrieval)
	}

	o := retrieveOptions{threshold: r.cfg.SimilarityThreshold}
	for _, opt := range opts {
		opt(&o)
	}

	log := r.logger.With("request_id", uuid.New().String()[:8], "keyword", normalized)
	start := time.Now()

	if result, ok := r.exactCheck(ctx, log, topic, normalized); ok {
		r.exactHits.Add(1)
		log.Info("exact cache hit", "duration_ms", time.Since(start).Milliseconds())
		return result, nil
	}

	if result, ok := r.semanticCheck(ctx, log, topic, normalized, o.threshold); ok {
		r.semanticHits.Add(1)
		log.Info("semantic cache hit",
			"matched_keyword", result.MatchedKeyword,
			"similarity", result.Similarity,
			"duration_ms", time.Since(start).Milliseconds())
		return result, nil
	}

	r.misses.Add(1)
	log.Info("cache miss, running fresh research")

	researchStart := time.Now()
	result, err := fresh(ctx)
	r.metrics.Since(metrics.OpResearch, researchStart)
	if err != nil {
		r.failures.Add(1)
		log.Error("fresh research failed", "error", err)
		return nil, err
	}
	if result == nil {
		r.failures.Add(1)
		return nil, fmt.Errorf("%w: research procedure returned no result", ErrRetrieval)
	}
	result.Provenance = models.ProvenanceFresh
	if result.Keyword == "" {
		result.Keyword = topic
	}

	if r.cfg.AsyncPersist {
		snapshot := *result
		snapshot.Sources = append([]models.Source(nil), result.Sources...)
		persistCtx := context.WithoutCancel(ctx)
		r.pending.Add(1)
		go func() {
			defer r.pending.Done()
			r.persistLogged(persistCtx, log, topic, normalized, &snapshot)
		}()
	} else {
		r.persistLogged(ctx, log, topic, normalized, result)
	}

	log.Info("fresh research complete", "duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// Flush waits for background persistence started in async mode.
func (r *Retriever) Flush() {
	r.pending.Wait()
}

// exactCheck looks up the live cache entry for normalized and rebuilds its
// result. Any storage failure is a miss.
func (r *Retriever) exactCheck(ctx context.Context, log *slog.Logger, topic, normalized string) (*models.ResearchResult, bool) {
	entry, err := r.store.GetCacheEntry(ctx, normalized)
	if err != nil {
		r.failures.Add(1)
		log.Warn("exact cache lookup failed, continuing", "error", err)
		return nil, false
	}
	if entry == nil {
		return nil, false
	}

	chunks, err := r.store.GetChunks(ctx, entry.ChunkIDs)
	if err != nil {
		r.failures.Add(1)
		log.Warn("loading cached chunks failed, continuing", "error", err)
		return nil, false
	}

	result := reconstruct(topic, entry, chunks)
	result.Provenance = models.ProvenanceExact
	return result, true
}

// candidate is a prior topic competing for a semantic hit.
type candidate struct {
	keyword string
	total   float64
	count   int
}

func (c candidate) score() float64 { return c.total / float64(c.count) }

// semanticCheck embeds the topic, searches the candidate pool, scores each
// originating topic by the mean similarity of its matched chunks, and serves
// the highest-scoring one at or above threshold whose content can still be
// rebuilt. Any store failure is a miss.
func (r *Retriever) semanticCheck(ctx context.Context, log *slog.Logger, topic, normalized string, threshold float64) (*models.ResearchResult, bool) {
	vector, err := r.embedder.EmbedOne(ctx, normalized)
	if err != nil {
		r.failures.Add(1)
		log.Warn("embedding topic failed, skipping semantic lookup", "error", err)
		return nil, false
	}

	matches, err := r.store.SearchSimilar(ctx, vector, r.cfg.CandidatePool, -1)
	if err != nil {
		r.failures.Add(1)
		log.Warn("similarity search failed, continuing", "error", err)
		return nil, false
	}

	ranked := rankCandidates(matches)
	if len(ranked) == 0 {
		log.Debug("no semantic candidates")
		return nil, false
	}
	if ranked[0].score() < threshold {
		log.Debug("best semantic candidate below threshold",
			"candidate", ranked[0].keyword,
			"similarity", ranked[0].score(),
			"threshold", threshold)
		return nil, false
	}

	for _, c := range ranked {
		if c.score() < threshold {
			break
		}
		result, err := r.loadCandidate(ctx, topic, c)
		if err != nil {
			r.failures.Add(1)
			log.Warn("loading semantic candidate failed, continuing", "candidate", c.keyword, "error", err)
			return nil, false
		}
		if result == nil {
			log.Debug("semantic candidate has no recoverable content", "candidate", c.keyword)
			continue
		}
		return result, true
	}
	return nil, false
}

// loadCandidate rebuilds the cached research behind c. It returns nil when
// neither a summary nor any source survives.
func (r *Retriever) loadCandidate(ctx context.Context, topic string, c candidate) (*models.ResearchResult, error) {
	entry, err := r.store.GetCacheEntry(ctx, c.keyword)
	if err != nil {
		return nil, fmt.Errorf("load cache entry: %w", err)
	}

	var chunks []models.StoredChunk
	if entry != nil {
		chunks, err = r.store.GetChunks(ctx, entry.ChunkIDs)
	} else {
		chunks, err = r.store.ChunksByKeyword(ctx, c.keyword)
	}
	if err != nil {
		return nil, fmt.Errorf("load chunks: %w", err)
	}

	result := reconstruct(topic, entry, chunks)
	if result.Summary == "" && len(result.Sources) == 0 {
		return nil, nil
	}

	result.Provenance = models.ProvenanceSemantic
	result.MatchedKeyword = c.keyword
	if entry != nil && entry.Keyword != "" {
		result.MatchedKeyword = entry.Keyword
	}
	result.Similarity = c.score()
	return result, nil
}

// rankCandidates groups matches by originating topic and orders the topics by
// mean similarity, highest first. Ties keep the order topics were first seen.
func rankCandidates(matches []models.ChunkMatch) []candidate {
	byKeyword := make(map[string]*candidate)
	var order []string
	for _, m := range matches {
		kw := m.Chunk.Keyword
		if kw == "" {
			continue
		}
		c, ok := byKeyword[kw]
		if !ok {
			c = &candidate{keyword: kw}
			byKeyword[kw] = c
			order = append(order, kw)
		}
		c.total += m.Similarity
		c.count++
	}

	ranked := make([]candidate, 0, len(order))
	for _, kw := range order {
		ranked = append(ranked, *byKeyword[kw])
	}
	sort.SliceStable(ranked, func(i, j int) bool { return ranked[i].score() > ranked[j].score() })
	return ranked
}

func (r *Retriever) persistLogged(ctx context.Context, log *slog.Logger, topic, normalized string, result *models.ResearchResult) {
	start := time.Now()
	chunkCount, err := r.persist(ctx, topic, normalized, result)
	if err != nil {
		r.failures.Add(1)
		log.Error("persisting research failed", "error", err)
		return
	}
	log.Info("research persisted", "chunks", chunkCount, "duration_ms", time.Since(start).Milliseconds())
}

// persist segments, embeds and stores result, then upserts its cache entry.
func (r *Retriever) persist(ctx context.Context, topic, normalized string, result *models.ResearchResult) (int, error) {
	chunks := r.segmentResult(topic, normalized, result)

	var ids []string
	if len(chunks) > 0 {
		texts := make([]string, len(chunks))
		for i, ch := range chunks {
			texts[i] = ch.Content
		}

		vectors, err := r.embedder.EmbedMany(ctx, texts, r.cfg.EmbedBatchSize)
		if err != nil {
			return 0, fmt.Errorf("embed chunks: %w", err)
		}
		ids, err = r.store.StoreChunks(ctx, chunks, vectors, normalized)
		if err != nil {
			return 0, fmt.Errorf("store chunks: %w", err)
		}
	}

	metadata := map[string]any{
		models.MetaTopic: topic,
		"source_count":   len(result.Sources),
		"chunk_count":    len(ids),
	}
	if result.Statistics != nil {
		metadata[metaStatistics] = result.Statistics
	}

	_, err := r.store.UpsertCacheEntry(ctx, models.CacheEntry{
		Keyword:           topic,
		KeywordNormalized: normalized,
		ResearchSummary:   result.Summary,
		ChunkIDs:          ids,
		Metadata:          metadata,
	})
	if err != nil {
		return 0, fmt.Errorf("upsert cache entry: %w", err)
	}
	return len(ids), nil
}

// segmentResult chunks the summary and every source excerpt. Summary chunks
// are owned by the normalized keyword; each source gets its own source id.
func (r *Retriever) segmentResult(topic, normalized string, result *models.ResearchResult) []models.TextChunk {
	chunks := parser.SegmentMarkdown(result.Summary, r.cfg.Segment, normalized, map[string]any{
		models.MetaContentType: models.ContentTypeSummary,
		models.MetaTopic:       topic,
	})

	for i, src := range result.Sources {
		if strings.TrimSpace(src.Excerpt) == "" || src.URL == "" {
			continue
		}
		credibility := clamp01(src.Credibility)
		chunks = append(chunks, parser.Segment(src.Excerpt, r.cfg.Segment, fmt.Sprintf("%s#source-%d", normalized, i), map[string]any{
			models.MetaContentType: models.ContentTypeSource,
			models.MetaTopic:       topic,
			models.MetaURL:         src.URL,
			models.MetaDomain:      src.Domain,
			models.MetaCredibility: credibility,
			models.MetaHighQuality: credibility >= models.HighQualityThreshold,
			models.MetaSourceIndex: i,
		})...)
	}
	return chunks
}

// Statistics returns the outcome counters.
func (r *Retriever) Statistics() Statistics {
	s := Statistics{
		ExactHits:    r.exactHits.Load(),
		SemanticHits: r.semanticHits.Load(),
		Misses:       r.misses.Load(),
		Errors:       r.failures.Load(),
	}
	if total := s.ExactHits + s.SemanticHits + s.Misses; total > 0 {
		s.HitRate = float64(s.ExactHits+s.SemanticHits) / float64(total)
	}
	return s
}

// CleanupExpired deletes expired cache entries and returns how many were removed.
func (r *Retriever) CleanupExpired(ctx context.Context) (int, error) {
	return r.store.CleanupExpired(ctx, r.cfg.TTLDays)
}

// Invalidate removes the cache entry for topic. Its chunks stay available
// for semantic matching. Reports whether an entry existed.
func (r *Retriever) Invalidate(ctx context.Context, topic string) (bool, error) {
	normalized := models.NormalizeKeyword(topic)
	if normalized == "" {
		return false, ErrInvalidTopic
	}
	return r.store.DeleteCacheEntry(ctx, normalized)
}
