package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raphaelgruber/researchcache/internal/db"
	"github.com/raphaelgruber/researchcache/internal/models"
	"github.com/raphaelgruber/researchcache/internal/parser"
)

func sugarResult() *models.ResearchResult {
	return &models.ResearchResult{
		Summary: "Walking after meals lowers blood sugar. Fiber slows glucose absorption.",
		Sources: []models.Source{
			{URL: "https://example.org/walk", Domain: "example.org", Excerpt: "A short walk after eating reduces blood sugar spikes.", Credibility: 0.9},
			{URL: "https://health.example.com/fiber", Domain: "health.example.com", Excerpt: "Soluble fiber slows glucose absorption.", Credibility: 0.6},
		},
		Statistics: map[string]any{"search_results": 12},
	}
}

func pressureResult() *models.ResearchResult {
	return &models.ResearchResult{
		Summary: "Reducing salt lowers blood pressure.",
		Sources: []models.Source{
			{URL: "https://example.org/salt", Domain: "example.org", Excerpt: "Salt raises blood pressure.", Credibility: 0.8},
		},
	}
}

// researchFn returns a ResearchFunc producing result and counting calls.
func researchFn(result *models.ResearchResult, calls *atomic.Int32) ResearchFunc {
	return func(context.Context) (*models.ResearchResult, error) {
		calls.Add(1)
		return result, nil
	}
}

func mustNotResearch(t *testing.T) ResearchFunc {
	return func(context.Context) (*models.ResearchResult, error) {
		t.Error("fresh research must not run")
		return nil, errors.New("unexpected research")
	}
}

func newTestRetriever(store *memStore, emb *conceptEmbedder, cfg Config) *Retriever {
	return NewRetriever(store, emb, cfg, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
}

func TestFreshResearchIsPersisted(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(store, &conceptEmbedder{}, Config{})

	var calls atomic.Int32
	result, err := r.RetrieveOrResearch(context.Background(), "Blood Sugar", researchFn(sugarResult(), &calls))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, models.ProvenanceFresh, result.Provenance)
	assert.Equal(t, "Blood Sugar", result.Keyword)

	entry := store.entry("blood sugar")
	require.NotNil(t, entry)
	assert.Equal(t, "Blood Sugar", entry.Keyword)
	assert.Equal(t, sugarResult().Summary, entry.ResearchSummary)
	assert.Len(t, entry.ChunkIDs, 3, "one summary chunk and one chunk per source")
	assert.Equal(t, 3, store.chunkCount())
	assert.Equal(t, map[string]any{"search_results": 12}, entry.Metadata[metaStatistics])
}

func TestExactHitIgnoresCaseAndWhitespace(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(store, &conceptEmbedder{}, Config{})
	ctx := context.Background()

	var calls atomic.Int32
	_, err := r.RetrieveOrResearch(ctx, "Blood Sugar", researchFn(sugarResult(), &calls))
	require.NoError(t, err)

	result, err := r.RetrieveOrResearch(ctx, "  blood   SUGAR ", mustNotResearch(t))
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceExact, result.Provenance)
	assert.Equal(t, sugarResult().Summary, result.Summary)
	assert.Equal(t, sugarResult().Sources, result.Sources)
	assert.Equal(t, map[string]any{"search_results": 12}, result.Statistics)
	assert.Equal(t, 1, store.entry("blood sugar").HitCount)

	stats := r.Statistics()
	assert.Equal(t, int64(1), stats.ExactHits)
	assert.Equal(t, int64(1), stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 1e-9)
}

func TestSemanticHitForSimilarTopic(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(store, &conceptEmbedder{}, Config{})
	ctx := context.Background()

	var calls atomic.Int32
	_, err := r.RetrieveOrResearch(ctx, "lower blood sugar naturally", researchFn(sugarResult(), &calls))
	require.NoError(t, err)

	result, err := r.RetrieveOrResearch(ctx, "natural methods to reduce blood sugar", mustNotResearch(t))
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceSemantic, result.Provenance)
	assert.Equal(t, "lower blood sugar naturally", result.MatchedKeyword)
	assert.GreaterOrEqual(t, result.Similarity, DefaultSimilarityThreshold)
	assert.Equal(t, "natural methods to reduce blood sugar", result.Keyword)
	assert.Equal(t, sugarResult().Summary, result.Summary)
	assert.Len(t, result.Sources, 2)

	stats := r.Statistics()
	assert.Equal(t, int64(1), stats.SemanticHits)
	assert.Equal(t, int64(1), stats.Misses)
}

func TestSemanticLookupSkipsCandidateWithoutContent(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(store, &conceptEmbedder{}, Config{})
	ctx := context.Background()

	// Matches every sugar query first, but a source chunk without a URL
	// rebuilds to nothing.
	_, err := store.StoreChunks(ctx, []models.TextChunk{{
		Content:  "Blood sugar notes without a source.",
		SourceID: "sugar scraps#source-0",
		Metadata: map[string]any{models.MetaContentType: models.ContentTypeSource},
	}}, [][]float32{{1, 0, 0}}, "sugar scraps")
	require.NoError(t, err)

	var calls atomic.Int32
	first, err := r.RetrieveOrResearch(ctx, "lower blood sugar naturally", researchFn(sugarResult(), &calls))
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceFresh, first.Provenance)

	result, err := r.RetrieveOrResearch(ctx, "natural methods to reduce blood sugar", mustNotResearch(t))
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceSemantic, result.Provenance)
	assert.Equal(t, "lower blood sugar naturally", result.MatchedKeyword)
	assert.Equal(t, sugarResult().Summary, result.Summary)
	assert.Equal(t, int32(1), calls.Load())
}

func TestUnrelatedTopicMisses(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(store, &conceptEmbedder{}, Config{})
	ctx := context.Background()

	var sugarCalls, pressureCalls atomic.Int32
	_, err := r.RetrieveOrResearch(ctx, "blood sugar", researchFn(sugarResult(), &sugarCalls))
	require.NoError(t, err)

	result, err := r.RetrieveOrResearch(ctx, "blood pressure", researchFn(pressureResult(), &pressureCalls))
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceFresh, result.Provenance)
	assert.Equal(t, int32(1), pressureCalls.Load())
	assert.Equal(t, int64(2), r.Statistics().Misses)
}

func TestSimilarityThresholdOverride(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(store, &conceptEmbedder{}, Config{})
	ctx := context.Background()

	var calls atomic.Int32
	_, err := r.RetrieveOrResearch(ctx, "blood sugar tips", researchFn(sugarResult(), &calls))
	require.NoError(t, err)

	result, err := r.RetrieveOrResearch(ctx, "sugar control", researchFn(sugarResult(), &calls), WithSimilarityThreshold(1.01))
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceFresh, result.Provenance)
	assert.Equal(t, int32(2), calls.Load())
}

func TestStaleChunksStillServeSemanticHits(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(store, &conceptEmbedder{}, Config{
		Segment: parser.SegmentConfig{ChunkSize: 60, Overlap: 20},
	})
	ctx := context.Background()

	research := sugarResult()
	research.Sources = []models.Source{{
		URL:         "https://example.org/long",
		Domain:      "example.org",
		Excerpt:     "Blood sugar rises after meals. Walking lowers blood sugar. Fiber blunts sugar spikes. Sleep helps sugar control.",
		Credibility: 0.75,
	}}

	var calls atomic.Int32
	_, err := r.RetrieveOrResearch(ctx, "blood sugar", researchFn(research, &calls))
	require.NoError(t, err)

	removed, err := r.Invalidate(ctx, "Blood Sugar")
	require.NoError(t, err)
	assert.True(t, removed)

	result, err := r.RetrieveOrResearch(ctx, "blood sugar", mustNotResearch(t))
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceSemantic, result.Provenance)
	assert.Equal(t, "blood sugar", result.MatchedKeyword)
	assert.Equal(t, research.Summary, result.Summary, "summary rebuilt from chunks")
	require.Len(t, result.Sources, 1)
	assert.Equal(t, research.Sources[0], result.Sources[0], "excerpt rebuilt across overlapping chunks")
	assert.Nil(t, result.Statistics)
}

func TestExpiredEntryIsNotAnExactHit(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(store, &conceptEmbedder{}, Config{})
	ctx := context.Background()

	var calls atomic.Int32
	_, err := r.RetrieveOrResearch(ctx, "blood sugar", researchFn(sugarResult(), &calls))
	require.NoError(t, err)

	store.mu.Lock()
	store.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	store.mu.Unlock()

	result, err := r.RetrieveOrResearch(ctx, "blood sugar", mustNotResearch(t))
	require.NoError(t, err)
	assert.NotEqual(t, models.ProvenanceExact, result.Provenance)
	assert.Zero(t, r.Statistics().ExactHits)

	n, err := r.CleanupExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, DefaultTTLDays, store.cleanupTTL)
}

func TestPersistFailureDoesNotFailResponse(t *testing.T) {
	tests := []struct {
		name  string
		setup func(*memStore, *conceptEmbedder)
	}{
		{"store chunks", func(s *memStore, _ *conceptEmbedder) { s.errStore = errors.New("storage down") }},
		{"upsert entry", func(s *memStore, _ *conceptEmbedder) { s.errUpsert = errors.New("storage down") }},
		{"embed chunks", func(_ *memStore, e *conceptEmbedder) { e.failMany = errors.New("embedding down") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			emb := &conceptEmbedder{}
			tt.setup(store, emb)
			r := newTestRetriever(store, emb, Config{})

			var calls atomic.Int32
			result, err := r.RetrieveOrResearch(context.Background(), "blood sugar", researchFn(sugarResult(), &calls))
			require.NoError(t, err)
			assert.Equal(t, sugarResult().Summary, result.Summary)
			assert.Nil(t, store.entry("blood sugar"))

			stats := r.Statistics()
			assert.Equal(t, int64(1), stats.Errors)
			assert.Equal(t, int64(1), stats.Misses)
		})
	}
}

func TestLookupFailuresDegradeToFreshResearch(t *testing.T) {
	store := newMemStore()
	store.errGet = errors.New("connection refused")
	store.errSearch = errors.New("connection refused")
	r := newTestRetriever(store, &conceptEmbedder{}, Config{})

	var calls atomic.Int32
	result, err := r.RetrieveOrResearch(context.Background(), "blood sugar", researchFn(sugarResult(), &calls))
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceFresh, result.Provenance)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, int64(2), r.Statistics().Errors)
}

func TestUnreachableStoreStillResearches(t *testing.T) {
	dial := func(context.Context) (*db.Client, error) {
		return nil, errors.New("dial tcp 127.0.0.1:8000: connection refused")
	}
	store := db.NewStore(db.NewPool(dial, db.PoolConfig{Size: 1}, nil), db.StoreConfig{MaxAttempts: 1})
	r := NewRetriever(store, &conceptEmbedder{}, Config{}, WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))))
	ctx := context.Background()

	require.Error(t, store.InitSchema(ctx))

	var calls atomic.Int32
	result, err := r.RetrieveOrResearch(ctx, "blood sugar", researchFn(sugarResult(), &calls))
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceFresh, result.Provenance)
	assert.Equal(t, sugarResult().Summary, result.Summary)
	assert.Equal(t, int32(1), calls.Load())
	assert.Positive(t, r.Statistics().Errors)
}

func TestEmbeddingFailureSkipsSemanticCheck(t *testing.T) {
	store := newMemStore()
	emb := &conceptEmbedder{failOne: errors.New("rate limited")}
	r := newTestRetriever(store, emb, Config{})

	var calls atomic.Int32
	_, err := r.RetrieveOrResearch(context.Background(), "blood sugar", researchFn(sugarResult(), &calls))
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.NotNil(t, store.entry("blood sugar"), "persistence uses batch embedding and still succeeds")
}

func TestFreshResearchErrorPropagatesUnchanged(t *testing.T) {
	r := newTestRetriever(newMemStore(), &conceptEmbedder{}, Config{})
	boom := errors.New("search API quota exceeded")

	_, err := r.RetrieveOrResearch(context.Background(), "blood sugar", func(context.Context) (*models.ResearchResult, error) {
		return nil, boom
	})
	assert.Equal(t, boom, err)
	assert.Equal(t, int64(1), r.Statistics().Errors)
}

func TestNilResearchResult(t *testing.T) {
	r := newTestRetriever(newMemStore(), &conceptEmbedder{}, Config{})

	_, err := r.RetrieveOrResearch(context.Background(), "blood sugar", func(context.Context) (*models.ResearchResult, error) {
		return nil, nil
	})
	assert.ErrorIs(t, err, ErrRetrieval)
}

func TestInvalidTopic(t *testing.T) {
	emb := &conceptEmbedder{}
	r := newTestRetriever(newMemStore(), emb, Config{})

	for _, topic := range []string{"", "   ", "\t\n"} {
		_, err := r.RetrieveOrResearch(context.Background(), topic, mustNotResearch(t))
		assert.ErrorIs(t, err, ErrInvalidTopic)
	}
	assert.Zero(t, emb.oneCalls)

	_, err := r.Invalidate(context.Background(), " ")
	assert.ErrorIs(t, err, ErrInvalidTopic)
}

func TestAsyncPersist(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(store, &conceptEmbedder{}, Config{AsyncPersist: true})
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	result, err := r.RetrieveOrResearch(ctx, "blood sugar", researchFn(sugarResult(), &calls))
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceFresh, result.Provenance)
	cancel()

	r.Flush()
	require.NotNil(t, store.entry("blood sugar"), "persistence outlives the request context")

	hit, err := r.RetrieveOrResearch(context.Background(), "blood sugar", mustNotResearch(t))
	require.NoError(t, err)
	assert.Equal(t, models.ProvenanceExact, hit.Provenance)
}

func TestConcurrentRequests(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(store, &conceptEmbedder{}, Config{})

	var calls atomic.Int32
	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := r.RetrieveOrResearch(context.Background(), "blood sugar", researchFn(sugarResult(), &calls))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	stats := r.Statistics()
	assert.Equal(t, int64(8), stats.ExactHits+stats.SemanticHits+stats.Misses)
	assert.Equal(t, int64(calls.Load()), stats.Misses)
	assert.NotNil(t, store.entry("blood sugar"))
}

func TestWarm(t *testing.T) {
	store := newMemStore()
	r := newTestRetriever(store, &conceptEmbedder{}, Config{})
	ctx := context.Background()

	fresh := func(_ context.Context, topic string) (*models.ResearchResult, error) {
		switch {
		case strings.Contains(topic, "sugar"):
			return sugarResult(), nil
		case strings.Contains(topic, "pressure"):
			return pressureResult(), nil
		}
		return nil, errors.New("no results for " + topic)
	}

	var progress []int
	outcomes := r.Warm(ctx, []string{"blood sugar", "blood pressure", "unknown topic"}, fresh,
		WithConcurrency(2),
		WithProgress(func(done, total int, _ WarmOutcome) {
			assert.Equal(t, 3, total)
			progress = append(progress, done)
		}))

	require.Len(t, outcomes, 3)
	assert.Equal(t, "blood sugar", outcomes[0].Topic)
	assert.Equal(t, models.ProvenanceFresh, outcomes[0].Provenance)
	assert.NoError(t, outcomes[0].Err)
	assert.Equal(t, models.ProvenanceFresh, outcomes[1].Provenance)
	assert.Error(t, outcomes[2].Err)
	assert.Equal(t, []int{1, 2, 3}, progress)

	again := r.Warm(ctx, []string{"Blood Sugar", "blood pressure"}, fresh)
	assert.Equal(t, models.ProvenanceExact, again[0].Provenance)
	assert.Equal(t, models.ProvenanceExact, again[1].Provenance)
}

func TestStatisticsEmpty(t *testing.T) {
	r := newTestRetriever(newMemStore(), &conceptEmbedder{}, Config{})
	assert.Equal(t, Statistics{}, r.Statistics())
}
