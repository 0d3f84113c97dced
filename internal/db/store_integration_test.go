//go:build integration

package db

import (
	"context"
	"fmt"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/raphaelgruber/researchcache/internal/models"
)

const testDimension = 8

var (
	testPool      *Pool
	testStore     *Store
	testContainer testcontainers.Container
)

// TestMain sets up and tears down the SurrealDB container for all tests.
func TestMain(m *testing.M) {
	// Disable ryuk (cleanup container) as it can cause issues in some environments
	os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	ctx := context.Background()

	var err error
	testContainer, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "surrealdb/surrealdb:v3.0.0-beta.1",
			ExposedPorts: []string{"8000/tcp"},
			Cmd:          []string{"start", "--log", "info", "--user", "root", "--pass", "root"},
			WaitingFor:   wait.ForLog("Started web server").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	})
	if err != nil {
		log.Fatalf("Failed to start SurrealDB container: %v", err)
	}

	host, err := testContainer.Host(ctx)
	if err != nil {
		log.Fatalf("Failed to get container host: %v", err)
	}
	// Workaround: testcontainers may return "null" as host in some environments
	if host == "" || host == "null" {
		host = "localhost"
	}
	mappedPort, err := testContainer.MappedPort(ctx, "8000")
	if err != nil {
		log.Fatalf("Failed to get mapped port: %v", err)
	}

	testPool = NewClientPool(Config{
		URL:       fmt.Sprintf("ws://%s:%s/rpc", host, mappedPort.Port()),
		Namespace: "test",
		Database:  "test",
		Username:  "root",
		Password:  "root",
		AuthLevel: "root",
	}, PoolConfig{Size: 3, AcquireTimeout: 10 * time.Second}, nil)
	testStore = NewStore(testPool, StoreConfig{Dimension: testDimension, TTL: time.Hour})

	if err := testStore.InitSchema(ctx); err != nil {
		log.Fatalf("Failed to initialize schema: %v", err)
	}

	code := m.Run()

	_ = testPool.Close(ctx)
	_ = testContainer.Terminate(ctx)

	os.Exit(code)
}

func wipe(t *testing.T) {
	t.Helper()
	err := testPool.With(context.Background(), func(c *Client) error {
		return c.WipeData(context.Background())
	})
	require.NoError(t, err)
}

// axis returns a unit vector along dimension i with a small tail so that no
// two axes are exactly orthogonal.
func axis(i int) []float32 {
	v := make([]float32, testDimension)
	v[i] = 1
	v[testDimension-1] += 0.05
	return v
}

func TestStoreChunksIsIdempotent(t *testing.T) {
	wipe(t)
	ctx := context.Background()

	chunks := []models.TextChunk{
		{Content: "Walking after meals lowers glucose.", ChunkIndex: 0, SourceID: "blood sugar", Metadata: map[string]any{models.MetaContentType: models.ContentTypeSummary}},
		{Content: "Fiber slows sugar absorption.", ChunkIndex: 1, SourceID: "blood sugar"},
	}
	vectors := [][]float32{axis(0), axis(1)}

	first, err := testStore.StoreChunks(ctx, chunks, vectors, "Blood Sugar")
	require.NoError(t, err)
	second, err := testStore.StoreChunks(ctx, chunks, vectors, "Blood Sugar")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	count, err := testStore.CountChunks(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	stored, err := testStore.GetChunks(ctx, []string{first[1], "missing", first[0]})
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "Fiber slows sugar absorption.", stored[0].Content)
	assert.Equal(t, "blood sugar", stored[1].Keyword)
	assert.Equal(t, models.ContentTypeSummary, stored[1].Metadata[models.MetaContentType])

	byKeyword, err := testStore.ChunksByKeyword(ctx, "blood sugar")
	require.NoError(t, err)
	assert.Len(t, byKeyword, 2)
}

func TestSearchSimilar(t *testing.T) {
	wipe(t)
	ctx := context.Background()

	chunks := []models.TextChunk{
		{Content: "near", SourceID: "topic a"},
		{Content: "far", SourceID: "topic b"},
	}
	_, err := testStore.StoreChunks(ctx, chunks, [][]float32{axis(0), axis(3)}, "topic")
	require.NoError(t, err)

	matches, err := testStore.SearchSimilar(ctx, axis(0), 5, 0.8)
	require.NoError(t, err)
	require.Len(t, matches, 1, "unrelated content falls below the threshold")
	assert.Equal(t, "near", matches[0].Chunk.Content)
	assert.InDelta(t, 1.0, matches[0].Similarity, 1e-4)

	all, err := testStore.SearchSimilar(ctx, axis(0), 5, -1)
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.GreaterOrEqual(t, all[0].Similarity, all[1].Similarity)

	bulk, err := testStore.BulkSearch(ctx, [][]float32{axis(0), axis(3)}, 1)
	require.NoError(t, err)
	require.Len(t, bulk, 2)
	assert.Equal(t, "near", bulk[0][0].Chunk.Content)
	assert.Equal(t, "far", bulk[1][0].Chunk.Content)
}

func TestCacheEntryLifecycle(t *testing.T) {
	wipe(t)
	ctx := context.Background()

	_, err := testStore.UpsertCacheEntry(ctx, models.CacheEntry{
		Keyword:         "Blood Sugar",
		ResearchSummary: "Walk after meals.",
		ChunkIDs:        []string{"a", "b"},
		Metadata:        map[string]any{"statistics": map[string]any{"sources": 2}},
	})
	require.NoError(t, err)

	entry, err := testStore.GetCacheEntry(ctx, "blood sugar")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, "Blood Sugar", entry.Keyword)
	assert.Equal(t, []string{"a", "b"}, entry.ChunkIDs)
	assert.Equal(t, 1, entry.HitCount)
	assert.WithinDuration(t, entry.CreatedAt.Add(time.Hour), entry.ExpiresAt, time.Second)

	entry, err = testStore.GetCacheEntry(ctx, "  BLOOD   sugar ")
	require.NoError(t, err)
	require.NotNil(t, entry)
	assert.Equal(t, 2, entry.HitCount)

	_, err = testStore.UpsertCacheEntry(ctx, models.CacheEntry{Keyword: "blood sugar", ResearchSummary: "Updated."})
	require.NoError(t, err)
	entries, err := testStore.ListCacheEntries(ctx, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1, "upsert supersedes instead of duplicating")
	assert.Equal(t, "Updated.", entries[0].ResearchSummary)
	assert.Equal(t, 2, entries[0].HitCount)

	deleted, err := testStore.DeleteCacheEntry(ctx, "blood sugar")
	require.NoError(t, err)
	assert.True(t, deleted)
	entry, err = testStore.GetCacheEntry(ctx, "blood sugar")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestCleanupExpiredWithZeroTTL(t *testing.T) {
	wipe(t)
	ctx := context.Background()

	_, err := testStore.UpsertCacheEntry(ctx, models.CacheEntry{Keyword: "stale topic", ResearchSummary: "old"})
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	n, err := testStore.CleanupExpired(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	entry, err := testStore.GetCacheEntry(ctx, "stale topic")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestExpiredEntryIsAbsent(t *testing.T) {
	wipe(t)
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	stale := NewStore(testPool, StoreConfig{Dimension: testDimension, TTL: time.Hour}, WithClock(func() time.Time { return past }))
	_, err := stale.UpsertCacheEntry(ctx, models.CacheEntry{Keyword: "expired", ResearchSummary: "x"})
	require.NoError(t, err)

	entry, err := testStore.GetCacheEntry(ctx, "expired")
	require.NoError(t, err)
	assert.Nil(t, entry)
}

func TestPruneOrphanChunks(t *testing.T) {
	wipe(t)
	ctx := context.Background()

	ids, err := testStore.StoreChunks(ctx, []models.TextChunk{
		{Content: "kept", SourceID: "live"},
		{Content: "orphan", SourceID: "dead"},
	}, [][]float32{axis(0), axis(1)}, "mixed")
	require.NoError(t, err)

	_, err = testStore.UpsertCacheEntry(ctx, models.CacheEntry{Keyword: "live", ChunkIDs: ids[:1]})
	require.NoError(t, err)

	n, err := testStore.PruneOrphanChunks(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	remaining, err := testStore.GetChunks(ctx, ids)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "kept", remaining[0].Content)
}
