package db

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/surrealdb/surrealdb.go"
	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"

	"github.com/raphaelgruber/researchcache/internal/metrics"
	"github.com/raphaelgruber/researchcache/internal/models"
)

// Store defaults.
const (
	DefaultTTL            = 7 * 24 * time.Hour
	DefaultStoreAttempts  = 3
	DefaultSearchLimit    = 10
	DefaultInitialBackoff = 200 * time.Millisecond
	DefaultMaxBackoff     = 5 * time.Second
)

// StoreConfig tunes a Store. Zero fields take the defaults.
type StoreConfig struct {
	TTL            time.Duration
	Dimension      int // 0 disables the vector length check on writes
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// StoreOption configures optional Store collaborators.
type StoreOption func(*Store)

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// WithMetrics records store timings on m.
func WithMetrics(m *metrics.Collector) StoreOption {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides the time source used for entry timestamps and expiry.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) { s.now = now }
}

// Store is the vector store. Every operation runs on a pooled connection.
// Safe for concurrent use.
type Store struct {
	pool    *Pool
	cfg     StoreConfig
	metrics *metrics.Collector
	logger  *slog.Logger
	now     func() time.Time
}

// NewStore creates a store over pool.
func NewStore(pool *Pool, cfg StoreConfig, opts ...StoreOption) *Store {
	if cfg.TTL < 0 {
		cfg.TTL = 0
	} else if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultStoreAttempts
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultMaxBackoff
	}

	s := &Store{pool: pool, cfg: cfg, logger: slog.Default(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the lifetime given to upserted cache entries.
func (s *Store) TTL() time.Duration { return s.cfg.TTL }

// Pool returns the underlying connection pool.
func (s *Store) Pool() *Pool { return s.pool }

// InitSchema defines tables and indexes for the configured dimension.
func (s *Store) InitSchema(ctx context.Context) error {
	return s.pool.With(ctx, func(c *Client) error {
		return c.InitSchema(ctx, s.cfg.Dimension)
	})
}

// ChunkID derives the deterministic record key of a chunk from its source,
// position and a prefix of its content hash. Storing the same chunk twice
// targets the same record.
func ChunkID(sourceID string, chunkIndex int, content string) string {
	slug := models.Slugify(sourceID)
	if len(slug) > 64 {
		slug = slug[:64]
	}
	if slug == "" {
		slug = "chunk"
	}
	sum := sha256.Sum256([]byte(content))
	return fmt.Sprintf("%s_%d_%s", slug, chunkIndex, hex.EncodeToString(sum[:])[:12])
}

// CacheEntryID derives the record key of the cache entry for a normalized keyword.
func CacheEntryID(keywordNormalized string) string {
	sum := sha256.Sum256([]byte(keywordNormalized))
	return hex.EncodeToString(sum[:16])
}

// chunkFields is the projection used for chunk reads. Embeddings are not loaded.
const chunkFields = `id, content, keyword, chunk_index, source_id, metadata, created_at`

type matchRow struct {
	ID         surrealmodels.RecordID `json:"id"`
	Content    string                 `json:"content"`
	Keyword    string                 `json:"keyword"`
	ChunkIndex int                    `json:"chunk_index"`
	SourceID   string                 `json:"source_id"`
	Metadata   map[string]any         `json:"metadata"`
	CreatedAt  time.Time              `json:"created_at"`
	Similarity float64                `json:"similarity"`
}

func (r matchRow) toMatch() models.ChunkMatch {
	return models.ChunkMatch{
		Chunk: models.StoredChunk{
			ID:         r.ID,
			Content:    r.Content,
			Keyword:    r.Keyword,
			ChunkIndex: r.ChunkIndex,
			SourceID:   r.SourceID,
			Metadata:   r.Metadata,
			CreatedAt:  r.CreatedAt,
		},
		Similarity: r.Similarity,
	}
}

// StoreChunks upserts chunks with their vectors under keyword and returns the
// chunk ids in input order. The write is a single transaction.
func (s *Store) StoreChunks(ctx context.Context, chunks []models.TextChunk, vectors [][]float32, keyword string) ([]string, error) {
	if len(chunks) != len(vectors) {
		return nil, fmt.Errorf("store chunks: %d chunks but %d vectors", len(chunks), len(vectors))
	}
	if len(chunks) == 0 {
		return []string{}, nil
	}

	ids := make([]string, len(chunks))
	rows := make([]map[string]any, len(chunks))
	for i, ch := range chunks {
		if s.cfg.Dimension > 0 && len(vectors[i]) != s.cfg.Dimension {
			return nil, fmt.Errorf("store chunks: vector %d has dimension %d, want %d", i, len(vectors[i]), s.cfg.Dimension)
		}
		metadata := ch.Metadata
		if metadata == nil {
			metadata = map[string]any{}
		}
		ids[i] = ChunkID(ch.SourceID, ch.ChunkIndex, ch.Content)
		rows[i] = map[string]any{
			"id":          ids[i],
			"content":     ch.Content,
			"embedding":   vectors[i],
			"metadata":    metadata,
			"chunk_index": ch.ChunkIndex,
			"source_id":   ch.SourceID,
		}
	}

	sql := `
		BEGIN TRANSACTION;
		FOR $c IN $chunks {
			UPSERT type::record("research_chunk", $c.id) SET
				content = $c.content,
				embedding = $c.embedding,
				metadata = $c.metadata,
				keyword = $keyword,
				chunk_index = $c.chunk_index,
				source_id = $c.source_id;
		};
		COMMIT TRANSACTION;
	`
	vars := map[string]any{
		"chunks":  rows,
		"keyword": models.NormalizeKeyword(keyword),
	}

	err := s.write(ctx, "store chunks", func(c *Client) error {
		_, err := surrealdb.Query[any](ctx, c.DB(), sql, vars)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("stored chunks", "keyword", keyword, "count", len(ids))
	return ids, nil
}

// SearchSimilar returns up to limit chunks nearest to vector with similarity
// (1 - cosine distance) at or above threshold, most similar first.
func (s *Store) SearchSimilar(ctx context.Context, vector []float32, limit int, threshold float64) ([]models.ChunkMatch, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	sql := fmt.Sprintf(`
		SELECT %s, vector::similarity::cosine(embedding, $emb) AS similarity
		FROM research_chunk
		WHERE embedding <|%d,40|> $emb
		ORDER BY similarity DESC
	`, chunkFields, limit)

	var rows []matchRow
	err := s.read(ctx, "search similar", metrics.OpStoreSearch, func(c *Client) error {
		results, err := surrealdb.Query[[]matchRow](ctx, c.DB(), sql, map[string]any{"emb": vector})
		if err != nil {
			return err
		}
		if results != nil && len(*results) > 0 {
			rows = (*results)[0].Result
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return filterMatches(rows, threshold), nil
}

// BulkSearch runs one similarity search per vector in a single round trip.
// The result maps each vector's index to its matches, most similar first.
func (s *Store) BulkSearch(ctx context.Context, vectors [][]float32, limitPerQuery int) (map[int][]models.ChunkMatch, error) {
	out := make(map[int][]models.ChunkMatch, len(vectors))
	if len(vectors) == 0 {
		return out, nil
	}
	if limitPerQuery <= 0 {
		limitPerQuery = DefaultSearchLimit
	}

	var sql strings.Builder
	vars := make(map[string]any, len(vectors))
	for i, vec := range vectors {
		fmt.Fprintf(&sql, `
		SELECT %s, vector::similarity::cosine(embedding, $emb%d) AS similarity
		FROM research_chunk
		WHERE embedding <|%d,40|> $emb%d
		ORDER BY similarity DESC;`, chunkFields, i, limitPerQuery, i)
		vars[fmt.Sprintf("emb%d", i)] = vec
	}

	err := s.read(ctx, "bulk search", metrics.OpStoreSearch, func(c *Client) error {
		results, err := surrealdb.Query[[]matchRow](ctx, c.DB(), sql.String(), vars)
		if err != nil {
			return err
		}
		if results == nil || len(*results) != len(vectors) {
			return fmt.Errorf("bulk search: expected %d result sets", len(vectors))
		}
		for i, res := range *results {
			out[i] = filterMatches(res.Result, -1)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func filterMatches(rows []matchRow, threshold float64) []models.ChunkMatch {
	matches := make([]models.ChunkMatch, 0, len(rows))
	for _, r := range rows {
		if r.Similarity < threshold {
			continue
		}
		matches = append(matches, r.toMatch())
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})
	return matches
}

// GetCacheEntry returns the live entry for keywordNormalized, or nil if it is
// missing or expired. A returned entry has already had its hit count
// incremented and last access time updated, in the same statement.
func (s *Store) GetCacheEntry(ctx context.Context, keywordNormalized string) (*models.CacheEntry, error) {
	keywordNormalized = models.NormalizeKeyword(keywordNormalized)
	if keywordNormalized == "" {
		return nil, nil
	}

	sql := `
		UPDATE type::record("cache_entry", $id) SET
			hit_count += 1,
			last_accessed = <datetime>$now
		WHERE expires_at > <datetime>$now
		RETURN AFTER
	`
	vars := map[string]any{
		"id":  CacheEntryID(keywordNormalized),
		"now": formatTime(s.now()),
	}

	var entry *models.CacheEntry
	err := s.read(ctx, "get cache entry", metrics.OpStoreRead, func(c *Client) error {
		results, err := surrealdb.Query[[]models.CacheEntry](ctx, c.DB(), sql, vars)
		if err != nil {
			return err
		}
		if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
			entry = &(*results)[0].Result[0]
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// UpsertCacheEntry writes entry keyed by its normalized keyword, superseding
// any previous entry for it. CreatedAt and LastAccessed are set to now and
// ExpiresAt to now plus the TTL. The hit count of a superseded entry is kept.
func (s *Store) UpsertCacheEntry(ctx context.Context, entry models.CacheEntry) (*models.CacheEntry, error) {
	if entry.KeywordNormalized == "" {
		entry.KeywordNormalized = models.NormalizeKeyword(entry.Keyword)
	}
	if entry.KeywordNormalized == "" {
		return nil, fmt.Errorf("upsert cache entry: empty keyword")
	}
	if entry.ChunkIDs == nil {
		entry.ChunkIDs = []string{}
	}
	if entry.Metadata == nil {
		entry.Metadata = map[string]any{}
	}

	now := s.now().UTC()
	entry.CreatedAt = now
	entry.LastAccessed = now
	entry.ExpiresAt = now.Add(s.cfg.TTL)

	sql := `
		UPSERT type::record("cache_entry", $id) SET
			keyword = $keyword,
			keyword_normalized = $keyword_normalized,
			research_summary = $summary,
			chunk_ids = $chunk_ids,
			metadata = $metadata,
			created_at = <datetime>$created_at,
			last_accessed = <datetime>$created_at,
			expires_at = <datetime>$expires_at
		RETURN AFTER
	`
	vars := map[string]any{
		"id":                 CacheEntryID(entry.KeywordNormalized),
		"keyword":            entry.Keyword,
		"keyword_normalized": entry.KeywordNormalized,
		"summary":            entry.ResearchSummary,
		"chunk_ids":          entry.ChunkIDs,
		"metadata":           entry.Metadata,
		"created_at":         formatTime(entry.CreatedAt),
		"expires_at":         formatTime(entry.ExpiresAt),
	}

	var stored *models.CacheEntry
	err := s.write(ctx, "upsert cache entry", func(c *Client) error {
		results, err := surrealdb.Query[[]models.CacheEntry](ctx, c.DB(), sql, vars)
		if err != nil {
			return err
		}
		if results == nil || len(*results) == 0 || len((*results)[0].Result) == 0 {
			return fmt.Errorf("upsert cache entry: no result returned")
		}
		stored = &(*results)[0].Result[0]
		return nil
	})
	if err != nil {
		return nil, err
	}
	return stored, nil
}

// CleanupExpired deletes cache entries that have expired, or that were
// created more than ttlDays ago. A negative ttlDays only removes expired
// entries. Chunks are left in place; see PruneOrphanChunks.
func (s *Store) CleanupExpired(ctx context.Context, ttlDays int) (int, error) {
	now := s.now()
	sql := `DELETE cache_entry WHERE expires_at <= <datetime>$now RETURN BEFORE`
	vars := map[string]any{"now": formatTime(now)}
	if ttlDays >= 0 {
		sql = `DELETE cache_entry WHERE expires_at <= <datetime>$now OR created_at < <datetime>$cutoff RETURN BEFORE`
		vars["cutoff"] = formatTime(now.Add(-time.Duration(ttlDays) * 24 * time.Hour))
	}

	var deleted int
	err := s.write(ctx, "cleanup expired", func(c *Client) error {
		results, err := surrealdb.Query[[]models.CacheEntry](ctx, c.DB(), sql, vars)
		if err != nil {
			return err
		}
		if results != nil && len(*results) > 0 {
			deleted = len((*results)[0].Result)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("expired cache entries removed", "count", deleted, "ttl_days", ttlDays)
	return deleted, nil
}

// DeleteCacheEntry removes the entry for keywordNormalized. Reports whether
// an entry existed.
func (s *Store) DeleteCacheEntry(ctx context.Context, keywordNormalized string) (bool, error) {
	keywordNormalized = models.NormalizeKeyword(keywordNormalized)
	if keywordNormalized == "" {
		return false, nil
	}

	var found bool
	err := s.write(ctx, "delete cache entry", func(c *Client) error {
		results, err := surrealdb.Query[[]models.CacheEntry](ctx, c.DB(),
			`DELETE type::record("cache_entry", $id) RETURN BEFORE`,
			map[string]any{"id": CacheEntryID(keywordNormalized)})
		if err != nil {
			return err
		}
		found = results != nil && len(*results) > 0 && len((*results)[0].Result) > 0
		return nil
	})
	return found, err
}

// GetChunks loads chunks by id, in the order given. Unknown ids are skipped.
func (s *Store) GetChunks(ctx context.Context, ids []string) ([]models.StoredChunk, error) {
	if len(ids) == 0 {
		return []models.StoredChunk{}, nil
	}

	recordIDs := make([]surrealmodels.RecordID, len(ids))
	for i, id := range ids {
		recordIDs[i] = surrealmodels.NewRecordID(ChunkTable, id)
	}

	var rows []models.StoredChunk
	err := s.read(ctx, "get chunks", metrics.OpStoreRead, func(c *Client) error {
		results, err := surrealdb.Query[[]models.StoredChunk](ctx, c.DB(),
			fmt.Sprintf(`SELECT %s FROM $ids`, chunkFields),
			map[string]any{"ids": recordIDs})
		if err != nil {
			return err
		}
		if results != nil && len(*results) > 0 {
			rows = (*results)[0].Result
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	byID := make(map[string]models.StoredChunk, len(rows))
	for _, r := range rows {
		if key, err := models.RecordIDString(r.ID); err == nil {
			byID[key] = r
		}
	}
	out := make([]models.StoredChunk, 0, len(rows))
	for _, id := range ids {
		if ch, ok := byID[id]; ok {
			out = append(out, ch)
		}
	}
	return out, nil
}

// ChunksByKeyword loads every chunk stored under a normalized keyword,
// ordered by source and position.
func (s *Store) ChunksByKeyword(ctx context.Context, keywordNormalized string) ([]models.StoredChunk, error) {
	var rows []models.StoredChunk
	err := s.read(ctx, "chunks by keyword", metrics.OpStoreRead, func(c *Client) error {
		results, err := surrealdb.Query[[]models.StoredChunk](ctx, c.DB(),
			fmt.Sprintf(`SELECT %s FROM research_chunk WHERE keyword = $kw ORDER BY source_id, chunk_index`, chunkFields),
			map[string]any{"kw": models.NormalizeKeyword(keywordNormalized)})
		if err != nil {
			return err
		}
		if results != nil && len(*results) > 0 {
			rows = (*results)[0].Result
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rows == nil {
		rows = []models.StoredChunk{}
	}
	return rows, nil
}

// PruneOrphanChunks deletes chunks created before olderThan that no live
// cache entry references. Returns the number deleted.
func (s *Store) PruneOrphanChunks(ctx context.Context, olderThan time.Time) (int, error) {
	sql := `
		LET $live = array::flatten((SELECT VALUE chunk_ids FROM cache_entry WHERE expires_at > <datetime>$now));
		DELETE research_chunk WHERE created_at < <datetime>$cutoff AND record::id(id) NOTINSIDE $live RETURN BEFORE;
	`
	vars := map[string]any{
		"now":    formatTime(s.now()),
		"cutoff": formatTime(olderThan),
	}

	var deleted int
	err := s.write(ctx, "prune orphan chunks", func(c *Client) error {
		results, err := surrealdb.Query[any](ctx, c.DB(), sql, vars)
		if err != nil {
			return err
		}
		if results != nil && len(*results) > 0 {
			if rows, ok := (*results)[len(*results)-1].Result.([]any); ok {
				deleted = len(rows)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}

	s.logger.Info("orphan chunks pruned", "count", deleted, "older_than", olderThan)
	return deleted, nil
}

// ListCacheEntries returns up to limit entries, most recently accessed first.
// Expired entries not yet cleaned up are included.
func (s *Store) ListCacheEntries(ctx context.Context, limit int) ([]models.CacheEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	var entries []models.CacheEntry
	err := s.read(ctx, "list cache entries", metrics.OpStoreRead, func(c *Client) error {
		results, err := surrealdb.Query[[]models.CacheEntry](ctx, c.DB(),
			`SELECT * FROM cache_entry ORDER BY last_accessed DESC LIMIT $limit`,
			map[string]any{"limit": limit})
		if err != nil {
			return err
		}
		if results != nil && len(*results) > 0 {
			entries = (*results)[0].Result
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []models.CacheEntry{}
	}
	return entries, nil
}

// CountChunks returns the number of stored chunks.
func (s *Store) CountChunks(ctx context.Context) (int, error) {
	var count int
	err := s.read(ctx, "count chunks", metrics.OpStoreRead, func(c *Client) error {
		results, err := surrealdb.Query[[]struct {
			Count int `json:"count"`
		}](ctx, c.DB(), `SELECT count() AS count FROM research_chunk GROUP ALL`, nil)
		if err != nil {
			return err
		}
		if results != nil && len(*results) > 0 && len((*results)[0].Result) > 0 {
			count = (*results)[0].Result[0].Count
		}
		return nil
	})
	return count, err
}

// read runs fn once on a pooled connection.
func (s *Store) read(ctx context.Context, op, metricOp string, fn func(*Client) error) error {
	defer s.metrics.Since(metricOp, time.Now())
	if err := s.pool.With(ctx, fn); err != nil {
		return storageError(op, wrapQueryError(err))
	}
	return nil
}

// write runs fn on a pooled connection, retrying transient failures with
// exponential backoff. Each attempt acquires its own connection.
func (s *Store) write(ctx context.Context, op string, fn func(*Client) error) error {
	defer s.metrics.Since(metrics.OpStoreWrite, time.Now())

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = s.cfg.InitialBackoff
	exp.MaxInterval = s.cfg.MaxBackoff
	exp.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(exp, uint64(s.cfg.MaxAttempts-1)), ctx)

	attempt := 0
	err := backoff.RetryNotify(func() error {
		attempt++
		err := wrapQueryError(s.pool.With(ctx, fn))
		if err != nil && !isTransient(err) {
			return backoff.Permanent(err)
		}
		return err
	}, policy, func(err error, wait time.Duration) {
		s.logger.Warn("store write failed, retrying",
			"op", op,
			"attempt", attempt,
			"max_attempts", s.cfg.MaxAttempts,
			"backoff", wait,
			"error", err)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return storageError(op, err)
		}
		return storageError(op, fmt.Errorf("after %d attempts: %w", attempt, err))
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
