package service

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/raphaelgruber/researchcache/internal/embedding"
	"github.com/raphaelgruber/researchcache/internal/models"
)

// conceptEmbedder maps text onto three orthogonal concept axes so tests can
// reason about similarity exactly: texts about blood sugar align with each
// other and are orthogonal to texts about blood pressure or anything else.
type conceptEmbedder struct {
	mu        sync.Mutex
	oneCalls  int
	manyCalls int
	failOne   error
	failMany  error
}

func conceptVector(text string) []float32 {
	t := strings.ToLower(text)
	v := make([]float32, 3)
	if strings.Contains(t, "sugar") || strings.Contains(t, "glucose") {
		v[0] = 1
	}
	if strings.Contains(t, "pressure") {
		v[1] = 1
	}
	if v[0] == 0 && v[1] == 0 {
		v[2] = 1
	}
	return v
}

func (e *conceptEmbedder) EmbedOne(_ context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.oneCalls++
	if e.failOne != nil {
		return nil, e.failOne
	}
	return conceptVector(text), nil
}

func (e *conceptEmbedder) EmbedMany(_ context.Context, texts []string, _ int) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.manyCalls++
	if e.failMany != nil {
		return nil, e.failMany
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = conceptVector(t)
	}
	return out, nil
}

type memChunk struct {
	chunk  models.StoredChunk
	vector []float32
}

// memStore is an in-memory VectorStore with failure injection.
type memStore struct {
	mu      sync.Mutex
	now     func() time.Time
	ttl     time.Duration
	entries map[string]*models.CacheEntry
	chunks  map[string]memChunk
	order   []string

	errGet     error
	errSearch  error
	errStore   error
	errUpsert  error
	cleanupTTL int
}

func newMemStore() *memStore {
	return &memStore{
		now:     time.Now,
		ttl:     time.Hour,
		entries: make(map[string]*models.CacheEntry),
		chunks:  make(map[string]memChunk),
	}
}

func (s *memStore) GetCacheEntry(_ context.Context, kw string) (*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errGet != nil {
		return nil, s.errGet
	}
	e, ok := s.entries[kw]
	if !ok || e.Expired(s.now()) {
		return nil, nil
	}
	e.HitCount++
	e.LastAccessed = s.now()
	cp := *e
	return &cp, nil
}

func (s *memStore) UpsertCacheEntry(_ context.Context, entry models.CacheEntry) (*models.CacheEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errUpsert != nil {
		return nil, s.errUpsert
	}
	if prev, ok := s.entries[entry.KeywordNormalized]; ok {
		entry.HitCount = prev.HitCount
	}
	now := s.now()
	entry.CreatedAt, entry.LastAccessed, entry.ExpiresAt = now, now, now.Add(s.ttl)
	s.entries[entry.KeywordNormalized] = &entry
	cp := entry
	return &cp, nil
}

func (s *memStore) DeleteCacheEntry(_ context.Context, kw string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[kw]
	delete(s.entries, kw)
	return ok, nil
}

func (s *memStore) CleanupExpired(_ context.Context, ttlDays int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupTTL = ttlDays
	n := 0
	for kw, e := range s.entries {
		if e.Expired(s.now()) {
			delete(s.entries, kw)
			n++
		}
	}
	return n, nil
}

func (s *memStore) StoreChunks(_ context.Context, chunks []models.TextChunk, vectors [][]float32, keyword string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errStore != nil {
		return nil, s.errStore
	}
	ids := make([]string, len(chunks))
	for i, ch := range chunks {
		id := fmt.Sprintf("%s_%d_%x", models.Slugify(ch.SourceID), ch.ChunkIndex, len(ch.Content))
		ids[i] = id
		if _, ok := s.chunks[id]; !ok {
			s.order = append(s.order, id)
		}
		s.chunks[id] = memChunk{
			chunk: models.StoredChunk{
				Content:    ch.Content,
				Keyword:    keyword,
				ChunkIndex: ch.ChunkIndex,
				SourceID:   ch.SourceID,
				Metadata:   ch.Metadata,
				CreatedAt:  s.now(),
			},
			vector: vectors[i],
		}
	}
	return ids, nil
}

func (s *memStore) SearchSimilar(_ context.Context, vector []float32, limit int, threshold float64) ([]models.ChunkMatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errSearch != nil {
		return nil, s.errSearch
	}
	var matches []models.ChunkMatch
	for _, id := range s.order {
		c := s.chunks[id]
		sim := embedding.CosineSimilarity(vector, c.vector)
		if sim < threshold {
			continue
		}
		matches = append(matches, models.ChunkMatch{Chunk: c.chunk, Similarity: sim})
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Similarity > matches[j].Similarity })
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *memStore) GetChunks(_ context.Context, ids []string) ([]models.StoredChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.StoredChunk{}
	for _, id := range ids {
		if c, ok := s.chunks[id]; ok {
			out = append(out, c.chunk)
		}
	}
	return out, nil
}

func (s *memStore) ChunksByKeyword(_ context.Context, kw string) ([]models.StoredChunk, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []models.StoredChunk{}
	for _, id := range s.order {
		if c := s.chunks[id]; c.chunk.Keyword == kw {
			out = append(out, c.chunk)
		}
	}
	return out, nil
}

func (s *memStore) entry(kw string) *models.CacheEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.entries[kw]
}

func (s *memStore) chunkCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}
