package models

import (
	"strings"
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// CacheEntry is one resolved research topic.
// ExpiresAt is always CreatedAt plus the store's TTL.
type CacheEntry struct {
	ID                surrealmodels.RecordID `json:"id,omitempty"`
	Keyword           string                 `json:"keyword"`
	KeywordNormalized string                 `json:"keyword_normalized"`
	ResearchSummary   string                 `json:"research_summary"`
	ChunkIDs          []string               `json:"chunk_ids"`
	Metadata          map[string]any         `json:"metadata"`
	HitCount          int                    `json:"hit_count"`
	CreatedAt         time.Time              `json:"created_at"`
	LastAccessed      time.Time              `json:"last_accessed"`
	ExpiresAt         time.Time              `json:"expires_at"`
}

// Expired reports whether the entry is past its expiry at the given instant.
func (e *CacheEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}

// NormalizeKeyword produces the exact-match cache key for a topic:
// lowercased, trimmed, inner whitespace collapsed to single spaces.
func NormalizeKeyword(keyword string) string {
	return strings.Join(strings.Fields(strings.ToLower(keyword)), " ")
}
