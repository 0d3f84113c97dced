package models

import (
	"time"

	surrealmodels "github.com/surrealdb/surrealdb.go/pkg/models"
)

// Recognized chunk metadata keys. Metadata is an open map; producers set the
// keys that apply to them and consumers validate presence before use.
const (
	MetaContentType = "content_type"    // ContentTypeSummary or ContentTypeSource
	MetaTopic       = "topic"           // raw originating topic
	MetaURL         = "url"             // source chunks only
	MetaDomain      = "domain"          // source chunks only
	MetaCredibility = "credibility"     // float in [0,1], source chunks only
	MetaHighQuality = "is_high_quality" // bool, source chunks only
	MetaSourceIndex = "source_index"    // position of the source in the research result
	MetaOverlap     = "overlap"         // segmenter overlap in characters, set on every chunk
)

// Content type tags stored under MetaContentType.
const (
	ContentTypeSummary = "summary"
	ContentTypeSource  = "source"
)

// TextChunk is a bounded span of source text produced by the segmenter.
// Immutable once created.
type TextChunk struct {
	Content    string         `json:"content"`
	ChunkIndex int            `json:"chunk_index"` // zero-based, contiguous per SourceID
	SourceID   string         `json:"source_id"`
	Metadata   map[string]any `json:"metadata"`
}

// StoredChunk is a chunk row as persisted in the vector store.
// The embedding is not loaded on reads.
type StoredChunk struct {
	ID         surrealmodels.RecordID `json:"id"`
	Content    string                 `json:"content"`
	Keyword    string                 `json:"keyword"` // normalized keyword of the topic that produced it
	ChunkIndex int                    `json:"chunk_index"`
	SourceID   string                 `json:"source_id"`
	Metadata   map[string]any         `json:"metadata"`
	CreatedAt  time.Time              `json:"created_at"`
}

// ChunkMatch is a similarity search hit.
type ChunkMatch struct {
	Chunk      StoredChunk
	Similarity float64 // 1 - cosine distance
}
