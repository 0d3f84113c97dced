package db

import "fmt"

// Table names.
const (
	ChunkTable      = "research_chunk"
	CacheEntryTable = "cache_entry"
)

// schemaTemplate is formatted with the embedding dimension.
const schemaTemplate = `
    -- ==========================================================================
    -- RESEARCH CHUNK TABLE
    -- ==========================================================================
    DEFINE TABLE IF NOT EXISTS research_chunk SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS content ON research_chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS embedding ON research_chunk TYPE array<float>;
    DEFINE FIELD IF NOT EXISTS metadata ON research_chunk TYPE object FLEXIBLE DEFAULT {};
    DEFINE FIELD IF NOT EXISTS keyword ON research_chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS chunk_index ON research_chunk TYPE int;
    DEFINE FIELD IF NOT EXISTS source_id ON research_chunk TYPE string;
    DEFINE FIELD IF NOT EXISTS created_at ON research_chunk TYPE datetime DEFAULT time::now();

    DEFINE INDEX IF NOT EXISTS research_chunk_keyword ON research_chunk FIELDS keyword;
    DEFINE INDEX IF NOT EXISTS research_chunk_source ON research_chunk FIELDS source_id, chunk_index;
    DEFINE INDEX IF NOT EXISTS research_chunk_embedding ON research_chunk FIELDS embedding HNSW DIMENSION %d DIST COSINE TYPE F32;

    -- ==========================================================================
    -- CACHE ENTRY TABLE
    -- ==========================================================================
    -- One live row per normalized keyword; the record id is derived from it.
    DEFINE TABLE IF NOT EXISTS cache_entry SCHEMAFULL;
    DEFINE FIELD IF NOT EXISTS keyword ON cache_entry TYPE string;
    DEFINE FIELD IF NOT EXISTS keyword_normalized ON cache_entry TYPE string;
    DEFINE FIELD IF NOT EXISTS research_summary ON cache_entry TYPE string;
    DEFINE FIELD IF NOT EXISTS chunk_ids ON cache_entry TYPE array<string> DEFAULT [];
    DEFINE FIELD IF NOT EXISTS metadata ON cache_entry TYPE object FLEXIBLE DEFAULT {};
    DEFINE FIELD IF NOT EXISTS hit_count ON cache_entry TYPE int DEFAULT 0;
    DEFINE FIELD IF NOT EXISTS created_at ON cache_entry TYPE datetime;
    DEFINE FIELD IF NOT EXISTS last_accessed ON cache_entry TYPE datetime;
    DEFINE FIELD IF NOT EXISTS expires_at ON cache_entry TYPE datetime;

    DEFINE INDEX IF NOT EXISTS cache_entry_keyword ON cache_entry FIELDS keyword_normalized UNIQUE;
    DEFINE INDEX IF NOT EXISTS cache_entry_expires ON cache_entry FIELDS expires_at;
`

// SchemaSQL returns the schema definition for vectors of the given dimension.
func SchemaSQL(dimension int) string {
	return fmt.Sprintf(schemaTemplate, dimension)
}
