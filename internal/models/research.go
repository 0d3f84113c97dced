package models

// Provenance records which lookup tier produced a research result.
type Provenance string

const (
	ProvenanceExact    Provenance = "exact"
	ProvenanceSemantic Provenance = "semantic"
	ProvenanceFresh    Provenance = "fresh"
)

// Source is one web source backing a research result.
type Source struct {
	URL         string  `json:"url" yaml:"url"`
	Domain      string  `json:"domain" yaml:"domain"`
	Excerpt     string  `json:"excerpt" yaml:"excerpt"`
	Credibility float64 `json:"credibility" yaml:"credibility"` // [0,1]
}

// HighQualityThreshold is the credibility at or above which a source is
// flagged as high quality in chunk metadata.
const HighQualityThreshold = 0.7

// ResearchResult is the payload returned for a topic, whether fresh or cached.
type ResearchResult struct {
	Keyword    string         `json:"keyword" yaml:"keyword"`
	Summary    string         `json:"summary" yaml:"summary"`
	Sources    []Source       `json:"sources" yaml:"sources"`
	Statistics map[string]any `json:"statistics,omitempty" yaml:"statistics,omitempty"`

	Provenance     Provenance `json:"provenance" yaml:"provenance"`
	MatchedKeyword string     `json:"matched_keyword,omitempty" yaml:"matched_keyword,omitempty"` // semantic hits only
	Similarity     float64    `json:"similarity,omitempty" yaml:"similarity,omitempty"`           // semantic hits only
}
