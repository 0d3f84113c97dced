package service

import (
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/raphaelgruber/researchcache/internal/models"
)

// metaStatistics is the cache entry metadata key holding research statistics.
const metaStatistics = "statistics"

// reconstruct rebuilds a research result from stored state. entry may be nil
// when only chunks survive; the summary then comes from the summary chunks.
func reconstruct(keyword string, entry *models.CacheEntry, chunks []models.StoredChunk) *models.ResearchResult {
	result := &models.ResearchResult{
		Keyword: keyword,
		Sources: reconstructSources(chunks),
	}

	if entry != nil {
		result.Summary = entry.ResearchSummary
		result.Statistics = toStringMap(entry.Metadata[metaStatistics])
	}
	if result.Summary == "" {
		result.Summary = reconstructSummary(chunks)
	}
	return result
}

func reconstructSummary(chunks []models.StoredChunk) string {
	var parts []models.StoredChunk
	for _, ch := range chunks {
		if ct, _ := models.MetaString(ch.Metadata, models.MetaContentType); ct == models.ContentTypeSummary {
			parts = append(parts, ch)
		}
	}
	return mergeChunks(parts)
}

// reconstructSources groups source chunks by source id and rebuilds each
// excerpt. Groups without a URL are dropped.
func reconstructSources(chunks []models.StoredChunk) []models.Source {
	groups := make(map[string][]models.StoredChunk)
	var order []string
	for _, ch := range chunks {
		if ct, _ := models.MetaString(ch.Metadata, models.MetaContentType); ct != models.ContentTypeSource {
			continue
		}
		if _, seen := groups[ch.SourceID]; !seen {
			order = append(order, ch.SourceID)
		}
		groups[ch.SourceID] = append(groups[ch.SourceID], ch)
	}

	type indexed struct {
		index  int
		source models.Source
	}
	var found []indexed
	for pos, sourceID := range order {
		group := groups[sourceID]
		meta := group[0].Metadata

		url, ok := models.MetaString(meta, models.MetaURL)
		if !ok {
			continue
		}
		domain, _ := models.MetaString(meta, models.MetaDomain)
		credibility, _ := models.MetaFloat(meta, models.MetaCredibility)
		index, ok := models.MetaInt(meta, models.MetaSourceIndex)
		if !ok {
			index = len(order) + pos
		}

		found = append(found, indexed{
			index: index,
			source: models.Source{
				URL:         url,
				Domain:      domain,
				Excerpt:     mergeChunks(group),
				Credibility: clamp01(credibility),
			},
		})
	}

	sort.SliceStable(found, func(i, j int) bool { return found[i].index < found[j].index })
	sources := make([]models.Source, len(found))
	for i, f := range found {
		sources[i] = f.source
	}
	return sources
}

// mergeChunks orders chunks by position and joins them, dropping the text
// each chunk repeats from its predecessor.
func mergeChunks(chunks []models.StoredChunk) string {
	sorted := make([]models.StoredChunk, len(chunks))
	copy(sorted, chunks)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ChunkIndex < sorted[j].ChunkIndex })

	var merged, prev string
	for _, ch := range sorted {
		overlap, known := models.MetaInt(ch.Metadata, models.MetaOverlap)
		if !known {
			overlap = -1
		}
		merged = mergeOverlap(merged, prev, ch.Content, overlap)
		prev = ch.Content
	}
	return merged
}

// mergeOverlap appends next to acc, skipping the prefix of next that repeats
// the end of prev, the chunk acc ends with. overlap is the segmenter overlap
// next was produced with: 0 means nothing is repeated, a positive value is
// the minimum repeated length, and -1 (unknown) falls back to the longest
// match that starts and ends on word boundaries.
func mergeOverlap(acc, prev, next string, overlap int) string {
	if acc == "" {
		return next
	}
	if next == "" {
		return acc
	}

	k := repeated(prev, next, overlap)
	if k == 0 {
		return acc + " " + next
	}
	rest := strings.TrimLeft(next[k:], " \n")
	if rest == "" {
		return acc
	}
	return acc + next[k:k+1] + rest
}

// repeated returns the byte length of the longest prefix of next that prev
// ends with, or 0.
func repeated(prev, next string, overlap int) int {
	if overlap == 0 {
		return 0
	}
	minRunes := 1
	if overlap > 0 {
		minRunes = min(overlap, utf8.RuneCountInString(prev))
	}

	for k := min(len(prev), len(next)); k > 0; k-- {
		if k < len(next) && !isSpace(next[k]) {
			continue
		}
		// A carried tail may start inside a word only when the overlap is known.
		if overlap < 0 && k < len(prev) && !isSpace(prev[len(prev)-k-1]) {
			continue
		}
		if utf8.RuneCountInString(next[:k]) < minRunes {
			break
		}
		if strings.HasSuffix(prev, next[:k]) {
			return k
		}
	}
	return 0
}

func isSpace(b byte) bool {
	return b == ' ' || b == '\n'
}

func clamp01(f float64) float64 {
	return max(0, min(1, f))
}

// toStringMap accepts the shapes a nested object can decode into.
func toStringMap(v any) map[string]any {
	switch m := v.(type) {
	case map[string]any:
		return m
	case map[any]any:
		out := make(map[string]any, len(m))
		for k, val := range m {
			if ks, ok := k.(string); ok {
				out[ks] = val
			}
		}
		return out
	}
	return nil
}
