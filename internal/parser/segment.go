// Package parser turns research text into bounded, sentence-respecting chunks.
package parser

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/raphaelgruber/researchcache/internal/models"
)

const (
	// DefaultChunkSize is the default maximum chunk length in characters.
	DefaultChunkSize = 1000

	// DefaultOverlap is the default number of characters carried into the next chunk.
	DefaultOverlap = 200
)

// SegmentConfig defines segmentation parameters. Lengths are in characters (runes).
type SegmentConfig struct {
	// ChunkSize is the maximum chunk length.
	ChunkSize int
	// Overlap is the minimum number of trailing characters of a chunk that are
	// repeated at the start of the next one. Whole sentences are carried when
	// they fit, otherwise a word-aligned tail.
	Overlap int
}

// DefaultSegmentConfig returns sensible defaults.
func DefaultSegmentConfig() SegmentConfig {
	return SegmentConfig{
		ChunkSize: DefaultChunkSize,
		Overlap:   DefaultOverlap,
	}
}

// normalized clamps the config so that 0 <= Overlap < ChunkSize.
func (c SegmentConfig) normalized() SegmentConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.Overlap < 0 {
		c.Overlap = 0
	}
	if c.Overlap >= c.ChunkSize {
		c.Overlap = c.ChunkSize / 4
	}
	return c
}

// Segment splits text into ordered chunks owned by sourceID. Every chunk gets
// its own copy of metadata plus the effective overlap under models.MetaOverlap.
// Empty or whitespace-only text yields no chunks.
func Segment(text string, cfg SegmentConfig, sourceID string, metadata map[string]any) []models.TextChunk {
	cfg = cfg.normalized()

	clean := NormalizeText(text)
	if clean == "" {
		return nil
	}

	var units []string
	for _, s := range SplitSentences(clean) {
		if runeLen(s) > cfg.ChunkSize {
			units = append(units, splitWords(s, cfg.ChunkSize)...)
			continue
		}
		units = append(units, s)
	}

	contents := pack(units, cfg)
	chunks := make([]models.TextChunk, 0, len(contents))
	for i, content := range contents {
		md := models.CloneMetadata(metadata)
		md[models.MetaOverlap] = cfg.Overlap
		chunks = append(chunks, models.TextChunk{
			Content:    content,
			ChunkIndex: i,
			SourceID:   sourceID,
			Metadata:   md,
		})
	}
	return chunks
}

var blankLines = regexp.MustCompile(`\n{3,}`)

// NormalizeText drops control and non-printable characters (newlines are
// kept), collapses horizontal whitespace and squeezes blank-line runs.
func NormalizeText(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case r == '\n':
			b.WriteRune('\n')
		case r == '\r':
		case unicode.IsSpace(r):
			b.WriteRune(' ')
		case !unicode.IsPrint(r):
		default:
			b.WriteRune(r)
		}
	}

	lines := strings.Split(b.String(), "\n")
	for i, line := range lines {
		lines[i] = strings.Join(strings.Fields(line), " ")
	}
	joined := blankLines.ReplaceAllString(strings.Join(lines, "\n"), "\n\n")
	return strings.TrimSpace(joined)
}

// protectedDot stands in for the period of a known abbreviation while splitting.
// It is a private-use rune, which NormalizeText never lets through.
const protectedDot = "\uE000"

var abbreviations = regexp.MustCompile(`\b(Dr|Mr|Mrs|Ms|Prof|Sr|Jr|St|Mt|Inc|Ltd|Co|Corp|Jan|Feb|Aug|Sept|Oct|Nov|Dec|No|Fig|vs|etc|approx|e\.g|i\.e)\.`)

// SplitSentences splits normalized text into sentences. A line break always
// ends a sentence, so headings and list items stand on their own.
func SplitSentences(text string) []string {
	var sentences []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		protected := abbreviations.ReplaceAllStringFunc(line, func(m string) string {
			return strings.TrimSuffix(m, ".") + protectedDot
		})
		for _, s := range splitLine(protected) {
			sentences = append(sentences, strings.ReplaceAll(s, protectedDot, "."))
		}
	}
	return sentences
}

// splitLine breaks a single line on terminal punctuation followed by
// whitespace or end of line. Closing quotes and brackets stay with the sentence.
func splitLine(line string) []string {
	var out []string
	runes := []rune(line)
	start := 0

	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && (isTerminal(runes[j]) || isCloser(runes[j])) {
			j++
		}
		if j < len(runes) && !unicode.IsSpace(runes[j]) {
			continue // "3.5", "example.com"
		}
		if s := strings.TrimSpace(string(runes[start:j])); s != "" {
			out = append(out, s)
		}
		start = j
		i = j - 1
	}

	if s := strings.TrimSpace(string(runes[start:])); s != "" {
		out = append(out, s)
	}
	return out
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func isCloser(r rune) bool {
	switch r {
	case '"', '\'', ')', ']', '”', '’':
		return true
	}
	return false
}

// splitWords breaks an over-long sentence on word boundaries. A single word
// longer than size is cut into size-rune pieces so nothing is dropped.
func splitWords(sentence string, size int) []string {
	var out []string
	var cur strings.Builder
	curLen := 0

	flush := func() {
		if curLen > 0 {
			out = append(out, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, word := range strings.Fields(sentence) {
		wl := runeLen(word)
		if wl > size {
			flush()
			r := []rune(word)
			for len(r) > size {
				out = append(out, string(r[:size]))
				r = r[size:]
			}
			cur.WriteString(string(r))
			curLen = len(r)
			continue
		}
		if curLen > 0 && curLen+1+wl > size {
			flush()
		}
		if curLen > 0 {
			cur.WriteByte(' ')
			curLen++
		}
		cur.WriteString(word)
		curLen += wl
	}
	flush()
	return out
}

// pack greedily accumulates units into chunks of at most cfg.ChunkSize runes.
// When a chunk closes, a tail of at least cfg.Overlap runes is carried into the
// next chunk: whole trailing units when they leave room for the unit that
// triggered the split, otherwise a word-aligned tail of the closed chunk. If
// even that cannot fit, the triggering unit is split on words.
func pack(units []string, cfg SegmentConfig) []string {
	var out []string
	var cur []string
	curLen := 0

	for i := 0; i < len(units); i++ {
		u := units[i]
		ul := runeLen(u)
		if len(cur) > 0 && curLen+1+ul > cfg.ChunkSize {
			closed := strings.Join(cur, " ")
			out = append(out, closed)
			next, ok := carry(cur, closed, cfg.Overlap, cfg.ChunkSize-ul-1)
			if !ok {
				if size := cfg.ChunkSize - cfg.Overlap - 2; size > 0 && ul > size {
					units = append(append(units[:i:i], splitWords(u, size)...), units[i+1:]...)
					u = units[i]
					ul = runeLen(u)
					next, _ = carry(cur, closed, cfg.Overlap, cfg.ChunkSize-ul-1)
				}
			}
			cur = next
			curLen = joinedLen(cur)
		}
		if len(cur) > 0 {
			curLen++
		}
		cur = append(cur, u)
		curLen += ul
	}

	if len(cur) > 0 {
		out = append(out, strings.Join(cur, " "))
	}
	return out
}

// carry returns the units that open the chunk following closed, given room
// runes to spare. ok is false when no tail of at least overlap runes fits.
func carry(units []string, closed string, overlap, room int) ([]string, bool) {
	if overlap <= 0 {
		return nil, true
	}
	if c := carryBack(units, overlap); joinedLen(c) <= room {
		return c, true
	}
	if tail, ok := carryTail(closed, overlap, room); ok {
		return []string{tail}, true
	}
	return nil, false
}

func carryBack(units []string, overlap int) []string {
	if overlap <= 0 {
		return nil
	}
	n := 0
	i := len(units)
	for i > 0 && n < overlap {
		i--
		if n > 0 {
			n++
		}
		n += runeLen(units[i])
	}
	tail := make([]string, len(units)-i)
	copy(tail, units[i:])
	return tail
}

// carryTail returns the shortest suffix of text that starts on a word and
// holds at least overlap runes. When that word is too long for room, the tail
// is cut inside it instead.
func carryTail(text string, overlap, room int) (string, bool) {
	r := []rune(text)
	start := max(len(r)-overlap, 0)
	for start > 0 && !unicode.IsSpace(r[start-1]) {
		start--
	}
	if len(r)-start > room {
		start = len(r) - overlap
		if start > 0 && unicode.IsSpace(r[start]) {
			start--
		}
	}
	if start < 0 || len(r)-start > room {
		return "", false
	}
	return string(r[start:]), true
}

func joinedLen(units []string) int {
	if len(units) == 0 {
		return 0
	}
	n := len(units) - 1
	for _, u := range units {
		n += runeLen(u)
	}
	return n
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}
