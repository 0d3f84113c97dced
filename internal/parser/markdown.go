package parser

import (
	"regexp"
	"strings"

	"github.com/raphaelgruber/researchcache/internal/models"
	"gopkg.in/yaml.v3"
)

// MarkdownDoc is LLM or crawler output split into frontmatter and body.
type MarkdownDoc struct {
	// Frontmatter metadata (from YAML)
	Frontmatter map[string]any

	// Title extracted from first h1 or frontmatter
	Title string

	// Content is the body after frontmatter, still in Markdown.
	Content string
}

// ParseMarkdown separates YAML frontmatter from the body.
// Invalid frontmatter is ignored rather than reported.
func ParseMarkdown(content string) *MarkdownDoc {
	doc := &MarkdownDoc{
		Frontmatter: make(map[string]any),
	}

	remaining := content
	if strings.HasPrefix(content, "---\n") {
		endIdx := strings.Index(content[4:], "\n---")
		if endIdx >= 0 {
			frontmatterYAML := content[4 : 4+endIdx]
			remaining = strings.TrimPrefix(content[4+endIdx+4:], "\n")

			if err := yaml.Unmarshal([]byte(frontmatterYAML), &doc.Frontmatter); err != nil || doc.Frontmatter == nil {
				doc.Frontmatter = make(map[string]any)
			}
		}
	}

	doc.Content = remaining
	doc.Title = extractTitle(doc.Frontmatter, remaining)
	return doc
}

var h1Regex = regexp.MustCompile(`(?m)^#\s+(.+)$`)

// extractTitle gets title from frontmatter or first h1.
func extractTitle(fm map[string]any, content string) string {
	if title, ok := fm["title"].(string); ok && title != "" {
		return title
	}
	if match := h1Regex.FindStringSubmatch(content); len(match) > 1 {
		return strings.TrimSpace(match[1])
	}
	return ""
}

// GetFrontmatterString extracts a string from frontmatter.
func (d *MarkdownDoc) GetFrontmatterString(key string) string {
	if v, ok := d.Frontmatter[key].(string); ok {
		return v
	}
	return ""
}

var (
	mdFence      = regexp.MustCompile("(?m)^[ \t]*```.*$")
	mdHeading    = regexp.MustCompile(`(?m)^[ \t]{0,3}#{1,6}[ \t]+`)
	mdRule       = regexp.MustCompile(`(?m)^[ \t]*([-*_][ \t]*){3,}$`)
	mdQuote      = regexp.MustCompile(`(?m)^[ \t]*>[ \t]?`)
	mdListMarker = regexp.MustCompile(`(?m)^[ \t]*([-*+]|\d+[.)])[ \t]+`)
	mdImage      = regexp.MustCompile(`!\[([^\]]*)\]\([^)]*\)`)
	mdLink       = regexp.MustCompile(`\[([^\]]+)\]\([^)]*\)`)
	mdBoldStar   = regexp.MustCompile(`\*\*([^*\n]+)\*\*`)
	mdBoldUnder  = regexp.MustCompile(`__([^_\n]+)__`)
	mdItalic     = regexp.MustCompile(`\*([^*\n]+)\*`)
	mdCode       = regexp.MustCompile("`([^`\n]+)`")
)

// StripMarkdown reduces Markdown to plain prose: syntax markers go, link and
// emphasis text stays, and line structure is kept so headings and list items
// remain separate sentences.
func StripMarkdown(content string) string {
	s := mdFence.ReplaceAllString(content, "")
	s = mdRule.ReplaceAllString(s, "")
	s = mdHeading.ReplaceAllString(s, "")
	s = mdQuote.ReplaceAllString(s, "")
	s = mdListMarker.ReplaceAllString(s, "")
	s = mdImage.ReplaceAllString(s, "$1")
	s = mdLink.ReplaceAllString(s, "$1")
	s = mdBoldStar.ReplaceAllString(s, "$1")
	s = mdBoldUnder.ReplaceAllString(s, "$1")
	s = mdItalic.ReplaceAllString(s, "$1")
	s = mdCode.ReplaceAllString(s, "$1")
	return s
}

// SegmentMarkdown strips Markdown syntax before segmenting and merges string
// frontmatter values into each chunk's metadata without overriding caller keys.
func SegmentMarkdown(content string, cfg SegmentConfig, sourceID string, metadata map[string]any) []models.TextChunk {
	doc := ParseMarkdown(content)
	md := make(map[string]any, len(metadata)+len(doc.Frontmatter))
	for k, v := range doc.Frontmatter {
		if s, ok := v.(string); ok {
			md[k] = s
		}
	}
	for k, v := range metadata {
		md[k] = v
	}
	return Segment(StripMarkdown(doc.Content), cfg, sourceID, md)
}
