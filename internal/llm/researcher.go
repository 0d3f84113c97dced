package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/raphaelgruber/researchcache/internal/models"
)

const researchSystemPrompt = `You are a meticulous research assistant. Research the given topic and respond with a single JSON object and nothing else.

The object must have this shape:
{
  "summary": "markdown summary of the findings, several paragraphs",
  "sources": [
    {"url": "https://...", "domain": "example.org", "excerpt": "relevant passage", "credibility": 0.0-1.0}
  ],
  "statistics": {"any_key": "any value"}
}

Prefer authoritative sources (government, academic, established publications) and score their credibility accordingly.`

// Researcher performs fresh research on a topic by prompting an LLM.
type Researcher struct {
	model      *Model
	maxSources int
}

// NewResearcher creates a researcher. maxSources <= 0 keeps every source the
// model returns.
func NewResearcher(model *Model, maxSources int) *Researcher {
	return &Researcher{model: model, maxSources: maxSources}
}

type researchResponse struct {
	Summary    string         `json:"summary"`
	Sources    []sourceJSON   `json:"sources"`
	Statistics map[string]any `json:"statistics"`
}

type sourceJSON struct {
	URL         string  `json:"url"`
	Domain      string  `json:"domain"`
	Excerpt     string  `json:"excerpt"`
	Credibility float64 `json:"credibility"`
}

// Research asks the model for a summary, sources and statistics on topic.
func (r *Researcher) Research(ctx context.Context, topic string) (*models.ResearchResult, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, fmt.Errorf("research: empty topic")
	}

	raw, err := r.model.GenerateWithSystem(ctx, researchSystemPrompt, "Topic: "+topic)
	if err != nil {
		return nil, fmt.Errorf("research %q: %w", topic, err)
	}

	result, err := parseResearch(raw)
	if err != nil {
		return nil, fmt.Errorf("research %q: %w", topic, err)
	}
	result.Keyword = topic
	if r.maxSources > 0 && len(result.Sources) > r.maxSources {
		result.Sources = result.Sources[:r.maxSources]
	}
	return result, nil
}

func parseResearch(raw string) (*models.ResearchResult, error) {
	body := stripCodeFence(raw)
	if i := strings.Index(body, "{"); i > 0 {
		body = body[i:]
	}
	if i := strings.LastIndex(body, "}"); i >= 0 && i < len(body)-1 {
		body = body[:i+1]
	}

	var resp researchResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}
	if strings.TrimSpace(resp.Summary) == "" {
		return nil, fmt.Errorf("%w: empty summary", ErrMalformedResponse)
	}

	result := &models.ResearchResult{
		Summary:    strings.TrimSpace(resp.Summary),
		Statistics: resp.Statistics,
	}
	if result.Statistics == nil {
		result.Statistics = map[string]any{}
	}
	for _, s := range resp.Sources {
		if strings.TrimSpace(s.URL) == "" && strings.TrimSpace(s.Excerpt) == "" {
			continue
		}
		domain := s.Domain
		if domain == "" {
			domain = domainOf(s.URL)
		}
		result.Sources = append(result.Sources, models.Source{
			URL:         s.URL,
			Domain:      domain,
			Excerpt:     strings.TrimSpace(s.Excerpt),
			Credibility: clamp01(s.Credibility),
		})
	}
	return result, nil
}

func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

func domainOf(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Hostname(), "www.")
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
