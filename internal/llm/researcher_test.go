package llm

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/llms"

	"github.com/raphaelgruber/researchcache/internal/metrics"
)

type fakeLLM struct {
	reply    string
	info     map[string]any
	err      error
	messages []llms.MessageContent
}

func (f *fakeLLM) GenerateContent(_ context.Context, messages []llms.MessageContent, _ ...llms.CallOption) (*llms.ContentResponse, error) {
	f.messages = messages
	if f.err != nil {
		return nil, f.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: f.reply, GenerationInfo: f.info}},
	}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, opts ...llms.CallOption) (string, error) {
	return llms.GenerateFromSinglePrompt(ctx, f, prompt, opts...)
}

const sampleReply = "```json\n" + `{
  "summary": "## Blood sugar\nFiber slows glucose absorption.",
  "sources": [
    {"url": "https://www.nih.gov/fiber", "excerpt": "Soluble fiber lowers glucose.", "credibility": 0.95},
    {"url": "https://blog.example.com/x", "domain": "blog.example.com", "excerpt": "Walk after meals.", "credibility": 1.7},
    {"url": "", "excerpt": "  ", "credibility": 0.4}
  ],
  "statistics": {"studies": 12}
}` + "\n```"

func TestResearcherParsesReply(t *testing.T) {
	fake := &fakeLLM{reply: sampleReply, info: map[string]any{"PromptTokens": 120, "CompletionTokens": 300}}
	collector := metrics.NewCollector()
	r := NewResearcher(Wrap(fake, "test-model", WithMetrics(collector)), 0)

	result, err := r.Research(context.Background(), "  lower blood sugar ")
	require.NoError(t, err)

	assert.Equal(t, "lower blood sugar", result.Keyword)
	assert.Contains(t, result.Summary, "Fiber slows glucose absorption.")
	require.Len(t, result.Sources, 2)
	assert.Equal(t, "nih.gov", result.Sources[0].Domain)
	assert.InDelta(t, 0.95, result.Sources[0].Credibility, 1e-9)
	assert.Equal(t, "blog.example.com", result.Sources[1].Domain)
	assert.InDelta(t, 1.0, result.Sources[1].Credibility, 1e-9)
	assert.EqualValues(t, 12, result.Statistics["studies"])

	require.Len(t, fake.messages, 2)
	assert.Equal(t, llms.ChatMessageTypeSystem, fake.messages[0].Role)

	snap := collector.Snapshot()
	require.NotNil(t, snap.LLM)
	assert.EqualValues(t, 1, snap.LLM.Count)
}

func TestResearcherLimitsSources(t *testing.T) {
	fake := &fakeLLM{reply: sampleReply}
	r := NewResearcher(Wrap(fake, "test-model"), 1)

	result, err := r.Research(context.Background(), "blood sugar")
	require.NoError(t, err)
	assert.Len(t, result.Sources, 1)
}

func TestResearcherErrors(t *testing.T) {
	tests := []struct {
		name    string
		topic   string
		fake    *fakeLLM
		wantErr error
	}{
		{"malformed json", "topic", &fakeLLM{reply: "I cannot help with that."}, ErrMalformedResponse},
		{"empty summary", "topic", &fakeLLM{reply: `{"summary": "  ", "sources": []}`}, ErrMalformedResponse},
		{"fatal api error", "topic", &fakeLLM{err: errors.New("HTTP 401: invalid api key")}, ErrFatalAPI},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewResearcher(Wrap(tt.fake, "test-model"), 0)
			_, err := r.Research(context.Background(), tt.topic)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Research() error = %v, want %v", err, tt.wantErr)
			}
		})
	}

	t.Run("empty topic", func(t *testing.T) {
		r := NewResearcher(Wrap(&fakeLLM{reply: sampleReply}, "test-model"), 0)
		_, err := r.Research(context.Background(), "   ")
		assert.Error(t, err)
	})
}

func TestParseResearchTolerance(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{"bare object", `{"summary": "ok"}`},
		{"leading prose", `Here you go: {"summary": "ok"} hope that helps`},
		{"fenced without language", "```\n{\"summary\": \"ok\"}\n```"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseResearch(tt.raw)
			if err != nil {
				t.Fatalf("parseResearch() error = %v", err)
			}
			if got.Summary != "ok" {
				t.Errorf("Summary = %q, want %q", got.Summary, "ok")
			}
			if got.Statistics == nil {
				t.Errorf("Statistics should default to an empty map")
			}
		})
	}
}

func TestDomainOf(t *testing.T) {
	tests := map[string]string{
		"https://www.mayoclinic.org/a/b": "mayoclinic.org",
		"http://pubmed.ncbi.nlm.nih.gov": "pubmed.ncbi.nlm.nih.gov",
		"":                               "",
	}
	for in, want := range tests {
		if got := domainOf(in); got != want {
			t.Errorf("domainOf(%q) = %q, want %q", in, got, want)
		}
	}
}
