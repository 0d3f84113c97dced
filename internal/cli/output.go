package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"gopkg.in/yaml.v3"

	"github.com/raphaelgruber/researchcache/internal/models"
	"github.com/raphaelgruber/researchcache/internal/service"
)

// Theme holds the color scheme for terminal output.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

func (t Theme) headingStyle() lipgloss.Style {
	return lipgloss.NewStyle().Bold(true).Underline(true)
}

// provenanceBadge renders where a result came from.
func (t Theme) provenanceBadge(p models.Provenance) string {
	switch p {
	case models.ProvenanceExact:
		return t.completedStyle().Render("[exact cache hit]")
	case models.ProvenanceSemantic:
		return t.statusStyle().Render("[semantic cache hit]")
	default:
		return t.hintStyle().Render("[fresh research]")
	}
}

// printYAML writes v to stdout as YAML.
func printYAML(v any) error {
	enc := yaml.NewEncoder(os.Stdout)
	enc.SetIndent(2)
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode yaml: %w", err)
	}
	return enc.Close()
}

// renderResult formats a research result for the terminal.
func renderResult(r *models.ResearchResult, th Theme) string {
	var b strings.Builder

	fmt.Fprintf(&b, "%s %s\n", th.headingStyle().Render(r.Keyword), th.provenanceBadge(r.Provenance))
	if r.Provenance == models.ProvenanceSemantic {
		b.WriteString(th.hintStyle().Render(fmt.Sprintf("matched %q (similarity %.3f)", r.MatchedKeyword, r.Similarity)))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(strings.TrimSpace(r.Summary))
	b.WriteString("\n")

	if len(r.Sources) > 0 {
		fmt.Fprintf(&b, "\n%s\n", th.headingStyle().Render(fmt.Sprintf("Sources (%d)", len(r.Sources))))
		for i, s := range r.Sources {
			marker := " "
			if s.Credibility >= models.HighQualityThreshold {
				marker = th.completedStyle().Render("★")
			}
			fmt.Fprintf(&b, "%s %d. %s  %s\n", marker, i+1, s.Domain, th.hintStyle().Render(fmt.Sprintf("credibility %.2f", s.Credibility)))
			if s.URL != "" {
				fmt.Fprintf(&b, "     %s\n", s.URL)
			}
			if verbose && s.Excerpt != "" {
				fmt.Fprintf(&b, "     %s\n", truncate(s.Excerpt, 200))
			}
		}
	}

	if len(r.Statistics) > 0 && verbose {
		fmt.Fprintf(&b, "\n%s\n", th.headingStyle().Render("Statistics"))
		for k, v := range r.Statistics {
			fmt.Fprintf(&b, "  %-20s %v\n", k, v)
		}
	}
	return b.String()
}

// renderStatistics formats retriever counters.
func renderStatistics(s service.Statistics, th Theme) string {
	return th.hintStyle().Render(fmt.Sprintf(
		"exact %d  semantic %d  misses %d  errors %d  hit rate %.0f%%",
		s.ExactHits, s.SemanticHits, s.Misses, s.Errors, s.HitRate*100,
	))
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
