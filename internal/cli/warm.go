package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/raphaelgruber/researchcache/internal/models"
	"github.com/raphaelgruber/researchcache/internal/service"
)

var (
	warmFile        string
	warmConcurrency int
)

var warmCmd = &cobra.Command{
	Use:   "warm [topic...]",
	Short: "Pre-populate the cache for a list of topics",
	Long: `Run the full retrieval pipeline for each topic ahead of demand.
Topics already cached are left alone; the rest are researched and stored.

Topics come from the arguments and/or a file with one topic per line
(blank lines and lines starting with # are ignored).

Examples:
  researchcache warm "blood sugar" "insulin resistance"
  researchcache warm --file topics.txt --concurrency 4`,
	RunE: runWarm,
}

func init() {
	warmCmd.Flags().StringVarP(&warmFile, "file", "f", "", "file with one topic per line")
	warmCmd.Flags().IntVarP(&warmConcurrency, "concurrency", "n", 0, "topics processed at once (0 uses config)")
}

func runWarm(cmd *cobra.Command, args []string) error {
	topics := append([]string(nil), args...)
	if warmFile != "" {
		fromFile, err := readTopics(warmFile)
		if err != nil {
			return err
		}
		topics = append(topics, fromFile...)
	}
	topics = dedupeTopics(topics)
	if len(topics) == 0 {
		return fmt.Errorf("no topics given")
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ensureSchema(ctx, store, logger)
	r, err := getRetriever(ctx)
	if err != nil {
		return err
	}
	res, err := getResearcher(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fresh := func(ctx context.Context, topic string) (*models.ResearchResult, error) {
		return res.Research(ctx, topic)
	}
	work := func(step func(done, total int, o service.WarmOutcome)) []service.WarmOutcome {
		opts := []service.WarmOption{service.WithProgress(step)}
		if warmConcurrency > 0 {
			opts = append(opts, service.WithConcurrency(warmConcurrency))
		}
		return r.Warm(ctx, topics, fresh, opts...)
	}

	var outcomes []service.WarmOutcome
	if term.IsTerminal(int(os.Stdout.Fd())) && !asYAML {
		outcomes, err = runWarmProgress(len(topics), cancel, work)
		if err != nil {
			return err
		}
	} else {
		outcomes = work(func(done, total int, o service.WarmOutcome) {
			logger.Info("topic warmed", "topic", o.Topic, "done", done, "total", total,
				"provenance", o.Provenance, "duration_ms", o.Duration.Milliseconds(), "error", o.Err)
		})
		if asYAML {
			if err := printYAML(outcomeRows(outcomes)); err != nil {
				return err
			}
		} else {
			fmt.Print(renderOutcomes(outcomes, defaultTheme))
		}
	}

	if verbose {
		fmt.Println(renderStatistics(r.Statistics(), defaultTheme))
	}
	if failed := countFailed(outcomes); failed > 0 {
		return fmt.Errorf("%d of %d topics failed", failed, len(topics))
	}
	return nil
}

// readTopics reads one topic per line, skipping blanks and # comments.
func readTopics(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open topics file: %w", err)
	}
	defer f.Close()

	var topics []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		topics = append(topics, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read topics file: %w", err)
	}
	return topics, nil
}

// dedupeTopics drops topics whose normalized form was already seen.
func dedupeTopics(topics []string) []string {
	seen := make(map[string]bool, len(topics))
	out := topics[:0]
	for _, t := range topics {
		key := models.NormalizeKeyword(t)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, t)
	}
	return out
}

func countFailed(outcomes []service.WarmOutcome) int {
	n := 0
	for _, o := range outcomes {
		if o.Err != nil {
			n++
		}
	}
	return n
}

type outcomeRow struct {
	Topic      string `yaml:"topic"`
	Provenance string `yaml:"provenance,omitempty"`
	DurationMs int64  `yaml:"duration_ms"`
	Error      string `yaml:"error,omitempty"`
}

func outcomeRows(outcomes []service.WarmOutcome) []outcomeRow {
	rows := make([]outcomeRow, 0, len(outcomes))
	for _, o := range outcomes {
		row := outcomeRow{Topic: o.Topic, Provenance: string(o.Provenance), DurationMs: o.Duration.Milliseconds()}
		if o.Err != nil {
			row.Error = o.Err.Error()
		}
		rows = append(rows, row)
	}
	return rows
}

// renderOutcomes lists each topic with its result.
func renderOutcomes(outcomes []service.WarmOutcome, th Theme) string {
	var b strings.Builder
	for _, o := range outcomes {
		if o.Err != nil {
			fmt.Fprintf(&b, "  %s %s: %v\n", th.errorStyle().Render("✗"), o.Topic, o.Err)
			continue
		}
		fmt.Fprintf(&b, "  %s %-40s %-8s %s\n", th.completedStyle().Render("✓"), o.Topic, o.Provenance,
			th.hintStyle().Render(o.Duration.Round(time.Millisecond).String()))
	}
	return b.String()
}
