package cli

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/researchcache/internal/db"
	"github.com/raphaelgruber/researchcache/internal/metrics"
	"github.com/raphaelgruber/researchcache/internal/models"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache inventory and store statistics",
	Long: `Show how many cache entries and chunks are stored, how many entries
are live or expired, the most requested topics and store timings.

Examples:
  researchcache stats
  researchcache stats --yaml`,
	Args: cobra.NoArgs,
	RunE: runStats,
}

const statsEntryLimit = 10000

// cacheStats summarizes the stored cache.
type cacheStats struct {
	Entries        int              `yaml:"entries"`
	LiveEntries    int              `yaml:"live_entries"`
	ExpiredEntries int              `yaml:"expired_entries"`
	Chunks         int              `yaml:"chunks"`
	TotalHits      int              `yaml:"total_hits"`
	TopTopics      []topicHits      `yaml:"top_topics,omitempty"`
	Pool           db.PoolStats     `yaml:"pool"`
	Metrics        metrics.Snapshot `yaml:"metrics"`
}

type topicHits struct {
	Keyword string `yaml:"keyword"`
	Hits    int    `yaml:"hits"`
}

func runStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	entries, err := store.ListCacheEntries(ctx, statsEntryLimit)
	if err != nil {
		return fmt.Errorf("list cache entries: %w", err)
	}
	chunks, err := store.CountChunks(ctx)
	if err != nil {
		return fmt.Errorf("count chunks: %w", err)
	}

	stats := summarize(entries, time.Now(), 5)
	stats.Chunks = chunks
	stats.Pool = pool.Stats()
	stats.Metrics = collector.Snapshot()

	if asYAML {
		return printYAML(stats)
	}

	th := defaultTheme
	fmt.Println(th.headingStyle().Render("Research Cache"))
	fmt.Printf("Entries: %d (%d live, %d expired)\n", stats.Entries, stats.LiveEntries, stats.ExpiredEntries)
	fmt.Printf("Chunks:  %d\n", stats.Chunks)
	fmt.Printf("Hits:    %d\n", stats.TotalHits)

	if len(stats.TopTopics) > 0 {
		fmt.Printf("\n%s\n", th.headingStyle().Render("Most requested"))
		for _, t := range stats.TopTopics {
			fmt.Printf("  %-40s %6d\n", t.Keyword, t.Hits)
		}
	}

	if verbose {
		fmt.Printf("\n%s\n", th.headingStyle().Render("Store"))
		printOp("reads", stats.Metrics.StoreRead)
		printOp("writes", stats.Metrics.StoreWrite)
		printOp("searches", stats.Metrics.StoreSearch)
		fmt.Printf("  pool: %d/%d open, %d idle\n", stats.Pool.Open, stats.Pool.Size, stats.Pool.Idle)
	}
	return nil
}

// summarize counts live and expired entries and ranks topics by hits.
func summarize(entries []models.CacheEntry, now time.Time, top int) cacheStats {
	s := cacheStats{Entries: len(entries)}
	var ranked []topicHits
	for _, e := range entries {
		if e.Expired(now) {
			s.ExpiredEntries++
		} else {
			s.LiveEntries++
		}
		s.TotalHits += e.HitCount
		if e.HitCount > 0 {
			ranked = append(ranked, topicHits{Keyword: e.Keyword, Hits: e.HitCount})
		}
	}
	slices.SortStableFunc(ranked, func(a, b topicHits) int { return cmp.Compare(b.Hits, a.Hits) })
	if len(ranked) > top {
		ranked = ranked[:top]
	}
	s.TopTopics = ranked
	return s
}

func printOp(name string, op *metrics.OperationSnapshot) {
	if op == nil {
		return
	}
	fmt.Printf("  %-9s %5d calls, avg %.1fms (min %dms, max %dms)\n",
		name, op.Count, op.AvgTimeMs, op.MinTimeMs, op.MaxTimeMs)
}
