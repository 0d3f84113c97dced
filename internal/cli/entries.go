package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/researchcache/internal/models"
)

var entriesLimit int

var entriesCmd = &cobra.Command{
	Use:   "entries",
	Short: "List cache entries",
	Long: `List cache entries, most recently accessed first.

Examples:
  researchcache entries
  researchcache entries -n 100 --yaml`,
	Args: cobra.NoArgs,
	RunE: runEntries,
}

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create tables and indexes",
	Long: `Define the chunk and cache entry tables and their indexes, including
the HNSW vector index sized to the configured embedding dimension.
Safe to run repeatedly.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := store.InitSchema(context.Background()); err != nil {
			return fmt.Errorf("initialize schema: %w", err)
		}
		fmt.Printf("Schema ready (embedding dimension %d)\n", cfg.EmbedDimension)
		return nil
	},
}

func init() {
	entriesCmd.Flags().IntVarP(&entriesLimit, "limit", "n", 20, "max entries")
}

type entryRow struct {
	Keyword      string    `yaml:"keyword"`
	Chunks       int       `yaml:"chunks"`
	Hits         int       `yaml:"hits"`
	CreatedAt    time.Time `yaml:"created_at"`
	LastAccessed time.Time `yaml:"last_accessed"`
	ExpiresAt    time.Time `yaml:"expires_at"`
	Expired      bool      `yaml:"expired"`
}

func runEntries(cmd *cobra.Command, args []string) error {
	entries, err := store.ListCacheEntries(context.Background(), entriesLimit)
	if err != nil {
		return fmt.Errorf("list cache entries: %w", err)
	}

	rows := entryRows(entries, time.Now())
	if asYAML {
		return printYAML(rows)
	}
	if len(rows) == 0 {
		fmt.Println("Cache is empty.")
		return nil
	}

	th := defaultTheme
	fmt.Printf("%-40s %6s %6s  %s\n", "KEYWORD", "CHUNKS", "HITS", "EXPIRES")
	for _, r := range rows {
		expires := r.ExpiresAt.Local().Format("2006-01-02 15:04")
		if r.Expired {
			expires = th.errorStyle().Render("expired")
		}
		fmt.Printf("%-40s %6d %6d  %s\n", truncate(r.Keyword, 40), r.Chunks, r.Hits, expires)
	}
	return nil
}

func entryRows(entries []models.CacheEntry, now time.Time) []entryRow {
	rows := make([]entryRow, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, entryRow{
			Keyword:      e.Keyword,
			Chunks:       len(e.ChunkIDs),
			Hits:         e.HitCount,
			CreatedAt:    e.CreatedAt,
			LastAccessed: e.LastAccessed,
			ExpiresAt:    e.ExpiresAt,
			Expired:      e.Expired(now),
		})
	}
	return rows
}
