package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/raphaelgruber/researchcache/internal/models"
)

var (
	cleanupPruneChunks bool
	cleanupOlderThan   time.Duration
)

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete expired cache entries",
	Long: `Delete cache entries past their expiry or older than the configured TTL.

Chunks are kept by default so they stay available for semantic matches.
--prune-chunks additionally deletes chunks no live entry references.

Examples:
  researchcache cleanup
  researchcache cleanup --prune-chunks --older-than 720h`,
	Args: cobra.NoArgs,
	RunE: runCleanup,
}

var invalidateCmd = &cobra.Command{
	Use:   "invalidate <topic>",
	Short: "Remove the cache entry for a topic",
	Long: `Remove the cache entry for a topic so the next request researches it again.
The topic's chunks remain searchable for semantic matches of other topics.

Examples:
  researchcache invalidate "blood sugar"`,
	Args: cobra.ExactArgs(1),
	RunE: runInvalidate,
}

func init() {
	cleanupCmd.Flags().BoolVar(&cleanupPruneChunks, "prune-chunks", false, "also delete chunks not referenced by any live entry")
	cleanupCmd.Flags().DurationVar(&cleanupOlderThan, "older-than", 0, "only prune chunks older than this (0 uses the TTL)")
}

func runCleanup(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	deleted, err := store.CleanupExpired(ctx, cfg.TTLDays)
	if err != nil {
		return fmt.Errorf("cleanup expired: %w", err)
	}
	fmt.Printf("Deleted %d expired cache entries\n", deleted)

	if !cleanupPruneChunks {
		return nil
	}

	age := cleanupOlderThan
	if age <= 0 {
		age = store.TTL()
	}
	pruned, err := store.PruneOrphanChunks(ctx, time.Now().Add(-age))
	if err != nil {
		return fmt.Errorf("prune chunks: %w", err)
	}
	fmt.Printf("Pruned %d orphan chunks older than %s\n", pruned, age)
	return nil
}

func runInvalidate(cmd *cobra.Command, args []string) error {
	normalized := models.NormalizeKeyword(args[0])
	if normalized == "" {
		return fmt.Errorf("topic must not be empty")
	}

	existed, err := store.DeleteCacheEntry(context.Background(), normalized)
	if err != nil {
		return fmt.Errorf("invalidate: %w", err)
	}
	if !existed {
		fmt.Printf("No cache entry for %q\n", normalized)
		return nil
	}
	fmt.Printf("Invalidated %q\n", normalized)
	return nil
}
