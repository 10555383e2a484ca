package main

import (
	"context"
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/hyperengineering/tether/internal/cache"
	"github.com/hyperengineering/tether/internal/config"
	"github.com/spf13/cobra"
)

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the tenant's read cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache size against its budget",
	Args:  cobra.NoArgs,
	RunE:  runCacheStats,
}

var cacheSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Evict expired entries and prune delivered outbox history now",
	Args:  cobra.NoArgs,
	RunE:  runCacheSweep,
}

func init() {
	cacheCmd.AddCommand(cacheStatsCmd)
	cacheCmd.AddCommand(cacheSweepCmd)
}

func cacheConfig(c config.CacheConfig) cache.Config {
	return cache.Config{
		BudgetBytes:   c.BudgetBytes,
		MaxEntryBytes: c.MaxEntryBytes,
		DefaultTTL:    c.DefaultTTL.Std(),
	}
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	stats, err := s.engine.CacheStats(ctx)
	if err != nil {
		return err
	}
	budget := s.cfg.Cache.BudgetBytes

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"size_bytes":   stats.SizeBytes,
			"budget_bytes": budget,
			"item_count":   stats.ItemCount,
		})
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Entries: %s\n", humanize.Comma(stats.ItemCount))
	fmt.Fprintf(out, "Size:    %s of %s\n", humanize.IBytes(uint64(stats.SizeBytes)), humanize.IBytes(uint64(budget)))
	return nil
}

func runCacheSweep(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	s, err := openSession(ctx)
	if err != nil {
		return err
	}
	defer s.Close()

	pruned, evicted, err := s.engine.Maintain(ctx, s.cfg.Retention.Acknowledged.Std())
	if err != nil {
		return err
	}

	if jsonOutput {
		return printJSON(cmd.OutOrStdout(), map[string]any{
			"cache_evicted": evicted,
			"events_pruned": pruned,
		})
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Evicted %d expired cache entries, pruned %d delivered events\n", evicted, pruned)
	return nil
}
