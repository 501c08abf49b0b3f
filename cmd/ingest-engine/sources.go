// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/pdiddy/ingest-engine/internal/source"
	"github.com/pdiddy/ingest-engine/internal/store"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Show configured sources and their checkpoints",
	Long: `Sources lists every source the current configuration enables, its
batch size and rate limit, and the checkpoint it would resume from.
Use --drift to include recent schema drift reports.`,
	RunE: runSources,
}

func init() {
	sourcesCmd.Flags().Bool("drift", false, "also show recent schema drift reports")

	rootCmd.AddCommand(sourcesCmd)
}

func runSources(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	sources := source.Build(cfg, sourceDeps(cfg))
	if len(sources) == 0 {
		fmt.Println("No sources enabled.")
		return nil
	}

	st, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	names := make([]string, 0, len(sources))
	for name := range sources {
		names = append(names, name)
	}
	sort.Strings(names)

	ctx := context.Background()
	showDrift, _ := cmd.Flags().GetBool("drift")

	fmt.Printf("%-14s %-8s %6s %9s  %s\n", "SOURCE", "ENABLED", "BATCH", "RATE/MIN", "CHECKPOINT")
	for _, name := range names {
		srcCfg := sources[name].Config()
		checkpoint, ok, err := st.GetCheckpoint(ctx, name)
		if err != nil {
			return err
		}
		if !ok {
			checkpoint = "(none)"
		} else if len(checkpoint) > 40 {
			checkpoint = checkpoint[:37] + "..."
		}
		fmt.Printf("%-14s %-8v %6d %9d  %s\n",
			name, srcCfg.Enabled, srcCfg.BatchSize, srcCfg.RateLimitPerMinute, checkpoint)
	}

	if !showDrift {
		return nil
	}
	for _, name := range names {
		reports, err := st.ListDrift(ctx, name, 3)
		if err != nil {
			return err
		}
		for _, report := range reports {
			fmt.Printf("\ndrift in %s (confidence %.2f):\n", name, report.ConfidenceScore)
			for _, warning := range report.Warnings {
				fmt.Printf("  - %s\n", warning)
			}
		}
	}
	return nil
}
