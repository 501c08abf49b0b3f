// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.yaml.in/yaml/v3"

	"github.com/pdiddy/ingest-engine/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Show recent ingestion runs",
	Long: `Runs lists recent ingestion runs, newest first, with their status and
record counters. Filter with --source, and use --output yaml for a
machine-readable dump.`,
	RunE: runRuns,
}

func init() {
	runsCmd.Flags().String("source", "", "only show runs for this source")
	runsCmd.Flags().Int("limit", 20, "maximum runs to show")
	runsCmd.Flags().String("output", "table", "output format: table or yaml")

	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	st, err := store.New(cfg.Store)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	sourceName, _ := cmd.Flags().GetString("source")
	limit, _ := cmd.Flags().GetInt("limit")

	runs, err := st.ListRuns(context.Background(), sourceName, limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Println("No runs recorded.")
		return nil
	}

	output, _ := cmd.Flags().GetString("output")
	if output == "yaml" {
		return yaml.NewEncoder(os.Stdout).Encode(runs)
	}

	fmt.Printf("%-36s %-12s %-8s %-20s %8s %7s %9s %6s %7s\n",
		"RUN ID", "SOURCE", "STATUS", "STARTED", "DURATION", "FETCHED", "PROCESSED", "FAILED", "SKIPPED")
	for _, run := range runs {
		fmt.Printf("%-36s %-12s %-8s %-20s %7.1fs %7d %9d %6d %7d\n",
			run.RunID, run.Source, run.Status,
			run.StartedAt.Format(time.RFC3339), run.DurationSeconds,
			run.RecordsFetched, run.RecordsProcessed,
			run.RecordsFailed, run.RecordsSkipped)
		if run.ErrorMessage != "" {
			fmt.Printf("  error: %s\n", run.ErrorMessage)
		}
	}
	return nil
}
