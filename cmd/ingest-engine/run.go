// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/pdiddy/ingest-engine/internal/drift"
	"github.com/pdiddy/ingest-engine/internal/identity"
	"github.com/pdiddy/ingest-engine/internal/pipeline"
	"github.com/pdiddy/ingest-engine/internal/ratelimit"
	"github.com/pdiddy/ingest-engine/internal/source"
	"github.com/pdiddy/ingest-engine/internal/store"
	"github.com/pdiddy/ingest-engine/pkg/types"
)

// staleCutoff is how long a run may sit in the running state before it
// is reported as stale.
const staleCutoff = time.Hour

var runCmd = &cobra.Command{
	Use:   "run [sources...]",
	Short: "Run ingestion for all enabled sources, or only those named",
	Long: `Run executes one ingestion pass. With no arguments every enabled
source runs concurrently; naming sources runs only those. Each source
resumes from its checkpoint, fetches in rate-limited batches, and
upserts into the unified store.

Exit status is non-zero when any source's run fails; record-level
validation failures only downgrade a run to partial.`,
	RunE: runIngest,
}

func init() {
	runCmd.Flags().Int("batch-size", 0, "records per batch (default 100)")
	runCmd.Flags().String("csv", "", "product CSV file to ingest")
	runCmd.Flags().StringSlice("feed", nil, "RSS/Atom feed URL (repeatable)")
	runCmd.Flags().Bool("coinpaprika", false, "enable the CoinPaprika source")
	runCmd.Flags().Bool("coingecko", false, "enable the CoinGecko source")

	rootCmd.AddCommand(runCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg := loadConfig(cmd)

	if batch, _ := cmd.Flags().GetInt("batch-size"); batch > 0 {
		cfg.BatchSize = batch
	}
	if csvPath, _ := cmd.Flags().GetString("csv"); csvPath != "" {
		cfg.CSVPath = csvPath
	}
	if feeds, _ := cmd.Flags().GetStringSlice("feed"); len(feeds) > 0 {
		cfg.FeedURLs = feeds
	}
	if on, _ := cmd.Flags().GetBool("coinpaprika"); on {
		cfg.EnableCoinPaprika = true
	}
	if on, _ := cmd.Flags().GetBool("coingecko"); on {
		cfg.EnableCoinGecko = true
	}

	p, st, err := buildPipeline(cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx := context.Background()
	reportStaleRuns(ctx, st)

	var outcomes map[string]pipeline.Outcome
	var runErr error
	if len(args) == 0 {
		outcomes, runErr = p.RunAll(ctx)
	} else {
		outcomes = make(map[string]pipeline.Outcome, len(args))
		for _, name := range args {
			run, err := p.RunSource(ctx, name)
			outcomes[name] = pipeline.Outcome{Run: run, Err: err}
			if err != nil && runErr == nil {
				runErr = err
			}
		}
	}

	pipeline.WriteSummary(os.Stdout, outcomes)
	if runErr != nil {
		return fmt.Errorf("ingestion failed: %w", runErr)
	}
	return nil
}

// buildPipeline wires the store, limiter, resolver, and sources from
// one config.
func buildPipeline(cfg types.IngestConfig) (*pipeline.Pipeline, *store.Store, error) {
	st, err := store.New(cfg.Store)
	if err != nil {
		return nil, nil, fmt.Errorf("opening store: %w", err)
	}

	sources := source.Build(cfg, sourceDeps(cfg))
	if len(sources) == 0 {
		st.Close()
		return nil, nil, fmt.Errorf("no sources enabled; use flags or the config file to enable at least one")
	}

	limiter := ratelimit.New(cfg.RateLimit, log)
	detector := drift.NewDetector(0, log)
	return pipeline.New(st, sources, limiter, detector, log), st, nil
}

// sourceDeps builds the shared connector dependencies from one config,
// so every command constructs its HTTP client the same way.
func sourceDeps(cfg types.IngestConfig) source.Dependencies {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return source.Dependencies{
		Client:   &http.Client{Timeout: timeout},
		Resolver: identity.NewResolver(log),
		Log:      log,
	}
}

// reportStaleRuns surfaces runs stuck in the running state, which
// usually means an earlier process died. They are reported, not
// repaired; the operator decides what to do.
func reportStaleRuns(ctx context.Context, st *store.Store) {
	stale, err := st.StaleRuns(ctx, time.Now().UTC().Add(-staleCutoff))
	if err != nil {
		log.WithError(err).Warn("checking for stale runs")
		return
	}
	for _, run := range stale {
		fmt.Fprintf(os.Stderr, "warning: run %s (%s) has been running since %s\n",
			run.RunID, run.Source, run.StartedAt.Format(time.RFC3339))
	}
}
