// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package pipeline orchestrates ingestion runs: checkpoint resume,
// rate-limited fetching, tolerant persistence, and run accounting.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/pdiddy/ingest-engine/internal/drift"
	"github.com/pdiddy/ingest-engine/internal/ratelimit"
	"github.com/pdiddy/ingest-engine/internal/source"
	"github.com/pdiddy/ingest-engine/internal/store"
	"github.com/pdiddy/ingest-engine/pkg/types"
)

// ErrUnknownSource is returned when a run names a source that is not
// registered. It fails fast; there is nothing to retry.
var ErrUnknownSource = errors.New("unknown source")

// ErrSourceDisabled is returned when a run names a registered source
// whose configuration disables it.
var ErrSourceDisabled = errors.New("source disabled")

// Pipeline coordinates one store, one rate limiter, and a set of
// sources. Each source runs independently; a failure in one never
// affects another.
type Pipeline struct {
	store    *store.Store
	sources  map[string]source.Source
	limiter  *ratelimit.Limiter
	detector *drift.Detector
	log      *logrus.Entry

	// newRunID and sleep are injectable for tests.
	newRunID func() string
	sleep    func(ctx context.Context, d time.Duration) error
}

// New assembles a Pipeline and registers each source's rate limit.
func New(st *store.Store, sources map[string]source.Source, limiter *ratelimit.Limiter, detector *drift.Detector, log *logrus.Logger) *Pipeline {
	for name, src := range sources {
		if rpm := src.Config().RateLimitPerMinute; rpm > 0 {
			limiter.SetLimit(name, rpm)
		}
	}
	return &Pipeline{
		store:    st,
		sources:  sources,
		limiter:  limiter,
		detector: detector,
		log:      log.WithField("component", "pipeline"),
		newRunID: uuid.NewString,
		sleep:    sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// RunSource executes one full ingestion run for the named source:
// resume from checkpoint, fetch batch by batch under the rate limiter,
// persist raw and unified records, and record the run outcome. A fetch
// failure terminates the run as failed with partial counts preserved;
// record-level failures are isolated and only downgrade the run to
// partial.
func (p *Pipeline) RunSource(ctx context.Context, name string) (types.RunRecord, error) {
	src, ok := p.sources[name]
	if !ok {
		return types.RunRecord{}, fmt.Errorf("%w: %q", ErrUnknownSource, name)
	}
	if !src.Config().Enabled {
		return types.RunRecord{}, fmt.Errorf("%w: %q", ErrSourceDisabled, name)
	}

	run := types.RunRecord{
		RunID:     p.newRunID(),
		Source:    name,
		Status:    types.RunRunning,
		StartedAt: time.Now().UTC(),
	}
	if err := p.store.CreateRun(ctx, run); err != nil {
		return run, fmt.Errorf("creating run: %w", err)
	}
	log := p.log.WithFields(logrus.Fields{"source": name, "run_id": run.RunID})
	log.Info("run started")

	// Sources with recent failures wait out their backoff before
	// touching the upstream again.
	if backoff := p.limiter.Backoff(name); backoff > 0 {
		log.WithField("backoff", backoff).Warn("delaying run for error backoff")
		if err := p.sleep(ctx, backoff); err != nil {
			return p.finish(ctx, run, err)
		}
	}

	checkpoint, _, err := p.store.GetCheckpoint(ctx, name)
	if err != nil {
		return p.finish(ctx, run, fmt.Errorf("loading checkpoint: %w", err))
	}

	batchSize := src.Config().BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	firstBatch := true
	for {
		if err := p.limiter.Wait(ctx, name); err != nil {
			return p.finish(ctx, run, fmt.Errorf("waiting for rate limit: %w", err))
		}

		result, err := src.Fetch(ctx, checkpoint, batchSize)
		if err != nil {
			p.limiter.RecordError(name)
			return p.finish(ctx, run, fmt.Errorf("fetching batch: %w", err))
		}
		run.RecordsFetched += result.TotalFetched
		if len(result.Records) == 0 {
			break
		}

		if firstBatch {
			firstBatch = false
			p.checkDrift(ctx, src, result.Records[0], log)
		}

		p.persistBatch(ctx, src, result.Records, &run, log)

		// The checkpoint only advances after the batch it covers is
		// durably stored, so a crash re-reads rather than skips.
		if result.CheckpointValue != "" && result.CheckpointValue != checkpoint {
			if err := p.store.SetCheckpoint(ctx, name, result.CheckpointValue); err != nil {
				return p.finish(ctx, run, fmt.Errorf("advancing checkpoint: %w", err))
			}
			checkpoint = result.CheckpointValue
		}

		if !result.HasMore {
			break
		}
	}

	p.limiter.ResetErrors(name)
	return p.finish(ctx, run, nil)
}

// checkDrift runs an advisory schema comparison on a representative
// record. Drift never blocks ingestion; failures to record it are only
// logged.
func (p *Pipeline) checkDrift(ctx context.Context, src source.Source, record map[string]any, log *logrus.Entry) {
	expected := src.ExpectedSchema()
	if len(expected) == 0 {
		return
	}
	// Underscore-prefixed keys are connector bookkeeping, not upstream
	// fields; comparing them would flag drift on every run.
	observed := make(map[string]any, len(record))
	for k, v := range record {
		if strings.HasPrefix(k, "_") {
			continue
		}
		observed[k] = v
	}
	report := p.detector.Detect(expected, observed)
	if !report.HasDrift {
		return
	}
	log.WithField("confidence", report.ConfidenceScore).Warn("schema drift detected")
	if err := p.store.RecordDrift(ctx, src.Name(), report); err != nil {
		log.WithError(err).Error("recording drift report")
	}
}

// persistBatch writes raw payloads and unified projections, updating
// the run's counters. Storage errors are per-record: they are counted
// and logged, never propagated.
func (p *Pipeline) persistBatch(ctx context.Context, src source.Source, records []map[string]any, run *types.RunRecord, log *logrus.Entry) {
	for _, record := range records {
		key := src.RawKey(record)
		if key == "" {
			continue
		}
		if err := p.store.UpsertRaw(ctx, src.Name(), key, record); err != nil {
			log.WithError(err).WithField("natural_key", key).Error("storing raw record")
		}
	}

	unified, failed := src.ProcessBatch(records)
	run.RecordsFailed += len(failed)

	for _, rec := range unified {
		outcome, err := p.store.UpsertUnified(ctx, rec)
		if err != nil {
			log.WithError(err).WithField("canonical_id", rec.CanonicalID).Error("storing unified record")
			run.RecordsFailed++
			continue
		}
		// An update means the entity already existed and was merged;
		// only genuinely new entities count as processed.
		if outcome == store.Inserted {
			run.RecordsProcessed++
		} else {
			run.RecordsSkipped++
		}
	}
}

// finish transitions the run to its terminal state and persists it.
// The run fails on any terminal error; otherwise record-level failures
// downgrade success to partial.
func (p *Pipeline) finish(ctx context.Context, run types.RunRecord, runErr error) (types.RunRecord, error) {
	run.FinishedAt = time.Now().UTC()
	run.DurationSeconds = run.FinishedAt.Sub(run.StartedAt).Seconds()

	switch {
	case runErr != nil:
		run.Status = types.RunFailed
		run.ErrorMessage = runErr.Error()
	case run.RecordsFailed > 0:
		run.Status = types.RunPartial
	default:
		run.Status = types.RunSuccess
	}

	if err := p.store.FinishRun(ctx, run); err != nil {
		p.log.WithError(err).WithField("run_id", run.RunID).Error("finalizing run record")
	}

	p.log.WithFields(logrus.Fields{
		"source":    run.Source,
		"run_id":    run.RunID,
		"status":    run.Status,
		"fetched":   run.RecordsFetched,
		"processed": run.RecordsProcessed,
		"failed":    run.RecordsFailed,
		"skipped":   run.RecordsSkipped,
	}).Info("run finished")

	return run, runErr
}

// Outcome pairs one source's run record with its terminal error.
type Outcome struct {
	Run types.RunRecord
	Err error
}

// RunAll runs every registered enabled source concurrently and waits
// for all of them. One source failing never stops the others; the
// joined error reports every failure.
func (p *Pipeline) RunAll(ctx context.Context) (map[string]Outcome, error) {
	names := make([]string, 0, len(p.sources))
	for name, src := range p.sources {
		if src.Config().Enabled {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		outcomes = make(map[string]Outcome, len(names))
	)
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			run, err := p.RunSource(ctx, name)
			mu.Lock()
			outcomes[name] = Outcome{Run: run, Err: err}
			mu.Unlock()
		}(name)
	}
	wg.Wait()

	var errs []error
	for _, name := range names {
		if o := outcomes[name]; o.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, o.Err))
		}
	}
	return outcomes, errors.Join(errs...)
}

// WriteSummary renders run outcomes as a fixed-width table.
func WriteSummary(w io.Writer, outcomes map[string]Outcome) {
	names := make([]string, 0, len(outcomes))
	for name := range outcomes {
		names = append(names, name)
	}
	sort.Strings(names)

	fmt.Fprintf(w, "%-14s %-8s %9s %9s %7s %8s  %s\n",
		"SOURCE", "STATUS", "FETCHED", "PROCESSED", "FAILED", "SKIPPED", "ERROR")
	for _, name := range names {
		o := outcomes[name]
		errMsg := ""
		if o.Err != nil {
			errMsg = o.Err.Error()
		}
		fmt.Fprintf(w, "%-14s %-8s %9d %9d %7d %8d  %s\n",
			name, o.Run.Status, o.Run.RecordsFetched, o.Run.RecordsProcessed,
			o.Run.RecordsFailed, o.Run.RecordsSkipped, errMsg)
	}
}
