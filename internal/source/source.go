// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package source defines the connector contract and the closed set of
// connectors that feed the ingestion pipeline: two paginated market-data
// APIs, a CSV file, and RSS/Atom feeds.
package source

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/pdiddy/ingest-engine/internal/identity"
	"github.com/pdiddy/ingest-engine/pkg/types"
)

// FetchResult is the immutable outcome of one fetch call.
type FetchResult struct {
	// Records are the raw field-maps in fetch order.
	Records []map[string]any

	// TotalFetched equals len(Records).
	TotalFetched int

	// HasMore reports whether another fetch with CheckpointValue would
	// return further records. Empty Records implies false.
	HasMore bool

	// CheckpointValue is the opaque cursor for the next fetch; empty
	// when the source is exhausted. Its format belongs to the source.
	CheckpointValue string

	// Metadata carries diagnostic details for logging.
	Metadata map[string]any
}

// FailedRecord pairs a raw record with the error that rejected it.
type FailedRecord struct {
	Record map[string]any
	Err    error
}

// ValidationError reports a raw record that does not match the source
// schema. It is never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %q: %s", e.Field, e.Reason)
}

// Source is the contract every connector implements. Fetch must be
// safely re-callable with the same checkpoint: re-fetching already-seen
// data is tolerated because storage is idempotent.
type Source interface {
	// Name returns the source identifier used for checkpoints, raw
	// provenance, and rate limiting.
	Name() string

	// Config returns the source's immutable configuration.
	Config() types.SourceConfig

	// ExpectedSchema describes the record shape this connector expects,
	// for advisory drift detection.
	ExpectedSchema() map[string]string

	// RawKey derives the natural key under which a raw record is stored.
	RawKey(record map[string]any) string

	// Fetch returns the next batch after checkpoint. Transient transport
	// failures are retried internally; exhausted retries propagate.
	Fetch(ctx context.Context, checkpoint string, batchSize int) (*FetchResult, error)

	// ProcessBatch validates and transforms a batch. A bad record is
	// isolated into the failed list and never aborts the batch.
	ProcessBatch(records []map[string]any) ([]types.UnifiedRecordInput, []FailedRecord)
}

// Checksum returns the lowercase hex SHA-256 of v's canonical JSON
// serialization. Marshaling through a generic value sorts all map keys,
// so key order never affects the hash.
func Checksum(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		// Fall back to the value's string form; still deterministic.
		data = []byte(fmt.Sprintf("%v", v))
	}

	var normalized any
	if err := json.Unmarshal(data, &normalized); err == nil {
		if canonical, err := json.Marshal(normalized); err == nil {
			data = canonical
		}
	}

	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// processBatch runs each record through a connector's validate+transform
// function, isolating failures so one bad record never sinks the batch.
func processBatch(log *logrus.Entry, records []map[string]any, convert func(map[string]any) (types.UnifiedRecordInput, error)) ([]types.UnifiedRecordInput, []FailedRecord) {
	successful := make([]types.UnifiedRecordInput, 0, len(records))
	var failed []FailedRecord

	for _, record := range records {
		unified, err := convert(record)
		if err != nil {
			log.WithError(err).Warn("record processing failed")
			failed = append(failed, FailedRecord{Record: record, Err: err})
			continue
		}
		successful = append(successful, unified)
	}
	return successful, failed
}

// Dependencies holds the collaborators shared by all connectors.
type Dependencies struct {
	Client   *http.Client
	Resolver *identity.Resolver
	Log      *logrus.Logger
}

// Build constructs the enabled connectors for cfg, keyed by name.
func Build(cfg types.IngestConfig, deps Dependencies) map[string]Source {
	sources := make(map[string]Source)

	batch := cfg.BatchSize
	if batch <= 0 {
		batch = 100
	}
	rpm := func(name string, fallback int) int {
		if override, ok := cfg.SourceRateLimits[name]; ok && override > 0 {
			return override
		}
		return fallback
	}

	if cfg.EnableCoinPaprika {
		sources[NameCoinPaprika] = NewCoinPaprika(deps, types.SourceConfig{
			Name:               NameCoinPaprika,
			Enabled:            true,
			BatchSize:          batch,
			RateLimitPerMinute: rpm(NameCoinPaprika, 30),
		}, cfg.HTTPConfig, cfg.APIKey)
	}
	if cfg.EnableCoinGecko {
		sources[NameCoinGecko] = NewCoinGecko(deps, types.SourceConfig{
			Name:               NameCoinGecko,
			Enabled:            true,
			BatchSize:          batch,
			RateLimitPerMinute: rpm(NameCoinGecko, 30),
		}, cfg.HTTPConfig)
	}
	if cfg.CSVPath != "" {
		sources[NameCSV] = NewCSVFile(deps, types.SourceConfig{
			Name:      NameCSV,
			Enabled:   true,
			BatchSize: batch,
		}, cfg.CSVPath)
	}
	if len(cfg.FeedURLs) > 0 {
		sources[NameFeed] = NewFeed(deps, types.SourceConfig{
			Name:               NameFeed,
			Enabled:            true,
			BatchSize:          batch,
			RateLimitPerMinute: rpm(NameFeed, 30),
		}, cfg.HTTPConfig, cfg.FeedURLs)
	}
	return sources
}

// Connector names. The set is closed: adding an origin means adding a
// connector, not touching the orchestrator.
const (
	NameCoinPaprika = "coinpaprika"
	NameCoinGecko   = "coingecko"
	NameCSV         = "csv"
	NameFeed        = "rss"
)
