// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package types

import "time"

// RunStatus is the lifecycle state of a pipeline run.
type RunStatus string

const (
	RunRunning RunStatus = "running"
	RunSuccess RunStatus = "success"
	RunFailed  RunStatus = "failed"
	RunPartial RunStatus = "partial"
)

// RunRecord tracks one pipeline invocation for a single source. A record
// is created in the running state and transitions exactly once to a
// terminal state.
type RunRecord struct {
	RunID            string    `json:"run_id" yaml:"run_id"`
	Source           string    `json:"source" yaml:"source"`
	Status           RunStatus `json:"status" yaml:"status"`
	StartedAt        time.Time `json:"started_at" yaml:"started_at"`
	FinishedAt       time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
	DurationSeconds  float64   `json:"duration_seconds" yaml:"duration_seconds"`
	RecordsFetched   int       `json:"records_fetched" yaml:"records_fetched"`
	RecordsProcessed int       `json:"records_processed" yaml:"records_processed"`
	RecordsFailed    int       `json:"records_failed" yaml:"records_failed"`
	RecordsSkipped   int       `json:"records_skipped" yaml:"records_skipped"`
	ErrorMessage     string    `json:"error_message,omitempty" yaml:"error_message,omitempty"`
}

// Checkpoint is the persisted per-source cursor for incremental
// ingestion. LastValue is opaque to everything except the source that
// produced it.
type Checkpoint struct {
	Source    string    `json:"source" yaml:"source"`
	LastValue string    `json:"last_value" yaml:"last_value"`
	UpdatedAt time.Time `json:"updated_at" yaml:"updated_at"`
}

// UnifiedRecordInput is the canonical projection of a source record,
// produced by a connector's transform and consumed by the store's upsert.
// CanonicalID unites records describing the same real-world entity: the
// same coin from CoinPaprika and CoinGecko carries the same CanonicalID
// and merges into a single unified row.
type UnifiedRecordInput struct {
	Source            string         `json:"source" yaml:"source"`
	SourceID          string         `json:"source_id" yaml:"source_id"`
	CanonicalID       string         `json:"canonical_id" yaml:"canonical_id"`
	Symbol            string         `json:"symbol,omitempty" yaml:"symbol,omitempty"`
	Title             string         `json:"title,omitempty" yaml:"title,omitempty"`
	Content           string         `json:"content,omitempty" yaml:"content,omitempty"`
	Author            string         `json:"author,omitempty" yaml:"author,omitempty"`
	Category          string         `json:"category,omitempty" yaml:"category,omitempty"`
	URL               string         `json:"url,omitempty" yaml:"url,omitempty"`
	ExternalCreatedAt time.Time      `json:"external_created_at,omitempty" yaml:"external_created_at,omitempty"`
	ExtraData         map[string]any `json:"extra_data,omitempty" yaml:"extra_data,omitempty"`

	// Checksum is the lowercase hex SHA-256 of the validated record's
	// sorted-key serialization.
	Checksum string `json:"checksum" yaml:"checksum"`
}
