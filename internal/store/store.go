// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package store persists raw payloads, unified records, checkpoints,
// and run history in SQLite. All writes are idempotent upserts keyed on
// natural identifiers, so re-ingesting the same data is safe.
package store

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/pdiddy/ingest-engine/internal/drift"
	"github.com/pdiddy/ingest-engine/internal/identity"
	"github.com/pdiddy/ingest-engine/pkg/types"
)

// UpsertOutcome describes what an idempotent write actually did.
type UpsertOutcome int

const (
	// Inserted means the record was new.
	Inserted UpsertOutcome = iota
	// Updated means an existing record changed content.
	Updated
	// Unchanged means the incoming checksum matched the stored one and
	// nothing was written.
	Unchanged
)

// Store wraps the SQLite database holding all pipeline state.
type Store struct {
	db *sql.DB
}

// New opens or creates the database at cfg.Path and ensures the schema
// exists.
func New(cfg types.StoreConfig) (*Store, error) {
	path := cfg.Path
	if path == "" {
		path = "ingest.db"
	}

	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	s := &Store{db: db}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}
	return s, nil
}

// Close releases the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS raw_records (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			natural_key TEXT NOT NULL,
			payload TEXT NOT NULL,
			checksum TEXT NOT NULL,
			fetched_at TEXT NOT NULL,
			UNIQUE(source, natural_key)
		)`,
		`CREATE TABLE IF NOT EXISTS unified_records (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			canonical_id TEXT NOT NULL UNIQUE,
			source TEXT NOT NULL,
			source_id TEXT NOT NULL,
			symbol TEXT,
			title TEXT,
			content TEXT,
			author TEXT,
			category TEXT,
			url TEXT,
			external_created_at TEXT,
			extra_data TEXT,
			checksum TEXT NOT NULL,
			first_seen_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_unified_source ON unified_records(source)`,
		`CREATE INDEX IF NOT EXISTS idx_unified_symbol ON unified_records(symbol)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			source TEXT PRIMARY KEY,
			last_value TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS runs (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL UNIQUE,
			source TEXT NOT NULL,
			status TEXT NOT NULL,
			started_at TEXT NOT NULL,
			finished_at TEXT,
			duration_seconds REAL NOT NULL DEFAULT 0,
			records_fetched INTEGER NOT NULL DEFAULT 0,
			records_processed INTEGER NOT NULL DEFAULT 0,
			records_failed INTEGER NOT NULL DEFAULT 0,
			records_skipped INTEGER NOT NULL DEFAULT 0,
			error_message TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_source ON runs(source)`,
		`CREATE TABLE IF NOT EXISTS schema_registry (
			rowid INTEGER PRIMARY KEY AUTOINCREMENT,
			source TEXT NOT NULL,
			detected_at TEXT NOT NULL,
			confidence REAL NOT NULL,
			report TEXT NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("executing schema statement: %w", err)
		}
	}
	return nil
}

// UpsertRaw stores one raw payload under its (source, natural_key)
// identity. A changed payload replaces the previous one; re-ingesting
// an identical payload leaves the row untouched.
func (s *Store) UpsertRaw(ctx context.Context, source, naturalKey string, record map[string]any) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("serializing raw record: %w", err)
	}

	sum := sha256.Sum256(payload)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO raw_records (source, natural_key, payload, checksum, fetched_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(source, natural_key) DO UPDATE SET
			payload=excluded.payload,
			checksum=excluded.checksum,
			fetched_at=excluded.fetched_at
		 WHERE excluded.checksum != raw_records.checksum`,
		source, naturalKey, string(payload), hex.EncodeToString(sum[:]),
		time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("upserting raw record: %w", err)
	}
	return nil
}

// UpsertUnified writes one unified record keyed on canonical ID. When a
// record with the same canonical ID exists, the newest write wins for
// top-level fields and extra data from different sources is merged
// under per-source namespaces. An incoming checksum equal to the stored
// one is a no-op reported as Unchanged.
func (s *Store) UpsertUnified(ctx context.Context, rec types.UnifiedRecordInput) (UpsertOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Unchanged, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback()

	var existingChecksum, existingSource, existingExtra string
	err = tx.QueryRowContext(ctx,
		`SELECT checksum, source, COALESCE(extra_data, '') FROM unified_records WHERE canonical_id = ?`,
		rec.CanonicalID).Scan(&existingChecksum, &existingSource, &existingExtra)

	outcome := Inserted
	extra := rec.ExtraData
	switch {
	case err == sql.ErrNoRows:
		// First sighting of this entity.
	case err != nil:
		return Unchanged, fmt.Errorf("reading unified record: %w", err)
	case existingChecksum == rec.Checksum && existingSource == rec.Source:
		return Unchanged, nil
	default:
		outcome = Updated
		var existing map[string]any
		if existingExtra != "" {
			if err := json.Unmarshal([]byte(existingExtra), &existing); err != nil {
				return Unchanged, fmt.Errorf("decoding stored extra data: %w", err)
			}
		}
		extra = identity.MergeExtraData(existing, rec.Source, rec.ExtraData)
	}

	extraJSON, err := json.Marshal(extra)
	if err != nil {
		return Unchanged, fmt.Errorf("serializing extra data: %w", err)
	}

	now := time.Now().UTC().Format(time.RFC3339)
	externalCreated := ""
	if !rec.ExternalCreatedAt.IsZero() {
		externalCreated = rec.ExternalCreatedAt.UTC().Format(time.RFC3339)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO unified_records
			(canonical_id, source, source_id, symbol, title, content, author,
			 category, url, external_created_at, extra_data, checksum,
			 first_seen_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(canonical_id) DO UPDATE SET
			source=excluded.source,
			source_id=excluded.source_id,
			symbol=excluded.symbol,
			title=excluded.title,
			content=excluded.content,
			author=excluded.author,
			category=excluded.category,
			url=excluded.url,
			external_created_at=excluded.external_created_at,
			extra_data=excluded.extra_data,
			checksum=excluded.checksum,
			updated_at=excluded.updated_at`,
		rec.CanonicalID, rec.Source, rec.SourceID, rec.Symbol, rec.Title,
		rec.Content, rec.Author, rec.Category, rec.URL, externalCreated,
		string(extraJSON), rec.Checksum, now, now)
	if err != nil {
		return Unchanged, fmt.Errorf("upserting unified record: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Unchanged, fmt.Errorf("committing upsert: %w", err)
	}
	return outcome, nil
}

// UnifiedRecord is a stored unified row.
type UnifiedRecord struct {
	types.UnifiedRecordInput `yaml:",inline"`

	FirstSeenAt time.Time `json:"first_seen_at" yaml:"first_seen_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

// GetUnified fetches one unified record by canonical ID. The second
// return is false when no record exists.
func (s *Store) GetUnified(ctx context.Context, canonicalID string) (UnifiedRecord, bool, error) {
	var rec UnifiedRecord
	var externalCreated, extraJSON, firstSeen, updated string

	err := s.db.QueryRowContext(ctx,
		`SELECT canonical_id, source, source_id, symbol, title, content,
			author, category, url, COALESCE(external_created_at, ''),
			COALESCE(extra_data, ''), checksum, first_seen_at, updated_at
		 FROM unified_records WHERE canonical_id = ?`, canonicalID).Scan(
		&rec.CanonicalID, &rec.Source, &rec.SourceID, &rec.Symbol, &rec.Title,
		&rec.Content, &rec.Author, &rec.Category, &rec.URL, &externalCreated,
		&extraJSON, &rec.Checksum, &firstSeen, &updated)
	if err == sql.ErrNoRows {
		return UnifiedRecord{}, false, nil
	}
	if err != nil {
		return UnifiedRecord{}, false, fmt.Errorf("reading unified record: %w", err)
	}

	if externalCreated != "" {
		rec.ExternalCreatedAt, _ = time.Parse(time.RFC3339, externalCreated)
	}
	if extraJSON != "" {
		if err := json.Unmarshal([]byte(extraJSON), &rec.ExtraData); err != nil {
			return UnifiedRecord{}, false, fmt.Errorf("decoding extra data: %w", err)
		}
	}
	rec.FirstSeenAt, _ = time.Parse(time.RFC3339, firstSeen)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339, updated)
	return rec, true, nil
}

// CountUnified returns the number of unified records.
func (s *Store) CountUnified(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM unified_records`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting unified records: %w", err)
	}
	return n, nil
}

// GetCheckpoint returns the stored cursor for source; ok is false when
// the source has never checkpointed.
func (s *Store) GetCheckpoint(ctx context.Context, source string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT last_value FROM checkpoints WHERE source = ?`, source).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("reading checkpoint: %w", err)
	}
	return value, true, nil
}

// SetCheckpoint records the cursor for source. Callers must only
// advance the checkpoint after the batch it covers is committed.
func (s *Store) SetCheckpoint(ctx context.Context, source, value string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (source, last_value, updated_at)
		 VALUES (?, ?, ?)
		 ON CONFLICT(source) DO UPDATE SET
			last_value=excluded.last_value,
			updated_at=excluded.updated_at`,
		source, value, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// CreateRun inserts a run record in the running state.
func (s *Store) CreateRun(ctx context.Context, run types.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, source, status, started_at)
		 VALUES (?, ?, ?, ?)`,
		run.RunID, run.Source, string(run.Status),
		run.StartedAt.UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("creating run record: %w", err)
	}
	return nil
}

// FinishRun transitions a run to its terminal state with final counters.
func (s *Store) FinishRun(ctx context.Context, run types.RunRecord) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE runs SET
			status = ?, finished_at = ?, duration_seconds = ?,
			records_fetched = ?, records_processed = ?,
			records_failed = ?, records_skipped = ?, error_message = ?
		 WHERE run_id = ?`,
		string(run.Status), run.FinishedAt.UTC().Format(time.RFC3339),
		run.DurationSeconds, run.RecordsFetched, run.RecordsProcessed,
		run.RecordsFailed, run.RecordsSkipped, run.ErrorMessage, run.RunID)
	if err != nil {
		return fmt.Errorf("finishing run record: %w", err)
	}
	return nil
}

// ListRuns returns the most recent runs, newest first. An empty source
// matches all sources.
func (s *Store) ListRuns(ctx context.Context, source string, limit int) ([]types.RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `SELECT run_id, source, status, started_at,
			COALESCE(finished_at, ''), duration_seconds, records_fetched,
			records_processed, records_failed, records_skipped,
			COALESCE(error_message, '')
		 FROM runs`
	args := []any{}
	if source != "" {
		query += ` WHERE source = ?`
		args = append(args, source)
	}
	query += ` ORDER BY rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing runs: %w", err)
	}
	defer rows.Close()

	var runs []types.RunRecord
	for rows.Next() {
		var run types.RunRecord
		var status, started, finished string
		if err := rows.Scan(&run.RunID, &run.Source, &status, &started,
			&finished, &run.DurationSeconds, &run.RecordsFetched,
			&run.RecordsProcessed, &run.RecordsFailed, &run.RecordsSkipped,
			&run.ErrorMessage); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		run.Status = types.RunStatus(status)
		run.StartedAt, _ = time.Parse(time.RFC3339, started)
		if finished != "" {
			run.FinishedAt, _ = time.Parse(time.RFC3339, finished)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// StaleRuns returns runs still marked running that started before
// cutoff. These indicate a crashed or killed process; they are surfaced
// for operators rather than silently repaired.
func (s *Store) StaleRuns(ctx context.Context, cutoff time.Time) ([]types.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT run_id, source, status, started_at FROM runs
		 WHERE status = ? AND started_at < ?`,
		string(types.RunRunning), cutoff.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("listing stale runs: %w", err)
	}
	defer rows.Close()

	var runs []types.RunRecord
	for rows.Next() {
		var run types.RunRecord
		var status, started string
		if err := rows.Scan(&run.RunID, &run.Source, &status, &started); err != nil {
			return nil, fmt.Errorf("scanning stale run: %w", err)
		}
		run.Status = types.RunStatus(status)
		run.StartedAt, _ = time.Parse(time.RFC3339, started)
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecordDrift appends a drift report to the schema registry.
func (s *Store) RecordDrift(ctx context.Context, source string, report drift.Report) error {
	payload, err := json.Marshal(report)
	if err != nil {
		return fmt.Errorf("serializing drift report: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO schema_registry (source, detected_at, confidence, report)
		 VALUES (?, ?, ?, ?)`,
		source, time.Now().UTC().Format(time.RFC3339),
		report.ConfidenceScore, string(payload))
	if err != nil {
		return fmt.Errorf("recording drift report: %w", err)
	}
	return nil
}

// ListDrift returns the most recent drift reports for source, newest
// first.
func (s *Store) ListDrift(ctx context.Context, source string, limit int) ([]drift.Report, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT report FROM schema_registry WHERE source = ?
		 ORDER BY rowid DESC LIMIT ?`, source, limit)
	if err != nil {
		return nil, fmt.Errorf("listing drift reports: %w", err)
	}
	defer rows.Close()

	var reports []drift.Report
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scanning drift report: %w", err)
		}
		var report drift.Report
		if err := json.Unmarshal([]byte(payload), &report); err != nil {
			return nil, fmt.Errorf("decoding drift report: %w", err)
		}
		reports = append(reports, report)
	}
	return reports, rows.Err()
}
