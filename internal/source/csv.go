// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package source

import (
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pdiddy/ingest-engine/pkg/types"
)

// CSVFile ingests a product catalog CSV incrementally. The checkpoint
// encodes "<rowsConsumed>|<contentFingerprint>"; if the file content
// changes between runs the fingerprint no longer matches and ingestion
// restarts from row zero, relying on idempotent storage to absorb the
// re-read.
type CSVFile struct {
	cfg  types.SourceConfig
	path string
	log  *logrus.Entry
}

// NewCSVFile returns a connector for the CSV at path.
func NewCSVFile(deps Dependencies, cfg types.SourceConfig, path string) *CSVFile {
	return &CSVFile{
		cfg:  cfg,
		path: path,
		log:  deps.Log.WithField("source", NameCSV),
	}
}

func (s *CSVFile) Name() string { return NameCSV }

func (s *CSVFile) Config() types.SourceConfig { return s.cfg }

func (s *CSVFile) ExpectedSchema() map[string]string {
	return map[string]string{
		"product_id":     "str",
		"name":           "str",
		"category":       "str",
		"price":          "str",
		"description":    "str",
		"stock_quantity": "str",
		"created_at":     "str",
	}
}

// RawKey identifies a raw row by file and position, so a row keeps its
// provenance even when its content changes between ingestions.
func (s *CSVFile) RawKey(record map[string]any) string {
	name, _ := record["_file_name"].(string)
	row, _ := record["_row_number"].(int)
	return fmt.Sprintf("%s|%d", name, row)
}

// parseCheckpoint splits a "rows|fingerprint" checkpoint. Anything
// malformed restarts from zero.
func parseCheckpoint(checkpoint string) (int, string) {
	if checkpoint == "" {
		return 0, ""
	}
	parts := strings.SplitN(checkpoint, "|", 2)
	if len(parts) != 2 {
		return 0, ""
	}
	rows, err := strconv.Atoi(parts[0])
	if err != nil || rows < 0 {
		return 0, ""
	}
	return rows, parts[1]
}

// Fetch reads the file, verifies the checkpoint fingerprint, and
// returns the next batchSize rows as field-maps keyed by header. Rows
// carry _row_number and _file_name for provenance; both are stripped
// before validation.
func (s *CSVFile) Fetch(ctx context.Context, checkpoint string, batchSize int) (*FetchResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	content, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}

	sum := sha256.Sum256(content)
	fingerprint := hex.EncodeToString(sum[:])

	start, prevFingerprint := parseCheckpoint(checkpoint)
	if prevFingerprint != "" && prevFingerprint != fingerprint {
		s.log.WithField("path", s.path).Info("file content changed, restarting from row zero")
		start = 0
	}

	reader := csv.NewReader(strings.NewReader(string(content)))
	reader.FieldsPerRecord = -1
	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	if len(rows) == 0 {
		return &FetchResult{Metadata: map[string]any{"path": s.path}}, nil
	}

	header := rows[0]
	data := rows[1:]

	if start > len(data) {
		start = len(data)
	}
	end := start + batchSize
	if end > len(data) {
		end = len(data)
	}

	fileName := filepath.Base(s.path)
	records := make([]map[string]any, 0, end-start)
	for i := start; i < end; i++ {
		record := make(map[string]any, len(header)+2)
		for j, col := range header {
			if j < len(data[i]) {
				record[col] = data[i][j]
			}
		}
		record["_row_number"] = i + 1
		record["_file_name"] = fileName
		records = append(records, record)
	}

	result := &FetchResult{
		Records:      records,
		TotalFetched: len(records),
		HasMore:      end < len(data),
		Metadata:     map[string]any{"path": s.path, "total_rows": len(data)},
	}
	if len(records) > 0 {
		result.CheckpointValue = fmt.Sprintf("%d|%s", end, fingerprint)
	}
	return result, nil
}

// csvProduct is the validated shape of one row; its serialization is
// what the record checksum covers.
type csvProduct struct {
	ProductID     string  `json:"product_id"`
	Name          string  `json:"name"`
	Category      string  `json:"category"`
	Price         float64 `json:"price"`
	Description   string  `json:"description"`
	StockQuantity int     `json:"stock_quantity"`
	CreatedAt     string  `json:"created_at"`
}

func (s *CSVFile) validate(record map[string]any) (*csvProduct, error) {
	p := &csvProduct{}

	var err error
	if p.ProductID, err = requireString(record, "product_id"); err != nil {
		return nil, err
	}
	if p.Name, err = requireString(record, "name"); err != nil {
		return nil, err
	}
	if p.Category, err = requireString(record, "category"); err != nil {
		return nil, err
	}

	if raw, _ := record["price"].(string); raw != "" {
		cleaned := strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(raw), "$"), ",", "")
		price, err := strconv.ParseFloat(cleaned, 64)
		if err != nil {
			return nil, &ValidationError{Field: "price", Reason: fmt.Sprintf("not a number: %q", raw)}
		}
		if price < 0 {
			return nil, &ValidationError{Field: "price", Reason: "must be non-negative"}
		}
		p.Price = price
	}

	if raw, _ := record["stock_quantity"].(string); raw != "" {
		qty, err := strconv.Atoi(strings.TrimSpace(raw))
		if err != nil {
			return nil, &ValidationError{Field: "stock_quantity", Reason: fmt.Sprintf("not an integer: %q", raw)}
		}
		p.StockQuantity = qty
	}

	p.Description, _ = record["description"].(string)
	p.CreatedAt, _ = record["created_at"].(string)

	return p, nil
}

func (s *CSVFile) transform(p *csvProduct) types.UnifiedRecordInput {
	created, _ := parseFlexibleTime(p.CreatedAt)

	return types.UnifiedRecordInput{
		Source:            NameCSV,
		SourceID:          p.ProductID,
		CanonicalID:       "product_" + p.ProductID,
		Title:             p.Name,
		Content:           p.Description,
		Category:          p.Category,
		ExternalCreatedAt: created,
		ExtraData: map[string]any{
			"price":          p.Price,
			"stock_quantity": p.StockQuantity,
		},
		Checksum: Checksum(p),
	}
}

func (s *CSVFile) ProcessBatch(records []map[string]any) ([]types.UnifiedRecordInput, []FailedRecord) {
	return processBatch(s.log, records, func(record map[string]any) (types.UnifiedRecordInput, error) {
		// Provenance markers are fetch-time bookkeeping, not row data.
		row := make(map[string]any, len(record))
		for k, v := range record {
			if strings.HasPrefix(k, "_") {
				continue
			}
			row[k] = v
		}
		p, err := s.validate(row)
		if err != nil {
			return types.UnifiedRecordInput{}, err
		}
		return s.transform(p), nil
	})
}

// parseFlexibleTime accepts the timestamp layouts seen in exports.
func parseFlexibleTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02",
	} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
