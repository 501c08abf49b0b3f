// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package source

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/pdiddy/ingest-engine/internal/httputil"
	"github.com/pdiddy/ingest-engine/internal/identity"
	"github.com/pdiddy/ingest-engine/pkg/types"
)

// coinPaprikaBaseURL is substitutable in tests.
var coinPaprikaBaseURL = "https://api.coinpaprika.com/v1"

// CoinPaprika pulls market tickers from the CoinPaprika API. The API
// returns the full ticker list in one response, so pagination is an
// offset into that list carried through the checkpoint.
type CoinPaprika struct {
	client   *http.Client
	cfg      types.SourceConfig
	httpCfg  types.HTTPConfig
	apiKey   string
	resolver *identity.Resolver
	retry    httputil.Policy
	log      *logrus.Entry
}

// NewCoinPaprika returns a configured CoinPaprika connector.
func NewCoinPaprika(deps Dependencies, cfg types.SourceConfig, httpCfg types.HTTPConfig, apiKey string) *CoinPaprika {
	return &CoinPaprika{
		client:   deps.Client,
		cfg:      cfg,
		httpCfg:  httpCfg,
		apiKey:   apiKey,
		resolver: deps.Resolver,
		retry:    httputil.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		log:      deps.Log.WithField("source", NameCoinPaprika),
	}
}

func (s *CoinPaprika) Name() string { return NameCoinPaprika }

func (s *CoinPaprika) Config() types.SourceConfig { return s.cfg }

func (s *CoinPaprika) ExpectedSchema() map[string]string {
	return map[string]string{
		"id":           "str",
		"name":         "str",
		"symbol":       "str",
		"rank":         "int",
		"quotes":       "map",
		"last_updated": "str",
	}
}

func (s *CoinPaprika) RawKey(record map[string]any) string {
	id, _ := record["id"].(string)
	return id
}

func (s *CoinPaprika) header() http.Header {
	h := http.Header{}
	if s.httpCfg.UserAgent != "" {
		h.Set("User-Agent", s.httpCfg.UserAgent)
	}
	if s.apiKey != "" {
		h.Set("Authorization", s.apiKey)
	}
	return h
}

// Fetch downloads the ticker list and slices out the batch starting at
// the checkpoint offset. An unparsable checkpoint restarts from zero.
func (s *CoinPaprika) Fetch(ctx context.Context, checkpoint string, batchSize int) (*FetchResult, error) {
	offset := 0
	if checkpoint != "" {
		n, err := strconv.Atoi(checkpoint)
		if err != nil || n < 0 {
			s.log.WithField("checkpoint", checkpoint).Warn("invalid checkpoint, restarting from zero")
		} else {
			offset = n
		}
	}

	url := coinPaprikaBaseURL + "/tickers"
	var tickers []map[string]any
	err := httputil.Retry(ctx, s.retry, func() error {
		tickers = nil
		return httputil.GetJSON(ctx, s.client, url, s.header(), &tickers)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching tickers: %w", err)
	}

	if offset > len(tickers) {
		offset = len(tickers)
	}
	end := offset + batchSize
	if end > len(tickers) {
		end = len(tickers)
	}
	records := tickers[offset:end]

	result := &FetchResult{
		Records:      records,
		TotalFetched: len(records),
		HasMore:      end < len(tickers),
		Metadata:     map[string]any{"total_available": len(tickers), "offset": offset},
	}
	if len(records) > 0 {
		result.CheckpointValue = strconv.Itoa(end)
	}
	return result, nil
}

// paprikaTicker is the validated shape of one ticker; its serialization
// is what the record checksum covers.
type paprikaTicker struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	Symbol            string  `json:"symbol"`
	Rank              int     `json:"rank"`
	PriceUSD          float64 `json:"price_usd"`
	Volume24hUSD      float64 `json:"volume_24h_usd"`
	MarketCapUSD      float64 `json:"market_cap_usd"`
	PercentChange24h  float64 `json:"percent_change_24h"`
	CirculatingSupply float64 `json:"circulating_supply"`
	LastUpdated       string  `json:"last_updated"`
}

func (s *CoinPaprika) validate(record map[string]any) (*paprikaTicker, error) {
	t := &paprikaTicker{}

	var err error
	if t.ID, err = requireString(record, "id"); err != nil {
		return nil, err
	}
	if t.Name, err = requireString(record, "name"); err != nil {
		return nil, err
	}
	if t.Symbol, err = requireString(record, "symbol"); err != nil {
		return nil, err
	}

	rank, _ := floatValue(record["rank"])
	if rank < 0 {
		return nil, &ValidationError{Field: "rank", Reason: "must be non-negative"}
	}
	t.Rank = int(rank)

	if quotes, ok := record["quotes"].(map[string]any); ok {
		if usd, ok := quotes["USD"].(map[string]any); ok {
			t.PriceUSD, _ = floatValue(usd["price"])
			t.Volume24hUSD, _ = floatValue(usd["volume_24h"])
			t.MarketCapUSD, _ = floatValue(usd["market_cap"])
			t.PercentChange24h, _ = floatValue(usd["percent_change_24h"])
		}
	}
	t.CirculatingSupply, _ = floatValue(record["circulating_supply"])
	t.LastUpdated, _ = record["last_updated"].(string)

	return t, nil
}

func (s *CoinPaprika) transform(t *paprikaTicker) types.UnifiedRecordInput {
	symbol := s.resolver.NormalizeSymbol(t.Symbol)
	updated, _ := time.Parse(time.RFC3339, t.LastUpdated)

	return types.UnifiedRecordInput{
		Source:            NameCoinPaprika,
		SourceID:          t.ID,
		CanonicalID:       s.resolver.CanonicalID(NameCoinPaprika, t.ID, t.Symbol, t.Name),
		Symbol:            symbol,
		Title:             t.Name,
		ExternalCreatedAt: updated,
		ExtraData: map[string]any{
			"rank":               t.Rank,
			"price_usd":          t.PriceUSD,
			"volume_24h_usd":     t.Volume24hUSD,
			"market_cap_usd":     t.MarketCapUSD,
			"percent_change_24h": t.PercentChange24h,
			"circulating_supply": t.CirculatingSupply,
		},
		Checksum: Checksum(t),
	}
}

func (s *CoinPaprika) ProcessBatch(records []map[string]any) ([]types.UnifiedRecordInput, []FailedRecord) {
	return processBatch(s.log, records, func(record map[string]any) (types.UnifiedRecordInput, error) {
		t, err := s.validate(record)
		if err != nil {
			return types.UnifiedRecordInput{}, err
		}
		return s.transform(t), nil
	})
}

// requireString extracts a non-empty string field.
func requireString(record map[string]any, field string) (string, error) {
	v, ok := record[field]
	if !ok || v == nil {
		return "", &ValidationError{Field: field, Reason: "missing"}
	}
	str, ok := v.(string)
	if !ok {
		return "", &ValidationError{Field: field, Reason: fmt.Sprintf("expected string, got %T", v)}
	}
	if str == "" {
		return "", &ValidationError{Field: field, Reason: "empty"}
	}
	return str, nil
}

// floatValue coerces JSON numbers regardless of decoder representation.
func floatValue(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
