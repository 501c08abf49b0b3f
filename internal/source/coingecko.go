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

// coinGeckoBaseURL is substitutable in tests.
var coinGeckoBaseURL = "https://api.coingecko.com/api/v3"

// CoinGecko pulls coin market data from the CoinGecko API. The API is
// page-numbered, so the checkpoint is the next page to request. A full
// page implies more data; a short page means the listing is exhausted.
type CoinGecko struct {
	client   *http.Client
	cfg      types.SourceConfig
	httpCfg  types.HTTPConfig
	resolver *identity.Resolver
	retry    httputil.Policy
	log      *logrus.Entry
}

// NewCoinGecko returns a configured CoinGecko connector.
func NewCoinGecko(deps Dependencies, cfg types.SourceConfig, httpCfg types.HTTPConfig) *CoinGecko {
	return &CoinGecko{
		client:   deps.Client,
		cfg:      cfg,
		httpCfg:  httpCfg,
		resolver: deps.Resolver,
		retry:    httputil.Policy{MaxAttempts: 3, BaseDelay: time.Second, MaxDelay: 10 * time.Second},
		log:      deps.Log.WithField("source", NameCoinGecko),
	}
}

func (s *CoinGecko) Name() string { return NameCoinGecko }

func (s *CoinGecko) Config() types.SourceConfig { return s.cfg }

func (s *CoinGecko) ExpectedSchema() map[string]string {
	return map[string]string{
		"id":              "str",
		"symbol":          "str",
		"name":            "str",
		"current_price":   "float",
		"market_cap":      "int",
		"market_cap_rank": "int",
		"total_volume":    "float",
		"last_updated":    "str",
	}
}

func (s *CoinGecko) RawKey(record map[string]any) string {
	id, _ := record["id"].(string)
	return id
}

func (s *CoinGecko) header() http.Header {
	h := http.Header{}
	if s.httpCfg.UserAgent != "" {
		h.Set("User-Agent", s.httpCfg.UserAgent)
	}
	return h
}

// Fetch requests one page of markets. An unparsable checkpoint restarts
// from page one.
func (s *CoinGecko) Fetch(ctx context.Context, checkpoint string, batchSize int) (*FetchResult, error) {
	page := 1
	if checkpoint != "" {
		n, err := strconv.Atoi(checkpoint)
		if err != nil || n < 1 {
			s.log.WithField("checkpoint", checkpoint).Warn("invalid checkpoint, restarting from page one")
		} else {
			page = n
		}
	}

	url := fmt.Sprintf("%s/coins/markets?vs_currency=usd&order=market_cap_desc&per_page=%d&page=%d&sparkline=false",
		coinGeckoBaseURL, batchSize, page)

	var coins []map[string]any
	err := httputil.Retry(ctx, s.retry, func() error {
		coins = nil
		return httputil.GetJSON(ctx, s.client, url, s.header(), &coins)
	})
	if err != nil {
		return nil, fmt.Errorf("fetching markets page %d: %w", page, err)
	}

	result := &FetchResult{
		Records:      coins,
		TotalFetched: len(coins),
		HasMore:      len(coins) == batchSize,
		Metadata:     map[string]any{"page": page},
	}
	if len(coins) > 0 {
		result.CheckpointValue = strconv.Itoa(page + 1)
	}
	return result, nil
}

// geckoCoin is the validated shape of one market entry; its
// serialization is what the record checksum covers.
type geckoCoin struct {
	ID                string  `json:"id"`
	Symbol            string  `json:"symbol"`
	Name              string  `json:"name"`
	CurrentPrice      float64 `json:"current_price"`
	MarketCap         float64 `json:"market_cap"`
	MarketCapRank     int     `json:"market_cap_rank"`
	TotalVolume       float64 `json:"total_volume"`
	PriceChange24h    float64 `json:"price_change_percentage_24h"`
	CirculatingSupply float64 `json:"circulating_supply"`
	LastUpdated       string  `json:"last_updated"`
}

func (s *CoinGecko) validate(record map[string]any) (*geckoCoin, error) {
	c := &geckoCoin{}

	var err error
	if c.ID, err = requireString(record, "id"); err != nil {
		return nil, err
	}
	if c.Symbol, err = requireString(record, "symbol"); err != nil {
		return nil, err
	}
	if c.Name, err = requireString(record, "name"); err != nil {
		return nil, err
	}

	price, ok := floatValue(record["current_price"])
	if ok && price < 0 {
		return nil, &ValidationError{Field: "current_price", Reason: "must be non-negative"}
	}
	c.CurrentPrice = price

	c.MarketCap, _ = floatValue(record["market_cap"])
	rank, _ := floatValue(record["market_cap_rank"])
	c.MarketCapRank = int(rank)
	c.TotalVolume, _ = floatValue(record["total_volume"])
	c.PriceChange24h, _ = floatValue(record["price_change_percentage_24h"])
	c.CirculatingSupply, _ = floatValue(record["circulating_supply"])
	c.LastUpdated, _ = record["last_updated"].(string)

	return c, nil
}

func (s *CoinGecko) transform(c *geckoCoin) types.UnifiedRecordInput {
	symbol := s.resolver.NormalizeSymbol(c.Symbol)
	updated, _ := time.Parse(time.RFC3339, c.LastUpdated)

	return types.UnifiedRecordInput{
		Source:            NameCoinGecko,
		SourceID:          c.ID,
		CanonicalID:       s.resolver.CanonicalID(NameCoinGecko, c.ID, c.Symbol, c.Name),
		Symbol:            symbol,
		Title:             c.Name,
		ExternalCreatedAt: updated,
		ExtraData: map[string]any{
			"market_cap_rank":    c.MarketCapRank,
			"price_usd":          c.CurrentPrice,
			"volume_24h_usd":     c.TotalVolume,
			"market_cap_usd":     c.MarketCap,
			"percent_change_24h": c.PriceChange24h,
			"circulating_supply": c.CirculatingSupply,
		},
		Checksum: Checksum(c),
	}
}

func (s *CoinGecko) ProcessBatch(records []map[string]any) ([]types.UnifiedRecordInput, []FailedRecord) {
	return processBatch(s.log, records, func(record map[string]any) (types.UnifiedRecordInput, error) {
		c, err := s.validate(record)
		if err != nil {
			return types.UnifiedRecordInput{}, err
		}
		return s.transform(c), nil
	})
}
