package types

import "time"

// HTTPConfig holds shared HTTP settings used by connectors that make
// network requests.
type HTTPConfig struct {
	// Timeout is the HTTP request timeout.
	Timeout time.Duration `json:"timeout" yaml:"timeout"`

	// UserAgent is the User-Agent header sent with HTTP requests
	// (e.g. "ingest-engine/0.1").
	UserAgent string `json:"user_agent" yaml:"user_agent"`
}

// SourceConfig describes one configured data source. A config value is
// fixed at construction; connectors never mutate it.
type SourceConfig struct {
	// Name is the source identifier (e.g. "coingecko").
	Name string `json:"name" yaml:"name"`

	// Enabled controls whether the orchestrator will run this source.
	Enabled bool `json:"enabled" yaml:"enabled"`

	// BatchSize is the number of records fetched per batch (default 100).
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// RateLimitPerMinute caps outbound requests for this source.
	RateLimitPerMinute int `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
}

// RateLimitConfig holds token-bucket settings shared by all sources.
type RateLimitConfig struct {
	// RequestsPerMinute is the default refill rate when a source does not
	// set its own limit (default 60).
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`

	// Burst is the bucket capacity (default 10).
	Burst int `json:"burst" yaml:"burst"`
}

// StoreConfig holds settings for the SQLite store.
type StoreConfig struct {
	// Path is the database file location (default "ingest.db").
	Path string `json:"path" yaml:"path"`
}

// IngestConfig groups all settings for the ingestion pipeline.
type IngestConfig struct {
	HTTPConfig `yaml:",inline"`

	// BatchSize is the default per-source batch size (default 100).
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// APIKey is an optional key sent to market-data APIs for higher limits.
	APIKey string `json:"api_key,omitempty" yaml:"api_key,omitempty"`

	// EnableCoinPaprika controls whether the CoinPaprika connector runs.
	EnableCoinPaprika bool `json:"enable_coinpaprika" yaml:"enable_coinpaprika"`

	// EnableCoinGecko controls whether the CoinGecko connector runs.
	EnableCoinGecko bool `json:"enable_coingecko" yaml:"enable_coingecko"`

	// CSVPath is the product CSV to ingest; empty disables the CSV source.
	CSVPath string `json:"csv_path,omitempty" yaml:"csv_path,omitempty"`

	// FeedURLs lists RSS/Atom feeds to ingest; empty disables the feed source.
	FeedURLs []string `json:"feed_urls,omitempty" yaml:"feed_urls,omitempty"`

	// SourceRateLimits overrides requests-per-minute for individual
	// sources, keyed by source name.
	SourceRateLimits map[string]int `json:"source_rate_limits,omitempty" yaml:"source_rate_limits,omitempty"`

	Store     StoreConfig     `json:"store" yaml:"store"`
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`
}
