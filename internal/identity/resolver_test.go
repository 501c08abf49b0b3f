// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

package identity

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
)

func testResolver() *Resolver {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return NewResolver(log)
}

func TestNormalizeSymbol(t *testing.T) {
	r := testResolver()

	tests := []struct {
		name   string
		symbol string
		want   string
	}{
		{"already normalized", "btc", "btc"},
		{"uppercase", "BTC", "btc"},
		{"surrounding whitespace", "  eth  ", "eth"},
		{"wrapped prefix with dash", "wrapped-bitcoin", "wbtc"},
		{"wrapped prefix bare", "wrappedeth", "eth"},
		{"token suffix", "uni-token", "uni"},
		{"alias tether", "tether", "usdt"},
		{"alias usd-coin", "usd-coin", "usdc"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.NormalizeSymbol(tt.symbol); got != tt.want {
				t.Errorf("NormalizeSymbol(%q) = %q, want %q", tt.symbol, got, tt.want)
			}
		})
	}
}

func TestCanonicalID_SymbolPriority(t *testing.T) {
	r := testResolver()

	// Same asset described by two different sources must unify.
	a := r.CanonicalID("coinpaprika", "btc-bitcoin", "BTC", "Bitcoin")
	b := r.CanonicalID("coingecko", "bitcoin", "btc", "Bitcoin")
	if a != "btc" || b != "btc" {
		t.Errorf("CanonicalID mismatch: coinpaprika=%q coingecko=%q, want both %q", a, b, "btc")
	}
}

func TestCanonicalID_NameFallback(t *testing.T) {
	r := testResolver()

	tests := []struct {
		name     string
		source   string
		sourceID string
		symbol   string
		recName  string
		want     string
	}{
		{"known name", "coingecko", "x1", "", "Ethereum", "eth"},
		{"known multi-word name", "coingecko", "x2", "", "USD Coin", "usdc"},
		{"unknown name first word", "coingecko", "x3", "", "Shiba Inu", "shiba"},
		{"long first word truncated", "coingecko", "x4", "", "supercalifragilistic coin", "supercalif"},
		{"no symbol no name", "coingecko", "x5", "", "", "coingecko_x5"},
		{"whitespace-only name", "coingecko", "x6", "", "   ", "coingecko_x6"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.CanonicalID(tt.source, tt.sourceID, tt.symbol, tt.recName)
			if got != tt.want {
				t.Errorf("CanonicalID() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCanonicalID_Deterministic(t *testing.T) {
	r := testResolver()
	first := r.CanonicalID("coinpaprika", "eth-ethereum", "ETH", "Ethereum")
	second := r.CanonicalID("coinpaprika", "eth-ethereum", "ETH", "Ethereum")
	if first != second {
		t.Errorf("CanonicalID not deterministic: %q vs %q", first, second)
	}
}

func TestMergeExtraData(t *testing.T) {
	existing := map[string]any{
		"price_usd":    100.0,
		"_coinpaprika": map[string]any{"price_usd": 100.0, "rank": 2},
	}
	newData := map[string]any{
		"price_usd": 101.5,
		"ath":       200.0,
		"_internal": "ignored at top level",
	}

	merged := MergeExtraData(existing, "coingecko", newData)

	// Latest merge wins at the top level.
	if merged["price_usd"] != 101.5 {
		t.Errorf("price_usd = %v, want 101.5", merged["price_usd"])
	}
	if merged["ath"] != 200.0 {
		t.Errorf("ath = %v, want 200.0", merged["ath"])
	}

	// Underscore-prefixed keys from new data stay out of the top level...
	if _, ok := merged["_internal"]; ok {
		t.Error("_internal should not be copied to top level")
	}

	// ...but the full new payload is preserved under the source namespace.
	ns, ok := merged["_coingecko"].(map[string]any)
	if !ok {
		t.Fatalf("_coingecko namespace missing: %v", merged)
	}
	if ns["price_usd"] != 101.5 {
		t.Errorf("namespaced price_usd = %v, want 101.5", ns["price_usd"])
	}

	// Prior source history remains retrievable.
	if _, ok := merged["_coinpaprika"]; !ok {
		t.Error("_coinpaprika namespace lost during merge")
	}
}

func TestMergeExtraData_NilExisting(t *testing.T) {
	merged := MergeExtraData(nil, "csv", map[string]any{"price": 9.99})
	if merged["price"] != 9.99 {
		t.Errorf("price = %v, want 9.99", merged["price"])
	}
	if _, ok := merged["_csv"]; !ok {
		t.Error("_csv namespace missing")
	}
}
