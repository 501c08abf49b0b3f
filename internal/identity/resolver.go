// Copyright Mesh Intelligence Inc., 2026. All rights reserved.

// Package identity resolves cross-source entity identity. Records
// describing the same real-world asset must map to the same canonical
// id regardless of which connector produced them.
package identity

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// symbolAliases maps normalized symbols that sources spell differently
// onto one canonical form.
var symbolAliases = map[string]string{
	"usdt":            "usdt",
	"tether":          "usdt",
	"usdc":            "usdc",
	"usd-coin":        "usdc",
	"wbtc":            "wbtc",
	"wrapped-bitcoin": "wbtc",
	"weth":            "weth",
	"wrapped-ether":   "weth",
}

// nameToSymbol maps well-known asset names to their symbols, used when a
// record carries no symbol at all.
var nameToSymbol = map[string]string{
	"bitcoin":      "btc",
	"ethereum":     "eth",
	"tether":       "usdt",
	"usd coin":     "usdc",
	"binance coin": "bnb",
	"ripple":       "xrp",
	"cardano":      "ada",
	"solana":       "sol",
	"dogecoin":     "doge",
	"polkadot":     "dot",
	"polygon":      "matic",
	"litecoin":     "ltc",
	"chainlink":    "link",
	"avalanche":    "avax",
	"uniswap":      "uni",
}

var (
	wrappedPrefix = regexp.MustCompile(`^wrapped[-_\s]?`)
	tokenSuffix   = regexp.MustCompile(`[-_\s]?token$`)
)

// Resolver computes canonical ids. It is deterministic and carries no
// state beyond its logger.
type Resolver struct {
	log *logrus.Entry
}

// NewResolver returns a Resolver that logs resolution diagnostics to log.
func NewResolver(log *logrus.Logger) *Resolver {
	return &Resolver{log: log.WithField("component", "identity")}
}

// NormalizeSymbol lowers, trims, and strips wrapped/token decorations
// from a symbol, then maps it through the alias table.
func (r *Resolver) NormalizeSymbol(symbol string) string {
	if symbol == "" {
		return ""
	}

	normalized := strings.ToLower(strings.TrimSpace(symbol))
	if alias, ok := symbolAliases[normalized]; ok {
		return alias
	}

	normalized = wrappedPrefix.ReplaceAllString(normalized, "")
	normalized = tokenSuffix.ReplaceAllString(normalized, "")

	if alias, ok := symbolAliases[normalized]; ok {
		return alias
	}
	return normalized
}

// CanonicalID computes the cross-source identity key for a record.
// Priority: normalized symbol; then the name mapped through the known
// table or reduced to its first word (max 10 chars); finally a
// source-prefixed fallback that never collides across sources.
func (r *Resolver) CanonicalID(source, sourceID, symbol, name string) string {
	if normalized := r.NormalizeSymbol(symbol); normalized != "" {
		r.log.WithFields(logrus.Fields{
			"source":       source,
			"source_id":    sourceID,
			"symbol":       symbol,
			"canonical_id": normalized,
		}).Debug("canonical id resolved")
		return normalized
	}

	if name != "" {
		nameLower := strings.ToLower(strings.TrimSpace(name))
		if sym, ok := nameToSymbol[nameLower]; ok {
			return sym
		}
		if fields := strings.Fields(nameLower); len(fields) > 0 {
			first := fields[0]
			if len(first) > 10 {
				first = first[:10]
			}
			return first
		}
	}

	r.log.WithFields(logrus.Fields{
		"source":    source,
		"source_id": sourceID,
	}).Warn("canonical id fallback: no symbol or name")
	return fmt.Sprintf("%s_%s", source, sourceID)
}

// MergeExtraData merges a source's extra data into an existing unified
// record's extra data. The new data is stored verbatim under a
// source-namespaced key ("_<source>"), so every source's contribution
// stays retrievable; non-namespaced keys are also copied to the top
// level where the latest merge wins.
func MergeExtraData(existing map[string]any, newSource string, newData map[string]any) map[string]any {
	merged := make(map[string]any, len(existing)+len(newData)+1)
	for k, v := range existing {
		merged[k] = v
	}

	merged["_"+newSource] = newData

	for k, v := range newData {
		if !strings.HasPrefix(k, "_") {
			merged[k] = v
		}
	}
	return merged
}
