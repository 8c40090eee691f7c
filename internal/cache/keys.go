package cache

import (
	"fmt"
	"hash/fnv"
	"sort"
	"strings"
	"time"

	"github.com/stratlab/optionflow/internal/models"
)

// Canonical key scheme:
//
//	cache:fo:v1:{kind}:{symbol}:{timeframe}:{indicator}:{expiry-hash}[:{time-hash}]
//
// Expiry sets and time windows are hashed so the keys stay bounded and
// pattern invalidation can target {kind}:{symbol}:{timeframe} exactly.
const keyPrefix = "cache:fo:v1"

func hashStrings(parts ...string) string {
	h := fnv.New32a()
	for _, p := range parts {
		h.Write([]byte(p))
		h.Write([]byte{0})
	}
	return fmt.Sprintf("%08x", h.Sum32())
}

func expiryHash(expiries []string) string {
	sorted := append([]string(nil), expiries...)
	sort.Strings(sorted)
	return hashStrings(sorted...)
}

// LatestKey keys a latest-snapshot read.
func LatestKey(symbol string, tf models.Timeframe, indicator string, expiries []string) string {
	return strings.Join([]string{keyPrefix, "latest", symbol, string(tf), indicator, expiryHash(expiries)}, ":")
}

// SeriesKey keys a moneyness-series read. from/to must already be rounded
// by the caller so adjacent requests share keys.
func SeriesKey(symbol string, tf models.Timeframe, indicator string, side models.OptionSide, expiries []string, from, to time.Time) string {
	th := hashStrings(from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339), string(side))
	return strings.Join([]string{keyPrefix, "series", symbol, string(tf), indicator, expiryHash(expiries), th}, ":")
}

// HistoryKey keys a per-strike history read.
func HistoryKey(symbol string, strike float64, expiry string, tf models.Timeframe, from, to time.Time) string {
	th := hashStrings(fmt.Sprintf("%g", strike), expiry,
		from.UTC().Format(time.RFC3339), to.UTC().Format(time.RFC3339))
	return strings.Join([]string{keyPrefix, "history", symbol, string(tf), "bars", th}, ":")
}

// StaticKey keys slow-changing lookups (expiry lists, instruments).
func StaticKey(kind, symbol string) string {
	return strings.Join([]string{keyPrefix, "static", kind, symbol}, ":")
}

// InvalidationPatterns returns the patterns issued after a successful flush
// for (symbol, timeframe). Series and latest entries for the tuple are
// cleared; history entries age out by TTL.
func InvalidationPatterns(symbol string, tf models.Timeframe) []string {
	return []string{
		strings.Join([]string{keyPrefix, "latest", symbol, string(tf), "*"}, ":"),
		strings.Join([]string{keyPrefix, "series", symbol, string(tf), "*"}, ":"),
	}
}

// RoundWindow rounds a series window to 5-minute boundaries for cache-key
// stability.
func RoundWindow(from, to time.Time) (time.Time, time.Time) {
	const step = 5 * time.Minute
	return from.UTC().Truncate(step), to.UTC().Truncate(step).Add(step)
}
