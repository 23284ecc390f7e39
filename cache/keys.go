package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
)

// Bookkeeping key prefixes. Keys under these prefixes are operational state,
// not cached records, and are excluded from archival sweeps.
const (
	MarkerPrefix = "_marker."
	StatsPrefix  = "_stats."
	ConfigPrefix = "_config."
)

// Key derives the deterministic cache key for a query: a sha256 over the
// kind, the lowercased identifying fields, and the page number. The same
// logical query always lands on the same key across all tiers.
func Key(kind Kind, page int, fields ...string) string {
	h := sha256.New()
	h.Write([]byte(string(kind)))
	for _, f := range fields {
		h.Write([]byte{0})
		h.Write([]byte(strings.ToLower(strings.TrimSpace(f))))
	}
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(page)))
	return hex.EncodeToString(h.Sum(nil))
}

// StatsKey returns the bookkeeping key holding access stats for a cache key.
func StatsKey(key string) string {
	return StatsPrefix + key
}

// MarkerKey returns the bookkeeping key holding the processed marker for a
// warming entity.
func MarkerKey(entityKey string) string {
	return MarkerPrefix + entityKey
}

// IsBookkeeping reports whether a key belongs to a bookkeeping prefix.
func IsBookkeeping(key string) bool {
	return strings.HasPrefix(key, MarkerPrefix) ||
		strings.HasPrefix(key, StatsPrefix) ||
		strings.HasPrefix(key, ConfigPrefix)
}
