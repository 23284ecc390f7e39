// Package cache implements the tiered cache manager: a hot in-process tier,
// a warm NATS KV tier, and a cold object store archive. Reads walk the tiers
// in order and promote upward; writes go through hot and warm synchronously
// and reach cold only through the archival sweep.
package cache

import (
	"encoding/json"
	"time"
)

// Kind categorizes a cached record and determines its warm-tier TTL.
type Kind string

// Cached record kinds
const (
	KindTitle  Kind = "title"
	KindAuthor Kind = "author"
	KindWork   Kind = "work"
)

// Valid reports whether k is a recognized record kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTitle, KindAuthor, KindWork:
		return true
	}
	return false
}

// Entry is the envelope stored in every tier. Value holds the normalized
// record as JSON; the envelope carries the expiry so the warm and cold tiers
// can enforce TTLs without native per-entry expiration.
type Entry struct {
	Key        string            `json:"key"`
	Value      json.RawMessage   `json:"value"`
	Kind       Kind              `json:"kind"`
	CachedAt   time.Time         `json:"cachedAt"`
	TTLSeconds int64             `json:"ttlSeconds"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// TTL returns the entry's time-to-live as a duration.
func (e *Entry) TTL() time.Duration {
	return time.Duration(e.TTLSeconds) * time.Second
}

// ExpiresAt returns the instant after which the entry is stale.
func (e *Entry) ExpiresAt() time.Time {
	return e.CachedAt.Add(e.TTL())
}

// Expired reports whether the entry is stale at the given instant. Entries
// without a TTL never expire.
func (e *Entry) Expired(now time.Time) bool {
	if e.TTLSeconds <= 0 {
		return false
	}
	return now.After(e.ExpiresAt())
}

// Age returns how long ago the entry was cached.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.CachedAt)
}

// AccessStats tracks warm-tier read counts for archival decisions. Counts
// are best-effort: they are bumped with bounded CAS retries and may undercount
// under heavy contention, which only delays archival.
type AccessStats struct {
	Key         string    `json:"key"`
	AccessCount int64     `json:"accessCount"`
	WindowStart time.Time `json:"windowStart"`
}

// TTLPolicy maps record kinds to warm-tier TTLs and bounds the hot tier.
// Author and work aggregates change rarely, so they outlive title lookups.
type TTLPolicy struct {
	Hot    time.Duration `json:"hot"`
	Title  time.Duration `json:"title"`
	Author time.Duration `json:"author"`
	Work   time.Duration `json:"work"`
}

// DefaultTTLPolicy returns the standard tier TTLs.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Hot:    15 * time.Minute,
		Title:  24 * time.Hour,
		Author: 7 * 24 * time.Hour,
		Work:   7 * 24 * time.Hour,
	}
}

// ForKind returns the warm-tier TTL for a record kind.
func (p TTLPolicy) ForKind(kind Kind) time.Duration {
	switch kind {
	case KindAuthor:
		return p.Author
	case KindWork:
		return p.Work
	default:
		return p.Title
	}
}
