package warming

import (
	"context"
	"encoding/json"
	"time"

	"github.com/c360/bookstream/cache"
	"github.com/c360/bookstream/errors"
	"github.com/c360/bookstream/natsclient"
)

// DefaultDedupWindow is how long a processed marker suppresses re-warming.
const DefaultDedupWindow = 90 * 24 * time.Hour

// ProcessedMarker records that an entity was warmed, and when. Markers live
// in the warm KV bucket under the bookkeeping marker prefix, so archival
// sweeps never touch them.
type ProcessedMarker struct {
	EntityKey    string    `json:"entityKey"`
	LastWarmedAt time.Time `json:"lastWarmedAt"`
	TTLDays      int       `json:"ttlDays"`
}

// Fresh reports whether the marker still suppresses warming at the given
// instant, under the given window.
func (m *ProcessedMarker) Fresh(now time.Time, window time.Duration) bool {
	if m == nil {
		return false
	}
	return now.Sub(m.LastWarmedAt) < window
}

// MarkerStore reads and writes processed markers in the warm KV bucket.
type MarkerStore struct {
	kv     cache.KeyValueStore
	window time.Duration
}

// markerKey maps an entity key onto the bookkeeping key space. Entity names
// carry apostrophes, accents, and other characters NATS KV keys reject, so
// the stored key is the same hex digest scheme the cache tiers use.
func markerKey(entityKey string) string {
	return cache.MarkerKey(cache.Key(cache.KindAuthor, 0, entityKey))
}

// NewMarkerStore creates a marker store. A non-positive window uses the
// default 90 days.
func NewMarkerStore(kv cache.KeyValueStore, window time.Duration) (*MarkerStore, error) {
	if kv == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "MarkerStore", "NewMarkerStore",
			"kv store is required")
	}
	if window <= 0 {
		window = DefaultDedupWindow
	}
	return &MarkerStore{kv: kv, window: window}, nil
}

// Window returns the dedup window.
func (s *MarkerStore) Window() time.Duration {
	return s.window
}

// Load returns the marker for an entity, or nil when none exists.
func (s *MarkerStore) Load(ctx context.Context, entityKey string) (*ProcessedMarker, error) {
	kvEntry, err := s.kv.Get(ctx, markerKey(entityKey))
	if err != nil {
		if natsclient.IsKVNotFoundError(err) {
			return nil, nil
		}
		return nil, errors.WrapTransient(err, "MarkerStore", "Load", "read marker")
	}

	var marker ProcessedMarker
	if err := json.Unmarshal(kvEntry.Value, &marker); err != nil {
		// A corrupt marker reads as absent; the entity just warms again
		return nil, nil
	}
	return &marker, nil
}

// IsProcessed reports whether the entity was warmed within the dedup window.
func (s *MarkerStore) IsProcessed(ctx context.Context, entityKey string) (bool, error) {
	marker, err := s.Load(ctx, entityKey)
	if err != nil {
		return false, err
	}
	return marker.Fresh(time.Now(), s.window), nil
}

// Mark records that the entity was warmed now.
func (s *MarkerStore) Mark(ctx context.Context, entityKey string) error {
	marker := ProcessedMarker{
		EntityKey:    entityKey,
		LastWarmedAt: time.Now().UTC(),
		TTLDays:      int(s.window / (24 * time.Hour)),
	}
	data, err := json.Marshal(marker)
	if err != nil {
		return errors.WrapInvalid(err, "MarkerStore", "Mark", "marshal marker")
	}
	if _, err := s.kv.Put(ctx, markerKey(entityKey), data); err != nil {
		return errors.WrapTransient(err, "MarkerStore", "Mark", "write marker")
	}
	return nil
}
