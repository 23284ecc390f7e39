package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/c360/bookstream/errors"
	"github.com/c360/bookstream/natsclient"
	"github.com/c360/bookstream/pkg/hotcache"
)

// KeyValueStore is the warm tier contract, satisfied by natsclient.KVStore.
type KeyValueStore interface {
	Get(ctx context.Context, key string) (*natsclient.KVEntry, error)
	Put(ctx context.Context, key string, value []byte) (uint64, error)
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	UpdateJSON(ctx context.Context, key string, updateFn func(current map[string]any) error) error
}

// ObjectStore is the cold tier contract, satisfied by natsclient.ObjectStore.
type ObjectStore interface {
	Get(ctx context.Context, name string) ([]byte, error)
	Put(ctx context.Context, name string, data []byte) error
	Delete(ctx context.Context, name string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// Manager walks the cache tiers for reads and writes through hot and warm.
// Storage failures never surface to callers as errors: a broken tier reads
// as a miss and writes to it are dropped with a log line.
type Manager struct {
	hot    *hotcache.Cache[*Entry]
	warm   KeyValueStore
	cold   ObjectStore
	policy TTLPolicy
	logger *slog.Logger

	// Bound for background promotions and stat bumps detached from the
	// caller's context.
	asyncTimeout time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithTTLPolicy overrides the default tier TTLs.
func WithTTLPolicy(policy TTLPolicy) ManagerOption {
	return func(m *Manager) {
		m.policy = policy
	}
}

// WithLogger sets the manager's logger.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// NewManager creates a tiered cache manager over the three tiers. The cold
// store may be nil, which disables the archive read path.
func NewManager(hot *hotcache.Cache[*Entry], warm KeyValueStore, cold ObjectStore, opts ...ManagerOption) (*Manager, error) {
	if hot == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "NewManager",
			"hot tier is required")
	}
	if warm == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Manager", "NewManager",
			"warm tier is required")
	}

	m := &Manager{
		hot:          hot,
		warm:         warm,
		cold:         cold,
		policy:       DefaultTTLPolicy(),
		logger:       slog.Default(),
		asyncTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Policy returns the manager's TTL policy.
func (m *Manager) Policy() TTLPolicy {
	return m.policy
}

// Get reads a key through the tiers: hot, then warm, then cold. A warm hit
// promotes the entry to hot and bumps its access stats in the background. A
// cold hit revives the entry into both upper tiers. Returns ErrKeyNotFound
// on a full miss; tier failures degrade to misses.
func (m *Manager) Get(ctx context.Context, key string) (*Entry, error) {
	if entry, ok := m.hot.Get(key); ok {
		return entry, nil
	}

	if entry := m.getWarm(ctx, key); entry != nil {
		go m.promoteToHot(key, entry)
		go m.bumpAccessStats(key)
		return entry, nil
	}

	if entry := m.getCold(ctx, key); entry != nil {
		m.logger.Info("revived entry from archive", "key", key, "kind", entry.Kind)
		go m.promoteToHot(key, entry)
		go m.promoteToWarm(key, entry)
		return entry, nil
	}

	return nil, errors.ErrKeyNotFound
}

// Set stores a value in the hot and warm tiers synchronously. The cold tier
// is only ever written by the archival sweep. A non-positive ttl falls back
// to the policy TTL for the kind.
func (m *Manager) Set(ctx context.Context, key string, value json.RawMessage, kind Kind, ttl time.Duration) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "Manager", "Set", "key cannot be empty")
	}
	if !kind.Valid() {
		return errors.WrapInvalid(errors.ErrInvalidData, "Manager", "Set",
			"unknown kind "+string(kind))
	}
	if ttl <= 0 {
		ttl = m.policy.ForKind(kind)
	}

	entry := &Entry{
		Key:        key,
		Value:      value,
		Kind:       kind,
		CachedAt:   time.Now().UTC(),
		TTLSeconds: int64(ttl / time.Second),
	}

	hotTTL := min(m.policy.Hot, ttl)
	if err := m.hot.SetWithTTL(key, entry, hotTTL); err != nil {
		m.logger.Error("hot tier set failed", "key", key, "error", err)
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return errors.WrapInvalid(err, "Manager", "Set", "marshal entry")
	}
	if _, err := m.warm.Put(ctx, key, data); err != nil {
		// Absorbed: the hot tier still serves the value for its TTL
		m.logger.Error("warm tier set failed", "key", key, "error", err)
	}

	return nil
}

// getWarm reads the warm tier. Stale and unreadable entries read as misses.
func (m *Manager) getWarm(ctx context.Context, key string) *Entry {
	kvEntry, err := m.warm.Get(ctx, key)
	if err != nil {
		if !natsclient.IsKVNotFoundError(err) {
			m.logger.Warn("warm tier read failed", "key", key, "error", err)
		}
		return nil
	}

	var entry Entry
	if err := json.Unmarshal(kvEntry.Value, &entry); err != nil {
		m.logger.Warn("warm tier entry corrupt", "key", key, "error", err)
		return nil
	}

	if entry.Expired(time.Now()) {
		return nil
	}
	return &entry
}

// getCold reads the archive tier.
func (m *Manager) getCold(ctx context.Context, key string) *Entry {
	if m.cold == nil {
		return nil
	}

	data, err := m.cold.Get(ctx, key)
	if err != nil {
		if !natsclient.IsObjectNotFoundError(err) {
			m.logger.Warn("cold tier read failed", "key", key, "error", err)
		}
		return nil
	}

	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		m.logger.Warn("cold tier entry corrupt", "key", key, "error", err)
		return nil
	}

	if entry.Expired(time.Now()) {
		return nil
	}
	return &entry
}

func (m *Manager) promoteToHot(key string, entry *Entry) {
	hotTTL := min(m.policy.Hot, entry.TTL())
	if hotTTL <= 0 {
		hotTTL = m.policy.Hot
	}
	if err := m.hot.SetWithTTL(key, entry, hotTTL); err != nil {
		m.logger.Warn("hot promotion failed", "key", key, "error", err)
	}
}

func (m *Manager) promoteToWarm(key string, entry *Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), m.asyncTimeout)
	defer cancel()

	data, err := json.Marshal(entry)
	if err != nil {
		m.logger.Warn("warm promotion marshal failed", "key", key, "error", err)
		return
	}
	if _, err := m.warm.Put(ctx, key, data); err != nil {
		m.logger.Warn("warm promotion failed", "key", key, "error", err)
	}
}

// bumpAccessStats increments the access counter for a key. Best effort: CAS
// conflicts beyond the retry budget are logged and dropped.
func (m *Manager) bumpAccessStats(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), m.asyncTimeout)
	defer cancel()

	err := m.warm.UpdateJSON(ctx, StatsKey(key), func(current map[string]any) error {
		count, _ := current["accessCount"].(float64)
		current["key"] = key
		current["accessCount"] = count + 1
		if _, ok := current["windowStart"]; !ok {
			current["windowStart"] = time.Now().UTC().Format(time.RFC3339)
		}
		return nil
	})
	if err != nil {
		m.logger.Debug("access stat bump dropped", "key", key, "error", err)
	}
}
