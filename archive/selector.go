// Package archive demotes stale, rarely-read warm entries into the cold
// object store. A periodic sweep enumerates the warm tier, selects
// candidates by age and access count, and moves them to the archive with a
// write-before-evict ordering so an entry is never lost mid-demotion.
package archive

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/c360/bookstream/cache"
	"github.com/c360/bookstream/errors"
)

// Default selection thresholds.
const (
	DefaultMaxAge    = 30 * 24 * time.Hour
	DefaultMinAccess = 10
	DefaultInterval  = time.Hour
)

// Selector runs the archival sweep over the warm tier.
type Selector struct {
	warm cache.KeyValueStore
	cold cache.ObjectStore

	maxAge    time.Duration
	minAccess int64
	interval  time.Duration
	logger    *slog.Logger

	lifecycleMu sync.Mutex
	started     bool
	cancel      context.CancelFunc
	done        chan struct{}
}

// Option configures a Selector.
type Option func(*Selector)

// WithThresholds overrides the selection thresholds. Entries older than
// maxAge with fewer than minAccess reads since their window started are
// demoted.
func WithThresholds(maxAge time.Duration, minAccess int64) Option {
	return func(s *Selector) {
		if maxAge > 0 {
			s.maxAge = maxAge
		}
		if minAccess > 0 {
			s.minAccess = minAccess
		}
	}
}

// WithInterval sets the sweep period.
func WithInterval(d time.Duration) Option {
	return func(s *Selector) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithLogger sets the selector's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Selector) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// NewSelector creates an archival selector over the warm and cold tiers.
func NewSelector(warm cache.KeyValueStore, cold cache.ObjectStore, opts ...Option) (*Selector, error) {
	if warm == nil || cold == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Selector", "NewSelector",
			"warm and cold tiers are required")
	}

	s := &Selector{
		warm:      warm,
		cold:      cold,
		maxAge:    DefaultMaxAge,
		minAccess: DefaultMinAccess,
		interval:  DefaultInterval,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start launches the periodic sweep loop.
func (s *Selector) Start(ctx context.Context) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if s.started {
		return errors.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.started = true

	go s.run(runCtx)
	return nil
}

// Stop halts the sweep loop, waiting up to timeout for an in-flight sweep.
func (s *Selector) Stop(timeout time.Duration) error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()

	if !s.started {
		return nil
	}
	s.cancel()

	select {
	case <-s.done:
		s.started = false
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(errors.ErrShuttingDown, "Selector", "Stop",
			"timeout waiting for sweep to finish")
	}
}

func (s *Selector) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			archived, err := s.Sweep(ctx)
			if err != nil {
				s.logger.Error("archival sweep failed", "error", err)
				continue
			}
			if archived > 0 {
				s.logger.Info("archival sweep complete", "archived", archived)
			}
		}
	}
}

// candidate pairs a warm key with its raw envelope. Expired entries are
// purged rather than archived: the cold tier honors entry TTLs on read, so
// copying an expired envelope would only store a permanent miss.
type candidate struct {
	key     string
	data    []byte
	expired bool
}

// SelectCandidates enumerates the warm tier and returns the keys eligible
// for demotion. Bookkeeping keys, unreadable entries, and entries that are
// young or busy are skipped.
func (s *Selector) SelectCandidates(ctx context.Context) ([]string, error) {
	candidates, err := s.selectCandidates(ctx)
	if err != nil {
		return nil, err
	}

	keys := make([]string, len(candidates))
	for i, c := range candidates {
		keys[i] = c.key
	}
	return keys, nil
}

func (s *Selector) selectCandidates(ctx context.Context) ([]candidate, error) {
	keys, err := s.warm.Keys(ctx)
	if err != nil {
		return nil, errors.WrapTransient(err, "Selector", "selectCandidates", "list warm keys")
	}

	now := time.Now()
	var out []candidate

	for _, key := range keys {
		if cache.IsBookkeeping(key) {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		kvEntry, err := s.warm.Get(ctx, key)
		if err != nil {
			s.logger.Warn("skipping unreadable warm entry", "key", key, "error", err)
			continue
		}

		var entry cache.Entry
		if err := json.Unmarshal(kvEntry.Value, &entry); err != nil {
			s.logger.Warn("skipping corrupt warm entry", "key", key, "error", err)
			continue
		}

		if entry.Age(now) <= s.maxAge {
			continue
		}
		if s.accessCount(ctx, key) >= s.minAccess {
			continue
		}

		out = append(out, candidate{key: key, data: kvEntry.Value, expired: entry.Expired(now)})
	}

	return out, nil
}

// accessCount reads a key's access counter. Missing or unreadable stats
// count as zero, which favors archiving entries nobody is reading.
func (s *Selector) accessCount(ctx context.Context, key string) int64 {
	kvEntry, err := s.warm.Get(ctx, cache.StatsKey(key))
	if err != nil {
		return 0
	}

	var stats cache.AccessStats
	if err := json.Unmarshal(kvEntry.Value, &stats); err != nil {
		return 0
	}
	return stats.AccessCount
}

// Sweep selects and demotes candidates. For each: the cold write happens
// strictly before the warm evict, so a crash between the two leaves a
// duplicate rather than a gap. The key's access stats reset with demotion.
// Candidates whose TTL already lapsed are deleted from warm without a cold
// write and do not count toward the archived total.
func (s *Selector) Sweep(ctx context.Context) (int, error) {
	candidates, err := s.selectCandidates(ctx)
	if err != nil {
		return 0, err
	}

	archived := 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			return archived, ctx.Err()
		}

		if c.expired {
			// The TTL already lapsed; writing it cold would store an entry
			// that every read treats as a miss. Purge it instead.
			if err := s.warm.Delete(ctx, c.key); err != nil {
				s.logger.Warn("expired entry purge failed", "key", c.key, "error", err)
				continue
			}
			if err := s.warm.Delete(ctx, cache.StatsKey(c.key)); err != nil {
				s.logger.Debug("stats reset skipped", "key", c.key, "error", err)
			}
			s.logger.Debug("purged expired entry", "key", c.key)
			continue
		}

		if err := s.cold.Put(ctx, c.key, c.data); err != nil {
			// Keep the warm copy; it stays a candidate for the next sweep
			s.logger.Warn("cold write failed, keeping warm entry", "key", c.key, "error", err)
			continue
		}

		if err := s.warm.Delete(ctx, c.key); err != nil {
			s.logger.Warn("warm evict failed after cold write", "key", c.key, "error", err)
			continue
		}

		if err := s.warm.Delete(ctx, cache.StatsKey(c.key)); err != nil {
			s.logger.Debug("stats reset skipped", "key", c.key, "error", err)
		}

		s.logger.Debug("archived entry", "key", c.key)
		archived++
	}

	return archived, nil
}
