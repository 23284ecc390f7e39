package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bookstream/errors"
	"github.com/c360/bookstream/pkg/hotcache"
	"github.com/c360/bookstream/testutil"
)

func newTestManager(t *testing.T, warm *testutil.FakeKV, cold *testutil.FakeObjectStore) *Manager {
	t.Helper()

	hot, err := hotcache.New[*Entry](context.Background(), time.Minute, time.Minute)
	require.NoError(t, err)
	t.Cleanup(func() { hot.Close() })

	var coldStore ObjectStore
	if cold != nil {
		coldStore = cold
	}
	mgr, err := NewManager(hot, warm, coldStore)
	require.NoError(t, err)
	return mgr
}

func record(t *testing.T, title string) json.RawMessage {
	t.Helper()
	data, err := json.Marshal(map[string]string{"title": title})
	require.NoError(t, err)
	return data
}

func warmEntry(t *testing.T, kv *testutil.FakeKV, key string, entry *Entry) {
	t.Helper()
	data, err := json.Marshal(entry)
	require.NoError(t, err)
	_, err = kv.Put(context.Background(), key, data)
	require.NoError(t, err)
}

func TestManager_SetWritesHotAndWarm(t *testing.T) {
	warm := testutil.NewFakeKV()
	mgr := newTestManager(t, warm, testutil.NewFakeObjectStore())

	key := Key(KindTitle, 0, "Dune")
	require.NoError(t, mgr.Set(context.Background(), key, record(t, "Dune"), KindTitle, 0))

	// Warm tier holds the envelope
	assert.True(t, warm.Has(key))

	var stored Entry
	require.NoError(t, json.Unmarshal(warm.Raw(key), &stored))
	assert.Equal(t, KindTitle, stored.Kind)
	assert.Equal(t, int64((24*time.Hour)/time.Second), stored.TTLSeconds)

	// Hot tier serves the same entry without touching warm again
	warm.GetCalls = 0
	entry, err := mgr.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, key, entry.Key)
	assert.Equal(t, 0, warm.GetCalls)
}

func TestManager_SetNeverWritesCold(t *testing.T) {
	cold := testutil.NewFakeObjectStore()
	mgr := newTestManager(t, testutil.NewFakeKV(), cold)

	key := Key(KindTitle, 0, "Dune")
	require.NoError(t, mgr.Set(context.Background(), key, record(t, "Dune"), KindTitle, 0))
	assert.Equal(t, 0, cold.Len())
}

func TestManager_TTLByKind(t *testing.T) {
	mgr := newTestManager(t, testutil.NewFakeKV(), nil)

	policy := mgr.Policy()
	assert.Greater(t, policy.Author, policy.Title, "author aggregates outlive title lookups")
	assert.Greater(t, policy.Work, policy.Title)
}

func TestManager_SetValidation(t *testing.T) {
	mgr := newTestManager(t, testutil.NewFakeKV(), nil)
	ctx := context.Background()

	assert.Error(t, mgr.Set(ctx, "", record(t, "x"), KindTitle, 0))
	assert.Error(t, mgr.Set(ctx, "key", record(t, "x"), Kind("bogus"), 0))
}

func TestManager_WarmHitPromotesToHot(t *testing.T) {
	warm := testutil.NewFakeKV()
	mgr := newTestManager(t, warm, nil)

	key := Key(KindTitle, 0, "Dune")
	warmEntry(t, warm, key, &Entry{
		Key:        key,
		Value:      record(t, "Dune"),
		Kind:       KindTitle,
		CachedAt:   time.Now().UTC(),
		TTLSeconds: 3600,
	})

	entry, err := mgr.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, key, entry.Key)

	// Promotion is async; the hot tier serves the next read shortly after
	assert.Eventually(t, func() bool {
		warm.GetCalls = 0
		_, err := mgr.Get(context.Background(), key)
		return err == nil && warm.GetCalls == 0
	}, time.Second, 10*time.Millisecond)
}

func TestManager_WarmHitBumpsAccessStats(t *testing.T) {
	warm := testutil.NewFakeKV()
	mgr := newTestManager(t, warm, nil)

	key := Key(KindTitle, 0, "Dune")
	warmEntry(t, warm, key, &Entry{
		Key: key, Value: record(t, "Dune"), Kind: KindTitle,
		CachedAt: time.Now().UTC(), TTLSeconds: 3600,
	})

	_, err := mgr.Get(context.Background(), key)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return warm.Has(StatsKey(key))
	}, time.Second, 10*time.Millisecond)

	var stats AccessStats
	require.NoError(t, json.Unmarshal(warm.Raw(StatsKey(key)), &stats))
	assert.Equal(t, int64(1), stats.AccessCount)
	assert.False(t, stats.WindowStart.IsZero())
}

func TestManager_ExpiredWarmEntryIsMiss(t *testing.T) {
	warm := testutil.NewFakeKV()
	mgr := newTestManager(t, warm, nil)

	key := Key(KindTitle, 0, "Dune")
	warmEntry(t, warm, key, &Entry{
		Key: key, Value: record(t, "Dune"), Kind: KindTitle,
		CachedAt:   time.Now().UTC().Add(-2 * time.Hour),
		TTLSeconds: 3600,
	})

	_, err := mgr.Get(context.Background(), key)
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestManager_ColdHitRevivesEntry(t *testing.T) {
	warm := testutil.NewFakeKV()
	cold := testutil.NewFakeObjectStore()
	mgr := newTestManager(t, warm, cold)

	key := Key(KindAuthor, 0, "Frank Herbert")
	entry := &Entry{
		Key: key, Value: record(t, "Frank Herbert"), Kind: KindAuthor,
		CachedAt: time.Now().UTC(), TTLSeconds: 7 * 24 * 3600,
	}
	data, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, cold.Put(context.Background(), key, data))

	got, err := mgr.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, KindAuthor, got.Kind)

	// Revival promotes into the warm tier in the background
	assert.Eventually(t, func() bool {
		return warm.Has(key)
	}, time.Second, 10*time.Millisecond)
}

func TestManager_FullMiss(t *testing.T) {
	mgr := newTestManager(t, testutil.NewFakeKV(), testutil.NewFakeObjectStore())

	_, err := mgr.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestManager_WarmFailureDegradesToMiss(t *testing.T) {
	warm := testutil.NewFakeKV()
	warm.FailAll = true
	cold := testutil.NewFakeObjectStore()
	mgr := newTestManager(t, warm, cold)

	key := Key(KindTitle, 0, "Dune")
	entry := &Entry{
		Key: key, Value: record(t, "Dune"), Kind: KindTitle,
		CachedAt: time.Now().UTC(), TTLSeconds: 3600,
	}
	data, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, cold.Put(context.Background(), key, data))

	// Warm tier down: read falls through to cold and still succeeds
	got, err := mgr.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, key, got.Key)
}

func TestManager_WarmFailureAbsorbedOnSet(t *testing.T) {
	warm := testutil.NewFakeKV()
	warm.FailAll = true
	mgr := newTestManager(t, warm, nil)

	key := Key(KindTitle, 0, "Dune")
	// Set succeeds despite the warm tier being down
	require.NoError(t, mgr.Set(context.Background(), key, record(t, "Dune"), KindTitle, 0))

	// The hot tier still serves the value
	entry, err := mgr.Get(context.Background(), key)
	require.NoError(t, err)
	assert.Equal(t, key, entry.Key)
}

func TestManager_NilColdDisablesArchiveReads(t *testing.T) {
	mgr := newTestManager(t, testutil.NewFakeKV(), nil)

	_, err := mgr.Get(context.Background(), "anything")
	assert.ErrorIs(t, err, errors.ErrKeyNotFound)
}

func TestEntry_Expiry(t *testing.T) {
	now := time.Now()

	fresh := &Entry{CachedAt: now.Add(-time.Minute), TTLSeconds: 3600}
	assert.False(t, fresh.Expired(now))

	stale := &Entry{CachedAt: now.Add(-2 * time.Hour), TTLSeconds: 3600}
	assert.True(t, stale.Expired(now))

	forever := &Entry{CachedAt: now.Add(-1000 * time.Hour), TTLSeconds: 0}
	assert.False(t, forever.Expired(now))
}
