package warming

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bookstream/testutil"
)

func TestJobValidate(t *testing.T) {
	tests := []struct {
		name    string
		job     Job
		wantErr bool
	}{
		{"valid", Job{JobID: "j1", EntityName: "Frank Herbert"}, false},
		{"empty entity", Job{JobID: "j1"}, true},
		{"whitespace entity", Job{JobID: "j1", EntityName: "   "}, true},
		{"no job id still valid", Job{EntityName: "Frank Herbert"}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.job.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestJobEntityKey(t *testing.T) {
	assert.Equal(t, "frank-herbert", Job{EntityName: "Frank Herbert"}.EntityKey())
	assert.Equal(t, "frank-herbert", Job{EntityName: "  FRANK   Herbert "}.EntityKey())
	assert.Equal(t, "ursula-k.-le-guin", Job{EntityName: "Ursula K. Le Guin"}.EntityKey())
}

func TestProcessedMarkerFresh(t *testing.T) {
	now := time.Now()
	window := 90 * 24 * time.Hour

	fresh := &ProcessedMarker{LastWarmedAt: now.Add(-24 * time.Hour)}
	assert.True(t, fresh.Fresh(now, window))

	stale := &ProcessedMarker{LastWarmedAt: now.Add(-91 * 24 * time.Hour)}
	assert.False(t, stale.Fresh(now, window))

	var missing *ProcessedMarker
	assert.False(t, missing.Fresh(now, window))
}

func TestMarkerStoreRoundTrip(t *testing.T) {
	kv := testutil.NewFakeKV()
	store, err := NewMarkerStore(kv, 0)
	require.NoError(t, err)
	assert.Equal(t, DefaultDedupWindow, store.Window())

	ctx := context.Background()

	marker, err := store.Load(ctx, "frank-herbert")
	require.NoError(t, err)
	assert.Nil(t, marker)

	processed, err := store.IsProcessed(ctx, "frank-herbert")
	require.NoError(t, err)
	assert.False(t, processed)

	require.NoError(t, store.Mark(ctx, "frank-herbert"))

	marker, err = store.Load(ctx, "frank-herbert")
	require.NoError(t, err)
	require.NotNil(t, marker)
	assert.Equal(t, "frank-herbert", marker.EntityKey)
	assert.WithinDuration(t, time.Now(), marker.LastWarmedAt, 5*time.Second)

	processed, err = store.IsProcessed(ctx, "frank-herbert")
	require.NoError(t, err)
	assert.True(t, processed)
}

func TestMarkerStoreCorruptMarkerReadsAsAbsent(t *testing.T) {
	kv := testutil.NewFakeKV()
	store, err := NewMarkerStore(kv, time.Hour)
	require.NoError(t, err)

	_, err = kv.Put(context.Background(), markerKey("frank-herbert"), []byte("not json"))
	require.NoError(t, err)

	marker, err := store.Load(context.Background(), "frank-herbert")
	require.NoError(t, err)
	assert.Nil(t, marker)
}

func TestMarkerKeysStayInsideKVCharset(t *testing.T) {
	// NATS KV rejects keys outside [-/_=.a-zA-Z0-9], so marker keys must
	// survive apostrophes, spaces, and non-ASCII letters in author names.
	validKey := regexp.MustCompile(`^[-/_=.a-zA-Z0-9]+$`)

	kv := testutil.NewFakeKV()
	store, err := NewMarkerStore(kv, 0)
	require.NoError(t, err)
	ctx := context.Background()

	names := []string{
		"gabriel-garcía-márquez",
		"flann-o'brien",
		"mercè-rodoreda",
		"j.r.r.-tolkien",
	}
	for _, name := range names {
		require.NoError(t, store.Mark(ctx, name))

		processed, err := store.IsProcessed(ctx, name)
		require.NoError(t, err)
		assert.True(t, processed, name)
	}

	keys, err := kv.Keys(ctx)
	require.NoError(t, err)
	require.Len(t, keys, len(names))
	for _, key := range keys {
		assert.Regexp(t, validKey, key)
		assert.True(t, strings.HasPrefix(key, "_marker."), key)
	}
}

func TestMarkerStoreRequiresKV(t *testing.T) {
	_, err := NewMarkerStore(nil, time.Hour)
	assert.Error(t, err)
}
