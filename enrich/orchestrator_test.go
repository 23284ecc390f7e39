package enrich

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bookstream/cache"
	"github.com/c360/bookstream/errors"
	"github.com/c360/bookstream/progress"
	"github.com/c360/bookstream/provider"
)

type memCacher struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
	setErr  error
}

func newMemCacher() *memCacher {
	return &memCacher{entries: make(map[string]json.RawMessage)}
}

func (m *memCacher) Get(_ context.Context, key string) (*cache.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.entries[key]
	if !ok {
		return nil, errors.ErrKeyNotFound
	}
	return &cache.Entry{Key: key, Value: value, CachedAt: time.Now()}, nil
}

func (m *memCacher) Set(_ context.Context, key string, value json.RawMessage, _ cache.Kind, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.setErr != nil {
		return m.setErr
	}
	m.entries[key] = value
	return nil
}

func (m *memCacher) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.entries[key]
	return ok
}

type chainSearcher struct {
	mu      sync.Mutex
	byTitle map[string]provider.Record
	err     error
	calls   int

	inflight atomic.Int64
	peak     atomic.Int64
	delay    time.Duration
}

func newChainSearcher(records ...provider.Record) *chainSearcher {
	s := &chainSearcher{byTitle: make(map[string]provider.Record)}
	for _, r := range records {
		s.byTitle[r.Title] = r
	}
	return s
}

func (s *chainSearcher) Search(_ context.Context, q provider.Query) (*provider.Result, error) {
	current := s.inflight.Add(1)
	defer s.inflight.Add(-1)
	for {
		peak := s.peak.Load()
		if current <= peak || s.peak.CompareAndSwap(peak, current) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	record, ok := s.byTitle[q.Title]
	if !ok {
		return nil, errors.Wrap(errors.ErrNotFound, "chainSearcher", "Search", "no record")
	}
	return &provider.Result{Provider: "fake", Records: []provider.Record{record}}, nil
}

func (s *chainSearcher) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func waitTerminal(t *testing.T, events <-chan progress.Event) progress.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			if event.Done {
				return event
			}
		case <-deadline:
			t.Fatal("no terminal event")
		}
	}
}

func newTestOrchestrator(t *testing.T, cacher *memCacher, searcher *chainSearcher) (*Orchestrator, *progress.Channel) {
	t.Helper()
	ch := progress.NewChannel(progress.WithGracePeriod(time.Hour))
	o, err := NewOrchestrator(cacher, searcher, ch)
	require.NoError(t, err)
	return o, ch
}

func TestSubmitValidation(t *testing.T) {
	o, _ := newTestOrchestrator(t, newMemCacher(), newChainSearcher())

	_, err := o.Submit(context.Background(), nil, 0)
	assert.ErrorIs(t, err, errors.ErrEmptyBatch)

	_, err = o.Submit(context.Background(), []ItemRequest{{Author: "only author"}}, 0)
	assert.ErrorIs(t, err, errors.ErrBadQuery)
}

func TestSubmitReturnsImmediately(t *testing.T) {
	searcher := newChainSearcher(provider.Record{Title: "Dune"})
	searcher.delay = 100 * time.Millisecond
	o, _ := newTestOrchestrator(t, newMemCacher(), searcher)

	start := time.Now()
	jobID, err := o.Submit(context.Background(), []ItemRequest{{Title: "Dune"}}, 0)
	require.NoError(t, err)
	assert.NotEmpty(t, jobID)
	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestBatchResolvesThroughProviders(t *testing.T) {
	cacher := newMemCacher()
	searcher := newChainSearcher(
		provider.Record{Title: "Dune", Authors: []string{"Frank Herbert"}, PublishYear: 1965},
		provider.Record{Title: "Dune Messiah", Authors: []string{"Frank Herbert"}, PublishYear: 1969},
	)
	o, ch := newTestOrchestrator(t, cacher, searcher)

	items := []ItemRequest{
		{Title: "Dune", Author: "Frank Herbert"},
		{Title: "Dune Messiah", Author: "Frank Herbert"},
	}
	jobID, err := o.Submit(context.Background(), items, 0)
	require.NoError(t, err)

	events, cancel := ch.Subscribe(jobID)
	defer cancel()
	terminal := waitTerminal(t, events)

	assert.False(t, terminal.Err)
	assert.Equal(t, 2, terminal.Completed)
	assert.Equal(t, 2, terminal.Total)

	var results []ItemResult
	require.NoError(t, json.Unmarshal(terminal.Payload, &results))
	require.Len(t, results, 2)
	for _, result := range results {
		assert.True(t, result.Success)
		require.NotNil(t, result.Record)
	}
	assert.Equal(t, "Dune", results[0].Record.Title)

	// Resolved records are written back for the next lookup.
	assert.True(t, cacher.has(items[0].CacheKey()))
	assert.True(t, cacher.has(items[1].CacheKey()))
}

func TestCacheHitSkipsProviders(t *testing.T) {
	cacher := newMemCacher()
	request := ItemRequest{Title: "Dune", Author: "Frank Herbert"}
	seed, _ := json.Marshal(provider.Record{Title: "Dune", PublishYear: 1965})
	require.NoError(t, cacher.Set(context.Background(), request.CacheKey(), seed, cache.KindTitle, 0))

	searcher := newChainSearcher()
	o, ch := newTestOrchestrator(t, cacher, searcher)

	jobID, err := o.Submit(context.Background(), []ItemRequest{request}, 0)
	require.NoError(t, err)

	events, cancel := ch.Subscribe(jobID)
	defer cancel()
	terminal := waitTerminal(t, events)

	assert.False(t, terminal.Err)
	assert.Equal(t, 0, searcher.callCount())

	var results []ItemResult
	require.NoError(t, json.Unmarshal(terminal.Payload, &results))
	require.Len(t, results, 1)
	assert.True(t, results[0].Success)
	assert.Equal(t, 1965, results[0].Record.PublishYear)
}

func TestItemFailureDoesNotAbortBatch(t *testing.T) {
	searcher := newChainSearcher(provider.Record{Title: "Dune"})
	o, ch := newTestOrchestrator(t, newMemCacher(), searcher)

	items := []ItemRequest{
		{Title: "Dune"},
		{Title: "No Such Book"},
	}
	jobID, err := o.Submit(context.Background(), items, 0)
	require.NoError(t, err)

	events, cancel := ch.Subscribe(jobID)
	defer cancel()
	terminal := waitTerminal(t, events)

	assert.False(t, terminal.Err, "item failures are recorded, not fatal")

	var results []ItemResult
	require.NoError(t, json.Unmarshal(terminal.Payload, &results))
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.NotEmpty(t, results[1].ErrorReason)
}

func TestConcurrencyBounded(t *testing.T) {
	records := make([]provider.Record, 0, 12)
	items := make([]ItemRequest, 0, 12)
	for _, title := range []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j", "k", "l"} {
		records = append(records, provider.Record{Title: title})
		items = append(items, ItemRequest{Title: title})
	}
	searcher := newChainSearcher(records...)
	searcher.delay = 20 * time.Millisecond
	o, ch := newTestOrchestrator(t, newMemCacher(), searcher)

	jobID, err := o.Submit(context.Background(), items, 3)
	require.NoError(t, err)

	events, cancel := ch.Subscribe(jobID)
	defer cancel()
	waitTerminal(t, events)

	assert.LessOrEqual(t, searcher.peak.Load(), int64(3))
}

func TestProgressCountsAreMonotone(t *testing.T) {
	searcher := newChainSearcher(
		provider.Record{Title: "a"}, provider.Record{Title: "b"}, provider.Record{Title: "c"},
	)
	o, ch := newTestOrchestrator(t, newMemCacher(), searcher)

	jobID, err := o.Submit(context.Background(),
		[]ItemRequest{{Title: "a"}, {Title: "b"}, {Title: "c"}}, 2)
	require.NoError(t, err)

	events, cancel := ch.Subscribe(jobID)
	defer cancel()

	last := -1
	deadline := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			assert.GreaterOrEqual(t, event.Completed, last)
			assert.LessOrEqual(t, event.Completed, event.Total)
			last = event.Completed
			if event.Done {
				return
			}
		case <-deadline:
			t.Fatal("no terminal event")
		}
	}
}

func TestNewOrchestratorRequiresDependencies(t *testing.T) {
	ch := progress.NewChannel()
	_, err := NewOrchestrator(nil, newChainSearcher(), ch)
	assert.Error(t, err)
	_, err = NewOrchestrator(newMemCacher(), nil, ch)
	assert.Error(t, err)
	_, err = NewOrchestrator(newMemCacher(), newChainSearcher(), nil)
	assert.Error(t, err)
}
