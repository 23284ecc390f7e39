package warming

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bookstream/cache"
	"github.com/c360/bookstream/errors"
	"github.com/c360/bookstream/provider"
	"github.com/c360/bookstream/testutil"
)

// fakeMsg implements the parts of jetstream.Msg the consumer touches.
type fakeMsg struct {
	jetstream.Msg

	data      []byte
	delivered uint64

	mu       sync.Mutex
	acked    bool
	nakDelay time.Duration
	naked    bool
}

func (m *fakeMsg) Data() []byte { return m.data }

func (m *fakeMsg) Ack() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = true
	return nil
}

func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.naked = true
	m.nakDelay = d
	return nil
}

func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: m.delivered}, nil
}

type fakeJS struct {
	mu         sync.Mutex
	published  map[string][][]byte
	publishErr error
}

func newFakeJS() *fakeJS {
	return &fakeJS{published: make(map[string][][]byte)}
}

func (f *fakeJS) CreateStream(_ context.Context, _ jetstream.StreamConfig) (jetstream.Stream, error) {
	return nil, nil
}

func (f *fakeJS) CreateConsumer(_ context.Context, _ string, _ jetstream.ConsumerConfig) (jetstream.Consumer, error) {
	return nil, nil
}

func (f *fakeJS) PublishToStream(_ context.Context, subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published[subject] = append(f.published[subject], append([]byte(nil), data...))
	return nil
}

func (f *fakeJS) count(subject string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[subject])
}

type fakeSearcher struct {
	mu     sync.Mutex
	result *provider.Result
	err    error
	calls  int
}

func (f *fakeSearcher) Search(_ context.Context, _ provider.Query) (*provider.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

type fakeCacher struct {
	mu      sync.Mutex
	entries map[string]json.RawMessage
	kinds   map[string]cache.Kind
	err     error
}

func newFakeCacher() *fakeCacher {
	return &fakeCacher{
		entries: make(map[string]json.RawMessage),
		kinds:   make(map[string]cache.Kind),
	}
}

func (f *fakeCacher) Set(_ context.Context, key string, value json.RawMessage, kind cache.Kind, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.entries[key] = value
	f.kinds[key] = kind
	return nil
}

func (f *fakeCacher) size() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func herbertResult() *provider.Result {
	return &provider.Result{
		Provider: "openlibrary",
		Records: []provider.Record{
			{Title: "Dune", Authors: []string{"Frank Herbert"}, PublishYear: 1965, Source: "openlibrary"},
			{Title: "Dune Messiah", Authors: []string{"Frank Herbert"}, PublishYear: 1969, Source: "openlibrary"},
		},
	}
}

func jobMsg(t *testing.T, job Job, delivered uint64) *fakeMsg {
	t.Helper()
	data, err := json.Marshal(job)
	require.NoError(t, err)
	return &fakeMsg{data: data, delivered: delivered}
}

func newTestConsumer(t *testing.T, js *fakeJS, searcher *fakeSearcher, cacher *fakeCacher, kv *testutil.FakeKV) *Consumer {
	t.Helper()
	markers, err := NewMarkerStore(kv, 0)
	require.NoError(t, err)

	c, err := NewConsumer(js, searcher, cacher, markers,
		WithTitleRate(10000),
		WithRetryDelay(time.Second))
	require.NoError(t, err)
	return c
}

func TestHandleMessageWarmsEntity(t *testing.T) {
	js := newFakeJS()
	searcher := &fakeSearcher{result: herbertResult()}
	cacher := newFakeCacher()
	kv := testutil.NewFakeKV()
	c := newTestConsumer(t, js, searcher, cacher, kv)

	msg := jobMsg(t, Job{JobID: "j1", EntityName: "Frank Herbert"}, 1)
	c.handleMessage(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.False(t, msg.naked)
	assert.Equal(t, 1, searcher.calls)

	// Aggregate author entry plus one entry per title.
	assert.Equal(t, 3, cacher.size())
	authorKey := cache.Key(cache.KindAuthor, 0, "Frank Herbert")
	assert.Contains(t, cacher.entries, authorKey)
	assert.Equal(t, cache.KindAuthor, cacher.kinds[authorKey])
	titleKey := cache.Key(cache.KindTitle, 0, "Dune", "Frank Herbert")
	assert.Contains(t, cacher.entries, titleKey)

	assert.True(t, kv.Has(markerKey("frank-herbert")))
	assert.Zero(t, js.count(DefaultDeadLetterSubject))
}

func TestHandleMessageWarmsAccentedAuthor(t *testing.T) {
	js := newFakeJS()
	searcher := &fakeSearcher{result: &provider.Result{
		Provider: "openlibrary",
		Records: []provider.Record{
			{Title: "Cien años de soledad", Authors: []string{"Gabriel García Márquez"}},
		},
	}}
	cacher := newFakeCacher()
	kv := testutil.NewFakeKV()
	c := newTestConsumer(t, js, searcher, cacher, kv)

	msg := jobMsg(t, Job{JobID: "j1", EntityName: "Gabriel García Márquez"}, 1)
	c.handleMessage(context.Background(), msg)

	// The accents must not derail dedup: the job acks, populates, and
	// leaves a marker on the first delivery.
	assert.True(t, msg.acked)
	assert.False(t, msg.naked)
	assert.Equal(t, 1, searcher.calls)
	assert.Equal(t, 2, cacher.size())
	assert.True(t, kv.Has(markerKey("gabriel-garcía-márquez")))
	assert.Zero(t, js.count(DefaultDeadLetterSubject))
}

func TestHandleMessageSkipsRecentlyWarmed(t *testing.T) {
	js := newFakeJS()
	searcher := &fakeSearcher{result: herbertResult()}
	cacher := newFakeCacher()
	kv := testutil.NewFakeKV()
	c := newTestConsumer(t, js, searcher, cacher, kv)

	require.NoError(t, c.markers.Mark(context.Background(), "frank-herbert"))

	msg := jobMsg(t, Job{JobID: "j1", EntityName: "Frank Herbert"}, 1)
	c.handleMessage(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.Equal(t, 0, searcher.calls)
	assert.Equal(t, 0, cacher.size())
}

func TestHandleMessageDeadLettersGarbage(t *testing.T) {
	js := newFakeJS()
	c := newTestConsumer(t, js, &fakeSearcher{}, newFakeCacher(), testutil.NewFakeKV())

	msg := &fakeMsg{data: []byte("{{not json"), delivered: 1}
	c.handleMessage(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.Equal(t, 1, js.count(DefaultDeadLetterSubject))
}

func TestHandleMessageDeadLettersInvalidJob(t *testing.T) {
	js := newFakeJS()
	c := newTestConsumer(t, js, &fakeSearcher{}, newFakeCacher(), testutil.NewFakeKV())

	msg := jobMsg(t, Job{JobID: "j1", EntityName: "   "}, 1)
	c.handleMessage(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.Equal(t, 1, js.count(DefaultDeadLetterSubject))
}

func TestHandleMessageRetriesTransientFailure(t *testing.T) {
	js := newFakeJS()
	searcher := &fakeSearcher{err: errors.WrapTransient(errors.ErrRateLimited, "t", "t", "x")}
	kv := testutil.NewFakeKV()
	c := newTestConsumer(t, js, searcher, newFakeCacher(), kv)

	msg := jobMsg(t, Job{JobID: "j1", EntityName: "Frank Herbert"}, 1)
	c.handleMessage(context.Background(), msg)

	assert.False(t, msg.acked)
	assert.True(t, msg.naked)
	assert.Equal(t, time.Second, msg.nakDelay)
	assert.False(t, kv.Has(markerKey("frank-herbert")))
	assert.Zero(t, js.count(DefaultDeadLetterSubject))
}

func TestHandleMessageBackoffGrowsWithDeliveries(t *testing.T) {
	js := newFakeJS()
	searcher := &fakeSearcher{err: errors.WrapTransient(errors.ErrProviderTimeout, "t", "t", "x")}
	c := newTestConsumer(t, js, searcher, newFakeCacher(), testutil.NewFakeKV())

	msg := jobMsg(t, Job{JobID: "j1", EntityName: "Frank Herbert"}, 2)
	c.handleMessage(context.Background(), msg)

	assert.True(t, msg.naked)
	assert.Equal(t, 2*time.Second, msg.nakDelay)
}

func TestHandleMessageDeadLettersAfterBudget(t *testing.T) {
	js := newFakeJS()
	searcher := &fakeSearcher{err: errors.WrapTransient(errors.ErrRateLimited, "t", "t", "x")}
	c := newTestConsumer(t, js, searcher, newFakeCacher(), testutil.NewFakeKV())

	msg := jobMsg(t, Job{JobID: "j1", EntityName: "Frank Herbert"}, uint64(DefaultMaxDeliveries))
	c.handleMessage(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.False(t, msg.naked)
	assert.Equal(t, 1, js.count(DefaultDeadLetterSubject))
}

func TestHandleMessageAcksNotFoundWithoutMarker(t *testing.T) {
	js := newFakeJS()
	searcher := &fakeSearcher{err: errors.Wrap(errors.ErrNotFound, "t", "t", "x")}
	kv := testutil.NewFakeKV()
	c := newTestConsumer(t, js, searcher, newFakeCacher(), kv)

	msg := jobMsg(t, Job{JobID: "j1", EntityName: "Unknown Writer"}, 1)
	c.handleMessage(context.Background(), msg)

	assert.True(t, msg.acked)
	assert.False(t, msg.naked)
	// No marker means a later request can trigger warming again.
	assert.False(t, kv.Has(markerKey("unknown-writer")))
	assert.Zero(t, js.count(DefaultDeadLetterSubject))
}

func TestHandleMessageRetriesWhenCacheWriteFails(t *testing.T) {
	js := newFakeJS()
	cacher := newFakeCacher()
	cacher.err = errors.WrapTransient(errors.ErrStorageUnavailable, "t", "t", "x")
	kv := testutil.NewFakeKV()
	c := newTestConsumer(t, js, &fakeSearcher{result: herbertResult()}, cacher, kv)

	msg := jobMsg(t, Job{JobID: "j1", EntityName: "Frank Herbert"}, 1)
	c.handleMessage(context.Background(), msg)

	assert.False(t, msg.acked)
	assert.True(t, msg.naked)
	assert.False(t, kv.Has(markerKey("frank-herbert")))
}

// markerPutFailingKV lets dedup lookups through but rejects marker writes.
type markerPutFailingKV struct {
	*testutil.FakeKV
}

func (k *markerPutFailingKV) Put(ctx context.Context, key string, value []byte) (uint64, error) {
	if strings.HasPrefix(key, cache.MarkerPrefix) {
		return 0, errors.ErrStorageUnavailable
	}
	return k.FakeKV.Put(ctx, key, value)
}

func TestHandleMessageAcksWhenMarkerWriteFails(t *testing.T) {
	js := newFakeJS()
	kv := &markerPutFailingKV{FakeKV: testutil.NewFakeKV()}
	cacher := newFakeCacher()

	markers, err := NewMarkerStore(kv, 0)
	require.NoError(t, err)
	c, err := NewConsumer(js, &fakeSearcher{result: herbertResult()}, cacher, markers,
		WithTitleRate(10000))
	require.NoError(t, err)

	msg := jobMsg(t, Job{JobID: "j1", EntityName: "Frank Herbert"}, 1)
	c.handleMessage(context.Background(), msg)

	// Cache is populated and the delivery succeeds; only re-warm
	// protection is lost.
	assert.True(t, msg.acked)
	assert.Equal(t, 3, cacher.size())
}

func TestEnqueueJob(t *testing.T) {
	js := newFakeJS()
	c := newTestConsumer(t, js, &fakeSearcher{}, newFakeCacher(), testutil.NewFakeKV())

	require.NoError(t, c.EnqueueJob(context.Background(), Job{JobID: "j1", EntityName: "Frank Herbert"}))
	assert.Equal(t, 1, js.count(DefaultSubject))

	assert.Error(t, c.EnqueueJob(context.Background(), Job{}))
	assert.Equal(t, 1, js.count(DefaultSubject))
}

func TestNewConsumerRequiresDependencies(t *testing.T) {
	markers, err := NewMarkerStore(testutil.NewFakeKV(), 0)
	require.NoError(t, err)

	_, err = NewConsumer(nil, &fakeSearcher{}, newFakeCacher(), markers)
	assert.Error(t, err)
	_, err = NewConsumer(newFakeJS(), nil, newFakeCacher(), markers)
	assert.Error(t, err)
	_, err = NewConsumer(newFakeJS(), &fakeSearcher{}, nil, markers)
	assert.Error(t, err)
	_, err = NewConsumer(newFakeJS(), &fakeSearcher{}, newFakeCacher(), nil)
	assert.Error(t, err)
}
