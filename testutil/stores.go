// Package testutil provides in-memory fakes for the storage tiers so tests
// can exercise cache, archival, and warming logic without a NATS server.
package testutil

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/c360/bookstream/natsclient"
)

// FakeKV is an in-memory stand-in for natsclient.KVStore. It tracks
// revisions so CAS semantics match the real bucket, and can be forced to
// fail to test degraded-tier behavior.
type FakeKV struct {
	mu       sync.Mutex
	data     map[string][]byte
	revision map[string]uint64

	// FailAll makes every operation return FailErr.
	FailAll bool
	FailErr error

	// Call counts for verification
	GetCalls    int
	PutCalls    int
	DeleteCalls int
}

// NewFakeKV creates an empty fake KV bucket.
func NewFakeKV() *FakeKV {
	return &FakeKV{
		data:     make(map[string][]byte),
		revision: make(map[string]uint64),
	}
}

func (f *FakeKV) failure() error {
	if !f.FailAll {
		return nil
	}
	if f.FailErr != nil {
		return f.FailErr
	}
	return context.DeadlineExceeded
}

// Get returns the value and revision for a key.
func (f *FakeKV) Get(_ context.Context, key string) (*natsclient.KVEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.GetCalls++
	if err := f.failure(); err != nil {
		return nil, err
	}

	value, ok := f.data[key]
	if !ok {
		return nil, natsclient.ErrKVKeyNotFound
	}
	return &natsclient.KVEntry{
		Key:      key,
		Value:    append([]byte(nil), value...),
		Revision: f.revision[key],
	}, nil
}

// Put stores a value, last writer wins.
func (f *FakeKV) Put(_ context.Context, key string, value []byte) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.PutCalls++
	if err := f.failure(); err != nil {
		return 0, err
	}

	f.data[key] = append([]byte(nil), value...)
	f.revision[key]++
	return f.revision[key], nil
}

// Delete removes a key.
func (f *FakeKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.DeleteCalls++
	if err := f.failure(); err != nil {
		return err
	}

	if _, ok := f.data[key]; !ok {
		return natsclient.ErrKVKeyNotFound
	}
	delete(f.data, key)
	delete(f.revision, key)
	return nil
}

// Keys lists all keys.
func (f *FakeKV) Keys(_ context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failure(); err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(f.data))
	for key := range f.data {
		keys = append(keys, key)
	}
	return keys, nil
}

// UpdateJSON applies a read-modify-write on a JSON document.
func (f *FakeKV) UpdateJSON(_ context.Context, key string, updateFn func(current map[string]any) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failure(); err != nil {
		return err
	}

	current := make(map[string]any)
	if raw, ok := f.data[key]; ok {
		if err := json.Unmarshal(raw, &current); err != nil {
			return err
		}
	}

	if err := updateFn(current); err != nil {
		return err
	}

	data, err := json.Marshal(current)
	if err != nil {
		return err
	}
	f.data[key] = data
	f.revision[key]++
	return nil
}

// Has reports whether a key exists.
func (f *FakeKV) Has(key string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok
}

// Raw returns the stored bytes for a key, or nil.
func (f *FakeKV) Raw(key string) []byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]byte(nil), f.data[key]...)
}

// Len returns the number of stored keys.
func (f *FakeKV) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}

// FakeObjectStore is an in-memory stand-in for natsclient.ObjectStore.
type FakeObjectStore struct {
	mu   sync.Mutex
	data map[string][]byte

	FailAll bool
	FailErr error

	GetCalls int
	PutCalls int
}

// NewFakeObjectStore creates an empty fake object store.
func NewFakeObjectStore() *FakeObjectStore {
	return &FakeObjectStore{data: make(map[string][]byte)}
}

func (f *FakeObjectStore) failure() error {
	if !f.FailAll {
		return nil
	}
	if f.FailErr != nil {
		return f.FailErr
	}
	return context.DeadlineExceeded
}

// Get returns the stored object.
func (f *FakeObjectStore) Get(_ context.Context, name string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.GetCalls++
	if err := f.failure(); err != nil {
		return nil, err
	}

	data, ok := f.data[name]
	if !ok {
		return nil, natsclient.ErrObjectNotFound
	}
	return append([]byte(nil), data...), nil
}

// Put stores an object.
func (f *FakeObjectStore) Put(_ context.Context, name string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.PutCalls++
	if err := f.failure(); err != nil {
		return err
	}

	f.data[name] = append([]byte(nil), data...)
	return nil
}

// Delete removes an object.
func (f *FakeObjectStore) Delete(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failure(); err != nil {
		return err
	}

	if _, ok := f.data[name]; !ok {
		return natsclient.ErrObjectNotFound
	}
	delete(f.data, name)
	return nil
}

// List returns object names matching the prefix.
func (f *FakeObjectStore) List(_ context.Context, prefix string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failure(); err != nil {
		return nil, err
	}

	names := make([]string, 0, len(f.data))
	for name := range f.data {
		if prefix == "" || strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	return names, nil
}

// Has reports whether an object exists.
func (f *FakeObjectStore) Has(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[name]
	return ok
}

// Len returns the number of stored objects.
func (f *FakeObjectStore) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.data)
}
