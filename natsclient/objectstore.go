package natsclient

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"
)

// ObjectStoreOptions configures object store operation behavior
type ObjectStoreOptions struct {
	Timeout time.Duration // Per-operation timeout
}

// DefaultObjectStoreOptions returns defaults for archive access patterns,
// where reads are rare and latency matters less than the warm tier.
func DefaultObjectStoreOptions() ObjectStoreOptions {
	return ObjectStoreOptions{
		Timeout: 10 * time.Second,
	}
}

// ObjectStore provides byte-level operations over a JetStream object store
// bucket. The cold archive tier uses it for demoted cache entries.
type ObjectStore struct {
	bucket  jetstream.ObjectStore
	options ObjectStoreOptions
	logger  *slog.Logger
}

// NewObjectStore creates an object store over the given bucket
func (c *Client) NewObjectStore(bucket jetstream.ObjectStore, opts ...func(*ObjectStoreOptions)) *ObjectStore {
	options := DefaultObjectStoreOptions()
	for _, opt := range opts {
		opt(&options)
	}

	return &ObjectStore{
		bucket:  bucket,
		options: options,
		logger:  c.logger,
	}
}

func (os *ObjectStore) applyTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if os.options.Timeout > 0 {
		return context.WithTimeout(ctx, os.options.Timeout)
	}
	return ctx, func() {}
}

// Put stores bytes under the given name, replacing any prior version.
func (os *ObjectStore) Put(ctx context.Context, name string, data []byte) error {
	ctx, cancel := os.applyTimeout(ctx)
	defer cancel()

	if _, err := os.bucket.PutBytes(ctx, name, data); err != nil {
		return fmt.Errorf("objectstore put %s: %w", name, err)
	}
	return nil
}

// Get retrieves the bytes stored under the given name.
func (os *ObjectStore) Get(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := os.applyTimeout(ctx)
	defer cancel()

	data, err := os.bucket.GetBytes(ctx, name)
	if err != nil {
		if IsObjectNotFoundError(err) {
			return nil, ErrObjectNotFound
		}
		return nil, fmt.Errorf("objectstore get %s: %w", name, err)
	}
	return data, nil
}

// Delete removes the object stored under the given name.
func (os *ObjectStore) Delete(ctx context.Context, name string) error {
	ctx, cancel := os.applyTimeout(ctx)
	defer cancel()

	if err := os.bucket.Delete(ctx, name); err != nil {
		if IsObjectNotFoundError(err) {
			return ErrObjectNotFound
		}
		return fmt.Errorf("objectstore delete %s: %w", name, err)
	}
	return nil
}

// List returns the names of objects whose name starts with prefix. The
// object store has no server-side prefix query, so filtering happens here.
// An empty prefix returns all names.
func (os *ObjectStore) List(ctx context.Context, prefix string) ([]string, error) {
	ctx, cancel := os.applyTimeout(ctx)
	defer cancel()

	infos, err := os.bucket.List(ctx)
	if err != nil {
		if errors.Is(err, jetstream.ErrNoObjectsFound) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("objectstore list: %w", err)
	}

	names := make([]string, 0, len(infos))
	for _, info := range infos {
		if info == nil {
			continue
		}
		if prefix == "" || strings.HasPrefix(info.Name, prefix) {
			names = append(names, info.Name)
		}
	}
	return names, nil
}

// IsObjectNotFoundError checks if error indicates a missing object
func IsObjectNotFoundError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrObjectNotFound) || errors.Is(err, jetstream.ErrObjectNotFound) {
		return true
	}
	return strings.Contains(err.Error(), "object not found")
}

// ErrObjectNotFound indicates the named object does not exist in the bucket
var ErrObjectNotFound = errors.New("objectstore: object not found")
