package provider

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/bookstream/errors"
)

// stubProvider is a scripted provider for fallback chain tests.
type stubProvider struct {
	name   string
	result *Result
	err    error
	calls  int
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Search(_ context.Context, _ Query) (*Result, error) {
	s.calls++
	return s.result, s.err
}

func titleQuery() Query {
	return Query{Kind: KindTitle, Title: "Dune"}
}

func TestGateway_FirstProviderWins(t *testing.T) {
	first := &stubProvider{
		name:   "first",
		result: &Result{Provider: "first", Records: []Record{{Title: "Dune"}}},
	}
	second := &stubProvider{name: "second"}

	gw, err := NewGateway([]Provider{first, second})
	require.NoError(t, err)

	result, err := gw.Search(context.Background(), titleQuery())
	require.NoError(t, err)
	assert.Equal(t, "first", result.Provider)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 0, second.calls, "second provider should not be consulted")
}

func TestGateway_FallsThroughOnError(t *testing.T) {
	first := &stubProvider{
		name: "first",
		err:  errors.WrapTransient(errors.ErrProviderTimeout, "stub", "Search", "timeout"),
	}
	second := &stubProvider{
		name:   "second",
		result: &Result{Provider: "second", Records: []Record{{Title: "Dune"}}},
	}

	gw, err := NewGateway([]Provider{first, second})
	require.NoError(t, err)

	result, err := gw.Search(context.Background(), titleQuery())
	require.NoError(t, err)
	assert.Equal(t, "second", result.Provider)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
}

func TestGateway_FallsThroughOnNotFound(t *testing.T) {
	first := &stubProvider{
		name: "first",
		err:  errors.Wrap(errors.ErrNotFound, "stub", "Search", "no match"),
	}
	second := &stubProvider{
		name:   "second",
		result: &Result{Provider: "second", Records: []Record{{Title: "Dune"}}},
	}

	gw, err := NewGateway([]Provider{first, second})
	require.NoError(t, err)

	result, err := gw.Search(context.Background(), titleQuery())
	require.NoError(t, err)
	assert.Equal(t, "second", result.Provider)
}

func TestGateway_AllFailPermanent(t *testing.T) {
	first := &stubProvider{name: "first", err: errors.Wrap(errors.ErrNotFound, "stub", "Search", "no match")}
	second := &stubProvider{name: "second", err: errors.Wrap(errors.ErrNotFound, "stub", "Search", "no match")}

	gw, err := NewGateway([]Provider{first, second})
	require.NoError(t, err)

	_, err = gw.Search(context.Background(), titleQuery())
	require.Error(t, err)
	assert.True(t, errors.IsPermanent(err))
	assert.False(t, errors.IsTransient(err))
}

func TestGateway_AllFailWithTransient(t *testing.T) {
	first := &stubProvider{
		name: "first",
		err:  errors.Wrap(errors.ErrRateLimited, "stub", "Search", "rate limited"),
	}
	second := &stubProvider{
		name: "second",
		err:  errors.Wrap(errors.ErrNotFound, "stub", "Search", "no match"),
	}

	gw, err := NewGateway([]Provider{first, second})
	require.NoError(t, err)

	_, err = gw.Search(context.Background(), titleQuery())
	require.Error(t, err)
	// A transient failure anywhere in the chain makes the whole query retryable
	assert.True(t, errors.IsTransient(err))
}

func TestGateway_EmptyResultFallsThrough(t *testing.T) {
	first := &stubProvider{name: "first", result: &Result{Provider: "first", Records: nil}}
	second := &stubProvider{
		name:   "second",
		result: &Result{Provider: "second", Records: []Record{{Title: "Dune"}}},
	}

	gw, err := NewGateway([]Provider{first, second})
	require.NoError(t, err)

	result, err := gw.Search(context.Background(), titleQuery())
	require.NoError(t, err)
	assert.Equal(t, "second", result.Provider)
}

func TestGateway_InvalidQueryRejected(t *testing.T) {
	gw, err := NewGateway([]Provider{&stubProvider{name: "only"}})
	require.NoError(t, err)

	_, err = gw.Search(context.Background(), Query{Kind: KindTitle})
	assert.Error(t, err)
}

func TestGateway_NoProviders(t *testing.T) {
	_, err := NewGateway(nil)
	assert.Error(t, err)
}

func TestGateway_ContextCancelled(t *testing.T) {
	slow := &stubProvider{
		name: "slow",
		err:  errors.WrapTransient(errors.ErrProviderTimeout, "stub", "Search", "timeout"),
	}
	never := &stubProvider{name: "never"}

	gw, err := NewGateway([]Provider{slow, never}, WithCallTimeout(time.Second))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = gw.Search(ctx, titleQuery())
	require.Error(t, err)
	assert.Equal(t, 0, never.calls, "chain should stop once the context is done")
}

func TestGateway_Providers(t *testing.T) {
	gw, err := NewGateway([]Provider{
		&stubProvider{name: "openlibrary"},
		&stubProvider{name: "googlebooks"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"openlibrary", "googlebooks"}, gw.Providers())
}
