package provider

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/c360/bookstream/errors"
)

// Gateway resolves queries through an ordered chain of providers. The first
// provider that returns records wins; failures and empty results fall
// through to the next provider in the chain.
type Gateway struct {
	providers   []Provider
	callTimeout time.Duration
	logger      *slog.Logger
}

// GatewayOption configures a Gateway.
type GatewayOption func(*Gateway)

// WithCallTimeout bounds each individual provider call.
func WithCallTimeout(d time.Duration) GatewayOption {
	return func(g *Gateway) {
		if d > 0 {
			g.callTimeout = d
		}
	}
}

// WithGatewayLogger sets the gateway's logger.
func WithGatewayLogger(logger *slog.Logger) GatewayOption {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// NewGateway creates a gateway over the given providers, tried in order.
func NewGateway(providers []Provider, opts ...GatewayOption) (*Gateway, error) {
	if len(providers) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Gateway", "NewGateway",
			"at least one provider is required")
	}

	g := &Gateway{
		providers:   providers,
		callTimeout: 15 * time.Second,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Providers returns the names of the chained providers in priority order.
func (g *Gateway) Providers() []string {
	names := make([]string, len(g.providers))
	for i, p := range g.providers {
		names[i] = p.Name()
	}
	return names
}

// Search resolves a query through the fallback chain. When every provider
// fails, the returned error reflects the chain's overall retryability: if any
// provider failed transiently the error is transient, so callers may retry;
// a chain of purely permanent failures yields a permanent error.
func (g *Gateway) Search(ctx context.Context, q Query) (*Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var lastErr error
	anyTransient := false

	for _, p := range g.providers {
		callCtx, cancel := context.WithTimeout(ctx, g.callTimeout)
		result, err := p.Search(callCtx, q)
		cancel()

		if err == nil && result != nil && len(result.Records) > 0 {
			g.logger.Debug("provider resolved query",
				"provider", p.Name(), "kind", q.Kind, "records", len(result.Records))
			return result, nil
		}

		if err != nil {
			if errors.IsTransient(err) {
				anyTransient = true
			}
			g.logger.Warn("provider failed, falling back",
				"provider", p.Name(), "kind", q.Kind, "error", err)
			lastErr = err
		} else {
			lastErr = errors.Wrap(errors.ErrNotFound, "Gateway", "Search",
				fmt.Sprintf("provider %s returned no records", p.Name()))
		}

		// The caller's context expiring ends the chain early
		if ctx.Err() != nil {
			return nil, errors.WrapTransient(ctx.Err(), "Gateway", "Search", "query cancelled")
		}
	}

	if anyTransient {
		return nil, errors.WrapTransient(lastErr, "Gateway", "Search", "all providers failed")
	}
	return nil, errors.Wrap(lastErr, "Gateway", "Search", "all providers failed")
}
