package enrich

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/bookstream/cache"
	"github.com/c360/bookstream/errors"
	"github.com/c360/bookstream/metric"
	"github.com/c360/bookstream/pkg/worker"
	"github.com/c360/bookstream/progress"
	"github.com/c360/bookstream/provider"
)

const (
	// DefaultConcurrency bounds per-job parallel provider calls.
	DefaultConcurrency = 10
	// defaultItemTimeout bounds one item's cache lookup plus provider chain.
	defaultItemTimeout = 30 * time.Second
	// poolStopTimeout bounds worker pool drain at job end.
	poolStopTimeout = 30 * time.Second
)

// Cacher is the slice of the tiered cache the orchestrator uses.
type Cacher interface {
	Get(ctx context.Context, key string) (*cache.Entry, error)
	Set(ctx context.Context, key string, value json.RawMessage, kind cache.Kind, ttl time.Duration) error
}

// Searcher resolves queries through the provider fallback chain.
type Searcher interface {
	Search(ctx context.Context, q provider.Query) (*provider.Result, error)
}

// Orchestrator fans a batch of lookups across a bounded worker pool. Each
// item resolves cache-first, falling back to providers on a miss; item
// failures are recorded in the result set and never abort the batch.
type Orchestrator struct {
	cacher      Cacher
	searcher    Searcher
	progressCh  *progress.Channel
	logger      *slog.Logger
	itemTimeout time.Duration
	metrics     *orchestratorMetrics
}

// Option configures the orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithItemTimeout overrides the per-item resolution deadline.
func WithItemTimeout(d time.Duration) Option {
	return func(o *Orchestrator) {
		if d > 0 {
			o.itemTimeout = d
		}
	}
}

// WithMetrics registers enrichment metrics on the registry.
func WithMetrics(registry *metric.MetricsRegistry) Option {
	return func(o *Orchestrator) {
		if registry != nil {
			o.metrics = newOrchestratorMetrics(registry)
		}
	}
}

// NewOrchestrator creates an orchestrator. Cacher, searcher, and progress
// channel are required.
func NewOrchestrator(cacher Cacher, searcher Searcher, progressCh *progress.Channel, opts ...Option) (*Orchestrator, error) {
	if cacher == nil || searcher == nil || progressCh == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Orchestrator", "NewOrchestrator",
			"cacher, searcher, and progress channel are required")
	}

	o := &Orchestrator{
		cacher:      cacher,
		searcher:    searcher,
		progressCh:  progressCh,
		logger:      slog.Default(),
		itemTimeout: defaultItemTimeout,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

type workItem struct {
	index   int
	request ItemRequest
}

// Submit validates the batch and returns a job ID immediately; the batch
// runs in the background. Validation failures are synchronous; everything
// after submission is reported through the progress channel.
func (o *Orchestrator) Submit(_ context.Context, items []ItemRequest, limit int) (string, error) {
	job := Job{JobID: uuid.NewString(), Items: items, ConcurrencyLimit: limit}
	if err := job.Validate(); err != nil {
		return "", err
	}
	if job.ConcurrencyLimit <= 0 {
		job.ConcurrencyLimit = DefaultConcurrency
	}

	if o.metrics != nil {
		o.metrics.jobsSubmitted.Inc()
	}
	go o.run(job)
	return job.JobID, nil
}

// run owns a single job from first progress event to terminal event. It
// deliberately detaches from the caller's context: an accepted batch
// outlives the HTTP request that submitted it.
func (o *Orchestrator) run(job Job) {
	total := len(job.Items)
	logger := o.logger.With("jobId", job.JobID, "items", total, "concurrency", job.ConcurrencyLimit)
	logger.Info("enrichment batch started")

	o.progressCh.Update(job.JobID, 0, total, "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	results := make([]ItemResult, total)
	var completed atomic.Int64
	var wg sync.WaitGroup

	pool := worker.NewPool(job.ConcurrencyLimit, total, func(ctx context.Context, item workItem) error {
		defer wg.Done()
		result := o.resolveItem(ctx, item.request)
		results[item.index] = result

		done := int(completed.Add(1))
		o.progressCh.Update(job.JobID, done, total, item.request.Label())
		if !result.Success {
			return errors.Wrap(errors.ErrNotFound, "Orchestrator", "run", result.ErrorReason)
		}
		return nil
	})

	if err := pool.Start(ctx); err != nil {
		logger.Error("worker pool start failed", "error", err)
		o.progressCh.Fail(job.JobID, "worker pool unavailable")
		return
	}
	defer func() {
		if err := pool.Stop(poolStopTimeout); err != nil {
			logger.Warn("worker pool stop", "error", err)
		}
	}()

	wg.Add(total)
	for i, item := range job.Items {
		if err := pool.Submit(workItem{index: i, request: item}); err != nil {
			// The queue is sized to the batch, so this is unreachable
			// unless the pool is shutting down underneath us.
			logger.Error("item submission failed", "error", err)
			wg.Add(-(total - i))
			o.progressCh.Fail(job.JobID, "batch dispatch failed")
			return
		}
	}
	wg.Wait()

	succeeded := 0
	for _, r := range results {
		if r.Success {
			succeeded++
		}
	}
	if o.metrics != nil {
		o.metrics.itemsEnriched.Add(float64(succeeded))
		o.metrics.itemsFailed.Add(float64(total - succeeded))
	}

	payload, err := json.Marshal(results)
	if err != nil {
		logger.Error("result set marshal failed", "error", err)
		o.progressCh.Fail(job.JobID, "result encoding failed")
		return
	}
	o.progressCh.Complete(job.JobID, total, total, payload)
	logger.Info("enrichment batch finished", "succeeded", succeeded, "failed", total-succeeded)
}

// resolveItem answers one request: cache hit, or provider chain plus
// write-back. Failures become a recorded result, never an aborted batch.
func (o *Orchestrator) resolveItem(ctx context.Context, request ItemRequest) ItemResult {
	ctx, cancel := context.WithTimeout(ctx, o.itemTimeout)
	defer cancel()

	key := request.CacheKey()
	if entry, err := o.cacher.Get(ctx, key); err == nil {
		var record provider.Record
		if err := json.Unmarshal(entry.Value, &record); err == nil {
			if o.metrics != nil {
				o.metrics.cacheHits.Inc()
			}
			return ItemResult{Request: request, Record: &record, Success: true}
		}
		o.logger.Warn("corrupt cache entry, resolving from providers", "key", key)
	}

	result, err := o.searcher.Search(ctx, request.Query())
	if err != nil || len(result.Records) == 0 {
		reason := "no matching record"
		if err != nil {
			reason = err.Error()
		}
		return ItemResult{Request: request, Success: false, ErrorReason: reason}
	}

	record := result.Records[0]
	if data, err := json.Marshal(record); err == nil {
		if err := o.cacher.Set(ctx, key, data, request.CacheKind(), 0); err != nil {
			o.logger.Warn("cache write-back failed", "key", key, "error", err)
		}
	}
	return ItemResult{Request: request, Record: &record, Success: true}
}

type orchestratorMetrics struct {
	jobsSubmitted prometheus.Counter
	itemsEnriched prometheus.Counter
	itemsFailed   prometheus.Counter
	cacheHits     prometheus.Counter
}

func newOrchestratorMetrics(registry *metric.MetricsRegistry) *orchestratorMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bookstream",
			Subsystem: "enrich",
			Name:      name,
			Help:      help,
		})
	}

	m := &orchestratorMetrics{
		jobsSubmitted: counter("jobs_submitted_total", "Batches accepted for enrichment"),
		itemsEnriched: counter("items_enriched_total", "Items resolved successfully"),
		itemsFailed:   counter("items_failed_total", "Items that could not be resolved"),
		cacheHits:     counter("cache_hits_total", "Items answered from the cache"),
	}

	for name, c := range map[string]prometheus.Counter{
		"jobs_submitted_total": m.jobsSubmitted,
		"items_enriched_total": m.itemsEnriched,
		"items_failed_total":   m.itemsFailed,
		"cache_hits_total":     m.cacheHits,
	} {
		if err := registry.RegisterCounter("enrich", name, c); err != nil {
			slog.Default().Warn("enrich metric registration failed", "metric", name, "error", err)
		}
	}
	return m
}
