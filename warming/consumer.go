package warming

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/time/rate"

	"github.com/c360/bookstream/cache"
	"github.com/c360/bookstream/errors"
	"github.com/c360/bookstream/metric"
	"github.com/c360/bookstream/provider"
)

const (
	// DefaultStreamName is the stream holding warming jobs.
	DefaultStreamName = "WARMING"
	// DefaultSubject is where warming jobs are published.
	DefaultSubject = "warming.jobs"
	// DefaultDeadLetterSubject receives jobs that exhausted delivery attempts.
	DefaultDeadLetterSubject = "warming.deadletter"
	// DefaultDurableName identifies the shared durable consumer.
	DefaultDurableName = "warming-workers"
	// DefaultMaxDeliveries is the delivery attempt budget per message.
	DefaultMaxDeliveries = 3
	// DefaultRetryDelay is the base redelivery delay after a transient failure.
	DefaultRetryDelay = 30 * time.Second
	// DefaultTitleRate paces per-title cache writes, in titles per second.
	DefaultTitleRate = 2.0
)

// JetStreamClient is the subset of the NATS client the consumer needs.
type JetStreamClient interface {
	CreateStream(ctx context.Context, cfg jetstream.StreamConfig) (jetstream.Stream, error)
	CreateConsumer(ctx context.Context, streamName string, cfg jetstream.ConsumerConfig) (jetstream.Consumer, error)
	PublishToStream(ctx context.Context, subject string, data []byte) error
}

// Searcher looks up book records for an entity.
type Searcher interface {
	Search(ctx context.Context, q provider.Query) (*provider.Result, error)
}

// Cacher writes warmed records into the tiered cache.
type Cacher interface {
	Set(ctx context.Context, key string, value json.RawMessage, kind cache.Kind, ttl time.Duration) error
}

// Consumer drains warming jobs from a durable JetStream consumer, fetches
// records for each entity, and populates the cache. Entities warmed within
// the dedup window are skipped without touching providers.
type Consumer struct {
	js       JetStreamClient
	searcher Searcher
	cacher   Cacher
	markers  *MarkerStore
	logger   *slog.Logger

	streamName        string
	subject           string
	deadLetterSubject string
	durableName       string
	maxDeliveries     int
	retryDelay        time.Duration
	limiter           *rate.Limiter
	metrics           *consumerMetrics

	mu      sync.Mutex
	started bool
	consCtx jetstream.ConsumeContext
	cancel  context.CancelFunc
}

// ConsumerOption configures the warming consumer.
type ConsumerOption func(*Consumer)

// WithStream overrides the stream name and subject.
func WithStream(streamName, subject string) ConsumerOption {
	return func(c *Consumer) {
		c.streamName = streamName
		c.subject = subject
	}
}

// WithDeadLetterSubject overrides the dead-letter subject.
func WithDeadLetterSubject(subject string) ConsumerOption {
	return func(c *Consumer) { c.deadLetterSubject = subject }
}

// WithDurableName overrides the durable consumer name.
func WithDurableName(name string) ConsumerOption {
	return func(c *Consumer) { c.durableName = name }
}

// WithMaxDeliveries overrides the delivery attempt budget.
func WithMaxDeliveries(n int) ConsumerOption {
	return func(c *Consumer) {
		if n > 0 {
			c.maxDeliveries = n
		}
	}
}

// WithRetryDelay overrides the base redelivery delay.
func WithRetryDelay(d time.Duration) ConsumerOption {
	return func(c *Consumer) {
		if d > 0 {
			c.retryDelay = d
		}
	}
}

// WithTitleRate overrides the per-title pacing, in titles per second.
func WithTitleRate(perSecond float64) ConsumerOption {
	return func(c *Consumer) {
		if perSecond > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(perSecond), 1)
		}
	}
}

// WithConsumerLogger sets the logger.
func WithConsumerLogger(logger *slog.Logger) ConsumerOption {
	return func(c *Consumer) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithConsumerMetrics registers warming metrics on the registry.
func WithConsumerMetrics(registry *metric.MetricsRegistry) ConsumerOption {
	return func(c *Consumer) {
		if registry != nil {
			c.metrics = newConsumerMetrics(registry)
		}
	}
}

// NewConsumer creates a warming consumer. The JetStream client, searcher,
// cacher, and marker store are all required.
func NewConsumer(js JetStreamClient, searcher Searcher, cacher Cacher, markers *MarkerStore, opts ...ConsumerOption) (*Consumer, error) {
	if js == nil || searcher == nil || cacher == nil || markers == nil {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Consumer", "NewConsumer",
			"js client, searcher, cacher, and marker store are required")
	}

	c := &Consumer{
		js:                js,
		searcher:          searcher,
		cacher:            cacher,
		markers:           markers,
		logger:            slog.Default(),
		streamName:        DefaultStreamName,
		subject:           DefaultSubject,
		deadLetterSubject: DefaultDeadLetterSubject,
		durableName:       DefaultDurableName,
		maxDeliveries:     DefaultMaxDeliveries,
		retryDelay:        DefaultRetryDelay,
		limiter:           rate.NewLimiter(rate.Limit(DefaultTitleRate), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Start creates the stream and durable consumer and begins draining jobs.
func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return errors.Wrap(errors.ErrAlreadyStarted, "Consumer", "Start", "warming consumer running")
	}

	if _, err := c.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:      c.streamName,
		Subjects:  []string{c.subject, c.deadLetterSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
	}); err != nil {
		return errors.WrapTransient(err, "Consumer", "Start", "create warming stream")
	}

	cons, err := c.js.CreateConsumer(ctx, c.streamName, jetstream.ConsumerConfig{
		Durable:       c.durableName,
		FilterSubject: c.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxDeliver:    c.maxDeliveries,
		AckWait:       5 * time.Minute,
	})
	if err != nil {
		return errors.WrapTransient(err, "Consumer", "Start", "create durable consumer")
	}

	runCtx, cancel := context.WithCancel(context.Background())
	consCtx, err := cons.Consume(func(msg jetstream.Msg) {
		c.handleMessage(runCtx, msg)
	})
	if err != nil {
		cancel()
		return errors.WrapTransient(err, "Consumer", "Start", "start message consumption")
	}

	c.consCtx = consCtx
	c.cancel = cancel
	c.started = true
	c.logger.Info("warming consumer started",
		"stream", c.streamName,
		"subject", c.subject,
		"durable", c.durableName)
	return nil
}

// Stop halts consumption. Safe to call more than once.
func (c *Consumer) Stop(timeout time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started {
		return nil
	}
	c.consCtx.Drain()
	select {
	case <-c.consCtx.Closed():
	case <-time.After(timeout):
		c.consCtx.Stop()
	}
	c.cancel()
	c.started = false
	c.logger.Info("warming consumer stopped")
	return nil
}

// EnqueueJob publishes a warming job onto the stream.
func (c *Consumer) EnqueueJob(ctx context.Context, job Job) error {
	if err := job.Validate(); err != nil {
		return err
	}
	data, err := json.Marshal(job)
	if err != nil {
		return errors.WrapInvalid(err, "Consumer", "EnqueueJob", "marshal job")
	}
	if err := c.js.PublishToStream(ctx, c.subject, data); err != nil {
		return errors.WrapTransient(err, "Consumer", "EnqueueJob", "publish job")
	}
	return nil
}

// handleMessage runs one delivery through the warming state machine. Every
// path ends in exactly one ack decision.
func (c *Consumer) handleMessage(ctx context.Context, msg jetstream.Msg) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		c.logger.Error("unparseable warming job, dead-lettering", "error", err)
		c.deadLetter(ctx, msg, "unparseable payload")
		c.ack(msg)
		return
	}
	if err := job.Validate(); err != nil {
		c.logger.Error("invalid warming job, dead-lettering", "error", err, "jobId", job.JobID)
		c.deadLetter(ctx, msg, "invalid job")
		c.ack(msg)
		return
	}

	entityKey := job.EntityKey()
	logger := c.logger.With("jobId", job.JobID, "entity", entityKey)

	fresh, err := c.markers.IsProcessed(ctx, entityKey)
	if err != nil {
		// Marker store unreachable: retry later rather than duplicate work
		logger.Warn("marker lookup failed, delaying", "error", err)
		c.retryOrDeadLetter(ctx, msg, logger)
		return
	}
	if fresh {
		logger.Debug("entity warmed within dedup window, skipping")
		if c.metrics != nil {
			c.metrics.skipped.Inc()
		}
		c.ack(msg)
		return
	}

	result, err := c.searcher.Search(ctx, provider.Query{
		Kind:   provider.KindAuthor,
		Author: job.EntityName,
	})
	if err != nil {
		if errors.IsTransient(err) {
			logger.Warn("provider fetch failed, will retry", "error", err)
			if c.metrics != nil {
				c.metrics.retried.Inc()
			}
			c.retryOrDeadLetter(ctx, msg, logger)
			return
		}
		// No records exist for this entity. Acking without a marker lets a
		// later request try again once providers may have the data.
		logger.Info("no records for entity", "error", err)
		c.ack(msg)
		return
	}

	if err := c.populate(ctx, entityKey, job.EntityName, result); err != nil {
		logger.Warn("cache population incomplete, will retry", "error", err)
		c.retryOrDeadLetter(ctx, msg, logger)
		return
	}

	if err := c.markers.Mark(ctx, entityKey); err != nil {
		// Cache is already populated; a missing marker only risks redundant
		// work, so do not fail the delivery over it.
		logger.Warn("marker write failed", "error", err)
	}

	if c.metrics != nil {
		c.metrics.warmed.Inc()
		c.metrics.titles.Add(float64(len(result.Records)))
	}
	logger.Info("entity warmed", "titles", len(result.Records), "provider", result.Provider)
	c.ack(msg)
}

// populate writes the aggregate author entry plus one entry per title,
// pacing title writes through the rate limiter.
func (c *Consumer) populate(ctx context.Context, entityKey, entityName string, result *provider.Result) error {
	aggregate, err := json.Marshal(result.Records)
	if err != nil {
		return errors.WrapInvalid(err, "Consumer", "populate", "marshal record set")
	}
	authorKey := cache.Key(cache.KindAuthor, 0, entityName)
	if err := c.cacher.Set(ctx, authorKey, aggregate, cache.KindAuthor, 0); err != nil {
		return errors.WrapTransient(err, "Consumer", "populate", "cache author set")
	}

	for _, record := range result.Records {
		if record.Title == "" {
			continue
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return errors.WrapTransient(err, "Consumer", "populate", "pacing interrupted")
		}
		data, err := json.Marshal(record)
		if err != nil {
			c.logger.Warn("skipping unmarshalable record", "entity", entityKey, "title", record.Title)
			continue
		}
		titleKey := cache.Key(cache.KindTitle, 0, record.Title, entityName)
		if err := c.cacher.Set(ctx, titleKey, data, cache.KindTitle, 0); err != nil {
			// Per-title failures are tolerable; the aggregate entry still
			// serves author lookups.
			c.logger.Warn("title cache write failed", "entity", entityKey,
				"title", record.Title, "error", err)
		}
	}
	return nil
}

// retryOrDeadLetter delays redelivery with backoff scaled by attempt count,
// or dead-letters once the delivery budget is spent.
func (c *Consumer) retryOrDeadLetter(ctx context.Context, msg jetstream.Msg, logger *slog.Logger) {
	meta, err := msg.Metadata()
	if err == nil && int(meta.NumDelivered) >= c.maxDeliveries {
		logger.Error("delivery budget exhausted, dead-lettering", "deliveries", meta.NumDelivered)
		c.deadLetter(ctx, msg, "max deliveries exceeded")
		c.ack(msg)
		return
	}

	delay := c.retryDelay
	if err == nil && meta.NumDelivered > 1 {
		delay = c.retryDelay * time.Duration(meta.NumDelivered)
	}
	if nakErr := msg.NakWithDelay(delay); nakErr != nil {
		logger.Warn("nak failed", "error", nakErr)
	}
}

// deadLetter forwards the raw payload to the dead-letter subject so it can
// be inspected or replayed. The original message is acked by the caller.
func (c *Consumer) deadLetter(ctx context.Context, msg jetstream.Msg, reason string) {
	if c.metrics != nil {
		c.metrics.deadLettered.Inc()
	}
	envelope, err := json.Marshal(map[string]any{
		"reason":   reason,
		"payload":  json.RawMessage(msg.Data()),
		"failedAt": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		envelope = msg.Data()
	}
	if err := c.js.PublishToStream(ctx, c.deadLetterSubject, envelope); err != nil {
		c.logger.Error("dead-letter publish failed, job will be lost",
			"subject", c.deadLetterSubject, "error", err)
	}
}

func (c *Consumer) ack(msg jetstream.Msg) {
	if err := msg.Ack(); err != nil {
		c.logger.Warn("ack failed", "error", err)
	}
}

type consumerMetrics struct {
	warmed       prometheus.Counter
	skipped      prometheus.Counter
	retried      prometheus.Counter
	deadLettered prometheus.Counter
	titles       prometheus.Counter
}

func newConsumerMetrics(registry *metric.MetricsRegistry) *consumerMetrics {
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "bookstream",
			Subsystem: "warming",
			Name:      name,
			Help:      help,
		})
	}

	m := &consumerMetrics{
		warmed:       counter("entities_warmed_total", "Entities fully warmed into the cache"),
		skipped:      counter("entities_skipped_total", "Entities skipped by the dedup window"),
		retried:      counter("retries_total", "Deliveries delayed for retry"),
		deadLettered: counter("dead_lettered_total", "Jobs forwarded to the dead-letter subject"),
		titles:       counter("titles_cached_total", "Per-title cache entries written"),
	}

	for name, c := range map[string]prometheus.Counter{
		"entities_warmed_total":  m.warmed,
		"entities_skipped_total": m.skipped,
		"retries_total":          m.retried,
		"dead_lettered_total":    m.deadLettered,
		"titles_cached_total":    m.titles,
	} {
		if err := registry.RegisterCounter("warming", name, c); err != nil {
			slog.Default().Warn("warming metric registration failed", "metric", name, "error", err)
		}
	}
	return m
}
