// Package progress fans out per-job progress events to subscribers. It is
// transport-agnostic: the HTTP gateway bridges subscriptions onto WebSocket
// and SSE connections, but anything holding a Channel can subscribe.
//
// Producers never block. Each job gets its own hub, created lazily on the
// first update or subscription and torn down a grace period after the job
// reaches a terminal state. The hub keeps only the latest event, so late
// subscribers immediately see current state instead of replaying history.
package progress

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// DefaultGracePeriod is how long a hub lingers after its terminal event so
// that late subscribers can still read the outcome.
const DefaultGracePeriod = 5 * time.Minute

// subscriberBuffer bounds each subscriber channel. A slow consumer loses
// intermediate events, never the latest one.
const subscriberBuffer = 16

// Event is a point-in-time snapshot of a job's progress.
type Event struct {
	JobID     string          `json:"jobId"`
	Completed int             `json:"completed"`
	Total     int             `json:"total"`
	Label     string          `json:"label,omitempty"`
	Done      bool            `json:"done"`
	Err       bool            `json:"err"`
	Reason    string          `json:"reason,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type hub struct {
	mu        sync.Mutex
	latest    Event
	hasLatest bool
	terminal  bool
	subs      map[chan Event]struct{}
}

func newHub() *hub {
	return &hub{subs: make(map[chan Event]struct{})}
}

// publish stores the event as the latest snapshot and offers it to every
// subscriber without blocking. When a subscriber's buffer is full the oldest
// buffered event is discarded to make room.
func (h *hub) publish(event Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.terminal {
		return
	}

	// Counts are monotone: a racing producer can never roll progress back.
	if h.hasLatest && event.Completed < h.latest.Completed && !event.Done {
		event.Completed = h.latest.Completed
	}
	if event.Total > 0 && event.Completed > event.Total {
		event.Completed = event.Total
	}

	h.latest = event
	h.hasLatest = true
	if event.Done {
		h.terminal = true
	}

	for sub := range h.subs {
		select {
		case sub <- event:
		default:
			select {
			case <-sub:
			default:
			}
			select {
			case sub <- event:
			default:
			}
		}
	}
}

func (h *hub) subscribe() chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	// The snapshot is enqueued before registration, under the same lock
	// publish holds, so no racing event can land ahead of it and roll the
	// subscriber's observed count backwards.
	sub := make(chan Event, subscriberBuffer)
	if h.hasLatest {
		sub <- h.latest
	}
	h.subs[sub] = struct{}{}
	return sub
}

func (h *hub) unsubscribe(sub chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, sub)
}

func (h *hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for sub := range h.subs {
		close(sub)
		delete(h.subs, sub)
	}
}

// Channel multiplexes progress hubs across jobs.
type Channel struct {
	mu     sync.Mutex
	jobs   map[string]*hub
	grace  time.Duration
	logger *slog.Logger
}

// Option configures a Channel.
type Option func(*Channel)

// WithGracePeriod overrides how long terminal hubs linger.
func WithGracePeriod(d time.Duration) Option {
	return func(c *Channel) {
		if d > 0 {
			c.grace = d
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Channel) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// NewChannel creates an empty progress channel.
func NewChannel(opts ...Option) *Channel {
	c := &Channel{
		jobs:   make(map[string]*hub),
		grace:  DefaultGracePeriod,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) hubFor(jobID string) *hub {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.jobs[jobID]
	if !ok {
		h = newHub()
		c.jobs[jobID] = h
	}
	return h
}

// Update publishes a non-terminal progress snapshot.
func (c *Channel) Update(jobID string, completed, total int, label string) {
	c.hubFor(jobID).publish(Event{
		JobID:     jobID,
		Completed: completed,
		Total:     total,
		Label:     label,
	})
}

// Complete publishes the terminal success event carrying the job's payload,
// then schedules the hub for teardown.
func (c *Channel) Complete(jobID string, completed, total int, payload json.RawMessage) {
	c.hubFor(jobID).publish(Event{
		JobID:     jobID,
		Completed: completed,
		Total:     total,
		Done:      true,
		Payload:   payload,
	})
	c.scheduleTeardown(jobID)
}

// Fail publishes the terminal failure event, then schedules the hub for
// teardown.
func (c *Channel) Fail(jobID, reason string) {
	h := c.hubFor(jobID)
	h.mu.Lock()
	completed, total := h.latest.Completed, h.latest.Total
	h.mu.Unlock()

	h.publish(Event{
		JobID:     jobID,
		Completed: completed,
		Total:     total,
		Done:      true,
		Err:       true,
		Reason:    reason,
	})
	c.scheduleTeardown(jobID)
}

// Subscribe attaches to a job's hub. The returned channel receives the
// latest snapshot immediately when one exists, then subsequent events. The
// cancel function detaches the subscriber; the channel is closed when the
// hub is torn down.
func (c *Channel) Subscribe(jobID string) (<-chan Event, func()) {
	h := c.hubFor(jobID)
	sub := h.subscribe()
	return sub, func() { h.unsubscribe(sub) }
}

// Snapshot returns the latest event for a job, if any.
func (c *Channel) Snapshot(jobID string) (Event, bool) {
	c.mu.Lock()
	h, ok := c.jobs[jobID]
	c.mu.Unlock()
	if !ok {
		return Event{}, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.latest, h.hasLatest
}

// ActiveJobs returns the number of live hubs.
func (c *Channel) ActiveJobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.jobs)
}

func (c *Channel) scheduleTeardown(jobID string) {
	time.AfterFunc(c.grace, func() {
		c.mu.Lock()
		h, ok := c.jobs[jobID]
		if ok {
			delete(c.jobs, jobID)
		}
		c.mu.Unlock()
		if ok {
			h.closeAll()
			c.logger.Debug("progress hub torn down", "jobId", jobID)
		}
	})
}
