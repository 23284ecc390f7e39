// Package bookstream is the background data-acquisition and caching core for a
// book-metadata application. It resolves bibliographic queries against external
// metadata providers, caches results across three storage tiers (a process-local
// hot cache, a shared warm key-value store, and a durable cold archive), and
// runs long-lived background jobs whose progress is observable in near-real-time
// over WebSocket or server-sent events.
//
// The main entry point is cmd/bookstream. Component packages:
//
//   - provider: ordered fallback chain over bibliographic metadata sources
//   - cache: the tiered cache manager (get/set with promotion and write-through)
//   - archive: periodic demotion of stale warm entries into the cold tier
//   - warming: durable queue consumer that pre-populates the cache per author
//   - enrich: concurrency-bounded batch resolution with streamed progress
//   - progress: per-job progress state, decoupled from transport
//   - gateway: HTTP surface (batch submission, progress transports, health, metrics)
package bookstream
