// Package warming consumes cache-warming jobs from a durable queue. Each job
// names an entity (an author) whose works are fetched once and written
// through the cache, so later interactive lookups hit warm data. A processed
// marker deduplicates repeat requests inside a rolling window.
package warming

import (
	"strings"
	"time"

	"github.com/c360/bookstream/errors"
)

// Job is a single warming request from the queue.
type Job struct {
	JobID       string    `json:"jobId,omitempty"`
	EntityName  string    `json:"entityName"`
	Source      string    `json:"source,omitempty"`
	RequestedAt time.Time `json:"requestedAt,omitempty"`
}

// Validate checks the job carries a usable entity name.
func (j Job) Validate() error {
	if strings.TrimSpace(j.EntityName) == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "warming", "Validate",
			"job requires an entity name")
	}
	return nil
}

// EntityKey normalizes the entity name for marker and dedup lookups.
func (j Job) EntityKey() string {
	return strings.ToLower(strings.Join(strings.Fields(j.EntityName), "-"))
}
