// Package enrich runs batch metadata enrichment: a caller submits a list of
// book lookups and gets back a job ID, while a bounded worker pool resolves
// each item cache-first and streams progress to subscribers.
package enrich

import (
	"fmt"
	"strings"

	"github.com/c360/bookstream/cache"
	"github.com/c360/bookstream/errors"
	"github.com/c360/bookstream/provider"
)

// ItemRequest identifies one book to enrich. Title or ISBN is required;
// Author narrows title lookups.
type ItemRequest struct {
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
	ISBN   string `json:"isbn,omitempty"`
}

// Validate checks the request carries enough to look anything up.
func (r ItemRequest) Validate() error {
	if strings.TrimSpace(r.Title) == "" && strings.TrimSpace(r.ISBN) == "" {
		return errors.WrapInvalid(errors.ErrBadQuery, "ItemRequest", "Validate",
			"title or isbn is required")
	}
	return nil
}

// Label is the human-readable name used in progress events.
func (r ItemRequest) Label() string {
	if r.Title != "" {
		return r.Title
	}
	return r.ISBN
}

// Query maps the request onto a provider query. ISBN lookups are exact, so
// they win over title search when both are present.
func (r ItemRequest) Query() provider.Query {
	if strings.TrimSpace(r.ISBN) != "" {
		return provider.Query{Kind: provider.KindISBN, ISBN: strings.TrimSpace(r.ISBN), Limit: 1}
	}
	return provider.Query{
		Kind:   provider.KindTitle,
		Title:  strings.TrimSpace(r.Title),
		Author: strings.TrimSpace(r.Author),
		Limit:  1,
	}
}

// CacheKey is the deterministic tier key for this request.
func (r ItemRequest) CacheKey() string {
	if strings.TrimSpace(r.ISBN) != "" {
		return cache.Key(cache.KindWork, 0, r.ISBN)
	}
	return cache.Key(cache.KindTitle, 0, r.Title, r.Author)
}

// CacheKind is the entry kind the resolved record is stored under.
func (r ItemRequest) CacheKind() cache.Kind {
	if strings.TrimSpace(r.ISBN) != "" {
		return cache.KindWork
	}
	return cache.KindTitle
}

// ItemResult is the outcome for one request in a batch.
type ItemResult struct {
	Request     ItemRequest      `json:"request"`
	Record      *provider.Record `json:"record,omitempty"`
	Success     bool             `json:"success"`
	ErrorReason string           `json:"errorReason,omitempty"`
}

// Job describes a submitted batch.
type Job struct {
	JobID            string        `json:"jobId"`
	Items            []ItemRequest `json:"items"`
	ConcurrencyLimit int           `json:"concurrencyLimit"`
}

// Validate rejects empty batches and malformed items before any work starts.
func (j Job) Validate() error {
	if len(j.Items) == 0 {
		return errors.WrapInvalid(errors.ErrEmptyBatch, "Job", "Validate", "no items submitted")
	}
	for i, item := range j.Items {
		if err := item.Validate(); err != nil {
			return errors.WrapInvalid(err, "Job", "Validate",
				fmt.Sprintf("item %d invalid", i))
		}
	}
	return nil
}
