// Package provider resolves bibliographic queries against external book
// metadata services. Each client normalizes its provider's wire format into
// Record; Gateway chains clients in priority order with fallback.
package provider

import (
	"context"
	"strings"

	"github.com/c360/bookstream/errors"
)

// Kind identifies the type of query being resolved.
type Kind string

// Supported query kinds
const (
	KindTitle  Kind = "title"  // title search, optionally narrowed by author
	KindAuthor Kind = "author" // all works by an author
	KindISBN   Kind = "isbn"   // exact edition lookup
)

// Valid reports whether k is a recognized query kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTitle, KindAuthor, KindISBN:
		return true
	}
	return false
}

// Query describes a bibliographic lookup.
type Query struct {
	Kind   Kind   `json:"kind"`
	Title  string `json:"title,omitempty"`
	Author string `json:"author,omitempty"`
	ISBN   string `json:"isbn,omitempty"`
	Limit  int    `json:"limit,omitempty"`
}

// Validate checks that the query carries the fields its kind requires.
func (q Query) Validate() error {
	if !q.Kind.Valid() {
		return errors.WrapInvalid(errors.ErrBadQuery, "provider", "Validate",
			"unknown query kind "+string(q.Kind))
	}
	switch q.Kind {
	case KindTitle:
		if strings.TrimSpace(q.Title) == "" {
			return errors.WrapInvalid(errors.ErrBadQuery, "provider", "Validate",
				"title query requires a title")
		}
	case KindAuthor:
		if strings.TrimSpace(q.Author) == "" {
			return errors.WrapInvalid(errors.ErrBadQuery, "provider", "Validate",
				"author query requires an author")
		}
	case KindISBN:
		if strings.TrimSpace(q.ISBN) == "" {
			return errors.WrapInvalid(errors.ErrBadQuery, "provider", "Validate",
				"isbn query requires an isbn")
		}
	}
	return nil
}

// Record is a normalized book metadata record, independent of which
// provider produced it.
type Record struct {
	Title       string   `json:"title"`
	Authors     []string `json:"authors,omitempty"`
	Description string   `json:"description,omitempty"`
	Publisher   string   `json:"publisher,omitempty"`
	PublishYear int      `json:"publishYear,omitempty"`
	ISBN        string   `json:"isbn,omitempty"`
	CoverURL    string   `json:"coverUrl,omitempty"`
	Language    string   `json:"language,omitempty"`
	Source      string   `json:"source"`
}

// Result is the outcome of a resolved query.
type Result struct {
	Provider string   `json:"provider"`
	Records  []Record `json:"records"`
}

// Provider is a single external bibliographic source.
type Provider interface {
	// Name returns the provider's display name.
	Name() string

	// Search resolves a query. Errors are classified: transient errors
	// (timeouts, rate limits, 5xx) may be retried or requeued by callers;
	// ErrNotFound and ErrBadQuery are permanent for this provider.
	Search(ctx context.Context, q Query) (*Result, error)
}
