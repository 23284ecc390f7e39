package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/c360/bookstream/errors"
)

const openLibraryName = "openlibrary"

// OpenLibraryClient resolves queries against the Open Library search and
// edition APIs. No API key is required.
type OpenLibraryClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewOpenLibraryClient creates an Open Library client. An empty baseURL uses
// the public endpoint.
func NewOpenLibraryClient(baseURL string, logger *slog.Logger) *OpenLibraryClient {
	if baseURL == "" {
		baseURL = "https://openlibrary.org"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenLibraryClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// Name returns the provider's display name.
func (c *OpenLibraryClient) Name() string {
	return openLibraryName
}

type openLibrarySearchDoc struct {
	Title            string   `json:"title"`
	AuthorName       []string `json:"author_name"`
	FirstPublishYear int      `json:"first_publish_year"`
	ISBN             []string `json:"isbn"`
	Publisher        []string `json:"publisher"`
	Language         []string `json:"language"`
	CoverI           int      `json:"cover_i"`
}

type openLibrarySearchResponse struct {
	NumFound int                    `json:"numFound"`
	Docs     []openLibrarySearchDoc `json:"docs"`
}

// Search resolves a query against Open Library.
func (c *OpenLibraryClient) Search(ctx context.Context, q Query) (*Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	if q.Kind == KindISBN {
		return c.lookupISBN(ctx, q.ISBN)
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}

	params := url.Values{}
	params.Set("limit", fmt.Sprintf("%d", limit))
	switch q.Kind {
	case KindTitle:
		params.Set("title", q.Title)
		if q.Author != "" {
			params.Set("author", q.Author)
		}
	case KindAuthor:
		params.Set("author", q.Author)
	}

	searchURL := fmt.Sprintf("%s/search.json?%s", c.baseURL, params.Encode())

	var searchResp openLibrarySearchResponse
	if err := c.getJSON(ctx, searchURL, &searchResp); err != nil {
		return nil, err
	}

	records := make([]Record, 0, len(searchResp.Docs))
	for _, doc := range searchResp.Docs {
		rec := Record{
			Title:       doc.Title,
			Authors:     doc.AuthorName,
			PublishYear: doc.FirstPublishYear,
			Source:      openLibraryName,
		}
		if len(doc.Publisher) > 0 {
			rec.Publisher = doc.Publisher[0]
		}
		if len(doc.ISBN) > 0 {
			rec.ISBN = doc.ISBN[0]
		}
		if len(doc.Language) > 0 {
			rec.Language = doc.Language[0]
		}
		if doc.CoverI > 0 {
			rec.CoverURL = fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-L.jpg", doc.CoverI)
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, errors.Wrap(errors.ErrNotFound, "OpenLibraryClient", "Search",
			"no matches for query")
	}

	return &Result{Provider: openLibraryName, Records: records}, nil
}

func (c *OpenLibraryClient) lookupISBN(ctx context.Context, isbn string) (*Result, error) {
	apiURL := fmt.Sprintf("%s/isbn/%s.json", c.baseURL, url.PathEscape(isbn))

	var book map[string]any
	if err := c.getJSON(ctx, apiURL, &book); err != nil {
		return nil, err
	}

	rec := Record{
		ISBN:   isbn,
		Source: openLibraryName,
	}
	if title, ok := book["title"].(string); ok {
		rec.Title = title
	}
	if publishDate, ok := book["publish_date"].(string); ok && len(publishDate) >= 4 {
		var year int
		fmt.Sscanf(publishDate, "%d", &year)
		rec.PublishYear = year
	}
	if publishers, ok := book["publishers"].([]any); ok && len(publishers) > 0 {
		if pub, ok := publishers[0].(string); ok {
			rec.Publisher = pub
		}
	}
	if covers, ok := book["covers"].([]any); ok && len(covers) > 0 {
		if coverID, ok := covers[0].(float64); ok {
			rec.CoverURL = fmt.Sprintf("https://covers.openlibrary.org/b/id/%d-L.jpg", int(coverID))
		}
	}

	return &Result{Provider: openLibraryName, Records: []Record{rec}}, nil
}

func (c *OpenLibraryClient) getJSON(ctx context.Context, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return errors.WrapInvalid(err, "OpenLibraryClient", "getJSON", "build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "OpenLibraryClient", "getJSON", "http get")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errors.Wrap(errors.ErrNotFound, "OpenLibraryClient", "getJSON", "book not found")
	case resp.StatusCode == http.StatusTooManyRequests:
		return errors.Wrap(errors.ErrRateLimited, "OpenLibraryClient", "getJSON", "rate limited")
	case resp.StatusCode >= 500:
		return errors.WrapTransient(
			fmt.Errorf("status %d", resp.StatusCode),
			"OpenLibraryClient", "getJSON", "server error")
	case resp.StatusCode != http.StatusOK:
		return errors.WrapInvalid(
			fmt.Errorf("status %d", resp.StatusCode),
			"OpenLibraryClient", "getJSON", "unexpected status")
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.WrapInvalid(err, "OpenLibraryClient", "getJSON", "decode response")
	}
	return nil
}
