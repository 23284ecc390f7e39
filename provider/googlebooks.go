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

const googleBooksName = "googlebooks"

// GoogleBooksClient resolves queries against the Google Books Volume API.
// The free tier needs no API key.
type GoogleBooksClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

// NewGoogleBooksClient creates a Google Books client. An empty baseURL uses
// the public endpoint.
func NewGoogleBooksClient(baseURL string, logger *slog.Logger) *GoogleBooksClient {
	if baseURL == "" {
		baseURL = "https://www.googleapis.com/books/v1"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &GoogleBooksClient{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// Name returns the provider's display name.
func (c *GoogleBooksClient) Name() string {
	return googleBooksName
}

type googleBooksResponse struct {
	TotalItems int              `json:"totalItems"`
	Items      []googleBooksVol `json:"items"`
}

type googleBooksVol struct {
	VolumeInfo googleBooksVolumeInfo `json:"volumeInfo"`
}

type googleBooksVolumeInfo struct {
	Title               string                  `json:"title"`
	Authors             []string                `json:"authors"`
	Publisher           string                  `json:"publisher"`
	PublishedDate       string                  `json:"publishedDate"`
	Description         string                  `json:"description"`
	IndustryIdentifiers []googleBooksIndustryID `json:"industryIdentifiers"`
	ImageLinks          *googleBooksImageLinks  `json:"imageLinks"`
	Language            string                  `json:"language"`
}

type googleBooksIndustryID struct {
	Type       string `json:"type"`
	Identifier string `json:"identifier"`
}

type googleBooksImageLinks struct {
	Thumbnail      string `json:"thumbnail"`
	SmallThumbnail string `json:"smallThumbnail"`
}

// Search resolves a query against Google Books.
func (c *GoogleBooksClient) Search(ctx context.Context, q Query) (*Result, error) {
	if err := q.Validate(); err != nil {
		return nil, err
	}

	var query string
	switch q.Kind {
	case KindTitle:
		query = "intitle:" + q.Title
		if q.Author != "" {
			query += "+inauthor:" + q.Author
		}
	case KindAuthor:
		query = "inauthor:" + q.Author
	case KindISBN:
		query = "isbn:" + q.ISBN
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 5
	}

	searchURL := fmt.Sprintf("%s/volumes?q=%s&maxResults=%d",
		c.baseURL, url.QueryEscape(query), limit)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, searchURL, nil)
	if err != nil {
		return nil, errors.WrapInvalid(err, "GoogleBooksClient", "Search", "build request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, errors.WrapTransient(err, "GoogleBooksClient", "Search", "http get")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, errors.Wrap(errors.ErrRateLimited, "GoogleBooksClient", "Search", "rate limited")
	case resp.StatusCode >= 500:
		return nil, errors.WrapTransient(
			fmt.Errorf("status %d", resp.StatusCode),
			"GoogleBooksClient", "Search", "server error")
	case resp.StatusCode != http.StatusOK:
		return nil, errors.WrapInvalid(
			fmt.Errorf("status %d", resp.StatusCode),
			"GoogleBooksClient", "Search", "unexpected status")
	}

	var gbResp googleBooksResponse
	if err := json.NewDecoder(resp.Body).Decode(&gbResp); err != nil {
		return nil, errors.WrapInvalid(err, "GoogleBooksClient", "Search", "decode response")
	}

	records := make([]Record, 0, len(gbResp.Items))
	for _, item := range gbResp.Items {
		vi := item.VolumeInfo
		rec := Record{
			Title:       vi.Title,
			Authors:     vi.Authors,
			Publisher:   vi.Publisher,
			Description: vi.Description,
			Language:    vi.Language,
			Source:      googleBooksName,
		}
		if len(vi.PublishedDate) >= 4 {
			fmt.Sscanf(vi.PublishedDate, "%d", &rec.PublishYear)
		}
		for _, id := range vi.IndustryIdentifiers {
			if id.Type == "ISBN_13" {
				rec.ISBN = id.Identifier
			} else if id.Type == "ISBN_10" && rec.ISBN == "" {
				rec.ISBN = id.Identifier
			}
		}
		if vi.ImageLinks != nil && vi.ImageLinks.Thumbnail != "" {
			rec.CoverURL = vi.ImageLinks.Thumbnail
		}
		records = append(records, rec)
	}

	if len(records) == 0 {
		return nil, errors.Wrap(errors.ErrNotFound, "GoogleBooksClient", "Search",
			"no matches for query")
	}

	return &Result{Provider: googleBooksName, Records: records}, nil
}
