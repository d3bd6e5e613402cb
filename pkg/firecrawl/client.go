package firecrawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"github.com/tidwall/gjson"
)

// Default base URL for the Firecrawl API.
const defaultBaseURL = "https://api.firecrawl.dev/v1"

// Client defines the Firecrawl API operations used for discovery and page
// fetching.
type Client interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
	Scrape(ctx context.Context, req ScrapeRequest) (*ScrapeResponse, error)
}

// SearchRequest is the body for POST /search.
type SearchRequest struct {
	Query         string         `json:"query"`
	Limit         int            `json:"limit,omitempty"`
	Lang          string         `json:"lang,omitempty"`
	TBS           string         `json:"tbs,omitempty"`
	ScrapeOptions *ScrapeOptions `json:"scrapeOptions,omitempty"`
}

// ScrapeOptions asks the search endpoint to scrape each hit.
type ScrapeOptions struct {
	Formats         []string `json:"formats,omitempty"`
	OnlyMainContent bool     `json:"onlyMainContent,omitempty"`
}

// SearchResponse is the response from POST /search.
type SearchResponse struct {
	Success bool        `json:"success"`
	Data    []SearchHit `json:"data"`
}

// SearchHit is one web result.
type SearchHit struct {
	URL         string `json:"url"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Markdown    string `json:"markdown,omitempty"`
}

// ScrapeRequest is the body for POST /scrape.
type ScrapeRequest struct {
	URL             string   `json:"url"`
	Formats         []string `json:"formats,omitempty"`
	OnlyMainContent bool     `json:"onlyMainContent,omitempty"`
	Timeout         int      `json:"timeout,omitempty"`
}

// ScrapeResponse is the response from POST /scrape.
type ScrapeResponse struct {
	Success bool     `json:"success"`
	Data    PageData `json:"data"`
}

// PageData represents a single page result from Firecrawl.
type PageData struct {
	URL        string       `json:"url"`
	Markdown   string       `json:"markdown"`
	Title      string       `json:"title"`
	StatusCode int          `json:"statusCode"`
	Metadata   PageMetadata `json:"metadata"`
}

// PageMetadata carries the scraped page's metadata block.
type PageMetadata struct {
	Title      string `json:"title"`
	SourceURL  string `json:"sourceURL"`
	StatusCode int    `json:"statusCode"`
}

// APIError is returned when Firecrawl responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("firecrawl: HTTP %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// Option configures the httpClient.
type Option func(*httpClient)

// WithBaseURL overrides the default base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom *http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// httpClient implements Client using net/http.
type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new Firecrawl client. Per-call deadlines come from
// the caller's context.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Search(ctx context.Context, req SearchRequest) (*SearchResponse, error) {
	raw, err := c.post(ctx, "/search", req)
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: search")
	}
	resp, err := decodeSearch(raw)
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: search")
	}
	return resp, nil
}

// decodeSearch accepts both the flat data array and the newer
// {"data":{"web":[...]}} shape.
func decodeSearch(raw []byte) (*SearchResponse, error) {
	if !gjson.ValidBytes(raw) {
		return nil, eris.New("decode response: invalid JSON")
	}
	doc := gjson.ParseBytes(raw)
	hits := doc.Get("data")
	if hits.IsObject() {
		hits = hits.Get("web")
	}

	resp := &SearchResponse{Success: doc.Get("success").Bool()}
	hits.ForEach(func(_, v gjson.Result) bool {
		hit := SearchHit{
			URL:         v.Get("url").String(),
			Title:       v.Get("title").String(),
			Description: v.Get("description").String(),
			Markdown:    v.Get("markdown").String(),
		}
		if hit.URL == "" {
			hit.URL = v.Get("metadata.sourceURL").String()
		}
		if hit.URL != "" {
			resp.Data = append(resp.Data, hit)
		}
		return true
	})
	return resp, nil
}

func (c *httpClient) Scrape(ctx context.Context, req ScrapeRequest) (*ScrapeResponse, error) {
	raw, err := c.post(ctx, "/scrape", req)
	if err != nil {
		return nil, eris.Wrap(err, "firecrawl: scrape")
	}
	var resp ScrapeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, eris.Wrap(err, "firecrawl: scrape: decode response")
	}
	if resp.Data.URL == "" {
		resp.Data.URL = resp.Data.Metadata.SourceURL
	}
	if resp.Data.Title == "" {
		resp.Data.Title = resp.Data.Metadata.Title
	}
	if resp.Data.StatusCode == 0 {
		resp.Data.StatusCode = resp.Data.Metadata.StatusCode
	}
	return &resp, nil
}

func (c *httpClient) post(ctx context.Context, path string, body any) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, eris.Wrap(err, "marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return nil, eris.Wrap(err, "create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(req)
}

func (c *httpClient) do(req *http.Request) ([]byte, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(data),
		}
	}
	return data, nil
}
