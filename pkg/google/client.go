package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://www.googleapis.com/customsearch/v1"

// MaxQueryRunes is the longest query Custom Search accepts.
const MaxQueryRunes = 256

// Client performs Google Custom Search operations.
type Client interface {
	Search(ctx context.Context, req SearchRequest) (*SearchResponse, error)
}

// SearchRequest holds the Custom Search query parameters. Geo fields are
// optional and omitted when empty.
type SearchRequest struct {
	Query string
	// Num is the page size (1-10).
	Num int
	// Start is the 1-based index of the first result.
	Start int
	// GL is the two-letter country boost (e.g. "de").
	GL string
	// LR restricts the document language (e.g. "lang_de").
	LR string
	// CR restricts the document country (e.g. "countryDE").
	CR string
	// DateRestrict limits results by age (e.g. "m6").
	DateRestrict string
}

// HasGeo reports whether any geo restriction is set.
func (r SearchRequest) HasGeo() bool {
	return r.GL != "" || r.LR != "" || r.CR != ""
}

// WithoutGeo returns a copy with the geo restrictions removed.
func (r SearchRequest) WithoutGeo() SearchRequest {
	r.GL, r.LR, r.CR = "", "", ""
	return r
}

// SearchResponse is the response from the Custom Search JSON API.
type SearchResponse struct {
	Items             []Item            `json:"items"`
	SearchInformation SearchInformation `json:"searchInformation"`
}

// Item is one search result.
type Item struct {
	Title       string `json:"title"`
	Link        string `json:"link"`
	DisplayLink string `json:"displayLink"`
	Snippet     string `json:"snippet"`
}

// SearchInformation carries result totals.
type SearchInformation struct {
	TotalResults string  `json:"totalResults"`
	SearchTime   float64 `json:"searchTime"`
}

// APIError is returned when the API responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("google: unexpected status %d: %s", e.StatusCode, e.Body)
}

// HTTPStatus returns the response status code.
func (e *APIError) HTTPStatus() int {
	return e.StatusCode
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	cx      string
	baseURL string
	http    *http.Client
}

// NewClient creates a Custom Search client for the engine cx.
func NewClient(apiKey, cx string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		cx:      cx,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// TruncateQuery shortens q to MaxQueryRunes runes.
func TruncateQuery(q string) string {
	r := []rune(q)
	if len(r) <= MaxQueryRunes {
		return q
	}
	return string(r[:MaxQueryRunes])
}

func (c *httpClient) Search(ctx context.Context, sr SearchRequest) (*SearchResponse, error) {
	params := url.Values{}
	params.Set("key", c.apiKey)
	params.Set("cx", c.cx)
	params.Set("q", TruncateQuery(sr.Query))
	if sr.Num > 0 {
		params.Set("num", strconv.Itoa(min(sr.Num, 10)))
	}
	if sr.Start > 0 {
		params.Set("start", strconv.Itoa(sr.Start))
	}
	if sr.GL != "" {
		params.Set("gl", sr.GL)
	}
	if sr.LR != "" {
		params.Set("lr", sr.LR)
	}
	if sr.CR != "" {
		params.Set("cr", sr.CR)
	}
	if sr.DateRestrict != "" {
		params.Set("dateRestrict", sr.DateRestrict)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "google: create request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "google: send request")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "google: read response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result SearchResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "google: unmarshal response")
	}

	return &result, nil
}
