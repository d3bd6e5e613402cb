// Package voyage provides a client for the Voyage AI rerank API.
package voyage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

const defaultBaseURL = "https://api.voyageai.com/v1"

// DefaultModel is the rerank model used when none is configured.
const DefaultModel = "rerank-2"

// MaxDocuments is the API ceiling on documents per rerank request.
const MaxDocuments = 1000

// Client defines the Voyage AI operations.
type Client interface {
	Rerank(ctx context.Context, req RerankRequest) (*RerankResponse, error)
}

// RerankRequest is the body for POST /rerank.
type RerankRequest struct {
	Query           string   `json:"query"`
	Documents       []string `json:"documents"`
	Model           string   `json:"model"`
	TopK            int      `json:"top_k,omitempty"`
	ReturnDocuments bool     `json:"return_documents,omitempty"`
	Truncation      *bool    `json:"truncation,omitempty"`
}

// RerankResponse is the response from POST /rerank.
type RerankResponse struct {
	Object string         `json:"object"`
	Data   []RerankResult `json:"data"`
	Model  string         `json:"model"`
	Usage  Usage          `json:"usage"`
}

// RerankResult scores one input document by its index in the request.
type RerankResult struct {
	Index          int     `json:"index"`
	RelevanceScore float64 `json:"relevance_score"`
	Document       string  `json:"document,omitempty"`
}

// Usage reports token consumption.
type Usage struct {
	TotalTokens int `json:"total_tokens"`
}

// APIError is returned when Voyage responds with a non-2xx status.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("voyage: HTTP %d: %s", e.StatusCode, e.Body)
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

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a new Voyage AI client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: defaultBaseURL,
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) Rerank(ctx context.Context, rr RerankRequest) (*RerankResponse, error) {
	if len(rr.Documents) == 0 {
		return &RerankResponse{}, nil
	}
	if len(rr.Documents) > MaxDocuments {
		return nil, eris.Errorf("voyage: %d documents exceeds limit of %d", len(rr.Documents), MaxDocuments)
	}
	if rr.Model == "" {
		rr.Model = DefaultModel
	}

	buf, err := json.Marshal(rr)
	if err != nil {
		return nil, eris.Wrap(err, "voyage: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rerank", bytes.NewReader(buf))
	if err != nil {
		return nil, eris.Wrap(err, "voyage: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "voyage: execute request")
	}
	defer resp.Body.Close() //nolint:errcheck

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "voyage: read response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &APIError{StatusCode: resp.StatusCode, Body: string(data)}
	}

	var out RerankResponse
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, eris.Wrap(err, "voyage: decode response")
	}
	for _, r := range out.Data {
		if r.Index < 0 || r.Index >= len(rr.Documents) {
			return nil, eris.Errorf("voyage: result index %d out of range", r.Index)
		}
	}
	return &out, nil
}
