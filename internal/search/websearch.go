package search

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/attendry/internal/model"
	"github.com/sells-group/attendry/internal/resilience"
	"github.com/sells-group/attendry/pkg/firecrawl"
)

// Service names used for resilience state.
const (
	ServiceFirecrawl = "firecrawl"
	ServiceGoogleCSE = "google-cse"
	ServiceDatabase  = "event-store"
)

// WebSearchProvider discovers event pages via Firecrawl search.
type WebSearchProvider struct {
	client   firecrawl.Client
	manager  *resilience.Manager
	limit    int
	timeouts []time.Duration
}

// WebSearchOption configures a WebSearchProvider.
type WebSearchOption func(*WebSearchProvider)

// WithSearchLimit sets the requested result count. Default: 20.
func WithSearchLimit(n int) WebSearchOption {
	return func(p *WebSearchProvider) {
		if n > 0 {
			p.limit = n
		}
	}
}

// WithAttemptTimeouts sets the per-attempt deadlines. One attempt is made
// per entry. Default: 20s then 12s.
func WithAttemptTimeouts(d ...time.Duration) WebSearchOption {
	return func(p *WebSearchProvider) {
		if len(d) > 0 {
			p.timeouts = d
		}
	}
}

// NewWebSearchProvider creates a Firecrawl-backed provider.
func NewWebSearchProvider(client firecrawl.Client, manager *resilience.Manager, opts ...WebSearchOption) *WebSearchProvider {
	p := &WebSearchProvider{
		client:   client,
		manager:  manager,
		limit:    20,
		timeouts: []time.Duration{20 * time.Second, 12 * time.Second},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements Provider.
func (p *WebSearchProvider) Name() model.ProviderName { return model.ProviderWebSearch }

// Search implements Provider. Geo filters are never sent; the country
// signal is already part of the query text. Failures yield an empty result.
func (p *WebSearchProvider) Search(ctx context.Context, query string, sc SearchContext) (model.ProviderResult, error) {
	req := firecrawl.SearchRequest{
		Query: query,
		Limit: p.limit,
		Lang:  sc.Language(),
		ScrapeOptions: &firecrawl.ScrapeOptions{
			Formats:         []string{"markdown"},
			OnlyMainContent: true,
		},
	}

	attempt := 0
	retry := &resilience.RetryConfig{
		MaxRetries: len(p.timeouts) - 1,
		BaseDelay:  500 * time.Millisecond,
		MaxDelay:   2 * time.Second,
		OnRetry:    resilience.RetryLogger(ServiceFirecrawl, "search"),
	}
	if retry.MaxRetries == 0 {
		retry.MaxRetries = -1
	}

	resp, metrics, err := resilience.ExecuteWithRetry(ctx, p.manager, ServiceFirecrawl, "search",
		func(ctx context.Context) (*firecrawl.SearchResponse, error) {
			timeout := p.timeouts[min(attempt, len(p.timeouts)-1)]
			attempt++
			actx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			return p.client.Search(actx, req)
		}, retry)

	debug := map[string]any{"attempts": metrics.Attempts}
	if err != nil {
		zap.L().Warn("web search failed",
			zap.String("provider", string(p.Name())),
			zap.Int("attempts", metrics.Attempts),
			zap.Error(err),
		)
		debug["error"] = err.Error()
		return emptyResult(p.Name(), debug), nil
	}

	urls := make([]string, 0, len(resp.Data))
	for _, hit := range resp.Data {
		urls = append(urls, hit.URL)
	}
	return model.ProviderResult{
		Provider: p.Name(),
		Items:    model.DedupURLs(urls),
		Debug:    debug,
	}, nil
}
