package pipeline

import (
	"context"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/attendry/internal/resilience"
	"github.com/sells-group/attendry/pkg/firecrawl"
	"github.com/sells-group/attendry/pkg/jina"
)

// Resilience service names for page fetches.
const (
	ServiceFirecrawlScrape = "firecrawl-scrape"
	ServiceJina            = "jina"
)

// Page is fetched page content ready for extraction.
type Page struct {
	URL      string
	Title    string
	Markdown string
	Source   string
}

// PageFetcher returns the readable content of a URL.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// ErrEmptyPage is returned when every fetcher came back without content.
var ErrEmptyPage = eris.New("page has no content")

// ChainFetcher scrapes with Firecrawl and falls back to the Jina reader.
// Either client may be nil.
type ChainFetcher struct {
	firecrawl firecrawl.Client
	jina      jina.Client
	manager   *resilience.Manager
}

// NewChainFetcher creates a ChainFetcher.
func NewChainFetcher(fc firecrawl.Client, jc jina.Client, manager *resilience.Manager) *ChainFetcher {
	if manager == nil {
		manager = resilience.NewManager()
	}
	return &ChainFetcher{firecrawl: fc, jina: jc, manager: manager}
}

var fetchRetry = &resilience.RetryConfig{MaxRetries: 1}

// Fetch implements PageFetcher.
func (f *ChainFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	var errs []string

	if f.firecrawl != nil {
		page, err := f.scrape(ctx, url)
		if err == nil {
			return page, nil
		}
		if ctx.Err() != nil {
			return nil, eris.Wrap(ctx.Err(), "fetch: cancelled")
		}
		zap.L().Debug("fetch: firecrawl failed, trying jina", zap.String("url", url), zap.Error(err))
		errs = append(errs, err.Error())
	}

	if f.jina != nil {
		page, err := f.read(ctx, url)
		if err == nil {
			return page, nil
		}
		errs = append(errs, err.Error())
	}

	if len(errs) == 0 {
		return nil, eris.New("fetch: no page fetcher configured")
	}
	return nil, eris.Errorf("fetch %s: %s", url, strings.Join(errs, "; "))
}

func (f *ChainFetcher) scrape(ctx context.Context, url string) (*Page, error) {
	resp, _, err := resilience.ExecuteWithRetry(ctx, f.manager, ServiceFirecrawlScrape, "scrape",
		func(ctx context.Context) (*firecrawl.ScrapeResponse, error) {
			return f.firecrawl.Scrape(ctx, firecrawl.ScrapeRequest{
				URL:             url,
				Formats:         []string{"markdown"},
				OnlyMainContent: true,
			})
		}, fetchRetry)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Data.Markdown) == "" {
		return nil, ErrEmptyPage
	}
	return &Page{
		URL:      url,
		Title:    resp.Data.Title,
		Markdown: resp.Data.Markdown,
		Source:   "firecrawl",
	}, nil
}

func (f *ChainFetcher) read(ctx context.Context, url string) (*Page, error) {
	resp, _, err := resilience.ExecuteWithRetry(ctx, f.manager, ServiceJina, "read",
		func(ctx context.Context) (*jina.ReadResponse, error) {
			return f.jina.Read(ctx, url)
		}, fetchRetry)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(resp.Data.Content) == "" {
		return nil, ErrEmptyPage
	}
	return &Page{
		URL:      url,
		Title:    resp.Data.Title,
		Markdown: resp.Data.Content,
		Source:   "jina",
	}, nil
}
