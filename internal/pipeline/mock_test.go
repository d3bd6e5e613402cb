package pipeline

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/sells-group/attendry/internal/model"
	"github.com/sells-group/attendry/internal/resilience"
	"github.com/sells-group/attendry/pkg/anthropic"
	"github.com/sells-group/attendry/pkg/firecrawl"
	"github.com/sells-group/attendry/pkg/jina"
	"github.com/sells-group/attendry/pkg/voyage"
)

func noSleepManager() *resilience.Manager {
	return resilience.NewManager(resilience.WithSleeper(resilience.SleeperFunc(
		func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	)))
}

// --- Anthropic Mock ---

type mockAnthropicClient struct {
	mock.Mock
}

func (m *mockAnthropicClient) CreateMessage(ctx context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	args := m.Called(ctx, req)
	if fn, ok := args.Get(0).(func(context.Context, anthropic.MessageRequest) *anthropic.MessageResponse); ok {
		return fn(ctx, req), args.Error(1)
	}
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*anthropic.MessageResponse), args.Error(1)
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 20},
	}
}

// --- Voyage Mock ---

type mockVoyageClient struct {
	mock.Mock
}

func (m *mockVoyageClient) Rerank(ctx context.Context, req voyage.RerankRequest) (*voyage.RerankResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*voyage.RerankResponse), args.Error(1)
}

// --- Firecrawl Mock ---

type mockFirecrawlClient struct {
	mock.Mock
}

func (m *mockFirecrawlClient) Search(ctx context.Context, req firecrawl.SearchRequest) (*firecrawl.SearchResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*firecrawl.SearchResponse), args.Error(1)
}

func (m *mockFirecrawlClient) Scrape(ctx context.Context, req firecrawl.ScrapeRequest) (*firecrawl.ScrapeResponse, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*firecrawl.ScrapeResponse), args.Error(1)
}

// --- Jina Mock ---

type mockJinaClient struct {
	mock.Mock
}

func (m *mockJinaClient) Read(ctx context.Context, targetURL string) (*jina.ReadResponse, error) {
	args := m.Called(ctx, targetURL)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*jina.ReadResponse), args.Error(1)
}

// --- Page Fetcher Mock ---

type mockFetcher struct {
	mock.Mock
}

func (m *mockFetcher) Fetch(ctx context.Context, url string) (*Page, error) {
	args := m.Called(ctx, url)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Page), args.Error(1)
}

// --- Coordinator fakes ---

type stubSearcher struct {
	result model.OrchestrationResult
	err    error
	calls  int
}

func (s *stubSearcher) ExecuteSearch(_ context.Context, _ model.SearchRequest) (model.OrchestrationResult, error) {
	s.calls++
	return s.result, s.err
}

type recordingRanker struct {
	got    []string
	params RerankParams
	result *RerankResult
}

func (r *recordingRanker) Rerank(_ context.Context, urls []string, params RerankParams) RerankResult {
	r.got = append([]string(nil), urls...)
	r.params = params
	if r.result != nil {
		return *r.result
	}
	return RerankResult{URLs: urls, Metrics: RerankMetrics{SkippedReason: SkipNoClient, InputCount: len(urls)}}
}

type mapExtractor struct {
	byURL map[string]URLExtraction
	got   []string
}

func (m *mapExtractor) ExtractAll(_ context.Context, urls []string) []URLExtraction {
	m.got = append([]string(nil), urls...)
	out := make([]URLExtraction, len(urls))
	for i, u := range urls {
		r, ok := m.byURL[u]
		if !ok {
			r = URLExtraction{URL: u}
		}
		out[i] = r
	}
	return out
}

type mockSink struct {
	mock.Mock
}

func (m *mockSink) UpsertEvents(ctx context.Context, events []model.EventDTO) error {
	return m.Called(ctx, events).Error(0)
}
