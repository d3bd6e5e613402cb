package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/attendry/pkg/anthropic"
)

func testExtractor(llm anthropic.Client, fetcher PageFetcher) *Extractor {
	return NewExtractor(llm, fetcher, noSleepManager(), ExtractConfig{})
}

func page(url string) *Page {
	return &Page{URL: url, Title: "Event page", Markdown: "# Privacy Summit\n15 Nov 2025, Paris", Source: "firecrawl"}
}

func TestExtractURL_Success(t *testing.T) {
	fetcher := new(mockFetcher)
	llm := new(mockAnthropicClient)
	url := "https://privacy.example.fr/2025"

	fetcher.On("Fetch", mock.Anything, url).Return(page(url), nil)
	llm.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return req.Model == DefaultExtractModel &&
			len(req.System) == 1 && req.System[0].CacheControl != nil &&
			len(req.Messages) == 1 && strings.Contains(req.Messages[0].Content, "Source URL: "+url)
	})).Return(textResponse(`[{"title":"Privacy Summit","starts_at":"2025-11-15","city":"Paris","country":"FR"}]`), nil)

	res := testExtractor(llm, fetcher).ExtractURL(context.Background(), url)

	require.NoError(t, res.Err)
	require.Len(t, res.Events, 1)
	assert.Equal(t, url, res.Events[0].URL)
	assert.Equal(t, url, res.Events[0].SourceURL)
	assert.False(t, res.Reprompted)
	assert.False(t, res.InvalidJSON)
	assert.Equal(t, 100, res.Usage.InputTokens)
	assert.Equal(t, 20, res.Usage.OutputTokens)
	llm.AssertExpectations(t)
}

func TestExtractURL_RepromptRecovers(t *testing.T) {
	fetcher := new(mockFetcher)
	llm := new(mockAnthropicClient)
	url := "https://summit.example.de/"

	fetcher.On("Fetch", mock.Anything, url).Return(page(url), nil)
	llm.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.Messages) == 1
	})).Return(textResponse("Sorry, I could not find a JSON answer."), nil).Once()
	llm.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.Messages) == 3 && req.Messages[1].Role == "assistant" && req.Messages[2].Content == repromptText
	})).Run(func(args mock.Arguments) {
		ctx := args.Get(0).(context.Context)
		deadline, ok := ctx.Deadline()
		assert.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(6*time.Second), deadline, time.Second)
	}).Return(textResponse(`[{"title":"Summit DE","starts_at":"2026-02-02","url":"https://summit.example.de/"}]`), nil).Once()

	res := testExtractor(llm, fetcher).ExtractURL(context.Background(), url)

	require.NoError(t, res.Err)
	assert.True(t, res.Reprompted)
	assert.False(t, res.InvalidJSON)
	require.Len(t, res.Events, 1)
	assert.Equal(t, 200, res.Usage.InputTokens)
	llm.AssertExpectations(t)
}

func TestExtractURL_InvalidAfterReprompt(t *testing.T) {
	fetcher := new(mockFetcher)
	llm := new(mockAnthropicClient)
	url := "https://bad.example.com/"

	fetcher.On("Fetch", mock.Anything, url).Return(page(url), nil)
	llm.On("CreateMessage", mock.Anything, mock.Anything).Return(textResponse("still no json"), nil).Twice()

	res := testExtractor(llm, fetcher).ExtractURL(context.Background(), url)

	assert.True(t, res.Reprompted)
	assert.True(t, res.InvalidJSON)
	assert.Error(t, res.Err)
	assert.Empty(t, res.Events)
	llm.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestExtractURL_RepromptErrorCountsInvalid(t *testing.T) {
	fetcher := new(mockFetcher)
	llm := new(mockAnthropicClient)
	url := "https://slow.example.com/"

	fetcher.On("Fetch", mock.Anything, url).Return(page(url), nil)
	llm.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return len(req.Messages) == 1
	})).Return(textResponse("<html>"), nil).Once()
	llm.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, &anthropic.APIError{StatusCode: 529, Message: "overloaded"}).Once()

	res := testExtractor(llm, fetcher).ExtractURL(context.Background(), url)

	assert.True(t, res.InvalidJSON)
	require.Error(t, res.Err)
	assert.Contains(t, res.Err.Error(), "re-prompt failed")
	llm.AssertNumberOfCalls(t, "CreateMessage", 2)
}

func TestExtractURL_FetchFailure(t *testing.T) {
	fetcher := new(mockFetcher)
	llm := new(mockAnthropicClient)
	fetcher.On("Fetch", mock.Anything, "https://gone.example.com").Return(nil, errors.New("404"))

	res := testExtractor(llm, fetcher).ExtractURL(context.Background(), "https://gone.example.com")

	assert.Error(t, res.Err)
	assert.False(t, res.InvalidJSON)
	llm.AssertNotCalled(t, "CreateMessage", mock.Anything, mock.Anything)
}

func TestExtractAll_NoLLMClient(t *testing.T) {
	fetcher := new(mockFetcher)
	urls := []string{"https://a.example.fr/", "https://b.example.de/"}

	out := testExtractor(nil, fetcher).ExtractAll(context.Background(), urls)

	require.Len(t, out, 2)
	for i, res := range out {
		assert.Equal(t, urls[i], res.URL)
		assert.ErrorIs(t, res.Err, ErrNoLLM)
		assert.Empty(t, res.Events)
		assert.False(t, res.InvalidJSON)
	}
	fetcher.AssertNotCalled(t, "Fetch", mock.Anything, mock.Anything)
}

func TestExtractURL_LLMAuthFailure(t *testing.T) {
	fetcher := new(mockFetcher)
	llm := new(mockAnthropicClient)
	url := "https://x.example.com"
	fetcher.On("Fetch", mock.Anything, url).Return(page(url), nil)
	llm.On("CreateMessage", mock.Anything, mock.Anything).
		Return(nil, &anthropic.APIError{StatusCode: 401, Message: "invalid x-api-key"}).Once()

	res := testExtractor(llm, fetcher).ExtractURL(context.Background(), url)

	assert.Error(t, res.Err)
	assert.False(t, res.Reprompted)
	llm.AssertNumberOfCalls(t, "CreateMessage", 1)
}

func TestExtractURL_TruncatesContent(t *testing.T) {
	fetcher := new(mockFetcher)
	llm := new(mockAnthropicClient)
	url := "https://long.example.com"

	long := &Page{URL: url, Markdown: strings.Repeat("é", 500)}
	fetcher.On("Fetch", mock.Anything, url).Return(long, nil)
	llm.On("CreateMessage", mock.Anything, mock.MatchedBy(func(req anthropic.MessageRequest) bool {
		return strings.Count(req.Messages[0].Content, "é") == 100
	})).Return(textResponse("[]"), nil)

	ex := NewExtractor(llm, fetcher, noSleepManager(), ExtractConfig{MaxContentChars: 100})
	res := ex.ExtractURL(context.Background(), url)

	require.NoError(t, res.Err)
	assert.Empty(t, res.Events)
	llm.AssertExpectations(t)
}

// slowFetcher delays inversely to URL position so completion order is the
// reverse of input order.
type slowFetcher struct {
	order    map[string]int
	inFlight atomic.Int32
	peak     atomic.Int32
}

func (f *slowFetcher) Fetch(_ context.Context, url string) (*Page, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		p := f.peak.Load()
		if n <= p || f.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(time.Duration(len(f.order)-f.order[url]) * 5 * time.Millisecond)
	return &Page{URL: url, Markdown: "content"}, nil
}

func TestExtractAll_KeepsRankOrderAndBoundsConcurrency(t *testing.T) {
	urls := make([]string, 8)
	order := make(map[string]int)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://e%d.example.com", i)
		order[urls[i]] = i
	}
	fetcher := &slowFetcher{order: order}

	llm := new(mockAnthropicClient)
	llm.On("CreateMessage", mock.Anything, mock.Anything).Return(func(_ context.Context, req anthropic.MessageRequest) *anthropic.MessageResponse {
		line := strings.SplitN(req.Messages[0].Content, "\n", 2)[0]
		src := strings.TrimPrefix(line, "Source URL: ")
		return textResponse(fmt.Sprintf(`[{"title":"Event %s","starts_at":"2026-01-01","url":%q}]`, src, src))
	}, nil)

	ex := NewExtractor(llm, fetcher, noSleepManager(), ExtractConfig{MaxConcurrency: 3})
	results := ex.ExtractAll(context.Background(), urls)

	require.Len(t, results, len(urls))
	for i, r := range results {
		assert.Equal(t, urls[i], r.URL)
		require.Len(t, r.Events, 1)
		assert.Equal(t, urls[i], r.Events[0].URL)
	}
	assert.LessOrEqual(t, fetcher.peak.Load(), int32(3))
}

func TestTruncateRunes(t *testing.T) {
	assert.Equal(t, "héll", truncateRunes("héllo", 4))
	assert.Equal(t, "abc", truncateRunes("abc", 10))
	assert.Equal(t, "", truncateRunes("abc", 0))
}
