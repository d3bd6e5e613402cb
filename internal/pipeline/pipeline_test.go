package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/attendry/internal/model"
)

func event(title, url string, speakers ...string) model.EventDTO {
	ev := model.EventDTO{Title: title, StartsAt: "2026-05-01", URL: url, SourceURL: url}
	for _, s := range speakers {
		ev.Speakers = append(ev.Speakers, model.SpeakerDTO{Name: s})
	}
	return ev
}

func TestRun_EmptyDiscoveryShortCircuits(t *testing.T) {
	ranker := &recordingRanker{}
	extractor := &mapExtractor{}
	sink := new(mockSink)

	p := New(&stubSearcher{}, ranker, extractor, DefaultConfig(), WithSink(sink))
	out, err := p.Run(context.Background(), model.SearchRequest{BaseQuery: "legal conference", Country: "FR"})

	require.NoError(t, err)
	assert.Empty(t, out.Events)
	assert.Equal(t, []model.PipelineStage{model.StageDiscovered, model.StageDone}, out.Metrics.Stages)
	assert.Zero(t, out.Metrics.Discovered)
	assert.Zero(t, out.Metrics.AggregatorDropped)
	assert.Zero(t, out.Metrics.BackstopKept)
	assert.Zero(t, out.Metrics.InvalidJSONDropped)
	assert.Zero(t, out.Metrics.NonPersonsFiltered)
	assert.False(t, out.Metrics.RerankApplied)
	assert.Nil(t, ranker.got)
	assert.Nil(t, extractor.got)
	sink.AssertNotCalled(t, "UpsertEvents", mock.Anything, mock.Anything)
}

func TestRun_DiscoveryError(t *testing.T) {
	p := New(&stubSearcher{err: errors.New("blank query")}, &recordingRanker{}, &mapExtractor{}, DefaultConfig())
	_, err := p.Run(context.Background(), model.SearchRequest{})
	assert.Error(t, err)
}

func TestRun_FullFlow(t *testing.T) {
	urls := []string{
		"https://www.eventbrite.com/e/listing-1",
		"https://one.example.fr/summit",
		"https://two.example.fr/",
		"https://three.example.fr/",
		"https://four.example.fr/",
		"https://five.example.fr/",
		"https://six.example.fr/",
	}
	search := &stubSearcher{result: model.OrchestrationResult{
		Items:        urls,
		ProviderUsed: model.ProviderWebSearch,
	}}

	// Reranker reverses the order it receives.
	ranked := []string{
		"https://six.example.fr/",
		"https://five.example.fr/",
		"https://four.example.fr/",
		"https://three.example.fr/",
		"https://two.example.fr/",
		"https://one.example.fr/summit",
	}
	ranker := &recordingRanker{result: &RerankResult{
		URLs:    ranked,
		Metrics: RerankMetrics{Applied: true, InputCount: 6},
	}}

	extractor := &mapExtractor{byURL: map[string]URLExtraction{
		"https://six.example.fr/": {
			Events:   []model.EventDTO{event("Six Forum", "https://six.example.fr/", "Reserve Seat", "Marie Curie", "MARIE CURIE")},
			Repaired: true,
			Usage:    model.TokenUsage{InputTokens: 10, OutputTokens: 2},
		},
		"https://five.example.fr/": {InvalidJSON: true, Reprompted: true, Err: errors.New("bad json")},
		"https://four.example.fr/": {
			Events:        []model.EventDTO{event("Four Congress", "https://four.example.fr/", "Keynote")},
			SchemaDropped: 2,
			Usage:         model.TokenUsage{InputTokens: 5, OutputTokens: 1},
		},
		"https://three.example.fr/": {
			// Same event as six; dropped as a duplicate.
			Events: []model.EventDTO{event("Six  forum", "https://three.example.fr/")},
		},
	}}

	sink := new(mockSink)
	sink.On("UpsertEvents", mock.Anything, mock.MatchedBy(func(evs []model.EventDTO) bool {
		return len(evs) == 2
	})).Return(nil).Once()

	var hooked []model.PipelineStage
	cfg := DefaultConfig()
	cfg.MaxExtractURLs = 4
	p := New(search, ranker, extractor, cfg, WithSink(sink), WithStageHook(func(s model.PipelineStage) {
		hooked = append(hooked, s)
	}))

	out, err := p.Run(context.Background(), model.SearchRequest{BaseQuery: "legal conference", Country: "FR", Industry: "legal"})
	require.NoError(t, err)

	// Pre-filter drops the aggregator before reranking.
	assert.Equal(t, urls[1:], ranker.got)
	assert.Equal(t, "FR", ranker.params.Country)
	assert.Equal(t, "legal", ranker.params.Industry)

	// Extraction receives the top reranked URLs in rank order.
	assert.Equal(t, ranked[:4], extractor.got)

	require.Len(t, out.Events, 2)
	assert.Equal(t, "Six Forum", out.Events[0].Title)
	assert.Equal(t, []model.SpeakerDTO{{Name: "Marie Curie"}}, out.Events[0].Speakers)
	assert.Equal(t, "Four Congress", out.Events[1].Title)
	assert.Nil(t, out.Events[1].Speakers)

	m := out.Metrics
	assert.Equal(t, 7, m.Discovered)
	assert.Equal(t, 1, m.AggregatorDropped)
	assert.Zero(t, m.BackstopKept)
	assert.True(t, m.RerankApplied)
	assert.Equal(t, 1, m.InvalidJSONDropped)
	assert.Equal(t, 1, m.Reprompted)
	assert.Equal(t, 1, m.Repaired)
	assert.Equal(t, 2, m.SchemaDropped)
	assert.Equal(t, 2, m.NonPersonsFiltered)
	assert.Equal(t, model.TokenUsage{InputTokens: 15, OutputTokens: 3}, out.Usage)
	assert.Equal(t, model.ProviderWebSearch, out.Search.ProviderUsed)

	want := []model.PipelineStage{
		model.StageDiscovered,
		model.StagePreFiltered,
		model.StageReranked,
		model.StageExtracted,
		model.StageSpeakerFiltered,
		model.StageDone,
	}
	assert.Equal(t, want, m.Stages)
	assert.Equal(t, want, hooked)
	for _, s := range want {
		assert.Contains(t, m.StageDurationsMs, string(s))
	}
	sink.AssertExpectations(t)
}

func TestRun_RerankSkippedPassesThrough(t *testing.T) {
	var urls []string
	for i := range 6 {
		urls = append(urls, fmt.Sprintf("https://e%d.example.de/", i))
	}
	search := &stubSearcher{result: model.OrchestrationResult{Items: urls, ProviderUsed: model.ProviderSearchEngine}}
	extractor := &mapExtractor{}

	p := New(search, NewReranker(nil, nil, RerankConfig{}), extractor, DefaultConfig())
	out, err := p.Run(context.Background(), model.SearchRequest{BaseQuery: "tax", Country: "DE"})

	require.NoError(t, err)
	assert.Equal(t, urls, extractor.got)
	assert.False(t, out.Metrics.RerankApplied)
	assert.Equal(t, SkipNoClient, out.Metrics.RerankSkippedReason)
}

func TestRun_SinkFailureIsNotFatal(t *testing.T) {
	url := "https://only.example.com/"
	search := &stubSearcher{result: model.OrchestrationResult{Items: []string{url}, ProviderUsed: model.ProviderWebSearch}}
	extractor := &mapExtractor{byURL: map[string]URLExtraction{
		url: {Events: []model.EventDTO{event("Only Event", url)}},
	}}
	sink := new(mockSink)
	sink.On("UpsertEvents", mock.Anything, mock.Anything).Return(errors.New("db down"))

	p := New(search, &recordingRanker{}, extractor, DefaultConfig(), WithSink(sink))
	out, err := p.Run(context.Background(), model.SearchRequest{BaseQuery: "x"})

	require.NoError(t, err)
	assert.Len(t, out.Events, 1)
	assert.Equal(t, model.StageDone, out.Metrics.Stages[len(out.Metrics.Stages)-1])
	sink.AssertExpectations(t)
}

func TestDedupEvents(t *testing.T) {
	in := []model.EventDTO{
		{Title: "Legal Summit", StartsAt: "2026-05-01"},
		{Title: "legal  summit", StartsAt: "2026-05-01T09:00:00Z"},
		{Title: "Legal Summit", StartsAt: "2027-05-01"},
	}
	out := dedupEvents(in)
	require.Len(t, out, 2)
	assert.Equal(t, "2027-05-01", out[1].StartsAt)
}

type flatPricer struct{}

func (flatPricer) Extraction(llmModel string, usage model.TokenUsage) float64 {
	if llmModel != "llm" {
		return 0
	}
	return float64(usage.InputTokens+usage.OutputTokens) / 100
}

func (flatPricer) Rerank(rerankModel string, tokens int) float64 {
	if rerankModel != "rr" {
		return 0
	}
	return float64(tokens) / 1000
}

func TestRun_WithPricing(t *testing.T) {
	search := &stubSearcher{result: model.OrchestrationResult{
		Items:        []string{"https://one.example.de/"},
		ProviderUsed: model.ProviderSearchEngine,
	}}
	ranker := &recordingRanker{result: &RerankResult{
		URLs:    []string{"https://one.example.de/"},
		Metrics: RerankMetrics{Applied: true, InputCount: 1, Tokens: 500},
	}}
	extractor := &mapExtractor{byURL: map[string]URLExtraction{
		"https://one.example.de/": {
			Events: []model.EventDTO{event("One Expo", "https://one.example.de/")},
			Usage:  model.TokenUsage{InputTokens: 80, OutputTokens: 20},
		},
	}}

	p := New(search, ranker, extractor, DefaultConfig(), WithPricing(flatPricer{}, "llm", "rr"))
	out, err := p.Run(context.Background(), model.SearchRequest{BaseQuery: "expo", Country: "DE"})
	require.NoError(t, err)
	assert.InDelta(t, 1.5, out.CostUSD, 0.0001)

	p = New(search, ranker, extractor, DefaultConfig())
	out, err = p.Run(context.Background(), model.SearchRequest{BaseQuery: "expo", Country: "DE"})
	require.NoError(t, err)
	assert.Zero(t, out.CostUSD)
}

func TestRunObserved_CallsBothHooks(t *testing.T) {
	search := &stubSearcher{result: model.OrchestrationResult{
		Items:        []string{"https://one.example.it/"},
		ProviderUsed: model.ProviderWebSearch,
	}}

	var global, perRun []model.PipelineStage
	p := New(search, &recordingRanker{}, &mapExtractor{}, DefaultConfig(), WithStageHook(func(s model.PipelineStage) {
		global = append(global, s)
	}))

	_, err := p.RunObserved(context.Background(), model.SearchRequest{BaseQuery: "expo", Country: "IT"}, func(s model.PipelineStage) {
		perRun = append(perRun, s)
	})
	require.NoError(t, err)

	want := []model.PipelineStage{
		model.StageDiscovered,
		model.StagePreFiltered,
		model.StageReranked,
		model.StageExtracted,
		model.StageSpeakerFiltered,
		model.StageDone,
	}
	assert.Equal(t, want, global)
	assert.Equal(t, want, perRun)

	perRun = nil
	_, err = p.Run(context.Background(), model.SearchRequest{BaseQuery: "expo", Country: "IT"})
	require.NoError(t, err)
	assert.Nil(t, perRun)
}
