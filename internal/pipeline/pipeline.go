// Package pipeline runs discovered event URLs through pre-filtering,
// reranking, LLM extraction and speaker filtering.
package pipeline

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/attendry/internal/model"
)

// Searcher discovers candidate URLs.
type Searcher interface {
	ExecuteSearch(ctx context.Context, req model.SearchRequest) (model.OrchestrationResult, error)
}

// Ranker orders URLs by relevance. It never fails; skips are reported in
// the result metrics.
type Ranker interface {
	Rerank(ctx context.Context, urls []string, params RerankParams) RerankResult
}

// BatchExtractor extracts events from URLs, returning one result per URL
// in input order.
type BatchExtractor interface {
	ExtractAll(ctx context.Context, urls []string) []URLExtraction
}

// EventSink persists validated events.
type EventSink interface {
	UpsertEvents(ctx context.Context, events []model.EventDTO) error
}

// Config tunes the coordinator.
type Config struct {
	PreFilter PreFilterConfig
	// MaxExtractURLs caps how many reranked URLs are sent to extraction.
	MaxExtractURLs int
}

// DefaultConfig returns the standard coordinator settings.
func DefaultConfig() Config {
	return Config{
		PreFilter:      DefaultPreFilterConfig(),
		MaxExtractURLs: 10,
	}
}

// Output is the result of one pipeline run.
type Output struct {
	Events  []model.EventDTO          `json:"events"`
	Search  model.OrchestrationResult `json:"search"`
	Rerank  RerankMetrics             `json:"rerank"`
	Metrics model.PipelineMetrics     `json:"metrics"`
	Usage   model.TokenUsage          `json:"usage"`
	// CostUSD is the estimated API spend, zero without WithPricing.
	CostUSD float64 `json:"cost_usd"`
}

// Pricer estimates the spend of a run from its token counts.
type Pricer interface {
	Extraction(model string, usage model.TokenUsage) float64
	Rerank(model string, tokens int) float64
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithSink persists events after each run.
func WithSink(s EventSink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// WithStageHook is called as each stage completes.
func WithStageHook(fn func(model.PipelineStage)) Option {
	return func(p *Pipeline) { p.onStage = fn }
}

// WithPricing estimates run cost with pricer for the given extraction and
// rerank models.
func WithPricing(pricer Pricer, llmModel, rerankModel string) Option {
	return func(p *Pipeline) {
		p.pricer = pricer
		p.llmModel = llmModel
		p.rerankModel = rerankModel
	}
}

// Pipeline coordinates one run from discovery to filtered events. Stages
// run strictly in order.
type Pipeline struct {
	search    Searcher
	ranker    Ranker
	extractor BatchExtractor
	sink      EventSink
	onStage   func(model.PipelineStage)
	cfg       Config

	pricer      Pricer
	llmModel    string
	rerankModel string
}

// New creates a Pipeline.
func New(search Searcher, ranker Ranker, extractor BatchExtractor, cfg Config, opts ...Option) *Pipeline {
	def := DefaultConfig()
	if cfg.MaxExtractURLs <= 0 {
		cfg.MaxExtractURLs = def.MaxExtractURLs
	}
	p := &Pipeline{
		search:    search,
		ranker:    ranker,
		extractor: extractor,
		cfg:       cfg,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// stageTimer records the stage sequence and per-stage durations.
type stageTimer struct {
	metrics *model.PipelineMetrics
	hook    func(model.PipelineStage)
	last    time.Time
}

func (t *stageTimer) done(stage model.PipelineStage) {
	now := time.Now()
	t.metrics.Stages = append(t.metrics.Stages, stage)
	t.metrics.StageDurationsMs[string(stage)] = now.Sub(t.last).Milliseconds()
	t.last = now
	if t.hook != nil {
		t.hook(stage)
	}
}

// Run executes the pipeline for req. It only returns an error when the
// request itself is invalid; every later failure degrades and is counted
// in the metrics.
func (p *Pipeline) Run(ctx context.Context, req model.SearchRequest) (*Output, error) {
	return p.RunObserved(ctx, req, nil)
}

// RunObserved is Run with a per-run stage callback, invoked after the
// pipeline-wide WithStageHook.
func (p *Pipeline) RunObserved(ctx context.Context, req model.SearchRequest, onStage func(model.PipelineStage)) (*Output, error) {
	hook := p.onStage
	if onStage != nil {
		global := p.onStage
		hook = func(s model.PipelineStage) {
			if global != nil {
				global(s)
			}
			onStage(s)
		}
	}

	log := zap.L().With(
		zap.String("query", req.BaseQuery),
		zap.String("country", req.Country),
	)
	out := &Output{
		Events:  []model.EventDTO{},
		Metrics: model.PipelineMetrics{StageDurationsMs: make(map[string]int64)},
	}
	timer := &stageTimer{metrics: &out.Metrics, hook: hook, last: time.Now()}

	found, err := p.search.ExecuteSearch(ctx, req)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: discovery")
	}
	out.Search = found
	out.Metrics.Discovered = len(found.Items)
	timer.done(model.StageDiscovered)

	if found.Empty() {
		log.Info("pipeline: discovery found nothing")
		timer.done(model.StageDone)
		return out, nil
	}

	filtered := PreFilter(found.Items, p.cfg.PreFilter)
	out.Metrics.AggregatorDropped = filtered.AggregatorDropped
	out.Metrics.BackstopKept = filtered.BackstopKept
	timer.done(model.StagePreFiltered)

	ranked := p.ranker.Rerank(ctx, filtered.URLs, RerankParams{
		Country:  req.Country,
		DateFrom: req.DateFrom,
		DateTo:   req.DateTo,
		Industry: req.Industry,
	})
	out.Rerank = ranked.Metrics
	out.Metrics.RerankApplied = ranked.Metrics.Applied
	out.Metrics.RerankSkippedReason = ranked.Metrics.SkippedReason
	timer.done(model.StageReranked)

	targets := ranked.URLs
	if len(targets) > p.cfg.MaxExtractURLs {
		targets = targets[:p.cfg.MaxExtractURLs]
	}

	var events []model.EventDTO
	for _, r := range p.extractor.ExtractAll(ctx, targets) {
		out.Usage.Add(r.Usage)
		out.Metrics.SchemaDropped += r.SchemaDropped
		if r.InvalidJSON {
			out.Metrics.InvalidJSONDropped++
		}
		if r.Repaired {
			out.Metrics.Repaired++
		}
		if r.Reprompted {
			out.Metrics.Reprompted++
		}
		events = append(events, r.Events...)
	}
	timer.done(model.StageExtracted)

	if p.pricer != nil {
		out.CostUSD = p.pricer.Extraction(p.llmModel, out.Usage) + p.pricer.Rerank(p.rerankModel, out.Rerank.Tokens)
	}

	for i := range events {
		raw := make([]model.RawSpeaker, len(events[i].Speakers))
		for j, s := range events[i].Speakers {
			raw[j] = model.RawSpeaker(s)
		}
		kept, nonPersons := filterSpeakers(raw)
		out.Metrics.NonPersonsFiltered += nonPersons
		if len(kept) == 0 {
			kept = nil
		}
		events[i].Speakers = kept
	}
	out.Events = dedupEvents(events)
	timer.done(model.StageSpeakerFiltered)

	if p.sink != nil && len(out.Events) > 0 {
		if err := p.sink.UpsertEvents(ctx, out.Events); err != nil {
			log.Error("pipeline: storing events failed", zap.Error(err))
		}
	}
	timer.done(model.StageDone)

	log.Info("pipeline: run complete",
		zap.String("provider", string(found.ProviderUsed)),
		zap.Int("discovered", out.Metrics.Discovered),
		zap.Int("extracted_urls", len(targets)),
		zap.Int("events", len(out.Events)),
		zap.Bool("rerank_applied", out.Metrics.RerankApplied),
		zap.Int("invalid_json_dropped", out.Metrics.InvalidJSONDropped),
		zap.Int("non_persons_filtered", out.Metrics.NonPersonsFiltered),
		zap.Float64("cost_usd", out.CostUSD),
	)
	return out, nil
}

// dedupEvents keeps the first event per title and start date, preserving
// rank order.
func dedupEvents(events []model.EventDTO) []model.EventDTO {
	out := make([]model.EventDTO, 0, len(events))
	seen := make(map[string]bool, len(events))
	for _, ev := range events {
		key := ev.Identity()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, ev)
	}
	return out
}
