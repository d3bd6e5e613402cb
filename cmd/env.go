package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/attendry/internal/config"
	"github.com/sells-group/attendry/internal/cost"
	"github.com/sells-group/attendry/internal/model"
	"github.com/sells-group/attendry/internal/pipeline"
	"github.com/sells-group/attendry/internal/query"
	"github.com/sells-group/attendry/internal/resilience"
	"github.com/sells-group/attendry/internal/search"
	"github.com/sells-group/attendry/internal/store"
	anthropicpkg "github.com/sells-group/attendry/pkg/anthropic"
	"github.com/sells-group/attendry/pkg/firecrawl"
	"github.com/sells-group/attendry/pkg/google"
	"github.com/sells-group/attendry/pkg/jina"
	"github.com/sells-group/attendry/pkg/voyage"
)

// appEnv holds everything the run and serve commands need.
type appEnv struct {
	Store        store.Store // nil when store.driver is none
	Orchestrator *search.Orchestrator
	Pipeline     *pipeline.Pipeline
	Resilience   *resilience.Manager
}

// Close releases resources held by the environment.
func (e *appEnv) Close() {
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured store. It returns nil for driver none.
func initStore(ctx context.Context, c *config.Config) (store.Store, error) {
	switch c.Store.Driver {
	case config.DriverSQLite:
		dsn := c.Store.DatabaseURL
		if dsn == "" {
			dsn = "attendry.db"
		}
		st, err := store.NewSQLite(dsn)
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverPostgres:
		st, err := store.NewPostgres(ctx, c.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: c.Store.MaxConns,
			MinConns: c.Store.MinConns,
		})
		if err != nil {
			return nil, err
		}
		return st, nil
	case config.DriverNone, "":
		return nil, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", c.Store.Driver)
	}
}

// newManager builds the shared resilience manager from config.
func newManager(c *config.Config) *resilience.Manager {
	retry := resilience.FromRetryConfig(c.Retry.MaxRetries, c.Retry.BaseDelayMs, c.Retry.MaxDelayMs, c.Retry.Multiplier, c.Retry.Jitter)
	return resilience.NewManager(
		resilience.WithRetryDefaults(retry),
		resilience.WithCircuitConfig(resilience.FromCircuitConfig(c.Circuit.FailureThreshold, c.Circuit.ResetTimeoutSecs, c.Circuit.TimeoutWeight)),
		resilience.WithBudget(resilience.FromBudgetConfig(c.Retry.BudgetPerMinute)),
	)
}

// buildProviders creates the configured providers in order. Providers
// whose credentials or backing store are missing are skipped.
func buildProviders(c *config.Config, mgr *resilience.Manager, events search.EventLister) []search.Provider {
	order, unknown := search.ParseOrder(c.Search.Providers)
	if len(unknown) > 0 {
		zap.L().Warn("ignoring unknown search providers", zap.Strings("unknown", unknown))
	}
	if len(order) == 0 {
		order = search.DefaultOrder
	}

	var providers []search.Provider
	for _, name := range order {
		switch name {
		case model.ProviderWebSearch:
			if c.Firecrawl.Key == "" {
				zap.L().Warn("ATTENDRY_FIRECRAWL_KEY not set, web-search provider disabled")
				continue
			}
			fc := firecrawl.NewClient(c.Firecrawl.Key, firecrawl.WithBaseURL(c.Firecrawl.BaseURL))
			providers = append(providers, search.NewWebSearchProvider(fc, mgr, search.WithSearchLimit(c.Firecrawl.SearchLimit)))
		case model.ProviderSearchEngine:
			if c.Google.Key == "" || c.Google.CX == "" {
				zap.L().Warn("ATTENDRY_GOOGLE_KEY or ATTENDRY_GOOGLE_CX not set, search-engine provider disabled")
				continue
			}
			gc := google.NewClient(c.Google.Key, c.Google.CX, google.WithBaseURL(c.Google.BaseURL))
			providers = append(providers, search.NewSearchEngineProvider(gc, mgr))
		case model.ProviderDatabase:
			if events == nil {
				zap.L().Warn("no event store configured, database provider disabled")
				continue
			}
			providers = append(providers, search.NewDatabaseProvider(events, mgr))
		}
	}
	return providers
}

// buildFetcher wires the page fetch chain. Clients without keys are left
// out so the chain falls through to the next one.
func buildFetcher(c *config.Config, mgr *resilience.Manager) *pipeline.ChainFetcher {
	var fc firecrawl.Client
	if c.Firecrawl.Key != "" {
		fc = firecrawl.NewClient(c.Firecrawl.Key, firecrawl.WithBaseURL(c.Firecrawl.BaseURL))
	}
	var jc jina.Client
	if c.Jina.Key != "" {
		jc = jina.NewClient(c.Jina.Key, jina.WithBaseURL(c.Jina.BaseURL))
	}
	return pipeline.NewChainFetcher(fc, jc, mgr)
}

// buildReranker returns a pass-through reranker when no Voyage key is set.
func buildReranker(c *config.Config, mgr *resilience.Manager) *pipeline.Reranker {
	var vc voyage.Client
	if c.Voyage.Key != "" {
		vc = voyage.NewClient(c.Voyage.Key, voyage.WithBaseURL(c.Voyage.BaseURL))
	} else {
		zap.L().Info("ATTENDRY_VOYAGE_KEY not set, rerank will be skipped")
	}
	return pipeline.NewReranker(vc, mgr, pipeline.RerankConfig{
		Model:        c.Voyage.Model,
		MaxDocuments: c.Rerank.MaxDocuments,
		CountryBonus: c.Rerank.CountryBonus,
		PathBonus:    c.Rerank.PathBonus,
	})
}

// initEnv validates config for mode, opens the store and builds the
// pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context, mode string) (*appEnv, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}
	for _, key := range cfg.MissingKeys() {
		zap.L().Warn("api key not set, dependent stage will be skipped", zap.String("key", key))
	}

	st, err := initStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	env := &appEnv{Store: st, Resilience: newManager(cfg)}

	var events search.EventLister
	if st != nil {
		if err := st.Migrate(ctx); err != nil {
			env.Close()
			return nil, eris.Wrap(err, "migrate store")
		}
		events = st
	}

	profile, err := config.LoadProfile(cfg.Profile.Path)
	if err != nil {
		env.Close()
		return nil, err
	}

	builder := query.NewBuilder(
		query.WithExclusions(cfg.Query.Exclusions...),
		query.WithProfile(profile),
		query.WithMaxProfileTerms(cfg.Query.MaxProfileTerms),
	)
	orchOpts := []search.OrchestratorOption{search.WithBuilder(builder)}
	if cfg.Search.CacheTTLSecs > 0 {
		orchOpts = append(orchOpts, search.WithCache(search.NewCache(cfg.Search.CacheSize, time.Duration(cfg.Search.CacheTTLSecs)*time.Second)))
	}
	providers := buildProviders(cfg, env.Resilience, events)
	if len(providers) == 0 {
		zap.L().Warn("no search providers available, every run will discover nothing")
	}
	env.Orchestrator = search.NewOrchestrator(providers, orchOpts...)

	var llm anthropicpkg.Client
	if cfg.Anthropic.Key != "" {
		llm = anthropicpkg.NewClient(cfg.Anthropic.Key)
	}
	extractor := pipeline.NewExtractor(
		llm,
		buildFetcher(cfg, env.Resilience),
		env.Resilience,
		pipeline.ExtractConfig{
			Model:           cfg.Anthropic.Model,
			MaxTokens:       int64(cfg.Extract.MaxTokens),
			MaxConcurrency:  cfg.Extract.MaxConcurrency,
			RepromptTimeout: time.Duration(cfg.Extract.RepromptTimeoutSecs) * time.Second,
			MaxContentChars: cfg.Extract.MaxContentChars,
		},
	)

	opts := []pipeline.Option{
		pipeline.WithPricing(cost.NewCalculator(cost.DefaultRates()), cfg.Anthropic.Model, cfg.Voyage.Model),
	}
	if st != nil {
		opts = append(opts, pipeline.WithSink(st))
	}
	env.Pipeline = pipeline.New(env.Orchestrator, buildReranker(cfg, env.Resilience), extractor, pipeline.Config{
		PreFilter: pipeline.PreFilterConfig{
			MinNonAggregatorURLs:   cfg.Prefilter.MinNonAggregatorURLs,
			MaxBackstopAggregators: cfg.Prefilter.MaxBackstopAggregators,
			ExtraHosts:             cfg.Prefilter.ExtraHosts,
		},
		MaxExtractURLs: cfg.Extract.MaxURLs,
	}, opts...)

	return env, nil
}

// eventRunner runs the pipeline for one request.
type eventRunner interface {
	Run(ctx context.Context, req model.SearchRequest) (*pipeline.Output, error)
}

// stagedRunner runs the pipeline and reports each completed stage.
type stagedRunner interface {
	RunObserved(ctx context.Context, req model.SearchRequest, onStage func(model.PipelineStage)) (*pipeline.Output, error)
}

// stageStatus maps a completed stage to the run status that follows it.
var stageStatus = map[model.PipelineStage]model.RunStatus{
	model.StageDiscovered:  model.RunStatusFiltering,
	model.StagePreFiltered: model.RunStatusReranking,
	model.StageReranked:    model.RunStatusExtracting,
}

// recordedRunner wraps a pipeline and records each run in the store when
// one is configured. Recording failures are logged, not returned.
type recordedRunner struct {
	pipeline stagedRunner
	store    store.Store
}

func (r *recordedRunner) Run(ctx context.Context, req model.SearchRequest) (*pipeline.Output, error) {
	if r.store == nil {
		return r.pipeline.RunObserved(ctx, req, nil)
	}

	run, err := r.store.CreateRun(ctx, req)
	if err != nil {
		zap.L().Warn("record run failed", zap.Error(err))
		return r.pipeline.RunObserved(ctx, req, nil)
	}
	r.setStatus(ctx, run.ID, model.RunStatusDiscovering)

	out, err := r.pipeline.RunObserved(ctx, req, func(stage model.PipelineStage) {
		if status, ok := stageStatus[stage]; ok {
			r.setStatus(ctx, run.ID, status)
		}
	})
	if err != nil {
		if ferr := r.store.FailRun(ctx, run.ID, err.Error()); ferr != nil {
			zap.L().Warn("fail run failed", zap.String("run_id", run.ID), zap.Error(ferr))
		}
		return nil, err
	}

	result := &model.RunResult{
		EventCount:   len(out.Events),
		ProviderUsed: out.Search.ProviderUsed,
		Metrics:      out.Metrics,
		CostUSD:      out.CostUSD,
	}
	if err := r.store.UpdateRunResult(ctx, run.ID, result); err != nil {
		zap.L().Warn("save run result failed", zap.String("run_id", run.ID), zap.Error(err))
	}
	return out, nil
}

func (r *recordedRunner) setStatus(ctx context.Context, runID string, status model.RunStatus) {
	if err := r.store.UpdateRunStatus(ctx, runID, status); err != nil {
		zap.L().Warn("update run status failed",
			zap.String("run_id", runID),
			zap.String("status", string(status)),
			zap.Error(err),
		)
	}
}
