package search

import (
	"context"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/attendry/internal/model"
	"github.com/sells-group/attendry/internal/query"
)

// Orchestrator runs providers in a fixed order and merges their results.
type Orchestrator struct {
	providers []Provider
	builder   *query.Builder
	cache     *Cache
}

// OrchestratorOption configures an Orchestrator.
type OrchestratorOption func(*Orchestrator)

// WithCache enables result memoisation.
func WithCache(c *Cache) OrchestratorOption {
	return func(o *Orchestrator) { o.cache = c }
}

// WithBuilder overrides the query builder.
func WithBuilder(b *query.Builder) OrchestratorOption {
	return func(o *Orchestrator) { o.builder = b }
}

// NewOrchestrator creates an orchestrator that tries providers in the
// given order.
func NewOrchestrator(providers []Provider, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		providers: providers,
		builder:   query.NewBuilder(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Order returns the provider names in call order.
func (o *Orchestrator) Order() []model.ProviderName {
	names := make([]model.ProviderName, 0, len(o.providers))
	for _, p := range o.providers {
		names = append(names, p.Name())
	}
	return names
}

// ExecuteSearch builds the effective query and calls every provider in
// order. The first non-empty result is adopted and later non-empty results
// are merged in, keeping first-seen order. Provider errors count as empty.
// The only error returned is for an invalid request.
func (o *Orchestrator) ExecuteSearch(ctx context.Context, req model.SearchRequest) (model.OrchestrationResult, error) {
	q, sc, err := o.prepare(req)
	if err != nil {
		return model.OrchestrationResult{Items: []string{}}, err
	}

	log := zap.L().With(zap.String("query", q), zap.String("country", sc.Country))

	var key string
	if o.cache != nil {
		key = Key(q, sc, o.Order())
		if res, ok := o.cache.Get(key); ok {
			log.Debug("search cache hit", zap.Int("items", len(res.Items)))
			return cloneResult(res), nil
		}
	}

	res := model.OrchestrationResult{
		Items:          []string{},
		ProvidersTried: make([]model.ProviderName, 0, len(o.providers)),
	}
	seen := make(map[string]bool)

	for _, p := range o.providers {
		if ctx.Err() != nil {
			break
		}
		name := p.Name()
		res.ProvidersTried = append(res.ProvidersTried, name)

		start := time.Now()
		pr, err := p.Search(ctx, q, sc)
		if err != nil {
			log.Warn("provider failed, treating as empty",
				zap.String("provider", string(name)),
				zap.Error(err),
			)
			continue
		}

		added := 0
		for _, u := range pr.Items {
			u = strings.TrimSpace(u)
			k := model.NormalizeURL(u)
			if u == "" || seen[k] {
				continue
			}
			seen[k] = true
			res.Items = append(res.Items, u)
			added++
		}

		log.Info("provider returned",
			zap.String("provider", string(name)),
			zap.Int("items", len(pr.Items)),
			zap.Int("new", added),
			zap.Duration("elapsed", time.Since(start)),
		)

		if added == 0 {
			continue
		}
		if res.ProviderUsed == model.ProviderNone {
			res.ProviderUsed = name
		}
		res.ProvidersMerged = append(res.ProvidersMerged, name)
	}

	if res.Empty() {
		res.ProviderUsed = model.ProviderNone
		res.ProvidersMerged = nil
	}

	if o.cache != nil {
		o.cache.Put(key, cloneResult(res))
	}
	return res, nil
}

// Invalidate drops the cached result for req, if any.
func (o *Orchestrator) Invalidate(req model.SearchRequest) {
	if o.cache == nil {
		return
	}
	q, sc, err := o.prepare(req)
	if err != nil {
		return
	}
	o.cache.Invalidate(Key(q, sc, o.Order()))
}

// Purge drops every cached result.
func (o *Orchestrator) Purge() {
	if o.cache != nil {
		o.cache.Purge()
	}
}

func (o *Orchestrator) prepare(req model.SearchRequest) (string, SearchContext, error) {
	sc := ContextFromRequest(req)
	var cc *query.CountryContext
	if sc.Country != "" {
		cc = &query.CountryContext{ISO2: sc.Country, Locale: sc.Locale}
	}
	q, err := o.builder.Build(req.BaseQuery, req.UserText, cc)
	if err != nil {
		return "", sc, err
	}
	return q, sc, nil
}

func cloneResult(r model.OrchestrationResult) model.OrchestrationResult {
	r.Items = slices.Clone(r.Items)
	r.ProvidersTried = slices.Clone(r.ProvidersTried)
	r.ProvidersMerged = slices.Clone(r.ProvidersMerged)
	if r.Items == nil {
		r.Items = []string{}
	}
	return r
}
