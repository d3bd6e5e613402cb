package search

import (
	"context"

	"go.uber.org/zap"

	"github.com/sells-group/attendry/internal/model"
	"github.com/sells-group/attendry/internal/resilience"
)

// EventLister is the read side of the event store the database provider
// needs.
type EventLister interface {
	ListEventURLs(ctx context.Context, f model.EventFilter) ([]string, error)
}

// DatabaseProvider re-surfaces events already persisted by earlier runs.
type DatabaseProvider struct {
	store   EventLister
	manager *resilience.Manager
	limit   int
}

// NewDatabaseProvider creates a provider backed by store.
func NewDatabaseProvider(store EventLister, manager *resilience.Manager) *DatabaseProvider {
	return &DatabaseProvider{store: store, manager: manager, limit: 50}
}

// Name implements Provider.
func (p *DatabaseProvider) Name() model.ProviderName { return model.ProviderDatabase }

// Search implements Provider. The query text is not used; stored events are
// matched on country and date range only.
func (p *DatabaseProvider) Search(ctx context.Context, _ string, sc SearchContext) (model.ProviderResult, error) {
	f := model.EventFilter{
		Country:  sc.Country,
		DateFrom: sc.DateFrom,
		DateTo:   sc.DateTo,
		Limit:    p.limit,
	}
	urls, _, err := resilience.ExecuteWithRetry(ctx, p.manager, ServiceDatabase, "list_event_urls",
		func(ctx context.Context) ([]string, error) {
			return p.store.ListEventURLs(ctx, f)
		}, &resilience.RetryConfig{MaxRetries: 1})
	if err != nil {
		zap.L().Warn("database provider failed",
			zap.String("provider", string(p.Name())),
			zap.Error(err),
		)
		return emptyResult(p.Name(), map[string]any{"error": err.Error()}), nil
	}
	return model.ProviderResult{Provider: p.Name(), Items: model.DedupURLs(urls)}, nil
}
