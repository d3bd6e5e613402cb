package search

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/sells-group/attendry/internal/model"
	"github.com/sells-group/attendry/internal/resilience"
	"github.com/sells-group/attendry/pkg/google"
)

// SearchEngineProvider discovers event pages via Google Custom Search.
type SearchEngineProvider struct {
	client  google.Client
	manager *resilience.Manager
	num     int
}

// NewSearchEngineProvider creates a Custom Search backed provider.
func NewSearchEngineProvider(client google.Client, manager *resilience.Manager) *SearchEngineProvider {
	return &SearchEngineProvider{client: client, manager: manager, num: 10}
}

// Name implements Provider.
func (p *SearchEngineProvider) Name() model.ProviderName { return model.ProviderSearchEngine }

// Search implements Provider. A 400 with geo parameters set is retried
// once without them. Any other failure yields an empty result.
func (p *SearchEngineProvider) Search(ctx context.Context, query string, sc SearchContext) (model.ProviderResult, error) {
	req := google.SearchRequest{
		Query: google.TruncateQuery(query),
		Num:   p.num,
	}
	if sc.Country != "" {
		req.GL = strings.ToLower(sc.Country)
		req.CR = "country" + strings.ToUpper(sc.Country)
	}
	if lang := sc.Language(); lang != "" {
		req.LR = "lang_" + lang
	}

	debug := map[string]any{}
	resp, err := p.call(ctx, req)
	if err != nil && isBadRequest(err) && req.HasGeo() {
		zap.L().Info("search engine rejected geo params, retrying without",
			zap.String("provider", string(p.Name())),
			zap.String("gl", req.GL),
			zap.String("lr", req.LR),
			zap.String("cr", req.CR),
		)
		debug["geo_stripped"] = true
		resp, err = p.call(ctx, req.WithoutGeo())
	}
	if err != nil {
		zap.L().Warn("search engine failed",
			zap.String("provider", string(p.Name())),
			zap.Error(err),
		)
		debug["error"] = err.Error()
		return emptyResult(p.Name(), debug), nil
	}

	urls := make([]string, 0, len(resp.Items))
	for _, it := range resp.Items {
		urls = append(urls, it.Link)
	}
	return model.ProviderResult{
		Provider: p.Name(),
		Items:    model.DedupURLs(urls),
		Debug:    debug,
	}, nil
}

func (p *SearchEngineProvider) call(ctx context.Context, req google.SearchRequest) (*google.SearchResponse, error) {
	resp, _, err := resilience.ExecuteWithRetry(ctx, p.manager, ServiceGoogleCSE, "search",
		func(ctx context.Context) (*google.SearchResponse, error) {
			return p.client.Search(ctx, req)
		}, nil)
	return resp, err
}

func isBadRequest(err error) bool {
	var sc resilience.StatusCoder
	return errors.As(err, &sc) && sc.HTTPStatus() == http.StatusBadRequest
}
