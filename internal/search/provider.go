// Package search fans a query out to discovery providers and merges their
// URL lists.
package search

import (
	"context"
	"strings"
	"time"

	"golang.org/x/text/language"

	"github.com/sells-group/attendry/internal/model"
)

// Provider is one discovery source. Implementations absorb their own
// transport errors where they can, but the orchestrator also treats any
// returned error as an empty result.
type Provider interface {
	Name() model.ProviderName
	Search(ctx context.Context, query string, sc SearchContext) (model.ProviderResult, error)
}

// SearchContext carries the request parameters a provider may use to
// narrow its results.
type SearchContext struct {
	Country  string
	Locale   string
	DateFrom *time.Time
	DateTo   *time.Time
	Industry string
}

// ContextFromRequest extracts the provider context from a request.
func ContextFromRequest(req model.SearchRequest) SearchContext {
	return SearchContext{
		Country:  strings.ToUpper(strings.TrimSpace(req.Country)),
		Locale:   strings.TrimSpace(req.Locale),
		DateFrom: req.DateFrom,
		DateTo:   req.DateTo,
		Industry: req.Industry,
	}
}

// Language returns the two-letter language for the context: the locale's
// base language when set, otherwise the most likely language of Country.
// Empty when neither yields a confident answer.
func (sc SearchContext) Language() string {
	if sc.Locale != "" {
		if tag, err := language.Parse(sc.Locale); err == nil {
			if base, conf := tag.Base(); conf != language.No {
				return base.String()
			}
		}
	}
	if sc.Country == "" {
		return ""
	}
	region, err := language.ParseRegion(sc.Country)
	if err != nil {
		return ""
	}
	tag, err := language.Compose(language.Und, region)
	if err != nil {
		return ""
	}
	base, conf := tag.Base()
	if conf == language.No {
		return ""
	}
	return base.String()
}

// ParseOrder turns a comma-separated provider list into an ordered,
// de-duplicated slice. Unknown names are returned separately.
func ParseOrder(s string) (order []model.ProviderName, unknown []string) {
	seen := make(map[model.ProviderName]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		name, ok := model.ParseProviderName(part)
		if !ok {
			unknown = append(unknown, part)
			continue
		}
		if seen[name] {
			continue
		}
		seen[name] = true
		order = append(order, name)
	}
	return order, unknown
}

// DefaultOrder is the provider order used when none is configured.
var DefaultOrder = []model.ProviderName{model.ProviderWebSearch, model.ProviderSearchEngine}

func emptyResult(name model.ProviderName, debug map[string]any) model.ProviderResult {
	return model.ProviderResult{Provider: name, Items: []string{}, Debug: debug}
}
