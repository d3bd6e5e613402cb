package model

import (
	"net/url"
	"strings"
	"time"
)

// ProviderName identifies a discovery source.
type ProviderName string

const (
	// ProviderNone marks an orchestration run that produced no items.
	ProviderNone         ProviderName = ""
	ProviderWebSearch    ProviderName = "web-search"
	ProviderSearchEngine ProviderName = "search-engine"
	ProviderDatabase     ProviderName = "database"
)

// ParseProviderName maps config aliases onto a ProviderName. The second
// return value is false for unknown names.
func ParseProviderName(s string) (ProviderName, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "web-search", "websearch", "firecrawl":
		return ProviderWebSearch, true
	case "search-engine", "searchengine", "cse", "google":
		return ProviderSearchEngine, true
	case "database", "db":
		return ProviderDatabase, true
	default:
		return ProviderNone, false
	}
}

// SearchRequest is the immutable input to one orchestration run.
type SearchRequest struct {
	BaseQuery string     `json:"base_query"`
	UserText  string     `json:"user_text,omitempty"`
	Country   string     `json:"country,omitempty"`
	Locale    string     `json:"locale,omitempty"`
	DateFrom  *time.Time `json:"date_from,omitempty"`
	DateTo    *time.Time `json:"date_to,omitempty"`
	Industry  string     `json:"industry,omitempty"`
}

// ProviderResult is what a single provider call returned.
type ProviderResult struct {
	Provider ProviderName   `json:"provider"`
	Items    []string       `json:"items"`
	Debug    map[string]any `json:"debug,omitempty"`
}

// OrchestrationResult is the merged output of every provider tried.
// ProviderUsed is ProviderNone whenever Items is empty.
type OrchestrationResult struct {
	Items          []string       `json:"items"`
	ProviderUsed   ProviderName   `json:"provider_used"`
	ProvidersTried []ProviderName `json:"providers_tried"`
	// ProvidersMerged lists every provider that contributed at least one item.
	ProvidersMerged []ProviderName `json:"providers_merged,omitempty"`
}

// Empty reports whether the run found nothing.
func (r OrchestrationResult) Empty() bool {
	return len(r.Items) == 0
}

// NormalizeURL produces the dedup key for a URL: lowercased scheme and host,
// no fragment, no trailing slash on the path. Unparseable input is lowercased
// and trimmed.
func NormalizeURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return strings.TrimRight(strings.ToLower(raw), "/")
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""
	u.Path = strings.TrimRight(u.Path, "/")
	return strings.ToLower(u.String())
}

// DedupURLs removes blank and duplicate URLs, keeping the first occurrence
// and its original spelling.
func DedupURLs(urls []string) []string {
	seen := make(map[string]bool, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}
		key := NormalizeURL(u)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, u)
	}
	return out
}

// Profile is the read-only user profile supplied by the surrounding app.
type Profile struct {
	IndustryTerms []string `json:"industry_terms" yaml:"industry_terms"`
	ICPTerms      []string `json:"icp_terms" yaml:"icp_terms"`
	Competitors   []string `json:"competitors" yaml:"competitors"`
}

// RerankCandidate is one URL after relevance scoring. Score is always
// OriginalScore plus Bonus.
type RerankCandidate struct {
	URL           string  `json:"url"`
	OriginalScore float64 `json:"original_score"`
	Bonus         float64 `json:"bonus"`
	Score         float64 `json:"score"`
}
