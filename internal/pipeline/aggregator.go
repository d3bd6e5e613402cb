package pipeline

import (
	"net/url"
	"strings"
)

// PreFilterConfig bounds the aggregator backstop.
type PreFilterConfig struct {
	// MinNonAggregatorURLs is the count below which aggregator URLs are
	// kept as a backstop.
	MinNonAggregatorURLs int
	// MaxBackstopAggregators caps how many aggregator URLs the backstop keeps.
	MaxBackstopAggregators int
	// ExtraHosts are additional aggregator domains on top of the built-in list.
	ExtraHosts []string
}

// DefaultPreFilterConfig returns the standard backstop thresholds.
func DefaultPreFilterConfig() PreFilterConfig {
	return PreFilterConfig{
		MinNonAggregatorURLs:   5,
		MaxBackstopAggregators: 3,
	}
}

// PreFilterResult is the outcome of PreFilter.
type PreFilterResult struct {
	URLs              []string `json:"urls"`
	AggregatorDropped int      `json:"aggregator_dropped"`
	BackstopKept      int      `json:"backstop_kept"`
}

// aggregatorHosts are event listing and directory sites. Subdomains match.
var aggregatorHosts = []string{
	"10times.com",
	"allconferencealert.com",
	"allevents.in",
	"conferencealerts.com",
	"conferenceindex.org",
	"conference-service.com",
	"confex.com",
	"eventbrite.com",
	"eventbrite.co.uk",
	"eventbrite.de",
	"eventbrite.fr",
	"eventseye.com",
	"eventful.com",
	"expodatabase.com",
	"facebook.com",
	"linkedin.com",
	"meetup.com",
	"tradefairdates.com",
	"tradeshowsinfo.com",
	"waset.org",
}

// listingSegments are path segments that mark a listing page when they are
// the last segment of the path.
var listingSegments = map[string]bool{
	"calendar":        true,
	"conferences":     true,
	"directory":       true,
	"evenements":      true,
	"event":           true,
	"events":          true,
	"search":          true,
	"upcoming":        true,
	"veranstaltungen": true,
}

// listingPrefixes mark listing pages anywhere in the path.
var listingPrefixes = []string{
	"/category/",
	"/categories/",
	"/tag/",
	"/tags/",
	"/search/",
	"/list/",
	"/events/list",
}

// IsAggregatorURL reports whether raw looks like a page listing many events
// rather than describing one.
func IsAggregatorURL(raw string, extraHosts ...string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if matchesHost(host, aggregatorHosts) || matchesHost(host, extraHosts) {
		return true
	}

	path := strings.ToLower(u.Path)
	for _, p := range listingPrefixes {
		if strings.Contains(path, p) {
			return true
		}
	}

	q := u.Query()
	if q.Has("page") || q.Has("paged") || q.Has("category") {
		return true
	}

	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return false
	}
	segs := strings.Split(trimmed, "/")
	return listingSegments[segs[len(segs)-1]]
}

func matchesHost(host string, list []string) bool {
	for _, h := range list {
		h = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "www.")
		if h == "" {
			continue
		}
		if host == h || strings.HasSuffix(host, "."+h) {
			return true
		}
	}
	return false
}

// PreFilter drops aggregator URLs. When fewer than MinNonAggregatorURLs
// non-aggregators remain, it keeps enough aggregators to close the gap, up
// to MaxBackstopAggregators. Kept URLs stay in input order.
func PreFilter(urls []string, cfg PreFilterConfig) PreFilterResult {
	isAgg := make([]bool, len(urls))
	nonAgg, agg := 0, 0
	for i, u := range urls {
		isAgg[i] = IsAggregatorURL(u, cfg.ExtraHosts...)
		if isAgg[i] {
			agg++
		} else {
			nonAgg++
		}
	}

	backstop := 0
	if nonAgg < cfg.MinNonAggregatorURLs && agg > 0 {
		backstop = min(cfg.MinNonAggregatorURLs-nonAgg, cfg.MaxBackstopAggregators, agg)
		backstop = max(backstop, 0)
	}

	res := PreFilterResult{URLs: make([]string, 0, nonAgg+backstop)}
	kept := 0
	for i, u := range urls {
		if !isAgg[i] {
			res.URLs = append(res.URLs, u)
			continue
		}
		if kept < backstop {
			res.URLs = append(res.URLs, u)
			kept++
			continue
		}
		res.AggregatorDropped++
	}
	res.BackstopKept = kept
	return res
}
