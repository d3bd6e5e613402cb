package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/language/display"

	"github.com/sells-group/attendry/internal/model"
	"github.com/sells-group/attendry/internal/resilience"
	"github.com/sells-group/attendry/pkg/voyage"
)

// ServiceVoyage is the resilience service name for rerank calls.
const ServiceVoyage = "voyage"

// Skip reasons recorded in RerankMetrics.SkippedReason.
const (
	SkipNoClient = "no_api_key"
	SkipNoInput  = "no_input"
	SkipFailed   = "rerank_failed"
)

// RerankConfig tunes the reranker.
type RerankConfig struct {
	Model        string
	MaxDocuments int
	CountryBonus float64
	PathBonus    float64
	PathKeywords []string
}

// DefaultRerankConfig returns the standard rerank settings.
func DefaultRerankConfig() RerankConfig {
	return RerankConfig{
		Model:        voyage.DefaultModel,
		MaxDocuments: 40,
		CountryBonus: 0.05,
		PathBonus:    0.03,
		PathKeywords: []string{"conference", "summit", "congress"},
	}
}

// RerankParams carry the hard excludes embedded in the instruction.
type RerankParams struct {
	Country  string
	DateFrom *time.Time
	DateTo   *time.Time
	Industry string
}

// RerankMetrics describe one rerank call.
type RerankMetrics struct {
	Applied       bool          `json:"applied"`
	SkippedReason string        `json:"skipped_reason,omitempty"`
	InputCount    int           `json:"input_count"`
	Truncated     int           `json:"truncated"`
	Attempts      int           `json:"attempts"`
	Tokens        int           `json:"tokens"`
	Duration      time.Duration `json:"duration"`
}

// RerankResult is the reranked URL order. Candidates is empty when the
// rerank was skipped.
type RerankResult struct {
	URLs       []string                `json:"urls"`
	Candidates []model.RerankCandidate `json:"candidates,omitempty"`
	Metrics    RerankMetrics           `json:"metrics"`
}

// Reranker scores URLs with the Voyage rerank API and applies tie-break
// bonuses.
type Reranker struct {
	client  voyage.Client
	manager *resilience.Manager
	cfg     RerankConfig
}

// NewReranker creates a Reranker. A nil client makes every call a
// pass-through.
func NewReranker(client voyage.Client, manager *resilience.Manager, cfg RerankConfig) *Reranker {
	def := DefaultRerankConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxDocuments <= 0 {
		cfg.MaxDocuments = def.MaxDocuments
	}
	cfg.MaxDocuments = min(cfg.MaxDocuments, voyage.MaxDocuments)
	if len(cfg.PathKeywords) == 0 {
		cfg.PathKeywords = def.PathKeywords
	}
	if manager == nil {
		manager = resilience.NewManager()
	}
	return &Reranker{client: client, manager: manager, cfg: cfg}
}

// Rerank orders urls by relevance. Only the first MaxDocuments URLs are
// scored; the rest follow in input order. Any failure returns urls
// unchanged with Applied=false.
func (r *Reranker) Rerank(ctx context.Context, urls []string, params RerankParams) RerankResult {
	start := time.Now()
	res := RerankResult{
		URLs:    urls,
		Metrics: RerankMetrics{InputCount: len(urls)},
	}
	switch {
	case len(urls) == 0:
		res.Metrics.SkippedReason = SkipNoInput
		return res
	case r.client == nil:
		res.Metrics.SkippedReason = SkipNoClient
		return res
	}

	docs := urls
	var overflow []string
	if len(docs) > r.cfg.MaxDocuments {
		docs, overflow = urls[:r.cfg.MaxDocuments], urls[r.cfg.MaxDocuments:]
		res.Metrics.Truncated = len(overflow)
	}

	req := voyage.RerankRequest{
		Query:     BuildRerankInstruction(params),
		Documents: make([]string, len(docs)),
		Model:     r.cfg.Model,
	}
	for i, u := range docs {
		req.Documents[i] = documentText(u)
	}

	resp, metrics, err := resilience.ExecuteWithRetry(ctx, r.manager, ServiceVoyage, "rerank",
		func(ctx context.Context) (*voyage.RerankResponse, error) {
			return r.client.Rerank(ctx, req)
		}, nil)
	res.Metrics.Attempts = metrics.Attempts
	res.Metrics.Duration = time.Since(start)
	if err == nil {
		err = validateScores(resp, len(docs))
	}
	if err != nil {
		zap.L().Warn("rerank: skipped, keeping input order",
			zap.Int("urls", len(urls)),
			zap.Int("attempts", metrics.Attempts),
			zap.Error(err),
		)
		res.Metrics.SkippedReason = SkipFailed
		return res
	}

	res.Metrics.Tokens = resp.Usage.TotalTokens
	scores := make([]float64, len(docs))
	for _, d := range resp.Data {
		scores[d.Index] = d.RelevanceScore
	}

	res.Candidates = r.score(docs, scores, params.Country)
	res.URLs = make([]string, 0, len(urls))
	for _, c := range res.Candidates {
		res.URLs = append(res.URLs, c.URL)
	}
	res.URLs = append(res.URLs, overflow...)
	res.Metrics.Applied = true

	zap.L().Debug("rerank: applied",
		zap.Int("scored", len(docs)),
		zap.Int("truncated", len(overflow)),
		zap.Duration("duration", res.Metrics.Duration),
	)
	return res
}

// score builds candidates in input order, adds bonuses, and orders them by
// final score. Equal final scores fall back to relevance and then input
// order.
func (r *Reranker) score(docs []string, relevance []float64, country string) []model.RerankCandidate {
	out := make([]model.RerankCandidate, len(docs))
	for i, u := range docs {
		bonus := Bonus(u, country, r.cfg)
		out[i] = model.RerankCandidate{
			URL:           u,
			OriginalScore: relevance[i],
			Bonus:         bonus,
			Score:         relevance[i] + bonus,
		}
	}

	sort.SliceStable(out, func(a, b int) bool {
		return out[a].OriginalScore > out[b].OriginalScore
	})
	SortCandidates(out)
	return out
}

// SortCandidates stable-sorts candidates by Score descending. Equal scores
// keep their relative order.
func SortCandidates(cands []model.RerankCandidate) {
	sort.SliceStable(cands, func(a, b int) bool {
		return cands[a].Score > cands[b].Score
	})
}

// Bonus returns the deterministic tie-break bonus for u: CountryBonus when
// the host's TLD matches country, plus PathBonus when the path names an
// event keyword.
func Bonus(u, country string, cfg RerankConfig) float64 {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return 0
	}
	var bonus float64
	if country != "" && hasCountryTLD(strings.ToLower(parsed.Hostname()), country) {
		bonus += cfg.CountryBonus
	}
	path := strings.ToLower(parsed.Path)
	for _, kw := range cfg.PathKeywords {
		if kw != "" && strings.Contains(path, strings.ToLower(kw)) {
			bonus += cfg.PathBonus
			break
		}
	}
	return bonus
}

func hasCountryTLD(host, country string) bool {
	cc := strings.ToLower(strings.TrimSpace(country))
	if strings.HasSuffix(host, "."+cc) {
		return true
	}
	// ISO GB uses the .uk ccTLD.
	return cc == "gb" && strings.HasSuffix(host, ".uk")
}

// BuildRerankInstruction writes the natural-language query sent to the
// reranker. The excludes are a ranking signal only.
func BuildRerankInstruction(p RerankParams) string {
	var b strings.Builder
	b.WriteString("Find web pages that describe one specific professional event (conference, summit, congress or trade show)")
	if p.Industry != "" {
		fmt.Fprintf(&b, " for the %s industry", p.Industry)
	}
	if name := countryName(p.Country); name != "" {
		fmt.Fprintf(&b, " taking place in %s", name)
	}
	switch {
	case p.DateFrom != nil && p.DateTo != nil:
		fmt.Fprintf(&b, " between %s and %s", p.DateFrom.Format(time.DateOnly), p.DateTo.Format(time.DateOnly))
	case p.DateFrom != nil:
		fmt.Fprintf(&b, " on or after %s", p.DateFrom.Format(time.DateOnly))
	case p.DateTo != nil:
		fmt.Fprintf(&b, " on or before %s", p.DateTo.Format(time.DateOnly))
	}
	b.WriteString(". Exclude:")
	if name := countryName(p.Country); name != "" {
		fmt.Fprintf(&b, " events outside %s;", name)
	}
	if p.DateFrom != nil || p.DateTo != nil {
		b.WriteString(" events outside the date range;")
	}
	if p.Industry != "" {
		b.WriteString(" events for unrelated industries;")
	}
	b.WriteString(" listing, directory and aggregator pages.")
	return b.String()
}

func countryName(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return ""
	}
	region, err := language.ParseRegion(code)
	if err != nil {
		return code
	}
	if name := display.English.Regions().Name(region); name != "" {
		return name
	}
	return code
}

// documentText renders a URL as rerank input: the URL followed by its
// path words.
func documentText(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return u
	}
	words := strings.FieldsFunc(parsed.Path, func(r rune) bool {
		return r == '/' || r == '-' || r == '_' || r == '.'
	})
	if len(words) == 0 {
		return u
	}
	return u + " " + strings.Join(words, " ")
}

func validateScores(resp *voyage.RerankResponse, n int) error {
	if resp == nil {
		return eris.New("rerank: empty response")
	}
	if len(resp.Data) != n {
		return eris.Errorf("rerank: got %d scores for %d documents", len(resp.Data), n)
	}
	seen := make([]bool, n)
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= n || seen[d.Index] {
			return eris.Errorf("rerank: bad result index %d", d.Index)
		}
		seen[d.Index] = true
	}
	return nil
}
