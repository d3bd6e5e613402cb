package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/attendry/internal/model"
	"github.com/sells-group/attendry/internal/resilience"
	"github.com/sells-group/attendry/pkg/anthropic"
)

// ServiceAnthropic is the resilience service name for LLM calls.
const ServiceAnthropic = "anthropic"

// DefaultExtractModel is used when no model is configured.
const DefaultExtractModel = "claude-haiku-4-5-20251001"

// ExtractConfig tunes the extractor.
type ExtractConfig struct {
	Model           string
	MaxTokens       int64
	MaxConcurrency  int
	RepromptTimeout time.Duration
	// MaxContentChars truncates page markdown before prompting.
	MaxContentChars int
}

// DefaultExtractConfig returns the standard extraction settings.
func DefaultExtractConfig() ExtractConfig {
	return ExtractConfig{
		Model:           DefaultExtractModel,
		MaxTokens:       4096,
		MaxConcurrency:  4,
		RepromptTimeout: 6 * time.Second,
		MaxContentChars: 24000,
	}
}

// ErrNoLLM is reported for every URL when the extractor has no LLM client.
var ErrNoLLM = eris.New("extract: no LLM client configured")

// URLExtraction is the outcome for one URL.
type URLExtraction struct {
	URL           string
	Events        []model.EventDTO
	Repaired      bool
	Reprompted    bool
	InvalidJSON   bool
	SchemaDropped int
	Usage         model.TokenUsage
	Err           error
}

// Extractor turns fetched pages into schema-valid events with an LLM.
type Extractor struct {
	llm     anthropic.Client
	fetcher PageFetcher
	manager *resilience.Manager
	cfg     ExtractConfig
	system  []anthropic.SystemBlock
}

// NewExtractor creates an Extractor. Zero config fields take defaults.
func NewExtractor(llm anthropic.Client, fetcher PageFetcher, manager *resilience.Manager, cfg ExtractConfig) *Extractor {
	def := DefaultExtractConfig()
	if cfg.Model == "" {
		cfg.Model = def.Model
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = def.MaxTokens
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = def.MaxConcurrency
	}
	if cfg.RepromptTimeout <= 0 {
		cfg.RepromptTimeout = def.RepromptTimeout
	}
	if cfg.MaxContentChars <= 0 {
		cfg.MaxContentChars = def.MaxContentChars
	}
	if manager == nil {
		manager = resilience.NewManager()
	}
	return &Extractor{
		llm:     llm,
		fetcher: fetcher,
		manager: manager,
		cfg:     cfg,
		system:  anthropic.BuildCachedSystemBlocks(extractSystemPrompt),
	}
}

const extractSystemPrompt = `You extract professional events from a single web page.
Return ONLY a JSON array. Each element is an object with these fields:
  "title"      string, required, at least 3 characters
  "starts_at"  string, required, ISO date YYYY-MM-DD
  "ends_at"    string, optional, ISO date YYYY-MM-DD
  "city"       string, optional
  "country"    string, optional, ISO 3166-1 alpha-2 code
  "venue"      string, optional
  "organizer"  string, optional
  "url"        string, required, absolute URL of the event page
  "topics"     array of strings, optional
  "speakers"   array of {"name","role","org","url"}, optional
List only real people as speakers. Session titles, placeholders and roles
such as "Keynote" or "Reserve Seat" are not speakers.
Return [] when the page describes no specific event. Do not add commentary.`

const repromptText = `Your previous answer was not valid JSON. Reply again with ONLY the JSON array described in the instructions, with no markdown fences, comments or trailing commas.`

var temperatureZero = 0.0

// ExtractAll extracts every URL with bounded concurrency. Results are in
// the order of urls regardless of completion order.
func (e *Extractor) ExtractAll(ctx context.Context, urls []string) []URLExtraction {
	out := make([]URLExtraction, len(urls))
	if e.llm == nil {
		zap.L().Warn("extract: skipped, no LLM client", zap.Int("urls", len(urls)))
		for i, u := range urls {
			out[i] = URLExtraction{URL: u, Err: ErrNoLLM}
		}
		return out
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.MaxConcurrency)
	for i, u := range urls {
		g.Go(func() error {
			out[i] = e.ExtractURL(gctx, u)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// ExtractURL fetches url and extracts its events. Failures are reported in
// the result and never returned as an error.
func (e *Extractor) ExtractURL(ctx context.Context, url string) URLExtraction {
	res := URLExtraction{URL: url}
	if e.llm == nil {
		res.Err = ErrNoLLM
		return res
	}
	log := zap.L().With(zap.String("url", url))

	page, err := e.fetcher.Fetch(ctx, url)
	if err != nil {
		log.Warn("extract: fetch failed", zap.Error(err))
		res.Err = err
		return res
	}

	prompt := buildUserPrompt(page, e.cfg.MaxContentChars)
	messages := []anthropic.Message{{Role: "user", Content: prompt}}

	text, usage, err := e.complete(ctx, messages, nil)
	res.Usage.Add(usage)
	if err != nil {
		log.Warn("extract: llm call failed", zap.Error(err))
		res.Err = err
		return res
	}

	parsed := parseEvents(text, url)
	parseErr := parsed.Err
	if !parsed.OK {
		res.Reprompted = true
		messages = append(messages,
			anthropic.Message{Role: "assistant", Content: text},
			anthropic.Message{Role: "user", Content: repromptText},
		)
		rctx, cancel := context.WithTimeout(ctx, e.cfg.RepromptTimeout)
		text, usage, err = e.complete(rctx, messages, &resilience.RetryConfig{MaxRetries: -1})
		cancel()
		res.Usage.Add(usage)
		if err == nil {
			parsed = parseEvents(text, url)
			parseErr = parsed.Err
		} else {
			parseErr = eris.Wrapf(parseErr, "re-prompt failed: %v", err)
		}
	}

	if !parsed.OK {
		res.InvalidJSON = true
		res.Err = parseErr
		log.Warn("extract: dropping page with invalid JSON", zap.Error(res.Err))
		return res
	}

	res.Repaired = parsed.Repaired
	res.SchemaDropped = parsed.SchemaDropped
	res.Events = parsed.Data
	log.Debug("extract: page done",
		zap.Int("events", len(res.Events)),
		zap.Int("schema_dropped", res.SchemaDropped),
		zap.Bool("repaired", res.Repaired),
		zap.Bool("reprompted", res.Reprompted),
	)
	return res
}

func (e *Extractor) complete(ctx context.Context, messages []anthropic.Message, retry *resilience.RetryConfig) (string, model.TokenUsage, error) {
	req := anthropic.MessageRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		System:      e.system,
		Messages:    messages,
		Temperature: &temperatureZero,
	}
	resp, _, err := resilience.ExecuteWithRetry(ctx, e.manager, ServiceAnthropic, "extract",
		func(ctx context.Context) (*anthropic.MessageResponse, error) {
			return e.llm.CreateMessage(ctx, req)
		}, retry)
	if err != nil {
		return "", model.TokenUsage{}, err
	}
	resp.Usage.LogUsage(e.cfg.Model, "extract")
	usage := model.TokenUsage{
		InputTokens:  int(resp.Usage.InputTokens + resp.Usage.CacheCreationInputTokens + resp.Usage.CacheReadInputTokens),
		OutputTokens: int(resp.Usage.OutputTokens),
	}
	return resp.Text(), usage, nil
}

func buildUserPrompt(page *Page, maxChars int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source URL: %s\n", page.URL)
	if page.Title != "" {
		fmt.Fprintf(&b, "Page title: %s\n", page.Title)
	}
	b.WriteString("\nPage content (markdown):\n")
	b.WriteString(truncateRunes(page.Markdown, maxChars))
	return b.String()
}

// truncateRunes cuts s to at most n runes.
func truncateRunes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	count := 0
	for i := range s {
		if count == n {
			return s[:i]
		}
		count++
	}
	return s
}
