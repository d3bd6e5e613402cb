package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/attendry/internal/model"
)

// Config holds the full application configuration.
type Config struct {
	Search    SearchConfig    `yaml:"search" mapstructure:"search"`
	Query     QueryConfig     `yaml:"query" mapstructure:"query"`
	Google    GoogleConfig    `yaml:"google" mapstructure:"google"`
	Firecrawl FirecrawlConfig `yaml:"firecrawl" mapstructure:"firecrawl"`
	Jina      JinaConfig      `yaml:"jina" mapstructure:"jina"`
	Voyage    VoyageConfig    `yaml:"voyage" mapstructure:"voyage"`
	Anthropic AnthropicConfig `yaml:"anthropic" mapstructure:"anthropic"`
	Prefilter PrefilterConfig `yaml:"prefilter" mapstructure:"prefilter"`
	Rerank    RerankConfig    `yaml:"rerank" mapstructure:"rerank"`
	Extract   ExtractConfig   `yaml:"extract" mapstructure:"extract"`
	Retry     RetryConfig     `yaml:"retry" mapstructure:"retry"`
	Circuit   CircuitConfig   `yaml:"circuit" mapstructure:"circuit"`
	Store     StoreConfig     `yaml:"store" mapstructure:"store"`
	Profile   ProfileConfig   `yaml:"profile" mapstructure:"profile"`
	Server    ServerConfig    `yaml:"server" mapstructure:"server"`
	Log       LogConfig       `yaml:"log" mapstructure:"log"`
}

// SearchConfig configures provider order and the query cache.
type SearchConfig struct {
	// BaseQuery is used when a request does not carry its own.
	BaseQuery    string `yaml:"base_query" mapstructure:"base_query"`
	Providers    string `yaml:"providers" mapstructure:"providers"`
	CacheTTLSecs int    `yaml:"cache_ttl_secs" mapstructure:"cache_ttl_secs"`
	CacheSize    int    `yaml:"cache_size" mapstructure:"cache_size"`
}

// QueryConfig configures query construction.
type QueryConfig struct {
	Exclusions      []string `yaml:"exclusions" mapstructure:"exclusions"`
	MaxProfileTerms int      `yaml:"max_profile_terms" mapstructure:"max_profile_terms"`
}

// GoogleConfig holds Custom Search credentials.
type GoogleConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	CX      string `yaml:"cx" mapstructure:"cx"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// FirecrawlConfig holds Firecrawl API settings.
type FirecrawlConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	SearchLimit int    `yaml:"search_limit" mapstructure:"search_limit"`
}

// JinaConfig holds Jina AI Reader settings.
type JinaConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// VoyageConfig holds Voyage AI rerank settings.
type VoyageConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// PrefilterConfig tunes the aggregator pre-filter.
type PrefilterConfig struct {
	MinNonAggregatorURLs   int      `yaml:"min_non_aggregator_urls" mapstructure:"min_non_aggregator_urls"`
	MaxBackstopAggregators int      `yaml:"max_backstop_aggregators" mapstructure:"max_backstop_aggregators"`
	ExtraHosts             []string `yaml:"extra_hosts" mapstructure:"extra_hosts"`
}

// RerankConfig tunes relevance reranking.
type RerankConfig struct {
	MaxDocuments int     `yaml:"max_documents" mapstructure:"max_documents"`
	CountryBonus float64 `yaml:"country_bonus" mapstructure:"country_bonus"`
	PathBonus    float64 `yaml:"path_bonus" mapstructure:"path_bonus"`
}

// ExtractConfig tunes page fetch and LLM extraction.
type ExtractConfig struct {
	MaxConcurrency      int `yaml:"max_concurrency" mapstructure:"max_concurrency"`
	RepromptTimeoutSecs int `yaml:"reprompt_timeout_secs" mapstructure:"reprompt_timeout_secs"`
	MaxURLs             int `yaml:"max_urls" mapstructure:"max_urls"`
	MaxContentChars     int `yaml:"max_content_chars" mapstructure:"max_content_chars"`
	MaxTokens           int `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// RetryConfig holds the default retry policy and the retry budget.
type RetryConfig struct {
	MaxRetries      int     `yaml:"max_retries" mapstructure:"max_retries"`
	BaseDelayMs     int     `yaml:"base_delay_ms" mapstructure:"base_delay_ms"`
	MaxDelayMs      int     `yaml:"max_delay_ms" mapstructure:"max_delay_ms"`
	Multiplier      float64 `yaml:"multiplier" mapstructure:"multiplier"`
	Jitter          float64 `yaml:"jitter" mapstructure:"jitter"`
	BudgetPerMinute int     `yaml:"budget_per_minute" mapstructure:"budget_per_minute"`
}

// CircuitConfig holds circuit breaker thresholds.
type CircuitConfig struct {
	FailureThreshold int     `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int     `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
	TimeoutWeight    float64 `yaml:"timeout_weight" mapstructure:"timeout_weight"`
}

// StoreConfig configures the event store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ProfileConfig points at the user profile YAML.
type ProfileConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Store drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverNone     = "none"
)

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("ATTENDRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("search.providers", "ATTENDRY_SEARCH_PROVIDERS", "SEARCH_PROVIDERS"); err != nil {
		return nil, eris.Wrap(err, "config: bind env")
	}

	// Defaults
	v.SetDefault("search.base_query", "conference")
	v.SetDefault("search.providers", "web-search,search-engine")
	v.SetDefault("search.cache_ttl_secs", 600)
	v.SetDefault("search.cache_size", 256)
	v.SetDefault("query.max_profile_terms", 3)
	v.SetDefault("google.base_url", "https://www.googleapis.com/customsearch/v1")
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev/v1")
	v.SetDefault("firecrawl.search_limit", 20)
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("voyage.base_url", "https://api.voyageai.com/v1")
	v.SetDefault("voyage.model", "rerank-2")
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("prefilter.min_non_aggregator_urls", 5)
	v.SetDefault("prefilter.max_backstop_aggregators", 3)
	v.SetDefault("rerank.max_documents", 40)
	v.SetDefault("rerank.country_bonus", 0.05)
	v.SetDefault("rerank.path_bonus", 0.03)
	v.SetDefault("extract.max_concurrency", 4)
	v.SetDefault("extract.reprompt_timeout_secs", 6)
	v.SetDefault("extract.max_urls", 10)
	v.SetDefault("extract.max_content_chars", 24000)
	v.SetDefault("extract.max_tokens", 4096)
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.base_delay_ms", 1000)
	v.SetDefault("retry.max_delay_ms", 30000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter", 0.1)
	v.SetDefault("retry.budget_per_minute", 30)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 30)
	v.SetDefault("circuit.timeout_weight", 0.5)
	v.SetDefault("store.driver", DriverSQLite)
	v.SetDefault("store.database_url", "attendry.db")
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings the given command needs. Missing API keys
// are not errors; the stages that need them degrade to skips.
func (c *Config) Validate(mode string) error {
	var errs []string

	switch mode {
	case "run", "serve":
		if !c.hasProvider() {
			errs = append(errs, "search.providers must name at least one known provider")
		}
		if c.Extract.MaxConcurrency < 1 || c.Extract.MaxConcurrency > 32 {
			errs = append(errs, "extract.max_concurrency must be between 1 and 32")
		}
		if c.Extract.MaxURLs < 1 {
			errs = append(errs, "extract.max_urls must be > 0")
		}
		if c.Prefilter.MinNonAggregatorURLs < 0 || c.Prefilter.MaxBackstopAggregators < 0 {
			errs = append(errs, "prefilter thresholds must be >= 0")
		}
		if mode == "serve" && c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
		errs = append(errs, c.storeErrors(false)...)
	case "migrate":
		errs = append(errs, c.storeErrors(true)...)
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

func (c *Config) storeErrors(required bool) []string {
	switch c.Store.Driver {
	case DriverPostgres, DriverSQLite:
		if c.Store.DatabaseURL == "" {
			return []string{"store.database_url is required"}
		}
	case DriverNone, "":
		if required {
			return []string{"store.driver must be postgres or sqlite"}
		}
	default:
		return []string{"store.driver must be postgres, sqlite or none"}
	}
	return nil
}

// MissingKeys names the API keys that are unset, so callers can warn about
// the stages that will be skipped.
func (c *Config) MissingKeys() []string {
	var missing []string
	if c.Anthropic.Key == "" {
		missing = append(missing, "anthropic.key")
	}
	if c.Firecrawl.Key == "" && c.Jina.Key == "" {
		missing = append(missing, "firecrawl.key or jina.key")
	}
	if c.Voyage.Key == "" {
		missing = append(missing, "voyage.key")
	}
	return missing
}

func (c *Config) hasProvider() bool {
	for _, p := range strings.Split(c.Search.Providers, ",") {
		if _, ok := model.ParseProviderName(p); ok {
			return true
		}
	}
	return false
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
