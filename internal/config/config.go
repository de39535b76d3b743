package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Upstream   UpstreamConfig   `yaml:"upstream" mapstructure:"upstream"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Scheduler  SchedulerConfig  `yaml:"scheduler" mapstructure:"scheduler"`
	Review     ReviewConfig     `yaml:"review" mapstructure:"review"`
	Export     ExportConfig     `yaml:"export" mapstructure:"export"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts" mapstructure:"artifacts"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the local working store.
type StoreConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// UpstreamConfig configures the canonical Postgres store.
type UpstreamConfig struct {
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// FetchConfig configures the document fetcher.
type FetchConfig struct {
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
	MaxBodyBytes   int64   `yaml:"max_body_bytes" mapstructure:"max_body_bytes"`
	RequestsPerSec float64 `yaml:"requests_per_sec" mapstructure:"requests_per_sec"`
}

// Timeout returns the per-request fetch timeout.
func (c FetchConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key              string  `yaml:"key" mapstructure:"key"`
	BaseURL          string  `yaml:"base_url" mapstructure:"base_url"`
	Model            string  `yaml:"model" mapstructure:"model"`
	MaxTokens        int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	Temperature      float64 `yaml:"temperature" mapstructure:"temperature"`
	MaxDocumentChars int     `yaml:"max_document_chars" mapstructure:"max_document_chars"`
}

// SchedulerConfig controls the extraction worker pool.
type SchedulerConfig struct {
	Concurrency      int      `yaml:"concurrency" mapstructure:"concurrency"`
	Lookahead        int      `yaml:"lookahead" mapstructure:"lookahead"`
	MaxAttempts      int      `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int      `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int      `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	FallbackPaths    []string `yaml:"fallback_paths" mapstructure:"fallback_paths"`
	MaxFallbacks     int      `yaml:"max_fallbacks" mapstructure:"max_fallbacks"`
	StaleAfterSecs   int      `yaml:"stale_after_secs" mapstructure:"stale_after_secs"`
}

// ReviewConfig configures the human validation server.
type ReviewConfig struct {
	Port              int      `yaml:"port" mapstructure:"port"`
	ClaimTTLSecs      int      `yaml:"claim_ttl_secs" mapstructure:"claim_ttl_secs"`
	SweepIntervalSecs int      `yaml:"sweep_interval_secs" mapstructure:"sweep_interval_secs"`
	AllowedOrigins    []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// ExportConfig configures the upstream export.
type ExportConfig struct {
	BatchSize int `yaml:"batch_size" mapstructure:"batch_size"`
}

// ArtifactsConfig configures artifact storage.
type ArtifactsConfig struct {
	CompressThreshold     int    `yaml:"compress_threshold" mapstructure:"compress_threshold"`
	Backend               string `yaml:"backend" mapstructure:"backend"`
	AzureContainer        string `yaml:"azure_container" mapstructure:"azure_container"`
	AzureConnectionString string `yaml:"azure_connection_string" mapstructure:"azure_connection_string"`
	AzureAccountURL       string `yaml:"azure_account_url" mapstructure:"azure_account_url"`
	OffloadThreshold      int    `yaml:"offload_threshold" mapstructure:"offload_threshold"`
}

// PricingConfig holds per-model token pricing.
type PricingConfig struct {
	Anthropic map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// MonitoringConfig configures health alerts. Alerts are only sent when
// WebhookURL is set.
type MonitoringConfig struct {
	WebhookURL             string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold   float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ReviewBacklogThreshold int     `yaml:"review_backlog_threshold" mapstructure:"review_backlog_threshold"`
	CheckIntervalSecs      int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours    int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// DefaultFallbackPaths are the well-known office listing paths tried when
// the primary source URL yields no offices.
var DefaultFallbackPaths = []string{
	"offices",
	"district-offices",
	"contact/district-offices",
	"locations",
	"office-locations",
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("DISTRICT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.path", "district_offices.db")
	v.SetDefault("upstream.max_conns", 4)
	v.SetDefault("upstream.min_conns", 0)
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.user_agent", "Mozilla/5.0 (compatible; DistrictOfficeScraper/1.0)")
	v.SetDefault("fetch.max_body_bytes", 10<<20)
	v.SetDefault("fetch.requests_per_sec", 2.0)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 4000)
	v.SetDefault("anthropic.temperature", 0.1)
	v.SetDefault("anthropic.max_document_chars", 150000)
	v.SetDefault("scheduler.concurrency", 5)
	v.SetDefault("scheduler.lookahead", 10)
	v.SetDefault("scheduler.max_attempts", 3)
	v.SetDefault("scheduler.initial_backoff_ms", 1000)
	v.SetDefault("scheduler.max_backoff_ms", 30000)
	v.SetDefault("scheduler.fallback_paths", DefaultFallbackPaths)
	v.SetDefault("scheduler.max_fallbacks", 3)
	v.SetDefault("scheduler.stale_after_secs", 900)
	v.SetDefault("review.port", 8080)
	v.SetDefault("review.claim_ttl_secs", 300)
	v.SetDefault("review.sweep_interval_secs", 30)
	v.SetDefault("review.allowed_origins", []string{"http://localhost:*"})
	v.SetDefault("export.batch_size", 500)
	v.SetDefault("artifacts.compress_threshold", 32*1024)
	v.SetDefault("artifacts.backend", "local")
	v.SetDefault("artifacts.azure_container", "district-office-artifacts")
	v.SetDefault("artifacts.offload_threshold", 1<<20)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.review_backlog_threshold", 200)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
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

// Validate checks the settings a command mode depends on. All problems are
// reported together.
func (c *Config) Validate(mode string) error {
	var problems []string

	switch mode {
	case "extract":
		if c.Anthropic.Key == "" {
			problems = append(problems, "anthropic.key is required")
		}
		if c.Scheduler.Concurrency < 1 || c.Scheduler.Concurrency > 50 {
			problems = append(problems, "scheduler.concurrency must be between 1 and 50")
		}
		if c.Scheduler.MaxAttempts < 1 {
			problems = append(problems, "scheduler.max_attempts must be > 0")
		}
	case "upstream":
		if c.Upstream.DatabaseURL == "" {
			problems = append(problems, "upstream.database_url is required")
		}
	case "review":
		if c.Review.Port <= 0 {
			problems = append(problems, "review.port must be > 0")
		}
		if c.Review.ClaimTTLSecs <= 0 {
			problems = append(problems, "review.claim_ttl_secs must be > 0")
		}
	case "local":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if c.Store.Path == "" {
		problems = append(problems, "store.path is required")
	}
	if c.Artifacts.Backend == "azure" && c.Artifacts.AzureConnectionString == "" && c.Artifacts.AzureAccountURL == "" {
		problems = append(problems, "artifacts.azure_connection_string or artifacts.azure_account_url is required for the azure backend")
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
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
