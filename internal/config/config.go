// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds the entire application configuration.
type Config struct {
	Logger    LoggerConfig    `mapstructure:"logger" yaml:"logger"`
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Storage   StorageConfig   `mapstructure:"storage" yaml:"storage"`
	Snapshots SnapshotsConfig `mapstructure:"snapshots" yaml:"snapshots"`
	Suggester SuggesterConfig `mapstructure:"suggester" yaml:"suggester"`
	Policy    PolicyConfig    `mapstructure:"policy" yaml:"policy"`
	Executor  ExecutorConfig  `mapstructure:"executor" yaml:"executor"`
	Audit     AuditConfig     `mapstructure:"audit" yaml:"audit"`
}

// LoggerConfig controls the zap logger and its file rotation.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// ServerConfig controls the HTTP listener that fronts the pipeline.
type ServerConfig struct {
	ListenAddr      string        `mapstructure:"listen_addr" yaml:"listen_addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `mapstructure:"max_body_bytes" yaml:"max_body_bytes"`
	RateLimit       float64       `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst       int           `mapstructure:"rate_burst" yaml:"rate_burst"`
}

// StorageConfig selects and configures the durable store.
type StorageConfig struct {
	// Type is "memory" or "postgres".
	Type     string         `mapstructure:"type" yaml:"type"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// PostgresConfig holds connection settings for the pgx pool.
type PostgresConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" yaml:"conn_max_lifetime"`
}

// SnapshotsConfig bounds ingestion and retention of UI snapshots.
type SnapshotsConfig struct {
	MaxHTMLBytes       int64         `mapstructure:"max_html_bytes" yaml:"max_html_bytes"`
	MaxScreenshotBytes int64         `mapstructure:"max_screenshot_bytes" yaml:"max_screenshot_bytes"`
	RetentionMaxAge    time.Duration `mapstructure:"retention_max_age" yaml:"retention_max_age"`
	RetentionMaxCount  int           `mapstructure:"retention_max_count" yaml:"retention_max_count"`
}

// SuggesterConfig selects and bounds the suggestion engine.
type SuggesterConfig struct {
	// Type is "dom" for the heuristic DOM walker or "gemini" for the
	// model-backed suggester.
	Type          string        `mapstructure:"type" yaml:"type"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxCandidates int           `mapstructure:"max_candidates" yaml:"max_candidates"`
	Gemini        GeminiConfig  `mapstructure:"gemini" yaml:"gemini"`
}

// GeminiConfig configures the model-backed suggester.
type GeminiConfig struct {
	APIKey      string        `mapstructure:"api_key" yaml:"api_key"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	Model       string        `mapstructure:"model" yaml:"model"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
}

// PolicyConfig holds the rule set loaded once at startup. The resulting rule
// structure is immutable for the life of the process; evaluation is a pure
// function of (action, context).
type PolicyConfig struct {
	// RuleOrder fixes the evaluation priority. The first denying rule
	// short-circuits.
	RuleOrder         []string          `mapstructure:"rule_order" yaml:"rule_order"`
	DenylistedTickers []string          `mapstructure:"denylisted_tickers" yaml:"denylisted_tickers"`
	MaxSharesPerOrder int               `mapstructure:"max_shares_per_order" yaml:"max_shares_per_order"`
	ConfidenceFloor   float64           `mapstructure:"confidence_floor" yaml:"confidence_floor"`
	RateLimit         RateLimitRule     `mapstructure:"rate_limit" yaml:"rate_limit"`
	MarketHours       MarketHoursRule   `mapstructure:"market_hours" yaml:"market_hours"`
	// OverrideOperators lists the actors authorized to override an
	// overridable denial.
	OverrideOperators []string `mapstructure:"override_operators" yaml:"override_operators"`
}

// RateLimitRule bounds how many actions one account may execute within the
// lookback window.
type RateLimitRule struct {
	MaxActions int           `mapstructure:"max_actions" yaml:"max_actions"`
	Window     time.Duration `mapstructure:"window" yaml:"window"`
}

// MarketHoursRule confines execution to a UTC trading window. Zero values
// disable the rule.
type MarketHoursRule struct {
	OpenUTC  string `mapstructure:"open_utc" yaml:"open_utc"`
	CloseUTC string `mapstructure:"close_utc" yaml:"close_utc"`
	Weekdays bool   `mapstructure:"weekdays_only" yaml:"weekdays_only"`
}

// ExecutorConfig selects and bounds the external action executor.
type ExecutorConfig struct {
	// Type is "extension" to hand structured instructions back to the browser
	// extension, or "browser" for the chromedp-driven executor.
	Type    string        `mapstructure:"type" yaml:"type"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
	Breaker BreakerConfig `mapstructure:"breaker" yaml:"breaker"`
	Browser BrowserConfig `mapstructure:"browser" yaml:"browser"`
}

// BreakerConfig tunes the circuit breaker wrapped around executor calls.
type BreakerConfig struct {
	MaxRequests         uint32        `mapstructure:"max_requests" yaml:"max_requests"`
	Interval            time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout             time.Duration `mapstructure:"timeout" yaml:"timeout"`
	ConsecutiveFailures uint32        `mapstructure:"consecutive_failures" yaml:"consecutive_failures"`
}

// BrowserConfig configures the chromedp-backed executor.
type BrowserConfig struct {
	Headless    bool          `mapstructure:"headless" yaml:"headless"`
	NavTimeout  time.Duration `mapstructure:"nav_timeout" yaml:"nav_timeout"`
	SettleDelay time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
}

// AuditConfig bounds audit queries and append retries.
type AuditConfig struct {
	MaxPageSize   int           `mapstructure:"max_page_size" yaml:"max_page_size"`
	RetryAttempts uint          `mapstructure:"retry_attempts" yaml:"retry_attempts"`
	RetryDelay    time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "brokerd")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Server --
	v.SetDefault("server.listen_addr", ":8000")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.max_body_bytes", 16<<20)
	v.SetDefault("server.rate_limit", 50.0)
	v.SetDefault("server.rate_burst", 100)

	// -- Storage --
	v.SetDefault("storage.type", "memory")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.conn_max_lifetime", "30m")

	// -- Snapshots --
	v.SetDefault("snapshots.max_html_bytes", 4<<20)
	v.SetDefault("snapshots.max_screenshot_bytes", 8<<20)
	v.SetDefault("snapshots.retention_max_age", "24h")
	v.SetDefault("snapshots.retention_max_count", 1000)

	// -- Suggester --
	v.SetDefault("suggester.type", "dom")
	v.SetDefault("suggester.timeout", "10s")
	v.SetDefault("suggester.max_candidates", 10)
	v.SetDefault("suggester.gemini.model", "gemini-2.5-flash")
	v.SetDefault("suggester.gemini.endpoint", "https://generativelanguage.googleapis.com/v1beta/models")
	v.SetDefault("suggester.gemini.temperature", 0.1)
	v.SetDefault("suggester.gemini.api_timeout", "45s")

	// -- Policy --
	v.SetDefault("policy.rule_order", []string{
		"denylist", "confidence_floor", "max_shares", "rate_limit", "market_hours",
	})
	v.SetDefault("policy.denylisted_tickers", []string{})
	v.SetDefault("policy.max_shares_per_order", 100)
	v.SetDefault("policy.confidence_floor", 0.2)
	v.SetDefault("policy.rate_limit.max_actions", 10)
	v.SetDefault("policy.rate_limit.window", "1h")
	v.SetDefault("policy.market_hours.open_utc", "")
	v.SetDefault("policy.market_hours.close_utc", "")
	v.SetDefault("policy.market_hours.weekdays_only", true)
	v.SetDefault("policy.override_operators", []string{})

	// -- Executor --
	v.SetDefault("executor.type", "extension")
	v.SetDefault("executor.timeout", "30s")
	v.SetDefault("executor.breaker.max_requests", 3)
	v.SetDefault("executor.breaker.interval", "10s")
	v.SetDefault("executor.breaker.timeout", "30s")
	v.SetDefault("executor.breaker.consecutive_failures", 5)
	v.SetDefault("executor.browser.headless", true)
	v.SetDefault("executor.browser.nav_timeout", "90s")
	v.SetDefault("executor.browser.settle_delay", "500ms")

	// -- Audit --
	v.SetDefault("audit.max_page_size", 500)
	v.SetDefault("audit.retry_attempts", 3)
	v.SetDefault("audit.retry_delay", "100ms")
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper builds and validates a configuration from a viper
// instance that has already read its file and environment.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	v.BindEnv("suggester.gemini.api_key", "BROKERD_GEMINI_API_KEY")
	v.BindEnv("storage.postgres.url", "BROKERD_POSTGRES_URL")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	switch c.Storage.Type {
	case "memory":
	case "postgres":
		if c.Storage.Postgres.URL == "" {
			return fmt.Errorf("storage.postgres.url is required when storage.type is postgres")
		}
	default:
		return fmt.Errorf("storage.type must be \"memory\" or \"postgres\", got %q", c.Storage.Type)
	}

	switch c.Suggester.Type {
	case "dom":
	case "gemini":
		if c.Suggester.Gemini.APIKey == "" {
			return fmt.Errorf("suggester.gemini.api_key is required when suggester.type is gemini; set BROKERD_GEMINI_API_KEY")
		}
	default:
		return fmt.Errorf("suggester.type must be \"dom\" or \"gemini\", got %q", c.Suggester.Type)
	}
	if c.Suggester.Timeout <= 0 {
		return fmt.Errorf("suggester.timeout must be a positive duration")
	}

	if c.Executor.Type != "extension" && c.Executor.Type != "browser" {
		return fmt.Errorf("executor.type must be \"extension\" or \"browser\", got %q", c.Executor.Type)
	}
	if c.Executor.Timeout <= 0 {
		return fmt.Errorf("executor.timeout must be a positive duration")
	}

	if c.Snapshots.MaxHTMLBytes <= 0 || c.Snapshots.MaxScreenshotBytes <= 0 {
		return fmt.Errorf("snapshots size limits must be positive")
	}

	if c.Audit.MaxPageSize <= 0 {
		return fmt.Errorf("audit.max_page_size must be a positive integer")
	}

	if err := c.Policy.Validate(); err != nil {
		return fmt.Errorf("policy configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the policy rule configuration.
func (p *PolicyConfig) Validate() error {
	if len(p.RuleOrder) == 0 {
		return fmt.Errorf("rule_order must name at least one rule")
	}
	seen := make(map[string]bool, len(p.RuleOrder))
	for _, id := range p.RuleOrder {
		switch id {
		case "denylist", "confidence_floor", "max_shares", "rate_limit", "market_hours":
		default:
			return fmt.Errorf("unknown rule %q in rule_order", id)
		}
		if seen[id] {
			return fmt.Errorf("rule %q listed twice in rule_order", id)
		}
		seen[id] = true
	}
	if p.ConfidenceFloor < 0.0 || p.ConfidenceFloor > 1.0 {
		return fmt.Errorf("confidence_floor must be between 0.0 and 1.0")
	}
	if p.RateLimit.MaxActions < 0 {
		return fmt.Errorf("rate_limit.max_actions must not be negative")
	}
	if (p.MarketHours.OpenUTC == "") != (p.MarketHours.CloseUTC == "") {
		return fmt.Errorf("market_hours.open_utc and close_utc must be set together")
	}
	return nil
}
