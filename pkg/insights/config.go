package insights

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/PentesterFlow/MarketInsights/internal/analysis"
	"github.com/PentesterFlow/MarketInsights/internal/browser"
	"github.com/PentesterFlow/MarketInsights/internal/cache"
	"github.com/PentesterFlow/MarketInsights/internal/errors"
	"github.com/PentesterFlow/MarketInsights/internal/evasion"
	"github.com/PentesterFlow/MarketInsights/internal/gatekeeper"
	"github.com/PentesterFlow/MarketInsights/internal/logger"
	"github.com/PentesterFlow/MarketInsights/internal/output"
	"github.com/PentesterFlow/MarketInsights/internal/store"
)

// Environment variables that override file values.
const (
	EnvPostgresDSN   = "INSIGHTS_POSTGRES_DSN"
	EnvRedisAddr     = "INSIGHTS_REDIS_ADDR"
	EnvRedisPassword = "INSIGHTS_REDIS_PASSWORD"
)

// Config holds all service configuration.
type Config struct {
	// Headless Chrome
	Browser browser.Config `json:"browser" yaml:"browser"`

	// Result extraction limits
	Scrape ScrapeConfig `json:"scrape" yaml:"scrape"`

	// Identity rotation and interaction pacing
	Evasion evasion.Config `json:"evasion" yaml:"evasion"`

	// Attempts per scrape
	Retry errors.RetryConfig `json:"retry" yaml:"retry"`

	// Fail fast while the site keeps blocking
	Breaker errors.BreakerConfig `json:"breaker" yaml:"breaker"`

	// Navigation budget
	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`

	// Scoring parameters
	Analysis analysis.Config `json:"analysis" yaml:"analysis"`

	// Product, run and report persistence
	Store store.Config `json:"store" yaml:"store"`

	// Report cache
	Cache cache.Config `json:"cache" yaml:"cache"`

	// Admission of concurrent analyses
	Gatekeeper gatekeeper.Config `json:"gatekeeper" yaml:"gatekeeper"`

	// HTTP API
	Server ServerConfig `json:"server" yaml:"server"`

	// Logging
	Log LogConfig `json:"log" yaml:"log"`

	// CLI report rendering
	Output output.Config `json:"output" yaml:"output"`
}

// ScrapeConfig limits what one scrape collects.
type ScrapeConfig struct {
	MaxProducts  int    `json:"max_products" yaml:"max_products"`
	MaxPages     int    `json:"max_pages" yaml:"max_pages"`
	FetchDetails bool   `json:"fetch_details" yaml:"fetch_details"`
	BaseURL      string `json:"base_url" yaml:"base_url"`
}

// RateLimitConfig bounds navigations per minute. With Adaptive set the budget
// halves on every block down to MinPerMinute and recovers after clean runs.
type RateLimitConfig struct {
	PerMinute    float64 `json:"per_minute" yaml:"per_minute"`
	Burst        int     `json:"burst" yaml:"burst"`
	Adaptive     bool    `json:"adaptive" yaml:"adaptive"`
	MinPerMinute float64 `json:"min_per_minute" yaml:"min_per_minute"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr"`
	AllowOrigin     string        `json:"allow_origin" yaml:"allow_origin"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string            `json:"level" yaml:"level"`
	Pretty bool              `json:"pretty" yaml:"pretty"`
	File   logger.FileConfig `json:"file" yaml:"file"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Browser: browser.DefaultConfig(),
		Scrape: ScrapeConfig{
			MaxProducts:  100,
			MaxPages:     1,
			FetchDetails: true,
			BaseURL:      "https://www.amazon.com",
		},
		Evasion: evasion.DefaultConfig(),
		Retry:   errors.DefaultRetryConfig(),
		Breaker: errors.DefaultBreakerConfig(),
		RateLimit: RateLimitConfig{
			PerMinute:    20,
			Burst:        3,
			Adaptive:     true,
			MinPerMinute: 5,
		},
		Analysis:   analysis.DefaultConfig(),
		Store:      store.DefaultConfig(),
		Cache:      cache.DefaultConfig(),
		Gatekeeper: gatekeeper.DefaultConfig(),
		Server: ServerConfig{
			Addr:            ":8080",
			AllowOrigin:     "*",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Pretty: true,
		},
		Output: output.Config{
			Format: output.FormatText,
			Pretty: true,
		},
	}
}

// LoadFromFile loads configuration from a file (JSON or YAML).
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()

	// Try YAML first, then JSON
	if err := yaml.Unmarshal(data, config); err != nil {
		config = DefaultConfig()
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	return config, nil
}

// SaveToFile saves configuration to a file. Paths ending in .json are
// written as JSON, everything else as YAML.
func (c *Config) SaveToFile(path string) error {
	var data []byte
	var err error

	if strings.HasSuffix(path, ".json") {
		data, err = json.MarshalIndent(c, "", "  ")
	} else {
		data, err = yaml.Marshal(c)
	}

	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// ApplyEnv overrides connection settings from the environment. lookup is
// os.LookupEnv outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvPostgresDSN); ok && v != "" {
		c.Store.DSN = v
	}
	if v, ok := lookup(EnvRedisAddr); ok && v != "" {
		c.Cache.Addr = v
	}
	if v, ok := lookup(EnvRedisPassword); ok {
		c.Cache.Password = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Scrape.MaxProducts < 1 {
		return fmt.Errorf("max products must be at least 1")
	}

	if c.Scrape.MaxPages < 1 {
		return fmt.Errorf("max pages must be at least 1")
	}

	if c.Scrape.BaseURL == "" {
		return fmt.Errorf("site base URL is required")
	}

	if c.Browser.NavigationTimeout <= 0 {
		return fmt.Errorf("navigation timeout must be positive")
	}

	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry attempts must be at least 1")
	}

	if c.Retry.JitterMax < c.Retry.JitterMin {
		return fmt.Errorf("retry jitter max must not be below jitter min")
	}

	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("rate limit must be positive")
	}

	if c.RateLimit.Adaptive && c.RateLimit.MinPerMinute > c.RateLimit.PerMinute {
		return fmt.Errorf("adaptive minimum rate must not exceed the rate limit")
	}

	switch c.Store.Driver {
	case store.DriverBolt:
		if c.Store.Path == "" {
			return fmt.Errorf("bolt store requires a path")
		}
	case store.DriverPostgres:
		if c.Store.DSN == "" {
			return fmt.Errorf("postgres store requires a DSN (or %s)", EnvPostgresDSN)
		}
	case store.DriverMemory:
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}

	switch c.Cache.Driver {
	case cache.DriverRedis:
		if c.Cache.Addr == "" {
			return fmt.Errorf("redis cache requires an address (or %s)", EnvRedisAddr)
		}
	case cache.DriverMemory, cache.DriverNone:
	default:
		return fmt.Errorf("unknown cache driver %q", c.Cache.Driver)
	}

	if c.Gatekeeper.QueueLimit < 0 {
		return fmt.Errorf("queue limit must not be negative")
	}

	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("invalid log level %q", c.Log.Level)
	}

	switch c.Output.Format {
	case output.FormatJSON, output.FormatYAML, output.FormatText:
	default:
		return fmt.Errorf("unknown output format %q", c.Output.Format)
	}

	return nil
}

// Clone creates a deep copy of the configuration.
func (c *Config) Clone() *Config {
	data, _ := json.Marshal(c)
	clone := &Config{}
	json.Unmarshal(data, clone)
	return clone
}
