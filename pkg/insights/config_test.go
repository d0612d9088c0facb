package insights

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/PentesterFlow/MarketInsights/internal/cache"
	"github.com/PentesterFlow/MarketInsights/internal/output"
	"github.com/PentesterFlow/MarketInsights/internal/store"
)

// =============================================================================
// DefaultConfig Tests
// =============================================================================

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	if config == nil {
		t.Fatal("DefaultConfig returned nil")
	}
	if config.Scrape.MaxProducts != 100 {
		t.Errorf("Scrape.MaxProducts = %d, want 100", config.Scrape.MaxProducts)
	}
	if config.Scrape.MaxPages != 1 {
		t.Errorf("Scrape.MaxPages = %d, want 1", config.Scrape.MaxPages)
	}
	if !config.Scrape.FetchDetails {
		t.Error("Scrape.FetchDetails should be true")
	}
	if config.Retry.MaxAttempts != 3 {
		t.Errorf("Retry.MaxAttempts = %d, want 3", config.Retry.MaxAttempts)
	}
	if config.Store.Driver != store.DriverBolt {
		t.Errorf("Store.Driver = %s, want %s", config.Store.Driver, store.DriverBolt)
	}
	if config.Store.MinExisting != 30 {
		t.Errorf("Store.MinExisting = %d, want 30", config.Store.MinExisting)
	}
	if config.Store.Freshness != 24*time.Hour {
		t.Errorf("Store.Freshness = %v, want 24h", config.Store.Freshness)
	}
	if config.Cache.TTL != time.Hour {
		t.Errorf("Cache.TTL = %v, want 1h", config.Cache.TTL)
	}
	if config.Gatekeeper.QueueLimit != 0 {
		t.Errorf("Gatekeeper.QueueLimit = %d, want 0", config.Gatekeeper.QueueLimit)
	}
	if config.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %s, want :8080", config.Server.Addr)
	}
	if config.Output.Format != output.FormatText {
		t.Errorf("Output.Format = %s, want text", config.Output.Format)
	}
	if err := config.Validate(); err != nil {
		t.Errorf("Validate() error = %v, want nil", err)
	}
}

// =============================================================================
// Validate Tests
// =============================================================================

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:    "zero max products",
			modify:  func(c *Config) { c.Scrape.MaxProducts = 0 },
			wantErr: true,
		},
		{
			name:    "zero max pages",
			modify:  func(c *Config) { c.Scrape.MaxPages = 0 },
			wantErr: true,
		},
		{
			name:    "missing base URL",
			modify:  func(c *Config) { c.Scrape.BaseURL = "" },
			wantErr: true,
		},
		{
			name:    "zero navigation timeout",
			modify:  func(c *Config) { c.Browser.NavigationTimeout = 0 },
			wantErr: true,
		},
		{
			name:    "zero retry attempts",
			modify:  func(c *Config) { c.Retry.MaxAttempts = 0 },
			wantErr: true,
		},
		{
			name: "inverted jitter",
			modify: func(c *Config) {
				c.Retry.JitterMin = 5 * time.Second
				c.Retry.JitterMax = time.Second
			},
			wantErr: true,
		},
		{
			name:    "zero rate limit",
			modify:  func(c *Config) { c.RateLimit.PerMinute = 0 },
			wantErr: true,
		},
		{
			name:    "adaptive minimum above rate",
			modify:  func(c *Config) { c.RateLimit.MinPerMinute = 50 },
			wantErr: true,
		},
		{
			name:    "bolt without path",
			modify:  func(c *Config) { c.Store.Path = "" },
			wantErr: true,
		},
		{
			name:    "postgres without DSN",
			modify:  func(c *Config) { c.Store.Driver = store.DriverPostgres },
			wantErr: true,
		},
		{
			name: "postgres with DSN",
			modify: func(c *Config) {
				c.Store.Driver = store.DriverPostgres
				c.Store.DSN = "postgres://localhost/insights"
			},
			wantErr: false,
		},
		{
			name:    "unknown store driver",
			modify:  func(c *Config) { c.Store.Driver = "sqlite" },
			wantErr: true,
		},
		{
			name: "redis without address",
			modify: func(c *Config) {
				c.Cache.Driver = cache.DriverRedis
				c.Cache.Addr = ""
			},
			wantErr: true,
		},
		{
			name:    "cache disabled",
			modify:  func(c *Config) { c.Cache.Driver = cache.DriverNone },
			wantErr: false,
		},
		{
			name:    "unknown cache driver",
			modify:  func(c *Config) { c.Cache.Driver = "memcached" },
			wantErr: true,
		},
		{
			name:    "negative queue limit",
			modify:  func(c *Config) { c.Gatekeeper.QueueLimit = -1 },
			wantErr: true,
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Log.Level = "verbose" },
			wantErr: true,
		},
		{
			name:    "unknown output format",
			modify:  func(c *Config) { c.Output.Format = "csv" },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.modify(config)
			err := config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

// =============================================================================
// ApplyEnv Tests
// =============================================================================

func TestConfig_ApplyEnv(t *testing.T) {
	env := map[string]string{
		EnvPostgresDSN:   "postgres://db/insights",
		EnvRedisAddr:     "redis:6379",
		EnvRedisPassword: "secret",
	}
	lookup := func(key string) (string, bool) {
		v, ok := env[key]
		return v, ok
	}

	config := DefaultConfig()
	config.ApplyEnv(lookup)

	if config.Store.DSN != "postgres://db/insights" {
		t.Errorf("Store.DSN = %s, want postgres://db/insights", config.Store.DSN)
	}
	if config.Cache.Addr != "redis:6379" {
		t.Errorf("Cache.Addr = %s, want redis:6379", config.Cache.Addr)
	}
	if config.Cache.Password != "secret" {
		t.Errorf("Cache.Password = %s, want secret", config.Cache.Password)
	}
}

func TestConfig_ApplyEnv_EmptyKeepsFileValues(t *testing.T) {
	config := DefaultConfig()
	config.Store.DSN = "postgres://file/insights"
	config.ApplyEnv(func(key string) (string, bool) {
		if key == EnvPostgresDSN {
			return "", true
		}
		return "", false
	})

	if config.Store.DSN != "postgres://file/insights" {
		t.Errorf("Store.DSN = %s, want postgres://file/insights", config.Store.DSN)
	}
	if config.Cache.Addr != "localhost:6379" {
		t.Errorf("Cache.Addr = %s, want localhost:6379", config.Cache.Addr)
	}
}

// =============================================================================
// Clone Tests
// =============================================================================

func TestConfig_Clone(t *testing.T) {
	original := DefaultConfig()
	original.Scrape.MaxProducts = 40
	original.Evasion.Warmup = false

	clone := original.Clone()

	if clone.Scrape.MaxProducts != 40 {
		t.Errorf("Scrape.MaxProducts = %d, want 40", clone.Scrape.MaxProducts)
	}
	if clone.Evasion.Warmup {
		t.Error("Evasion.Warmup should be false in the clone")
	}

	clone.Scrape.MaxProducts = 10
	if original.Scrape.MaxProducts == 10 {
		t.Error("Modifying clone affected original")
	}
}

// =============================================================================
// SaveToFile/LoadFromFile Tests
// =============================================================================

func TestConfig_SaveToFile_YAML(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "insights.yaml")

	config := DefaultConfig()
	config.Scrape.MaxProducts = 60
	config.Store.Freshness = 12 * time.Hour
	config.Cache.Driver = cache.DriverNone

	if err := config.SaveToFile(filePath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}

	loaded, err := LoadFromFile(filePath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if loaded.Scrape.MaxProducts != 60 {
		t.Errorf("Loaded Scrape.MaxProducts = %d, want 60", loaded.Scrape.MaxProducts)
	}
	if loaded.Store.Freshness != 12*time.Hour {
		t.Errorf("Loaded Store.Freshness = %v, want 12h", loaded.Store.Freshness)
	}
	if loaded.Cache.Driver != cache.DriverNone {
		t.Errorf("Loaded Cache.Driver = %s, want none", loaded.Cache.Driver)
	}
}

func TestConfig_SaveToFile_JSON(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "insights.json")

	config := DefaultConfig()
	config.Scrape.BaseURL = "https://www.amazon.co.uk"
	config.Gatekeeper.QueueLimit = 4

	if err := config.SaveToFile(filePath); err != nil {
		t.Fatalf("SaveToFile() error = %v", err)
	}
	if _, err := os.Stat(filePath); os.IsNotExist(err) {
		t.Fatal("Config file was not created")
	}

	loaded, err := LoadFromFile(filePath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if loaded.Scrape.BaseURL != "https://www.amazon.co.uk" {
		t.Errorf("Loaded Scrape.BaseURL = %s, want https://www.amazon.co.uk", loaded.Scrape.BaseURL)
	}
	if loaded.Gatekeeper.QueueLimit != 4 {
		t.Errorf("Loaded Gatekeeper.QueueLimit = %d, want 4", loaded.Gatekeeper.QueueLimit)
	}
	if loaded.Browser.NavigationTimeout != config.Browser.NavigationTimeout {
		t.Errorf("Loaded Browser.NavigationTimeout = %v, want %v", loaded.Browser.NavigationTimeout, config.Browser.NavigationTimeout)
	}
}

func TestLoadFromFile_PartialKeepsDefaults(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "partial.yaml")
	content := "scrape:\n  max_products: 25\nstore:\n  driver: memory\n"
	if err := os.WriteFile(filePath, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}

	loaded, err := LoadFromFile(filePath)
	if err != nil {
		t.Fatalf("LoadFromFile() error = %v", err)
	}
	if loaded.Scrape.MaxProducts != 25 {
		t.Errorf("Scrape.MaxProducts = %d, want 25", loaded.Scrape.MaxProducts)
	}
	if loaded.Store.Driver != store.DriverMemory {
		t.Errorf("Store.Driver = %s, want memory", loaded.Store.Driver)
	}
	if loaded.Store.MinExisting != 30 {
		t.Errorf("Store.MinExisting = %d, want 30", loaded.Store.MinExisting)
	}
	if loaded.Server.Addr != ":8080" {
		t.Errorf("Server.Addr = %s, want :8080", loaded.Server.Addr)
	}
}

func TestLoadFromFile_NonExistent(t *testing.T) {
	_, err := LoadFromFile("/nonexistent/path/insights.yaml")
	if err == nil {
		t.Error("LoadFromFile() should return error for non-existent file")
	}
}

func TestLoadFromFile_InvalidContent(t *testing.T) {
	filePath := filepath.Join(t.TempDir(), "invalid.yaml")
	os.WriteFile(filePath, []byte("not json or yaml"), 0644)

	_, err := LoadFromFile(filePath)
	if err == nil {
		t.Error("LoadFromFile() should return error for invalid content")
	}
}
