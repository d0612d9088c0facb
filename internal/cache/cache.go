// Package cache holds recently produced reports so repeated analyses of the
// same keyword skip the pipeline.
package cache

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// KeyPrefix namespaces every cache key.
const KeyPrefix = "market_insights"

// Drivers.
const (
	DriverRedis  = "redis"
	DriverMemory = "memory"
	DriverNone   = "none"
)

// Cache stores reports by keyword.
type Cache interface {
	// Get returns the cached report, or nil without error on a miss.
	Get(ctx context.Context, keyword string) (*model.Report, error)
	Set(ctx context.Context, keyword string, report *model.Report) error
	Delete(ctx context.Context, keyword string) error
	Close() error
}

// Config selects and configures a cache backend.
type Config struct {
	Driver   string        `json:"driver" yaml:"driver"`
	Addr     string        `json:"addr" yaml:"addr"`
	Password string        `json:"password" yaml:"password"`
	DB       int           `json:"db" yaml:"db"`
	TTL      time.Duration `json:"ttl" yaml:"ttl"`
}

// DefaultConfig returns an in-memory cache with a one hour TTL.
func DefaultConfig() Config {
	return Config{
		Driver: DriverMemory,
		Addr:   "localhost:6379",
		TTL:    time.Hour,
	}
}

// Open creates the backend named by config.Driver.
func Open(ctx context.Context, config Config) (Cache, error) {
	switch config.Driver {
	case DriverRedis:
		c, err := NewRedisCache(ctx, config)
		if err != nil {
			return nil, err
		}
		return c, nil
	case DriverMemory, "":
		return NewMemoryCache(config.TTL), nil
	case DriverNone:
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("unknown cache driver %q", config.Driver)
	}
}

// Key builds the analysis key for keyword:
// market_insights:analysis:<first 8 hex of md5(keyword)>:<keyword>.
func Key(keyword string) string {
	sum := md5.Sum([]byte(keyword))
	return fmt.Sprintf("%s:analysis:%s:%s", KeyPrefix, hex.EncodeToString(sum[:])[:8], keyword)
}

// Entry is the stored envelope around a report.
type Entry struct {
	Keyword  string        `json:"keyword"`
	Result   *model.Report `json:"result"`
	CachedAt time.Time     `json:"cached_at"`
	TTLHours float64       `json:"cache_ttl_hours"`
}

func encode(keyword string, report *model.Report, now time.Time, ttl time.Duration) ([]byte, error) {
	data, err := json.Marshal(Entry{
		Keyword:  keyword,
		Result:   report,
		CachedAt: now,
		TTLHours: ttl.Hours(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal cache entry: %w", err)
	}
	return data, nil
}

func decode(data []byte) (*model.Report, error) {
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to unmarshal cache entry: %w", err)
	}
	if e.Result == nil {
		return nil, fmt.Errorf("cache entry for %q has no result", e.Keyword)
	}
	return e.Result, nil
}

// Nop never stores anything.
type Nop struct{}

// Get implements Cache.
func (Nop) Get(context.Context, string) (*model.Report, error) { return nil, nil }

// Set implements Cache.
func (Nop) Set(context.Context, string, *model.Report) error { return nil }

// Delete implements Cache.
func (Nop) Delete(context.Context, string) error { return nil }

// Close implements Cache.
func (Nop) Close() error { return nil }

type memoryItem struct {
	data    []byte
	expires time.Time
}

// MemoryCache keeps encoded entries in process memory until they expire.
type MemoryCache struct {
	mu    sync.Mutex
	ttl   time.Duration
	items map[string]memoryItem
	now   func() time.Time
}

// NewMemoryCache creates an empty cache. A non-positive ttl never expires.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:   ttl,
		items: make(map[string]memoryItem),
		now:   time.Now,
	}
}

// SetClock replaces the time source.
func (c *MemoryCache) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// Get implements Cache. Expired entries are evicted on read.
func (c *MemoryCache) Get(ctx context.Context, keyword string) (*model.Report, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key := Key(keyword)

	c.mu.Lock()
	item, ok := c.items[key]
	if ok && !item.expires.IsZero() && !c.now().Before(item.expires) {
		delete(c.items, key)
		ok = false
	}
	c.mu.Unlock()

	if !ok {
		return nil, nil
	}
	return decode(item.data)
}

// Set implements Cache.
func (c *MemoryCache) Set(ctx context.Context, keyword string, report *model.Report) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	data, err := encode(keyword, report, now, c.ttl)
	if err != nil {
		return err
	}
	item := memoryItem{data: data}
	if c.ttl > 0 {
		item.expires = now.Add(c.ttl)
	}
	c.items[Key(keyword)] = item
	return nil
}

// Delete implements Cache.
func (c *MemoryCache) Delete(ctx context.Context, keyword string) error {
	c.mu.Lock()
	delete(c.items, Key(keyword))
	c.mu.Unlock()
	return ctx.Err()
}

// Len returns the number of entries, expired or not.
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Close implements Cache.
func (c *MemoryCache) Close() error {
	return nil
}
