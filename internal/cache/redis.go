package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/PentesterFlow/MarketInsights/internal/model"
)

// RedisCache stores entries in Redis with a per-key expiry.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	now    func() time.Time
}

// NewRedisCache connects and pings the server.
func NewRedisCache(ctx context.Context, config Config) (*RedisCache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         config.Addr,
		Password:     config.Password,
		DB:           config.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", config.Addr, err)
	}
	return &RedisCache{client: client, ttl: config.TTL, now: time.Now}, nil
}

// Get implements Cache.
func (c *RedisCache) Get(ctx context.Context, keyword string) (*model.Report, error) {
	data, err := c.client.Get(ctx, Key(keyword)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read cache: %w", err)
	}
	return decode(data)
}

// Set implements Cache.
func (c *RedisCache) Set(ctx context.Context, keyword string, report *model.Report) error {
	data, err := encode(keyword, report, c.now(), c.ttl)
	if err != nil {
		return err
	}
	if err := c.client.Set(ctx, Key(keyword), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("failed to write cache: %w", err)
	}
	return nil
}

// Delete implements Cache.
func (c *RedisCache) Delete(ctx context.Context, keyword string) error {
	return c.client.Del(ctx, Key(keyword)).Err()
}

// Close implements Cache.
func (c *RedisCache) Close() error {
	return c.client.Close()
}
