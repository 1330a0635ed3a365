// Package redis stores categorization results in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/edital-crawler/internal/crawler"
)

// DefaultTTL bounds how long a cached categorization is reused.
const DefaultTTL = 7 * 24 * time.Hour

const keyPrefix = "edital:cat:"

// Client is the subset of the go-redis API the cache needs.
type Client interface {
	Get(ctx context.Context, key string) *goredis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
}

// Config describes the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// Cache implements categorize.Cache on Redis.
type Cache struct {
	client Client
	ttl    time.Duration
}

// New wraps an existing client.
func New(client Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{client: client, ttl: ttl}
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*Cache, *goredis.Client, error) {
	rdb := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		_ = rdb.Close()
		return nil, nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return New(rdb, cfg.TTL), rdb, nil
}

// Get returns the cached result for key, if any.
func (c *Cache) Get(ctx context.Context, key string) (crawler.CategorizationResult, bool, error) {
	data, err := c.client.Get(ctx, keyPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return crawler.CategorizationResult{}, false, nil
	}
	if err != nil {
		return crawler.CategorizationResult{}, false, fmt.Errorf("redis get: %w", err)
	}
	var res crawler.CategorizationResult
	if err := json.Unmarshal(data, &res); err != nil {
		return crawler.CategorizationResult{}, false, fmt.Errorf("decode cached categorization: %w", err)
	}
	return res, true, nil
}

// Set stores res under key with the configured TTL.
func (c *Cache) Set(ctx context.Context, key string, res crawler.CategorizationResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode categorization: %w", err)
	}
	if err := c.client.Set(ctx, keyPrefix+key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}
