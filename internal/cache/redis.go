// Package cache keeps completed idempotent ledger results in Redis so that
// retried requests are answered without touching PostgreSQL. The database
// idempotency table stays authoritative; a cache miss or error only costs a
// round trip.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"

	"hosting-ledger/internal/config"
	"hosting-ledger/internal/model"
)

const keyPrefix = "ledger:idem:"

// Connect opens a Redis client and pings it.
func Connect(ctx context.Context, cfg *config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	log.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("Connected to Redis")
	return client, nil
}

// IdempotencyCache stores LedgerResults keyed by account and idempotency key.
type IdempotencyCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewIdempotencyCache creates a new IdempotencyCache instance.
func NewIdempotencyCache(client *redis.Client, ttl time.Duration) *IdempotencyCache {
	return &IdempotencyCache{client: client, ttl: ttl}
}

func cacheKey(accountID int64, key string) string {
	return keyPrefix + strconv.FormatInt(accountID, 10) + ":" + key
}

// Get returns the cached result for key. Redis failures are logged and
// reported as a miss.
func (c *IdempotencyCache) Get(ctx context.Context, accountID int64, key string) (*model.LedgerResult, bool) {
	data, err := c.client.Get(ctx, cacheKey(accountID, key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Warn().Err(err).Int64("account_id", accountID).Msg("Idempotency cache read failed")
		}
		return nil, false
	}

	var res model.LedgerResult
	if err := json.Unmarshal(data, &res); err != nil {
		log.Warn().Err(err).Int64("account_id", accountID).Msg("Discarding corrupt idempotency cache entry")
		return nil, false
	}
	return &res, true
}

// Put stores a completed result. Failures are logged and otherwise ignored.
func (c *IdempotencyCache) Put(ctx context.Context, accountID int64, key string, res *model.LedgerResult) {
	data, err := json.Marshal(res)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to encode idempotency cache entry")
		return
	}
	if err := c.client.Set(ctx, cacheKey(accountID, key), data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Int64("account_id", accountID).Msg("Idempotency cache write failed")
	}
}

// Forget drops every cached result for an account.
func (c *IdempotencyCache) Forget(ctx context.Context, accountID int64) error {
	pattern := keyPrefix + strconv.FormatInt(accountID, 10) + ":*"
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("failed to drop cache entry: %w", err)
		}
	}
	return iter.Err()
}
