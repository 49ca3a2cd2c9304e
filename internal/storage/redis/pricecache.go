// Package redis shares the latest price snapshot between coinledger
// processes through Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"github.com/bobmcallan/coinledger/internal/common"
	"github.com/bobmcallan/coinledger/internal/interfaces"
	"github.com/bobmcallan/coinledger/internal/models"
)

const snapshotKey = "pricefeed:snapshot"

// PriceCache implements interfaces.PriceSnapshotCache.
type PriceCache struct {
	client *goredis.Client
	key    string
	logger *common.Logger
}

var _ interfaces.PriceSnapshotCache = (*PriceCache)(nil)

// NewPriceCache connects to Redis and verifies the connection with PING.
func NewPriceCache(ctx context.Context, logger *common.Logger, cfg common.RedisConfig) (*PriceCache, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Address,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 2 * time.Second,
		ReadTimeout: time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	logger.Info().Str("address", cfg.Address).Msg("Redis price cache connected")
	return &PriceCache{client: client, key: cfg.KeyPrefix + snapshotKey, logger: logger}, nil
}

// Get returns the shared snapshot, or nil on a miss.
func (c *PriceCache) Get(ctx context.Context) (*models.PriceSnapshot, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read shared snapshot: %w", err)
	}

	var snap models.PriceSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode shared snapshot: %w", err)
	}
	return &snap, nil
}

// Put stores snapshot with ttl.
func (c *PriceCache) Put(ctx context.Context, snapshot *models.PriceSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}
	if err := c.client.Set(ctx, c.key, data, ttl).Err(); err != nil {
		return fmt.Errorf("failed to write shared snapshot: %w", err)
	}
	return nil
}

// Close closes the Redis client.
func (c *PriceCache) Close() error {
	return c.client.Close()
}
