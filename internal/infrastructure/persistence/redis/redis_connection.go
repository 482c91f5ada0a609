// Package redis provides Redis client initialization and health checks.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-io/custodia/internal/config"
	"github.com/custodia-io/custodia/pkg/logger"
)

// Connection manages the Redis client lifecycle.
type Connection struct {
	client redis.UniversalClient
	log    logger.Logger
}

// NewConnection creates a universal client (standalone or cluster depending
// on the number of addresses) and verifies reachability.
func NewConnection(ctx context.Context, cfg *config.RedisConfig, log logger.Logger) (*Connection, error) {
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:        cfg.Addresses,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info(ctx, "redis connection established",
		logger.Any("addresses", cfg.Addresses))

	return &Connection{client: client, log: log}, nil
}

// Client exposes the underlying client.
func (c *Connection) Client() redis.UniversalClient { return c.client }

// Ping checks reachability, used by the readiness probe.
func (c *Connection) Ping(ctx context.Context) error { return c.client.Ping(ctx).Err() }

// Close releases the client.
func (c *Connection) Close() error { return c.client.Close() }
