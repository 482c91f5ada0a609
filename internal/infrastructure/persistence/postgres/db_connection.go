// Package postgres provides the PostgreSQL implementations of the key and
// usage repositories, plus connection pool management on pgx.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/custodia-io/custodia/internal/config"
	"github.com/custodia-io/custodia/pkg/logger"
)

// DBConnection manages the pgx connection pool lifecycle.
type DBConnection struct {
	pool *pgxpool.Pool
	log  logger.Logger
}

// NewDBConnection creates the pool and performs an initial health check.
func NewDBConnection(ctx context.Context, cfg *config.DatabaseConfig, log logger.Logger) (*DBConnection, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	connectCtx, cancel := context.WithTimeout(ctx, cfg.ConnTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping: %w", err)
	}

	log.Info(ctx, "postgres connection pool initialized",
		logger.String("host", cfg.Host),
		logger.String("database", cfg.Database),
		logger.Int("max_conns", cfg.MaxConns))

	return &DBConnection{pool: pool, log: log}, nil
}

// Pool exposes the underlying pgx pool.
func (c *DBConnection) Pool() *pgxpool.Pool { return c.pool }

// Ping checks database reachability, used by the readiness probe.
func (c *DBConnection) Ping(ctx context.Context) error { return c.pool.Ping(ctx) }

// Close releases the pool.
func (c *DBConnection) Close() { c.pool.Close() }
