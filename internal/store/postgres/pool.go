package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// PoolConfig sizes the pgx pool shared by the rotation, organization and
// family-group stores. Durations are expressed in seconds to line up with
// the CLI flags that populate them.
type PoolConfig struct {
	// ConnString is a postgres:// connection string.
	ConnString string

	MaxConns int32
	MinConns int32

	// MaxConnLifetime bounds how long a connection is reused, in seconds.
	MaxConnLifetime int32

	// MaxConnIdleTime closes connections idle for this many seconds.
	MaxConnIdleTime int32

	// HealthCheckPeriod is the interval between pool health checks, in
	// seconds.
	HealthCheckPeriod int32

	// ConnectTimeout caps how long opening a new connection may take, in
	// seconds.
	ConnectTimeout int32
}

// applyDefaults fills unset fields. Turn commits hold a transaction for two
// short statements, so even a busy selection window is served by a small
// pool.
func (c *PoolConfig) applyDefaults() {
	if c.MaxConns == 0 {
		c.MaxConns = 10
	}
	if c.MinConns == 0 {
		c.MinConns = 2
	}
	if c.MaxConnLifetime == 0 {
		c.MaxConnLifetime = 1800
	}
	if c.MaxConnIdleTime == 0 {
		c.MaxConnIdleTime = 600
	}
	if c.HealthCheckPeriod == 0 {
		c.HealthCheckPeriod = 30
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5
	}
}

// NewPool opens the shared connection pool and verifies connectivity with a
// ping before any store touches it.
func NewPool(ctx context.Context, cfg *PoolConfig) (*pgxpool.Pool, error) {
	if cfg == nil || cfg.ConnString == "" {
		return nil, fmt.Errorf("postgres connection string is required")
	}
	cfg.applyDefaults()

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("failed to parse connection string: %w", err)
	}

	poolConfig.MaxConns = cfg.MaxConns
	poolConfig.MinConns = cfg.MinConns
	poolConfig.MaxConnLifetime = time.Duration(cfg.MaxConnLifetime) * time.Second
	poolConfig.MaxConnIdleTime = time.Duration(cfg.MaxConnIdleTime) * time.Second
	poolConfig.HealthCheckPeriod = time.Duration(cfg.HealthCheckPeriod) * time.Second
	poolConfig.ConnConfig.ConnectTimeout = time.Duration(cfg.ConnectTimeout) * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err = pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("Connected to PostgreSQL")

	return pool, nil
}
