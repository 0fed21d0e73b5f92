// Package postgres persists relay session audit records in PostgreSQL
// using pgx v5.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/cory-johannsen/relay/internal/config"
)

// applicationName tags relay connections in pg_stat_activity.
const applicationName = "relay"

// Pool is the relay's database handle.
type Pool struct {
	pool *pgxpool.Pool
}

// NewPool connects to the database described by cfg and verifies it with a
// ping.
//
// Precondition: cfg must contain valid database connection parameters.
// Postcondition: Returns a ready Pool or a non-nil error; no connections are
// left open on error.
func NewPool(ctx context.Context, cfg config.DatabaseConfig) (*Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.ConnConfig.RuntimeParams["application_name"] = applicationName

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &Pool{pool: pool}, nil
}

// Health pings the database, failing after timeout.
func (p *Pool) Health(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return p.pool.Ping(ctx)
}

// Watch pings the database every interval until quit is closed, logging
// failed pings and the recovery that follows them. It returns nil so it can
// serve as a lifecycle service body.
//
// Precondition: interval > 0; logger must be non-nil.
func (p *Pool) Watch(quit <-chan struct{}, interval time.Duration, logger *zap.Logger) error {
	tick := time.NewTicker(interval)
	defer tick.Stop()
	healthy := true
	for {
		select {
		case <-quit:
			return nil
		case <-tick.C:
			err := p.Health(context.Background(), interval/2)
			switch {
			case err != nil:
				logger.Warn("database health check failed", zap.Error(err))
				healthy = false
			case !healthy:
				logger.Info("database reachable again")
				healthy = true
			}
		}
	}
}

// Sessions returns the session audit repository backed by this pool.
func (p *Pool) Sessions() *SessionRepository {
	return NewSessionRepository(p.pool)
}

// Close releases all pool resources.
func (p *Pool) Close() {
	p.pool.Close()
}

// DB exposes the pgxpool for callers that need raw access.
func (p *Pool) DB() *pgxpool.Pool {
	return p.pool
}
