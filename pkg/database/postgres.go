package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/plasma-engine/research-engine/pkg/apperrors"
	"github.com/plasma-engine/research-engine/pkg/config"
)

// DB wraps a pgxpool connection pool for the relational/vector backend.
type DB struct {
	Pool           *pgxpool.Pool
	acquireTimeout time.Duration
}

// NewPostgres creates the PostgreSQL connection pool, verifies the backend is
// reachable, and provisions the vector schema. The returned pool is usable
// only if every step succeeded; on any failure the pool is closed before the
// error is returned.
func NewPostgres(ctx context.Context, cfg *config.DatabaseConfig, embeddingDim int, logger *zap.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("%w: parsing database connection string: %v", apperrors.ErrInvalidConfig, err)
	}

	poolConfig.MaxConns = cfg.MaxConnections
	poolConfig.MinConns = cfg.MinConnections
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.ConnConfig.ConnectTimeout = cfg.AcquireTimeout

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("%w: creating connection pool: %v", apperrors.ErrBackendUnavailable, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("%w: pinging postgres: %v", apperrors.ErrBackendUnavailable, err)
	}

	if err := ProvisionVectorSchema(ctx, pool, embeddingDim, logger); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("postgres connection pool initialized",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.Int32("maxConns", cfg.MaxConnections),
	)

	return &DB{Pool: pool, acquireTimeout: cfg.AcquireTimeout}, nil
}

// Acquire borrows one connection from the pool, waiting up to the configured
// acquisition timeout. The caller must call Release on the returned
// connection on every exit path.
func (db *DB) Acquire(ctx context.Context) (*pgxpool.Conn, error) {
	acquireCtx := ctx
	if db.acquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, db.acquireTimeout)
		defer cancel()
	}

	conn, err := db.Pool.Acquire(acquireCtx)
	if err != nil {
		if ctx.Err() != nil {
			// The caller's own deadline or cancellation fired.
			return nil, fmt.Errorf("%w: %v", apperrors.ErrOperationTimeout, ctx.Err())
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: no connection available within %s", apperrors.ErrPoolExhausted, db.acquireTimeout)
		}
		return nil, fmt.Errorf("acquiring postgres connection: %w", err)
	}
	return conn, nil
}

// Ping issues the cheapest possible round-trip to the backend.
func (db *DB) Ping(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// Close drains and closes all pooled connections. Idempotent.
func (db *DB) Close(logger *zap.Logger) {
	if db.Pool == nil {
		return
	}
	db.Pool.Close()
	if logger != nil {
		logger.Info("postgres connection pool closed")
	}
}
