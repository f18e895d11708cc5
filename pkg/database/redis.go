package database

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/plasma-engine/research-engine/pkg/apperrors"
	"github.com/plasma-engine/research-engine/pkg/config"
)

// NewRedisCache creates a Redis client for the cache backend and verifies it
// with a PING. The cache carries no schema, so the liveness probe is the
// whole handshake. Returns nil if Redis is not configured (host is empty).
func NewRedisCache(ctx context.Context, cfg *config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	if !cfg.Configured() {
		return nil, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: pinging redis: %v", apperrors.ErrBackendUnavailable, err)
	}

	logger.Info("redis cache connected", zap.String("addr", cfg.Addr()), zap.Int("db", cfg.DB))
	return client, nil
}
