package database

import (
	"context"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jconfig "github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"go.uber.org/zap"

	"github.com/plasma-engine/research-engine/pkg/apperrors"
	"github.com/plasma-engine/research-engine/pkg/config"
	"github.com/plasma-engine/research-engine/pkg/logging"
)

// NewGraph creates the Neo4j driver for the knowledge graph backend,
// verifies connectivity, and provisions the entity constraints and indexes.
// Returns nil if Neo4j is not configured (URI or credentials missing).
// On any failure after construction the driver is closed before returning.
func NewGraph(ctx context.Context, cfg *config.Neo4jConfig, logger *zap.Logger) (neo4j.DriverWithContext, error) {
	if !cfg.Configured() {
		return nil, nil
	}

	driver, err := neo4j.NewDriverWithContext(
		cfg.URI,
		neo4j.BasicAuth(cfg.Username, cfg.Password, ""),
		func(c *neo4jconfig.Config) {
			c.MaxConnectionPoolSize = cfg.MaxPoolSize
			c.MaxConnectionLifetime = cfg.MaxConnLife
			c.ConnectionAcquisitionTimeout = cfg.AcquireTimeout
		},
	)
	if err != nil {
		return nil, fmt.Errorf("%w: neo4j URI %q: %v", apperrors.ErrInvalidConfig, logging.SanitizeConnectionString(cfg.URI), err)
	}

	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("%w: verifying neo4j connectivity: %v", apperrors.ErrBackendUnavailable, err)
	}

	if err := ProvisionGraphSchema(ctx, driver, logger); err != nil {
		_ = driver.Close(ctx)
		return nil, err
	}

	logger.Info("neo4j driver connected",
		zap.String("uri", logging.SanitizeConnectionString(cfg.URI)),
		zap.Int("maxPoolSize", cfg.MaxPoolSize),
	)
	return driver, nil
}
