package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"go.uber.org/zap"

	"github.com/plasma-engine/research-engine/pkg/apperrors"
	"github.com/plasma-engine/research-engine/pkg/logging"
)

// vectorSchemaStatements returns the ordered DDL that brings a fresh or
// partially-initialized PostgreSQL database to the expected schema state.
// Every statement is phrased as "create if not exists" so concurrent service
// instances starting at the same time converge without coordination.
//
// Ordering matters: the vector extension must exist before the chunk table
// (its embedding column uses the vector type), tables must exist before
// their indexes, and the HNSW indexes require the embedding column.
func vectorSchemaStatements(embeddingDim int) []string {
	return []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS documents (
			id UUID PRIMARY KEY,
			title VARCHAR(500) NOT NULL,
			content TEXT NOT NULL,
			document_type VARCHAR(50) NOT NULL,
			metadata JSONB DEFAULT '{}',
			processing_status VARCHAR(50) DEFAULT 'pending',
			chunk_count INTEGER DEFAULT 0,
			embedding_count INTEGER DEFAULT 0,
			error_message TEXT,
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS document_chunks (
			id UUID PRIMARY KEY,
			document_id UUID REFERENCES documents(id) ON DELETE CASCADE,
			chunk_index INTEGER NOT NULL,
			content TEXT NOT NULL,
			token_count INTEGER NOT NULL,
			embedding vector(%d),
			metadata JSONB DEFAULT '{}',
			created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
			UNIQUE(document_id, chunk_index)
		)`, embeddingDim),

		`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(processing_status)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_type ON documents(document_type)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_created ON documents(created_at DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_chunks_document ON document_chunks(document_id)`,

		`CREATE INDEX IF NOT EXISTS idx_chunks_embedding_cosine
			ON document_chunks
			USING hnsw (embedding vector_cosine_ops)
			WITH (m = 16, ef_construction = 64)`,

		`CREATE INDEX IF NOT EXISTS idx_chunks_embedding_ip
			ON document_chunks
			USING hnsw (embedding vector_ip_ops)
			WITH (m = 16, ef_construction = 64)`,

		`CREATE INDEX IF NOT EXISTS idx_documents_content_fts
			ON documents
			USING gin(to_tsvector('english', content))`,

		`CREATE INDEX IF NOT EXISTS idx_chunks_content_fts
			ON document_chunks
			USING gin(to_tsvector('english', content))`,
	}
}

// ProvisionVectorSchema applies the document and chunk schema to the
// relational backend. Safe to run any number of times; a failure leaves the
// pool unusable for this service and is reported as ErrProvisioningFailed.
func ProvisionVectorSchema(ctx context.Context, pool *pgxpool.Pool, embeddingDim int, logger *zap.Logger) error {
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("%w: acquiring provisioning connection: %v", apperrors.ErrProvisioningFailed, err)
	}
	defer conn.Release()

	statements := vectorSchemaStatements(embeddingDim)
	for _, stmt := range statements {
		if _, err := conn.Exec(ctx, stmt); err != nil {
			logger.Error("vector schema statement failed",
				zap.String("error", logging.SanitizeError(err)),
			)
			return fmt.Errorf("%w: %v", apperrors.ErrProvisioningFailed, err)
		}
	}

	logger.Info("vector schema provisioned",
		zap.Int("embeddingDimension", embeddingDim),
		zap.Int("statements", len(statements)),
	)
	return nil
}

// graphSchemaStatements returns the Cypher statements establishing entity
// identity constraints and lookup indexes for the knowledge graph. All use
// IF NOT EXISTS, so reruns are no-ops.
func graphSchemaStatements() []string {
	return []string{
		`CREATE CONSTRAINT entity_id_unique IF NOT EXISTS
			FOR (e:Entity) REQUIRE e.id IS UNIQUE`,

		`CREATE CONSTRAINT entity_name_type IF NOT EXISTS
			FOR (e:Entity) REQUIRE (e.name, e.type) IS UNIQUE`,

		`CREATE INDEX entity_type_idx IF NOT EXISTS
			FOR (e:Entity) ON (e.type)`,

		`CREATE INDEX entity_confidence_idx IF NOT EXISTS
			FOR (e:Entity) ON (e.confidence)`,

		`CREATE INDEX relationship_type_idx IF NOT EXISTS
			FOR ()-[r:RELATED]->() ON (r.type)`,

		`CREATE INDEX relationship_confidence_idx IF NOT EXISTS
			FOR ()-[r:RELATED]->() ON (r.confidence)`,
	}
}

// ProvisionGraphSchema applies the knowledge graph constraints and indexes.
// Idempotent; failures are reported as ErrProvisioningFailed.
func ProvisionGraphSchema(ctx context.Context, driver neo4j.DriverWithContext, logger *zap.Logger) error {
	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
	defer func() {
		if err := session.Close(ctx); err != nil {
			logger.Warn("failed to close provisioning session",
				zap.String("error", logging.SanitizeError(err)),
			)
		}
	}()

	statements := graphSchemaStatements()
	for _, stmt := range statements {
		result, err := session.Run(ctx, stmt, nil)
		if err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrProvisioningFailed, err)
		}
		if _, err := result.Consume(ctx); err != nil {
			return fmt.Errorf("%w: %v", apperrors.ErrProvisioningFailed, err)
		}
	}

	logger.Info("graph schema provisioned", zap.Int("statements", len(statements)))
	return nil
}
