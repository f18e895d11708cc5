// Package database owns the lifecycle of the three persistence backends:
// PostgreSQL with pgvector (mandatory), Redis (optional cache), and Neo4j
// (optional knowledge graph). A single Manager is constructed at process
// start, passed by reference to every consumer, and shut down exactly once
// at process stop.
package database

import (
	"context"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/plasma-engine/research-engine/pkg/apperrors"
	"github.com/plasma-engine/research-engine/pkg/config"
	"github.com/plasma-engine/research-engine/pkg/logging"
	"github.com/plasma-engine/research-engine/pkg/retry"
)

// State is the Manager lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateShuttingDown
	StateClosed
)

// String returns the state name for logs.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Manager orchestrates backend initialization, scoped acquisition, and
// shutdown. The backend slots are written only during Init and Shutdown and
// are otherwise read-only, so lookups after startup need no locking beyond
// the state check.
type Manager struct {
	mu     sync.RWMutex
	state  State
	cfg    *config.Config
	logger *zap.Logger

	retryCfg *retry.Config

	db    *DB                     // mandatory; always present when Ready
	cache *redis.Client           // optional; nil when absent
	graph neo4j.DriverWithContext // optional; nil when absent

	// leases tracks in-flight scoped acquisitions so Shutdown can wait for
	// them before closing pools.
	leases sync.WaitGroup

	// Constructor and acquisition seams, replaced in tests.
	openPostgres func(ctx context.Context) (*DB, error)
	openCache    func(ctx context.Context) (*redis.Client, error)
	openGraph    func(ctx context.Context) (neo4j.DriverWithContext, error)
	acquirePG    func(ctx context.Context) (*pgxpool.Conn, error)
}

// NewManager creates a Manager for the given configuration. No connections
// are opened until Init.
func NewManager(cfg *config.Config, logger *zap.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		retryCfg: &retry.Config{
			MaxRetries:   cfg.Retry.MaxRetries,
			InitialDelay: cfg.Retry.InitialDelay,
			MaxDelay:     cfg.Retry.MaxDelay,
			Multiplier:   cfg.Retry.Multiplier,
			JitterFactor: 0.1,
		},
	}
	m.openPostgres = func(ctx context.Context) (*DB, error) {
		return NewPostgres(ctx, &cfg.Database, cfg.Embedding.Dimension, logger)
	}
	m.openCache = func(ctx context.Context) (*redis.Client, error) {
		return NewRedisCache(ctx, &cfg.Redis, logger)
	}
	m.openGraph = func(ctx context.Context) (neo4j.DriverWithContext, error) {
		return NewGraph(ctx, &cfg.Neo4j, logger)
	}
	m.acquirePG = func(ctx context.Context) (*pgxpool.Conn, error) {
		return m.db.Acquire(ctx)
	}
	return m
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Init opens the backends in a fixed order: postgres first, then redis, then
// neo4j. Each open is wrapped in the retry executor so transient connect
// failures during a cold start are absorbed. A postgres failure is fatal and
// leaves the Manager uninitialized; failures on the optional backends are
// downgraded to warnings and the corresponding slot stays absent.
func (m *Manager) Init(ctx context.Context) error {
	m.mu.Lock()
	if m.state != StateUninitialized {
		state := m.state
		m.mu.Unlock()
		return fmt.Errorf("cannot initialize from state %s", state)
	}
	m.state = StateInitializing
	m.mu.Unlock()

	err := retry.DoIfRetryable(ctx, m.retryCfg, func() error {
		db, openErr := m.openPostgres(ctx)
		if openErr != nil {
			return openErr
		}
		m.db = db
		return nil
	})
	if err != nil {
		m.mu.Lock()
		m.state = StateUninitialized
		m.mu.Unlock()
		m.logger.Error("postgres initialization failed",
			zap.String("error", logging.SanitizeError(err)),
		)
		return fmt.Errorf("initializing postgres: %w", err)
	}

	if err := retry.DoIfRetryable(ctx, m.retryCfg, func() error {
		cache, openErr := m.openCache(ctx)
		if openErr != nil {
			return openErr
		}
		m.cache = cache
		return nil
	}); err != nil {
		m.logger.Warn("redis initialization failed, continuing without cache",
			zap.String("error", logging.SanitizeError(err)),
		)
	} else if m.cache == nil {
		m.logger.Info("redis not configured, cache disabled")
	}

	if err := retry.DoIfRetryable(ctx, m.retryCfg, func() error {
		graph, openErr := m.openGraph(ctx)
		if openErr != nil {
			return openErr
		}
		m.graph = graph
		return nil
	}); err != nil {
		m.logger.Warn("neo4j initialization failed, continuing without knowledge graph",
			zap.String("error", logging.SanitizeError(err)),
		)
	} else if m.graph == nil {
		m.logger.Info("neo4j not configured, knowledge graph disabled")
	}

	m.mu.Lock()
	m.state = StateReady
	m.mu.Unlock()
	m.logger.Info("backend orchestration ready",
		zap.Bool("cache", m.cache != nil),
		zap.Bool("graph", m.graph != nil),
	)
	return nil
}

// beginLease registers an in-flight acquisition if the Manager is Ready and
// the requested slot is present. The presence check and lease registration
// happen under the same read lock so Shutdown cannot slip in between.
func (m *Manager) beginLease(present func() bool) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateReady || !present() {
		return apperrors.ErrNotInitialized
	}
	m.leases.Add(1)
	return nil
}

// PooledConn is a scoped lease on one pooled postgres connection.
// Release must be called on every exit path; calling it more than once is
// safe and releases the underlying connection exactly once.
type PooledConn struct {
	*pgxpool.Conn
	once    sync.Once
	release func()
}

// Release returns the connection to the pool.
func (c *PooledConn) Release() {
	c.once.Do(c.release)
}

// AcquireConn borrows a postgres connection from the pool. Fails with
// ErrNotInitialized before Ready; with ErrPoolExhausted when no connection
// frees up within the acquisition timeout; with ErrOperationTimeout when the
// caller's context expires first. No lease is held on any error path.
func (m *Manager) AcquireConn(ctx context.Context) (*PooledConn, error) {
	if err := m.beginLease(func() bool { return m.db != nil }); err != nil {
		return nil, err
	}

	conn, err := m.acquirePG(ctx)
	if err != nil {
		m.leases.Done()
		return nil, err
	}
	return &PooledConn{Conn: conn, release: func() {
		if conn != nil {
			conn.Release()
		}
		m.leases.Done()
	}}, nil
}

// Cache returns the shared Redis client. The client manages its own
// connection pool and is safe for concurrent use, so no per-caller lease is
// taken. Fails with ErrNotInitialized when the cache backend is absent.
func (m *Manager) Cache() (*redis.Client, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.state != StateReady || m.cache == nil {
		return nil, apperrors.ErrNotInitialized
	}
	return m.cache, nil
}

// GraphSession is a scoped lease on one Neo4j session. Close must be called
// on every exit path; calling it more than once closes the session exactly
// once.
type GraphSession struct {
	neo4j.SessionWithContext
	once sync.Once
	done func()
}

// Close ends the session and releases its lease.
func (s *GraphSession) Close(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		err = s.SessionWithContext.Close(ctx)
		s.done()
	})
	return err
}

// GraphSession opens a session against the knowledge graph. Fails with
// ErrNotInitialized when the graph backend is absent.
func (m *Manager) GraphSession(ctx context.Context) (*GraphSession, error) {
	if err := m.beginLease(func() bool { return m.graph != nil }); err != nil {
		return nil, err
	}
	session := m.graph.NewSession(ctx, neo4j.SessionConfig{})
	return &GraphSession{SessionWithContext: session, done: m.leases.Done}, nil
}

// Monitor builds a health monitor over the backends as initialized. Absent
// optional backends are registered with a nil probe so aggregate health
// reports them as degraded rather than unhealthy.
func (m *Manager) Monitor() *Monitor {
	monitor := NewMonitor(m.cfg.Health.ProbeTimeout, m.logger)

	var pgProbe, redisProbe, graphProbe ProbeFunc
	if m.db != nil {
		pgProbe = m.db.Ping
	}
	if m.cache != nil {
		cache := m.cache
		redisProbe = func(ctx context.Context) error {
			return cache.Ping(ctx).Err()
		}
	}
	if m.graph != nil {
		graphProbe = m.graph.VerifyConnectivity
	}

	monitor.Register(KindPostgres, true, pgProbe)
	monitor.Register(KindRedis, false, redisProbe)
	monitor.Register(KindNeo4j, false, graphProbe)
	return monitor
}

// Shutdown waits for in-flight leases, then closes the backends in reverse
// initialization order: neo4j, redis, postgres. Idempotent; calling it
// before Init, twice, or concurrently is a no-op after the first completed
// call. The context bounds the wait for outstanding leases.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	switch m.state {
	case StateShuttingDown, StateClosed:
		m.mu.Unlock()
		return nil
	case StateUninitialized:
		m.state = StateClosed
		m.mu.Unlock()
		return nil
	case StateInitializing:
		// Init is still in flight; let it finish. The bootstrap's later
		// shutdown call will close whatever came up.
		m.mu.Unlock()
		return nil
	}
	m.state = StateShuttingDown
	m.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		m.leases.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		m.logger.Warn("shutdown proceeding with leases still in flight",
			zap.String("cause", ctx.Err().Error()),
		)
	}

	if m.graph != nil {
		if err := m.graph.Close(ctx); err != nil {
			m.logger.Warn("failed to close neo4j driver",
				zap.String("error", logging.SanitizeError(err)),
			)
		} else {
			m.logger.Info("neo4j driver closed")
		}
	}
	if m.cache != nil {
		if err := m.cache.Close(); err != nil {
			m.logger.Warn("failed to close redis client",
				zap.String("error", logging.SanitizeError(err)),
			)
		} else {
			m.logger.Info("redis client closed")
		}
	}
	if m.db != nil {
		m.db.Close(m.logger)
	}

	m.mu.Lock()
	m.state = StateClosed
	m.db = nil
	m.cache = nil
	m.graph = nil
	m.mu.Unlock()
	m.logger.Info("backend orchestration closed")
	return nil
}
