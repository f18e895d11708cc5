package database

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/plasma-engine/research-engine/pkg/apperrors"
	"github.com/plasma-engine/research-engine/pkg/config"
)

func testConfig() *config.Config {
	return &config.Config{
		Database: config.DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			User:           "research",
			Database:       "research_engine",
			MaxConnections: 20,
			MinConnections: 5,
			AcquireTimeout: time.Second,
		},
		Retry: config.RetryConfig{
			MaxRetries:   2,
			InitialDelay: time.Millisecond,
			MaxDelay:     10 * time.Millisecond,
			Multiplier:   2.0,
		},
		Health:    config.HealthConfig{ProbeTimeout: time.Second},
		Embedding: config.EmbeddingConfig{Dimension: 3072},
	}
}

// newTestManager returns a Manager whose openers succeed with empty slots:
// postgres present, cache and graph absent.
func newTestManager() *Manager {
	m := NewManager(testConfig(), zap.NewNop())
	m.retryCfg.JitterFactor = 0
	m.openPostgres = func(ctx context.Context) (*DB, error) { return &DB{}, nil }
	m.openCache = func(ctx context.Context) (*redis.Client, error) { return nil, nil }
	m.openGraph = func(ctx context.Context) (neo4j.DriverWithContext, error) { return nil, nil }
	m.acquirePG = func(ctx context.Context) (*pgxpool.Conn, error) { return nil, nil }
	return m
}

func TestManager_InitReachesReady(t *testing.T) {
	m := newTestManager()

	require.Equal(t, StateUninitialized, m.State())
	require.NoError(t, m.Init(context.Background()))
	assert.Equal(t, StateReady, m.State())
}

func TestManager_InitTwiceFails(t *testing.T) {
	m := newTestManager()

	require.NoError(t, m.Init(context.Background()))
	err := m.Init(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot initialize")
}

func TestManager_MandatoryBackendPermanentFailureIsFatal(t *testing.T) {
	m := newTestManager()
	attempts := 0
	m.openPostgres = func(ctx context.Context) (*DB, error) {
		attempts++
		return nil, errors.New("FATAL: password authentication failed")
	}

	err := m.Init(context.Background())

	require.Error(t, err)
	assert.Equal(t, StateUninitialized, m.State(), "failed init must leave the manager uninitialized")
	assert.Equal(t, 1, attempts, "permanent errors must not be retried")
}

func TestManager_MandatoryBackendTransientFailureRetried(t *testing.T) {
	m := newTestManager()
	attempts := 0
	m.openPostgres = func(ctx context.Context) (*DB, error) {
		attempts++
		if attempts < 3 {
			return nil, errors.New("dial tcp: connection refused")
		}
		return &DB{}, nil
	}

	require.NoError(t, m.Init(context.Background()))
	assert.Equal(t, StateReady, m.State())
	assert.Equal(t, 3, attempts)
}

func TestManager_OptionalBackendFailureStillReady(t *testing.T) {
	m := newTestManager()
	m.openCache = func(ctx context.Context) (*redis.Client, error) {
		return nil, errors.New("dial tcp: connection refused")
	}
	m.openGraph = func(ctx context.Context) (neo4j.DriverWithContext, error) {
		return nil, errors.New("dial tcp: connection refused")
	}

	require.NoError(t, m.Init(context.Background()))
	assert.Equal(t, StateReady, m.State())

	_, err := m.Cache()
	assert.ErrorIs(t, err, apperrors.ErrNotInitialized)

	_, err = m.GraphSession(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotInitialized)
}

func TestManager_AcquireBeforeInit(t *testing.T) {
	m := newTestManager()

	_, err := m.AcquireConn(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotInitialized)

	_, err = m.Cache()
	assert.ErrorIs(t, err, apperrors.ErrNotInitialized)

	_, err = m.GraphSession(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotInitialized)
}

func TestManager_AcquireAfterShutdown(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Init(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))

	_, err := m.AcquireConn(context.Background())
	assert.ErrorIs(t, err, apperrors.ErrNotInitialized)
}

func TestManager_ShutdownBeforeInitIsNoOp(t *testing.T) {
	m := newTestManager()

	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, StateClosed, m.State())
}

func TestManager_ShutdownTwiceIsNoOp(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Init(context.Background()))

	require.NoError(t, m.Shutdown(context.Background()))
	require.NoError(t, m.Shutdown(context.Background()))
	assert.Equal(t, StateClosed, m.State())
}

func TestManager_AcquireErrorHoldsNoLease(t *testing.T) {
	m := newTestManager()
	m.acquirePG = func(ctx context.Context) (*pgxpool.Conn, error) {
		return nil, apperrors.ErrPoolExhausted
	}
	require.NoError(t, m.Init(context.Background()))

	_, err := m.AcquireConn(context.Background())
	require.ErrorIs(t, err, apperrors.ErrPoolExhausted)

	// A leaked lease would make Shutdown hang on the wait group.
	done := make(chan struct{})
	go func() {
		_ = m.Shutdown(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown blocked by a lease that was never granted")
	}
}

func TestManager_ShutdownWaitsForInFlightLeases(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Init(context.Background()))

	conn, err := m.AcquireConn(context.Background())
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		_ = m.Shutdown(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("shutdown completed while a lease was still held")
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, StateShuttingDown, m.State())

	conn.Release()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown did not complete after the last lease was released")
	}
	assert.Equal(t, StateClosed, m.State())
}

func TestPooledConn_ReleaseExactlyOnce(t *testing.T) {
	var releases atomic.Int64
	conn := &PooledConn{release: func() { releases.Add(1) }}

	conn.Release()
	conn.Release()
	conn.Release()

	assert.Equal(t, int64(1), releases.Load())
}

// TestManager_LeaseBalanceUnderRandomInterleavings hammers the acquisition
// path with randomized release patterns (single release, double release,
// deferred release, failed acquisition, caller cancellation) and verifies no
// lease leaks: a single leaked lease would leave Shutdown waiting forever.
func TestManager_LeaseBalanceUnderRandomInterleavings(t *testing.T) {
	m := newTestManager()

	var acquireFailures atomic.Int64
	m.acquirePG = func(ctx context.Context) (*pgxpool.Conn, error) {
		if err := ctx.Err(); err != nil {
			acquireFailures.Add(1)
			return nil, err
		}
		if rand.Intn(10) == 0 {
			acquireFailures.Add(1)
			return nil, apperrors.ErrPoolExhausted
		}
		return nil, nil
	}
	require.NoError(t, m.Init(context.Background()))

	const iterations = 10000
	const workers = 16

	var wg sync.WaitGroup
	var granted atomic.Int64
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			for i := 0; i < iterations/workers; i++ {
				ctx := context.Background()
				var cancel context.CancelFunc
				if rng.Intn(5) == 0 {
					// Simulate a caller whose request was already cancelled.
					ctx, cancel = context.WithCancel(ctx)
					cancel()
				}
				conn, err := m.AcquireConn(ctx)
				if cancel != nil {
					cancel()
				}
				if err != nil {
					continue
				}
				granted.Add(1)
				switch rng.Intn(3) {
				case 0:
					conn.Release()
				case 1:
					conn.Release()
					conn.Release() // double release must be safe
				case 2:
					func() {
						defer conn.Release()
					}()
				}
			}
		}(int64(w))
	}
	wg.Wait()

	require.Positive(t, granted.Load(), "test must exercise successful acquisitions")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	start := time.Now()
	require.NoError(t, m.Shutdown(shutdownCtx))
	assert.Less(t, time.Since(start), 2*time.Second, "leaked leases would stall shutdown until the deadline")
	assert.Equal(t, StateClosed, m.State())
}

func TestManager_MonitorRegistersAllBackends(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Init(context.Background()))

	monitor := m.Monitor()

	// Absent optional backends are registered as unconfigured probes.
	redisResult := monitor.Probe(context.Background(), KindRedis)
	assert.False(t, redisResult.Healthy)
	assert.Equal(t, "not configured", redisResult.Err)

	graphResult := monitor.Probe(context.Background(), KindNeo4j)
	assert.False(t, graphResult.Healthy)
	assert.Equal(t, "not configured", graphResult.Err)
}
