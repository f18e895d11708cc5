package database

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/plasma-engine/research-engine/pkg/logging"
)

// BackendKind identifies one of the three persistence backends.
type BackendKind string

const (
	KindPostgres BackendKind = "postgresql"
	KindRedis    BackendKind = "redis"
	KindNeo4j    BackendKind = "neo4j"
)

// Status is the aggregate service health value.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// HealthResult is the outcome of probing one backend. Ephemeral, recomputed
// on every probe.
type HealthResult struct {
	Backend BackendKind   `json:"backend"`
	Healthy bool          `json:"healthy"`
	Latency time.Duration `json:"latency"`
	Err     string        `json:"error,omitempty"`
}

// AggregateHealth combines per-backend results into one service-level value.
// A failing required backend makes the service unhealthy; a failing or
// absent optional backend only degrades it.
type AggregateHealth struct {
	Status Status                       `json:"status"`
	Checks map[BackendKind]HealthResult `json:"checks"`
}

// ProbeFunc issues the cheapest possible round-trip to a backend.
type ProbeFunc func(ctx context.Context) error

type probe struct {
	kind     BackendKind
	required bool
	fn       ProbeFunc // nil when the backend is absent
}

// Monitor polls registered backends independently and on demand. Probes run
// under the monitor's own short timeout so a single stalled backend cannot
// hold up an aggregate check.
type Monitor struct {
	probes  []probe
	timeout time.Duration
	logger  *zap.Logger
}

// NewMonitor creates a Monitor with the given probe timeout.
func NewMonitor(timeout time.Duration, logger *zap.Logger) *Monitor {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Monitor{timeout: timeout, logger: logger}
}

// Register adds a backend to the monitor. A nil fn marks the backend as
// absent: probes report it unhealthy, and the aggregate treats it as
// degraded when optional.
func (m *Monitor) Register(kind BackendKind, required bool, fn ProbeFunc) {
	m.probes = append(m.probes, probe{kind: kind, required: required, fn: fn})
}

// Probe checks a single backend. It never returns an error: failures are
// captured in the result with the cause recorded. The result is produced
// within the probe timeout even if the backend's socket is stalled.
func (m *Monitor) Probe(ctx context.Context, kind BackendKind) HealthResult {
	for _, p := range m.probes {
		if p.kind == kind {
			return m.run(ctx, p)
		}
	}
	return HealthResult{Backend: kind, Healthy: false, Err: "unknown backend"}
}

func (m *Monitor) run(ctx context.Context, p probe) HealthResult {
	if p.fn == nil {
		return HealthResult{Backend: p.kind, Healthy: false, Err: "not configured"}
	}

	probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		done <- p.fn(probeCtx)
	}()

	select {
	case err := <-done:
		result := HealthResult{Backend: p.kind, Healthy: err == nil, Latency: time.Since(start)}
		if err != nil {
			result.Err = logging.SanitizeError(err)
			m.logger.Warn("backend probe failed",
				zap.String("backend", string(p.kind)),
				zap.String("error", result.Err),
			)
		}
		return result
	case <-probeCtx.Done():
		// The probe goroutine may still be blocked on a dead socket; the
		// buffered channel lets it finish without leaking.
		m.logger.Warn("backend probe timed out",
			zap.String("backend", string(p.kind)),
			zap.Duration("timeout", m.timeout),
		)
		return HealthResult{
			Backend: p.kind,
			Healthy: false,
			Latency: time.Since(start),
			Err:     probeCtx.Err().Error(),
		}
	}
}

// Check probes every registered backend concurrently and aggregates the
// results. Aggregate health is the logical AND of required backends; absent
// or failing optional backends contribute a degraded, not unhealthy, signal.
func (m *Monitor) Check(ctx context.Context) AggregateHealth {
	results := make([]HealthResult, len(m.probes))
	var wg sync.WaitGroup
	for i, p := range m.probes {
		wg.Add(1)
		go func(i int, p probe) {
			defer wg.Done()
			results[i] = m.run(ctx, p)
		}(i, p)
	}
	wg.Wait()

	agg := AggregateHealth{
		Status: StatusHealthy,
		Checks: make(map[BackendKind]HealthResult, len(m.probes)),
	}
	for i, p := range m.probes {
		agg.Checks[p.kind] = results[i]
		if results[i].Healthy {
			continue
		}
		if p.required {
			agg.Status = StatusUnhealthy
		} else if agg.Status != StatusUnhealthy {
			agg.Status = StatusDegraded
		}
	}
	return agg
}
