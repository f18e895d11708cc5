package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/plasma-engine/research-engine/pkg/config"
	"github.com/plasma-engine/research-engine/pkg/database"
)

type fakeChecker struct {
	agg database.AggregateHealth
}

func (f *fakeChecker) Check(ctx context.Context) database.AggregateHealth {
	return f.agg
}

func allHealthy() database.AggregateHealth {
	return database.AggregateHealth{
		Status: database.StatusHealthy,
		Checks: map[database.BackendKind]database.HealthResult{
			database.KindPostgres: {Backend: database.KindPostgres, Healthy: true, Latency: 3 * time.Millisecond},
			database.KindRedis:    {Backend: database.KindRedis, Healthy: true, Latency: time.Millisecond},
			database.KindNeo4j:    {Backend: database.KindNeo4j, Healthy: true, Latency: 2 * time.Millisecond},
		},
	}
}

func newTestHandler(agg database.AggregateHealth) *HealthHandler {
	cfg := &config.Config{Version: "1.2.3", Env: "test"}
	return NewHealthHandler(cfg, &fakeChecker{agg: agg}, zap.NewNop())
}

func TestHealth_AllHealthy(t *testing.T) {
	handler := newTestHandler(allHealthy())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler.Health(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))

	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "healthy", body.Status)
	assert.Equal(t, ServiceName, body.Service)
	assert.Equal(t, "1.2.3", body.Version)
	require.Len(t, body.Checks, 3)
	assert.True(t, body.Checks["postgresql"].Healthy)
	assert.InDelta(t, 3.0, body.Checks["postgresql"].LatencyMS, 0.001)
}

func TestHealth_DegradedStillReturns200(t *testing.T) {
	agg := allHealthy()
	agg.Status = database.StatusDegraded
	agg.Checks[database.KindRedis] = database.HealthResult{
		Backend: database.KindRedis,
		Healthy: false,
		Err:     "not configured",
	}
	handler := newTestHandler(agg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler.Health(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "degraded", body.Status)
	assert.False(t, body.Checks["redis"].Healthy)
	assert.Equal(t, "not configured", body.Checks["redis"].Error)
}

func TestHealth_UnhealthyStillReturns200(t *testing.T) {
	agg := allHealthy()
	agg.Status = database.StatusUnhealthy
	agg.Checks[database.KindPostgres] = database.HealthResult{
		Backend: database.KindPostgres,
		Healthy: false,
		Err:     "connection refused",
	}
	handler := newTestHandler(agg)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	handler.Health(w, req)

	// /health reports status in the body; only /ready flips the status code.
	require.Equal(t, http.StatusOK, w.Code)

	var body HealthResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "unhealthy", body.Status)
}

func TestReady_Healthy(t *testing.T) {
	handler := newTestHandler(allHealthy())

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	handler.Ready(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ready", body["status"])
}

func TestReady_DegradedIsStillReady(t *testing.T) {
	agg := allHealthy()
	agg.Status = database.StatusDegraded
	handler := newTestHandler(agg)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	handler.Ready(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}

func TestReady_Unhealthy503(t *testing.T) {
	agg := allHealthy()
	agg.Status = database.StatusUnhealthy
	handler := newTestHandler(agg)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	w := httptest.NewRecorder()
	handler.Ready(w, req)

	require.Equal(t, http.StatusServiceUnavailable, w.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "not_ready", body["error"])
}

func TestPing(t *testing.T) {
	handler := newTestHandler(allHealthy())

	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	w := httptest.NewRecorder()
	handler.Ping(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var body PingResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body.Status)
	assert.Equal(t, ServiceName, body.Service)
	assert.Equal(t, "1.2.3", body.Version)
	assert.Equal(t, "test", body.Environment)
	assert.NotEmpty(t, body.GoVersion)
	assert.NotEmpty(t, body.Hostname)
}

func TestRegisterRoutes(t *testing.T) {
	handler := newTestHandler(allHealthy())
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	for _, path := range []string{"/health", "/ready", "/ping"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, "route %s", path)
	}
}
