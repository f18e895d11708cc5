package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"

	"github.com/plasma-engine/research-engine/pkg/config"
	"github.com/plasma-engine/research-engine/pkg/database"
)

// ServiceName identifies this service in health and ping responses.
const ServiceName = "research-engine"

// HealthChecker aggregates backend health. Satisfied by *database.Monitor.
type HealthChecker interface {
	Check(ctx context.Context) database.AggregateHealth
}

// CheckResult is the per-backend entry in a health response.
type CheckResult struct {
	Healthy   bool    `json:"healthy"`
	LatencyMS float64 `json:"latency_ms"`
	Error     string  `json:"error,omitempty"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Service   string                 `json:"service"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Checks    map[string]CheckResult `json:"checks"`
}

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// HealthHandler handles health, readiness, and ping endpoints.
type HealthHandler struct {
	cfg     *config.Config
	checker HealthChecker
	logger  *zap.Logger
}

// NewHealthHandler creates a HealthHandler over the given health checker.
func NewHealthHandler(cfg *config.Config, checker HealthChecker, logger *zap.Logger) *HealthHandler {
	return &HealthHandler{cfg: cfg, checker: checker, logger: logger}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.Health)
	mux.HandleFunc("/ready", h.Ready)
	mux.HandleFunc("/ping", h.Ping)
}

// Health handles GET /health requests. Always returns 200 with the aggregate
// status in the body; a degraded optional backend is reported, not treated as
// an outage. Load balancers deciding on traffic should use /ready instead.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	agg := h.checker.Check(r.Context())

	checks := make(map[string]CheckResult, len(agg.Checks))
	for kind, result := range agg.Checks {
		checks[string(kind)] = CheckResult{
			Healthy:   result.Healthy,
			LatencyMS: float64(result.Latency.Microseconds()) / 1000.0,
			Error:     result.Err,
		}
	}

	response := HealthResponse{
		Status:    string(agg.Status),
		Service:   ServiceName,
		Version:   h.cfg.Version,
		Timestamp: time.Now().UTC(),
		Checks:    checks,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ready handles GET /ready requests (readiness probe). Returns 503 only when
// a required backend is down.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	agg := h.checker.Check(r.Context())

	if agg.Status == database.StatusUnhealthy {
		if err := ErrorResponse(w, http.StatusServiceUnavailable, "not_ready", "service not ready"); err != nil {
			h.logger.Error("Failed to encode readiness response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"}); err != nil {
		h.logger.Error("Failed to encode readiness response", zap.Error(err))
	}
}

// Ping handles GET /ping requests. Returns detailed service information
// without touching any backend.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     ServiceName,
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
