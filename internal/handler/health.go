package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/aryan0dhankhar/clinicore/internal/pool"
)

// ReadinessChecker reports whether the core can serve requests
type ReadinessChecker interface {
	Ready(ctx context.Context) (pool.Stats, error)
}

// HealthHandler handles health check endpoints
type HealthHandler struct {
	checker ReadinessChecker
	logger  *slog.Logger
	timeout time.Duration
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(checker ReadinessChecker, logger *slog.Logger) *HealthHandler {
	if logger == nil {
		logger = slog.Default()
	}

	return &HealthHandler{
		checker: checker,
		logger:  logger,
		timeout: 5 * time.Second,
	}
}

// HealthResponse represents the health status response
type HealthResponse struct {
	Status string `json:"status"`
}

// PoolResponse is the pool snapshot included in readiness responses
type PoolResponse struct {
	Active      int     `json:"active"`
	Idle        int     `json:"idle"`
	Waiting     int     `json:"waiting"`
	Open        int     `json:"open"`
	Max         int     `json:"max"`
	Utilization float64 `json:"utilization"`
}

// ReadinessResponse represents the readiness check response
type ReadinessResponse struct {
	Status string       `json:"status"`
	Error  string       `json:"error,omitempty"`
	Pool   PoolResponse `json:"pool"`
}

// Health handles GET /healthz - Simple liveness check
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Ready handles GET /readyz - Returns 200 only if the database is reachable
// through the pool
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	stats, err := h.checker.Ready(ctx)
	resp := ReadinessResponse{
		Status: "ready",
		Pool: PoolResponse{
			Active:      stats.Active,
			Idle:        stats.Idle,
			Waiting:     stats.Waiting,
			Open:        stats.Open,
			Max:         stats.Max,
			Utilization: stats.Utilization,
		},
	}
	code := http.StatusOK
	if err != nil {
		resp.Status = "not_ready"
		resp.Error = err.Error()
		code = http.StatusServiceUnavailable
		h.logger.Warn("readiness check failed", slog.String("error", err.Error()))
	}

	writeJSON(w, code, resp)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
