package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aryan0dhankhar/clinicore/internal/infrastructure/logger"
	"github.com/aryan0dhankhar/clinicore/internal/pool"
)

type stubChecker struct {
	stats pool.Stats
	err   error
}

func (s stubChecker) Ready(context.Context) (pool.Stats, error) {
	return s.stats, s.err
}

func TestHealth(t *testing.T) {
	h := NewHealthHandler(stubChecker{}, logger.Discard())

	rr := httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rr.Body.String())

	rr = httptest.NewRecorder()
	h.Health(rr, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rr.Code)
}

func TestReady(t *testing.T) {
	stats := pool.Stats{Active: 1, Idle: 2, Open: 3, Max: 10, Utilization: 0.1}

	rr := httptest.NewRecorder()
	NewHealthHandler(stubChecker{stats: stats}, logger.Discard()).
		Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusOK, rr.Code)

	var resp ReadinessResponse
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "ready", resp.Status)
	assert.Equal(t, 2, resp.Pool.Idle)
	assert.Equal(t, 10, resp.Pool.Max)

	rr = httptest.NewRecorder()
	NewHealthHandler(stubChecker{stats: stats, err: errors.New("database not ready")}, logger.Discard()).
		Ready(rr, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	require.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.NoError(t, json.NewDecoder(rr.Body).Decode(&resp))
	assert.Equal(t, "not_ready", resp.Status)
	assert.Equal(t, "database not ready", resp.Error)
}
