package handler

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/erp/fiscalsync/internal/infrastructure/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type pingerFunc func(context.Context) error

func (f pingerFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestSystemHandler_Info(t *testing.T) {
	r := newEngine(NewSystemHandler("fiscalsync", "1.2.3", nil))

	w := do(r, http.MethodGet, "/api/v1/system/info", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var info SystemInfoResponse
	decode(t, w, &info)
	assert.Equal(t, "fiscalsync", info.Name)
	assert.Equal(t, "1.2.3", info.Version)
	assert.NotEmpty(t, info.GoVersion)
}

func TestSystemHandler_Health(t *testing.T) {
	tests := []struct {
		name   string
		ping   error
		status int
		state  string
	}{
		{"healthy", nil, http.StatusOK, "ok"},
		{"database down", errors.New("connection refused"), http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newEngine(NewSystemHandler("fiscalsync", "dev", pingerFunc(func(context.Context) error { return tt.ping })))

			w := do(r, http.MethodGet, "/api/v1/system/health", nil)
			require.Equal(t, tt.status, w.Code)
			var health HealthResponse
			decode(t, w, &health)
			assert.Equal(t, tt.state, health.Status)
		})
	}
}

type statsPinger struct {
	stats persistence.ConnectionStats
}

func (statsPinger) Ping(context.Context) error { return nil }

func (s statsPinger) Stats() (persistence.ConnectionStats, error) { return s.stats, nil }

func TestSystemHandler_HealthReportsPool(t *testing.T) {
	db := statsPinger{stats: persistence.ConnectionStats{MaxOpenConnections: 25, OpenConnections: 3, InUse: 1, Idle: 2, WaitCount: 4, WaitDuration: 1500 * time.Millisecond}}
	r := newEngine(NewSystemHandler("fiscalsync", "dev", db))

	w := do(r, http.MethodGet, "/api/v1/system/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health HealthResponse
	decode(t, w, &health)
	require.NotNil(t, health.Pool)
	assert.Equal(t, PoolStats{MaxOpen: 25, Open: 3, InUse: 1, Idle: 2, WaitCount: 4, WaitDuration: "1.5s"}, *health.Pool)

	// a plain pinger has no pool section
	r = newEngine(NewSystemHandler("fiscalsync", "dev", pingerFunc(func(context.Context) error { return nil })))
	w = do(r, http.MethodGet, "/api/v1/system/health", nil)
	var bare HealthResponse
	decode(t, w, &bare)
	assert.Nil(t, bare.Pool)
}

func TestSystemHandler_Ping(t *testing.T) {
	r := newEngine(NewSystemHandler("fiscalsync", "dev", nil))
	w := do(r, http.MethodGet, "/api/v1/system/ping", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "pong")
}
