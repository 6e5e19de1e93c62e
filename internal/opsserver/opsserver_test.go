package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServer_Healthz_AlwaysOK(t *testing.T) {
	s := New(nil, nil, "autoscale-controlplane")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_Readyz_HealthyWhenNoChecksFail(t *testing.T) {
	checker := NewHealthChecker(0)
	checker.Register("store", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: "healthy"}
	})
	s := New(checker, nil, "autoscale-controlplane")

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	require.Len(t, resp.Components, 1)
	assert.Equal(t, "store", resp.Components[0].Name)
}

func TestServer_Readyz_UnhealthyReturns503(t *testing.T) {
	checker := NewHealthChecker(0)
	checker.Register("coordination", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: "unhealthy", Message: errors.New("redis down").Error()}
	})
	checker.Register("store", func(ctx context.Context) ComponentHealth {
		return ComponentHealth{Status: "healthy"}
	})
	s := New(checker, nil, "autoscale-controlplane")

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
}

func TestServer_Metrics_Exposed(t *testing.T) {
	s := New(nil, nil, "autoscale-controlplane")
	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()

	s.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "autoscale_")
}
