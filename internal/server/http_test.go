package server

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDMiddleware(t *testing.T) {
	srv, _, _ := newTestServer(t, nil)

	t.Run("generates request ID when missing", func(t *testing.T) {
		rec := do(srv, http.MethodGet, "/health", "")

		got := rec.Header().Get("X-Request-ID")
		require.NotEmpty(t, got)
		// 8-4-4-4-12 hex digits
		assert.Len(t, got, 36)
	})

	t.Run("preserves existing request ID", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		req.Header.Set("X-Request-ID", "my-custom-id")
		rec := httptest.NewRecorder()

		srv.ServeHTTP(rec, req)

		assert.Equal(t, "my-custom-id", rec.Header().Get("X-Request-ID"))
	})
}

func TestMetricsEndpoint(t *testing.T) {
	tests := []struct {
		name           string
		config         *Config
		requestPath    string
		expectedStatus int
	}{
		{
			name:           "metrics enabled - default endpoint accessible",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/metrics"},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "metrics enabled - empty endpoint defaults to /metrics",
			config:         &Config{MetricsEnabled: true},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "metrics enabled - custom path",
			config:         &Config{MetricsEnabled: true, MetricsEndpoint: "/monitoring/metrics"},
			requestPath:    "/monitoring/metrics",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "metrics enabled - skips auth",
			config:         &Config{MetricsEnabled: true, MasterKey: "secret"},
			requestPath:    "/metrics",
			expectedStatus: http.StatusOK,
		},
		{
			name:           "metrics disabled",
			config:         &Config{MetricsEnabled: false},
			requestPath:    "/metrics",
			expectedStatus: http.StatusNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _, _ := newTestServer(t, tt.config)

			rec := do(srv, http.MethodGet, tt.requestPath, "")

			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusOK {
				assert.Contains(t, rec.Body.String(), "go_goroutines")
			}
		})
	}
}

func TestMetricsRoute(t *testing.T) {
	tests := []struct {
		endpoint string
		want     string
	}{
		{"", "/metrics"},
		{"/metrics", "/metrics"},
		{"prom", "/prom"},
		{"/a/../b/metrics", "/b/metrics"},
		{"/../../etc/passwd", "/etc/passwd"},
		{"/", "/metrics"},
		{"/v1", "/metrics"},
		{"/v1/metrics", "/metrics"},
		{"/health", "/metrics"},
	}

	for _, tt := range tests {
		t.Run(tt.endpoint, func(t *testing.T) {
			assert.Equal(t, tt.want, metricsRoute(tt.endpoint))
		})
	}
}

func TestAPIRoutesRequireMasterKey(t *testing.T) {
	srv, _, _ := newTestServer(t, &Config{MasterKey: "secret"})

	rec := do(srv, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(srv, http.MethodPost, "/v1/cache/clear", "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/cache/clear", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestBodySizeLimit(t *testing.T) {
	srv, fl, _ := newTestServer(t, &Config{BodySizeLimit: 64})

	body := `{"key":"` + strings.Repeat("a", 100) + `"}`
	rec := do(srv, http.MethodPut, "/v1/targets/a", body)

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, fl.calls)

	rec = do(srv, http.MethodPut, "/v1/targets/a", `{"key":"k"}`)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
