package server

import (
	"context"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"catimage/internal/core"
)

// DefaultBodySizeLimit caps request bodies when Config.BodySizeLimit is unset.
const DefaultBodySizeLimit int64 = 1 << 20

const defaultMetricsPath = "/metrics"

// Server wraps the Echo server
type Server struct {
	echo    *echo.Echo
	handler *Handler
}

// Config holds server configuration options
type Config struct {
	MasterKey       string // Optional: Master key for authentication
	MetricsEnabled  bool   // Whether to expose Prometheus metrics endpoint
	MetricsEndpoint string // HTTP path for metrics endpoint (default: /metrics)
	BodySizeLimit   int64  // Max request body size in bytes (default: 1MB)

	// Placeholder is shown on targets while their image loads. Nil leaves the target empty.
	Placeholder *core.Image
}

// New creates a new HTTP server
func New(loader ImageLoader, slots SlotRegistry, cfg *Config) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	var placeholder *core.Image
	if cfg != nil {
		placeholder = cfg.Placeholder
	}
	handler := NewHandler(loader, slots, placeholder)

	authSkipPaths := []string{"/health"}

	metricsPath := defaultMetricsPath
	if cfg != nil && cfg.MetricsEnabled {
		metricsPath = metricsRoute(cfg.MetricsEndpoint)
		authSkipPaths = append(authSkipPaths, metricsPath)
	}

	// Global middleware stack (order matters)
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: uuid.NewString,
	}))
	e.Use(middleware.RequestLoggerWithConfig(requestLoggerConfig()))
	e.Use(middleware.Recover())

	bodySizeLimit := DefaultBodySizeLimit
	if cfg != nil && cfg.BodySizeLimit > 0 {
		bodySizeLimit = cfg.BodySizeLimit
	}
	e.Use(middleware.BodyLimit(strconv.FormatInt(bodySizeLimit, 10)))

	if cfg != nil && cfg.MasterKey != "" {
		e.Use(AuthMiddleware(cfg.MasterKey, authSkipPaths))
	}

	// Public routes
	e.GET("/health", handler.Health)
	if cfg != nil && cfg.MetricsEnabled {
		e.GET(metricsPath, echo.WrapHandler(promhttp.Handler()))
	}

	// API routes
	v1 := e.Group("/v1")
	v1.PUT("/targets/:id", handler.DisplayTarget)
	v1.GET("/targets/:id", handler.GetTarget)
	v1.DELETE("/targets/:id", handler.ReleaseTarget)
	v1.POST("/cache/clear", handler.ClearCache)
	v1.GET("/icons/:pkg", handler.Icon)

	return &Server{
		echo:    e,
		handler: handler,
	}
}

// metricsRoute normalizes the configured metrics path. Paths that would shadow
// the API or escape the root fall back to /metrics.
func metricsRoute(endpoint string) string {
	if endpoint == "" {
		return defaultMetricsPath
	}
	p := path.Clean("/" + endpoint)
	if p == "/" || p == "/v1" || strings.HasPrefix(p, "/v1/") || p == "/health" {
		return defaultMetricsPath
	}
	return p
}

// Start starts the HTTP server on the given address
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

// ServeHTTP implements the http.Handler interface, allowing Server to be used with httptest
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}
