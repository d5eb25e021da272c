package handler

import (
	"github.com/labstack/echo/v4"

	"xproxy-go/internal/config"
	"xproxy-go/internal/metrics"
)

// RegisterRoutes wires the proxy middleware and all route handlers onto the Echo instance.
// The metrics parameter is optional; the metrics route is skipped when it is nil.
func RegisterRoutes(e *echo.Echo, cfg *config.Config, proxy *ProxyHandler, health *HealthHandler, m *metrics.Metrics) {
	e.Use(proxy.Middleware())

	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled && m != nil {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(m.Handler()))
	}
}
