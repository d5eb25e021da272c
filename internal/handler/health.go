package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"xproxy-go/internal/config"
	"xproxy-go/internal/model"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatsSource reports live proxy usage.
type StatsSource interface {
	Stats() model.ProxyStats
}

// StatusResponse is the body of GET /proxy/status.
type StatusResponse struct {
	Status  string             `json:"status"`
	Version string             `json:"version"`
	Stats   model.ProxyStats   `json:"stats"`
	Proxy   config.ProxyConfig `json:"proxy"`
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
	stats   StatsSource
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version, proxy *ProxyHandler) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v, stats: proxy}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns the build version, usage counters and effective proxy settings.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, StatusResponse{
		Status:  "ok",
		Version: string(h.version),
		Stats:   h.stats.Stats(),
		Proxy:   h.cfg.Proxy,
	})
}
