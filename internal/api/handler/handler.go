// Package handler provides HTTP handlers for all API endpoints.
package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/albapepper/subwatch/internal/api/respond"
	"github.com/albapepper/subwatch/internal/notifications"
)

// Pinger checks store connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Runner controls the scheduler loop.
type Runner interface {
	Trigger() bool
	Running() bool
	Stopping() bool
}

// ResultSource reports the last completed run.
type ResultSource interface {
	LastResult() (notifications.RunResult, bool)
}

// Handler holds shared dependencies for all endpoint handlers.
type Handler struct {
	store   Pinger
	runner  Runner
	results ResultSource
	version string
}

// New creates a Handler with shared dependencies.
func New(store Pinger, runner Runner, results ResultSource, version string) *Handler {
	return &Handler{store: store, runner: runner, results: results, version: version}
}

// Root serves API info at /.
// @Summary API root info
// @Description Returns API name, version and status.
// @Tags meta
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router / [get]
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"name":    "Subwatch Notification API",
		"version": h.version,
		"status":  "running",
		"docs":    "/docs",
	})
}

// HealthCheck returns basic health status.
// @Summary Health check
// @Description Returns basic health status and timestamp.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HealthCheckDB verifies store connectivity.
// @Summary Database health check
// @Description Verifies the subscription store is reachable.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health/db [get]
func (h *Handler) HealthCheckDB(w http.ResponseWriter, r *http.Request) {
	if err := h.store.Ping(r.Context()); err != nil {
		respond.WriteJSONObject(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":    "unhealthy",
			"database":  "disconnected",
			"error":     "Database connection check failed",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
		return
	}
	respond.WriteJSONObject(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"database":  "connected",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
