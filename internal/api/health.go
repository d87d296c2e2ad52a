package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger verifies a dependency is reachable. Implemented by the store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// BrowserReadiness reports whether the shared browser is connected.
type BrowserReadiness interface {
	Ready() bool
}

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	db      Pinger
	browser BrowserReadiness
}

// NewHealthHandler creates a health handler.
func NewHealthHandler(db Pinger, browser BrowserReadiness) *HealthHandler {
	return &HealthHandler{db: db, browser: browser}
}

// RegisterHealth registers the health check route.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/health", h.Health)
}

// Health returns the health status of the API and its dependencies.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := map[string]string{"api": "ok"}
	statusCode := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Error("Health check failed", "check", "database", "error", err)
		checks["database"] = "unreachable"
		statusCode = http.StatusServiceUnavailable
	} else {
		checks["database"] = "ok"
	}

	if h.browser.Ready() {
		checks["browser"] = "ok"
	} else {
		slog.Error("Health check failed", "check", "browser")
		checks["browser"] = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	status := "healthy"
	if statusCode != http.StatusOK {
		status = "degraded"
	}
	JSON(w, statusCode, map[string]interface{}{
		"status": status,
		"checks": checks,
	})
}
