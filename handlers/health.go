package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/upb/dispatch-core/services/providers"
	"github.com/upb/dispatch-core/utils"
)

// HealthChecker verifies a dependency is reachable.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	registry *providers.Registry
	db       HealthChecker
	version  string
}

// NewHealthHandler creates a health handler. db may be nil when no
// database is configured.
func NewHealthHandler(registry *providers.Registry, db HealthChecker, version string) *HealthHandler {
	return &HealthHandler{
		registry: registry,
		db:       db,
		version:  version,
	}
}

// Live always reports success while the process runs.
func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	_ = utils.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Ready reports provider and database readiness.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := map[string]interface{}{
		"providers": h.registry.Names(),
	}

	if h.registry.Count() == 0 {
		status = http.StatusServiceUnavailable
		checks["providers_error"] = "no providers registered"
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.HealthCheck(ctx); err != nil {
			status = http.StatusServiceUnavailable
			checks["database"] = err.Error()
		} else {
			checks["database"] = "ok"
		}
	}

	_ = utils.WriteJSON(w, status, map[string]interface{}{
		"status":  http.StatusText(status),
		"version": h.version,
		"checks":  checks,
	})
}
