package handler

import (
	"context"
	"log/slog"
	"maps"
	"net/http"
	"slices"
	"time"
)

// Pinger checks one backing dependency.
type Pinger func(ctx context.Context) error

// HealthHandler serves the health-check endpoint.
type HealthHandler struct {
	checks map[string]Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a HealthHandler running checks on every request.
func NewHealthHandler(checks map[string]Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{checks: checks, logger: logHandler(logger, "health")}
}

// HealthCheck reports "ok" when every check passes and "degraded" with the
// failing checks otherwise.
// GET /api/health
func (h *HealthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	failures := make(map[string]string)
	for _, name := range slices.Sorted(maps.Keys(h.checks)) {
		if err := h.checks[name](ctx); err != nil {
			failures[name] = err.Error()
			h.logger.WarnContext(ctx, "health: check failed",
				slog.String("check", name),
				slog.String("error", err.Error()),
			)
		}
	}

	body := map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
	status := http.StatusOK
	if len(failures) > 0 {
		body["status"] = "degraded"
		body["failures"] = failures
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, body)
}
