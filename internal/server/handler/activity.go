package handler

import (
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// ActivityHandler lists recent mirror activity from the audit log.
type ActivityHandler struct {
	audit  domain.AuditStore
	logger *slog.Logger
}

// NewActivityHandler creates an ActivityHandler.
func NewActivityHandler(audit domain.AuditStore, logger *slog.Logger) *ActivityHandler {
	return &ActivityHandler{audit: audit, logger: logHandler(logger, "activity")}
}

// ListActivity returns the newest audit entries.
// GET /api/activity?limit=N
func (h *ActivityHandler) ListActivity(w http.ResponseWriter, r *http.Request) {
	entries, err := h.audit.List(r.Context(), parseLimit(r))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "activity: list failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list activity")
		return
	}
	if entries == nil {
		entries = []domain.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}
