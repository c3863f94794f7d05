package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/polycopy/internal/domain"
)

// StatusSource exposes the in-memory snapshot of a running mirror loop.
type StatusSource interface {
	Status() *domain.StatusSnapshot
}

// StatusHandler serves the latest status snapshot: from the live loop when
// this process runs one, otherwise from the status file.
type StatusHandler struct {
	live   StatusSource
	store  domain.StatusStore
	logger *slog.Logger
}

// NewStatusHandler creates a StatusHandler. live may be nil.
func NewStatusHandler(live StatusSource, store domain.StatusStore, logger *slog.Logger) *StatusHandler {
	return &StatusHandler{live: live, store: store, logger: logHandler(logger, "status")}
}

// GetStatus writes the snapshot.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	if h.live != nil {
		writeJSON(w, http.StatusOK, h.live.Status())
		return
	}
	if h.store == nil {
		writeError(w, http.StatusNotFound, "no status available")
		return
	}
	snap, err := h.store.ReadStatus(r.Context())
	switch {
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "no status available")
	case err != nil:
		h.logger.ErrorContext(r.Context(), "status: read failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to read status")
	default:
		writeJSON(w, http.StatusOK, snap)
	}
}
