package handlers

import (
	"net/http"

	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/common"
	"github.com/dproc-io/dproc/internal/interfaces"
)

// StatusHandler serves health and aggregate statistics.
type StatusHandler struct {
	submitter interfaces.JobSubmitter
	logger    arbor.ILogger
}

// NewStatusHandler creates the health/stats handler.
func NewStatusHandler(submitter interfaces.JobSubmitter, logger arbor.ILogger) *StatusHandler {
	return &StatusHandler{
		submitter: submitter,
		logger:    logger,
	}
}

// HealthHandler handles GET /health.
func (h *StatusHandler) HealthHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": common.GetVersion(),
	})
}

// StatsHandler handles GET /stats?pipeline=.
func (h *StatusHandler) StatsHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	stats, err := h.submitter.Stats(r.Context(), r.URL.Query().Get("pipeline"))
	if err != nil {
		WriteTaxonomyError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]any{"stats": stats})
}
