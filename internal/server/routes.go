package server

import (
	"net/http"

	"github.com/dproc-io/dproc/internal/handlers"
)

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// Job lifecycle
	mux.HandleFunc("/execute", s.app.JobHandler.ExecuteHandler)      // POST - submit a pipeline run
	mux.HandleFunc("/executions/", s.app.JobHandler.StatusHandler)   // GET /{id} - execution status
	mux.HandleFunc("/history", s.app.JobHandler.HistoryHandler)      // GET - filterable execution history
	mux.HandleFunc("/jobs/", s.app.JobHandler.CancelHandler)         // POST /{id}/cancel

	// Pipeline catalog
	mux.HandleFunc("/pipelines", s.app.PipelineHandler.ListHandler)    // GET - discovered pipelines
	mux.HandleFunc("/pipelines/", s.app.PipelineHandler.DetailHandler) // GET /{name} - spec, config, validation

	// System
	mux.HandleFunc("/stats", s.app.StatusHandler.StatsHandler)   // GET - per-pipeline aggregates
	mux.HandleFunc("/health", s.app.StatusHandler.HealthHandler) // GET - liveness probe

	// WebSocket event feed
	mux.HandleFunc("/events", s.app.EventsHandler.HandleWebSocket)

	// Everything else is a JSON 404, including "/".
	mux.HandleFunc("/", s.notFoundHandler)

	return mux
}

// notFoundHandler keeps unmatched paths on the JSON error contract.
func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	_ = handlers.WriteJSON(w, http.StatusNotFound, map[string]any{
		"error": "Route not found",
		"path":  r.URL.Path,
	})
}
