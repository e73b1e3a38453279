package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/interfaces"
	"github.com/dproc-io/dproc/internal/models"
)

// JobHandler serves the job lifecycle surface: submission, status,
// history, and cancellation.
type JobHandler struct {
	submitter interfaces.JobSubmitter
	store     interfaces.ExecutionStore
	logger    arbor.ILogger
}

// NewJobHandler creates the job lifecycle handler.
func NewJobHandler(submitter interfaces.JobSubmitter, store interfaces.ExecutionStore, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		submitter: submitter,
		store:     store,
		logger:    logger,
	}
}

// ExecuteHandler handles POST /execute.
func (h *JobHandler) ExecuteHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req models.JobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteTaxonomyError(w, h.logger, errdefs.ValidationError("body", "request body must be valid JSON"))
		return
	}

	result, err := h.submitter.Submit(r.Context(), req)
	if err != nil {
		WriteTaxonomyError(w, h.logger, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, map[string]any{
		"success":     true,
		"executionId": result.ExecutionID,
		"jobId":       result.JobID,
	})
}

// StatusHandler handles GET /executions/{id}.
func (h *JobHandler) StatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/executions/"), "/")
	if id == "" || strings.Contains(id, "/") {
		WriteTaxonomyError(w, h.logger, errdefs.ValidationError("id", "execution id is required"))
		return
	}

	rec, err := h.store.Get(r.Context(), id)
	if err != nil {
		WriteTaxonomyError(w, h.logger, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, map[string]any{"status": executionStatus(rec)})
}

// HistoryHandler handles GET /history?pipeline=&status=&limit=.
func (h *JobHandler) HistoryHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	filter := models.ExecutionFilter{
		PipelineName: r.URL.Query().Get("pipeline"),
	}

	if raw := r.URL.Query().Get("status"); raw != "" {
		status := models.ExecutionStatus(raw)
		if !models.ValidStatus(status) {
			WriteTaxonomyError(w, h.logger, errdefs.ValidationError("status",
				"status must be queued, processing, completed, failed, or cancelled"))
			return
		}
		filter.Status = status
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			WriteTaxonomyError(w, h.logger, errdefs.ValidationError("limit", "limit must be a positive integer"))
			return
		}
		filter.Limit = limit
	}

	records, err := h.submitter.History(r.Context(), filter)
	if err != nil {
		WriteTaxonomyError(w, h.logger, err)
		return
	}

	executions := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		executions = append(executions, executionStatus(rec))
	}
	_ = WriteJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

// CancelHandler handles POST /jobs/{id}/cancel.
func (h *JobHandler) CancelHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	rest := strings.Trim(strings.TrimPrefix(r.URL.Path, "/jobs/"), "/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "cancel" {
		http.NotFound(w, r)
		return
	}

	if err := h.submitter.Cancel(r.Context(), parts[0]); err != nil {
		WriteTaxonomyError(w, h.logger, err)
		return
	}

	_ = WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// executionStatus is the wire form of one execution record.
func executionStatus(rec *models.ExecutionRecord) map[string]any {
	metadata := map[string]any{
		"pipelineName": rec.PipelineName,
		"outputFormat": rec.OutputFormat,
		"priority":     string(rec.Priority),
		"createdAt":    rec.CreatedAt.UTC().Format(time.RFC3339),
	}
	if rec.StartedAt != nil {
		metadata["startedAt"] = rec.StartedAt.UTC().Format(time.RFC3339)
	}
	if rec.CompletedAt != nil {
		metadata["completedAt"] = rec.CompletedAt.UTC().Format(time.RFC3339)
		metadata["executionTime"] = rec.ExecutionTime
	}
	if rec.TokensUsed > 0 {
		metadata["tokensUsed"] = rec.TokensUsed
	}
	if rec.BundlePath != "" {
		metadata["bundlePath"] = rec.BundlePath
	}
	if rec.UserOutputPath != "" {
		metadata["userOutputPath"] = rec.UserOutputPath
	}

	status := map[string]any{
		"id":       rec.ID,
		"status":   string(rec.Status),
		"progress": rec.Progress(),
		"metadata": metadata,
	}
	if rec.OutputPath != "" {
		status["outputPath"] = rec.OutputPath
	}
	if rec.Error != "" {
		status["error"] = rec.Error
	}
	return status
}
