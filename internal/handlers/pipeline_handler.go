package handlers

import (
	"net/http"
	"strings"

	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/interfaces"
)

// PipelineHandler serves the pipeline catalog.
type PipelineHandler struct {
	pipelines interfaces.PipelineService
	logger    arbor.ILogger
}

// NewPipelineHandler creates the pipeline catalog handler.
func NewPipelineHandler(pipelines interfaces.PipelineService, logger arbor.ILogger) *PipelineHandler {
	return &PipelineHandler{
		pipelines: pipelines,
		logger:    logger,
	}
}

// ListHandler handles GET /pipelines.
func (h *PipelineHandler) ListHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	list, err := h.pipelines.List()
	if err != nil {
		WriteTaxonomyError(w, h.logger, err)
		return
	}
	_ = WriteJSON(w, http.StatusOK, map[string]any{"pipelines": list})
}

// DetailHandler handles GET /pipelines/{name}. The validation block always
// reports; spec and config are null when their files do not parse.
func (h *PipelineHandler) DetailHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	name := strings.Trim(strings.TrimPrefix(r.URL.Path, "/pipelines/"), "/")
	if name == "" || strings.Contains(name, "/") {
		http.NotFound(w, r)
		return
	}

	validation, err := h.pipelines.Validate(name)
	if err != nil {
		WriteTaxonomyError(w, h.logger, err)
		return
	}

	// Broken definition files surface through the validation block.
	spec, _ := h.pipelines.LoadSpec(name)
	config, _ := h.pipelines.LoadConfig(name)

	_ = WriteJSON(w, http.StatusOK, map[string]any{
		"spec":       spec,
		"config":     config,
		"validation": validation,
	})
}
