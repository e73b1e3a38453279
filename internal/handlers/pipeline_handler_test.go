package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/models"
	"github.com/dproc-io/dproc/internal/pipeline"
)

func newPipelineHandler(t *testing.T) *PipelineHandler {
	t.Helper()

	root := t.TempDir()
	pipelinesDir := root + "/pipelines"
	if err := os.MkdirAll(pipelinesDir, 0o755); err != nil {
		t.Fatalf("Failed to create pipelines dir: %v", err)
	}
	svc := pipeline.NewService(pipelinesDir, root+"/outputs", arbor.NewLogger())
	if err := svc.Scaffold("company-profile"); err != nil {
		t.Fatalf("Scaffold failed: %v", err)
	}
	return NewPipelineHandler(svc, arbor.NewLogger())
}

func TestListPipelinesHandler(t *testing.T) {
	h := newPipelineHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/pipelines", nil)
	res := httptest.NewRecorder()
	h.ListHandler(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", res.Code)
	}
	body := decodeBody(t, res)
	pipelines, ok := body["pipelines"].([]any)
	if !ok || len(pipelines) != 1 {
		t.Fatalf("Expected one pipeline, got %v", body)
	}
	entry := pipelines[0].(map[string]any)
	if entry["name"] != "company-profile" || entry["valid"] != true {
		t.Errorf("Unexpected entry: %v", entry)
	}
}

func TestPipelineDetailHandler(t *testing.T) {
	h := newPipelineHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/pipelines/company-profile", nil)
	res := httptest.NewRecorder()
	h.DetailHandler(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", res.Code, res.Body.String())
	}
	body := decodeBody(t, res)
	if body["spec"] == nil || body["config"] == nil {
		t.Errorf("Expected spec and config blocks: %v", body)
	}
	validation, ok := body["validation"].(map[string]any)
	if !ok || validation["valid"] != true {
		t.Errorf("Expected valid validation block, got %v", body["validation"])
	}
}

func TestPipelineDetailHandlerUnknown(t *testing.T) {
	h := newPipelineHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/pipelines/ghost", nil)
	res := httptest.NewRecorder()
	h.DetailHandler(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", res.Code)
	}
}

func TestHealthHandler(t *testing.T) {
	h := NewStatusHandler(&mockSubmitter{}, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	res := httptest.NewRecorder()
	h.HealthHandler(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", res.Code)
	}
	body := decodeBody(t, res)
	if body["status"] != "ok" {
		t.Errorf("Expected ok, got %v", body["status"])
	}
	if _, ok := body["version"]; !ok {
		t.Error("Expected version in health payload")
	}
}

func TestStatsHandler(t *testing.T) {
	submitter := &mockSubmitter{
		statsFunc: func(ctx context.Context, pipelineName string) ([]*models.PipelineStats, error) {
			if pipelineName != "company-profile" {
				t.Errorf("Expected pipeline filter, got %q", pipelineName)
			}
			return []*models.PipelineStats{{
				PipelineName:         "company-profile",
				TotalExecutions:      4,
				SuccessfulExecutions: 3,
				FailedExecutions:     1,
				AvgExecutionTime:     1530.5,
				TotalTokensUsed:      1200,
			}}, nil
		},
	}
	h := NewStatusHandler(submitter, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodGet, "/stats?pipeline=company-profile", nil)
	res := httptest.NewRecorder()
	h.StatsHandler(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", res.Code)
	}
	body := decodeBody(t, res)
	stats, ok := body["stats"].([]any)
	if !ok || len(stats) != 1 {
		t.Fatalf("Expected one stats entry, got %v", body)
	}
	entry := stats[0].(map[string]any)
	if entry["totalExecutions"] != float64(4) {
		t.Errorf("Unexpected stats entry: %v", entry)
	}
}
