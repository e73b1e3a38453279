package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/errdefs"
	"github.com/dproc-io/dproc/internal/interfaces"
	"github.com/dproc-io/dproc/internal/models"
)

// mockSubmitter implements interfaces.JobSubmitter for handler tests.
type mockSubmitter struct {
	submitFunc  func(ctx context.Context, req models.JobRequest) (*models.SubmitResult, error)
	cancelFunc  func(ctx context.Context, executionID string) error
	historyFunc func(ctx context.Context, filter models.ExecutionFilter) ([]*models.ExecutionRecord, error)
	statsFunc   func(ctx context.Context, pipelineName string) ([]*models.PipelineStats, error)
}

func (m *mockSubmitter) Submit(ctx context.Context, req models.JobRequest) (*models.SubmitResult, error) {
	if m.submitFunc != nil {
		return m.submitFunc(ctx, req)
	}
	return &models.SubmitResult{ExecutionID: "exec-1", JobID: "job-1"}, nil
}

func (m *mockSubmitter) Cancel(ctx context.Context, executionID string) error {
	if m.cancelFunc != nil {
		return m.cancelFunc(ctx, executionID)
	}
	return nil
}

func (m *mockSubmitter) History(ctx context.Context, filter models.ExecutionFilter) ([]*models.ExecutionRecord, error) {
	if m.historyFunc != nil {
		return m.historyFunc(ctx, filter)
	}
	return nil, nil
}

func (m *mockSubmitter) Stats(ctx context.Context, pipelineName string) ([]*models.PipelineStats, error) {
	if m.statsFunc != nil {
		return m.statsFunc(ctx, pipelineName)
	}
	return nil, nil
}

// mockStore implements interfaces.ExecutionStore; only Get matters here.
type mockStore struct {
	getFunc func(ctx context.Context, id string) (*models.ExecutionRecord, error)
}

func (m *mockStore) Insert(ctx context.Context, rec *models.ExecutionRecord) error { return nil }
func (m *mockStore) UpdateStatus(ctx context.Context, id string, to models.ExecutionStatus, patch *models.ExecutionPatch) (*models.ExecutionRecord, error) {
	return nil, nil
}
func (m *mockStore) Get(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	if m.getFunc != nil {
		return m.getFunc(ctx, id)
	}
	return nil, interfaces.ErrNotFound
}
func (m *mockStore) GetByJobID(ctx context.Context, jobID string) (*models.ExecutionRecord, error) {
	return nil, interfaces.ErrNotFound
}
func (m *mockStore) List(ctx context.Context, filter models.ExecutionFilter) ([]*models.ExecutionRecord, error) {
	return nil, nil
}
func (m *mockStore) Stats(ctx context.Context, pipelineName string) ([]*models.PipelineStats, error) {
	return nil, nil
}
func (m *mockStore) MarkStale(ctx context.Context, cutoff time.Time, reason string) (int, error) {
	return 0, nil
}
func (m *mockStore) Close() error { return nil }

func testRecord(id string, status models.ExecutionStatus) *models.ExecutionRecord {
	env := models.NewJobEnvelope("job-"+id, "company-profile", map[string]models.InputValue{
		"companyName": models.TextValue("Acme Corp"),
	}, "html", models.PriorityNormal, "")
	rec := models.NewExecutionRecord(id, env)
	now := time.Now().UTC()
	if status != models.StatusQueued {
		rec.ApplyStatus(models.StatusProcessing, now)
	}
	if status.IsTerminal() {
		rec.ApplyStatus(status, now.Add(1200*time.Millisecond))
	}
	if status == models.StatusCompleted {
		rec.OutputPath = "/outputs/reports/" + id + ".html"
		rec.TokensUsed = 300
	}
	return rec
}

func decodeBody(t *testing.T, res *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.Unmarshal(res.Body.Bytes(), &body); err != nil {
		t.Fatalf("Response is not JSON: %v\nbody: %s", err, res.Body.String())
	}
	return body
}

func TestExecuteHandlerSuccess(t *testing.T) {
	var got models.JobRequest
	submitter := &mockSubmitter{
		submitFunc: func(ctx context.Context, req models.JobRequest) (*models.SubmitResult, error) {
			got = req
			return &models.SubmitResult{ExecutionID: "exec-9", JobID: "job-9"}, nil
		},
	}
	h := NewJobHandler(submitter, &mockStore{}, arbor.NewLogger())

	payload := `{"pipelineName":"company-profile","inputs":{"companyName":"Acme Corp"},"outputFormat":"html","priority":"high"}`
	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(payload))
	res := httptest.NewRecorder()
	h.ExecuteHandler(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", res.Code, res.Body.String())
	}
	body := decodeBody(t, res)
	if body["success"] != true || body["executionId"] != "exec-9" || body["jobId"] != "job-9" {
		t.Errorf("Unexpected body: %v", body)
	}
	if got.PipelineName != "company-profile" || got.Priority != models.PriorityHigh {
		t.Errorf("Request not decoded: %+v", got)
	}
}

func TestExecuteHandlerValidationError(t *testing.T) {
	submitter := &mockSubmitter{
		submitFunc: func(ctx context.Context, req models.JobRequest) (*models.SubmitResult, error) {
			return nil, errdefs.InputRequired("companyName", "Company Name")
		},
	}
	h := NewJobHandler(submitter, &mockStore{}, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"pipelineName":"company-profile"}`))
	res := httptest.NewRecorder()
	h.ExecuteHandler(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", res.Code)
	}
	body := decodeBody(t, res)
	if body["code"] != string(errdefs.CodeInputRequired) {
		t.Errorf("Expected INPUT_REQUIRED, got %v", body["code"])
	}
	if body["error"] != "Company Name is required" {
		t.Errorf("Unexpected user message: %v", body["error"])
	}
	if _, ok := body["fixes"]; !ok {
		t.Error("Expected fixes in the error body")
	}
}

func TestExecuteHandlerUnknownPipeline(t *testing.T) {
	submitter := &mockSubmitter{
		submitFunc: func(ctx context.Context, req models.JobRequest) (*models.SubmitResult, error) {
			return nil, errdefs.PipelineNotFound("nope", []string{"company-profile"})
		},
	}
	h := NewJobHandler(submitter, &mockStore{}, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{"pipelineName":"nope"}`))
	res := httptest.NewRecorder()
	h.ExecuteHandler(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", res.Code)
	}
}

func TestExecuteHandlerMalformedBody(t *testing.T) {
	h := NewJobHandler(&mockSubmitter{}, &mockStore{}, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodPost, "/execute", strings.NewReader(`{not json`))
	res := httptest.NewRecorder()
	h.ExecuteHandler(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", res.Code)
	}
}

func TestExecuteHandlerRejectsGet(t *testing.T) {
	h := NewJobHandler(&mockSubmitter{}, &mockStore{}, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodGet, "/execute", nil)
	res := httptest.NewRecorder()
	h.ExecuteHandler(res, req)

	if res.Code != http.StatusMethodNotAllowed {
		t.Fatalf("Expected 405, got %d", res.Code)
	}
}

func TestStatusHandlerProgressMapping(t *testing.T) {
	tests := []struct {
		status   models.ExecutionStatus
		progress float64
	}{
		{models.StatusQueued, 0},
		{models.StatusProcessing, 50},
		{models.StatusCompleted, 100},
		{models.StatusFailed, 0},
		{models.StatusCancelled, 0},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			store := &mockStore{
				getFunc: func(ctx context.Context, id string) (*models.ExecutionRecord, error) {
					return testRecord(id, tt.status), nil
				},
			}
			h := NewJobHandler(&mockSubmitter{}, store, arbor.NewLogger())

			req := httptest.NewRequest(http.MethodGet, "/executions/exec-1", nil)
			res := httptest.NewRecorder()
			h.StatusHandler(res, req)

			if res.Code != http.StatusOK {
				t.Fatalf("Expected 200, got %d", res.Code)
			}
			body := decodeBody(t, res)
			status, ok := body["status"].(map[string]any)
			if !ok {
				t.Fatalf("Missing status block: %v", body)
			}
			if status["progress"] != tt.progress {
				t.Errorf("Expected progress %v, got %v", tt.progress, status["progress"])
			}
			if status["status"] != string(tt.status) {
				t.Errorf("Expected status %s, got %v", tt.status, status["status"])
			}
		})
	}
}

func TestStatusHandlerCompletedPayload(t *testing.T) {
	store := &mockStore{
		getFunc: func(ctx context.Context, id string) (*models.ExecutionRecord, error) {
			return testRecord(id, models.StatusCompleted), nil
		},
	}
	h := NewJobHandler(&mockSubmitter{}, store, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodGet, "/executions/exec-42", nil)
	res := httptest.NewRecorder()
	h.StatusHandler(res, req)

	body := decodeBody(t, res)
	status := body["status"].(map[string]any)
	if status["outputPath"] == nil {
		t.Error("Completed execution must expose outputPath")
	}
	metadata, ok := status["metadata"].(map[string]any)
	if !ok {
		t.Fatalf("Missing metadata block: %v", status)
	}
	for _, key := range []string{"pipelineName", "outputFormat", "createdAt", "startedAt", "completedAt", "executionTime", "tokensUsed"} {
		if _, ok := metadata[key]; !ok {
			t.Errorf("Metadata missing %s: %v", key, metadata)
		}
	}
}

func TestStatusHandlerNotFound(t *testing.T) {
	h := NewJobHandler(&mockSubmitter{}, &mockStore{}, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodGet, "/executions/exec-missing", nil)
	res := httptest.NewRecorder()
	h.StatusHandler(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", res.Code)
	}
}

func TestHistoryHandlerPassesFilter(t *testing.T) {
	var got models.ExecutionFilter
	submitter := &mockSubmitter{
		historyFunc: func(ctx context.Context, filter models.ExecutionFilter) ([]*models.ExecutionRecord, error) {
			got = filter
			return []*models.ExecutionRecord{testRecord("exec-1", models.StatusCompleted)}, nil
		},
	}
	h := NewJobHandler(submitter, &mockStore{}, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodGet, "/history?pipeline=company-profile&status=completed&limit=5", nil)
	res := httptest.NewRecorder()
	h.HistoryHandler(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", res.Code)
	}
	if got.PipelineName != "company-profile" || got.Status != models.StatusCompleted || got.Limit != 5 {
		t.Errorf("Filter not passed through: %+v", got)
	}
	body := decodeBody(t, res)
	executions, ok := body["executions"].([]any)
	if !ok || len(executions) != 1 {
		t.Errorf("Expected one execution, got %v", body)
	}
}

func TestHistoryHandlerRejectsBadStatus(t *testing.T) {
	h := NewJobHandler(&mockSubmitter{}, &mockStore{}, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodGet, "/history?status=exploded", nil)
	res := httptest.NewRecorder()
	h.HistoryHandler(res, req)

	if res.Code != http.StatusBadRequest {
		t.Fatalf("Expected 400, got %d", res.Code)
	}
}

func TestCancelHandler(t *testing.T) {
	var cancelled string
	submitter := &mockSubmitter{
		cancelFunc: func(ctx context.Context, executionID string) error {
			cancelled = executionID
			return nil
		},
	}
	h := NewJobHandler(submitter, &mockStore{}, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodPost, "/jobs/exec-7/cancel", nil)
	res := httptest.NewRecorder()
	h.CancelHandler(res, req)

	if res.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", res.Code, res.Body.String())
	}
	if cancelled != "exec-7" {
		t.Errorf("Expected cancel for exec-7, got %q", cancelled)
	}
	body := decodeBody(t, res)
	if body["success"] != true {
		t.Errorf("Expected success true, got %v", body)
	}
}

func TestCancelHandlerBadPath(t *testing.T) {
	h := NewJobHandler(&mockSubmitter{}, &mockStore{}, arbor.NewLogger())

	for _, path := range []string{"/jobs/cancel", "/jobs//cancel", "/jobs/exec-7/pause"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		res := httptest.NewRecorder()
		h.CancelHandler(res, req)
		if res.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, res.Code)
		}
	}
}

func TestCancelHandlerUnknownExecution(t *testing.T) {
	submitter := &mockSubmitter{
		cancelFunc: func(ctx context.Context, executionID string) error {
			return interfaces.ErrNotFound
		},
	}
	h := NewJobHandler(submitter, &mockStore{}, arbor.NewLogger())

	req := httptest.NewRequest(http.MethodPost, "/jobs/exec-missing/cancel", nil)
	res := httptest.NewRecorder()
	h.CancelHandler(res, req)

	if res.Code != http.StatusNotFound {
		t.Fatalf("Expected 404, got %d", res.Code)
	}
}
