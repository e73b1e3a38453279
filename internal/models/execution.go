// -----------------------------------------------------------------------
// Execution Record - durable lifecycle entity for one pipeline run
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// ExecutionStatus is the lifecycle state of an execution record.
type ExecutionStatus string

const (
	StatusQueued     ExecutionStatus = "queued"
	StatusProcessing ExecutionStatus = "processing"
	StatusCompleted  ExecutionStatus = "completed"
	StatusFailed     ExecutionStatus = "failed"
	StatusCancelled  ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the status permits no further transitions.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// ValidStatus reports whether s is a known lifecycle state.
func ValidStatus(s ExecutionStatus) bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition enforces the lifecycle DAG:
//
//	queued → processing → {completed, failed, cancelled}
//	queued → cancelled
//
// Self-transitions and moves out of terminal states are rejected.
func CanTransition(from, to ExecutionStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing || to == StatusCancelled
	case StatusProcessing:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}

// ExecutionRecord is the durable record of one execution. Created by the
// submitter with status queued, mutated only through the store's
// UpdateStatus (by the executor, or by the submitter on pre-start
// cancellation).
type ExecutionRecord struct {
	ID                string                `json:"id"`
	JobID             string                `json:"jobId" badgerhold:"unique"`
	PipelineName      string                `json:"pipelineName" badgerhold:"index"`
	UserID            string                `json:"userId,omitempty"`
	Inputs            map[string]InputValue `json:"inputs"`
	OutputFormat      string                `json:"outputFormat"`
	Status            ExecutionStatus       `json:"status" badgerhold:"index"`
	Priority          Priority              `json:"priority"`
	OutputPath        string                `json:"outputPath,omitempty"`
	UserOutputPath    string                `json:"userOutputPath,omitempty"`
	BundlePath        string                `json:"bundlePath,omitempty"`
	ProcessorMetadata map[string]any        `json:"processorMetadata,omitempty"`
	LLMMetadata       map[string]any        `json:"llmMetadata,omitempty"`
	ExecutionTime     int64                 `json:"executionTime,omitempty"`
	TokensUsed        int64                 `json:"tokensUsed,omitempty"`
	Error             string                `json:"error,omitempty"`
	CreatedAt         time.Time             `json:"createdAt" badgerhold:"index"`
	StartedAt         *time.Time            `json:"startedAt,omitempty"`
	CompletedAt       *time.Time            `json:"completedAt,omitempty"`
}

// NewExecutionRecord builds a queued record for a fresh submission.
func NewExecutionRecord(id string, envelope *JobEnvelope) *ExecutionRecord {
	return &ExecutionRecord{
		ID:           id,
		JobID:        envelope.JobID,
		PipelineName: envelope.PipelineName,
		UserID:       envelope.UserID,
		Inputs:       envelope.Inputs,
		OutputFormat: envelope.OutputFormat,
		Status:       StatusQueued,
		Priority:     envelope.Priority,
		CreatedAt:    time.Now().UTC(),
	}
}

// ApplyStatus moves the record to a new status and maintains the
// timestamp invariants: startedAt on entering processing, completedAt and
// executionTime on entering a terminal state. Callers check CanTransition
// first.
func (r *ExecutionRecord) ApplyStatus(to ExecutionStatus, now time.Time) {
	r.Status = to
	switch {
	case to == StatusProcessing:
		if r.StartedAt == nil {
			t := now
			r.StartedAt = &t
		}
	case to.IsTerminal():
		t := now
		r.CompletedAt = &t
		if r.StartedAt != nil {
			r.ExecutionTime = now.Sub(*r.StartedAt).Milliseconds()
		}
	}
}

// Progress maps the status to the integer percentage the HTTP surface
// reports: queued 0, processing 50, completed 100, failed and cancelled 0.
func (r *ExecutionRecord) Progress() int {
	switch r.Status {
	case StatusProcessing:
		return 50
	case StatusCompleted:
		return 100
	default:
		return 0
	}
}

// ExecutionPatch is the sparse update applied together with a status
// transition. Nil pointer fields are left untouched.
type ExecutionPatch struct {
	Inputs            map[string]InputValue
	OutputPath        *string
	UserOutputPath    *string
	BundlePath        *string
	ProcessorMetadata map[string]any
	LLMMetadata       map[string]any
	TokensUsed        *int64
	Error             *string
}

// Apply copies the patch's set fields onto the record.
func (p *ExecutionPatch) Apply(r *ExecutionRecord) {
	if p == nil {
		return
	}
	if p.Inputs != nil {
		r.Inputs = p.Inputs
	}
	if p.OutputPath != nil {
		r.OutputPath = *p.OutputPath
	}
	if p.UserOutputPath != nil {
		r.UserOutputPath = *p.UserOutputPath
	}
	if p.BundlePath != nil {
		r.BundlePath = *p.BundlePath
	}
	if p.ProcessorMetadata != nil {
		r.ProcessorMetadata = p.ProcessorMetadata
	}
	if p.LLMMetadata != nil {
		r.LLMMetadata = p.LLMMetadata
	}
	if p.TokensUsed != nil {
		r.TokensUsed = *p.TokensUsed
	}
	if p.Error != nil {
		r.Error = *p.Error
	}
}

// ExecutionFilter narrows List queries. Zero values mean "any".
type ExecutionFilter struct {
	PipelineName string
	UserID       string
	Status       ExecutionStatus
	Limit        int
}

// DefaultHistoryLimit bounds List results when the caller does not.
const DefaultHistoryLimit = 50

// StrPtr is a convenience for building sparse patches.
func StrPtr(s string) *string { return &s }

// Int64Ptr is a convenience for building sparse patches.
func Int64Ptr(n int64) *int64 { return &n }
