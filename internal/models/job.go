// -----------------------------------------------------------------------
// Job Request / Envelope - submitter input and queue payload
// -----------------------------------------------------------------------

package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority orders jobs on the queue. Lower lane numbers are delivered
// first: high=1, normal=5, low=10.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Lane maps a priority to its numeric queue lane. Unknown or empty
// priorities fall back to normal.
func (p Priority) Lane() int {
	switch p {
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 10
	default:
		return 5
	}
}

// ParsePriority validates a user-supplied priority string. Empty input
// defaults to normal.
func ParsePriority(s string) (Priority, error) {
	switch Priority(s) {
	case "":
		return PriorityNormal, nil
	case PriorityHigh, PriorityNormal, PriorityLow:
		return Priority(s), nil
	default:
		return "", fmt.Errorf("invalid priority %q (expected low, normal, or high)", s)
	}
}

// Lanes lists every queue lane in delivery order.
func Lanes() []int { return []int{1, 5, 10} }

// JobRequest is the submitter's public input. Inputs are raw user values
// and are normalized before anything durable happens.
type JobRequest struct {
	PipelineName string         `json:"pipelineName"`
	Inputs       map[string]any `json:"inputs"`
	OutputFormat string         `json:"outputFormat"`
	Priority     Priority       `json:"priority,omitempty"`
	UserID       string         `json:"userId,omitempty"`
}

// JobEnvelope is the payload placed on the queue. Inputs are already
// normalized by the submitter; the executor runs normalization again,
// which is idempotent.
type JobEnvelope struct {
	JobID        string                `json:"jobId"`
	PipelineName string                `json:"pipelineName"`
	Inputs       map[string]InputValue `json:"inputs"`
	OutputFormat string                `json:"outputFormat"`
	Priority     Priority              `json:"priority"`
	UserID       string                `json:"userId,omitempty"`
	CreatedAt    int64                 `json:"createdAt"`
}

// NewJobEnvelope builds an envelope stamped with the current time in
// epoch milliseconds.
func NewJobEnvelope(jobID, pipelineName string, inputs map[string]InputValue, outputFormat string, priority Priority, userID string) *JobEnvelope {
	return &JobEnvelope{
		JobID:        jobID,
		PipelineName: pipelineName,
		Inputs:       inputs,
		OutputFormat: outputFormat,
		Priority:     priority,
		UserID:       userID,
		CreatedAt:    time.Now().UnixMilli(),
	}
}

// Marshal serializes the envelope for queue transport.
func (e *JobEnvelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalJobEnvelope restores an envelope from queue transport bytes.
func UnmarshalJobEnvelope(data []byte) (*JobEnvelope, error) {
	var e JobEnvelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("failed to decode job envelope: %w", err)
	}
	return &e, nil
}

// SubmitResult is returned by the submitter: the durable execution record
// id and the queue-visible job id.
type SubmitResult struct {
	ExecutionID string `json:"executionId"`
	JobID       string `json:"jobId"`
}
