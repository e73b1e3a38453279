// -----------------------------------------------------------------------
// Pipeline Stats - per-pipeline aggregates over terminal executions
// -----------------------------------------------------------------------

package models

import (
	"time"
)

// PipelineStats aggregates terminal executions for one pipeline. Exactly
// one update is applied per terminal transition; the store serializes
// concurrent updates per pipeline name.
type PipelineStats struct {
	PipelineName         string    `json:"pipelineName"`
	TotalExecutions      int64     `json:"totalExecutions"`
	SuccessfulExecutions int64     `json:"successfulExecutions"`
	FailedExecutions     int64     `json:"failedExecutions"`
	AvgExecutionTime     float64   `json:"avgExecutionTime"`
	TotalTokensUsed      int64     `json:"totalTokensUsed"`
	LastExecutedAt       time.Time `json:"lastExecutedAt"`
	UpdatedAt            time.Time `json:"updatedAt"`
}

// ApplyTerminal folds one terminal execution into the aggregates. The
// running mean uses the incremental Welford update
//
//	avg' = avg + (x - avg) / (n + 1)
//
// with n = TotalExecutions before the increment. Executions that never
// started (pre-start cancellations) carry no executionTime; they bump the
// counters but leave the mean unchanged.
func (s *PipelineStats) ApplyTerminal(rec *ExecutionRecord, now time.Time) {
	if rec.StartedAt != nil && rec.CompletedAt != nil {
		x := float64(rec.ExecutionTime)
		s.AvgExecutionTime += (x - s.AvgExecutionTime) / float64(s.TotalExecutions+1)
	}
	s.TotalExecutions++

	switch rec.Status {
	case StatusCompleted:
		s.SuccessfulExecutions++
	case StatusFailed:
		s.FailedExecutions++
	}

	s.TotalTokensUsed += rec.TokensUsed
	s.LastExecutedAt = now
	s.UpdatedAt = now
}
