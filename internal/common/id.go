package common

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewJobID generates a queue job id.
// Format: web-<epoch ms>-<short random>
func NewJobID() string {
	return fmt.Sprintf("web-%d-%s", time.Now().UnixMilli(), uuid.NewString()[:8])
}

// NewExecutionID derives the durable execution record id for a job.
// Format: exec-<epoch ms>-<job id>
func NewExecutionID(jobID string) string {
	return fmt.Sprintf("exec-%d-%s", time.Now().UnixMilli(), jobID)
}

// NewWorkerID names one worker goroutine within this process.
func NewWorkerID(n int) string {
	return fmt.Sprintf("worker-%d-%s", n, uuid.NewString()[:8])
}
