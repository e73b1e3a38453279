package common

import (
	"strings"
	"testing"
)

func TestNewJobID(t *testing.T) {
	id := NewJobID()
	if !strings.HasPrefix(id, "web-") {
		t.Errorf("Expected web- prefix, got %s", id)
	}
	if parts := strings.Split(id, "-"); len(parts) != 3 {
		t.Errorf("Expected web-<ms>-<rand>, got %s", id)
	}
}

func TestNewExecutionIDEmbedsJobID(t *testing.T) {
	jobID := NewJobID()
	execID := NewExecutionID(jobID)

	if !strings.HasPrefix(execID, "exec-") {
		t.Errorf("Expected exec- prefix, got %s", execID)
	}
	if !strings.HasSuffix(execID, jobID) {
		t.Errorf("Expected execution id to end with job id, got %s", execID)
	}
}

func TestIDsAreUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := NewJobID()
		if seen[id] {
			t.Fatalf("Duplicate job id generated: %s", id)
		}
		seen[id] = true
	}
}
