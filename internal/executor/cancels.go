package executor

import (
	"context"
	"sync"
)

// Cancels tracks the cancellation token of every execution running in this
// process. Entries are installed before stage one and removed when the run
// returns, so a fired token is always observed by a live stage loop.
type Cancels struct {
	mu sync.Mutex
	m  map[string]context.CancelFunc
}

// NewCancels creates an empty registry.
func NewCancels() *Cancels {
	return &Cancels{m: make(map[string]context.CancelFunc)}
}

func (c *Cancels) register(executionID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[executionID] = cancel
}

func (c *Cancels) remove(executionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.m, executionID)
}

// Cancel fires the token for one execution. Returns false when the
// execution is not running in this process.
func (c *Cancels) Cancel(executionID string) bool {
	c.mu.Lock()
	cancel, ok := c.m[executionID]
	c.mu.Unlock()

	if !ok {
		return false
	}
	cancel()
	return true
}

// CancelAll fires every registered token. Used on shutdown.
func (c *Cancels) CancelAll() {
	c.mu.Lock()
	cancels := make([]context.CancelFunc, 0, len(c.m))
	for _, cancel := range c.m {
		cancels = append(cancels, cancel)
	}
	c.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// Active reports how many executions currently hold a token.
func (c *Cancels) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.m)
}
