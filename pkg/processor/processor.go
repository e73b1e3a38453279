// -----------------------------------------------------------------------
// Processor SDK - the contract between pipelines and data processors
// -----------------------------------------------------------------------

package processor

import (
	"context"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"
)

// Result is what a processor run hands back to the execution pipeline.
// Attributes become the data bundle templates and prompts see as `.data`;
// Metadata is recorded on the execution record for diagnostics.
type Result struct {
	Attributes map[string]any `json:"attributes"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Cache is a small TTL key/value store shared across runs of the same
// pipeline. Entries may be evicted before their TTL expires; treat it as
// an optimization, never as storage.
type Cache interface {
	Get(key string) (any, bool)
	Set(key string, value any, ttl time.Duration)
}

// Context carries the per-execution facilities a processor may use.
// All paths it hands out stay inside the pipeline's data directory or
// the execution's bundle directory.
type Context interface {
	// Logger is scoped to the current execution.
	Logger() arbor.ILogger

	// ReadDataFile reads a file from the pipeline's data/ directory.
	// The name must be relative and may not escape the directory.
	ReadDataFile(name string) ([]byte, error)

	// SaveBundle writes an auxiliary artifact into the execution's
	// bundle directory and returns the path it was written to.
	SaveBundle(name string, data []byte) (string, error)

	// Cache returns the pipeline-scoped TTL cache.
	Cache() Cache

	// HTTPClient returns the shared outbound HTTP client.
	HTTPClient() *http.Client
}

// Processor turns normalized pipeline inputs into a data bundle. Options
// come from the pipeline's processor.yml and are not validated by the
// framework; each processor checks what it needs.
//
// Run must respect ctx cancellation and return plain errors; the
// execution pipeline classifies them.
type Processor interface {
	Name() string
	Run(ctx context.Context, inputs map[string]any, pctx Context, options map[string]any) (*Result, error)
}
