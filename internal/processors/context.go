// -----------------------------------------------------------------------
// Run Context - per-execution facilities handed to data processors
// -----------------------------------------------------------------------

package processors

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/pkg/processor"
)

const defaultHTTPTimeout = 30 * time.Second

// RunContext implements processor.Context for a single execution. The
// data directory is the pipeline's data/ folder; the bundle directory is
// execution-scoped and created lazily on the first SaveBundle.
type RunContext struct {
	logger    arbor.ILogger
	dataDir   string
	bundleDir string
	cache     processor.Cache
	client    *http.Client
}

// NewRunContext builds the context for one processor run. A nil client
// falls back to a shared client with a conservative timeout.
func NewRunContext(logger arbor.ILogger, dataDir, bundleDir string, cache processor.Cache, client *http.Client) *RunContext {
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &RunContext{
		logger:    logger,
		dataDir:   dataDir,
		bundleDir: bundleDir,
		cache:     cache,
		client:    client,
	}
}

// Logger returns the execution-scoped logger.
func (c *RunContext) Logger() arbor.ILogger {
	return c.logger
}

// ReadDataFile reads name from the pipeline's data directory. Absolute
// names and names that escape the directory are rejected.
func (c *RunContext) ReadDataFile(name string) ([]byte, error) {
	rel, err := containedPath(name)
	if err != nil {
		return nil, fmt.Errorf("data file %q: %w", name, err)
	}
	data, err := os.ReadFile(filepath.Join(c.dataDir, rel))
	if err != nil {
		return nil, fmt.Errorf("read data file %q: %w", name, err)
	}
	return data, nil
}

// SaveBundle writes data into the execution's bundle directory and
// returns the written path.
func (c *RunContext) SaveBundle(name string, data []byte) (string, error) {
	rel, err := containedPath(name)
	if err != nil {
		return "", fmt.Errorf("bundle name %q: %w", name, err)
	}
	path := filepath.Join(c.bundleDir, rel)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create bundle directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write bundle %q: %w", name, err)
	}
	c.logger.Debug().
		Str("path", path).
		Int("bytes", len(data)).
		Msg("Saved processor bundle")
	return path, nil
}

// Cache returns the pipeline-scoped TTL cache.
func (c *RunContext) Cache() processor.Cache {
	return c.cache
}

// HTTPClient returns the shared outbound HTTP client.
func (c *RunContext) HTTPClient() *http.Client {
	return c.client
}

// containedPath normalizes name and ensures it stays inside the
// directory it will be joined onto.
func containedPath(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("name is empty")
	}
	if filepath.IsAbs(name) {
		return "", fmt.Errorf("absolute paths are not allowed")
	}
	rel := filepath.Clean(filepath.FromSlash(name))
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path escapes the directory")
	}
	return rel, nil
}
