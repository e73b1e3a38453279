// -------------------------------------------------------------------------
// Secrets service - API key resolution with environment precedence
// -------------------------------------------------------------------------

package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/dproc-io/dproc/internal/common"
	"github.com/dproc-io/dproc/internal/errdefs"
)

// Providers lists the LLM providers a key can be stored for.
var Providers = []string{"openai", "anthropic", "google"}

// EnvVar returns the environment variable that overrides the stored key
// for a provider, empty for unknown providers.
func EnvVar(provider string) string {
	switch provider {
	case "openai":
		return "OPENAI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	default:
		return ""
	}
}

// secretsFile is the on-disk layout of ~/.dproc/secrets.json.
type secretsFile struct {
	APIKeys     map[string]string `json:"apiKeys"`
	LastUpdated time.Time         `json:"lastUpdated"`
}

// Service resolves API keys. Environment variables always win over the
// secrets file, so deployments can rotate keys without touching disk.
type Service struct {
	path   string
	logger arbor.ILogger

	mu   sync.RWMutex
	file secretsFile
}

// NewService loads the secrets file if present. An empty path means the
// default ~/.dproc/secrets.json. A missing file is not an error.
func NewService(path string, logger arbor.ILogger) (*Service, error) {
	if logger == nil {
		logger = common.GetLogger()
	}
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".dproc", "secrets.json")
	}

	s := &Service{
		path:   path,
		logger: logger,
		file:   secretsFile{APIKeys: make(map[string]string)},
	}
	if err := s.load(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Service) load() error {
	info, err := os.Stat(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat secrets file: %w", err)
	}

	// Windows has no usable unix permission bits.
	if runtime.GOOS != "windows" && info.Mode().Perm()&0077 != 0 {
		s.logger.Warn().
			Str("path", s.path).
			Str("mode", info.Mode().Perm().String()).
			Msg("secrets file is readable by other users, expected mode 0600")
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("failed to read secrets file: %w", err)
	}

	var file secretsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("failed to parse secrets file %s: %w", s.path, err)
	}
	if file.APIKeys == nil {
		file.APIKeys = make(map[string]string)
	}

	s.file = file
	return nil
}

// APIKey resolves the key for a provider: environment first, then the
// secrets file. The second return reports whether a key was found.
func (s *Service) APIKey(provider string) (string, bool) {
	if envVar := EnvVar(provider); envVar != "" {
		if key := os.Getenv(envVar); key != "" {
			return key, true
		}
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.file.APIKeys[provider]
	if !ok || key == "" {
		return "", false
	}
	return key, true
}

// SetAPIKey stores a key in the secrets file with mode 0600.
func (s *Service) SetAPIKey(provider, key string) error {
	if !validProvider(provider) {
		return errdefs.ValidationError("provider", fmt.Sprintf("must be one of %s", strings.Join(Providers, ", ")))
	}
	if strings.TrimSpace(key) == "" {
		return errdefs.ValidationError("key", "must not be empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.file.APIKeys[provider] = key
	s.file.LastUpdated = time.Now()

	if err := s.save(); err != nil {
		return err
	}

	s.logger.Info().Str("provider", provider).Msg("api key stored")
	return nil
}

// save writes the file under the lock.
func (s *Service) save() error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("failed to create secrets directory: %w", err)
	}

	data, err := json.MarshalIndent(s.file, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode secrets: %w", err)
	}

	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write secrets file: %w", err)
	}
	return nil
}

// Masked lists configured providers with their keys masked down to the
// last four characters. Keys supplied via environment are included.
func (s *Service) Masked() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	masked := make(map[string]string)
	for _, provider := range Providers {
		if key, ok := s.apiKeyLocked(provider); ok {
			masked[provider] = maskKey(key)
		}
	}
	return masked
}

func (s *Service) apiKeyLocked(provider string) (string, bool) {
	if envVar := EnvVar(provider); envVar != "" {
		if key := os.Getenv(envVar); key != "" {
			return key, true
		}
	}
	key, ok := s.file.APIKeys[provider]
	return key, ok && key != ""
}

// LastUpdated reports when the secrets file last changed.
func (s *Service) LastUpdated() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.LastUpdated
}

// ConfiguredProviders lists providers with a resolvable key, sorted.
func (s *Service) ConfiguredProviders() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var configured []string
	for _, provider := range Providers {
		if _, ok := s.apiKeyLocked(provider); ok {
			configured = append(configured, provider)
		}
	}
	sort.Strings(configured)
	return configured
}

func validProvider(provider string) bool {
	for _, p := range Providers {
		if p == provider {
			return true
		}
	}
	return false
}

func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}
