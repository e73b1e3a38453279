package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// DefaultConfigFile is picked up from the working directory when no
// explicit --config path is given.
const DefaultConfigFile = "dproc.toml"

// Config represents the application configuration.
type Config struct {
	Environment string `toml:"environment"` // "development" or "production"
	Workspace   string `toml:"workspace"`   // Root for pipelines/, outputs/, data/
	Debug       bool   `toml:"debug"`       // Expose technical error detail

	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Queue   QueueConfig   `toml:"queue"`
	Worker  WorkerConfig  `toml:"worker"`
	Logging LoggingConfig `toml:"logging"`
	Janitor JanitorConfig `toml:"janitor"`
}

type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

type StorageConfig struct {
	// DatabaseURL selects the relational execution store when it carries a
	// postgres scheme. Empty means the embedded Badger store.
	DatabaseURL string       `toml:"database_url"`
	Badger      BadgerConfig `toml:"badger"`
}

type BadgerConfig struct {
	Path string `toml:"path"` // Relative paths resolve under the workspace
}

type QueueConfig struct {
	PollInterval      string      `toml:"poll_interval"`      // How often idle workers poll, e.g. "1s"
	VisibilityTimeout string      `toml:"visibility_timeout"` // Claim window before redelivery, e.g. "60s"
	MaxAttempts       int         `toml:"max_attempts"`       // Claims before a job is moved to the failed tier
	Redis             RedisConfig `toml:"redis"`
}

// RedisConfig selects the shared queue backend when Host is set.
type RedisConfig struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

type WorkerConfig struct {
	Concurrency       int    `toml:"concurrency"`        // Concurrent executions per worker process
	HeartbeatInterval string `toml:"heartbeat_interval"` // Visibility extension cadence for running jobs
}

type LoggingConfig struct {
	Level      string   `toml:"level"`       // "debug", "info", "warn", "error"
	Format     string   `toml:"format"`      // "json" or "text"
	Output     []string `toml:"output"`      // "stdout", "file"
	TimeFormat string   `toml:"time_format"` // Time format for log lines
}

type JanitorConfig struct {
	SweepSchedule string `toml:"sweep_schedule"` // Cron (with seconds) for queue sweeps
	StaleSchedule string `toml:"stale_schedule"` // Cron (with seconds) for stale execution marking
	StaleAfter    string `toml:"stale_after"`    // Age before a processing execution counts as stale
}

// NewDefaultConfig creates a configuration with default values.
// Technical parameters are hardcoded here for production stability; only
// user-facing settings belong in dproc.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Workspace:   "./workspace",
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path: "data",
			},
		},
		Queue: QueueConfig{
			PollInterval:      "1s",
			VisibilityTimeout: "60s",
			MaxAttempts:       3,
			Redis: RedisConfig{
				Port: 6379,
			},
		},
		Worker: WorkerConfig{
			Concurrency:       2,
			HeartbeatInterval: "20s",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     []string{"stdout"},
			TimeFormat: "15:04:05",
		},
		Janitor: JanitorConfig{
			SweepSchedule: "*/30 * * * * *",
			StaleSchedule: "0 */10 * * * *",
			StaleAfter:    "2h",
		},
	}
}

// LoadFromFile loads configuration with priority:
// defaults -> config file -> environment variables.
// An empty path falls back to ./dproc.toml when that file exists.
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles merges multiple config files in order; later files override
// earlier files, and environment variables override everything.
func LoadFromFiles(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	for i, path := range paths {
		if path == "" {
			continue
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config.
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("DPROC_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	if workspace := os.Getenv("DPROC_WORKSPACE"); workspace != "" {
		config.Workspace = workspace
	}

	// Server configuration
	if host := os.Getenv("DPROC_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}
	if port := os.Getenv("DPROC_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	// Storage configuration
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		config.Storage.DatabaseURL = dbURL
	}
	if badgerPath := os.Getenv("DPROC_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}

	// Queue configuration
	if host := os.Getenv("REDIS_HOST"); host != "" {
		config.Queue.Redis.Host = host
	}
	if port := os.Getenv("REDIS_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Queue.Redis.Port = p
		}
	}
	if password := os.Getenv("REDIS_PASSWORD"); password != "" {
		config.Queue.Redis.Password = password
	}
	if db := os.Getenv("REDIS_DB"); db != "" {
		if d, err := strconv.Atoi(db); err == nil {
			config.Queue.Redis.DB = d
		}
	}
	if pollInterval := os.Getenv("DPROC_QUEUE_POLL_INTERVAL"); pollInterval != "" {
		config.Queue.PollInterval = pollInterval
	}
	if visibilityTimeout := os.Getenv("DPROC_QUEUE_VISIBILITY_TIMEOUT"); visibilityTimeout != "" {
		config.Queue.VisibilityTimeout = visibilityTimeout
	}
	if maxAttempts := os.Getenv("DPROC_QUEUE_MAX_ATTEMPTS"); maxAttempts != "" {
		if ma, err := strconv.Atoi(maxAttempts); err == nil {
			config.Queue.MaxAttempts = ma
		}
	}

	// Worker configuration
	if concurrency := os.Getenv("WORKER_CONCURRENCY"); concurrency != "" {
		if c, err := strconv.Atoi(concurrency); err == nil && c > 0 {
			config.Worker.Concurrency = c
		}
	}

	// Logging configuration
	if level := os.Getenv("DPROC_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("DPROC_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("DPROC_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			if trimmed := strings.TrimSpace(o); trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Debug mode surfaces technical error detail in CLI output.
	if DebugEnv() {
		config.Debug = true
	}
	if config.Debug {
		config.Logging.Level = "debug"
	}
}

// DebugEnv reports whether DEBUG or DPROC_DEBUG asks for technical detail.
// Usable before a Config has been loaded.
func DebugEnv() bool {
	for _, name := range []string{"DPROC_DEBUG", "DEBUG"} {
		if v := os.Getenv(name); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				return b
			}
			return true
		}
	}
	return false
}

// WorkspaceDir returns the workspace root.
func (c *Config) WorkspaceDir() string {
	if c.Workspace == "" {
		return "./workspace"
	}
	return c.Workspace
}

// PipelinesDir returns the directory pipeline definitions live in.
func (c *Config) PipelinesDir() string {
	return filepath.Join(c.WorkspaceDir(), "pipelines")
}

// OutputsDir returns the root directory for generated artifacts.
func (c *Config) OutputsDir() string {
	return filepath.Join(c.WorkspaceDir(), "outputs")
}

// BadgerDir resolves the embedded store path, relative paths land under
// the workspace.
func (c *Config) BadgerDir() string {
	path := c.Storage.Badger.Path
	if path == "" {
		path = "data"
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.WorkspaceDir(), path)
}

// RedisAddr returns host:port when a redis queue backend is configured,
// empty otherwise.
func (c *Config) RedisAddr() string {
	if c.Queue.Redis.Host == "" {
		return ""
	}
	port := c.Queue.Redis.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d", c.Queue.Redis.Host, port)
}

// UseRelationalStore reports whether DATABASE_URL selects Postgres.
func (c *Config) UseRelationalStore() bool {
	url := c.Storage.DatabaseURL
	return strings.HasPrefix(url, "postgres://") || strings.HasPrefix(url, "postgresql://")
}

// ListenAddr returns the HTTP bind address.
func (c *Config) ListenAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Visibility parses the claim window, falling back to 60s.
func (q QueueConfig) Visibility() time.Duration {
	return parseDurationOr(q.VisibilityTimeout, 60*time.Second)
}

// PollIntervalDuration parses the idle poll cadence, falling back to 1s.
func (q QueueConfig) PollIntervalDuration() time.Duration {
	return parseDurationOr(q.PollInterval, time.Second)
}

// Heartbeat parses the visibility extension cadence, falling back to 20s.
func (w WorkerConfig) Heartbeat() time.Duration {
	return parseDurationOr(w.HeartbeatInterval, 20*time.Second)
}

// StaleCutoff parses the stale execution age, falling back to 2h.
func (j JanitorConfig) StaleCutoff() time.Duration {
	return parseDurationOr(j.StaleAfter, 2*time.Hour)
}

func parseDurationOr(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
