package common

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the application configuration
type Config struct {
	Environment string          `toml:"environment"` // "development" or "production"
	Server      ServerConfig    `toml:"server"`
	Storage     StorageConfig   `toml:"storage"`
	Logging     LoggingConfig   `toml:"logging"`
	Worker      WorkerConfig    `toml:"worker"`
	Jobs        JobsConfig      `toml:"jobs"`
	Batch       BatchConfig     `toml:"batch"`
	Stream      StreamConfig    `toml:"stream"`
	WebSocket   WebSocketConfig `toml:"websocket"`
}

type ServerConfig struct {
	Port int    `toml:"port"`
	Host string `toml:"host"`
}

type StorageConfig struct {
	Badger BadgerConfig `toml:"badger"`
}

// BadgerConfig represents BadgerDB-specific configuration
type BadgerConfig struct {
	Path           string `toml:"path"`             // Database directory path
	ResetOnStartup bool   `toml:"reset_on_startup"` // Delete database on startup; job records are transient by design
}

type LoggingConfig struct {
	Level  string   `toml:"level"`  // "debug", "info", "warn", "error"
	Format string   `toml:"format"` // "json" or "text"
	Output []string `toml:"output"` // "stdout", "file"
}

// WorkerConfig contains configuration for the external AI recognition worker
type WorkerConfig struct {
	BaseURL        string `toml:"base_url"`        // Worker API base URL
	APIKey         string `toml:"api_key"`         // Optional bearer token
	RequestTimeout string `toml:"request_timeout"` // Per-request timeout (default: "30s")
	RateLimit      string `toml:"rate_limit"`      // Minimum interval between worker requests (default: "100ms")
}

// JobsConfig contains the orchestration timings for single-image jobs.
// All values are duration strings ("30s", "5m").
type JobsConfig struct {
	SweepInterval    string `toml:"sweep_interval"`    // Reconciliation pass cadence (default: "30s")
	SafetyMargin     string `toml:"safety_margin"`     // Skip polling jobs younger than this (default: "30s")
	ForceTimeout     string `toml:"force_timeout"`     // Fail jobs with no result after this (default: "5m")
	UnknownGrace     string `toml:"unknown_grace"`     // Tolerate unknown worker status for this long (default: "3m")
	CleanupGrace     string `toml:"cleanup_grace"`     // Evict terminal records after this (default: "60s")
	ProgressThrottle string `toml:"progress_throttle"` // Min interval between poll-driven progress events (default: "1m")
	SweepConcurrency int    `toml:"sweep_concurrency"` // Max concurrent worker polls per sweep (default: 8)
	MaxUploadSize    int64  `toml:"max_upload_size"`   // Max image size in bytes (default: 20MB)
}

// BatchConfig contains batch submission limits and watch cadence
type BatchConfig struct {
	MaxFilesCount int    `toml:"max_files"`      // Max files per batch (default: 20)
	WatchInterval string `toml:"watch_interval"` // Progress poll cadence (default: "5s")
	WatchTimeout  string `toml:"watch_timeout"`  // Abandon the progress watch after this (default: "30m")
	CleanupGrace  string `toml:"cleanup_grace"`  // Evict completed batches after this (default: "60s")
}

// StreamConfig contains SSE stream settings
type StreamConfig struct {
	MaxLifetime string `toml:"max_lifetime"` // Hard ceiling on stream duration (default: "30m")
	BufferSize  int    `toml:"buffer_size"`  // Per-subscriber event buffer (default: 16)
}

// WebSocketConfig contains configuration for the /ws monitor feed
type WebSocketConfig struct {
	// Whitelist of event types to broadcast. Empty list allows all events.
	AllowedEvents []string `toml:"allowed_events"`
	// Throttle intervals for high-frequency events, event type -> duration string.
	// Example: {"progress": "1s"}
	ThrottleIntervals map[string]string `toml:"throttle_intervals"`
}

// NewDefaultConfig creates a configuration with default values
// Technical parameters are hardcoded here for production stability.
// Only user-facing settings should be exposed in agnosco.toml.
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Port: 8080,
			Host: "localhost",
		},
		Storage: StorageConfig{
			Badger: BadgerConfig{
				Path:           "./data",
				ResetOnStartup: true, // Records are transient; nothing survives the cleanup grace anyway
			},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
			Output: []string{"stdout", "file"},
		},
		Worker: WorkerConfig{
			BaseURL:        "http://localhost:9090/api/v1",
			RequestTimeout: "30s",
			RateLimit:      "100ms",
		},
		Jobs: JobsConfig{
			SweepInterval:    "30s",
			SafetyMargin:     "30s",
			ForceTimeout:     "5m",
			UnknownGrace:     "3m",
			CleanupGrace:     "60s",
			ProgressThrottle: "1m",
			SweepConcurrency: 8,
			MaxUploadSize:    20 * 1024 * 1024, // 20MB
		},
		Batch: BatchConfig{
			MaxFilesCount: 20,
			WatchInterval: "5s",
			WatchTimeout:  "30m",
			CleanupGrace:  "60s",
		},
		Stream: StreamConfig{
			MaxLifetime: "30m",
			BufferSize:  16,
		},
		WebSocket: WebSocketConfig{
			// Empty AllowedEvents allows all events
			AllowedEvents: []string{},
			ThrottleIntervals: map[string]string{
				"progress":      "1s",
				"status_change": "500ms",
			},
		},
	}
}

// LoadFromFile loads configuration with priority: default -> file -> env
func LoadFromFile(path string) (*Config, error) {
	if path == "" {
		return LoadFromFiles()
	}
	return LoadFromFiles(path)
}

// LoadFromFiles loads configuration from multiple files with priority:
// default -> file1 -> file2 -> ... -> env. Later files override earlier files.
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

		err = toml.Unmarshal(data, config)
		if err != nil {
			return nil, fmt.Errorf("failed to parse config file %s (file %d of %d): %w", path, i+1, len(paths), err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("AGNOSCO_ENV"); env != "" {
		config.Environment = env
	} else if env := os.Getenv("GO_ENV"); env != "" {
		config.Environment = env
	}

	// Server configuration
	if port := os.Getenv("AGNOSCO_SERVER_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}
	if host := os.Getenv("AGNOSCO_SERVER_HOST"); host != "" {
		config.Server.Host = host
	}

	// Storage configuration
	if badgerPath := os.Getenv("AGNOSCO_BADGER_PATH"); badgerPath != "" {
		config.Storage.Badger.Path = badgerPath
	}
	if reset := os.Getenv("AGNOSCO_BADGER_RESET_ON_STARTUP"); reset != "" {
		if r, err := strconv.ParseBool(reset); err == nil {
			config.Storage.Badger.ResetOnStartup = r
		}
	}

	// Logging configuration
	if level := os.Getenv("AGNOSCO_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}
	if format := os.Getenv("AGNOSCO_LOG_FORMAT"); format != "" {
		config.Logging.Format = format
	}
	if output := os.Getenv("AGNOSCO_LOG_OUTPUT"); output != "" {
		outputs := []string{}
		for _, o := range strings.Split(output, ",") {
			trimmed := strings.TrimSpace(o)
			if trimmed != "" {
				outputs = append(outputs, trimmed)
			}
		}
		if len(outputs) > 0 {
			config.Logging.Output = outputs
		}
	}

	// Worker configuration
	if baseURL := os.Getenv("AGNOSCO_WORKER_BASE_URL"); baseURL != "" {
		config.Worker.BaseURL = baseURL
	}
	if apiKey := os.Getenv("AGNOSCO_WORKER_API_KEY"); apiKey != "" {
		config.Worker.APIKey = apiKey
	}
	if timeout := os.Getenv("AGNOSCO_WORKER_REQUEST_TIMEOUT"); timeout != "" {
		config.Worker.RequestTimeout = timeout
	}
	if rateLimit := os.Getenv("AGNOSCO_WORKER_RATE_LIMIT"); rateLimit != "" {
		config.Worker.RateLimit = rateLimit
	}

	// Job orchestration timings
	if sweep := os.Getenv("AGNOSCO_JOBS_SWEEP_INTERVAL"); sweep != "" {
		config.Jobs.SweepInterval = sweep
	}
	if margin := os.Getenv("AGNOSCO_JOBS_SAFETY_MARGIN"); margin != "" {
		config.Jobs.SafetyMargin = margin
	}
	if timeout := os.Getenv("AGNOSCO_JOBS_FORCE_TIMEOUT"); timeout != "" {
		config.Jobs.ForceTimeout = timeout
	}
	if grace := os.Getenv("AGNOSCO_JOBS_UNKNOWN_GRACE"); grace != "" {
		config.Jobs.UnknownGrace = grace
	}
	if grace := os.Getenv("AGNOSCO_JOBS_CLEANUP_GRACE"); grace != "" {
		config.Jobs.CleanupGrace = grace
	}
	if size := os.Getenv("AGNOSCO_JOBS_MAX_UPLOAD_SIZE"); size != "" {
		if s, err := strconv.ParseInt(size, 10, 64); err == nil {
			config.Jobs.MaxUploadSize = s
		}
	}

	// Batch configuration
	if maxFiles := os.Getenv("AGNOSCO_BATCH_MAX_FILES"); maxFiles != "" {
		if mf, err := strconv.Atoi(maxFiles); err == nil {
			config.Batch.MaxFilesCount = mf
		}
	}
	if interval := os.Getenv("AGNOSCO_BATCH_WATCH_INTERVAL"); interval != "" {
		config.Batch.WatchInterval = interval
	}

	// Stream configuration
	if lifetime := os.Getenv("AGNOSCO_STREAM_MAX_LIFETIME"); lifetime != "" {
		config.Stream.MaxLifetime = lifetime
	}
}

// ApplyFlagOverrides applies command-line flag overrides (highest priority)
func ApplyFlagOverrides(config *Config, port int, host string) {
	if port != 0 {
		config.Server.Port = port
	}
	if host != "" {
		config.Server.Host = host
	}
}

// ParseDuration parses a duration string from config, falling back to the
// given default when the value is empty or malformed.
func ParseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}
