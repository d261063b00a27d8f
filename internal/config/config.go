package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/studiowebux/perfharness/internal/types"
)

const (
	// FilePermissions is the default permission mode for regular files (read/write for owner, read for others)
	FilePermissions = 0644
	// DirPermissions is the default permission mode for directories (rwxr-xr-x)
	DirPermissions = 0755
)

var (
	// ConfigDir is the global configuration directory (~/.perfharness)
	ConfigDir string

	// DatabasePath is the default SQLite database file for run history
	DatabasePath string

	// PresetsFile is the optional global presets override file
	PresetsFile string
)

// DefaultEnvFiles are loaded, when present, before the environment is parsed.
var DefaultEnvFiles = []string{".env", ".env.local"}

// ServiceURLs holds the base URL of every backend surface under test.
type ServiceURLs struct {
	Base      string `env:"BASE_URL" envDefault:"http://localhost:8080"`
	Gateway   string `env:"GATEWAY_URL" envDefault:"http://localhost:8080"`
	User      string `env:"USER_SERVICE_URL" envDefault:"http://localhost:8081"`
	Question  string `env:"QUESTION_SERVICE_URL" envDefault:"http://localhost:8082"`
	Interview string `env:"INTERVIEW_SERVICE_URL" envDefault:"http://localhost:8083"`
	Feedback  string `env:"FEEDBACK_SERVICE_URL" envDefault:"http://localhost:8084"`
}

// ByName returns the URL of a named service, or "" when the name is unknown.
func (s ServiceURLs) ByName(name string) string {
	switch strings.ToLower(name) {
	case "base":
		return s.Base
	case "gateway":
		return s.Gateway
	case "user":
		return s.User
	case "question":
		return s.Question
	case "interview":
		return s.Interview
	case "feedback":
		return s.Feedback
	}
	return ""
}

// Credentials identify the test account used by every virtual user.
type Credentials struct {
	Email    string `env:"TEST_USER_EMAIL" envDefault:"test@example.com"`
	Password string `env:"TEST_USER_PASSWORD" envDefault:"Test1234!"`
}

// Timeouts are the latency classes every outgoing call is assigned to.
type Timeouts struct {
	Fast    time.Duration `env:"TIMEOUT_FAST" envDefault:"10s"`
	Default time.Duration `env:"TIMEOUT_DEFAULT" envDefault:"30s"`
	LLM     time.Duration `env:"TIMEOUT_LLM" envDefault:"120s"`
	SSE     time.Duration `env:"TIMEOUT_SSE" envDefault:"60s"`
}

// AuthOptions tune the client-side credential expiry estimate.
type AuthOptions struct {
	TokenLifetime time.Duration `env:"AUTH_TOKEN_LIFETIME" envDefault:"60m"`
	ExpiryMargin  time.Duration `env:"AUTH_EXPIRY_MARGIN" envDefault:"5m"`
	// LoginFallback lets a VU log in again right after a failed refresh.
	LoginFallback bool `env:"AUTH_LOGIN_FALLBACK" envDefault:"false"`
}

// MetricsBackend is the optional remote sink for run summaries.
type MetricsBackend struct {
	Enabled bool   `env:"METRICS_ENABLED" envDefault:"false"`
	URL     string `env:"METRICS_URL" envDefault:"http://localhost:9091"`
	Token   string `env:"METRICS_TOKEN"`
	Org     string `env:"METRICS_ORG" envDefault:"interview-coach"`
	Bucket  string `env:"METRICS_BUCKET" envDefault:"perfharness"`
}

// MonitorOptions describe the introspection endpoints polled during soak runs.
// Metric names and extraction queries are backend specific.
type MonitorOptions struct {
	Services      []string      `env:"MONITOR_SERVICES" envDefault:"user,question,interview,feedback" envSeparator:","`
	HeapMetric    string        `env:"MONITOR_HEAP_METRIC" envDefault:"jvm.memory.used?tag=area:heap"`
	HeapQuery     string        `env:"MONITOR_HEAP_QUERY" envDefault:"measurements[0].value"`
	GCPauseMetric string        `env:"MONITOR_GC_METRIC" envDefault:"jvm.gc.pause"`
	GCPauseQuery  string        `env:"MONITOR_GC_QUERY" envDefault:"measurements[?statistic=='MAX'].value | [0]"`
	Interval      time.Duration `env:"MONITOR_INTERVAL" envDefault:"10m"`
}

// Configuration is the fully resolved harness configuration.
type Configuration struct {
	Services ServiceURLs
	TestUser Credentials
	Timeouts Timeouts
	Auth     AuthOptions
	Metrics  MetricsBackend
	Monitor  MonitorOptions
	TLS      types.TLSConfig

	// ScenarioName selects a single sub-behavior of a multi-executor suite.
	ScenarioName string `env:"SCENARIO_NAME"`
	DatabasePath string `env:"HARNESS_DB_PATH"`
	LogLevel     string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat    string `env:"LOG_FORMAT" envDefault:"console"`

	Thresholds map[string]ThresholdSet `env:"-"`
	VUPresets  map[string]VUPreset     `env:"-"`
}

// LoadEnv loads the env files that exist and returns how many were loaded.
// Variables already present in the process environment win.
func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Load resolves the configuration from env files, the process environment
// and the built-in presets.
func Load(envFiles ...string) (*Configuration, error) {
	if len(envFiles) == 0 {
		envFiles = DefaultEnvFiles
	}
	if _, err := LoadEnv(envFiles); err != nil {
		return nil, fmt.Errorf("failed to load env files: %w", err)
	}

	cfg := &Configuration{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	cfg.Thresholds = DefaultThresholds()
	cfg.VUPresets = DefaultVUPresets()

	if cfg.DatabasePath == "" {
		cfg.DatabasePath = DatabasePath
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values no run could use.
func (c *Configuration) Validate() error {
	if c.Services.Gateway == "" {
		return fmt.Errorf("gateway URL is required")
	}
	if c.Auth.ExpiryMargin >= c.Auth.TokenLifetime {
		return fmt.Errorf("auth expiry margin (%s) must be shorter than token lifetime (%s)",
			c.Auth.ExpiryMargin, c.Auth.TokenLifetime)
	}
	for name, d := range map[string]time.Duration{
		"fast": c.Timeouts.Fast, "default": c.Timeouts.Default,
		"llm": c.Timeouts.LLM, "sse": c.Timeouts.SSE,
	} {
		if d <= 0 {
			return fmt.Errorf("%s timeout must be positive, got %s", name, d)
		}
	}
	if c.Monitor.Interval <= 0 {
		return fmt.Errorf("monitor interval must be positive, got %s", c.Monitor.Interval)
	}
	if c.Metrics.Enabled && c.Metrics.URL == "" {
		return fmt.Errorf("metrics URL is required when metrics export is enabled")
	}
	return nil
}

// Initialize sets up the configuration directory
// It creates ~/.perfharness/ if it doesn't exist
func Initialize() error {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	ConfigDir = filepath.Join(homeDir, ".perfharness")
	DatabasePath = filepath.Join(ConfigDir, "runs.db")
	PresetsFile = filepath.Join(ConfigDir, "presets.yaml")

	if err := os.MkdirAll(ConfigDir, DirPermissions); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", ConfigDir, err)
	}
	return nil
}
