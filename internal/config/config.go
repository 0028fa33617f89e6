// Package config handles loading and validating Jenga configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for Jenga.
type Config struct {
	RunsRoot    string `json:"runs_root,omitempty" yaml:"runs_root,omitempty"`       // Parent directory for episode runs. Default: ~/.jenga/runs. Override: JENGA_RUNS_ROOT env var.
	DataDir     string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`         // Persistent data directory. Default: ~/.jenga/data. Override: JENGA_DATA_DIR env var.
	TemplateDir string `json:"template_dir,omitempty" yaml:"template_dir,omitempty"` // Project template copied into each fresh workspace. Empty = start empty.

	Providers     ProvidersConfig      `json:"providers" yaml:"providers"`
	Agent         AgentConfig          `json:"agent" yaml:"agent"`
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Tools         ToolsConfig          `json:"tools" yaml:"tools"`
	Grading       GradingConfig        `json:"grading" yaml:"grading"`
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`             // nil = SQLite default (derived from data dir)
	Server        *ServerConfig        `json:"server,omitempty" yaml:"server,omitempty"`               // nil = HTTP API disabled
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = metrics and tracing disabled
}

// ProvidersConfig selects and configures the model backend.
type ProvidersConfig struct {
	Default   string          `json:"default" yaml:"default"` // "anthropic" or "openai". Empty = "anthropic".
	Anthropic AnthropicConfig `json:"anthropic" yaml:"anthropic"`
	OpenAI    OpenAIConfig    `json:"openai" yaml:"openai"`
}

type AnthropicConfig struct {
	APIKey string `json:"api_key" yaml:"api_key"`
	Model  string `json:"model" yaml:"model"`
}

type OpenAIConfig struct {
	APIKey  string `json:"api_key" yaml:"api_key"`
	Model   string `json:"model" yaml:"model"`
	BaseURL string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
}

// AgentConfig bounds the control loop.
type AgentConfig struct {
	MaxSteps     int    `json:"max_steps" yaml:"max_steps"`                             // Default: 50.
	MaxTokens    int    `json:"max_tokens" yaml:"max_tokens"`                           // Per model call. Default: 4096.
	SystemPrompt string `json:"system_prompt,omitempty" yaml:"system_prompt,omitempty"` // Empty = built-in prompt.
}

// SandboxConfig configures command execution.
type SandboxConfig struct {
	DefaultTimeoutSeconds int `json:"default_timeout_seconds" yaml:"default_timeout_seconds"` // Default: 300.
}

// DefaultTimeout returns the per-command timeout with a default of 5m.
func (s *SandboxConfig) DefaultTimeout() time.Duration {
	if s != nil && s.DefaultTimeoutSeconds > 0 {
		return time.Duration(s.DefaultTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// ToolsConfig configures the project-level tool commands.
type ToolsConfig struct {
	InstallCommand        string `json:"install_command,omitempty" yaml:"install_command,omitempty"` // Default: "pnpm install --no-frozen-lockfile".
	RebuildCommand        string `json:"rebuild_command,omitempty" yaml:"rebuild_command,omitempty"` // Default: "pnpm rebuild".
	ServeCommand          string `json:"serve_command,omitempty" yaml:"serve_command,omitempty"`     // Default: "pnpm dev".
	DefaultPort           int    `json:"default_port,omitempty" yaml:"default_port,omitempty"`       // Default: 3000.
	InstallTimeoutSeconds int    `json:"install_timeout_seconds" yaml:"install_timeout_seconds"`     // Default: 600.
	MaxFileSizeBytes      int64  `json:"max_file_size_bytes" yaml:"max_file_size_bytes"`             // read_file cap. Default: 10 MB.
}

// InstallTimeout returns the dependency install timeout with a default of 10m.
func (t *ToolsConfig) InstallTimeout() time.Duration {
	if t != nil && t.InstallTimeoutSeconds > 0 {
		return time.Duration(t.InstallTimeoutSeconds) * time.Second
	}
	return 10 * time.Minute
}

// GradingConfig configures the post-episode install/build/serve gate and
// the optional rubric judge.
type GradingConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	InstallCommand      string `json:"install_command,omitempty" yaml:"install_command,omitempty"`
	BuildCommand        string `json:"build_command,omitempty" yaml:"build_command,omitempty"` // Default: "pnpm build".
	ServeCommand        string `json:"serve_command,omitempty" yaml:"serve_command,omitempty"` // Default: "pnpm dev".
	Port                int    `json:"port,omitempty" yaml:"port,omitempty"`                   // Default: 3000.
	ProbePath           string `json:"probe_path,omitempty" yaml:"probe_path,omitempty"`       // Default: "/".
	StageTimeoutSeconds int    `json:"stage_timeout_seconds" yaml:"stage_timeout_seconds"`     // Default: 600.
	ProbeTimeoutSeconds int    `json:"probe_timeout_seconds" yaml:"probe_timeout_seconds"`     // Default: 30.
	RubricPath          string `json:"rubric_path,omitempty" yaml:"rubric_path,omitempty"`     // Empty = no LLM judge.
}

// StageTimeout returns the install/build stage timeout with a default of 10m.
func (g *GradingConfig) StageTimeout() time.Duration {
	if g != nil && g.StageTimeoutSeconds > 0 {
		return time.Duration(g.StageTimeoutSeconds) * time.Second
	}
	return 10 * time.Minute
}

// ProbeTimeout returns the readiness probe timeout with a default of 30s.
func (g *GradingConfig) ProbeTimeout() time.Duration {
	if g != nil && g.ProbeTimeoutSeconds > 0 {
		return time.Duration(g.ProbeTimeoutSeconds) * time.Second
	}
	return 30 * time.Second
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data dir.
type StorageConfig struct {
	Driver string               `json:"driver" yaml:"driver"` // "sqlite" (default).
	SQLite *SQLiteStorageConfig `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// ServerConfig configures the HTTP API.
// API token can be set here or via JENGA_API_TOKEN env var.
type ServerConfig struct {
	Enabled             bool   `json:"enabled" yaml:"enabled"`
	ListenAddr          string `json:"listen_addr" yaml:"listen_addr"`                   // Default: ":8080".
	EnableDocs          bool   `json:"enable_docs" yaml:"enable_docs"`                   // Serve OpenAPI docs.
	APIToken            string `json:"api_token,omitempty" yaml:"api_token,omitempty"`   // Override: JENGA_API_TOKEN env var. Empty = no auth.
	MaxRequestSizeBytes int64  `json:"max_request_size_bytes" yaml:"max_request_size_bytes"` // Default: 1 MB.

	RateLimit RateLimitConfig `json:"rate_limit" yaml:"rate_limit"` // Episode submission rate limit. Zero = unlimited.
}

// RateLimitConfig bounds episode submissions per client.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// Addr returns the listen address with a default of ":8080".
func (s *ServerConfig) Addr() string {
	if s != nil && s.ListenAddr != "" {
		return s.ListenAddr
	}
	return ":8080"
}

// MaxRequestSize returns the request body cap with a default of 1 MB.
func (s *ServerConfig) MaxRequestSize() int64 {
	if s != nil && s.MaxRequestSizeBytes > 0 {
		return s.MaxRequestSizeBytes
	}
	return 1 << 20
}

// ObservabilityConfig configures metrics, tracing and health checks.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "jenga"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB bool `json:"include_db" yaml:"include_db"`
}

// DefaultConfigPath returns the default config file path (~/.jenga/config.json).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/jenga.json" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".jenga", "config.json")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything
// else for JSON. Provider API keys and the server token can be set in the
// config file or overridden by environment variables. Environment variables
// take precedence.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment variable overrides. Env vars take precedence
// over config file values.
func (c *Config) applyEnv() {
	if envKey := os.Getenv("ANTHROPIC_API_KEY"); envKey != "" {
		c.Providers.Anthropic.APIKey = envKey
	}
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		c.Providers.OpenAI.APIKey = envKey
	}
	if envRuns := os.Getenv("JENGA_RUNS_ROOT"); envRuns != "" {
		c.RunsRoot = envRuns
	}
	if envDD := os.Getenv("JENGA_DATA_DIR"); envDD != "" {
		c.DataDir = envDD
	}
	if envTok := os.Getenv("JENGA_API_TOKEN"); envTok != "" {
		if c.Server == nil {
			c.Server = &ServerConfig{}
		}
		c.Server.APIToken = envTok
	}
}

// ResolvedRunsRoot returns the runs directory, resolving ~ if needed.
func (c *Config) ResolvedRunsRoot() string {
	if c.RunsRoot == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "runs"
		}
		return filepath.Join(home, ".jenga", "runs")
	}
	resolved, err := resolvePath(c.RunsRoot)
	if err != nil {
		return c.RunsRoot
	}
	return resolved
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".jenga", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the effective SQLite database path.
func (c *Config) DatabasePath() string {
	if c.Storage != nil && c.Storage.SQLite != nil && c.Storage.SQLite.Path != "" {
		return c.Storage.SQLite.Path
	}
	return filepath.Join(c.ResolvedDataDir(), "jenga.db")
}

func (c *Config) validate() error {
	if c.Providers.Default == "" {
		c.Providers.Default = "anthropic"
	}
	if err := c.validateProvider(); err != nil {
		return err
	}
	if c.Agent.MaxSteps < 0 {
		return fmt.Errorf("agent.max_steps must not be negative")
	}
	if c.Sandbox.DefaultTimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.default_timeout_seconds must not be negative")
	}
	if c.Storage != nil && c.Storage.Driver != "" && c.Storage.Driver != "sqlite" {
		return fmt.Errorf("storage.driver %q is not supported (use sqlite)", c.Storage.Driver)
	}
	if c.Grading.Port < 0 || c.Grading.Port > 65535 {
		return fmt.Errorf("grading.port %d is out of range", c.Grading.Port)
	}
	if c.Observability != nil && c.Observability.Tracing != nil && c.Observability.Tracing.Enabled {
		tr := c.Observability.Tracing
		if tr.Endpoint == "" {
			return fmt.Errorf("observability.tracing.endpoint is required when tracing is enabled")
		}
		switch tr.Protocol {
		case "", "grpc", "http":
		default:
			return fmt.Errorf("observability.tracing.protocol %q is not supported (use grpc or http)", tr.Protocol)
		}
	}
	return nil
}

// validateProvider checks that the selected model provider has the required fields.
func (c *Config) validateProvider() error {
	switch c.Providers.Default {
	case "anthropic":
		if c.Providers.Anthropic.Model == "" {
			return fmt.Errorf("providers.anthropic.model is required")
		}
		if c.Providers.Anthropic.APIKey == "" {
			return fmt.Errorf("providers.anthropic.api_key is required (set ANTHROPIC_API_KEY env var)")
		}
	case "openai":
		if c.Providers.OpenAI.Model == "" {
			return fmt.Errorf("providers.openai.model is required")
		}
		if c.Providers.OpenAI.APIKey == "" {
			return fmt.Errorf("providers.openai.api_key is required (set OPENAI_API_KEY env var)")
		}
	default:
		return fmt.Errorf("providers.default %q is not supported (use anthropic or openai)", c.Providers.Default)
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}
