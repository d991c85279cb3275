// Package config loads the daemon configuration from YAML. Environment
// references of the form ${VAR} are expanded before parsing, so API keys
// stay out of the file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration document.
type Config struct {
	Model     ModelConfig     `yaml:"model"`
	Agents    AgentsConfig    `yaml:"agents"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Engine    EngineConfig    `yaml:"engine"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ModelConfig configures the model-service client.
type ModelConfig struct {
	// APIKey authenticates against the model service. Usually supplied as
	// ${OPENROUTER_API_KEY}.
	APIKey string `yaml:"api_key"`

	// BaseURL overrides the service endpoint. Empty selects OpenRouter.
	BaseURL string `yaml:"base_url"`

	// Default is the model used when an agent has no override.
	Default string `yaml:"default"`

	// AppName and SiteURL identify this deployment to the service.
	AppName string `yaml:"app_name"`
	SiteURL string `yaml:"site_url"`

	// CacheSize bounds the non-streaming response cache. Zero disables it.
	CacheSize int `yaml:"cache_size"`

	// MaxRetries bounds transparent retries of retryable stream-open
	// failures. Zero surfaces the first failure.
	MaxRetries int `yaml:"max_retries"`
}

// AgentsConfig locates the agent roster.
type AgentsConfig struct {
	// File is the YAML roster path.
	File string `yaml:"file"`

	// Watch reloads the roster when the file changes.
	Watch bool `yaml:"watch"`

	// Default is the agent used when startSession names none.
	Default string `yaml:"default"`
}

// WorkspaceConfig sets the path-guard roots for tool filesystem access.
type WorkspaceConfig struct {
	Root    string `yaml:"root"`
	Output  string `yaml:"output"`
	Scratch string `yaml:"scratch"`
}

// ChannelsConfig tunes channel storage.
type ChannelsConfig struct {
	// Capacity is the per-(session, channel) ring size.
	Capacity int `yaml:"capacity"`

	// IdleTTL evicts sessions whose newest channel message is older.
	IdleTTL time.Duration `yaml:"idle_ttl"`
}

// EngineConfig tunes turn execution.
type EngineConfig struct {
	TurnTimeout      time.Duration `yaml:"turn_timeout"`
	ToolTimeout      time.Duration `yaml:"tool_timeout"`
	MaxParallelTools int           `yaml:"max_parallel_tools"`
	SessionIdleTTL   time.Duration `yaml:"session_idle_ttl"`
	ReclaimInterval  time.Duration `yaml:"reclaim_interval"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Default:    "openai/gpt-4o",
			AppName:    "convoke",
			CacheSize:  128,
			MaxRetries: 2,
		},
		Agents: AgentsConfig{
			File:  "agents.yaml",
			Watch: true,
		},
		Channels: ChannelsConfig{
			Capacity: 1000,
			IdleTTL:  24 * time.Hour,
		},
		Engine: EngineConfig{
			TurnTimeout:      5 * time.Minute,
			MaxParallelTools: 4,
			SessionIdleTTL:   24 * time.Hour,
			ReclaimInterval:  time.Hour,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Listen: ":9090",
		},
	}
}

// Load reads path, expands ${VAR} references, and unmarshals over the
// defaults. A missing file returns the defaults unchanged only when path is
// empty; a named file must exist.
func Load(path string) (*Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) == "" {
		return cfg, cfg.Validate()
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := ParseInto(cfg, data); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// ParseInto expands env references in data and unmarshals it over cfg.
func ParseInto(cfg *Config, data []byte) error {
	expanded := os.Expand(string(data), func(key string) string {
		return os.Getenv(key)
	})
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	return nil
}

// Validate rejects configurations the daemon cannot run with. The model API
// key is checked at client construction, not here, so offline commands like
// roster inspection still work.
func (c *Config) Validate() error {
	if c.Channels.Capacity < 0 {
		return fmt.Errorf("config: channels.capacity must be non-negative")
	}
	if c.Engine.MaxParallelTools < 0 {
		return fmt.Errorf("config: engine.max_parallel_tools must be non-negative")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown logging.level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("config: unknown logging.format %q", c.Logging.Format)
	}
	return nil
}
