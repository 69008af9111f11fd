// Package config loads the agentgraph YAML configuration used by the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is looked up in the working directory when no path is given.
const DefaultFileName = "agentgraph.yaml"

// Config is the complete agentgraph configuration.
type Config struct {
	Workspace  string           `yaml:"workspace"`
	Model      ModelConfig      `yaml:"model"`
	Log        LogConfig        `yaml:"log"`
	Engine     EngineConfig     `yaml:"engine"`
	Controller ControllerConfig `yaml:"controller"`
	Approval   ApprovalConfig   `yaml:"approval"`
	Storage    StorageConfig    `yaml:"storage"`
	Security   SecurityConfig   `yaml:"security"`
}

// ModelConfig selects the generator backend.
type ModelConfig struct {
	// Provider is one of mock, anthropic or openai.
	Provider string `yaml:"provider"`
	// Name is the provider model id; empty uses the adapter default.
	Name        string        `yaml:"name"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int64         `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`
}

// LogConfig configures the WorkflowLogger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// EngineConfig mirrors engine.Config.
type EngineConfig struct {
	RunTimeout      time.Duration `yaml:"run_timeout"`
	MaxSteps        int           `yaml:"max_steps"`
	EventBufferSize int           `yaml:"event_buffer_size"`
}

// ControllerConfig configures admission and the graph cache.
type ControllerConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	CacheSize     int           `yaml:"cache_size"`
	CacheTTL      time.Duration `yaml:"cache_ttl"`
}

// ApprovalConfig configures human checkpoints.
type ApprovalConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	NATS    NATSConfig    `yaml:"nats"`
}

// NATSConfig enables the NATS checkpoint transport when URL is set.
type NATSConfig struct {
	URL           string `yaml:"url"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// StorageConfig selects the snapshot and artifact backends.
type StorageConfig struct {
	// Snapshots is memory or file.
	Snapshots string `yaml:"snapshots"`
	// Artifacts is memory or workspace.
	Artifacts string `yaml:"artifacts"`
	ListCap   int    `yaml:"list_cap"`
}

// SecurityConfig configures the security gate.
type SecurityConfig struct {
	ModelReview bool `yaml:"model_review"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Workspace: ".",
		Model: ModelConfig{
			Provider:    "mock",
			Temperature: 0.2,
			MaxTokens:   4096,
			Timeout:     2 * time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Engine: EngineConfig{
			RunTimeout:      30 * time.Minute,
			MaxSteps:        256,
			EventBufferSize: 100,
		},
		Controller: ControllerConfig{
			MaxConcurrent: 4,
			CacheSize:     128,
			CacheTTL:      30 * time.Minute,
		},
		Approval: ApprovalConfig{
			Timeout: 24 * time.Hour,
			NATS: NATSConfig{
				SubjectPrefix: "agentgraph.hitl",
			},
		},
		Storage: StorageConfig{
			Snapshots: "file",
			Artifacts: "workspace",
			ListCap:   50,
		},
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	var errs []error
	if !slices.Contains([]string{"mock", "anthropic", "openai"}, c.Model.Provider) {
		errs = append(errs, fmt.Errorf("model.provider must be mock, anthropic or openai, got %q", c.Model.Provider))
	}
	if c.Model.Temperature < 0 || c.Model.Temperature > 2 {
		errs = append(errs, fmt.Errorf("model.temperature must be between 0 and 2"))
	}
	if c.Controller.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("controller.max_concurrent must be positive"))
	}
	if c.Engine.MaxSteps <= 0 {
		errs = append(errs, fmt.Errorf("engine.max_steps must be positive"))
	}
	if !slices.Contains([]string{"memory", "file"}, c.Storage.Snapshots) {
		errs = append(errs, fmt.Errorf("storage.snapshots must be memory or file, got %q", c.Storage.Snapshots))
	}
	if !slices.Contains([]string{"memory", "workspace"}, c.Storage.Artifacts) {
		errs = append(errs, fmt.Errorf("storage.artifacts must be memory or workspace, got %q", c.Storage.Artifacts))
	}
	if c.Storage.ListCap <= 0 {
		errs = append(errs, fmt.Errorf("storage.list_cap must be positive"))
	}
	return errors.Join(errs...)
}

// APIKey returns the key named by Model.APIKeyEnv, if any.
func (c *Config) APIKey() string {
	if c.Model.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(c.Model.APIKeyEnv)
}

// LoadFromFile loads configuration from a YAML file on top of the defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return config, nil
}

// Load reads path, or DefaultFileName in dir when path is empty. A missing
// default file yields the defaults.
func Load(path, dir string) (*Config, error) {
	if path != "" {
		return LoadFromFile(path)
	}
	candidate := filepath.Join(dir, DefaultFileName)
	if _, err := os.Stat(candidate); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}
	return LoadFromFile(candidate)
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}
