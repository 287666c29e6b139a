// Package config loads worker configuration from YAML with environment
// variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iofold/iofold/pkg/provider"
)

// Default configuration values exported for documentation and validation
const (
	DefaultDatabasePath     = "iofold.db"
	DefaultQueueName        = "jobs"
	DefaultBatchSize        = 10
	DefaultMaxAttempts      = 3
	DefaultCandidateCount   = 5
	DefaultMaxSandboxRuns   = 4
	DefaultProviderTimeout  = 120 * time.Second
	DefaultSandboxTimeout   = 30 * time.Second
	DefaultProviderModel    = "anthropic/claude-sonnet-4-5"
	DefaultAPIBind          = "127.0.0.1:8383"
	DefaultMonitorThreshold = 0.7
)

// Config is the complete iofold worker configuration.
type Config struct {
	DatabasePath string         `yaml:"database_path"`
	LogDir       string         `yaml:"log_dir"`
	Bus          BusConfig      `yaml:"bus"`
	Queue        QueueConfig    `yaml:"queue"`
	Pipeline     PipelineConfig `yaml:"pipeline"`
	Provider     ProviderConfig `yaml:"provider"`
	Sandbox      SandboxConfig  `yaml:"sandbox"`
	API          APIConfig      `yaml:"api"`
	Integrations []Integration  `yaml:"integrations"`
}

// Integration configures one external trace source for import jobs.
type Integration struct {
	Name    string        `yaml:"name"`
	BaseURL string        `yaml:"base_url"`
	APIKey  string        `yaml:"api_key"`
	Timeout time.Duration `yaml:"timeout"`
}

// BusConfig selects and configures the message transport.
type BusConfig struct {
	// Kind is "nats" or "memory".
	Kind string `yaml:"kind"`
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// QueueConfig controls the consumer loop.
type QueueConfig struct {
	Name        string `yaml:"name"`
	BatchSize   int    `yaml:"batch_size"`
	MaxAttempts int    `yaml:"max_attempts"`
}

// PipelineConfig controls the eval candidate pipeline.
type PipelineConfig struct {
	CandidateCount    int     `yaml:"candidate_count"`
	MaxSandboxRuns    int     `yaml:"max_sandbox_runs"` // concurrent sandbox invocations
	MonitorThreshold  float64 `yaml:"monitor_threshold"`
	MinLabeledPerSide int     `yaml:"min_labeled_per_side"`
}

// ProviderConfig configures the generation provider client.
type ProviderConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Timeout     time.Duration `yaml:"timeout"`
	RateLimit   float64       `yaml:"rate_limit"` // requests per second
	MaxRetries  int           `yaml:"max_retries"`
	MaxParallel int           `yaml:"max_parallel"`
}

// SandboxConfig configures the sandboxed executor.
type SandboxConfig struct {
	Command   string        `yaml:"command"` // interpreter command, e.g. python3
	Timeout   time.Duration `yaml:"timeout"`
	MaxOutput int           `yaml:"max_output"` // bytes of captured output
}

// APIConfig configures the HTTP surface.
type APIConfig struct {
	Bind    string `yaml:"bind"`
	Enabled bool   `yaml:"enabled"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		DatabasePath: DefaultDatabasePath,
		LogDir:       "logs",
		Bus: BusConfig{
			Kind: "nats",
			URL:  "nats://localhost:4222",
			Name: "iofold",
		},
		Queue: QueueConfig{
			Name:        DefaultQueueName,
			BatchSize:   DefaultBatchSize,
			MaxAttempts: DefaultMaxAttempts,
		},
		Pipeline: PipelineConfig{
			CandidateCount:    DefaultCandidateCount,
			MaxSandboxRuns:    DefaultMaxSandboxRuns,
			MonitorThreshold:  DefaultMonitorThreshold,
			MinLabeledPerSide: 1,
		},
		Provider: ProviderConfig{
			BaseURL:     "https://openrouter.ai/api/v1",
			Model:       DefaultProviderModel,
			Timeout:     DefaultProviderTimeout,
			RateLimit:   2,
			MaxRetries:  2,
			MaxParallel: 5,
		},
		Sandbox: SandboxConfig{
			Command:   "python3",
			Timeout:   DefaultSandboxTimeout,
			MaxOutput: 64 * 1024,
		},
		API: APIConfig{
			Bind:    DefaultAPIBind,
			Enabled: true,
		},
	}
}

// Load reads configuration from an optional YAML file and applies
// environment overrides. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("IOFOLD_DATABASE_PATH"); v != "" {
		cfg.DatabasePath = v
	}
	if v := os.Getenv("IOFOLD_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}
	if v := os.Getenv("IOFOLD_BUS_KIND"); v != "" {
		cfg.Bus.Kind = v
	}
	if v := os.Getenv("IOFOLD_NATS_URL"); v != "" {
		cfg.Bus.URL = v
	}
	if v := os.Getenv("IOFOLD_QUEUE_NAME"); v != "" {
		cfg.Queue.Name = v
	}
	if v := strings.TrimSpace(os.Getenv("IOFOLD_QUEUE_BATCH_SIZE")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.BatchSize = n
		}
	}
	if v := strings.TrimSpace(os.Getenv("IOFOLD_QUEUE_MAX_ATTEMPTS")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Queue.MaxAttempts = n
		}
	}
	if v := os.Getenv("IOFOLD_PROVIDER_BASE_URL"); v != "" {
		cfg.Provider.BaseURL = v
	}
	if v := os.Getenv("IOFOLD_PROVIDER_MODEL"); v != "" {
		cfg.Provider.Model = v
	}
	if v := os.Getenv("OPENROUTER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := os.Getenv("IOFOLD_PROVIDER_API_KEY"); v != "" {
		cfg.Provider.APIKey = v
	}
	if v := strings.TrimSpace(os.Getenv("IOFOLD_PROVIDER_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Provider.Timeout = d
		}
	}
	if v := os.Getenv("IOFOLD_SANDBOX_COMMAND"); v != "" {
		cfg.Sandbox.Command = v
	}
	if v := strings.TrimSpace(os.Getenv("IOFOLD_SANDBOX_TIMEOUT")); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Sandbox.Timeout = d
		}
	}
	if v := os.Getenv("IOFOLD_API_BIND"); v != "" {
		cfg.API.Bind = v
	}
}

// Validate checks the configuration for values the worker cannot run with.
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return fmt.Errorf("config: database_path cannot be empty")
	}
	switch c.Bus.Kind {
	case "nats", "memory":
	default:
		return fmt.Errorf("config: bus.kind must be nats or memory, got %q", c.Bus.Kind)
	}
	if c.Queue.Name == "" {
		return fmt.Errorf("config: queue.name cannot be empty")
	}
	if c.Queue.BatchSize <= 0 {
		return fmt.Errorf("config: queue.batch_size must be positive")
	}
	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("config: queue.max_attempts must be positive")
	}
	if c.Pipeline.CandidateCount <= 0 {
		return fmt.Errorf("config: pipeline.candidate_count must be positive")
	}
	if c.Pipeline.CandidateCount > len(provider.VariationTypes) {
		return fmt.Errorf("config: pipeline.candidate_count %d exceeds the %d variation strategies",
			c.Pipeline.CandidateCount, len(provider.VariationTypes))
	}
	if c.Pipeline.MaxSandboxRuns <= 0 {
		return fmt.Errorf("config: pipeline.max_sandbox_runs must be positive")
	}
	if c.Pipeline.MonitorThreshold < 0 || c.Pipeline.MonitorThreshold > 1 {
		return fmt.Errorf("config: pipeline.monitor_threshold must be in [0, 1]")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("config: provider.timeout must be positive")
	}
	if c.Sandbox.Timeout <= 0 {
		return fmt.Errorf("config: sandbox.timeout must be positive")
	}
	for _, integration := range c.Integrations {
		if integration.Name == "" || integration.BaseURL == "" {
			return fmt.Errorf("config: integrations entries need a name and base_url")
		}
	}
	return nil
}
