// Package config loads the composition root's settings from a YAML file
// with environment-variable expansion.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full set of settings the composition root needs to wire the
// Orchestrator Loop, Improvement Queue, Evolution Engine, and Safety Guard.
type Config struct {
	LLM          LLMConfig          `yaml:"llm"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Queue        QueueConfig        `yaml:"queue"`
	Evolution    EvolutionConfig    `yaml:"evolution"`
	Safety       SafetyConfig       `yaml:"safety"`
	Storage      StorageConfig      `yaml:"storage"`
}

// LLMConfig configures the multi-provider Router.
type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
}

// LLMProviderConfig is one provider adapter's credentials and defaults.
type LLMProviderConfig struct {
	APIKey       string `yaml:"api_key"`
	DefaultModel string `yaml:"default_model"`
	BaseURL      string `yaml:"base_url"`
}

// OrchestratorConfig tunes the Orchestrator Loop.
type OrchestratorConfig struct {
	MaxToolIterations int `yaml:"max_tool_iterations"`
}

// QueueConfig tunes the Improvement Queue's worker pool and timing.
type QueueConfig struct {
	MaxWorkers   int           `yaml:"max_workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	CoolDown     time.Duration `yaml:"cool_down"`
	RetainDays   int           `yaml:"retain_days"`
}

// EvolutionConfig points the Evolution Engine at the project tree it plans
// and writes changes into.
type EvolutionConfig struct {
	ProjectRoot string `yaml:"project_root"`
}

// SafetyConfig tunes the Safety Guard's test runner and persisted state
// location.
type SafetyConfig struct {
	TestCommand []string `yaml:"test_command"`
	TestTimeout time.Duration `yaml:"test_timeout"`
	StateDir    string   `yaml:"state_dir"`
}

// StorageConfig locates the Improvement Queue's and Error Collector's
// on-disk files.
type StorageConfig struct {
	DataDir string `yaml:"data_dir"`
}

// Default returns a Config with conservative defaults: a single worker,
// 30s polling, 5s cooldown, 120s test timeout, and data rooted at ./data.
func Default() *Config {
	return &Config{
		Orchestrator: OrchestratorConfig{MaxToolIterations: 15},
		Queue: QueueConfig{
			MaxWorkers:   1,
			PollInterval: 30 * time.Second,
			CoolDown:     5 * time.Second,
			RetainDays:   30,
		},
		Evolution: EvolutionConfig{ProjectRoot: "."},
		Safety: SafetyConfig{
			TestCommand: []string{"go", "test", "./..."},
			TestTimeout: 120 * time.Second,
			StateDir:    "data/supervisor",
		},
		Storage: StorageConfig{DataDir: "data"},
	}
}

// Load reads path, expanding ${VAR} environment references before decoding,
// and fills in any zero-valued field from Default(). An empty path returns
// Default() unchanged, so the binary can run from environment variables
// alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	expanded := os.ExpandEnv(string(data))

	loaded := Default()
	if err := yaml.Unmarshal([]byte(expanded), loaded); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return loaded, nil
}
