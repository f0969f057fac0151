// Package config loads the application configuration from YAML with
// environment overrides. A missing config file yields the defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vivym/scimate-agent/internal/verifier"
)

// Config holds all SciMate configuration.
type Config struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`

	LLM       LLMConfig       `yaml:"llm"`
	Execution ExecutionConfig `yaml:"execution"`
	Plugins   PluginsConfig   `yaml:"plugins"`
	Agent     AgentConfig     `yaml:"agent"`
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`

	// Policy is the static analysis gate applied to generated code.
	Policy verifier.Policy `yaml:"policy"`
}

// LLMConfig configures the model backend.
type LLMConfig struct {
	APIKey          string  `yaml:"api_key"`
	Model           string  `yaml:"model"`
	Temperature     float32 `yaml:"temperature"`
	TopP            float32 `yaml:"top_p"`
	MaxOutputTokens int32   `yaml:"max_output_tokens"`
	Timeout         string  `yaml:"timeout"`
}

// ExecutionConfig configures the code execution sessions.
type ExecutionConfig struct {
	// EnvDir is the root under which per-session working directories and
	// artifacts are created.
	EnvDir string `yaml:"env_dir"`

	// WorkerBinary is the executable spawned per session. Empty means the
	// current binary re-executed with the worker subcommand.
	WorkerBinary string   `yaml:"worker_binary"`
	WorkerArgs   []string `yaml:"worker_args"`

	// ReplyTimeout bounds how long one execution may run.
	ReplyTimeout string `yaml:"reply_timeout"`

	// SessionVars are seeded into every new session.
	SessionVars map[string]string `yaml:"session_vars"`
}

// PluginsConfig configures plugin discovery.
type PluginsConfig struct {
	Paths []string `yaml:"paths"`
	Watch bool     `yaml:"watch"`
}

// AgentConfig bounds the planner and self-correction loops.
type AgentConfig struct {
	MaxCorrections int `yaml:"max_corrections"`
	MaxPlannerHops int `yaml:"max_planner_hops"`
}

// ServerConfig configures the WebSocket front end.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// StorageConfig configures round persistence.
type StorageConfig struct {
	DatabasePath string `yaml:"database_path"`
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
	File   string `yaml:"file"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Name:    "scimate",
		Version: "0.1.0",

		LLM: LLMConfig{
			Model:           "gemini-2.5-flash",
			Temperature:     0.2,
			TopP:            0.9,
			MaxOutputTokens: 8192,
			Timeout:         "120s",
		},

		Execution: ExecutionConfig{
			EnvDir:       "data/env",
			ReplyTimeout: "180s",
		},

		Plugins: PluginsConfig{
			Paths: []string{"plugins"},
			Watch: true,
		},

		Agent: AgentConfig{
			MaxCorrections: 3,
			MaxPlannerHops: 10,
		},

		Server: ServerConfig{
			Addr: "127.0.0.1:8700",
		},

		Storage: StorageConfig{
			DatabasePath: "data/scimate.db",
		},

		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			File:   "",
		},
	}
}

// Load loads configuration from a YAML file on top of the defaults. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.applyEnvOverrides()

	if err := cfg.Policy.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if key := os.Getenv("GEMINI_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if key := os.Getenv("SCIMATE_API_KEY"); key != "" {
		c.LLM.APIKey = key
	}
	if model := os.Getenv("SCIMATE_MODEL"); model != "" {
		c.LLM.Model = model
	}
	if addr := os.Getenv("SCIMATE_ADDR"); addr != "" {
		c.Server.Addr = addr
	}
	if path := os.Getenv("SCIMATE_DB"); path != "" {
		c.Storage.DatabasePath = path
	}
	if dir := os.Getenv("SCIMATE_ENV_DIR"); dir != "" {
		c.Execution.EnvDir = dir
	}
	if paths := os.Getenv("SCIMATE_PLUGIN_PATHS"); paths != "" {
		c.Plugins.Paths = strings.Split(paths, string(os.PathListSeparator))
	}
	if level := os.Getenv("SCIMATE_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
}

// LLMTimeout returns the model call timeout as a duration.
func (c *Config) LLMTimeout() time.Duration {
	d, err := time.ParseDuration(c.LLM.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}

// ReplyTimeout returns the execution reply timeout as a duration.
func (c *Config) ReplyTimeout() time.Duration {
	d, err := time.ParseDuration(c.Execution.ReplyTimeout)
	if err != nil {
		return 180 * time.Second
	}
	return d
}
