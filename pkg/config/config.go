// Package config loads the agent configuration from a YAML file with
// environment variable expansion, then applies SLEUTH_* environment
// overrides. Every field has a usable default so the agent runs with no
// config file at all.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const envPrefix = "SLEUTH_"

// Config is the complete agent configuration.
type Config struct {
	Model   ModelConfig   `yaml:"model"`
	Server  ServerConfig  `yaml:"server"`
	Bridge  BridgeConfig  `yaml:"bridge"`
	Agent   AgentConfig   `yaml:"agent"`
	Logging LoggingConfig `yaml:"logging"`
}

// ModelConfig selects the language model backend. API keys are read from the
// provider's own environment variables, never from the config file.
type ModelConfig struct {
	Provider string `yaml:"provider"`
	Name     string `yaml:"name"`
}

// ServerConfig describes how to launch the MCP tool server process.
type ServerConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Dir     string   `yaml:"dir"`

	RequestTimeout    time.Duration `yaml:"-"`
	RequestTimeoutRaw string        `yaml:"request_timeout"`
}

// BridgeConfig points the bundled tool server at the capture bridge.
type BridgeConfig struct {
	URL string `yaml:"url"`

	Timeout    time.Duration `yaml:"-"`
	TimeoutRaw string        `yaml:"timeout"`
}

// AgentConfig bounds the orchestration loop and dump persistence.
type AgentConfig struct {
	MaxToolCalls  int    `yaml:"max_tool_calls"`
	AutoSaveDumps bool   `yaml:"auto_save_dumps"`
	DumpDir       string `yaml:"dump_dir"`
}

// LoggingConfig routes the session log.
type LoggingConfig struct {
	Path  string `yaml:"path"`
	Level string `yaml:"level"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Model: ModelConfig{
			Provider: "gemini",
			Name:     "gemini-2.0-flash",
		},
		Server: ServerConfig{
			Command:        "sleuth-bridge",
			RequestTimeout: 30 * time.Second,
		},
		Bridge: BridgeConfig{
			URL:     "http://127.0.0.1:8081",
			Timeout: 10 * time.Second,
		},
		Agent: AgentConfig{
			MaxToolCalls:  10,
			AutoSaveDumps: true,
			DumpDir:       "dumps",
		},
		Logging: LoggingConfig{
			Path:  "sleuth.log",
			Level: "info",
		},
	}
}

// Load reads the config file at path, falling back to defaults when the file
// does not exist. Environment variables in ${VAR} form are expanded before
// parsing, and SLEUTH_* overrides are applied afterwards.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// No file is fine; defaults plus env overrides apply.
		case err != nil:
			return nil, fmt.Errorf("reading config file: %w", err)
		default:
			if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
				return nil, fmt.Errorf("parsing config file: %w", err)
			}
		}
	}

	if err := parseDurations(cfg); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// expandEnvVars replaces ${VAR} patterns with environment values; unset
// variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(re.FindStringSubmatch(match)[1])
	})
}

func parseDurations(cfg *Config) error {
	if raw := cfg.Server.RequestTimeoutRaw; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing server.request_timeout %q: %w", raw, err)
		}
		cfg.Server.RequestTimeout = d
	}
	if raw := cfg.Bridge.TimeoutRaw; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("parsing bridge.timeout %q: %w", raw, err)
		}
		cfg.Bridge.Timeout = d
	}
	return nil
}

// applyEnvOverrides lets individual settings be flipped without editing the
// config file. Invalid numeric/duration override values are ignored rather
// than failing startup.
func applyEnvOverrides(cfg *Config) {
	if v := env("PROVIDER"); v != "" {
		cfg.Model.Provider = v
	}
	if v := env("MODEL"); v != "" {
		cfg.Model.Name = v
	}
	if v := env("SERVER_COMMAND"); v != "" {
		parts := strings.Fields(v)
		cfg.Server.Command = parts[0]
		cfg.Server.Args = parts[1:]
	}
	if v := env("BRIDGE_URL"); v != "" {
		cfg.Bridge.URL = v
	}
	if v := env("REQUEST_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Server.RequestTimeout = d
		}
	}
	if v := env("MAX_TOOL_CALLS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxToolCalls = n
		}
	}
	if v := env("AUTO_SAVE_DUMPS"); v != "" {
		cfg.Agent.AutoSaveDumps = strings.EqualFold(v, "true") || v == "1"
	}
	if v := env("DUMP_DIR"); v != "" {
		cfg.Agent.DumpDir = v
	}
	if v := env("LOG_FILE"); v != "" {
		cfg.Logging.Path = v
	}
	if v := env("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func env(name string) string {
	return strings.TrimSpace(os.Getenv(envPrefix + name))
}

// Validate checks the fields the agent cannot run without.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Model.Provider) == "" {
		return fmt.Errorf("model.provider is required")
	}
	if strings.TrimSpace(c.Model.Name) == "" {
		return fmt.Errorf("model.name is required")
	}
	if strings.TrimSpace(c.Server.Command) == "" {
		return fmt.Errorf("server.command is required")
	}
	if c.Server.RequestTimeout <= 0 {
		return fmt.Errorf("server.request_timeout must be positive")
	}
	if c.Agent.MaxToolCalls <= 0 {
		return fmt.Errorf("agent.max_tool_calls must be positive")
	}
	return nil
}
