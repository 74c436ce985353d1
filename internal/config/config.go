// Package config is the on-disk configuration for the extension host.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the host harness configuration.
//
// The token secret can be given inline or by naming an environment
// variable; the env form keeps the secret out of the file.
type Config struct {
	// PluginsDir holds installed extension packages.
	PluginsDir string `yaml:"plugins_dir"`

	// TokenSecret signs extension API tokens. Either this or
	// TokenSecretEnv is required; tokens are never issued with an empty
	// secret.
	TokenSecret string `yaml:"token_secret,omitempty"`

	// TokenSecretEnv names an environment variable holding the secret.
	TokenSecretEnv string `yaml:"token_secret_env,omitempty"`

	// HistoryCapacity bounds the event bus history. 0 uses the default.
	HistoryCapacity int `yaml:"history_capacity,omitempty"`

	// ViolationCapacity bounds the violation log. 0 uses the default.
	ViolationCapacity int `yaml:"violation_capacity,omitempty"`

	// SandboxTimeoutMillis lowers the per-call timeout ceiling. It can
	// only tighten the built-in default, never raise it.
	SandboxTimeoutMillis int `yaml:"sandbox_timeout_ms,omitempty"`

	// LogFormat is "json" or "text".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
}

// Validate checks the configuration for use.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if strings.TrimSpace(c.PluginsDir) == "" {
		return errors.New("missing plugins_dir")
	}
	if strings.TrimSpace(c.TokenSecret) == "" && strings.TrimSpace(c.TokenSecretEnv) == "" {
		return errors.New("missing token_secret or token_secret_env")
	}
	if c.HistoryCapacity < 0 {
		return errors.New("history_capacity must not be negative")
	}
	if c.ViolationCapacity < 0 {
		return errors.New("violation_capacity must not be negative")
	}
	if c.SandboxTimeoutMillis < 0 {
		return errors.New("sandbox_timeout_ms must not be negative")
	}
	switch c.LogFormat {
	case "", "json", "text":
	default:
		return fmt.Errorf("invalid log_format %q", c.LogFormat)
	}
	switch c.LogLevel {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return nil
}

// Secret resolves the token signing secret.
func (c *Config) Secret() ([]byte, error) {
	if s := strings.TrimSpace(c.TokenSecret); s != "" {
		return []byte(s), nil
	}
	if name := strings.TrimSpace(c.TokenSecretEnv); name != "" {
		if v := os.Getenv(name); v != "" {
			return []byte(v), nil
		}
		return nil, fmt.Errorf("environment variable %s is empty or unset", name)
	}
	return nil, errors.New("no token secret configured")
}

// SandboxTimeout returns the configured timeout override, or 0 when the
// default ceiling applies.
func (c *Config) SandboxTimeout() time.Duration {
	return time.Duration(c.SandboxTimeoutMillis) * time.Millisecond
}

// DefaultConfigPath returns the default config path:
//
//	~/.hivedesk/extension-host.yaml
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "extension-host.yaml"
	}
	return filepath.Join(home, ".hivedesk", "extension-host.yaml")
}

// Load reads and validates a configuration file.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}
