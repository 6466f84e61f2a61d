// Package config loads perchd configuration from YAML with environment
// overrides, and hot-reloads the file on change.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Listen   string         `yaml:"listen"`
	Database DatabaseConfig `yaml:"database"`
	Auth     AuthConfig     `yaml:"auth"`
	Agent    AgentConfig    `yaml:"agent"`
	Approval ApprovalConfig `yaml:"approval"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	// Bcrypt hash of the operator password; used by POST /auth/token.
	PasswordHash string `yaml:"password_hash"`
	// Base64 overrides for the stored secrets, normally left empty.
	JWTSecret   string `yaml:"jwt_secret"`
	AgentSecret string `yaml:"agent_secret"`
}

type AgentConfig struct {
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
}

type ApprovalConfig struct {
	Timeout Duration `yaml:"timeout"`
}

// Duration parses YAML values like "5m" or "90s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Load reads configuration from a file, applying defaults and env overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Default returns the built-in configuration used when no file exists.
func Default() *Config {
	cfg := defaults()
	applyEnv(cfg)
	return cfg
}

func defaults() *Config {
	return &Config{
		Listen:   ":8787",
		Database: DatabaseConfig{Path: "perch.db"},
		Agent:    AgentConfig{Command: "perch-agent"},
		Approval: ApprovalConfig{Timeout: Duration(5 * time.Minute)},
		Logging:  LoggingConfig{Level: "info"},
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PERCH_LISTEN"); v != "" {
		cfg.Listen = v
	}
	if v := os.Getenv("PERCH_DB_PATH"); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv("PERCH_JWT_SECRET"); v != "" {
		cfg.Auth.JWTSecret = v
	}
	if v := os.Getenv("PERCH_AGENT_SECRET"); v != "" {
		cfg.Auth.AgentSecret = v
	}
	if v := os.Getenv("PERCH_PASSWORD_HASH"); v != "" {
		cfg.Auth.PasswordHash = v
	}
	if v := os.Getenv("PERCH_AGENT_COMMAND"); v != "" {
		cfg.Agent.Command = v
	}
	if v := os.Getenv("PERCH_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if c.Approval.Timeout <= 0 {
		return fmt.Errorf("approval.timeout must be positive")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug/info/warn/error")
	}
	return nil
}
