// Package config loads the service configuration from an optional YAML file
// with environment-variable overrides.
package config

import (
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config holds service configuration.
type Config struct {
	Host          string   `yaml:"host"`
	Port          int      `yaml:"port"`
	DBPath        string   `yaml:"db_path"`
	AdminPassword string   `yaml:"admin_password"`
	CORSOrigins   []string `yaml:"cors_origins"`
	DefaultPrompt string   `yaml:"default_prompt"`
	// LedgerRetentionDays bounds how long reset-ledger entries are kept.
	LedgerRetentionDays int `yaml:"ledger_retention_days"`
}

// Load reads the YAML file at path (missing file is fine) and applies env
// overrides on top.
func Load(path string) (*Config, error) {
	cfg := &Config{
		Host:                "127.0.0.1",
		Port:                8092,
		DBPath:              "cockpit.db",
		LedgerRetentionDays: 14,
	}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			log.Printf("[Config] No config file at %s, using defaults", path)
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file: %w", err)
			}
		}
	}

	applyEnv(cfg)

	if cfg.Port < 1 || cfg.Port > 65535 {
		return nil, fmt.Errorf("invalid port %d", cfg.Port)
	}
	if cfg.LedgerRetentionDays < 1 {
		cfg.LedgerRetentionDays = 14
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("COCKPIT_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("COCKPIT_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Port = port
		}
	}
	if v := os.Getenv("COCKPIT_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("COCKPIT_ADMIN_PASSWORD"); v != "" {
		cfg.AdminPassword = v
	}
	if v := os.Getenv("COCKPIT_CORS_ORIGINS"); v != "" {
		cfg.CORSOrigins = splitAndTrim(v)
	}
	if v := os.Getenv("COCKPIT_DEFAULT_PROMPT"); v != "" {
		cfg.DefaultPrompt = v
	}
	if v := os.Getenv("COCKPIT_LEDGER_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			cfg.LedgerRetentionDays = days
		}
	}
}

func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
