package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Load reads and validates a YAML configuration file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// LoadWithEnv loads configuration and applies KEYBRIDGE_* overrides.
// An empty path starts from Default, so the service can run on env alone.
func LoadWithEnv(path string) (*Config, error) {
	var cfg *Config
	if path == "" {
		cfg = Default()
	} else {
		var err error
		cfg, err = Load(path)
		if err != nil {
			return nil, err
		}
	}

	if v := os.Getenv("KEYBRIDGE_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("KEYBRIDGE_LOGIN_URL_BASE"); v != "" {
		cfg.Login.URLBase = v
	}
	if v := os.Getenv("KEYBRIDGE_SNAPSHOT_PATH"); v != "" {
		cfg.Credentials.SnapshotPath = v
	}
	if v := os.Getenv("KEYBRIDGE_IDENTITY_URL"); v != "" {
		cfg.Identity.BaseURL = v
	}
	if v := os.Getenv("KEYBRIDGE_IDENTITY_API_KEY"); v != "" {
		cfg.Identity.APIKey = v
	}
	if v := os.Getenv("KEYBRIDGE_AUDIT_FILE"); v != "" {
		cfg.Audit.File = v
	}
	if v := os.Getenv("KEYBRIDGE_AUDIT_DRIVER"); v != "" {
		cfg.Audit.Driver = v
	}
	if v := os.Getenv("KEYBRIDGE_AUDIT_DSN"); v != "" {
		cfg.Audit.DSN = v
	}
	if v := os.Getenv("KEYBRIDGE_OPERATOR_SECRET"); v != "" {
		cfg.Operator.JWTSecret = v
	}
	if v := os.Getenv("KEYBRIDGE_OPERATOR_PASSWORD_HASH"); v != "" {
		cfg.Operator.PasswordHash = v
	}
	if v := os.Getenv("KEYBRIDGE_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("KEYBRIDGE_REDIS_DB"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("KEYBRIDGE_REDIS_DB: %w", err)
		}
		cfg.Redis.DB = n
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration after env overrides: %w", err)
	}

	return cfg, nil
}
