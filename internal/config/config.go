package config

import (
	"fmt"
	"time"
)

// Config is the full service configuration, loaded from YAML with
// environment overrides applied on top.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Login       LoginConfig       `yaml:"login"`
	Credentials CredentialsConfig `yaml:"credentials"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Identity    IdentityConfig    `yaml:"identity"`
	Audit       AuditConfig       `yaml:"audit"`
	Operator    OperatorConfig    `yaml:"operator"`
	Redis       RedisConfig       `yaml:"redis"`
}

// ServerConfig contains the HTTP listener settings.
type ServerConfig struct {
	ListenAddr   string `yaml:"listen_addr"`
	MaxBodyBytes int64  `yaml:"max_body_bytes"`
}

// LoginConfig describes how issued login tokens are turned into URLs the
// bot can hand to a user.
type LoginConfig struct {
	URLBase string `yaml:"url_base"`
}

// CredentialsConfig controls credential lifetimes and durability.
type CredentialsConfig struct {
	TokenTTL     string `yaml:"token_ttl"`
	RequestTTL   string `yaml:"request_ttl"`
	CodeTTL      string `yaml:"code_ttl"`
	SnapshotPath string `yaml:"snapshot_path"`
	GCInterval   string `yaml:"gc_interval"`
}

// RateLimitConfig controls the per-IP token bucket in front of the API.
// Per-operation fixed windows are built into the exchange service; Ops
// overrides their default ceilings by operation name.
type RateLimitConfig struct {
	Enabled   bool                     `yaml:"enabled"`
	PerSecond int                      `yaml:"per_second"`
	Burst     int                      `yaml:"burst"`
	Ops       map[string]OpLimitConfig `yaml:"ops"`
}

// OpLimitConfig is one fixed-window ceiling: at most Max calls per Window.
type OpLimitConfig struct {
	Max    int    `yaml:"max"`
	Window string `yaml:"window"`
}

// WindowDuration assumes Validate has already run.
func (o OpLimitConfig) WindowDuration() time.Duration { return mustDuration(o.Window) }

// IdentityConfig points at the session-issuing identity backend.
type IdentityConfig struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Timeout string `yaml:"timeout"`
}

// AuditConfig controls the audit ring and its durable sink.
// Driver is one of "pgx", "sqlite3" or empty (file/JSONL or none).
type AuditConfig struct {
	RingCapacity  int    `yaml:"ring_capacity"`
	FlushInterval string `yaml:"flush_interval"`
	File          string `yaml:"file"`
	Driver        string `yaml:"driver"`
	DSN           string `yaml:"dsn"`
}

// OperatorConfig gates the debug surface. When PasswordHash is empty the
// operator endpoints are disabled entirely.
type OperatorConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	PasswordHash string `yaml:"password_hash"`
	TokenTTL     string `yaml:"token_ttl"`
}

// RedisConfig enables the shared fixed-window limiter when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Default returns a configuration suitable for a single-node deployment.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddr:   ":8080",
			MaxBodyBytes: 1 << 20,
		},
		Login: LoginConfig{
			URLBase: "http://localhost:8080",
		},
		Credentials: CredentialsConfig{
			TokenTTL:   "5m",
			RequestTTL: "15m",
			CodeTTL:    "15m",
			GCInterval: "1m",
		},
		RateLimit: RateLimitConfig{
			Enabled:   true,
			PerSecond: 20,
			Burst:     40,
		},
		Identity: IdentityConfig{
			Timeout: "5s",
		},
		Audit: AuditConfig{
			RingCapacity:  1024,
			FlushInterval: "5s",
		},
		Operator: OperatorConfig{
			TokenTTL: "1h",
		},
	}
}

// Validate checks cross-field consistency. It is called after loading and
// again after env overrides.
func (c *Config) Validate() error {
	if c.Server.ListenAddr == "" {
		return fmt.Errorf("server.listen_addr is required")
	}
	if c.Server.MaxBodyBytes <= 0 {
		return fmt.Errorf("server.max_body_bytes must be positive")
	}

	for _, d := range []struct{ name, val string }{
		{"credentials.token_ttl", c.Credentials.TokenTTL},
		{"credentials.request_ttl", c.Credentials.RequestTTL},
		{"credentials.code_ttl", c.Credentials.CodeTTL},
		{"credentials.gc_interval", c.Credentials.GCInterval},
		{"identity.timeout", c.Identity.Timeout},
		{"audit.flush_interval", c.Audit.FlushInterval},
		{"operator.token_ttl", c.Operator.TokenTTL},
	} {
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("%s is invalid: %w", d.name, err)
		}
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.PerSecond <= 0 {
			return fmt.Errorf("rate_limit.per_second must be positive")
		}
		if c.RateLimit.Burst <= 0 {
			return fmt.Errorf("rate_limit.burst must be positive")
		}
	}
	for op, lim := range c.RateLimit.Ops {
		if lim.Max <= 0 {
			return fmt.Errorf("rate_limit.ops.%s.max must be positive", op)
		}
		if _, err := time.ParseDuration(lim.Window); err != nil {
			return fmt.Errorf("rate_limit.ops.%s.window is invalid: %w", op, err)
		}
	}

	if c.Audit.RingCapacity <= 0 {
		return fmt.Errorf("audit.ring_capacity must be positive")
	}
	switch c.Audit.Driver {
	case "", "pgx", "sqlite3":
	default:
		return fmt.Errorf("audit.driver must be 'pgx', 'sqlite3' or empty")
	}
	if c.Audit.Driver != "" && c.Audit.DSN == "" {
		return fmt.Errorf("audit.dsn is required when audit.driver is set")
	}

	if c.Operator.PasswordHash != "" && c.Operator.JWTSecret == "" {
		return fmt.Errorf("operator.jwt_secret is required when operator.password_hash is set")
	}

	return nil
}

// TokenTTL returns the login token lifetime.
func (c *Config) TokenTTL() time.Duration { return mustDuration(c.Credentials.TokenTTL) }

// RequestTTL returns the pending request lifetime.
func (c *Config) RequestTTL() time.Duration { return mustDuration(c.Credentials.RequestTTL) }

// CodeTTL returns the claim code lifetime.
func (c *Config) CodeTTL() time.Duration { return mustDuration(c.Credentials.CodeTTL) }

// GCInterval returns the sweep period for consumed expired records.
func (c *Config) GCInterval() time.Duration { return mustDuration(c.Credentials.GCInterval) }

// IdentityTimeout returns the per-call identity backend timeout.
func (c *Config) IdentityTimeout() time.Duration { return mustDuration(c.Identity.Timeout) }

// AuditFlushInterval returns the periodic sink flush interval.
func (c *Config) AuditFlushInterval() time.Duration { return mustDuration(c.Audit.FlushInterval) }

// OperatorTokenTTL returns the operator JWT lifetime.
func (c *Config) OperatorTokenTTL() time.Duration { return mustDuration(c.Operator.TokenTTL) }

// mustDuration assumes Validate has already run.
func mustDuration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}
