// Package config holds the deployment configuration of the governance cycle.
// Values come from defaults, an optional YAML file, then ICGL_* environment
// variables, in that order of precedence (environment wins).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/icgl/pkg/artifacts"
)

// MinSecretLen mirrors the signer's minimum HMAC secret length.
const MinSecretLen = 16

// Config is the full configuration surface.
//
//nolint:govet // fieldalignment: struct layout is human-readable
type Config struct {
	LogLevel string `yaml:"log_level"`
	DataDir  string `yaml:"data_dir"`

	// Storage: empty DatabaseURL selects lite mode (sqlite under DataDir).
	DatabaseURL string `yaml:"database_url"`
	RedisAddr   string `yaml:"redis_addr"`

	// Budget and agents
	BudgetLimit   int64         `yaml:"budget_limit"`
	AgentTimeout  time.Duration `yaml:"agent_timeout"`
	AgentRoles    []string      `yaml:"agent_roles"`
	PoolSize      int           `yaml:"pool_size"`
	DispatchRPS   float64       `yaml:"dispatch_rps"`
	DispatchBurst int           `yaml:"dispatch_burst"`

	// Rules and policies
	EnabledRules []string `yaml:"enabled_rules"`
	PolicyFile   string   `yaml:"policy_file"`
	RuleFile     string   `yaml:"rule_file"`

	// Human authority
	SigningSecret string `yaml:"-"`
	TokenIssuer   string `yaml:"token_issuer"`

	Artifacts artifacts.Config `yaml:"artifacts"`
	Telemetry Telemetry        `yaml:"telemetry"`
}

// Telemetry configures OpenTelemetry export.
type Telemetry struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`
	Insecure   bool    `yaml:"insecure"`
	SampleRate float64 `yaml:"sample_rate"`
}

// Default returns the lite-mode defaults.
func Default() *Config {
	return &Config{
		LogLevel:      "INFO",
		DataDir:       "data",
		BudgetLimit:   100,
		AgentTimeout:  30 * time.Second,
		PoolSize:      4,
		DispatchBurst: 1,
		TokenIssuer:   "icgl",
		Artifacts:     artifacts.Config{Backend: artifacts.BackendFS},
		Telemetry: Telemetry{
			Endpoint:   "localhost:4317",
			SampleRate: 1.0,
		},
	}
}

// Load loads configuration from environment variables over the defaults.
func Load() (*Config, error) {
	cfg := Default()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.finish()
	return cfg, nil
}

// LoadFile reads a YAML overlay, then applies the environment.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path) //nolint:gosec // operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.finish()
	return cfg, nil
}

func (c *Config) applyEnv() error {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	list := func(key string, dst *[]string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = splitList(v)
		}
	}

	str("ICGL_LOG_LEVEL", &c.LogLevel)
	str("ICGL_DATA_DIR", &c.DataDir)
	str("DATABASE_URL", &c.DatabaseURL)
	str("ICGL_DATABASE_URL", &c.DatabaseURL)
	str("REDIS_ADDR", &c.RedisAddr)
	str("ICGL_REDIS_ADDR", &c.RedisAddr)
	str("ICGL_POLICY_FILE", &c.PolicyFile)
	str("ICGL_RULE_FILE", &c.RuleFile)
	str("ICGL_SIGNING_SECRET", &c.SigningSecret)
	str("ICGL_TOKEN_ISSUER", &c.TokenIssuer)
	str("ICGL_OTEL_ENDPOINT", &c.Telemetry.Endpoint)
	list("ICGL_AGENT_ROLES", &c.AgentRoles)
	list("ICGL_ENABLED_RULES", &c.EnabledRules)

	var errs []error
	if v := os.Getenv("ICGL_BUDGET_LIMIT"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		errs = append(errs, wrapEnv("ICGL_BUDGET_LIMIT", err))
		c.BudgetLimit = n
	}
	if v := os.Getenv("ICGL_AGENT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		errs = append(errs, wrapEnv("ICGL_AGENT_TIMEOUT", err))
		c.AgentTimeout = d
	}
	if v := os.Getenv("ICGL_POOL_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, wrapEnv("ICGL_POOL_SIZE", err))
		c.PoolSize = n
	}
	if v := os.Getenv("ICGL_DISPATCH_RPS"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		errs = append(errs, wrapEnv("ICGL_DISPATCH_RPS", err))
		c.DispatchRPS = f
	}
	if v := os.Getenv("ICGL_DISPATCH_BURST"); v != "" {
		n, err := strconv.Atoi(v)
		errs = append(errs, wrapEnv("ICGL_DISPATCH_BURST", err))
		c.DispatchBurst = n
	}
	if v := os.Getenv("ICGL_OTEL_ENABLED"); v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, wrapEnv("ICGL_OTEL_ENABLED", err))
		c.Telemetry.Enabled = b
	}
	if v := os.Getenv("ICGL_OTEL_INSECURE"); v != "" {
		b, err := strconv.ParseBool(v)
		errs = append(errs, wrapEnv("ICGL_OTEL_INSECURE", err))
		c.Telemetry.Insecure = b
	}
	if v := os.Getenv("ICGL_OTEL_SAMPLE_RATE"); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		errs = append(errs, wrapEnv("ICGL_OTEL_SAMPLE_RATE", err))
		c.Telemetry.SampleRate = f
	}

	if _, ok := os.LookupEnv("ICGL_ARTIFACT_BACKEND"); ok {
		c.Artifacts = artifacts.ConfigFromEnv(c.DataDir)
	}
	return errors.Join(errs...)
}

// finish fills values derived from other fields.
func (c *Config) finish() {
	if c.Artifacts.Backend == artifacts.BackendFS && c.Artifacts.Dir == "" {
		c.Artifacts.Dir = filepath.Join(c.DataDir, "artifacts")
	}
}

func wrapEnv(key string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("config: %s: %w", key, err)
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.BudgetLimit < 0 {
		errs = append(errs, fmt.Errorf("budget_limit must be >= 0, got %d", c.BudgetLimit))
	}
	if c.AgentTimeout <= 0 {
		errs = append(errs, fmt.Errorf("agent_timeout must be positive, got %s", c.AgentTimeout))
	}
	if c.PoolSize < 1 {
		errs = append(errs, fmt.Errorf("pool_size must be >= 1, got %d", c.PoolSize))
	}
	if c.DispatchRPS < 0 {
		errs = append(errs, fmt.Errorf("dispatch_rps must be >= 0, got %g", c.DispatchRPS))
	}
	if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
		errs = append(errs, fmt.Errorf("telemetry.sample_rate must be within [0,1], got %g", c.Telemetry.SampleRate))
	}
	if c.SigningSecret != "" && len(c.SigningSecret) < MinSecretLen {
		errs = append(errs, fmt.Errorf("signing secret must be at least %d bytes", MinSecretLen))
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid log_level %q", c.LogLevel)
	}
	return lvl, nil
}

// LiteMode reports whether state lives in the embedded sqlite database.
func (c *Config) LiteMode() bool {
	return c.DatabaseURL == ""
}

// SQLitePath is the lite-mode database file.
func (c *Config) SQLitePath() string {
	return filepath.Join(c.DataDir, "icgl.db")
}
