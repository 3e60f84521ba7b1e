// Package config loads the auditor's settings from YAML with environment
// overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hupe1980/turnaudit/core"
	"github.com/hupe1980/turnaudit/logging"
	"github.com/hupe1980/turnaudit/telemetry"
	"github.com/hupe1980/turnaudit/transcript"
)

// Environment variables read by ApplyEnv.
const (
	EnvLogDir           = "TURNAUDIT_LOG_DIR"
	EnvSessionID        = "TURNAUDIT_SESSION_ID"
	EnvOutputPreviewMax = "TURNAUDIT_OUTPUT_PREVIEW_MAX"
	EnvRationaleMax     = "TURNAUDIT_RATIONALE_MAX"
	EnvLogLevel         = "TURNAUDIT_LOG_LEVEL"
	EnvRedisAddr        = "TURNAUDIT_REDIS_ADDR"
	EnvMongoURI         = "TURNAUDIT_MONGO_URI"
)

// Config stores the auditor settings.
type Config struct {
	// LogDir is the directory receiving audit_<date>.jsonl files.
	LogDir string `yaml:"log_dir" json:"log_dir"`
	// SessionID is fixed for the process lifetime; generated when empty.
	SessionID string `yaml:"session_id" json:"session_id"`
	// Model is the default model identifier recorded on turns.
	Model            string `yaml:"model" json:"model"`
	OutputPreviewMax int    `yaml:"output_preview_max" json:"output_preview_max"`
	RationaleMax     int    `yaml:"rationale_max" json:"rationale_max"`
	// StrictStart rejects Start while a turn is open instead of abandoning it.
	StrictStart bool `yaml:"strict_start" json:"strict_start"`

	Log   LogConfig   `yaml:"log" json:"log"`
	Retry RetryConfig `yaml:"retry" json:"retry"`
	Redis RedisConfig `yaml:"redis" json:"redis"`
	Mongo MongoConfig `yaml:"mongo" json:"mongo"`
}

// LogConfig configures the process logger.
type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"`
}

// RetryConfig configures retries of the primary sink.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" json:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval" json:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval" json:"max_interval"`
}

// RedisConfig enables the Redis stream mirror when Addr is set.
type RedisConfig struct {
	Addr   string `yaml:"addr" json:"addr"`
	Stream string `yaml:"stream" json:"stream"`
	MaxLen int64  `yaml:"max_len" json:"max_len"`
}

// MongoConfig enables the MongoDB mirror when URI is set.
type MongoConfig struct {
	URI        string `yaml:"uri" json:"uri"`
	Database   string `yaml:"database" json:"database"`
	Collection string `yaml:"collection" json:"collection"`
}

// Default returns the baseline configuration.
func Default() *Config {
	return &Config{
		LogDir:           "audit_logs",
		OutputPreviewMax: telemetry.DefaultPreviewMax,
		RationaleMax:     transcript.DefaultRationaleMax,
		Log:              LogConfig{Level: "info", Format: "json"},
		Retry: RetryConfig{
			MaxAttempts:     3,
			InitialInterval: 50 * time.Millisecond,
			MaxInterval:     time.Second,
		},
		Mongo: MongoConfig{Database: "turnaudit"},
	}
}

// Load reads a YAML file over the defaults, applies environment overrides,
// fills in a session id and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return Decode(data)
}

// Decode parses a YAML payload over the defaults and finishes it like Load.
func Decode(data []byte) (*Config, error) {
	cfg := Default()
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("decode config: %w", err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	cfg.EnsureSessionID()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from TURNAUDIT_* environment variables.
func (c *Config) ApplyEnv() error {
	if v, ok := os.LookupEnv(EnvLogDir); ok {
		c.LogDir = v
	}
	if v, ok := os.LookupEnv(EnvSessionID); ok {
		c.SessionID = v
	}
	if v, ok := os.LookupEnv(EnvLogLevel); ok {
		c.Log.Level = v
	}
	if v, ok := os.LookupEnv(EnvRedisAddr); ok {
		c.Redis.Addr = v
	}
	if v, ok := os.LookupEnv(EnvMongoURI); ok {
		c.Mongo.URI = v
	}
	for _, kv := range []struct {
		name string
		dst  *int
	}{
		{EnvOutputPreviewMax, &c.OutputPreviewMax},
		{EnvRationaleMax, &c.RationaleMax},
	} {
		v, ok := os.LookupEnv(kv.name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%s: %w", kv.name, err)
		}
		*kv.dst = n
	}
	return nil
}

// EnsureSessionID generates a session id when none is configured.
func (c *Config) EnsureSessionID() {
	if c.SessionID == "" {
		c.SessionID = core.NewID()
	}
}

// Validate enforces minimal structural guarantees.
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	var errs []error
	if strings.TrimSpace(c.LogDir) == "" {
		errs = append(errs, errors.New("log_dir is required"))
	}
	if c.OutputPreviewMax <= 0 {
		errs = append(errs, fmt.Errorf("output_preview_max must be positive: %d", c.OutputPreviewMax))
	}
	if c.RationaleMax <= 0 {
		errs = append(errs, fmt.Errorf("rationale_max must be positive: %d", c.RationaleMax))
	}
	if c.Retry.MaxAttempts < 0 {
		errs = append(errs, fmt.Errorf("retry.max_attempts cannot be negative: %d", c.Retry.MaxAttempts))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text", "clue":
	default:
		errs = append(errs, fmt.Errorf("log.format must be json, text or clue: %q", c.Log.Format))
	}
	if c.Mongo.URI != "" && c.Mongo.Database == "" {
		errs = append(errs, errors.New("mongo.database is required when mongo.uri is set"))
	}
	return errors.Join(errs...)
}

// Logger builds the process logger described by the log section.
func (c *Config) Logger() *logging.AuditLogger {
	cfg := logging.DefaultLoggerConfig()
	cfg.Level = logging.ParseLevel(c.Log.Level)
	if c.Log.Format != "" {
		cfg.Format = strings.ToLower(c.Log.Format)
	}
	cfg.SessionID = c.SessionID
	cfg.Component = "turnaudit"
	return logging.NewLogger(cfg)
}
