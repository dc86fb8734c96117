// Package config loads stepflow runtime configuration from YAML.
//
// ${VAR} and $VAR references are expanded from the environment before the
// document is parsed, so secrets such as the HMAC key or a database URL can
// stay out of the file.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/GoCodeAlone/stepflow"
	"gopkg.in/yaml.v3"
)

// Store drivers understood by store.Open.
const (
	DriverMemory   = "memory"
	DriverRedis    = "redis"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the root configuration document.
type Config struct {
	Pipeline PipelineConfig `json:"pipeline" yaml:"pipeline"`
	Store    StoreConfig    `json:"store" yaml:"store"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
	Metrics  MetricsConfig  `json:"metrics" yaml:"metrics"`
	Tracing  TracingConfig  `json:"tracing" yaml:"tracing"`
}

// PipelineConfig holds engine options shared by every pipeline.
type PipelineConfig struct {
	KeyPrefix string        `json:"key_prefix,omitempty" yaml:"key_prefix,omitempty"`
	TTL       time.Duration `json:"ttl,omitempty" yaml:"ttl,omitempty"`
	HMACKey   string        `json:"hmac_key,omitempty" yaml:"hmac_key,omitempty"`
	Cache     bool          `json:"cache" yaml:"cache"`
	MaxSteps  int           `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
	Claim     bool          `json:"claim,omitempty" yaml:"claim,omitempty"`
	ClaimTTL  time.Duration `json:"claim_ttl,omitempty" yaml:"claim_ttl,omitempty"`
}

// StoreConfig selects and configures the snapshot store.
type StoreConfig struct {
	Driver   string         `json:"driver" yaml:"driver"`
	Memory   MemoryConfig   `json:"memory,omitempty" yaml:"memory,omitempty"`
	Redis    RedisConfig    `json:"redis,omitempty" yaml:"redis,omitempty"`
	SQLite   SQLiteConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"`
}

type MemoryConfig struct {
	MaxEntries int `json:"max_entries,omitempty" yaml:"max_entries,omitempty"`
}

type RedisConfig struct {
	Address  string `json:"address" yaml:"address"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	DB       int    `json:"db,omitempty" yaml:"db,omitempty"`
}

type SQLiteConfig struct {
	Path string `json:"path" yaml:"path"`
}

type PostgresConfig struct {
	URL      string `json:"url" yaml:"url"`
	MaxConns int32  `json:"max_conns,omitempty" yaml:"max_conns,omitempty"`
	MinConns int32  `json:"min_conns,omitempty" yaml:"min_conns,omitempty"`
}

// LoggingConfig configures the slog handler built by NewLogger.
type LoggingConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty"`
	Format string `json:"format,omitempty" yaml:"format,omitempty"` // "json" or "text"
}

type MetricsConfig struct {
	Enabled   bool   `json:"enabled" yaml:"enabled"`
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

type TracingConfig struct {
	Enabled      bool    `json:"enabled" yaml:"enabled"`
	ServiceName  string  `json:"service_name,omitempty" yaml:"service_name,omitempty"`
	Endpoint     string  `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	SamplingRate float64 `json:"sampling_rate,omitempty" yaml:"sampling_rate,omitempty"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Pipeline: PipelineConfig{
			TTL:      stepflow.DefaultTTL,
			Cache:    true,
			MaxSteps: stepflow.DefaultMaxSteps,
		},
		Store:   StoreConfig{Driver: DriverMemory},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Namespace: "stepflow"},
	}
}

// LoadFromFile loads a configuration from a YAML file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a YAML document over Default. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(strings.NewReader(os.ExpandEnv(string(data))))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports configuration values the runtime cannot honour.
func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "", DriverMemory:
	case DriverRedis:
		if c.Store.Redis.Address == "" {
			return fmt.Errorf("store.redis.address is required for driver %q", DriverRedis)
		}
	case DriverSQLite:
	case DriverPostgres:
		if c.Store.Postgres.URL == "" {
			return fmt.Errorf("store.postgres.url is required for driver %q", DriverPostgres)
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	if c.Pipeline.TTL < 0 {
		return fmt.Errorf("pipeline.ttl must not be negative")
	}
	if c.Pipeline.MaxSteps < 0 {
		return fmt.Errorf("pipeline.max_steps must not be negative")
	}
	if _, err := parseLevel(c.Logging.Level); err != nil {
		return err
	}
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown logging format %q", c.Logging.Format)
	}
	return nil
}

// Options converts the pipeline section into engine options. The snapshot
// store and claimer are wired separately because they own connections.
func (p PipelineConfig) Options() []stepflow.Option {
	var opts []stepflow.Option
	if p.KeyPrefix != "" {
		opts = append(opts, stepflow.WithKeyPrefix(p.KeyPrefix))
	}
	if p.TTL > 0 {
		opts = append(opts, stepflow.WithTTL(p.TTL))
	}
	if p.HMACKey != "" {
		opts = append(opts, stepflow.WithHMACKey(p.HMACKey))
	}
	if p.MaxSteps > 0 {
		opts = append(opts, stepflow.WithMaxSteps(p.MaxSteps))
	}
	return opts
}

// NewLogger builds a slog.Logger writing to w.
func NewLogger(cfg LoggingConfig, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

func parseLevel(s string) (slog.Level, error) {
	if s == "" {
		return slog.LevelInfo, nil
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("invalid logging level %q: %w", s, err)
	}
	return level, nil
}
