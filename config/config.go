package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"

	"github.com/GoCodeAlone/narrationdb/observability/tracing"
)

// Lock kinds accepted by migrate.lock.
const (
	LockNone     = "none"
	LockLocal    = "local"
	LockAdvisory = "advisory"
)

// DatabaseConfig selects the database/sql driver and data source.
type DatabaseConfig struct {
	Driver string `json:"driver" yaml:"driver" env:"NARRATIONDB_DATABASE_DRIVER"`
	DSN    string `json:"dsn" yaml:"dsn" env:"NARRATIONDB_DATABASE_DSN"`
}

// MigrateConfig controls how the runner applies migrations.
type MigrateConfig struct {
	Transactional    bool          `json:"transactional" yaml:"transactional" env:"NARRATIONDB_MIGRATE_TRANSACTIONAL"`
	StatementTimeout time.Duration `json:"statement_timeout,omitempty" yaml:"statement_timeout,omitempty" env:"NARRATIONDB_MIGRATE_STATEMENT_TIMEOUT"`
	Lock             string        `json:"lock,omitempty" yaml:"lock,omitempty" env:"NARRATIONDB_MIGRATE_LOCK"`
	LockKey          string        `json:"lock_key,omitempty" yaml:"lock_key,omitempty" env:"NARRATIONDB_MIGRATE_LOCK_KEY"`
	VerifyHistory    bool          `json:"verify_history" yaml:"verify_history"`
	Table            string        `json:"table,omitempty" yaml:"table,omitempty"`
}

// NarrationConfig overrides the seed user inserted by the users migration.
type NarrationConfig struct {
	SeedUsername string `json:"seed_username,omitempty" yaml:"seed_username,omitempty"`
	SeedPassword string `json:"seed_password,omitempty" yaml:"seed_password,omitempty" env:"NARRATIONDB_SEED_PASSWORD"`
}

// LogConfig selects the slog handler.
type LogConfig struct {
	Level  string `json:"level,omitempty" yaml:"level,omitempty" env:"NARRATIONDB_LOG_LEVEL"`
	Format string `json:"format,omitempty" yaml:"format,omitempty" env:"NARRATIONDB_LOG_FORMAT"`
}

// MetricsConfig controls the Prometheus textfile written after a run.
type MetricsConfig struct {
	Textfile string `json:"textfile,omitempty" yaml:"textfile,omitempty"`
}

// Config is the narrationdb configuration file.
type Config struct {
	Database  DatabaseConfig  `json:"database" yaml:"database"`
	Migrate   MigrateConfig   `json:"migrate" yaml:"migrate"`
	Narration NarrationConfig `json:"narration,omitempty" yaml:"narration,omitempty"`
	Log       LogConfig       `json:"log,omitempty" yaml:"log,omitempty"`
	Tracing   tracing.Config  `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Metrics   MetricsConfig   `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Database: DatabaseConfig{Driver: "sqlite", DSN: "narrations.db"},
		Migrate: MigrateConfig{
			Transactional: true,
			Lock:          LockNone,
			VerifyHistory: true,
		},
		Log:     LogConfig{Level: "info", Format: "text"},
		Tracing: tracing.DefaultConfig(),
	}
}

// LoadFromFile loads a configuration from a YAML file on top of Default.
// ${VAR} references are expanded from the environment before parsing.
func LoadFromFile(filepath string) (*Config, error) {
	data, err := os.ReadFile(filepath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", filepath, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from NARRATIONDB_* environment variables.
// Unset variables leave the current values in place.
func (c *Config) ApplyEnv() error {
	if err := env.Parse(c); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate checks the configuration for values the runner cannot use.
func (c *Config) Validate() error {
	if c.Database.Driver == "" {
		return fmt.Errorf("database.driver is required")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Migrate.StatementTimeout < 0 {
		return fmt.Errorf("migrate.statement_timeout must not be negative")
	}
	switch c.Migrate.Lock {
	case "", LockNone, LockLocal, LockAdvisory:
	default:
		return fmt.Errorf("migrate.lock %q is not one of none, local, advisory", c.Migrate.Lock)
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("log.format %q is not one of text, json", c.Log.Format)
	}
	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0 and 1")
	}
	return nil
}

// Logger builds the slog logger described by the log section.
func (c *Config) Logger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(c.Log.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log.level %q is not one of debug, info, warn, error", s)
	}
}
