// Package policy loads leadline configuration and exposes it to the rest of the server.
package policy

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "time/tzdata" // timezones for daily capacity without host zoneinfo

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Assignment strategy names.
const (
	StrategyRoundRobin  = "round_robin"
	StrategyLeastLoaded = "least_loaded"
)

// Database driver names.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// GlobalStateDir returns the default global state directory (~/.config/leadline).
func GlobalStateDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	return filepath.Join(home, ".config", "leadline")
}

// GlobalStateFile returns the default sqlite database path.
func GlobalStateFile() string {
	return filepath.Join(GlobalStateDir(), "leadline.sqlite")
}

// DatabaseConfig selects the state repository backend.
type DatabaseConfig struct {
	Driver string `yaml:"driver" env:"LEADLINE_DB_DRIVER"` // sqlite (default) or postgres
	DSN    string `yaml:"dsn" env:"LEADLINE_DB_DSN"`       // empty = state_file for sqlite
}

// AssignmentConfig controls the assignment engine.
type AssignmentConfig struct {
	Strategy             string `yaml:"strategy" env:"LEADLINE_ASSIGNMENT_STRATEGY"`
	DefaultDailyLimit    int    `yaml:"default_daily_limit"`
	AutoAssign           bool   `yaml:"auto_assign" env:"LEADLINE_AUTO_ASSIGN"`
	Timezone             string `yaml:"timezone" env:"LEADLINE_TIMEZONE"`
	ReassignOnDeactivate bool   `yaml:"reassign_on_deactivate"`
}

// FeedConfig sizes the live activity feed.
type FeedConfig struct {
	Size     int `yaml:"size"`
	SeedSize int `yaml:"seed_size"`
}

// HistoryConfig bounds the assignment audit log.
type HistoryConfig struct {
	RetentionDays int `yaml:"retention_days"`
	Max           int `yaml:"max"`
}

// RedisConfig enables the cross-replica event bridge. Empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"LEADLINE_REDIS_ADDR"`
	Password string `yaml:"password" env:"LEADLINE_REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
	Channel  string `yaml:"channel"`
}

// WatchdogConfig controls the capacity watchdog.
type WatchdogConfig struct {
	IntervalSeconds int `yaml:"interval_seconds"`
}

// NotifierConfig controls the state-change notifier.
type NotifierConfig struct {
	PollIntervalSeconds int `yaml:"poll_interval_seconds"`
}

// Config holds server configuration.
type Config struct {
	HTTPAddr    string   `yaml:"http_addr" env:"LEADLINE_HTTP_ADDR"`
	APIPrefix   string   `yaml:"api_prefix" env:"LEADLINE_API_PREFIX"`
	APIKey      string   `yaml:"api_key" env:"LEADLINE_API_KEY"`
	JWTSecret   string   `yaml:"jwt_secret" env:"LEADLINE_JWT_SECRET"`
	CORSOrigins []string `yaml:"cors_origins" env:"LEADLINE_CORS_ORIGINS" envSeparator:","`
	StateFile   string   `yaml:"state_file" env:"LEADLINE_STATE_FILE"`
	LogLevel    string   `yaml:"log_level" env:"LEADLINE_LOG_LEVEL"`
	LogFile     string   `yaml:"log_file" env:"LEADLINE_LOG_FILE"`

	Database   DatabaseConfig   `yaml:"database"`
	Assignment AssignmentConfig `yaml:"assignment"`
	Feed       FeedConfig       `yaml:"feed"`
	History    HistoryConfig    `yaml:"history"`
	Redis      RedisConfig      `yaml:"redis"`
	Watchdog   WatchdogConfig   `yaml:"watchdog"`
	Notifier   NotifierConfig   `yaml:"notifier"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:    ":5000",
		APIPrefix:   "/api",
		CORSOrigins: []string{"*"},
		LogLevel:    "info",
		Database:    DatabaseConfig{Driver: DriverSQLite},
		Assignment: AssignmentConfig{
			Strategy:             StrategyRoundRobin,
			DefaultDailyLimit:    60,
			AutoAssign:           true,
			Timezone:             "UTC",
			ReassignOnDeactivate: true,
		},
		Feed:     FeedConfig{Size: 10, SeedSize: 5},
		History:  HistoryConfig{RetentionDays: 90, Max: 10000},
		Redis:    RedisConfig{Channel: "leadline:events"},
		Watchdog: WatchdogConfig{IntervalSeconds: 60},
		Notifier: NotifierConfig{PollIntervalSeconds: 10},
	}
}

// LoadConfig loads configuration from a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// ApplyEnv overlays LEADLINE_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	if err := env.Parse(cfg); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Validate rejects configurations the server cannot run with.
func (c *Config) Validate() error {
	switch c.Assignment.Strategy {
	case StrategyRoundRobin, StrategyLeastLoaded:
	default:
		return fmt.Errorf("assignment.strategy %q: want %s or %s", c.Assignment.Strategy, StrategyRoundRobin, StrategyLeastLoaded)
	}
	switch c.Database.Driver {
	case DriverSQLite:
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver %q: want %s or %s", c.Database.Driver, DriverSQLite, DriverPostgres)
	}
	if c.Assignment.DefaultDailyLimit <= 0 {
		return fmt.Errorf("assignment.default_daily_limit must be positive, got %d", c.Assignment.DefaultDailyLimit)
	}
	if _, err := time.LoadLocation(c.Assignment.Timezone); err != nil {
		return fmt.Errorf("assignment.timezone: %w", err)
	}
	if c.Feed.Size <= 0 {
		return fmt.Errorf("feed.size must be positive, got %d", c.Feed.Size)
	}
	if !strings.HasPrefix(c.APIPrefix, "/") && c.APIPrefix != "" {
		return fmt.Errorf("api_prefix %q must start with /", c.APIPrefix)
	}
	return nil
}

// Policy exposes configuration to the application.
type Policy struct {
	config *Config
	loc    *time.Location
}

// New creates a policy over cfg.
func New(cfg *Config) *Policy {
	loc, err := time.LoadLocation(cfg.Assignment.Timezone)
	if err != nil {
		loc = time.UTC
	}
	return &Policy{config: cfg, loc: loc}
}

// Config returns the underlying configuration.
func (p *Policy) Config() *Config { return p.config }

// StateFile returns the sqlite database path.
// If unset, defaults to ~/.config/leadline/leadline.sqlite.
func (p *Policy) StateFile() string {
	if p.config.StateFile == "" {
		return GlobalStateFile()
	}
	return p.config.StateFile
}

// DatabaseDriver returns the repository driver name.
func (p *Policy) DatabaseDriver() string {
	if p.config.Database.Driver == "" {
		return DriverSQLite
	}
	return p.config.Database.Driver
}

// DatabaseDSN returns the DSN for the configured driver. For sqlite an empty
// DSN resolves to StateFile.
func (p *Policy) DatabaseDSN() string {
	if p.config.Database.DSN == "" && p.DatabaseDriver() == DriverSQLite {
		return p.StateFile()
	}
	return p.config.Database.DSN
}

// SignalFilePath returns the path to the notify signal file (same directory as
// the state file). Watchers use it to detect writes from other processes.
func (p *Policy) SignalFilePath() string {
	return filepath.Join(filepath.Dir(p.StateFile()), ".leadline-notify")
}

// LogFile returns the configured log file path. Empty, "none" and "off"
// disable file logging.
func (p *Policy) LogFile() string {
	lf := p.config.LogFile
	switch strings.ToLower(lf) {
	case "none", "off":
		return ""
	}
	return lf
}

// AssignmentStrategy returns the configured strategy name.
func (p *Policy) AssignmentStrategy() string { return p.config.Assignment.Strategy }

// DefaultDailyLimit returns the limit applied to callers created without one.
func (p *Policy) DefaultDailyLimit() int { return p.config.Assignment.DefaultDailyLimit }

// AutoAssign reports whether ingested leads are assigned immediately.
func (p *Policy) AutoAssign() bool { return p.config.Assignment.AutoAssign }

// ReassignOnDeactivate reports whether a deactivated caller's open leads move.
func (p *Policy) ReassignOnDeactivate() bool { return p.config.Assignment.ReassignOnDeactivate }

// Location returns the timezone daily capacity is counted in.
func (p *Policy) Location() *time.Location { return p.loc }

// Today returns the capacity day for t as YYYY-MM-DD.
func (p *Policy) Today(t time.Time) string {
	return t.In(p.loc).Format("2006-01-02")
}

// FeedSize returns the number of live feed items kept.
func (p *Policy) FeedSize() int { return p.config.Feed.Size }

// FeedSeedSize returns how many recent leads seed the feed on startup.
func (p *Policy) FeedSeedSize() int { return p.config.Feed.SeedSize }

// HistoryRetentionDays returns the audit log TTL in days (0 = keep forever).
func (p *Policy) HistoryRetentionDays() int { return p.config.History.RetentionDays }

// HistoryMax returns the maximum number of audit entries kept (0 = unbounded).
func (p *Policy) HistoryMax() int { return p.config.History.Max }

// WatchdogInterval returns the capacity watchdog tick.
func (p *Policy) WatchdogInterval() time.Duration {
	if p.config.Watchdog.IntervalSeconds <= 0 {
		return time.Minute
	}
	return time.Duration(p.config.Watchdog.IntervalSeconds) * time.Second
}

// NotifierPollInterval returns the notifier's fallback poll interval.
func (p *Policy) NotifierPollInterval() time.Duration {
	if p.config.Notifier.PollIntervalSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(p.config.Notifier.PollIntervalSeconds) * time.Second
}

// RedisEnabled reports whether the Redis event bridge is configured.
func (p *Policy) RedisEnabled() bool { return p.config.Redis.Addr != "" }
