// Package config loads mailmove settings from a YAML file, a .env file and
// the environment, in that order of increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration
type Config struct {
	Server    ServerConfig   `yaml:"server"`
	Database  DatabaseConfig `yaml:"database"`
	Engine    EngineConfig   `yaml:"engine"`
	NATS      NATSConfig     `yaml:"nats"`
	Broker    BrokerConfig   `yaml:"broker"`
	Google    OAuthConfig    `yaml:"google"`
	Microsoft OAuthConfig    `yaml:"microsoft"`
	IMAP      IMAPConfig     `yaml:"imap"`
	Logging   LoggingConfig  `yaml:"logging"`
}

// ServerConfig holds HTTP settings. An empty JWKSURL disables operator
// authentication.
type ServerConfig struct {
	Listen          string        `yaml:"listen"`
	JWKSURL         string        `yaml:"jwks_url"`
	JWTIssuer       string        `yaml:"jwt_issuer"`
	JWTAudience     string        `yaml:"jwt_audience"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig selects the store.
type DatabaseConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlite_path"`
	URL        string `yaml:"url"`
}

// EngineConfig tunes the migration engine and its worker pool.
type EngineConfig struct {
	BatchSize           int           `yaml:"batch_size"`
	Workers             int           `yaml:"workers"`
	QueueSize           int           `yaml:"queue_size"`
	ProgressEvery       int           `yaml:"progress_every"`
	IncrementalInterval time.Duration `yaml:"incremental_interval"`
	SchedulerTick       time.Duration `yaml:"scheduler_tick"`
	VerifyTolerance     float64       `yaml:"verify_tolerance"`
	PropagateDeletes    bool          `yaml:"propagate_deletes"`
	Retry               RetryConfig   `yaml:"retry"`
}

// RetryConfig bounds connector retries.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// NATSConfig locates the progress stream. An empty URL disables
// publishing.
type NATSConfig struct {
	URL           string `yaml:"url"`
	Stream        string `yaml:"stream"`
	SubjectPrefix string `yaml:"subject_prefix"`
}

// BrokerConfig points at the credential broker.
type BrokerConfig struct {
	URL   string `yaml:"url"`
	Token string `yaml:"token"`
}

// OAuthConfig holds an OAuth client registration.
type OAuthConfig struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	TenantID     string `yaml:"tenant_id,omitempty"`
}

// IMAPConfig holds IMAP connection settings.
type IMAPConfig struct {
	Timeout time.Duration `yaml:"timeout"`
}

// LoggingConfig selects the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Database drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "0.0.0.0:8080",
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Driver:     DriverSQLite,
			SQLitePath: "data/mailmove.db",
		},
		Engine: EngineConfig{
			BatchSize:           50,
			Workers:             10,
			QueueSize:           100,
			ProgressEvery:       10,
			IncrementalInterval: 15 * time.Minute,
			SchedulerTick:       30 * time.Second,
			VerifyTolerance:     0.01,
			Retry: RetryConfig{
				MaxAttempts:     5,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     30 * time.Second,
			},
		},
		NATS: NATSConfig{
			Stream:        "MIGRATION_EVENTS",
			SubjectPrefix: "migration",
		},
		Microsoft: OAuthConfig{TenantID: "common"},
		IMAP:      IMAPConfig{Timeout: 30 * time.Second},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads the config file at path, or starts from the defaults when path
// is empty, then applies .env and environment overrides.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	// A missing .env is normal outside development.
	_ = godotenv.Load()
	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides secrets and endpoints from the environment.
func (c *Config) applyEnv() {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(os.Getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Database.URL, "MAILMOVE_DATABASE_URL")
	set(&c.Database.SQLitePath, "MAILMOVE_SQLITE_PATH")
	set(&c.NATS.URL, "MAILMOVE_NATS_URL")
	set(&c.Broker.URL, "MAILMOVE_BROKER_URL")
	set(&c.Broker.Token, "MAILMOVE_BROKER_TOKEN")
	set(&c.Server.JWKSURL, "MAILMOVE_JWKS_URL")
	set(&c.Server.Listen, "MAILMOVE_LISTEN")
	set(&c.Google.ClientID, "GOOGLE_CLIENT_ID")
	set(&c.Google.ClientSecret, "GOOGLE_CLIENT_SECRET")
	set(&c.Microsoft.ClientID, "MICROSOFT_CLIENT_ID")
	set(&c.Microsoft.ClientSecret, "MICROSOFT_CLIENT_SECRET")
	set(&c.Microsoft.TenantID, "MICROSOFT_TENANT_ID")

	// A database URL from the environment implies postgres.
	if os.Getenv("MAILMOVE_DATABASE_URL") != "" && c.Database.Driver == DriverSQLite {
		c.Database.Driver = DriverPostgres
	}
}

// Validate rejects settings the engine cannot run with.
func (c *Config) Validate() error {
	var errs []error
	e := c.Engine
	if e.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("engine.batch_size must be positive, got %d", e.BatchSize))
	}
	if e.Workers <= 0 {
		errs = append(errs, fmt.Errorf("engine.workers must be positive, got %d", e.Workers))
	}
	if e.QueueSize <= 0 {
		errs = append(errs, fmt.Errorf("engine.queue_size must be positive, got %d", e.QueueSize))
	}
	if e.VerifyTolerance < 0 {
		errs = append(errs, fmt.Errorf("engine.verify_tolerance must not be negative"))
	}
	switch c.Database.Driver {
	case DriverSQLite:
		if c.Database.SQLitePath == "" {
			errs = append(errs, errors.New("database.sqlite_path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Database.URL == "" {
			errs = append(errs, errors.New("database.url is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown database driver %q", c.Database.Driver))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// FindConfigFile searches for a config file in standard locations
func FindConfigFile() (string, error) {
	searchPaths := []string{"mailmove.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		searchPaths = append(searchPaths, filepath.Join(home, ".config", "mailmove", "mailmove.yaml"))
	}
	searchPaths = append(searchPaths, "/etc/mailmove/mailmove.yaml")

	for _, path := range searchPaths {
		if _, err := os.Stat(path); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no config file found (searched: %v)", searchPaths)
}
