// Package config loads bridge configuration from a YAML file, then applies
// environment variable overrides (env wins), mirroring the teacher's
// LoadFromFile/LoadFromReader split and the original settings.py field
// names.
package config

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
type Config struct {
	Environment string         `yaml:"environment"`
	Server      ServerConfig   `yaml:"server"`
	Database    DatabaseConfig `yaml:"database"`
	Worker      WorkerConfig   `yaml:"worker"`
	IMAP        IMAPConfig     `yaml:"imap"`
	// Providers is the allowlist of upstream IMAP hosts the connection pool
	// will open sessions against, for listener tasks and /process trial
	// logins alike. Resolves the "IMAP_PROVIDERS hard-coded list" open
	// question: when the list is non-empty, hosts outside it are rejected
	// on every connection acquire with a distinct upstream_unavailable
	// error, never silently allowed. An empty list allows any host.
	Providers []string  `yaml:"providers"`
	JWT       JWTConfig `yaml:"jwt"`
}

// ServerConfig holds HTTP listen settings.
type ServerConfig struct {
	Listen string `yaml:"listen"`
}

// DatabaseConfig mirrors settings.py's DatabaseSettings.
type DatabaseConfig struct {
	Host        string `yaml:"host"`
	Name        string `yaml:"name"`
	MinPoolSize int    `yaml:"min_pool_size"`
	MaxPoolSize int    `yaml:"max_pool_size"`
}

// WorkerConfig mirrors settings.py's WorkerSettings.
type WorkerConfig struct {
	NumWorkers                int `yaml:"num_workers"`
	MaxConnectionsPerProvider int `yaml:"max_connections_per_provider"`
}

// IMAPConfig mirrors settings.py's IMAPSettings.
type IMAPConfig struct {
	TimeoutSeconds     int `yaml:"timeout_seconds"`
	IdleTimeoutSeconds int `yaml:"idle_timeout_seconds"`
}

// JWTConfig configures bearer-token verification of the authenticated
// application on /token, adapted from the teacher's auth middleware.
type JWTConfig struct {
	SecretEnv string `yaml:"secret_env"`
	Issuer    string `yaml:"issuer"`
}

// LoadFromFile loads configuration from a YAML file and applies defaults
// and environment overrides. path may be empty, in which case defaults and
// env vars alone populate the config.
func LoadFromFile(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("open config file: %w", err)
			}
		} else {
			defer f.Close()
			loaded, err := LoadFromReader(f)
			if err != nil {
				return nil, err
			}
			cfg = *loaded
		}
	}

	applyDefaults(&cfg)
	applyEnvOverrides(&cfg)
	return &cfg, nil
}

// LoadFromReader parses YAML configuration from r without touching
// environment variables or defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(&cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("parse yaml: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Database.Host == "" {
		cfg.Database.Host = "postgresql://localhost:5432"
	}
	if cfg.Database.Name == "" {
		cfg.Database.Name = "nolas"
	}
	if cfg.Database.MinPoolSize == 0 {
		cfg.Database.MinPoolSize = 5
	}
	if cfg.Database.MaxPoolSize == 0 {
		cfg.Database.MaxPoolSize = 20
	}
	if cfg.Worker.NumWorkers == 0 {
		cfg.Worker.NumWorkers = 2
	}
	if cfg.Worker.MaxConnectionsPerProvider == 0 {
		cfg.Worker.MaxConnectionsPerProvider = 50
	}
	if cfg.IMAP.TimeoutSeconds == 0 {
		cfg.IMAP.TimeoutSeconds = 300
	}
	if cfg.IMAP.IdleTimeoutSeconds == 0 {
		cfg.IMAP.IdleTimeoutSeconds = 1740
	}
}

// applyEnvOverrides applies the §6 environment variable table, taking
// priority over YAML values when set.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("ENVIRONMENT"); v != "" {
		cfg.Environment = v
	}
	if v := os.Getenv("DATABASE_HOST"); v != "" {
		cfg.Database.Host = v
	}
	if v := os.Getenv("DATABASE_NAME"); v != "" {
		cfg.Database.Name = v
	}
	if v := envInt("DATABASE_MIN_POOL_SIZE"); v != 0 {
		cfg.Database.MinPoolSize = v
	}
	if v := envInt("DATABASE_MAX_POOL_SIZE"); v != 0 {
		cfg.Database.MaxPoolSize = v
	}
	if v := envInt("WORKERS_NUM"); v != 0 {
		cfg.Worker.NumWorkers = v
	}
	if v := envInt("WORKER_MAX_CONNECTIONS_PER_PROVIDER"); v != 0 {
		cfg.Worker.MaxConnectionsPerProvider = v
	}
	if v := envInt("IMAP_TIMEOUT"); v != 0 {
		cfg.IMAP.TimeoutSeconds = v
	}
	if v := envInt("IMAP_IDLE_TIMEOUT"); v != 0 {
		cfg.IMAP.IdleTimeoutSeconds = v
	}
	if v := os.Getenv("IMAP_PROVIDERS"); v != "" {
		cfg.Providers = strings.Split(v, ",")
	}
}

func envInt(name string) int {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0
	}
	return n
}

// DatabaseURL returns the connection string pgxpool expects.
func (c *Config) DatabaseURL() string {
	if strings.Contains(c.Database.Host, c.Database.Name) {
		return c.Database.Host
	}
	return fmt.Sprintf("%s/%s", strings.TrimSuffix(c.Database.Host, "/"), c.Database.Name)
}
