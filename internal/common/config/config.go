// Package config provides configuration management for sqlbroker.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"net/url"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for sqlbroker.
type Config struct {
	Server  ServerConfig            `mapstructure:"server"`
	Engines map[string]EngineConfig `mapstructure:"engines"`
	Broker  BrokerConfig            `mapstructure:"broker"`
	Logging LoggingConfig           `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
	// DebugPanel mounts the engine diagnostics endpoint under /_debug.
	DebugPanel bool `mapstructure:"debugPanel"`
}

// EngineConfig describes one role's backing database.
type EngineConfig struct {
	// Driver is one of sqlite3, pgx or postgres.
	Driver string `mapstructure:"driver"`
	// DSN is the connection string for pgx and postgres.
	DSN string `mapstructure:"dsn"`
	// Path is the database file for sqlite3.
	Path string `mapstructure:"path"`

	IsDefault  bool `mapstructure:"isDefault"`
	ReadOnly   bool `mapstructure:"readOnly"`
	Autocommit bool `mapstructure:"autocommit"`
	// Exclusive gives each request a brand new session instead of a scoped one.
	Exclusive bool `mapstructure:"exclusive"`
	// ExternalTx enlists sessions with a registry transaction coordinator.
	// Only programs that set one with Registry.SetCoordinator before
	// db.Provide can use it, so loaded configuration rejects it.
	ExternalTx bool `mapstructure:"externalTx"`

	MaxConns int `mapstructure:"maxConns"`
	MinConns int `mapstructure:"minConns"`
	// Isolation is a database/sql isolation level name, e.g. "read committed".
	Isolation string `mapstructure:"isolation"`
}

// BrokerConfig controls the per-request session broker.
type BrokerConfig struct {
	// PathExcludes is a regexp; matching request paths get no broker.
	PathExcludes string   `mapstructure:"pathExcludes"`
	Preferences  []string `mapstructure:"preferences"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// Scoped reports whether the engine uses scoped sessions.
func (e EngineConfig) Scoped() bool { return !e.Exclusive }

// Roles returns the configured role names, sorted.
func (c *Config) Roles() []string {
	roles := make([]string, 0, len(c.Engines))
	for role := range c.Engines {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

var dsnPassword = regexp.MustCompile(`(?i)(password=)('[^']*'|\S+)`)

// RedactDSN hides the password in a URL or key=value connection string.
func RedactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.Scheme != "" && u.User != nil {
		return u.Redacted()
	}
	return dsnPassword.ReplaceAllString(dsn, "${1}xxxxx")
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SQLBROKER_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// defaultEngines splits a single SQLite file into reader, writer and logger
// roles. It applies only when no engines are configured at all; a viper
// default would be merged into every user supplied engine map.
func defaultEngines() map[string]EngineConfig {
	const path = "./sqlbroker.db"
	return map[string]EngineConfig{
		"reader": {Driver: "sqlite3", Path: path, ReadOnly: true},
		"writer": {Driver: "sqlite3", Path: path, IsDefault: true},
		"logger": {Driver: "sqlite3", Path: path, Autocommit: true, Exclusive: true},
	}
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)
	v.SetDefault("server.debugPanel", false)

	// Broker defaults
	v.SetDefault("broker.pathExcludes", "^/(img|_debug|js|css)")
	v.SetDefault("broker.preferences", []string{"reader", "writer"})

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SQLBROKER_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/sqlbroker/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("SQLBROKER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion.
	_ = v.BindEnv("server.debugPanel", "SQLBROKER_SERVER_DEBUG_PANEL")
	_ = v.BindEnv("broker.pathExcludes", "SQLBROKER_BROKER_PATH_EXCLUDES")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sqlbroker/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if len(cfg.Engines) == 0 {
		cfg.Engines = defaultEngines()
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

var validDrivers = map[string]bool{"sqlite3": true, "pgx": true, "postgres": true}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if len(cfg.Engines) == 0 {
		errs = append(errs, "at least one engine must be configured")
	}
	defaults := 0
	for _, role := range cfg.Roles() {
		e := cfg.Engines[role]
		if !validDrivers[e.Driver] {
			errs = append(errs, fmt.Sprintf("engines.%s.driver must be one of: sqlite3, pgx, postgres", role))
		}
		if e.Driver == "sqlite3" && e.Path == "" {
			errs = append(errs, fmt.Sprintf("engines.%s.path is required for sqlite3", role))
		}
		if (e.Driver == "pgx" || e.Driver == "postgres") && e.DSN == "" {
			errs = append(errs, fmt.Sprintf("engines.%s.dsn is required for %s", role, e.Driver))
		}
		if e.ExternalTx {
			errs = append(errs, fmt.Sprintf("engines.%s.externalTx requires a transaction coordinator, which sqlbroker does not configure", role))
		}
		if e.IsDefault {
			defaults++
		}
	}
	if defaults > 1 {
		errs = append(errs, "only one engine may set isDefault")
	}

	if cfg.Broker.PathExcludes != "" {
		if _, err := regexp.Compile(cfg.Broker.PathExcludes); err != nil {
			errs = append(errs, fmt.Sprintf("broker.pathExcludes is not a valid regexp: %v", err))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
