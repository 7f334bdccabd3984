// Package config provides Viper-based configuration loading for the town server.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ServerConfig holds the listener and server-identity settings.
type ServerConfig struct {
	// Host is the bind address for the client listener.
	Host string `mapstructure:"host"`
	// Port is the TCP port for the client listener.
	Port int `mapstructure:"port"`
	// MOTD is the message of the day sent after identification. May be empty.
	MOTD string `mapstructure:"motd"`
	// Admins lists usernames with server-admin privileges.
	Admins []string `mapstructure:"admins"`
	// AlwaysLoadedMaps lists map ids that the background tick never unloads.
	AlwaysLoadedMaps []int `mapstructure:"always_loaded_maps"`
	// DefaultMap is the map id guests are placed on after identification.
	DefaultMap int `mapstructure:"default_map"`
	// ReadTimeout is the per-read deadline for client connections.
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
	// WriteTimeout is the per-write deadline for client connections.
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// Addr returns the "host:port" listen address.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Name, d.SSLMode,
	)
}

// TickConfig holds background-tick timing settings. Ping and request timers
// are counted in ticks, not wall-clock durations, so that all expiry is
// driven by the single maintenance pass.
type TickConfig struct {
	// Interval is the wall-clock period between maintenance passes.
	Interval time.Duration `mapstructure:"interval"`
	// PingInitial is the ping countdown assigned to a fresh connection.
	PingInitial int `mapstructure:"ping_initial"`
	// PingReset is the ping countdown restored by a PIN frame.
	PingReset int `mapstructure:"ping_reset"`
	// RequestTTL is the tick countdown assigned to cross-session requests.
	RequestTTL int `mapstructure:"request_ttl"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: "debug", "info", "warn", "error".
	Level string `mapstructure:"level"`
	// Format is the log output format: "json" or "console".
	Format string `mapstructure:"format"`
}

// Config is the top-level application configuration.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	Tick     TickConfig     `mapstructure:"tick"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// Validate checks all configuration invariants.
//
// Postcondition: Returns nil if configuration is valid, or an error describing all violations.
func (c Config) Validate() error {
	var errs []string

	if err := validateServer(c.Server); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateDatabase(c.Database); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateTick(c.Tick); err != nil {
		errs = append(errs, err.Error())
	}
	if err := validateLogging(c.Logging); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func validateServer(s ServerConfig) error {
	var errs []string
	if s.Port < 1 || s.Port > 65535 {
		errs = append(errs, fmt.Sprintf("server.port must be 1-65535, got %d", s.Port))
	}
	if s.DefaultMap < 0 {
		errs = append(errs, fmt.Sprintf("server.default_map must be >= 0, got %d", s.DefaultMap))
	}
	for _, id := range s.AlwaysLoadedMaps {
		if id < 0 {
			errs = append(errs, fmt.Sprintf("server.always_loaded_maps entries must be >= 0, got %d", id))
		}
	}
	if s.ReadTimeout < 0 {
		errs = append(errs, "server.read_timeout must not be negative")
	}
	if s.WriteTimeout < 0 {
		errs = append(errs, "server.write_timeout must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateDatabase(d DatabaseConfig) error {
	var errs []string
	if d.Host == "" {
		errs = append(errs, "database.host must not be empty")
	}
	if d.Port < 1 || d.Port > 65535 {
		errs = append(errs, fmt.Sprintf("database.port must be 1-65535, got %d", d.Port))
	}
	if d.User == "" {
		errs = append(errs, "database.user must not be empty")
	}
	if d.Name == "" {
		errs = append(errs, "database.name must not be empty")
	}
	validSSL := map[string]bool{"disable": true, "require": true, "verify-ca": true, "verify-full": true}
	if !validSSL[d.SSLMode] {
		errs = append(errs, fmt.Sprintf("database.sslmode must be one of [disable, require, verify-ca, verify-full], got %q", d.SSLMode))
	}
	if d.MaxConns < 1 {
		errs = append(errs, fmt.Sprintf("database.max_conns must be >= 1, got %d", d.MaxConns))
	}
	if d.MinConns < 0 {
		errs = append(errs, fmt.Sprintf("database.min_conns must be >= 0, got %d", d.MinConns))
	}
	if d.MinConns > d.MaxConns {
		errs = append(errs, "database.min_conns must not exceed database.max_conns")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateTick(t TickConfig) error {
	var errs []string
	if t.Interval <= 0 {
		errs = append(errs, "tick.interval must be > 0")
	}
	if t.PingInitial < 1 {
		errs = append(errs, fmt.Sprintf("tick.ping_initial must be >= 1, got %d", t.PingInitial))
	}
	if t.PingReset < t.PingInitial {
		errs = append(errs, "tick.ping_reset must not be below tick.ping_initial")
	}
	if t.RequestTTL < 1 {
		errs = append(errs, fmt.Sprintf("tick.request_ttl must be >= 1, got %d", t.RequestTTL))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

func validateLogging(l LoggingConfig) error {
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[l.Level] {
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error], got %q", l.Level)
	}
	validFormats := map[string]bool{"json": true, "console": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("logging.format must be one of [json, console], got %q", l.Format)
	}
	return nil
}

// Load reads configuration from the given file path, applies environment
// variable overrides, and validates the result.
//
// Precondition: path must be a valid file path to a YAML configuration file.
// Postcondition: Returns a valid Config or a non-nil error.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)

	// Environment variable overrides with TOWN_ prefix
	v.SetEnvPrefix("TOWN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// LoadFromViper builds a Config from an already-configured Viper instance.
func LoadFromViper(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshalling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 12550)
	v.SetDefault("server.motd", "")
	v.SetDefault("server.admins", []string{})
	v.SetDefault("server.always_loaded_maps", []int{0})
	v.SetDefault("server.default_map", 0)
	v.SetDefault("server.read_timeout", "10m")
	v.SetDefault("server.write_timeout", "30s")

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "town")
	v.SetDefault("database.password", "town")
	v.SetDefault("database.name", "town")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.min_conns", 2)
	v.SetDefault("database.max_conn_lifetime", "1h")

	v.SetDefault("tick.interval", "1s")
	v.SetDefault("tick.ping_initial", 180)
	v.SetDefault("tick.ping_reset", 300)
	v.SetDefault("tick.request_ttl", 600)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
