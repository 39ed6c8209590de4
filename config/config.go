// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package config loads the dropsync client and server configuration from
// dropsync.yaml and DROPSYNC_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/mobiletoly/go-dropsync/dropsqlite"
	"github.com/mobiletoly/go-dropsync/dropsync"
	"github.com/mobiletoly/go-dropsync/schema"
	"github.com/mobiletoly/go-dropsync/scope"
)

const (
	fileName  = "dropsync"
	fileType  = "yaml"
	envPrefix = "DROPSYNC"
)

// Config holds all configuration
type Config struct {
	LogLevel     string       `mapstructure:"log_level"`
	SchemaFile   string       `mapstructure:"schema_file"`
	PoliciesFile string       `mapstructure:"policies_file"`
	Client       ClientConfig `mapstructure:"client"`
	Server       ServerConfig `mapstructure:"server"`
}

// ClientConfig configures the sync client
type ClientConfig struct {
	Database       string        `mapstructure:"database"`
	ServerURL      string        `mapstructure:"server_url"`
	Offline        bool          `mapstructure:"offline"`
	BroadcastDir   string        `mapstructure:"broadcast_dir"`
	ResendInterval time.Duration `mapstructure:"resend_interval"`
	DrainTimeout   time.Duration `mapstructure:"drain_timeout"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	ResyncInterval time.Duration `mapstructure:"resync_interval"`
	BackoffMin     time.Duration `mapstructure:"backoff_min"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
}

// ServerConfig configures the sync server
type ServerConfig struct {
	Listen            string        `mapstructure:"listen"`
	DatabaseURL       string        `mapstructure:"database_url"`
	JWTSecret         string        `mapstructure:"jwt_secret"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	Parallelism       int           `mapstructure:"parallelism"`
	LogStageTimings   bool          `mapstructure:"log_stage_timings"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	sc := dropsqlite.DefaultConfig()
	return &Config{
		LogLevel:     "info",
		SchemaFile:   "schema.yaml",
		PoliciesFile: "policies.yaml",
		Client: ClientConfig{
			Database:       "dropsync.db",
			ServerURL:      "ws://localhost:8080/sync",
			ResendInterval: sc.ResendInterval,
			DrainTimeout:   sc.DrainTimeout,
			RequestTimeout: sc.RequestTimeout,
			ResyncInterval: sc.ResyncInterval,
			BackoffMin:     sc.BackoffMin,
			BackoffMax:     sc.BackoffMax,
		},
		Server: ServerConfig{
			Listen:            ":8080",
			PingInterval:      30 * time.Second,
			Parallelism:       4,
			ShutdownTimeout:   30 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Load reads the configuration. An explicit path must exist; otherwise
// dropsync.yaml is looked up in the working directory and the user config
// directory, and a missing file leaves the defaults in place. Environment
// variables override the file: DROPSYNC_CLIENT_SERVER_URL sets client.server_url.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName(fileName)
		v.SetConfigType(fileType)
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "dropsync"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if cfg.SchemaFile != "" && v.ConfigFileUsed() != "" {
		cfg.SchemaFile = relativeTo(v.ConfigFileUsed(), cfg.SchemaFile)
	}
	if cfg.PoliciesFile != "" && v.ConfigFileUsed() != "" {
		cfg.PoliciesFile = relativeTo(v.ConfigFileUsed(), cfg.PoliciesFile)
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("log_level", d.LogLevel)
	v.SetDefault("schema_file", d.SchemaFile)
	v.SetDefault("policies_file", d.PoliciesFile)

	v.SetDefault("client.database", d.Client.Database)
	v.SetDefault("client.server_url", d.Client.ServerURL)
	v.SetDefault("client.offline", d.Client.Offline)
	v.SetDefault("client.broadcast_dir", d.Client.BroadcastDir)
	v.SetDefault("client.resend_interval", d.Client.ResendInterval)
	v.SetDefault("client.drain_timeout", d.Client.DrainTimeout)
	v.SetDefault("client.request_timeout", d.Client.RequestTimeout)
	v.SetDefault("client.resync_interval", d.Client.ResyncInterval)
	v.SetDefault("client.backoff_min", d.Client.BackoffMin)
	v.SetDefault("client.backoff_max", d.Client.BackoffMax)

	v.SetDefault("server.listen", d.Server.Listen)
	v.SetDefault("server.database_url", d.Server.DatabaseURL)
	v.SetDefault("server.jwt_secret", d.Server.JWTSecret)
	v.SetDefault("server.ping_interval", d.Server.PingInterval)
	v.SetDefault("server.parallelism", d.Server.Parallelism)
	v.SetDefault("server.log_stage_timings", d.Server.LogStageTimings)
	v.SetDefault("server.shutdown_timeout", d.Server.ShutdownTimeout)
	v.SetDefault("server.read_header_timeout", d.Server.ReadHeaderTimeout)
}

// relativeTo resolves a relative file against the directory of the config file
func relativeTo(configFile, file string) string {
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(filepath.Dir(configFile), file)
}

// Sync returns the sync client settings
func (c *ClientConfig) Sync() *dropsqlite.Config {
	return &dropsqlite.Config{
		ResendInterval: c.ResendInterval,
		DrainTimeout:   c.DrainTimeout,
		RequestTimeout: c.RequestTimeout,
		ResyncInterval: c.ResyncInterval,
		BackoffMin:     c.BackoffMin,
		BackoffMax:     c.BackoffMax,
		Offline:        c.Offline,
	}
}

// Validate checks the settings the server cannot start without
func (s *ServerConfig) Validate() error {
	if s.JWTSecret == "" {
		return errors.New("server.jwt_secret is required")
	}
	if s.Listen == "" {
		return errors.New("server.listen is required")
	}
	return nil
}

// Handler returns the websocket handler settings
func (s *ServerConfig) Handler() *dropsync.HandlerConfig {
	return &dropsync.HandlerConfig{PingInterval: s.PingInterval, LogStageTimings: s.LogStageTimings}
}

// Snapshot returns the snapshot service settings
func (s *ServerConfig) Snapshot() *dropsync.SnapshotConfig {
	return &dropsync.SnapshotConfig{Parallelism: s.Parallelism, LogStageTimings: s.LogStageTimings}
}

// Schema loads the schema description. Derived functions of the description
// are bound from funcs.
func (c *Config) Schema(funcs schema.Functions) (*schema.Registry, error) {
	data, err := os.ReadFile(c.SchemaFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read schema: %w", err)
	}
	return schema.Load(data, funcs)
}

// Resolver loads the replication policies
func (c *Config) Resolver() (*scope.Resolver, error) {
	data, err := os.ReadFile(c.PoliciesFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read policies: %w", err)
	}
	policies, err := scope.LoadPolicies(data)
	if err != nil {
		return nil, err
	}
	return scope.NewResolver(policies, scope.DefaultProjectRule())
}

// NewLogger creates a text logger at the configured level
func (c *Config) NewLogger(w io.Writer) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return nil, fmt.Errorf("invalid log_level %q: %w", c.LogLevel, err)
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), nil
}
