// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads pipectl settings from a YAML file and the environment.
//
// Precedence, lowest first: built-in defaults, the config file
// ($XDG_CONFIG_HOME/pipectl/config.yaml unless a path is given), then
// environment variables. The merged result is validated before use.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tombee/pipectl/internal/tracing"
	pipeerrors "github.com/tombee/pipectl/pkg/errors"
	"github.com/tombee/pipectl/pkg/history"
	"github.com/tombee/pipectl/pkg/httpclient"
	"github.com/tombee/pipectl/pkg/logstream"
	"github.com/tombee/pipectl/pkg/pipeline"
)

// Storage backends for snapshot records.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config represents the complete pipectl configuration.
type Config struct {
	API       APIConfig       `yaml:"api"`
	Session   SessionConfig   `yaml:"session"`
	Engine    EngineConfig    `yaml:"engine"`
	Storage   StorageConfig   `yaml:"storage"`
	LogStream LogStreamConfig `yaml:"logstream"`
	Log       LogConfig       `yaml:"log"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

// APIConfig configures the remote pipeline API.
type APIConfig struct {
	// URL is the API root, e.g. http://localhost:8000.
	// Environment: PIPECTL_API_URL
	URL string `yaml:"url" validate:"required,url,httpurl"`

	// Token is sent as a Bearer token when set.
	// Environment: PIPECTL_API_TOKEN
	Token string `yaml:"token"`

	// Timeout bounds a single HTTP request.
	// Default: 30s
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

// SessionConfig configures prompt handling for a session.
type SessionConfig struct {
	// ID is the default session id.
	// Environment: PIPECTL_SESSION_ID
	ID string `yaml:"id" validate:"omitempty,sessionid"`

	// ResolvePolicy is auto-insert or reject.
	// Default: auto-insert
	ResolvePolicy string `yaml:"resolve_policy" validate:"oneof=auto-insert reject"`

	// Columns are dataset column names the parser recognizes in prompts.
	Columns []string `yaml:"columns"`
}

// EngineConfig configures step execution.
type EngineConfig struct {
	// StepDelay is the pause between steps.
	// Default: 500ms
	StepDelay time.Duration `yaml:"step_delay" validate:"gte=0"`

	// MaxAttempts is the total number of tries for a transient failure.
	// Default: 3
	MaxAttempts int `yaml:"max_attempts" validate:"gte=1,lte=10"`

	// RetryBaseDelay is the first retry delay; later delays double.
	// Default: 1s
	RetryBaseDelay time.Duration `yaml:"retry_base_delay" validate:"gte=0"`

	// RetryMaxDelay caps the retry delay.
	// Default: 30s
	RetryMaxDelay time.Duration `yaml:"retry_max_delay" validate:"gte=0"`
}

// StorageConfig configures history and snapshot persistence.
type StorageConfig struct {
	// Backend is memory, sqlite or redis.
	// Environment: PIPECTL_STORAGE_BACKEND
	// Default: sqlite
	Backend string `yaml:"backend" validate:"oneof=memory sqlite redis"`

	// SQLitePath is the database file for the sqlite backend.
	// Default: $XDG_DATA_HOME/pipectl/snapshots.db
	SQLitePath string `yaml:"sqlite_path"`

	Redis RedisConfig `yaml:"redis"`

	// HistorySize is the number of undo entries kept.
	// Default: 50
	HistorySize int `yaml:"history_size" validate:"gte=1"`

	// MaxAutoSnapshots limits auto-created snapshots. Zero keeps all.
	// Default: 20
	MaxAutoSnapshots int `yaml:"max_auto_snapshots" validate:"gte=0"`
}

// RedisConfig configures the redis backend.
type RedisConfig struct {
	// Addr is host:port.
	// Environment: PIPECTL_REDIS_ADDR
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db" validate:"gte=0"`
	Prefix   string `yaml:"prefix"`
}

// LogStreamConfig configures the live log WebSocket.
type LogStreamConfig struct {
	// URL overrides the stream base; defaults to the API URL.
	URL string `yaml:"url" validate:"omitempty,url"`

	// ReconnectDelay is the base delay, multiplied by the attempt number.
	// Default: 1s
	ReconnectDelay time.Duration `yaml:"reconnect_delay" validate:"gte=0"`

	// MaxReconnectAttempts before giving up.
	// Default: 5
	MaxReconnectAttempts int `yaml:"max_reconnect_attempts" validate:"gte=0"`

	// HeartbeatInterval between pings.
	// Default: 30s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval" validate:"gte=0"`

	// BufferCapacity is the number of recent events retained.
	// Default: 1000
	BufferCapacity int `yaml:"buffer_capacity" validate:"gte=0"`
}

// LogConfig configures logging behavior.
type LogConfig struct {
	// Level sets the minimum log level (debug, info, warn, error).
	// Environment: LOG_LEVEL
	// Default: info
	Level string `yaml:"level" validate:"oneof=trace debug info warn warning error"`

	// Format sets the output format (json, text).
	// Environment: LOG_FORMAT
	// Default: text
	Format string `yaml:"format" validate:"oneof=json text"`

	// AddSource adds source file and line information to logs.
	// Environment: LOG_SOURCE
	AddSource bool `yaml:"add_source"`
}

// TracingConfig configures OpenTelemetry span export for pipeline runs.
type TracingConfig struct {
	// Enabled turns on span export.
	// Environment: PIPECTL_TRACING
	Enabled bool `yaml:"enabled"`

	// Exporter selects where spans go (console, otlp-http).
	// Environment: PIPECTL_TRACING_EXPORTER
	// Default: console
	Exporter string `yaml:"exporter" validate:"oneof=console otlp-http"`

	// Endpoint is the OTLP/HTTP collector as host:port.
	// Environment: PIPECTL_TRACING_ENDPOINT
	Endpoint string `yaml:"endpoint" validate:"omitempty,hostname_port"`

	// Insecure disables TLS for the OTLP exporter.
	Insecure bool `yaml:"insecure"`

	// Headers are sent with each OTLP export, e.g. an auth token.
	Headers map[string]string `yaml:"headers"`

	// SampleRate is the fraction of runs traced.
	// Default: 1.0
	SampleRate float64 `yaml:"sample_rate" validate:"gte=0,lte=1"`
}

// Default returns the built-in configuration.
func Default() *Config {
	retry := httpclient.DefaultRetryPolicy()
	return &Config{
		API: APIConfig{
			URL:     "http://localhost:8000",
			Timeout: 30 * time.Second,
		},
		Session: SessionConfig{
			ResolvePolicy: pipeline.PolicyAutoInsert.String(),
		},
		Engine: EngineConfig{
			StepDelay:      pipeline.DefaultStepDelay,
			MaxAttempts:    retry.MaxAttempts,
			RetryBaseDelay: retry.BaseDelay,
			RetryMaxDelay:  retry.MaxDelay,
		},
		Storage: StorageConfig{
			Backend:          BackendSQLite,
			HistorySize:      history.DefaultMaxSize,
			MaxAutoSnapshots: 20,
		},
		LogStream: LogStreamConfig{
			ReconnectDelay:       logstream.DefaultBaseDelay,
			MaxReconnectAttempts: logstream.DefaultMaxAttempts,
			HeartbeatInterval:    logstream.DefaultHeartbeatInterval,
			BufferCapacity:       logstream.DefaultBufferCapacity,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Tracing: TracingConfig{
			Exporter:   tracing.ExporterConsole,
			SampleRate: 1.0,
		},
	}
}

// Load builds the configuration from defaults, the file at configPath and
// the environment. An empty configPath uses the default location, which may
// be absent; an explicit path must exist.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	explicit := configPath != ""
	if !explicit {
		p, err := ConfigPath()
		if err == nil {
			configPath = p
		}
	}

	if configPath != "" {
		err := cfg.loadFromFile(configPath)
		switch {
		case err == nil:
		case !explicit && errors.Is(err, fs.ErrNotExist):
		default:
			return nil, &pipeerrors.ConfigError{
				Key:    "config_file",
				Reason: fmt.Sprintf("failed to load from %s", configPath),
				Cause:  err,
			}
		}
	}

	cfg.applyDefaults()

	if err := cfg.loadFromEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// applyDefaults fills in zero values so minimal files work.
func (c *Config) applyDefaults() {
	d := Default()

	if c.API.URL == "" {
		c.API.URL = d.API.URL
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = d.API.Timeout
	}
	if c.Session.ResolvePolicy == "" {
		c.Session.ResolvePolicy = d.Session.ResolvePolicy
	}
	if c.Engine.MaxAttempts == 0 {
		c.Engine.MaxAttempts = d.Engine.MaxAttempts
	}
	if c.Engine.RetryBaseDelay == 0 {
		c.Engine.RetryBaseDelay = d.Engine.RetryBaseDelay
	}
	if c.Engine.RetryMaxDelay == 0 {
		c.Engine.RetryMaxDelay = d.Engine.RetryMaxDelay
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = d.Storage.Backend
	}
	if c.Storage.HistorySize == 0 {
		c.Storage.HistorySize = d.Storage.HistorySize
	}
	if c.LogStream.ReconnectDelay == 0 {
		c.LogStream.ReconnectDelay = d.LogStream.ReconnectDelay
	}
	if c.LogStream.HeartbeatInterval == 0 {
		c.LogStream.HeartbeatInterval = d.LogStream.HeartbeatInterval
	}
	if c.LogStream.BufferCapacity == 0 {
		c.LogStream.BufferCapacity = d.LogStream.BufferCapacity
	}
	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = d.Tracing.Exporter
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = d.Tracing.SampleRate
	}
}

// loadFromFile loads configuration from a YAML file.
func (c *Config) loadFromFile(path string) error {
	path, err := expandHome(path)
	if err != nil {
		return fmt.Errorf("failed to get home directory: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}

	return nil
}

// loadFromEnv applies environment overrides.
func (c *Config) loadFromEnv() error {
	if val := os.Getenv("PIPECTL_API_URL"); val != "" {
		c.API.URL = val
	}
	if val := os.Getenv("PIPECTL_API_TOKEN"); val != "" {
		c.API.Token = val
	}
	if val := os.Getenv("PIPECTL_SESSION_ID"); val != "" {
		c.Session.ID = val
	}
	if val := os.Getenv("PIPECTL_STORAGE_BACKEND"); val != "" {
		c.Storage.Backend = strings.ToLower(val)
	}
	if val := os.Getenv("PIPECTL_REDIS_ADDR"); val != "" {
		c.Storage.Redis.Addr = val
	}
	if val := os.Getenv("PIPECTL_STEP_DELAY"); val != "" {
		d, err := time.ParseDuration(val)
		if err != nil {
			return &pipeerrors.ConfigError{Key: "PIPECTL_STEP_DELAY", Reason: "invalid duration", Cause: err}
		}
		c.Engine.StepDelay = d
	}
	if val := os.Getenv("PIPECTL_MAX_ATTEMPTS"); val != "" {
		n, err := strconv.Atoi(val)
		if err != nil {
			return &pipeerrors.ConfigError{Key: "PIPECTL_MAX_ATTEMPTS", Reason: "invalid integer", Cause: err}
		}
		c.Engine.MaxAttempts = n
	}

	if val := os.Getenv("PIPECTL_TRACING"); val != "" {
		c.Tracing.Enabled = val == "1" || strings.ToLower(val) == "true"
	}
	if val := os.Getenv("PIPECTL_TRACING_EXPORTER"); val != "" {
		c.Tracing.Exporter = strings.ToLower(val)
	}
	if val := os.Getenv("PIPECTL_TRACING_ENDPOINT"); val != "" {
		c.Tracing.Endpoint = val
	}

	if val := os.Getenv("LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}
	return nil
}

// ResolvePolicy returns the parsed resolve policy.
func (c *Config) ResolvePolicy() pipeline.ResolvePolicy {
	p, _ := pipeline.ParseResolvePolicy(c.Session.ResolvePolicy)
	return p
}

// RetryPolicy returns the engine retry policy.
func (c *Config) RetryPolicy() httpclient.RetryPolicy {
	if c.Engine.MaxAttempts <= 1 {
		return httpclient.NoRetry()
	}
	p := httpclient.DefaultRetryPolicy()
	p.MaxAttempts = c.Engine.MaxAttempts
	p.BaseDelay = c.Engine.RetryBaseDelay
	p.MaxDelay = c.Engine.RetryMaxDelay
	return p
}

// HTTPClientConfig returns the HTTP client settings for the API client.
func (c *Config) HTTPClientConfig() httpclient.Config {
	hc := httpclient.DefaultConfig()
	hc.Timeout = c.API.Timeout
	return hc
}

// StreamConfig returns the log stream client settings.
func (c *Config) StreamConfig() logstream.Config {
	base := c.LogStream.URL
	if base == "" {
		base = c.API.URL
	}
	return logstream.Config{
		URL:               base,
		Token:             c.API.Token,
		BaseDelay:         c.LogStream.ReconnectDelay,
		MaxAttempts:       c.LogStream.MaxReconnectAttempts,
		HeartbeatInterval: c.LogStream.HeartbeatInterval,
		BufferCapacity:    c.LogStream.BufferCapacity,
	}
}

// SQLiteConfig returns the sqlite backend settings.
func (c *Config) SQLiteConfig() (history.SQLiteConfig, error) {
	path := c.Storage.SQLitePath
	if path == "" {
		p, err := history.DefaultSQLitePath()
		if err != nil {
			return history.SQLiteConfig{}, &pipeerrors.ConfigError{Key: "storage.sqlite_path", Reason: "cannot determine data directory", Cause: err}
		}
		path = p
	}
	path, err := expandHome(path)
	if err != nil {
		return history.SQLiteConfig{}, &pipeerrors.ConfigError{Key: "storage.sqlite_path", Reason: "cannot expand home directory", Cause: err}
	}
	return history.SQLiteConfig{Path: path}, nil
}

// TracingConfig returns the trace provider settings.
func (c *Config) TracingConfig() tracing.Config {
	return tracing.Config{
		Exporter:   c.Tracing.Exporter,
		Endpoint:   c.Tracing.Endpoint,
		Insecure:   c.Tracing.Insecure,
		Headers:    c.Tracing.Headers,
		SampleRate: c.Tracing.SampleRate,
	}
}

// RedisKVConfig returns the redis backend settings.
func (c *Config) RedisKVConfig() history.RedisConfig {
	return history.RedisConfig{
		Addr:     c.Storage.Redis.Addr,
		Password: c.Storage.Redis.Password,
		DB:       c.Storage.Redis.DB,
		Prefix:   c.Storage.Redis.Prefix,
	}
}
