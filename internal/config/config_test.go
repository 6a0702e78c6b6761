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

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pipectl/internal/tracing"
	pipeerrors "github.com/tombee/pipectl/pkg/errors"
	"github.com/tombee/pipectl/pkg/pipeline"
)

const testSessionID = "123e4567-e89b-12d3-a456-426614174000"

// isolate points the config lookup at an empty directory and clears every
// environment override.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	for _, k := range []string{
		"PIPECTL_API_URL", "PIPECTL_API_TOKEN", "PIPECTL_SESSION_ID",
		"PIPECTL_STORAGE_BACKEND", "PIPECTL_REDIS_ADDR", "PIPECTL_STEP_DELAY",
		"PIPECTL_MAX_ATTEMPTS", "PIPECTL_TRACING", "PIPECTL_TRACING_EXPORTER",
		"PIPECTL_TRACING_ENDPOINT", "LOG_LEVEL", "LOG_FORMAT", "LOG_SOURCE",
	} {
		t.Setenv(k, "")
	}
	return dir
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o700))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func requireConfigError(t *testing.T, err error, key string) {
	t.Helper()
	var cfgErr *pipeerrors.ConfigError
	require.True(t, pipeerrors.As(err, &cfgErr), "expected ConfigError, got %v", err)
	assert.Equal(t, key, cfgErr.Key)
}

func TestDefault(t *testing.T) {
	cfg := Default()

	assert.Equal(t, "http://localhost:8000", cfg.API.URL)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, "auto-insert", cfg.Session.ResolvePolicy)
	assert.Equal(t, pipeline.DefaultStepDelay, cfg.Engine.StepDelay)
	assert.Equal(t, 3, cfg.Engine.MaxAttempts)
	assert.Equal(t, BackendSQLite, cfg.Storage.Backend)
	assert.Equal(t, 50, cfg.Storage.HistorySize)
	assert.Equal(t, 5, cfg.LogStream.MaxReconnectAttempts)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "console", cfg.Tracing.Exporter)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRate)
	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_DefaultLocation(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, filepath.Join(dir, "pipectl", "config.yaml"), `
api:
  url: https://pipeline.example.com
  timeout: 10s
session:
  resolve_policy: reject
  columns: [age, salary]
engine:
  step_delay: 0s
  max_attempts: 5
storage:
  backend: memory
  max_auto_snapshots: 3
log:
  level: debug
  format: json
`)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "https://pipeline.example.com", cfg.API.URL)
	assert.Equal(t, 10*time.Second, cfg.API.Timeout)
	assert.Equal(t, pipeline.PolicyReject, cfg.ResolvePolicy())
	assert.Equal(t, []string{"age", "salary"}, cfg.Session.Columns)
	assert.Zero(t, cfg.Engine.StepDelay)
	assert.Equal(t, 5, cfg.RetryPolicy().MaxAttempts)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, 3, cfg.Storage.MaxAutoSnapshots)
	assert.Equal(t, 50, cfg.Storage.HistorySize)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_ExplicitPathMustExist(t *testing.T) {
	isolate(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	requireConfigError(t, err, "config_file")
}

func TestLoad_BadYAML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "api: [unclosed")

	_, err := Load(path)
	requireConfigError(t, err, "config_file")
}

func TestLoad_EnvOverrides(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "api:\n  url: http://from-file:8000\n")

	t.Setenv("PIPECTL_API_URL", "http://from-env:9000")
	t.Setenv("PIPECTL_API_TOKEN", "tok")
	t.Setenv("PIPECTL_SESSION_ID", testSessionID)
	t.Setenv("PIPECTL_STORAGE_BACKEND", "REDIS")
	t.Setenv("PIPECTL_REDIS_ADDR", "localhost:6379")
	t.Setenv("PIPECTL_STEP_DELAY", "250ms")
	t.Setenv("LOG_LEVEL", "WARN")
	t.Setenv("LOG_SOURCE", "true")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "http://from-env:9000", cfg.API.URL)
	assert.Equal(t, "tok", cfg.API.Token)
	assert.Equal(t, testSessionID, cfg.Session.ID)
	assert.Equal(t, BackendRedis, cfg.Storage.Backend)
	assert.Equal(t, "localhost:6379", cfg.RedisKVConfig().Addr)
	assert.Equal(t, 250*time.Millisecond, cfg.Engine.StepDelay)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.True(t, cfg.Log.AddSource)
}

func TestLoad_BadEnvValues(t *testing.T) {
	isolate(t)
	t.Setenv("PIPECTL_STEP_DELAY", "soon")
	_, err := Load("")
	requireConfigError(t, err, "PIPECTL_STEP_DELAY")

	t.Setenv("PIPECTL_STEP_DELAY", "")
	t.Setenv("PIPECTL_MAX_ATTEMPTS", "many")
	_, err = Load("")
	requireConfigError(t, err, "PIPECTL_MAX_ATTEMPTS")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		key    string
	}{
		{name: "valid default config", modify: func(c *Config) {}},
		{name: "bad url", modify: func(c *Config) { c.API.URL = "not a url" }, key: "api.url"},
		{name: "non-http scheme", modify: func(c *Config) { c.API.URL = "ftp://example.com" }, key: "api.url"},
		{name: "missing url", modify: func(c *Config) { c.API.URL = "" }, key: "api.url"},
		{name: "zero timeout", modify: func(c *Config) { c.API.Timeout = 0 }, key: "api.timeout"},
		{name: "bad session id", modify: func(c *Config) { c.Session.ID = "abc" }, key: "session.id"},
		{name: "valid session id", modify: func(c *Config) { c.Session.ID = testSessionID }},
		{name: "unknown policy", modify: func(c *Config) { c.Session.ResolvePolicy = "guess" }, key: "session.resolve_policy"},
		{name: "zero attempts", modify: func(c *Config) { c.Engine.MaxAttempts = 0 }, key: "engine.max_attempts"},
		{name: "too many attempts", modify: func(c *Config) { c.Engine.MaxAttempts = 11 }, key: "engine.max_attempts"},
		{name: "unknown backend", modify: func(c *Config) { c.Storage.Backend = "s3" }, key: "storage.backend"},
		{name: "redis without addr", modify: func(c *Config) { c.Storage.Backend = BackendRedis }, key: "storage.redis.addr"},
		{name: "bad log format", modify: func(c *Config) { c.Log.Format = "xml" }, key: "log.format"},
		{name: "bad stream url", modify: func(c *Config) { c.LogStream.URL = "::" }, key: "logstream.url"},
		{name: "unknown trace exporter", modify: func(c *Config) { c.Tracing.Exporter = "jaeger" }, key: "tracing.exporter"},
		{name: "bad trace endpoint", modify: func(c *Config) { c.Tracing.Endpoint = "http://collector:4318" }, key: "tracing.endpoint"},
		{name: "valid trace endpoint", modify: func(c *Config) { c.Tracing.Endpoint = "collector:4318" }},
		{name: "sample rate above one", modify: func(c *Config) { c.Tracing.SampleRate = 1.5 }, key: "tracing.sample_rate"},
		{
			name: "max delay below base",
			modify: func(c *Config) {
				c.Engine.RetryBaseDelay = 2 * time.Second
				c.Engine.RetryMaxDelay = time.Second
			},
			key: "engine.retry_max_delay",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.key == "" {
				assert.NoError(t, err)
				return
			}
			requireConfigError(t, err, tt.key)
		})
	}
}

func TestStreamConfig(t *testing.T) {
	cfg := Default()
	cfg.API.Token = "tok"

	sc := cfg.StreamConfig()
	assert.Equal(t, cfg.API.URL, sc.URL)
	assert.Equal(t, "tok", sc.Token)
	assert.Equal(t, 5, sc.MaxAttempts)

	cfg.LogStream.URL = "http://stream:9000"
	assert.Equal(t, "http://stream:9000", cfg.StreamConfig().URL)
}

func TestLoad_Tracing(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, filepath.Join(dir, "pipectl", "config.yaml"), `
tracing:
  enabled: true
  exporter: otlp-http
  endpoint: collector:4318
  insecure: true
  headers:
    authorization: Bearer abc
  sample_rate: 0.25
`)

	cfg, err := Load("")
	require.NoError(t, err)

	tc := cfg.TracingConfig()
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, tracing.ExporterOTLPHTTP, tc.Exporter)
	assert.Equal(t, "collector:4318", tc.Endpoint)
	assert.True(t, tc.Insecure)
	assert.Equal(t, map[string]string{"authorization": "Bearer abc"}, tc.Headers)
	assert.Equal(t, 0.25, tc.SampleRate)
}

func TestLoad_TracingEnv(t *testing.T) {
	dir := isolate(t)
	writeConfig(t, filepath.Join(dir, "pipectl", "config.yaml"), `
tracing:
  sample_rate: 0
`)
	t.Setenv("PIPECTL_TRACING", "true")
	t.Setenv("PIPECTL_TRACING_EXPORTER", "OTLP-HTTP")
	t.Setenv("PIPECTL_TRACING_ENDPOINT", "localhost:4318")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "otlp-http", cfg.Tracing.Exporter)
	assert.Equal(t, "localhost:4318", cfg.Tracing.Endpoint)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRate, "zero sample rate falls back to the default")
}

func TestSQLiteConfig(t *testing.T) {
	cfg := Default()
	cfg.Storage.SQLitePath = "/tmp/pipectl-test.db"
	sc, err := cfg.SQLiteConfig()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/pipectl-test.db", sc.Path)

	t.Setenv("XDG_DATA_HOME", "/data")
	cfg.Storage.SQLitePath = ""
	sc, err = cfg.SQLiteConfig()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/data", "pipectl", "snapshots.db"), sc.Path)
}

func TestConfigPath(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/cfg")
	p, err := ConfigPath()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/cfg", "pipectl", "config.yaml"), p)
}
