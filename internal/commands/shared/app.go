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

package shared

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/pipectl/internal/api"
	"github.com/tombee/pipectl/internal/config"
	"github.com/tombee/pipectl/internal/log"
	"github.com/tombee/pipectl/internal/session"
	"github.com/tombee/pipectl/internal/tracing"
	pkgerrors "github.com/tombee/pipectl/pkg/errors"
	"github.com/tombee/pipectl/pkg/history"
	"github.com/tombee/pipectl/pkg/httpclient"
	"github.com/tombee/pipectl/pkg/logstream"
	"github.com/tombee/pipectl/pkg/pipeline"
	"github.com/tombee/pipectl/pkg/ratelimit"
)

// App holds the dependencies shared by commands.
type App struct {
	Config  *config.Config
	Logger  *slog.Logger
	API     *api.Client
	Limiter *ratelimit.Limiter
}

// LoadApp loads configuration and builds the logger and API client.
func LoadApp() (*App, error) {
	cfg, err := config.Load(GetConfigPath())
	if err != nil {
		return nil, err
	}

	logger := NewLogger(cfg)
	slog.SetDefault(logger)

	hc, err := httpclient.New(cfg.HTTPClientConfig())
	if err != nil {
		return nil, &pkgerrors.ConfigError{Key: "api.timeout", Reason: "invalid HTTP client settings", Cause: err}
	}

	limiter := ratelimit.New()
	client, err := api.New(cfg.API.URL,
		api.WithHTTPClient(hc),
		api.WithToken(cfg.API.Token),
		api.WithLogger(logger),
		api.WithLimiter(limiter),
	)
	if err != nil {
		return nil, err
	}

	return &App{Config: cfg, Logger: logger, API: client, Limiter: limiter}, nil
}

// NewLogger builds the CLI logger. PIPECTL_DEBUG and PIPECTL_LOG_LEVEL win
// over the config file; --verbose and --quiet win over both.
func NewLogger(cfg *config.Config) *slog.Logger {
	lc := log.FromEnv()
	if os.Getenv("PIPECTL_DEBUG") == "" && os.Getenv("PIPECTL_LOG_LEVEL") == "" {
		lc.Level = cfg.Log.Level
	}
	lc.Format = log.Format(cfg.Log.Format)
	lc.AddSource = lc.AddSource || cfg.Log.AddSource

	switch {
	case GetVerbose():
		lc.Level = "debug"
	case GetQuiet():
		lc.Level = "error"
	}
	return log.New(lc)
}

// tracingShutdownTimeout bounds the final span flush on exit.
const tracingShutdownTimeout = 5 * time.Second

// StartTracing installs the configured trace provider when tracing is
// enabled. The returned func flushes pending spans and must be called
// before exit.
func (a *App) StartTracing(ctx context.Context) (func(), error) {
	if !a.Config.Tracing.Enabled {
		return func() {}, nil
	}

	version, _, _ := GetVersion()
	tc := a.Config.TracingConfig()
	tc.ServiceVersion = version
	tc.Writer = os.Stderr

	provider, err := tracing.NewProvider(ctx, tc)
	if err != nil {
		return nil, &pkgerrors.ConfigError{Key: "tracing.exporter", Reason: "cannot start tracing", Cause: err}
	}
	provider.Install()
	a.Logger.Debug("tracing enabled", "exporter", tc.Exporter, "sample_rate", tc.SampleRate)

	return func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), tracingShutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(ctx); err != nil {
			a.Logger.Warn("failed to flush traces", "error", err)
		}
	}, nil
}

// SessionID returns the session from --session or the config. When none is
// set, a fresh id is generated unless required is true.
func (a *App) SessionID(required bool) (string, error) {
	id := GetSessionID()
	if id == "" {
		id = a.Config.Session.ID
	}
	if id != "" {
		if !pipeline.ValidSessionID(id) {
			return "", &pkgerrors.ValidationError{
				Field:      "session_id",
				Message:    fmt.Sprintf("invalid session id %q", id),
				Suggestion: "session ids are 36-character UUIDs",
			}
		}
		return id, nil
	}
	if required {
		return "", &pkgerrors.ValidationError{
			Field:      "session_id",
			Message:    "no session selected",
			Suggestion: "pass --session or set PIPECTL_SESSION_ID",
		}
	}
	return uuid.NewString(), nil
}

// OpenKV opens the configured snapshot backend. The returned func closes it.
func (a *App) OpenKV(ctx context.Context) (history.KVStore, func() error, error) {
	switch a.Config.Storage.Backend {
	case config.BackendMemory:
		return history.NewMemoryKV(), func() error { return nil }, nil
	case config.BackendRedis:
		kv, err := history.NewRedisKV(ctx, a.Config.RedisKVConfig())
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Close, nil
	default:
		sc, err := a.Config.SQLiteConfig()
		if err != nil {
			return nil, nil, err
		}
		kv, err := history.NewSQLiteKV(sc)
		if err != nil {
			return nil, nil, err
		}
		return kv, kv.Close, nil
	}
}

// SnapshotStore opens the snapshot store for a session.
func (a *App) SnapshotStore(ctx context.Context, sessionID string) (*history.SnapshotStore, func() error, error) {
	kv, closeKV, err := a.OpenKV(ctx)
	if err != nil {
		return nil, nil, err
	}
	store := history.NewSnapshotStore(kv, sessionID).
		WithMaxAutoSnapshots(a.Config.Storage.MaxAutoSnapshots).
		WithLogger(a.Logger)
	return store, closeKV, nil
}

// NewStream creates a log stream client from the config.
func (a *App) NewStream() *logstream.Client {
	return logstream.New(a.Config.StreamConfig(), nil).WithLogger(a.Logger)
}

// SessionOptions tune NewSession.
type SessionOptions struct {
	FileID string

	// Stream attaches a live log stream client.
	Stream bool
}

// NewSession wires a session from the config. The returned func releases
// the snapshot store and log stream.
func (a *App) NewSession(ctx context.Context, sessionID string, opts SessionOptions) (*session.Session, func(), error) {
	store, closeKV, err := a.SnapshotStore(ctx, sessionID)
	if err != nil {
		return nil, nil, err
	}

	engine := pipeline.NewEngine(a.API).
		WithLogger(a.Logger).
		WithLimiter(a.Limiter).
		WithRetryPolicy(a.Config.RetryPolicy()).
		WithStepDelay(a.Config.Engine.StepDelay)

	sessOpts := []session.Option{
		session.WithLogger(a.Logger),
		session.WithEngine(engine),
		session.WithParser(pipeline.NewParser(a.Config.Session.Columns).WithLogger(a.Logger)),
		session.WithResolver(pipeline.NewResolver(a.Config.ResolvePolicy())),
		session.WithHistory(history.New(history.WithMaxSize(a.Config.Storage.HistorySize))),
		session.WithSnapshotStore(store),
	}
	if opts.FileID != "" {
		sessOpts = append(sessOpts, session.WithFileID(opts.FileID))
	}
	if opts.Stream {
		sessOpts = append(sessOpts, session.WithLogStream(a.NewStream()))
	}

	s, err := session.New(sessionID, a.API, sessOpts...)
	if err != nil {
		_ = closeKV()
		return nil, nil, err
	}

	cleanup := func() {
		s.Close()
		if err := closeKV(); err != nil {
			a.Logger.Warn("closing snapshot store failed", "error", err)
		}
	}
	return s, cleanup, nil
}
