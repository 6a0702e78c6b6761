package shared

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"

	"github.com/tombee/pipectl/internal/api"
	"github.com/tombee/pipectl/internal/config"
	"github.com/tombee/pipectl/internal/tracing"
	pkgerrors "github.com/tombee/pipectl/pkg/errors"
	"github.com/tombee/pipectl/pkg/pipeline"
)

const testSessionID = "123e4567-e89b-12d3-a456-426614174000"

func testApp(t *testing.T) *App {
	t.Helper()
	cfg := config.Default()
	cfg.Storage.Backend = config.BackendMemory
	return &App{Config: cfg, Logger: NewLogger(cfg)}
}

func withSessionFlag(t *testing.T, v string) {
	t.Helper()
	prev := sessionFlag
	sessionFlag = v
	t.Cleanup(func() { sessionFlag = prev })
}

func TestSessionID(t *testing.T) {
	app := testApp(t)

	withSessionFlag(t, "")
	id, err := app.SessionID(false)
	require.NoError(t, err)
	assert.True(t, pipeline.ValidSessionID(id))

	_, err = app.SessionID(true)
	var valErr *pkgerrors.ValidationError
	require.ErrorAs(t, err, &valErr)
	assert.Contains(t, valErr.Suggestion, "--session")

	app.Config.Session.ID = testSessionID
	id, err = app.SessionID(true)
	require.NoError(t, err)
	assert.Equal(t, testSessionID, id)

	withSessionFlag(t, "bogus")
	_, err = app.SessionID(false)
	require.ErrorAs(t, err, &valErr)
}

func TestOpenKV_Memory(t *testing.T) {
	app := testApp(t)
	ctx := context.Background()

	kv, closeKV, err := app.OpenKV(ctx)
	require.NoError(t, err)
	defer closeKV()

	require.NoError(t, kv.Set(ctx, "a", []byte("1")))
	v, err := kv.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", string(v))
}

func TestOpenKV_SQLite(t *testing.T) {
	app := testApp(t)
	app.Config.Storage.Backend = config.BackendSQLite
	app.Config.Storage.SQLitePath = t.TempDir() + "/snapshots.db"

	kv, closeKV, err := app.OpenKV(context.Background())
	require.NoError(t, err)
	require.NotNil(t, kv)
	assert.NoError(t, closeKV())
}

func TestNewSession(t *testing.T) {
	app := testApp(t)
	client, err := api.New("http://127.0.0.1:8000")
	require.NoError(t, err)
	app.API = client

	s, cleanup, err := app.NewSession(context.Background(), testSessionID, SessionOptions{FileID: "file-1"})
	require.NoError(t, err)
	defer cleanup()

	assert.Equal(t, testSessionID, s.ID())
	assert.Equal(t, "file-1", s.FileID())
	assert.Equal(t, 0, s.History().Len())

	_, _, err = app.NewSession(context.Background(), "bad", SessionOptions{})
	var valErr *pkgerrors.ValidationError
	assert.ErrorAs(t, err, &valErr)
}

func TestStartTracing_Disabled(t *testing.T) {
	app := testApp(t)
	prev := otel.GetTracerProvider()

	stop, err := app.StartTracing(context.Background())
	require.NoError(t, err)
	stop()
	assert.Equal(t, prev, otel.GetTracerProvider())
}

func TestStartTracing_ExportsRunSpans(t *testing.T) {
	prev := otel.GetTracerProvider()
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	var exports atomic.Int32
	collector := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/v1/traces" {
			exports.Add(1)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer collector.Close()

	app := testApp(t)
	app.Config.Tracing.Enabled = true
	app.Config.Tracing.Exporter = tracing.ExporterOTLPHTTP
	app.Config.Tracing.Endpoint = strings.TrimPrefix(collector.URL, "http://")
	app.Config.Tracing.Insecure = true

	stop, err := app.StartTracing(context.Background())
	require.NoError(t, err)

	_, span := tracing.StartRun(context.Background(), tracing.Tracer(), testSessionID, 1)
	assert.NotEmpty(t, span.TraceID())
	span.End()

	stop()
	assert.Positive(t, exports.Load())
}

func TestStartTracing_UnknownExporter(t *testing.T) {
	app := testApp(t)
	app.Config.Tracing.Enabled = true
	app.Config.Tracing.Exporter = "zipkin"

	_, err := app.StartTracing(context.Background())
	var cfgErr *pkgerrors.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "tracing.exporter", cfgErr.Key)
}
