package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/pipectl/internal/tracing"
	pipeerrors "github.com/tombee/pipectl/pkg/errors"
	"github.com/tombee/pipectl/pkg/pipeline"
	"github.com/tombee/pipectl/pkg/ratelimit"
)

const testSessionID = "123e4567-e89b-12d3-a456-426614174000"

func newTestClient(t *testing.T, handler http.HandlerFunc, opts ...Option) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	opts = append([]Option{WithHTTPClient(server.Client())}, opts...)
	c, err := New(server.URL, opts...)
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8000", "ftp://example.com", "http://"} {
		_, err := New(raw)
		var cfgErr *pipeerrors.ConfigError
		assert.True(t, pipeerrors.As(err, &cfgErr), "url %q", raw)
	}
}

func TestNew_TrimsTrailingSlash(t *testing.T) {
	c, err := New("http://localhost:8000/")
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8000", c.BaseURL())
}

func TestExecuteStep_PostsBody(t *testing.T) {
	var (
		gotPath  string
		gotQuery string
		gotAuth  string
		gotCorr  string
		gotBody  map[string]any
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotQuery = r.URL.Query().Get("session_id")
		gotAuth = r.Header.Get("Authorization")
		gotCorr = r.Header.Get(tracing.HeaderCorrelationID)
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		_, _ = w.Write([]byte(`{"status":"success","rows_removed":3}`))
	}, WithToken("secret"))

	corr := tracing.NewCorrelationID()
	ctx := tracing.ToContext(context.Background(), corr)

	raw, err := c.ExecuteStep(ctx, testSessionID, "file_abc", pipeline.Step{
		ID:         "step-1",
		Type:       pipeline.StepClean,
		Parameters: map[string]any{"method": "drop", "columns": []string{"age"}},
	})
	require.NoError(t, err)

	assert.JSONEq(t, `{"status":"success","rows_removed":3}`, string(raw))
	assert.Equal(t, "/api/clean", gotPath)
	assert.Equal(t, testSessionID, gotQuery)
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, corr.String(), gotCorr)
	assert.Equal(t, testSessionID, gotBody["session_id"])
	assert.Equal(t, "file_abc", gotBody["file_id"])
	assert.Equal(t, "drop", gotBody["method"])
	assert.Equal(t, []any{"age"}, gotBody["columns"])
}

func TestExecuteStep_PreviewUsesQuery(t *testing.T) {
	var got *http.Request
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		got = r
		_, _ = w.Write([]byte(`{"rows":[]}`))
	})

	_, err := c.ExecuteStep(context.Background(), testSessionID, "file_abc", pipeline.Step{
		Type:       pipeline.StepPreview,
		Parameters: map[string]any{"rows": 10},
	})
	require.NoError(t, err)

	require.NotNil(t, got)
	assert.Equal(t, http.MethodGet, got.Method)
	assert.Equal(t, "/api/preview", got.URL.Path)
	assert.Equal(t, "file_abc", got.URL.Query().Get("file_id"))
	assert.Equal(t, testSessionID, got.URL.Query().Get("session_id"))
	assert.Equal(t, "10", got.URL.Query().Get("rows"))
	assert.Empty(t, got.Header.Get("Authorization"))
}

func TestExecuteStep_Endpoints(t *testing.T) {
	paths := make(map[string]bool)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		paths[r.URL.Path] = true
		_, _ = w.Write([]byte(`{}`))
	})

	for _, st := range pipeline.StepTypes {
		_, err := c.ExecuteStep(context.Background(), testSessionID, "f", pipeline.Step{Type: st})
		require.NoError(t, err, "step %s", st)
	}

	for _, st := range pipeline.StepTypes {
		p, ok := Endpoint(st)
		require.True(t, ok)
		assert.True(t, paths[p], "path %s not called", p)
	}
	assert.True(t, paths["/api/schema-validate"])
}

func TestExecuteStep_UnknownType(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := c.ExecuteStep(context.Background(), testSessionID, "f", pipeline.Step{Type: "bogus"})
	var valErr *pipeerrors.ValidationError
	assert.True(t, pipeerrors.As(err, &valErr))
}

func TestExecuteStep_NonJSONBody(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("done"))
	})

	raw, err := c.ExecuteStep(context.Background(), testSessionID, "f", pipeline.Step{Type: pipeline.StepReport})
	require.NoError(t, err)
	assert.Equal(t, `"done"`, string(raw))
}

func TestErrorMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		header map[string]string
		check  func(t *testing.T, err error)
	}{
		{
			name:   "server error is transient",
			status: http.StatusBadGateway,
			body:   `{"detail":"upstream down"}`,
			check: func(t *testing.T, err error) {
				var te *pipeerrors.TransientNetworkError
				require.True(t, pipeerrors.As(err, &te))
				assert.Equal(t, http.StatusBadGateway, te.StatusCode)
				assert.Equal(t, "analyze", te.Operation)
				assert.Contains(t, err.Error(), "upstream down")
				assert.True(t, pipeerrors.IsRetryable(err))
			},
		},
		{
			name:   "too many requests",
			status: http.StatusTooManyRequests,
			header: map[string]string{"Retry-After": "12"},
			check: func(t *testing.T, err error) {
				var rl *pipeerrors.RateLimitExceededError
				require.True(t, pipeerrors.As(err, &rl))
				assert.Equal(t, testSessionID, rl.Key)
				assert.Equal(t, "api", rl.Class)
				assert.Equal(t, 12*time.Second, rl.RetryAfter)
				assert.False(t, pipeerrors.IsRetryable(err))
			},
		},
		{
			name:   "message and code",
			status: http.StatusBadRequest,
			body:   `{"message":"column not found","code":"COLUMN_MISSING"}`,
			check: func(t *testing.T, err error) {
				var apiErr *pipeerrors.APIError
				require.True(t, pipeerrors.As(err, &apiErr))
				assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
				assert.Equal(t, "COLUMN_MISSING", apiErr.Code)
				assert.Equal(t, "column not found", apiErr.Message)
			},
		},
		{
			name:   "fastapi detail string",
			status: http.StatusBadRequest,
			body:   `{"detail":"Invalid file ID format"}`,
			check: func(t *testing.T, err error) {
				var apiErr *pipeerrors.APIError
				require.True(t, pipeerrors.As(err, &apiErr))
				assert.Equal(t, "Invalid file ID format", apiErr.Message)
				assert.Empty(t, apiErr.Code)
			},
		},
		{
			name:   "fastapi detail list",
			status: http.StatusUnprocessableEntity,
			body:   `{"detail":[{"loc":["query","file_id"],"msg":"field required"},{"msg":"bad type"}]}`,
			check: func(t *testing.T, err error) {
				var apiErr *pipeerrors.APIError
				require.True(t, pipeerrors.As(err, &apiErr))
				assert.Equal(t, "field required; bad type", apiErr.Message)
			},
		},
		{
			name:   "empty body falls back to status text",
			status: http.StatusNotFound,
			check: func(t *testing.T, err error) {
				var apiErr *pipeerrors.APIError
				require.True(t, pipeerrors.As(err, &apiErr))
				assert.Equal(t, "Not Found", apiErr.Message)
			},
		},
		{
			name:   "plain text body",
			status: http.StatusForbidden,
			body:   "forbidden\n",
			check: func(t *testing.T, err error) {
				var apiErr *pipeerrors.APIError
				require.True(t, pipeerrors.As(err, &apiErr))
				assert.Equal(t, "forbidden", apiErr.Message)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				for k, v := range tt.header {
					w.Header().Set(k, v)
				}
				w.WriteHeader(tt.status)
				_, _ = io.WriteString(w, tt.body)
			})

			_, err := c.ExecuteStep(context.Background(), testSessionID, "f", pipeline.Step{Type: pipeline.StepAnalyze})
			require.Error(t, err)
			tt.check(t, err)
		})
	}
}

func TestTransportFailureIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	c, err := New(url, WithHTTPClient(&http.Client{Timeout: time.Second}))
	require.NoError(t, err)

	_, err = c.ExecuteStep(context.Background(), testSessionID, "f", pipeline.Step{Type: pipeline.StepClean})
	var te *pipeerrors.TransientNetworkError
	require.True(t, pipeerrors.As(err, &te))
	assert.Zero(t, te.StatusCode)
	assert.Equal(t, "clean", te.Operation)
}

func TestCancelledContextIsNotTransient(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ExecuteStep(ctx, testSessionID, "f", pipeline.Step{Type: pipeline.StepClean})
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, pipeerrors.IsRetryable(err))
}

func TestUpload(t *testing.T) {
	var (
		gotName    string
		gotContent string
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/upload", r.URL.Path)
		assert.Equal(t, testSessionID, r.URL.Query().Get("session_id"))
		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer file.Close()
		b, _ := io.ReadAll(file)
		gotName = header.Filename
		gotContent = string(b)
		_, _ = w.Write([]byte(`{"file_id":"file_1a2b3c4d","status":"success"}`))
	})

	res, err := c.Upload(context.Background(), testSessionID, "satış verisi.csv", strings.NewReader("a,b\n1,2\n"))
	require.NoError(t, err)
	assert.Equal(t, "file_1a2b3c4d", res.FileID)
	assert.Equal(t, "success", res.Status)
	assert.Equal(t, "satış verisi.csv", gotName)
	assert.Equal(t, "a,b\n1,2\n", gotContent)
}

func TestUpload_MissingFileID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"success"}`))
	})

	_, err := c.Upload(context.Background(), testSessionID, "data.csv", strings.NewReader("x"))
	var apiErr *pipeerrors.APIError
	assert.True(t, pipeerrors.As(err, &apiErr))
}

func TestUpload_RateLimited(t *testing.T) {
	calls := 0
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter := ratelimit.New(
		ratelimit.WithClock(func() time.Time { return now }),
		ratelimit.WithLimit(ratelimit.ClassUpload, ratelimit.Limit{Max: 1, Window: time.Minute}),
	)
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		_, _ = w.Write([]byte(`{"file_id":"file_1","status":"success"}`))
	}, WithLimiter(limiter))

	_, err := c.Upload(context.Background(), testSessionID, "a.csv", strings.NewReader("x"))
	require.NoError(t, err)

	_, err = c.Upload(context.Background(), testSessionID, "b.csv", strings.NewReader("x"))
	var rl *pipeerrors.RateLimitExceededError
	require.True(t, pipeerrors.As(err, &rl))
	assert.Equal(t, "upload", rl.Class)
	assert.Equal(t, 1, calls)
}

func TestValidateFilename(t *testing.T) {
	tests := []struct {
		name  string
		valid bool
	}{
		{"data.csv", true},
		{"müşteri listesi_2024-01.xlsx", true},
		{"İstanbul.csv", true},
		{"", false},
		{"../etc/passwd", false},
		{"report;rm.csv", false},
		{strings.Repeat("a", 256), false},
	}

	for _, tt := range tests {
		err := ValidateFilename(tt.name)
		if tt.valid {
			assert.NoError(t, err, tt.name)
		} else {
			var valErr *pipeerrors.ValidationError
			assert.True(t, pipeerrors.As(err, &valErr), tt.name)
		}
	}
}

func TestState(t *testing.T) {
	body := `{"session_id":"` + testSessionID + `","current_file_id":null,"current_step":0,` +
		`"steps":[{"step":"upload","status":"completed","timestamp":"2025-01-01T10:00:00.123456","file_id":"file_1"}],` +
		`"undo_stack":[],"redo_stack":[],"logs":[],"created_at":"2025-01-01T10:00:00"}`
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/state", r.URL.Path)
		assert.Equal(t, testSessionID, r.URL.Query().Get("session_id"))
		_, _ = w.Write([]byte(body))
	})

	st, err := c.State(context.Background(), testSessionID)
	require.NoError(t, err)
	assert.Equal(t, testSessionID, st.SessionID)
	assert.Empty(t, st.CurrentFileID)
	require.Len(t, st.Steps, 1)
	assert.Equal(t, "upload", st.Steps[0].Step)
	assert.Equal(t, "file_1", st.Steps[0].FileID)
	assert.JSONEq(t, body, string(st.Raw))
}

func TestRollback(t *testing.T) {
	var got RollbackRequest
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/rollback", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"status":"success"}`))
	})

	err := c.Rollback(context.Background(), RollbackRequest{
		SessionID:  testSessionID,
		StateIndex: 2,
		State:      json.RawMessage(`{"current_step":2}`),
	})
	require.NoError(t, err)
	assert.Equal(t, testSessionID, got.SessionID)
	assert.Equal(t, 2, got.StateIndex)
	assert.JSONEq(t, `{"current_step":2}`, string(got.State))
}

func TestHealth(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		assert.Empty(t, r.URL.RawQuery)
		_, _ = w.Write([]byte(`{"status":"healthy","timestamp":"2025-01-01T10:00:00","active_sessions":2,"active_websockets":1}`))
	})

	h, err := c.Health(context.Background())
	require.NoError(t, err)
	assert.True(t, h.Healthy())
	assert.Equal(t, 2, h.ActiveSessions)
	assert.Equal(t, 1, h.ActiveWebSockets)
}

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)
	assert.Zero(t, parseRetryAfter("", now))
	assert.Zero(t, parseRetryAfter("soon", now))
	assert.Equal(t, 30*time.Second, parseRetryAfter("30", now))
	assert.Equal(t, 90*time.Second, parseRetryAfter(now.Add(90*time.Second).Format(http.TimeFormat), now))
}
