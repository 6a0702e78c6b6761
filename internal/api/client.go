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

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/tombee/pipectl/internal/log"
	"github.com/tombee/pipectl/internal/tracing"
	"github.com/tombee/pipectl/pkg/errors"
	"github.com/tombee/pipectl/pkg/httpclient"
	"github.com/tombee/pipectl/pkg/ratelimit"
)

// maxResponseSize bounds how much of a response body is read.
const maxResponseSize = 10 << 20

// Limiter admits or denies a request for (key, class).
type Limiter interface {
	CheckLimit(key string, class ratelimit.Class) ratelimit.Decision
}

// Client is a client for the remote pipeline API.
type Client struct {
	httpClient *http.Client
	baseURL    string
	token      string
	limiter    Limiter
	logger     *slog.Logger
	middleware *log.CallMiddleware
	now        func() time.Time
}

// New creates a client for the API rooted at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &errors.ConfigError{
			Key:    "api_url",
			Reason: fmt.Sprintf("invalid API base URL %q", baseURL),
			Cause:  err,
		}
	}

	c := &Client{
		baseURL: strings.TrimRight(u.String(), "/"),
		logger:  slog.Default(),
		now:     time.Now,
	}

	for _, opt := range opts {
		if err := opt(c); err != nil {
			return nil, err
		}
	}

	if c.httpClient == nil {
		hc, err := httpclient.New(httpclient.DefaultConfig())
		if err != nil {
			return nil, fmt.Errorf("failed to create http client: %w", err)
		}
		c.httpClient = hc
	}
	c.middleware = log.NewCallMiddleware(c.logger)

	return c, nil
}

// Option configures a Client.
type Option func(*Client) error

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) error {
		c.httpClient = client
		return nil
	}
}

// WithToken sets the Bearer token sent with every request.
func WithToken(token string) Option {
	return func(c *Client) error {
		c.token = token
		return nil
	}
}

// WithLogger sets the logger used for API call logging.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) error {
		if logger != nil {
			c.logger = logger
		}
		return nil
	}
}

// WithLimiter rate limits uploads per session with the upload class.
// Step calls are limited by the engine, not here.
func WithLimiter(limiter Limiter) Option {
	return func(c *Client) error {
		c.limiter = limiter
		return nil
	}
}

// BaseURL returns the API root the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// request describes one API call.
type request struct {
	op          string
	method      string
	path        string
	sessionID   string
	query       url.Values
	body        io.Reader
	contentType string
}

// jsonRequest builds a POST request with a JSON body.
func jsonRequest(op, path, sessionID string, body any) (request, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return request{}, fmt.Errorf("failed to marshal %s request: %w", op, err)
	}
	return request{
		op:          op,
		method:      http.MethodPost,
		path:        path,
		sessionID:   sessionID,
		body:        bytes.NewReader(data),
		contentType: "application/json",
	}, nil
}

// do issues the request and returns the response body of a 2xx response.
func (c *Client) do(ctx context.Context, r request) ([]byte, error) {
	var out []byte

	call := &log.APICall{
		Operation:     r.op,
		SessionID:     r.sessionID,
		CorrelationID: tracing.FromContextOrEmpty(ctx).String(),
	}

	err := c.middleware.Handle(call, func() (int, error) {
		query := url.Values{}
		for k, v := range r.query {
			query[k] = v
		}
		if r.sessionID != "" {
			query.Set("session_id", r.sessionID)
		}

		endpoint := c.baseURL + r.path
		if len(query) > 0 {
			endpoint += "?" + query.Encode()
		}

		req, err := http.NewRequestWithContext(ctx, r.method, endpoint, r.body)
		if err != nil {
			return 0, fmt.Errorf("failed to create %s request: %w", r.op, err)
		}
		req.Header.Set("Accept", "application/json")
		if r.contentType != "" {
			req.Header.Set("Content-Type", r.contentType)
		}
		c.addAuth(req)
		tracing.InjectIntoHeader(ctx, req.Header)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return 0, ctxErr
			}
			return 0, &errors.TransientNetworkError{Operation: r.op, Cause: err}
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
		if err != nil {
			return resp.StatusCode, &errors.TransientNetworkError{
				Operation:  r.op,
				StatusCode: resp.StatusCode,
				Cause:      fmt.Errorf("failed to read response: %w", err),
			}
		}

		if resp.StatusCode >= 400 {
			return resp.StatusCode, c.statusError(r, resp, body)
		}

		out = body
		return resp.StatusCode, nil
	})

	return out, err
}

// statusError maps an error response to a typed error.
func (c *Client) statusError(r request, resp *http.Response, body []byte) error {
	msg, code := parseErrorBody(body)
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &errors.RateLimitExceededError{
			Key:        r.sessionID,
			Class:      string(classFor(r.op)),
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.now()),
		}
	case httpclient.ShouldRetryStatus(resp.StatusCode):
		return &errors.TransientNetworkError{
			Operation:  r.op,
			StatusCode: resp.StatusCode,
			Cause:      fmt.Errorf("%s", msg),
		}
	default:
		return &errors.APIError{
			Operation:  r.op,
			StatusCode: resp.StatusCode,
			Code:       code,
			Message:    msg,
		}
	}
}

func classFor(op string) ratelimit.Class {
	if op == "upload" {
		return ratelimit.ClassUpload
	}
	return ratelimit.ClassAPI
}

// errorBody covers both {message, code} and FastAPI's {detail} shapes.
type errorBody struct {
	Message string          `json:"message"`
	Code    string          `json:"code"`
	Detail  json.RawMessage `json:"detail"`
}

type detailItem struct {
	Msg string `json:"msg"`
}

func parseErrorBody(body []byte) (message, code string) {
	var eb errorBody
	if len(body) == 0 || json.Unmarshal(body, &eb) != nil {
		return strings.TrimSpace(string(body)), ""
	}
	if eb.Message != "" || len(eb.Detail) == 0 {
		return eb.Message, eb.Code
	}

	var detail string
	if json.Unmarshal(eb.Detail, &detail) == nil {
		return detail, eb.Code
	}

	var items []detailItem
	if json.Unmarshal(eb.Detail, &items) == nil {
		msgs := make([]string, 0, len(items))
		for _, it := range items {
			if it.Msg != "" {
				msgs = append(msgs, it.Msg)
			}
		}
		return strings.Join(msgs, "; "), eb.Code
	}

	return string(eb.Detail), eb.Code
}

// parseRetryAfter reads a Retry-After header in seconds or HTTP-date form.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil && t.After(now) {
		return t.Sub(now)
	}
	return 0
}

// addAuth adds authentication headers to the request.
func (c *Client) addAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
