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

// Package logstream keeps a per-session WebSocket log stream open, classifies
// inbound frames into log events and reconnects with linear backoff.
package logstream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/tombee/pipectl/internal/log"
	"github.com/tombee/pipectl/internal/tracing"
	pipeerrors "github.com/tombee/pipectl/pkg/errors"
)

// State is the connection state of a Client.
type State string

// Connection states
const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"

	// StateError is terminal until Reconnect is called.
	StateError State = "error"
)

// Defaults
const (
	DefaultBaseDelay         = time.Second
	DefaultMaxAttempts       = 5
	DefaultHeartbeatInterval = 30 * time.Second
	DefaultEventChannelSize  = 256
)

// ErrNoSession is returned by Reconnect before any Connect.
var ErrNoSession = errors.New("logstream: no session to reconnect")

// Config configures a Client.
type Config struct {
	// URL is the API base URL (http, https, ws or wss). The stream endpoint
	// is /ws/logs/{session_id} under it.
	URL string

	// Token is sent as a bearer token when set.
	Token string

	// BaseDelay is multiplied by the attempt number to get the reconnect delay.
	BaseDelay time.Duration

	// MaxAttempts is the number of reconnect attempts before giving up.
	MaxAttempts int

	// HeartbeatInterval is the period of ping frames while connected.
	HeartbeatInterval time.Duration

	// EventChannelSize is the capacity of the Events channel.
	EventChannelSize int

	// BufferCapacity is the capacity of the event ring buffer.
	BufferCapacity int
}

func (c *Config) applyDefaults() {
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.EventChannelSize <= 0 {
		c.EventChannelSize = DefaultEventChannelSize
	}
	if c.BufferCapacity <= 0 {
		c.BufferCapacity = DefaultBufferCapacity
	}
}

// StreamURL returns the log stream URL for sessionID under base.
func StreamURL(base, sessionID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("invalid stream base url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("invalid stream base url %q: unsupported scheme %q", base, u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/logs/" + url.PathEscape(sessionID)
	u.RawQuery = ""
	return u.String(), nil
}

// Client maintains the log stream for one session at a time.
//
// The read loop, heartbeat and reconnect timer run on their own goroutines.
// Events are delivered on a buffered channel with non-blocking sends; events
// that do not fit are counted as dropped but are still recorded in Buffer.
type Client struct {
	cfg    Config
	dialer Dialer
	sleep  func(ctx context.Context, d time.Duration) error
	now    func() time.Time
	logger *slog.Logger
	buffer *Buffer

	events  chan LogEvent
	states  chan State
	dropped atomic.Int64

	mu        sync.Mutex
	state     State
	sessionID string
	cancel    context.CancelFunc
	done      chan struct{}
}

// New creates a client. A nil dialer uses WebSocketDialer.
func New(cfg Config, dialer Dialer) *Client {
	cfg.applyDefaults()
	if dialer == nil {
		dialer = WebSocketDialer{}
	}
	return &Client{
		cfg:    cfg,
		dialer: dialer,
		sleep:  sleepContext,
		now:    time.Now,
		logger: slog.Default(),
		buffer: NewBuffer(cfg.BufferCapacity),
		events: make(chan LogEvent, cfg.EventChannelSize),
		states: make(chan State, 32),
		state:  StateDisconnected,
	}
}

// WithLogger sets the logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	if logger != nil {
		c.logger = logger
	}
	return c
}

// WithSleep replaces the function used to wait between reconnect attempts.
func (c *Client) WithSleep(sleep func(ctx context.Context, d time.Duration) error) *Client {
	if sleep != nil {
		c.sleep = sleep
	}
	return c
}

// WithClock replaces the time source used for event timestamps.
func (c *Client) WithClock(now func() time.Time) *Client {
	if now != nil {
		c.now = now
	}
	return c
}

// Events returns the channel of classified events. It is never closed.
func (c *Client) Events() <-chan LogEvent {
	return c.events
}

// States returns the channel of state changes. It is never closed, and
// changes are dropped when nobody reads it.
func (c *Client) States() <-chan State {
	return c.states
}

// Buffer returns the ring buffer of recent events.
func (c *Client) Buffer() *Buffer {
	return c.buffer
}

// Dropped returns the number of events not delivered on the Events channel.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

// State returns the current connection state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Done returns a channel closed when the current stream stops, either after
// a normal closure by the server or once reconnect attempts are exhausted.
// It is nil before Connect and after Disconnect.
func (c *Client) Done() <-chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.done
}

// Connect opens the stream for sessionID, replacing any current stream, and
// returns the outcome of the first dial. A failed first dial is retried in
// the background like a dropped connection. The stream stops when ctx is
// cancelled or Disconnect is called.
func (c *Client) Connect(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return &pipeerrors.ValidationError{Field: "session_id", Message: "session id is required"}
	}
	streamURL, err := StreamURL(c.cfg.URL, sessionID)
	if err != nil {
		return &pipeerrors.ConfigError{Key: "api_url", Reason: err.Error(), Cause: err}
	}

	c.Disconnect()

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	first := make(chan error, 1)

	c.mu.Lock()
	c.sessionID = sessionID
	c.cancel = cancel
	c.done = done
	c.mu.Unlock()

	logger := log.WithSessionContext(c.logger, sessionID).With(log.String("component", "logstream"))
	go c.run(runCtx, streamURL, logger, first, done)

	select {
	case err := <-first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Disconnect closes the stream without reconnecting. It waits for the
// background goroutines to exit.
func (c *Client) Disconnect() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.setState(StateDisconnected, c.logger)
}

// Reconnect restarts the stream for the last session with a fresh attempt
// budget. It is the way out of StateError.
func (c *Client) Reconnect(ctx context.Context) error {
	c.mu.Lock()
	sessionID := c.sessionID
	c.mu.Unlock()

	if sessionID == "" {
		return ErrNoSession
	}
	return c.Connect(ctx, sessionID)
}

func (c *Client) setState(s State, logger *slog.Logger) {
	c.mu.Lock()
	if c.state == s {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = s
	c.mu.Unlock()

	logger.Debug("log stream state changed", "from", prev, "to", s)
	select {
	case c.states <- s:
	default:
	}
}

// run owns one stream: dial, serve, and reconnect with linear backoff.
func (c *Client) run(ctx context.Context, streamURL string, logger *slog.Logger, first chan<- error, done chan<- struct{}) {
	defer close(done)

	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	if id := tracing.FromContextOrEmpty(ctx); id != "" {
		header.Set(tracing.HeaderCorrelationID, id.String())
	}

	reportFirst := func(err error) {
		if first != nil {
			first <- err
			first = nil
		}
	}

	attempt := 0
	for {
		c.setState(StateConnecting, logger)
		conn, err := c.dialer.Dial(ctx, streamURL, header)
		if err != nil {
			if ctx.Err() != nil {
				reportFirst(ctx.Err())
				c.setState(StateDisconnected, logger)
				return
			}
			logger.Warn("log stream dial failed", "attempt", attempt, "error", err)
			reportFirst(err)
		} else {
			reportFirst(nil)
			attempt = 0
			c.setState(StateConnected, logger)
			logger.Info("log stream connected")

			err = c.serve(ctx, conn, logger)
			if ctx.Err() != nil {
				c.setState(StateDisconnected, logger)
				return
			}
			var ce *CloseError
			if errors.As(err, &ce) && ce.Code == CloseNormalClosure {
				logger.Info("log stream closed by server")
				c.setState(StateDisconnected, logger)
				return
			}
			logger.Warn("log stream dropped", "error", err)
		}

		c.setState(StateDisconnected, logger)
		attempt++
		if attempt > c.cfg.MaxAttempts {
			logger.Error("log stream reconnect attempts exhausted", "attempts", c.cfg.MaxAttempts)
			c.setState(StateError, logger)
			return
		}

		delay := c.cfg.BaseDelay * time.Duration(attempt)
		recordReconnect()
		logger.Info("log stream reconnecting", "attempt", attempt, "delay", delay)
		if err := c.sleep(ctx, delay); err != nil {
			return
		}
	}
}

// serve reads frames until the connection fails or ctx is cancelled, sending
// heartbeats meanwhile.
func (c *Client) serve(ctx context.Context, conn Conn, logger *slog.Logger) error {
	stop := make(chan struct{})
	var wg sync.WaitGroup
	defer func() {
		close(stop)
		conn.Close(CloseNormalClosure, "client disconnect")
		wg.Wait()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(c.cfg.HeartbeatInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-ctx.Done():
				// Unblocks ReadMessage.
				conn.Close(CloseNormalClosure, "client disconnect")
				return
			case <-ticker.C:
				ping, _ := json.Marshal(map[string]string{
					"type":      "ping",
					"timestamp": c.now().UTC().Format(time.RFC3339Nano),
				})
				if err := conn.WriteMessage(ping); err != nil {
					logger.Debug("heartbeat failed", "error", err)
				}
			}
		}
	}()

	for {
		data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		ev, ok := classify(data, c.now(), ulid.Make().String())
		if !ok {
			continue
		}
		if ev.Type == TypeMalformed {
			logger.Warn("malformed log stream frame", "size", len(data))
		}
		c.deliver(ev)
	}
}

func (c *Client) deliver(ev LogEvent) {
	c.buffer.Add(ev)
	recordEvent(ev.Level)

	select {
	case c.events <- ev:
	default:
		c.dropped.Add(1)
		recordDropped()
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
