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

package logstream

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	pipeerrors "github.com/tombee/pipectl/pkg/errors"
)

// CloseNormalClosure is the WebSocket close code for an orderly shutdown.
const CloseNormalClosure = websocket.CloseNormalClosure

// maxMessageSize bounds a single inbound frame.
const maxMessageSize = 1 << 20

// CloseError reports that the peer closed the connection with a close frame.
type CloseError struct {
	Code int
	Text string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("websocket closed: %d %s", e.Code, e.Text)
}

// Conn is an established log stream connection.
type Conn interface {
	// ReadMessage blocks for the next text frame. It returns a *CloseError
	// when the peer sends a close frame.
	ReadMessage() ([]byte, error)

	// WriteMessage sends a text frame. It is safe to call concurrently with
	// ReadMessage and Close.
	WriteMessage(data []byte) error

	// Close sends a close frame with code and reason and closes the
	// connection. Calling it more than once is harmless.
	Close(code int, reason string) error
}

// Dialer opens connections to the log stream endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}

// WebSocketDialer dials with gorilla/websocket.
type WebSocketDialer struct {
	// Dialer is the underlying dialer. Nil uses websocket.DefaultDialer.
	Dialer *websocket.Dialer
}

// Dial implements Dialer. Failures are TransientNetworkErrors carrying the
// handshake status when there was one.
func (d WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}

	ws, resp, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		status := 0
		if resp != nil {
			status = resp.StatusCode
		}
		return nil, &pipeerrors.TransientNetworkError{
			Operation:  "logstream dial",
			StatusCode: status,
			Cause:      err,
		}
	}
	ws.SetReadLimit(maxMessageSize)
	return &wsConn{conn: ws}, nil
}

type wsConn struct {
	conn      *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *wsConn) ReadMessage() ([]byte, error) {
	for {
		msgType, data, err := c.conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				return nil, &CloseError{Code: ce.Code, Text: ce.Text}
			}
			return nil, err
		}
		if msgType == websocket.TextMessage || msgType == websocket.BinaryMessage {
			return data, nil
		}
	}
}

func (c *wsConn) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(code, reason),
			time.Now().Add(time.Second),
		)
		c.writeMu.Unlock()
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
