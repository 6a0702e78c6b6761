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

package management

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/pipectl/internal/commands/shared"
	"github.com/tombee/pipectl/pkg/logstream"
)

// NewLogsCommand creates the logs command.
func NewLogsCommand() *cobra.Command {
	var (
		level string
		count int
	)

	cmd := &cobra.Command{
		Use: "logs",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Follow a session's live log stream",
		Long: `Logs connects to the session's WebSocket log stream and prints events
until interrupted or the server closes the stream. Lost connections are
retried with a linearly growing delay.

With --json each event is written as one JSON object per line.`,
		Example: `  pipectl logs --session 123e4567-e89b-12d3-a456-426614174000
  pipectl logs --level warning
  pipectl logs --json | jq -r 'select(.level=="error") | .message'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			minLevel := logstream.ParseLevel(level)
			if level == "" {
				minLevel = logstream.LevelInfo
			}
			return withJSONError(cmd, "logs", func() error {
				return followLogs(cmd.Context(), cmd.OutOrStdout(), cmd.ErrOrStderr(), minLevel, count)
			})
		},
	}

	cmd.Flags().StringVarP(&level, "level", "l", "", "Minimum level to show: info, success, warning, error")
	cmd.Flags().IntVarP(&count, "count", "n", 0, "Exit after this many events (0 follows until interrupted)")

	return cmd
}

func followLogs(ctx context.Context, w, errW io.Writer, minLevel logstream.Level, count int) error {
	app, err := shared.LoadApp()
	if err != nil {
		return err
	}
	sessionID, err := app.SessionID(true)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream := app.NewStream()
	if err := stream.Connect(ctx, sessionID); err != nil {
		return err
	}
	defer stream.Disconnect()

	if !shared.GetJSON() && !shared.GetQuiet() {
		fmt.Fprintln(errW, shared.Muted.Render("Streaming logs for session "+sessionID+" (Ctrl-C to stop)"))
	}

	seen := 0
	// show writes ev if it passes the level filter and reports whether the
	// requested count has been reached.
	show := func(ev logstream.LogEvent) (bool, error) {
		if ev.Level.Severity() < minLevel.Severity() {
			return false, nil
		}
		if err := writeEvent(w, ev); err != nil {
			return false, err
		}
		seen++
		return count > 0 && seen >= count, nil
	}

	done := stream.Done()
	for {
		select {
		case <-ctx.Done():
			return nil
		case state := <-stream.States():
			app.Logger.Debug("log stream state changed", "state", state)
		case <-done:
			// Events delivered before the stream stopped are still queued.
		drain:
			for {
				select {
				case ev := <-stream.Events():
					if stop, err := show(ev); stop || err != nil {
						return err
					}
				default:
					break drain
				}
			}
			if stream.State() == logstream.StateError {
				return fmt.Errorf("log stream for session %s failed after retries", sessionID)
			}
			app.Logger.Debug("log stream closed by server")
			return nil
		case ev, ok := <-stream.Events():
			if !ok {
				return nil
			}
			if stop, err := show(ev); stop || err != nil {
				return err
			}
		}
	}
}

func writeEvent(w io.Writer, ev logstream.LogEvent) error {
	if shared.GetJSON() {
		data, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(data))
		return err
	}

	line := fmt.Sprintf("%s %-7s %s",
		shared.Muted.Render(ev.Timestamp.Local().Format("15:04:05")),
		shared.LevelStyle(ev.Level).Render(string(ev.Level)),
		ev.Message,
	)
	if ev.StepID != "" {
		line += " " + shared.Muted.Render("("+ev.StepID+")")
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
