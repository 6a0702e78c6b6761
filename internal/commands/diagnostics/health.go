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

package diagnostics

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/pipectl/internal/commands/shared"
	"github.com/tombee/pipectl/internal/config"
)

// HealthResult contains the overall health check results
type HealthResult struct {
	shared.JSONResponse
	ConfigPath       string `json:"config_path"`
	APIURL           string `json:"api_url"`
	Reachable        bool   `json:"reachable"`
	Status           string `json:"status,omitempty"`
	ServerTime       string `json:"server_time,omitempty"`
	ActiveSessions   int    `json:"active_sessions"`
	ActiveWebSockets int    `json:"active_websockets"`
	LatencyMS        int64  `json:"latency_ms"`
	StorageBackend   string `json:"storage_backend"`
	Error            string `json:"error,omitempty"`
}

// NewHealthCommand creates the health command
func NewHealthCommand() *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use: "health",
		Annotations: map[string]string{
			"group": "diagnostics",
		},
		Short: "Check that the pipeline API is reachable and healthy",
		Long: `Health loads the configuration and calls the API's health endpoint.

It exits 0 when the API reports "healthy", 3 when the configuration is
invalid and 4 when the API is unreachable or unhealthy.`,
		Example: `  pipectl health
  pipectl health --json | jq -e '.success'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			return runHealth(ctx, cmd.OutOrStdout())
		},
	}

	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Give up after this long")

	return cmd
}

func runHealth(ctx context.Context, w io.Writer) error {
	app, err := shared.LoadApp()
	if err != nil {
		if shared.GetJSON() {
			_ = shared.EmitJSONError(w, "health", err)
		}
		return err
	}

	result := HealthResult{
		JSONResponse:   shared.NewJSONResponse("health", false),
		ConfigPath:     shared.GetConfigPath(),
		APIURL:         app.API.BaseURL(),
		StorageBackend: app.Config.Storage.Backend,
	}
	if result.ConfigPath == "" {
		if p, err := config.ConfigPath(); err == nil {
			result.ConfigPath = p
		}
	}

	start := time.Now()
	health, err := app.API.Health(ctx)
	result.LatencyMS = time.Since(start).Milliseconds()

	var healthErr error
	switch {
	case err != nil:
		result.Error = err.Error()
		healthErr = err
	default:
		result.Reachable = true
		result.Status = health.Status
		result.ServerTime = health.Timestamp
		result.ActiveSessions = health.ActiveSessions
		result.ActiveWebSockets = health.ActiveWebSockets
		if health.Healthy() {
			result.Success = true
		} else {
			healthErr = &shared.ExitError{Code: shared.ExitAPIError, Message: fmt.Sprintf("API reports status %q", health.Status)}
			result.Error = healthErr.Error()
		}
	}

	if shared.GetJSON() {
		if err := shared.EmitJSON(w, result); err != nil {
			return err
		}
		return healthErr
	}

	printHealth(w, result)
	return healthErr
}

func printHealth(w io.Writer, r HealthResult) {
	fmt.Fprintf(w, "%s\n\n", shared.Header.Render("pipectl health"))
	fmt.Fprintf(w, "  %s   %s\n", shared.RenderLabel("Config:"), r.ConfigPath)
	fmt.Fprintf(w, "  %s      %s\n", shared.RenderLabel("API:"), r.APIURL)
	fmt.Fprintf(w, "  %s  %s\n\n", shared.RenderLabel("Storage:"), r.StorageBackend)

	switch {
	case !r.Reachable:
		fmt.Fprintf(w, "  %s\n", shared.RenderError("API unreachable: "+r.Error))
	case r.Success:
		fmt.Fprintf(w, "  %s API healthy %s\n", shared.RenderStatus(true, "OK"), shared.Muted.Render(fmt.Sprintf("(%dms)", r.LatencyMS)))
		fmt.Fprintf(w, "    active sessions: %d, websockets: %d\n", r.ActiveSessions, r.ActiveWebSockets)
	default:
		fmt.Fprintf(w, "  %s API status %q\n", shared.RenderStatus(false, "DEGRADED"), r.Status)
	}
}
