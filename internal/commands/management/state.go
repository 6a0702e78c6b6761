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
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/tombee/pipectl/internal/api"
	"github.com/tombee/pipectl/internal/commands/shared"
)

// StateResponse is the --json output of state.
type StateResponse struct {
	shared.JSONResponse
	State *api.State `json:"state"`
}

// NewStateCommand creates the state command.
func NewStateCommand() *cobra.Command {
	return &cobra.Command{
		Use: "state",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Show the server-side pipeline state of a session",
		Example: `  pipectl state --session 123e4567-e89b-12d3-a456-426614174000
  pipectl state --json | jq '.state.steps'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJSONError(cmd, "state", func() error {
				return showState(cmd.Context(), cmd.OutOrStdout())
			})
		},
	}
}

func showState(ctx context.Context, w io.Writer) error {
	app, err := shared.LoadApp()
	if err != nil {
		return err
	}
	sessionID, err := app.SessionID(true)
	if err != nil {
		return err
	}

	state, err := app.API.State(ctx, sessionID)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.EmitJSON(w, StateResponse{
			JSONResponse: shared.NewJSONResponse("state", true),
			State:        state,
		})
	}

	fileID := state.CurrentFileID
	if fileID == "" {
		fileID = "-"
	}
	fmt.Fprintf(w, "Session:      %s\n", state.SessionID)
	fmt.Fprintf(w, "File:         %s\n", fileID)
	fmt.Fprintf(w, "Current step: %d\n", state.CurrentStep)
	fmt.Fprintf(w, "Undo / redo:  %d / %d\n", len(state.UndoStack), len(state.RedoStack))
	if state.CreatedAt != "" {
		fmt.Fprintf(w, "Created:      %s\n", state.CreatedAt)
	}

	if len(state.Steps) == 0 {
		return nil
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "STEP         STATUS     TIMESTAMP")
	fmt.Fprintln(w, "------------ ---------- -------------------------")
	for _, s := range state.Steps {
		var status string
		switch s.Status {
		case "completed", "success":
			status = shared.StatusOK.Render(fmt.Sprintf("%-10s", s.Status))
		case "failed", "error":
			status = shared.StatusError.Render(fmt.Sprintf("%-10s", s.Status))
		default:
			status = fmt.Sprintf("%-10s", s.Status)
		}
		fmt.Fprintf(w, "%-12s %s %s\n", s.Step, status, s.Timestamp)
	}
	return nil
}
