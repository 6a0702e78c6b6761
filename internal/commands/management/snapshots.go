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
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/pipectl/internal/commands/shared"
	"github.com/tombee/pipectl/pkg/history"
)

// SnapshotListResponse is the --json output of snapshots list.
type SnapshotListResponse struct {
	shared.JSONResponse
	SessionID string                   `json:"session_id"`
	Snapshots []history.SnapshotRecord `json:"snapshots"`
}

// SnapshotResponse is the --json output of the single-snapshot commands.
type SnapshotResponse struct {
	shared.JSONResponse
	SessionID string                  `json:"session_id"`
	Snapshot  *history.SnapshotRecord `json:"snapshot,omitempty"`
	Deleted   string                  `json:"deleted,omitempty"`
}

// NewSnapshotsCommand creates the snapshots command group.
func NewSnapshotsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use: "snapshots",
		Annotations: map[string]string{
			"group": "management",
		},
		Short: "Manage session snapshots",
		Long: `Commands for listing, saving, restoring and deleting snapshot records.

Every successful step saves an automatic snapshot of the session state.
Named snapshots can be saved at any time and restored later.

Snapshots are kept in the configured storage backend (sqlite by default).`,
	}

	cmd.AddCommand(newSnapshotsListCommand())
	cmd.AddCommand(newSnapshotsShowCommand())
	cmd.AddCommand(newSnapshotsSaveCommand())
	cmd.AddCommand(newSnapshotsRestoreCommand())
	cmd.AddCommand(newSnapshotsDeleteCommand())

	return cmd
}

func newSnapshotsListCommand() *cobra.Command {
	var manualOnly bool

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List snapshots for a session, newest first",
		Example: `  pipectl snapshots list --session 123e4567-e89b-12d3-a456-426614174000
  pipectl snapshots list --manual --json | jq '.snapshots[].name'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJSONError(cmd, "snapshots list", func() error {
				return snapshotsList(cmd.Context(), cmd.OutOrStdout(), manualOnly)
			})
		},
	}

	cmd.Flags().BoolVar(&manualOnly, "manual", false, "Hide automatic snapshots")

	return cmd
}

func newSnapshotsShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <snapshot-id>",
		Short: "Show a snapshot and its recorded state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJSONError(cmd, "snapshots show", func() error {
				return snapshotsShow(cmd.Context(), cmd.OutOrStdout(), args[0])
			})
		},
	}
}

func newSnapshotsSaveCommand() *cobra.Command {
	var description string
	var tags []string

	cmd := &cobra.Command{
		Use:     "save <name>",
		Short:   "Save the session's current state as a named snapshot",
		Example: `  pipectl snapshots save "before modelling" --tag baseline`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJSONError(cmd, "snapshots save", func() error {
				return snapshotsSave(cmd.Context(), cmd.OutOrStdout(), args[0], description, tags)
			})
		},
	}

	cmd.Flags().StringVarP(&description, "description", "d", "", "Snapshot description")
	cmd.Flags().StringSliceVarP(&tags, "tag", "t", nil, "Tag to attach (repeatable)")

	return cmd
}

func newSnapshotsRestoreCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Roll the session back to a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJSONError(cmd, "snapshots restore", func() error {
				return snapshotsRestore(cmd.Context(), cmd.OutOrStdout(), args[0])
			})
		},
	}
}

func newSnapshotsDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <snapshot-id>",
		Aliases: []string{"rm"},
		Short:   "Delete a snapshot",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withJSONError(cmd, "snapshots delete", func() error {
				return snapshotsDelete(cmd.Context(), cmd.OutOrStdout(), args[0])
			})
		},
	}
}

// withJSONError emits the JSON error envelope when fn fails under --json.
func withJSONError(cmd *cobra.Command, command string, fn func() error) error {
	err := fn()
	if err != nil && shared.GetJSON() {
		_ = shared.EmitJSONError(cmd.OutOrStdout(), command, err)
	}
	return err
}

// openStore loads the app and the snapshot store of the selected session.
func openStore(ctx context.Context) (*shared.App, string, *history.SnapshotStore, func() error, error) {
	app, err := shared.LoadApp()
	if err != nil {
		return nil, "", nil, nil, err
	}
	sessionID, err := app.SessionID(true)
	if err != nil {
		return nil, "", nil, nil, err
	}
	store, closeStore, err := app.SnapshotStore(ctx, sessionID)
	if err != nil {
		return nil, "", nil, nil, err
	}
	return app, sessionID, store, closeStore, nil
}

func snapshotsList(ctx context.Context, w io.Writer, manualOnly bool) error {
	_, sessionID, store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := store.List(ctx)
	if err != nil {
		return err
	}
	if manualOnly {
		kept := records[:0]
		for _, rec := range records {
			if !rec.AutoCreated {
				kept = append(kept, rec)
			}
		}
		records = kept
	}

	if shared.GetJSON() {
		return shared.EmitJSON(w, SnapshotListResponse{
			JSONResponse: shared.NewJSONResponse("snapshots list", true),
			SessionID:    sessionID,
			Snapshots:    records,
		})
	}

	if len(records) == 0 {
		fmt.Fprintln(w, "No snapshots found")
		return nil
	}

	fmt.Fprintln(w, "ID                                   NAME                       KIND   CREATED")
	fmt.Fprintln(w, "------------------------------------ -------------------------- ------ -------------------")
	for _, rec := range records {
		kind := "manual"
		if rec.AutoCreated {
			kind = "auto"
		}
		fmt.Fprintf(w, "%-36s %-26s %-6s %s\n", rec.ID, truncate(rec.Name, 26), kind, rec.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	}
	return nil
}

func snapshotsShow(ctx context.Context, w io.Writer, id string) error {
	_, sessionID, store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rec, err := store.Get(ctx, id)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.EmitJSON(w, SnapshotResponse{
			JSONResponse: shared.NewJSONResponse("snapshots show", true),
			SessionID:    sessionID,
			Snapshot:     rec,
		})
	}

	printSnapshot(w, rec)
	if len(rec.State) > 0 {
		var pretty strings.Builder
		var v any
		if err := json.Unmarshal(rec.State, &v); err == nil {
			enc := json.NewEncoder(&pretty)
			enc.SetIndent("", "  ")
			_ = enc.Encode(v)
		} else {
			pretty.Write(rec.State)
		}
		fmt.Fprintf(w, "\nState:\n%s", pretty.String())
	}
	return nil
}

func snapshotsSave(ctx context.Context, w io.Writer, name, description string, tags []string) error {
	app, err := shared.LoadApp()
	if err != nil {
		return err
	}
	sessionID, err := app.SessionID(true)
	if err != nil {
		return err
	}
	sess, cleanup, err := app.NewSession(ctx, sessionID, shared.SessionOptions{})
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := sess.SaveSnapshot(ctx, name, description, tags)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.EmitJSON(w, SnapshotResponse{
			JSONResponse: shared.NewJSONResponse("snapshots save", true),
			SessionID:    sessionID,
			Snapshot:     rec,
		})
	}
	fmt.Fprintln(w, shared.RenderOK(fmt.Sprintf("Saved snapshot %q (%s)", rec.Name, rec.ID)))
	return nil
}

func snapshotsRestore(ctx context.Context, w io.Writer, id string) error {
	app, err := shared.LoadApp()
	if err != nil {
		return err
	}
	sessionID, err := app.SessionID(true)
	if err != nil {
		return err
	}
	sess, cleanup, err := app.NewSession(ctx, sessionID, shared.SessionOptions{})
	if err != nil {
		return err
	}
	defer cleanup()

	rec, err := sess.RestoreSnapshot(ctx, id)
	if err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.EmitJSON(w, SnapshotResponse{
			JSONResponse: shared.NewJSONResponse("snapshots restore", true),
			SessionID:    sessionID,
			Snapshot:     rec,
		})
	}
	fmt.Fprintln(w, shared.RenderOK(fmt.Sprintf("Restored snapshot %q", rec.Name)))
	return nil
}

func snapshotsDelete(ctx context.Context, w io.Writer, id string) error {
	_, sessionID, store, closeStore, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.Delete(ctx, id); err != nil {
		return err
	}

	if shared.GetJSON() {
		return shared.EmitJSON(w, SnapshotResponse{
			JSONResponse: shared.NewJSONResponse("snapshots delete", true),
			SessionID:    sessionID,
			Deleted:      id,
		})
	}
	fmt.Fprintln(w, shared.RenderOK("Deleted snapshot "+id))
	return nil
}

func printSnapshot(w io.Writer, rec *history.SnapshotRecord) {
	fmt.Fprintf(w, "ID:          %s\n", rec.ID)
	fmt.Fprintf(w, "Name:        %s\n", rec.Name)
	if rec.Description != "" {
		fmt.Fprintf(w, "Description: %s\n", rec.Description)
	}
	if len(rec.Tags) > 0 {
		fmt.Fprintf(w, "Tags:        %s\n", strings.Join(rec.Tags, ", "))
	}
	if rec.StepID != "" {
		fmt.Fprintf(w, "Step:        %s\n", rec.StepID)
	}
	fmt.Fprintf(w, "Created:     %s\n", rec.CreatedAt.Local().Format(time.RFC3339))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
