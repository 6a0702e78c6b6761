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

package run

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/pipectl/internal/commands/shared"
	"github.com/tombee/pipectl/internal/session"
	"github.com/tombee/pipectl/pkg/pipeline"
)

type options struct {
	file        string
	fileID      string
	metricsAddr string
	followLogs  bool
	noProgress  bool
}

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var opts options

	cmd := &cobra.Command{
		Use:   "run <prompt>",
		Short: "Parse a prompt and execute the resulting pipeline",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run turns a plain-language request into pipeline steps and executes
them one at a time against the API.

The working file is either uploaded with --file or referenced by an earlier
upload with --file-id. Prerequisite steps are inserted automatically unless
the session resolve_policy is "reject".

Use 'pipectl plan' to see the steps without running them.

Press Ctrl-C once to stop after the current step; press it again to exit
immediately.

Exit codes:
  0    all steps succeeded
  1    a step failed, or the run ended with failed steps
  2    the prompt could not be parsed or resolved
  4    the API rejected the upload or was unreachable
  130  cancelled`,
		Example: `  pipectl run "clean the data, then plot a chart" --file sales.csv
  pipectl run "train a model and write a report" --file-id 1f0c... --session 123e4567-...
  pipectl run "analyze the data" --file sales.csv --follow-logs --metrics-addr :9090`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := runPrompt(cmd, args[0], opts)
			if shared.GetJSON() {
				if resp != nil {
					if jerr := shared.EmitJSON(cmd.OutOrStdout(), resp); jerr != nil {
						return jerr
					}
				} else if err != nil {
					_ = shared.EmitJSONError(cmd.OutOrStdout(), "run", err)
				}
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "Upload this file before running")
	cmd.Flags().StringVar(&opts.fileID, "file-id", "", "Use a previously uploaded file")
	cmd.Flags().StringVar(&opts.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	cmd.Flags().BoolVar(&opts.followLogs, "follow-logs", false, "Stream server logs while running (implied by --verbose)")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Print plain progress lines instead of a spinner")
	cmd.MarkFlagsMutuallyExclusive("file", "file-id")

	return cmd
}

// runPrompt returns a response once the run has started, even when it
// failed.
func runPrompt(cmd *cobra.Command, prompt string, opts options) (*RunResponse, error) {
	if opts.file == "" && opts.fileID == "" {
		return nil, shared.NewInvalidRequestError("a working file is required: pass --file or --file-id", nil)
	}

	app, err := shared.LoadApp()
	if err != nil {
		return nil, err
	}

	sessionID, err := app.SessionID(false)
	if err != nil {
		return nil, err
	}

	// Signals cancel at the next step boundary rather than aborting the
	// in-flight request.
	sigCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx := cmd.Context()

	stopTracing, err := app.StartTracing(ctx)
	if err != nil {
		return nil, err
	}
	defer stopTracing()

	stream := (opts.followLogs || shared.GetVerbose()) && !shared.GetJSON()
	sess, cleanup, err := app.NewSession(ctx, sessionID, shared.SessionOptions{FileID: opts.fileID, Stream: stream})
	if err != nil {
		return nil, err
	}
	defer cleanup()

	plan, err := sess.Plan(prompt)
	if err != nil {
		return nil, err
	}

	out := cmd.OutOrStdout()
	if opts.metricsAddr != "" {
		shutdown, err := serveMetrics(opts.metricsAddr, app.Logger)
		if err != nil {
			return nil, err
		}
		defer shutdown()
	}

	if opts.file != "" {
		if err := upload(ctx, cmd.ErrOrStderr(), sess, opts.file); err != nil {
			return nil, err
		}
	}

	quietOutput := shared.GetJSON() || shared.GetQuiet()
	display := shared.NewProgressDisplay(out, opts.noProgress, shared.GetVerbose())

	if stream {
		client, err := sess.StreamLogs(ctx)
		if err != nil {
			app.Logger.Warn("log stream unavailable", "error", err)
		} else {
			go forwardLogs(sigCtx, client.Events(), display)
		}
	}

	go func() {
		<-sigCtx.Done()
		if ctx.Err() == nil && sess.Cancel() {
			display.Notice(shared.RenderWarn("cancelling after the current step (Ctrl-C again to exit)"))
		}
		stop()
	}()

	onProgress := func(ev pipeline.Progress) {
		if quietOutput {
			return
		}
		if ev.Status == pipeline.ProgressStarted {
			display.Start(fmt.Sprintf("Running %d steps for %q", ev.TotalSteps, prompt), ev.RunID)
			return
		}
		display.Handle(ev)
	}

	outcome, err := sess.RunSteps(ctx, plan.Steps, onProgress)
	if outcome == nil {
		return nil, err
	}

	status := outcomeStatus(outcome)
	if !quietOutput {
		display.Finish(status)
	}
	resp := newRunResponse(sess.ID(), sess.FileID(), status, plan, outcome)

	switch status {
	case "cancelled", "failed":
		return &resp, outcome.Err
	case "partial":
		return &resp, shared.NewExecutionError("pipeline completed with failed steps", nil)
	}
	return &resp, nil
}

func upload(ctx context.Context, w io.Writer, sess *session.Session, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return shared.NewInvalidRequestError("cannot open input file", err)
	}
	defer f.Close()

	show := !shared.GetJSON() && !shared.GetQuiet()
	var spinner *shared.Spinner
	if show {
		spinner = shared.NewSpinner(w)
		spinner.Start("Uploading " + filepath.Base(path))
	}
	res, err := sess.Upload(ctx, filepath.Base(path), f)
	if spinner != nil {
		spinner.Stop()
	}
	if err != nil {
		return err
	}
	if show {
		fmt.Fprintln(w, shared.RenderOK("Uploaded "+filepath.Base(path)+" "+shared.Muted.Render("("+res.FileID+")")))
	}
	return nil
}

// outcomeStatus condenses an outcome into completed, partial, failed or
// cancelled.
func outcomeStatus(o *pipeline.Outcome) string {
	switch {
	case o.Cancelled:
		return "cancelled"
	case o.Err != nil:
		return "failed"
	case !o.Success:
		return "partial"
	default:
		return "completed"
	}
}
