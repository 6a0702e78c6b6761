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

package plan

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/pipectl/internal/commands/shared"
	"github.com/tombee/pipectl/internal/session"
	"github.com/tombee/pipectl/pkg/pipeline"
)

// PlanResponse is the --json output of plan.
type PlanResponse struct {
	shared.JSONResponse
	Policy string        `json:"resolve_policy"`
	Plan   *session.Plan `json:"plan"`
}

// NewCommand creates the plan command
func NewCommand() *cobra.Command {
	var policy string

	cmd := &cobra.Command{
		Use:   "plan <prompt>",
		Short: "Show the steps a prompt resolves to without running them",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Plan parses a plain-language request and prints the ordered step list
that 'pipectl run' would execute, including prerequisite steps inserted by
the resolver and the parser's confidence score.

Nothing is sent to the API.`,
		Example: `  pipectl plan "clean the data, then plot a chart"
  pipectl plan "train a random forest" --policy reject
  pipectl plan "fill missing values with the median" --json | jq '.plan.steps'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := planPrompt(args[0], policy)
			if shared.GetJSON() {
				if err != nil {
					_ = shared.EmitJSONError(cmd.OutOrStdout(), "plan", err)
					return err
				}
				return shared.EmitJSON(cmd.OutOrStdout(), resp)
			}
			if err != nil {
				return err
			}
			printPlan(cmd.OutOrStdout(), resp)
			return nil
		},
	}

	cmd.Flags().StringVar(&policy, "policy", "", "Prerequisite policy: auto-insert or reject (default from config)")

	return cmd
}

func planPrompt(prompt, policyFlag string) (*PlanResponse, error) {
	app, err := shared.LoadApp()
	if err != nil {
		return nil, err
	}

	policy := app.Config.ResolvePolicy()
	if policyFlag != "" {
		if policy, err = pipeline.ParseResolvePolicy(policyFlag); err != nil {
			return nil, err
		}
	}

	sessionID, err := app.SessionID(false)
	if err != nil {
		return nil, err
	}

	s, err := session.New(sessionID, app.API,
		session.WithLogger(app.Logger),
		session.WithParser(pipeline.NewParser(app.Config.Session.Columns).WithLogger(app.Logger)),
		session.WithResolver(pipeline.NewResolver(policy)),
	)
	if err != nil {
		return nil, err
	}

	p, err := s.Plan(prompt)
	if err != nil {
		return nil, err
	}
	return &PlanResponse{
		JSONResponse: shared.NewJSONResponse("plan", true),
		Policy:       policy.String(),
		Plan:         p,
	}, nil
}

func printPlan(w io.Writer, resp *PlanResponse) {
	p := resp.Plan
	fmt.Fprintf(w, "%s %s\n\n", shared.Header.Render("Plan"), shared.Muted.Render(fmt.Sprintf("(confidence %.0f%%)", p.Confidence*100)))

	for i, step := range p.Steps {
		line := fmt.Sprintf("  %d. %-22s %s", i+1, step.Name, shared.Muted.Render(string(step.Type)))
		var notes []string
		if step.AutoInserted {
			notes = append(notes, "auto-inserted")
		}
		if step.ContinueOnError {
			notes = append(notes, "continue on error")
		}
		if len(notes) > 0 {
			line += "  " + shared.StatusWarn.Render("["+strings.Join(notes, ", ")+"]")
		}
		fmt.Fprintln(w, line)
		if params := formatParams(step.Parameters); params != "" {
			fmt.Fprintf(w, "     %s\n", shared.Muted.Render(params))
		}
	}

	if p.Inserted > 0 {
		fmt.Fprintf(w, "\n%d prerequisite step(s) added (policy %s)\n", p.Inserted, resp.Policy)
	}
	if len(p.Suggestions) > 0 {
		fmt.Fprintln(w)
		for _, s := range p.Suggestions {
			fmt.Fprintf(w, "%s %s\n", shared.StatusInfo.Render(shared.SymbolInfo), s)
		}
	}
}

func formatParams(params map[string]any) string {
	if len(params) == 0 {
		return ""
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, params[k]))
	}
	return strings.Join(parts, " ")
}
