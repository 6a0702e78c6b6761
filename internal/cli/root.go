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

package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/pipectl/internal/commands/shared"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for pipectl
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pipectl",
		Short: "pipectl - drive data pipelines from plain-language prompts",
		Long: `pipectl turns a plain-language request such as "clean the data, then
plot a chart" into an ordered list of pipeline steps and runs them against a
data-processing API, one step at a time.

Missing prerequisite steps are inserted automatically, failed calls are
retried with backoff, and every completed step is recorded as a snapshot.

Run 'pipectl plan "<prompt>"' to see the steps without running them.
Run 'pipectl run "<prompt>" --file data.csv' to upload a file and execute.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
	}

	verbose, quiet, json, config := shared.RegisterFlagPointers()

	cmd.PersistentFlags().BoolVarP(verbose, "verbose", "v", false, "Enable verbose output")
	cmd.PersistentFlags().BoolVarP(quiet, "quiet", "q", false, "Suppress non-error output")
	cmd.PersistentFlags().BoolVar(json, "json", false, "Output in JSON format")
	cmd.PersistentFlags().StringVar(config, "config", "", "Path to config file (default: ~/.config/pipectl/config.yaml)")
	cmd.PersistentFlags().StringVarP(shared.RegisterSessionFlag(), "session", "s", "", "Session id (env: PIPECTL_SESSION_ID)")

	return cmd
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return shared.GetVersion()
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
