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

/*
Package cli provides the root command and global flags for pipectl.

Individual commands live in the internal/commands subpackages; main wires
them onto the root command.

# Command Tree

	pipectl
	├── run         Parse a prompt and execute the steps
	├── plan        Show the steps a prompt resolves to
	├── logs        Follow the session's live log stream
	├── snapshots   List or delete snapshot records
	├── health      Check the API
	├── version     Show version
	└── help        Show help

# Usage

From main.go:

	cli.SetVersion(version, commit, date)
	rootCmd := cli.NewRootCommand()
	rootCmd.AddCommand(run.NewCommand())
	if err := rootCmd.Execute(); err != nil {
	    cli.HandleExitError(err)
	}

# Global Flags

	--verbose, -v    Enable verbose output and live step logs
	--quiet, -q      Suppress non-error output
	--json           Output in JSON format
	--config         Path to config file
	--session, -s    Session id

# Exit Codes

  - 0: Success
  - 1: Run failed or completed with failed steps
  - 2: Prompt or arguments rejected
  - 3: Invalid configuration
  - 4: API unreachable or rejected the request
  - 130: Cancelled
*/
package cli
