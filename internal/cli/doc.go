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
Package cli provides the root command and shared configuration for the
autofix CLI.

This package creates the main Cobra command and handles global concerns like
version information, persistent flags and error handling. Individual commands
are implemented in the internal/commands subpackages.

# Command Tree

	autofix
	├── run        Run a pipeline in-process (or on a server with --server)
	├── serve      Start the API server and scheduler
	├── status     Show a run
	├── history    List recent runs of a pipeline
	├── cancel     Cancel a run
	├── pipelines  List pipelines known to a server
	├── validate   Validate pipeline files
	├── init       Write a starter configuration
	├── config     Show, locate or validate configuration
	├── doctor     Check the local setup
	├── health     Show server health
	├── completion Generate shell completion scripts
	└── version    Show version

# Global Flags

	--verbose, -v    Enable debug logging
	--json           Output in JSON format
	--config         Path to config file
	--server         API address for status, history, cancel and remote runs

# Error Handling

Commands return *shared.ExitError to select an exit code:

  - Exit 0: Success
  - Exit 1: Run did not succeed, or a general error
  - Exit 2: Invalid pipeline definition
  - Exit 3: Configuration error
  - Exit 4: API request failed
*/
package cli
