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

package main

import (
	"github.com/tombee/autofix/internal/cli"
	"github.com/tombee/autofix/internal/commands/completion"
	"github.com/tombee/autofix/internal/commands/config"
	"github.com/tombee/autofix/internal/commands/diagnostics"
	"github.com/tombee/autofix/internal/commands/management"
	"github.com/tombee/autofix/internal/commands/run"
	"github.com/tombee/autofix/internal/commands/serve"
	"github.com/tombee/autofix/internal/commands/validate"
	versioncmd "github.com/tombee/autofix/internal/commands/version"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	// Pipeline commands
	rootCmd.AddCommand(run.NewCommand())
	rootCmd.AddCommand(validate.NewCommand())

	// Server
	rootCmd.AddCommand(serve.NewCommand())

	// Management commands
	rootCmd.AddCommand(management.NewStatusCommand())
	rootCmd.AddCommand(management.NewHistoryCommand())
	rootCmd.AddCommand(management.NewCancelCommand())
	rootCmd.AddCommand(management.NewPipelinesCommand())

	// Configuration
	rootCmd.AddCommand(config.NewInitCommand())
	rootCmd.AddCommand(config.NewConfigCommand())

	// Diagnostics
	rootCmd.AddCommand(diagnostics.NewDoctorCommand())
	rootCmd.AddCommand(diagnostics.NewHealthCommand())
	rootCmd.AddCommand(completion.NewCommand())

	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
