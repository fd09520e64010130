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

// Package serve implements "autofix serve".
package serve

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/tombee/autofix/internal/commands/shared"
	controllerpkg "github.com/tombee/autofix/internal/controller"
	pkgerrors "github.com/tombee/autofix/pkg/errors"
)

// runServer is replaced in tests.
var runServer = controllerpkg.Run

// NewCommand creates the serve command.
func NewCommand() *cobra.Command {
	var (
		addr         string
		pipelinesDir string
		watch        bool
	)

	cmd := &cobra.Command{
		Use: "serve",
		Annotations: map[string]string{
			"group": "system",
		},
		Short: "Run the autofix server",
		Long: `Run the orchestrator in the foreground with its HTTP API and webhook
listener. Pipelines are loaded from the configured pipelines directory.

SIGINT or SIGTERM stops accepting runs, waits for in-flight runs up to the
drain timeout and exits.`,
		Example: `  # Serve with the default configuration
  autofix serve

  # Listen on all interfaces and reload pipelines on change
  autofix serve --addr :9876 --watch

  # Use another pipelines directory
  autofix serve --pipelines-dir ./ci`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			v, c, b := shared.GetVersion()
			err := runServer(controllerpkg.RunOptions{
				Version:      v,
				Commit:       c,
				BuildDate:    b,
				ConfigPath:   shared.ResolveConfigPath(),
				Addr:         addr,
				PipelinesDir: pipelinesDir,
				Watch:        watch,
			})
			if err == nil {
				return nil
			}
			var cfgErr *pkgerrors.ConfigError
			if errors.As(err, &cfgErr) {
				return shared.NewConfigError("", err)
			}
			return shared.NewServerError("server stopped", err)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (default from config, 127.0.0.1:9876)")
	cmd.Flags().StringVar(&pipelinesDir, "pipelines-dir", "", "Directory of pipeline definitions")
	cmd.Flags().BoolVar(&watch, "watch", false, "Reload pipeline definitions when files change")

	return cmd
}
