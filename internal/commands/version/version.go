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

// Package version implements "autofix version".
package version

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/autofix/internal/commands/shared"
)

// VersionInfo contains version metadata
type VersionInfo struct {
	Version   string `json:"version"`
	Commit    string `json:"commit"`
	BuildDate string `json:"build_date"`
	GoVersion string `json:"go_version"`
	Platform  string `json:"platform"`

	// Server is the version reported by --server, when one is set.
	Server *ServerInfo `json:"server,omitempty"`
}

// ServerInfo is the build of a running server.
type ServerInfo struct {
	URL     string `json:"url"`
	Version string `json:"version,omitempty"`
	Commit  string `json:"commit,omitempty"`
	Error   string `json:"error,omitempty"`
}

// NewVersionCommand creates the version command
func NewVersionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long: `Display version, commit hash, and build date for autofix.

When --server or AUTOFIX_SERVER is set, the server's version is shown too.`,
		Args: cobra.NoArgs,
		RunE: runVersion,
	}

	return cmd
}

func runVersion(cmd *cobra.Command, args []string) error {
	v, c, b := shared.GetVersion()

	info := VersionInfo{
		Version:   v,
		Commit:    c,
		BuildDate: b,
		GoVersion: runtime.Version(),
		Platform:  runtime.GOOS + "/" + runtime.GOARCH,
	}

	if shared.ServerSet() {
		info.Server = serverVersion(cmd.Context(), shared.GetServer())
	}

	if shared.GetJSON() {
		return shared.EmitJSON(cmd.OutOrStdout(), info)
	}

	cmd.Printf("autofix version %s\n", info.Version)
	cmd.Printf("  commit:     %s\n", info.Commit)
	cmd.Printf("  build date: %s\n", info.BuildDate)
	cmd.Printf("  go:         %s (%s)\n", info.GoVersion, info.Platform)
	if s := info.Server; s != nil {
		if s.Error != "" {
			cmd.Printf("  server:     %s (%s)\n", s.URL, shared.RenderError(s.Error))
		} else {
			cmd.Printf("  server:     %s %s (%s)\n", s.URL, s.Version, s.Commit)
		}
	}

	return nil
}

// serverVersion never fails the command; an unreachable server is reported
// inline.
func serverVersion(ctx context.Context, url string) *ServerInfo {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	info := &ServerInfo{URL: url}
	resp, err := shared.NewClient(url).Version(ctx)
	if err != nil {
		info.Error = fmt.Sprintf("unreachable: %v", err)
		return info
	}
	info.Version = resp.Version
	info.Commit = resp.Commit
	return info
}
