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

package shared

import (
	"os"
	"strings"
)

// DefaultServer is the API address used when neither --server nor
// AUTOFIX_SERVER is set.
const DefaultServer = "http://127.0.0.1:9876"

// Global flag values - set by root command
var (
	verboseFlag bool
	jsonFlag    bool
	configFlag  string
	serverFlag  string

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns pointers to flag variables for binding.
// Called by root command to register flags.
func RegisterFlagPointers() (verbose *bool, json *bool, config *string, server *string) {
	return &verboseFlag, &jsonFlag, &configFlag, &serverFlag
}

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVerbose returns the verbose flag value
func GetVerbose() bool {
	return verboseFlag
}

// GetJSON returns the JSON output flag value
func GetJSON() bool {
	return jsonFlag
}

// GetConfigPath returns the config file path
func GetConfigPath() string {
	return configFlag
}

// GetServer returns the API base URL: --server, then AUTOFIX_SERVER, then
// DefaultServer. A bare host:port gets an http:// scheme.
func GetServer() string {
	s := serverFlag
	if s == "" {
		s = os.Getenv("AUTOFIX_SERVER")
	}
	if s == "" {
		return DefaultServer
	}
	if !strings.Contains(s, "://") {
		s = "http://" + s
	}
	return strings.TrimRight(s, "/")
}

// ServerSet reports whether a server was chosen explicitly.
func ServerSet() bool {
	return serverFlag != "" || os.Getenv("AUTOFIX_SERVER") != ""
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// SetFlagsForTest sets global flags for testing purposes
func SetFlagsForTest(json bool, config, server string) {
	jsonFlag = json
	configFlag = config
	serverFlag = server
}
