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

	"github.com/tombee/autofix/internal/config"
)

// ResolveConfigPath returns --config, then AUTOFIX_CONFIG, then the default
// config file when it exists. An empty result means built-in defaults.
func ResolveConfigPath() string {
	if p := GetConfigPath(); p != "" {
		return p
	}
	if p := os.Getenv("AUTOFIX_CONFIG"); p != "" {
		return p
	}
	if p, err := config.ConfigPath(); err == nil {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// LoadConfig loads the configuration selected by ResolveConfigPath.
func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(ResolveConfigPath())
	if err != nil {
		return nil, NewConfigError("failed to load config", err)
	}
	return cfg, nil
}
