// Copyright 2024 DeskVFS Authors
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

package daemon

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"deskvfs/internal/artifacts"
	"deskvfs/internal/common"
	"deskvfs/internal/mount"
)

// ConfigDir returns the configuration directory.
// Uses DESKVFS_CONFIG_DIR if set, otherwise ~/.deskvfs. Computed on every
// call so tests can isolate themselves through the environment.
func ConfigDir() string {
	if dir := os.Getenv("DESKVFS_CONFIG_DIR"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".deskvfs")
}

// SettingsPath returns the settings file path.
func SettingsPath() string {
	return filepath.Join(ConfigDir(), "settings.yaml")
}

// LogPath returns the daemon log file path.
func LogPath() string {
	return filepath.Join(ConfigDir(), "daemon.log")
}

// LockPath returns the single-instance lock file path.
func LockPath() string {
	return filepath.Join(ConfigDir(), "daemon.lock")
}

// PidPath returns the PID file path.
func PidPath() string {
	return filepath.Join(ConfigDir(), "daemon.pid")
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	return os.MkdirAll(ConfigDir(), 0o700)
}

// InitConfigDir creates the config directory and seeds the default
// settings file when there is none.
func InitConfigDir() error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if _, err := os.Stat(SettingsPath()); os.IsNotExist(err) {
		if err := os.WriteFile(SettingsPath(), artifacts.GlobalSettings, 0o600); err != nil {
			return fmt.Errorf("failed to create default settings: %w", err)
		}
	}
	return nil
}

// AuthSettings configures the RPC bearer tokens.
type AuthSettings struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// Settings is the content of settings.yaml.
type Settings struct {
	LogLevel  string            `yaml:"log_level"`  // trace, debug, info, warn, off (default: off)
	Listen    string            `yaml:"listen"`     // HTTP RPC address
	NFSListen string            `yaml:"nfs_listen"` // empty disables the NFS export
	NFSMount  string            `yaml:"nfs_mount"`  // name of the exported mount
	Database  string            `yaml:"database"`   // SQLite file, relative to the config dir
	Auth      AuthSettings      `yaml:"auth"`
	CacheTTL  time.Duration     `yaml:"cache_ttl"`
	MimeTypes map[string]string `yaml:"mime_types"`
	Mounts    []mount.Config    `yaml:"mounts"`
}

// DefaultSettings parses the embedded settings file.
func DefaultSettings() Settings {
	var s Settings
	if err := yaml.Unmarshal(artifacts.GlobalSettings, &s); err != nil {
		panic("failed to parse embedded settings: " + err.Error())
	}
	return s
}

// LoadSettings reads settings.yaml, falling back to the embedded defaults
// when it does not exist, then applies environment overrides.
func LoadSettings() (*Settings, error) {
	s, err := LoadSettingsFromPath(SettingsPath())
	if err != nil {
		return nil, err
	}
	if lvl := os.Getenv("DESKVFS_LOG"); lvl != "" {
		s.LogLevel = lvl
	}
	return s, nil
}

// LoadSettingsFromPath reads a settings file. Fields missing from the
// file keep their default values.
func LoadSettingsFromPath(path string) (*Settings, error) {
	s := DefaultSettings()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &s, nil
		}
		return nil, err
	}
	// Mounts are replaced, not merged.
	s.Mounts = nil
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &s, nil
}

// SaveSettings writes s to settings.yaml.
func SaveSettings(s *Settings) error {
	if err := EnsureConfigDir(); err != nil {
		return err
	}
	data, err := yaml.Marshal(s)
	if err != nil {
		return err
	}
	header := []byte("# DeskVFS settings\n# See: deskvfs --help\n\n")
	return os.WriteFile(SettingsPath(), append(header, data...), 0o600)
}

// Validate checks the fields that would otherwise fail late.
func (s *Settings) Validate() error {
	switch s.Level() {
	case "", "off", "none", "trace", "debug", "info", "warn":
	default:
		return fmt.Errorf("%w: log_level %q", common.ErrInvalidArgument, s.LogLevel)
	}
	if s.NFSListen != "" && s.NFSMount == "" {
		return fmt.Errorf("%w: nfs_listen needs nfs_mount", common.ErrInvalidArgument)
	}
	seen := make(map[string]bool, len(s.Mounts))
	for _, m := range s.Mounts {
		if m.Name == "" {
			return fmt.Errorf("%w: mount without a name", common.ErrInvalidArgument)
		}
		if seen[m.Name] {
			return fmt.Errorf("%w: duplicate mount %q", common.ErrInvalidArgument, m.Name)
		}
		seen[m.Name] = true
	}
	return nil
}

// Level returns the normalized (lowercase) log level.
func (s *Settings) Level() string {
	return strings.ToLower(strings.TrimSpace(s.LogLevel))
}

// LoggingEnabled reports whether any log output is wanted.
func (s *Settings) LoggingEnabled() bool {
	l := s.Level()
	return l != "" && l != "off" && l != "none"
}

// DatabasePath resolves the database file against the config dir. An
// empty database means no durable store.
func (s *Settings) DatabasePath() string {
	if s.Database == "" || filepath.IsAbs(s.Database) {
		return s.Database
	}
	return filepath.Join(ConfigDir(), s.Database)
}

// Mimes returns the built-in mime table with the configured overrides.
func (s *Settings) Mimes() common.MimeMap {
	return common.DefaultMimeMap().Merge(s.MimeTypes)
}

// MountConfigs returns the configured mounts with settings-wide defaults
// filled into their options.
func (s *Settings) MountConfigs() []mount.Config {
	out := make([]mount.Config, 0, len(s.Mounts))
	for _, m := range s.Mounts {
		if m.Transport == "http" && s.CacheTTL > 0 {
			if _, ok := m.Options["cache_ttl"]; !ok {
				opts := make(map[string]any, len(m.Options)+1)
				for k, v := range m.Options {
					opts[k] = v
				}
				opts["cache_ttl"] = s.CacheTTL.String()
				m.Options = opts
			}
		}
		out = append(out, m)
	}
	return out
}
