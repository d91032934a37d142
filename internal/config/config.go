// Low Tide is a self-hosted URL download job service.
// Copyright (C) 2025 Low Tide contributors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package config loads and validates the YAML application configuration:
// the list of downloader apps with their command templates, the data root
// for job output and thumbnails, and server settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v3"
)

// AppID "auto" asks the server to resolve the app by URL pattern matching.
const AppIDAuto = "auto"

// App is a named downloader program configuration. Cmd holds argument
// templates; {url} and {outdir} are substituted at run time. The first
// element is the executable.
type App struct {
	ID                 string  `yaml:"id"`
	Name               string  `yaml:"name"`
	Match              string  `yaml:"match,omitempty"`
	Cmd                CmdSpec `yaml:"cmd"`
	StripTrailingSlash bool    `yaml:"strip_trailing_slash,omitempty"`

	matchRe *regexp.Regexp
}

// CmdSpec accepts either a YAML sequence of argument templates or a
// single string which is split with shell-like quoting rules.
type CmdSpec []string

// UnmarshalYAML implements yaml.Unmarshaler for CmdSpec.
func (c *CmdSpec) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var args []string
		if err := value.Decode(&args); err != nil {
			return err
		}
		*c = args
		return nil
	case yaml.ScalarNode:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		args, err := shlex.Split(raw)
		if err != nil {
			return fmt.Errorf("split cmd %q: %w", raw, err)
		}
		*c = args
		return nil
	default:
		return fmt.Errorf("cmd must be a string or a list of strings")
	}
}

// Config is the resolved application configuration.
type Config struct {
	ListenAddr string `yaml:"listen_addr"`
	DataRoot   string `yaml:"data_root"`
	DBPath     string `yaml:"db_path"`
	Apps       []App  `yaml:"apps"`
}

// Default returns the built-in defaults applied before the YAML file.
func Default() Config {
	return Config{
		ListenAddr: ":8080",
		DataRoot:   "./data",
		DBPath:     "./lowtide.db",
	}
}

// Load reads, parses, and validates the YAML config at path.
func Load(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks app definitions and compiles match patterns.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("listen_addr cannot be empty")
	}
	if strings.TrimSpace(c.DataRoot) == "" {
		return fmt.Errorf("data_root cannot be empty")
	}
	if strings.TrimSpace(c.DBPath) == "" {
		return fmt.Errorf("db_path cannot be empty")
	}
	if len(c.Apps) == 0 {
		return fmt.Errorf("at least one app must be configured")
	}
	seen := make(map[string]bool, len(c.Apps))
	for i := range c.Apps {
		app := &c.Apps[i]
		if strings.TrimSpace(app.ID) == "" {
			return fmt.Errorf("app %d: id cannot be empty", i)
		}
		if app.ID == AppIDAuto {
			return fmt.Errorf("app id %q is reserved", AppIDAuto)
		}
		if seen[app.ID] {
			return fmt.Errorf("duplicate app id %q", app.ID)
		}
		seen[app.ID] = true
		if len(app.Cmd) == 0 {
			return fmt.Errorf("app %q: cmd cannot be empty", app.ID)
		}
		if app.Match != "" {
			re, err := regexp.Compile(app.Match)
			if err != nil {
				return fmt.Errorf("app %q: invalid match pattern: %w", app.ID, err)
			}
			app.matchRe = re
		}
	}
	return nil
}

// GetApp returns the app with the given id, or nil.
func (c *Config) GetApp(id string) *App {
	for i := range c.Apps {
		if c.Apps[i].ID == id {
			return &c.Apps[i]
		}
	}
	return nil
}

// MatchAppForURL returns the first app whose match pattern matches url,
// or nil if no app matches.
func (c *Config) MatchAppForURL(url string) *App {
	for i := range c.Apps {
		app := &c.Apps[i]
		if app.matchRe != nil && app.matchRe.MatchString(url) {
			return app
		}
	}
	return nil
}

// BuildArgs expands the app's command templates with the given url and
// output directory. The returned slice is a copy; the first element is
// the executable.
func (a *App) BuildArgs(url, outDir string) []string {
	if a.StripTrailingSlash {
		url = strings.TrimSuffix(url, "/")
	}
	args := make([]string, 0, len(a.Cmd))
	for _, tmpl := range a.Cmd {
		arg := strings.ReplaceAll(tmpl, "{url}", url)
		arg = strings.ReplaceAll(arg, "{outdir}", outDir)
		args = append(args, arg)
	}
	return args
}

// JobDir returns the output directory for a job id under the data root.
func (c *Config) JobDir(jobID int64) string {
	return filepath.Join(c.DataRoot, "jobs", fmt.Sprintf("%d", jobID))
}

// ThumbnailDir returns the directory where enrichment images are stored.
func (c *Config) ThumbnailDir() string {
	return filepath.Join(c.DataRoot, "thumbnails")
}
