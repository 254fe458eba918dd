// Package config handles loading and saving arbor configuration.
//
// Configuration follows the XDG Base Directory specification:
//   - Config:  ~/.config/arbor/config.yaml
//   - State:   ~/.local/state/arbor/ (view state per tree)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const appName = "arbor"

// TreeConfig controls how hierarchies are loaded.
type TreeConfig struct {
	CollapseByDefault bool          `yaml:"collapse_by_default"`
	ExpandDepth       int           `yaml:"expand_depth,omitempty"`   // Levels expanded on open (0 = none)
	ShowHidden        bool          `yaml:"show_hidden,omitempty"`    // Include dot entries
	DirsFirst         bool          `yaml:"dirs_first"`               // List directories before files
	SlowThreshold     time.Duration `yaml:"slow_threshold,omitempty"` // Fetch time before a node shows as loading
}

// ListConfig controls row layout.
type ListConfig struct {
	RowHeights map[string]int `yaml:"row_heights,omitempty"` // Template id -> row height in lines
	PaddingTop int            `yaml:"padding_top,omitempty"`
}

// WatchConfig controls the directory watcher.
type WatchConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Debounce     time.Duration `yaml:"debounce,omitempty"`
	PollInterval time.Duration `yaml:"poll_interval,omitempty"`
	ForcePoll    bool          `yaml:"force_poll,omitempty"`
}

// Config is the top-level configuration for arbor.
type Config struct {
	Tree  TreeConfig  `yaml:"tree"`
	List  ListConfig  `yaml:"list,omitempty"`
	Watch WatchConfig `yaml:"watch"`
	Debug bool        `yaml:"debug,omitempty"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Tree: TreeConfig{
			CollapseByDefault: true,
			ExpandDepth:       1,
			DirsFirst:         true,
			SlowThreshold:     300 * time.Millisecond,
		},
		List: ListConfig{
			RowHeights: map[string]int{
				"node":   1,
				"branch": 1,
			},
		},
		Watch: WatchConfig{
			Enabled:      true,
			Debounce:     200 * time.Millisecond,
			PollInterval: 2 * time.Second,
		},
	}
}

// Validate reports the first setting that cannot be used.
func (c Config) Validate() error {
	if c.Tree.ExpandDepth < 0 {
		return fmt.Errorf("tree.expand_depth must be >= 0, got %d", c.Tree.ExpandDepth)
	}
	if c.Tree.SlowThreshold < 0 {
		return fmt.Errorf("tree.slow_threshold must be >= 0, got %s", c.Tree.SlowThreshold)
	}
	if c.List.PaddingTop < 0 {
		return fmt.Errorf("list.padding_top must be >= 0, got %d", c.List.PaddingTop)
	}
	for id, h := range c.List.RowHeights {
		if h <= 0 {
			return fmt.Errorf("list.row_heights.%s must be > 0, got %d", id, h)
		}
	}
	if c.Watch.PollInterval < 0 || c.Watch.Debounce < 0 {
		return fmt.Errorf("watch durations must be >= 0")
	}
	return nil
}

// RowHeight returns the configured height for a template, 1 when unset.
func (c Config) RowHeight(templateID string) int {
	if h, ok := c.List.RowHeights[templateID]; ok && h > 0 {
		return h
	}
	return 1
}

// ConfigDir returns the XDG config directory for arbor.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", appName)
}

// StateDir returns the XDG state directory for arbor.
func StateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".local", "state", appName)
}

// ConfigPath returns the full path to config.yaml.
func ConfigPath() string {
	dir := ConfigDir()
	if dir == "" {
		return ""
	}
	return filepath.Join(dir, "config.yaml")
}

// Load reads the config file from the XDG config directory.
// Returns DefaultConfig if the file doesn't exist.
func Load() (Config, error) {
	path := ConfigPath()
	if path == "" {
		return DefaultConfig(), nil
	}
	return LoadFrom(path)
}

// LoadFrom reads config from a specific path. Settings missing from the
// file keep their defaults. Returns DefaultConfig if the file doesn't
// exist.
func LoadFrom(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(expandHome(path))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return DefaultConfig(), fmt.Errorf("parsing config: %w", err)
	}
	if cfg.List.RowHeights == nil {
		cfg.List.RowHeights = DefaultConfig().List.RowHeights
	}
	if err := cfg.Validate(); err != nil {
		return DefaultConfig(), fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Save writes the config to the XDG config directory.
func Save(cfg Config) error {
	path := ConfigPath()
	if path == "" {
		return fmt.Errorf("cannot determine config directory")
	}
	return SaveTo(cfg, path)
}

// SaveTo writes the config to a specific path.
func SaveTo(cfg Config, path string) error {
	path = expandHome(path)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	return nil
}

func expandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
