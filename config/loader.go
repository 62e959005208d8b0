package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ConfigFile represents a candidate config file location.
type ConfigFile struct {
	Path   string
	Format string // "toml", "yaml", "json"
}

// Loader handles config file discovery and parsing.
type Loader struct {
	searchPaths []ConfigFile
}

// NewLoader creates a loader with the default search paths, in priority order.
func NewLoader() *Loader {
	return &Loader{
		searchPaths: []ConfigFile{
			{Path: "craftdb.toml", Format: "toml"},
			{Path: ".craftdb/config.toml", Format: "toml"},
			{Path: "craftdb.yaml", Format: "yaml"},
			{Path: "craftdb.yml", Format: "yaml"},
			{Path: ".craftdb/config.yaml", Format: "yaml"},
			{Path: "craftdb.json", Format: "json"},
			{Path: ".craftdb/config.json", Format: "json"},
		},
	}
}

// Find walks up from startDir and returns the first config file found, or "" when none exists.
func (l *Loader) Find(startDir string) (string, string, error) {
	searchDir, err := filepath.Abs(startDir)
	if err != nil {
		return "", "", fmt.Errorf("failed to resolve path: %w", err)
	}

	for {
		for _, cf := range l.searchPaths {
			candidate := filepath.Join(searchDir, cf.Path)
			if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
				return candidate, cf.Format, nil
			}
		}

		parent := filepath.Dir(searchDir)
		if parent == searchDir {
			return "", "", nil
		}
		searchDir = parent
	}
}

// ParseFile decodes a config file in the given format.
func (l *Loader) ParseFile(path, format string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var cfg Config

	switch format {
	case "toml":
		if err := toml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML %s: %w", path, err)
		}
	case "yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML %s: %w", path, err)
		}
	case "json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON %s: %w", path, err)
		}
	default:
		return nil, fmt.Errorf("unknown format: %s", format)
	}

	return &cfg, nil
}

// Load discovers a config file from startDir upwards, overlays CRAFT_* environment
// variables, applies defaults and validates the result. A missing file is not an
// error; the environment alone can configure everything.
func (l *Loader) Load(startDir string) (*Config, error) {
	path, format, err := l.Find(startDir)
	if err != nil {
		return nil, err
	}

	cfg := &Config{}
	root, err := filepath.Abs(startDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve path: %w", err)
	}

	if path != "" {
		cfg, err = l.ParseFile(path, format)
		if err != nil {
			return nil, err
		}
		root = filepath.Dir(path)
		if filepath.Base(root) == ".craftdb" {
			root = filepath.Dir(root)
		}
	}
	cfg.ProjectRoot = root

	if err := ParseEnv(cfg); err != nil {
		return nil, err
	}

	if cfg.DSN != "" {
		parsed, err := ParseDSN(cfg.DSN)
		if err != nil {
			return nil, err
		}
		parsed.ApplyTo(cfg)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load is the convenience wrapper around NewLoader().Load.
func Load(startDir string) (*Config, error) {
	return NewLoader().Load(startDir)
}

// ParseEnv overlays environment variables onto target. Unset variables leave fields untouched.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
