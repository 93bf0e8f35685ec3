package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// ConfigFileName is the name of the trayflow configuration file.
const ConfigFileName = "trayflow.toml"

// FindConfigFile walks up from the given directory to find trayflow.toml.
// Returns the absolute path to the config file, or an empty string if not
// found. Stops at the filesystem root.
func FindConfigFile(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving path: %w", err)
	}
	for {
		candidate := filepath.Join(dir, ConfigFileName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			// Reached filesystem root.
			return "", nil
		}
		dir = parent
	}
}

// LoadFromFile parses the TOML file at the given path. The returned TOML
// metadata can be used to detect unknown keys via MetaData.Undecoded().
// Defaults are applied to any field the file leaves unset.
func LoadFromFile(path string) (*Config, toml.MetaData, error) {
	var cfg Config
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, md, fmt.Errorf("loading config %s: %w", path, err)
	}
	cfg.ApplyDefaults()
	return &cfg, md, nil
}

// Load resolves the configuration for startDir: the nearest trayflow.toml
// walking upward, or the defaults when none exists. The second return is
// the path of the file used, empty when defaults applied.
func Load(startDir string) (*Config, string, error) {
	path, err := FindConfigFile(startDir)
	if err != nil {
		return nil, "", err
	}
	if path == "" {
		return Default(), "", nil
	}
	cfg, _, err := LoadFromFile(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}
