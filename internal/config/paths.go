// Package config resolves engine paths and loads the TOML configuration
// file with environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Paths holds all resolved engine state file paths.
// Use ResolvePaths() to populate this struct with defaults + env overrides.
type Paths struct {
	HiveHome       string // ~/.config/hive or HIVE_HOME
	ConfigPath     string // config.toml or HIVE_CONFIG
	RegistryPath   string // registry.json
	MessagesDir    string // messages/
	Consolidations string // consolidations.json
	EventDBPath    string // events.db
	ControlPath    string // control.json
	PersonasPath   string // personas.yaml
}

// ResolvePaths returns all engine paths, respecting env var overrides.
// Environment variables:
//   - HIVE_HOME: base directory for all engine state (default: ~/.config/hive)
//   - HIVE_CONFIG: configuration file (default: $HIVE_HOME/config.toml)
func ResolvePaths() (*Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return nil, err
	}
	return &Paths{
		HiveHome:       home,
		ConfigPath:     resolvePathWithEnv("HIVE_CONFIG", home, "config.toml"),
		RegistryPath:   filepath.Join(home, "registry.json"),
		MessagesDir:    filepath.Join(home, "messages"),
		Consolidations: filepath.Join(home, "consolidations.json"),
		EventDBPath:    filepath.Join(home, "events.db"),
		ControlPath:    filepath.Join(home, "control.json"),
		PersonasPath:   filepath.Join(home, "personas.yaml"),
	}, nil
}

// EnsureHome creates the state directory tree.
func (p *Paths) EnsureHome() error {
	for _, dir := range []string{p.HiveHome, p.MessagesDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create %s: %w", dir, err)
		}
	}
	return nil
}

func resolveHome() (string, error) {
	if v := os.Getenv("HIVE_HOME"); v != "" {
		return v, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".config", "hive"), nil
}

func resolvePathWithEnv(envVar, base, name string) string {
	if v := os.Getenv(envVar); v != "" {
		return v
	}
	return filepath.Join(base, name)
}
