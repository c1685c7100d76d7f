// internal/config/config.go
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Settings holds the integrity controller options read from config.yaml
type Settings struct {
	Enabled             bool   `yaml:"enabled"`
	ValidateBeforeCall  bool   `yaml:"validate_before_call"`
	AutoRepair          bool   `yaml:"auto_repair"`
	CheckpointRetention int    `yaml:"checkpoint_retention"`
	SnapshotMessages    bool   `yaml:"snapshot_messages"`
	Verbose             bool   `yaml:"verbose"`
	Store               string `yaml:"store"` // "memory" or "sqlite"
}

// DefaultSettings returns the settings used when no config file exists
func DefaultSettings() Settings {
	return Settings{
		Enabled:             true,
		ValidateBeforeCall:  true,
		AutoRepair:          true,
		CheckpointRetention: 10,
		Store:               "sqlite",
	}
}

// Config holds all application configuration paths and settings
type Config struct {
	HomeDir      string
	ConvowalDir  string
	DatabasePath string
	ArchiveDir   string
	Settings     Settings
}

// Load creates a Config instance with resolved paths, reading the optional
// settings file at ~/.convowal/config.yaml
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	convowalDir := filepath.Join(home, ".convowal")
	archiveDir := filepath.Join(convowalDir, "archive")

	// Ensure directories exist
	for _, dir := range []string{convowalDir, archiveDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, err
		}
	}

	settings, err := loadSettings(filepath.Join(convowalDir, "config.yaml"))
	if err != nil {
		return nil, err
	}

	return &Config{
		HomeDir:      home,
		ConvowalDir:  convowalDir,
		DatabasePath: filepath.Join(convowalDir, "checkpoints.db"),
		ArchiveDir:   archiveDir,
		Settings:     settings,
	}, nil
}

// loadSettings reads the YAML settings file, falling back to defaults when
// the file is absent
func loadSettings(path string) (Settings, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return Settings{}, err
	}

	settings := DefaultSettings()
	if err := yaml.Unmarshal(data, &settings); err != nil {
		return Settings{}, fmt.Errorf("parse %s: %w", path, err)
	}
	if settings.CheckpointRetention < 1 {
		return Settings{}, fmt.Errorf("checkpoint_retention must be at least 1, got %d", settings.CheckpointRetention)
	}
	if settings.Store != "memory" && settings.Store != "sqlite" {
		return Settings{}, fmt.Errorf("store must be memory or sqlite, got %q", settings.Store)
	}
	return settings, nil
}
