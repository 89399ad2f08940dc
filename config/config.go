// Package config loads and persists the local engine settings.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

const (
	// AppDirectoryName names the per-user data directory.
	AppDirectoryName = "filedrop"
	// DataDirEnv, when set, replaces the per-user data directory.
	DataDirEnv = "FILEDROP_DATA_DIR"

	DefaultChunkSize            = 16384
	DefaultMaxConcurrent        = 1
	DefaultResumeRetentionHours = 24
	DefaultListenAddress        = ":9999"
	DefaultLogLevel             = "info"

	configFileName = "config.json"
)

// EngineConfig is the persisted config.json.
type EngineConfig struct {
	DeviceID             string `json:"device_id"`
	DisplayName          string `json:"display_name"`
	ChunkSize            int    `json:"chunk_size"`
	MaxConcurrent        int    `json:"max_concurrent"`
	ResumeRetentionHours int    `json:"resume_retention_hours"`
	ListenAddress        string `json:"listen_address"`
	DownloadDir          string `json:"download_dir"`
	DatabasePath         string `json:"database_path"`
	LogLevel             string `json:"log_level"`
}

// ResolveDataDir returns $FILEDROP_DATA_DIR or <user config dir>/filedrop.
func ResolveDataDir() (string, error) {
	if dir := os.Getenv(DataDirEnv); dir != "" {
		return dir, nil
	}
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("resolve user config dir: %w", err)
	}
	return filepath.Join(base, AppDirectoryName), nil
}

// ConfigPath returns where config.json lives inside dataDir.
func ConfigPath(dataDir string) string {
	return filepath.Join(dataDir, configFileName)
}

// EnsureDataDirectories creates dataDir and, when cfg names one, the
// download directory.
func EnsureDataDirectories(dataDir string, cfg *EngineConfig) error {
	for _, dir := range []string{dataDir, downloadDirOf(cfg)} {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

func downloadDirOf(cfg *EngineConfig) string {
	if cfg == nil {
		return ""
	}
	return cfg.DownloadDir
}

// Load reads config.json at path as-is, without applying defaults.
func Load(path string) (*EngineConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	cfg := new(EngineConfig)
	if err := json.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to a sibling temp file and renames it over path.
func Save(path string, cfg *EngineConfig) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".config-*.json")
	if err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(append(raw, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// LoadOrCreate resolves the data directory and calls LoadOrCreateIn.
func LoadOrCreate() (*EngineConfig, string, error) {
	dataDir, err := ResolveDataDir()
	if err != nil {
		return nil, "", err
	}
	return LoadOrCreateIn(dataDir)
}

// LoadOrCreateIn loads dataDir/config.json, creating it on first run.
// Missing or out-of-range values are replaced with defaults and the
// repaired file is written back.
func LoadOrCreateIn(dataDir string) (*EngineConfig, string, error) {
	if err := EnsureDataDirectories(dataDir, nil); err != nil {
		return nil, "", err
	}

	path := ConfigPath(dataDir)
	cfg, err := Load(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		cfg = &EngineConfig{}
	case err != nil:
		return nil, "", err
	}

	if repaired := applyDefaults(cfg, dataDir); repaired > 0 {
		if err := Save(path, cfg); err != nil {
			return nil, "", err
		}
	}
	if err := EnsureDataDirectories(dataDir, cfg); err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

// applyDefaults fills every unset or invalid field and reports how many
// it changed.
func applyDefaults(cfg *EngineConfig, dataDir string) int {
	changed := 0
	fixString := func(field *string, invalid bool, value func() string) {
		if invalid {
			*field = value()
			changed++
		}
	}
	fixInt := func(field *int, value int) {
		if *field <= 0 {
			*field = value
			changed++
		}
	}
	constant := func(v string) func() string { return func() string { return v } }

	fixString(&cfg.DeviceID, cfg.DeviceID == "", uuid.NewString)
	fixString(&cfg.DisplayName, cfg.DisplayName == "", hostDisplayName)
	fixString(&cfg.ListenAddress, cfg.ListenAddress == "", constant(DefaultListenAddress))
	fixString(&cfg.DownloadDir, cfg.DownloadDir == "", constant(filepath.Join(dataDir, "downloads")))
	fixString(&cfg.DatabasePath, cfg.DatabasePath == "", constant(filepath.Join(dataDir, "filedrop.db")))
	_, levelErr := ParseLogLevel(cfg.LogLevel)
	fixString(&cfg.LogLevel, cfg.LogLevel == "" || levelErr != nil, constant(DefaultLogLevel))

	fixInt(&cfg.ChunkSize, DefaultChunkSize)
	fixInt(&cfg.MaxConcurrent, DefaultMaxConcurrent)
	fixInt(&cfg.ResumeRetentionHours, DefaultResumeRetentionHours)
	return changed
}

func hostDisplayName() string {
	if host, err := os.Hostname(); err == nil && host != "" {
		return host
	}
	return "filedrop device"
}
