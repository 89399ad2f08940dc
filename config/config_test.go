package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestLoadOrCreateCreatesAndReloadsConfig(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	firstCfg, firstPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("first LoadOrCreate failed: %v", err)
	}
	if firstCfg.DeviceID == "" {
		t.Fatalf("expected non-empty device ID")
	}
	if firstCfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected default chunk size %d, got %d", DefaultChunkSize, firstCfg.ChunkSize)
	}
	if firstCfg.MaxConcurrent != 1 {
		t.Fatalf("expected max concurrent 1, got %d", firstCfg.MaxConcurrent)
	}
	if firstCfg.ResumeRetentionHours != 24 {
		t.Fatalf("expected 24h retention, got %d", firstCfg.ResumeRetentionHours)
	}
	if firstCfg.ListenAddress != DefaultListenAddress {
		t.Fatalf("expected listen address %q, got %q", DefaultListenAddress, firstCfg.ListenAddress)
	}
	if firstCfg.DatabasePath != filepath.Join(tempDir, "filedrop.db") {
		t.Fatalf("unexpected database path %q", firstCfg.DatabasePath)
	}

	expectedConfigPath := filepath.Join(tempDir, "config.json")
	if firstPath != expectedConfigPath {
		t.Fatalf("expected config path %q, got %q", expectedConfigPath, firstPath)
	}

	secondCfg, secondPath, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("second LoadOrCreate failed: %v", err)
	}
	if secondPath != firstPath {
		t.Fatalf("expected config path to be stable, got %q then %q", firstPath, secondPath)
	}
	if secondCfg.DeviceID != firstCfg.DeviceID {
		t.Fatalf("expected stable device ID, got %q then %q", firstCfg.DeviceID, secondCfg.DeviceID)
	}
	if secondCfg.DownloadDir != firstCfg.DownloadDir {
		t.Fatalf("expected stable download dir, got %q then %q", firstCfg.DownloadDir, secondCfg.DownloadDir)
	}
}

func TestLoadOrCreateRepairsInvalidValues(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv(DataDirEnv, tempDir)

	cfgPath := filepath.Join(tempDir, "config.json")
	if err := EnsureDataDirectories(tempDir, nil); err != nil {
		t.Fatalf("EnsureDataDirectories failed: %v", err)
	}

	legacy := &EngineConfig{
		DeviceID:      "existing-device",
		DisplayName:   "Workstation",
		ChunkSize:     -5,
		MaxConcurrent: 3,
		ListenAddress: "127.0.0.1:7000",
		LogLevel:      "shouting",
	}
	if err := Save(cfgPath, legacy); err != nil {
		t.Fatalf("Save legacy config failed: %v", err)
	}

	cfg, _, err := LoadOrCreate()
	if err != nil {
		t.Fatalf("LoadOrCreate failed: %v", err)
	}
	if cfg.DeviceID != "existing-device" || cfg.DisplayName != "Workstation" {
		t.Fatalf("expected identity to be retained, got %q / %q", cfg.DeviceID, cfg.DisplayName)
	}
	if cfg.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected chunk size repaired to %d, got %d", DefaultChunkSize, cfg.ChunkSize)
	}
	if cfg.MaxConcurrent != 3 {
		t.Fatalf("expected max concurrent 3 retained, got %d", cfg.MaxConcurrent)
	}
	if cfg.ListenAddress != "127.0.0.1:7000" {
		t.Fatalf("expected listen address retained, got %q", cfg.ListenAddress)
	}
	if cfg.LogLevel != DefaultLogLevel {
		t.Fatalf("expected log level repaired to %q, got %q", DefaultLogLevel, cfg.LogLevel)
	}

	reloaded, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if reloaded.ChunkSize != DefaultChunkSize {
		t.Fatalf("expected repaired config to be persisted, got chunk size %d", reloaded.ChunkSize)
	}
}

func TestNewLoggerLevels(t *testing.T) {
	var out bytes.Buffer
	logger := NewLogger(&out, "debug", false)
	if logger.GetLevel() != logrus.DebugLevel {
		t.Fatalf("expected debug level, got %s", logger.GetLevel())
	}

	fallback := NewLogger(&out, "nonsense", true)
	if fallback.GetLevel() != logrus.InfoLevel {
		t.Fatalf("expected info fallback, got %s", fallback.GetLevel())
	}
	if out.Len() == 0 {
		t.Fatalf("expected a warning about the unknown level")
	}
}

func TestLoadOrCreateInRejectsCorruptFile(t *testing.T) {
	dataDir := t.TempDir()
	if err := os.WriteFile(ConfigPath(dataDir), []byte("{not json"), 0o600); err != nil {
		t.Fatalf("seed corrupt config: %v", err)
	}

	if _, _, err := LoadOrCreateIn(dataDir); err == nil {
		t.Fatalf("expected a parse error for a corrupt config")
	}
	raw, _ := os.ReadFile(ConfigPath(dataDir))
	if string(raw) != "{not json" {
		t.Fatalf("corrupt config must be left for the user to inspect, got %q", raw)
	}
}

func TestSaveReplacesFileWithoutLeavingTempFiles(t *testing.T) {
	dataDir := t.TempDir()
	path := ConfigPath(dataDir)

	for _, name := range []string{"first", "second"} {
		if err := Save(path, &EngineConfig{DeviceID: "id", DisplayName: name}); err != nil {
			t.Fatalf("Save %s: %v", name, err)
		}
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.DisplayName != "second" {
		t.Fatalf("expected the last write to win, got %q", cfg.DisplayName)
	}

	entries, err := os.ReadDir(dataDir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected only config.json, found %d entries", len(entries))
	}
	if info, _ := entries[0].Info(); info.Mode().Perm() != 0o600 {
		t.Fatalf("expected mode 0600, got %v", info.Mode().Perm())
	}
}
