package config

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Execution.DefaultTimeoutSeconds != 60 {
		t.Fatalf("expected default timeout 60, got %d", cfg.Execution.DefaultTimeoutSeconds)
	}
}

func TestSaveThenLoadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")

	cfg := DefaultConfig()
	cfg.Sandbox.Mode = "docker"
	cfg.Sandbox.DockerImage = "python:3.11-slim"
	if err := cfg.Save(path); err != nil {
		t.Fatalf("Save: %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Sandbox.Mode != "docker" || loaded.Sandbox.DockerImage != "python:3.11-slim" {
		t.Fatalf("round trip lost sandbox config: %+v", loaded.Sandbox)
	}
}

func TestEnvOverrideWinsOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	cfg := DefaultConfig()
	cfg.Sandbox.Mode = "direct"
	require.NoError(t, cfg.Save(path))

	t.Setenv("KERNEL_SANDBOX_MODE", "docker")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "docker", loaded.Sandbox.Mode)
}

func TestEnvOverrideDefaultTimeoutAndDebugMode(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "kernel.yaml")
	require.NoError(t, DefaultConfig().Save(path))

	t.Setenv("KERNEL_DEFAULT_TIMEOUT_SECONDS", "30")
	t.Setenv("KERNEL_DEBUG", "true")

	loaded, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 30, loaded.Execution.DefaultTimeoutSeconds)
	assert.True(t, loaded.Logging.DebugMode)
}

func TestValidateRejectsInconsistentLimits(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Limits.MaxPerFileWriteBytes = cfg.Limits.MaxTotalWriteBytes + 1
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for per-file budget exceeding total budget")
	}
}

func TestValidateRejectsUnknownSandboxMode(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Sandbox.Mode = "qemu"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for an unknown sandbox mode")
	}
}

func TestIsCategoryEnabledHonorsDebugModeToggle(t *testing.T) {
	lc := LoggingConfig{DebugMode: false}
	if lc.IsCategoryEnabled("gate") {
		t.Fatal("expected no categories enabled when debug_mode is false")
	}

	lc = LoggingConfig{DebugMode: true, Categories: map[string]bool{"gate": false}}
	if lc.IsCategoryEnabled("gate") {
		t.Fatal("expected gate category disabled when explicitly set false")
	}
	if !lc.IsCategoryEnabled("controller") {
		t.Fatal("expected unspecified categories enabled by default in debug mode")
	}
}
