// Package config loads and validates the kernel's on-disk configuration:
// execution caps, budgets, sandbox selection, logging categories, and
// bandit persistence. Its Load/Save/applyEnvOverrides structure is
// grounded on the teacher's own internal/config/config.go, narrowed from
// codeNERD's cognitive-subsystem configuration down to the kernel's
// ambient concerns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds the kernel's full runtime configuration.
type Config struct {
	Execution ExecutionConfig `yaml:"execution"`
	Limits    LimitsConfig    `yaml:"limits"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Logging   LoggingConfig   `yaml:"logging"`
	Bandit    BanditConfig    `yaml:"bandit"`
}

// ExecutionConfig configures the Controller's subprocess behavior.
type ExecutionConfig struct {
	DefaultTimeoutSeconds int    `yaml:"default_timeout_seconds" json:"default_timeout_seconds"`
	MaxTimeoutSeconds     int    `yaml:"max_timeout_seconds" json:"max_timeout_seconds"`
	RunTestsCapSeconds    int    `yaml:"run_tests_cap_seconds" json:"run_tests_cap_seconds"`
	PatchBinary           string `yaml:"patch_binary" json:"patch_binary"`
}

// LimitsConfig holds structural and budget limits for proposals. The Gate
// does not read these values: it enforces its own compiled-in constants
// (gate.MaxActionsPerProposal, gate.MaxTotalWriteBytes,
// gate.MaxPerFileWriteBytes), and the Controller its own output cap.
type LimitsConfig struct {
	MaxActionsPerProposal int `yaml:"max_actions_per_proposal" json:"max_actions_per_proposal"`
	MaxTotalWriteBytes    int `yaml:"max_total_write_bytes" json:"max_total_write_bytes"`
	MaxPerFileWriteBytes  int `yaml:"max_per_file_write_bytes" json:"max_per_file_write_bytes"`
	MaxOutputBytes        int `yaml:"max_output_bytes" json:"max_output_bytes"`
}

// SandboxConfig selects and configures the RUN_TESTS backing executor.
type SandboxConfig struct {
	// Mode is "direct" or "docker". Direct runs the test command as a
	// plain subprocess rooted at the workspace; docker runs it inside a
	// network-disabled, read-only-root container with the workspace
	// bind-mounted writable.
	Mode             string `yaml:"mode" json:"mode"`
	DockerImage      string `yaml:"docker_image" json:"docker_image,omitempty"`
	MemoryLimitMB    int    `yaml:"memory_limit_mb" json:"memory_limit_mb"`
	CPUQuota         string `yaml:"cpu_quota" json:"cpu_quota"`
	NetworkDisabled  bool   `yaml:"network_disabled" json:"network_disabled"`
	ReadOnlyRootFS   bool   `yaml:"read_only_root_fs" json:"read_only_root_fs"`
}

// LoggingConfig configures category-gated structured logging. DebugMode
// is the master toggle: when false, no logging occurs regardless of
// Categories.
type LoggingConfig struct {
	DebugMode  bool            `yaml:"debug_mode" json:"debug_mode"`
	Categories map[string]bool `yaml:"categories" json:"categories,omitempty"`
}

// IsCategoryEnabled returns whether logging is enabled for category,
// honoring the DebugMode master toggle.
func (c *LoggingConfig) IsCategoryEnabled(category string) bool {
	if !c.DebugMode {
		return false
	}
	if c.Categories == nil {
		return true
	}
	enabled, exists := c.Categories[category]
	if !exists {
		return true
	}
	return enabled
}

// BanditConfig configures the Thompson-sampling bandit's persistence.
type BanditConfig struct {
	DatabasePath string `yaml:"database_path" json:"database_path"`
}

// DefaultConfig returns the kernel's default configuration.
func DefaultConfig() *Config {
	return &Config{
		Execution: ExecutionConfig{
			DefaultTimeoutSeconds: 60,
			MaxTimeoutSeconds:     600,
			RunTestsCapSeconds:    900,
			PatchBinary:           "patch",
		},
		Limits: LimitsConfig{
			MaxActionsPerProposal: 64,
			MaxTotalWriteBytes:    2 * 1024 * 1024,
			MaxPerFileWriteBytes:  512 * 1024,
			MaxOutputBytes:        1024 * 1024,
		},
		Sandbox: SandboxConfig{
			Mode:            "direct",
			MemoryLimitMB:   512,
			CPUQuota:        "0.5",
			NetworkDisabled: true,
			ReadOnlyRootFS:  true,
		},
		Logging: LoggingConfig{
			DebugMode: false,
		},
		Bandit: BanditConfig{
			DatabasePath: "run_logs/outcomes.sqlite",
		},
	}
}

// Load reads a YAML config file at path, applies environment overrides,
// and validates the result. A missing file is not an error: DefaultConfig
// plus env overrides is returned instead.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as YAML to path, creating parent directories as needed.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: create directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides lets a handful of environment variables override the
// loaded file, mirroring the teacher's KERNEL_ env-override convention.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("KERNEL_SANDBOX_MODE"); v != "" {
		cfg.Sandbox.Mode = v
	}
	if v := os.Getenv("KERNEL_DEBUG"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Logging.DebugMode = b
		}
	}
	if v := os.Getenv("KERNEL_DEFAULT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Execution.DefaultTimeoutSeconds = n
		}
	}
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Execution.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("execution.default_timeout_seconds must be > 0")
	}
	if c.Execution.MaxTimeoutSeconds < c.Execution.DefaultTimeoutSeconds {
		return fmt.Errorf("execution.max_timeout_seconds must be >= default_timeout_seconds")
	}
	if c.Limits.MaxActionsPerProposal <= 0 {
		return fmt.Errorf("limits.max_actions_per_proposal must be > 0")
	}
	if c.Limits.MaxPerFileWriteBytes > c.Limits.MaxTotalWriteBytes {
		return fmt.Errorf("limits.max_per_file_write_bytes must be <= max_total_write_bytes")
	}
	switch c.Sandbox.Mode {
	case "direct", "docker":
	default:
		return fmt.Errorf("sandbox.mode must be \"direct\" or \"docker\", got %q", c.Sandbox.Mode)
	}
	return nil
}
