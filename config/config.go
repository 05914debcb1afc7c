// Package config loads the control plane's configuration. All recognized
// options live in a single YAML document; the only environment override is
// the storage data directory, per §6 ("Environment variables used:
// only storage data-directory override; everything else via config.").
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/meridian-run/meridian/policy"
)

// DataDirEnvVar is the only environment variable the control plane reads.
const DataDirEnvVar = "MERIDIAN_DATA_DIR"

// SandboxMode selects the sandbox IPC signing scheme.
type SandboxMode string

const (
	// SandboxModeV1 signs IPC frames with a per-process HMAC-SHA256 key.
	SandboxModeV1 SandboxMode = "v1"
	// SandboxModeV2 signs IPC frames with an ephemeral Ed25519 keypair.
	SandboxModeV2 SandboxMode = "v2"
)

// Tier hints at storage cache/mmap sizing for the target deployment.
type Tier string

const (
	TierPi      Tier = "pi"
	TierDesktop Tier = "desktop"
	TierVPS     Tier = "vps"
)

// BruteForce configures the bridge's login throttling collaborator. The
// bridge itself is out of core scope; the values are carried here because
// they are recognized top-level config options per §6.
type BruteForce struct {
	Threshold       int `yaml:"threshold"`
	LockoutAttempts int `yaml:"lockoutAttempts"`
}

// Config is the root configuration document.
type Config struct {
	Workers              int                    `yaml:"workers"`
	DedupWindowMs        int64                  `yaml:"dedupWindowMs"`
	MaxRevisionCount     int                    `yaml:"maxRevisionCount"`
	MaxReplan            int                    `yaml:"maxReplan"`
	WorkspacePath         string                `yaml:"workspacePath"`
	AllowlistedDomains    []string              `yaml:"allowlistedDomains"`
	MaxTransactionAmountUSD *float64            `yaml:"maxTransactionAmountUsd"`
	UserPolicies          []policy.UserOverride `yaml:"userPolicies"`
	SandboxMode           SandboxMode           `yaml:"sandboxMode"`
	SessionDurationMs     int64                 `yaml:"sessionDurationMs"`
	BruteForce            BruteForce            `yaml:"bruteForce"`
	Tier                  Tier                  `yaml:"tier"`

	// DataDir is the storage data directory. Populated from the
	// MERIDIAN_DATA_DIR environment variable if set, else from the YAML
	// document's dataDir field.
	DataDir string `yaml:"dataDir"`
}

// Defaults returns a Config with the runtime's default values, matching the
// numeric examples named in §4.2 (MAX_REVISION_COUNT=3, MAX_REPLAN=2).
func Defaults() Config {
	return Config{
		Workers:          4,
		DedupWindowMs:    60_000,
		MaxRevisionCount: 3,
		MaxReplan:        2,
		SandboxMode:      SandboxModeV2,
		DataDir:          "./data",
	}
}

// Load reads a YAML configuration file, applies defaults for any zero-valued
// field that Defaults() sets, and applies the MERIDIAN_DATA_DIR environment
// override.
func Load(path string) (Config, error) {
	cfg := Defaults()
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config %q: %w", path, err)
	}
	if v := os.Getenv(DataDirEnvVar); v != "" {
		cfg.DataDir = v
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks invariants on the loaded configuration.
func (c Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.DedupWindowMs <= 0 {
		return fmt.Errorf("dedupWindowMs must be positive, got %d", c.DedupWindowMs)
	}
	if c.WorkspacePath == "" {
		return fmt.Errorf("workspacePath is required")
	}
	if c.SandboxMode != SandboxModeV1 && c.SandboxMode != SandboxModeV2 {
		return fmt.Errorf("sandboxMode must be v1 or v2, got %q", c.SandboxMode)
	}
	return nil
}
