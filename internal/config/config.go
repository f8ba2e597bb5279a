package config

import (
	"fmt"
	"time"

	"github.com/nexus-runtime/extrt/internal/policy"
)

// ExtensionOverride narrows or widens capability decisions for one
// extension beyond its profile's default rules, keyed by extension ID
// in Config.ExtensionOverrides.
type ExtensionOverride struct {
	// Profile, if set, replaces the base profile for this extension only.
	Profile policy.Profile `yaml:"profile,omitempty"`
	// Allow lists extra capability globs always allowed for this extension.
	Allow []string `yaml:"allow,omitempty"`
	// Deny lists extra capability globs always denied for this extension.
	Deny []string `yaml:"deny,omitempty"`
}

// PreflightMode controls how a Fail-verdict static analysis report gates
// extension activation.
type PreflightMode string

const (
	// PreflightAdvisory records Fail/Warn verdicts to the risk ledger but
	// still allows the extension to load.
	PreflightAdvisory PreflightMode = "advisory"
	// PreflightBlocking refuses to activate any extension whose preflight
	// Report rolls up to VerdictFail.
	PreflightBlocking PreflightMode = "blocking"
)

// StreamConfig carries the bounded-channel defaults used by every
// streaming host call (exec, http, tool output).
type StreamConfig struct {
	BufferSize   int           `yaml:"buffer_size"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
}

// CleanupConfig carries the region shutdown budgets.
type CleanupConfig struct {
	Budget       time.Duration `yaml:"budget"`
	PollQuota    int           `yaml:"poll_quota"`
	ShutdownFan  time.Duration `yaml:"event_shutdown_budget"`
}

// Config is the runtime's own configuration: which extension roots to
// scan, the active capability posture, and the operational defaults
// every subsystem falls back to absent a more specific override.
type Config struct {
	// ExtensionRoots are directories scanned for extension manifests.
	ExtensionRoots []string `yaml:"extension_roots"`

	// Profile is the base capability profile applied to every extension
	// unless overridden in ExtensionOverrides.
	Profile policy.Profile `yaml:"profile"`

	// ExtensionOverrides maps extension ID to a per-extension capability
	// override.
	ExtensionOverrides map[string]ExtensionOverride `yaml:"extension_overrides"`

	// Preflight controls whether a Fail-verdict static scan blocks load.
	Preflight PreflightMode `yaml:"preflight"`

	Stream  StreamConfig  `yaml:"stream"`
	Cleanup CleanupConfig `yaml:"cleanup"`

	// RiskLedgerPath is where append-only risk-ledger entries are
	// written. Empty disables ledger persistence.
	RiskLedgerPath string `yaml:"risk_ledger_path"`

	// MetricsAddr, if set, is the address the Prometheus metrics HTTP
	// endpoint listens on (e.g. ":9090").
	MetricsAddr string `yaml:"metrics_addr"`
}

// Load reads path (resolving $include directives, expanding environment
// variables, parsing YAML or JSON5 depending on extension), applies
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("config: load %s: %w", path, err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	applyDefaults(cfg)
	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Profile == "" {
		cfg.Profile = policy.ProfileBalanced
	}
	if cfg.Preflight == "" {
		cfg.Preflight = PreflightAdvisory
	}
	if cfg.Stream.BufferSize == 0 {
		cfg.Stream.BufferSize = 16
	}
	if cfg.Stream.StallTimeout == 0 {
		cfg.Stream.StallTimeout = 30 * time.Second
	}
	if cfg.Cleanup.Budget == 0 {
		cfg.Cleanup.Budget = 5 * time.Second
	}
	if cfg.Cleanup.PollQuota == 0 {
		cfg.Cleanup.PollQuota = 64
	}
	if cfg.Cleanup.ShutdownFan == 0 {
		cfg.Cleanup.ShutdownFan = 5 * time.Second
	}
}

func validate(cfg *Config) error {
	if len(cfg.ExtensionRoots) == 0 {
		return fmt.Errorf("at least one extension root is required")
	}
	switch cfg.Profile {
	case policy.ProfileSafe, policy.ProfileBalanced, policy.ProfilePermissive:
	default:
		return fmt.Errorf("unknown profile %q", cfg.Profile)
	}
	switch cfg.Preflight {
	case PreflightAdvisory, PreflightBlocking:
	default:
		return fmt.Errorf("unknown preflight mode %q", cfg.Preflight)
	}
	for id, override := range cfg.ExtensionOverrides {
		if override.Profile == "" {
			continue
		}
		switch override.Profile {
		case policy.ProfileSafe, policy.ProfileBalanced, policy.ProfilePermissive:
		default:
			return fmt.Errorf("extension %q: unknown profile override %q", id, override.Profile)
		}
	}
	if cfg.Stream.BufferSize <= 0 {
		return fmt.Errorf("stream.buffer_size must be positive")
	}
	return nil
}

// ProfileFor resolves the effective base profile for extensionID,
// honoring a per-extension override if one is configured.
func (c *Config) ProfileFor(extensionID string) policy.Profile {
	if override, ok := c.ExtensionOverrides[extensionID]; ok && override.Profile != "" {
		return override.Profile
	}
	return c.Profile
}
