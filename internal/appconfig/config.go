// Package appconfig manages the per-user application configuration and
// runtime file paths.
package appconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/asdhq/asd-net/internal/paths"
)

// Bind policy values for SecurityConfig.BindPolicy.
const (
	BindPolicyLoopbackOnly = "loopback-only"
	BindPolicyAllowPublic  = "allow-public"
)

// Host-key verification values for SecurityConfig.HostKeyPolicy.
const (
	HostKeyPolicyStrict         = "strict"
	HostKeyPolicyAcceptNew      = "accept-new"
	HostKeyPolicyInsecureIgnore = "insecure-ignore"
)

// UIConfig contains TUI display settings.
type UIConfig struct {
	RefreshSeconds int `yaml:"refresh_seconds"`
}

// SecurityConfig holds the security posture settings. BindPolicy and
// HostKeyPolicy are read by the security audit only; the supervisor, the
// SSH argument builder and the tunnel manager do not consult them.
type SecurityConfig struct {
	// BindPolicy is BindPolicyLoopbackOnly or BindPolicyAllowPublic; the
	// audit flags BindPolicyAllowPublic. Dial and listen addresses are not
	// checked against it.
	BindPolicy string `yaml:"bind_policy"`
	// HostKeyPolicy is strict, accept-new or insecure-ignore; the audit
	// flags insecure-ignore. The SSH client's host-key options depend on
	// the credential kind, not on this value.
	HostKeyPolicy string `yaml:"host_key_policy"`
	RedactErrors  bool   `yaml:"redact_errors"`
}

// TunnelConfig controls the reverse-tunnel session manager's reconnect
// behavior.
type TunnelConfig struct {
	AutoRestart                bool `yaml:"auto_restart"`
	RestartMaxAttempts         int  `yaml:"restart_max_attempts"`
	RestartBackoffSeconds      int  `yaml:"restart_backoff_seconds"`
	RestartStableWindowSeconds int  `yaml:"restart_stable_window_seconds"`
}

// Config holds application-level configuration.
type Config struct {
	DefaultHealthCommand string         `yaml:"default_health_command"`
	UI                   UIConfig       `yaml:"ui"`
	Security             SecurityConfig `yaml:"security"`
	Tunnel               TunnelConfig   `yaml:"tunnel"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		DefaultHealthCommand: "uptime",
		UI:                   UIConfig{RefreshSeconds: 3},
		Security: SecurityConfig{
			BindPolicy:    BindPolicyLoopbackOnly,
			HostKeyPolicy: HostKeyPolicyStrict,
			RedactErrors:  true,
		},
		Tunnel: TunnelConfig{
			AutoRestart:                true,
			RestartMaxAttempts:         3,
			RestartBackoffSeconds:      2,
			RestartStableWindowSeconds: 30,
		},
	}
}

// Load reads config.yaml from the resolved ASD home. If the file doesn't
// exist, it is created with defaults. Unrecognized or malformed enum
// values are normalized back to their safe defaults rather than rejected,
// since a bad user config should degrade, not block startup.
func Load(p paths.Paths) (Config, error) {
	path := p.ConfigFile()
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg := Default()
			if err := Save(p, cfg); err != nil {
				return cfg, err
			}
			return cfg, nil
		}
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s: %w", path, err)
	}
	applyFallbacks(&cfg)
	return cfg, nil
}

// Save writes cfg to config.yaml in the resolved ASD home.
func Save(p paths.Paths, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(p.ConfigFile()), 0o755); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(p.ConfigFile(), b, 0o644)
}

func applyFallbacks(cfg *Config) {
	if cfg.UI.RefreshSeconds <= 0 {
		cfg.UI.RefreshSeconds = 3
	}
	if cfg.DefaultHealthCommand == "" {
		cfg.DefaultHealthCommand = "uptime"
	}
	switch cfg.Security.BindPolicy {
	case BindPolicyLoopbackOnly, BindPolicyAllowPublic:
	default:
		cfg.Security.BindPolicy = BindPolicyLoopbackOnly
	}
	switch cfg.Security.HostKeyPolicy {
	case HostKeyPolicyStrict, HostKeyPolicyAcceptNew, HostKeyPolicyInsecureIgnore:
	default:
		cfg.Security.HostKeyPolicy = HostKeyPolicyStrict
	}
	if cfg.Tunnel.RestartMaxAttempts < 0 {
		cfg.Tunnel.RestartMaxAttempts = 0
	}
	if cfg.Tunnel.RestartBackoffSeconds <= 0 {
		cfg.Tunnel.RestartBackoffSeconds = 2
	}
	if cfg.Tunnel.RestartStableWindowSeconds <= 0 {
		cfg.Tunnel.RestartStableWindowSeconds = 30
	}
}
