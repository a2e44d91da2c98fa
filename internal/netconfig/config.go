// Package netconfig parses the project configuration file (net.config.yaml)
// and plugin manifests (net.manifest.yaml). Parsing is best-effort:
// routable-but-misdeclared services produce warnings rather than aborting
// the whole load, so one bad entry never blocks the rest of the project.
package netconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/asdhq/asd-net/internal/asderr"
	"github.com/asdhq/asd-net/internal/model"
)

// CaddyPolicy is the project-wide reverse-proxy TLS/auth policy.
type CaddyPolicy struct {
	TLSPolicy string                `yaml:"tls_policy,omitempty"`
	BasicAuth model.BasicAuthPolicy `yaml:"basic_auth,omitempty"`
}

// NetworkConfig is the `network:` top-level key.
type NetworkConfig struct {
	Caddy    CaddyPolicy                          `yaml:"caddy,omitempty"`
	Services map[string]model.ServiceDeclaration `yaml:"services,omitempty"`
}

// AutomationStep is one step of a named automation task.
type AutomationStep struct {
	Run         string            `yaml:"run"`
	Background  bool              `yaml:"background,omitempty"`
	WaitFor     string            `yaml:"waitFor,omitempty"`
	TimeoutSecs int               `yaml:"timeout,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
}

// TunnelModeConfig controls default and per-service tunnel mode overrides.
type TunnelModeConfig struct {
	Mode      string            `yaml:"mode,omitempty"`
	Overrides map[string]string `yaml:"overrides,omitempty"`
}

// ProjectMeta is the `project:` top-level key.
type ProjectMeta struct {
	Name    string   `yaml:"name"`
	Domain  string   `yaml:"domain,omitempty"`
	Plugins []string `yaml:"plugins,omitempty"`
}

// ProjectConfig is the full parsed net.config.yaml.
type ProjectConfig struct {
	Version    int                         `yaml:"version"`
	Project    ProjectMeta                 `yaml:"project"`
	Features   map[string]bool             `yaml:"features,omitempty"`
	Network    NetworkConfig               `yaml:"network,omitempty"`
	Automation map[string][]AutomationStep `yaml:"automation,omitempty"`
	Tunnels    TunnelModeConfig            `yaml:"tunnels,omitempty"`
}

// Manifest is a plugin's net.manifest.yaml: the same service-declaration
// shape as project config, contributed as base definitions an overlay can
// later refine.
type Manifest struct {
	Name     string                              `yaml:"name"`
	Services map[string]model.ServiceDeclaration `yaml:"services,omitempty"`
}

// ParseResult carries the parsed config plus any non-fatal warnings.
type ParseResult struct {
	Config   ProjectConfig
	Warnings []string
}

// ParseFile reads and validates a project configuration file at path.
// An unreadable file, malformed YAML and a missing project.name are
// configuration errors. A service with a dial but no hosts or paths, a
// service whose id differs from its key, and an unknown tunnelProtocol
// produce warnings. Duplicate ids between network.services and plugin
// manifests are not checked here; unknown top-level keys are tolerated by
// yaml.v3 decode semantics and not flagged.
func ParseFile(path string) (ParseResult, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return ParseResult{}, asderr.Wrap(asderr.KindConfig, err, fmt.Sprintf("cannot read %s", path))
	}
	var cfg ProjectConfig
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return ParseResult{}, asderr.Wrap(asderr.KindConfig, err, fmt.Sprintf("malformed YAML in %s", path))
	}

	var warnings []string
	if cfg.Project.Name == "" {
		return ParseResult{}, asderr.New(asderr.KindConfig, fmt.Sprintf("%s: project.name is required", path))
	}
	for id, svc := range cfg.Network.Services {
		if svc.ID == "" {
			svc.ID = id
			cfg.Network.Services[id] = svc
		}
		if svc.ID != id {
			warnings = append(warnings, fmt.Sprintf("service key %q declares a different id %q; using the key", id, svc.ID))
			svc.ID = id
			cfg.Network.Services[id] = svc
		}
		if !svc.IsOverlay() && len(svc.Hosts) == 0 && len(svc.Paths) == 0 {
			warnings = append(warnings, fmt.Sprintf("service %q has a dial but no hosts or paths; it will not be routable", id))
		}
		if svc.Public && !svc.TunnelProtocol.Valid() && svc.TunnelProtocol != "" {
			warnings = append(warnings, fmt.Sprintf("service %q has unknown tunnelProtocol %q; defaulting to http", id, svc.TunnelProtocol))
		}
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	return ParseResult{Config: cfg, Warnings: warnings}, nil
}

// WriteFile marshals cfg back to path, creating parent directories as
// needed. Used by `asd init` to scaffold a new net.config.yaml and by
// `asd expose` to persist an ad-hoc service declaration so it survives
// past the current invocation.
func WriteFile(path string, cfg ProjectConfig) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return asderr.Wrap(asderr.KindFatal, err, fmt.Sprintf("cannot create directory for %s", path))
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return asderr.Wrap(asderr.KindFatal, err, "cannot encode project configuration")
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o644); err != nil {
		return asderr.Wrap(asderr.KindFatal, err, fmt.Sprintf("cannot write %s", tmp))
	}
	return os.Rename(tmp, path)
}

// ParseManifest reads a plugin manifest file.
func ParseManifest(path string) (Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Manifest{}, asderr.Wrap(asderr.KindConfig, err, fmt.Sprintf("cannot read plugin manifest %s", path))
	}
	var m Manifest
	if err := yaml.Unmarshal(b, &m); err != nil {
		return Manifest{}, asderr.Wrap(asderr.KindConfig, err, fmt.Sprintf("malformed YAML in %s", path))
	}
	for id, svc := range m.Services {
		if svc.ID == "" {
			svc.ID = id
		}
		svc.Source = m.Name
		m.Services[id] = svc
	}
	return m, nil
}

// LoadPluginManifests resolves and parses net.manifest.yaml for each
// plugin module directory named in project.plugins, relative to
// projectRoot. A missing manifest for a declared plugin is a
// configuration error. There is no plugin discovery beyond this declared
// list.
func LoadPluginManifests(projectRoot string, plugins []string) ([]Manifest, error) {
	out := make([]Manifest, 0, len(plugins))
	for _, rel := range plugins {
		manifestPath := filepath.Join(projectRoot, rel, "net.manifest.yaml")
		m, err := ParseManifest(manifestPath)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
