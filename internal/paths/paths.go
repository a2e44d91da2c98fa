// Package paths resolves the absolute locations the rest of the core reads
// and writes: the per-user ASD home, the per-project workspace, and their
// well-known subdirectories.
package paths

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

const (
	// EnvWorkspaceDir, when set, names the workspace directory itself and
	// bypasses project discovery entirely.
	EnvWorkspaceDir = "ASD_WORKSPACE_DIR"
	// EnvDirPath, when set, names the project-local .asd directory
	// explicitly instead of walking up from the working directory.
	EnvDirPath = "ASD_DIR_PATH"
	// EnvHomeDir, when set, overrides the per-user ASD home directory.
	EnvHomeDir = "ASD_HOME"
	// EnvBinDir, when set, overrides the helper-binary directory outright.
	EnvBinDir = "ASD_BIN_DIR"
	// EnvBinLocation selects where helper binaries live when EnvBinDir is
	// unset: "global" (under the ASD home, the default) or "workspace".
	EnvBinLocation = "ASD_BIN_LOCATION"

	// MaxAncestorWalk bounds how far up the directory tree the resolver
	// looks for a project-local .asd directory.
	MaxAncestorWalk = 50

	marker = ".asd"
)

var warnDoubledOnce sync.Once

// Paths is the resolved, absolute, process-lifetime set of locations the
// core operates against.
type Paths struct {
	Home       string // per-user ASD home (config.yaml, credentials, bin)
	Workspace  string // per-project .asd/workspace
	BinDir     string
	LogDir     string
	NetworkDir string // .asd/workspace/network (registry.json)
	CaddyDir   string
	TunnelsDir string
}

// Resolve computes a Paths from the current working directory, honoring
// the env-var overrides first, then walking up from cwd for a project-local
// .asd directory, then falling back to the OS-default ASD home.
func Resolve() (Paths, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return Paths{}, fmt.Errorf("resolve cwd: %w", err)
	}
	return ResolveFrom(cwd)
}

// ResolveFrom is Resolve with an explicit starting directory, primarily for
// tests.
func ResolveFrom(start string) (Paths, error) {
	home, err := resolveHome()
	if err != nil {
		return Paths{}, err
	}

	workspace, err := resolveWorkspace(start, home)
	if err != nil {
		return Paths{}, err
	}

	binDir := os.Getenv(EnvBinDir)
	if binDir == "" {
		if os.Getenv(EnvBinLocation) == "workspace" {
			binDir = filepath.Join(workspace, "bin")
		} else {
			binDir = filepath.Join(home, "bin")
		}
	}

	p := Paths{
		Home:       home,
		Workspace:  workspace,
		BinDir:     binDir,
		LogDir:     filepath.Join(workspace, "logs"),
		NetworkDir: filepath.Join(workspace, "network"),
		CaddyDir:   filepath.Join(workspace, "caddy"),
		TunnelsDir: filepath.Join(workspace, "tunnels"),
	}

	warnIfDoubled(p.Workspace)

	for _, dir := range []string{p.Workspace, p.LogDir, p.NetworkDir, p.CaddyDir, p.TunnelsDir, p.BinDir, p.Home} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Paths{}, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	return p, nil
}

// RegistryFile returns the absolute path to the project's registry.json.
func (p Paths) RegistryFile() string {
	return filepath.Join(p.NetworkDir, "registry.json")
}

// DotenvFile returns the absolute path to the project's .env file.
func (p Paths) DotenvFile() string {
	return filepath.Join(p.Workspace, ".env")
}

// CredentialsFile returns the absolute path to the per-user credential store.
func (p Paths) CredentialsFile() string {
	return filepath.Join(p.Home, "credentials.yaml")
}

// ConfigFile returns the absolute path to the per-user app config.
func (p Paths) ConfigFile() string {
	return filepath.Join(p.Home, "config.yaml")
}

func resolveHome() (string, error) {
	if v := os.Getenv(EnvHomeDir); v != "" {
		return filepath.Abs(v)
	}
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" && runtime.GOOS == "linux" {
		return filepath.Join(xdg, "asd"), nil
	}
	switch runtime.GOOS {
	case "darwin":
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		return filepath.Join(home, "Library", "Application Support", "asd"), nil
	case "windows":
		if lad := os.Getenv("LocalAppData"); lad != "" {
			return filepath.Join(lad, "asd"), nil
		}
		fallthrough
	default:
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		return filepath.Join(home, ".config", "asd"), nil
	}
}

// resolveWorkspace walks up from start looking for a local .asd directory;
// if none is found within MaxAncestorWalk ancestors, the workspace defaults
// to start/.asd/workspace.
func resolveWorkspace(start, home string) (string, error) {
	if v := os.Getenv(EnvWorkspaceDir); v != "" {
		abs, err := filepath.Abs(v)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", EnvWorkspaceDir, err)
		}
		return abs, nil
	}
	if v := os.Getenv(EnvDirPath); v != "" {
		abs, err := filepath.Abs(v)
		if err != nil {
			return "", fmt.Errorf("resolve %s: %w", EnvDirPath, err)
		}
		return filepath.Join(abs, "workspace"), nil
	}

	dir, err := filepath.Abs(start)
	if err != nil {
		return "", fmt.Errorf("resolve start dir: %w", err)
	}

	cur := dir
	for i := 0; i < MaxAncestorWalk; i++ {
		candidate := filepath.Join(cur, marker)
		if info, statErr := os.Stat(candidate); statErr == nil && info.IsDir() {
			return filepath.Join(candidate, "workspace"), nil
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			break
		}
		cur = parent
	}

	return filepath.Join(dir, marker, "workspace"), nil
}

// warnIfDoubled flags a `.asd/.asd` path segment once per process, except
// for the known CI layout that legitimately nests a checkout under a
// directory already named .asd.
func warnIfDoubled(workspace string) {
	if !strings.Contains(workspace, marker+string(filepath.Separator)+marker) {
		return
	}
	if os.Getenv("CI") != "" {
		return
	}
	warnDoubledOnce.Do(func() {
		slog.Warn("doubled .asd path segment detected; check ASD_WORKSPACE_DIR", "workspace", workspace)
	})
}
