// Package cli provides the command-line interface for asd, built with
// Cobra.
//
// The CLI serves as one of two user-facing entry points (the other being
// the TUI dashboard in internal/ui). Invoked without a subcommand, the root
// command launches the TUI. Every other subcommand performs one operation
// and exits, sharing the same backend packages as the TUI so behavior is
// never duplicated between the two surfaces.
//
// Command tree:
//
//	asd                               → launches the TUI dashboard
//	asd init | env-init               → scaffold project config / workspace
//	asd run <task>                    → runs a named automation pipeline
//	asd update                        → re-applies the full reconcile
//	asd expose ...                    → ad-hoc service exposure
//	asd net ...                       → registry/tunnel/proxy reconciliation
//	asd terminal|code|database|inspect → supervised helper daemons
//	asd caddy ...                     → reverse-proxy daemon control
//	asd auth ...                      → tunnel credential management
//	asd doctor | asd security audit   → diagnostics
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/asdhq/asd-net/internal/appconfig"
	"github.com/asdhq/asd-net/internal/credential"
	"github.com/asdhq/asd-net/internal/events"
	"github.com/asdhq/asd-net/internal/model"
	"github.com/asdhq/asd-net/internal/netconfig"
	"github.com/asdhq/asd-net/internal/paths"
	"github.com/asdhq/asd-net/internal/proxyctl"
	"github.com/asdhq/asd-net/internal/registry"
	"github.com/asdhq/asd-net/internal/tunnel"
	"github.com/asdhq/asd-net/internal/ui"
)

// misuseError marks a command-line usage error (bad flags/args) so main can
// map it to exit code 2 rather than the generic-failure code 1.
type misuseError struct{ msg string }

func (e *misuseError) Error() string { return e.msg }

func misuse(format string, a ...any) error {
	return &misuseError{fmt.Sprintf(format, a...)}
}

// ExitCode maps a command error to the process exit code: 0 success, 1
// generic failure, 2 misuse.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var me *misuseError
	if errors.As(err, &me) {
		return 2
	}
	return 1
}

// app bundles every collaborator a command needs, resolved once per
// invocation from the current working directory.
type app struct {
	Paths       paths.Paths
	ProjectRoot string
	ConfigPath  string
	AppConfig   appconfig.Config
	Registry    *registry.Store
	Credentials *credential.Store
	Events      *events.Store
	Proxy       *proxyctl.Controller
	Tunnels     *tunnel.Manager
	JSON        bool
}

// configFileName is the fixed project configuration filename.
const configFileName = "net.config.yaml"

// proxyAdminURLEnv overrides the reverse proxy's admin API base URL.
const proxyAdminURLEnv = "ASD_PROXY_ADMIN_URL"

func newApp(jsonOut bool) (*app, error) {
	p, err := paths.Resolve()
	if err != nil {
		return nil, err
	}
	cfg, err := appconfig.Load(p)
	if err != nil {
		return nil, err
	}
	projectRoot, err := os.Getwd()
	if err != nil {
		return nil, err
	}

	reg := registry.Open(p.RegistryFile())
	creds := credential.Open(p.CredentialsFile())

	adminURL := os.Getenv(proxyAdminURLEnv)
	if adminURL == "" {
		adminURL = "http://127.0.0.1:2019"
	}
	proxy := &proxyctl.Controller{
		BinaryPath:       "caddy",
		AdminURL:         adminURL,
		StaticConfigPath: filepath.Join(p.CaddyDir, "caddy.json"),
		PIDFile:          filepath.Join(p.CaddyDir, "caddy.pid"),
		LogFile:          filepath.Join(p.LogDir, "caddy.log"),
	}

	evts := events.NewStore(p)
	tunnels := tunnel.NewManager(reg, p, cfg.Tunnel, cfg.Security.RedactErrors)
	tunnels.Events = evts

	return &app{
		Paths:       p,
		ProjectRoot: projectRoot,
		ConfigPath:  filepath.Join(projectRoot, configFileName),
		AppConfig:   cfg,
		Registry:    reg,
		Credentials: creds,
		Events:      evts,
		Proxy:       proxy,
		Tunnels:     tunnels,
		JSON:        jsonOut,
	}, nil
}

// loadProjectConfig parses the project configuration and every plugin
// manifest it declares, surfacing parse warnings on stderr rather than
// failing the command.
func (a *app) loadProjectConfig() (netconfig.ProjectConfig, []netconfig.Manifest, error) {
	res, err := netconfig.ParseFile(a.ConfigPath)
	if err != nil {
		return netconfig.ProjectConfig{}, nil, err
	}
	for _, w := range res.Warnings {
		printWarn(w)
	}
	manifests, err := netconfig.LoadPluginManifests(a.ProjectRoot, res.Config.Project.Plugins)
	if err != nil {
		return netconfig.ProjectConfig{}, nil, err
	}
	return res.Config, manifests, nil
}

func printWarn(msg string) {
	fmt.Fprintln(os.Stderr, "warning:", msg)
}

// credentialRefFor returns the default credential's name, the same
// CredentialRef tunnel.Manager.Start key's every session under, so Stop
// calls made without first loading a session's own record still hit the
// right slot. An app with no default credential configured has no live
// tunnel sessions to stop, so the empty string is a safe fallback.
func credentialRefFor(a *app) string {
	cred, ok, err := a.Credentials.Default()
	if err != nil || !ok {
		return ""
	}
	return cred.Name
}

// healthGlyph renders a registry entry's health result with the same
// ok/warn/error/info glyph vocabulary asderr.Kind.Glyph() uses for errors.
func healthGlyph(h model.HealthResult) string {
	switch h {
	case model.HealthOK:
		return "ok"
	case model.HealthWarn:
		return "warn"
	case model.HealthStop:
		return "error"
	default:
		return "info"
	}
}

// printJSON writes v as indented JSON to stdout, for every command's
// --json output mode.
func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// NewRootCommand creates and returns the top-level Cobra command for asd.
//
// The root command has no arguments of its own — invoked directly, it
// launches the TUI dashboard via ui.Run(). Every subcommand is registered
// below and shares the --json persistent flag for machine-readable output.
func NewRootCommand() *cobra.Command {
	var jsonOut bool

	root := &cobra.Command{
		Use:           "asd",
		Short:         "Expose local services through a supervised tunnel and reverse proxy",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ui.Run()
		},
	}
	root.PersistentFlags().BoolVar(&jsonOut, "json", false, "emit machine-readable JSON output")

	root.AddCommand(newInitCmd(&jsonOut))
	root.AddCommand(newEnvInitCmd(&jsonOut))
	root.AddCommand(newRunCmd(&jsonOut))
	root.AddCommand(newUpdateCmd(&jsonOut))
	root.AddCommand(newExposeCmd(&jsonOut))
	root.AddCommand(newNetCmd(&jsonOut))
	root.AddCommand(newHelperCmd("terminal", "ttyd", "TTYD_PORT", 7681, &jsonOut))
	root.AddCommand(newHelperCmd("code", "code-server", "CODE_PORT", 8443, &jsonOut))
	root.AddCommand(newHelperCmd("database", "adminer", "DB_PORT", 8081, &jsonOut))
	root.AddCommand(newHelperCmd("inspect", "mitmweb", "INSPECT_PORT", 9090, &jsonOut))
	root.AddCommand(newCaddyCmd(&jsonOut))
	root.AddCommand(newAuthCmd(&jsonOut))
	root.AddCommand(newDoctorCmd(&jsonOut))
	root.AddCommand(newSecurityCmd(&jsonOut))
	return root
}

// ctx is the background context every command runs under; no subcommand
// outlives the CLI invocation, so there is no deadline to attach here
// beyond what individual probes and supervisor calls already bound
// themselves.
func ctx() context.Context {
	return context.Background()
}
