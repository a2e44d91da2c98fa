package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/asdhq/asd-net/internal/model"
	"github.com/asdhq/asd-net/internal/netconfig"
	"github.com/asdhq/asd-net/internal/reconcile"
	"github.com/asdhq/asd-net/internal/util"
)

// newExposeCmd is the ad-hoc exposure path: `expose <port> [--name]
// [--local-only] [--direct]` declares a service, persists it into
// net.config.yaml, and runs one reconcile pass so the tunnel, proxy routes,
// and registry entry are live before the command returns. `expose list` and
// `expose stop` are registered subcommands; a bare port argument falls
// through to this command's own RunE since it matches neither.
func newExposeCmd(jsonOut *bool) *cobra.Command {
	var name string
	var localOnly, direct bool
	cmd := &cobra.Command{
		Use:   "expose <port>",
		Short: "Expose a local port through the reverse proxy and tunnel",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runExpose(*jsonOut, args[0], name, localOnly, direct)
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "service id (defaults to expose-<port>)")
	cmd.Flags().BoolVar(&localOnly, "local-only", false, "route only through the local proxy, never the tunnel")
	cmd.Flags().BoolVar(&direct, "direct", false, "expose only through the tunnel, bypassing local proxy hosts")
	cmd.AddCommand(newExposeListCmd(jsonOut))
	cmd.AddCommand(newExposeStopCmd(jsonOut))
	return cmd
}

func runExpose(jsonOut bool, portArg, name string, localOnly, direct bool) error {
	port, err := strconv.Atoi(portArg)
	if err != nil {
		return misuse("%q is not a valid port number", portArg)
	}
	if err := util.ValidatePort(port); err != nil {
		return misuse("%v", err)
	}

	a, err := newApp(jsonOut)
	if err != nil {
		return err
	}
	if name == "" {
		name = "expose-" + portArg
	}
	if localOnly && direct {
		return misuse("--local-only and --direct are mutually exclusive")
	}

	decl := model.ServiceDeclaration{
		ID:        name,
		Dial:      util.NormalizeAddr("127.0.0.1:"+portArg, "127.0.0.1:"+portArg),
		Subdomain: name,
	}
	switch {
	case localOnly:
		decl.Public = false
		decl.Hosts = []string{name + ".localhost"}
	case direct:
		decl.Public = true
	default:
		decl.Public = true
		decl.Hosts = []string{name + ".localhost", "${{ macro.tunnelHost() }}"}
	}

	var cfg netconfig.ProjectConfig
	var manifests []netconfig.Manifest
	if _, statErr := os.Stat(a.ConfigPath); os.IsNotExist(statErr) {
		// expose should work in a bare directory; scaffold the minimal
		// config the declaration will be persisted into.
		cfg = netconfig.ProjectConfig{Version: 1, Project: netconfig.ProjectMeta{Name: filepath.Base(a.ProjectRoot)}}
	} else {
		cfg, manifests, err = a.loadProjectConfig()
		if err != nil {
			return err
		}
	}
	if cfg.Network.Services == nil {
		cfg.Network.Services = map[string]model.ServiceDeclaration{}
	}
	cfg.Network.Services[name] = decl
	if err := netconfig.WriteFile(a.ConfigPath, cfg); err != nil {
		return err
	}

	deps := reconcile.Deps{
		Paths:       a.Paths,
		ProjectRoot: a.ProjectRoot,
		Config:      cfg,
		Manifests:   manifests,
		AppConfig:   a.AppConfig,
		Registry:    a.Registry,
		Tunnels:     a.Tunnels,
		Proxy:       a.Proxy,
		Credentials: a.Credentials,
	}
	res, err := reconcile.Run(ctx(), deps)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		printWarn(w)
	}

	var entry model.RegistryEntry
	for _, e := range res.Entries {
		if e.ID == name {
			entry = e
			break
		}
	}

	if a.JSON {
		return printJSON(entry)
	}
	fmt.Println("local:  http://" + name + ".localhost")
	if entry.TunnelURL != "" {
		fmt.Println("tunnel:", entry.TunnelURL)
	}
	fmt.Println("dial:  ", entry.Dial)
	return nil
}

func newExposeListCmd(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List exposed services and their current state",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			entries, err := a.Registry.Snapshot()
			if err != nil {
				return err
			}
			if a.JSON {
				return printJSON(entries)
			}
			for _, e := range entries {
				fmt.Printf("%s %-20s %-8s %s\n", healthGlyph(e.LastHealthResult), e.ID, e.LastHealthResult, firstNonEmpty(e.TunnelURL, e.Dial, "-"))
			}
			return nil
		},
	}
}

func newExposeStopCmd(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <name|port>",
		Short: "Stop a service's tunnel session and remove its registry entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			id := resolveExposeRef(a, args[0])
			entry, ok, err := a.Registry.Get(id)
			if err != nil {
				return err
			}
			if !ok {
				return misuse("no exposed service %q", args[0])
			}
			if entry.TunnelSessionID != "" {
				if err := a.Tunnels.Stop(entry.ID, credentialRefFor(a)); err != nil {
					printWarn(err.Error())
				}
			}
			if err := a.Registry.Remove(id); err != nil {
				return err
			}
			if a.JSON {
				return printJSON(map[string]string{"status": "stopped", "id": id})
			}
			fmt.Println("stopped", id)
			return nil
		},
	}
}

// resolveExposeRef accepts either a service id or the default
// "expose-<port>" convention a bare port argument would have produced.
func resolveExposeRef(a *app, ref string) string {
	if _, err := strconv.Atoi(ref); err == nil {
		return "expose-" + ref
	}
	return strings.TrimSpace(ref)
}
