package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/asdhq/asd-net/internal/asderr"
	"github.com/asdhq/asd-net/internal/automation"
	"github.com/asdhq/asd-net/internal/netconfig"
	"github.com/asdhq/asd-net/internal/reconcile"
)

func newInitCmd(jsonOut *bool) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Scaffold a new net.config.yaml in the current directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			if _, err := os.Stat(a.ConfigPath); err == nil {
				return misuse("%s already exists", configFileName)
			}
			if project == "" {
				project = "my-project"
			}
			cfg := netconfig.ProjectConfig{
				Version: 1,
				Project: netconfig.ProjectMeta{Name: project},
			}
			if err := netconfig.WriteFile(a.ConfigPath, cfg); err != nil {
				return err
			}
			if a.JSON {
				return printJSON(map[string]string{"status": "created", "path": a.ConfigPath})
			}
			fmt.Println("created", a.ConfigPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&project, "project", "", "project name to record in net.config.yaml")
	return cmd
}

func newEnvInitCmd(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "env-init",
		Short: "Create an empty workspace .env file if one does not exist",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			path := a.Paths.DotenvFile()
			if _, err := os.Stat(path); err == nil {
				if a.JSON {
					return printJSON(map[string]string{"status": "exists", "path": path})
				}
				fmt.Println(path, "already exists")
				return nil
			}
			if err := os.MkdirAll(a.Paths.Workspace, 0o755); err != nil {
				return asderr.Wrap(asderr.KindFatal, err, "cannot create workspace directory")
			}
			if err := os.WriteFile(path, []byte("# asd workspace environment\n"), 0o600); err != nil {
				return asderr.Wrap(asderr.KindFatal, err, fmt.Sprintf("cannot write %s", path))
			}
			if a.JSON {
				return printJSON(map[string]string{"status": "created", "path": path})
			}
			fmt.Println("created", path)
			return nil
		},
	}
}

func newRunCmd(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "run <task>",
		Short: "Run a named automation pipeline from net.config.yaml",
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 {
				return misuse("run requires exactly one task name")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			cfg, _, err := a.loadProjectConfig()
			if err != nil {
				return err
			}
			task := args[0]
			steps, ok := cfg.Automation[task]
			if !ok {
				return misuse("no automation task named %q in %s", task, configFileName)
			}
			results, err := automation.Run(ctx(), task, steps)
			if err != nil {
				return err
			}
			if a.JSON {
				return printJSON(results)
			}
			for _, r := range results {
				status := "ok"
				if r.Err != nil {
					status = r.Err.Error()
				}
				mode := "fg"
				if r.Background {
					mode = "bg"
				}
				fmt.Printf("%-4s %-40s %s\n", mode, r.Run, status)
			}
			return nil
		},
	}
}

func newUpdateCmd(jsonOut *bool) *cobra.Command {
	var applyCaddy, applyTunnel bool
	var ids []string
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Re-run the full reconcile pass (alias for `net apply`)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(*jsonOut, applyCaddy, applyTunnel, ids)
		},
	}
	cmd.Flags().BoolVar(&applyCaddy, "caddy", true, "apply reverse-proxy routes")
	cmd.Flags().BoolVar(&applyTunnel, "tunnel", true, "start or refresh tunnel sessions")
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "keep only these net.config.yaml service ids; plugin-manifest and discovered services are still reconciled")
	return cmd
}

// runApply shares the reconcile invocation between `update` (an alias for
// `net apply`) and the rest of the net command group.
func runApply(jsonOut, applyCaddy, applyTunnel bool, ids []string) error {
	a, err := newApp(jsonOut)
	if err != nil {
		return err
	}
	cfg, manifests, err := a.loadProjectConfig()
	if err != nil {
		return err
	}
	if len(ids) > 0 {
		filtered := map[string]bool{}
		for _, id := range ids {
			filtered[id] = true
		}
		for id := range cfg.Network.Services {
			if !filtered[id] {
				delete(cfg.Network.Services, id)
			}
		}
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
		SkipProxy:   !applyCaddy,
		SkipTunnels: !applyTunnel,
	}
	res, err := reconcile.Run(ctx(), deps)
	if err != nil {
		return err
	}
	for _, w := range res.Warnings {
		printWarn(w)
	}
	if a.JSON {
		return printJSON(res)
	}
	for _, e := range res.Entries {
		fmt.Printf("%s %-20s %-10s %s\n", healthGlyph(e.LastHealthResult), e.ID, e.LastHealthResult, firstNonEmpty(e.TunnelURL, e.Dial, "-"))
	}
	return nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
