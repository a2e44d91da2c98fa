package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/asdhq/asd-net/internal/events"
	"github.com/asdhq/asd-net/internal/reconcile"
	"github.com/asdhq/asd-net/internal/supervisor"
	"github.com/asdhq/asd-net/internal/tunnel"
)

// newNetCmd is the `asd net` command group: registry/tunnel/proxy
// reconciliation.
func newNetCmd(jsonOut *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "net",
		Short: "Inspect and reconcile the service registry, tunnels, and proxy routes",
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
	cmd.AddCommand(newNetApplyCmd(jsonOut))
	cmd.AddCommand(newNetRefreshCmd(jsonOut))
	cmd.AddCommand(newNetDiscoverCmd(jsonOut))
	cmd.AddCommand(newNetStartCmd(jsonOut))
	cmd.AddCommand(newNetStopCmd(jsonOut))
	cmd.AddCommand(newNetOpenCmd(jsonOut))
	cmd.AddCommand(newNetRemoveCmd(jsonOut))
	cmd.AddCommand(newNetCleanCmd(jsonOut))
	cmd.AddCommand(newNetResetCmd(jsonOut))
	cmd.AddCommand(newNetTunnelCmd(jsonOut))
	cmd.AddCommand(newNetEventsCmd(jsonOut))
	return cmd
}

func newNetEventsCmd(jsonOut *bool) *cobra.Command {
	var serviceID string
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent tunnel and registry lifecycle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			evts, err := a.Events.Read(events.Query{ServiceID: serviceID, Limit: limit})
			if err != nil {
				return err
			}
			if a.JSON {
				return printJSON(evts)
			}
			for _, e := range evts {
				fmt.Printf("%s %-24s %-20s %s\n", e.Timestamp.Format(time.RFC3339), e.EventType, e.ServiceID, e.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&serviceID, "service", "", "only show events for this service id")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of events to show")
	return cmd
}

func newNetApplyCmd(jsonOut *bool) *cobra.Command {
	var applyCaddy, applyTunnel bool
	var ids []string
	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Run a full reconcile pass over declared and discovered services",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(*jsonOut, applyCaddy, applyTunnel, ids)
		},
	}
	cmd.Flags().BoolVar(&applyCaddy, "caddy", true, "apply reverse-proxy routes")
	cmd.Flags().BoolVar(&applyTunnel, "tunnel", true, "start or refresh tunnel sessions")
	cmd.Flags().StringSliceVar(&ids, "ids", nil, "keep only these net.config.yaml service ids; plugin-manifest and discovered services are still reconciled")
	return cmd
}

func newNetRefreshCmd(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Re-sweep readiness and tunnel state without changing declarations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(*jsonOut, true, true, nil)
		},
	}
}

func newNetDiscoverCmd(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Preview services running locally that are not yet declared",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			cfg, manifests, err := a.loadProjectConfig()
			if err != nil {
				return err
			}
			deps := reconcile.Deps{Config: cfg, Manifests: manifests}
			found, err := reconcile.DiscoverOnly(ctx(), deps)
			if err != nil {
				return err
			}
			if a.JSON {
				return printJSON(found)
			}
			if len(found) == 0 {
				fmt.Println("no undeclared services detected")
				return nil
			}
			for _, d := range found {
				fmt.Printf("%-20s %-10s %s\n", d.ID, d.Source, d.Dial)
			}
			return nil
		},
	}
}

func newNetStartCmd(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "start <id>",
		Short: "Start a declared service's tunnel session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			id := args[0]
			entry, ok, err := a.Registry.Get(id)
			if err != nil {
				return err
			}
			if !ok {
				return misuse("no registry entry %q; run `asd net apply` first", id)
			}
			cred, hasCred, err := a.Credentials.Default()
			if err != nil {
				return err
			}
			if !entry.Public {
				return misuse("service %q is not public; nothing to tunnel", id)
			}
			if !hasCred {
				return misuse("no default tunnel credential configured; run `asd auth credentials`")
			}
			sess, err := a.Tunnels.Start(ctx(), entry.ServiceDeclaration, cred)
			if err != nil {
				return err
			}
			updated := entry.ApplyTunnelState(sess)
			if err := a.Registry.Upsert(updated); err != nil {
				return err
			}
			if a.JSON {
				return printJSON(sess)
			}
			fmt.Println(sess.State, sess.PublicURL)
			return nil
		},
	}
}

func newNetStopCmd(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <id>",
		Short: "Stop a service's tunnel session, keeping its registry entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			id := args[0]
			if err := a.Tunnels.Stop(id, credentialRefFor(a)); err != nil {
				return err
			}
			if err := a.Registry.ClearTunnel(id); err != nil {
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

func newNetOpenCmd(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "open <id>",
		Short: "Print the best URL to reach a service (tunnel, else local)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			entry, ok, err := a.Registry.Get(args[0])
			if err != nil {
				return err
			}
			if !ok {
				return misuse("no registry entry %q", args[0])
			}
			url := entry.TunnelURL
			if url == "" && len(entry.Hosts) > 0 {
				url = "http://" + entry.Hosts[0]
			}
			if url == "" {
				url = entry.Dial
			}
			if a.JSON {
				return printJSON(map[string]string{"id": entry.ID, "url": url})
			}
			fmt.Println(url)
			return nil
		},
	}
}

func newNetRemoveCmd(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Stop and remove a service's registry entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			id := args[0]
			_ = a.Tunnels.Stop(id, credentialRefFor(a))
			if err := a.Registry.Remove(id); err != nil {
				return err
			}
			if a.JSON {
				return printJSON(map[string]string{"status": "removed", "id": id})
			}
			fmt.Println("removed", id)
			return nil
		},
	}
}

func newNetCleanCmd(jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "clean",
		Short: "Stop all tunnels and clear proxy routes, keeping registry entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			deps := reconcile.Deps{Registry: a.Registry, Tunnels: a.Tunnels, Proxy: a.Proxy}
			if err := reconcile.Clean(ctx(), deps, false); err != nil {
				return err
			}
			if a.JSON {
				return printJSON(map[string]string{"status": "cleaned"})
			}
			fmt.Println("cleaned")
			return nil
		},
	}
}

func newNetResetCmd(jsonOut *bool) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Stop all tunnels, clear proxy routes, and purge the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return misuse("reset is destructive; pass --yes to confirm")
			}
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			deps := reconcile.Deps{Registry: a.Registry, Tunnels: a.Tunnels, Proxy: a.Proxy}
			if err := reconcile.Clean(ctx(), deps, true); err != nil {
				return err
			}
			// Mop up detached tunnel processes whose PID files were lost to
			// an unclean exit; their lease env var still marks them as ours.
			reaped, err := supervisor.ReapLeases(tunnel.LeaseEnvKey, a.Paths.Workspace, map[int]bool{os.Getpid(): true})
			if err == nil && len(reaped) > 0 {
				printWarn(fmt.Sprintf("reaped %d stray tunnel process(es)", len(reaped)))
			}
			if a.JSON {
				return printJSON(map[string]string{"status": "reset"})
			}
			fmt.Println("registry reset")
			return nil
		},
	}
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the destructive reset")
	return cmd
}

func newNetTunnelCmd(jsonOut *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Control tunnel sessions directly, bypassing reconcile",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start tunnel sessions for every public, registered service",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(*jsonOut, false, true, nil)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop every tunnel session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			a.Tunnels.StopAll()
			if a.JSON {
				return printJSON(map[string]string{"status": "stopped"})
			}
			fmt.Println("all tunnel sessions stopped")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Stop every tunnel session, then restart from the registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			a.Tunnels.StopAll()
			return runApply(*jsonOut, false, true, nil)
		},
	})
	return cmd
}
