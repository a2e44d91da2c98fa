package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCaddyCmd controls the reverse-proxy daemon directly. Most
// workflows never need this — `net apply` starts and reconfigures the proxy
// as a side effect — but `caddy restart`/`caddy config` are useful when
// debugging routing directly.
func newCaddyCmd(jsonOut *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "caddy",
		Short: "Control the local reverse-proxy daemon",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: "Start the reverse-proxy daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			res, err := a.Proxy.Start(ctx())
			if err != nil {
				return err
			}
			if a.JSON {
				return printJSON(res)
			}
			fmt.Println(res.Outcome, "pid", res.PID)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: "Stop the reverse-proxy daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			if err := a.Proxy.Stop(); err != nil {
				return err
			}
			if a.JSON {
				return printJSON(map[string]string{"status": "stopped"})
			}
			fmt.Println("stopped")
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "restart",
		Short: "Stop and start the reverse-proxy daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*jsonOut)
			if err != nil {
				return err
			}
			_ = a.Proxy.Stop()
			res, err := a.Proxy.Start(ctx())
			if err != nil {
				return err
			}
			if a.JSON {
				return printJSON(res)
			}
			fmt.Println(res.Outcome, "pid", res.PID)
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "config",
		Short: "Reconcile net.config.yaml and re-apply proxy routes, leaving tunnels untouched",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runApply(*jsonOut, true, false, nil)
		},
	})
	return cmd
}
