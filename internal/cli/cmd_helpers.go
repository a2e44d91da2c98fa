package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/asdhq/asd-net/internal/probe"
	"github.com/asdhq/asd-net/internal/supervisor"
)

// newHelperCmd builds one of the four supervised helper-daemon commands
// (`terminal`, `code`, `database`, `inspect`). Each wraps a single
// external binary, supervised the same way tunnel sessions and the proxy
// daemon are, but outside the registry/reconcile pipeline since helpers are
// developer conveniences rather than declared services.
func newHelperCmd(name, binary, portEnv string, defaultPort int, jsonOut *bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   name,
		Short: fmt.Sprintf("Control the supervised %s helper daemon", binary),
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "start",
		Short: fmt.Sprintf("Start %s on $%s (default %d)", binary, portEnv, defaultPort),
		RunE: func(cmd *cobra.Command, args []string) error {
			return startHelper(*jsonOut, name, binary, portEnv, defaultPort)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "stop",
		Short: fmt.Sprintf("Stop the supervised %s helper daemon", binary),
		RunE: func(cmd *cobra.Command, args []string) error {
			return stopHelper(*jsonOut, name)
		},
	})
	return cmd
}

func helperDir(a *app, name string) string {
	return filepath.Join(a.Paths.Workspace, "helpers", name)
}

func startHelper(jsonOut bool, name, binary, portEnv string, defaultPort int) error {
	a, err := newApp(jsonOut)
	if err != nil {
		return err
	}
	dir := helperDir(a, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	port := os.Getenv(portEnv)
	if port == "" {
		port = strconv.Itoa(defaultPort)
	}
	dial := "127.0.0.1:" + port
	spec := supervisor.DaemonSpec{
		BinaryPath: binary,
		Env:        append(os.Environ(), portEnv+"="+port),
		WorkDir:    a.ProjectRoot,
		PIDFile:    filepath.Join(dir, "pid"),
		LogFile:    filepath.Join(dir, "log"),
		MinUptime:  2 * time.Second,
		Restart:    supervisor.RestartOnFailure,
		Readiness: func(rctx context.Context) bool {
			return probe.TCP(rctx, dial, probe.DefaultBudget)
		},
	}
	res := supervisor.SpawnDaemon(ctx(), spec)
	if res.Outcome == supervisor.OutcomeFailed {
		return res.Err
	}
	if res.Err != nil {
		printWarn(res.Err.Error())
	}
	if jsonOut {
		return printJSON(res)
	}
	fmt.Printf("%s %s on %s (pid %d)\n", res.Outcome, name, dial, res.PID)
	return nil
}

func stopHelper(jsonOut bool, name string) error {
	a, err := newApp(jsonOut)
	if err != nil {
		return err
	}
	dir := helperDir(a, name)
	pidFile := filepath.Join(dir, "pid")
	pid, alive, err := supervisor.ReadPIDFile(pidFile)
	if err != nil {
		return err
	}
	if !alive {
		if jsonOut {
			return printJSON(map[string]string{"status": "not-running", "name": name})
		}
		fmt.Println(name, "is not running")
		return nil
	}
	if err := supervisor.Terminate(pid, pidFile, 5*time.Second, false); err != nil {
		return err
	}
	if jsonOut {
		return printJSON(map[string]string{"status": "stopped", "name": name})
	}
	fmt.Println("stopped", name)
	return nil
}
