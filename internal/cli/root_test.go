package cli

import (
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// setupIsolatedEnv points ASD_HOME/ASD_WORKSPACE_DIR at fresh temp
// directories and chdirs into a fresh project root, so every command under
// test reads and writes nothing outside the test's own sandbox.
func setupIsolatedEnv(t *testing.T) string {
	t.Helper()
	projectRoot := t.TempDir()
	t.Setenv("ASD_HOME", filepath.Join(t.TempDir(), "home"))
	t.Setenv("ASD_WORKSPACE_DIR", filepath.Join(projectRoot, ".asd", "workspace"))

	cwd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.Chdir(projectRoot); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chdir(cwd) })
	return projectRoot
}

func captureStdout(fn func() error) (string, error) {
	orig := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}
	os.Stdout = w
	runErr := fn()
	_ = w.Close()
	os.Stdout = orig
	b, readErr := io.ReadAll(r)
	if readErr != nil {
		return "", readErr
	}
	return string(b), runErr
}

func TestInitCreatesConfigAndRefusesDuplicate(t *testing.T) {
	projectRoot := setupIsolatedEnv(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"init", "--project", "demo"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "created") {
		t.Fatalf("expected created message, got: %s", out)
	}
	if _, err := os.Stat(filepath.Join(projectRoot, configFileName)); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"init", "--project", "demo"})
	if err := cmd.Execute(); err == nil {
		t.Fatal("expected second init to fail because config already exists")
	} else if ExitCode(err) != 2 {
		t.Fatalf("expected misuse exit code 2, got %d", ExitCode(err))
	}
}

func TestEnvInitIsIdempotent(t *testing.T) {
	setupIsolatedEnv(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"env-init", "--json"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("env-init: %v", err)
	}
	var first map[string]string
	if err := json.Unmarshal([]byte(out), &first); err != nil {
		t.Fatalf("invalid json: %v; out=%s", err, out)
	}
	if first["status"] != "created" {
		t.Fatalf("expected created status, got %+v", first)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"env-init", "--json"})
	out, err = captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("env-init (second run): %v", err)
	}
	var second map[string]string
	if err := json.Unmarshal([]byte(out), &second); err != nil {
		t.Fatalf("invalid json: %v; out=%s", err, out)
	}
	if second["status"] != "exists" {
		t.Fatalf("expected exists status on second run, got %+v", second)
	}
}

func TestNetOnEmptyRegistryPrintsNothing(t *testing.T) {
	setupIsolatedEnv(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"net", "--json"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("net: %v", err)
	}
	var entries []map[string]any
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("invalid json: %v; out=%s", err, out)
	}
	if len(entries) != 0 {
		t.Fatalf("expected no entries in a fresh registry, got %d", len(entries))
	}
}

func TestExposeLocalOnlyDeclaresRegistryEntryWithoutTunnel(t *testing.T) {
	setupIsolatedEnv(t)

	initCmd := NewRootCommand()
	initCmd.SetArgs([]string{"init"})
	if _, err := captureStdout(func() error { return initCmd.Execute() }); err != nil {
		t.Fatalf("init: %v", err)
	}

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"expose", "3000", "--name", "myapp", "--local-only", "--json"})
	if _, err := captureStdout(func() error { return cmd.Execute() }); err != nil {
		t.Fatalf("expose: %v", err)
	}

	cmd = NewRootCommand()
	cmd.SetArgs([]string{"net", "--json"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("net after expose: %v", err)
	}
	var entries []map[string]any
	if err := json.Unmarshal([]byte(out), &entries); err != nil {
		t.Fatalf("invalid json: %v; out=%s", err, out)
	}
	if len(entries) != 1 {
		t.Fatalf("expected exactly one registry entry, got %d: %s", len(entries), out)
	}
	if entries[0]["id"] != "myapp" {
		t.Fatalf("unexpected entry id: %v", entries[0]["id"])
	}
	if entries[0]["public"] == true {
		t.Fatalf("expected --local-only service to not be public: %+v", entries[0])
	}
}

func TestExposeListAndStopLifecycle(t *testing.T) {
	setupIsolatedEnv(t)

	initCmd := NewRootCommand()
	initCmd.SetArgs([]string{"init"})
	if _, err := captureStdout(func() error { return initCmd.Execute() }); err != nil {
		t.Fatalf("init: %v", err)
	}

	exposeCmd := NewRootCommand()
	exposeCmd.SetArgs([]string{"expose", "4000", "--name", "api", "--local-only"})
	if _, err := captureStdout(func() error { return exposeCmd.Execute() }); err != nil {
		t.Fatalf("expose: %v", err)
	}

	listCmd := NewRootCommand()
	listCmd.SetArgs([]string{"expose", "list", "--json"})
	out, err := captureStdout(func() error { return listCmd.Execute() })
	if err != nil {
		t.Fatalf("expose list: %v", err)
	}
	if !strings.Contains(out, "\"api\"") {
		t.Fatalf("expected api in expose list output: %s", out)
	}

	stopCmd := NewRootCommand()
	stopCmd.SetArgs([]string{"expose", "stop", "api"})
	if _, err := captureStdout(func() error { return stopCmd.Execute() }); err != nil {
		t.Fatalf("expose stop: %v", err)
	}
}

func TestDoctorJSONOutput(t *testing.T) {
	setupIsolatedEnv(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"doctor", "--json"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("doctor: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid doctor json: %v; output=%s", err, out)
	}
	if _, ok := payload["issues"]; !ok {
		t.Fatalf("expected issues key in doctor output: %s", out)
	}
}

func TestSecurityAuditJSONOutput(t *testing.T) {
	setupIsolatedEnv(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"security", "audit", "--json"})
	out, err := captureStdout(func() error { return cmd.Execute() })
	if err != nil {
		t.Fatalf("security audit: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(out), &payload); err != nil {
		t.Fatalf("invalid audit json: %v; output=%s", err, out)
	}
	if _, ok := payload["findings"]; !ok {
		t.Fatalf("expected findings key in security audit output: %s", out)
	}
}

func TestNetResetRequiresConfirmation(t *testing.T) {
	setupIsolatedEnv(t)

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"net", "reset"})
	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected net reset without --yes to fail")
	}
	if ExitCode(err) != 2 {
		t.Fatalf("expected misuse exit code 2, got %d", ExitCode(err))
	}
}

func TestRunUnknownTaskIsMisuse(t *testing.T) {
	setupIsolatedEnv(t)

	initCmd := NewRootCommand()
	initCmd.SetArgs([]string{"init"})
	if _, err := captureStdout(func() error { return initCmd.Execute() }); err != nil {
		t.Fatalf("init: %v", err)
	}

	cmd := NewRootCommand()
	cmd.SetArgs([]string{"run", "does-not-exist"})
	err := cmd.Execute()
	if err == nil {
		t.Fatal("expected error for unknown automation task")
	}
	if ExitCode(err) != 2 {
		t.Fatalf("expected misuse exit code 2, got %d", ExitCode(err))
	}
}
