package secaudit

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/asdhq/asd-net/internal/appconfig"
	"github.com/asdhq/asd-net/internal/paths"
)

func testPaths(t *testing.T) paths.Paths {
	t.Helper()
	home := filepath.Join(t.TempDir(), "home")
	workspace := filepath.Join(t.TempDir(), "workspace")
	p := paths.Paths{
		Home:       home,
		Workspace:  workspace,
		BinDir:     filepath.Join(home, "bin"),
		LogDir:     filepath.Join(workspace, "logs"),
		NetworkDir: filepath.Join(workspace, "network"),
		CaddyDir:   filepath.Join(workspace, "caddy"),
		TunnelsDir: filepath.Join(workspace, "tunnels"),
	}
	for _, dir := range []string{p.Home, p.Workspace, p.BinDir, p.LogDir, p.NetworkDir, p.CaddyDir, p.TunnelsDir} {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			t.Fatalf("mkdir %s: %v", dir, err)
		}
	}
	return p
}

func TestRunAuditCleanDefaultsHasNoFindings(t *testing.T) {
	p := testPaths(t)
	if err := appconfig.Save(p, appconfig.Default()); err != nil {
		t.Fatalf("save config: %v", err)
	}

	report, err := RunAudit(p)
	if err != nil {
		t.Fatalf("RunAudit: %v", err)
	}
	if len(report.Findings) != 0 {
		t.Fatalf("expected no findings on a fresh, correctly-permissioned workspace, got %+v", report.Findings)
	}
	if report.HasHigh() {
		t.Fatal("expected no high-severity findings")
	}
}

func TestRunAuditFlagsInsecureHostKeyPolicyAsHigh(t *testing.T) {
	p := testPaths(t)
	cfg := appconfig.Default()
	cfg.Security.HostKeyPolicy = appconfig.HostKeyPolicyInsecureIgnore
	if err := appconfig.Save(p, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	report, err := RunAudit(p)
	if err != nil {
		t.Fatalf("RunAudit: %v", err)
	}
	if !report.HasHigh() {
		t.Fatalf("expected a high-severity finding, got %+v", report.Findings)
	}
}

func TestRunAuditFlagsAllowPublicBindPolicyAsMedium(t *testing.T) {
	p := testPaths(t)
	cfg := appconfig.Default()
	cfg.Security.BindPolicy = appconfig.BindPolicyAllowPublic
	if err := appconfig.Save(p, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	report, err := RunAudit(p)
	if err != nil {
		t.Fatalf("RunAudit: %v", err)
	}
	found := false
	for _, f := range report.Findings {
		if f.Target == "config.yaml" && f.Severity == SeverityMedium {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a medium-severity bind policy finding, got %+v", report.Findings)
	}
}

func TestRunAuditFlagsWorldReadableCredentialsFile(t *testing.T) {
	p := testPaths(t)
	if err := appconfig.Save(p, appconfig.Default()); err != nil {
		t.Fatalf("save config: %v", err)
	}
	if err := os.WriteFile(p.CredentialsFile(), []byte("secrets: {}\n"), 0o644); err != nil {
		t.Fatalf("write credentials file: %v", err)
	}

	report, err := RunAudit(p)
	if err != nil {
		t.Fatalf("RunAudit: %v", err)
	}
	found := false
	for _, f := range report.Findings {
		if f.Target == p.CredentialsFile() {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a finding for the overly-permissive credentials file, got %+v", report.Findings)
	}
}

func TestRunAuditIgnoresMissingOptionalFiles(t *testing.T) {
	p := testPaths(t)
	if err := appconfig.Save(p, appconfig.Default()); err != nil {
		t.Fatalf("save config: %v", err)
	}
	// Neither registry.json nor .env exist yet in a fresh workspace.
	report, err := RunAudit(p)
	if err != nil {
		t.Fatalf("RunAudit: %v", err)
	}
	for _, f := range report.Findings {
		if f.Target == p.RegistryFile() || f.Target == p.DotenvFile() {
			t.Fatalf("did not expect a finding for a nonexistent file: %+v", f)
		}
	}
}

func TestRunAuditOrdersFindingsBySeverityThenTarget(t *testing.T) {
	p := testPaths(t)
	cfg := appconfig.Default()
	cfg.Security.HostKeyPolicy = appconfig.HostKeyPolicyInsecureIgnore
	cfg.Security.BindPolicy = appconfig.BindPolicyAllowPublic
	if err := appconfig.Save(p, cfg); err != nil {
		t.Fatalf("save config: %v", err)
	}

	report, err := RunAudit(p)
	if err != nil {
		t.Fatalf("RunAudit: %v", err)
	}
	if len(report.Findings) < 2 {
		t.Fatalf("expected at least 2 findings, got %+v", report.Findings)
	}
	for i := 1; i < len(report.Findings); i++ {
		prevRank := severityRank(report.Findings[i-1].Severity)
		curRank := severityRank(report.Findings[i].Severity)
		if prevRank < curRank {
			t.Fatalf("findings not sorted by descending severity: %+v", report.Findings)
		}
	}
}
