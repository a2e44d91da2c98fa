package doctor

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/asdhq/asd-net/internal/model"
	"github.com/asdhq/asd-net/internal/paths"
	"github.com/asdhq/asd-net/internal/registry"
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

func TestRunFlagsDuplicateLocalBind(t *testing.T) {
	p := testPaths(t)
	store := registry.Open(p.RegistryFile())
	entries := []model.RegistryEntry{
		{ServiceDeclaration: model.ServiceDeclaration{ID: "api", Dial: "127.0.0.1:9601"}},
		{ServiceDeclaration: model.ServiceDeclaration{ID: "db", Dial: "127.0.0.1:9601"}},
	}
	for _, e := range entries {
		if err := store.Upsert(e); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}

	report, err := Run(p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Check == "duplicate-local-bind" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a duplicate-local-bind issue, got %+v", report.Issues)
	}
}

func TestRunFlagsOrphanedPID(t *testing.T) {
	p := testPaths(t)
	store := registry.Open(p.RegistryFile())
	entry := model.RegistryEntry{
		ServiceDeclaration: model.ServiceDeclaration{ID: "api", Dial: "127.0.0.1:9601"},
		ProcessID:          999999999,
	}
	if err := store.Upsert(entry); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	report, err := Run(p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Check == "orphaned-pid" && issue.Target == "api" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected an orphaned-pid issue for api, got %+v", report.Issues)
	}
}

func TestRunSurfacesRegistryReadError(t *testing.T) {
	p := testPaths(t)
	if err := os.WriteFile(p.RegistryFile(), []byte("not valid json"), 0o600); err != nil {
		t.Fatalf("write corrupt registry: %v", err)
	}

	report, err := Run(p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Check == "registry-read" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a registry-read issue for a corrupt registry file, got %+v", report.Issues)
	}
}

func TestRunJSONShapeHasIssuesKey(t *testing.T) {
	p := testPaths(t)
	report, err := Run(p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	b, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if _, ok := decoded["issues"]; !ok {
		t.Fatalf("expected issues key in json output: %s", string(b))
	}
}

func TestHasHighReportsTrueWhenAnIssueIsHighSeverity(t *testing.T) {
	r := Report{Issues: []Issue{{Severity: SeverityLow}, {Severity: SeverityHigh}}}
	if !r.HasHigh() {
		t.Fatal("expected HasHigh to report true")
	}
}

func TestProcessIsAliveFalseForImplausiblePID(t *testing.T) {
	if processIsAlive(999999999) {
		t.Fatal("expected an implausible PID to be reported as not alive")
	}
}

func TestRunIncludesSecurityAuditFindings(t *testing.T) {
	p := testPaths(t)
	if err := os.WriteFile(p.CredentialsFile(), []byte("secrets: {}\n"), 0o644); err != nil {
		t.Fatalf("write credentials file: %v", err)
	}

	report, err := Run(p)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	found := false
	for _, issue := range report.Issues {
		if issue.Check == "security-audit" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected a security-audit issue, got %+v", report.Issues)
	}
}
