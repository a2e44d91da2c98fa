// Package secaudit inspects the local file-permission and policy posture of
// the ASD home and project workspace: registry, credential store, dotenv
// file, and their parent directories.
package secaudit

import (
	"fmt"
	"os"
	"sort"

	"github.com/asdhq/asd-net/internal/appconfig"
	"github.com/asdhq/asd-net/internal/paths"
)

// Severity ranks a Finding's urgency.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Finding is one posture issue surfaced by RunAudit.
type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

// AuditReport collects the findings from one audit run.
type AuditReport struct {
	Findings []Finding `json:"findings"`
}

// HasHigh reports whether the report contains any high-severity finding.
func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunAudit inspects the ASD home and project workspace's security posture:
// the per-user config's bind and host-key policies, and the permissions of
// every file that can hold a secret (credentials, registry, dotenv) or gate
// access to them (their parent directories).
func RunAudit(p paths.Paths) (AuditReport, error) {
	cfg, err := appconfig.Load(p)
	if err != nil {
		return AuditReport{}, err
	}

	var findings []Finding
	if cfg.Security.BindPolicy == appconfig.BindPolicyAllowPublic {
		findings = append(findings, Finding{
			Severity:       SeverityMedium,
			Target:         "config.yaml",
			Message:        "public tunnel binds are allowed by default",
			Recommendation: "set security.bind_policy to loopback-only",
		})
	}
	if cfg.Security.HostKeyPolicy == appconfig.HostKeyPolicyInsecureIgnore {
		findings = append(findings, Finding{
			Severity:       SeverityHigh,
			Target:         "config.yaml",
			Message:        "host key policy is insecure-ignore",
			Recommendation: "set security.host_key_policy to strict or accept-new",
		})
	}
	if !cfg.Security.RedactErrors {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Target:         "config.yaml",
			Message:        "error redaction is disabled",
			Recommendation: "set security.redact_errors to true unless actively debugging",
		})
	}

	checkPathPerm(&findings, p.Home, 0o700, false)
	checkPathPerm(&findings, p.ConfigFile(), 0o644, true)
	checkPathPerm(&findings, p.CredentialsFile(), 0o600, true)
	checkPathPerm(&findings, p.BinDir, 0o755, false)

	checkPathPerm(&findings, p.Workspace, 0o700, false)
	checkPathPerm(&findings, p.NetworkDir, 0o700, false)
	checkPathPerm(&findings, p.RegistryFile(), 0o600, true)
	checkPathPerm(&findings, p.DotenvFile(), 0o600, true)

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}, nil
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}

// checkPathPerm flags a path whose permissions exceed max. A missing path
// is not a finding: the file or directory simply hasn't been created yet.
func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityMedium,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
