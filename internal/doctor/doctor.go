// Package doctor runs local diagnostics across the pieces a reconcile
// depends on: required binaries, registry consistency, orphaned daemon
// PID files, duplicate local binds across declared services, and the
// file-permission posture secaudit already knows how to check.
package doctor

import (
	"fmt"
	"os"
	"os/exec"
	"sort"
	"syscall"

	"github.com/asdhq/asd-net/internal/model"
	"github.com/asdhq/asd-net/internal/paths"
	"github.com/asdhq/asd-net/internal/registry"
	"github.com/asdhq/asd-net/internal/secaudit"
	"github.com/asdhq/asd-net/internal/sshclient"
)

// Severity ranks an Issue's urgency.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Issue is one diagnostic finding from Run.
type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

// Report collects the issues from one diagnostic run.
type Report struct {
	Issues []Issue `json:"issues"`
}

// HasHigh reports whether the report contains any high-severity issue.
func (r Report) HasHigh() bool {
	for _, i := range r.Issues {
		if i.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// Run executes local diagnostics for one project workspace.
func Run(p paths.Paths) (Report, error) {
	var issues []Issue

	if err := sshclient.EnsureSSHBinary(); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "ssh-binary",
			Target:         "PATH",
			Message:        err.Error(),
			Recommendation: "install OpenSSH client and ensure `ssh` is on PATH",
		})
	}
	if _, err := exec.LookPath("caddy"); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "proxy-binary",
			Target:         "PATH",
			Message:        "caddy is not on PATH",
			Recommendation: "install caddy and ensure `caddy` is on PATH",
		})
	}

	store := registry.Open(p.RegistryFile())
	entries, err := store.Snapshot()
	if err == nil {
		issues = append(issues, registryIssues(entries)...)
	} else {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "registry-read",
			Target:         p.RegistryFile(),
			Message:        err.Error(),
			Recommendation: "run `asd net reset` if the registry file is corrupt or on an unsupported schema version",
		})
	}

	if audit, err := secaudit.RunAudit(p); err == nil {
		for _, f := range audit.Findings {
			issues = append(issues, Issue{
				Severity:       Severity(f.Severity),
				Check:          "security-audit",
				Target:         f.Target,
				Message:        f.Message,
				Recommendation: f.Recommendation,
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	return Report{Issues: issues}, nil
}

// registryIssues flags orphaned PID files (a process-backed entry whose
// recorded PID is no longer alive) and duplicate local dial addresses
// across declared services, which would otherwise race for the same bind
// on the next reconcile.
func registryIssues(entries []model.RegistryEntry) []Issue {
	var issues []Issue

	dialRefs := map[string][]string{}
	for _, e := range entries {
		if e.ProcessID != 0 {
			if !processIsAlive(e.ProcessID) {
				issues = append(issues, Issue{
					Severity:       SeverityMedium,
					Check:          "orphaned-pid",
					Target:         e.ID,
					Message:        fmt.Sprintf("registry records pid %d but the process is not running", e.ProcessID),
					Recommendation: "run `asd net refresh` to clear stale process state",
				})
			}
		}
		if e.Dial != "" {
			dialRefs[e.Dial] = append(dialRefs[e.Dial], e.ID)
		}
	}
	for dial, ids := range dialRefs {
		if len(ids) < 2 {
			continue
		}
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "duplicate-local-bind",
			Target:         dial,
			Message:        fmt.Sprintf("local dial address is declared by %d services", len(ids)),
			Recommendation: "use a unique dial address per service to avoid reconcile conflicts",
		})
	}
	return issues
}

// processIsAlive reports whether pid names a live process, by sending the
// null signal (no-op liveness probe, mirrors internal/supervisor's own
// check since that helper is unexported).
func processIsAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
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
