// Package ui provides the terminal user interface (TUI) dashboard for asd.
//
// The dashboard is built with Bubble Tea (a Go framework for terminal apps
// based on The Elm Architecture) and styled with Lip Gloss. It presents the
// user with:
//
//   - A filterable list of registry entries (declared and discovered services)
//   - A detail panel showing the selected entry's declaration and runtime state
//   - A live tunnel-session table
//   - Contextual guidance for available actions
//
// The TUI is the default entry point when asd is run without subcommands.
// It supports the following keyboard interactions:
//
//	j/k or ↑/↓  — Navigate the service list
//	t            — Toggle the tunnel session for the selected service
//	T            — Toggle tunnel sessions for every public service
//	R            — Restart the selected service's tunnel session
//	enter        — Run a readiness probe for the selected service now
//	/            — Enter filter mode (type to search by id or dial)
//	n            — Declare a new ad-hoc exposed service
//	r            — Refresh registry and tunnel snapshots
//	?            — Toggle the help panel
//	q / Ctrl+C   — Quit (stops all managed tunnel sessions before exiting)
//
// Architecture notes:
//
// The TUI follows the Elm Architecture (Model-Update-View) enforced by
// Bubble Tea: dashboardModel holds all state, Update processes messages,
// View renders the current state as a string. The dashboard periodically
// refreshes its registry snapshot via a tick command.
package ui

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/asdhq/asd-net/internal/appconfig"
	"github.com/asdhq/asd-net/internal/asderr"
	"github.com/asdhq/asd-net/internal/credential"
	"github.com/asdhq/asd-net/internal/events"
	"github.com/asdhq/asd-net/internal/model"
	"github.com/asdhq/asd-net/internal/paths"
	"github.com/asdhq/asd-net/internal/probe"
	"github.com/asdhq/asd-net/internal/registry"
	"github.com/asdhq/asd-net/internal/sshclient"
	"github.com/asdhq/asd-net/internal/tunnel"
	"github.com/asdhq/asd-net/internal/util"
)

// defaultRefreshSeconds is the tick interval fallback when the loaded
// config has a non-positive refresh_seconds.
const defaultRefreshSeconds = 3

// tickMsg drives the periodic registry/tunnel snapshot refresh.
type tickMsg time.Time

// statusMsg updates the status bar text, typically after an async action.
type statusMsg string

// dashboardModel is the central Bubble Tea model for the TUI dashboard.
// Unexported — the only public entry point is Run().
type dashboardModel struct {
	// entries is the full, unfiltered registry snapshot, sorted by most
	// recent health check. Populated by refreshEntries().
	entries []model.RegistryEntry

	// filtered is the subset of entries matching the current filter string.
	filtered []model.RegistryEntry

	// sel is the index of the currently selected entry in filtered.
	sel int

	// filter is the current search string; filterMode toggles capture.
	filter     string
	filterMode bool

	showHelp bool
	status   string
	warnings []string

	// sessions is the most recent tunnel-session snapshot, refreshed on
	// every tick and after tunnel start/stop actions.
	sessions []model.TunnelSession

	width  int
	height int

	cfg   appconfig.Config
	paths paths.Paths

	reg     *registry.Store
	tunnels *tunnel.Manager
	creds   *credential.Store

	// form holds the "declare a new service" configurator state; nil when
	// the form is not active.
	form *newServiceForm
}

// initialModel creates the initial dashboardModel with resolved paths,
// loaded configuration, and an opened registry/credential store.
func initialModel() dashboardModel {
	p, err := paths.Resolve()
	if err != nil {
		slog.Warn("failed to resolve paths, using current directory defaults", "error", err)
	}
	cfg, err := appconfig.Load(p)
	if err != nil {
		slog.Warn("failed to load app config, using defaults", "error", err)
		cfg = appconfig.Default()
	}

	reg := registry.Open(p.RegistryFile())
	creds := credential.Open(p.CredentialsFile())
	mgr := tunnel.NewManager(reg, p, cfg.Tunnel, cfg.Security.RedactErrors)
	mgr.Events = events.NewStore(p)

	m := dashboardModel{cfg: cfg, paths: p, reg: reg, tunnels: mgr, creds: creds}
	m.refreshEntries()
	m.status = "Ready. t toggles tunnel, n declares a service, ? for help."
	return m
}

// refreshEntries re-reads the registry and tunnel snapshots. Any read error
// is shown in the status bar rather than crashing the app.
func (m *dashboardModel) refreshEntries() {
	entries, err := m.reg.Snapshot()
	if err != nil {
		m.status = "registry read error: " + asderr.UserMessage(err, m.cfg.Security.RedactErrors)
		return
	}
	m.entries = registry.SortByRecentHealth(entries)
	m.applyFilter()
	m.sessions = m.tunnels.Snapshot()
}

// applyFilter updates filtered based on the current filter string, matching
// against id and dial (case-insensitive substring).
func (m *dashboardModel) applyFilter() {
	if strings.TrimSpace(m.filter) == "" {
		m.filtered = append([]model.RegistryEntry(nil), m.entries...)
	} else {
		f := strings.ToLower(strings.TrimSpace(m.filter))
		m.filtered = nil
		for _, e := range m.entries {
			if strings.Contains(strings.ToLower(e.ID), f) || strings.Contains(strings.ToLower(e.Dial), f) {
				m.filtered = append(m.filtered, e)
			}
		}
	}
	if m.sel >= len(m.filtered) {
		m.sel = len(m.filtered) - 1
	}
	if m.sel < 0 {
		m.sel = 0
	}
}

func tickCmd(seconds int) tea.Cmd {
	if seconds <= 0 {
		seconds = defaultRefreshSeconds
	}
	return tea.Tick(time.Duration(seconds)*time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

// Init implements tea.Model.
func (m dashboardModel) Init() tea.Cmd {
	return tickCmd(m.cfg.UI.RefreshSeconds)
}

// Update implements tea.Model.
func (m dashboardModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.refreshEntries()
		return m, tickCmd(m.cfg.UI.RefreshSeconds)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		if m.filterMode {
			switch msg.String() {
			case "enter", "esc":
				m.filterMode = false
				m.applyFilter()
				return m, nil
			case "backspace":
				if len(m.filter) > 0 {
					m.filter = m.filter[:len(m.filter)-1]
				}
				m.applyFilter()
				return m, nil
			default:
				if len(msg.String()) == 1 {
					m.filter += msg.String()
					m.applyFilter()
				}
				return m, nil
			}
		}

		if m.form != nil {
			if msg.String() == "esc" {
				m.form = nil
				m.status = "New service cancelled"
				return m, nil
			}
			result, cmd := m.form.update(msg)
			if result != nil {
				m.handleFormResult(result)
				m.form = nil
			}
			return m, cmd
		}

		switch msg.String() {
		case "q", "ctrl+c":
			m.tunnels.StopAll()
			return m, tea.Quit

		case "j", "down":
			if m.sel < len(m.filtered)-1 {
				m.sel++
			}

		case "k", "up":
			if m.sel > 0 {
				m.sel--
			}

		case "/":
			m.filterMode = true
			m.status = "Filter mode: type and press Enter"

		case "?":
			m.showHelp = !m.showHelp

		case "r":
			m.refreshEntries()
			m.status = "Refreshed registry and tunnel status"

		case "enter":
			if len(m.filtered) == 0 {
				break
			}
			e := m.filtered[m.sel]
			m.status = m.probeNow(e)

		case "n":
			m.form = newServiceFormModel()
			m.status = "New service: fill in id, port, and exposure"

		case "t":
			if len(m.filtered) == 0 {
				break
			}
			m.status = m.toggleTunnel(m.filtered[m.sel])
			m.sessions = m.tunnels.Snapshot()

		case "T":
			if len(m.filtered) == 0 {
				break
			}
			started, stopped := 0, 0
			for _, e := range m.filtered {
				if !e.Public {
					continue
				}
				status := m.toggleTunnel(e)
				if strings.HasPrefix(status, "tunnel stopped") {
					stopped++
				}
				if strings.HasPrefix(status, "tunnel started") {
					started++
				}
			}
			m.status = fmt.Sprintf("processed public services (started=%d, stopped=%d)", started, stopped)
			m.sessions = m.tunnels.Snapshot()

		case "R":
			if len(m.filtered) == 0 {
				break
			}
			e := m.filtered[m.sel]
			_ = m.tunnels.Stop(e.ID, m.credentialRef())
			m.sessions = m.tunnels.Snapshot()
			m.status = m.toggleTunnel(e)
			m.sessions = m.tunnels.Snapshot()
		}

	case statusMsg:
		m.status = string(msg)
	}
	return m, nil
}

// View implements tea.Model.
func (m dashboardModel) View() string {
	head := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render("asd net dashboard")
	subhead := fmt.Sprintf("services=%d shown=%d sessions=%d refresh=%ds",
		len(m.entries), len(m.filtered), len(m.sessions), clampRefresh(m.cfg.UI.RefreshSeconds))

	left := strings.Builder{}
	left.WriteString("j/k to navigate; [T] means an alive tunnel session.\n")
	for i, e := range m.filtered {
		cursor := " "
		if i == m.sel {
			cursor = ">"
		}
		tunnelMark := " "
		if m.entryHasAliveTunnel(e.ID) {
			tunnelMark = "T"
		}
		left.WriteString(fmt.Sprintf("%s[%s] %s %-20s %-20s\n", cursor, tunnelMark, healthGlyph(e.LastHealthResult), e.ID, e.Dial))
	}
	if len(m.filtered) == 0 {
		left.WriteString("  (no services matched)\n")
	}

	detail := strings.Builder{}
	if len(m.filtered) > 0 {
		e := m.filtered[m.sel]
		detail.WriteString(fmt.Sprintf("ID: %s\nDial: %s\nPublic: %v\nSubdomain: %s\nHealth: %s\n",
			e.ID, e.Dial, e.Public, util.EmptyDash(e.Subdomain), e.LastHealthResult))
		if e.TunnelURL != "" {
			detail.WriteString("Tunnel URL: " + e.TunnelURL + "\n")
		}
		if len(e.Hosts) > 0 {
			detail.WriteString("Hosts: " + strings.Join(e.Hosts, ", ") + "\n")
		}
		detail.WriteString("\nNext steps:\n")
		detail.WriteString(m.guidanceForEntry(e))
	} else {
		detail.WriteString("Pick a service to view its declaration and tunnel options.\n")
	}

	tbl := strings.Builder{}
	tbl.WriteString(fmt.Sprintf("%-24s %-10s %-40s %-8s\n", "SERVICE", "STATE", "URL", "PID"))
	for _, s := range m.sessions {
		tbl.WriteString(fmt.Sprintf("%-24s %-10s %-40s %-8d\n", s.ServiceID, s.State, s.PublicURL, s.PID))
	}
	if len(m.sessions) == 0 {
		tbl.WriteString("(none)\n")
	}

	warn := ""
	if len(m.warnings) > 0 {
		warn = "Warnings: " + strings.Join(m.warnings, " | ") + "\n"
	}

	filterLine := fmt.Sprintf("Filter: %s", m.filter)
	if m.filterMode {
		filterLine += " (typing...)"
	}

	quickHelp := "Keys: enter probe | n new | t toggle | T all | R restart | / filter | r refresh | ? help | q quit"

	var main string
	if m.form != nil {
		main = m.form.view(m.renderPanel, m.effectiveWidth())
	} else {
		main = m.renderMainPanels(left.String(), detail.String())
	}

	sessions := m.renderPanel("Tunnel Sessions", tbl.String(), m.effectiveWidth(), lipgloss.Color("63"))
	status := m.renderPanel("Status", m.status, m.effectiveWidth(), lipgloss.Color("205"))

	help := ""
	if m.showHelp {
		help = m.renderPanel("Help", m.helpBlock(), m.effectiveWidth(), lipgloss.Color("244"))
	}

	return lipgloss.JoinVertical(
		lipgloss.Left,
		head,
		subhead,
		filterLine,
		quickHelp,
		main,
		sessions,
		help,
		warn,
		status,
	)
}

// Run starts the TUI dashboard as a full-screen terminal application. It is
// the entry point called by the root CLI command when asd is invoked
// without subcommands.
func Run() error {
	if err := sshclient.EnsureSSHBinary(); err != nil {
		return err
	}
	p := tea.NewProgram(initialModel(), tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// ctx is the background context dashboard actions run under; probes and
// tunnel starts bound themselves with their own deadlines.
func ctx() context.Context {
	return context.Background()
}

func clampRefresh(seconds int) int {
	if seconds <= 0 {
		return defaultRefreshSeconds
	}
	return seconds
}

func healthGlyph(h model.HealthResult) string {
	switch h {
	case model.HealthOK:
		return "+"
	case model.HealthWarn:
		return "!"
	case model.HealthStop:
		return "x"
	default:
		return "."
	}
}

// entryHasAliveTunnel reports whether the given service id has a tunnel
// session currently in a live state.
func (m dashboardModel) entryHasAliveTunnel(id string) bool {
	for _, s := range m.sessions {
		if s.ServiceID == id && s.Alive() {
			return true
		}
	}
	return false
}

// credentialRef returns the default credential's name, the key every
// tunnel session for this dashboard is started and stopped under.
func (m dashboardModel) credentialRef() string {
	cred, ok, err := m.creds.Default()
	if err != nil || !ok {
		return ""
	}
	return cred.Name
}

// guidanceForEntry generates contextual "next steps" text for the detail
// panel based on the selected entry's declaration and tunnel state.
func (m dashboardModel) guidanceForEntry(e model.RegistryEntry) string {
	var lines []string
	lines = append(lines, "  - Press enter to run a readiness probe now.")

	if !e.Public {
		lines = append(lines, "  - Service is not public; no tunnel session applies.")
		return strings.Join(lines, "\n") + "\n"
	}

	if m.entryHasAliveTunnel(e.ID) {
		lines = append(lines, "  - Press t to stop the tunnel session.")
		lines = append(lines, "  - Press R to restart it.")
	} else {
		lines = append(lines, "  - Press t to start the tunnel session.")
	}
	lines = append(lines, "  - Press T to process every public service at once.")
	return strings.Join(lines, "\n") + "\n"
}

// renderMainPanels arranges the service list and detail panels based on the
// current terminal width: side-by-side when wide, stacked when narrow.
func (m dashboardModel) renderMainPanels(listPanel, detailsPanel string) string {
	width := m.effectiveWidth()
	if width < 96 {
		return lipgloss.JoinVertical(
			lipgloss.Left,
			m.renderPanel("Services", listPanel, width, lipgloss.Color("39")),
			m.renderPanel("Details", detailsPanel, width, lipgloss.Color("69")),
		)
	}
	leftWidth := width / 2
	rightWidth := width - leftWidth
	return lipgloss.JoinHorizontal(
		lipgloss.Top,
		m.renderPanel("Services", listPanel, leftWidth, lipgloss.Color("39")),
		m.renderPanel("Details", detailsPanel, rightWidth, lipgloss.Color("69")),
	)
}

func (m dashboardModel) helpBlock() string {
	return strings.Join([]string{
		"  Navigation: j/k or arrow keys move selection.",
		"  Filtering: press /, type id/dial text, then Enter.",
		"  Probe: press enter to run a readiness check on the selected service.",
		"  New: press n to declare a new ad-hoc exposed service.",
		"  Tunnel: t toggles the selected service; T processes every public service; R restarts the selected one.",
		"  Refresh: press r to re-read the registry and tunnel snapshot.",
		"  Quit: press q (or Ctrl+C) and all managed tunnel sessions are stopped.",
	}, "\n")
}

// toggleTunnel starts or stops the tunnel session for e, returning a status
// line describing what happened.
func (m *dashboardModel) toggleTunnel(e model.RegistryEntry) string {
	credRef := m.credentialRef()
	if m.entryHasAliveTunnel(e.ID) {
		if err := m.tunnels.Stop(e.ID, credRef); err != nil {
			return "tunnel stop failed: " + asderr.UserMessage(err, m.cfg.Security.RedactErrors)
		}
		return "tunnel stopped: " + e.ID
	}
	if !e.Public {
		return "service is not public; nothing to tunnel"
	}
	cred, ok, err := m.creds.Default()
	if err != nil || !ok {
		return "no default tunnel credential configured"
	}
	sess, err := m.tunnels.Start(ctx(), e.ServiceDeclaration, cred)
	if err != nil {
		return "tunnel start failed: " + asderr.UserMessage(err, m.cfg.Security.RedactErrors)
	}
	updated := e.ApplyTunnelState(sess)
	if err := m.reg.Upsert(updated); err != nil {
		slog.Warn("failed to persist tunnel state", "service", e.ID, "error", err)
	}
	return fmt.Sprintf("tunnel started: %s (%s)", e.ID, sess.State)
}

// probeNow runs an immediate readiness probe against e and records the
// result in the registry: an HTTP probe of its health-check path when one
// is declared, otherwise a TCP dial of its address. TCP-port and command
// health checks are not run here.
func (m *dashboardModel) probeNow(e model.RegistryEntry) string {
	var ok bool
	switch {
	case e.HealthCheck.HTTPPath != "":
		ok = probe.HTTP(ctx(), "http://"+e.Dial+e.HealthCheck.HTTPPath, probe.DefaultBudget)
	case e.Dial != "":
		ok = probe.TCP(ctx(), e.Dial, probe.DefaultBudget)
	default:
		return "no dial or health check declared for " + e.ID
	}
	result := model.HealthStop
	if ok {
		result = model.HealthOK
	}
	if err := m.reg.MarkHealth(e.ID, result, time.Now()); err != nil {
		slog.Warn("failed to record health", "service", e.ID, "error", err)
	}
	return fmt.Sprintf("probe %s: %s", e.ID, result)
}

// handleFormResult upserts a completed new-service form's declaration into
// the registry. Declarations entered here are session conveniences: unlike
// `asd expose`, they are not persisted into net.config.yaml, so they do not
// survive a `net apply` driven by the project configuration alone.
func (m *dashboardModel) handleFormResult(result *formResult) {
	decl := result.decl
	entry := model.RegistryEntry{ServiceDeclaration: decl}
	if err := m.reg.Upsert(entry); err != nil {
		m.status = "failed to save service: " + asderr.UserMessage(err, m.cfg.Security.RedactErrors)
		return
	}
	m.status = fmt.Sprintf("declared service %q (dial=%s)", decl.ID, decl.Dial)
	m.refreshEntries()
}

// effectiveWidth returns the terminal width to use for layout, defaulting
// to 100 columns before the first WindowSizeMsg arrives.
func (m dashboardModel) effectiveWidth() int {
	if m.width <= 0 {
		return 100
	}
	return m.width
}

// renderPanel creates a styled panel with a colored header, bordered
// content, and the specified width.
func (m dashboardModel) renderPanel(title, body string, width int, accent lipgloss.Color) string {
	if width < 24 {
		width = 24
	}
	header := lipgloss.NewStyle().Bold(true).Foreground(accent).Render(title)
	content := strings.TrimSuffix(body, "\n")
	panel := strings.TrimSpace(header + "\n" + content)
	return lipgloss.NewStyle().
		Width(width).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(accent).
		Padding(0, 1).
		Render(panel)
}
