package ui

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/asdhq/asd-net/internal/model"
)

// formMode distinguishes between the mode-select, quick-expose, and
// full-configurator screens of the "declare a new service" form.
type formMode int

const (
	formModeSelect formMode = iota
	formModeQuick
	formModeFull
)

// Field indices for the full configurator form.
const (
	fieldID = iota
	fieldPort
	fieldSubdomain
	fieldCount
)

// formResult is returned when the user completes the form.
type formResult struct {
	decl model.ServiceDeclaration
}

// newServiceForm holds all state for the "declare a new ad-hoc exposed
// service" configurator the dashboard's n key opens.
type newServiceForm struct {
	mode    formMode
	modeSel int // 0 = quick, 1 = full (for mode selection screen)

	// Quick expose
	quickInput textinput.Model

	// Full configurator
	fields   []textinput.Model
	focusIdx int

	// Toggles, only meaningful on the full configurator screen.
	public   bool
	protocol model.TunnelProtocol

	// Validation error
	errMsg string
}

// newServiceFormModel creates an initialized form starting at mode
// selection.
func newServiceFormModel() *newServiceForm {
	f := &newServiceForm{
		mode:     formModeSelect,
		protocol: model.TunnelProtocolHTTP,
	}

	qi := textinput.New()
	qi.Placeholder = "port or name@port"
	qi.CharLimit = 256
	qi.Width = 50
	f.quickInput = qi

	placeholders := []string{
		"myapp (required)",
		"3000 (required)",
		"myapp (optional, defaults to id)",
	}
	limits := []int{64, 6, 64}

	f.fields = make([]textinput.Model, fieldCount)
	for i := range f.fields {
		ti := textinput.New()
		ti.Placeholder = placeholders[i]
		ti.CharLimit = limits[i]
		ti.Width = 40
		f.fields[i] = ti
	}

	return f
}

// update processes a key message and returns a formResult if the form is
// complete.
func (f *newServiceForm) update(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch f.mode {
	case formModeSelect:
		return f.updateModeSelect(msg)
	case formModeQuick:
		return f.updateQuick(msg)
	case formModeFull:
		return f.updateFull(msg)
	}
	return nil, nil
}

func (f *newServiceForm) updateModeSelect(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "j", "down":
		if f.modeSel < 1 {
			f.modeSel++
		}
	case "k", "up":
		if f.modeSel > 0 {
			f.modeSel--
		}
	case "enter":
		if f.modeSel == 0 {
			f.mode = formModeQuick
			f.quickInput.Focus()
			return nil, f.quickInput.Cursor.BlinkCmd()
		}
		f.mode = formModeFull
		f.focusIdx = 0
		f.fields[0].Focus()
		return nil, f.fields[0].Cursor.BlinkCmd()
	}
	return nil, nil
}

func (f *newServiceForm) updateQuick(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "enter":
		decl, err := parseQuickExpose(f.quickInput.Value())
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return &formResult{decl: decl}, nil
	default:
		var cmd tea.Cmd
		f.quickInput, cmd = f.quickInput.Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

func (f *newServiceForm) updateFull(msg tea.KeyMsg) (*formResult, tea.Cmd) {
	switch msg.String() {
	case "tab", "shift+tab":
		f.fields[f.focusIdx].Blur()
		if msg.String() == "tab" {
			f.focusIdx = (f.focusIdx + 1) % fieldCount
		} else {
			f.focusIdx = (f.focusIdx - 1 + fieldCount) % fieldCount
		}
		f.fields[f.focusIdx].Focus()
		return nil, f.fields[f.focusIdx].Cursor.BlinkCmd()
	case "ctrl+p":
		f.public = !f.public
		return nil, nil
	case "ctrl+t":
		if f.protocol == model.TunnelProtocolHTTP {
			f.protocol = model.TunnelProtocolTCP
		} else {
			f.protocol = model.TunnelProtocolHTTP
		}
		return nil, nil
	case "enter":
		decl, err := f.buildDeclaration()
		if err != nil {
			f.errMsg = err.Error()
			return nil, nil
		}
		return &formResult{decl: decl}, nil
	default:
		var cmd tea.Cmd
		f.fields[f.focusIdx], cmd = f.fields[f.focusIdx].Update(msg)
		f.errMsg = ""
		return nil, cmd
	}
}

func (f *newServiceForm) buildDeclaration() (model.ServiceDeclaration, error) {
	id := strings.TrimSpace(f.fields[fieldID].Value())
	portStr := strings.TrimSpace(f.fields[fieldPort].Value())
	subdomain := strings.TrimSpace(f.fields[fieldSubdomain].Value())

	if id == "" {
		return model.ServiceDeclaration{}, fmt.Errorf("id is required")
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return model.ServiceDeclaration{}, fmt.Errorf("port must be 1-65535")
	}
	if subdomain == "" {
		subdomain = id
	}

	decl := model.ServiceDeclaration{
		ID:             id,
		Dial:           fmt.Sprintf("127.0.0.1:%d", port),
		Hosts:          []string{id + ".localhost"},
		Public:         f.public,
		Subdomain:      subdomain,
		TunnelProtocol: f.protocol,
	}
	if f.public {
		decl.Hosts = append(decl.Hosts, "${{ macro.tunnelHost() }}")
	}
	return decl, nil
}

// view renders the form panel.
func (f *newServiceForm) view(renderPanel func(string, string, int, lipgloss.Color) string, width int) string {
	accent := lipgloss.Color("214")
	switch f.mode {
	case formModeSelect:
		return renderPanel("New Service", f.modeSelectView(), width, accent)
	case formModeQuick:
		return renderPanel("Quick Expose", f.quickView(), width, accent)
	case formModeFull:
		return renderPanel("New Service - Full Config", f.fullView(), width, accent)
	}
	return ""
}

func (f *newServiceForm) modeSelectView() string {
	var b strings.Builder
	b.WriteString("Choose exposure type:\n\n")

	options := []struct {
		label string
		desc  string
	}{
		{"Quick Expose", "Enter port or name@port and declare it local-only"},
		{"Full Config", "Configure id, subdomain, tunnel protocol and public exposure"},
	}

	for i, opt := range options {
		cursor := "  "
		if i == f.modeSel {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s[%s]  %s\n", cursor, opt.label, opt.desc))
	}

	b.WriteString("\nj/k to select, Enter to confirm, Esc to cancel")
	return b.String()
}

func (f *newServiceForm) quickView() string {
	var b strings.Builder
	b.WriteString("Port to expose:\n\n")
	b.WriteString("  " + f.quickInput.View() + "\n\n")
	b.WriteString("Formats: port | name@port\n")

	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}

	b.WriteString("\nEnter to declare, Esc to cancel")
	return b.String()
}

func (f *newServiceForm) fullView() string {
	labels := []string{"ID:", "Port:", "Subdomain:"}

	var b strings.Builder
	for i, label := range labels {
		cursor := "  "
		if i == f.focusIdx {
			cursor = "> "
		}
		b.WriteString(fmt.Sprintf("%s%-12s %s\n", cursor, label, f.fields[i].View()))
	}

	b.WriteString("\n")
	publicMarker := " "
	if f.public {
		publicMarker = "x"
	}
	b.WriteString(fmt.Sprintf("  Public: (%s) request a tunnel (Ctrl+P to toggle)\n", publicMarker))
	b.WriteString(fmt.Sprintf("  Tunnel protocol: %s (Ctrl+T to toggle)\n", f.protocol))

	if f.errMsg != "" {
		errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
		b.WriteString("\n" + errStyle.Render("Error: "+f.errMsg) + "\n")
	}

	b.WriteString("\nTab/Shift-Tab navigate | Ctrl+P public | Ctrl+T protocol | Enter submit | Esc cancel")
	return b.String()
}

// parseQuickExpose parses a quick-expose string into a ServiceDeclaration.
// Supported formats: port, name@port.
func parseQuickExpose(input string) (model.ServiceDeclaration, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return model.ServiceDeclaration{}, fmt.Errorf("destination cannot be empty")
	}

	id := ""
	portStr := input
	if atIdx := strings.Index(input, "@"); atIdx > 0 {
		id = input[:atIdx]
		portStr = input[atIdx+1:]
	}

	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return model.ServiceDeclaration{}, fmt.Errorf("port must be 1-65535")
	}
	if id == "" {
		id = "expose-" + portStr
	}

	return model.ServiceDeclaration{
		ID:    id,
		Dial:  fmt.Sprintf("127.0.0.1:%d", port),
		Hosts: []string{id + ".localhost"},
	}, nil
}
