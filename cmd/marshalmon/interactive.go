package main

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/wippyai/marshal-runtime/proxy"
	"github.com/wippyai/marshal-runtime/typemarshal"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))

	paneStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#7D56F4")).
			Padding(0, 1)
)

const refreshInterval = 500 * time.Millisecond

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputArgs
	stateShowResult
)

type monitorModel struct {
	err      error
	host     *host
	stubs    table.Model
	proxies  table.Model
	result   string
	handles  []*proxy.Handle
	inputs   []textinput.Model
	selected int
	focusIdx int
	state    modelState
}

type tickMsg time.Time

type callResultMsg struct {
	err    error
	result string
}

type exportedMsg struct {
	err    error
	handle *proxy.Handle
}

func newMonitorModel(h *host) *monitorModel {
	stubs := table.New(
		table.WithColumns([]table.Column{
			{Title: "Apt", Width: 4},
			{Title: "Model", Width: 7},
			{Title: "Stub", Width: 5},
			{Title: "Type", Width: 22},
			{Title: "Locks", Width: 5},
			{Title: "Strong", Width: 6},
			{Title: "Weak", Width: 4},
			{Title: "Tickets", Width: 7},
		}),
		table.WithHeight(6),
	)
	proxies := table.New(
		table.WithColumns([]table.Column{
			{Title: "Apt", Width: 4},
			{Title: "Stub", Width: 5},
			{Title: "Bound", Width: 5},
			{Title: "Context", Width: 13},
			{Title: "Refs", Width: 4},
			{Title: "Calls", Width: 6},
		}),
		table.WithHeight(6),
	)
	m := &monitorModel{host: h, stubs: stubs, proxies: proxies, state: stateSelectFunc}
	m.refresh()
	return m
}

func tick() tea.Cmd {
	return tea.Tick(refreshInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *monitorModel) Init() tea.Cmd {
	return tea.Batch(m.export, tick())
}

func (m *monitorModel) export() tea.Msg {
	handle, err := m.host.export(context.Background())
	return exportedMsg{handle: handle, err: err}
}

func (m *monitorModel) methods() []typemarshal.Method {
	return m.host.iface.Methods
}

func (m *monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			m.releaseAll()
			return m, tea.Quit

		case "q":
			if m.state != stateInputArgs {
				m.releaseAll()
				return m, tea.Quit
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.methods())-1 {
				m.selected++
			}

		case "n":
			if m.state == stateSelectFunc {
				return m, m.export
			}

		case "r":
			if m.state == stateSelectFunc && len(m.handles) > 0 {
				last := len(m.handles) - 1
				m.handles[last].Release()
				m.handles = m.handles[:last]
				m.refresh()
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.handles) == 0 {
					m.err = fmt.Errorf("no proxy held, press n to export an object")
					m.state = stateShowResult
					return m, nil
				}
				m.prepareInputs()
				if len(m.inputs) == 0 {
					return m, m.callMethod
				}
				m.state = stateInputArgs

			case stateInputArgs:
				return m, m.callMethod

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}

		case "tab":
			if m.state == stateInputArgs && len(m.inputs) > 1 {
				m.inputs[m.focusIdx].Blur()
				m.focusIdx = (m.focusIdx + 1) % len(m.inputs)
				m.inputs[m.focusIdx].Focus()
			}

		case "esc":
			switch m.state {
			case stateInputArgs:
				m.state = stateSelectFunc
				m.inputs = nil
			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
		}

	case tickMsg:
		m.refresh()
		return m, tick()

	case exportedMsg:
		if msg.err != nil {
			m.err = msg.err
			m.state = stateShowResult
			return m, nil
		}
		m.handles = append(m.handles, msg.handle)
		m.refresh()

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
		m.refresh()
	}

	if m.state == stateInputArgs {
		var cmds []tea.Cmd
		for i := range m.inputs {
			var cmd tea.Cmd
			m.inputs[i], cmd = m.inputs[i].Update(msg)
			cmds = append(cmds, cmd)
		}
		return m, tea.Batch(cmds...)
	}

	return m, nil
}

func (m *monitorModel) prepareInputs() {
	method := m.methods()[m.selected]
	m.inputs = make([]textinput.Model, len(method.Params))
	for i, p := range method.Params {
		ti := textinput.New()
		ti.Placeholder = witTypeStr(p.Type)
		ti.Prompt = p.Name + ": "
		ti.Width = 40
		if i == 0 {
			ti.Focus()
		}
		m.inputs[i] = ti
	}
	m.focusIdx = 0
}

// callMethod calls the selected method through the newest proxy.
func (m *monitorModel) callMethod() tea.Msg {
	method := m.methods()[m.selected]
	raw := make([]string, len(m.inputs))
	for i, input := range m.inputs {
		raw[i] = input.Value()
	}
	out, err := m.host.call(context.Background(), m.handles[len(m.handles)-1], method.Name, raw)
	if err != nil {
		return callResultMsg{err: err}
	}
	return callResultMsg{result: fmt.Sprintf("%v", out)}
}

func (m *monitorModel) releaseAll() {
	for _, h := range m.handles {
		h.Release()
	}
	m.handles = nil
}

func (m *monitorModel) refresh() {
	snap := m.host.rt.Snapshot()
	var stubRows []table.Row
	for _, a := range snap.Apartments {
		for _, e := range a.Stubs {
			stubRows = append(stubRows, table.Row{
				u64(uint64(a.ID)), a.Model.String(), u64(uint64(e.ID)), e.Type,
				u64(uint64(e.Locks)), u64(uint64(e.Strong)), u64(uint64(e.Weak)), strconv.Itoa(e.Tickets),
			})
		}
	}
	m.stubs.SetRows(stubRows)

	proxyRows := make([]table.Row, 0, len(snap.Proxies))
	for _, p := range snap.Proxies {
		proxyRows = append(proxyRows, table.Row{
			u64(uint64(p.Key.Apartment)), u64(uint64(p.Key.Object)), u64(uint64(p.Key.Binding)),
			p.Context.String(), strconv.Itoa(p.Refs), u64(p.Calls),
		})
	}
	m.proxies.SetRows(proxyRows)
}

func u64(v uint64) string { return strconv.FormatUint(v, 10) }

func (m *monitorModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("Marshal Monitor"))
	b.WriteString(" ")
	b.WriteString(m.host.source)
	b.WriteString(" ")
	b.WriteString(typeStyle.Render(m.host.mode.String()))
	b.WriteString("\n\n")

	snap := m.host.rt.Snapshot()
	b.WriteString(fmt.Sprintf("%d locks • %d proxies held here • %d handles\n", snap.Locks(), len(m.handles), snap.Handles))
	b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top,
		paneStyle.Render("Stubs\n"+m.stubs.View()),
		paneStyle.Render("Proxies\n"+m.proxies.View()),
	))
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		b.WriteString("Select a method to call:\n\n")
		for i, method := range m.methods() {
			cursor := "  "
			if i == m.selected {
				cursor = "> "
				b.WriteString(selectedStyle.Render(cursor + m.formatMethod(method)))
			} else {
				b.WriteString(cursor + m.formatMethod(method))
			}
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • n export • r release • q quit"))

	case stateInputArgs:
		method := m.methods()[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(method.Name)))
		for i, input := range m.inputs {
			b.WriteString(input.View())
			b.WriteString(" ")
			b.WriteString(typeStyle.Render(witTypeStr(method.Params[i].Type)))
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("tab next field • enter call • esc back"))

	case stateShowResult:
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
		} else {
			method := m.methods()[m.selected]
			b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(method.Name)))
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func (m *monitorModel) formatMethod(method typemarshal.Method) string {
	var params []string
	for _, p := range method.Params {
		params = append(params, p.Name+": "+typeStyle.Render(witTypeStr(p.Type)))
	}
	result := ""
	if len(method.Results) > 0 {
		result = " -> " + typeStyle.Render(witTypeStr(method.Results[0].Type))
	}
	return funcStyle.Render(method.Name) + "(" + strings.Join(params, ", ") + ")" + result
}

func runInteractive(h *host) error {
	p := tea.NewProgram(newMonitorModel(h), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
