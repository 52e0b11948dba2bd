// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/bmslink/pkg/bus"
	"github.com/Thermoquad/bmslink/pkg/client"
)

// Event log entry
type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// Styles
var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("12")).
			Background(lipgloss.Color("235")).
			Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	statsLabelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)

	statsValueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9")).
			Bold(true)

	warningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1)
)

// Messages
type tickMsg time.Time
type uartLogMsg client.UartLogEntry
type statsMsg client.Stats
type connectedMsg client.ConnectedEvent
type readingMsg PollReading
type commandDoneMsg struct {
	line   string
	output string
	err    error
}

// runner executes a console line on behalf of the TUI
type runner func(line string) (string, error)

// TUI model
type monitorModel struct {
	connInfo      string
	state         client.State
	stats         client.Stats
	probe         *client.ConnectedEvent
	readings      []PollReading
	lastPoll      time.Time
	eventLog      []logEntry
	maxLogEntries int

	logView viewport.Model
	spin    spinner.Model
	input   textinput.Model
	busy    bool
	run     runner

	width    int
	height   int
	quitting bool
}

// formatUptime formats uptime in milliseconds to human-friendly string
func formatUptime(ms uint64) string {
	if ms == 0 {
		return "0 seconds"
	}

	seconds := ms / 1000
	minutes := seconds / 60
	hours := minutes / 60
	days := hours / 24

	seconds %= 60
	minutes %= 60
	hours %= 24

	plural := func(n uint64, unit string) string {
		if n == 1 {
			return "1 " + unit
		}
		return fmt.Sprintf("%d %ss", n, unit)
	}

	parts := []string{}
	if days > 0 {
		parts = append(parts, plural(days, "day"))
	}
	if hours > 0 {
		parts = append(parts, plural(hours, "hour"))
	}
	if minutes > 0 {
		parts = append(parts, plural(minutes, "minute"))
	}
	if seconds > 0 || len(parts) == 0 {
		parts = append(parts, plural(seconds, "second"))
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	if len(parts) == 2 {
		return parts[0] + " and " + parts[1]
	}
	last := parts[len(parts)-1]
	rest := strings.Join(parts[:len(parts)-1], ", ")
	return rest + ", and " + last
}

func newMonitorModel(connInfo string, state client.State, run runner) monitorModel {
	ti := textinput.New()
	ti.Placeholder = "read 0x012C | write ADDR VALUE | query soc | reset stats"
	ti.Prompt = "> "
	ti.CharLimit = 128
	ti.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return monitorModel{
		connInfo:      connInfo,
		state:         state,
		eventLog:      make([]logEntry, 0),
		maxLogEntries: 500,
		logView:       viewport.New(76, 8),
		spin:          sp,
		input:         ti,
		run:           run,
		width:         80,
		height:        24,
	}
}

func (m monitorModel) Init() tea.Cmd {
	return tea.Batch(tickCmd(), textinput.Blink)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// decodeBusMessage turns a bus message into a TUI message, or nil
func decodeBusMessage(msg bus.Message) tea.Msg {
	switch {
	case msg.Topic == client.TopicUartLog:
		if e, err := client.DecodeUartLog(msg.Payload); err == nil {
			return uartLogMsg(e)
		}
	case msg.Topic == client.TopicStats:
		if e, err := client.DecodeStats(msg.Payload); err == nil {
			return statsMsg(e.Stats)
		}
	case msg.Topic == client.TopicConnected:
		if e, err := client.DecodeConnected(msg.Payload); err == nil {
			return connectedMsg(e)
		}
	case strings.HasPrefix(msg.Topic, TopicPollPrefix):
		var r PollReading
		if err := cbor.Unmarshal(msg.Payload, &r); err == nil {
			return readingMsg(r)
		}
	}
	return nil
}

func (m monitorModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.logView, cmd = m.logView.Update(msg)
			return m, cmd
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			if line == "" || m.busy {
				return m, nil
			}
			m.input.SetValue("")
			m.busy = true
			return m, tea.Batch(m.spin.Tick, m.execute(line))
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeLog()

	case tickMsg:
		return m, tickCmd()

	case spinner.TickMsg:
		if !m.busy {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case commandDoneMsg:
		m.busy = false
		if msg.err != nil {
			m.addLogEntry(fmt.Sprintf("%s: %v", msg.line, msg.err), true)
		} else {
			for _, l := range strings.Split(strings.TrimRight(msg.output, "\n"), "\n") {
				if l != "" {
					m.addLogEntry(l, false)
				}
			}
		}
		return m, nil

	case uartLogMsg:
		m.addLogEntry(msg.Message, !msg.Success)
		return m, nil

	case statsMsg:
		m.stats = client.Stats(msg)
		return m, nil

	case connectedMsg:
		e := client.ConnectedEvent(msg)
		m.probe = &e
		m.state = client.StateConnected
		m.addLogEntry(fmt.Sprintf("Connected: probe 0x%04X = %d", e.ProbeRegister, e.ProbeValue), false)
		return m, nil

	case readingMsg:
		m.setReading(PollReading(msg))
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m monitorModel) execute(line string) tea.Cmd {
	run := m.run
	return func() tea.Msg {
		out, err := run(line)
		return commandDoneMsg{line: line, output: out, err: err}
	}
}

// setReading replaces the reading with the same name or appends it
func (m *monitorModel) setReading(r PollReading) {
	m.lastPoll = time.Now()
	for i := range m.readings {
		if m.readings[i].Name == r.Name {
			m.readings[i] = r
			return
		}
	}
	m.readings = append(m.readings, r)
}

func (m *monitorModel) addLogEntry(message string, isError bool) {
	entry := logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}

	atBottom := m.logView.AtBottom()
	m.logView.SetContent(m.renderLog())
	if atBottom {
		m.logView.GotoBottom()
	}
}

func (m *monitorModel) resizeLog() {
	// Reserve space for header, stats, readings and input
	height := m.height - 16 - len(m.readings)
	if height < 5 {
		height = 5
	}
	m.logView.Width = m.width - 6
	m.logView.Height = height
	m.logView.SetContent(m.renderLog())
	m.logView.GotoBottom()
}

func (m monitorModel) renderLog() string {
	if len(m.eventLog) == 0 {
		return headerStyle.Render("  (no events yet)")
	}
	var b strings.Builder
	for _, entry := range m.eventLog {
		timestamp := entry.timestamp.Format("15:04:05.000")
		if entry.isError {
			fmt.Fprintf(&b, "%s %s\n", headerStyle.Render(timestamp), errorStyle.Render("✗ "+entry.message))
		} else {
			fmt.Fprintf(&b, "%s %s\n", headerStyle.Render(timestamp), warningStyle.Render("ℹ "+entry.message))
		}
	}
	return strings.TrimSuffix(b.String(), "\n")
}

func (m monitorModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("BMSLINK - TINYBMS MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("%s | Esc to quit | PgUp/PgDn scroll log", m.connInfo)))
	s.WriteString("\n\n")

	switch m.state {
	case client.StateConnected:
		s.WriteString(statsValueStyle.Render("✓ Connected"))
		if m.probe != nil {
			s.WriteString(headerStyle.Render(fmt.Sprintf(" (fully charged voltage %d mV)", m.probe.ProbeValue)))
		}
	case client.StateError:
		s.WriteString(errorStyle.Render("✗ BMS not answering"))
	default:
		s.WriteString(warningStyle.Render("⏳ " + m.state.String()))
	}
	s.WriteString("\n\n")

	// Statistics
	st := m.stats
	failed := st.ReadsFailed + st.WritesFailed
	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Transactions:"), statsValueStyle.Render(fmt.Sprintf("%d", st.Transactions())),
		statsLabelStyle.Render("Success:"), statsValueStyle.Render(fmt.Sprintf("%.1f%%", st.SuccessRate())),
		statsLabelStyle.Render("Failed:"), func() string {
			if failed > 0 {
				return errorStyle.Render(fmt.Sprintf("%d", failed))
			}
			return statsValueStyle.Render("0")
		}(),
	))
	if st.CRCErrors > 0 || st.Timeouts > 0 || st.Nacks > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
			statsLabelStyle.Render("CRC:"), errorStyle.Render(fmt.Sprintf("%d", st.CRCErrors)),
			statsLabelStyle.Render("Timeouts:"), errorStyle.Render(fmt.Sprintf("%d", st.Timeouts)),
			statsLabelStyle.Render("NACKs:"), errorStyle.Render(fmt.Sprintf("%d", st.Nacks)),
		))
	}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s",
		statsLabelStyle.Render("Retries:"), warningStyle.Render(fmt.Sprintf("%d", st.Retries)),
		statsLabelStyle.Render("Queue max:"), statsValueStyle.Render(fmt.Sprintf("%d", st.QueueDepthMax)),
		statsLabelStyle.Render("Latency:"), statsValueStyle.Render(fmt.Sprintf("%d ms", st.AvgLatencyMs)),
	))
	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n")

	// Polled registers
	if len(m.readings) > 0 {
		s.WriteString(statsLabelStyle.Render(fmt.Sprintf("Registers (%s):", m.lastPoll.Format("15:04:05"))))
		s.WriteString("\n")
		readings := strings.Builder{}
		for i, r := range m.readings {
			if i > 0 {
				readings.WriteString("\n")
			}
			if r.Error != "" {
				readings.WriteString(errorStyle.Render(formatReading(r)))
			} else {
				readings.WriteString(statsValueStyle.Render(formatReading(r)))
			}
		}
		s.WriteString(boxStyle.Render(readings.String()))
		s.WriteString("\n")
	}

	s.WriteString(statsLabelStyle.Render("UART Log:"))
	s.WriteString("\n")
	s.WriteString(boxStyle.Width(m.width - 4).Render(m.logView.View()))
	s.WriteString("\n")

	if m.busy {
		s.WriteString(m.spin.View() + " ")
	}
	s.WriteString(m.input.View())

	return s.String()
}
