// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/optobridge/internal/config"
	"github.com/Thermoquad/optobridge/internal/metrics"
	"github.com/Thermoquad/optobridge/internal/publish"
	"github.com/Thermoquad/optobridge/pkg/vs2"
)

// monitorSource is the part of the running service the TUI reads
type monitorSource interface {
	Statistics() *metrics.Statistics
	BusState() string
	Flowing() bool
	PollBacklog() int
}

// Event log entry
type eventLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// TUI model
type model struct {
	source       monitorSource
	gatewayPort  string
	controlPort  string
	mode         string
	maxDecimals  int
	bufferFormat string

	samples <-chan publish.Sample
	events  <-chan string
	done    <-chan error

	values        map[uint16]publish.Sample
	table         table.Model
	eventLog      []eventLogEntry
	maxLogEntries int
	started       time.Time
	stopped       bool
	width         int
	height        int
	quitting      bool
}

// Messages
type tickMsg time.Time
type sampleMsg publish.Sample
type eventMsg string
type doneMsg struct {
	err error
}

var valueColumns = []table.Column{
	{Title: "Name", Width: 24},
	{Title: "Address", Width: 8},
	{Title: "Value", Width: 20},
	{Title: "Age", Width: 8},
}

func initialModel(source monitorSource, samples <-chan publish.Sample, events <-chan string, done <-chan error) model {
	t := table.New(
		table.WithColumns(valueColumns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("229")).
		Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return model{
		source:        source,
		mode:          "pass-through",
		maxDecimals:   config.DefaultMaxDecimals,
		bufferFormat:  publish.BufferHex,
		samples:       samples,
		events:        events,
		done:          done,
		values:        make(map[uint16]publish.Sample),
		table:         t,
		eventLog:      []eventLogEntry{},
		maxLogEntries: 100,
		started:       time.Now(),
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(
		tickCmd(),
		waitForSample(m.samples),
		waitForEvent(m.events),
		waitForDone(m.done),
		tea.EnterAltScreen,
	)
}

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForSample(ch <-chan publish.Sample) tea.Cmd {
	return func() tea.Msg {
		return sampleMsg(<-ch)
	}
}

func waitForEvent(ch <-chan string) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

func waitForDone(ch <-chan error) tea.Cmd {
	return func() tea.Msg {
		return doneMsg{err: <-ch}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		// Reserve space for header, stats and events
		h := m.height - 22
		if h < 5 {
			h = 5
		}
		m.table.SetHeight(h)
		return m, nil

	case tickMsg:
		m.refreshRows(time.Time(msg))
		return m, tickCmd()

	case sampleMsg:
		s := publish.Sample(msg)
		if _, seen := m.values[s.Addr]; !seen && !s.Known {
			m.addLogEntry(fmt.Sprintf("New unknown address %s (%d bytes)", vs2.FormatAddr(s.Addr), payloadLen(s.Value)), false)
		}
		m.values[s.Addr] = s
		m.refreshRows(time.Now())
		return m, waitForSample(m.samples)

	case eventMsg:
		line := strings.TrimRight(string(msg), "\n")
		if line != "" {
			m.addLogEntry(line, isErrorLine(line))
		}
		return m, waitForEvent(m.events)

	case doneMsg:
		m.stopped = true
		if msg.err != nil {
			m.addLogEntry("Bridge stopped: "+msg.err.Error(), true)
		} else {
			m.addLogEntry("Bridge stopped", false)
		}
		return m, nil
	}

	return m, nil
}

func (m *model) addLogEntry(message string, isError bool) {
	entry := eventLogEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	}
	m.eventLog = append(m.eventLog, entry)

	// Keep only last N entries
	if len(m.eventLog) > m.maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-m.maxLogEntries:]
	}
}

// refreshRows rebuilds the value table sorted by label
func (m *model) refreshRows(now time.Time) {
	samples := make([]publish.Sample, 0, len(m.values))
	for _, s := range m.values {
		samples = append(samples, s)
	}
	sort.Slice(samples, func(i, j int) bool {
		if samples[i].Known != samples[j].Known {
			return samples[i].Known
		}
		if samples[i].Known {
			return samples[i].Name < samples[j].Name
		}
		return samples[i].Addr < samples[j].Addr
	})

	rows := make([]table.Row, 0, len(samples))
	for _, s := range samples {
		rows = append(rows, table.Row{
			s.Label(),
			vs2.FormatAddr(s.Addr),
			publish.FormatPayload(s.Value, m.maxDecimals, m.bufferFormat),
			formatAge(now.Sub(s.Time)),
		})
	}
	m.table.SetRows(rows)
}

func payloadLen(v any) int {
	if b, ok := v.([]byte); ok {
		return len(b)
	}
	return 0
}

// isErrorLine spots warn and error lines of the console log format
func isErrorLine(line string) bool {
	return strings.Contains(line, "WRN") || strings.Contains(line, "ERR") || strings.Contains(line, "FTL")
}

// formatAge formats a duration as a short age like 3s, 5m or 2h
func formatAge(d time.Duration) string {
	switch {
	case d < 0:
		return "0s"
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	default:
		return fmt.Sprintf("%dh", int(d.Hours()))
	}
}

// formatUptime formats a duration as a human-friendly string
func formatUptime(d time.Duration) string {
	seconds := int64(d / time.Second)
	if seconds <= 0 {
		return "0 seconds"
	}

	units := []struct {
		name string
		size int64
	}{
		{"day", 86400},
		{"hour", 3600},
		{"minute", 60},
		{"second", 1},
	}

	parts := []string{}
	for _, u := range units {
		n := seconds / u.size
		seconds %= u.size
		if n == 0 {
			continue
		}
		if n == 1 {
			parts = append(parts, "1 "+u.name)
		} else {
			parts = append(parts, fmt.Sprintf("%d %ss", n, u.name))
		}
	}

	// Join with commas and "and" for last item
	if len(parts) == 1 {
		return parts[0]
	}
	last := parts[len(parts)-1]
	return strings.Join(parts[:len(parts)-1], ", ") + " and " + last
}

func (m model) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	statsLabelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	statsValueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9")).
		Bold(true)

	warningStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("11"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	// Header
	var s strings.Builder
	s.WriteString(titleStyle.Render("OPTOBRIDGE - MONITOR"))
	s.WriteString("\n")
	s.WriteString(headerStyle.Render(fmt.Sprintf("Gateway: %s | Controller: %s | Mode: %s | Press 'q' to quit",
		m.gatewayPort, m.controlPort, m.mode)))
	s.WriteString("\n\n")

	// Bus status
	switch {
	case m.stopped:
		s.WriteString(errorStyle.Render("✗ Bridge stopped"))
	case m.source.Flowing():
		s.WriteString(statsValueStyle.Render("✓ Bus flowing"))
	default:
		s.WriteString(warningStyle.Render(fmt.Sprintf("⏳ Waiting for synchronization (%s)...", m.source.BusState())))
	}
	s.WriteString(headerStyle.Render("   up " + formatUptime(time.Since(m.started))))
	s.WriteString("\n\n")

	// Statistics
	snap := m.source.Statistics().Snapshot()
	errors := snap.FormatErrors + snap.ProtocolErrors + snap.InterceptErrors + snap.IOErrors

	statsContent := strings.Builder{}
	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s   %s %s\n",
		statsLabelStyle.Render("Chunks:"), statsValueStyle.Render(fmt.Sprintf("%d (%d bytes)", snap.Chunks, snap.Bytes)),
		statsLabelStyle.Render("Packets:"), statsValueStyle.Render(fmt.Sprintf("%d", snap.Packets)),
		statsLabelStyle.Render("Published:"), statsValueStyle.Render(fmt.Sprintf("%d (%d unknown)", snap.Published, snap.Unknown)),
	))

	if errors > 0 {
		statsContent.WriteString(fmt.Sprintf("%s %s (%s: %d, %s: %d, %s: %d, %s: %d)\n",
			statsLabelStyle.Render("Errors:"), errorStyle.Render(fmt.Sprintf("%d", errors)),
			headerStyle.Render("format"), snap.FormatErrors,
			headerStyle.Render("protocol"), snap.ProtocolErrors,
			headerStyle.Render("intercept"), snap.InterceptErrors,
			headerStyle.Render("I/O"), snap.IOErrors,
		))
	}

	if m.mode == "intercept" {
		statsContent.WriteString(fmt.Sprintf("%s %s   %s %s\n",
			statsLabelStyle.Render("Polls:"), statsValueStyle.Render(fmt.Sprintf("%d sent, %d answered", snap.PollsSent, snap.PollAnswers)),
			statsLabelStyle.Render("Backlog:"), statsValueStyle.Render(fmt.Sprintf("%d", m.source.PollBacklog())),
		))
	}

	statsContent.WriteString(fmt.Sprintf("%s %s   %s %s",
		statsLabelStyle.Render("Packet Rate:"), statsValueStyle.Render(fmt.Sprintf("%.1f pkts/s", snap.PacketRate)),
		statsLabelStyle.Render("Error Rate:"), func() string {
			if snap.ErrorRate > 0 {
				return errorStyle.Render(fmt.Sprintf("%.1f err/s", snap.ErrorRate))
			}
			return statsValueStyle.Render(fmt.Sprintf("%.1f err/s", snap.ErrorRate))
		}(),
	))

	s.WriteString(boxStyle.Render(statsContent.String()))
	s.WriteString("\n\n")

	// Values
	s.WriteString(statsLabelStyle.Render("Latest Values:"))
	s.WriteString("\n")
	if len(m.values) == 0 {
		s.WriteString(boxStyle.Render(headerStyle.Render("(no values yet)")))
	} else {
		s.WriteString(boxStyle.Render(m.table.View()))
	}
	s.WriteString("\n\n")

	// Event log
	s.WriteString(statsLabelStyle.Render("Recent Events:"))
	s.WriteString("\n")

	logHeight := 5
	logContent := strings.Builder{}
	startIdx := len(m.eventLog) - logHeight
	if startIdx < 0 {
		startIdx = 0
	}

	if len(m.eventLog) == 0 {
		logContent.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for i := startIdx; i < len(m.eventLog); i++ {
			entry := m.eventLog[i]
			timestamp := entry.timestamp.Format("15:04:05")
			if entry.isError {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					errorStyle.Render("✗ "+entry.message),
				))
			} else {
				logContent.WriteString(fmt.Sprintf("%s %s\n",
					headerStyle.Render(timestamp),
					warningStyle.Render("ℹ "+entry.message),
				))
			}
		}
	}

	width := m.width - 4
	if width < 20 {
		width = 20
	}
	s.WriteString(boxStyle.Width(width).Render(logContent.String()))

	return s.String()
}
