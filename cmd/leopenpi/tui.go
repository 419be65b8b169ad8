package main

import (
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/NimbleMarkets/ntcharts/canvas/runes"
	"github.com/NimbleMarkets/ntcharts/linechart/streamlinechart"

	"github.com/leopenpi/leopenpi/pkg/episode"
)

const (
	headerHeight = 2 // title + blank line
	legendHeight = 2 // legend row + blank
	footerHeight = 7 // log box height
	maxLogs      = 5 // number of log messages to show
	borderSize   = 2 // chart border
)

// jointColors is the chart line palette, in joint order.
var jointColors = []string{
	"196", // red
	"208", // orange
	"226", // yellow
	"46",  // green
	"51",  // cyan
	"201", // magenta
}

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	chartStyle  = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	statusStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	alertStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
)

// runModel renders the live episode view: commanded joint positions as a
// streaming chart, lifecycle events in a log box.
type runModel struct {
	joints []string
	events <-chan episode.Event

	chart  *streamlinechart.Model
	width  int
	height int
	logs   []string

	status   episode.Status
	step     int
	degraded bool
	quitting bool
	summary  *episode.EpisodeSummary

	lastPositions []float64 // previous commanded positions, to freeze the chart when idle
}

func newRunModel(prompt string, joints []string, events <-chan episode.Event) runModel {
	chart := streamlinechart.New(80, 20,
		streamlinechart.WithYRange(-100, 100),
	)
	for i, name := range joints {
		style := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColor(i)))
		chart.SetDataSetStyles(name, runes.ThinLineStyle, style)
	}

	return runModel{
		joints: joints,
		events: events,
		chart:  &chart,
		status: episode.Initializing,
		logs:   []string{"task: " + prompt},
	}
}

func jointColor(i int) string {
	return jointColors[i%len(jointColors)]
}

func (m *runModel) addLog(msg string) {
	m.logs = append(m.logs, msg)
	if len(m.logs) > maxLogs {
		m.logs = m.logs[len(m.logs)-maxLogs:]
	}
}

// hasMovement reports whether any commanded position changed since the last
// step, so an idle arm freezes the chart instead of scrolling it.
func (m *runModel) hasMovement(positions []float64) bool {
	if m.lastPositions == nil || len(positions) != len(m.lastPositions) {
		return true
	}
	for i, pos := range positions {
		if pos != m.lastPositions[i] {
			return true
		}
	}
	return false
}

type eventMsg struct{ event episode.Event }

func waitForEvent(events <-chan episode.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg{event: <-events}
	}
}

// chartSize calculates the size of the chart based on terminal dimensions
func (m *runModel) chartSize() (width, height int) {
	if m.width == 0 || m.height == 0 {
		return 80, 20 // default size before we know terminal size
	}
	width = m.width - borderSize - 2
	if width < 40 {
		width = 40
	}
	height = m.height - headerHeight - legendHeight - footerHeight - borderSize
	if height < 10 {
		height = 10
	}
	return width, height
}

func (m *runModel) resizeChart() {
	w, h := m.chartSize()
	m.chart.Resize(w, h)
}

func (m runModel) Init() tea.Cmd {
	return waitForEvent(m.events)
}

func (m runModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resizeChart()
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}

	case eventMsg:
		switch ev := msg.event.(type) {
		case *episode.StateTransition:
			m.status = ev.To
			m.addLog(fmt.Sprintf("state: %s", ev.To))

		case *episode.StepCompleted:
			m.step = ev.Step + 1
			m.degraded = ev.Degraded
			if m.hasMovement(ev.Positions) {
				for i, name := range m.joints {
					if i < len(ev.Positions) {
						m.chart.PushDataSet(name, ev.Positions[i])
					}
				}
				m.chart.DrawAll()
				m.lastPositions = ev.Positions
			}

		case *episode.PolicyError:
			m.addLog(fmt.Sprintf("step %d: policy %s", ev.Step, ev.Kind))

		case *episode.CameraDegraded:
			m.addLog(fmt.Sprintf("camera %s degraded (stale %s)", ev.Camera, ev.StaleFor.Round(time.Millisecond)))

		case *episode.EpisodeSummary:
			m.summary = ev
			m.quitting = true
			return m, tea.Quit
		}
		return m, waitForEvent(m.events)
	}

	return m, nil
}

func (m runModel) View() string {
	if m.quitting {
		if m.summary != nil {
			return fmt.Sprintf("Episode %s after %d steps.\n", m.summary.Status, m.summary.StepsRun)
		}
		return "Run aborted.\n"
	}

	var sb strings.Builder

	// Header
	sb.WriteString(titleStyle.Render("leopenpi run"))
	sb.WriteString(fmt.Sprintf(" - %s - step %d", m.status, m.step))
	if m.degraded {
		sb.WriteString(" " + alertStyle.Render("[degraded]"))
	}
	sb.WriteString("\n\n")

	// Chart
	sb.WriteString(chartStyle.Render(m.chart.View()))
	sb.WriteString("\n")

	// Legend
	sb.WriteString(m.renderLegend())
	sb.WriteString("\n")

	// Log box
	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Width(m.width - 4)

	var logLines string
	if len(m.logs) == 0 {
		logLines = statusStyle.Render("Press 'q' to abort")
	} else {
		logLines = strings.Join(m.logs, "\n")
	}
	sb.WriteString(logStyle.Render(logLines))
	sb.WriteString("\n")

	return sb.String()
}

func (m runModel) renderLegend() string {
	var items []string
	for i, name := range m.joints {
		colorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color(jointColor(i))).Bold(true)
		items = append(items, colorStyle.Render("━━")+" "+name)
	}
	return strings.Join(items, "  ")
}
