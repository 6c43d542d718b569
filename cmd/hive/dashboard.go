package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// refreshInterval paces dashboard polling against the engine API.
const refreshInterval = 2 * time.Second

var (
	dashTitleStyle = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	dashErrStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Padding(0, 1)
	dashEventStyle = lipgloss.NewStyle().Faint(true).Padding(0, 1)
	dashBoxStyle   = lipgloss.NewStyle().
			BorderStyle(lipgloss.NormalBorder()).
			BorderForeground(lipgloss.Color("240"))
)

type dashEvent struct {
	Topic     string    `json:"Topic"`
	WorkerID  string    `json:"WorkerID"`
	CreatedAt time.Time `json:"CreatedAt"`
}

type refreshMsg struct {
	workers []workerView
	events  []dashEvent
	err     error
}

type dashModel struct {
	client *client
	table  table.Model
	events []dashEvent
	err    error
	width  int
}

func newDashModel(c *client) dashModel {
	columns := []table.Column{
		{Title: "ID", Width: 36},
		{Title: "Status", Width: 12},
		{Title: "Name", Width: 14},
		{Title: "Branch", Width: 28},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(12),
	)
	return dashModel{client: c, table: t}
}

func (m dashModel) Init() tea.Cmd {
	return m.refresh
}

func (m dashModel) refresh() tea.Msg {
	var workers struct {
		Workers []workerView `json:"workers"`
	}
	if err := m.client.get("/api/workers", &workers); err != nil {
		return refreshMsg{err: err}
	}
	var history struct {
		Events []dashEvent `json:"events"`
	}
	// History is optional; the archive may be disabled.
	_ = m.client.get("/api/events/history?limit=12", &history)
	return refreshMsg{workers: workers.Workers, events: history.Events}
}

func scheduleRefresh() tea.Cmd {
	return tea.Tick(refreshInterval, func(time.Time) tea.Msg { return tickMsg{} })
}

type tickMsg struct{}

func (m dashModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width = msg.Width
	case tickMsg:
		return m, m.refresh
	case refreshMsg:
		m.err = msg.err
		if msg.err == nil {
			rows := make([]table.Row, 0, len(msg.workers))
			for _, w := range msg.workers {
				rows = append(rows, table.Row{w.ID, w.Status, w.Name, w.Branch})
			}
			m.table.SetRows(rows)
			m.events = msg.events
		}
		return m, scheduleRefresh()
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m dashModel) View() string {
	out := dashTitleStyle.Render("hive — workers") + "\n"
	out += dashBoxStyle.Render(m.table.View()) + "\n"

	if m.err != nil {
		out += dashErrStyle.Render("engine unreachable: "+m.err.Error()) + "\n"
	}

	out += dashTitleStyle.Render("events") + "\n"
	for _, ev := range m.events {
		line := fmt.Sprintf("%s  %-26s  %s",
			ev.CreatedAt.Local().Format("15:04:05"), ev.Topic, ev.WorkerID)
		out += dashEventStyle.Render(line) + "\n"
	}
	out += dashEventStyle.Render("q to quit")
	return out
}
