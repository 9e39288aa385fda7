// Package watch renders a live terminal view of one batch, polling the API
// until the batch reaches a terminal state.
package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"fleet-execution-manager/internal/models"
	"fleet-execution-manager/internal/orchestrator"
)

var (
	headerStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#5B8DEF"))
	statusStyleOK     = lipgloss.NewStyle().Foreground(lipgloss.Color("#4CAF50")).Bold(true)
	statusStyleFailed = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	statusStyleActive = lipgloss.NewStyle().Foreground(lipgloss.Color("#5B8DEF")).Bold(true)
	statusStyleQueued = lipgloss.NewStyle().Foreground(lipgloss.Color("#F7B801"))
	dimStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("#888888"))
	errStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B"))
)

type statusMsg struct {
	status orchestrator.BatchStatus
	err    error
}

// Model is the bubbletea model for watching a single batch.
type Model struct {
	client   *Client
	batchID  string
	interval time.Duration

	spinner  spinner.Model
	progress progress.Model

	status orchestrator.BatchStatus
	loaded bool
	done   bool
	err    error
	width  int
}

func NewModel(client *Client, batchID string, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusStyleActive
	return Model{
		client:   client,
		batchID:  batchID,
		interval: interval,
		spinner:  sp,
		progress: progress.New(progress.WithDefaultGradient()),
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, func() tea.Msg { return m.fetchStatus() })
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {

	case tea.WindowSizeMsg:
		m.width = msg.Width
		w := msg.Width - 8
		if w > 60 {
			w = 60
		}
		if w > 0 {
			m.progress.Width = w
		}
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
		return m, nil

	case statusMsg:
		if msg.err != nil {
			// Keep the last good view and retry; a batch queried right
			// after creation can be briefly unknown.
			m.err = msg.err
			return m, m.scheduleFetch()
		}
		m.err = nil
		m.loaded = true
		m.status = msg.status
		if batchDone(msg.status.Batch.Status) {
			m.done = true
			return m, nil
		}
		return m, m.scheduleFetch()

	case spinner.TickMsg:
		if m.done {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m Model) View() string {
	if !m.loaded {
		lines := []string{m.spinner.View() + " fetching batch " + m.batchID}
		if m.err != nil {
			lines = append(lines, errStyle.Render("⚠ "+m.err.Error()))
		}
		lines = append(lines, dimStyle.Render("q → quit"))
		return strings.Join(lines, "\n") + "\n"
	}

	b := m.status.Batch
	st := b.Stats

	header := headerStyle.Render("Batch "+b.ID) + "  " + statusStyle(b.Status).Render(strings.ToUpper(b.Status))
	meta := dimStyle.Render(fmt.Sprintf("%s %q by %s · %d node(s)", b.Type, b.Action, b.UserID, st.Total))
	bar := fmt.Sprintf("%s %3d%%", m.progress.ViewAs(float64(m.status.Progress)/100), m.status.Progress)
	counts := dimStyle.Render(fmt.Sprintf("%d queued · %d running · %d success · %d failed",
		st.Queued, st.Running, st.Success, st.Failed))

	rows := make([]string, 0, len(m.status.Executions))
	for _, item := range m.status.Executions {
		rows = append(rows, renderExecutionRow(item))
	}

	var footer string
	switch {
	case m.done:
		footer = dimStyle.Render("finished · q → quit")
	default:
		footer = m.spinner.View() + dimStyle.Render(fmt.Sprintf(" polling every %s · q → quit", m.interval))
	}

	sections := []string{header, meta, "", bar, counts, ""}
	sections = append(sections, rows...)
	if m.err != nil {
		sections = append(sections, errStyle.Render("⚠ "+m.err.Error()))
	}
	sections = append(sections, "", footer)
	return strings.Join(sections, "\n") + "\n"
}

func (m Model) fetchStatus() tea.Msg {
	status, err := m.client.BatchStatus(context.Background(), m.batchID)
	return statusMsg{status: status, err: err}
}

func (m Model) scheduleFetch() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		return m.fetchStatus()
	})
}

func renderExecutionRow(item orchestrator.ExecutionStatusItem) string {
	name := item.NodeName
	if name == "" {
		name = item.NodeID
	}
	label := statusStyle(item.Execution.Status).Render(fmt.Sprintf("%-8s", item.Execution.Status))

	var details []string
	if item.Result != nil && item.Result.DurationMs > 0 {
		details = append(details, fmt.Sprintf("%dms", item.Result.DurationMs))
	}
	if item.Execution.Error != "" {
		details = append(details, item.Execution.Error)
	}
	detail := ""
	if len(details) > 0 {
		detail = "  " + dimStyle.Render(strings.Join(details, " · "))
	}
	return fmt.Sprintf("  %s %s%s", label, name, detail)
}

// statusStyle maps execution and batch statuses alike; "success" and
// "running" share their spelling across both.
func statusStyle(status string) lipgloss.Style {
	switch status {
	case models.StatusSuccess:
		return statusStyleOK
	case models.StatusFailed, models.BatchStatusPartial, models.BatchStatusCancelled:
		return statusStyleFailed
	case models.StatusRunning:
		return statusStyleActive
	default:
		return statusStyleQueued
	}
}

func batchDone(status string) bool {
	switch status {
	case models.BatchStatusSuccess, models.BatchStatusPartial, models.BatchStatusCancelled:
		return true
	}
	return false
}
