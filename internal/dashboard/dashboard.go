// Package dashboard implements the optional live status view (`status
// --watch`): a bubbletea program that polls the store on a ticker and
// renders a lipgloss-styled table of tasks in the store's listing order,
// with a status column. It never
// mutates state, only reads.
package dashboard

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/boshu2/gosuper/internal/model"
	"github.com/boshu2/gosuper/internal/store"
)

const pollInterval = 2 * time.Second

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("86"))
	errStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
)

// Model is the dashboard's tea.Model.
type Model struct {
	store  *store.Store
	batch  string
	table  table.Model
	err    error
	tasks  int
	width  int
	height int
}

// New builds a dashboard scoped to every task, or to one batch if batch is
// non-empty.
func New(s *store.Store, batch string) Model {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: "ID", Width: 10},
			{Title: "REPO", Width: 20},
			{Title: "STATUS", Width: 14},
			{Title: "RETRIES", Width: 7},
			{Title: "WORKTREE", Width: 24},
		}),
		table.WithFocused(true),
	)
	t.SetStyles(table.DefaultStyles())
	return Model{store: s, batch: batch, table: t}
}

type tickMsg time.Time

type tasksMsg struct {
	tasks []*model.Task
	err   error
}

func tick() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) poll() tea.Cmd {
	return func() tea.Msg {
		filter := model.TaskFilter{}
		if m.batch != "" {
			filter.BatchID = m.batch
		}
		tasks, err := m.store.ListTasks(context.Background(), filter)
		return tasksMsg{tasks: tasks, err: err}
	}
}

// Init satisfies tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.poll(), tick())
}

// Update satisfies tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.table.SetHeight(msg.Height - 6)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd

	case tickMsg:
		return m, tea.Batch(m.poll(), tick())

	case tasksMsg:
		m.err = msg.err
		m.tasks = len(msg.tasks)
		if msg.err == nil {
			m.table.SetRows(rowsFor(msg.tasks))
		}
		return m, nil
	}
	return m, nil
}

// View satisfies tea.Model.
func (m Model) View() string {
	var b strings.Builder
	title := "supervisor status"
	if m.batch != "" {
		title += " — batch " + m.batch
	}
	b.WriteString(headerStyle.Render(title))
	b.WriteString("\n")
	if m.err != nil {
		b.WriteString(errStyle.Render(fmt.Sprintf("poll error: %v", m.err)))
		b.WriteString("\n")
	}
	b.WriteString(m.table.View())
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("%d task(s) — q to quit", m.tasks)))
	return b.String()
}

func rowsFor(tasks []*model.Task) []table.Row {
	rows := make([]table.Row, 0, len(tasks))
	for _, t := range tasks {
		rows = append(rows, table.Row{
			t.ID, t.Repo, string(t.Status), fmt.Sprintf("%d", t.Retries), t.Worktree,
		})
	}
	return rows
}

// Run starts the dashboard program and blocks until the user quits. batch
// may be a batch name or ID, resolved the same way statusOne resolves it;
// empty means every task.
func Run(s *store.Store, batch string) error {
	batchID := batch
	if batch != "" {
		b, err := s.FindBatch(context.Background(), batch)
		if err != nil {
			return fmt.Errorf("finding batch %s: %w", batch, err)
		}
		batchID = b.ID
	}
	_, err := tea.NewProgram(New(s, batchID), tea.WithAltScreen()).Run()
	return err
}
