package main

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"loom/pkg/store"
)

// tickMsg triggers the periodic refresh fallback.
type tickMsg time.Time

// dataMsg carries a fetched dashboard snapshot. err is set when the
// database is unreadable (engine not started yet).
type dataMsg struct {
	sum    store.StatusSummary
	events []store.EventRecord
	err    error
}

// tickCmd schedules the next refresh tick.
func tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// fetchCmd reads the dashboard state from the runtime database.
func fetchCmd(dbPath string) tea.Cmd {
	return func() tea.Msg {
		r, err := store.OpenReader(dbPath)
		if err != nil {
			return dataMsg{err: err}
		}
		defer func() { _ = r.Close() }()

		ctx := context.Background()
		sum, err := r.Summary(ctx)
		if err != nil {
			return dataMsg{err: err}
		}
		events, err := r.RecentEvents(ctx, 100)
		if err != nil {
			return dataMsg{err: err}
		}
		return dataMsg{sum: sum, events: events}
	}
}

var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212"))
	summaryStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	helpStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// Model is the Bubble Tea model for the loom dashboard.
type Model struct {
	dbPath string

	sum    store.StatusSummary
	events []store.EventRecord
	err    error

	table  table.Model
	width  int
	height int
}

// newModel creates a Model over the given runtime database.
func newModel(dbPath string) Model {
	cols := []table.Column{
		{Title: "Time", Width: 19},
		{Title: "Type", Width: 18},
		{Title: "Source", Width: 10},
		{Title: "Topic", Width: 16},
		{Title: "Task", Width: 36},
	}
	t := table.New(
		table.WithColumns(cols),
		table.WithFocused(true),
		table.WithHeight(20),
	)
	return Model{dbPath: dbPath, table: t}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(fetchCmd(m.dbPath), tickCmd(), watchStateDir(filepath.Dir(m.dbPath)))
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "r":
			return m, fetchCmd(m.dbPath)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		if msg.Height > 8 {
			m.table.SetHeight(msg.Height - 6)
		}

	case tickMsg:
		return m, tea.Batch(fetchCmd(m.dbPath), tickCmd())

	case fsChangeMsg:
		// Re-arm the watcher after every change it reports.
		return m, tea.Batch(fetchCmd(m.dbPath), watchStateDir(filepath.Dir(m.dbPath)))

	case dataMsg:
		m.err = msg.err
		if msg.err == nil {
			m.sum = msg.sum
			m.events = msg.events
			m.table.SetRows(eventRows(msg.events))
		}
		return m, nil
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// View implements tea.Model.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("loom"))
	b.WriteString("  ")
	if m.err != nil {
		b.WriteString(errStyle.Render(m.err.Error()))
	} else {
		b.WriteString(summaryStyle.Render(summaryLine(m.sum)))
	}
	b.WriteString("\n\n")
	b.WriteString(m.table.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render("q quit · r refresh"))
	return b.String()
}

// summaryLine renders the per-status counters compactly.
func summaryLine(sum store.StatusSummary) string {
	parts := []string{fmt.Sprintf("events %d", sum.EventCount)}
	parts = append(parts, countPart("tasks", sum.TaskCounts))
	parts = append(parts, countPart("dialogue", sum.DialogueCounts))
	return strings.Join(parts, " · ")
}

func countPart(label string, counts map[string]int) string {
	if len(counts) == 0 {
		return label + " -"
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	segs := make([]string, 0, len(keys))
	for _, k := range keys {
		segs = append(segs, fmt.Sprintf("%s:%d", k, counts[k]))
	}
	return label + " " + strings.Join(segs, " ")
}

func eventRows(events []store.EventRecord) []table.Row {
	rows := make([]table.Row, 0, len(events))
	for _, ev := range events {
		rows = append(rows, table.Row{ev.CreatedAt, ev.Type, ev.Source, ev.TopicID, ev.TaskID})
	}
	return rows
}
