package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lcksfa/async-ai-task-runner/internal/models"
)

const defaultWatchInterval = time.Second

// TaskFetcher loads the current state of a task.
type TaskFetcher interface {
	Get(ctx context.Context, id int64) (models.Task, error)
}

type taskMsg struct {
	task models.Task
	err  error
}

// WatchModel polls a task until it reaches a terminal status.
type WatchModel struct {
	fetcher  TaskFetcher
	id       int64
	interval time.Duration
	spinner  spinner.Model

	task    *models.Task
	err     error
	polls   int
	done    bool
	aborted bool
}

// NewWatchModel returns a model that polls task id every interval.
func NewWatchModel(fetcher TaskFetcher, id int64, interval time.Duration) WatchModel {
	if interval <= 0 {
		interval = defaultWatchInterval
	}
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusStyleProcessing
	return WatchModel{fetcher: fetcher, id: id, interval: interval, spinner: sp}
}

// Task returns the last observed task state.
func (m WatchModel) Task() (models.Task, bool) {
	if m.task == nil {
		return models.Task{}, false
	}
	return *m.task, true
}

// Err returns the error that stopped the watch, if any.
func (m WatchModel) Err() error { return m.err }

// Aborted reports whether the user quit before the task finished.
func (m WatchModel) Aborted() bool { return m.aborted }

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetch())
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			m.aborted = true
			return m, tea.Quit
		}
	case taskMsg:
		m.polls++
		if msg.err != nil {
			m.err = msg.err
			m.done = true
			return m, tea.Quit
		}
		task := msg.task
		m.task = &task
		if task.Status.Terminal() {
			m.done = true
			return m, tea.Quit
		}
		return m, m.schedule()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m WatchModel) View() string {
	var b strings.Builder
	switch {
	case m.err != nil:
		b.WriteString(statusStyleFailed.Render("error: ") + m.err.Error())
	case m.task == nil:
		fmt.Fprintf(&b, "%s waiting for task %d", m.spinner.View(), m.id)
	case m.done:
		fmt.Fprintf(&b, "task %d %s after %d attempt(s)", m.id, StatusLabel(m.task.Status), m.task.Attempts)
	default:
		fmt.Fprintf(&b, "%s task %d %s", m.spinner.View(), m.id, StatusLabel(m.task.Status))
		if p := m.task.Progress; p != nil {
			fmt.Fprintf(&b, " %d%% %s", p.Percent, p.Message)
		}
	}
	b.WriteString("\n")
	if !m.done {
		b.WriteString(lipgloss.NewStyle().Foreground(lipgloss.Color("#888888")).Render("q to stop watching"))
		b.WriteString("\n")
	}
	return b.String()
}

func (m WatchModel) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		task, err := m.fetcher.Get(ctx, m.id)
		return taskMsg{task: task, err: err}
	}
}

func (m WatchModel) schedule() tea.Cmd {
	return tea.Tick(m.interval, func(time.Time) tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		task, err := m.fetcher.Get(ctx, m.id)
		return taskMsg{task: task, err: err}
	})
}

// Watch runs the watch view until the task finishes or the user quits.
func Watch(ctx context.Context, fetcher TaskFetcher, id int64, interval time.Duration) (models.Task, error) {
	final, err := tea.NewProgram(NewWatchModel(fetcher, id, interval), tea.WithContext(ctx)).Run()
	if err != nil {
		return models.Task{}, err
	}
	m := final.(WatchModel)
	if m.Err() != nil {
		return models.Task{}, m.Err()
	}
	task, _ := m.Task()
	if m.Aborted() {
		return task, context.Canceled
	}
	return task, nil
}
