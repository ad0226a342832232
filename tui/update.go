package tui

import (
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/pipeline"
	"github.com/hochfrequenz/binforge/internal/streamer"
)

// JobMsg is sent once the job's workspace exists
type JobMsg struct {
	Job domain.Job
}

// AttemptStartMsg is sent before a strategy runs
type AttemptStartMsg struct {
	Index    int
	Strategy domain.Strategy
}

// ProgressMsg carries one streamer update
type ProgressMsg struct {
	Strategy domain.Strategy
	Update   streamer.Update
}

// AttemptMsg is sent when a strategy finished
type AttemptMsg struct {
	Index   int
	Attempt domain.AttemptResult
}

// DoneMsg is sent when the build returned
type DoneMsg struct {
	Result *pipeline.Result
	Err    error
}

// Update handles messages
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			if m.done {
				return m, tea.Quit
			}
			// Cancel and wait for the build to report back
			if !m.quitting {
				m.quitting = true
				if m.cancel != nil {
					m.cancel()
				}
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.output.Width = msg.Width - 4
		m.bar.Width = min(60, max(10, msg.Width-20))

	case TickMsg:
		if m.done {
			return m, nil
		}
		m.elapsed = time.Since(m.started)
		return m, tickCmd()

	case JobMsg:
		m.jobID = msg.Job.ID
		m.platform = msg.Job.Platform

	case AttemptStartMsg:
		m.current = msg.Index
		m.row(msg.Index, msg.Strategy.Name).State = AttemptRunning
		m.progress = 0
		m.lines = 0
		m.recent = nil
		m.output.SetContent("")

	case ProgressMsg:
		m.progress = msg.Update.Progress
		m.lines = msg.Update.Lines
		m.recent = msg.Update.Recent
		m.output.SetContent(strings.Join(m.recent, "\n"))
		m.output.GotoBottom()

	case AttemptMsg:
		row := m.row(msg.Index, msg.Attempt.Strategy.Name)
		row.Failure = msg.Attempt.Failure
		row.ExitCode = msg.Attempt.ExitCode
		row.Duration = msg.Attempt.Duration
		if msg.Attempt.Succeeded() {
			row.State = AttemptSucceeded
		} else {
			row.State = AttemptFailed
		}

	case DoneMsg:
		m.done = true
		m.result = msg.Result
		m.err = msg.Err
		m.elapsed = time.Since(m.started)
		if msg.Result != nil && msg.Result.Duration > 0 {
			m.elapsed = msg.Result.Duration
		}
		return m, tea.Quit
	}

	return m, nil
}

// row returns the view of strategy index, growing the list when the build
// runs strategies the model was not told about
func (m *Model) row(index int, name string) *AttemptView {
	for len(m.attempts) <= index {
		m.attempts = append(m.attempts, &AttemptView{})
	}
	if m.attempts[index].Strategy == "" {
		m.attempts[index].Strategy = name
	}
	return m.attempts[index]
}
