package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/hochfrequenz/binforge/internal/domain"
)

var (
	titleStyle = lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("205")).
		Padding(0, 1)

	headerStyle = lipgloss.NewStyle().
		Background(lipgloss.Color("236")).
		Foreground(lipgloss.Color("255")).
		Padding(0, 1)

	sectionStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	runningStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("214"))

	pendingStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("244"))

	failedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("196"))

	completedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("42"))

	dimmedStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("240"))
)

// View renders the TUI
func (m Model) View() string {
	var b strings.Builder

	job := m.jobID
	if job == "" {
		job = "allocating..."
	}
	b.WriteString(titleStyle.Render("binforge"))
	b.WriteString(headerStyle.Render(fmt.Sprintf("job %s · %s · %s", job, m.platform, m.elapsed.Round(time.Second))))
	b.WriteString("\n\n")

	b.WriteString(m.renderAttempts())
	b.WriteString("\n")

	if !m.done {
		b.WriteString(" ")
		b.WriteString(m.bar.ViewAs(m.progress))
		b.WriteString(dimmedStyle.Render(fmt.Sprintf("  %d lines", m.lines)))
		b.WriteString("\n\n")
		b.WriteString(sectionStyle.Render(m.renderOutput()))
		b.WriteString("\n")
	}

	b.WriteString(m.renderFooter())
	b.WriteString("\n")
	return b.String()
}

func (m Model) renderAttempts() string {
	if len(m.attempts) == 0 {
		return dimmedStyle.Render("  no strategies") + "\n"
	}
	width := 0
	for _, a := range m.attempts {
		width = max(width, len(a.Strategy))
	}

	var b strings.Builder
	for _, a := range m.attempts {
		name := a.Strategy + strings.Repeat(" ", width-len(a.Strategy))
		switch a.State {
		case AttemptPending:
			b.WriteString(pendingStyle.Render(fmt.Sprintf("  · %s  pending", name)))
		case AttemptRunning:
			b.WriteString(runningStyle.Render(fmt.Sprintf("  ▸ %s  running", name)))
		case AttemptFailed:
			detail := string(a.Failure)
			if a.Failure == domain.FailureNonZeroExit {
				detail = fmt.Sprintf("exit code %d", a.ExitCode)
			}
			b.WriteString(failedStyle.Render(fmt.Sprintf("  ✗ %s  %s (%s)", name, detail, a.Duration.Round(100*time.Millisecond))))
		case AttemptSucceeded:
			b.WriteString(completedStyle.Render(fmt.Sprintf("  ✓ %s  done (%s)", name, a.Duration.Round(100*time.Millisecond))))
		}
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) renderOutput() string {
	if len(m.recent) == 0 {
		return dimmedStyle.Render("waiting for compiler output...")
	}
	return m.output.View()
}

func (m Model) renderFooter() string {
	switch {
	case m.done && m.result != nil && m.result.Success:
		a := m.result.Artifact
		return completedStyle.Render(fmt.Sprintf(" %s: %s (%s, %s)",
			m.result.Summary(), a.Path, a.FileType, humanize.Bytes(uint64(a.Size))))
	case m.done && m.result != nil:
		return failedStyle.Render(" " + m.result.Summary())
	case m.done && m.err != nil:
		return failedStyle.Render(" Build failed: " + m.err.Error())
	case m.quitting:
		return runningStyle.Render(" Cancelling build...")
	default:
		return dimmedStyle.Render(" q: cancel build")
	}
}
