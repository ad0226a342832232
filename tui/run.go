package tui

import (
	"context"
	"fmt"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/pipeline"
	"github.com/hochfrequenz/binforge/internal/streamer"
)

// BuildFunc runs one build, reporting through hooks
type BuildFunc func(ctx context.Context, hooks pipeline.Hooks) (*pipeline.Result, error)

// Hooks converts pipeline events into TUI messages delivered through send
func Hooks(send func(tea.Msg)) pipeline.Hooks {
	return pipeline.Hooks{
		OnJob: func(job domain.Job) {
			send(JobMsg{Job: job})
		},
		OnAttemptStart: func(_ string, index int, s domain.Strategy) {
			send(AttemptStartMsg{Index: index, Strategy: s})
		},
		OnProgress: func(_ string, s domain.Strategy, u streamer.Update) {
			send(ProgressMsg{Strategy: s, Update: u})
		},
		OnAttempt: func(_ string, index int, a domain.AttemptResult) {
			send(AttemptMsg{Index: index, Attempt: a})
		},
	}
}

type outcome struct {
	result *pipeline.Result
	err    error
}

// Run shows live build progress until build returns. Quitting the UI
// cancels the build and still waits for its result.
func Run(ctx context.Context, cfg ModelConfig, build BuildFunc, opts ...tea.ProgramOption) (*pipeline.Result, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	m := NewModel(cfg)
	m.cancel = cancel
	p := tea.NewProgram(m, opts...)

	finished := make(chan outcome, 1)
	go func() {
		res, err := build(ctx, Hooks(p.Send))
		finished <- outcome{result: res, err: err}
		p.Send(DoneMsg{Result: res, Err: err})
	}()

	if _, err := p.Run(); err != nil {
		cancel()
		<-finished
		return nil, fmt.Errorf("running progress display: %w", err)
	}
	out := <-finished
	return out.result, out.err
}
