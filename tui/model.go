package tui

import (
	"context"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/pipeline"
)

// AttemptState is the display state of one strategy
type AttemptState int

const (
	AttemptPending AttemptState = iota
	AttemptRunning
	AttemptFailed
	AttemptSucceeded
)

// AttemptView represents a strategy row in the TUI
type AttemptView struct {
	Strategy string
	State    AttemptState
	Failure  domain.FailureKind
	ExitCode int
	Duration time.Duration
}

// Model is the TUI application model
type Model struct {
	// Data
	jobID    string
	platform domain.Platform
	attempts []*AttemptView
	current  int

	// Live output
	progress float64
	lines    int
	recent   []string

	// Outcome
	done   bool
	result *pipeline.Result
	err    error

	// UI state
	width    int
	height   int
	window   int
	bar      progress.Model
	output   viewport.Model
	started  time.Time
	elapsed  time.Duration
	quitting bool

	cancel context.CancelFunc
}

// ModelConfig holds initial data for the TUI model
type ModelConfig struct {
	Platform   domain.Platform
	Strategies []string
	// Window is the number of trailing output lines shown
	Window int
}

// NewModel creates a new TUI model
func NewModel(cfg ModelConfig) Model {
	if cfg.Window <= 0 {
		cfg.Window = 20
	}
	attempts := make([]*AttemptView, len(cfg.Strategies))
	for i, name := range cfg.Strategies {
		attempts[i] = &AttemptView{Strategy: name}
	}

	return Model{
		platform: cfg.Platform,
		attempts: attempts,
		current:  -1,
		window:   cfg.Window,
		bar:      progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
		output:   viewport.New(80, cfg.Window),
		started:  time.Now(),
		width:    80,
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tickCmd()
}

// TickMsg refreshes the elapsed time
type TickMsg time.Time

func tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return TickMsg(t)
	})
}
