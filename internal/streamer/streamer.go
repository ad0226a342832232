// Package streamer runs one external command with stdout and stderr merged
// into a single ordered stream and hands each line to the caller as it
// arrives.
package streamer

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/hochfrequenz/binforge/internal/procutil"
)

const (
	// waitDelay bounds how long Wait blocks after the process is cancelled
	waitDelay = 5 * time.Second
	// defaultDrainGrace is how long output is still read after the process exits
	defaultDrainGrace = 2 * time.Second
)

// Command is one external program invocation
type Command struct {
	Name string
	Args []string
	Dir  string
	// Env entries are appended to the current environment
	Env []string
}

// String renders the command line for logs
func (c Command) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Update is delivered for every output line and once more on completion
type Update struct {
	Line     string
	Lines    int
	Progress float64
	// Recent is the trailing display window, oldest first
	Recent []string
	Done   bool
}

// UpdateFunc receives streaming updates. It runs on the reading goroutine.
type UpdateFunc func(Update)

// Result is the outcome of a command that was started successfully
type Result struct {
	ExitCode int
	Log      string
	Lines    int
	Recent   []string
	Duration time.Duration
	// Interrupted is set when the context ended the process
	Interrupted bool
}

// SpawnError means the command never started (binary missing, permission denied)
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("starting %s: %v", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// Streamer runs commands and reports line-based progress
type Streamer struct {
	estimator  Estimator
	window     int
	drainGrace time.Duration
	logger     *slog.Logger
}

// New creates a streamer. assumedTotalLines feeds the progress heuristic and
// window bounds the retained display lines.
func New(assumedTotalLines, window int, logger *slog.Logger) *Streamer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Streamer{
		estimator:  Estimator{AssumedTotalLines: assumedTotalLines},
		window:     window,
		drainGrace: defaultDrainGrace,
		logger:     logger.With("component", "streamer"),
	}
}

// WithDrainGrace sets how long output is still read once the process has
// exited. Helpers the command leaves running may hold the pipe open longer.
func (s *Streamer) WithDrainGrace(d time.Duration) *Streamer {
	if d > 0 {
		s.drainGrace = d
	}
	return s
}

// Run starts the command and blocks until it exits, delivering each merged
// output line to onUpdate. A command that cannot be started yields a
// *SpawnError and no Result.
func (s *Streamer) Run(ctx context.Context, c Command, onUpdate UpdateFunc) (*Result, error) {
	start := time.Now()

	// Both streams share one pipe so the kernel keeps their relative order
	pr, pw, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("creating output pipe: %w", err)
	}
	defer pr.Close()

	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = append(os.Environ(), c.Env...)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	cmd.WaitDelay = waitDelay
	procutil.Isolate(cmd)

	s.logger.Debug("starting command", "command", c.String(), "dir", c.Dir)
	if err := cmd.Start(); err != nil {
		pw.Close()
		return nil, &SpawnError{Command: c.String(), Err: err}
	}
	// The child holds its own copy of the write end
	pw.Close()

	ring := NewRing(s.window)
	var log strings.Builder
	lines := 0

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		reader := bufio.NewReaderSize(pr, 64*1024)
		for {
			line, readErr := reader.ReadString('\n')
			if line != "" {
				line = strings.TrimRight(line, "\r\n")
				lines++
				log.WriteString(line)
				log.WriteByte('\n')
				ring.Push(line)
				if onUpdate != nil {
					onUpdate(Update{
						Line:     line,
						Lines:    lines,
						Progress: s.estimator.Fraction(lines),
						Recent:   ring.Lines(),
					})
				}
			}
			if readErr != nil {
				if !errors.Is(readErr, io.EOF) && !errors.Is(readErr, os.ErrClosed) {
					s.logger.Warn("reading command output", "command", c.Name, "error", readErr)
				}
				return
			}
		}
	}()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	// The process exiting ends the run, not the pipe closing
	var waitErr error
	select {
	case <-readDone:
		waitErr = <-exited
	case waitErr = <-exited:
		timer := time.NewTimer(s.drainGrace)
		select {
		case <-readDone:
		case <-timer.C:
			s.logger.Debug("output still open after exit", "command", c.Name, "grace", s.drainGrace)
			pr.Close()
			<-readDone
		}
		timer.Stop()
	}

	result := &Result{
		Log:      log.String(),
		Lines:    lines,
		Recent:   ring.Lines(),
		Duration: time.Since(start),
	}

	state := cmd.ProcessState
	switch {
	case state == nil:
		return result, fmt.Errorf("waiting for %s: %w", c.Name, waitErr)
	case ctx.Err() != nil && state.ExitCode() == -1:
		// Killed by the cancellation, not exited on its own
		result.Interrupted = true
		result.ExitCode = -1
	default:
		result.ExitCode = state.ExitCode()
	}

	if onUpdate != nil {
		onUpdate(Update{Lines: lines, Progress: 1.0, Recent: result.Recent, Done: true})
	}

	s.logger.Debug("command finished",
		"command", c.Name,
		"exit_code", result.ExitCode,
		"lines", lines,
		"duration", result.Duration,
		"interrupted", result.Interrupted,
	)
	return result, nil
}
