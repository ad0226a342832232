// Package sandbox runs a produced artifact with a hard wall-clock limit and
// records its stdout and stderr as one transcript in arrival order.
package sandbox

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/inspect"
	"github.com/hochfrequenz/binforge/internal/procutil"
)

// DefaultTimeout is the wall-clock limit applied when none is configured
const DefaultTimeout = 10 * time.Second

// Runner executes artifacts
type Runner struct {
	Timeout time.Duration
	// KillGrace is how long output is still drained after the process group is killed
	KillGrace time.Duration
	Args      []string
	logger    *slog.Logger
}

// New creates a runner
func New(timeout, killGrace time.Duration, logger *slog.Logger) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if killGrace <= 0 {
		killGrace = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		Timeout:   timeout,
		KillGrace: killGrace,
		logger:    logger.With("component", "sandbox"),
	}
}

// Run executes the artifact at path. It never returns an error; every
// outcome is described by the result's Reason.
func (r *Runner) Run(ctx context.Context, path string) domain.ExecutionResult {
	start := time.Now()
	logger := r.logger.With("path", path)

	if err := os.Chmod(path, 0o755); err != nil {
		logger.Warn("artifact not executable", "error", err)
		return domain.ExecutionResult{
			Reason:   domain.ReasonSpawnError,
			ExitCode: -1,
			Message:  fmt.Sprintf("Error running the binary: %v", err),
		}
	}

	format, err := inspect.DetectFormat(path)
	if err == nil && !inspect.CompatibleWithHost(format) {
		logger.Info("refusing incompatible binary", "format", format, "host", runtime.GOOS)
		return domain.ExecutionResult{
			Reason:   domain.ReasonRefused,
			ExitCode: -1,
			Message:  refusalMessage(format),
		}
	}

	runCtx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, path, r.Args...)
	procutil.Isolate(cmd)
	cmd.WaitDelay = r.KillGrace

	// Own pipes keep the read ends out of Wait, which may return while a
	// leftover child still holds the write ends.
	outR, outW, err := os.Pipe()
	if err != nil {
		return spawnFailure(err, start)
	}
	defer outR.Close()
	errR, errW, err := os.Pipe()
	if err != nil {
		outW.Close()
		return spawnFailure(err, start)
	}
	defer errR.Close()
	cmd.Stdout = outW
	cmd.Stderr = errW

	err = cmd.Start()
	// The child holds its own copies of the write ends
	outW.Close()
	errW.Close()
	if err != nil {
		logger.Warn("spawn failed", "error", err)
		return spawnFailure(err, start)
	}
	logger.Debug("spawned", "pid", cmd.Process.Pid, "timeout", r.Timeout)

	lines := make(chan domain.TaggedLine)
	var g errgroup.Group
	g.Go(func() error { return drain(outR, domain.StreamStdout, lines) })
	g.Go(func() error { return drain(errR, domain.StreamStderr, lines) })

	readErr := make(chan error, 1)
	go func() {
		readErr <- g.Wait()
		close(lines)
	}()

	exited := make(chan error, 1)
	go func() { exited <- cmd.Wait() }()

	var (
		transcript []domain.TaggedLine
		waitErr    error
		stopErr    error
		grace      <-chan time.Time
	)
	in, exit := lines, exited
	for in != nil || exit != nil {
		select {
		case l, ok := <-in:
			if !ok {
				in = nil
				continue
			}
			transcript = append(transcript, l)
		case waitErr = <-exit:
			exit = nil
			stopErr = runCtx.Err()
			// Output still buffered in the pipes is read for at most KillGrace
			timer := time.NewTimer(r.KillGrace)
			defer timer.Stop()
			grace = timer.C
		case <-grace:
			grace = nil
			outR.Close()
			errR.Close()
		}
	}
	if err := <-readErr; err != nil {
		logger.Debug("output drain ended early", "error", err)
	}
	// Background children of a finished artifact do not outlive the run
	_ = procutil.KillGroup(cmd)

	result := domain.ExecutionResult{
		Transcript: transcript,
		Duration:   time.Since(start),
	}

	killed := cmd.ProcessState != nil && cmd.ProcessState.ExitCode() == -1
	if stopErr != nil && killed {
		result.Reason = domain.ReasonTimedOut
		result.ExitCode = -1
		if errors.Is(stopErr, context.DeadlineExceeded) {
			result.Message = fmt.Sprintf("Execution timed out after %s.", r.Timeout)
		} else {
			result.Message = "Execution cancelled."
		}
		logger.Info("execution stopped", "reason", result.Reason, "lines", len(transcript))
		return result
	}

	result.Reason = domain.ReasonCompleted
	if cmd.ProcessState == nil {
		result.ExitCode = -1
		result.Message = fmt.Sprintf("Error running the binary: %v", waitErr)
		return result
	}
	result.ExitCode = cmd.ProcessState.ExitCode()
	result.Success = result.ExitCode == 0
	result.Message = fmt.Sprintf("Process exited with code %d.", result.ExitCode)

	logger.Info("execution completed", "exit_code", result.ExitCode, "lines", len(transcript), "duration", result.Duration)
	return result
}

// drain forwards every line of rc to out. A closed pipe ends the stream quietly.
func drain(rc io.Reader, stream domain.Stream, out chan<- domain.TaggedLine) error {
	reader := bufio.NewReader(rc)
	for {
		line, err := reader.ReadString('\n')
		if line != "" {
			out <- domain.TaggedLine{Stream: stream, Text: strings.TrimRight(line, "\r\n")}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return fmt.Errorf("reading %s: %w", stream, err)
		}
	}
}

func spawnFailure(err error, start time.Time) domain.ExecutionResult {
	return domain.ExecutionResult{
		Reason:   domain.ReasonSpawnError,
		ExitCode: -1,
		Duration: time.Since(start),
		Message:  fmt.Sprintf("Error running the binary: %v", err),
	}
}

func refusalMessage(f inspect.Format) string {
	switch f {
	case inspect.FormatPE:
		return fmt.Sprintf("Windows executables cannot be run in this %s environment.", runtime.GOOS)
	default:
		return fmt.Sprintf("A %s binary cannot be run on %s.", f, runtime.GOOS)
	}
}
