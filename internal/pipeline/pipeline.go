// Package pipeline turns a build request into a native executable by trying
// the configured compiler strategies in order until one produces an artifact.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/hochfrequenz/binforge/internal/config"
	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/inspect"
	"github.com/hochfrequenz/binforge/internal/locator"
	"github.com/hochfrequenz/binforge/internal/metrics"
	"github.com/hochfrequenz/binforge/internal/preflight"
	"github.com/hochfrequenz/binforge/internal/streamer"
	"github.com/hochfrequenz/binforge/internal/workspace"
)

// ErrStrategiesExhausted is returned when every runnable strategy failed
var ErrStrategiesExhausted = errors.New("all compilation attempts failed")

// Store persists job history. The pipeline only writes to it.
type Store interface {
	CreateJob(ctx context.Context, job domain.Job) error
	AddAttempt(ctx context.Context, jobID string, index int, a domain.AttemptResult) error
	FinishJob(ctx context.Context, jobID string, res domain.JobOutcome) error
}

// Pipeline runs builds
type Pipeline struct {
	cfg       *config.Config
	checker   *preflight.Checker
	workspace *workspace.Manager
	streamer  *streamer.Streamer
	inspector *inspect.Inspector
	store     Store
	recorder  metrics.Recorder
	logger    *slog.Logger
}

// New wires a pipeline from configuration
func New(cfg *config.Config, checker *preflight.Checker, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		checker:   checker,
		workspace: workspace.NewManager(cfg.General.WorkspaceRoot, cfg.General.OutputRoot, logger),
		streamer:  streamer.New(cfg.Compiler.AssumedTotalLines, cfg.Compiler.LogWindow, logger),
		inspector: inspect.New(cfg.Compiler.ClassifierCommand, cfg.Compiler.LinkageCommand, logger),
		recorder:  metrics.NoopRecorder{},
		logger:    logger.With("component", "pipeline"),
	}
}

// WithStore records job history in s
func (p *Pipeline) WithStore(s Store) *Pipeline {
	p.store = s
	return p
}

// WithRecorder reports metrics to r
func (p *Pipeline) WithRecorder(r metrics.Recorder) *Pipeline {
	if r != nil {
		p.recorder = r
	}
	return p
}

// Workspace exposes the directory manager used for jobs
func (p *Pipeline) Workspace() *workspace.Manager {
	return p.workspace
}

// Build runs one request to completion. Environment problems are returned
// as *preflight.EnvironmentError before any directory is created. When every
// strategy fails the Result is still returned, together with
// ErrStrategiesExhausted.
func (p *Pipeline) Build(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	if err := req.Validate(); err != nil {
		return nil, err
	}

	platformCfg, runnable, skipped, err := p.gate(req.Platform)
	if err != nil {
		p.recorder.IncBuildOutcome(metrics.OutcomeEnvErr)
		p.logger.Warn("preflight refused build", "platform", req.Platform, "error", err)
		return nil, err
	}

	if d := p.cfg.Compiler.PipelineTimeout.Duration; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	jobID := req.JobID
	if jobID == "" {
		jobID = uuid.NewString()
	}
	dirs, err := p.workspace.Allocate(jobID)
	if err != nil {
		return nil, fmt.Errorf("allocating workspace: %w", err)
	}

	ext := req.Extension
	if ext == "" {
		ext = platformCfg.DefaultExtension
	}
	job := domain.Job{
		ID:           jobID,
		Source:       req.Source,
		Manifest:     req.Manifest,
		Platform:     req.Platform,
		Extension:    ext,
		WorkspaceDir: dirs.Input,
		OutputDir:    dirs.Output,
		CreatedAt:    start.UTC(),
	}
	logger := p.logger.With("job_id", jobID)
	logger.Info("build started", "platform", job.Platform, "strategies", len(runnable), "skipped", len(skipped))

	if p.store != nil {
		if err := p.store.CreateJob(ctx, job); err != nil {
			logger.Warn("recording job failed", "error", err)
		}
	}
	req.Hooks.job(job)

	result := &Result{JobID: jobID, Job: job, Skipped: skipped}

	sourcePath := filepath.Join(job.WorkspaceDir, p.sourceName())
	if err := os.WriteFile(sourcePath, []byte(NormalizeLineEndings(job.Source)), 0o644); err != nil {
		p.finish(ctx, result, start)
		return result, fmt.Errorf("writing source: %w", err)
	}

	result.InstallSummary = p.installRequirements(ctx, job, platformCfg.Launcher)

	header := hostHeader(job, runnable, skipped)
	outputName := OutputName(p.sourceName(), ext)
	vars := map[string]string{
		"source":      sourcePath,
		"output_dir":  job.OutputDir,
		"output_name": outputName,
		"workspace":   job.WorkspaceDir,
	}

	var last *domain.AttemptResult
	for i, s := range runnable {
		if ctx.Err() != nil {
			break
		}
		req.Hooks.attemptStart(jobID, i, s)
		attempt := p.runAttempt(ctx, job, s, platformCfg.Launcher, vars, outputName, req.Hooks)
		result.Attempts = append(result.Attempts, attempt)
		last = &result.Attempts[len(result.Attempts)-1]

		if p.store != nil {
			if err := p.store.AddAttempt(context.WithoutCancel(ctx), jobID, i, attempt); err != nil {
				logger.Warn("recording attempt failed", "error", err)
			}
		}
		req.Hooks.attempt(jobID, i, attempt)

		if attempt.Succeeded() {
			result.Artifact = p.finalize(ctx, attempt.ArtifactPath)
			result.Success = true
			result.Log = header + attempt.Log
			p.finish(ctx, result, start)
			logger.Info("build succeeded", "strategy", s.Name, "artifact", attempt.ArtifactPath, "duration", result.Duration)
			return result, nil
		}
		logger.Warn("strategy failed, trying next", "strategy", s.Name, "failure", attempt.Failure, "exit_code", attempt.ExitCode)
	}

	if last != nil {
		result.Log = header + last.Log + "\n\nAll compilation attempts failed. See output for details."
	} else {
		result.Log = header + "No compilation attempt was started."
	}
	p.finish(ctx, result, start)
	logger.Error("build failed", "attempts", len(result.Attempts), "duration", result.Duration)

	if err := ctx.Err(); err != nil {
		return result, fmt.Errorf("%w: %w", ErrStrategiesExhausted, err)
	}
	return result, ErrStrategiesExhausted
}

// Preflight reports which strategies a build for platform would run, without
// allocating anything. It fails exactly when Build would fail its gate.
func (p *Pipeline) Preflight(platform domain.Platform) ([]domain.Strategy, []preflight.Skipped, error) {
	_, runnable, skipped, err := p.gate(platform)
	return runnable, skipped, err
}

func (p *Pipeline) gate(platform domain.Platform) (config.PlatformConfig, []domain.Strategy, []preflight.Skipped, error) {
	platformCfg, ok := p.cfg.Platform(platform)
	if !ok {
		return platformCfg, nil, nil, &preflight.EnvironmentError{Reason: fmt.Sprintf("target platform %q is not configured", platform)}
	}
	if len(platformCfg.Launcher) == 0 {
		return platformCfg, nil, nil, &preflight.EnvironmentError{Reason: fmt.Sprintf("platform %q has no launcher configured", platform)}
	}
	runnable, skipped, err := p.checker.Gate(platform, p.cfg.Strategies)
	return platformCfg, runnable, skipped, err
}

func (p *Pipeline) finish(ctx context.Context, result *Result, start time.Time) {
	result.Duration = time.Since(start)
	p.recorder.ObserveBuildDuration(result.Duration)
	if result.Success {
		p.recorder.IncBuildOutcome(metrics.OutcomeSuccess)
	} else {
		p.recorder.IncBuildOutcome(metrics.OutcomeFailed)
	}
	if p.store == nil {
		return
	}
	outcome := domain.JobOutcome{
		Status:         domain.JobFailed,
		InstallSummary: result.InstallSummary,
		Log:            result.Log,
		Artifact:       result.Artifact,
		FinishedAt:     time.Now().UTC(),
	}
	if result.Success {
		outcome.Status = domain.JobSucceeded
	}
	// History is written even when the build context has expired
	if err := p.store.FinishJob(context.WithoutCancel(ctx), result.JobID, outcome); err != nil {
		p.logger.Warn("recording job outcome failed", "job_id", result.JobID, "error", err)
	}
}

// finalize makes the artifact executable and describes it
func (p *Pipeline) finalize(ctx context.Context, path string) *domain.Artifact {
	art := &domain.Artifact{Path: path}
	if err := os.Chmod(path, 0o755); err != nil {
		p.logger.Warn("chmod artifact failed", "path", path, "error", err)
	}
	if info, err := os.Stat(path); err == nil {
		art.Size = info.Size()
		art.Executable = info.Mode().Perm()&0o111 != 0
	}
	// Classification must not be cut short by an expiring build deadline
	ctx = context.WithoutCancel(ctx)
	art.FileType = p.inspector.Classify(ctx, path)
	art.Linkage = p.inspector.Linkage(ctx, path)
	return art
}

func (p *Pipeline) sourceName() string {
	if p.cfg.General.SourceName != "" {
		return p.cfg.General.SourceName
	}
	return "user_script.py"
}

// OutputName derives the artifact file name from the source name and extension
func OutputName(sourceName, ext string) string {
	return strings.TrimSuffix(sourceName, filepath.Ext(sourceName)) + ext
}

// ExpandArgs substitutes {name} placeholders in a strategy template
func ExpandArgs(args []string, vars map[string]string) []string {
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{"+k+"}", v)
	}
	r := strings.NewReplacer(pairs...)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}

// runAttempt executes one strategy and classifies its outcome
func (p *Pipeline) runAttempt(ctx context.Context, job domain.Job, s domain.Strategy, launcher []string, vars map[string]string, outputName string, hooks Hooks) domain.AttemptResult {
	attempt := domain.AttemptResult{Strategy: s, ExitCode: -1}
	logger := p.logger.With("job_id", job.ID, "strategy", s.Name)

	argv := append(append([]string{}, launcher...), ExpandArgs(s.Args, vars)...)
	cmd := streamer.Command{Name: argv[0], Args: argv[1:], Dir: job.WorkspaceDir}

	attemptCtx := ctx
	if d := p.cfg.Compiler.AttemptTimeout.Duration; d > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	logger.Info("attempting compilation", "command", cmd.String())
	started := time.Now()
	res, err := p.streamer.Run(attemptCtx, cmd, hooks.progress(job.ID, s))
	attempt.Duration = time.Since(started)
	defer func() {
		p.recorder.ObserveAttemptDuration(s.Name, attempt.Duration)
		outcome := metrics.OutcomeSuccess
		if !attempt.Succeeded() {
			outcome = metrics.OutcomeFailed
		}
		p.recorder.IncAttemptResult(s.Name, outcome, string(attempt.Failure))
	}()

	var spawnErr *streamer.SpawnError
	switch {
	case errors.As(err, &spawnErr):
		attempt.Failure = domain.FailureSpawn
		attempt.Log = fmt.Sprintf("Attempting %s compilation...\nCommand: %s\n%v\n", s.Name, cmd, err)
		return attempt
	case err != nil && res == nil:
		attempt.Failure = domain.FailureSpawn
		attempt.Log = fmt.Sprintf("Attempting %s compilation...\nCommand: %s\n%v\n", s.Name, cmd, err)
		return attempt
	}

	var log strings.Builder
	fmt.Fprintf(&log, "Attempting %s compilation...\nCommand: %s\n", s.Name, cmd)
	log.WriteString(res.Log)
	attempt.ExitCode = res.ExitCode

	switch {
	case res.Interrupted:
		attempt.Failure = domain.FailureTimeout
		fmt.Fprintf(&log, "Compilation interrupted after %s.\n", attempt.Duration.Round(time.Millisecond))
	case err != nil:
		attempt.Failure = domain.FailureNonZeroExit
		fmt.Fprintf(&log, "Compilation failed: %v\n", err)
	case res.ExitCode != 0:
		attempt.Failure = domain.FailureNonZeroExit
		fmt.Fprintf(&log, "Compilation finished with exit code: %d\n", res.ExitCode)
	default:
		fmt.Fprintf(&log, "Compilation finished with exit code: %d\n", res.ExitCode)
		path, lerr := locator.Locate(job.OutputDir, outputName, locator.Options{Strict: p.cfg.Compiler.StrictLocate})
		if lerr != nil {
			attempt.Failure = domain.FailureNoArtifact
			fmt.Fprintf(&log, "Compiler reported success but no executable was found: %v\n", lerr)
		} else {
			attempt.ArtifactPath = path
			fmt.Fprintf(&log, "Artifact: %s\n", path)
		}
	}
	attempt.Log = log.String()
	return attempt
}
