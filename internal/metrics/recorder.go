// Package metrics defines the build observability hooks. Components receive
// a Recorder and default to NoopRecorder, so nothing needs nil checks.
package metrics

import "time"

// OutcomeLabel enumerates attempt, build and execution outcomes for counters
type OutcomeLabel string

const (
	OutcomeSuccess OutcomeLabel = "success"
	OutcomeFailed  OutcomeLabel = "failed"
	OutcomeSkipped OutcomeLabel = "skipped"
	OutcomeEnvErr  OutcomeLabel = "environment_error"
)

// Recorder defines observability hooks for builds and sandbox runs
type Recorder interface {
	ObserveAttemptDuration(strategy string, d time.Duration)
	IncAttemptResult(strategy string, outcome OutcomeLabel, failure string)
	ObserveBuildDuration(d time.Duration)
	IncBuildOutcome(outcome OutcomeLabel)
	IncExecution(reason string)
	SetActiveBuilds(n int)
}

// NoopRecorder is a Recorder that does nothing (default when metrics are not served)
type NoopRecorder struct{}

func (NoopRecorder) ObserveAttemptDuration(string, time.Duration) {}
func (NoopRecorder) IncAttemptResult(string, OutcomeLabel, string) {}
func (NoopRecorder) ObserveBuildDuration(time.Duration) {}
func (NoopRecorder) IncBuildOutcome(OutcomeLabel) {}
func (NoopRecorder) IncExecution(string) {}
func (NoopRecorder) SetActiveBuilds(int) {}
