package buildprotocol

import (
	"time"

	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/streamer"
)

// NewJobMessage describes a job that has just been allocated
func NewJobMessage(job domain.Job) JobMessage {
	return JobMessage{
		JobID:     job.ID,
		Platform:  string(job.Platform),
		Extension: job.Extension,
		CreatedAt: job.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// NewProgressMessage converts a streamer update
func NewProgressMessage(jobID, strategy string, u streamer.Update) ProgressMessage {
	return ProgressMessage{
		JobID:    jobID,
		Strategy: strategy,
		Line:     u.Line,
		Lines:    u.Lines,
		Progress: u.Progress,
		Done:     u.Done,
	}
}

// NewAttemptMessage converts an attempt outcome. The log is not included.
func NewAttemptMessage(jobID string, index int, a domain.AttemptResult) AttemptMessage {
	return AttemptMessage{
		JobID:        jobID,
		Index:        index,
		Strategy:     a.Strategy.Name,
		ExitCode:     a.ExitCode,
		Failure:      string(a.Failure),
		ArtifactPath: a.ArtifactPath,
		DurationMs:   a.Duration.Milliseconds(),
	}
}

// NewExecutionMessage converts a sandbox result
func NewExecutionMessage(jobID string, r domain.ExecutionResult) ExecutionMessage {
	lines := make([]LineMessage, len(r.Transcript))
	for i, l := range r.Transcript {
		lines[i] = LineMessage{Stream: string(l.Stream), Text: l.Text}
	}
	return ExecutionMessage{
		JobID:      jobID,
		Success:    r.Success,
		Reason:     string(r.Reason),
		ExitCode:   r.ExitCode,
		Message:    r.Message,
		Transcript: lines,
		DurationMs: r.Duration.Milliseconds(),
	}
}
