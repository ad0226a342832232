package buildprotocol

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/streamer"
)

func TestNewAttemptMessage(t *testing.T) {
	msg := NewAttemptMessage("job-1", 1, domain.AttemptResult{
		Strategy: domain.Strategy{Name: "Standalone"},
		ExitCode: 0,
		Failure:  domain.FailureNoArtifact,
		Log:      "long log",
		Duration: 2 * time.Second,
	})
	assert.Equal(t, AttemptMessage{
		JobID:      "job-1",
		Index:      1,
		Strategy:   "Standalone",
		Failure:    "no_artifact",
		DurationMs: 2000,
	}, msg)
}

func TestNewProgressMessage(t *testing.T) {
	msg := NewProgressMessage("job-1", "Onefile", streamer.Update{Line: "x", Lines: 5, Progress: 0.01})
	assert.Equal(t, "Onefile", msg.Strategy)
	assert.Equal(t, 5, msg.Lines)
	assert.False(t, msg.Done)
}

func TestNewExecutionMessage(t *testing.T) {
	msg := NewExecutionMessage("job-1", domain.ExecutionResult{
		Success:    true,
		Reason:     domain.ReasonCompleted,
		Transcript: []domain.TaggedLine{{Stream: domain.StreamStderr, Text: "w"}},
		Duration:   time.Second,
	})
	assert.Equal(t, "completed", msg.Reason)
	assert.Equal(t, []LineMessage{{Stream: "stderr", Text: "w"}}, msg.Transcript)
	assert.Equal(t, int64(1000), msg.DurationMs)
}

func TestNewJobMessage(t *testing.T) {
	msg := NewJobMessage(domain.Job{
		ID:        "job-1",
		Platform:  domain.PlatformWindows,
		Extension: ".exe",
		CreatedAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	})
	assert.Equal(t, "2026-01-02T03:04:05Z", msg.CreatedAt)
	assert.Equal(t, "windows", msg.Platform)
}
