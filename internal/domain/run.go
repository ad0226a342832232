package domain

import (
	"fmt"
	"strings"
	"time"
)

// Job is a single build request together with the directories it owns.
// A job is never reused across requests.
type Job struct {
	ID           string    `json:"id" yaml:"id"`
	Source       string    `json:"source" yaml:"source"`
	Manifest     string    `json:"manifest,omitempty" yaml:"manifest,omitempty"`
	Platform     Platform  `json:"platform" yaml:"platform"`
	Extension    string    `json:"extension" yaml:"extension"`
	WorkspaceDir string    `json:"workspace_dir" yaml:"workspace_dir"`
	OutputDir    string    `json:"output_dir" yaml:"output_dir"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
}

// Strategy is one named invocation template for the external compiler
type Strategy struct {
	Name       string   `toml:"name" json:"name" yaml:"name"`
	Args       []string `toml:"args" json:"args" yaml:"args"`
	SingleFile bool     `toml:"single_file" json:"single_file" yaml:"single_file"`
	// Requires lists host tools this strategy cannot run without
	Requires []string `toml:"requires" json:"requires,omitempty" yaml:"requires,omitempty"`
}

// AttemptResult records one strategy attempt
type AttemptResult struct {
	Strategy     Strategy
	ExitCode     int
	Log          string
	ArtifactPath string
	Failure      FailureKind
	Duration     time.Duration
}

// Succeeded reports whether the attempt exited cleanly and produced an artifact
func (a *AttemptResult) Succeeded() bool {
	return a.ExitCode == 0 && a.ArtifactPath != "" && a.Failure == FailureNone
}

// Artifact is the native executable produced by a successful attempt
type Artifact struct {
	Path       string `json:"path" yaml:"path"`
	Size       int64  `json:"size" yaml:"size"`
	FileType   string `json:"file_type" yaml:"file_type"`
	Executable bool   `json:"executable" yaml:"executable"`
	Linkage    string `json:"linkage,omitempty" yaml:"linkage,omitempty"`
}

// TaggedLine is one line of sandbox output with its source stream
type TaggedLine struct {
	Stream Stream `json:"stream" yaml:"stream"`
	Text   string `json:"text" yaml:"text"`
}

// String renders the line the way it appears in a transcript
func (l TaggedLine) String() string {
	return fmt.Sprintf("[%s] %s", strings.ToUpper(string(l.Stream)), l.Text)
}

// ExecutionResult is the outcome of running an artifact in the sandbox
type ExecutionResult struct {
	Success    bool              `json:"success" yaml:"success"`
	Transcript []TaggedLine      `json:"transcript" yaml:"transcript"`
	Reason     TerminationReason `json:"reason" yaml:"reason"`
	ExitCode   int               `json:"exit_code" yaml:"exit_code"`
	Duration   time.Duration     `json:"duration" yaml:"duration"`
	Message    string            `json:"message,omitempty" yaml:"message,omitempty"`
}

// Output joins the transcript into display text
func (r *ExecutionResult) Output() string {
	var b strings.Builder
	for _, l := range r.Transcript {
		b.WriteString(l.String())
		b.WriteString("\n")
	}
	return b.String()
}

// Lines returns the transcript lines of a single stream
func (r *ExecutionResult) Lines(stream Stream) []string {
	var out []string
	for _, l := range r.Transcript {
		if l.Stream == stream {
			out = append(out, l.Text)
		}
	}
	return out
}

// JobOutcome is the terminal state recorded for a finished job
type JobOutcome struct {
	Status         JobStatus
	InstallSummary string
	Log            string
	Artifact       *Artifact
	FinishedAt     time.Time
}
