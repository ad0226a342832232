package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/preflight"
	"github.com/hochfrequenz/binforge/internal/streamer"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Request is one build submission
type Request struct {
	// JobID is generated when empty
	JobID     string          `validate:"omitempty,uuid4"`
	Source    string          `validate:"required"`
	Manifest  string          `validate:"max=65536"`
	Platform  domain.Platform `validate:"required,oneof=linux windows"`
	Extension string          `validate:"omitempty,startswith=.,max=16,excludesall=/\\"`
	Hooks     Hooks           `validate:"-"`
}

// Validate checks the request before any work is done
func (r *Request) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("invalid build request: %w", err)
	}
	return nil
}

// Hooks receives live events from a build. Every field is optional and is
// called on the goroutine running Build.
type Hooks struct {
	OnJob          func(job domain.Job)
	OnAttemptStart func(jobID string, index int, s domain.Strategy)
	OnProgress     func(jobID string, s domain.Strategy, u streamer.Update)
	OnAttempt      func(jobID string, index int, a domain.AttemptResult)
}

func (h Hooks) job(job domain.Job) {
	if h.OnJob != nil {
		h.OnJob(job)
	}
}

func (h Hooks) attemptStart(jobID string, index int, s domain.Strategy) {
	if h.OnAttemptStart != nil {
		h.OnAttemptStart(jobID, index, s)
	}
}

func (h Hooks) progress(jobID string, s domain.Strategy) streamer.UpdateFunc {
	if h.OnProgress == nil {
		return nil
	}
	return func(u streamer.Update) { h.OnProgress(jobID, s, u) }
}

func (h Hooks) attempt(jobID string, index int, a domain.AttemptResult) {
	if h.OnAttempt != nil {
		h.OnAttempt(jobID, index, a)
	}
}

// Result is the outcome of a build. It is returned for failed builds too.
type Result struct {
	JobID          string
	Job            domain.Job
	Success        bool
	InstallSummary string
	// Log is the host header followed by the last attempt's combined output
	Log      string
	Artifact *domain.Artifact
	Attempts []domain.AttemptResult
	Skipped  []preflight.Skipped
	Duration time.Duration
}

// FileType returns the artifact classification, or a failure note
func (r *Result) FileType() string {
	if r.Artifact == nil {
		return "Binary compilation failed."
	}
	return r.Artifact.FileType
}

// Summary is a one-line description of the outcome
func (r *Result) Summary() string {
	if r.Success {
		last := r.Attempts[len(r.Attempts)-1]
		return fmt.Sprintf("Compilation complete (%s)", last.Strategy.Name)
	}
	var kinds []string
	for _, a := range r.Attempts {
		kinds = append(kinds, fmt.Sprintf("%s: %s", a.Strategy.Name, a.Failure))
	}
	if len(kinds) == 0 {
		return "No compilation attempts were made"
	}
	return "All compilation attempts failed (" + strings.Join(kinds, "; ") + ")"
}
