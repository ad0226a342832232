// Package workspace allocates the isolated input and output directories owned
// by a single build job.
package workspace

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
)

// Dirs is the pair of directories allocated for one job
type Dirs struct {
	Input  string
	Output string
}

// Manager creates per-job directories under two roots
type Manager struct {
	inputRoot  string
	outputRoot string
	logger     *slog.Logger
}

// NewManager creates a manager rooted at the given directories
func NewManager(inputRoot, outputRoot string, logger *slog.Logger) *Manager {
	if inputRoot == "" {
		inputRoot = filepath.Join(os.TempDir(), "binforge", "user_code")
	}
	if outputRoot == "" {
		outputRoot = filepath.Join(os.TempDir(), "binforge", "compiled_output")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		inputRoot:  inputRoot,
		outputRoot: outputRoot,
		logger:     logger.With("component", "workspace"),
	}
}

// Paths returns the directories a job id maps to without touching the filesystem
func (m *Manager) Paths(jobID string) Dirs {
	return Dirs{
		Input:  filepath.Join(m.inputRoot, jobID),
		Output: filepath.Join(m.outputRoot, jobID),
	}
}

// Allocate creates the job's input and output directories. Calling it twice
// for the same id is not an error.
func (m *Manager) Allocate(jobID string) (Dirs, error) {
	if err := validateID(jobID); err != nil {
		return Dirs{}, err
	}
	dirs := m.Paths(jobID)
	if err := os.MkdirAll(dirs.Input, 0o750); err != nil {
		return Dirs{}, fmt.Errorf("creating input workspace: %w", err)
	}
	if err := os.MkdirAll(dirs.Output, 0o750); err != nil {
		return Dirs{}, fmt.Errorf("creating output directory: %w", err)
	}
	m.logger.Debug("allocated workspace", "job_id", jobID, "input", dirs.Input, "output", dirs.Output)
	return dirs, nil
}

// Remove deletes both directories of a job. Nothing calls this implicitly;
// it backs the clean command and the opt-in janitor.
func (m *Manager) Remove(jobID string) error {
	if err := validateID(jobID); err != nil {
		return err
	}
	dirs := m.Paths(jobID)
	if err := os.RemoveAll(dirs.Input); err != nil {
		return fmt.Errorf("removing input workspace: %w", err)
	}
	if err := os.RemoveAll(dirs.Output); err != nil {
		return fmt.Errorf("removing output directory: %w", err)
	}
	m.logger.Info("removed workspace", "job_id", jobID)
	return nil
}

// validateID rejects ids that would escape the roots
func validateID(jobID string) error {
	if jobID == "" || jobID == "." || jobID == ".." || filepath.Base(jobID) != jobID {
		return fmt.Errorf("invalid job id %q", jobID)
	}
	return nil
}
