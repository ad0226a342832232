package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/streamer"
)

const requirementsFile = "requirements.txt"

// Requirements returns the meaningful manifest lines, dropping blanks and # comments
func Requirements(manifest string) []string {
	var out []string
	for _, line := range strings.Split(NormalizeLineEndings(manifest), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		out = append(out, line)
	}
	return out
}

// installRequirements runs the package installer once. Its failure never
// aborts the build; it is only reported in the returned summary.
func (p *Pipeline) installRequirements(ctx context.Context, job domain.Job, launcher []string) string {
	reqs := Requirements(job.Manifest)
	if len(reqs) == 0 {
		return "No requirements specified."
	}
	logger := p.logger.With("job_id", job.ID)

	path := filepath.Join(job.WorkspaceDir, requirementsFile)
	if err := os.WriteFile(path, []byte(strings.Join(reqs, "\n")+"\n"), 0o644); err != nil {
		return fmt.Sprintf("Error installing requirements: %v", err)
	}

	args := ExpandArgs(p.cfg.Compiler.InstallerArgs, map[string]string{
		"manifest":  path,
		"workspace": job.WorkspaceDir,
	})
	argv := append(append([]string{}, launcher...), args...)
	cmd := streamer.Command{Name: argv[0], Args: argv[1:], Dir: job.WorkspaceDir}

	// The installer gets the same bound as one compile attempt
	if d := p.cfg.Compiler.AttemptTimeout.Duration; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	logger.Info("installing requirements", "count", len(reqs), "command", cmd.String())
	res, err := p.streamer.Run(ctx, cmd, nil)
	var spawnErr *streamer.SpawnError
	switch {
	case errors.As(err, &spawnErr):
		logger.Warn("installer could not start", "error", err)
		return fmt.Sprintf("Error installing requirements: %v", err)
	case err != nil && res == nil:
		return fmt.Sprintf("Error installing requirements: %v", err)
	}
	if res.Interrupted {
		logger.Warn("installer interrupted", "duration", res.Duration)
		return fmt.Sprintf("Error installing requirements: interrupted after %s", res.Duration.Round(time.Millisecond))
	}
	if res.ExitCode != 0 {
		logger.Warn("installer reported failure", "exit_code", res.ExitCode)
	}
	return fmt.Sprintf("Requirements installation completed with exit code: %d", res.ExitCode)
}
