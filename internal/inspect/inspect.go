package inspect

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
)

// Inspector runs the host's classifier and linkage tools against an artifact
type Inspector struct {
	classifier []string
	linkage    []string
	logger     *slog.Logger
}

// New creates an Inspector. classifier and linkage are argv prefixes; the
// artifact path is appended. Either may be empty to disable it.
func New(classifier, linkage []string, logger *slog.Logger) *Inspector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{
		classifier: classifier,
		linkage:    linkage,
		logger:     logger.With("component", "inspect"),
	}
}

// Classify returns a human-readable file type. It falls back to magic byte
// detection when the classifier is missing or fails.
func (i *Inspector) Classify(ctx context.Context, path string) string {
	if len(i.classifier) > 0 {
		out, err := run(ctx, i.classifier, path)
		if err == nil && out != "" {
			return out
		}
		i.logger.Debug("classifier unavailable, using magic bytes", "path", path, "error", err)
	}
	f, err := DetectFormat(path)
	if err != nil {
		return "unknown"
	}
	return f.describe()
}

// Linkage returns the dynamic linkage report, or a short note when the
// inspector cannot describe the file. It is informational only.
func (i *Inspector) Linkage(ctx context.Context, path string) string {
	if len(i.linkage) == 0 {
		return ""
	}
	out, err := run(ctx, i.linkage, path)
	switch {
	case err == nil:
		return out
	case strings.Contains(out, "not a dynamic executable"):
		return "statically linked"
	default:
		i.logger.Debug("linkage inspection failed", "path", path, "error", err)
		return fmt.Sprintf("linkage unavailable: %v", err)
	}
}

func run(ctx context.Context, argv []string, path string) (string, error) {
	args := append(append([]string{}, argv[1:]...), path)
	out, err := exec.CommandContext(ctx, argv[0], args...).CombinedOutput()
	return strings.TrimSpace(string(out)), err
}
