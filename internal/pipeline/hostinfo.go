package pipeline

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/preflight"
)

// NormalizeLineEndings converts CRLF and lone CR to LF
func NormalizeLineEndings(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// hostHeader describes the build host; it opens every compile log
func hostHeader(job domain.Job, runnable []domain.Strategy, skipped []preflight.Skipped) string {
	var b strings.Builder
	b.WriteString("System Information:\n")
	fmt.Fprintf(&b, "- Go Runtime: %s\n", runtime.Version())
	fmt.Fprintf(&b, "- Platform: %s\n", runtime.GOOS)
	fmt.Fprintf(&b, "- Architecture: %s\n", runtime.GOARCH)
	fmt.Fprintf(&b, "- Target Platform: %s\n", job.Platform)
	fmt.Fprintf(&b, "- Job: %s\n", job.ID)

	names := make([]string, len(runnable))
	for i, s := range runnable {
		names[i] = s.Name
	}
	fmt.Fprintf(&b, "- Strategies: %s\n", strings.Join(names, ", "))
	for _, s := range skipped {
		fmt.Fprintf(&b, "- Skipped %s (missing: %s)\n", s.Strategy.Name, strings.Join(s.Missing, ", "))
	}
	b.WriteString("\n")
	return b.String()
}
