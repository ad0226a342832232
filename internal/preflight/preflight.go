// Package preflight probes the host for the external tools a build needs and
// refuses work the host cannot structurally support.
package preflight

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/hochfrequenz/binforge/internal/domain"
)

// LookPathFunc locates an executable on the search path
type LookPathFunc func(file string) (string, error)

// EnvironmentError is returned when the host cannot run a build at all.
// It is always raised before a workspace is allocated.
type EnvironmentError struct {
	Reason  string
	Missing []string
}

func (e *EnvironmentError) Error() string {
	if len(e.Missing) == 0 {
		return e.Reason
	}
	return fmt.Sprintf("%s (missing: %s)", e.Reason, strings.Join(e.Missing, ", "))
}

// Report is the outcome of probing the host
type Report struct {
	Found   map[string]string
	Missing []string
}

// OK reports whether every probed tool was found
func (r Report) OK() bool {
	return len(r.Missing) == 0
}

// Skipped names a strategy that cannot run on this host
type Skipped struct {
	Strategy domain.Strategy
	Missing  []string
}

// Checker probes the host for required tools
type Checker struct {
	required  []string
	platforms map[domain.Platform][]string
	lookPath  LookPathFunc
}

// NewChecker creates a checker for a fixed tool set. platforms maps every
// supported target to the tools it cannot work without; a target absent from
// the map is unsupported.
func NewChecker(required []string, platforms map[domain.Platform][]string) *Checker {
	return &Checker{
		required:  required,
		platforms: platforms,
		lookPath:  exec.LookPath,
	}
}

// WithLookPath replaces the search primitive (used by tests)
func (c *Checker) WithLookPath(fn LookPathFunc) *Checker {
	c.lookPath = fn
	return c
}

// Check probes every required tool and returns what is missing
func (c *Checker) Check() Report {
	return c.probe(c.required)
}

func (c *Checker) probe(tools []string) Report {
	report := Report{Found: make(map[string]string)}
	seen := make(map[string]bool)
	for _, tool := range tools {
		if tool == "" || seen[tool] {
			continue
		}
		seen[tool] = true
		path, err := c.lookPath(tool)
		if err != nil {
			report.Missing = append(report.Missing, tool)
			continue
		}
		report.Found[tool] = path
	}
	sort.Strings(report.Missing)
	return report
}

// Gate decides which strategies can run for a platform. A required tool that
// no strategy names in its Requires is needed by every build, so its absence
// is an error; tools a strategy names only disqualify that strategy. An
// error is also returned when the platform is unsupported or no strategy is
// left.
func (c *Checker) Gate(platform domain.Platform, strategies []domain.Strategy) ([]domain.Strategy, []Skipped, error) {
	if report := c.probe(c.baseTools(strategies)); !report.OK() {
		return nil, nil, &EnvironmentError{
			Reason:  "missing dependencies required by every build",
			Missing: report.Missing,
		}
	}

	platformTools, ok := c.platforms[platform]
	if !ok {
		return nil, nil, &EnvironmentError{
			Reason: fmt.Sprintf("target platform %q is not supported on this host", platform),
		}
	}
	if report := c.probe(platformTools); !report.OK() {
		return nil, nil, &EnvironmentError{
			Reason:  fmt.Sprintf("target platform %q needs a compatibility layer that is not installed", platform),
			Missing: report.Missing,
		}
	}

	var runnable []domain.Strategy
	var skipped []Skipped
	var allMissing []string
	for _, s := range strategies {
		report := c.probe(s.Requires)
		if report.OK() {
			runnable = append(runnable, s)
			continue
		}
		skipped = append(skipped, Skipped{Strategy: s, Missing: report.Missing})
		allMissing = append(allMissing, report.Missing...)
	}

	if len(runnable) == 0 {
		return nil, skipped, &EnvironmentError{
			Reason:  "required dependencies are missing; no build strategy can run on this host",
			Missing: dedupe(allMissing),
		}
	}
	return runnable, skipped, nil
}

// baseTools returns the required tools not scoped to any strategy
func (c *Checker) baseTools(strategies []domain.Strategy) []string {
	scoped := make(map[string]bool)
	for _, s := range strategies {
		for _, tool := range s.Requires {
			scoped[tool] = true
		}
	}
	var base []string
	for _, tool := range c.required {
		if !scoped[tool] {
			base = append(base, tool)
		}
	}
	return base
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	var out []string
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	sort.Strings(out)
	return out
}
