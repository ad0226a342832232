// Package janitor removes the directories of old finished jobs, either on
// demand or on a cron schedule. Nothing is removed unless it is enabled.
package janitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/hochfrequenz/binforge/internal/jobstore"
)

// Store is the part of the job history the janitor needs
type Store interface {
	ListFinishedBefore(ctx context.Context, cutoff time.Time) ([]*jobstore.JobRecord, error)
	MarkCleaned(ctx context.Context, id string) error
}

// Remover deletes a job's directories
type Remover interface {
	Remove(jobID string) error
}

// Janitor sweeps expired job workspaces
type Janitor struct {
	schedule  cron.Schedule
	expr      string
	retention time.Duration
	store     Store
	remover   Remover
	logger    *slog.Logger
	now       func() time.Time

	mu       sync.Mutex
	sweeping bool
}

// ParseCron parses a standard five-field cron expression
func ParseCron(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)
	return parser.Parse(expr)
}

// New creates a janitor. retention must be positive.
func New(expr string, retention time.Duration, store Store, remover Remover, logger *slog.Logger) (*Janitor, error) {
	if retention <= 0 {
		return nil, fmt.Errorf("cleanup retention must be positive, got %s", retention)
	}
	sched, err := ParseCron(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cleanup schedule %q: %w", expr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		schedule:  sched,
		expr:      expr,
		retention: retention,
		store:     store,
		remover:   remover,
		logger:    logger.With("component", "janitor"),
		now:       time.Now,
	}, nil
}

// NextRun returns when the schedule fires next
func (j *Janitor) NextRun() time.Time {
	return j.schedule.Next(j.now())
}

// Sweep removes every job that finished more than the retention period ago
// and returns how many were cleaned. A failure on one job does not stop the
// others; all failures are joined into the returned error.
func (j *Janitor) Sweep(ctx context.Context) (int, error) {
	j.mu.Lock()
	if j.sweeping {
		j.mu.Unlock()
		return 0, nil
	}
	j.sweeping = true
	j.mu.Unlock()
	defer func() {
		j.mu.Lock()
		j.sweeping = false
		j.mu.Unlock()
	}()

	cutoff := j.now().Add(-j.retention)
	due, err := j.store.ListFinishedBefore(ctx, cutoff)
	if err != nil {
		return 0, fmt.Errorf("listing expired jobs: %w", err)
	}

	var errs []error
	cleaned := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := j.remover.Remove(rec.ID); err != nil {
			errs = append(errs, fmt.Errorf("removing %s: %w", rec.ID, err))
			continue
		}
		if err := j.store.MarkCleaned(ctx, rec.ID); err != nil {
			errs = append(errs, fmt.Errorf("marking %s cleaned: %w", rec.ID, err))
			continue
		}
		cleaned++
	}

	j.logger.Info("sweep finished", "cutoff", cutoff.Format(time.RFC3339), "due", len(due), "cleaned", cleaned)
	return cleaned, errors.Join(errs...)
}

// Start runs Sweep on the schedule until ctx is cancelled
func (j *Janitor) Start(ctx context.Context) {
	c := cron.New(cron.WithParser(cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)))
	c.Schedule(j.schedule, cron.FuncJob(func() {
		if _, err := j.Sweep(ctx); err != nil {
			j.logger.Warn("scheduled sweep failed", "error", err)
		}
	}))
	c.Start()
	j.logger.Info("janitor started", "schedule", j.expr, "retention", j.retention, "next_run", j.NextRun())

	go func() {
		<-ctx.Done()
		<-c.Stop().Done()
	}()
}
