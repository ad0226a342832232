package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/janitor"
	"github.com/hochfrequenz/binforge/internal/jobstore"
)

var (
	listStatus string
	listLimit  int

	showFormat string

	cleanOlderThan time.Duration
	cleanDryRun    bool
)

func init() {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect build history",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List recent jobs",
		RunE:  runJobsList,
	}
	listCmd.Flags().StringVar(&listStatus, "status", "", "filter by status (running, succeeded, failed, cleaned)")
	listCmd.Flags().IntVar(&listLimit, "limit", 20, "maximum number of jobs (0 for all)")
	jobsCmd.AddCommand(listCmd)

	showCmd := &cobra.Command{
		Use:   "show JOB_ID",
		Short: "Show one job with its attempts and executions",
		Args:  cobra.ExactArgs(1),
		RunE:  runJobsShow,
	}
	showCmd.Flags().StringVar(&showFormat, "format", "text", "output format (text, json, yaml)")
	jobsCmd.AddCommand(showCmd)

	rootCmd.AddCommand(jobsCmd)

	// clean command
	cleanCmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove workspaces of finished jobs past the retention period",
		RunE:  runClean,
	}
	cleanCmd.Flags().DurationVar(&cleanOlderThan, "older-than", 0, "retention override (default from config)")
	cleanCmd.Flags().BoolVar(&cleanDryRun, "dry-run", false, "list what would be removed")
	rootCmd.AddCommand(cleanCmd)
}

// JobDetail is the exported view of a job
type JobDetail struct {
	Job        *jobstore.JobRecord        `json:"job" yaml:"job"`
	Attempts   []jobstore.AttemptRecord   `json:"attempts" yaml:"attempts"`
	Executions []jobstore.ExecutionRecord `json:"executions" yaml:"executions"`
}

func runJobsList(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	jobs, err := a.store.ListJobs(cmd.Context(), jobstore.ListOptions{
		Status: domain.JobStatus(listStatus),
		Limit:  listLimit,
	})
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPLATFORM\tSTATUS\tCREATED\tARTIFACT")
	for _, j := range jobs {
		artifact := "-"
		if j.Artifact != nil {
			artifact = fmt.Sprintf("%s (%s)", j.Artifact.FileType, humanize.Bytes(uint64(j.Artifact.Size)))
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			j.ID, j.Platform, j.Status, humanize.Time(j.CreatedAt), artifact)
	}
	w.Flush()

	return nil
}

func runJobsShow(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	rec, err := a.store.GetJob(ctx, args[0])
	if err != nil {
		return fmt.Errorf("loading job %s: %w", args[0], err)
	}
	attempts, err := a.store.ListAttempts(ctx, rec.ID)
	if err != nil {
		return err
	}
	execs, err := a.store.ListExecutions(ctx, rec.ID)
	if err != nil {
		return err
	}
	detail := JobDetail{Job: rec, Attempts: attempts, Executions: execs}

	out := cmd.OutOrStdout()
	switch showFormat {
	case "json":
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	case "yaml":
		enc := yaml.NewEncoder(out)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(detail)
	case "text":
		printJobDetail(out, detail)
		return nil
	default:
		return fmt.Errorf("unknown format %q (expected text, json or yaml)", showFormat)
	}
}

func printJobDetail(out io.Writer, d JobDetail) {
	rec := d.Job
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Job:\t%s\n", rec.ID)
	fmt.Fprintf(w, "Status:\t%s\n", rec.Status)
	fmt.Fprintf(w, "Platform:\t%s (%s)\n", rec.Platform, rec.Extension)
	fmt.Fprintf(w, "Created:\t%s (%s)\n", rec.CreatedAt.Format(time.RFC3339), humanize.Time(rec.CreatedAt))
	if rec.FinishedAt != nil {
		fmt.Fprintf(w, "Duration:\t%s\n", rec.FinishedAt.Sub(rec.CreatedAt).Round(time.Millisecond))
	}
	if rec.CleanedAt != nil {
		fmt.Fprintf(w, "Cleaned:\t%s\n", humanize.Time(*rec.CleanedAt))
	}
	fmt.Fprintf(w, "Install:\t%s\n", rec.InstallSummary)
	if rec.Artifact != nil {
		fmt.Fprintf(w, "Artifact:\t%s (%s, %s)\n", rec.Artifact.Path, rec.Artifact.FileType, humanize.Bytes(uint64(rec.Artifact.Size)))
	}
	w.Flush()

	if len(d.Attempts) > 0 {
		fmt.Fprintln(out)
		w = tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "#\tSTRATEGY\tEXIT\tFAILURE\tDURATION")
		for _, at := range d.Attempts {
			failure := string(at.Failure)
			if failure == "" {
				failure = "-"
			}
			fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", at.Index+1, at.Strategy, at.ExitCode, failure, at.Duration.Round(time.Millisecond))
		}
		w.Flush()
	}

	for _, e := range d.Executions {
		fmt.Fprintf(out, "\nExecution %d (%s): %s\n", e.ID, humanize.Time(e.CreatedAt), e.Result.Message)
		fmt.Fprint(out, e.Result.Output())
	}
}

func runClean(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	retention := a.cfg.Cleanup.Retention.Duration
	if cleanOlderThan > 0 {
		retention = cleanOlderThan
	}

	if cleanDryRun {
		due, err := a.store.ListFinishedBefore(cmd.Context(), time.Now().Add(-retention))
		if err != nil {
			return err
		}
		for _, rec := range due {
			fmt.Fprintf(cmd.OutOrStdout(), "would remove %s (finished %s)\n", rec.ID, humanize.Time(*rec.FinishedAt))
		}
		return nil
	}

	j, err := janitor.New(a.cfg.Cleanup.Schedule, retention, a.store, a.pipeline.Workspace(), a.logger)
	if err != nil {
		return err
	}
	cleaned, err := j.Sweep(cmd.Context())
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d job workspaces older than %s\n", cleaned, retention)
	return err
}
