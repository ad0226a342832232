package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/hochfrequenz/binforge/internal/config"
	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/janitor"
	"github.com/hochfrequenz/binforge/internal/jobstore"
	"github.com/hochfrequenz/binforge/internal/metrics"
	"github.com/hochfrequenz/binforge/internal/pipeline"
	"github.com/hochfrequenz/binforge/internal/pool"
	"github.com/hochfrequenz/binforge/internal/preflight"
	"github.com/hochfrequenz/binforge/internal/sandbox"
	"github.com/hochfrequenz/binforge/internal/streamer"
	"github.com/hochfrequenz/binforge/internal/watch"
	"github.com/hochfrequenz/binforge/tui"
	"github.com/hochfrequenz/binforge/web/api"
)

var (
	buildManifest string
	buildPlatform string
	buildExt      string
	buildTUI      bool
	buildRun      bool
	buildShowLog  bool
	buildNoStore  bool

	runPath string

	servePort    int
	serveHost    string
	serveMaxJobs int

	watchDebounce time.Duration
)

func init() {
	// build command
	buildCmd := &cobra.Command{
		Use:   "build SOURCE",
		Short: "Compile a source file into a native executable",
		Args:  cobra.ExactArgs(1),
		RunE:  runBuild,
	}
	addBuildFlags(buildCmd)
	buildCmd.Flags().BoolVar(&buildTUI, "tui", false, "show live progress in a terminal UI")
	buildCmd.Flags().BoolVar(&buildRun, "run", false, "test-run the artifact in the sandbox after a successful build")
	buildCmd.Flags().BoolVar(&buildShowLog, "log", false, "print the full compile log")
	buildCmd.Flags().BoolVar(&buildNoStore, "no-store", false, "do not record the job in the history database")
	rootCmd.AddCommand(buildCmd)

	// run command
	runCmd := &cobra.Command{
		Use:   "run [JOB_ID]",
		Short: "Run a built artifact in the sandbox",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runRun,
	}
	runCmd.Flags().StringVar(&runPath, "path", "", "run this file instead of a job's artifact")
	rootCmd.AddCommand(runCmd)

	// preflight command
	preflightCmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check the host for required build tools",
		RunE:  runPreflight,
	}
	rootCmd.AddCommand(preflightCmd)

	// serve command
	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP build service",
		RunE:  runServe,
	}
	serveCmd.Flags().IntVar(&servePort, "port", 0, "port to listen on (default from config)")
	serveCmd.Flags().StringVar(&serveHost, "host", "", "host to bind (default from config)")
	serveCmd.Flags().IntVar(&serveMaxJobs, "max-jobs", 0, "concurrent builds and runs (default from config)")
	rootCmd.AddCommand(serveCmd)

	// watch command
	watchCmd := &cobra.Command{
		Use:   "watch SOURCE",
		Short: "Rebuild a source file whenever it changes",
		Args:  cobra.ExactArgs(1),
		RunE:  runWatch,
	}
	addBuildFlags(watchCmd)
	watchCmd.Flags().DurationVar(&watchDebounce, "debounce", 500*time.Millisecond, "quiet period before rebuilding")
	rootCmd.AddCommand(watchCmd)
}

func addBuildFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&buildManifest, "manifest", "", "requirements file installed before compiling")
	cmd.Flags().StringVar(&buildPlatform, "platform", string(domain.PlatformLinux), "target platform (linux or windows)")
	cmd.Flags().StringVar(&buildExt, "ext", "", "output extension (default per platform)")
}

// app bundles the components shared by the commands
type app struct {
	cfg      *config.Config
	checker  *preflight.Checker
	store    *jobstore.Store
	pipeline *pipeline.Pipeline
	logger   *slog.Logger
}

func newApp(withStore bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logger := slog.Default()
	checker := preflight.NewChecker(cfg.Compiler.RequiredTools, cfg.PlatformRequirements())
	a := &app{
		cfg:      cfg,
		checker:  checker,
		pipeline: pipeline.New(cfg, checker, logger),
		logger:   logger,
	}
	if withStore {
		if err := os.MkdirAll(filepath.Dir(cfg.General.DatabasePath), 0o755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
		store, err := jobstore.New(cfg.General.DatabasePath)
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		a.store = store
		a.pipeline.WithStore(store)
	}
	return a, nil
}

func (a *app) Close() {
	if a.store != nil {
		a.store.Close()
	}
}

func (a *app) sandbox() *sandbox.Runner {
	return sandbox.New(a.cfg.Sandbox.Timeout.Duration, a.cfg.Sandbox.KillGrace.Duration, a.logger)
}

// buildRequest reads the source and manifest files named on the command line
func buildRequest(sourcePath string) (pipeline.Request, error) {
	platform, err := domain.ParsePlatform(buildPlatform)
	if err != nil {
		return pipeline.Request{}, err
	}
	source, err := os.ReadFile(sourcePath)
	if err != nil {
		return pipeline.Request{}, fmt.Errorf("reading source: %w", err)
	}
	req := pipeline.Request{
		Source:    string(source),
		Platform:  platform,
		Extension: buildExt,
	}
	if buildManifest != "" {
		manifest, err := os.ReadFile(buildManifest)
		if err != nil {
			return pipeline.Request{}, fmt.Errorf("reading manifest: %w", err)
		}
		req.Manifest = string(manifest)
	}
	return req, nil
}

// printHooks reports build progress as plain text
func printHooks(w io.Writer) pipeline.Hooks {
	return pipeline.Hooks{
		OnJob: func(job domain.Job) {
			fmt.Fprintf(w, "Job %s (%s)\n", job.ID, job.Platform)
		},
		OnAttemptStart: func(_ string, index int, s domain.Strategy) {
			fmt.Fprintf(w, "==> [%d] Attempting %s compilation...\n", index+1, s.Name)
		},
		OnProgress: func(_ string, _ domain.Strategy, u streamer.Update) {
			if u.Done {
				return
			}
			fmt.Fprintf(w, "[%3.0f%%] %s\n", u.Progress*100, u.Line)
		},
		OnAttempt: func(_ string, _ int, a domain.AttemptResult) {
			if a.Succeeded() {
				fmt.Fprintf(w, "==> %s succeeded in %s\n", a.Strategy.Name, a.Duration.Round(time.Millisecond))
				return
			}
			fmt.Fprintf(w, "==> %s failed: %s (exit code %d)\n", a.Strategy.Name, a.Failure, a.ExitCode)
		},
	}
}

func runBuild(cmd *cobra.Command, args []string) error {
	req, err := buildRequest(args[0])
	if err != nil {
		return err
	}

	if buildTUI {
		// Log lines would tear the alternate screen
		slog.SetDefault(slog.New(slog.NewTextHandler(io.Discard, nil)))
	}

	a, err := newApp(!buildNoStore)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	var res *pipeline.Result
	if buildTUI {
		runnable, _, err := a.pipeline.Preflight(req.Platform)
		if err != nil {
			return err
		}
		names := make([]string, len(runnable))
		for i, s := range runnable {
			names[i] = s.Name
		}
		res, err = tui.Run(ctx, tui.ModelConfig{
			Platform:   req.Platform,
			Strategies: names,
			Window:     a.cfg.Compiler.LogWindow,
		}, func(ctx context.Context, hooks pipeline.Hooks) (*pipeline.Result, error) {
			req.Hooks = hooks
			return a.pipeline.Build(ctx, req)
		}, tea.WithAltScreen(), tea.WithOutput(cmd.ErrOrStderr()))
		if res == nil {
			return err
		}
		printResult(cmd.OutOrStdout(), res)
		if err != nil {
			return err
		}
	} else {
		req.Hooks = printHooks(cmd.ErrOrStderr())
		res, err = a.pipeline.Build(ctx, req)
		if res == nil {
			return err
		}
		printResult(cmd.OutOrStdout(), res)
		if err != nil {
			fmt.Fprintln(cmd.ErrOrStderr())
			fmt.Fprintln(cmd.ErrOrStderr(), res.Log)
			return err
		}
	}

	if buildShowLog {
		fmt.Fprintln(cmd.OutOrStdout())
		fmt.Fprintln(cmd.OutOrStdout(), res.Log)
	}

	if buildRun {
		result := a.sandbox().Run(ctx, res.Artifact.Path)
		a.recordExecution(ctx, res.JobID, result)
		printExecution(cmd.OutOrStdout(), result)
		if !result.Success {
			return fmt.Errorf("test run: %s", result.Message)
		}
	}
	return nil
}

func printResult(out io.Writer, res *pipeline.Result) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Job:\t%s\n", res.JobID)
	fmt.Fprintf(w, "Result:\t%s\n", res.Summary())
	fmt.Fprintf(w, "Install:\t%s\n", res.InstallSummary)
	for _, s := range res.Skipped {
		fmt.Fprintf(w, "Skipped:\t%s (missing: %s)\n", s.Strategy.Name, strings.Join(s.Missing, ", "))
	}
	if a := res.Artifact; a != nil {
		detail := fmt.Sprintf("%s, %s", a.FileType, humanize.Bytes(uint64(a.Size)))
		if a.Linkage != "" {
			detail += ", " + a.Linkage
		}
		fmt.Fprintf(w, "Artifact:\t%s (%s)\n", a.Path, detail)
	} else {
		fmt.Fprintf(w, "Artifact:\t%s\n", res.FileType())
	}
	fmt.Fprintf(w, "Duration:\t%s\n", res.Duration.Round(time.Millisecond))
	w.Flush()
}

func printExecution(out io.Writer, r domain.ExecutionResult) {
	fmt.Fprintln(out, "Execution Output:")
	fmt.Fprint(out, r.Output())
	fmt.Fprintf(out, "%s (%s, %s)\n", r.Message, r.Reason, r.Duration.Round(time.Millisecond))
}

func (a *app) recordExecution(ctx context.Context, jobID string, r domain.ExecutionResult) {
	if a.store == nil || jobID == "" {
		return
	}
	if _, err := a.store.AddExecution(context.WithoutCancel(ctx), jobID, r); err != nil {
		a.logger.Warn("recording execution failed", "job_id", jobID, "error", err)
	}
}

func runRun(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && runPath == "" {
		return fmt.Errorf("either a job id or --path is required")
	}

	a, err := newApp(len(args) > 0)
	if err != nil {
		return err
	}
	defer a.Close()

	path := runPath
	jobID := ""
	if len(args) > 0 {
		jobID = args[0]
		rec, err := a.store.GetJob(cmd.Context(), jobID)
		if err != nil {
			return fmt.Errorf("loading job %s: %w", jobID, err)
		}
		if rec.CleanedAt != nil {
			return fmt.Errorf("job %s was cleaned up", jobID)
		}
		if rec.Artifact == nil {
			return fmt.Errorf("job %s produced no artifact", jobID)
		}
		path = rec.Artifact.Path
	}

	result := a.sandbox().Run(cmd.Context(), path)
	a.recordExecution(cmd.Context(), jobID, result)
	printExecution(cmd.OutOrStdout(), result)
	if !result.Success {
		return fmt.Errorf("run failed: %s", result.Message)
	}
	return nil
}

func runPreflight(cmd *cobra.Command, args []string) error {
	a, err := newApp(false)
	if err != nil {
		return err
	}

	report := a.checker.Check()
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tSTATUS")
	tools := make([]string, 0, len(report.Found))
	for tool := range report.Found {
		tools = append(tools, tool)
	}
	sort.Strings(tools)
	for _, tool := range tools {
		fmt.Fprintf(w, "%s\t%s\n", tool, report.Found[tool])
	}
	for _, tool := range report.Missing {
		fmt.Fprintf(w, "%s\tMISSING\n", tool)
	}
	w.Flush()
	fmt.Fprintln(cmd.OutOrStdout())

	usable := 0
	for _, p := range []domain.Platform{domain.PlatformLinux, domain.PlatformWindows} {
		runnable, skipped, err := a.pipeline.Preflight(p)
		if err != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%s: unavailable: %v\n", p, err)
			continue
		}
		usable++
		names := make([]string, len(runnable))
		for i, s := range runnable {
			names[i] = s.Name
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", p, strings.Join(names, " -> "))
		for _, s := range skipped {
			fmt.Fprintf(cmd.OutOrStdout(), "  skipped %s (missing: %s)\n", s.Strategy.Name, strings.Join(s.Missing, ", "))
		}
	}

	if usable == 0 {
		return fmt.Errorf("no target platform can be built on this host")
	}
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	if servePort != 0 {
		a.cfg.Web.Port = servePort
	}
	if serveHost != "" {
		a.cfg.Web.Host = serveHost
	}
	if serveMaxJobs != 0 {
		a.cfg.Web.MaxJobs = serveMaxJobs
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	recorder := metrics.NewPrometheusRecorder(reg)
	a.pipeline.WithRecorder(recorder)

	ctx := cmd.Context()
	if a.cfg.Cleanup.Enabled {
		j, err := janitor.New(a.cfg.Cleanup.Schedule, a.cfg.Cleanup.Retention.Duration, a.store, a.pipeline.Workspace(), a.logger)
		if err != nil {
			return err
		}
		j.Start(ctx)
	}

	addr := net.JoinHostPort(a.cfg.Web.Host, strconv.Itoa(a.cfg.Web.Port))
	server := api.NewServer(a.pipeline, a.sandbox(), a.store, api.Options{
		Addr:     addr,
		Checker:  a.checker,
		Pool:     pool.New(a.cfg.Web.MaxJobs),
		Recorder: recorder,
		Metrics:  recorder.Handler(),
		Logger:   a.logger,
	})

	fmt.Printf("Starting server on http://%s\n", addr)
	return server.Start(ctx)
}

func runWatch(cmd *cobra.Command, args []string) error {
	source, err := filepath.Abs(args[0])
	if err != nil {
		return err
	}
	if _, err := buildRequest(source); err != nil {
		return err
	}

	a, err := newApp(true)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	rebuild := func() {
		req, err := buildRequest(source)
		if err != nil {
			fmt.Fprintf(out, "skipping rebuild: %v\n", err)
			return
		}
		req.Hooks = printHooks(cmd.ErrOrStderr())
		res, err := a.pipeline.Build(ctx, req)
		if res != nil {
			printResult(out, res)
		}
		var envErr *preflight.EnvironmentError
		if errors.As(err, &envErr) {
			fmt.Fprintf(out, "build refused: %v\n", err)
		}
	}

	// Builds run one at a time; changes during a build queue one more
	trigger := make(chan struct{}, 1)
	w, err := watch.New(func(changed []string) {
		a.logger.Info("source changed", "files", changed)
		select {
		case trigger <- struct{}{}:
		default:
		}
	}, a.logger)
	if err != nil {
		return err
	}
	w.SetDebounce(watchDebounce)
	if err := w.Add(source); err != nil {
		return err
	}
	if buildManifest != "" {
		manifest, err := filepath.Abs(buildManifest)
		if err != nil {
			return err
		}
		if err := w.Add(manifest); err != nil {
			return err
		}
	}
	w.Start(ctx)
	defer w.Stop()

	fmt.Fprintf(out, "Watching %s (Ctrl+C to stop)\n", source)
	rebuild()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-trigger:
			rebuild()
		}
	}
}
