package pipeline

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/binforge/internal/config"
	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/hochfrequenz/binforge/internal/preflight"
	"github.com/hochfrequenz/binforge/internal/streamer"
)

const (
	compilerFails = `echo "compiling $1"
echo "error: boom" >&2
exit 1`
	compilerSucceeds = `echo "building $3"
printf '\177ELF' > "$2/$3"
exit 0`
	compilerSucceedsInDist = `mkdir -p "$2/user_script.dist"
printf '\177ELF' > "$2/user_script.dist/$3"
exit 0`
	compilerForgetsArtifact = `echo "nothing to see"
exit 0`
	compilerHangs = `echo "starting"
sleep 30`
	compilerLeavesHelper = `echo "building $3"
printf '\177ELF' > "$2/$3"
(sleep 30 &)
exit 0`
)

// writeScript writes a fake toolchain script and returns its path
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(body+"\n"), 0o755))
	return p
}

// strategy builds a strategy that runs a fake compiler through the sh launcher
func strategy(t *testing.T, name, body string) domain.Strategy {
	t.Helper()
	script := writeScript(t, t.TempDir(), "compiler.sh", body)
	return domain.Strategy{
		Name: name,
		Args: []string{script, "{source}", "{output_dir}", "{output_name}"},
	}
}

type fixture struct {
	cfg      *config.Config
	store    *fakeStore
	pipeline *Pipeline
	root     string
}

func newFixture(t *testing.T, strategies ...domain.Strategy) *fixture {
	t.Helper()
	root := t.TempDir()
	cfg := config.Default()
	cfg.General.WorkspaceRoot = filepath.Join(root, "user_code")
	cfg.General.OutputRoot = filepath.Join(root, "compiled_output")
	cfg.Compiler.RequiredTools = nil
	cfg.Compiler.ClassifierCommand = nil
	cfg.Compiler.LinkageCommand = nil
	cfg.Compiler.InstallerArgs = []string{
		writeScript(t, t.TempDir(), "installer.sh", `echo "installing from $1"; exit 0`),
		"{manifest}",
	}
	cfg.Platforms = map[string]config.PlatformConfig{
		"linux":   {Launcher: []string{"sh"}, DefaultExtension: ".bin"},
		"windows": {Launcher: []string{"sh"}, Requires: []string{"wine"}, DefaultExtension: ".exe"},
	}
	cfg.Strategies = strategies

	checker := preflight.NewChecker(nil, cfg.PlatformRequirements()).WithLookPath(func(file string) (string, error) {
		if file == "wine" || file == "missing-tool" {
			return "", exec.ErrNotFound
		}
		return "/usr/bin/" + file, nil
	})
	store := newFakeStore()
	return &fixture{
		cfg:      cfg,
		store:    store,
		pipeline: New(cfg, checker, nil).WithStore(store),
		root:     root,
	}
}

func linuxRequest() Request {
	return Request{Source: "print('hello')\n", Platform: domain.PlatformLinux}
}

func TestBuild_FallsBackToNextStrategy(t *testing.T) {
	f := newFixture(t,
		strategy(t, "First", compilerFails),
		strategy(t, "Second", compilerSucceeds),
	)

	res, err := f.pipeline.Build(context.Background(), linuxRequest())
	require.NoError(t, err)
	require.True(t, res.Success)

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, domain.FailureNonZeroExit, res.Attempts[0].Failure)
	assert.Equal(t, 1, res.Attempts[0].ExitCode)
	assert.Contains(t, res.Attempts[0].Log, "error: boom")
	assert.True(t, res.Attempts[1].Succeeded())

	require.NotNil(t, res.Artifact)
	assert.Equal(t, filepath.Join(f.cfg.General.OutputRoot, res.JobID, "user_script.bin"), res.Artifact.Path)
	assert.True(t, res.Artifact.Executable)
	assert.Equal(t, int64(4), res.Artifact.Size)
	assert.Equal(t, "ELF executable", res.Artifact.FileType)
	assert.Equal(t, "ELF executable", res.FileType())

	assert.Contains(t, res.Log, "System Information:")
	assert.Contains(t, res.Log, "Attempting Second compilation")
	assert.NotContains(t, res.Log, "error: boom")
	assert.Equal(t, "No requirements specified.", res.InstallSummary)
	assert.Equal(t, "Compilation complete (Second)", res.Summary())

	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	assert.Len(t, f.store.jobs, 1)
	assert.Len(t, f.store.attempts[res.JobID], 2)
	assert.Equal(t, domain.JobSucceeded, f.store.outcomes[res.JobID].Status)
}

func TestBuild_AllStrategiesFail(t *testing.T) {
	f := newFixture(t,
		strategy(t, "First", compilerFails),
		strategy(t, "Second", compilerFails),
	)

	res, err := f.pipeline.Build(context.Background(), linuxRequest())
	require.ErrorIs(t, err, ErrStrategiesExhausted)
	require.NotNil(t, res)

	assert.False(t, res.Success)
	assert.Nil(t, res.Artifact)
	assert.Len(t, res.Attempts, 2)
	assert.Contains(t, res.Log, "Attempting Second compilation")
	assert.Contains(t, res.Log, "error: boom")
	assert.Contains(t, res.Log, "All compilation attempts failed")
	assert.Equal(t, "Binary compilation failed.", res.FileType())
	assert.Equal(t, domain.JobFailed, f.store.outcome(res.JobID).Status)
}

func TestBuild_ZeroExitWithoutArtifactIsAFailure(t *testing.T) {
	f := newFixture(t,
		strategy(t, "Forgetful", compilerForgetsArtifact),
		strategy(t, "Works", compilerSucceeds),
	)

	res, err := f.pipeline.Build(context.Background(), linuxRequest())
	require.NoError(t, err)

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, 0, res.Attempts[0].ExitCode)
	assert.Equal(t, domain.FailureNoArtifact, res.Attempts[0].Failure)
	assert.Empty(t, res.Attempts[0].ArtifactPath)
	assert.True(t, res.Success)
}

func TestBuild_OnlyZeroExitWithoutArtifact(t *testing.T) {
	f := newFixture(t, strategy(t, "Forgetful", compilerForgetsArtifact))

	res, err := f.pipeline.Build(context.Background(), linuxRequest())
	require.ErrorIs(t, err, ErrStrategiesExhausted)
	assert.False(t, res.Success)
	assert.Nil(t, res.Artifact)
}

func TestBuild_FindsArtifactInDistFolder(t *testing.T) {
	f := newFixture(t, strategy(t, "Standalone", compilerSucceedsInDist))

	res, err := f.pipeline.Build(context.Background(), linuxRequest())
	require.NoError(t, err)
	assert.Equal(t,
		filepath.Join(f.cfg.General.OutputRoot, res.JobID, "user_script.dist", "user_script.bin"),
		res.Artifact.Path)
}

func TestBuild_CustomExtension(t *testing.T) {
	f := newFixture(t, strategy(t, "Works", compilerSucceeds))

	req := linuxRequest()
	req.Extension = ".run"
	res, err := f.pipeline.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "user_script.run", filepath.Base(res.Artifact.Path))
	assert.Equal(t, ".run", res.Job.Extension)
}

func TestBuild_SpawnFailureFallsBack(t *testing.T) {
	f := newFixture(t,
		strategy(t, "First", compilerSucceeds),
		strategy(t, "Second", compilerSucceeds),
	)
	f.cfg.Platforms["linux"] = config.PlatformConfig{
		Launcher:         []string{filepath.Join(t.TempDir(), "no-such-python")},
		DefaultExtension: ".bin",
	}

	res, err := f.pipeline.Build(context.Background(), linuxRequest())
	require.ErrorIs(t, err, ErrStrategiesExhausted)
	require.Len(t, res.Attempts, 2)
	for _, a := range res.Attempts {
		assert.Equal(t, domain.FailureSpawn, a.Failure)
		assert.Equal(t, -1, a.ExitCode)
		assert.Contains(t, a.Log, "no-such-python")
	}
}

func TestBuild_AttemptTimeout(t *testing.T) {
	f := newFixture(t,
		strategy(t, "Hangs", compilerHangs),
		strategy(t, "Works", compilerSucceeds),
	)
	f.cfg.Compiler.AttemptTimeout = config.Duration{Duration: 300 * time.Millisecond}

	start := time.Now()
	res, err := f.pipeline.Build(context.Background(), linuxRequest())
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 10*time.Second)

	require.Len(t, res.Attempts, 2)
	assert.Equal(t, domain.FailureTimeout, res.Attempts[0].Failure)
	assert.Contains(t, res.Attempts[0].Log, "starting")
	assert.True(t, res.Success)
}

func TestBuild_PipelineTimeout(t *testing.T) {
	f := newFixture(t,
		strategy(t, "Hangs", compilerHangs),
		strategy(t, "Works", compilerSucceeds),
	)
	f.cfg.Compiler.PipelineTimeout = config.Duration{Duration: 300 * time.Millisecond}

	res, err := f.pipeline.Build(context.Background(), linuxRequest())
	require.ErrorIs(t, err, ErrStrategiesExhausted)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Len(t, res.Attempts, 1)
	assert.Equal(t, domain.JobFailed, f.store.outcome(res.JobID).Status)
}

func TestBuild_WindowsWithoutCompatibilityLayer(t *testing.T) {
	f := newFixture(t, strategy(t, "Works", compilerSucceeds))

	req := linuxRequest()
	req.Platform = domain.PlatformWindows
	res, err := f.pipeline.Build(context.Background(), req)
	assert.Nil(t, res)

	var envErr *preflight.EnvironmentError
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, []string{"wine"}, envErr.Missing)

	// Nothing was allocated
	_, statErr := os.Stat(f.cfg.General.WorkspaceRoot)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(f.cfg.General.OutputRoot)
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, f.store.jobs)
}

func TestBuild_MissingBaseToolAllocatesNothing(t *testing.T) {
	f := newFixture(t, strategy(t, "Works", compilerSucceeds))
	checker := preflight.NewChecker([]string{"patchelf", "gcc"}, f.cfg.PlatformRequirements()).
		WithLookPath(func(file string) (string, error) {
			if file == "gcc" {
				return "", exec.ErrNotFound
			}
			return "/usr/bin/" + file, nil
		})
	p := New(f.cfg, checker, nil).WithStore(f.store)

	res, err := p.Build(context.Background(), linuxRequest())
	assert.Nil(t, res)

	var envErr *preflight.EnvironmentError
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, []string{"gcc"}, envErr.Missing)

	_, statErr := os.Stat(f.cfg.General.WorkspaceRoot)
	assert.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(f.cfg.General.OutputRoot)
	assert.True(t, os.IsNotExist(statErr))
	assert.Empty(t, f.store.jobs)
}

func TestBuild_CompilerLeavingHelperStillSucceeds(t *testing.T) {
	f := newFixture(t, strategy(t, "Works", compilerLeavesHelper))
	f.cfg.Compiler.AttemptTimeout = config.Duration{Duration: 10 * time.Second}

	start := time.Now()
	res, err := f.pipeline.Build(context.Background(), linuxRequest())
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 8*time.Second)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, domain.FailureNone, res.Attempts[0].Failure)
	assert.Equal(t, 0, res.Attempts[0].ExitCode)
	assert.True(t, res.Success)
	assert.Contains(t, res.Attempts[0].Log, "building user_script.bin")
}

func TestBuild_NoRunnableStrategy(t *testing.T) {
	s := strategy(t, "Onefile", compilerSucceeds)
	s.Requires = []string{"missing-tool"}
	f := newFixture(t, s)

	_, err := f.pipeline.Build(context.Background(), linuxRequest())
	var envErr *preflight.EnvironmentError
	require.ErrorAs(t, err, &envErr)
	assert.Equal(t, []string{"missing-tool"}, envErr.Missing)
}

func TestBuild_SkipsStrategiesMissingTools(t *testing.T) {
	onefile := strategy(t, "Onefile", compilerSucceeds)
	onefile.Requires = []string{"missing-tool"}
	f := newFixture(t, onefile, strategy(t, "Plain", compilerSucceeds))

	res, err := f.pipeline.Build(context.Background(), linuxRequest())
	require.NoError(t, err)
	require.Len(t, res.Skipped, 1)
	assert.Equal(t, "Onefile", res.Skipped[0].Strategy.Name)
	require.Len(t, res.Attempts, 1)
	assert.Equal(t, "Plain", res.Attempts[0].Strategy.Name)
	assert.Contains(t, res.Log, "Skipped Onefile (missing: missing-tool)")
}

func TestBuild_InstallerFailureIsNotFatal(t *testing.T) {
	f := newFixture(t, strategy(t, "Works", compilerSucceeds))
	f.cfg.Compiler.InstallerArgs = []string{
		writeScript(t, t.TempDir(), "installer.sh", `echo "cannot install"; exit 2`),
		"{manifest}",
	}

	req := linuxRequest()
	req.Manifest = "# pinned deps\r\n\r\nrequests==2.31\r\n  rich  \n"
	res, err := f.pipeline.Build(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, "Requirements installation completed with exit code: 2", res.InstallSummary)

	data, err := os.ReadFile(filepath.Join(res.Job.WorkspaceDir, "requirements.txt"))
	require.NoError(t, err)
	assert.Equal(t, "requests==2.31\nrich\n", string(data))
}

func TestBuild_InstallerMissing(t *testing.T) {
	f := newFixture(t, strategy(t, "Works", compilerSucceeds))
	f.cfg.Compiler.InstallerArgs = []string{filepath.Join(t.TempDir(), "missing-installer"), "{manifest}"}

	req := linuxRequest()
	req.Manifest = "requests\n"
	res, err := f.pipeline.Build(context.Background(), req)
	require.NoError(t, err)
	// sh starts fine and reports the missing script through its exit code
	assert.Contains(t, res.InstallSummary, "Requirements installation completed with exit code:")
	assert.NotContains(t, res.InstallSummary, "exit code: 0")
}

func TestBuild_InstallerBoundedByAttemptTimeout(t *testing.T) {
	f := newFixture(t, strategy(t, "Works", compilerSucceeds))
	f.cfg.Compiler.InstallerArgs = []string{
		writeScript(t, t.TempDir(), "installer.sh", `echo "resolving"; sleep 30`),
		"{manifest}",
	}
	f.cfg.Compiler.AttemptTimeout = config.Duration{Duration: 300 * time.Millisecond}

	req := linuxRequest()
	req.Manifest = "requests\n"
	start := time.Now()
	res, err := f.pipeline.Build(context.Background(), req)
	require.NoError(t, err)

	assert.Less(t, time.Since(start), 10*time.Second)
	assert.True(t, res.Success)
	assert.Contains(t, res.InstallSummary, "Error installing requirements: interrupted")
}

func TestBuild_CommentOnlyManifestRunsNoInstaller(t *testing.T) {
	f := newFixture(t, strategy(t, "Works", compilerSucceeds))

	req := linuxRequest()
	req.Manifest = "# nothing yet\n\n   \n"
	res, err := f.pipeline.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "No requirements specified.", res.InstallSummary)
	_, statErr := os.Stat(filepath.Join(res.Job.WorkspaceDir, "requirements.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestBuild_NormalizesSourceLineEndings(t *testing.T) {
	f := newFixture(t, strategy(t, "Works", compilerSucceeds))

	req := linuxRequest()
	req.Source = "a = 1\r\nb = 2\rprint(a + b)\r\n"
	res, err := f.pipeline.Build(context.Background(), req)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(res.Job.WorkspaceDir, "user_script.py"))
	require.NoError(t, err)
	assert.Equal(t, "a = 1\nb = 2\nprint(a + b)\n", string(data))
}

func TestBuild_JobsAreIsolated(t *testing.T) {
	f := newFixture(t, strategy(t, "Works", compilerSucceeds))

	first, err := f.pipeline.Build(context.Background(), linuxRequest())
	require.NoError(t, err)
	second, err := f.pipeline.Build(context.Background(), linuxRequest())
	require.NoError(t, err)

	assert.NotEqual(t, first.JobID, second.JobID)
	assert.NotEqual(t, first.Job.WorkspaceDir, second.Job.WorkspaceDir)
	assert.NotEqual(t, first.Artifact.Path, second.Artifact.Path)
	assert.FileExists(t, first.Artifact.Path)
	assert.FileExists(t, second.Artifact.Path)
}

func TestBuild_UsesProvidedJobID(t *testing.T) {
	f := newFixture(t, strategy(t, "Works", compilerSucceeds))

	req := linuxRequest()
	req.JobID = "8c4f3c1e-9b53-4a8e-a1c2-5f0d2a1b7e11"
	res, err := f.pipeline.Build(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req.JobID, res.JobID)
	assert.Equal(t, filepath.Join(f.cfg.General.WorkspaceRoot, req.JobID), res.Job.WorkspaceDir)
}

func TestBuild_InvalidRequest(t *testing.T) {
	f := newFixture(t, strategy(t, "Works", compilerSucceeds))

	tests := []struct {
		name string
		req  Request
	}{
		{"empty source", Request{Platform: domain.PlatformLinux}},
		{"unknown platform", Request{Source: "x", Platform: "plan9"}},
		{"extension without dot", Request{Source: "x", Platform: domain.PlatformLinux, Extension: "bin"}},
		{"extension with path", Request{Source: "x", Platform: domain.PlatformLinux, Extension: "./../x"}},
		{"bad job id", Request{Source: "x", Platform: domain.PlatformLinux, JobID: "../escape"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := f.pipeline.Build(context.Background(), tt.req)
			assert.Nil(t, res)
			require.Error(t, err)
			var envErr *preflight.EnvironmentError
			assert.False(t, errors.As(err, &envErr))
		})
	}
}

func TestBuild_Hooks(t *testing.T) {
	f := newFixture(t,
		strategy(t, "First", compilerFails),
		strategy(t, "Second", compilerSucceeds),
	)

	var (
		jobs     []domain.Job
		starts   []string
		updates  []streamer.Update
		attempts []domain.AttemptResult
	)
	req := linuxRequest()
	req.Hooks = Hooks{
		OnJob:          func(j domain.Job) { jobs = append(jobs, j) },
		OnAttemptStart: func(_ string, _ int, s domain.Strategy) { starts = append(starts, s.Name) },
		OnProgress:     func(_ string, _ domain.Strategy, u streamer.Update) { updates = append(updates, u) },
		OnAttempt:      func(_ string, _ int, a domain.AttemptResult) { attempts = append(attempts, a) },
	}

	res, err := f.pipeline.Build(context.Background(), req)
	require.NoError(t, err)

	require.Len(t, jobs, 1)
	assert.Equal(t, res.JobID, jobs[0].ID)
	assert.Equal(t, []string{"First", "Second"}, starts)
	require.Len(t, attempts, 2)

	var done int
	for _, u := range updates {
		if u.Done {
			done++
			assert.Equal(t, 1.0, u.Progress)
		} else {
			assert.Less(t, u.Progress, 1.0)
		}
	}
	assert.Equal(t, 2, done)
}

func TestPreflight(t *testing.T) {
	onefile := strategy(t, "Onefile", compilerSucceeds)
	onefile.Requires = []string{"missing-tool"}
	f := newFixture(t, onefile, strategy(t, "Plain", compilerSucceeds))

	runnable, skipped, err := f.pipeline.Preflight(domain.PlatformLinux)
	require.NoError(t, err)
	require.Len(t, runnable, 1)
	assert.Equal(t, "Plain", runnable[0].Name)
	require.Len(t, skipped, 1)

	_, _, err = f.pipeline.Preflight(domain.PlatformWindows)
	var envErr *preflight.EnvironmentError
	assert.ErrorAs(t, err, &envErr)

	_, _, err = f.pipeline.Preflight("plan9")
	assert.ErrorAs(t, err, &envErr)

	// Nothing was allocated
	_, statErr := os.Stat(f.cfg.General.WorkspaceRoot)
	assert.True(t, os.IsNotExist(statErr))
}

func TestExpandArgs(t *testing.T) {
	got := ExpandArgs(
		[]string{"-m", "nuitka", "{source}", "--output-filename={output_name}", "--output-dir={output_dir}", "{unknown}"},
		map[string]string{"source": "/w/user_script.py", "output_name": "user_script.bin", "output_dir": "/o"},
	)
	assert.Equal(t, []string{"-m", "nuitka", "/w/user_script.py", "--output-filename=user_script.bin", "--output-dir=/o", "{unknown}"}, got)
}

func TestOutputName(t *testing.T) {
	assert.Equal(t, "user_script.bin", OutputName("user_script.py", ".bin"))
	assert.Equal(t, "user_script.exe", OutputName("user_script.py", ".exe"))
	assert.Equal(t, "main", OutputName("main", ""))
}

func TestRequirements(t *testing.T) {
	assert.Empty(t, Requirements(""))
	assert.Empty(t, Requirements("# only a comment\n\n"))
	assert.Equal(t, []string{"numpy", "rich>=13"}, Requirements("numpy\r\n# ui\r\nrich>=13\n"))
}

func TestNormalizeLineEndings(t *testing.T) {
	assert.Equal(t, "a\nb\nc\n", NormalizeLineEndings("a\r\nb\rc\n"))
}

type fakeStore struct {
	mu       sync.Mutex
	jobs     map[string]domain.Job
	attempts map[string][]domain.AttemptResult
	outcomes map[string]domain.JobOutcome
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:     make(map[string]domain.Job),
		attempts: make(map[string][]domain.AttemptResult),
		outcomes: make(map[string]domain.JobOutcome),
	}
}

func (s *fakeStore) CreateJob(_ context.Context, job domain.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = job
	return nil
}

func (s *fakeStore) AddAttempt(_ context.Context, jobID string, _ int, a domain.AttemptResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[jobID] = append(s.attempts[jobID], a)
	return nil
}

func (s *fakeStore) FinishJob(_ context.Context, jobID string, o domain.JobOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes[jobID] = o
	return nil
}

func (s *fakeStore) outcome(jobID string) domain.JobOutcome {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.outcomes[jobID]
}
