package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hochfrequenz/binforge/internal/domain"
)

// writeArtifact writes a shell script standing in for a compiled program.
// It is deliberately created without the execute bit.
func writeArtifact(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "user_script.bin")
	require.NoError(t, os.WriteFile(p, []byte("#!/bin/sh\n"+body+"\n"), 0o644))
	return p
}

func TestRun_Completed(t *testing.T) {
	path := writeArtifact(t, "echo hello; echo warning >&2; exit 0")

	res := New(5*time.Second, 0, nil).Run(context.Background(), path)

	assert.True(t, res.Success)
	assert.Equal(t, domain.ReasonCompleted, res.Reason)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"hello"}, res.Lines(domain.StreamStdout))
	assert.Equal(t, []string{"warning"}, res.Lines(domain.StreamStderr))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), info.Mode().Perm())
}

func TestRun_TranscriptKeepsArrivalOrder(t *testing.T) {
	path := writeArtifact(t, "echo a; sleep 0.2; echo b >&2; sleep 0.2; echo c")

	res := New(5*time.Second, 0, nil).Run(context.Background(), path)

	require.Len(t, res.Transcript, 3)
	assert.Equal(t, "[STDOUT] a\n[STDERR] b\n[STDOUT] c\n", res.Output())
}

func TestRun_NonZeroExitIsNotSuccess(t *testing.T) {
	path := writeArtifact(t, "echo failing >&2; exit 4")

	res := New(5*time.Second, 0, nil).Run(context.Background(), path)

	assert.False(t, res.Success)
	assert.Equal(t, domain.ReasonCompleted, res.Reason)
	assert.Equal(t, 4, res.ExitCode)
	assert.Equal(t, []string{"failing"}, res.Lines(domain.StreamStderr))
}

func TestRun_TimeoutKeepsPartialTranscript(t *testing.T) {
	path := writeArtifact(t, "echo before; sleep 30; echo after")

	start := time.Now()
	res := New(300*time.Millisecond, 500*time.Millisecond, nil).Run(context.Background(), path)

	assert.False(t, res.Success)
	assert.Equal(t, domain.ReasonTimedOut, res.Reason)
	assert.Equal(t, []string{"before"}, res.Lines(domain.StreamStdout))
	assert.Contains(t, res.Message, "timed out")
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_TimeoutKillsChildren(t *testing.T) {
	path := writeArtifact(t, "sleep 30 & sleep 30")

	start := time.Now()
	res := New(300*time.Millisecond, 500*time.Millisecond, nil).Run(context.Background(), path)

	assert.Equal(t, domain.ReasonTimedOut, res.Reason)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestRun_BackgroundChildDoesNotHoldRun(t *testing.T) {
	path := writeArtifact(t, "echo ok; sleep 30 & exit 0")

	start := time.Now()
	res := New(5*time.Second, 300*time.Millisecond, nil).Run(context.Background(), path)

	assert.Equal(t, domain.ReasonCompleted, res.Reason)
	assert.True(t, res.Success)
	assert.Equal(t, 0, res.ExitCode)
	assert.Equal(t, []string{"ok"}, res.Lines(domain.StreamStdout))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestRun_DrainsRemainingOutput(t *testing.T) {
	path := writeArtifact(t, "i=0; while [ $i -lt 1000 ]; do echo line$i; i=$((i+1)); done")

	res := New(5*time.Second, 0, nil).Run(context.Background(), path)

	require.True(t, res.Success)
	lines := res.Lines(domain.StreamStdout)
	require.Len(t, lines, 1000)
	assert.Equal(t, "line999", lines[999])
}

func TestRun_SpawnError(t *testing.T) {
	// Neither a script nor a known binary format, so exec rejects it
	p := filepath.Join(t.TempDir(), "garbage.bin")
	require.NoError(t, os.WriteFile(p, []byte("not a program"), 0o644))

	res := New(5*time.Second, 0, nil).Run(context.Background(), p)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ReasonSpawnError, res.Reason)
	assert.Empty(t, res.Transcript)
}

func TestRun_MissingArtifact(t *testing.T) {
	res := New(5*time.Second, 0, nil).Run(context.Background(), filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, domain.ReasonSpawnError, res.Reason)
	assert.Contains(t, res.Message, "Error running the binary")
}

func TestRun_RefusesWindowsBinaryOnUnix(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("PE binaries are native here")
	}
	p := filepath.Join(t.TempDir(), "user_script.exe")
	require.NoError(t, os.WriteFile(p, []byte("MZ\x90\x00rest-of-header"), 0o644))

	res := New(5*time.Second, 0, nil).Run(context.Background(), p)
	assert.False(t, res.Success)
	assert.Equal(t, domain.ReasonRefused, res.Reason)
	assert.Contains(t, res.Message, "Windows executables")
}

func TestRun_ParentCancellation(t *testing.T) {
	path := writeArtifact(t, "sleep 30")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	res := New(10*time.Second, 500*time.Millisecond, nil).Run(ctx, path)
	assert.Equal(t, domain.ReasonTimedOut, res.Reason)
	assert.Equal(t, "Execution cancelled.", res.Message)
}

func TestNew_Defaults(t *testing.T) {
	r := New(0, 0, nil)
	assert.Equal(t, DefaultTimeout, r.Timeout)
	assert.Equal(t, 2*time.Second, r.KillGrace)
}
