package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlatform(t *testing.T) {
	p, err := ParsePlatform("linux")
	require.NoError(t, err)
	assert.Equal(t, PlatformLinux, p)

	p, err = ParsePlatform("windows")
	require.NoError(t, err)
	assert.Equal(t, PlatformWindows, p)

	_, err = ParsePlatform("darwin")
	assert.Error(t, err)
}

func TestAttemptResult_Succeeded(t *testing.T) {
	tests := []struct {
		name    string
		attempt AttemptResult
		want    bool
	}{
		{"exit zero with artifact", AttemptResult{ExitCode: 0, ArtifactPath: "/out/a.bin"}, true},
		{"exit zero without artifact", AttemptResult{ExitCode: 0, Failure: FailureNoArtifact}, false},
		{"nonzero exit", AttemptResult{ExitCode: 1, ArtifactPath: "/out/a.bin", Failure: FailureNonZeroExit}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.attempt.Succeeded())
		})
	}
}

func TestExecutionResult_OutputAndLines(t *testing.T) {
	r := ExecutionResult{Transcript: []TaggedLine{
		{Stream: StreamStdout, Text: "ok"},
		{Stream: StreamStderr, Text: "warn"},
		{Stream: StreamStdout, Text: "done"},
	}}

	assert.Equal(t, "[STDOUT] ok\n[STDERR] warn\n[STDOUT] done\n", r.Output())
	assert.Equal(t, []string{"ok", "done"}, r.Lines(StreamStdout))
	assert.Equal(t, []string{"warn"}, r.Lines(StreamStderr))
}
