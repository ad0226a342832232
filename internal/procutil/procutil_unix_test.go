//go:build unix

package procutil

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsolate_CancelKillsGroup(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, "sh", "-c", "sleep 30 & sleep 30")
	Isolate(cmd)
	require.NoError(t, cmd.Start())

	start := time.Now()
	cancel()
	err := cmd.Wait()

	assert.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestKillGroup_NotStarted(t *testing.T) {
	cmd := exec.Command("true")
	assert.NoError(t, KillGroup(cmd))
}
