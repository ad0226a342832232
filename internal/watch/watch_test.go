package watch

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resolvedTempDir(t *testing.T) string {
	t.Helper()
	// macOS temp dirs are symlinked, so compare resolved paths
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	return dir
}

func TestWatcher_DebouncesWrites(t *testing.T) {
	dir := resolvedTempDir(t)
	src := filepath.Join(dir, "app.py")
	require.NoError(t, os.WriteFile(src, []byte("print(1)\n"), 0o644))

	calls := make(chan []string, 10)
	w, err := New(func(changed []string) { calls <- changed }, nil)
	require.NoError(t, err)
	w.SetDebounce(100 * time.Millisecond)
	require.NoError(t, w.Add(src))
	w.Start(context.Background())
	defer w.Stop()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(src, []byte("print(2)\n"), 0o644))
	}

	select {
	case changed := <-calls:
		assert.Equal(t, []string{src}, changed)
	case <-time.After(5 * time.Second):
		t.Fatal("no change notification")
	}

	select {
	case extra := <-calls:
		t.Fatalf("expected a single notification, got another: %v", extra)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_IgnoresOtherFiles(t *testing.T) {
	dir := resolvedTempDir(t)
	src := filepath.Join(dir, "app.py")
	require.NoError(t, os.WriteFile(src, []byte("x\n"), 0o644))

	calls := make(chan []string, 10)
	w, err := New(func(changed []string) { calls <- changed }, nil)
	require.NoError(t, err)
	w.SetDebounce(50 * time.Millisecond)
	require.NoError(t, w.Add(src))
	w.Start(context.Background())
	defer w.Stop()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("y\n"), 0o644))

	select {
	case changed := <-calls:
		t.Fatalf("unexpected notification: %v", changed)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWatcher_AddMissingDirectory(t *testing.T) {
	w, err := New(nil, nil)
	require.NoError(t, err)
	defer w.Stop()

	assert.Error(t, w.Add(filepath.Join(t.TempDir(), "missing", "app.py")))
}
