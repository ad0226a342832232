package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 500, cfg.Compiler.AssumedTotalLines)
	assert.Equal(t, 20, cfg.Compiler.LogWindow)
	assert.Equal(t, 10*time.Second, cfg.Sandbox.Timeout.Duration)
	assert.Equal(t, []string{"patchelf", "gcc"}, cfg.Compiler.RequiredTools)
	assert.False(t, cfg.Cleanup.Enabled)
	require.Len(t, cfg.Strategies, 3)
	assert.Equal(t, "Standalone Onefile", cfg.Strategies[0].Name)
	assert.True(t, cfg.Strategies[0].SingleFile)
	assert.Equal(t, "Non-standalone", cfg.Strategies[2].Name)

	linux, ok := cfg.Platform(domain.PlatformLinux)
	require.True(t, ok)
	assert.Equal(t, ".bin", linux.DefaultExtension)

	windows, ok := cfg.Platform(domain.PlatformWindows)
	require.True(t, ok)
	assert.Equal(t, []string{"wine"}, windows.Requires)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Web.Port, cfg.Web.Port)
}

func TestLoad_FromFile(t *testing.T) {
	path := writeTempConfig(t, `
[general]
workspace_root = "/srv/binforge/in"
output_root = "/srv/binforge/out"

[compiler]
assumed_total_lines = 1000
attempt_timeout = "5m"
strict_locate = true

[sandbox]
timeout = "3s"

[web]
port = 9000
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/binforge/in", cfg.General.WorkspaceRoot)
	assert.Equal(t, "/srv/binforge/out", cfg.General.OutputRoot)
	assert.Equal(t, 1000, cfg.Compiler.AssumedTotalLines)
	assert.Equal(t, 5*time.Minute, cfg.Compiler.AttemptTimeout.Duration)
	assert.True(t, cfg.Compiler.StrictLocate)
	assert.Equal(t, 3*time.Second, cfg.Sandbox.Timeout.Duration)
	assert.Equal(t, 9000, cfg.Web.Port)
	// untouched sections keep defaults
	assert.Equal(t, 20, cfg.Compiler.LogWindow)
	assert.Len(t, cfg.Strategies, 3)
}

func TestLoad_StrategiesReplaceDefaults(t *testing.T) {
	path := writeTempConfig(t, `
[[strategy]]
name = "Accelerated"
args = ["-m", "nuitka", "{source}"]

[[strategy]]
name = "Onefile"
args = ["-m", "nuitka", "--onefile", "{source}"]
single_file = true
requires = ["patchelf"]
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.Strategies, 2)
	assert.Equal(t, "Accelerated", cfg.Strategies[0].Name)
	assert.Equal(t, "Onefile", cfg.Strategies[1].Name)
	assert.Equal(t, []string{"patchelf"}, cfg.Strategies[1].Requires)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeTempConfig(t, `
[sandbox]
timeout = "ten seconds"
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.Strategies = nil
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Strategies = []domain.Strategy{{Name: "empty"}}
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.Compiler.LogWindow = 0
	assert.Error(t, cfg.Validate())

	assert.NoError(t, Default().Validate())
}

func TestExpandPath(t *testing.T) {
	home, _ := os.UserHomeDir()

	tests := []struct {
		input string
		want  string
	}{
		{"~/test", filepath.Join(home, "test")},
		{"/absolute/path", "/absolute/path"},
		{"relative", "relative"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ExpandPath(tt.input), "ExpandPath(%q)", tt.input)
	}
}

func TestFindLocalConfig(t *testing.T) {
	root := t.TempDir()
	subdir := filepath.Join(root, "sub", "dir")
	require.NoError(t, os.MkdirAll(subdir, 0755))

	localConfig := filepath.Join(root, LocalConfigName)
	require.NoError(t, os.WriteFile(localConfig, []byte("[web]\nport = 9100\n"), 0644))

	origDir, _ := os.Getwd()
	defer os.Chdir(origDir)
	require.NoError(t, os.Chdir(subdir))

	// macOS temp dirs are symlinked, so compare resolved paths
	found, _ := filepath.EvalSymlinks(FindLocalConfig())
	want, _ := filepath.EvalSymlinks(localConfig)
	assert.Equal(t, want, found)

	cfg, err := LoadWithLocalFallback("")
	require.NoError(t, err)
	assert.Equal(t, 9100, cfg.Web.Port)
}

func TestPlatformRequirements(t *testing.T) {
	reqs := Default().PlatformRequirements()
	assert.Empty(t, reqs[domain.PlatformLinux])
	assert.Equal(t, []string{"wine"}, reqs[domain.PlatformWindows])
	_, ok := reqs["darwin"]
	assert.False(t, ok)
}
