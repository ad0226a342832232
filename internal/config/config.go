package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hochfrequenz/binforge/internal/domain"
	"github.com/pelletier/go-toml/v2"
)

// LocalConfigName is the per-project config file searched for in the
// working directory and its parents
const LocalConfigName = ".binforge.toml"

// Config holds all application configuration
type Config struct {
	General    GeneralConfig             `toml:"general"`
	Compiler   CompilerConfig            `toml:"compiler"`
	Strategies []domain.Strategy         `toml:"strategy"`
	Platforms  map[string]PlatformConfig `toml:"platforms"`
	Sandbox    SandboxConfig             `toml:"sandbox"`
	Cleanup    CleanupConfig             `toml:"cleanup"`
	Web        WebConfig                 `toml:"web"`
	Logging    LoggingConfig             `toml:"logging"`
}

// GeneralConfig holds directory layout and persistence settings
type GeneralConfig struct {
	WorkspaceRoot string `toml:"workspace_root"`
	OutputRoot    string `toml:"output_root"`
	DatabasePath  string `toml:"database_path"`
	SourceName    string `toml:"source_name"`
}

// CompilerConfig holds settings for driving the external compiler
type CompilerConfig struct {
	// AssumedTotalLines is the line count treated as 100% by the progress estimate
	AssumedTotalLines int      `toml:"assumed_total_lines"`
	LogWindow         int      `toml:"log_window"`
	AttemptTimeout    Duration `toml:"attempt_timeout"`
	PipelineTimeout   Duration `toml:"pipeline_timeout"`
	StrictLocate      bool     `toml:"strict_locate"`
	RequiredTools     []string `toml:"required_tools"`
	InstallerArgs     []string `toml:"installer_args"`
	ClassifierCommand []string `toml:"classifier_command"`
	LinkageCommand    []string `toml:"linkage_command"`
}

// PlatformConfig describes how to reach the toolchain for one target platform
type PlatformConfig struct {
	// Launcher is prepended to every compiler and installer invocation
	Launcher         []string `toml:"launcher"`
	Requires         []string `toml:"requires"`
	DefaultExtension string   `toml:"default_extension"`
}

// SandboxConfig holds settings for test runs of produced artifacts
type SandboxConfig struct {
	Timeout   Duration `toml:"timeout"`
	KillGrace Duration `toml:"kill_grace"`
}

// CleanupConfig holds settings for the opt-in workspace janitor
type CleanupConfig struct {
	Enabled   bool     `toml:"enabled"`
	Schedule  string   `toml:"schedule"`
	Retention Duration `toml:"retention"`
}

// WebConfig holds HTTP service settings
type WebConfig struct {
	Port    int    `toml:"port"`
	Host    string `toml:"host"`
	MaxJobs int    `toml:"max_jobs"`
}

// LoggingConfig holds log settings
type LoggingConfig struct {
	Level string `toml:"level"`
}

// Duration is a time.Duration that reads and writes as a Go duration string ("10s")
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler
func (d *Duration) UnmarshalText(text []byte) error {
	if len(text) == 0 {
		d.Duration = 0
		return nil
	}
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

// MarshalText implements encoding.TextMarshaler
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// DefaultStrategies returns the built-in strategy order: most standalone first,
// falling back to a build that needs the host runtime.
func DefaultStrategies() []domain.Strategy {
	common := []string{"--show-progress", "--show-modules", "{source}", "--output-filename={output_name}", "--output-dir={output_dir}"}
	return []domain.Strategy{
		{
			Name:       "Standalone Onefile",
			Args:       append([]string{"-m", "nuitka", "--onefile"}, common...),
			SingleFile: true,
			Requires:   []string{"patchelf"},
		},
		{
			Name:     "Standalone",
			Args:     append([]string{"-m", "nuitka", "--standalone"}, common...),
			Requires: []string{"patchelf"},
		},
		{
			Name:       "Non-standalone",
			Args:       append([]string{"-m", "nuitka"}, common...),
			SingleFile: true,
		},
	}
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".binforge")
	return &Config{
		General: GeneralConfig{
			WorkspaceRoot: filepath.Join(base, "user_code"),
			OutputRoot:    filepath.Join(base, "compiled_output"),
			DatabasePath:  filepath.Join(base, "binforge.db"),
			SourceName:    "user_script.py",
		},
		Compiler: CompilerConfig{
			AssumedTotalLines: 500,
			LogWindow:         20,
			RequiredTools:     []string{"patchelf", "gcc"},
			InstallerArgs:     []string{"-m", "pip", "install", "--no-cache-dir", "-r", "{manifest}"},
			ClassifierCommand: []string{"file", "-b"},
			LinkageCommand:    []string{"ldd"},
		},
		Strategies: DefaultStrategies(),
		Platforms: map[string]PlatformConfig{
			string(domain.PlatformLinux): {
				Launcher:         []string{"python3"},
				DefaultExtension: ".bin",
			},
			string(domain.PlatformWindows): {
				Launcher:         []string{"wine", "python.exe"},
				Requires:         []string{"wine"},
				DefaultExtension: ".exe",
			},
		},
		Sandbox: SandboxConfig{
			Timeout:   Duration{10 * time.Second},
			KillGrace: Duration{2 * time.Second},
		},
		Cleanup: CleanupConfig{
			Enabled:   false,
			Schedule:  "0 3 * * *",
			Retention: Duration{7 * 24 * time.Hour},
		},
		Web: WebConfig{
			Port:    8080,
			Host:    "127.0.0.1",
			MaxJobs: 2,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	// Strategies from the file replace the built-in list rather than merging into it
	var probe struct {
		Strategies []domain.Strategy `toml:"strategy"`
	}
	if err := toml.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(probe.Strategies) > 0 {
		cfg.Strategies = nil
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	// Expand paths
	cfg.General.WorkspaceRoot = ExpandPath(cfg.General.WorkspaceRoot)
	cfg.General.OutputRoot = ExpandPath(cfg.General.OutputRoot)
	cfg.General.DatabasePath = ExpandPath(cfg.General.DatabasePath)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields the pipeline cannot run without
func (c *Config) Validate() error {
	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one [[strategy]] is required")
	}
	for i, s := range c.Strategies {
		if s.Name == "" {
			return fmt.Errorf("strategy %d: name is required", i)
		}
		if len(s.Args) == 0 {
			return fmt.Errorf("strategy %q: args are required", s.Name)
		}
	}
	if c.Compiler.AssumedTotalLines <= 0 {
		return fmt.Errorf("compiler.assumed_total_lines must be positive")
	}
	if c.Compiler.LogWindow <= 0 {
		return fmt.Errorf("compiler.log_window must be positive")
	}
	if c.Sandbox.Timeout.Duration <= 0 {
		return fmt.Errorf("sandbox.timeout must be positive")
	}
	return nil
}

// Platform returns the settings for a target platform
func (c *Config) Platform(p domain.Platform) (PlatformConfig, bool) {
	pc, ok := c.Platforms[string(p)]
	return pc, ok
}

// PlatformRequirements maps every configured platform to the host tools it needs
func (c *Config) PlatformRequirements() map[domain.Platform][]string {
	out := make(map[domain.Platform][]string, len(c.Platforms))
	for name, pc := range c.Platforms {
		out[domain.Platform(name)] = pc.Requires
	}
	return out
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "binforge", "config.toml")
}

// FindLocalConfig walks up from the working directory looking for LocalConfigName
func FindLocalConfig() string {
	dir, err := os.Getwd()
	if err != nil {
		return ""
	}
	for {
		candidate := filepath.Join(dir, LocalConfigName)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return ""
		}
		dir = parent
	}
}

// LoadWithLocalFallback loads an explicit path if given, otherwise a project
// local config, otherwise the user config
func LoadWithLocalFallback(explicit string) (*Config, error) {
	if explicit != "" {
		return Load(explicit)
	}
	if local := FindLocalConfig(); local != "" {
		return Load(local)
	}
	return Load(DefaultConfigPath())
}
