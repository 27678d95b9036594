package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/isdmx/judgebox/sandbox"
)

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Transport: "http",
			HTTPPort:  8080,
		},
		Sandbox: SandboxConfig{
			Backend:       "docker",
			TimeoutSec:    30,
			MaxTimeoutSec: 60,
			MemoryMB:      256,
			CPUs:          0.5,
			PidsLimit:     64,
			MaxInstances:  4,
			InstanceTTL:   5 * time.Minute,
			ReapInterval:  time.Minute,
			MaxOutputKB:   64,
			WorkspaceRoot: "/sandbox",
		},
		Logging: LoggingConfig{
			Mode:  "production",
			Level: "info",
		},
	}
}

func TestConfigValidation(t *testing.T) {
	t.Run("ValidConfig", func(t *testing.T) {
		cfg := validConfig()
		cfg.Languages = map[string]Language{
			"python": {Image: "python:3.12-slim"},
		}
		require.NoError(t, cfg.validate())
	})

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"InvalidServerTransport", func(c *Config) { c.Server.Transport = "invalid" }, "invalid server.transport"},
		{"InvalidHTTPPort", func(c *Config) { c.Server.HTTPPort = 0 }, "invalid server.http_port"},
		{"InvalidSandboxTimeout", func(c *Config) { c.Sandbox.TimeoutSec = 0 }, "sandbox.timeout_sec must be positive"},
		{"MaxTimeoutBelowDefault", func(c *Config) { c.Sandbox.MaxTimeoutSec = 10 }, "sandbox.max_timeout_sec"},
		{"InvalidSandboxMemory", func(c *Config) { c.Sandbox.MemoryMB = 0 }, "sandbox.memory_mb must be positive"},
		{"InvalidCPUs", func(c *Config) { c.Sandbox.CPUs = 0 }, "sandbox.cpus must be positive"},
		{"InvalidPidsLimit", func(c *Config) { c.Sandbox.PidsLimit = -1 }, "sandbox.pids_limit must be positive"},
		{"InvalidMaxInstances", func(c *Config) { c.Sandbox.MaxInstances = 0 }, "sandbox.max_instances must be positive"},
		{"InvalidTTL", func(c *Config) { c.Sandbox.InstanceTTL = 0 }, "sandbox.instance_ttl must be positive"},
		{"RelativeWorkspace", func(c *Config) { c.Sandbox.WorkspaceRoot = "tmp" }, "sandbox.workspace_root must be absolute"},
		{"InvalidLoggingMode", func(c *Config) { c.Logging.Mode = "invalid_mode" }, "invalid logging.mode"},
		{"InvalidLogLevel", func(c *Config) { c.Logging.Level = "invalid_level" }, "invalid logging.level"},
		{"InvalidBackend", func(c *Config) { c.Sandbox.Backend = "kubernetes" }, "unsupported sandbox.backend"},
		{"InvalidBackendWhenLocalNotEnabled", func(c *Config) { c.Sandbox.Backend = "local" }, "unsupported sandbox.backend"},
		{"IncompleteNewLanguage", func(c *Config) {
			c.Languages = map[string]Language{"ruby": {Image: "ruby:3.3"}}
		}, "invalid languages"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}

	t.Run("ValidBackendWhenLocalEnabled", func(t *testing.T) {
		cfg := validConfig()
		cfg.Sandbox.Backend = "local"
		cfg.Sandbox.EnableLocalBackend = true
		require.NoError(t, cfg.validate())
	})

	t.Run("StdioIgnoresPort", func(t *testing.T) {
		cfg := validConfig()
		cfg.Server.Transport = "stdio"
		cfg.Server.HTTPPort = 0
		require.NoError(t, cfg.validate())
	})
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "stdio", cfg.Server.Transport)
	assert.Equal(t, "/mcp", cfg.Server.MCPPath)
	assert.Equal(t, sandbox.BackendDocker, cfg.Sandbox.Backend)
	assert.Equal(t, 30*time.Second, cfg.GetTimeout())
	assert.Equal(t, 60*time.Second, cfg.GetMaxTimeout())
	assert.Equal(t, 5*time.Minute, cfg.Sandbox.InstanceTTL)
	assert.Equal(t, time.Minute, cfg.Sandbox.ReapInterval)
	assert.Equal(t, sandbox.Limits{CPUs: 0.5, MemoryMB: 256, PidsLimit: 64}, cfg.Limits())
	assert.Equal(t, sandbox.DefaultWorkspaceRoot, cfg.Sandbox.WorkspaceRoot)
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	doc := map[string]any{
		"server": map[string]any{"transport": "http", "http_port": 9090},
		"sandbox": map[string]any{
			"backend":           "podman",
			"memory_mb":         128,
			"instance_ttl":      "90s",
			"prewarm_languages": []string{"python", "go"},
		},
		"logging": map[string]any{"mode": "development", "level": "debug"},
		"languages": map[string]Language{
			"python": {Image: "python:3.12-slim"},
			"ruby":   {Image: "ruby:3.3-alpine", SourceFile: "main.rb", RunCmd: []string{"ruby", "main.rb"}},
		},
	}
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o600))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, "http", cfg.Server.Transport)
	assert.Equal(t, 9090, cfg.Server.HTTPPort)
	assert.Equal(t, "podman", cfg.EngineConfig().Backend)
	assert.Equal(t, 128, cfg.Sandbox.MemoryMB)
	assert.Equal(t, 90*time.Second, cfg.Sandbox.InstanceTTL)
	assert.Equal(t, []string{"python", "go"}, cfg.Sandbox.PrewarmLanguages)

	table, err := sandbox.DefaultLanguages().Merge(cfg.LanguageOverrides())
	require.NoError(t, err)
	_, spec, err := table.Lookup("ruby")
	require.NoError(t, err)
	assert.Equal(t, []string{"ruby", "main.rb"}, spec.RunCmd)
	_, py, err := table.Lookup("python")
	require.NoError(t, err)
	assert.Equal(t, "python:3.12-slim", py.Image)
	assert.Equal(t, "main.py", py.SourceFile, "unset fields keep the built-in value")
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("JUDGEBOX_SANDBOX_MEMORY_MB", "512")
	t.Setenv("JUDGEBOX_LOGGING_LEVEL", "warn")

	cfg, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 512, cfg.Sandbox.MemoryMB)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadInvalidFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("sandbox:\n  backend: local\n"), 0o600))

	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported sandbox.backend")
}
