package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/isdmx/judgebox/sandbox"
)

// EnvPrefix prefixes environment overrides, e.g. JUDGEBOX_SANDBOX_MEMORY_MB.
const EnvPrefix = "JUDGEBOX"

// Config represents the application configuration
type Config struct {
	Server    ServerConfig        `mapstructure:"server"`
	Sandbox   SandboxConfig       `mapstructure:"sandbox"`
	Logging   LoggingConfig       `mapstructure:"logging"`
	Languages map[string]Language `mapstructure:"languages"`
}

// ServerConfig holds transport configuration
type ServerConfig struct {
	Transport      string  `mapstructure:"transport"`
	HTTPPort       int     `mapstructure:"http_port"`
	MCPPath        string  `mapstructure:"mcp_path"`
	RateLimitRPS   float64 `mapstructure:"rate_limit_rps"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
}

// SandboxConfig holds engine, pool and execution limits
type SandboxConfig struct {
	Backend            string        `mapstructure:"backend"`
	EnableLocalBackend bool          `mapstructure:"enable_local_backend"`
	DockerHost         string        `mapstructure:"docker_host"`
	LocalBaseDir       string        `mapstructure:"local_base_dir"`
	TimeoutSec         int           `mapstructure:"timeout_sec"`
	MaxTimeoutSec      int           `mapstructure:"max_timeout_sec"`
	CompileTimeoutSec  int           `mapstructure:"compile_timeout_sec"`
	MemoryMB           int           `mapstructure:"memory_mb"`
	CPUs               float64       `mapstructure:"cpus"`
	PidsLimit          int64         `mapstructure:"pids_limit"`
	MaxInstances       int           `mapstructure:"max_instances"`
	InstanceTTL        time.Duration `mapstructure:"instance_ttl"`
	ReapInterval       time.Duration `mapstructure:"reap_interval"`
	ProvisionRetries   int           `mapstructure:"provision_retries"`
	ProvisionBackoff   time.Duration `mapstructure:"provision_backoff"`
	MaxOutputKB        int           `mapstructure:"max_output_kb"`
	WorkspaceRoot      string        `mapstructure:"workspace_root"`
	MaxTestCases       int           `mapstructure:"max_test_cases"`
	MaxCodeKB          int           `mapstructure:"max_code_kb"`
	PrewarmLanguages   []string      `mapstructure:"prewarm_languages"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Mode  string `mapstructure:"mode"`
	Level string `mapstructure:"level"`
}

// Language overrides or adds an entry of the built-in language table. Empty fields keep the
// built-in value.
type Language struct {
	Image           string            `mapstructure:"image" yaml:"image,omitempty"`
	SourceFile      string            `mapstructure:"source_file" yaml:"source_file,omitempty"`
	CompileCmd      []string          `mapstructure:"compile_cmd" yaml:"compile_cmd,omitempty"`
	RunCmd          []string          `mapstructure:"run_cmd" yaml:"run_cmd,omitempty"`
	Environment     map[string]string `mapstructure:"environment" yaml:"environment,omitempty"`
	FunctionHarness string            `mapstructure:"function_harness" yaml:"function_harness,omitempty"`
}

// New loads and validates the application configuration from config.yaml in . or ./config
func New() (*Config, error) {
	return Load(".", "./config")
}

// Load reads config.yaml from the first of paths that has one, applies defaults and
// JUDGEBOX_* environment overrides, and validates the result.
func Load(paths ...string) (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	for _, p := range paths {
		v.AddConfigPath(p)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// If config file not found, continue with defaults
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("config validation error: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.transport", "stdio")
	v.SetDefault("server.http_port", 8080)
	v.SetDefault("server.mcp_path", "/mcp")
	v.SetDefault("server.rate_limit_rps", 10.0)
	v.SetDefault("server.rate_limit_burst", 20)

	v.SetDefault("sandbox.backend", sandbox.BackendDocker)
	v.SetDefault("sandbox.enable_local_backend", false)
	v.SetDefault("sandbox.docker_host", "")
	v.SetDefault("sandbox.local_base_dir", "")
	v.SetDefault("sandbox.timeout_sec", 30)
	v.SetDefault("sandbox.max_timeout_sec", 60)
	v.SetDefault("sandbox.compile_timeout_sec", 30)
	v.SetDefault("sandbox.memory_mb", 256)
	v.SetDefault("sandbox.cpus", 0.5)
	v.SetDefault("sandbox.pids_limit", 64)
	v.SetDefault("sandbox.max_instances", 8)
	v.SetDefault("sandbox.instance_ttl", 5*time.Minute)
	v.SetDefault("sandbox.reap_interval", time.Minute)
	v.SetDefault("sandbox.provision_retries", 3)
	v.SetDefault("sandbox.provision_backoff", 500*time.Millisecond)
	v.SetDefault("sandbox.max_output_kb", 64)
	v.SetDefault("sandbox.workspace_root", sandbox.DefaultWorkspaceRoot)
	v.SetDefault("sandbox.max_test_cases", 100)
	v.SetDefault("sandbox.max_code_kb", 64)
	v.SetDefault("sandbox.prewarm_languages", []string{})

	v.SetDefault("logging.mode", "production")
	v.SetDefault("logging.level", "info")
}

// validate ensures the configuration is valid
func (c *Config) validate() error {
	if c.Server.Transport != "stdio" && c.Server.Transport != "http" {
		return fmt.Errorf("invalid server.transport: %s, must be 'stdio' or 'http'", c.Server.Transport)
	}

	if c.Server.Transport == "http" && (c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535) {
		return fmt.Errorf("invalid server.http_port: %d", c.Server.HTTPPort)
	}

	if c.Server.RateLimitRPS < 0 {
		return fmt.Errorf("server.rate_limit_rps must not be negative, got: %v", c.Server.RateLimitRPS)
	}

	if c.Sandbox.TimeoutSec <= 0 {
		return fmt.Errorf("sandbox.timeout_sec must be positive, got: %d", c.Sandbox.TimeoutSec)
	}

	if c.Sandbox.MaxTimeoutSec < c.Sandbox.TimeoutSec {
		return fmt.Errorf("sandbox.max_timeout_sec must be at least sandbox.timeout_sec, got: %d", c.Sandbox.MaxTimeoutSec)
	}

	if c.Sandbox.MemoryMB <= 0 {
		return fmt.Errorf("sandbox.memory_mb must be positive, got: %d", c.Sandbox.MemoryMB)
	}

	if c.Sandbox.CPUs <= 0 {
		return fmt.Errorf("sandbox.cpus must be positive, got: %v", c.Sandbox.CPUs)
	}

	if c.Sandbox.PidsLimit <= 0 {
		return fmt.Errorf("sandbox.pids_limit must be positive, got: %d", c.Sandbox.PidsLimit)
	}

	if c.Sandbox.MaxInstances <= 0 {
		return fmt.Errorf("sandbox.max_instances must be positive, got: %d", c.Sandbox.MaxInstances)
	}

	if c.Sandbox.InstanceTTL <= 0 {
		return fmt.Errorf("sandbox.instance_ttl must be positive, got: %s", c.Sandbox.InstanceTTL)
	}

	if c.Sandbox.ReapInterval <= 0 {
		return fmt.Errorf("sandbox.reap_interval must be positive, got: %s", c.Sandbox.ReapInterval)
	}

	if c.Sandbox.ProvisionRetries < 0 {
		return fmt.Errorf("sandbox.provision_retries must not be negative, got: %d", c.Sandbox.ProvisionRetries)
	}

	if c.Sandbox.MaxOutputKB <= 0 {
		return fmt.Errorf("sandbox.max_output_kb must be positive, got: %d", c.Sandbox.MaxOutputKB)
	}

	if !strings.HasPrefix(c.Sandbox.WorkspaceRoot, "/") {
		return fmt.Errorf("sandbox.workspace_root must be absolute, got: %q", c.Sandbox.WorkspaceRoot)
	}

	supportedBackends := map[string]bool{
		sandbox.BackendDocker:    true,
		sandbox.BackendDockerCLI: true,
		sandbox.BackendPodman:    true,
		sandbox.BackendLocal:     c.Sandbox.EnableLocalBackend, // local only enabled if specifically allowed
	}

	if !supportedBackends[c.Sandbox.Backend] {
		return fmt.Errorf("unsupported sandbox.backend: %s", c.Sandbox.Backend)
	}

	if c.Logging.Mode != "production" && c.Logging.Mode != "development" {
		return fmt.Errorf("invalid logging.mode: %s, must be 'production' or 'development'", c.Logging.Mode)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "dpanic": true, "panic": true, "fatal": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s", c.Logging.Level)
	}

	if _, err := sandbox.DefaultLanguages().Merge(c.LanguageOverrides()); err != nil {
		return fmt.Errorf("invalid languages: %w", err)
	}

	return nil
}

// GetTimeout returns the default per-test-case timeout
func (c *Config) GetTimeout() time.Duration {
	return time.Duration(c.Sandbox.TimeoutSec) * time.Second
}

// GetMaxTimeout returns the largest timeout a request may ask for
func (c *Config) GetMaxTimeout() time.Duration {
	return time.Duration(c.Sandbox.MaxTimeoutSec) * time.Second
}

// GetCompileTimeout returns the budget for a single compile step
func (c *Config) GetCompileTimeout() time.Duration {
	return time.Duration(c.Sandbox.CompileTimeoutSec) * time.Second
}

// Limits returns the default (and maximum) per-instance resource limits
func (c *Config) Limits() sandbox.Limits {
	return sandbox.Limits{
		CPUs:      c.Sandbox.CPUs,
		MemoryMB:  c.Sandbox.MemoryMB,
		PidsLimit: c.Sandbox.PidsLimit,
	}
}

// EngineConfig returns the engine selection settings
func (c *Config) EngineConfig() sandbox.EngineConfig {
	return sandbox.EngineConfig{
		Backend:            c.Sandbox.Backend,
		EnableLocalBackend: c.Sandbox.EnableLocalBackend,
		DockerHost:         c.Sandbox.DockerHost,
		LocalBaseDir:       c.Sandbox.LocalBaseDir,
	}
}

// LanguageOverrides converts the languages section for sandbox.LanguageTable.Merge
func (c *Config) LanguageOverrides() map[string]sandbox.LanguageSpec {
	out := make(map[string]sandbox.LanguageSpec, len(c.Languages))
	for name, l := range c.Languages {
		out[name] = sandbox.LanguageSpec{
			Image:           l.Image,
			SourceFile:      l.SourceFile,
			CompileCmd:      l.CompileCmd,
			RunCmd:          l.RunCmd,
			Env:             l.Environment,
			FunctionHarness: l.FunctionHarness,
		}
	}
	return out
}
