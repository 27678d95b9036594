package sandbox

import (
	"fmt"

	"go.uber.org/zap"
)

// Supported backends.
const (
	BackendDocker    = "docker"
	BackendDockerCLI = "docker-cli"
	BackendPodman    = "podman"
	BackendLocal     = "local"
)

// EngineConfig selects and configures an Engine.
type EngineConfig struct {
	Backend            string
	EnableLocalBackend bool
	DockerHost         string
	LocalBaseDir       string
}

// NewEngine creates the engine for the configured backend. The local backend is refused
// unless it was explicitly enabled; it is never used as a fallback.
func NewEngine(logger *zap.Logger, cfg EngineConfig) (Engine, error) {
	switch cfg.Backend {
	case BackendDocker, "":
		return NewDockerEngine(logger, cfg.DockerHost)
	case BackendDockerCLI:
		return NewCLIEngine(logger, "docker"), nil
	case BackendPodman:
		return NewCLIEngine(logger, "podman"), nil
	case BackendLocal:
		if !cfg.EnableLocalBackend {
			return nil, fmt.Errorf("backend %q requires sandbox.enable_local_backend", cfg.Backend)
		}
		logger.Warn("Using local backend: submitted code runs on the host without container isolation")
		return NewLocalEngine(logger, WithLocalBaseDir(cfg.LocalBaseDir)), nil
	default:
		return nil, fmt.Errorf("unsupported backend: %s", cfg.Backend)
	}
}
