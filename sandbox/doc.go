// Package sandbox provides the execution engines that isolate untrusted code.
//
// An Engine provisions long-lived instances (containers, or host directories in the
// degraded local mode), copies files into them and runs processes inside them under a
// hard deadline. Backends are the Docker Engine API, the docker or podman CLI, and a
// local mode that must be enabled explicitly.
//
// The package also owns the static language table and the request-level error taxonomy
// (ErrAdmissionRejected, ErrImageUnavailable, ErrInfrastructure) shared by the rest of
// the module.
//
// Usage:
//
//	engine, err := sandbox.NewEngine(logger, sandbox.EngineConfig{Backend: "docker"})
//	handle, err := engine.Create(ctx, sandbox.InstanceSpec{Image: "python:3.11-slim"})
//	res, err := engine.Exec(ctx, handle, sandbox.ExecRequest{Cmd: []string{"python3", "-c", "print(1)"}})
package sandbox
