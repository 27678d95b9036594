package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// CLIEngine implements Engine by shelling out to a Docker-compatible CLI (docker or podman).
type CLIEngine struct {
	logger    *zap.Logger
	binary    string
	cmdRunner CommandRunner
}

// CLIEngineOption defines a functional option for CLIEngine
type CLIEngineOption func(*CLIEngine)

// WithCLICommandRunner sets the CommandRunner for CLIEngine
func WithCLICommandRunner(cmdRunner CommandRunner) CLIEngineOption {
	return func(c *CLIEngine) {
		c.cmdRunner = cmdRunner
	}
}

// NewCLIEngine creates a CLIEngine driving binary ("docker" or "podman").
func NewCLIEngine(logger *zap.Logger, binary string, opts ...CLIEngineOption) *CLIEngine {
	engine := &CLIEngine{
		logger:    logger,
		binary:    binary,
		cmdRunner: &RealCommandRunner{},
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Name returns the backend name.
func (c *CLIEngine) Name() string { return c.binary + "-cli" }

// run executes a management command and returns trimmed stdout.
func (c *CLIEngine) run(ctx context.Context, args ...string) (string, string, int, error) {
	var stdout, stderr bytes.Buffer
	code, err := c.cmdRunner.RunCommand(ctx, Command{
		Args:   append([]string{c.binary}, args...),
		Stdout: &stdout,
		Stderr: &stderr,
	})
	return strings.TrimSpace(stdout.String()), strings.TrimSpace(stderr.String()), code, err
}

// Ping checks that the CLI can reach its engine.
func (c *CLIEngine) Ping(ctx context.Context) error {
	_, stderr, code, err := c.run(ctx, "info", "--format", "{{.ID}}")
	if err != nil {
		return fmt.Errorf("%w: %s info: %v", ErrInfrastructure, c.binary, err)
	}
	if code != 0 {
		return fmt.Errorf("%w: %s info: exit %d: %s", ErrInfrastructure, c.binary, code, stderr)
	}
	return nil
}

// EnsureImage pulls img unless it is already present.
func (c *CLIEngine) EnsureImage(ctx context.Context, img string) error {
	_, _, code, err := c.run(ctx, "image", "inspect", img)
	if err != nil {
		return fmt.Errorf("%w: %s image inspect: %v", ErrInfrastructure, c.binary, err)
	}
	if code == 0 {
		return nil
	}

	c.logger.Info("Pulling execution image", zap.String("image", img), zap.String("engine", c.binary))
	_, stderr, code, err := c.run(ctx, "pull", "--quiet", img)
	if err != nil {
		return fmt.Errorf("%w: %s pull: %v", ErrInfrastructure, c.binary, err)
	}
	if code != 0 {
		return fmt.Errorf("%w: pull %s: %s", ErrImageUnavailable, img, stderr)
	}
	return nil
}

// createArgs builds the run arguments for an idle, network-less container.
func createArgs(spec InstanceSpec) []string {
	root := spec.WorkspaceRoot
	if root == "" {
		root = DefaultWorkspaceRoot
	}
	args := []string{
		"run", "-d",
		"--label", ManagedLabel + "=" + ManagedLabelValue,
		"--network", "none",
		"--read-only",
		"--cap-drop", "ALL",
		"--security-opt", "no-new-privileges",
		"--user", "nobody",
		"--init",
		"--tmpfs", root + ":rw,exec,nosuid,size=64m,mode=1777",
		"--tmpfs", "/tmp:rw,exec,nosuid,size=64m,mode=1777",
		"--workdir", root,
	}
	if spec.Limits.MemoryMB > 0 {
		mem := fmt.Sprintf("%dm", spec.Limits.MemoryMB)
		args = append(args, "--memory", mem, "--memory-swap", mem)
	}
	if spec.Limits.CPUs > 0 {
		args = append(args, "--cpus", strconv.FormatFloat(spec.Limits.CPUs, 'f', -1, 64))
	}
	if spec.Limits.PidsLimit > 0 {
		args = append(args, "--pids-limit", strconv.FormatInt(spec.Limits.PidsLimit, 10))
	}
	for _, kv := range spec.EnvList() {
		args = append(args, "-e", kv)
	}
	return append(args, spec.Image, "sleep", "infinity")
}

// Create starts a long-lived container and returns its ID.
func (c *CLIEngine) Create(ctx context.Context, spec InstanceSpec) (string, error) {
	stdout, stderr, code, err := c.run(ctx, createArgs(spec)...)
	if err != nil {
		return "", fmt.Errorf("%w: %s run: %v", ErrInfrastructure, c.binary, err)
	}
	if code != 0 {
		if isMissingImage(stderr) {
			return "", fmt.Errorf("%w: %s: %s", ErrImageUnavailable, spec.Image, stderr)
		}
		return "", fmt.Errorf("%w: %s run: exit %d: %s", ErrInfrastructure, c.binary, code, stderr)
	}
	lines := strings.Split(stdout, "\n")
	id := strings.TrimSpace(lines[len(lines)-1])
	if id == "" {
		return "", fmt.Errorf("%w: %s run returned no container id", ErrInfrastructure, c.binary)
	}
	c.logger.Debug("Container started", zap.String("container", shortID(id)), zap.String("image", spec.Image))
	return id, nil
}

// CopyFile streams data into dst through an exec'd cat.
func (c *CLIEngine) CopyFile(ctx context.Context, handle, dst string, data []byte) error {
	res, err := c.Exec(ctx, handle, ExecRequest{Cmd: copyFileScript(dst), Stdin: string(data)})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: write %s: exit %d: %s", ErrInfrastructure, dst, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Reset kills leftover processes and empties the workspace root and /tmp.
func (c *CLIEngine) Reset(ctx context.Context, handle, root string) error {
	res, err := c.Exec(ctx, handle, ExecRequest{Cmd: resetScript(root)})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: reset workspace: exit %d", ErrInfrastructure, res.ExitCode)
	}
	return nil
}

// Exec runs req through "<binary> exec". On deadline the container is killed so nothing
// started by the call survives.
func (c *CLIEngine) Exec(ctx context.Context, handle string, req ExecRequest) (ExecResult, error) {
	args := []string{c.binary, "exec", "-i"}
	if req.WorkDir != "" {
		args = append(args, "--workdir", req.WorkDir)
	}
	args = append(args, handle)
	args = append(args, req.Cmd...)

	stdout := &LimitedBuffer{Max: req.MaxOutputBytes}
	stderr := &LimitedBuffer{Max: req.MaxOutputBytes}
	start := time.Now()
	code, err := c.cmdRunner.RunCommand(ctx, Command{
		Args:   args,
		Stdin:  strings.NewReader(req.Stdin),
		Stdout: stdout,
		Stderr: stderr,
	})
	duration := time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.killAsync(handle)
			return ExecResult{}, fmt.Errorf("exec in %s: %w", shortID(handle), ctxErr)
		}
		return ExecResult{}, fmt.Errorf("%w: %s exec: %v", ErrInfrastructure, c.binary, err)
	}
	// 125-127 come from the CLI itself, not the process inside the container.
	if code == 125 && strings.Contains(stderr.String(), "No such container") {
		return ExecResult{}, fmt.Errorf("%w: %s", ErrNotFound, shortID(handle))
	}

	return ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  code,
		Duration:  duration,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}, nil
}

// Remove force-removes the container. Unknown containers are not an error.
func (c *CLIEngine) Remove(ctx context.Context, handle string) error {
	_, stderr, code, err := c.run(ctx, "rm", "-f", handle)
	if err != nil {
		return fmt.Errorf("%w: %s rm: %v", ErrInfrastructure, c.binary, err)
	}
	if code != 0 && !isNoSuchContainer(stderr) {
		return fmt.Errorf("%w: %s rm: exit %d: %s", ErrInfrastructure, c.binary, code, stderr)
	}
	return nil
}

// Orphans lists containers carrying the managed label.
func (c *CLIEngine) Orphans(ctx context.Context) ([]string, error) {
	stdout, stderr, code, err := c.run(ctx, "ps", "-aq", "--filter", "label="+ManagedLabel+"="+ManagedLabelValue)
	if err != nil {
		return nil, fmt.Errorf("%w: %s ps: %v", ErrInfrastructure, c.binary, err)
	}
	if code != 0 {
		return nil, fmt.Errorf("%w: %s ps: exit %d: %s", ErrInfrastructure, c.binary, code, stderr)
	}
	if stdout == "" {
		return nil, nil
	}
	return strings.Fields(stdout), nil
}

func (c *CLIEngine) killAsync(handle string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
		defer cancel()
		if _, stderr, code, err := c.run(ctx, "kill", handle); err != nil || (code != 0 && !isNoSuchContainer(stderr)) {
			c.logger.Warn("Failed to kill container after deadline",
				zap.String("container", shortID(handle)), zap.String("stderr", stderr), zap.Error(err))
		}
	}()
}

func isNoSuchContainer(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "no such container") || strings.Contains(s, "no container with name or id")
}

func isMissingImage(stderr string) bool {
	s := strings.ToLower(stderr)
	return strings.Contains(s, "unable to find image") || strings.Contains(s, "image not known") ||
		strings.Contains(s, "pull access denied") || strings.Contains(s, "manifest unknown")
}
