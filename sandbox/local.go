package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

// File permissions used by the local engine.
const (
	DirPermission  = 0o755
	FilePermission = 0o644
)

// FileSystem defines an interface for file system operations
type FileSystem interface {
	MkdirTemp(dir, pattern string) (string, error)
	MkdirAll(path string, perm os.FileMode) error
	WriteFile(filename string, data []byte, perm os.FileMode) error
	RemoveAll(path string) error
}

// RealFileSystem implements FileSystem using actual file system operations
type RealFileSystem struct{}

func (RealFileSystem) MkdirTemp(dir, pattern string) (string, error) {
	return os.MkdirTemp(dir, pattern)
}

func (RealFileSystem) MkdirAll(p string, perm os.FileMode) error { return os.MkdirAll(p, perm) }

func (RealFileSystem) WriteFile(filename string, data []byte, perm os.FileMode) error {
	return os.WriteFile(filename, data, perm)
}

func (RealFileSystem) RemoveAll(p string) error { return os.RemoveAll(p) }

// LocalEngine runs code directly on the host inside per-instance temp directories.
//
// This is a degraded mode: there is no network or filesystem isolation, only process-group
// kill on deadline and ulimit-based memory and file-size ceilings. It is only available when
// explicitly enabled in configuration.
type LocalEngine struct {
	logger    *zap.Logger
	baseDir   string
	cmdRunner CommandRunner
	fs        FileSystem

	mu        sync.Mutex
	instances map[string]InstanceSpec
	// groups holds the process group of every exec started in an instance since its last reset.
	groups map[string][]int
}

// InstanceEnvVar is set to the instance directory in every process the local engine starts,
// so leftovers can be found even after they leave their process group.
const InstanceEnvVar = "JUDGEBOX_INSTANCE"

// reapWait bounds how long Reset waits for killed processes to disappear.
const reapWait = 500 * time.Millisecond

// LocalEngineOption defines a functional option for LocalEngine
type LocalEngineOption func(*LocalEngine)

// WithLocalCommandRunner sets the CommandRunner for LocalEngine
func WithLocalCommandRunner(cmdRunner CommandRunner) LocalEngineOption {
	return func(l *LocalEngine) {
		l.cmdRunner = cmdRunner
	}
}

// WithLocalFileSystem sets the FileSystem for LocalEngine
func WithLocalFileSystem(fs FileSystem) LocalEngineOption {
	return func(l *LocalEngine) {
		l.fs = fs
	}
}

// WithLocalBaseDir sets the directory instance directories are created under.
func WithLocalBaseDir(dir string) LocalEngineOption {
	return func(l *LocalEngine) {
		l.baseDir = dir
	}
}

// NewLocalEngine creates a LocalEngine.
func NewLocalEngine(logger *zap.Logger, opts ...LocalEngineOption) *LocalEngine {
	engine := &LocalEngine{
		logger:    logger,
		cmdRunner: &RealCommandRunner{},
		fs:        &RealFileSystem{},
		instances: make(map[string]InstanceSpec),
		groups:    make(map[string][]int),
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine
}

// Name returns the backend name.
func (l *LocalEngine) Name() string { return "local" }

// Ping always succeeds.
func (l *LocalEngine) Ping(context.Context) error { return nil }

// EnsureImage is a no-op: local mode uses whatever toolchains the host has.
func (l *LocalEngine) EnsureImage(context.Context, string) error { return nil }

// Create makes a fresh instance directory.
func (l *LocalEngine) Create(_ context.Context, spec InstanceSpec) (string, error) {
	dir, err := l.fs.MkdirTemp(l.baseDir, "judgebox-*")
	if err != nil {
		return "", fmt.Errorf("%w: create instance dir: %v", ErrInfrastructure, err)
	}
	if spec.WorkspaceRoot == "" {
		spec.WorkspaceRoot = DefaultWorkspaceRoot
	}

	l.mu.Lock()
	l.instances[dir] = spec
	l.mu.Unlock()

	l.logger.Warn("Local sandbox instance created without container isolation", zap.String("dir", dir))
	return dir, nil
}

func (l *LocalEngine) spec(handle string) (InstanceSpec, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	spec, ok := l.instances[handle]
	if !ok {
		return InstanceSpec{}, fmt.Errorf("%w: %s", ErrNotFound, handle)
	}
	return spec, nil
}

// hostPath maps a path under the instance's workspace root to the instance directory.
func hostPath(spec InstanceSpec, handle, p string) string {
	root := strings.TrimRight(spec.WorkspaceRoot, "/")
	if p == root || strings.HasPrefix(p, root+"/") {
		return filepath.Join(handle, filepath.FromSlash(strings.TrimPrefix(p, root)))
	}
	if !path.IsAbs(p) {
		return filepath.Join(handle, filepath.FromSlash(p))
	}
	return p
}

// CopyFile writes data to dst inside the instance directory.
func (l *LocalEngine) CopyFile(_ context.Context, handle, dst string, data []byte) error {
	spec, err := l.spec(handle)
	if err != nil {
		return err
	}
	target := hostPath(spec, handle, dst)
	if !strings.HasPrefix(target, handle) {
		return fmt.Errorf("%w: %s is outside the workspace", ErrInfrastructure, dst)
	}
	if err := l.fs.MkdirAll(filepath.Dir(target), DirPermission); err != nil {
		return fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}
	if err := l.fs.WriteFile(target, data, FilePermission); err != nil {
		return fmt.Errorf("%w: %v", ErrInfrastructure, err)
	}
	return nil
}

// Reset kills every process left over from earlier execs and recreates the instance directory.
func (l *LocalEngine) Reset(_ context.Context, handle, _ string) error {
	if _, err := l.spec(handle); err != nil {
		return err
	}
	if err := l.killLeftovers(handle); err != nil {
		return fmt.Errorf("%w: reset: %v", ErrInfrastructure, err)
	}
	if err := l.fs.RemoveAll(handle); err != nil {
		return fmt.Errorf("%w: reset: %v", ErrInfrastructure, err)
	}
	if err := l.fs.MkdirAll(handle, DirPermission); err != nil {
		return fmt.Errorf("%w: reset: %v", ErrInfrastructure, err)
	}
	return nil
}

func (l *LocalEngine) trackGroup(handle string, pgid int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.groups[handle] = append(l.groups[handle], pgid)
}

// killLeftovers SIGKILLs the recorded process groups of handle and every process tagged with
// it, then waits briefly for them to go away.
func (l *LocalEngine) killLeftovers(handle string) error {
	l.mu.Lock()
	groups := l.groups[handle]
	delete(l.groups, handle)
	l.mu.Unlock()

	var errs []error
	for _, pgid := range groups {
		if err := killGroup(pgid); err != nil {
			errs = append(errs, fmt.Errorf("kill process group %d: %w", pgid, err))
		}
	}
	tagged := killTagged(InstanceEnvVar + "=" + handle)
	if len(tagged) > 0 {
		l.logger.Info("Killed processes left behind in local instance",
			zap.String("dir", handle), zap.Int("count", len(tagged)))
	}

	deadline := time.Now().Add(reapWait)
	for time.Now().Before(deadline) && anyAlive(groups, tagged) {
		time.Sleep(10 * time.Millisecond)
	}
	return errors.Join(errs...)
}

func anyAlive(groups, pids []int) bool {
	for _, pgid := range groups {
		if groupAlive(pgid) {
			return true
		}
	}
	for _, pid := range pids {
		if processAlive(pid) {
			return true
		}
	}
	return false
}

// limitScript prefixes cmd with ulimit ceilings derived from limits.
func limitScript(limits Limits, cmd []string) []string {
	var script strings.Builder
	if limits.MemoryMB > 0 {
		fmt.Fprintf(&script, "ulimit -d %d 2>/dev/null; ", limits.MemoryMB*1024)
	}
	script.WriteString("ulimit -f 131072 2>/dev/null; exec \"$@\"")
	return append([]string{"sh", "-c", script.String(), "sh"}, cmd...)
}

// Exec runs req in its own process group; the whole group is killed when ctx expires.
func (l *LocalEngine) Exec(ctx context.Context, handle string, req ExecRequest) (ExecResult, error) {
	spec, err := l.spec(handle)
	if err != nil {
		return ExecResult{}, err
	}

	workDir := handle
	if req.WorkDir != "" {
		workDir = hostPath(spec, handle, req.WorkDir)
	}
	cmd := make([]string, len(req.Cmd))
	for i, arg := range req.Cmd {
		cmd[i] = strings.ReplaceAll(arg, strings.TrimRight(spec.WorkspaceRoot, "/"), handle)
	}

	env := []string{"PATH=" + os.Getenv("PATH"), "HOME=" + handle, "TMPDIR=" + os.TempDir(), InstanceEnvVar + "=" + handle}
	env = append(env, spec.EnvList()...)

	stdout := &LimitedBuffer{Max: req.MaxOutputBytes}
	stderr := &LimitedBuffer{Max: req.MaxOutputBytes}
	start := time.Now()
	code, err := l.cmdRunner.RunCommand(ctx, Command{
		Args:    limitScript(spec.Limits, cmd),
		Dir:     workDir,
		Env:     env,
		Stdin:   strings.NewReader(req.Stdin),
		Stdout:  stdout,
		Stderr:  stderr,
		Setpgid: true,
		Started: func(pid int) { l.trackGroup(handle, pid) },
	})
	duration := time.Since(start)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ExecResult{}, fmt.Errorf("local exec: %w", ctxErr)
		}
		return ExecResult{}, fmt.Errorf("%w: local exec: %v", ErrInfrastructure, err)
	}

	return ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  code,
		Duration:  duration,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}, nil
}

// Remove kills whatever still runs in the instance and deletes its directory. Unknown handles
// are not an error.
func (l *LocalEngine) Remove(_ context.Context, handle string) error {
	l.mu.Lock()
	_, ok := l.instances[handle]
	delete(l.instances, handle)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	if err := l.killLeftovers(handle); err != nil {
		l.logger.Warn("Failed to kill local instance processes", zap.String("dir", handle), zap.Error(err))
	}
	if err := l.fs.RemoveAll(handle); err != nil {
		return fmt.Errorf("%w: remove %s: %v", ErrInfrastructure, handle, err)
	}
	return nil
}
