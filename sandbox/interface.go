package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"strings"
	"time"
)

// Labels applied to every container the engines create, so leftovers from a previous
// process can be found and removed on startup.
const (
	ManagedLabel      = "judgebox.managed"
	ManagedLabelValue = "true"
)

// DefaultWorkspaceRoot is the tmpfs mount inside each instance that holds submitted code.
const DefaultWorkspaceRoot = "/sandbox"

// Limits are the resource ceilings applied to an instance at creation time.
type Limits struct {
	CPUs      float64
	MemoryMB  int
	PidsLimit int64
}

// InstanceSpec describes the environment an instance is provisioned with. Two instances
// with the same Key are interchangeable.
type InstanceSpec struct {
	Image         string
	Limits        Limits
	Env           map[string]string
	WorkspaceRoot string
}

// Key identifies instances that can be reused for the same spec.
func (s InstanceSpec) Key() string {
	keys := make([]string, 0, len(s.Env))
	for k := range s.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s|cpu=%g|mem=%d|pids=%d|root=%s", s.Image, s.Limits.CPUs, s.Limits.MemoryMB, s.Limits.PidsLimit, s.WorkspaceRoot)
	for _, k := range keys {
		fmt.Fprintf(&b, "|%s=%s", k, s.Env[k])
	}
	return b.String()
}

// EnvList renders the spec environment as KEY=VALUE pairs in a stable order.
func (s InstanceSpec) EnvList() []string {
	env := make([]string, 0, len(s.Env))
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	sort.Strings(env)
	return env
}

// ExecRequest is one process invocation inside an instance.
type ExecRequest struct {
	Cmd            []string
	WorkDir        string
	Stdin          string
	MaxOutputBytes int
}

// ExecResult is the captured outcome of an ExecRequest.
type ExecResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool
}

// Engine provisions isolated instances and runs processes inside them.
//
// Exec must honor the context deadline: once it expires the engine force-terminates
// everything started by the call and returns an error wrapping context.DeadlineExceeded,
// without waiting for the engine to acknowledge the kill. Remove is idempotent.
type Engine interface {
	Name() string
	Ping(ctx context.Context) error
	EnsureImage(ctx context.Context, image string) error
	Create(ctx context.Context, spec InstanceSpec) (string, error)
	CopyFile(ctx context.Context, handle, dst string, data []byte) error
	Exec(ctx context.Context, handle string, req ExecRequest) (ExecResult, error)
	Reset(ctx context.Context, handle, root string) error
	Remove(ctx context.Context, handle string) error
}

// OrphanLister is implemented by engines that can enumerate instances left behind by a
// previous process.
type OrphanLister interface {
	Orphans(ctx context.Context) ([]string, error)
}

// Command is a host process invocation used by the CLI and local engines.
type Command struct {
	Args   []string
	Dir    string
	Env    []string
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
	// Setpgid puts the process in its own group so a kill reaches its children.
	Setpgid bool
	// Started, if set, receives the pid right after the process starts.
	Started func(pid int)
}

// CommandRunner defines an interface for executing system commands
type CommandRunner interface {
	RunCommand(ctx context.Context, cmd Command) (exitCode int, err error)
}

// RealCommandRunner implements CommandRunner using actual exec commands
type RealCommandRunner struct {
	// WaitDelay bounds how long Wait blocks on output pipes after the process was killed.
	WaitDelay time.Duration
}

// RunCommand executes the given command. A non-zero exit is reported through exitCode,
// not as an error. When ctx expires the process (group) is killed and ctx.Err() is returned.
func (r RealCommandRunner) RunCommand(ctx context.Context, c Command) (int, error) {
	if len(c.Args) < 1 {
		return 0, fmt.Errorf("no command provided")
	}

	cmd := exec.CommandContext(ctx, c.Args[0], c.Args[1:]...) //nolint:gosec // arguments come from the language table
	cmd.Dir = c.Dir
	if c.Env != nil {
		cmd.Env = c.Env
	}
	cmd.Stdin = c.Stdin
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}
	if c.Setpgid {
		setProcessGroup(cmd)
	}

	err := cmd.Start()
	if err == nil {
		if c.Started != nil {
			c.Started(cmd.Process.Pid)
		}
		err = cmd.Wait()
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, ctxErr
	}
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return 0, nil
}

// LimitedBuffer keeps at most Max bytes and silently drops the rest, so a chatty process
// never blocks on a full pipe.
type LimitedBuffer struct {
	Max       int
	buf       bytes.Buffer
	truncated bool
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	if b.Max <= 0 {
		return b.buf.Write(p)
	}
	room := b.Max - b.buf.Len()
	if room <= 0 {
		b.truncated = len(p) > 0 || b.truncated
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	return b.buf.Write(p)
}

func (b *LimitedBuffer) String() string { return b.buf.String() }

// Truncated reports whether any output was dropped.
func (b *LimitedBuffer) Truncated() bool { return b.truncated }

// ShellQuote quotes s for use inside a POSIX sh command line.
func ShellQuote(s string) string {
	if s == "" {
		return "''"
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// copyFileScript writes stdin to dst, creating parent directories.
func copyFileScript(dst string) []string {
	dir := dst[:strings.LastIndex(dst, "/")+1]
	if dir == "" {
		dir = "."
	}
	return []string{"sh", "-c", fmt.Sprintf("mkdir -p %s && cat > %s", ShellQuote(dir), ShellQuote(dst))}
}

// resetScript kills every process of the instance user except the container's init, then
// empties root and /tmp. It exits non-zero if anything is left behind.
func resetScript(root string) []string {
	q := ShellQuote(strings.TrimRight(root, "/"))
	script := fmt.Sprintf(`kill -9 -1 2>/dev/null
for d in %s /tmp; do
  find "$d" -mindepth 1 -delete 2>/dev/null || rm -rf "$d"/* "$d"/.[!.]* 2>/dev/null
done
[ -z "$(ls -A %s)" ] && [ -z "$(ls -A /tmp)" ]`, q, q)
	return []string{"sh", "-c", script}
}
