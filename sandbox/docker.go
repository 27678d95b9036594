package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.uber.org/zap"
)

// DockerAPI is the subset of the Docker Engine client the DockerEngine uses.
type DockerAPI interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig,
		networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecStartOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	ContainerKill(ctx context.Context, containerID, signal string) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	Close() error
}

// killTimeout bounds the background kill issued after an exec deadline.
const killTimeout = 10 * time.Second

// execPollInterval is the first delay between exec inspections while the exec still runs.
const execPollInterval = 5 * time.Millisecond

// DockerEngine implements Engine on top of the Docker Engine API.
type DockerEngine struct {
	logger *zap.Logger
	cli    DockerAPI
}

// DockerEngineOption defines a functional option for DockerEngine
type DockerEngineOption func(*DockerEngine)

// WithDockerClient sets the API client, mainly for tests.
func WithDockerClient(cli DockerAPI) DockerEngineOption {
	return func(d *DockerEngine) {
		d.cli = cli
	}
}

// NewDockerEngine creates a DockerEngine. Without WithDockerClient it connects using the
// standard DOCKER_HOST environment with API version negotiation; host overrides it.
func NewDockerEngine(logger *zap.Logger, host string, opts ...DockerEngineOption) (*DockerEngine, error) {
	engine := &DockerEngine{logger: logger}
	for _, opt := range opts {
		opt(engine)
	}
	if engine.cli == nil {
		clientOpts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
		if host != "" {
			clientOpts = append(clientOpts, client.WithHost(host))
		}
		cli, err := client.NewClientWithOpts(clientOpts...)
		if err != nil {
			return nil, fmt.Errorf("%w: docker client: %v", ErrInfrastructure, err)
		}
		engine.cli = cli
	}
	return engine, nil
}

// Name returns the backend name.
func (d *DockerEngine) Name() string { return "docker" }

// Ping checks that the daemon answers.
func (d *DockerEngine) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return translateDockerErr("ping", err)
	}
	return nil
}

// EnsureImage pulls img unless it is already present.
func (d *DockerEngine) EnsureImage(ctx context.Context, img string) error {
	_, _, err := d.cli.ImageInspectWithRaw(ctx, img)
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return translateDockerErr("inspect image", err)
	}

	d.logger.Info("Pulling execution image", zap.String("image", img))
	reader, err := d.cli.ImagePull(ctx, img, image.PullOptions{})
	if err != nil {
		if client.IsErrConnectionFailed(err) {
			return translateDockerErr("pull image", err)
		}
		return fmt.Errorf("%w: pull %s: %v", ErrImageUnavailable, img, err)
	}
	defer func() { _ = reader.Close() }()

	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("%w: pull %s: %v", ErrImageUnavailable, img, err)
	}
	d.logger.Info("Pulled execution image", zap.String("image", img))
	return nil
}

// Create starts a long-lived, network-less container that idles until exec'd into.
func (d *DockerEngine) Create(ctx context.Context, spec InstanceSpec) (string, error) {
	root := spec.WorkspaceRoot
	if root == "" {
		root = DefaultWorkspaceRoot
	}
	memory := int64(spec.Limits.MemoryMB) * 1024 * 1024
	pids := spec.Limits.PidsLimit
	withInit := true

	hostConfig := &container.HostConfig{
		// tini reaps processes killed on reset; PID 1 is never hit by kill -1.
		Init: &withInit,
		Resources: container.Resources{
			Memory:     memory,
			MemorySwap: memory,
			NanoCPUs:   int64(spec.Limits.CPUs * 1e9),
		},
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		SecurityOpt:    []string{"no-new-privileges"},
		CapDrop:        []string{"ALL"},
		Tmpfs: map[string]string{
			root:   "rw,exec,nosuid,size=64m,mode=1777",
			"/tmp": "rw,exec,nosuid,size=64m,mode=1777",
		},
	}
	if pids > 0 {
		hostConfig.Resources.PidsLimit = &pids
	}

	resp, err := d.cli.ContainerCreate(ctx, &container.Config{
		Image:           spec.Image,
		Cmd:             []string{"sleep", "infinity"},
		Env:             spec.EnvList(),
		WorkingDir:      root,
		User:            "nobody",
		NetworkDisabled: true,
		Labels:          map[string]string{ManagedLabel: ManagedLabelValue},
	}, hostConfig, nil, nil, "")
	if err != nil {
		if errdefs.IsNotFound(err) {
			return "", fmt.Errorf("%w: %s: %v", ErrImageUnavailable, spec.Image, err)
		}
		return "", translateDockerErr("create container", err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		d.removeQuietly(resp.ID)
		return "", translateDockerErr("start container", err)
	}

	d.logger.Debug("Container started", zap.String("container", shortID(resp.ID)), zap.String("image", spec.Image))
	return resp.ID, nil
}

// CopyFile writes data to dst through an exec'd cat, since the workspace is a tmpfs.
func (d *DockerEngine) CopyFile(ctx context.Context, handle, dst string, data []byte) error {
	res, err := d.Exec(ctx, handle, ExecRequest{Cmd: copyFileScript(dst), Stdin: string(data)})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: write %s: exit %d: %s", ErrInfrastructure, dst, res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return nil
}

// Reset kills leftover processes and empties the workspace root and /tmp.
func (d *DockerEngine) Reset(ctx context.Context, handle, root string) error {
	res, err := d.Exec(ctx, handle, ExecRequest{Cmd: resetScript(root)})
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%w: reset workspace: exit %d", ErrInfrastructure, res.ExitCode)
	}
	return nil
}

// Exec runs req inside the container and waits for it, or for ctx to expire.
func (d *DockerEngine) Exec(ctx context.Context, handle string, req ExecRequest) (ExecResult, error) {
	withStdin := req.Stdin != ""
	created, err := d.cli.ContainerExecCreate(ctx, handle, container.ExecOptions{
		Cmd:          req.Cmd,
		WorkingDir:   req.WorkDir,
		AttachStdin:  withStdin,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, d.execErr(ctx, handle, "create exec", err)
	}

	start := time.Now()
	attach, err := d.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, d.execErr(ctx, handle, "attach exec", err)
	}
	defer attach.Close()

	if withStdin {
		go func() {
			_, _ = io.Copy(attach.Conn, strings.NewReader(req.Stdin))
			_ = attach.CloseWrite()
		}()
	}

	stdout := &LimitedBuffer{Max: req.MaxOutputBytes}
	stderr := &LimitedBuffer{Max: req.MaxOutputBytes}
	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil && !errors.Is(err, io.EOF) {
			return ExecResult{}, d.execErr(ctx, handle, "read exec output", err)
		}
	case <-ctx.Done():
		d.killAsync(handle)
		return ExecResult{}, fmt.Errorf("exec in %s: %w", shortID(handle), ctx.Err())
	}
	duration := time.Since(start)

	inspect, err := d.waitExec(ctx, created.ID)
	if err != nil {
		return ExecResult{}, d.execErr(ctx, handle, "inspect exec", err)
	}

	return ExecResult{
		Stdout:    stdout.String(),
		Stderr:    stderr.String(),
		ExitCode:  inspect.ExitCode,
		Duration:  duration,
		Truncated: stdout.Truncated() || stderr.Truncated(),
	}, nil
}

// waitExec polls the exec until the daemon stops reporting it as running; right after the
// output stream closes it may still show Running with a zero exit code.
func (d *DockerEngine) waitExec(ctx context.Context, execID string) (container.ExecInspect, error) {
	delay := execPollInterval
	for {
		inspect, err := d.cli.ContainerExecInspect(ctx, execID)
		if err != nil || !inspect.Running {
			return inspect, err
		}
		select {
		case <-ctx.Done():
			return inspect, ctx.Err()
		case <-time.After(delay):
		}
		if delay < 100*time.Millisecond {
			delay *= 2
		}
	}
}

// Remove force-removes the container. Unknown containers are not an error.
func (d *DockerEngine) Remove(ctx context.Context, handle string) error {
	err := d.cli.ContainerRemove(ctx, handle, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return translateDockerErr("remove container", err)
}

// Orphans lists containers carrying the managed label.
func (d *DockerEngine) Orphans(ctx context.Context) ([]string, error) {
	list, err := d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ManagedLabel+"="+ManagedLabelValue)),
	})
	if err != nil {
		return nil, translateDockerErr("list containers", err)
	}
	ids := make([]string, 0, len(list))
	for _, c := range list {
		ids = append(ids, c.ID)
	}
	return ids, nil
}

// Close releases the API client.
func (d *DockerEngine) Close() error {
	return d.cli.Close()
}

// execErr prefers the context error so a deadline hit inside an API call still reads as a timeout.
func (d *DockerEngine) execErr(ctx context.Context, handle, op string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		d.killAsync(handle)
		return fmt.Errorf("%s in %s: %w", op, shortID(handle), ctxErr)
	}
	return translateDockerErr(op, err)
}

// killAsync kills every process in the container without blocking the caller.
func (d *DockerEngine) killAsync(handle string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
		defer cancel()
		if err := d.cli.ContainerKill(ctx, handle, "SIGKILL"); err != nil && !errdefs.IsNotFound(err) && !errdefs.IsConflict(err) {
			d.logger.Warn("Failed to kill container after deadline", zap.String("container", shortID(handle)), zap.Error(err))
		}
	}()
}

func (d *DockerEngine) removeQuietly(handle string) {
	ctx, cancel := context.WithTimeout(context.Background(), killTimeout)
	defer cancel()
	if err := d.Remove(ctx, handle); err != nil {
		d.logger.Warn("Failed to remove container", zap.String("container", shortID(handle)), zap.Error(err))
	}
}

func translateDockerErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%s: %w: %v", op, ErrNotFound, err)
	case client.IsErrConnectionFailed(err), errdefs.IsUnavailable(err):
		return fmt.Errorf("%w: %s: docker daemon unreachable: %v", ErrInfrastructure, op, err)
	default:
		return fmt.Errorf("%w: %s: %v", ErrInfrastructure, op, err)
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
