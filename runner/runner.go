package runner

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/isdmx/judgebox/metrics"
	"github.com/isdmx/judgebox/sandbox"
)

// Instance is the part of a pool lease the runner needs.
type Instance interface {
	Handle() string
}

// Config holds runner limits.
type Config struct {
	WorkspaceRoot  string
	MaxOutputBytes int
	CompileTimeout time.Duration
}

// Output is the captured result of one invocation.
type Output struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	TimedOut  bool
	Truncated bool
}

// Workspace is a prepared run directory inside an instance.
type Workspace struct {
	Dir      string
	Language sandbox.Language
	Harness  sandbox.Harness
	spec     sandbox.LanguageSpec
	// Compile is set when compilation failed or timed out. Every run inherits it.
	Compile *Output
}

// Runner executes code through a sandbox engine.
type Runner struct {
	logger *zap.Logger
	engine sandbox.Engine
	cfg    Config
}

// New creates a Runner.
func New(logger *zap.Logger, engine sandbox.Engine, cfg Config) *Runner {
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = sandbox.DefaultWorkspaceRoot
	}
	if cfg.CompileTimeout <= 0 {
		cfg.CompileTimeout = 30 * time.Second
	}
	return &Runner{logger: logger, engine: engine, cfg: cfg}
}

// Prepare writes the source into a fresh run directory and compiles it if the language needs it.
// A compile failure is not an error: it is recorded on the workspace.
func (r *Runner) Prepare(ctx context.Context, inst Instance, lang sandbox.Language, spec sandbox.LanguageSpec,
	code string, harness sandbox.Harness) (*Workspace, error) {
	if harness == "" {
		harness = sandbox.HarnessStdin
	}
	if !spec.SupportsHarness(harness) {
		return nil, fmt.Errorf("language %s does not support the %s harness", lang, harness)
	}

	ws := &Workspace{
		Dir:      path.Join(r.cfg.WorkspaceRoot, "run-"+uuid.NewString()),
		Language: lang,
		Harness:  harness,
		spec:     spec,
	}
	source := code
	if harness == sandbox.HarnessFunction {
		source += spec.FunctionHarness
	}
	if err := r.engine.CopyFile(ctx, inst.Handle(), path.Join(ws.Dir, spec.SourceFile), []byte(source)); err != nil {
		return nil, infraErr("write source", err)
	}

	if len(spec.CompileCmd) == 0 {
		return ws, nil
	}

	cctx, cancel := context.WithTimeout(ctx, r.cfg.CompileTimeout)
	defer cancel()
	start := time.Now()
	res, err := r.engine.Exec(cctx, inst.Handle(), sandbox.ExecRequest{
		Cmd:            spec.CompileCmd,
		WorkDir:        ws.Dir,
		MaxOutputBytes: r.cfg.MaxOutputBytes,
	})
	elapsed := time.Since(start)
	metrics.ExecutionDuration.WithLabelValues(string(lang), "compile").Observe(elapsed.Seconds())

	switch {
	case sandbox.IsDeadline(err):
		r.logger.Debug("Compilation timed out", zap.String("language", string(lang)), zap.Duration("duration", elapsed))
		ws.Compile = &Output{ExitCode: -1, Duration: elapsed, TimedOut: true}
	case err != nil:
		return nil, infraErr("compile", err)
	case res.ExitCode != 0:
		r.logger.Debug("Compilation failed", zap.String("language", string(lang)), zap.Int("exit_code", res.ExitCode))
		ws.Compile = &Output{
			Stdout:    res.Stdout,
			Stderr:    res.Stderr,
			ExitCode:  res.ExitCode,
			Duration:  elapsed,
			Truncated: res.Truncated,
		}
	}
	return ws, nil
}

// Run executes the prepared program once with input. The timeout is also bounded by ctx.
func (r *Runner) Run(ctx context.Context, inst Instance, ws *Workspace, input string, timeout time.Duration) (Output, error) {
	if ws.Compile != nil {
		return *ws.Compile, nil
	}

	rctx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		rctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	start := time.Now()
	res, err := r.engine.Exec(rctx, inst.Handle(), sandbox.ExecRequest{
		Cmd:            ws.spec.RunCmd,
		WorkDir:        ws.Dir,
		Stdin:          input,
		MaxOutputBytes: r.cfg.MaxOutputBytes,
	})
	elapsed := time.Since(start)
	metrics.ExecutionDuration.WithLabelValues(string(ws.Language), "run").Observe(elapsed.Seconds())

	switch {
	case sandbox.IsDeadline(err), err == nil && errors.Is(rctx.Err(), context.DeadlineExceeded):
		// Anything the process wrote before the kill is discarded.
		return Output{ExitCode: -1, Duration: elapsed, TimedOut: true}, nil
	case errors.Is(err, context.Canceled):
		return Output{}, err
	case err != nil:
		return Output{}, infraErr("run", err)
	}

	duration := res.Duration
	if duration <= 0 {
		duration = elapsed
	}
	return Output{
		Stdout:    res.Stdout,
		Stderr:    res.Stderr,
		ExitCode:  res.ExitCode,
		Duration:  duration,
		Truncated: res.Truncated,
	}, nil
}

func infraErr(op string, err error) error {
	if errors.Is(err, sandbox.ErrInfrastructure) || sandbox.IsDeadline(err) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", sandbox.ErrInfrastructure, op, err)
}
