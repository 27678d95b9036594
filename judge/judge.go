package judge

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/isdmx/judgebox/evaluator"
	"github.com/isdmx/judgebox/metrics"
	"github.com/isdmx/judgebox/pool"
	"github.com/isdmx/judgebox/runner"
	"github.com/isdmx/judgebox/sandbox"
)

// ErrInvalidRequest is returned for requests rejected before any sandbox work starts.
var ErrInvalidRequest = errors.New("invalid request")

// Config holds request defaults and ceilings.
type Config struct {
	DefaultTimeout time.Duration
	MaxTimeout     time.Duration
	// DefaultLimits apply when a request leaves a limit unset, and cap any request value.
	DefaultLimits sandbox.Limits
	WorkspaceRoot string
	MaxTestCases  int
	MaxCodeBytes  int
}

// ExecutionRequest is a scored execution against test cases.
type ExecutionRequest struct {
	Code      string               `json:"code"`
	Language  string               `json:"language"`
	TestCases []evaluator.TestCase `json:"test_cases"`
	Harness   sandbox.Harness      `json:"harness,omitempty"`
	Timeout   time.Duration        `json:"-"`
	Limits    sandbox.Limits       `json:"-"`
}

// TestResult is the outcome of one test case.
type TestResult struct {
	Index      int               `json:"index"`
	Input      string            `json:"input"`
	Expected   string            `json:"expected"`
	Stdout     string            `json:"actual"`
	Stderr     string            `json:"stderr,omitempty"`
	ExitCode   int               `json:"exit_code"`
	DurationMS int64             `json:"duration_ms"`
	Verdict    evaluator.Verdict `json:"verdict"`
	Truncated  bool              `json:"truncated,omitempty"`
}

// ExecutionResult is the scored outcome of an ExecutionRequest.
type ExecutionResult struct {
	Language string       `json:"language"`
	Tests    []TestResult `json:"test_results"`
	Passed   int          `json:"passed"`
	Total    int          `json:"total"`
	Score    float64      `json:"score"`
}

// RunOnceRequest is a single unscored execution.
type RunOnceRequest struct {
	Code     string         `json:"code"`
	Language string         `json:"language"`
	Stdin    string         `json:"stdin"`
	Timeout  time.Duration  `json:"-"`
	Limits   sandbox.Limits `json:"-"`
}

// RunOnceResult is the outcome of a RunOnceRequest.
type RunOnceResult struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMS int64  `json:"duration_ms"`
	TimedOut   bool   `json:"timed_out"`
	Truncated  bool   `json:"truncated,omitempty"`
}

// Service is the entry point transports call into.
type Service struct {
	logger    *zap.Logger
	pool      *pool.Pool
	runner    *runner.Runner
	languages sandbox.LanguageTable
	cfg       Config
}

// New creates a Service.
func New(logger *zap.Logger, p *pool.Pool, r *runner.Runner, languages sandbox.LanguageTable, cfg Config) *Service {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 30 * time.Second
	}
	if cfg.MaxTimeout < cfg.DefaultTimeout {
		cfg.MaxTimeout = cfg.DefaultTimeout
	}
	if cfg.MaxTestCases <= 0 {
		cfg.MaxTestCases = 100
	}
	if cfg.MaxCodeBytes <= 0 {
		cfg.MaxCodeBytes = 64 * 1024
	}
	if cfg.WorkspaceRoot == "" {
		cfg.WorkspaceRoot = sandbox.DefaultWorkspaceRoot
	}
	return &Service{logger: logger, pool: p, runner: r, languages: languages, cfg: cfg}
}

// Languages returns the supported language identifiers.
func (s *Service) Languages() []string {
	return s.languages.Languages()
}

type resolved struct {
	lang     sandbox.Language
	spec     sandbox.LanguageSpec
	instance sandbox.InstanceSpec
	timeout  time.Duration
}

func (s *Service) resolve(code, language string, timeout time.Duration, limits sandbox.Limits) (resolved, error) {
	lang, spec, err := s.languages.Lookup(language)
	if err != nil {
		return resolved{}, err
	}
	if strings.TrimSpace(code) == "" {
		return resolved{}, fmt.Errorf("%w: code is empty", ErrInvalidRequest)
	}
	if len(code) > s.cfg.MaxCodeBytes {
		return resolved{}, fmt.Errorf("%w: code exceeds %d bytes", ErrInvalidRequest, s.cfg.MaxCodeBytes)
	}
	if timeout < 0 {
		return resolved{}, fmt.Errorf("%w: timeout must not be negative", ErrInvalidRequest)
	}

	switch {
	case timeout == 0:
		timeout = s.cfg.DefaultTimeout
	case timeout > s.cfg.MaxTimeout:
		timeout = s.cfg.MaxTimeout
	}

	return resolved{
		lang:     lang,
		spec:     spec,
		timeout:  timeout,
		instance: s.instanceSpec(spec, limits),
	}, nil
}

func (s *Service) instanceSpec(spec sandbox.LanguageSpec, limits sandbox.Limits) sandbox.InstanceSpec {
	return sandbox.InstanceSpec{
		Image:         spec.Image,
		Limits:        s.clampLimits(limits),
		Env:           spec.Env,
		WorkspaceRoot: s.cfg.WorkspaceRoot,
	}
}

// Prewarm provisions one Ready instance with default limits for each language, so the first
// request does not pay for an image pull. Failures are logged and skipped.
func (s *Service) Prewarm(ctx context.Context, languages []string) int {
	warmed := 0
	for _, name := range languages {
		lang, spec, err := s.languages.Lookup(name)
		if err != nil {
			s.logger.Warn("Skipping prewarm", zap.String("language", name), zap.Error(err))
			continue
		}
		n, err := s.pool.Warm(ctx, s.instanceSpec(spec, sandbox.Limits{}), 1)
		if err != nil {
			s.logger.Warn("Prewarm failed", zap.String("language", string(lang)), zap.Error(err))
			continue
		}
		warmed += n
	}
	return warmed
}

func (s *Service) clampLimits(l sandbox.Limits) sandbox.Limits {
	d := s.cfg.DefaultLimits
	if l.CPUs <= 0 || (d.CPUs > 0 && l.CPUs > d.CPUs) {
		l.CPUs = d.CPUs
	}
	if l.MemoryMB <= 0 || (d.MemoryMB > 0 && l.MemoryMB > d.MemoryMB) {
		l.MemoryMB = d.MemoryMB
	}
	if l.PidsLimit <= 0 || (d.PidsLimit > 0 && l.PidsLimit > d.PidsLimit) {
		l.PidsLimit = d.PidsLimit
	}
	return l
}

// Execute runs req.Code against every test case and scores it. Failures of the submitted
// code are verdicts; the returned error is only a validation error, ErrAdmissionRejected,
// ErrImageUnavailable or ErrInfrastructure.
func (s *Service) Execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	start := time.Now()
	res, err := s.execute(ctx, req)
	outcome := "completed"
	if err != nil {
		outcome = sandbox.Kind(err)
		if errors.Is(err, ErrInvalidRequest) {
			outcome = "invalid_request"
		}
	}
	lang := string(sandbox.Normalize(req.Language))
	metrics.Executions.WithLabelValues(lang, outcome).Inc()
	metrics.ExecutionDuration.WithLabelValues(lang, "total").Observe(time.Since(start).Seconds())
	return res, err
}

func (s *Service) execute(ctx context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if len(req.TestCases) == 0 {
		return ExecutionResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, evaluator.ErrNoTestCases)
	}
	if len(req.TestCases) > s.cfg.MaxTestCases {
		return ExecutionResult{}, fmt.Errorf("%w: at most %d test cases are allowed", ErrInvalidRequest, s.cfg.MaxTestCases)
	}
	r, err := s.resolve(req.Code, req.Language, req.Timeout, req.Limits)
	if err != nil {
		return ExecutionResult{}, err
	}
	harness := req.Harness
	if harness == "" {
		harness = sandbox.HarnessStdin
	}
	if !r.spec.SupportsHarness(harness) {
		return ExecutionResult{}, fmt.Errorf("%w: language %s does not support the %q harness", ErrInvalidRequest, r.lang, harness)
	}

	log := s.logger.With(zap.String("language", string(r.lang)))
	lease, err := s.pool.Acquire(ctx, r.instance)
	if err != nil {
		return ExecutionResult{}, err
	}

	results := make([]TestResult, 0, len(req.TestCases))
	verdicts := make([]evaluator.Verdict, 0, len(req.TestCases))
	record := func(i int, tc evaluator.TestCase, out runner.Output) {
		v := evaluator.Evaluate(evaluator.Actual{
			Stdout:   out.Stdout,
			Stderr:   out.Stderr,
			ExitCode: out.ExitCode,
			TimedOut: out.TimedOut,
		}, tc)
		metrics.Verdicts.WithLabelValues(string(r.lang), string(v)).Inc()
		verdicts = append(verdicts, v)
		results = append(results, TestResult{
			Index:      i,
			Input:      tc.Input,
			Expected:   tc.ExpectedOutput,
			Stdout:     out.Stdout,
			Stderr:     out.Stderr,
			ExitCode:   out.ExitCode,
			DurationMS: out.Duration.Milliseconds(),
			Verdict:    v,
			Truncated:  out.Truncated,
		})
	}
	// expire marks the remaining test cases as timed out once the caller's deadline has passed.
	expire := func(from int) {
		for i := from; i < len(req.TestCases); i++ {
			record(i, req.TestCases[i], runner.Output{ExitCode: -1, TimedOut: true})
		}
	}

	ws, err := s.runner.Prepare(ctx, lease, r.lang, r.spec, req.Code, harness)
	if err != nil {
		s.pool.Discard(lease, "prepare failed")
		if !sandbox.IsDeadline(err) {
			return ExecutionResult{}, err
		}
		lease = nil
		expire(0)
	}

	tainted := ws != nil && ws.Compile != nil && ws.Compile.TimedOut
	for i := len(results); i < len(req.TestCases); i++ {
		tc := req.TestCases[i]
		if err := ctx.Err(); err != nil {
			if !errors.Is(err, context.DeadlineExceeded) {
				s.pool.Discard(lease, "cancelled")
				return ExecutionResult{}, fmt.Errorf("execution cancelled: %w", err)
			}
			expire(i)
			break
		}

		// A timed-out run leaves the instance in an unknown state; later test cases get a fresh one.
		if tainted && ws.Compile == nil {
			lease, err = s.pool.Replace(ctx, lease)
			if err != nil {
				lease = nil
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					expire(i)
					break
				}
				return ExecutionResult{}, err
			}
			ws, err = s.runner.Prepare(ctx, lease, r.lang, r.spec, req.Code, harness)
			if err != nil {
				s.pool.Discard(lease, "prepare failed")
				lease = nil
				if sandbox.IsDeadline(err) {
					expire(i)
					break
				}
				return ExecutionResult{}, err
			}
			tainted = false
		}

		out, err := s.runner.Run(ctx, lease, ws, tc.Input, r.timeout)
		if err != nil {
			s.pool.Discard(lease, "infrastructure failure")
			return ExecutionResult{}, err
		}
		if out.TimedOut {
			tainted = true
		}
		record(i, tc, out)
	}

	if lease != nil {
		if tainted {
			s.pool.Discard(lease, "timeout")
		} else {
			s.pool.Release(lease)
		}
	}

	score, err := evaluator.Aggregate(verdicts)
	if err != nil {
		return ExecutionResult{}, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	log.Info("Execution finished",
		zap.Int("passed", score.Passed), zap.Int("total", score.Total), zap.Float64("score", score.Value))

	return ExecutionResult{
		Language: string(r.lang),
		Tests:    results,
		Passed:   score.Passed,
		Total:    score.Total,
		Score:    score.Value,
	}, nil
}

// RunOnce executes code once with stdin and returns the raw output, without scoring.
func (s *Service) RunOnce(ctx context.Context, req RunOnceRequest) (RunOnceResult, error) {
	r, err := s.resolve(req.Code, req.Language, req.Timeout, req.Limits)
	if err != nil {
		return RunOnceResult{}, err
	}

	lease, err := s.pool.Acquire(ctx, r.instance)
	if err != nil {
		return RunOnceResult{}, err
	}

	ws, err := s.runner.Prepare(ctx, lease, r.lang, r.spec, req.Code, sandbox.HarnessStdin)
	if err != nil {
		s.pool.Discard(lease, "prepare failed")
		if sandbox.IsDeadline(err) {
			return RunOnceResult{ExitCode: -1, TimedOut: true}, nil
		}
		return RunOnceResult{}, err
	}

	out, err := s.runner.Run(ctx, lease, ws, req.Stdin, r.timeout)
	if err != nil {
		s.pool.Discard(lease, "infrastructure failure")
		return RunOnceResult{}, err
	}
	if out.TimedOut {
		s.pool.Discard(lease, "timeout")
	} else {
		s.pool.Release(lease)
	}

	s.logger.Debug("Run finished", zap.String("language", string(r.lang)),
		zap.Int("exit_code", out.ExitCode), zap.Bool("timed_out", out.TimedOut), zap.Duration("duration", out.Duration))
	return RunOnceResult{
		Stdout:     out.Stdout,
		Stderr:     out.Stderr,
		ExitCode:   out.ExitCode,
		DurationMS: out.Duration.Milliseconds(),
		TimedOut:   out.TimedOut,
		Truncated:  out.Truncated,
	}, nil
}
