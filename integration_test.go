package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/judgebox/config"
	"github.com/isdmx/judgebox/httpapi"
	"github.com/isdmx/judgebox/judge"
	"github.com/isdmx/judgebox/logger"
	"github.com/isdmx/judgebox/mcpserver"
	"github.com/isdmx/judgebox/pool"
	"github.com/isdmx/judgebox/runner"
	"github.com/isdmx/judgebox/sandbox"
	"github.com/isdmx/judgebox/sandbox/sandboxtest"
)

// echoOrSpin echoes stdin, or spins until killed when the source contains "spin".
func echoOrSpin(ctx context.Context, call sandboxtest.Call) (sandbox.ExecResult, error) {
	for _, src := range call.Files {
		if strings.Contains(src, "spin") {
			return sandboxtest.Block(ctx, call)
		}
	}
	return sandbox.ExecResult{Stdout: call.Req.Stdin}, nil
}

type stack struct {
	cfg    *config.Config
	engine *sandboxtest.FakeEngine
	pool   *pool.Pool
	judge  *judge.Service
	http   *httptest.Server
}

func newStack(t *testing.T, maxInstances int) *stack {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cfg.Sandbox.MaxInstances = maxInstances
	cfg.Sandbox.TimeoutSec = 1

	log := zaptest.NewLogger(t)
	engine := sandboxtest.NewFakeEngine(echoOrSpin)
	languages, err := sandbox.DefaultLanguages().Merge(cfg.LanguageOverrides())
	require.NoError(t, err)

	p := pool.New(log, engine, pool.Config{
		MaxInstances:     cfg.Sandbox.MaxInstances,
		ProvisionRetries: cfg.Sandbox.ProvisionRetries,
		ProvisionBackoff: time.Millisecond,
	})
	r := runner.New(log, engine, runner.Config{
		WorkspaceRoot:  cfg.Sandbox.WorkspaceRoot,
		MaxOutputBytes: cfg.Sandbox.MaxOutputKB * 1024,
		CompileTimeout: cfg.GetCompileTimeout(),
	})
	svc := judge.New(log, p, r, languages, judge.Config{
		DefaultTimeout: cfg.GetTimeout(),
		MaxTimeout:     cfg.GetMaxTimeout(),
		DefaultLimits:  cfg.Limits(),
		WorkspaceRoot:  cfg.Sandbox.WorkspaceRoot,
	})
	mcp, err := mcpserver.New(cfg, log, svc)
	require.NoError(t, err)
	api := httpapi.New(log, svc, engine, p, httpapi.Config{
		MCPPath:    cfg.Server.MCPPath,
		MCPHandler: mcp.HTTPHandler(),
	})

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)
	return &stack{cfg: cfg, engine: engine, pool: p, judge: svc, http: srv}
}

func (s *stack) post(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(s.http.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp, out
}

func TestIntegrationLoggerFromLoadedConfig(t *testing.T) {
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)

	log, err := logger.NewFromConfig(cfg)
	require.NoError(t, err)
	log.Info("Integration test started")
	_ = log.Sync()
}

func TestIntegrationExecuteOverHTTP(t *testing.T) {
	s := newStack(t, 2)

	resp, body := s.post(t, "/v1/execute", map[string]any{
		"code":     "print(input())",
		"language": "python",
		"test_cases": []map[string]any{
			{"input": "hello", "expected_output": "hello"},
			{"input": "HELLO", "expected_output": "hello", "normalization": map[string]any{"trim_space": true, "ignore_case": true}},
			{"input": "a", "expected_output": "b"},
		},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.InDelta(t, 2.0/3.0, body["score"], 1e-9)
	assert.EqualValues(t, 2, body["passed"])
	assert.EqualValues(t, 3, body["total"])

	snap := s.pool.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, pool.StateIdle, snap[0].State)
	assert.Equal(t, 256, snap[0].Spec.Limits.MemoryMB)
}

func TestIntegrationTimeoutOverHTTP(t *testing.T) {
	s := newStack(t, 1)

	start := time.Now()
	resp, body := s.post(t, "/v1/execute", map[string]any{
		"code":       "# spin\nwhile True: pass",
		"language":   "python",
		"timeout_ms": 100,
		"test_cases": []map[string]any{{"input": "", "expected_output": "1"}},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Less(t, time.Since(start), 3*time.Second)
	tests := body["test_results"].([]any)
	assert.Equal(t, "timeout", tests[0].(map[string]any)["verdict"])
	assert.Equal(t, 0, s.pool.Live())
	assert.Equal(t, 0, s.engine.Live())
}

func TestIntegrationAdmissionOverHTTP(t *testing.T) {
	s := newStack(t, 1)

	held, err := s.pool.Acquire(context.Background(), sandbox.InstanceSpec{Image: "other"})
	require.NoError(t, err)

	resp, body := s.post(t, "/v1/run", map[string]any{"code": "print(1)", "language": "python"})
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "admission_rejected", body["kind"])
	assert.Equal(t, "1", resp.Header.Get("Retry-After"))

	s.pool.Release(held)
	resp, body = s.post(t, "/v1/run", map[string]any{"code": "print(1)", "language": "python", "stdin": "ok"})
	require.Equal(t, http.StatusOK, resp.StatusCode, body)
	assert.Equal(t, "ok", body["stdout"])
	assert.Equal(t, 1, s.pool.Live(), "the idle instance of the other image was evicted")
}

func TestIntegrationReaperAndShutdown(t *testing.T) {
	s := newStack(t, 3)

	for _, lang := range []string{"python", "go"} {
		resp, body := s.post(t, "/v1/run", map[string]any{"code": "x", "language": lang})
		require.Equal(t, http.StatusOK, resp.StatusCode, body)
	}
	assert.Equal(t, 2, s.pool.Live())

	reaper := pool.NewReaper(zaptest.NewLogger(t), s.pool, time.Hour, time.Nanosecond)
	assert.Equal(t, 2, reaper.ScanOnce(time.Now().Add(time.Second)))
	assert.Equal(t, 0, s.engine.Live())

	resp, _ := s.post(t, "/v1/run", map[string]any{"code": "x", "language": "cpp"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, s.pool.Shutdown(context.Background()))
	assert.Equal(t, 0, s.engine.Live())

	resp, body := s.post(t, "/v1/run", map[string]any{"code": "x", "language": "python"})
	assert.NotEqual(t, http.StatusOK, resp.StatusCode, body)
}

func TestIntegrationLanguagesAndHealth(t *testing.T) {
	s := newStack(t, 1)

	resp, err := http.Get(s.http.URL + "/v1/languages")
	require.NoError(t, err)
	defer resp.Body.Close()
	var langs map[string][]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&langs))
	assert.Equal(t, []string{"cpp", "go", "nodejs", "python"}, langs["languages"])

	health, err := http.Get(s.http.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusOK, health.StatusCode)

	s.engine.SetPingErr(assert.AnError)
	health, err = http.Get(s.http.URL + "/healthz")
	require.NoError(t, err)
	health.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, health.StatusCode)
}
