package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/judgebox/config"
	"github.com/isdmx/judgebox/evaluator"
	"github.com/isdmx/judgebox/judge"
	"github.com/isdmx/judgebox/sandbox"
)

// MockJudge implements Judge for testing
type MockJudge struct {
	executeResult judge.ExecutionResult
	executeError  error
	runResult     judge.RunOnceResult
	runError      error

	lastExecute judge.ExecutionRequest
	lastRun     judge.RunOnceRequest
}

func (m *MockJudge) Execute(_ context.Context, req judge.ExecutionRequest) (judge.ExecutionResult, error) {
	m.lastExecute = req
	return m.executeResult, m.executeError
}

func (m *MockJudge) RunOnce(_ context.Context, req judge.RunOnceRequest) (judge.RunOnceResult, error) {
	m.lastRun = req
	return m.runResult, m.runError
}

func (m *MockJudge) Languages() []string { return []string{"cpp", "go", "nodejs", "python"} }

func testConfig() *config.Config {
	return &config.Config{
		Server:  config.ServerConfig{Transport: "stdio", MCPPath: "/mcp"},
		Sandbox: config.SandboxConfig{Backend: "docker", TimeoutSec: 30, MemoryMB: 256, CPUs: 0.5, MaxInstances: 4},
		Logging: config.LoggingConfig{Mode: "production", Level: "info"},
	}
}

func newTestServer(t *testing.T, j *MockJudge) *MCPServer {
	t.Helper()
	s, err := New(testConfig(), zaptest.NewLogger(t), j)
	require.NoError(t, err)
	return s
}

func callRequest(name string, args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Name = name
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	text, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected text content, got %T", res.Content[0])
	return text.Text
}

func TestNewMCPServer(t *testing.T) {
	j := &MockJudge{}
	s := newTestServer(t, j)
	assert.NotNil(t, s.GetMCPServer())
	assert.Equal(t, j, s.judge)
	assert.NotNil(t, s.HTTPHandler())
}

func TestHandleExecuteTests(t *testing.T) {
	j := &MockJudge{executeResult: judge.ExecutionResult{
		Language: "python",
		Tests: []judge.TestResult{
			{Index: 0, Input: "[1, 2]", Expected: "3", Stdout: "3\n", Verdict: evaluator.VerdictPass},
			{Index: 1, Input: "[2, 2]", Expected: "5", Stdout: "4\n", Verdict: evaluator.VerdictWrongAnswer},
		},
		Passed: 1,
		Total:  2,
		Score:  0.5,
	}}
	s := newTestServer(t, j)

	res, err := s.handleExecuteTests(context.Background(), callRequest("execute_tests", map[string]any{
		"code":     "def solution(a, b):\n    return a + b\n",
		"language": "python",
		"harness":  "function",
		"test_cases": []any{
			map[string]any{"input": "[1, 2]", "expected_output": "3"},
			map[string]any{"input": "[2, 2]", "expected_output": "5", "normalization": map[string]any{"ignore_case": true}},
		},
		"timeout_ms": 2000,
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)

	var out judge.ExecutionResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &out))
	assert.InDelta(t, 0.5, out.Score, 1e-9)
	assert.Equal(t, evaluator.VerdictWrongAnswer, out.Tests[1].Verdict)

	assert.Equal(t, sandbox.HarnessFunction, j.lastExecute.Harness)
	assert.Equal(t, 2*time.Second, j.lastExecute.Timeout)
	require.Len(t, j.lastExecute.TestCases, 2)
	assert.Nil(t, j.lastExecute.TestCases[0].Normalization)
	require.NotNil(t, j.lastExecute.TestCases[1].Normalization)
	assert.True(t, j.lastExecute.TestCases[1].Normalization.IgnoreCase)
	assert.Equal(t, sandbox.Limits{}, j.lastExecute.Limits, "omitted limits fall back to server defaults")
}

func TestHandleExecuteTestsLimits(t *testing.T) {
	j := &MockJudge{}
	s := newTestServer(t, j)

	res, err := s.handleExecuteTests(context.Background(), callRequest("execute_tests", map[string]any{
		"code":       "print(1)",
		"language":   "python",
		"test_cases": []any{map[string]any{"expected_output": "1"}},
		"limits":     map[string]any{"cpus": 0.25, "memory_mb": 128, "pids_limit": 16},
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Equal(t, sandbox.Limits{CPUs: 0.25, MemoryMB: 128, PidsLimit: 16}, j.lastExecute.Limits)

	res, err = s.handleExecuteTests(context.Background(), callRequest("execute_tests", map[string]any{
		"code":       "print(1)",
		"language":   "python",
		"test_cases": []any{map[string]any{"expected_output": "1"}},
		"limits":     map[string]any{"memory_mb": -1},
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "limits must not be negative")
}

func TestHandleExecuteTestsErrors(t *testing.T) {
	tests := []struct {
		name string
		err  error
		kind string
	}{
		{"admission", fmt.Errorf("acquire: %w", sandbox.ErrAdmissionRejected), "admission_rejected"},
		{"image", sandbox.ErrImageUnavailable, "image_unavailable"},
		{"no test cases", fmt.Errorf("%w: %w", judge.ErrInvalidRequest, evaluator.ErrNoTestCases), "invalid_request"},
		{"language", sandbox.ErrUnsupportedLanguage, "unsupported_language"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, &MockJudge{executeError: tt.err})
			res, err := s.handleExecuteTests(context.Background(), callRequest("execute_tests", map[string]any{
				"code": "x", "language": "python", "test_cases": []any{},
			}))
			require.NoError(t, err, "failures are reported as tool errors")
			assert.True(t, res.IsError)

			var body map[string]string
			require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &body))
			assert.Equal(t, tt.kind, body["kind"])
		})
	}
}

func TestHandleExecuteTestsBadArguments(t *testing.T) {
	s := newTestServer(t, &MockJudge{})
	res, err := s.handleExecuteTests(context.Background(), callRequest("execute_tests", map[string]any{
		"code": "x", "language": "python", "test_cases": "not a list",
	}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Contains(t, resultText(t, res), "invalid arguments")
}

func TestHandleRunCode(t *testing.T) {
	j := &MockJudge{runResult: judge.RunOnceResult{Stdout: "hello\n", DurationMS: 12}}
	s := newTestServer(t, j)

	res, err := s.handleRunCode(context.Background(), callRequest("run_code", map[string]any{
		"code": "print(input())", "language": "python", "stdin": "hello",
	}))
	require.NoError(t, err)
	assert.False(t, res.IsError)
	assert.Contains(t, resultText(t, res), `"stdout":"hello\n"`)
	assert.Equal(t, "hello", j.lastRun.Stdin)
	assert.Zero(t, j.lastRun.Timeout)

	res, err = s.handleRunCode(context.Background(), callRequest("run_code", map[string]any{"language": "python"}))
	require.NoError(t, err)
	assert.True(t, res.IsError, "code is required")
}
