package runner

import (
	"context"
	"errors"
	"path"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/judgebox/sandbox"
	"github.com/isdmx/judgebox/sandbox/sandboxtest"
)

type handle string

func (h handle) Handle() string { return string(h) }

func newInstance(t *testing.T, engine *sandboxtest.FakeEngine) handle {
	t.Helper()
	h, err := engine.Create(context.Background(), sandbox.InstanceSpec{Image: "test"})
	require.NoError(t, err)
	return handle(h)
}

func newTestRunner(t *testing.T, engine sandbox.Engine) *Runner {
	t.Helper()
	return New(zaptest.NewLogger(t), engine, Config{MaxOutputBytes: 1024, CompileTimeout: 50 * time.Millisecond})
}

// echoEngine answers every run by echoing stdin back.
func echoEngine() *sandboxtest.FakeEngine {
	return sandboxtest.NewFakeEngine(func(_ context.Context, call sandboxtest.Call) (sandbox.ExecResult, error) {
		return sandbox.ExecResult{Stdout: call.Req.Stdin}, nil
	})
}

func TestPrepareWritesSource(t *testing.T) {
	engine := echoEngine()
	r := newTestRunner(t, engine)
	inst := newInstance(t, engine)
	table := sandbox.DefaultLanguages()

	ws, err := r.Prepare(context.Background(), inst, sandbox.Python, table[sandbox.Python], "print(input())", sandbox.HarnessStdin)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ws.Dir, "/sandbox/run-"))
	assert.Nil(t, ws.Compile)

	var seen map[string]string
	engine.OnExec = func(_ context.Context, call sandboxtest.Call) (sandbox.ExecResult, error) {
		seen = call.Files
		assert.Equal(t, ws.Dir, call.Req.WorkDir)
		assert.Equal(t, []string{"python3", "main.py"}, call.Req.Cmd)
		return sandbox.ExecResult{Stdout: call.Req.Stdin}, nil
	}
	out, err := r.Run(context.Background(), inst, ws, "hello", time.Second)
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Stdout)
	assert.False(t, out.TimedOut)
	assert.Equal(t, "print(input())", seen[path.Join(ws.Dir, "main.py")])
}

func TestPrepareFunctionHarness(t *testing.T) {
	engine := echoEngine()
	r := newTestRunner(t, engine)
	inst := newInstance(t, engine)
	table := sandbox.DefaultLanguages()

	ws, err := r.Prepare(context.Background(), inst, sandbox.Python, table[sandbox.Python], "def solution(a, b):\n    return a + b\n", sandbox.HarnessFunction)
	require.NoError(t, err)

	var source string
	engine.OnExec = func(_ context.Context, call sandboxtest.Call) (sandbox.ExecResult, error) {
		source = call.Files[path.Join(ws.Dir, "main.py")]
		return sandbox.ExecResult{}, nil
	}
	_, err = r.Run(context.Background(), inst, ws, "[1, 2]", time.Second)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(source, "def solution(a, b):"))
	assert.Contains(t, source, "solution(*_judge_args)")

	_, err = r.Prepare(context.Background(), inst, sandbox.CPP, table[sandbox.CPP], "int main(){}", sandbox.HarnessFunction)
	require.Error(t, err, "cpp has no function harness")
}

func TestCompileFailureIsInherited(t *testing.T) {
	engine := sandboxtest.NewFakeEngine(func(_ context.Context, call sandboxtest.Call) (sandbox.ExecResult, error) {
		if call.Req.Cmd[0] == "g++" {
			return sandbox.ExecResult{Stderr: "main.cpp:1: error: expected ';'", ExitCode: 1}, nil
		}
		t.Error("run must not be invoked after a failed compile")
		return sandbox.ExecResult{}, nil
	})
	r := newTestRunner(t, engine)
	inst := newInstance(t, engine)

	ws, err := r.Prepare(context.Background(), inst, sandbox.CPP, sandbox.DefaultLanguages()[sandbox.CPP], "int main() { return 0 }", sandbox.HarnessStdin)
	require.NoError(t, err)
	require.NotNil(t, ws.Compile)

	for i := 0; i < 2; i++ {
		out, err := r.Run(context.Background(), inst, ws, "", time.Second)
		require.NoError(t, err)
		assert.Equal(t, 1, out.ExitCode)
		assert.Contains(t, out.Stderr, "expected ';'")
	}
	assert.Equal(t, 1, engine.Execs(), "compile runs once per request")
}

func TestCompileTimeout(t *testing.T) {
	engine := sandboxtest.NewFakeEngine(sandboxtest.Block)
	r := newTestRunner(t, engine)
	inst := newInstance(t, engine)

	ws, err := r.Prepare(context.Background(), inst, sandbox.Go, sandbox.DefaultLanguages()[sandbox.Go], "package main", sandbox.HarnessStdin)
	require.NoError(t, err)
	require.NotNil(t, ws.Compile)
	assert.True(t, ws.Compile.TimedOut)
}

func TestRunTimeout(t *testing.T) {
	engine := sandboxtest.NewFakeEngine(func(_ context.Context, _ sandboxtest.Call) (sandbox.ExecResult, error) {
		return sandbox.ExecResult{}, nil
	})
	r := newTestRunner(t, engine)
	inst := newInstance(t, engine)
	ws, err := r.Prepare(context.Background(), inst, sandbox.Python, sandbox.DefaultLanguages()[sandbox.Python], "while True: pass", sandbox.HarnessStdin)
	require.NoError(t, err)

	engine.OnExec = func(ctx context.Context, call sandboxtest.Call) (sandbox.ExecResult, error) {
		res, err := sandboxtest.Block(ctx, call)
		res.Stdout = "partial output"
		return res, err
	}

	start := time.Now()
	out, err := r.Run(context.Background(), inst, ws, "", 50*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.Empty(t, out.Stdout, "output past the kill is discarded")
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunRespectsCallerDeadline(t *testing.T) {
	engine := sandboxtest.NewFakeEngine(nil)
	r := newTestRunner(t, engine)
	inst := newInstance(t, engine)
	ws, err := r.Prepare(context.Background(), inst, sandbox.Python, sandbox.DefaultLanguages()[sandbox.Python], "x", sandbox.HarnessStdin)
	require.NoError(t, err)
	engine.OnExec = sandboxtest.Block

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	start := time.Now()
	out, err := r.Run(ctx, inst, ws, "", time.Hour)
	require.NoError(t, err)
	assert.True(t, out.TimedOut)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRunInfrastructureFailure(t *testing.T) {
	engine := sandboxtest.NewFakeEngine(nil)
	r := newTestRunner(t, engine)
	inst := newInstance(t, engine)
	ws, err := r.Prepare(context.Background(), inst, sandbox.Python, sandbox.DefaultLanguages()[sandbox.Python], "x", sandbox.HarnessStdin)
	require.NoError(t, err)

	engine.OnExec = func(context.Context, sandboxtest.Call) (sandbox.ExecResult, error) {
		return sandbox.ExecResult{}, errors.New("daemon went away")
	}
	_, err = r.Run(context.Background(), inst, ws, "", time.Second)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sandbox.ErrInfrastructure))

	require.NoError(t, engine.Remove(context.Background(), string(inst)))
	_, err = r.Prepare(context.Background(), inst, sandbox.Python, sandbox.DefaultLanguages()[sandbox.Python], "x", sandbox.HarnessStdin)
	require.Error(t, err)
	assert.True(t, errors.Is(err, sandbox.ErrInfrastructure))
}
