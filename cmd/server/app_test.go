package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/judgebox/config"
	"github.com/isdmx/judgebox/sandbox"
	"github.com/isdmx/judgebox/sandbox/sandboxtest"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load(t.TempDir())
	require.NoError(t, err)
	cfg.Server.Transport = "http"
	cfg.Server.HTTPPort = 0
	return cfg
}

func TestModuleGraph(t *testing.T) {
	cfg := testConfig(t)
	err := fx.ValidateApp(
		fx.Supply(cfg),
		fx.Provide(func() *zap.Logger { return zaptest.NewLogger(t) }),
		Module,
	)
	require.NoError(t, err)
}

func TestLifecycle(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sandbox.PrewarmLanguages = []string{"python"}

	engine := sandboxtest.NewFakeEngine(nil)
	engine.SetOrphans("leftover-1", "leftover-2")

	app := fxtest.New(t,
		fx.Supply(cfg),
		fx.Provide(func() *zap.Logger { return zaptest.NewLogger(t) }),
		Module,
		fx.Decorate(func(sandbox.Engine) sandbox.Engine { return engine }),
	)
	app.RequireStart()

	assert.ElementsMatch(t, []string{"leftover-1", "leftover-2"}, engine.Removed(), "orphans are purged on start")
	assert.Eventually(t, func() bool { return len(engine.Created()) == 1 }, time.Second, 5*time.Millisecond, "prewarm provisions one instance")

	app.RequireStop()
	assert.Equal(t, 0, engine.Live(), "stop removes every instance")
}

func TestLocalBackendRequiresOptIn(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sandbox.Backend = sandbox.BackendLocal

	_, err := newEngine(cfg, zaptest.NewLogger(t))
	require.Error(t, err)

	cfg.Sandbox.EnableLocalBackend = true
	engine, err := newEngine(cfg, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, "local", engine.Name())
}
