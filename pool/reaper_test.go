package pool

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/isdmx/judgebox/sandbox/sandboxtest"
)

func TestReaperLoopReapsExpiredInstances(t *testing.T) {
	engine := sandboxtest.NewFakeEngine(nil)
	p := newTestPool(t, engine, 2)

	lease, err := p.Acquire(context.Background(), pythonSpec)
	require.NoError(t, err)
	p.Release(lease)

	r := NewReaper(zaptest.NewLogger(t), p, 5*time.Millisecond, time.Nanosecond)
	r.Start()
	r.Start()

	assert.Eventually(t, func() bool { return p.Live() == 0 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop(context.Background()))
	require.NoError(t, r.Stop(context.Background()), "stop is idempotent")
}

func TestReaperStopWaitsForLoop(t *testing.T) {
	p := newTestPool(t, sandboxtest.NewFakeEngine(nil), 1)
	r := NewReaper(zaptest.NewLogger(t), p, time.Hour, time.Minute)
	r.Start()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, r.Stop(ctx))
}

func TestReaperScanOnceSkipsRunning(t *testing.T) {
	clock := newFakeClock()
	engine := sandboxtest.NewFakeEngine(nil)
	p := newTestPool(t, engine, 2, WithClock(clock.Now))

	lease, err := p.Acquire(context.Background(), pythonSpec)
	require.NoError(t, err)

	r := NewReaper(zaptest.NewLogger(t), p, time.Minute, time.Minute)
	clock.Advance(time.Hour)
	assert.Equal(t, 0, r.ScanOnce(clock.Now()))
	assert.True(t, engine.IsLive(lease.Handle()))

	p.Release(lease)
	clock.Advance(2 * time.Minute)
	assert.Equal(t, 1, r.ScanOnce(clock.Now()))
}

func TestReaperSparesReusedInstance(t *testing.T) {
	clock := newFakeClock()
	engine := sandboxtest.NewFakeEngine(nil)
	p := newTestPool(t, engine, 1, WithClock(clock.Now))
	r := NewReaper(zaptest.NewLogger(t), p, time.Minute, 5*time.Minute)

	first, err := p.Acquire(context.Background(), pythonSpec)
	require.NoError(t, err)
	p.Release(first)

	// The idle entry is nearly stale when the next request picks it up.
	clock.Advance(5*time.Minute - time.Second)
	lease, err := p.Acquire(context.Background(), pythonSpec)
	require.NoError(t, err)
	require.Equal(t, first.Handle(), lease.Handle(), "the idle instance is reused")

	clock.Advance(time.Hour)
	assert.Equal(t, 0, r.ScanOnce(clock.Now()), "a bound instance is never stale")
	assert.True(t, engine.IsLive(lease.Handle()))

	p.Release(lease)
	clock.Advance(5*time.Minute - time.Second)
	assert.Equal(t, 0, r.ScanOnce(clock.Now()), "idle time restarts at release")

	clock.Advance(time.Second)
	assert.Equal(t, 1, r.ScanOnce(clock.Now()))
	assert.False(t, engine.IsLive(lease.Handle()))
}
