package pool

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Reaper periodically destroys instances that have been idle longer than the TTL.
type Reaper struct {
	pool     *Pool
	logger   *zap.Logger
	interval time.Duration
	ttl      time.Duration

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewReaper creates a Reaper for pool.
func NewReaper(logger *zap.Logger, pool *Pool, interval, ttl time.Duration) *Reaper {
	return &Reaper{
		pool:     pool,
		logger:   logger,
		interval: interval,
		ttl:      ttl,
	}
}

// Start launches the scan loop in the background. Calling Start twice is a no-op.
func (r *Reaper) Start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})
	go func() {
		defer close(r.done)
		r.Run(ctx)
	}()
}

// Run scans every interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("TTL reaper started", zap.Duration("interval", r.interval), zap.Duration("ttl", r.ttl))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("TTL reaper stopped")
			return
		case <-ticker.C:
			r.ScanOnce(r.pool.now())
		}
	}
}

// ScanOnce reaps every expired instance as of now and returns how many were destroyed.
func (r *Reaper) ScanOnce(now time.Time) int {
	n := r.pool.Reap(now, r.ttl)
	if n > 0 {
		r.logger.Info("Reaped idle sandbox instances", zap.Int("count", n))
	}
	return n
}

// Stop cancels the loop and waits for an in-flight scan to finish, or for ctx to expire.
func (r *Reaper) Stop(ctx context.Context) error {
	r.mu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel = nil
	r.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
