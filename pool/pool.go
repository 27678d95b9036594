package pool

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/isdmx/judgebox/metrics"
	"github.com/isdmx/judgebox/sandbox"
)

// State is the lifecycle state of a sandbox instance.
type State int

const (
	StateCreated State = iota
	StateReady
	StateRunning
	StateIdle
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateReady:
		return "ready"
	case StateRunning:
		return "running"
	case StateIdle:
		return "idle"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Config holds the pool limits.
type Config struct {
	MaxInstances        int
	ProvisionRetries    int
	ProvisionBackoff    time.Duration
	ProvisionMaxBackoff time.Duration
	TeardownTimeout     time.Duration
	ShutdownParallelism int
}

func (c Config) withDefaults() Config {
	if c.MaxInstances <= 0 {
		c.MaxInstances = 1
	}
	if c.ProvisionBackoff <= 0 {
		c.ProvisionBackoff = 500 * time.Millisecond
	}
	if c.ProvisionMaxBackoff <= 0 {
		c.ProvisionMaxBackoff = 10 * time.Second
	}
	if c.TeardownTimeout <= 0 {
		c.TeardownTimeout = 30 * time.Second
	}
	if c.ShutdownParallelism <= 0 {
		c.ShutdownParallelism = 8
	}
	return c
}

// Instance is a point-in-time copy of a registry entry.
type Instance struct {
	ID        string
	Handle    string
	Spec      sandbox.InstanceSpec
	State     State
	CreatedAt time.Time
	LastUsed  time.Time
}

type entry struct {
	Instance
	key string
}

// Lease grants exclusive use of one Running instance until it is released, discarded or replaced.
type Lease struct {
	id     string
	handle string
	spec   sandbox.InstanceSpec
}

// ID returns the instance ID.
func (l *Lease) ID() string { return l.id }

// Handle returns the engine handle of the instance.
func (l *Lease) Handle() string { return l.handle }

// Spec returns the spec the instance was provisioned with.
func (l *Lease) Spec() sandbox.InstanceSpec { return l.spec }

// Pool is the registry of sandbox instances. It enforces the live-instance ceiling,
// provisions through the engine and never holds its lock across engine calls.
type Pool struct {
	logger *zap.Logger
	engine sandbox.Engine
	cfg    Config
	now    func() time.Time

	mu      sync.Mutex
	entries map[string]*entry
	closed  bool
}

// Option defines a functional option for Pool
type Option func(*Pool)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pool) {
		p.now = now
	}
}

// New creates a Pool on top of engine.
func New(logger *zap.Logger, engine sandbox.Engine, cfg Config, opts ...Option) *Pool {
	p := &Pool{
		logger:  logger,
		engine:  engine,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		entries: make(map[string]*entry),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Acquire returns a lease on an instance matching spec. An idle instance with an identical
// spec is reused; otherwise capacity is reserved and a new instance provisioned. When the
// pool is full and no idle instance can be evicted, ErrAdmissionRejected is returned at once.
func (p *Pool) Acquire(ctx context.Context, spec sandbox.InstanceSpec) (*Lease, error) {
	key := spec.Key()
	now := p.now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: pool is shut down", sandbox.ErrInfrastructure)
	}
	if e := p.reusableLocked(key); e != nil {
		e.State = StateRunning
		e.LastUsed = now
		lease := e.lease()
		p.publishLocked()
		p.mu.Unlock()

		metrics.InstancesReused.Inc()
		p.logger.Debug("Reusing sandbox instance", zap.String("instance_id", lease.id), zap.String("image", spec.Image))
		return lease, nil
	}

	var evicted *entry
	if len(p.entries) >= p.cfg.MaxInstances {
		evicted = p.lruIdleLocked()
		if evicted == nil {
			live := len(p.entries)
			p.mu.Unlock()
			metrics.AdmissionRejected.Inc()
			p.logger.Info("Admission rejected", zap.Int("live", live), zap.Int("max_instances", p.cfg.MaxInstances))
			return nil, fmt.Errorf("%w (%d/%d live)", sandbox.ErrAdmissionRejected, live, p.cfg.MaxInstances)
		}
		p.removeLocked(evicted)
	}
	e := p.reserveLocked(spec, key, now)
	p.publishLocked()
	p.mu.Unlock()

	if evicted != nil {
		_ = p.teardown(evicted, "evicted")
	}
	return p.provisionInto(ctx, e, StateRunning)
}

// Release returns a lease after its run has finished. The workspace is wiped and the
// instance becomes Idle; if the wipe fails the instance is destroyed instead.
func (p *Pool) Release(lease *Lease) {
	p.mu.Lock()
	e, ok := p.entries[lease.id]
	if !ok || e.State != StateRunning {
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TeardownTimeout)
	err := p.engine.Reset(ctx, lease.handle, workspaceRoot(lease.spec))
	cancel()
	if err != nil {
		p.logger.Warn("Workspace reset failed, destroying instance", zap.String("instance_id", lease.id), zap.Error(err))
		_ = p.destroy(lease.id, "reset_failed")
		return
	}

	p.mu.Lock()
	if cur, ok := p.entries[lease.id]; ok && cur.State == StateRunning {
		cur.State = StateIdle
		cur.LastUsed = p.now()
	}
	p.publishLocked()
	p.mu.Unlock()
}

// Discard destroys the leased instance without returning it to the pool.
func (p *Pool) Discard(lease *Lease, reason string) {
	p.logger.Debug("Discarding sandbox instance", zap.String("instance_id", lease.id), zap.String("reason", reason))
	_ = p.destroy(lease.id, "discarded")
}

// Replace destroys the leased instance and provisions a fresh one in the same capacity slot.
// The old lease must not be used afterwards.
func (p *Pool) Replace(ctx context.Context, lease *Lease) (*Lease, error) {
	p.mu.Lock()
	old, ok := p.entries[lease.id]
	if !ok || p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("%w: instance %s is no longer tracked", sandbox.ErrInfrastructure, lease.id)
	}
	p.removeLocked(old)
	e := p.reserveLocked(old.Spec, old.key, p.now())
	p.publishLocked()
	p.mu.Unlock()

	_ = p.teardown(old, "replaced")
	return p.provisionInto(ctx, e, StateRunning)
}

// Destroy tears down the instance with the given ID. Unknown or already destroyed IDs are a no-op.
func (p *Pool) Destroy(id string) error {
	return p.destroy(id, "destroyed")
}

// Warm provisions up to n Ready instances for spec ahead of demand, stopping early when the
// pool is full. It returns how many were created.
func (p *Pool) Warm(ctx context.Context, spec sandbox.InstanceSpec, n int) (int, error) {
	key := spec.Key()
	warmed := 0
	for i := 0; i < n; i++ {
		p.mu.Lock()
		if p.closed || len(p.entries) >= p.cfg.MaxInstances {
			p.mu.Unlock()
			break
		}
		e := p.reserveLocked(spec, key, p.now())
		p.publishLocked()
		p.mu.Unlock()

		if _, err := p.provisionInto(ctx, e, StateReady); err != nil {
			return warmed, err
		}
		warmed++
	}
	return warmed, nil
}

// Reap destroys Idle and Ready instances unused for at least ttl. Running instances are
// never touched. It returns the number of instances reaped.
func (p *Pool) Reap(now time.Time, ttl time.Duration) int {
	p.mu.Lock()
	var victims []*entry
	for _, e := range p.entries {
		if e.State != StateIdle && e.State != StateReady {
			continue
		}
		if now.Sub(e.LastUsed) >= ttl {
			p.removeLocked(e)
			victims = append(victims, e)
		}
	}
	if len(victims) > 0 {
		p.publishLocked()
	}
	p.mu.Unlock()

	for _, e := range victims {
		_ = p.teardown(e, "reaped")
	}
	return len(victims)
}

// Snapshot returns a copy of every tracked instance, oldest first.
func (p *Pool) Snapshot() []Instance {
	p.mu.Lock()
	out := make([]Instance, 0, len(p.entries))
	for _, e := range p.entries {
		out = append(out, e.Instance)
	}
	p.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Live returns the number of live (non-destroyed) instances, including ones being provisioned.
func (p *Pool) Live() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// PurgeOrphans removes instances left behind by a previous process, when the engine can list them.
func (p *Pool) PurgeOrphans(ctx context.Context) (int, error) {
	lister, ok := p.engine.(sandbox.OrphanLister)
	if !ok {
		return 0, nil
	}
	handles, err := lister.Orphans(ctx)
	if err != nil {
		return 0, err
	}

	p.mu.Lock()
	tracked := make(map[string]bool, len(p.entries))
	for _, e := range p.entries {
		tracked[e.Handle] = true
	}
	p.mu.Unlock()

	purged := 0
	for _, h := range handles {
		if tracked[h] {
			continue
		}
		if err := p.engine.Remove(ctx, h); err != nil {
			p.logger.Warn("Failed to remove orphaned instance", zap.String("handle", h), zap.Error(err))
			continue
		}
		purged++
	}
	if purged > 0 {
		p.logger.Info("Removed orphaned sandbox instances", zap.Int("count", purged))
	}
	return purged, nil
}

// Shutdown stops admitting work and destroys every tracked instance concurrently.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	victims := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		p.removeLocked(e)
		victims = append(victims, e)
	}
	p.publishLocked()
	p.mu.Unlock()

	p.logger.Info("Shutting down sandbox pool", zap.Int("instances", len(victims)))

	var g errgroup.Group
	g.SetLimit(p.cfg.ShutdownParallelism)
	for _, e := range victims {
		if e.Handle == "" {
			continue
		}
		g.Go(func() error {
			metrics.InstancesDestroyed.WithLabelValues("shutdown").Inc()
			if err := p.engine.Remove(ctx, e.Handle); err != nil {
				p.logger.Warn("Failed to remove instance on shutdown", zap.String("instance_id", e.ID), zap.Error(err))
				return fmt.Errorf("remove %s: %w", e.ID, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (p *Pool) reusableLocked(key string) *entry {
	var best *entry
	for _, e := range p.entries {
		if e.key != key || (e.State != StateIdle && e.State != StateReady) {
			continue
		}
		if best == nil || e.LastUsed.After(best.LastUsed) {
			best = e
		}
	}
	return best
}

func (p *Pool) lruIdleLocked() *entry {
	var lru *entry
	for _, e := range p.entries {
		if e.State != StateIdle && e.State != StateReady {
			continue
		}
		if lru == nil || e.LastUsed.Before(lru.LastUsed) {
			lru = e
		}
	}
	return lru
}

// reserveLocked adds a Created entry. It counts toward the ceiling before any engine call.
func (p *Pool) reserveLocked(spec sandbox.InstanceSpec, key string, now time.Time) *entry {
	e := &entry{
		Instance: Instance{
			ID:        uuid.NewString(),
			Spec:      spec,
			State:     StateCreated,
			CreatedAt: now,
			LastUsed:  now,
		},
		key: key,
	}
	p.entries[e.ID] = e
	return e
}

func (p *Pool) removeLocked(e *entry) {
	delete(p.entries, e.ID)
	e.State = StateDestroyed
}

// provisionInto provisions the reserved entry e and moves it to Ready, then to target.
func (p *Pool) provisionInto(ctx context.Context, e *entry, target State) (*Lease, error) {
	handle, err := p.provision(ctx, e.Spec)

	p.mu.Lock()
	if err != nil {
		if p.entries[e.ID] == e {
			delete(p.entries, e.ID)
			e.State = StateDestroyed
		}
		p.publishLocked()
		p.mu.Unlock()
		return nil, err
	}
	if p.entries[e.ID] != e {
		// Destroyed or shut down while provisioning.
		p.mu.Unlock()
		_ = p.teardown(&entry{Instance: Instance{ID: e.ID, Handle: handle}}, "shutdown")
		return nil, fmt.Errorf("%w: instance %s destroyed during provisioning", sandbox.ErrInfrastructure, e.ID)
	}
	e.Handle = handle
	e.State = StateReady
	if target == StateRunning {
		e.State = StateRunning
	}
	e.LastUsed = p.now()
	lease := e.lease()
	p.publishLocked()
	p.mu.Unlock()

	p.logger.Debug("Provisioned sandbox instance",
		zap.String("instance_id", e.ID), zap.String("image", e.Spec.Image), zap.Stringer("state", target))
	return lease, nil
}

// provision runs ping, image check and create with bounded exponential backoff.
func (p *Pool) provision(ctx context.Context, spec sandbox.InstanceSpec) (string, error) {
	start := time.Now()
	defer func() { metrics.ProvisionDuration.Observe(time.Since(start).Seconds()) }()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.ProvisionBackoff
	b.MaxInterval = p.cfg.ProvisionMaxBackoff
	b.MaxElapsedTime = 0

	var handle string
	attempts := 0
	operation := func() error {
		attempts++
		if err := p.engine.Ping(ctx); err != nil {
			return err
		}
		if err := p.engine.EnsureImage(ctx, spec.Image); err != nil {
			return err
		}
		h, err := p.engine.Create(ctx, spec)
		if err != nil {
			return err
		}
		handle = h
		return nil
	}
	notify := func(err error, wait time.Duration) {
		metrics.ProvisionFailures.WithLabelValues(sandbox.Kind(err)).Inc()
		p.logger.Warn("Provisioning failed, retrying",
			zap.String("image", spec.Image), zap.Int("attempt", attempts), zap.Duration("backoff", wait), zap.Error(err))
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(p.cfg.ProvisionRetries, 0))), ctx)
	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		metrics.ProvisionFailures.WithLabelValues(sandbox.Kind(err)).Inc()
		if errors.Is(err, sandbox.ErrImageUnavailable) || errors.Is(err, sandbox.ErrInfrastructure) {
			return "", fmt.Errorf("provision %s after %d attempts: %w", spec.Image, attempts, err)
		}
		return "", fmt.Errorf("%w: provision %s after %d attempts: %v", sandbox.ErrInfrastructure, spec.Image, attempts, err)
	}
	return handle, nil
}

func (p *Pool) teardown(e *entry, reason string) error {
	metrics.InstancesDestroyed.WithLabelValues(reason).Inc()
	if e.Handle == "" {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.TeardownTimeout)
	defer cancel()
	if err := p.engine.Remove(ctx, e.Handle); err != nil {
		p.logger.Warn("Failed to remove sandbox instance",
			zap.String("instance_id", e.ID), zap.String("reason", reason), zap.Error(err))
		return err
	}
	p.logger.Debug("Destroyed sandbox instance", zap.String("instance_id", e.ID), zap.String("reason", reason))
	return nil
}

func (p *Pool) destroy(id, reason string) error {
	p.mu.Lock()
	e, ok := p.entries[id]
	if !ok {
		p.mu.Unlock()
		return nil
	}
	p.removeLocked(e)
	p.publishLocked()
	p.mu.Unlock()
	return p.teardown(e, reason)
}

func (p *Pool) publishLocked() {
	counts := map[State]int{StateCreated: 0, StateReady: 0, StateRunning: 0, StateIdle: 0}
	for _, e := range p.entries {
		counts[e.State]++
	}
	for s, n := range counts {
		metrics.PoolInstances.WithLabelValues(s.String()).Set(float64(n))
	}
}

func (e *entry) lease() *Lease {
	return &Lease{id: e.ID, handle: e.Handle, spec: e.Spec}
}

func workspaceRoot(spec sandbox.InstanceSpec) string {
	if spec.WorkspaceRoot == "" {
		return sandbox.DefaultWorkspaceRoot
	}
	return spec.WorkspaceRoot
}
