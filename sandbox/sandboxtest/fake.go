// Package sandboxtest provides an in-memory sandbox.Engine for tests.
package sandboxtest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/isdmx/judgebox/sandbox"
)

// Call is one Exec observed by the FakeEngine.
type Call struct {
	Handle string
	Req    sandbox.ExecRequest
	// Files holds the files copied into the instance so far, keyed by path.
	Files map[string]string
}

// ExecFunc decides the outcome of an Exec.
type ExecFunc func(ctx context.Context, call Call) (sandbox.ExecResult, error)

// FakeEngine is a scriptable sandbox.Engine. Zero value is not usable; call NewFakeEngine.
type FakeEngine struct {
	mu sync.Mutex

	PingErr error
	// EnsureImageErrs and CreateErrs are consumed one per call; once empty, calls succeed.
	EnsureImageErrs []error
	CreateErrs      []error
	CreateDelay     time.Duration
	ResetErr        error
	RemoveErr       error
	OnExec          ExecFunc

	next      int
	live      map[string]bool
	files     map[string]map[string]string
	created   []string
	removed   []string
	specs     []sandbox.InstanceSpec
	active    map[string]int
	maxActive int
	execs     int
	resets    int
	orphans   []string
}

// NewFakeEngine returns a FakeEngine whose execs succeed with empty output unless exec is set.
func NewFakeEngine(exec ExecFunc) *FakeEngine {
	return &FakeEngine{
		OnExec: exec,
		live:   make(map[string]bool),
		files:  make(map[string]map[string]string),
		active: make(map[string]int),
	}
}

// Block is an ExecFunc that waits for the deadline, like a program stuck in a loop.
func Block(ctx context.Context, _ Call) (sandbox.ExecResult, error) {
	<-ctx.Done()
	return sandbox.ExecResult{}, fmt.Errorf("fake exec: %w", ctx.Err())
}

func (f *FakeEngine) Name() string { return "fake" }

// SetPingErr changes the Ping result while the engine is in use.
func (f *FakeEngine) SetPingErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.PingErr = err
}

func (f *FakeEngine) Ping(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.PingErr
}

func (f *FakeEngine) EnsureImage(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.EnsureImageErrs) > 0 {
		err := f.EnsureImageErrs[0]
		f.EnsureImageErrs = f.EnsureImageErrs[1:]
		return err
	}
	return nil
}

func (f *FakeEngine) Create(ctx context.Context, spec sandbox.InstanceSpec) (string, error) {
	f.mu.Lock()
	delay := f.CreateDelay
	f.mu.Unlock()
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.CreateErrs) > 0 {
		err := f.CreateErrs[0]
		f.CreateErrs = f.CreateErrs[1:]
		if err != nil {
			return "", err
		}
	}
	f.next++
	handle := fmt.Sprintf("fake-%d", f.next)
	f.live[handle] = true
	f.files[handle] = make(map[string]string)
	f.created = append(f.created, handle)
	f.specs = append(f.specs, spec)
	return handle, nil
}

func (f *FakeEngine) CopyFile(_ context.Context, handle, dst string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.live[handle] {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, handle)
	}
	f.files[handle][dst] = string(data)
	return nil
}

func (f *FakeEngine) Exec(ctx context.Context, handle string, req sandbox.ExecRequest) (sandbox.ExecResult, error) {
	f.mu.Lock()
	if !f.live[handle] {
		f.mu.Unlock()
		return sandbox.ExecResult{}, fmt.Errorf("%w: %s", sandbox.ErrNotFound, handle)
	}
	files := make(map[string]string, len(f.files[handle]))
	for k, v := range f.files[handle] {
		files[k] = v
	}
	f.execs++
	f.active[handle]++
	if f.active[handle] > f.maxActive {
		f.maxActive = f.active[handle]
	}
	exec := f.OnExec
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.active[handle]--
		f.mu.Unlock()
	}()

	if exec == nil {
		return sandbox.ExecResult{}, nil
	}
	return exec(ctx, Call{Handle: handle, Req: req, Files: files})
}

func (f *FakeEngine) Reset(_ context.Context, handle, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ResetErr != nil {
		return f.ResetErr
	}
	if !f.live[handle] {
		return fmt.Errorf("%w: %s", sandbox.ErrNotFound, handle)
	}
	f.resets++
	f.files[handle] = make(map[string]string)
	return nil
}

func (f *FakeEngine) Remove(_ context.Context, handle string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RemoveErr != nil {
		return f.RemoveErr
	}
	if f.live[handle] {
		f.removed = append(f.removed, handle)
	}
	delete(f.live, handle)
	delete(f.files, handle)
	return nil
}

// SetOrphans makes Orphans report handles as leftovers (they also become live).
func (f *FakeEngine) SetOrphans(handles ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orphans = handles
	for _, h := range handles {
		f.live[h] = true
		f.files[h] = make(map[string]string)
	}
}

func (f *FakeEngine) Orphans(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, h := range f.orphans {
		if f.live[h] {
			out = append(out, h)
		}
	}
	return out, nil
}

// Live returns the number of instances not yet removed.
func (f *FakeEngine) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.live)
}

// IsLive reports whether handle exists.
func (f *FakeEngine) IsLive(handle string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.live[handle]
}

// Created returns the handles created so far.
func (f *FakeEngine) Created() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.created...)
}

// Specs returns the specs passed to Create, in order.
func (f *FakeEngine) Specs() []sandbox.InstanceSpec {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sandbox.InstanceSpec(nil), f.specs...)
}

// Removed returns the handles removed so far.
func (f *FakeEngine) Removed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removed...)
}

// MaxConcurrentExec returns the highest number of simultaneous execs seen on one instance.
func (f *FakeEngine) MaxConcurrentExec() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.maxActive
}

// Execs returns the number of Exec calls.
func (f *FakeEngine) Execs() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.execs
}

// Resets returns the number of successful Reset calls.
func (f *FakeEngine) Resets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

var (
	_ sandbox.Engine       = (*FakeEngine)(nil)
	_ sandbox.OrphanLister = (*FakeEngine)(nil)
)
