// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

// Package procsvc adapts an OS child process to suture.Service so the
// supervisor.Tree's restart/backoff machinery governs auxiliaries and
// client workers uniformly, even though neither is a goroutine.
//
// The spawn mechanism follows the exec-with-handoff pattern from the
// retrieval pack's PID1 supervisors (grounded on
// other_examples/TritonDataCenter-containerpilot__sup.go's
// os.StartProcess-based relaunch and
// other_examples/hnakamur-serverstarter__starter.go's listener-handoff via
// inherited file descriptors): each ProcessService builds a fresh
// *exec.Cmd on every Serve call, so a restarted auxiliary or worker is a
// genuinely new process, not a reused one.
package procsvc

import (
	"context"
	"fmt"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/thejerf/suture/v4"
)

// CommandFactory builds the *exec.Cmd to run for one spawn attempt. It is
// called fresh on every Serve invocation (including restarts), since an
// exec.Cmd cannot be reused once it has run.
type CommandFactory func(ctx context.Context) (*exec.Cmd, error)

// ProcessService implements suture.Service by running one OS process to
// completion, relaying context cancellation to the process via a signal,
// and escalating to SIGKILL if the process does not exit in time.
type ProcessService struct {
	name         string
	factory      CommandFactory
	stopSignal   syscall.Signal
	killGrace    time.Duration
	onPID        func(pid int)
	onExit       func(err error)
	oneShot      bool

	mu  sync.Mutex
	cmd *exec.Cmd
}

// Option configures a ProcessService.
type Option func(*ProcessService)

// WithStopSignal overrides the signal sent on context cancellation.
// Defaults to SIGTERM; the supervisor passes SIGQUIT for immediate
// shutdown and SIGSTOP when core-dump preservation mode is configured
// (§4.8, §9).
func WithStopSignal(sig syscall.Signal) Option {
	return func(p *ProcessService) { p.stopSignal = sig }
}

// WithKillGrace overrides how long Serve waits after sending stopSignal
// before escalating to SIGKILL. Defaults to 10s.
func WithKillGrace(d time.Duration) Option {
	return func(p *ProcessService) { p.killGrace = d }
}

// WithPIDCallback registers a function invoked with the child's pid as
// soon as it is known, before Serve blocks on exit. The worker spawner
// (C4) uses this to bind the registry row to the spawned worker's
// identity (§4.4 step 5).
func WithPIDCallback(fn func(pid int)) Option {
	return func(p *ProcessService) { p.onPID = fn }
}

// WithExitCallback registers a function invoked with the process's own
// exit error (nil for a clean exit) once it has been reaped, before
// Serve applies one-shot translation. The reaper (C8) uses this to learn
// a worker's real exit status even though, for one-shot services, Serve
// itself always reports suture.ErrDoNotRestart.
func WithExitCallback(fn func(err error)) Option {
	return func(p *ProcessService) { p.onExit = fn }
}

// WithOneShot marks this service as never suture-restartable: once the
// process exits for any reason, Serve returns suture.ErrDoNotRestart
// instead of its real exit error, so the owning suture.Supervisor never
// launches a replacement process. Workers use this (§4.8: a client
// session ending, successfully or not, is never a supervisor-level
// restart) while auxiliaries do not (§4.6: auxiliaries get suture's
// normal backoff-restart policy).
func WithOneShot() Option {
	return func(p *ProcessService) { p.oneShot = true }
}

// New returns a ProcessService named name (shown in suture's logs and by
// String()) that spawns commands built by factory.
func New(name string, factory CommandFactory, opts ...Option) *ProcessService {
	p := &ProcessService{
		name:       name,
		factory:    factory,
		stopSignal: syscall.SIGTERM,
		killGrace:  10 * time.Second,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// String implements fmt.Stringer so suture's logs identify the service by
// name (auxiliary role or worker id) rather than a generic type name.
func (p *ProcessService) String() string {
	return p.name
}

// Serve implements suture.Service. It starts one process, waits for
// either the process to exit or ctx to be canceled (in which case it
// signals the process and waits up to killGrace before SIGKILL), and
// returns nil for a zero exit or an error otherwise so suture's restart
// policy applies — unless this service is one-shot (WithOneShot), in
// which case it always returns suture.ErrDoNotRestart and the real
// result is only observable through the exit callback.
func (p *ProcessService) Serve(ctx context.Context) error {
	cmd, err := p.factory(ctx)
	if err != nil {
		return p.finish(fmt.Errorf("%s: build command: %w", p.name, err))
	}

	if err := cmd.Start(); err != nil {
		return p.finish(fmt.Errorf("%s: start: %w", p.name, err))
	}

	p.mu.Lock()
	p.cmd = cmd
	p.mu.Unlock()

	if p.onPID != nil {
		p.onPID(cmd.Process.Pid)
	}

	waitDone := make(chan error, 1)
	go func() {
		waitDone <- cmd.Wait()
	}()

	select {
	case err := <-waitDone:
		return p.finish(err)
	case <-ctx.Done():
		p.stop(cmd, waitDone)
		return p.finish(ctx.Err())
	}
}

// finish reports runErr to the exit callback, if any, and translates it
// for suture according to whether this service is one-shot.
func (p *ProcessService) finish(runErr error) error {
	if p.onExit != nil {
		p.onExit(runErr)
	}
	if p.oneShot {
		return suture.ErrDoNotRestart
	}
	return runErr
}

// stop signals the running process and escalates to SIGKILL if it has
// not exited within killGrace.
func (p *ProcessService) stop(cmd *exec.Cmd, waitDone <-chan error) {
	if cmd.Process == nil {
		return
	}
	_ = cmd.Process.Signal(p.stopSignal)

	select {
	case <-waitDone:
		return
	case <-time.After(p.killGrace):
		_ = cmd.Process.Kill()
		<-waitDone
	}
}

// Signal delivers sig to the running process, if any. Used by the signal
// machine (C7) to relay reload/terminate/quit/stop/interrupt to an
// auxiliary or worker after Serve has already started it (§6: "Signals
// emitted to workers/auxiliaries").
func (p *ProcessService) Signal(sig syscall.Signal) error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return fmt.Errorf("%s: process not running", p.name)
	}
	return cmd.Process.Signal(sig)
}

// PID returns the running process's pid, or 0 if not started.
func (p *ProcessService) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd == nil || p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Table is a side index from a supervisor-chosen key (worker id,
// auxiliary role) to the ProcessService running it, so that signaling a
// specific worker or auxiliary (§4.7's shutdown ladder, §4.9's
// cancellation router) doesn't require walking the suture tree by name.
// The tree itself remains the source of truth for restart/backoff; Table
// only ever holds a reference for as long as that service is registered.
type Table[K comparable] struct {
	mu sync.Mutex
	m  map[K]*ProcessService
}

// NewTable returns an empty Table.
func NewTable[K comparable]() *Table[K] {
	return &Table[K]{m: make(map[K]*ProcessService)}
}

// Set records svc under key, overwriting any previous entry.
func (t *Table[K]) Set(key K, svc *ProcessService) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m[key] = svc
}

// Get returns the service registered under key, if any.
func (t *Table[K]) Get(key K) (*ProcessService, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	svc, ok := t.m[key]
	return svc, ok
}

// Delete removes key, idempotently.
func (t *Table[K]) Delete(key K) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.m, key)
}
