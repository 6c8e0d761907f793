// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

// Package registry implements C5, the worker registry: the authoritative,
// in-process record of every live worker's identity, cancel-secret, and
// creation time.
//
// §4.5 and §5 describe the original's synchronization as "signal masking,
// not locks", since postmaster.c touches its equivalent table from both
// its main loop and from signal handlers with sigprocmask held around the
// critical section. Go has no per-call analogue of sigprocmask: os/signal's
// Ignore/Reset act process-wide and Ignore permanently cancels any earlier
// Notify subscription for that signal rather than suspending delivery for
// the duration of a call, so using them here would race with — and
// eventually silently disable — C7's own signal.Notify in Machine.Run.
// Registry is instead guarded by a conventional mutex: fleetd's registry is
// reached from goroutines (the accept loop's connection handlers and the
// single Machine.Run loop), not from a real signal handler, so a mutex is
// both correct and sufficient in Go's concurrency model. See DESIGN.md.
package registry

import (
	"sync"
	"time"
)

// Entry is one live worker's registry row (§3 WorkerEntry).
type Entry struct {
	WorkerID     uint32
	CancelSecret uint32
	CreatedAt    time.Time
}

// Registry is the process-wide worker registry (C5).
type Registry struct {
	mu      sync.Mutex
	entries map[uint32]Entry
}

// New returns an empty registry.
func New() *Registry {
	return &Registry{
		entries: make(map[uint32]Entry),
	}
}

// Insert adds entry to the registry. Per §4.4 step 5 and the ordering
// guarantee in §5, this must complete before the spawned worker can
// appear in any cancel-request match — callers insert before the worker
// begins independent execution.
func (r *Registry) Insert(entry Entry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[entry.WorkerID] = entry
}

// Remove deletes the entry for workerID, idempotently. Called exactly
// once by the reaper (C8) when a worker is observed to have exited.
func (r *Registry) Remove(workerID uint32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, workerID)
}

// Find looks up workerID, returning the entry and whether it exists. Used
// by the cancellation router (C9) to validate a cancel request.
func (r *Registry) Find(workerID uint32) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.entries[workerID]
	return entry, ok
}

// Iter returns a stable snapshot of every live entry (§4.5: "Iteration
// during signal delivery is permitted only on a stable snapshot").
func (r *Registry) Iter() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e)
	}
	return out
}

// Len reports the current number of live workers, used by the admission
// controller (C3) to compute saturation.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Drained reports whether the registry holds no workers, the condition
// C7's Smart/Fast shutdown transitions wait for before telling the page
// writer to checkpoint-and-exit.
func (r *Registry) Drained() bool {
	return r.Len() == 0
}

