// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/thejerf/suture/v4"
	"github.com/thejerf/sutureslog"
)

// TreeConfig tunes how aggressively suture restarts a crashing auxiliary
// before giving up and backing off, and how long the tree waits for a
// service to stop on its own before UnstoppedServiceReport (§4.7's
// FastShutdown/ImmediateShutdown deadline) treats it as stuck.
type TreeConfig struct {
	// FailureThreshold is how many restarts an auxiliary may accumulate,
	// decaying at FailureDecay, before suture opens its backoff window.
	FailureThreshold float64

	// FailureDecay is the per-second rate at which accumulated failures
	// decay back toward zero.
	FailureDecay float64

	// FailureBackoff is how long suture waits before retrying an
	// auxiliary once FailureThreshold trips.
	FailureBackoff time.Duration

	// ShutdownTimeout bounds how long Serve waits for a service to exit
	// on its own once removed, before UnstoppedServiceReport surfaces it
	// to the shutdown ladder as stuck.
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns the restart/backoff tuning fleetd runs with in
// the absence of explicit configuration: five accumulated failures within
// 30s of decay opens a 15s backoff window, and a service gets 10s to stop
// once removed before it's reported unstopped.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree manages the supervisor's auxiliary processes and client workers
// (C6 and C4 of the connection-dispatch supervisor) as suture services.
//
// The tree has two layers, mirroring the spec's distinction between
// auxiliaries (long-lived, restarted on their own backoff schedule) and
// workers (one per admitted connection, never restarted on behalf of a
// crashed client session):
//
//	Root ("fleetd")
//	├── Auxiliaries ("auxiliaries")
//	│   ├── startup/recovery (§4.6, conditional)
//	│   ├── page writer
//	│   ├── WAL archiver (if archiving enabled)
//	│   ├── stats collector
//	│   └── system logger (if log redirection enabled)
//	└── Workers ("workers")
//	    └── one procsvc.ProcessService per admitted connection
//
// A crashed auxiliary is restarted by suture under the usual failure
// threshold/backoff; a crashed worker is removed, not restarted, since a
// client session ending abnormally is not a supervisor-level failure
// (§4.8 distinguishes a worker's own abnormal exit from a true crash that
// forces CrashRecovery).
type Tree struct {
	root        *suture.Supervisor
	auxiliaries *suture.Supervisor
	workers     *suture.Supervisor
	logger      *slog.Logger
	config      TreeConfig
}

// NewTree creates a new supervisor tree with the given configuration.
func NewTree(logger *slog.Logger, config TreeConfig) (*Tree, error) {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = 5.0
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = 30.0
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = 15 * time.Second
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = 10 * time.Second
	}

	// Only the root supervisor carries the event hook; auxiliaries and
	// workers report their restarts/failures up through it rather than
	// each logging independently.
	eventHook := (&sutureslog.Handler{Logger: logger}).MustHook()

	rootSpec := suture.Spec{
		EventHook:        eventHook,
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}

	root := suture.New("fleetd", rootSpec)
	auxiliaries := suture.New("auxiliaries", childSpec)
	workers := suture.New("workers", childSpec)

	root.Add(auxiliaries)
	root.Add(workers)

	return &Tree{
		root:        root,
		auxiliaries: auxiliaries,
		workers:     workers,
		logger:      logger,
		config:      config,
	}, nil
}

// Root returns the root supervisor for direct access if needed.
func (t *Tree) Root() *suture.Supervisor {
	return t.root
}

// AddAuxiliary adds a service to the auxiliaries layer (C6). Use this for
// procsvc.ProcessService instances wrapping the page writer, archiver,
// stats collector, system logger, and startup/recovery auxiliaries.
func (t *Tree) AddAuxiliary(svc suture.Service) suture.ServiceToken {
	return t.auxiliaries.Add(svc)
}

// AddWorker adds a service to the workers layer (C4). Use this for each
// procsvc.ProcessService spawned to serve an admitted connection.
func (t *Tree) AddWorker(svc suture.Service) suture.ServiceToken {
	return t.workers.Add(svc)
}

// RemoveWorker removes a worker from the tree without restarting it,
// matching a normal client session end (§4.8 treats this distinctly from
// an auxiliary crash).
func (t *Tree) RemoveWorker(token suture.ServiceToken) error {
	return t.workers.Remove(token)
}

// Serve starts the supervisor tree and blocks until the context is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the supervisor tree in a background goroutine.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport returns services that failed to stop within the
// configured shutdown timeout, used by the C7 state machine's
// ImmediateShutdown and FastShutdown handling to decide when to give up
// waiting and proceed.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}

// Remove removes a service from the tree by its token.
func (t *Tree) Remove(token suture.ServiceToken) error {
	return t.root.Remove(token)
}

// RemoveAndWait removes a service and waits for it to fully stop, used
// when the C7 state machine needs a guarantee that an auxiliary (e.g. the
// archiver, when archiving is disabled via reload) has actually exited
// before proceeding.
func (t *Tree) RemoveAndWait(token suture.ServiceToken, timeout time.Duration) error {
	return t.root.RemoveAndWait(token, timeout)
}
