// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

// Package workerproc is the worker side of the exec-with-handoff spawn
// (§4.4's "the worker, once alive, closes all listener descriptors,
// disowns supervisor exit handlers, installs its own signal disposition,
// authenticates the client using the connection context, and then
// transitions to 'in session'"). The query engine a real session would
// run is explicitly out of scope (spec.md §1 Non-goals); what's here is
// the minimal runtime contract every worker needs regardless of what it
// executes once authenticated: recover the spawn-time context, take
// ownership of the inherited connection, authenticate under a deadline,
// and poll for the cancellation interrupt while "in session".
package workerproc

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetsql/fleetsql/internal/bootfiles"
	"github.com/fleetsql/fleetsql/internal/entropy"
	"github.com/fleetsql/fleetsql/internal/logging"
)

// sessionSaltKey is the context key a worker's own re-seeded entropy
// source (§4.10) publishes its derived per-session salt under, so a
// Session implementation can recover it without workerproc having to
// know anything about what the salt is used for.
type sessionSaltKey struct{}

// withSessionSalt attaches salt to ctx.
func withSessionSalt(ctx context.Context, salt []byte) context.Context {
	return context.WithValue(ctx, sessionSaltKey{}, salt)
}

// SessionSaltFromContext recovers the per-session salt workerproc.Run
// derived from this worker's re-seeded entropy source, if any.
func SessionSaltFromContext(ctx context.Context) ([]byte, bool) {
	salt, ok := ctx.Value(sessionSaltKey{}).([]byte)
	return salt, ok
}

// Authenticator authenticates the client on conn using the recovered
// spawn variables, within the deadline already applied to ctx. This is
// the boundary to the authentication back-ends spec.md §1 places outside
// the core.
type Authenticator interface {
	Authenticate(ctx context.Context, conn net.Conn, vars bootfiles.SpawnVars) error
}

// Session runs the authenticated, "in session" phase of the worker.
// ctx is canceled when the fleet-wide shutdown ladder terminates this
// worker (SIGTERM/SIGINT/SIGQUIT); cancelCtx is canceled independently
// when the cancellation router (§4.9) delivers this worker's own
// targeted interrupt, and does not end the session by itself — a
// Session is expected to poll it "at its own safe points" and abandon
// only the active operation, per §4.9. This is the boundary to the
// query engine spec.md §1 places outside the core.
type Session interface {
	Run(ctx, cancelCtx context.Context, conn net.Conn, vars bootfiles.SpawnVars) error
}

// Config configures Run.
type Config struct {
	SpawnFilePath string
	// ListenerFD is the fd the inherited connection was handed off on;
	// defaults to 3 (spawn.listenerFD) when zero.
	ListenerFD int
	// AuthenticationDeadline bounds the authenticate step (§5
	// "Timeouts": "each accepted connection that reaches a worker has an
	// authentication deadline; missing it is equivalent to a
	// termination").
	AuthenticationDeadline time.Duration
	Authenticator          Authenticator
	Session                Session
	Logger                 zerolog.Logger
}

const defaultAuthenticationDeadline = 30 * time.Second

// Run implements the worker runtime contract for one spawned connection.
// A nil return means the session ended normally (including an
// authentication-deadline expiry, which spec.md §5 defines as "equivalent
// to termination with no session reporting", not an error).
func Run(ctx context.Context, cfg Config) error {
	if cfg.ListenerFD == 0 {
		cfg.ListenerFD = 3
	}
	if cfg.AuthenticationDeadline == 0 {
		cfg.AuthenticationDeadline = defaultAuthenticationDeadline
	}

	vars, err := bootfiles.ReadAndRemoveSpawnFile(cfg.SpawnFilePath)
	if err != nil {
		return fmt.Errorf("worker: recover spawn vars: %w", err)
	}

	// Reconstruct this worker's own re-seeded entropy source (§4.10) and
	// derive its session salt now, before authentication, so nothing
	// downstream ever falls back to deriving from the supervisor's
	// process-wide sequence.
	workerEntropy := entropy.FromSeed(vars.EntropySeed)
	salt, err := workerEntropy.SessionSalt(vars.WorkerID, 16)
	if err != nil {
		return fmt.Errorf("worker %d: derive session salt: %w", vars.WorkerID, err)
	}
	cfg.Logger.Debug().
		Uint32("worker_id", vars.WorkerID).
		Str("session_salt", logging.SanitizeToken(fmt.Sprintf("%x", salt))).
		Msg("session salt derived from re-seeded entropy")
	ctx = withSessionSalt(ctx, salt)

	conn, err := takeOwnership(cfg.ListenerFD)
	if err != nil {
		return fmt.Errorf("worker %d: take connection ownership: %w", vars.WorkerID, err)
	}
	defer conn.Close()

	// Install this worker's own signal disposition (§4.4). SIGTERM/SIGINT/
	// SIGQUIT are the smart/fast/immediate shutdown signals C7 relays to
	// every worker and end the whole session; SIGUSR2 is the out-of-band
	// cancellation interrupt C9 delivers to this worker specifically
	// (§4.9, "polls at its own safe points") and is kept on its own
	// context so a targeted cancel can never look like a shutdown.
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT)
	defer stop()

	cancelCtx, stopCancel := signal.NotifyContext(ctx, syscall.SIGUSR2)
	defer stopCancel()

	authCtx, cancelAuth := context.WithTimeout(ctx, cfg.AuthenticationDeadline)
	defer cancelAuth()

	if cfg.Authenticator != nil {
		if err := cfg.Authenticator.Authenticate(authCtx, conn, vars); err != nil {
			if authCtx.Err() != nil {
				cfg.Logger.Info().Uint32("worker_id", vars.WorkerID).Msg("authentication deadline expired")
				return nil
			}
			cfg.Logger.Info().Uint32("worker_id", vars.WorkerID).Err(err).Msg("authentication failed")
			return nil
		}
	}

	if cfg.Session == nil {
		return nil
	}
	return cfg.Session.Run(ctx, cancelCtx, conn, vars)
}

// takeOwnership reclaims the inherited connection fd as a net.Conn. Any
// other inherited descriptor (the logger-pipe read end, per §5's
// "Resource policy") is not present here since spawn hands off exactly
// one ExtraFiles entry; closing everything else the process might have
// inherited is the responsibility of whatever exec'd it having set
// CloseOnExec on all but the one fd it explicitly passed.
func takeOwnership(fd int) (net.Conn, error) {
	f := os.NewFile(uintptr(fd), "inherited-connection")
	if f == nil {
		return nil, fmt.Errorf("fd %d is not valid", fd)
	}
	conn, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrap inherited fd %d: %w", fd, err)
	}
	// net.FileConn dups the fd into conn; the original File must be
	// closed so the worker does not hold two live descriptors for one
	// socket.
	_ = f.Close()
	return conn, nil
}
