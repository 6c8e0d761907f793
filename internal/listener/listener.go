// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

// Package listener implements C1, the listener set: it binds every
// configured network address plus an optional local (Unix-domain) socket
// on startup, exposes a single "wait for any endpoint ready" operation
// bounded by a caller-supplied timeout, and touches its socket/lock files
// periodically so external cleaners do not unlink them (§4.1).
package listener

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/fleetsql/fleetsql/internal/bootfiles"
)

// touchInterval matches §4.1's "every ten minutes" liveness requirement.
const touchInterval = 10 * time.Minute

// EndpointKind distinguishes a network endpoint (subject to secure
// transport negotiation) from the local socket endpoint (never offered
// secure transport, per §4.2's "the endpoint is network (not local)").
type EndpointKind int

const (
	EndpointNetwork EndpointKind = iota
	EndpointLocal
)

func (k EndpointKind) String() string {
	if k == EndpointLocal {
		return "local"
	}
	return "network"
}

// Accepted is one raw connection together with the endpoint metadata C2
// needs to decide whether secure transport may be offered.
type Accepted struct {
	Conn    net.Conn
	Kind    EndpointKind
	Address string
}

type endpoint struct {
	kind    EndpointKind
	address string
	ln      net.Listener
}

// Set is the bound listener set. It is safe for one goroutine to call
// WaitForConnection repeatedly; Close stops accept loops and releases all
// sockets.
type Set struct {
	endpoints []*endpoint
	accepted  chan Accepted
	acceptErr chan error
	limiter   *rate.Limiter

	dataDirectory string
	socketPath    string

	stopTouch chan struct{}
	log       zerolog.Logger
}

// Config describes what to bind.
type Config struct {
	// ListenAddresses are host:port-less network addresses (e.g.
	// "0.0.0.0", "::1"); Port is applied to each.
	ListenAddresses []string
	Port            int
	// EnableLocalSocket binds a Unix-domain socket under SocketDir named
	// per the configured port, mirroring the original's `.s.PGSQL.<port>`
	// convention generalized to fleetd.
	EnableLocalSocket bool
	SocketDir         string
	DataDirectory     string
	Logger            zerolog.Logger
}

// Bind binds every configured endpoint. It fails startup if no endpoint
// binds successfully (§4.1), closing any that did bind before returning.
// cfg.Logger must be a configured zerolog.Logger (zerolog.Nop() if the
// caller does not care); the zero value's nil writer is unsafe to log
// through.
func Bind(cfg Config) (*Set, error) {
	s := &Set{
		accepted:      make(chan Accepted),
		acceptErr:     make(chan error, 1),
		limiter:       rate.NewLimiter(rate.Limit(5), 1),
		dataDirectory: cfg.DataDirectory,
		stopTouch:     make(chan struct{}),
		log:           cfg.Logger,
	}

	var bindErrs []error

	for _, addr := range cfg.ListenAddresses {
		hostPort := net.JoinHostPort(addr, fmt.Sprintf("%d", cfg.Port))
		ln, err := net.Listen("tcp", hostPort)
		if err != nil {
			bindErrs = append(bindErrs, fmt.Errorf("listen %s: %w", hostPort, err))
			continue
		}
		s.endpoints = append(s.endpoints, &endpoint{kind: EndpointNetwork, address: hostPort, ln: ln})
	}

	if cfg.EnableLocalSocket {
		socketPath := filepath.Join(cfg.SocketDir, fmt.Sprintf("fleetd.%d.sock", cfg.Port))
		_ = os.Remove(socketPath)
		ln, err := net.Listen("unix", socketPath)
		if err != nil {
			bindErrs = append(bindErrs, fmt.Errorf("listen %s: %w", socketPath, err))
		} else {
			s.endpoints = append(s.endpoints, &endpoint{kind: EndpointLocal, address: socketPath, ln: ln})
			s.socketPath = socketPath
		}
	}

	if len(s.endpoints) == 0 {
		return nil, fmt.Errorf("listener: no endpoint bound: %w", errors.Join(bindErrs...))
	}

	for _, ep := range s.endpoints {
		go s.acceptLoop(ep)
	}
	go s.touchLoop()

	return s, nil
}

// acceptLoop runs for the lifetime of the Set, feeding accepted
// connections (or a listener-fatal error) to the shared channels.
// Transient accept errors are retried after a rate-limited wait so a
// burst of ephemeral failures cannot busy-loop the accept path (§3
// DOMAIN STACK: x/time/rate wiring).
func (s *Set) acceptLoop(ep *endpoint) {
	for {
		conn, err := ep.ln.Accept()
		if err != nil {
			if isTemporary(err) {
				_ = s.limiter.Wait(context.Background())
				continue
			}
			select {
			case s.acceptErr <- fmt.Errorf("accept on %s: %w", ep.address, err):
			default:
			}
			return
		}
		s.accepted <- Accepted{Conn: conn, Kind: ep.kind, Address: ep.address}
	}
}

func isTemporary(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return false
}

// WaitForConnection waits for any endpoint to produce a connection, up to
// maxWait, honoring ctx cancellation (§4.1: "a caller-supplied maximum
// wait and a cancellation check").
func (s *Set) WaitForConnection(ctx context.Context, maxWait time.Duration) (*Accepted, error) {
	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case a := <-s.accepted:
		return &a, nil
	case err := <-s.acceptErr:
		return nil, err
	case <-timer.C:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// touchLoop re-stats the lock file and local socket path every
// touchInterval so external tmp-cleaners (systemd-tmpfiles and similar)
// do not consider them stale and unlink them (§4.1).
func (s *Set) touchLoop() {
	ticker := time.NewTicker(touchInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.touch()
		case <-s.stopTouch:
			return
		}
	}
}

func (s *Set) touch() {
	if s.dataDirectory != "" {
		if err := bootfiles.Touch(s.dataDirectory); err != nil {
			s.log.Warn().Err(err).Msg("failed to touch lock file")
		}
	}
	if s.socketPath != "" {
		now := time.Now()
		if err := os.Chtimes(s.socketPath, now, now); err != nil {
			s.log.Warn().Err(err).Msg("failed to touch local socket")
		}
	}
}

// Close stops the touch loop and closes every bound endpoint. Accept
// loops observe the resulting error and exit.
func (s *Set) Close() error {
	close(s.stopTouch)
	var errs []error
	for _, ep := range s.endpoints {
		if err := ep.ln.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if s.socketPath != "" {
		_ = os.Remove(s.socketPath)
	}
	return errors.Join(errs...)
}

// Endpoints reports the bound endpoint addresses and kinds, for
// diagnostics and the debug HTTP surface.
func (s *Set) Endpoints() []string {
	out := make([]string, 0, len(s.endpoints))
	for _, ep := range s.endpoints {
		out = append(out, fmt.Sprintf("%s:%s", ep.kind, ep.address))
	}
	return out
}
