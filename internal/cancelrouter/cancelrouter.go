// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

// Package cancelrouter implements C9, the cancellation router: it matches
// a cancel request to a registered worker and forwards an interrupt.
// Mismatch and miss are silent by design (§4.9: "no oracle") — the router
// never reports anything back to the requester, successful or not.
package cancelrouter

import (
	"strconv"

	"github.com/fleetsql/fleetsql/internal/logging"
	"github.com/fleetsql/fleetsql/internal/registry"
)

// Signaler delivers a cancellation interrupt to a specific worker. In
// production this is backed by procsvc.ProcessService.Signal against
// syscall.SIGUSR2, kept distinct from the shutdown ladder's SIGINT so a
// single targeted cancel is never mistaken for a fleet-wide fast
// shutdown (§4.7, §4.9); tests can substitute a recording stub.
type Signaler interface {
	SignalWorker(workerID uint32) error
}

// Router implements C9 against a worker registry and a way to deliver the
// interrupt once a request is validated.
type Router struct {
	registry *registry.Registry
	signaler Signaler
	audit    *logging.AuditLogger
}

// New returns a Router backed by reg and signaler. audit may be nil, in
// which case cancel attempts are not separately audit-logged (they are
// still silent to the requester either way).
func New(reg *registry.Registry, signaler Signaler, audit *logging.AuditLogger) *Router {
	return &Router{registry: reg, signaler: signaler, audit: audit}
}

// Route validates a presented (workerID, cancelSecret) pair against the
// registry and, only on an exact match, signals the target worker. It
// reports whether the pair matched so the caller can record the
// matched/mismatch outcome (§4.9/§8) without Route itself ever returning
// an error a client-facing reply could leak information through — the
// wire layer (C2) always closes the connection afterward regardless of
// outcome.
func (r *Router) Route(workerID, cancelSecret uint32) bool {
	entry, ok := r.registry.Find(workerID)
	matched := ok && entry.CancelSecret == cancelSecret

	if r.audit != nil {
		r.audit.LogCancelRequest(workerIDString(workerID), "", "", matched)
	}

	if !matched {
		return false
	}
	// Signaling failure is not surfaced anywhere client-visible; it is
	// logged for operational visibility only.
	if err := r.signaler.SignalWorker(workerID); err != nil && r.audit != nil {
		r.audit.Warn("cancel signal delivery failed", "worker_id", workerIDString(workerID), "error", err.Error())
	}
	return true
}

func workerIDString(workerID uint32) string {
	return strconv.FormatUint(uint64(workerID), 10)
}
