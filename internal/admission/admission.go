// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

// Package admission implements C3, the admission controller: a pure
// function of supervisor.State and the current worker count that decides
// whether a new connection may proceed.
package admission

import "github.com/fleetsql/fleetsql/internal/supervisor"

// Category is the stable rejection category surfaced to the client (§7).
type Category string

const (
	CategoryOk                  Category = "OK"
	CategoryStarting            Category = "STARTING"
	CategoryShuttingDown        Category = "SHUTTING_DOWN"
	CategoryRecovering          Category = "RECOVERING"
	CategorySaturated           Category = "SATURATED"
	CategoryUnsupportedProtocol Category = "UNSUPPORTED_PROTOCOL"
	CategoryBadUser             Category = "BAD_USER"
	CategoryInternal            Category = "INTERNAL"
)

// Verdict is the admission controller's decision for one handshake.
type Verdict struct {
	Category Category
	Admitted bool
	Reason   string
}

func ok() Verdict {
	return Verdict{Category: CategoryOk, Admitted: true}
}

func reject(cat Category, reason string) Verdict {
	return Verdict{Category: cat, Admitted: false, Reason: reason}
}

// Decide evaluates the admission verdict for a prospective connection,
// given the current supervisor state, the live worker count, and the
// configured maximum (§4.3). saturatedCap is maxConnections multiplied by
// the configured admission-saturation-factor (config.Config.SaturatedCap),
// not maxConnections itself — the factor-of-two slack is intentional
// (§9, "Keep both numbers in configuration").
func Decide(state *supervisor.State, workerCount, saturatedCap int) Verdict {
	if state.StartupChild().Present {
		return reject(CategoryStarting, "starting up")
	}
	if state.IsShuttingDown() {
		return reject(CategoryShuttingDown, "shutting down")
	}
	if state.FatalError() {
		return reject(CategoryRecovering, "in recovery")
	}
	if workerCount >= saturatedCap {
		return reject(CategorySaturated, "too many connections")
	}
	return ok()
}
