// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

// Package metrics provides Prometheus instrumentation for the
// connection-dispatch supervisor. Gauges and counters mirror the data
// model in §3 of the specification: life-phase, FatalError, worker
// registry size, and per-auxiliary state are all observable without
// parsing log lines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LifePhase reports the current SupervisorState life-phase as an enum
	// gauge (0=Booting, 1=Running, 2=SmartShutdown, 3=FastShutdown,
	// 4=ImmediateShutdown, 5=CrashRecovery).
	LifePhase = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetsql_life_phase",
			Help: "Current supervisor life-phase (0=Booting 1=Running 2=SmartShutdown 3=FastShutdown 4=ImmediateShutdown 5=CrashRecovery)",
		},
	)

	// FatalError reports SupervisorState.FatalError as 0/1.
	FatalError = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetsql_fatal_error",
			Help: "1 if the FatalError latch is set, 0 otherwise",
		},
	)

	// WorkersLive reports the current size of the worker registry (C5).
	WorkersLive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "fleetsql_workers_live",
			Help: "Number of live entries in the worker registry",
		},
	)

	// AuxiliaryUp reports whether a named auxiliary (C6) is currently running.
	AuxiliaryUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fleetsql_auxiliary_up",
			Help: "1 if the named auxiliary process is running, 0 otherwise",
		},
		[]string{"auxiliary"},
	)

	// AuxiliaryRestartsTotal counts restarts per auxiliary, driven by the
	// procsvc.ProcessService restart policy (wired on top of suture).
	AuxiliaryRestartsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsql_auxiliary_restarts_total",
			Help: "Total restarts of each auxiliary process",
		},
		[]string{"auxiliary"},
	)

	// AdmissionTotal counts handshake admission verdicts by category (§4.3, §7).
	AdmissionTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsql_admission_total",
			Help: "Total admission verdicts by category",
		},
		[]string{"category"},
	)

	// WorkerSpawnsTotal counts successful worker spawns (§4.4).
	WorkerSpawnsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsql_worker_spawns_total",
			Help: "Total worker processes spawned",
		},
	)

	// WorkerSpawnFailuresTotal counts SpawnFailure errors (§7).
	WorkerSpawnFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsql_worker_spawn_failures_total",
			Help: "Total worker spawn failures",
		},
	)

	// WorkerCrashesTotal counts nonzero worker exits that trigger crash
	// recovery (§4.8).
	WorkerCrashesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsql_worker_crashes_total",
			Help: "Total worker crashes that triggered fleet-wide quiesce",
		},
	)

	// CancelRequestsTotal counts cancellation requests by outcome
	// ("matched"/"mismatch") per §4.9/§8, as reported by
	// cancelrouter.Router.Route.
	CancelRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fleetsql_cancel_requests_total",
			Help: "Total cancellation requests by outcome",
		},
		[]string{"outcome"},
	)

	// ProtocolViolationsTotal counts malformed startup packets (§7).
	ProtocolViolationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "fleetsql_protocol_violations_total",
			Help: "Total startup packets rejected as protocol violations",
		},
	)
)

// LifePhaseValue maps a life-phase name to the numeric value used by the
// LifePhase gauge, keeping the mapping in one place for supervisor.State
// to reuse.
func LifePhaseValue(phase string) float64 {
	switch phase {
	case "Booting":
		return 0
	case "Running":
		return 1
	case "SmartShutdown":
		return 2
	case "FastShutdown":
		return 3
	case "ImmediateShutdown":
		return 4
	case "CrashRecovery":
		return 5
	default:
		return -1
	}
}
