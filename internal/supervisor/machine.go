// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

// Machine implements C7, the signal/state-machine main loop: it owns the
// single goroutine that ever mutates State, translates POSIX signals into
// life-phase transitions, drains ExitEvents into the reaper, and services
// WakeQueue wake-ups.
//
// The original multiplexes SIGHUP/SIGTERM/SIGINT/SIGQUIT/SIGUSR1/SIGCHLD
// through a single process's signal handlers; Go's signal.Notify delivers
// the first four the same way, but SIGCHLD carries no information Go's
// os/exec doesn't already give the reaper through ExitEvents, so it is not
// subscribed to at all — SIGUSR1 is kept only for the WakeQueue bits this
// fleetd still originates internally (password-file reload and friends),
// not for anything an external sender would plausibly deliver.
package supervisor

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
)

// MachineConfig wires Machine to the rest of the supervisor.
type MachineConfig struct {
	State     *State
	Reaper    *Reaper
	WakeQueue *WakeQueue

	// ExitEvents is fed by every procsvc.ProcessService's exit callback
	// (auxiliaries and workers alike); Machine drains it into Reaper.
	ExitEvents <-chan ExitEvent

	// Reload re-reads configuration and re-signals reload to every
	// worker and auxiliary except stats (§4.7: "Reload ... re-signal
	// reload to every worker and every auxiliary except stats" — the
	// original's SIGHUP handler sends to BgWriter, PgArch, and
	// SysLogger, explicitly skipping PgStatPID). Invoked on SIGHUP
	// while life-phase is at or below SmartShutdown.
	Reload func() error

	// SignalAllWorkers and SignalAllAuxiliaries deliver sig to every
	// live worker/auxiliary respectively, used both by Reload and by the
	// shutdown-ladder transitions.
	SignalAllWorkers     func(sig syscall.Signal)
	SignalAllAuxiliaries func(sig syscall.Signal, exceptStats bool)

	// SignalAuxiliary delivers sig to a single named auxiliary, used by
	// the drain-triggered Smart/Fast shutdown handoff to the page
	// writer, archiver, and stats collector (§4.7).
	SignalAuxiliary func(role AuxiliaryRole, sig syscall.Signal)

	// OnWakeReason is invoked, in Machine's own goroutine, with the bits
	// drained from WakeQueue after a post. May be nil.
	OnWakeReason func(reason WakeReason)

	// PageWriterExited reports whether the page writer auxiliary has
	// most recently been observed to exit, used to gate
	// Reaper.TryRecoverAfterDrain the way §4.8 requires ("registry and
	// page writer both drained").
	PageWriterExited func() bool

	// RegistryDrained reports whether the worker registry is currently
	// empty. Kept for callers that want to log/observe drain progress;
	// terminal() itself no longer gates on it (§4.7: Immediate does not
	// wait).
	RegistryDrained func() bool

	Logger zerolog.Logger
}

// Machine runs C7's main loop.
type Machine struct {
	cfg MachineConfig

	// shutdownAuxSignaled latches once the drain-triggered
	// checkpoint-and-exit signal has been sent to the page writer,
	// archiver, and stats collector, so a later ExitEvent poll during
	// the same shutdown does not re-signal them on every drain check.
	shutdownAuxSignaled bool
}

// NewMachine returns a Machine. Call Run in the process's single main
// goroutine; every other package only ever reads State or posts to
// WakeQueue/ExitEvents.
func NewMachine(cfg MachineConfig) *Machine {
	return &Machine{cfg: cfg}
}

// Run registers OS signal handling and blocks, servicing signals,
// ExitEvents, and wake-ups until ctx is canceled or ImmediateShutdown has
// fully drained. It returns nil on an orderly exit.
func (m *Machine) Run(ctx context.Context) error {
	sigs := make(chan os.Signal, 8)
	signal.Notify(sigs, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGUSR1)
	defer signal.Stop(sigs)

	for {
		select {
		case <-ctx.Done():
			return nil

		case sig := <-sigs:
			m.handleSignal(sig)

		case ev := <-m.cfg.ExitEvents:
			m.cfg.Reaper.Handle(ev)
			m.pollCrashRecovery()
			m.checkShutdownDrain()

		case <-m.cfg.WakeQueue.C():
			reason := m.cfg.WakeQueue.Drain()
			if m.cfg.OnWakeReason != nil {
				m.cfg.OnWakeReason(reason)
			}
		}

		if m.terminal() {
			return nil
		}
	}
}

func (m *Machine) handleSignal(sig os.Signal) {
	switch sig {
	case syscall.SIGHUP:
		m.reload()
	case syscall.SIGTERM:
		m.requestShutdown(SmartShutdown, syscall.SIGTERM)
	case syscall.SIGINT:
		m.requestShutdown(FastShutdown, syscall.SIGINT)
	case syscall.SIGQUIT:
		m.requestShutdown(ImmediateShutdown, syscall.SIGQUIT)
	case syscall.SIGUSR1:
		// Nothing to do directly; WakeQueue already carries whatever an
		// in-process sender posted before raising SIGUSR1 to itself.
	}
}

// reload implements §4.7's Reload operation: while life-phase is at or
// below SmartShutdown, re-read configuration and re-signal reload to
// every worker and auxiliary except stats.
func (m *Machine) reload() {
	if shutdownSeverity(m.cfg.State.Phase()) > shutdownSeverity(SmartShutdown) {
		m.cfg.Logger.Info().Msg("ignoring reload request past SmartShutdown")
		return
	}
	if m.cfg.Reload != nil {
		if err := m.cfg.Reload(); err != nil {
			m.cfg.Logger.Warn().Err(err).Msg("configuration reload failed")
			return
		}
	}
	if m.cfg.SignalAllWorkers != nil {
		m.cfg.SignalAllWorkers(syscall.SIGHUP)
	}
	if m.cfg.SignalAllAuxiliaries != nil {
		m.cfg.SignalAllAuxiliaries(syscall.SIGHUP, true)
	}
}

// requestShutdown applies the strictly-monotonic shutdown request (§4.7).
// Smart admits no new clients but does not touch a single worker or
// auxiliary directly: existing workers "run to completion", and the page
// writer/archiver/stats handoff only happens once the registry drains
// (checkShutdownDrain). Fast and Immediate both terminate every worker
// right away; only Immediate also signals every auxiliary immediately,
// since §4.7 has it "exit the supervisor without waiting" for any drain.
func (m *Machine) requestShutdown(to LifePhase, sig syscall.Signal) {
	if !m.cfg.State.RequestShutdown(to) {
		m.cfg.Logger.Info().Str("requested", to.String()).Msg("ignoring non-monotonic shutdown request")
		return
	}
	m.cfg.Logger.Info().Str("phase", to.String()).Msg("shutdown requested")

	if shutdownSeverity(to) >= shutdownSeverity(FastShutdown) {
		if m.cfg.SignalAllWorkers != nil {
			m.cfg.SignalAllWorkers(sig)
		}
	}
	if to == ImmediateShutdown {
		if m.cfg.SignalAllAuxiliaries != nil {
			m.cfg.SignalAllAuxiliaries(sig, false)
		}
		return
	}
	m.checkShutdownDrain()
}

// checkShutdownDrain implements the second half of Smart/Fast shutdown
// (§4.7): "once the registry drains and startup child is Absent, tell
// page writer to checkpoint-and-exit; tell archiver and stats to exit."
// It is checked after every ExitEvent (drain only ever advances
// incrementally) and right after a shutdown is first requested, in case
// the registry was already empty at that point.
func (m *Machine) checkShutdownDrain() {
	if m.shutdownAuxSignaled {
		return
	}
	if shutdownSeverity(m.cfg.State.Phase()) < shutdownSeverity(SmartShutdown) {
		return
	}
	if m.cfg.RegistryDrained == nil || !m.cfg.RegistryDrained() {
		return
	}
	if m.cfg.State.StartupChild().Present {
		return
	}
	m.shutdownAuxSignaled = true
	m.cfg.Logger.Info().Msg("registry drained, telling page writer to checkpoint and exit")
	if m.cfg.SignalAuxiliary != nil {
		m.cfg.SignalAuxiliary(RolePageWriter, syscall.SIGTERM)
		m.cfg.SignalAuxiliary(RoleArchiver, syscall.SIGTERM)
		m.cfg.SignalAuxiliary(RoleStats, syscall.SIGTERM)
	}
}

// pollCrashRecovery gives the reaper a chance to restart the startup
// child once a crash has fully drained (§4.8), called after every
// ExitEvent since draining is only ever observed incrementally.
func (m *Machine) pollCrashRecovery() {
	pageWriterGone := m.cfg.PageWriterExited != nil && m.cfg.PageWriterExited()
	if err := m.cfg.Reaper.TryRecoverAfterDrain(context.Background(), pageWriterGone); err != nil {
		m.cfg.Logger.Warn().Err(err).Msg("crash recovery restart failed")
	}
}

// terminal reports whether the main loop should stop. ImmediateShutdown
// stops it unconditionally: §4.7 is explicit that Immediate "exit[s] the
// supervisor without waiting" for the registry or any auxiliary to
// drain, unlike Smart/Fast which only stop the loop once the page
// writer's clean exit fires OnSupervisorExit (see reaper.go).
func (m *Machine) terminal() bool {
	return m.cfg.State.Phase() == ImmediateShutdown
}
