// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

package supervisor

import (
	"context"
	"syscall"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestMachine(t *testing.T, exitEvents <-chan ExitEvent) (*Machine, *State) {
	t.Helper()
	state := NewState()
	state.EnterRunning()
	reaper := NewReaper(ReaperConfig{State: state, Registry: &fakeRegistry{drained: true}, Logger: zerolog.Nop()})
	m := NewMachine(MachineConfig{
		State:            state,
		Reaper:           reaper,
		WakeQueue:        NewWakeQueue(),
		ExitEvents:       exitEvents,
		PageWriterExited: func() bool { return true },
		RegistryDrained:  func() bool { return true },
		Logger:           zerolog.Nop(),
	})
	return m, state
}

func TestSmartShutdownDoesNotSignalWorkersUntilDrained(t *testing.T) {
	exitEvents := make(chan ExitEvent)
	m, state := newTestMachine(t, exitEvents)

	var signaledWorkers []syscall.Signal
	var signaledAux []syscall.Signal
	m.cfg.SignalAllWorkers = func(sig syscall.Signal) { signaledWorkers = append(signaledWorkers, sig) }
	m.cfg.SignalAuxiliary = func(role AuxiliaryRole, sig syscall.Signal) { signaledAux = append(signaledAux, sig) }
	m.cfg.RegistryDrained = func() bool { return false }

	m.requestShutdown(SmartShutdown, syscall.SIGTERM)

	if state.Phase() != SmartShutdown {
		t.Fatalf("Phase() = %v, want SmartShutdown", state.Phase())
	}
	// §4.7: Smart admits no new clients while "existing workers run to
	// completion" — no worker, page writer, archiver, or stats signal
	// until the registry drains.
	if len(signaledWorkers) != 0 {
		t.Errorf("signaledWorkers = %v, want none", signaledWorkers)
	}
	if len(signaledAux) != 0 {
		t.Errorf("signaledAux = %v, want none (registry not yet drained)", signaledAux)
	}
}

func TestSmartShutdownSignalsPageWriterOnceAlreadyDrained(t *testing.T) {
	exitEvents := make(chan ExitEvent)
	m, state := newTestMachine(t, exitEvents)

	var signaledAux []AuxiliaryRole
	m.cfg.SignalAuxiliary = func(role AuxiliaryRole, sig syscall.Signal) {
		if sig != syscall.SIGTERM {
			t.Errorf("signal = %v, want SIGTERM (checkpoint-and-exit)", sig)
		}
		signaledAux = append(signaledAux, role)
	}
	m.cfg.RegistryDrained = func() bool { return true }

	m.requestShutdown(SmartShutdown, syscall.SIGTERM)

	if state.Phase() != SmartShutdown {
		t.Fatalf("Phase() = %v, want SmartShutdown", state.Phase())
	}
	if len(signaledAux) != 3 {
		t.Fatalf("signaledAux = %v, want page writer, archiver, stats", signaledAux)
	}
}

func TestFastShutdownSignalsWorkersImmediatelyThenAuxiliariesOnDrain(t *testing.T) {
	exitEvents := make(chan ExitEvent)
	m, state := newTestMachine(t, exitEvents)

	var signaledWorkers []syscall.Signal
	var signaledAux []AuxiliaryRole
	drained := false
	m.cfg.SignalAllWorkers = func(sig syscall.Signal) { signaledWorkers = append(signaledWorkers, sig) }
	m.cfg.SignalAuxiliary = func(role AuxiliaryRole, sig syscall.Signal) { signaledAux = append(signaledAux, role) }
	m.cfg.RegistryDrained = func() bool { return drained }

	m.requestShutdown(FastShutdown, syscall.SIGINT)

	if len(signaledWorkers) != 1 || signaledWorkers[0] != syscall.SIGINT {
		t.Fatalf("signaledWorkers = %v, want [SIGINT]", signaledWorkers)
	}
	if len(signaledAux) != 0 {
		t.Fatalf("signaledAux = %v, want none before drain", signaledAux)
	}

	drained = true
	m.checkShutdownDrain()

	if len(signaledAux) != 3 {
		t.Fatalf("signaledAux = %v, want page writer, archiver, stats after drain", signaledAux)
	}
	if state.Phase() != FastShutdown {
		t.Fatalf("Phase() = %v, want FastShutdown", state.Phase())
	}
}

func TestImmediateShutdownSignalsEverythingAtOnce(t *testing.T) {
	exitEvents := make(chan ExitEvent)
	m, state := newTestMachine(t, exitEvents)

	var signaledWorkers []syscall.Signal
	var signaledAux []syscall.Signal
	m.cfg.SignalAllWorkers = func(sig syscall.Signal) { signaledWorkers = append(signaledWorkers, sig) }
	m.cfg.SignalAllAuxiliaries = func(sig syscall.Signal, exceptStats bool) { signaledAux = append(signaledAux, sig) }
	m.cfg.RegistryDrained = func() bool { return false }

	m.requestShutdown(ImmediateShutdown, syscall.SIGQUIT)

	if state.Phase() != ImmediateShutdown {
		t.Fatalf("Phase() = %v, want ImmediateShutdown", state.Phase())
	}
	if len(signaledWorkers) != 1 || signaledWorkers[0] != syscall.SIGQUIT {
		t.Errorf("signaledWorkers = %v, want [SIGQUIT]", signaledWorkers)
	}
	if len(signaledAux) != 1 || signaledAux[0] != syscall.SIGQUIT {
		t.Errorf("signaledAux = %v, want [SIGQUIT]", signaledAux)
	}
}

func TestRequestShutdownIgnoresNonMonotonicDowngrade(t *testing.T) {
	exitEvents := make(chan ExitEvent)
	m, state := newTestMachine(t, exitEvents)

	m.requestShutdown(ImmediateShutdown, syscall.SIGQUIT)

	var signaled bool
	m.cfg.SignalAllWorkers = func(sig syscall.Signal) { signaled = true }
	m.requestShutdown(SmartShutdown, syscall.SIGTERM)

	if state.Phase() != ImmediateShutdown {
		t.Fatalf("Phase() = %v, want ImmediateShutdown (unchanged)", state.Phase())
	}
	if signaled {
		t.Error("expected no signaling on a rejected non-monotonic request")
	}
}

func TestReloadSkippedPastSmartShutdown(t *testing.T) {
	exitEvents := make(chan ExitEvent)
	m, state := newTestMachine(t, exitEvents)
	state.RequestShutdown(FastShutdown)

	var reloaded bool
	m.cfg.Reload = func() error { reloaded = true; return nil }

	m.reload()

	if reloaded {
		t.Error("expected Reload not to be called past SmartShutdown")
	}
}

func TestReloadSignalsWorkersAndAuxiliaries(t *testing.T) {
	exitEvents := make(chan ExitEvent)
	m, _ := newTestMachine(t, exitEvents)

	var reloaded bool
	var workerSig syscall.Signal
	var auxExceptStats bool
	m.cfg.Reload = func() error { reloaded = true; return nil }
	m.cfg.SignalAllWorkers = func(sig syscall.Signal) { workerSig = sig }
	m.cfg.SignalAllAuxiliaries = func(sig syscall.Signal, exceptStats bool) { auxExceptStats = exceptStats }

	m.reload()

	if !reloaded {
		t.Error("expected Reload to run")
	}
	if workerSig != syscall.SIGHUP {
		t.Errorf("workerSig = %v, want SIGHUP", workerSig)
	}
	if !auxExceptStats {
		t.Error("expected SignalAllAuxiliaries to be called with exceptStats=true")
	}
}

func TestRunExitsOnContextCancellation(t *testing.T) {
	exitEvents := make(chan ExitEvent)
	m, _ := newTestMachine(t, exitEvents)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}
}

func TestRunDrainsExitEventsIntoReaper(t *testing.T) {
	exitEvents := make(chan ExitEvent, 1)
	m, _ := newTestMachine(t, exitEvents)

	reg := &fakeRegistry{}
	m.cfg.Reaper = NewReaper(ReaperConfig{State: m.cfg.State, Registry: reg, Logger: zerolog.Nop()})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	exitEvents <- ExitEvent{IsWorker: true, WorkerID: 3, Err: nil}
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after context cancellation")
	}

	if len(reg.removed) != 1 || reg.removed[0] != 3 {
		t.Errorf("removed = %v, want [3]", reg.removed)
	}
}

func TestTerminalOnImmediateShutdownIgnoresDrain(t *testing.T) {
	exitEvents := make(chan ExitEvent)
	m, state := newTestMachine(t, exitEvents)

	if m.terminal() {
		t.Fatal("expected not terminal while Running")
	}

	// §4.7: Immediate exits "without waiting" — even an undrained
	// registry and a still-live page writer must not hold up terminal().
	m.cfg.PageWriterExited = func() bool { return false }
	m.cfg.RegistryDrained = func() bool { return false }
	state.RequestShutdown(ImmediateShutdown)
	if !m.terminal() {
		t.Fatal("expected terminal immediately on ImmediateShutdown, regardless of drain")
	}
}
