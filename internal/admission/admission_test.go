// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

package admission

import (
	"testing"

	"github.com/fleetsql/fleetsql/internal/supervisor"
)

func TestDecideOkWhenRunningAndRoom(t *testing.T) {
	s := supervisor.NewState()
	s.EnterRunning()

	v := Decide(s, 5, 200)
	if v.Category != CategoryOk || !v.Admitted {
		t.Errorf("Decide() = %+v, want Ok/Admitted", v)
	}
}

func TestDecideStartingWhenStartupChildPresent(t *testing.T) {
	s := supervisor.NewState()
	s.SetStartupChild(supervisor.AuxiliaryStatus{Present: true, WorkerID: 1})

	v := Decide(s, 0, 200)
	if v.Category != CategoryStarting || v.Admitted {
		t.Errorf("Decide() = %+v, want Starting/rejected", v)
	}
}

func TestDecideShuttingDown(t *testing.T) {
	s := supervisor.NewState()
	s.EnterRunning()
	s.RequestShutdown(supervisor.SmartShutdown)

	v := Decide(s, 0, 200)
	if v.Category != CategoryShuttingDown || v.Admitted {
		t.Errorf("Decide() = %+v, want ShuttingDown/rejected", v)
	}
}

func TestDecideRecovering(t *testing.T) {
	s := supervisor.NewState()
	s.EnterRunning()
	s.SetFatalError(true)

	v := Decide(s, 0, 200)
	if v.Category != CategoryRecovering || v.Admitted {
		t.Errorf("Decide() = %+v, want Recovering/rejected", v)
	}
}

func TestDecideSaturated(t *testing.T) {
	s := supervisor.NewState()
	s.EnterRunning()

	v := Decide(s, 200, 200)
	if v.Category != CategorySaturated || v.Admitted {
		t.Errorf("Decide() at worker count == cap = %+v, want Saturated/rejected", v)
	}

	v = Decide(s, 199, 200)
	if v.Category != CategoryOk || !v.Admitted {
		t.Errorf("Decide() at worker count == cap-1 = %+v, want Ok/Admitted", v)
	}
}

func TestDecidePrecedence(t *testing.T) {
	// Starting takes precedence over everything else, even saturation.
	s := supervisor.NewState()
	s.SetStartupChild(supervisor.AuxiliaryStatus{Present: true, WorkerID: 1})
	s.SetFatalError(true)

	v := Decide(s, 500, 200)
	if v.Category != CategoryStarting {
		t.Errorf("Decide() = %+v, want Starting to take precedence", v)
	}
}
