// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

package supervisor

import "sync"

// LifePhase is the supervisor's top-level state (§3), strictly monotonic
// in severity for the shutdown sequence: Running < SmartShutdown <
// FastShutdown < ImmediateShutdown. Booting and CrashRecovery are the two
// phases outside that ladder.
type LifePhase int

const (
	Booting LifePhase = iota
	Running
	SmartShutdown
	FastShutdown
	ImmediateShutdown
	CrashRecovery
)

// String renders the phase name used in logs and metrics
// (metrics.LifePhaseValue keys on exactly these strings).
func (p LifePhase) String() string {
	switch p {
	case Booting:
		return "Booting"
	case Running:
		return "Running"
	case SmartShutdown:
		return "SmartShutdown"
	case FastShutdown:
		return "FastShutdown"
	case ImmediateShutdown:
		return "ImmediateShutdown"
	case CrashRecovery:
		return "CrashRecovery"
	default:
		return "Unknown"
	}
}

// shutdownSeverity ranks the three shutdown phases for the "strictly
// monotonic" check in §4.7; phases outside the shutdown ladder (Booting,
// Running, CrashRecovery) are not comparable by severity and always
// return 0.
func shutdownSeverity(p LifePhase) int {
	switch p {
	case SmartShutdown:
		return 1
	case FastShutdown:
		return 2
	case ImmediateShutdown:
		return 3
	default:
		return 0
	}
}

// AuxiliaryRole names one of the five fixed auxiliary subsystems (§4.6).
type AuxiliaryRole string

const (
	RoleStartup    AuxiliaryRole = "startup"
	RolePageWriter AuxiliaryRole = "pagewriter"
	RoleArchiver   AuxiliaryRole = "archiver"
	RoleStats      AuxiliaryRole = "stats"
	RoleLogger     AuxiliaryRole = "logger"
)

// AuxiliaryStatus records whether an auxiliary role is live and, if so,
// the worker id representing the OS process running it.
type AuxiliaryStatus struct {
	Present  bool
	WorkerID uint32
}

// State is the process-wide SupervisorState singleton (§3). All reads and
// writes are expected to happen from the single C7 main loop; State's own
// mutex exists only to let the debug/admin HTTP surface (internal/debughttp)
// take a consistent read-only snapshot concurrently.
type State struct {
	mu sync.RWMutex

	phase      LifePhase
	fatalError bool
	startup    AuxiliaryStatus
	aux        map[AuxiliaryRole]AuxiliaryStatus

	// pendingShutdown is the strongest shutdown level requested so far;
	// zero value (SmartShutdown's predecessor, Running) means none.
	pendingShutdown LifePhase
}

// NewState returns a State in the Booting phase with every auxiliary
// Absent, matching the supervisor's state at the start of §4.1.
func NewState() *State {
	return &State{
		phase: Booting,
		aux:   make(map[AuxiliaryRole]AuxiliaryStatus),
	}
}

// Phase returns the current life-phase.
func (s *State) Phase() LifePhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// FatalError reports the latch set on any crash while Running and cleared
// only by a successful startup child exit (§3, §4.8).
func (s *State) FatalError() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fatalError
}

// SetFatalError sets or clears the FatalError latch.
func (s *State) SetFatalError(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fatalError = v
}

// IsShuttingDown reports whether the phase is anywhere on the shutdown
// ladder (SmartShutdown, FastShutdown, or ImmediateShutdown); CrashRecovery
// and Booting are not shutdown states even though their FatalError/startup
// semantics also reject new admissions.
func (s *State) IsShuttingDown() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return shutdownSeverity(s.phase) > 0
}

// StartupChild returns the current startup/recovery child's status
// (§3: "present only during Booting and CrashRecovery").
func (s *State) StartupChild() AuxiliaryStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.startup
}

// SetStartupChild updates the startup child's status.
func (s *State) SetStartupChild(status AuxiliaryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.startup = status
}

// Auxiliary returns role's current status.
func (s *State) Auxiliary(role AuxiliaryRole) AuxiliaryStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.aux[role]
}

// SetAuxiliary updates role's status.
func (s *State) SetAuxiliary(role AuxiliaryRole, status AuxiliaryStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.aux[role] = status
}

// CanAdmitNewWorker is the first half of §3's admission invariant: new
// client workers are admissible iff life-phase = Running AND FatalError =
// false AND startup child = Absent. The second half (worker-count cap)
// lives in internal/admission, which also needs the live worker count.
func (s *State) CanAdmitNewWorker() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase == Running && !s.fatalError && !s.startup.Present
}

// RequestShutdown applies a shutdown request of level `to`, honoring the
// "strictly monotonic" rule in §4.7: a request is only accepted if it is
// at least as severe as any previously pending or already-reached
// shutdown level. Returns true if the phase actually advanced.
func (s *State) RequestShutdown(to LifePhase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	incoming := shutdownSeverity(to)
	current := shutdownSeverity(s.phase)
	pending := shutdownSeverity(s.pendingShutdown)
	if incoming <= current || incoming <= pending {
		return false
	}
	s.pendingShutdown = to
	s.phase = to
	return true
}

// EnterCrashRecovery transitions directly to CrashRecovery, bypassing the
// shutdown ladder entirely, per §4.8's worker/page-writer crash handling.
func (s *State) EnterCrashRecovery() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = CrashRecovery
	s.fatalError = true
}

// EnterRunning transitions to Running, called when the startup child
// exits zero (§4.8: "clears FatalError... advances to Running").
func (s *State) EnterRunning() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.phase = Running
	s.fatalError = false
	s.pendingShutdown = Running
}

// Snapshot is a read-only copy of State for the debug/admin HTTP surface
// and for tests; it never aliases the live State's internal map.
type Snapshot struct {
	Phase      string                           `json:"phase"`
	FatalError bool                             `json:"fatal_error"`
	Startup    AuxiliaryStatus                  `json:"startup"`
	Auxiliary  map[AuxiliaryRole]AuxiliaryStatus `json:"auxiliary"`
}

// Snapshot takes a consistent point-in-time copy of s.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	aux := make(map[AuxiliaryRole]AuxiliaryStatus, len(s.aux))
	for k, v := range s.aux {
		aux[k] = v
	}
	return Snapshot{
		Phase:      s.phase.String(),
		FatalError: s.fatalError,
		Startup:    s.startup,
		Auxiliary:  aux,
	}
}
