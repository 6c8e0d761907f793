// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

/*
Package supervisor provides process supervision for fleetd using suture v4.

It implements a hierarchical supervisor tree that manages the lifecycle of
every long-lived OS process the connection-dispatch supervisor spawns:
auxiliaries (page writer, WAL archiver, stats collector, system logger,
startup/recovery) and per-connection workers. Each is wrapped as a
procsvc.ProcessService, an os/exec.Cmd-backed implementation of
suture.Service, so the same Erlang/OTP-style restart and backoff machinery
governs both categories even though neither is a goroutine.

# Overview

	Root ("fleetd")
	├── Auxiliaries ("auxiliaries")
	│   ├── startup/recovery          (conditional, §4.6)
	│   ├── page writer
	│   ├── WAL archiver               (if archiving enabled)
	│   ├── stats collector
	│   └── system logger              (if log redirection enabled)
	└── Workers ("workers")
	    └── one ProcessService per admitted connection

This hierarchy gives the two categories independent failure isolation: a
worker crash does not count against an auxiliary's failure budget and vice
versa, matching §4.8's distinction between a worker's own abnormal exit
and a true crash that forces the whole tree into CrashRecovery.

# Restart semantics

Auxiliaries are restarted by suture under the usual failure
threshold/decay/backoff; the C7 state machine additionally imposes its
own policy on top (a third auxiliary restart within the same life phase
forces CrashRecovery, per spec §4.8). Workers are never restarted on
crash — RemoveWorker takes a crashed worker's token out of the tree
without triggering suture's restart path, since a client session ending
abnormally is a per-connection event, not a supervisor failure.

# Service interface

Every supervised unit implements suture.Service:

	type Service interface {
	    Serve(ctx context.Context) error
	}

Return nil for a clean stop (no restart), a non-nil error for a crash
(restart under backoff), and return promptly when ctx is canceled.

# See Also

  - internal/procsvc: the ProcessService implementation
  - github.com/thejerf/suture/v4: underlying supervisor library
*/
package supervisor
