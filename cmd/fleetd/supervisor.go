// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/fleetsql/fleetsql/internal/admission"
	"github.com/fleetsql/fleetsql/internal/bootfiles"
	"github.com/fleetsql/fleetsql/internal/cancelrouter"
	"github.com/fleetsql/fleetsql/internal/config"
	"github.com/fleetsql/fleetsql/internal/debughttp"
	"github.com/fleetsql/fleetsql/internal/entropy"
	"github.com/fleetsql/fleetsql/internal/handshake"
	"github.com/fleetsql/fleetsql/internal/listener"
	"github.com/fleetsql/fleetsql/internal/logging"
	"github.com/fleetsql/fleetsql/internal/metrics"
	"github.com/fleetsql/fleetsql/internal/procsvc"
	"github.com/fleetsql/fleetsql/internal/registry"
	"github.com/fleetsql/fleetsql/internal/spawn"
	"github.com/fleetsql/fleetsql/internal/supervisor"
)

// waitForConnectionTimeout bounds C1's "wait for any endpoint ready"
// operation (§4.1, §5: "a bounded timeout (≤ one minute) so that periodic
// maintenance ... always runs").
const waitForConnectionTimeout = time.Minute

// supervisorProc holds every long-lived component the supervisor role
// wires together; it exists so main's run() can defer a single cleanup.
type supervisorProc struct {
	cfg       *config.Config
	state     *supervisor.State
	wakeQueue *supervisor.WakeQueue
	tree      *supervisor.Tree
	reg       *registry.Registry
	ent       *entropy.Source
	spawner   *spawn.Spawner
	router    *cancelrouter.Router
	ln        *listener.Set
	debugSrv  *debughttp.Server
	log       zerolog.Logger
	audit     *logging.AuditLogger

	// workerServices and auxServices index live process handles by worker
	// id and auxiliary role respectively, so the shutdown ladder (§4.7)
	// and the cancellation router (§4.9) can signal a specific process
	// without walking the suture tree.
	workerServices *procsvc.Table[uint32]
	auxServices    *procsvc.Table[supervisor.AuxiliaryRole]

	exitEvents chan supervisor.ExitEvent
}

// workerSignaler adapts supervisorProc's worker service table to
// cancelrouter.Signaler: it delivers the out-of-band cancellation
// interrupt (§4.9). SIGUSR2 is used rather than SIGINT deliberately —
// SIGINT is the shutdown ladder's Fast-shutdown broadcast
// (machine.go's requestShutdown(FastShutdown, syscall.SIGINT)), and a
// single targeted cancel must never look like every worker being told
// to terminate. Workers are this repo's own re-exec'd children, so a
// dedicated real signal costs nothing and needs no new IPC channel.
type workerSignaler struct {
	workers *procsvc.Table[uint32]
}

func (w workerSignaler) SignalWorker(workerID uint32) error {
	svc, ok := w.workers.Get(workerID)
	if !ok {
		return fmt.Errorf("worker %d: no live process handle", workerID)
	}
	return svc.Signal(syscall.SIGUSR2)
}

func newSupervisor(cfg *config.Config) (*supervisorProc, error) {
	log := logging.WithComponent("supervisor")

	if err := os.MkdirAll(cfg.DataDirectory, 0o700); err != nil {
		return nil, fmt.Errorf("data directory %s: %w", cfg.DataDirectory, err)
	}

	if err := bootfiles.Write(cfg.DataDirectory, bootfiles.LockFile{
		PID:           os.Getpid(),
		DataDirectory: cfg.DataDirectory,
		Port:          cfg.Port,
		SocketDir:     cfg.SocketDirectory,
	}); err != nil {
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	if err := bootfiles.WriteOptionsRecord(cfg.DataDirectory, os.Args); err != nil {
		return nil, fmt.Errorf("write options record: %w", err)
	}
	if err := bootfiles.WriteExternalPIDFile(cfg.ExternalPIDFile, os.Getpid()); err != nil {
		return nil, fmt.Errorf("write external pid file: %w", err)
	}

	ent, err := entropy.NewSource()
	if err != nil {
		return nil, fmt.Errorf("initialize entropy source: %w", err)
	}

	reg := registry.New()
	state := supervisor.NewState()

	slogHandler := logging.NewSlogHandlerWithLogger(log)
	tree, err := supervisor.NewTree(slog.New(slogHandler), supervisor.DefaultTreeConfig())
	if err != nil {
		return nil, fmt.Errorf("build supervisor tree: %w", err)
	}

	exitEvents := make(chan supervisor.ExitEvent, 64)
	workerServices := procsvc.NewTable[uint32]()
	auxServices := procsvc.NewTable[supervisor.AuxiliaryRole]()

	selfBinary, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable path: %w", err)
	}

	spawner := spawn.New(spawn.Config{
		Entropy:       ent,
		Registry:      reg,
		Tree:          tree,
		DataDirectory: cfg.DataDirectory,
		WorkerBinary:  selfBinary,
		ExtraOptions:  config.SplitAddressList(cfg.ExtraWorkerOptions),
		OnWorkerExit: func(workerID uint32, err error) {
			workerServices.Delete(workerID)
			exitEvents <- supervisor.ExitEvent{IsWorker: true, WorkerID: workerID, Err: err}
		},
		Logger: log,
	})

	audit := logging.NewAuditLoggerWithLogger(log)
	router := cancelrouter.New(reg, workerSignaler{workers: workerServices}, audit)

	ln, err := listener.Bind(listener.Config{
		ListenAddresses:   cfg.NormalizedListenAddresses(),
		Port:              cfg.Port,
		EnableLocalSocket: cfg.UnixSocketEnabled,
		SocketDir:         cfg.SocketDirectory,
		DataDirectory:     cfg.DataDirectory,
		Logger:            log,
	})
	if err != nil {
		return nil, fmt.Errorf("bind listeners: %w", err)
	}

	debugSrv, err := debughttp.New(debughttp.Config{Port: 0, State: state, Log: log})
	if err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("start debug http surface: %w", err)
	}

	return &supervisorProc{
		cfg:            cfg,
		state:          state,
		wakeQueue:      supervisor.NewWakeQueue(),
		tree:           tree,
		reg:            reg,
		ent:            ent,
		spawner:        spawner,
		router:         router,
		ln:             ln,
		debugSrv:       debugSrv,
		log:            log,
		audit:          audit,
		workerServices: workerServices,
		auxServices:    auxServices,
		exitEvents:     exitEvents,
	}, nil
}

func (s *supervisorProc) cleanup() {
	_ = s.ln.Close()
	_ = s.debugSrv.Close()
	_ = bootfiles.Remove(s.cfg.DataDirectory)
	_ = bootfiles.RemoveExternalPIDFile(s.cfg.ExternalPIDFile)
}

func (s *supervisorProc) run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		if err := s.debugSrv.Serve(); err != nil {
			s.log.Warn().Err(err).Msg("debug http surface exited")
		}
	}()

	treeDone := s.tree.ServeBackground(ctx)

	startupToken, err := s.startAuxiliary(supervisor.RoleStartup)
	if err != nil {
		return fmt.Errorf("start startup child: %w", err)
	}
	_ = startupToken
	s.state.SetStartupChild(supervisor.AuxiliaryStatus{Present: true})

	reaper := supervisor.NewReaper(supervisor.ReaperConfig{
		State:    s.state,
		Registry: s.reg,
		StartStartupChild: func() error {
			_, err := s.startAuxiliary(supervisor.RoleStartup)
			return err
		},
		SchedulePageWriter: func() {
			if _, err := s.startAuxiliary(supervisor.RolePageWriter); err != nil {
				s.log.Warn().Err(err).Msg("failed to start page writer")
			}
			if s.cfg.ArchivingEnabled {
				if _, err := s.startAuxiliary(supervisor.RoleArchiver); err != nil {
					s.log.Warn().Err(err).Msg("failed to start archiver")
				}
			}
			if s.cfg.LogRedirection {
				if _, err := s.startAuxiliary(supervisor.RoleLogger); err != nil {
					s.log.Warn().Err(err).Msg("failed to start system logger")
				}
			}
		},
		ScheduleArchiverStats: func() {
			if _, err := s.startAuxiliary(supervisor.RoleStats); err != nil {
				s.log.Warn().Err(err).Msg("failed to start stats collector")
			}
		},
		SignalAllWorkers: func(sig syscall.Signal) {
			metrics.WorkerCrashesTotal.Inc()
			for _, e := range s.reg.Iter() {
				_ = s.signalWorker(e.WorkerID, sig)
			}
		},
		SignalAuxiliary: func(role supervisor.AuxiliaryRole, sig syscall.Signal) {
			s.signalAuxiliary(role, sig)
		},
		Reinitialize: func() error {
			s.log.Info().Msg("reinitializing shared state before crash-recovery restart")
			return nil
		},
		OnSupervisorExit: cancel,
		CoreDumpPreservation: func() bool {
			return s.cfg.SendStopForCrash
		},
		Logger: s.log,
	})

	machine := supervisor.NewMachine(supervisor.MachineConfig{
		State:      s.state,
		Reaper:     reaper,
		WakeQueue:  s.wakeQueue,
		ExitEvents: s.exitEvents,
		Reload: func() error {
			cfg, err := config.Load(nil)
			if err != nil {
				return err
			}
			*s.cfg = *cfg
			return nil
		},
		SignalAllWorkers: func(sig syscall.Signal) {
			for _, e := range s.reg.Iter() {
				_ = s.signalWorker(e.WorkerID, sig)
			}
		},
		SignalAllAuxiliaries: func(sig syscall.Signal, exceptStats bool) {
			for _, role := range []supervisor.AuxiliaryRole{
				supervisor.RoleStartup, supervisor.RolePageWriter,
				supervisor.RoleArchiver, supervisor.RoleStats, supervisor.RoleLogger,
			} {
				if exceptStats && role == supervisor.RoleStats {
					continue
				}
				s.signalAuxiliary(role, sig)
			}
		},
		SignalAuxiliary: func(role supervisor.AuxiliaryRole, sig syscall.Signal) {
			s.signalAuxiliary(role, sig)
		},
		PageWriterExited: func() bool {
			return !s.state.Auxiliary(supervisor.RolePageWriter).Present
		},
		RegistryDrained: s.reg.Drained,
		Logger:          s.log,
	})

	go s.acceptLoop(ctx)

	if err := machine.Run(ctx); err != nil {
		return err
	}
	cancel()

	select {
	case err := <-treeDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
	case <-ctx.Done():
	}
	return nil
}

// acceptLoop implements the C1->C2->C3/C9->C4 pipeline: wait for a
// connection, run the handshake, dispatch cancel requests directly and
// admit or reject new sessions.
func (s *supervisorProc) acceptLoop(ctx context.Context) {
	for {
		accepted, err := s.ln.WaitForConnection(ctx, waitForConnectionTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		// Every accepted connection is one of the external events C10's
		// lazy two-event reseed (§4.10) waits for.
		s.ent.Observe(time.Now())
		go s.handleConnection(ctx, accepted)
	}
}

func (s *supervisorProc) handleConnection(ctx context.Context, accepted *listener.Accepted) {
	// Every accepted connection gets its own correlation ID so the
	// handshake, admission, and spawn log lines below can be joined back
	// together even though several connections are handled concurrently.
	ctx = logging.ContextWithNewCorrelationID(ctx)
	ctx = logging.ContextWithLogger(ctx, s.log)
	log := logging.Ctx(ctx)

	conn := accepted.Conn
	result, err := handshake.Process(conn, handshake.Options{
		SecureTransportAvailable: s.cfg.SecureTransportEnabled && accepted.Kind == listener.EndpointNetwork,
	})
	if err != nil {
		metrics.ProtocolViolationsTotal.Inc()
		log.Warn().Str("address", accepted.Address).Err(err).Msg("protocol violation")
		handshake.WriteErrorPacket(conn, "E", "protocol violation: "+err.Error())
		_ = conn.Close()
		return
	}

	if result.Outcome == handshake.OutcomeCancel {
		matched := s.router.Route(result.Cancel.WorkerID, result.Cancel.CancelSecret)
		outcome := "mismatch"
		if matched {
			outcome = "matched"
		}
		metrics.CancelRequestsTotal.WithLabelValues(outcome).Inc()
		_ = conn.Close()
		return
	}

	verdict := admission.Decide(s.state, s.reg.Len(), s.cfg.SaturatedCap())
	metrics.AdmissionTotal.WithLabelValues(string(verdict.Category)).Inc()
	if !verdict.Admitted {
		log.Info().Str("address", accepted.Address).Str("category", string(verdict.Category)).Msg("admission rejected")
		s.audit.LogAdmissionRejected(accepted.Address, string(verdict.Category))
		handshake.WriteErrorPacket(conn, string(verdict.Category), verdict.Reason)
		_ = conn.Close()
		return
	}

	tcpConn, ok := conn.(spawn.FileConn)
	if !ok {
		log.Warn().Str("address", accepted.Address).Msg("connection does not support fd handoff")
		_ = conn.Close()
		return
	}

	spawnResult, err := s.spawner.Spawn(ctx, tcpConn, result.Context)
	if err != nil {
		metrics.WorkerSpawnFailuresTotal.Inc()
		log.Warn().Err(err).Msg("worker spawn failed")
		handshake.WriteErrorPacket(conn, string(admission.CategoryInternal), "could not start a worker for this connection")
		_ = conn.Close()
		return
	}
	metrics.WorkerSpawnsTotal.Inc()
	s.workerServices.Set(spawnResult.WorkerID, spawnResult.Service)
	s.audit.LogWorkerSpawned(fmt.Sprint(spawnResult.WorkerID), accepted.Address)

	logging.Ctx(logging.ContextWithWorkerID(ctx, spawnResult.WorkerID)).
		Info().Str("address", accepted.Address).Msg("worker spawned")
}

// signalWorker delivers sig to workerID's process handle, if it is still
// registered (§6: "Signals emitted to workers/auxiliaries"). A miss is
// not an error worth surfacing: the worker may have already exited and
// been reaped between the registry snapshot and this call.
func (s *supervisorProc) signalWorker(workerID uint32, sig syscall.Signal) error {
	svc, ok := s.workerServices.Get(workerID)
	if !ok {
		return nil
	}
	return svc.Signal(sig)
}

// startAuxiliary launches role as a re-exec'd child and registers it with
// the tree and the auxiliary service table. Its liveness in SupervisorState
// tracks the actual process lifetime via the PID and exit callbacks, not
// just the moment this function is called, so PageWriterExited (used by
// §4.8's crash-recovery gate) reflects reality even across suture's own
// restart cycles.
func (s *supervisorProc) startAuxiliary(role supervisor.AuxiliaryRole) (any, error) {
	selfBinary, err := os.Executable()
	if err != nil {
		return nil, err
	}

	setPresent := func(present bool) {
		if role == supervisor.RoleStartup {
			s.state.SetStartupChild(supervisor.AuxiliaryStatus{Present: present})
			return
		}
		s.state.SetAuxiliary(role, supervisor.AuxiliaryStatus{Present: present})
	}

	svc := procsvc.New(string(role), func(ctx context.Context) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, selfBinary, "--role="+string(role))
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd, nil
	},
		procsvc.WithPIDCallback(func(pid int) { setPresent(true) }),
		procsvc.WithExitCallback(func(err error) {
			setPresent(false)
			s.exitEvents <- supervisor.ExitEvent{Role: role, Err: err}
		}),
	)
	token := s.tree.AddAuxiliary(svc)
	s.auxServices.Set(role, svc)
	return token, nil
}

func (s *supervisorProc) signalAuxiliary(role supervisor.AuxiliaryRole, sig syscall.Signal) {
	if svc, ok := s.auxServices.Get(role); ok {
		_ = svc.Signal(sig)
	}
}
