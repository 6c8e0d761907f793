// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

// Package spawn implements C4, the worker spawner: it draws a cancel
// secret, pre-allocates the registry row, flushes standard output, and
// execs a worker process, in the ordering §4.4 requires.
//
// fleetd has no fork(); every spawn is exec-with-handoff (grounded on
// other_examples/hnakamur-serverstarter__starter.go's FD-passing
// convention), so the "bind identity to the spawned worker id" step in
// §4.4 step 5 becomes: the worker id is chosen by the supervisor up
// front (§4.4 step 1 already needs it to key the cancel-secret
// derivation), and what's actually discovered only after exec is the
// OS pid, tracked separately by internal/procsvc.
package spawn

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/fleetsql/fleetsql/internal/bootfiles"
	"github.com/fleetsql/fleetsql/internal/config"
	"github.com/fleetsql/fleetsql/internal/entropy"
	"github.com/fleetsql/fleetsql/internal/handshake"
	"github.com/fleetsql/fleetsql/internal/procsvc"
	"github.com/fleetsql/fleetsql/internal/registry"
)

// listenerFD is the fd number a spawned worker finds its inherited
// connection at: fd 0-2 are stdin/stdout/stderr, so the first (and only)
// entry in exec.Cmd.ExtraFiles lands at fd 3.
const listenerFD = 3

// FileConn is satisfied by the connection types spawn hands off to a
// worker (net.TCPConn, net.UnixConn); both expose File() for fd handoff.
type FileConn interface {
	File() (*os.File, error)
}

// Tree is the subset of supervisor.Tree the spawner needs, so tests can
// substitute a recording stub instead of a full suture tree.
type Tree interface {
	AddWorker(svc suture.Service) suture.ServiceToken
}

// Spawner implements C4 against a shared entropy source, registry, and
// worker-owning supervisor tree.
type Spawner struct {
	entropy       *entropy.Source
	registry      *registry.Registry
	tree          Tree
	dataDirectory string
	workerBinary  string
	extraOptions  []string
	nextWorkerID  uint32
	onWorkerExit  func(workerID uint32, err error)
	log           zerolog.Logger
}

// Config configures a Spawner.
type Config struct {
	Entropy       *entropy.Source
	Registry      *registry.Registry
	Tree          Tree
	DataDirectory string
	// WorkerBinary is the path to re-exec for a worker role, normally
	// os.Args[0] (fleetd re-invokes itself with a worker role, per the
	// self-exec pattern in the retrieval pack's PID1 supervisors).
	WorkerBinary string
	// ExtraOptions are server-wide `-o` extra worker options (§6),
	// appended to every spawned worker's argv.
	ExtraOptions []string
	// OnWorkerExit is invoked once a spawned worker's process exits, with
	// its real exit error (nil for a clean exit) — the hand-off point
	// into the reaper (C8), which decides crash handling from here.
	OnWorkerExit func(workerID uint32, err error)
	Logger       zerolog.Logger
}

// New returns a Spawner.
func New(cfg Config) *Spawner {
	return &Spawner{
		entropy:       cfg.Entropy,
		registry:      cfg.Registry,
		tree:          cfg.Tree,
		dataDirectory: cfg.DataDirectory,
		workerBinary:  cfg.WorkerBinary,
		extraOptions:  cfg.ExtraOptions,
		onWorkerExit:  cfg.OnWorkerExit,
		log:           cfg.Logger,
	}
}

// Result is what Spawn returns on success.
type Result struct {
	WorkerID uint32
	Service  *procsvc.ProcessService
	Token    suture.ServiceToken
}

// Spawn implements §4.4's five-step sequence for one accepted, handshaken
// connection. conn's underlying fd is duplicated into the child's
// ExtraFiles and closed in this process once the child has started,
// since ownership passes to the worker.
func (s *Spawner) Spawn(ctx context.Context, conn FileConn, connCtx handshake.ConnectionContext) (*Result, error) {
	workerID := atomic.AddUint32(&s.nextWorkerID, 1)

	// Every spawn is one of the external events the lazy two-event
	// reseed (§4.10) waits for, alongside accepted connections observed
	// upstream in the accept loop.
	s.entropy.Observe(time.Now())

	// Step 1: draw the cancel secret before anything else observes or
	// advances the entropy sequence for this worker.
	cancelSecret, err := s.entropy.CancelSecret(workerID)
	if err != nil {
		return nil, fmt.Errorf("spawn worker %d: draw cancel secret: %w", workerID, err)
	}

	// Re-seed a worker-local entropy source so this worker's own
	// derivations never share a master secret with a sibling worker
	// spawned concurrently (§4.10).
	childEntropy, err := s.entropy.ReseedForWorker(workerID)
	if err != nil {
		return nil, fmt.Errorf("spawn worker %d: reseed worker entropy: %w", workerID, err)
	}

	// Step 2: pre-allocate the registry row before any fork/exec.
	s.registry.Insert(registry.Entry{
		WorkerID:     workerID,
		CancelSecret: cancelSecret,
		CreatedAt:    time.Now(),
	})

	// A synchronous probe that the binary at least exists catches the
	// common "no such file" failure before any spawn-file is written or
	// fd duplicated, since suture's own restart policy is not
	// appropriate for workers (§4.6: workers are never restarted on
	// crash) and a failed spawn must not leave stray files behind.
	if _, err := os.Stat(s.workerBinary); err != nil {
		s.registry.Remove(workerID)
		return nil, fmt.Errorf("spawn worker %d: worker binary unavailable: %w", workerID, err)
	}

	connFile, err := conn.File()
	if err != nil {
		s.registry.Remove(workerID)
		return nil, fmt.Errorf("spawn worker %d: duplicate connection fd: %w", workerID, err)
	}

	options := optionsMap(connCtx.Options, connCtx.Extra)
	spawnFilePath, err := bootfiles.WriteSpawnFile(s.dataDirectory, bootfiles.SpawnVars{
		WorkerID:     workerID,
		CancelSecret: cancelSecret,
		Database:     connCtx.Database,
		User:         connCtx.User,
		Options:      options,
		ListenerFD:   listenerFD,
		Role:         "worker",
		EntropySeed:  childEntropy.ExportMaster(),
	})
	if err != nil {
		s.registry.Remove(workerID)
		_ = connFile.Close()
		return nil, fmt.Errorf("spawn worker %d: write spawn file: %w", workerID, err)
	}

	// Step 3: flush stdio so buffered output already written in this
	// process does not reappear duplicated across the spawn boundary.
	_ = os.Stdout.Sync()
	_ = os.Stderr.Sync()

	name := fmt.Sprintf("worker-%d", workerID)
	opts := []procsvc.Option{procsvc.WithOneShot()}
	if s.onWorkerExit != nil {
		opts = append(opts, procsvc.WithExitCallback(func(err error) {
			s.onWorkerExit(workerID, err)
		}))
	}
	svc := procsvc.New(name, func(ctx context.Context) (*exec.Cmd, error) {
		cmd := exec.CommandContext(ctx, s.workerBinary, append([]string{
			"--role=worker",
			"--spawn-file=" + spawnFilePath,
		}, s.extraOptions...)...)
		cmd.ExtraFiles = []*os.File{connFile}
		cmd.Stdout = os.Stdout
		cmd.Stderr = os.Stderr
		return cmd, nil
	}, opts...)

	// Step 4: spawn. suture governs the running service from here via
	// AddWorker.
	token := s.tree.AddWorker(svc)

	// Ownership of connFile has passed to the child via ExtraFiles; this
	// process's copy must be closed so it does not keep the socket alive
	// after the worker exits.
	_ = connFile.Close()

	s.log.Info().
		Uint32("worker_id", workerID).
		Str("user", connCtx.User).
		Str("database", connCtx.Database).
		Msg("worker spawned")

	return &Result{WorkerID: workerID, Service: svc, Token: token}, nil
}

// optionsMap merges a raw "-c name=value ..." options string with any
// other unrecognized startup name/value pairs into a single flat map for
// the spawn file, using the same assignment grammar as the CLI's -c flag
// (§6) so both paths share one parser.
func optionsMap(rawOptions string, extra map[string]string) map[string]string {
	out := make(map[string]string, len(extra))
	for k, v := range extra {
		out[k] = v
	}
	for _, field := range splitOptionsString(rawOptions) {
		name, value, err := config.ParseSettingAssignment(field)
		if err != nil {
			continue
		}
		out[name] = value
	}
	return out
}

// splitOptionsString splits a "-c name=value -c name2=value2" style blob
// (as sent in the startup "options" parameter) into individual
// name=value fields.
func splitOptionsString(raw string) []string {
	var fields []string
	var cur []byte
	flush := func() {
		if len(cur) > 0 {
			fields = append(fields, string(cur))
			cur = cur[:0]
		}
	}
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case ' ', '\t':
			flush()
		case '-':
			if i+1 < len(raw) && raw[i+1] == 'c' && (i+2 >= len(raw) || raw[i+2] == ' ') {
				flush()
				i++ // skip 'c'
				continue
			}
			cur = append(cur, raw[i])
		default:
			cur = append(cur, raw[i])
		}
	}
	flush()
	return fields
}
