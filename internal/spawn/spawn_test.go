// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

package spawn

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/thejerf/suture/v4"

	"github.com/fleetsql/fleetsql/internal/entropy"
	"github.com/fleetsql/fleetsql/internal/handshake"
	"github.com/fleetsql/fleetsql/internal/registry"
)

type recordingTree struct {
	added []suture.Service
}

func (t *recordingTree) AddWorker(svc suture.Service) suture.ServiceToken {
	t.added = append(t.added, svc)
	return suture.ServiceToken{}
}

type pipeConn struct {
	f *os.File
}

func (p *pipeConn) File() (*os.File, error) { return p.f, nil }

func newTestSpawner(t *testing.T, tree Tree) (*Spawner, string) {
	t.Helper()
	dataDir := t.TempDir()
	src, err := entropy.NewSource()
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	workerBinary := filepath.Join(t.TempDir(), "fleetd")
	if err := os.WriteFile(workerBinary, []byte("#!/bin/sh\n"), 0o700); err != nil {
		t.Fatalf("write fake worker binary: %v", err)
	}
	return New(Config{
		Entropy:       src,
		Registry:      registry.New(),
		Tree:          tree,
		DataDirectory: dataDir,
		WorkerBinary:  workerBinary,
		Logger:        zerolog.Nop(),
	}), dataDir
}

func newPipeConn(t *testing.T) FileConn {
	t.Helper()
	r, _, err := os.Pipe()
	if err != nil {
		t.Fatalf("os.Pipe() error = %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return &pipeConn{f: r}
}

func TestSpawnSuccessRegistersWorkerAndAddsToTree(t *testing.T) {
	tree := &recordingTree{}
	s, _ := newTestSpawner(t, tree)

	ctx := handshake.ConnectionContext{User: "alice", Database: "widgets"}
	result, err := s.Spawn(context.Background(), newPipeConn(t), ctx)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if result.WorkerID == 0 {
		t.Error("expected a nonzero worker id")
	}
	if len(tree.added) != 1 {
		t.Fatalf("tree.added = %d services, want 1", len(tree.added))
	}

	entry, ok := s.registry.Find(result.WorkerID)
	if !ok {
		t.Fatal("expected registry entry for spawned worker")
	}
	if entry.CancelSecret == 0 {
		t.Error("expected a nonzero cancel secret")
	}
}

func TestSpawnAssignsDistinctWorkerIDs(t *testing.T) {
	tree := &recordingTree{}
	s, _ := newTestSpawner(t, tree)
	ctx := handshake.ConnectionContext{User: "alice"}

	r1, err := s.Spawn(context.Background(), newPipeConn(t), ctx)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	r2, err := s.Spawn(context.Background(), newPipeConn(t), ctx)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if r1.WorkerID == r2.WorkerID {
		t.Errorf("expected distinct worker ids, got %d twice", r1.WorkerID)
	}
}

func TestSpawnFailsWhenWorkerBinaryMissing(t *testing.T) {
	tree := &recordingTree{}
	s, _ := newTestSpawner(t, tree)
	s.workerBinary = filepath.Join(t.TempDir(), "does-not-exist")

	ctx := handshake.ConnectionContext{User: "alice"}
	_, err := s.Spawn(context.Background(), newPipeConn(t), ctx)
	if err == nil {
		t.Fatal("expected error for missing worker binary")
	}
	if len(tree.added) != 0 {
		t.Errorf("tree.added = %d, want 0 on spawn failure", len(tree.added))
	}
	if s.registry.Len() != 0 {
		t.Errorf("registry.Len() = %d, want 0 after spawn failure cleanup", s.registry.Len())
	}
}

func TestOptionsMapParsesDashCAssignments(t *testing.T) {
	got := optionsMap("-c foo=bar -c baz=qux", map[string]string{"extra_key": "extra_val"})
	if got["foo"] != "bar" || got["baz"] != "qux" {
		t.Errorf("optionsMap = %+v, want foo=bar baz=qux", got)
	}
	if got["extra_key"] != "extra_val" {
		t.Errorf("optionsMap missing extra key, got %+v", got)
	}
}

func TestOptionsMapIgnoresMalformedAssignment(t *testing.T) {
	got := optionsMap("-c noequalsign", nil)
	if len(got) != 0 {
		t.Errorf("optionsMap = %+v, want empty for malformed assignment", got)
	}
}
