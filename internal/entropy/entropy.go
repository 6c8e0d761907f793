// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

// Package entropy implements C10, the source of per-worker cancel-secrets
// and per-session salt material.
//
// Rather than seeding from crypto/rand alone at process start (predictable
// relative to external observers who can infer process-start time),
// entropy.Source mirrors the original postmaster's random_seed behavior
// generalized by spec §4.10: it stays unseeded until it has observed two
// external events, and mixes the wall-clock jitter between them into its
// seed. Before that point next() still works — it borrows from
// crypto/rand directly — but the HKDF master secret used for cancel-secret
// derivation is not considered "ready" until the lazy seed lands, so that
// no cancel-secret handed out before the first two events is derived from
// a key weaker than the eventual steady-state one.
package entropy

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	// hkdfInfoCancelSecret scopes HKDF-Expand output to cancel-secret
	// derivation, distinct from salt derivation, so the two never collide
	// even when drawn from the same master secret and worker id.
	hkdfInfoCancelSecret = "fleetsql-cancel-secret-v1"

	// hkdfInfoSalt scopes HKDF-Expand output to per-session salt material.
	hkdfInfoSalt = "fleetsql-session-salt-v1"

	// masterSecretSize is the size in bytes of the lazily-jittered master
	// secret from which every worker's cancel-secret and salt are derived.
	masterSecretSize = 32
)

// Source is the process-wide entropy source. It is safe for concurrent
// use, though in practice it is only ever touched from the single
// supervisor main loop (C7) plus goroutines it explicitly hands it to
// during spawn.
type Source struct {
	mu     sync.Mutex
	master []byte
	seeded bool
	events int
	first  time.Time
	seq    uint64
}

// NewSource returns an entropy source with an initial crypto/rand-seeded
// master secret. It is usable immediately; the lazy two-event reseed
// (Observe) strengthens it once the first two external events are seen.
func NewSource() (*Source, error) {
	master := make([]byte, masterSecretSize)
	if _, err := io.ReadFull(rand.Reader, master); err != nil {
		return nil, err
	}
	return &Source{master: master}, nil
}

// Observe feeds one external event (e.g. the first two accepted
// connections, or the first two auxiliary spawns) into the lazy reseed.
// Call it from C1/C4 until it reports ready via Seeded(); further calls
// after the second are no-ops.
func (s *Source) Observe(at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.seeded {
		return
	}
	s.events++
	if s.events == 1 {
		s.first = at
		return
	}
	jitter := at.Sub(s.first)
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(jitter.Nanoseconds()))
	mixed := make([]byte, 0, masterSecretSize+8)
	mixed = append(mixed, s.master...)
	mixed = append(mixed, buf[:]...)
	reader := hkdf.New(sha256.New, mixed, nil, []byte("fleetsql-lazy-reseed-v1"))
	newMaster := make([]byte, masterSecretSize)
	if _, err := io.ReadFull(reader, newMaster); err == nil {
		s.master = newMaster
	}
	s.seeded = true
}

// Seeded reports whether the lazy two-event reseed has happened.
func (s *Source) Seeded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seeded
}

// next advances the monotonic sequence counter used to make every
// derivation call's info parameter unique even for the same worker id
// (e.g. a worker id that is later reused after its slot is freed).
func (s *Source) next() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	return s.seq
}

// CancelSecret derives an unguessable per-worker cancel-secret (§4.4 step
// 1, §4.10). Must be called before the registry row is pre-allocated, per
// the worker spawner's ordering requirement.
func (s *Source) CancelSecret(workerID uint32) (uint32, error) {
	info := appendWorkerID([]byte(hkdfInfoCancelSecret), workerID, s.next())
	out, err := s.derive(info, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(out), nil
}

// SessionSalt derives per-session salt material (§3 ConnectionContext) for
// a worker, distinct from its cancel-secret.
func (s *Source) SessionSalt(workerID uint32, size int) ([]byte, error) {
	info := appendWorkerID([]byte(hkdfInfoSalt), workerID, s.next())
	return s.derive(info, size)
}

// ReseedForWorker returns a fresh *Source for a spawned worker's own
// entropy state (§4.10: "On worker spawn the supervisor's sequence must
// be re-seeded in the worker to prevent shared secrets across siblings").
// The child's master secret is itself HKDF-derived from the parent's, so
// it never reuses parent bytes directly.
func (s *Source) ReseedForWorker(workerID uint32) (*Source, error) {
	info := appendWorkerID([]byte("fleetsql-child-reseed-v1"), workerID, s.next())
	master, err := s.derive(info, masterSecretSize)
	if err != nil {
		return nil, err
	}
	return &Source{master: master, seeded: true}, nil
}

// ExportMaster copies out the current master secret so it can be handed
// to a spawned worker across the exec-with-handoff boundary (via
// bootfiles.SpawnVars). Only ever called on a *Source already returned
// by ReseedForWorker, never on the supervisor's own long-lived source.
func (s *Source) ExportMaster() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.master...)
}

// FromSeed reconstructs a worker-local entropy source from the master
// secret its parent derived with ReseedForWorker, so cancel-secret and
// salt derivation inside the worker never touches the supervisor's own
// sequence (§4.10).
func FromSeed(seed []byte) *Source {
	return &Source{master: append([]byte(nil), seed...), seeded: true}
}

func (s *Source) derive(info []byte, size int) ([]byte, error) {
	s.mu.Lock()
	master := append([]byte(nil), s.master...)
	s.mu.Unlock()

	reader := hkdf.New(sha256.New, master, nil, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func appendWorkerID(info []byte, workerID uint32, seq uint64) []byte {
	var buf [12]byte
	binary.BigEndian.PutUint32(buf[0:4], workerID)
	binary.BigEndian.PutUint64(buf[4:12], seq)
	return append(info, buf[:]...)
}
