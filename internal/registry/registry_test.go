// fleetsql - connection-dispatch supervisor
// Copyright 2026 The fleetsql Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/fleetsql/fleetsql

package registry

import (
	"testing"
	"time"
)

func TestInsertFindRemove(t *testing.T) {
	r := New()
	entry := Entry{WorkerID: 42, CancelSecret: 0xDEADBEEF, CreatedAt: time.Now()}
	r.Insert(entry)

	got, ok := r.Find(42)
	if !ok {
		t.Fatal("expected worker 42 to be found")
	}
	if got.CancelSecret != 0xDEADBEEF {
		t.Errorf("CancelSecret = %#x, want 0xDEADBEEF", got.CancelSecret)
	}

	r.Remove(42)
	if _, ok := r.Find(42); ok {
		t.Fatal("worker 42 should be gone after Remove")
	}
}

func TestFindMissingIsSilent(t *testing.T) {
	r := New()
	_, ok := r.Find(999)
	if ok {
		t.Fatal("expected miss for unknown worker id")
	}
}

func TestIterSnapshot(t *testing.T) {
	r := New()
	r.Insert(Entry{WorkerID: 1})
	r.Insert(Entry{WorkerID: 2})
	r.Insert(Entry{WorkerID: 3})

	snapshot := r.Iter()
	if len(snapshot) != 3 {
		t.Fatalf("len(snapshot) = %d, want 3", len(snapshot))
	}
}

func TestLenAndDrained(t *testing.T) {
	r := New()
	if !r.Drained() {
		t.Fatal("empty registry should be Drained")
	}
	r.Insert(Entry{WorkerID: 1})
	if r.Drained() {
		t.Fatal("registry with one entry should not be Drained")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
	r.Remove(1)
	if !r.Drained() {
		t.Fatal("registry should be Drained after removing its only entry")
	}
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	r.Insert(Entry{WorkerID: 1})
	r.Remove(1)
	r.Remove(1) // must not panic
	if r.Len() != 0 {
		t.Errorf("Len() = %d, want 0", r.Len())
	}
}
