// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import "testing"

// ─── Sector pool ────────────────────────────────────────────────────────────

// TestPoolAllocateExhaustion verifies that Allocate returns StatusNoSpace
// once every sector is in use, and never double-hands-out a sector.
func TestPoolAllocateExhaustion(t *testing.T) {
	p := NewPool(4)
	seen := make(map[SectorId]bool)
	for i := 0; i < 4; i++ {
		id, st := p.Allocate()
		if st != StatusSuccess {
			t.Fatalf("Allocate() %d = %s, want Success", i, st)
		}
		if seen[id] {
			t.Fatalf("Allocate() returned sector %d twice", id)
		}
		seen[id] = true
	}
	if _, st := p.Allocate(); st != StatusNoSpace {
		t.Fatalf("Allocate() on exhausted pool = %s, want NoSpace", st)
	}
	if p.FreeCount() != 0 {
		t.Errorf("FreeCount() = %d, want 0", p.FreeCount())
	}
}

// TestPoolFreeThenReallocate verifies a freed sector becomes available again.
func TestPoolFreeThenReallocate(t *testing.T) {
	p := NewPool(1)
	id, _ := p.Allocate()
	if st := p.Free(id); st != StatusSuccess {
		t.Fatalf("Free() = %s, want Success", st)
	}
	if p.FreeCount() != 1 {
		t.Errorf("FreeCount() after Free = %d, want 1", p.FreeCount())
	}
	if _, st := p.Allocate(); st != StatusSuccess {
		t.Fatalf("Allocate() after Free = %s, want Success", st)
	}
}

// TestPoolDoubleFreeRejected verifies a double-free is reported rather than
// corrupting the free-list.
func TestPoolDoubleFreeRejected(t *testing.T) {
	p := NewPool(2)
	id, _ := p.Allocate()
	if st := p.Free(id); st != StatusSuccess {
		t.Fatalf("first Free() = %s, want Success", st)
	}
	if st := p.Free(id); st != StatusInvalidParameter {
		t.Fatalf("double Free() = %s, want InvalidParameter", st)
	}
}

// TestPoolReadWriteRoundTrip verifies Write followed by Read returns the
// same bytes, and that out-of-range offsets fail with StatusBadOffset.
func TestPoolReadWriteRoundTrip(t *testing.T) {
	p := NewPool(1)
	id, _ := p.Allocate()

	want := []byte{1, 2, 3, 4}
	if st := p.Write(id, 4, want); st != StatusSuccess {
		t.Fatalf("Write() = %s, want Success", st)
	}
	got := make([]byte, 4)
	if st := p.Read(id, 4, got); st != StatusSuccess {
		t.Fatalf("Read() = %s, want Success", st)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Read()[%d] = %d, want %d", i, got[i], want[i])
		}
	}

	if st := p.Read(id, SectorPayloadSize-1, make([]byte, 4)); st != StatusBadOffset {
		t.Errorf("out-of-range Read() = %s, want BadOffset", st)
	}
}

// TestPoolAllocateZeroesPayload verifies a freshly allocated sector never
// carries over bytes from a previous tenant.
func TestPoolAllocateZeroesPayload(t *testing.T) {
	p := NewPool(1)
	id, _ := p.Allocate()
	p.Write(id, 0, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	p.Free(id)

	id2, _ := p.Allocate()
	buf := make([]byte, 4)
	p.Read(id2, 0, buf)
	for i, b := range buf {
		if b != 0 {
			t.Errorf("reallocated sector byte %d = %#x, want 0", i, b)
		}
	}
}

// TestPoolNextLink verifies SetNext/GetNext round-trip and that a fresh
// allocation starts linked to NullSector.
func TestPoolNextLink(t *testing.T) {
	p := NewPool(2)
	a, _ := p.Allocate()
	b, _ := p.Allocate()
	if next := p.GetNext(a); next != NullSector {
		t.Fatalf("GetNext() on fresh sector = %d, want NullSector", next)
	}
	p.SetNext(a, b)
	if next := p.GetNext(a); next != b {
		t.Errorf("GetNext() = %d, want %d", next, b)
	}
}
