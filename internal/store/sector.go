// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"sync"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// SectorId addresses one sector in the Pool's arena. It is an index, never a
// pointer: MMCBs and chains only ever hold SectorId values, which sidesteps
// lifetime and cyclic-reference problems without a garbage collector.
type SectorId uint32

// NullSector is the sentinel denoting "no sector" / end of chain. Sector id
// 0 is a perfectly valid sector; only this value is reserved.
const NullSector SectorId = 0xFFFFFFFF

// SectorPayloadSize is the usable payload per sector (bytes). The link word
// and any bookkeeping live outside of this in the sector header.
const SectorPayloadSize = 32

// sector is one fixed-size slot in the pool's arena: a payload and the
// chain-link word that makes the singly linked chains in chain.go possible
// without any heap indirection per node.
type sector struct {
	next    SectorId
	payload [SectorPayloadSize]byte
	used    bool // double-free detector, checked by Free
}

// Pool is the sector arena and its sector-allocation table (SAT). All
// operations are O(1): a free-list stack of indices is built once at
// construction and allocate/free only push/pop it.
//
// Guarded by mu ("the pool lock"). Callers that also hold a sensor lock
// must acquire it after the sensor lock, never before (sensor lock, then
// pool lock, then disk-index lock).
type Pool struct {
	mu       sync.Mutex
	sectors  []sector
	freeList []SectorId // stack; top = freeList[len-1]
}

// NewPool allocates a pool of the given capacity. All sectors start free.
func NewPool(capacity int) *Pool {
	p := &Pool{
		sectors:  make([]sector, capacity),
		freeList: make([]SectorId, capacity),
	}
	for i := 0; i < capacity; i++ {
		// Push in descending order so id 0 is popped first; purely cosmetic,
		// makes early allocations deterministic for tests.
		p.freeList[i] = SectorId(capacity - 1 - i)
	}
	return p
}

// Capacity returns the total number of sectors in the arena.
func (p *Pool) Capacity() int {
	return len(p.sectors)
}

// FreeCount returns the number of currently unallocated sectors. Used by the
// spillover trigger: migration starts once this falls below a configured
// fraction of Capacity.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.freeList)
}

// Allocate returns a free sector or StatusNoSpace if the arena is exhausted.
// Allocation zeroes the sector payload and resets its link to NullSector.
func (p *Pool) Allocate() (SectorId, Status) {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := len(p.freeList)
	if n == 0 {
		return NullSector, StatusNoSpace
	}
	id := p.freeList[n-1]
	p.freeList = p.freeList[:n-1]

	s := &p.sectors[id]
	s.used = true
	s.next = NullSector
	for i := range s.payload {
		s.payload[i] = 0
	}
	return id, StatusSuccess
}

// Free returns a sector to the free-list. Double-free is a programming
// error; it is reported loudly rather than silently corrupting the
// free-list.
func (p *Pool) Free(id SectorId) Status {
	if id == NullSector {
		return StatusInvalidParameter
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= len(p.sectors) {
		return StatusInvalidParameter
	}
	s := &p.sectors[id]
	if !s.used {
		cclog.Errorf("[MM2STORE]> double-free of sector %d", id)
		return StatusInvalidParameter
	}
	s.used = false
	s.next = NullSector
	p.freeList = append(p.freeList, id)
	return StatusSuccess
}

// Read copies len(dst) bytes from the sector's payload starting at offset
// into dst. Out-of-range access fails with StatusBadOffset rather than
// panicking.
func (p *Pool) Read(id SectorId, offset int, dst []byte) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= len(p.sectors) || offset < 0 || offset+len(dst) > SectorPayloadSize {
		return StatusBadOffset
	}
	copy(dst, p.sectors[id].payload[offset:offset+len(dst)])
	return StatusSuccess
}

// Write copies src into the sector's payload starting at offset.
// Bounds-checked identically to Read.
func (p *Pool) Write(id SectorId, offset int, src []byte) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= len(p.sectors) || offset < 0 || offset+len(src) > SectorPayloadSize {
		return StatusBadOffset
	}
	copy(p.sectors[id].payload[offset:offset+len(src)], src)
	return StatusSuccess
}

// GetNext returns the chain link stored alongside the sector's payload.
func (p *Pool) GetNext(id SectorId) SectorId {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= len(p.sectors) {
		return NullSector
	}
	return p.sectors[id].next
}

// SetNext updates the chain link. Set to NullSector at allocation time, and
// whenever a sector becomes the new tail.
func (p *Pool) SetNext(id, next SectorId) Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	if int(id) >= len(p.sectors) {
		return StatusInvalidParameter
	}
	p.sectors[id].next = next
	return StatusSuccess
}
