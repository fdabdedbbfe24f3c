// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import "encoding/binary"

// Kind is the per-sensor record layout discriminator. It is set once when a
// sensor is registered and never changes, so read/write entry points branch
// on it exactly once rather than at every call site.
type Kind uint8

const (
	KindTSD Kind = iota
	KindEVT
)

func (k Kind) String() string {
	if k == KindTSD {
		return "TSD"
	}
	return "EVT"
}

const (
	// TSDHeaderSize is the 8-byte UTC header at the start of every TSD sector.
	TSDHeaderSize = 8
	// TSDSampleStride is the width of one TSD sample value.
	TSDSampleStride = 4
	// TSDSamplesPerSector is the historical sample count per TSD sector,
	// kept as a single constant so the geometry cannot drift between the
	// write path, the walker, and the spool codec.
	TSDSamplesPerSector = 6
	// EVTStride is the width of one (utc_ms, value) EVT pair.
	EVTStride = 12
)

// strideFor returns the per-record byte width for the sensor's kind.
func strideFor(k Kind) int {
	if k == KindTSD {
		return TSDSampleStride
	}
	return EVTStride
}

// headerSize returns the bytes consumed by the fixed per-sector header
// (TSD's base-UTC field; EVT has none).
func headerSize(k Kind) int {
	if k == KindTSD {
		return TSDHeaderSize
	}
	return 0
}

// Record is one delivered sample, uniform across TSD and EVT. For EVT it is
// the literal (utc_ms, value) pair written by the producer. For TSD,
// UTCMillis is the base UTC of the sector the sample lives in (the single
// per-sector header); downstream samples in that sector share it.
type Record struct {
	UTCMillis uint64
	Value     uint32
}

// pendingState is one upload source's view into a sensor's shared chain.
// The source's logical stream is its spool files (oldest first) followed by
// the RAM chain from (PendingStartSector, PendingStartOffset); the pending
// run is the first PendingCount records of that stream. The cursor fields
// only ever move on acknowledgement (or when spillover evacuates the sector
// under them), never on read, which is what makes a NACKed run re-readable.
type pendingState struct {
	PendingCount uint32

	// PendingStartSector/Offset is this source's RAM cursor: the first
	// record in RAM it has not acknowledged yet. NullSector means the cursor
	// is implicitly at the chain head (a source that has never read or
	// acknowledged anything tracks the head as it moves).
	PendingStartSector SectorId
	PendingStartOffset int

	// ramConsumed counts records still physically in RAM that lie before
	// this source's cursor: acknowledged by this source (but retained for
	// slower sources) or already evacuated into this source's own spool
	// files. TotalRecords - ramConsumed is the source's RAM stream length.
	ramConsumed uint32

	// diskConsumed counts acknowledged records at the head of this source's
	// spool-file list whose file could not be unlinked yet because the
	// acknowledgement ended mid-file.
	diskConsumed uint32

	// reverted marks a NACKed run: the next read starts at the stream head
	// again instead of skipping PendingCount records, and re-marks the run.
	reverted bool
}

// cursorPos resolves the source's RAM cursor to a concrete chain position,
// substituting the shared head for an unbound cursor and clamping TSD
// offsets below the header.
func (p *pendingState) cursorPos(m *MMCB) (SectorId, int) {
	if p.PendingStartSector == NullSector {
		return m.RamStartSector, normaliseOffset(m.Kind, m.RamReadOffset)
	}
	return p.PendingStartSector, normaliseOffset(m.Kind, p.PendingStartOffset)
}

// MMCB (Memory Control Block) is the per-sensor state: chain head/tail, the
// shared read cursor, the write cursor, and one pendingState per declared
// upload source. A single mutex guards the whole struct; readers hold the
// sensor lock across an entire read/ack operation and writers hold it for
// the whole append.
type MMCB struct {
	Kind Kind

	RamStartSector SectorId
	RamReadOffset  int
	RamEndSector   SectorId
	RamWriteOffset int

	TotalRecords     uint64
	TotalDiskRecords uint64

	// LastWriteUTC is the UTC millisecond timestamp of the most recent
	// append, used by SensorHealth to flag sensors that have gone quiet.
	LastWriteUTC uint64

	pendingBySource map[Source]*pendingState
}

// newMMCB constructs an empty per-sensor control block. The per-source
// on-disk spool state (file lists, exhaustion flags) lives in the store's
// diskIndex, not here, since it is guarded by the disk-index lock rather
// than this sensor's lock.
func newMMCB(kind Kind, sources []Source) *MMCB {
	m := &MMCB{
		Kind:            kind,
		RamStartSector:  NullSector,
		RamEndSector:    NullSector,
		pendingBySource: make(map[Source]*pendingState, len(sources)),
	}
	for _, s := range sources {
		m.pendingBySource[s] = &pendingState{
			PendingStartSector: NullSector,
		}
	}
	return m
}

func (m *MMCB) pending(src Source) *pendingState {
	p, ok := m.pendingBySource[src]
	if !ok {
		p = &pendingState{PendingStartSector: NullSector}
		m.pendingBySource[src] = p
	}
	return p
}

// hasChain reports whether this sensor currently has a RAM chain (a fully
// drained chain is reset to empty). Must be called with the sensor lock
// held (callers in this package always do).
func (m *MMCB) hasChain() bool {
	return m.RamStartSector != NullSector
}

// appendRecord allocates sectors as needed, writes the record at the tail,
// and advances the write cursor. The pool lock is only held for the brief
// Allocate/SetNext calls inside, never across the whole operation (sensor
// lock before pool lock, never the reverse).
func (m *MMCB) appendRecord(pool *Pool, rec Record) Status {
	stride := strideFor(m.Kind)
	hdr := headerSize(m.Kind)

	freshSector := false
	if m.RamEndSector == NullSector {
		id, st := pool.Allocate()
		if st != StatusSuccess {
			return st
		}
		m.RamEndSector = id
		m.RamWriteOffset = hdr
		freshSector = true

		if m.RamStartSector == NullSector {
			m.RamStartSector = id
			m.RamReadOffset = hdr
		}
	} else if m.RamWriteOffset+stride > SectorPayloadSize {
		id, st := pool.Allocate()
		if st != StatusSuccess {
			return st
		}
		if setSt := pool.SetNext(m.RamEndSector, id); setSt != StatusSuccess {
			pool.Free(id)
			return setSt
		}
		m.RamEndSector = id
		m.RamWriteOffset = hdr
		freshSector = true
	}

	if freshSector && m.Kind == KindTSD {
		var buf [TSDHeaderSize]byte
		binary.LittleEndian.PutUint64(buf[:], rec.UTCMillis)
		if st := pool.Write(m.RamEndSector, 0, buf[:]); st != StatusSuccess {
			return st
		}
	}

	var buf [EVTStride]byte
	if m.Kind == KindTSD {
		binary.LittleEndian.PutUint32(buf[:4], rec.Value)
		if st := pool.Write(m.RamEndSector, m.RamWriteOffset, buf[:4]); st != StatusSuccess {
			return st
		}
	} else {
		binary.LittleEndian.PutUint64(buf[:8], rec.UTCMillis)
		binary.LittleEndian.PutUint32(buf[8:12], rec.Value)
		if st := pool.Write(m.RamEndSector, m.RamWriteOffset, buf[:12]); st != StatusSuccess {
			return st
		}
	}

	m.RamWriteOffset += stride
	m.TotalRecords++
	m.LastWriteUTC = rec.UTCMillis
	return StatusSuccess
}

// readRecordAt reads the record at (sec, off) interpreting it per m.Kind.
// For TSD the base UTC is fetched from the sector's header.
func readRecordAt(pool *Pool, kind Kind, sec SectorId, off int) (Record, Status) {
	if kind == KindTSD {
		var hdr [TSDHeaderSize]byte
		if st := pool.Read(sec, 0, hdr[:]); st != StatusSuccess {
			return Record{}, st
		}
		var val [TSDSampleStride]byte
		if st := pool.Read(sec, off, val[:]); st != StatusSuccess {
			return Record{}, st
		}
		return Record{
			UTCMillis: binary.LittleEndian.Uint64(hdr[:]),
			Value:     binary.LittleEndian.Uint32(val[:]),
		}, StatusSuccess
	}

	var buf [EVTStride]byte
	if st := pool.Read(sec, off, buf[:]); st != StatusSuccess {
		return Record{}, st
	}
	return Record{
		UTCMillis: binary.LittleEndian.Uint64(buf[:8]),
		Value:     binary.LittleEndian.Uint32(buf[8:12]),
	}, StatusSuccess
}

// normaliseOffset clamps a stored offset to the first valid record position
// for the sensor's kind. TSD offsets below the header must never be used as
// a read/write position; this is the single place that invariant is
// enforced when stepping a cursor forward.
func normaliseOffset(kind Kind, off int) int {
	if kind == KindTSD && off < TSDHeaderSize {
		return TSDHeaderSize
	}
	return off
}

// step advances (sec, off) by one record, following chain links via
// get_next when a sector boundary is crossed. Returns the new position and
// false if the chain ended (sec becomes NullSector).
func step(pool *Pool, kind Kind, sec SectorId, off int) (SectorId, int, bool) {
	stride := strideFor(kind)
	off += stride
	if off > SectorPayloadSize-stride {
		next := pool.GetNext(sec)
		if next == NullSector {
			return NullSector, 0, false
		}
		sec = next
		off = headerSize(kind)
	}
	return sec, off, true
}

// recordsPerSector is the record capacity of one full sector for a kind
// (6 for TSD, 2 for EVT with the default geometry). Every non-tail sector
// in a chain is full: appendRecord only links a new sector once the
// previous one cannot fit another record.
func recordsPerSector(k Kind) int {
	return (SectorPayloadSize - headerSize(k)) / strideFor(k)
}

// normalisePos resolves (sec, off) to the next actually-readable record
// position, following chain links across sector boundaries. done is true
// when the position has caught up with the write cursor or run off the
// chain: there is no record to read there (yet).
func (m *MMCB) normalisePos(pool *Pool, sec SectorId, off int) (outSec SectorId, outOff int, done bool) {
	stride := strideFor(m.Kind)
	for {
		if sec == NullSector {
			return sec, off, true
		}
		if sec == m.RamEndSector && off >= m.RamWriteOffset {
			return sec, off, true
		}
		if off+stride <= SectorPayloadSize {
			return sec, off, false
		}
		next := pool.GetNext(sec)
		if next == NullSector {
			return sec, off, true
		}
		sec, off = next, headerSize(m.Kind)
	}
}

// walkChain skips skip records starting at (sec, off), then collects up to
// max records, never reading past the sensor's write cursor. It returns the
// collected records and the final (normalised) position, which callers use
// as the new cursor when the walk was an acknowledgement. A read failure
// mid-walk returns what was collected so far with the failing status.
func walkChain(pool *Pool, m *MMCB, sec SectorId, off int, skip uint32, max int) ([]Record, SectorId, int, Status) {
	var out []Record
	if max > 0 {
		out = make([]Record, 0, max)
	}
	for {
		var done bool
		sec, off, done = m.normalisePos(pool, sec, off)
		if done {
			break
		}
		if skip == 0 && len(out) >= max {
			break
		}
		if skip > 0 {
			skip--
		} else {
			rec, st := readRecordAt(pool, m.Kind, sec, off)
			if st != StatusSuccess {
				return out, sec, off, st
			}
			out = append(out, rec)
		}
		off += strideFor(m.Kind)
	}
	return out, sec, off, StatusSuccess
}
