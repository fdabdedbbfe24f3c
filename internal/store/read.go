// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file implements the per-upload-source read/ACK/NACK protocol:
// HasPendingData, GetNewSampleCount, ReadBulkSamples, EraseAllPending and
// RevertAllPending. The whole sensor lock is held for the duration of each
// of these, so cursor and pending updates are atomic from every other
// caller's point of view.
//
// Every source sees one logical stream per sensor: its own spool files in
// sequence order, followed by the RAM chain from its cursor. The pending
// run is always a prefix of that stream, and the cursor only advances on
// acknowledgement. Reads compute their start position as "stream head
// plus PendingCount records" and leave all state untouched unless they
// fully succeed: a cursor never advances unless data was delivered.
package store

// HasChain reports whether sensor has an in-RAM chain at all. Callers must
// not call GetNewSampleCount/ReadBulkSamples on a chainless sensor, but the
// implementation defends against it anyway.
func (s *Store) HasChain(sensor SensorId) bool {
	has := false
	s.registry.withSensor(sensor, func(m *MMCB) Status {
		has = m.hasChain()
		return StatusSuccess
	})
	return has
}

// HasPendingData reports whether src has any outstanding, unacknowledged
// records for sensor.
func (s *Store) HasPendingData(src Source, sensor SensorId) bool {
	if !s.validSource(src) {
		return false
	}
	pending := false
	s.registry.withSensor(sensor, func(m *MMCB) Status {
		pending = m.pending(src).PendingCount > 0
		return StatusSuccess
	})
	return pending
}

// validSource reports whether src belongs to the closed upload-source set
// this store was configured with. Every consumer-side operation refuses an
// unknown source with InvalidParameter: a bad source tag is a programming
// error, and an unknown source must never grow cursor state, since an
// unbound cursor pins the chain head.
func (s *Store) validSource(src Source) bool {
	return s.sourceSet[src]
}

// diskAvail returns the number of records left in src's spool files past
// the acknowledged head, short-circuiting through the exhaustion flag so
// an empty backlog never costs more than one map lookup.
func (s *Store) diskAvail(sensor SensorId, src Source, p *pendingState) uint32 {
	if s.disk.isExhausted(sensor, src) {
		return 0
	}
	total := s.disk.totalRecords(sensor, src)
	if p.diskConsumed >= total {
		return 0
	}
	return total - p.diskConsumed
}

// availableTo computes how many records a ReadBulkSamples call for src
// would deliver right now: the source's whole stream minus the records it
// would skip (the pending run, unless a NACK made it re-readable).
// Must be called with the sensor lock held.
func (s *Store) availableTo(m *MMCB, src Source, sensor SensorId) uint64 {
	p := m.pending(src)
	disk := uint64(s.diskAvail(sensor, src, p))
	if !m.hasChain() && disk == 0 {
		return 0
	}
	ram := m.TotalRecords - minU64(m.TotalRecords, uint64(p.ramConsumed))
	stream := disk + ram
	skip := uint64(p.PendingCount)
	if p.reverted {
		skip = 0
	}
	if stream <= skip {
		return 0
	}
	return stream - skip
}

// GetNewSampleCount returns the number of records available to src that
// are not already pending. A NACKed (and not
// yet re-read) run counts as available again, so the upload cycle's
// "count > 0, then read" loop naturally retries it.
func (s *Store) GetNewSampleCount(src Source, sensor SensorId) (uint32, Status) {
	if !s.validSource(src) {
		return 0, StatusInvalidParameter
	}
	var n uint32
	st := s.registry.withSensor(sensor, func(m *MMCB) Status {
		n = uint32(s.availableTo(m, src, sensor))
		return StatusSuccess
	})
	if st != StatusSuccess {
		return 0, st
	}
	return n, StatusSuccess
}

// ReadBulkSamples returns new records for src — the stream past the
// pending run, or the pending run itself again after a revert — capped at
// max, oldest (disk) records first. Pending state is only updated on a
// full Success; a Partial or NoData outcome leaves the source's cursor and
// pending run exactly as they were, so the caller can retry next cycle.
func (s *Store) ReadBulkSamples(src Source, sensor SensorId, max int) ([]Record, Status) {
	if max <= 0 || !s.validSource(src) {
		return nil, StatusInvalidParameter
	}

	var out []Record
	status := StatusNoData
	st := s.registry.withSensor(sensor, func(m *MMCB) Status {
		p := m.pending(src)

		expected := s.availableTo(m, src, sensor)
		if expected == 0 {
			status = StatusNoData
			return StatusSuccess
		}
		if uint64(max) < expected {
			expected = uint64(max)
		}

		skip := uint64(p.PendingCount)
		if p.reverted {
			skip = 0
		}

		collected := make([]Record, 0, expected)
		readSt := StatusSuccess

		disk := uint64(s.diskAvail(sensor, src, p))
		if skip < disk {
			recs, dst := s.readDiskStream(sensor, src, p.diskConsumed+uint32(skip), int(expected))
			collected = append(collected, recs...)
			readSt = dst
			skip = 0
		} else {
			skip -= disk
		}

		if readSt == StatusSuccess && uint64(len(collected)) < expected && m.hasChain() {
			sec, off := p.cursorPos(m)
			recs, _, _, rst := walkChain(s.pool, m, sec, off, uint32(skip), int(expected)-len(collected))
			collected = append(collected, recs...)
			readSt = rst
		}

		out = collected
		if len(collected) == 0 {
			status = StatusPartial
			return StatusSuccess
		}
		if uint64(len(collected)) < expected || readSt != StatusSuccess {
			status = StatusPartial
			return StatusSuccess
		}

		// Fully delivered: mark the run. The cursor binds to the chain head
		// on first use so the pending run's RAM head is pinned against
		// reclaim; it does not advance here — it still marks the head of the
		// (now longer) pending run.
		if p.PendingStartSector == NullSector && m.hasChain() {
			p.PendingStartSector = m.RamStartSector
			p.PendingStartOffset = normaliseOffset(m.Kind, m.RamReadOffset)
		}
		if p.reverted {
			p.PendingCount = uint32(len(collected))
			p.reverted = false
		} else {
			p.PendingCount += uint32(len(collected))
		}
		status = StatusSuccess
		return StatusSuccess
	})
	if st != StatusSuccess {
		return nil, st
	}
	return out, status
}

// readDiskStream collects up to max records from src's spool files,
// skipping the first skip records of the file list. Skipping and delivery
// are record-granular: a source whose pending run ends mid-file resumes
// exactly one record later, not one file later. A file that fails to read
// aborts the walk with Partial and must not mark the source exhausted.
func (s *Store) readDiskStream(sensor SensorId, src Source, skip uint32, max int) ([]Record, Status) {
	files := s.disk.list(sensor, src)
	out := make([]Record, 0, max)
	for _, f := range files {
		if len(out) >= max {
			break
		}
		if uint32(f.records) <= skip {
			skip -= uint32(f.records)
			continue
		}
		recs, st := readSpoolFile(f.path)
		if st != StatusSuccess {
			return out, StatusPartial
		}
		recs = recs[skip:]
		skip = 0
		if room := max - len(out); len(recs) > room {
			recs = recs[:room]
		}
		out = append(out, recs...)
	}
	return out, StatusSuccess
}

// EraseAllPending is the ACK: it permanently discards src's pending run.
// Acknowledged spool files are unlinked once fully
// covered; the RAM portion advances the source's cursor, after which any
// chain-head sector no source still needs goes back to the pool.
func (s *Store) EraseAllPending(src Source, sensor SensorId) Status {
	if !s.validSource(src) {
		return StatusInvalidParameter
	}
	return s.registry.withSensor(sensor, func(m *MMCB) Status {
		p := m.pending(src)
		if p.PendingCount == 0 {
			p.reverted = false
			return StatusSuccess
		}

		ackDisk := minU32(p.PendingCount, s.diskAvail(sensor, src, p))
		if ackDisk > 0 {
			p.diskConsumed = s.disk.ackRecords(sensor, src, p.diskConsumed+ackDisk)
			s.refreshDiskRecords(m, sensor)
		}

		if ackRAM := p.PendingCount - ackDisk; ackRAM > 0 && m.hasChain() {
			sec, off := p.cursorPos(m)
			_, endSec, endOff, _ := walkChain(s.pool, m, sec, off, ackRAM, 0)
			p.PendingStartSector = endSec
			p.PendingStartOffset = endOff
			p.ramConsumed += ackRAM
		}

		p.PendingCount = 0
		p.reverted = false
		s.reclaimSectors(m)
		return StatusSuccess
	})
}

// reclaimSectors frees every chain-head sector that every source has moved
// past, then — once the whole chain is acknowledged by everyone — releases
// the tail too and resets the chain to empty, so a fully drained sensor
// holds zero sectors. Must be called with the sensor lock held.
func (s *Store) reclaimSectors(m *MMCB) {
	perSector := uint32(recordsPerSector(m.Kind))
	for m.RamStartSector != NullSector && m.RamStartSector != m.RamEndSector {
		if s.sectorStillNeeded(m, m.RamStartSector) {
			return
		}
		next := s.pool.GetNext(m.RamStartSector)
		s.pool.Free(m.RamStartSector)
		m.RamStartSector = next
		m.RamReadOffset = headerSize(m.Kind)
		m.TotalRecords -= minU64(m.TotalRecords, uint64(perSector))
		for _, p := range m.pendingBySource {
			p.ramConsumed -= minU32(p.ramConsumed, perSector)
		}
	}

	if m.RamStartSector != NullSector && s.chainFullyConsumed(m) {
		s.pool.Free(m.RamStartSector)
		m.RamStartSector = NullSector
		m.RamEndSector = NullSector
		m.RamReadOffset = 0
		m.RamWriteOffset = 0
		m.TotalRecords = 0
		for _, p := range m.pendingBySource {
			p.PendingStartSector = NullSector
			p.PendingStartOffset = 0
			p.ramConsumed = 0
		}
	}
}

// sectorStillNeeded reports whether any source's cursor is still at sec.
// An unbound cursor sits at the chain head by definition, so a source that
// has never read keeps the whole chain alive until spillover evacuates it
// with a disk copy of its own: a sector stays live until the slowest
// source is past it.
func (s *Store) sectorStillNeeded(m *MMCB, sec SectorId) bool {
	for _, p := range m.pendingBySource {
		if p.PendingStartSector == NullSector || p.PendingStartSector == sec {
			return true
		}
	}
	return false
}

// chainFullyConsumed reports whether every source has acknowledged every
// record in the chain: no pending runs, and every cursor has caught up
// with the write cursor. Only then may the tail sector be released.
func (s *Store) chainFullyConsumed(m *MMCB) bool {
	for _, p := range m.pendingBySource {
		if p.PendingCount > 0 {
			return false
		}
		if p.PendingStartSector != m.RamEndSector {
			return false
		}
		if p.PendingStartOffset < m.RamWriteOffset {
			return false
		}
	}
	return true
}

// RevertAllPending is the NACK: it makes the pending run re-readable.
// PendingCount and the cursor stay untouched — the next ReadBulkSamples
// starts back at the stream head, re-delivers the run (plus anything
// newer, up to max) and re-marks it. Calling it twice, or with nothing
// pending, is a harmless no-op.
func (s *Store) RevertAllPending(src Source, sensor SensorId) Status {
	if !s.validSource(src) {
		return StatusInvalidParameter
	}
	return s.registry.withSensor(sensor, func(m *MMCB) Status {
		p := m.pending(src)
		if p.PendingCount > 0 {
			p.reverted = true
		}
		return StatusSuccess
	})
}

// refreshDiskRecords recomputes the sensor's TotalDiskRecords after spool
// files were added or unlinked. With one spool copy per source, "records
// currently held on disk" is pinned to the most-behind source: the largest
// per-source backlog is exactly what local disk must still retain.
func (s *Store) refreshDiskRecords(m *MMCB, sensor SensorId) {
	var most uint32
	for _, src := range s.sources {
		if n := s.disk.totalRecords(sensor, src); n > most {
			most = n
		}
	}
	m.TotalDiskRecords = uint64(most)
}

func minU64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func minU32(a, b uint32) uint32 {
	if a < b {
		return a
	}
	return b
}
