// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file implements RAM-pressure spillover: once the sector pool's
// free-list falls below a configured threshold, the oldest sector of the
// sensor holding the most RAM records is serialised to disk and freed.
// Because each upload source gets its own spool directory, evacuating one
// sector writes one spool file per source that still needs
// any of it — holding exactly the records that source has not yet
// acknowledged, so a source never finds its own acknowledged data back on
// disk.
package store

import (
	"sync/atomic"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// sectorRecords decodes every record in a full (non-tail) sector. Non-tail
// sectors are always full: the write path only links a new sector once the
// previous one cannot fit another record.
func sectorRecords(pool *Pool, kind Kind, sec SectorId) []Record {
	stride := strideFor(kind)
	hdr := headerSize(kind)
	out := make([]Record, 0, recordsPerSector(kind))
	for off := hdr; off+stride <= SectorPayloadSize; off += stride {
		rec, st := readRecordAt(pool, kind, sec, off)
		if st != StatusSuccess {
			break
		}
		out = append(out, rec)
	}
	return out
}

// migrateOneSector evacuates the head sector of sensor's chain to disk, if
// the chain has more than one sector (the tail is never migrated: it is
// still being appended to). For each source whose cursor is still at the
// head, the not-yet-acknowledged suffix of the sector is written to that
// source's spool and its cursor advanced past the sector; once every
// cursor is clear of it, reclaimSectors hands the sector back to the pool.
// A failed spool write leaves that source's cursor in place, which keeps
// the sector in RAM and makes the whole operation retryable.
func (s *Store) migrateOneSector(sensor SensorId) bool {
	migrated := false
	s.registry.withSensor(sensor, func(m *MMCB) Status {
		if m.RamStartSector == NullSector || m.RamStartSector == m.RamEndSector {
			return StatusSuccess
		}
		sec := m.RamStartSector
		recs := sectorRecords(s.pool, m.Kind, sec)
		if len(recs) == 0 {
			return StatusSuccess
		}
		next := s.pool.GetNext(sec)
		hdr := headerSize(m.Kind)
		stride := strideFor(m.Kind)

		wroteAny := false
		for _, src := range s.sources {
			p := m.pending(src)
			consumed := 0
			switch {
			case p.PendingStartSector == NullSector:
				// Unbound cursor: logically at the head, needs the whole sector.
			case p.PendingStartSector == sec:
				consumed = (normaliseOffset(m.Kind, p.PendingStartOffset) - hdr) / stride
			default:
				continue // already past this sector
			}
			if consumed >= len(recs) {
				// The cursor sits on the sector's end boundary: everything in
				// it is acknowledged, nothing to spill — just step the cursor
				// clear so the sector can be reclaimed.
				p.PendingStartSector = next
				p.PendingStartOffset = hdr
				continue
			}
			if _, err := s.disk.addFile(sensor, src, m.Kind, recs[consumed:]); err != nil {
				cclog.Warnf("[MM2STORE]> spillover: write spool file for sensor %d source %s: %v", sensor, src, err)
				continue
			}
			wroteAny = true
			// The evacuated records are this source's responsibility on disk
			// now; its RAM stream resumes at the next sector.
			p.PendingStartSector = next
			p.PendingStartOffset = hdr
			p.ramConsumed += uint32(len(recs) - consumed)
		}
		if wroteAny {
			s.refreshDiskRecords(m, sensor)
		}

		before := m.RamStartSector
		s.reclaimSectors(m)
		if m.RamStartSector != before {
			atomic.AddUint64(&s.migrations, 1)
			migrated = true
		}
		return StatusSuccess
	})
	return migrated
}

// spilloverThresholdHit reports whether the pool's free fraction has
// fallen below pct percent of capacity.
func spilloverThresholdHit(pool *Pool, pct int) bool {
	capacity := pool.Capacity()
	if capacity == 0 {
		return false
	}
	free := pool.FreeCount()
	return free*100 < capacity*pct
}

// RunSpilloverSweep migrates sectors from the busiest sensors until the
// pool is back above threshold or no sensor has anything left to give up.
// This is the body of the background tiering task; it is safe to call
// repeatedly (idempotent no-op once the pool is healthy) and holds no
// lock across the whole sweep, only per sensor.
func (s *Store) RunSpilloverSweep() {
	for spilloverThresholdHit(s.pool, s.spilloverThresholdPct) {
		progress := false
		for _, sensor := range s.sensorsByLoad() {
			if s.migrateOneSector(sensor) {
				progress = true
				break
			}
		}
		if !progress {
			return
		}
	}
}

// sensorsByLoad returns the registered sensors ordered by RAM record
// count, fullest first — the natural migration candidates under pressure.
// Sensors with an empty chain are omitted.
func (s *Store) sensorsByLoad() []SensorId {
	type load struct {
		id    SensorId
		count uint64
	}
	loads := make([]load, 0)
	for _, id := range s.registry.ids() {
		var count uint64
		s.registry.withSensor(id, func(m *MMCB) Status {
			count = m.TotalRecords
			return StatusSuccess
		})
		if count > 0 {
			loads = append(loads, load{id, count})
		}
	}
	for i := 1; i < len(loads); i++ {
		for j := i; j > 0 && loads[j].count > loads[j-1].count; j-- {
			loads[j], loads[j-1] = loads[j-1], loads[j]
		}
	}
	out := make([]SensorId, len(loads))
	for i, l := range loads {
		out[i] = l.id
	}
	return out
}
