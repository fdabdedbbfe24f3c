// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file implements the producer-side API: WriteTSD and WriteEVT. Both
// append to the sensor's chain tail, allocating sectors as needed. The
// write path runs a spillover sweep only when an append fails with
// NoSpace; threshold-driven spillover is left to the background sweep.
package store

import "sync/atomic"

// WriteTSD appends one time-series sample to sensor's chain. The sensor
// must have been registered as KindTSD.
func (s *Store) WriteTSD(sensor SensorId, value uint32, utcMillis uint64) Status {
	return s.write(sensor, KindTSD, Record{UTCMillis: utcMillis, Value: value})
}

// WriteEVT appends one event record to sensor's chain. The sensor must
// have been registered as KindEVT.
func (s *Store) WriteEVT(sensor SensorId, value uint32, utcMillis uint64) Status {
	return s.write(sensor, KindEVT, Record{UTCMillis: utcMillis, Value: value})
}

func (s *Store) write(sensor SensorId, kind Kind, rec Record) Status {
	st := s.registry.withSensor(sensor, func(m *MMCB) Status {
		if m.Kind != kind {
			return StatusInvalidParameter
		}
		return m.appendRecord(s.pool, rec)
	})
	switch st {
	case StatusInvalidParameter:
		return st
	case StatusNoSpace:
		// NoSpace triggers spillover; if it cannot free anything the write
		// is reported lost and the drop counter increments. Spillover here
		// is a best-effort immediate attempt, not a guarantee.
		s.RunSpilloverSweep()
		retry := s.registry.withSensor(sensor, func(m *MMCB) Status {
			return m.appendRecord(s.pool, rec)
		})
		if retry != StatusSuccess {
			atomic.AddUint64(&s.droppedWrites, 1)
			return StatusNoSpace
		}
		return StatusSuccess
	default:
		return st
	}
}
