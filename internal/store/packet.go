// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file implements packet gating: the store supplies a per-packet
// companion structure so the upload collaborator's FSM never has to guess
// which sensors actually made it into a packet before deciding which ones
// to ACK or NACK.
package store

// Packet tracks, for one upload cycle of one source, which sensors
// actually contributed records. A sensor that returned zero or partial
// data is never recorded here, so EraseAllPending/RevertAllPending are
// never called for it — the store's own bookkeeping makes "which sensors
// were in this packet" unambiguous.
type Packet struct {
	src   Source
	added map[SensorId]int
}

// BeginPacket opens a new packet-in-use scope for src. The caller must
// eventually call Commit exactly once.
func (s *Store) BeginPacket(src Source) *Packet {
	return &Packet{src: src, added: make(map[SensorId]int)}
}

// AddSensor reads up to max new records for sensor and, only on a full
// Success (never on NoData or Partial), includes the sensor in the
// packet. It returns the records so the caller can serialise them onto
// the wire; the store itself has no opinion on wire format.
func (p *Packet) AddSensor(s *Store, sensor SensorId, max int) ([]Record, Status) {
	if s.GetNewSampleCountOrZero(p.src, sensor) == 0 {
		return nil, StatusNoData
	}
	recs, st := s.ReadBulkSamples(p.src, sensor, max)
	if st == StatusSuccess && len(recs) > 0 {
		p.added[sensor] = len(recs)
	}
	return recs, st
}

// GetNewSampleCountOrZero is a convenience wrapper around
// Store.GetNewSampleCount that collapses a bad Status to zero, for the
// packet-building loop's count-then-read guard.
func (s *Store) GetNewSampleCountOrZero(src Source, sensor SensorId) uint32 {
	n, st := s.GetNewSampleCount(src, sensor)
	if st != StatusSuccess {
		return 0
	}
	return n
}

// Sensors returns the sensors that actually contributed to this packet,
// in no particular order.
func (p *Packet) Sensors() []SensorId {
	out := make([]SensorId, 0, len(p.added))
	for id := range p.added {
		out = append(out, id)
	}
	return out
}

// Commit closes the packet-in-use scope. On ack, every included sensor is
// acknowledged (EraseAllPending); on a negative ack, every included
// sensor is reverted (RevertAllPending). Sensors omitted from the packet
// get neither call.
func (p *Packet) Commit(s *Store, ack bool) {
	for sensor := range p.added {
		if ack {
			s.EraseAllPending(p.src, sensor)
		} else {
			s.RevertAllPending(p.src, sensor)
		}
	}
	p.added = nil
}
