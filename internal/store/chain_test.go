// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import "testing"

// ─── Chain / MMCB ───────────────────────────────────────────────────────────

// TestAppendRecordTSDRoundTrip verifies that appended TSD samples can be
// read back in order with the shared per-sector base UTC.
func TestAppendRecordTSDRoundTrip(t *testing.T) {
	pool := NewPool(4)
	m := newMMCB(KindTSD, []Source{SourceGateway})

	for i := 0; i < TSDSamplesPerSector+2; i++ {
		rec := Record{UTCMillis: 1000, Value: uint32(i)}
		if st := m.appendRecord(pool, rec); st != StatusSuccess {
			t.Fatalf("appendRecord(%d) = %s, want Success", i, st)
		}
	}

	sec, off := m.RamStartSector, m.RamReadOffset
	for i := 0; i < TSDSamplesPerSector+2; i++ {
		rec, st := readRecordAt(pool, KindTSD, sec, off)
		if st != StatusSuccess {
			t.Fatalf("readRecordAt(%d) = %s, want Success", i, st)
		}
		if rec.Value != uint32(i) {
			t.Errorf("record %d value = %d, want %d", i, rec.Value, i)
		}
		if rec.UTCMillis != 1000 {
			t.Errorf("record %d utc = %d, want 1000", i, rec.UTCMillis)
		}
		var ok bool
		sec, off, ok = step(pool, KindTSD, sec, off)
		if !ok && i != TSDSamplesPerSector+1 {
			t.Fatalf("step() ended chain early at record %d", i)
		}
	}
}

// TestAppendRecordEVTRoundTrip verifies EVT records carry their own UTC per
// record, unlike TSD's shared per-sector header.
func TestAppendRecordEVTRoundTrip(t *testing.T) {
	pool := NewPool(4)
	m := newMMCB(KindEVT, []Source{SourceGateway})

	for i := 0; i < 5; i++ {
		rec := Record{UTCMillis: uint64(2000 + i), Value: uint32(i * 10)}
		if st := m.appendRecord(pool, rec); st != StatusSuccess {
			t.Fatalf("appendRecord(%d) = %s, want Success", i, st)
		}
	}

	sec, off := m.RamStartSector, m.RamReadOffset
	for i := 0; i < 5; i++ {
		rec, st := readRecordAt(pool, KindEVT, sec, off)
		if st != StatusSuccess {
			t.Fatalf("readRecordAt(%d) = %s, want Success", i, st)
		}
		if rec.UTCMillis != uint64(2000+i) || rec.Value != uint32(i*10) {
			t.Errorf("record %d = {%d %d}, want {%d %d}", i, rec.UTCMillis, rec.Value, 2000+i, i*10)
		}
		sec, off, _ = step(pool, KindEVT, sec, off)
	}
}

// TestAppendRecordNoSpace verifies appendRecord surfaces StatusNoSpace
// instead of panicking once the pool is exhausted mid-chain.
func TestAppendRecordNoSpace(t *testing.T) {
	pool := NewPool(1)
	m := newMMCB(KindEVT, []Source{SourceGateway})

	for i := 0; i < SectorPayloadSize/EVTStride; i++ {
		if st := m.appendRecord(pool, Record{UTCMillis: 1, Value: 1}); st != StatusSuccess {
			t.Fatalf("appendRecord(%d) = %s, want Success", i, st)
		}
	}
	if st := m.appendRecord(pool, Record{UTCMillis: 1, Value: 1}); st != StatusNoSpace {
		t.Fatalf("appendRecord() on exhausted pool = %s, want NoSpace", st)
	}
}

// TestNormaliseOffsetClampsTSDHeader verifies offsets below the TSD header
// are never treated as a valid record position.
func TestNormaliseOffsetClampsTSDHeader(t *testing.T) {
	if got := normaliseOffset(KindTSD, 0); got != TSDHeaderSize {
		t.Errorf("normaliseOffset(TSD, 0) = %d, want %d", got, TSDHeaderSize)
	}
	if got := normaliseOffset(KindEVT, 0); got != 0 {
		t.Errorf("normaliseOffset(EVT, 0) = %d, want 0", got)
	}
}
