// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"os"
	"path/filepath"
	"testing"
)

// ─── Power-fail recovery ────────────────────────────────────────────────────

// TestRecoveryAfterSpillover is the spillover-then-restart cycle: records
// migrated to disk survive a process death and are delivered, in order,
// before anything written after the restart.
func TestRecoveryAfterSpillover(t *testing.T) {
	dir := t.TempDir()
	opts := Options{
		SectorCount: 8,
		Sources:     []Source{SourceGateway},
		SensorKinds: map[SensorId]Kind{1: KindEVT},
		SpoolDir:    dir,
	}

	s1, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	for i := 0; i < 6; i++ {
		s1.WriteEVT(1, uint32(i), uint64(i))
	}
	if !s1.migrateOneSector(1) {
		t.Fatal("migrateOneSector() = false, want true")
	}
	// Process dies here: s1 is simply abandoned, RAM contents lost.

	s2, err := New(opts)
	if err != nil {
		t.Fatalf("New() after restart error = %v", err)
	}
	n, st := s2.GetNewSampleCount(SourceGateway, 1)
	if st != StatusSuccess || n != 2 {
		t.Fatalf("GetNewSampleCount() after restart = (%d, %s), want (2, Success)", n, st)
	}

	s2.WriteEVT(1, 100, 100)
	recs, st := s2.ReadBulkSamples(SourceGateway, 1, 10)
	if st != StatusSuccess || len(recs) != 3 {
		t.Fatalf("ReadBulkSamples() after restart = (%d, %s), want (3, Success)", len(recs), st)
	}
	if recs[0].Value != 0 || recs[1].Value != 1 || recs[2].Value != 100 {
		t.Errorf("values = [%d %d %d], want [0 1 100] (spooled records first)", recs[0].Value, recs[1].Value, recs[2].Value)
	}
}

// TestRecoveryQuarantinesCorruptFile: a file that fails its checksum at
// startup is moved to quarantine/ and treated as absent.
func TestRecoveryQuarantinesCorruptFile(t *testing.T) {
	dir := t.TempDir()
	good := spoolPath(dir, SourceGateway, 1, 0)
	bad := spoolPath(dir, SourceGateway, 1, 1)
	if err := writeSpoolFileAtomic(good, KindEVT, []Record{{UTCMillis: 1, Value: 10}}); err != nil {
		t.Fatalf("writeSpoolFileAtomic: %v", err)
	}
	if err := writeSpoolFileAtomic(bad, KindEVT, []Record{{UTCMillis: 2, Value: 20}}); err != nil {
		t.Fatalf("writeSpoolFileAtomic: %v", err)
	}
	data, _ := os.ReadFile(bad)
	data[len(data)-1] ^= 0xFF
	os.WriteFile(bad, data, 0o640)

	s, err := New(Options{
		SectorCount: 4,
		Sources:     []Source{SourceGateway},
		SensorKinds: map[SensorId]Kind{1: KindEVT},
		SpoolDir:    dir,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if n, _ := s.GetNewSampleCount(SourceGateway, 1); n != 1 {
		t.Errorf("GetNewSampleCount() = %d, want 1 (corrupt file excluded)", n)
	}
	if _, err := os.Stat(filepath.Join(dir, "quarantine", filepath.Base(bad))); err != nil {
		t.Errorf("corrupt file not quarantined: %v", err)
	}
	if _, err := os.Stat(bad); !os.IsNotExist(err) {
		t.Errorf("corrupt file still at original path %s", bad)
	}
}

// TestRecoveryRemovesStaleTempFile: a crash between temp write and rename
// leaves a .tmp file; recovery deletes it and indexes nothing.
func TestRecoveryRemovesStaleTempFile(t *testing.T) {
	dir := t.TempDir()
	tmp := spoolPath(dir, SourceGateway, 1, 0) + ".tmp"
	if err := os.MkdirAll(filepath.Dir(tmp), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(tmp, []byte("half-written"), 0o640); err != nil {
		t.Fatalf("write temp file: %v", err)
	}

	s, err := New(Options{
		SectorCount: 4,
		Sources:     []Source{SourceGateway},
		SensorKinds: map[SensorId]Kind{1: KindEVT},
		SpoolDir:    dir,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := os.Stat(tmp); !os.IsNotExist(err) {
		t.Errorf("stale temp file still present")
	}
	if n, _ := s.GetNewSampleCount(SourceGateway, 1); n != 0 {
		t.Errorf("GetNewSampleCount() = %d, want 0", n)
	}
}

// TestRecoveryOrderIndependence: the rebuilt index must order files by
// sequence number regardless of directory enumeration order, so reads
// after restart are FIFO.
func TestRecoveryOrderIndependence(t *testing.T) {
	dir := t.TempDir()
	// Sequence numbers whose lexicographic and numeric orders disagree.
	for _, seq := range []uint64{10, 2, 1} {
		rec := Record{UTCMillis: seq, Value: uint32(seq)}
		if err := writeSpoolFileAtomic(spoolPath(dir, SourceGateway, 1, seq), KindEVT, []Record{rec}); err != nil {
			t.Fatalf("writeSpoolFileAtomic(seq %d): %v", seq, err)
		}
	}

	s, err := New(Options{
		SectorCount: 4,
		Sources:     []Source{SourceGateway},
		SensorKinds: map[SensorId]Kind{1: KindEVT},
		SpoolDir:    dir,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	recs, st := s.ReadBulkSamples(SourceGateway, 1, 10)
	if st != StatusSuccess || len(recs) != 3 {
		t.Fatalf("ReadBulkSamples() = (%d, %s), want (3, Success)", len(recs), st)
	}
	if recs[0].Value != 1 || recs[1].Value != 2 || recs[2].Value != 10 {
		t.Errorf("values = [%d %d %d], want [1 2 10] (ascending sequence)", recs[0].Value, recs[1].Value, recs[2].Value)
	}

	// New spool files must continue the sequence, not collide with it.
	if _, err := s.disk.addFile(1, SourceGateway, KindEVT, []Record{{UTCMillis: 99, Value: 99}}); err != nil {
		t.Fatalf("addFile: %v", err)
	}
	files := s.disk.list(1, SourceGateway)
	if files[len(files)-1].seq != 11 {
		t.Errorf("next sequence = %d, want 11", files[len(files)-1].seq)
	}
}

// TestRecoveryKeepsFilesForRetiredSources: a spool directory whose tag no
// longer matches any configured source is still indexed under that tag,
// not silently dropped.
func TestRecoveryKeepsFilesForRetiredSources(t *testing.T) {
	dir := t.TempDir()
	retired := Source("legacy")
	if err := writeSpoolFileAtomic(spoolPath(dir, retired, 1, 0), KindEVT, []Record{{UTCMillis: 1, Value: 1}}); err != nil {
		t.Fatalf("writeSpoolFileAtomic: %v", err)
	}

	s, err := New(Options{
		SectorCount: 4,
		Sources:     []Source{SourceGateway},
		SensorKinds: map[SensorId]Kind{1: KindEVT},
		SpoolDir:    dir,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if files := s.disk.list(1, retired); len(files) != 1 {
		t.Errorf("retired source files = %d, want 1", len(files))
	}
}
