// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file implements the disk-index lock and the per-(source, sensor)
// ordered spool-file lists. Each upload source gets its own spool
// directory ("{base}/{src_tag}/sensor_{id}_seq_{n}.dat"), so migration of
// one RAM sector produces one independent copy per source: a source's
// disk backlog is exactly as self-contained as its RAM pending run, which
// is what keeps ACK/NACK of one source from touching another's on-disk
// data.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/ClusterCockpit/mm2store/internal/spool"
)

type sensorSourceKey struct {
	sensor SensorId
	src    Source
}

// diskFile is one not-yet-acknowledged spool file for a (source, sensor)
// pair. The list is kept in ascending seq order, oldest first, matching
// the chain's own FIFO order.
type diskFile struct {
	seq     uint64
	path    string
	records int
}

// diskIndex owns the per-(source, sensor) spool file lists, the exhaustion
// flags, and the next-sequence counters. Its mutex is "the disk-index
// lock": acquired independently of any sensor lock, and code that needs
// both must take the sensor lock first (sensor, then pool, then
// disk-index).
type diskIndex struct {
	mu      sync.Mutex
	base    string
	files   map[sensorSourceKey][]diskFile
	nextSeq map[sensorSourceKey]uint64

	// mirror optionally receives a copy of every spool file that leaves
	// the index, whether by acknowledgement or quarantine, so a cold-tier
	// audit trail survives local deletion.
	mirror spool.Target
}

func newDiskIndex(base string, mirror spool.Target) *diskIndex {
	return &diskIndex{
		base:    base,
		files:   make(map[sensorSourceKey][]diskFile),
		nextSeq: make(map[sensorSourceKey]uint64),
		mirror:  mirror,
	}
}

// mirrorFile best-effort uploads path's current contents to the
// configured cold-tier mirror before the caller deletes or quarantines
// it. Failures are logged, never propagated: losing the cold-tier copy
// is not a reason to refuse an ACK or to leave a corrupt file in place.
func (d *diskIndex) mirrorFile(path string) {
	if d.mirror == nil {
		return
	}
	data, err := os.ReadFile(path)
	if err != nil {
		cclog.Warnf("[MM2STORE]> mirror: read %s: %v", path, err)
		return
	}
	if err := d.mirror.WriteFile(filepath.Base(path), data); err != nil {
		cclog.Warnf("[MM2STORE]> mirror: upload %s: %v", path, err)
	}
}

// addFile serialises records to a new spool file for (src, sensor) using
// the crash-safe write-temp/fsync/rename path and registers it in the
// index. Called with the sensor lock held by the caller, so the file
// write happens under that lock; spillover writes the file while the
// sector is still linked in the chain and unlinks it afterwards. The
// disk-index lock is this index's own.
func (d *diskIndex) addFile(sensor SensorId, src Source, kind Kind, records []Record) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	d.mu.Lock()
	key := sensorSourceKey{sensor, src}
	seq := d.nextSeq[key]
	d.nextSeq[key] = seq + 1
	d.mu.Unlock()

	path := spoolPath(d.base, src, sensor, seq)
	if err := writeSpoolFileAtomic(path, kind, records); err != nil {
		return "", err
	}

	d.mu.Lock()
	d.files[key] = append(d.files[key], diskFile{seq: seq, path: path, records: len(records)})
	d.mu.Unlock()
	return path, nil
}

// recoverFile registers an already-on-disk spool file discovered at
// startup, without writing anything. Files are added out of order
// during the directory walk and sorted once the whole tree has been
// scanned (see recovery.go).
func (d *diskIndex) recoverFile(sensor SensorId, src Source, seq uint64, path string, records int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := sensorSourceKey{sensor, src}
	d.files[key] = append(d.files[key], diskFile{seq: seq, path: path, records: records})
	if seq >= d.nextSeq[key] {
		d.nextSeq[key] = seq + 1
	}
}

// sortAll orders every (source, sensor) file list by ascending sequence
// number, making recovery's result independent of filesystem walk order.
func (d *diskIndex) sortAll() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, list := range d.files {
		sortDiskFiles(list)
		d.files[key] = list
	}
}

func sortDiskFiles(list []diskFile) {
	for i := 1; i < len(list); i++ {
		for j := i; j > 0 && list[j].seq < list[j-1].seq; j-- {
			list[j], list[j-1] = list[j-1], list[j]
		}
	}
}

// list returns a snapshot of the not-yet-acknowledged files for
// (sensor, src), oldest first.
func (d *diskIndex) list(sensor SensorId, src Source) []diskFile {
	d.mu.Lock()
	defer d.mu.Unlock()
	srcFiles := d.files[sensorSourceKey{sensor, src}]
	out := make([]diskFile, len(srcFiles))
	copy(out, srcFiles)
	return out
}

// totalRecords sums the records still tracked (delivered-pending or
// brand new) for (sensor, src).
func (d *diskIndex) totalRecords(sensor SensorId, src Source) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	var n uint32
	for _, f := range d.files[sensorSourceKey{sensor, src}] {
		n += uint32(f.records)
	}
	return n
}

// isExhausted reports whether (sensor, src) has no tracked spool files at
// all — the fast path that keeps filesystem calls off the hot read path.
func (d *diskIndex) isExhausted(sensor SensorId, src Source) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.files[sensorSourceKey{sensor, src}]) == 0
}

// ackRecords advances src's acknowledged-record mark to consumed records
// from the head of its file list, unlinking every file the mark fully
// covers, and returns the leftover count (an acknowledgement that ended
// mid-file — the file stays until a later ACK covers the rest). Unlinks
// happen after the index lock is dropped; a failed unlink leaves an
// orphaned file on disk, which is a cleanup nuisance, not a correctness
// problem (the records are acknowledged and will never be read again).
func (d *diskIndex) ackRecords(sensor SensorId, src Source, consumed uint32) uint32 {
	key := sensorSourceKey{sensor, src}
	var drop []diskFile
	d.mu.Lock()
	list := d.files[key]
	for len(list) > 0 && consumed >= uint32(list[0].records) {
		consumed -= uint32(list[0].records)
		drop = append(drop, list[0])
		list = list[1:]
	}
	d.files[key] = list
	d.mu.Unlock()

	for _, f := range drop {
		d.mirrorFile(f.path)
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			cclog.Warnf("[MM2STORE]> unlink acknowledged spool file %s: %v", f.path, err)
		}
	}
	return consumed
}

// dropFile removes (sensor, src)'s record of path from the index without
// touching the filesystem, for callers that have already relocated the
// file themselves (e.g. moveToQuarantine).
func (d *diskIndex) dropFile(sensor SensorId, src Source, path string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := sensorSourceKey{sensor, src}
	list := d.files[key]
	for i, f := range list {
		if f.path == path {
			d.files[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
}

// clearAll removes every spool file and resets the index, backing the
// store-wide ClearAllHistory administrative operation.
func (d *diskIndex) clearAll() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files = make(map[sensorSourceKey][]diskFile)
	d.nextSeq = make(map[sensorSourceKey]uint64)
	if err := os.RemoveAll(d.base); err != nil {
		return fmt.Errorf("remove spool base dir: %w", err)
	}
	return nil
}
