// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file implements power-fail recovery: a deterministic,
// filesystem-order-independent scan of the spool directory tree that
// rebuilds the disk index, quarantining anything that fails its
// checksum. It runs once at Store construction, before any writer or
// reader can observe the store.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// recover scans s.spoolBase and rebuilds the disk index and every
// sensor's TotalDiskRecords from what it finds. RAM is never populated
// here: it is empty by construction after a restart.
func (s *Store) recover() error {
	if s.spoolBase == "" {
		return nil
	}
	entries, err := os.ReadDir(s.spoolBase)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("scan spool base dir: %w", err)
	}

	perSensorSource := make(map[SensorId]map[Source]uint64)

	for _, srcDir := range entries {
		if !srcDir.IsDir() || srcDir.Name() == "quarantine" {
			continue
		}
		src := sourceForTag(s.sources, srcDir.Name())
		dirPath := filepath.Join(s.spoolBase, srcDir.Name())
		files, err := os.ReadDir(dirPath)
		if err != nil {
			cclog.Warnf("[MM2STORE]> recovery: read spool dir %s: %v", dirPath, err)
			continue
		}
		for _, f := range files {
			if f.IsDir() {
				continue
			}
			path := filepath.Join(dirPath, f.Name())
			if strings.HasSuffix(f.Name(), ".tmp") {
				// A crash between temp-file write and rename left this
				// behind; the records it held died with RAM.
				if err := os.Remove(path); err != nil {
					cclog.Warnf("[MM2STORE]> recovery: remove stale temp file %s: %v", path, err)
				}
				continue
			}
			if !strings.HasSuffix(f.Name(), ".dat") {
				continue
			}
			sensor, seq, ok := parseSpoolFileName(f.Name())
			if !ok {
				cclog.Warnf("[MM2STORE]> recovery: unrecognised spool file name %s", path)
				continue
			}
			recs, st := readSpoolFile(path)
			if st != StatusSuccess {
				s.disk.mirrorFile(path)
				if err := moveToQuarantine(s.spoolBase, path); err != nil {
					cclog.Errorf("[MM2STORE]> recovery: quarantine %s: %v", path, err)
				} else {
					cclog.Warnf("[MM2STORE]> recovery: quarantined corrupt spool file %s", path)
				}
				continue
			}
			s.disk.recoverFile(sensor, src, seq, path, len(recs))
			if perSensorSource[sensor] == nil {
				perSensorSource[sensor] = make(map[Source]uint64)
			}
			perSensorSource[sensor][src] += uint64(len(recs))
		}
	}

	s.disk.sortAll()

	// With one spool copy per source, the sensor's disk footprint is what
	// the most-behind source still has to read (see refreshDiskRecords).
	for sensor, bySrc := range perSensorSource {
		var most uint64
		for _, n := range bySrc {
			if n > most {
				most = n
			}
		}
		s.registry.withSensor(sensor, func(m *MMCB) Status {
			m.TotalDiskRecords = most
			return StatusSuccess
		})
	}
	return nil
}

// sourceForTag reverse-maps a spool path component back to its Source,
// falling back to treating the directory name itself as the source tag
// when it doesn't match any configured source (recovery must proceed
// even for a source retired from configuration after the file was
// written).
func sourceForTag(sources []Source, tag string) Source {
	for _, s := range sources {
		if s.Tag() == tag {
			return s
		}
	}
	return Source(tag)
}

// parseSpoolFileName extracts (sensor, sequence) from "sensor_{id}_seq_{n}.dat".
func parseSpoolFileName(name string) (SensorId, uint64, bool) {
	name = strings.TrimSuffix(name, ".dat")
	parts := strings.Split(name, "_")
	if len(parts) != 4 || parts[0] != "sensor" || parts[2] != "seq" {
		return 0, 0, false
	}
	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return 0, 0, false
	}
	seq, err := strconv.ParseUint(parts[3], 10, 64)
	if err != nil {
		return 0, 0, false
	}
	return SensorId(id), seq, true
}
