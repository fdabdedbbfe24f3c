// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file implements the background maintenance jobs. The sweeps are
// cron-shaped ("every N seconds, check thresholds"), so they run on a
// gocron scheduler rather than hand-rolled ticker loops. Neither holds a
// lock across the whole sweep; the spillover sweep does write each spool
// file while holding the lock of the sensor being migrated.
package store

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
	"github.com/go-co-op/gocron/v2"
)

// maintenance owns the gocron scheduler running the spillover sweep and
// the spool quarantine sweep.
type maintenance struct {
	sched gocron.Scheduler
}

// StartMaintenance schedules the periodic disk-spillover sweep
// (RunSpilloverSweep) at the given interval and the quarantine sweep
// (RunQuarantineSweep) at six times that interval. It must be called at
// most once per Store; StopMaintenance reverses it. Returns an error if
// the scheduler cannot be constructed or either job cannot be registered.
func (s *Store) StartMaintenance(interval time.Duration) error {
	sched, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(func() {
			before := s.pool.FreeCount()
			s.RunSpilloverSweep()
			after := s.pool.FreeCount()
			if after != before {
				cclog.Debugf("[MM2STORE]> spillover sweep freed %d sectors", after-before)
			}
		}),
	); err != nil {
		return err
	}
	if _, err := sched.NewJob(
		gocron.DurationJob(interval*6),
		gocron.NewTask(func() { s.RunQuarantineSweep() }),
	); err != nil {
		return err
	}
	s.maintenanceSched = &maintenance{sched: sched}
	sched.Start()
	return nil
}

// RunQuarantineSweep re-validates every spool file not already in
// quarantine and moves any that now fail their checksum out of the way.
// Recovery already does this once at startup; this sweep catches files
// damaged by an underlying storage fault after the store has been running
// a while.
func (s *Store) RunQuarantineSweep() {
	if s.spoolBase == "" {
		return
	}
	entries, err := os.ReadDir(s.spoolBase)
	if err != nil {
		return
	}
	for _, srcDir := range entries {
		if !srcDir.IsDir() || srcDir.Name() == "quarantine" {
			continue
		}
		dirPath := filepath.Join(s.spoolBase, srcDir.Name())
		files, err := os.ReadDir(dirPath)
		if err != nil {
			continue
		}
		for _, f := range files {
			if f.IsDir() || !strings.HasSuffix(f.Name(), ".dat") {
				continue
			}
			path := filepath.Join(dirPath, f.Name())
			if _, st := readSpoolFile(path); st == StatusCorrupt {
				sensor, seq, ok := parseSpoolFileName(f.Name())
				if !ok {
					continue
				}
				src := sourceForTag(s.sources, srcDir.Name())
				s.disk.mirrorFile(path)
				if err := moveToQuarantine(s.spoolBase, path); err != nil {
					cclog.Errorf("[MM2STORE]> quarantine sweep: %v", err)
					continue
				}
				s.disk.dropFile(sensor, src, path)
				cclog.Warnf("[MM2STORE]> quarantine sweep: moved corrupt spool file for sensor %d seq %d", sensor, seq)
			}
		}
	}
}

// StopMaintenance shuts the background sweep down. Safe to call on a
// Store that never had StartMaintenance called.
func (s *Store) StopMaintenance() {
	if s.maintenanceSched == nil {
		return
	}
	if err := s.maintenanceSched.sched.Shutdown(); err != nil {
		cclog.Warnf("[MM2STORE]> maintenance scheduler shutdown: %v", err)
	}
	s.maintenanceSched = nil
}
