// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package store

import (
	"sync/atomic"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/ClusterCockpit/mm2store/internal/spool"
)

// Store ties together the sector pool, the per-sensor registry, and the
// disk spool index into the single object producers and upload sources
// talk to. It owns no locks of its own beyond what its components already
// provide.
type Store struct {
	pool      *Pool
	registry  *registry
	disk      *diskIndex
	sources   []Source
	sourceSet map[Source]bool

	spoolBase             string
	spilloverThresholdPct int

	droppedWrites uint64 // atomic
	migrations    uint64 // atomic

	running          atomic.Bool
	maintenanceSched *maintenance
}

// Options configures a new Store. SensorKinds declares every sensor this
// instance will serve; Sources is the closed upload-source enum, supplied
// by configuration.
type Options struct {
	SectorCount           int
	Sources               []Source
	SensorKinds           map[SensorId]Kind
	SpoolDir              string
	SpilloverThresholdPct int

	// Mirror, if non-nil, receives a copy of every spool file as it is
	// acknowledged or quarantined (cold-tier audit trail). Built by the
	// caller from configuration, e.g. via spool.NewS3Target.
	Mirror spool.Target
}

// New constructs a Store from Options, registers every declared sensor,
// and runs power-fail recovery before returning, so a caller never
// observes a store with an un-recovered disk index.
func New(opts Options) (*Store, error) {
	pct := opts.SpilloverThresholdPct
	if pct <= 0 {
		pct = 20
	}
	s := &Store{
		pool:                  NewPool(opts.SectorCount),
		registry:              newRegistry(opts.Sources),
		disk:                  newDiskIndex(opts.SpoolDir, opts.Mirror),
		sources:               opts.Sources,
		sourceSet:             make(map[Source]bool, len(opts.Sources)),
		spoolBase:             opts.SpoolDir,
		spilloverThresholdPct: pct,
	}
	for _, src := range opts.Sources {
		s.sourceSet[src] = true
	}
	for id, kind := range opts.SensorKinds {
		s.registry.Register(id, kind)
	}
	if err := s.recover(); err != nil {
		return nil, err
	}
	s.running.Store(true)
	return s, nil
}

// RegisteredSensors returns every sensor id this store knows about.
func (s *Store) RegisteredSensors() []SensorId {
	return s.registry.ids()
}

// Shutdown marks the store as stopped. RAM state is intentionally not
// persisted: in-flight RAM data does not survive a process exit, only the
// spool tier does.
func (s *Store) Shutdown() {
	s.StopMaintenance()
	s.running.Store(false)
}

// PerSourcePending reports one source's outstanding record count for one
// sensor, part of the admin statistics surface.
func (s *Store) PerSourcePending(src Source, sensor SensorId) uint32 {
	if !s.validSource(src) {
		return 0
	}
	var n uint32
	s.registry.withSensor(sensor, func(m *MMCB) Status {
		n = m.pending(src).PendingCount
		return StatusSuccess
	})
	return n
}

// MemoryStatistics is the admin statistics dump.
type MemoryStatistics struct {
	RAMSectorsUsed   int                        `json:"ram_sectors_used"`
	RAMSectorsFree   int                        `json:"ram_sectors_free"`
	DiskFiles        int                        `json:"disk_files"`
	TotalRecords     uint64                     `json:"total_records"`
	TotalDiskRecords uint64                     `json:"total_disk_records"`
	DroppedWrites    uint64                     `json:"dropped_writes"`
	Migrations       uint64                     `json:"migrations"`
	PerSourcePending map[string]map[uint32]uint32 `json:"per_source_pending"`
}

// MemoryStatistics reports the current state of the store for the
// administrative CLI surface.
func (s *Store) MemoryStatistics() MemoryStatistics {
	stats := MemoryStatistics{
		RAMSectorsFree:   s.pool.FreeCount(),
		RAMSectorsUsed:   s.pool.Capacity() - s.pool.FreeCount(),
		DroppedWrites:    atomic.LoadUint64(&s.droppedWrites),
		Migrations:       atomic.LoadUint64(&s.migrations),
		PerSourcePending: make(map[string]map[uint32]uint32),
	}

	ids := s.registry.ids()
	for _, id := range ids {
		s.registry.withSensor(id, func(m *MMCB) Status {
			stats.TotalRecords += m.TotalRecords
			stats.TotalDiskRecords += m.TotalDiskRecords
			for _, src := range s.sources {
				p := m.pending(src)
				if p.PendingCount == 0 {
					continue
				}
				if stats.PerSourcePending[string(src)] == nil {
					stats.PerSourcePending[string(src)] = make(map[uint32]uint32)
				}
				stats.PerSourcePending[string(src)][uint32(id)] = p.PendingCount
			}
			return StatusSuccess
		})
	}

	for _, id := range ids {
		for _, src := range s.sources {
			stats.DiskFiles += len(s.disk.list(id, src))
		}
	}
	return stats
}

// SensorHealth reports sensors whose chain has gone quiet: no write in
// the last staleAfterMillis milliseconds relative to nowMillis, despite
// having at least one record recorded. A silent sensor usually means the
// ingest side lost it, not that there is nothing to say.
func (s *Store) SensorHealth(nowMillis uint64, staleAfterMillis uint64) []SensorId {
	var stale []SensorId
	for _, id := range s.registry.ids() {
		s.registry.withSensor(id, func(m *MMCB) Status {
			if m.TotalRecords == 0 && m.TotalDiskRecords == 0 {
				return StatusSuccess
			}
			if nowMillis > m.LastWriteUTC && nowMillis-m.LastWriteUTC > staleAfterMillis {
				stale = append(stale, id)
			}
			return StatusSuccess
		})
	}
	return stale
}

// ClearAllHistory deletes every spool file and resets the disk indices.
// It refuses while the store is running: the CLI's -clear-history runs it
// before the store accepts writers.
func (s *Store) ClearAllHistory() Status {
	if s.running.Load() {
		cclog.Errorf("[MM2STORE]> clear_all_history refused: store is running")
		return StatusInvalidParameter
	}
	if err := s.disk.clearAll(); err != nil {
		cclog.Errorf("[MM2STORE]> clear_all_history: %v", err)
		return StatusIoError
	}
	for _, id := range s.registry.ids() {
		s.registry.withSensor(id, func(m *MMCB) Status {
			m.TotalDiskRecords = 0
			for _, p := range m.pendingBySource {
				p.diskConsumed = 0
			}
			return StatusSuccess
		})
	}
	return StatusSuccess
}
