// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package main

import (
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"

	"github.com/ClusterCockpit/mm2store/internal/config"
	"github.com/ClusterCockpit/mm2store/internal/spool"
	"github.com/ClusterCockpit/mm2store/internal/store"
)

func main() {
	var flagConfigFile, flagLogLevel string
	var flagStats, flagClearHistory, flagNoServer, flagLogDateTime bool
	flag.StringVar(&flagConfigFile, "config", "./config.json", "Load store configuration from `file`")
	flag.StringVar(&flagLogLevel, "loglevel", "warn", "Sets the logging level: `[debug, info, warn, err, crit]`")
	flag.BoolVar(&flagLogDateTime, "logdate", false, "Set this flag to add date and time to log messages")
	flag.BoolVar(&flagStats, "stats", false, "Print memory_statistics as JSON and exit")
	flag.BoolVar(&flagClearHistory, "clear-history", false, "Delete all spooled history before starting (refused while a store is already running)")
	flag.BoolVar(&flagNoServer, "no-server", false, "Initialize and run requested flags, then exit without starting the maintenance scheduler")
	flag.Parse()

	cclog.Init(flagLogLevel, flagLogDateTime)

	raw, err := os.ReadFile(flagConfigFile)
	if err != nil && !os.IsNotExist(err) {
		cclog.Fatalf("[MM2STORE]> reading %s: %s", flagConfigFile, err.Error())
	}
	keys := config.Load(raw)

	opts, err := toStoreOptions(keys)
	if err != nil {
		cclog.Fatalf("[MM2STORE]> %s", err.Error())
	}

	if flagClearHistory {
		s, err := store.New(opts)
		if err != nil {
			cclog.Fatalf("[MM2STORE]> init: %s", err.Error())
		}
		s.Shutdown()
		if st := s.ClearAllHistory(); st != store.StatusSuccess {
			cclog.Fatalf("[MM2STORE]> clear-history failed: %s", st.String())
		}
		cclog.Infof("[MM2STORE]> history cleared")
	}

	s, err := store.New(opts)
	if err != nil {
		cclog.Fatalf("[MM2STORE]> init: %s", err.Error())
	}

	if flagStats {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(s.MemoryStatistics()); err != nil {
			cclog.Fatalf("[MM2STORE]> encode stats: %s", err.Error())
		}
	}

	if flagNoServer {
		s.Shutdown()
		return
	}

	interval, err := time.ParseDuration(keys.MaintenanceInterval)
	if err != nil {
		cclog.Fatalf("[MM2STORE]> invalid maintenance-interval %q: %s", keys.MaintenanceInterval, err.Error())
	}
	if err := s.StartMaintenance(interval); err != nil {
		cclog.Fatalf("[MM2STORE]> start maintenance scheduler: %s", err.Error())
	}
	cclog.Infof("[MM2STORE]> store ready: %d sensors, spool dir %s", len(s.RegisteredSensors()), keys.SpoolDir)

	waitForShutdown()
	s.Shutdown()
}

// waitForShutdown blocks until SIGINT or SIGTERM. This process has no
// request traffic to gracefully drain, so the signal itself is the whole
// handoff.
func waitForShutdown() {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
}

// toStoreOptions bridges the JSON-facing config.Keys into store.Options,
// translating the declarative sensor list and source-tag strings into the
// store package's typed Source/Kind values, and building the optional S3
// cold-tier mirror.
func toStoreOptions(keys config.Keys) (store.Options, error) {
	sources := make([]store.Source, 0, len(keys.Sources))
	for _, tag := range keys.Sources {
		sources = append(sources, store.Source(tag))
	}

	kinds := make(map[store.SensorId]store.Kind, len(keys.Sensors))
	for _, spec := range keys.Sensors {
		kind := store.KindTSD
		if spec.Kind == "evt" {
			kind = store.KindEVT
		}
		kinds[store.SensorId(spec.ID)] = kind
	}

	var mirror spool.Target
	if keys.S3 != nil && keys.S3.Enabled {
		m, err := spool.NewS3Target(spool.S3TargetConfig{
			Endpoint: keys.S3.Endpoint,
			Bucket:   keys.S3.Bucket,
			Region:   keys.S3.Region,
			Prefix:   keys.S3.Prefix,
		})
		if err != nil {
			return store.Options{}, err
		}
		mirror = m
	}

	return store.Options{
		SectorCount:           keys.SectorCount,
		Sources:               sources,
		SensorKinds:           kinds,
		SpoolDir:              keys.SpoolDir,
		SpilloverThresholdPct: keys.SpilloverThresholdPct,
		Mirror:                mirror,
	}, nil
}
