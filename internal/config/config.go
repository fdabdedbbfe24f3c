// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package config holds the mm2store configuration structures and the
// validation entrypoint: a Keys struct populated from a JSON config file,
// validated as written, with defaults applied in code afterwards.
package config

import (
	"bytes"
	"encoding/json"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

const (
	// DefaultSpilloverThresholdPct is the free-sector-fraction below which
	// the background sweep starts migrating sectors to disk.
	DefaultSpilloverThresholdPct = 20
	// DefaultMaintenanceInterval is how often the spillover/quarantine sweep
	// runs when not overridden in config.
	DefaultMaintenanceInterval = "30s"
)

// SensorSpec declares one sensor's process-wide identity and record kind.
// Sensors are registered once at startup and live until shutdown.
type SensorSpec struct {
	ID   uint32 `json:"id"`
	Kind string `json:"kind"` // "tsd" or "evt"
}

// S3Mirror optionally mirrors rotated/quarantined spool files to an
// S3-compatible bucket as a cold tier.
type S3Mirror struct {
	Enabled  bool   `json:"enabled"`
	Bucket   string `json:"bucket"`
	Region   string `json:"region"`
	Prefix   string `json:"prefix"`
	Endpoint string `json:"endpoint"`
}

// Keys is the top-level mm2store configuration.
type Keys struct {
	// SectorCount is the fixed capacity of the sector pool arena.
	SectorCount int `json:"sector-count"`

	// Sources is the closed set of upload-source tags this store instance
	// recognises.
	Sources []string `json:"sources"`

	// Sensors declares every sensor's id and record kind up front.
	Sensors []SensorSpec `json:"sensors"`

	// SpoolDir is the base path for on-disk spool files.
	SpoolDir string `json:"spool-dir"`

	// SpilloverThresholdPct is the free-sector percentage that triggers
	// disk migration. Defaults to DefaultSpilloverThresholdPct.
	SpilloverThresholdPct int `json:"spillover-threshold-pct"`

	// MaintenanceInterval is a duration string for the gocron-scheduled
	// spillover/quarantine sweep.
	MaintenanceInterval string `json:"maintenance-interval"`

	// S3 optionally mirrors spool files to cold storage.
	S3 *S3Mirror `json:"s3-mirror"`
}

// ApplyDefaults fills in zero-value fields after Validate has checked the
// raw document, so a minimal configuration document still yields a
// workable store.
func (k *Keys) ApplyDefaults() {
	if k.SpilloverThresholdPct <= 0 {
		k.SpilloverThresholdPct = DefaultSpilloverThresholdPct
	}
	if k.MaintenanceInterval == "" {
		k.MaintenanceInterval = DefaultMaintenanceInterval
	}
	if k.SpoolDir == "" {
		k.SpoolDir = "./var/mm2store"
	}
	if len(k.Sources) == 0 {
		k.Sources = []string{"gateway", "hosted", "ble", "can_dev"}
	}
}

// Load decodes, validates, and defaults a raw JSON configuration
// document. Defaults are applied after validation, so the schema only
// constrains what the operator actually wrote.
func Load(raw json.RawMessage) Keys {
	var k Keys
	if len(raw) > 0 {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&k); err != nil {
			cclog.Fatalf("[MM2STORE]> config decode: %s", err.Error())
		}
		Validate(Schema, raw)
	}
	k.ApplyDefaults()
	return k
}
