// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package config

// Schema is the JSON schema the store's configuration document is
// validated against.
const Schema = `{
  "type": "object",
  "description": "Configuration for the MM2 tiered telemetry store.",
  "properties": {
    "sector-count": {
      "description": "Fixed capacity of the sector pool arena.",
      "type": "integer"
    },
    "sources": {
      "description": "Closed set of upload-source tags this store recognises.",
      "type": "array",
      "items": { "type": "string" }
    },
    "sensors": {
      "description": "Sensor registrations (id + record kind).",
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "id": { "type": "integer" },
          "kind": { "type": "string", "enum": ["tsd", "evt"] }
        },
        "required": ["id", "kind"]
      }
    },
    "spool-dir": {
      "description": "Base filesystem path for on-disk spool files.",
      "type": "string"
    },
    "spillover-threshold-pct": {
      "description": "Free-sector percentage below which disk spillover starts.",
      "type": "integer"
    },
    "maintenance-interval": {
      "description": "Duration string for the periodic spillover/quarantine sweep.",
      "type": "string"
    },
    "s3-mirror": {
      "description": "Optional cold-tier mirror of rotated/quarantined spool files.",
      "type": "object",
      "properties": {
        "enabled": { "type": "boolean" },
        "bucket": { "type": "string" },
        "region": { "type": "string" },
        "prefix": { "type": "string" },
        "endpoint": { "type": "string" }
      },
      "if": {
        "properties": { "enabled": { "const": true } }
      },
      "then": {
        "required": ["bucket", "region"]
      }
    }
  },
  "required": ["sector-count"]
}`
