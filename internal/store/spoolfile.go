// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// This file implements the on-disk spool file format and its crash-safe
// write path: write to a temp name, fsync, atomic rename. A half-written
// spool file must never be visible under its final name.
package store

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	cclog "github.com/ClusterCockpit/cc-lib/v2/ccLogger"
)

// spoolFileMagic identifies a valid spool file header.
const spoolFileMagic uint32 = 0x4D4D3253 // "MM2S"

const spoolFileVersion uint16 = 1

// spoolHeader is the fixed-size, little-endian header every spool file
// starts with: magic(4) version(2) kind(1) recordCount(1) baseUTC(8)
// crc32(4) = 20 bytes, followed by the serialised records.
type spoolHeader struct {
	Magic       uint32
	Version     uint16
	Kind        Kind
	RecordCount uint8
	BaseUTC     uint64
	CRC32       uint32
}

const spoolHeaderSize = 4 + 2 + 1 + 1 + 8 + 4

func encodeSpoolFile(kind Kind, records []Record) []byte {
	body := make([]byte, 0, len(records)*EVTStride)
	for _, r := range records {
		if kind == KindEVT {
			var tbuf [8]byte
			binary.LittleEndian.PutUint64(tbuf[:], r.UTCMillis)
			body = append(body, tbuf[:]...)
		}
		var vbuf [4]byte
		binary.LittleEndian.PutUint32(vbuf[:], r.Value)
		body = append(body, vbuf[:]...)
	}

	baseUTC := uint64(0)
	if len(records) > 0 {
		baseUTC = records[0].UTCMillis
	}

	out := make([]byte, spoolHeaderSize+len(body))
	binary.LittleEndian.PutUint32(out[0:4], spoolFileMagic)
	binary.LittleEndian.PutUint16(out[4:6], spoolFileVersion)
	out[6] = byte(kind)
	out[7] = byte(len(records))
	binary.LittleEndian.PutUint64(out[8:16], baseUTC)
	crc := crc32.ChecksumIEEE(body)
	binary.LittleEndian.PutUint32(out[16:20], crc)
	copy(out[spoolHeaderSize:], body)
	return out
}

// decodeSpoolFile validates the header and checksum, returning the decoded
// records. A checksum mismatch or truncated file returns StatusCorrupt; the
// caller is responsible for quarantining the file.
func decodeSpoolFile(data []byte) ([]Record, Status) {
	if len(data) < spoolHeaderSize {
		return nil, StatusCorrupt
	}
	magic := binary.LittleEndian.Uint32(data[0:4])
	if magic != spoolFileMagic {
		return nil, StatusCorrupt
	}
	kind := Kind(data[6])
	count := int(data[7])
	body := data[spoolHeaderSize:]
	wantCRC := binary.LittleEndian.Uint32(data[16:20])
	if crc32.ChecksumIEEE(body) != wantCRC {
		return nil, StatusCorrupt
	}

	stride := EVTStride
	if kind == KindTSD {
		stride = TSDSampleStride
	}
	if len(body) != count*stride {
		return nil, StatusCorrupt
	}

	baseUTC := binary.LittleEndian.Uint64(data[8:16])
	records := make([]Record, 0, count)
	for i := 0; i < count; i++ {
		off := i * stride
		if kind == KindTSD {
			records = append(records, Record{
				UTCMillis: baseUTC,
				Value:     binary.LittleEndian.Uint32(body[off : off+4]),
			})
		} else {
			records = append(records, Record{
				UTCMillis: binary.LittleEndian.Uint64(body[off : off+8]),
				Value:     binary.LittleEndian.Uint32(body[off+8 : off+12]),
			})
		}
	}
	return records, StatusSuccess
}

// spoolPath returns the canonical path for a (source, sensor, sequence)
// spool file: "{base}/{src_tag}/sensor_{id}_seq_{n}.dat".
func spoolPath(base string, src Source, sensor SensorId, seq uint64) string {
	return filepath.Join(base, src.Tag(), fmt.Sprintf("sensor_%d_seq_%d.dat", sensor, seq))
}

// writeSpoolFileAtomic serialises records to a new spool file using the
// write-temp/fsync/rename pattern. The temp file lives alongside the final
// name so the rename is same-filesystem and therefore atomic.
func writeSpoolFileAtomic(path string, kind Kind, records []Record) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("mkdir spool dir: %w", err)
	}
	data := encodeSpoolFile(kind, records)

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return fmt.Errorf("create temp spool file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("write temp spool file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("fsync temp spool file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("close temp spool file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename spool file into place: %w", err)
	}
	return nil
}

// readSpoolFile loads and validates one spool file. Corrupt files are the
// caller's responsibility to quarantine (moveToQuarantine).
func readSpoolFile(path string) ([]Record, Status) {
	data, err := os.ReadFile(path)
	if err != nil {
		cclog.Warnf("[MM2STORE]> read spool file %s: %v", path, err)
		return nil, StatusIoError
	}
	return decodeSpoolFile(data)
}

// moveToQuarantine relocates a corrupt spool file into the quarantine/
// directory so recovery and reads can proceed as if it were absent, while
// keeping the bytes around for post-mortem inspection.
func moveToQuarantine(base, path string) error {
	qdir := filepath.Join(base, "quarantine")
	if err := os.MkdirAll(qdir, 0o750); err != nil {
		return err
	}
	dest := filepath.Join(qdir, filepath.Base(path))
	return os.Rename(path, dest)
}
