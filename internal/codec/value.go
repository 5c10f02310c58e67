package codec

import (
	"encoding/binary"
	"fmt"
)

// Record format versions. Version 1 adds the timetag field; version 0 records
// predate cross-cluster duplication and cannot participate in conflict
// resolution.
const (
	DataVersion0 uint32 = 0
	DataVersion1 uint32 = 1

	// CurrentDataVersion is the format stamped on newly initialized replicas.
	CurrentDataVersion = DataVersion1
)

// Record is the decoded form of a data column-family value:
//
//	version 1+: [ version (u8) | expire_ts (u32 BE) | timetag (u64 BE) | user value ]
//	version 0:  [ version (u8) | expire_ts (u32 BE) | user value ]
//
// ExpireTs is in seconds since the Unix epoch; zero means the record never
// expires.
type Record struct {
	Version  uint32
	ExpireTs uint32
	Timetag  uint64
	Value    []byte
}

const (
	recordHeaderV0 = 1 + 4
	recordHeaderV1 = 1 + 4 + 8
)

// EncodeRecord serializes a record. The Timetag field is ignored for
// version-0 records.
func EncodeRecord(r Record) ([]byte, error) {
	switch r.Version {
	case DataVersion0:
		raw := make([]byte, recordHeaderV0+len(r.Value))
		raw[0] = byte(r.Version)
		binary.BigEndian.PutUint32(raw[1:], r.ExpireTs)
		copy(raw[recordHeaderV0:], r.Value)
		return raw, nil
	case DataVersion1:
		raw := make([]byte, recordHeaderV1+len(r.Value))
		raw[0] = byte(r.Version)
		binary.BigEndian.PutUint32(raw[1:], r.ExpireTs)
		binary.BigEndian.PutUint64(raw[5:], r.Timetag)
		copy(raw[recordHeaderV1:], r.Value)
		return raw, nil
	default:
		return nil, fmt.Errorf("unsupported record version %d", r.Version)
	}
}

// DecodeRecord parses a raw data column-family value. Version-0 records
// decode with Timetag == 0.
func DecodeRecord(raw []byte) (Record, error) {
	if len(raw) < recordHeaderV0 {
		return Record{}, fmt.Errorf("record too short: %d bytes", len(raw))
	}
	r := Record{Version: uint32(raw[0]), ExpireTs: binary.BigEndian.Uint32(raw[1:])}
	switch r.Version {
	case DataVersion0:
		r.Value = raw[recordHeaderV0:]
		return r, nil
	case DataVersion1:
		if len(raw) < recordHeaderV1 {
			return Record{}, fmt.Errorf("version-1 record too short: %d bytes", len(raw))
		}
		r.Timetag = binary.BigEndian.Uint64(raw[5:])
		r.Value = raw[recordHeaderV1:]
		return r, nil
	default:
		return Record{}, fmt.Errorf("unsupported record version %d", r.Version)
	}
}

// DecodeExpireTs reads only the expiration timestamp from a raw record.
func DecodeExpireTs(raw []byte) (uint32, error) {
	if len(raw) < recordHeaderV0 {
		return 0, fmt.Errorf("record too short: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint32(raw[1:]), nil
}

// DecodeTimetag reads only the timetag from a raw record. Version-0 records
// have no timetag and yield zero.
func DecodeTimetag(raw []byte) (uint64, error) {
	if len(raw) < recordHeaderV0 {
		return 0, fmt.Errorf("record too short: %d bytes", len(raw))
	}
	if uint32(raw[0]) == DataVersion0 {
		return 0, nil
	}
	if len(raw) < recordHeaderV1 {
		return 0, fmt.Errorf("version-1 record too short: %d bytes", len(raw))
	}
	return binary.BigEndian.Uint64(raw[5:]), nil
}

// Expired reports whether a record with the given expiration timestamp is
// logically absent at nowSec.
func Expired(expireTs uint32, nowSec uint32) bool {
	return expireTs > 0 && expireTs <= nowSec
}
