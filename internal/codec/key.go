package codec

import (
	"encoding/binary"
	"fmt"
	"math"
)

// Raw keys concatenate the hash key and sort key under a reversible encoding:
//
//	[ hash_key_len (u16 BE) | hash_key | sort_key ]
//
// The length prefix keeps the mapping bijective, so the raw key can be split
// back into its parts for verbose logging and scans.

// EncodeKey builds the raw engine key for a (hash key, sort key) pair.
func EncodeKey(hashKey, sortKey []byte) ([]byte, error) {
	if len(hashKey) > math.MaxUint16 {
		return nil, fmt.Errorf("hash key too long: %d bytes", len(hashKey))
	}
	raw := make([]byte, 2+len(hashKey)+len(sortKey))
	binary.BigEndian.PutUint16(raw, uint16(len(hashKey)))
	copy(raw[2:], hashKey)
	copy(raw[2+len(hashKey):], sortKey)
	return raw, nil
}

// DecodeKey splits a raw engine key back into its hash key and sort key.
func DecodeKey(raw []byte) (hashKey, sortKey []byte, err error) {
	if len(raw) < 2 {
		return nil, nil, fmt.Errorf("raw key too short: %d bytes", len(raw))
	}
	hashLen := int(binary.BigEndian.Uint16(raw))
	if len(raw) < 2+hashLen {
		return nil, nil, fmt.Errorf("raw key truncated: hash key length %d exceeds %d remaining bytes",
			hashLen, len(raw)-2)
	}
	return raw[2 : 2+hashLen], raw[2+hashLen:], nil
}
