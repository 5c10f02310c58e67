package model

import (
	"encoding/binary"
	"fmt"
)

// Wire codec for duplicated writes. A duplicate request carries the original
// request serialized as a length-prefixed binary message; the format must be
// deterministic and self-contained because it crosses cluster boundaries.
// Only the four replayable operations have a wire form.

func appendBytes(dst []byte, b []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(b)))
	return append(dst, b...)
}

func readBytes(data []byte, pos int) ([]byte, int, error) {
	if pos+4 > len(data) {
		return nil, 0, fmt.Errorf("message too short for length at offset %d", pos)
	}
	n := int(binary.BigEndian.Uint32(data[pos:]))
	pos += 4
	if pos+n > len(data) {
		return nil, 0, fmt.Errorf("message too short for %d-byte field at offset %d", n, pos)
	}
	if n == 0 {
		return nil, pos, nil
	}
	return data[pos : pos+n], pos + n, nil
}

// MarshalPutRequest serializes a put for replay on another cluster.
func MarshalPutRequest(req *PutRequest) []byte {
	raw := appendBytes(nil, req.Key)
	raw = appendBytes(raw, req.Value)
	return binary.BigEndian.AppendUint32(raw, req.ExpireTsSeconds)
}

// UnmarshalPutRequest parses a serialized put.
func UnmarshalPutRequest(raw []byte) (*PutRequest, error) {
	key, pos, err := readBytes(raw, 0)
	if err != nil {
		return nil, err
	}
	value, pos, err := readBytes(raw, pos)
	if err != nil {
		return nil, err
	}
	if pos+4 > len(raw) {
		return nil, fmt.Errorf("message too short for expire_ts at offset %d", pos)
	}
	return &PutRequest{
		Key:             key,
		Value:           value,
		ExpireTsSeconds: binary.BigEndian.Uint32(raw[pos:]),
	}, nil
}

// MarshalRemoveRequest serializes a remove for replay on another cluster.
func MarshalRemoveRequest(req *RemoveRequest) []byte {
	return appendBytes(nil, req.Key)
}

// UnmarshalRemoveRequest parses a serialized remove.
func UnmarshalRemoveRequest(raw []byte) (*RemoveRequest, error) {
	key, _, err := readBytes(raw, 0)
	if err != nil {
		return nil, err
	}
	return &RemoveRequest{Key: key}, nil
}

// MarshalMultiPutRequest serializes a multi-put for replay on another cluster.
func MarshalMultiPutRequest(req *MultiPutRequest) []byte {
	raw := appendBytes(nil, req.HashKey)
	raw = binary.BigEndian.AppendUint32(raw, req.ExpireTsSeconds)
	raw = binary.BigEndian.AppendUint32(raw, uint32(len(req.Kvs)))
	for _, kv := range req.Kvs {
		raw = appendBytes(raw, kv.SortKey)
		raw = appendBytes(raw, kv.Value)
	}
	return raw
}

// UnmarshalMultiPutRequest parses a serialized multi-put.
func UnmarshalMultiPutRequest(raw []byte) (*MultiPutRequest, error) {
	hashKey, pos, err := readBytes(raw, 0)
	if err != nil {
		return nil, err
	}
	if pos+8 > len(raw) {
		return nil, fmt.Errorf("message too short for multi_put header at offset %d", pos)
	}
	req := &MultiPutRequest{
		HashKey:         hashKey,
		ExpireTsSeconds: binary.BigEndian.Uint32(raw[pos:]),
	}
	count := int(binary.BigEndian.Uint32(raw[pos+4:]))
	pos += 8
	for i := 0; i < count; i++ {
		var sortKey, value []byte
		if sortKey, pos, err = readBytes(raw, pos); err != nil {
			return nil, err
		}
		if value, pos, err = readBytes(raw, pos); err != nil {
			return nil, err
		}
		req.Kvs = append(req.Kvs, KeyValue{SortKey: sortKey, Value: value})
	}
	return req, nil
}

// MarshalMultiRemoveRequest serializes a multi-remove for replay on another
// cluster.
func MarshalMultiRemoveRequest(req *MultiRemoveRequest) []byte {
	raw := appendBytes(nil, req.HashKey)
	raw = binary.BigEndian.AppendUint32(raw, uint32(len(req.SortKeys)))
	for _, sk := range req.SortKeys {
		raw = appendBytes(raw, sk)
	}
	return raw
}

// UnmarshalMultiRemoveRequest parses a serialized multi-remove.
func UnmarshalMultiRemoveRequest(raw []byte) (*MultiRemoveRequest, error) {
	hashKey, pos, err := readBytes(raw, 0)
	if err != nil {
		return nil, err
	}
	if pos+4 > len(raw) {
		return nil, fmt.Errorf("message too short for multi_remove count at offset %d", pos)
	}
	count := int(binary.BigEndian.Uint32(raw[pos:]))
	pos += 4
	req := &MultiRemoveRequest{HashKey: hashKey}
	for i := 0; i < count; i++ {
		var sortKey []byte
		if sortKey, pos, err = readBytes(raw, pos); err != nil {
			return nil, err
		}
		req.SortKeys = append(req.SortKeys, sortKey)
	}
	return req, nil
}
