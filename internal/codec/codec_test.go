package codec

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeKey_RoundTrip(t *testing.T) {
	tests := []struct {
		name    string
		hashKey []byte
		sortKey []byte
	}{
		{name: "both populated", hashKey: []byte("h"), sortKey: []byte("s0")},
		{name: "empty sort key", hashKey: []byte("hash_key"), sortKey: nil},
		{name: "empty hash key", hashKey: nil, sortKey: []byte("sort")},
		{name: "binary bytes", hashKey: []byte{0x00, 0xff, 0x01}, sortKey: []byte{0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeKey(tt.hashKey, tt.sortKey)
			require.NoError(t, err)

			hashKey, sortKey, err := DecodeKey(raw)
			require.NoError(t, err)
			assert.True(t, bytes.Equal(tt.hashKey, hashKey))
			assert.True(t, bytes.Equal(tt.sortKey, sortKey))
		})
	}
}

func TestEncodeKey_HashKeyTooLong(t *testing.T) {
	_, err := EncodeKey(make([]byte, 1<<16), nil)
	assert.Error(t, err)
}

func TestDecodeKey_Malformed(t *testing.T) {
	_, _, err := DecodeKey([]byte{0x01})
	assert.Error(t, err)

	// declared hash key length exceeds the payload
	_, _, err = DecodeKey([]byte{0x00, 0x10, 'a', 'b'})
	assert.Error(t, err)
}

func TestRecord_RoundTrip(t *testing.T) {
	tests := []struct {
		name string
		rec  Record
	}{
		{name: "v1 full", rec: Record{Version: DataVersion1, ExpireTs: 12345, Timetag: Timetag(1000, 3, false), Value: []byte("value")}},
		{name: "v1 empty value", rec: Record{Version: DataVersion1, ExpireTs: 0, Timetag: 7}},
		{name: "v0", rec: Record{Version: DataVersion0, ExpireTs: 99, Value: []byte("old")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw, err := EncodeRecord(tt.rec)
			require.NoError(t, err)

			got, err := DecodeRecord(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.rec.Version, got.Version)
			assert.Equal(t, tt.rec.ExpireTs, got.ExpireTs)
			if tt.rec.Version >= DataVersion1 {
				assert.Equal(t, tt.rec.Timetag, got.Timetag)
			} else {
				assert.Zero(t, got.Timetag)
			}
			assert.True(t, bytes.Equal(tt.rec.Value, got.Value))

			expire, err := DecodeExpireTs(raw)
			require.NoError(t, err)
			assert.Equal(t, tt.rec.ExpireTs, expire)
		})
	}
}

func TestDecodeTimetag_Version0(t *testing.T) {
	raw, err := EncodeRecord(Record{Version: DataVersion0, ExpireTs: 5, Value: []byte("x")})
	require.NoError(t, err)

	tag, err := DecodeTimetag(raw)
	require.NoError(t, err)
	assert.Zero(t, tag)
}

func TestDecodeRecord_Malformed(t *testing.T) {
	_, err := DecodeRecord([]byte{0x01, 0x00})
	assert.Error(t, err)

	_, err = DecodeRecord([]byte{0x09, 0, 0, 0, 0})
	assert.Error(t, err)
}

func TestExpired(t *testing.T) {
	assert.False(t, Expired(0, 1000), "zero expire_ts never expires")
	assert.False(t, Expired(1001, 1000))
	assert.True(t, Expired(1000, 1000))
	assert.True(t, Expired(999, 1000))
}

func TestTimetag_PackUnpack(t *testing.T) {
	tag := Timetag(123456789, 5, true)
	assert.Equal(t, uint64(123456789), TimetagTimestampUs(tag))
	assert.Equal(t, uint8(5), TimetagClusterID(tag))
	assert.True(t, TimetagDeleted(tag))

	tag = Timetag(2000, MaxClusterID, false)
	assert.Equal(t, uint64(2000), TimetagTimestampUs(tag))
	assert.Equal(t, uint8(MaxClusterID), TimetagClusterID(tag))
	assert.False(t, TimetagDeleted(tag))
}

func TestTimetag_Ordering(t *testing.T) {
	// timestamp dominates
	assert.Less(t, Timetag(1000, 7, true), Timetag(2000, 1, false))
	// cluster id breaks timestamp ties
	assert.Less(t, Timetag(1000, 3, false), Timetag(1000, 5, false))
	// delete flag breaks (timestamp, cluster) ties
	assert.Less(t, Timetag(1000, 3, false), Timetag(1000, 3, true))
}
