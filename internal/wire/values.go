package wire

import (
	"encoding/binary"
	"fmt"
)

// Binary-format value codecs shared with internal/sharding: a sharded
// column's value arrives either as text (simple protocol, always parsed
// per-type) or as one of these fixed binary encodings (extended
// protocol with a binary-format Bind parameter).

// DecodeInt64Binary decodes a big-endian 2, 4, or 8-byte signed integer,
// matching Postgres's int2/int4/int8 binary send format.
func DecodeInt64Binary(b []byte) (int64, error) {
	switch len(b) {
	case 2:
		return int64(int16(binary.BigEndian.Uint16(b))), nil
	case 4:
		return int64(int32(binary.BigEndian.Uint32(b))), nil
	case 8:
		return int64(binary.BigEndian.Uint64(b)), nil
	default:
		return 0, fmt.Errorf("wire: invalid integer binary length %d", len(b))
	}
}

// DecodeUUIDBinary validates and returns the 16 raw bytes of a uuid's
// binary send format.
func DecodeUUIDBinary(b []byte) ([16]byte, error) {
	var out [16]byte
	if len(b) != 16 {
		return out, fmt.Errorf("wire: invalid uuid binary length %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
