package idxdb

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/zeebo/xxh3"
)

// KeyMarshaler lets application types choose their own index key bytes.
type KeyMarshaler interface {
	MarshalKey() ([]byte, error)
}

// KeyOf converts a Go value into index key bytes whose byte order matches
// the natural order of the value: strings and byte slices as is, integers
// and floats as 8-byte big-endian with the sign handled, times as
// nanoseconds since the epoch.
func KeyOf(v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return nil, fmt.Errorf("nil key")
	case KeyMarshaler:
		return v.MarshalKey()
	case string:
		return []byte(v), nil
	case []byte:
		return append([]byte(nil), v...), nil
	case bool:
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case int:
		return intKey(int64(v)), nil
	case int8:
		return intKey(int64(v)), nil
	case int16:
		return intKey(int64(v)), nil
	case int32:
		return intKey(int64(v)), nil
	case int64:
		return intKey(v), nil
	case uint:
		return uintKey(uint64(v)), nil
	case uint8:
		return uintKey(uint64(v)), nil
	case uint16:
		return uintKey(uint64(v)), nil
	case uint32:
		return uintKey(uint64(v)), nil
	case uint64:
		return uintKey(v), nil
	case float32:
		return floatKey(float64(v)), nil
	case float64:
		return floatKey(v), nil
	case time.Time:
		return intKey(v.UnixNano()), nil
	case Rev:
		return uintKey(uint64(v)), nil
	default:
		return nil, fmt.Errorf("unsupported key type %T", v)
	}
}

func intKey(v int64) []byte {
	return binary.BigEndian.AppendUint64(nil, uint64(v)^(1<<63))
}

func uintKey(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

func floatKey(v float64) []byte {
	bits := math.Float64bits(v)
	if bits&(1<<63) != 0 {
		bits = ^bits
	} else {
		bits |= 1 << 63
	}
	return binary.BigEndian.AppendUint64(nil, bits)
}

// HashedKeySize is the width of keys produced by HashKey.
const HashedKeySize = 16

// HashKey maps arbitrary-length key bytes to a fixed 128-bit digest. Hashed
// keys support exact lookups only; their order is meaningless.
func HashKey(b []byte) []byte {
	h := xxh3.Hash128(b).Bytes()
	return h[:]
}
