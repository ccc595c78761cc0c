package zcl

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ZCL data type IDs
const (
	TypeNoData   uint8 = 0x00
	TypeBool     uint8 = 0x10
	TypeBitmap8  uint8 = 0x18
	TypeBitmap16 uint8 = 0x19
	TypeUint8    uint8 = 0x20
	TypeUint16   uint8 = 0x21
	TypeUint24   uint8 = 0x22
	TypeUint32   uint8 = 0x23
	TypeInt8     uint8 = 0x28
	TypeInt16    uint8 = 0x29
	TypeInt24    uint8 = 0x2A
	TypeInt32    uint8 = 0x2B
	TypeEnum8    uint8 = 0x30
	TypeEnum16   uint8 = 0x31
	TypeOctetStr uint8 = 0x41
	TypeCharStr  uint8 = 0x42
)

// Size markers returned by TypeSize for types without a fixed width.
const (
	SizeVariable = -1 // 1-byte length prefix
	SizeUnknown  = -2
)

// TypeSize returns the encoded width of a ZCL type in bytes.
func TypeSize(t uint8) int {
	switch {
	case t == TypeNoData:
		return 0
	case t >= 0x08 && t <= 0x0F: // data8..data64
		return int(t-0x08) + 1
	case t == TypeBool, t == TypeEnum8:
		return 1
	case t >= 0x18 && t <= 0x1F: // map8..map64
		return int(t-0x18) + 1
	case t >= 0x20 && t <= 0x27: // uint8..uint64
		return int(t-0x20) + 1
	case t >= 0x28 && t <= 0x2F: // int8..int64
		return int(t-0x28) + 1
	case t == TypeEnum16:
		return 2
	case t == 0x38: // semi-precision float
		return 2
	case t == 0x39:
		return 4
	case t == 0x3A:
		return 8
	case t == TypeOctetStr, t == TypeCharStr:
		return SizeVariable
	}
	return SizeUnknown
}

// TypeName returns a short name for a ZCL type.
func TypeName(t uint8) string {
	switch t {
	case TypeNoData:
		return "nodata"
	case TypeBool:
		return "bool"
	case TypeBitmap8:
		return "map8"
	case TypeBitmap16:
		return "map16"
	case TypeUint8:
		return "uint8"
	case TypeUint16:
		return "uint16"
	case TypeUint24:
		return "uint24"
	case TypeUint32:
		return "uint32"
	case TypeInt8:
		return "int8"
	case TypeInt16:
		return "int16"
	case TypeInt24:
		return "int24"
	case TypeInt32:
		return "int32"
	case TypeEnum8:
		return "enum8"
	case TypeEnum16:
		return "enum16"
	case TypeOctetStr:
		return "octstr"
	case TypeCharStr:
		return "string"
	default:
		return fmt.Sprintf("0x%02X", t)
	}
}

// IsAnalog reports whether a type carries a numeric quantity, i.e. whether
// its reportable change field is present in a Configure Reporting record.
func IsAnalog(t uint8) bool {
	return (t >= 0x20 && t <= 0x2F) || (t >= 0x38 && t <= 0x3A) || (t >= 0xE0 && t <= 0xE2)
}

// DecodeValue decodes a typed value and returns it with the number of bytes
// consumed. Unsigned types decode to uint64, signed ones to int64.
func DecodeValue(t uint8, data []byte) (interface{}, int, error) {
	size := TypeSize(t)
	switch size {
	case 0:
		return nil, 0, nil
	case SizeUnknown:
		return nil, 0, fmt.Errorf("zcl: unsupported type 0x%02X", t)
	case SizeVariable:
		if len(data) < 1 {
			return nil, 0, fmt.Errorf("zcl: no length byte for %s", TypeName(t))
		}
		n := int(data[0])
		if n == 0xFF {
			return nil, 1, nil
		}
		if len(data) < 1+n {
			return nil, 0, fmt.Errorf("zcl: %s truncated: need %d, have %d", TypeName(t), n, len(data)-1)
		}
		if t == TypeCharStr {
			return string(data[1 : 1+n]), 1 + n, nil
		}
		b := make([]byte, n)
		copy(b, data[1:1+n])
		return b, 1 + n, nil
	}

	if len(data) < size {
		return nil, 0, fmt.Errorf("zcl: not enough data for %s: need %d, have %d", TypeName(t), size, len(data))
	}
	if t == TypeBool {
		return data[0] != 0, 1, nil
	}
	var u uint64
	for i := size - 1; i >= 0; i-- {
		u = u<<8 | uint64(data[i])
	}
	if t >= 0x28 && t <= 0x2F {
		shift := uint(64 - 8*size)
		return int64(u<<shift) >> shift, size, nil
	}
	return u, size, nil
}

// EncodeValue encodes an integer or boolean value in the wire format of t.
func EncodeValue(t uint8, val interface{}) ([]byte, error) {
	if t == TypeBool {
		b, ok := val.(bool)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to bool", val)
		}
		if b {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	}
	if t == TypeCharStr {
		s, ok := val.(string)
		if !ok {
			return nil, fmt.Errorf("zcl: cannot convert %T to string", val)
		}
		if len(s) > 254 {
			return nil, fmt.Errorf("zcl: string too long: %d", len(s))
		}
		return append([]byte{byte(len(s))}, s...), nil
	}

	size := TypeSize(t)
	if size <= 0 || size > 8 {
		return nil, fmt.Errorf("zcl: encode not implemented for type %s", TypeName(t))
	}
	v, ok := ToInt64(val)
	if !ok {
		return nil, fmt.Errorf("zcl: cannot convert %T to %s", val, TypeName(t))
	}
	if t >= 0x28 && t <= 0x2F {
		lo, hi := int64(math.MinInt64), int64(math.MaxInt64)
		if size < 8 {
			hi = int64(1)<<(8*size-1) - 1
			lo = -hi - 1
		}
		if v < lo || v > hi {
			return nil, fmt.Errorf("zcl: value %d out of range for %s", v, TypeName(t))
		}
	} else {
		if v < 0 || (size < 8 && uint64(v) >= uint64(1)<<(8*size)) {
			return nil, fmt.Errorf("zcl: value %d out of range for %s", v, TypeName(t))
		}
	}
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	return buf[:size], nil
}

// ToInt64 converts a decoded numeric value to int64.
func ToInt64(v interface{}) (int64, bool) {
	switch val := v.(type) {
	case int8:
		return int64(val), true
	case int16:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case int:
		return int64(val), true
	case uint8:
		return int64(val), true
	case uint16:
		return int64(val), true
	case uint32:
		return int64(val), true
	case uint64:
		if val > math.MaxInt64 {
			return 0, false
		}
		return int64(val), true
	case float64:
		if val > math.MaxInt64 || val < math.MinInt64 {
			return 0, false
		}
		return int64(val), true
	}
	return 0, false
}
