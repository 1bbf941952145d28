package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/unravelin/null"
)

var (
	ErrUnsupportedType = errors.New("unsupported value type")
	ErrMalformedRow    = errors.New("malformed row")
)

// Value tags. Each value in a row is a tag byte followed by its payload.
const (
	tagNull   byte = 0
	tagInt    byte = 1 // zig-zag varint
	tagUint   byte = 2 // uvarint
	tagFloat  byte = 3 // 8 bytes, big-endian IEEE 754
	tagBool   byte = 4 // 1 byte
	tagString byte = 5 // uvarint length + bytes
	tagBytes  byte = 6 // uvarint length + bytes
	tagTime   byte = 7 // varint unix nanoseconds
)

// AppendRow encodes row as a uvarint count followed by tagged values.
// Invalid null values encode as null.
func AppendRow(buf []byte, row []any) ([]byte, error) {
	buf = binary.AppendUvarint(buf, uint64(len(row)))
	for i, v := range row {
		var err error
		if buf, err = appendValue(buf, v); err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
	}
	return buf, nil
}

func appendValue(buf []byte, v any) ([]byte, error) {
	switch v := v.(type) {
	case nil:
		return append(buf, tagNull), nil
	case int:
		return appendInt(buf, int64(v)), nil
	case int8:
		return appendInt(buf, int64(v)), nil
	case int16:
		return appendInt(buf, int64(v)), nil
	case int32:
		return appendInt(buf, int64(v)), nil
	case int64:
		return appendInt(buf, v), nil
	case uint:
		return appendUint(buf, uint64(v)), nil
	case uint8:
		return appendUint(buf, uint64(v)), nil
	case uint16:
		return appendUint(buf, uint64(v)), nil
	case uint32:
		return appendUint(buf, uint64(v)), nil
	case uint64:
		return appendUint(buf, v), nil
	case float32:
		return appendFloat(buf, float64(v)), nil
	case float64:
		return appendFloat(buf, v), nil
	case bool:
		return appendBool(buf, v), nil
	case string:
		return appendString(buf, tagString, v), nil
	case []byte:
		return appendString(buf, tagBytes, string(v)), nil
	case time.Time:
		return appendTime(buf, v), nil
	case null.String:
		if !v.Valid {
			return append(buf, tagNull), nil
		}
		return appendString(buf, tagString, v.String), nil
	case null.Int:
		if !v.Valid {
			return append(buf, tagNull), nil
		}
		return appendInt(buf, v.Int64), nil
	case null.Float:
		if !v.Valid {
			return append(buf, tagNull), nil
		}
		return appendFloat(buf, v.Float64), nil
	case null.Bool:
		if !v.Valid {
			return append(buf, tagNull), nil
		}
		return appendBool(buf, v.Bool), nil
	case null.Time:
		if !v.Valid {
			return append(buf, tagNull), nil
		}
		return appendTime(buf, v.Time), nil
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
	}
}

func appendInt(buf []byte, v int64) []byte {
	return binary.AppendVarint(append(buf, tagInt), v)
}

func appendUint(buf []byte, v uint64) []byte {
	return binary.AppendUvarint(append(buf, tagUint), v)
}

func appendFloat(buf []byte, v float64) []byte {
	return binary.BigEndian.AppendUint64(append(buf, tagFloat), math.Float64bits(v))
}

func appendBool(buf []byte, v bool) []byte {
	if v {
		return append(buf, tagBool, 1)
	}
	return append(buf, tagBool, 0)
}

func appendString(buf []byte, tag byte, v string) []byte {
	buf = binary.AppendUvarint(append(buf, tag), uint64(len(v)))
	return append(buf, v...)
}

func appendTime(buf []byte, v time.Time) []byte {
	return binary.AppendVarint(append(buf, tagTime), v.UnixNano())
}

// ReadRow decodes a row written by AppendRow. Integers decode as int64,
// unsigned integers as uint64, floats as float64 and times in UTC. Strings
// and byte slices are copied out of data.
func ReadRow(data []byte) ([]any, error) {
	count, n := binary.Uvarint(data)
	if n <= 0 {
		return nil, fmt.Errorf("%w: bad value count", ErrMalformedRow)
	}
	data = data[n:]
	// every value takes at least a byte
	if count > uint64(len(data)) {
		return nil, fmt.Errorf("%w: %d values in %d bytes", ErrMalformedRow, count, len(data))
	}

	row := make([]any, count)
	for i := range row {
		v, rest, err := readValue(data)
		if err != nil {
			return nil, fmt.Errorf("value %d: %w", i, err)
		}
		row[i] = v
		data = rest
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrMalformedRow, len(data))
	}
	return row, nil
}

func readValue(data []byte) (any, []byte, error) {
	if len(data) == 0 {
		return nil, nil, fmt.Errorf("%w: missing tag", ErrMalformedRow)
	}
	tag, data := data[0], data[1:]
	switch tag {
	case tagNull:
		return nil, data, nil
	case tagInt, tagTime:
		v, n := binary.Varint(data)
		if n <= 0 {
			return nil, nil, fmt.Errorf("%w: bad varint", ErrMalformedRow)
		}
		if tag == tagTime {
			return time.Unix(0, v).UTC(), data[n:], nil
		}
		return v, data[n:], nil
	case tagUint:
		v, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, nil, fmt.Errorf("%w: bad uvarint", ErrMalformedRow)
		}
		return v, data[n:], nil
	case tagFloat:
		if len(data) < 8 {
			return nil, nil, fmt.Errorf("%w: short float", ErrMalformedRow)
		}
		return math.Float64frombits(binary.BigEndian.Uint64(data)), data[8:], nil
	case tagBool:
		if len(data) < 1 {
			return nil, nil, fmt.Errorf("%w: short bool", ErrMalformedRow)
		}
		return data[0] != 0, data[1:], nil
	case tagString, tagBytes:
		l, n := binary.Uvarint(data)
		if n <= 0 {
			return nil, nil, fmt.Errorf("%w: bad length", ErrMalformedRow)
		}
		data = data[n:]
		if l > uint64(len(data)) {
			return nil, nil, fmt.Errorf("%w: length %d overruns %d bytes", ErrMalformedRow, l, len(data))
		}
		if tag == tagString {
			return string(data[:l]), data[l:], nil
		}
		return append([]byte(nil), data[:l]...), data[l:], nil
	default:
		return nil, nil, fmt.Errorf("%w: unknown tag %d", ErrMalformedRow, tag)
	}
}
