package pager

import (
	"encoding/binary"
	"fmt"
)

// ───────────────────────────────────────────────────────────────────────────
// HeapTuple — MVCC header wrapped around the binary row codec
// ───────────────────────────────────────────────────────────────────────────
//
// Every stored row carries the header below ahead of its attribute payload
// (encoded with MarshalRow/UnmarshalRow). The header is fixed-size so
// HeapGetAttr-style system-attribute lookups (xmin, cmin, xmax, cmax, vtran,
// ctid) never need to touch the payload.
//
// Header layout (HeapTupleHeaderSize = 41 bytes):
//   [0:8]   Xmin      uint64 LE
//   [8:12]  Cmin      uint32 LE
//   [12:20] Xmax      uint64 LE
//   [20:24] Cmax      uint32 LE
//   [24:32] Vtran     uint64 LE  (the inserting task's virtual-transaction id)
//   [32:36] Ctid      uint32 LE  (self blockno; offset is the slot index, kept
//                                 out-of-band by the slotted page)
//   [36:38] Infomask  uint16 LE
//   [38:40] Natts     uint16 LE
//   [40]    Hoff      uint8      (= HeapTupleHeaderSize, kept explicit per spec)

const HeapTupleHeaderSize = 41

// Infomask bits.
const (
	InfomaskHasNull       uint16 = 1 << 0
	InfomaskHasVarlena    uint16 = 1 << 1
	InfomaskXmaxInvalid   uint16 = 1 << 2
	InfomaskXminCommitted uint16 = 1 << 3
	InfomaskXmaxCommitted uint16 = 1 << 4
	InfomaskMarkedForUpd  uint16 = 1 << 5
	InfomaskMovedIn       uint16 = 1 << 6
)

// HeapTupleHeader is the decoded fixed-size MVCC header.
type HeapTupleHeader struct {
	Xmin     TxID
	Cmin     uint32
	Xmax     TxID
	Cmax     uint32
	Vtran    uint64
	Ctid     PageID
	Infomask uint16
	Natts    uint16
	Hoff     uint8
}

// MarshalHeapTupleHeader writes h into the first HeapTupleHeaderSize bytes of buf.
func MarshalHeapTupleHeader(h *HeapTupleHeader, buf []byte) {
	if len(buf) < HeapTupleHeaderSize {
		panic("buffer too small for HeapTupleHeader")
	}
	binary.LittleEndian.PutUint64(buf[0:8], uint64(h.Xmin))
	binary.LittleEndian.PutUint32(buf[8:12], h.Cmin)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(h.Xmax))
	binary.LittleEndian.PutUint32(buf[20:24], h.Cmax)
	binary.LittleEndian.PutUint64(buf[24:32], h.Vtran)
	binary.LittleEndian.PutUint32(buf[32:36], uint32(h.Ctid))
	binary.LittleEndian.PutUint16(buf[36:38], h.Infomask)
	binary.LittleEndian.PutUint16(buf[38:40], h.Natts)
	buf[40] = HeapTupleHeaderSize
}

// UnmarshalHeapTupleHeader reads a header from the first HeapTupleHeaderSize
// bytes of buf.
func UnmarshalHeapTupleHeader(buf []byte) (HeapTupleHeader, error) {
	if len(buf) < HeapTupleHeaderSize {
		return HeapTupleHeader{}, fmt.Errorf("tuple header truncated: %d bytes", len(buf))
	}
	return HeapTupleHeader{
		Xmin:     TxID(binary.LittleEndian.Uint64(buf[0:8])),
		Cmin:     binary.LittleEndian.Uint32(buf[8:12]),
		Xmax:     TxID(binary.LittleEndian.Uint64(buf[12:20])),
		Cmax:     binary.LittleEndian.Uint32(buf[20:24]),
		Vtran:    binary.LittleEndian.Uint64(buf[24:32]),
		Ctid:     PageID(binary.LittleEndian.Uint32(buf[32:36])),
		Infomask: binary.LittleEndian.Uint16(buf[36:38]),
		Natts:    binary.LittleEndian.Uint16(buf[38:40]),
		Hoff:     buf[40],
	}, nil
}

// nullBitmapSize returns ceil(natts/8).
func nullBitmapSize(natts int) int {
	return (natts + 7) / 8
}

// bitmapIsNull reports whether attribute i is null, given a packed bitmap
// where bit i of byte i/8 is set when the attribute IS present (PostgreSQL
// convention: 1 = not null).
func bitmapIsNull(bitmap []byte, i int) bool {
	byteIdx := i / 8
	bitIdx := uint(i % 8)
	if byteIdx >= len(bitmap) {
		return true
	}
	return bitmap[byteIdx]&(1<<bitIdx) == 0
}

func buildNullBitmap(row []any) ([]byte, bool) {
	hasNull := false
	for _, v := range row {
		if v == nil {
			hasNull = true
			break
		}
	}
	if !hasNull {
		return nil, false
	}
	bm := make([]byte, nullBitmapSize(len(row)))
	for i, v := range row {
		if v != nil {
			bm[i/8] |= 1 << uint(i%8)
		}
	}
	return bm, true
}

// EncodeHeapTuple forms a full on-page tuple: header, optional null bitmap,
// then the attribute payload encoded with MarshalRow. Mirrors heap_insert's
// "compute data size via per-attribute alignment + length" step, but since
// attribute storage here is already self-describing (tagged) there is no
// separate alignment pass.
func EncodeHeapTuple(h HeapTupleHeader, row []any) []byte {
	bitmap, hasNull := buildNullBitmap(row)
	if hasNull {
		h.Infomask |= InfomaskHasNull
	} else {
		h.Infomask &^= InfomaskHasNull
	}
	h.Natts = uint16(len(row))

	hdr := make([]byte, HeapTupleHeaderSize)
	MarshalHeapTupleHeader(&h, hdr)

	payload := MarshalRow(row, nil)

	out := make([]byte, 0, len(hdr)+len(bitmap)+len(payload))
	out = append(out, hdr...)
	out = append(out, bitmap...)
	out = append(out, payload...)
	return out
}

// DecodeHeapTuple splits a raw on-page tuple into its header and row values.
func DecodeHeapTuple(buf []byte) (HeapTupleHeader, []any, error) {
	h, err := UnmarshalHeapTupleHeader(buf)
	if err != nil {
		return HeapTupleHeader{}, nil, err
	}
	off := int(h.Hoff)
	if h.Infomask&InfomaskHasNull != 0 {
		off += nullBitmapSize(int(h.Natts))
	}
	if off > len(buf) {
		return HeapTupleHeader{}, nil, fmt.Errorf("tuple payload offset %d exceeds length %d", off, len(buf))
	}
	row, err := UnmarshalRow(buf[off:])
	if err != nil {
		return HeapTupleHeader{}, nil, fmt.Errorf("decode tuple payload: %w", err)
	}
	return h, row, nil
}

// HeapGetAttr returns attribute attnum from an already-decoded row, or a
// system attribute when attnum is negative (self ctid, oid, xmin, cmin,
// xmax, cmax, vtran), mirroring the spec's fixed offset table for system
// columns. isnull reports whether the returned value is a SQL NULL.
func HeapGetAttr(h HeapTupleHeader, row []any, attnum int) (val any, isnull bool) {
	switch {
	case attnum == SysAttrSelfCtid:
		return uint32(h.Ctid), false
	case attnum == SysAttrXmin:
		return uint64(h.Xmin), false
	case attnum == SysAttrCmin:
		return h.Cmin, false
	case attnum == SysAttrXmax:
		return uint64(h.Xmax), false
	case attnum == SysAttrCmax:
		return h.Cmax, false
	case attnum == SysAttrVtran:
		return h.Vtran, false
	case attnum < 0:
		return nil, true
	case attnum >= len(row):
		return nil, true
	default:
		v := row[attnum]
		return v, v == nil
	}
}

// System attribute numbers (negative, per the spec's HeapGetAttr contract).
const (
	SysAttrSelfCtid = -1
	SysAttrOid      = -2
	SysAttrXmin     = -3
	SysAttrCmin     = -4
	SysAttrXmax     = -5
	SysAttrCmax     = -6
	SysAttrVtran    = -7
)
