// Package pager implements the page-file abstraction, buffer-pool frame
// store, shadow log, and B-tree access method of the storage core.
//
// The on-disk format is a single data file with fixed-size pages (commonly
// 8 KiB) plus a sequential shadow-log file. Page 0 is the superblock;
// subsequent pages are typed (B-tree internal, B-tree leaf, overflow,
// free-list). Every page carries a 32-byte header with type, page ID, LSN,
// and a 64-bit checksum. Crash recovery replays committed shadow-log
// records from the last checkpoint LSN forward.
package pager

import (
	"encoding/binary"
	"fmt"
	"hash/crc64"
)

// ───────────────────────────────────────────────────────────────────────────
// Constants
// ───────────────────────────────────────────────────────────────────────────

const (
	// DefaultPageSize is BLCKSZ (8 KiB).
	DefaultPageSize = 8192

	// MinPageSize is the minimum allowed page size (4 KiB).
	MinPageSize = 4096

	// MaxPageSize is the maximum allowed page size (64 KiB).
	MaxPageSize = 65536

	// PageHeaderSize is the size of the common page header in bytes.
	// Layout:
	//   [0]     PageType   (1 byte)
	//   [1]     Flags      (1 byte)
	//   [2:4]   Reserved   (2 bytes)
	//   [4:8]   PageID     (4 bytes, uint32 LE)
	//   [8:16]  LSN        (8 bytes, uint64 LE)
	//   [16:24] Checksum   (8 bytes, uint64 LE — CRC-64 with this field zeroed)
	//   [24:32] Reserved   (8 bytes)
	PageHeaderSize = 32

	// InvalidPageID represents a null/invalid page pointer.
	InvalidPageID PageID = 0

	// OverflowThreshold is the default max inline value size (bytes) before
	// an overflow page chain is used. Recomputed per page size at runtime.
	OverflowThreshold = 1024
)

// ───────────────────────────────────────────────────────────────────────────
// Page types
// ───────────────────────────────────────────────────────────────────────────

// PageType identifies the kind of data stored in a page (the spec's
// "relkind" distinction, at page rather than relation granularity).
type PageType uint8

const (
	PageTypeSuperblock    PageType = 0x01
	PageTypeBTreeInternal PageType = 0x02
	PageTypeBTreeLeaf     PageType = 0x03
	PageTypeOverflow      PageType = 0x04
	PageTypeFreeList      PageType = 0x05
	PageTypeHeap          PageType = 0x06
)

func (pt PageType) String() string {
	switch pt {
	case PageTypeSuperblock:
		return "Superblock"
	case PageTypeBTreeInternal:
		return "BTree-Internal"
	case PageTypeBTreeLeaf:
		return "BTree-Leaf"
	case PageTypeOverflow:
		return "Overflow"
	case PageTypeFreeList:
		return "FreeList"
	case PageTypeHeap:
		return "Heap"
	default:
		return fmt.Sprintf("Unknown(0x%02x)", uint8(pt))
	}
}

// ───────────────────────────────────────────────────────────────────────────
// Core types
// ───────────────────────────────────────────────────────────────────────────

// PageID is a 32-bit page identifier ("blockno"). Page 0 is always the
// superblock. PageIDNew (the spec's P_NEW) extends the relation.
type PageID uint32

// PageIDNew is the sentinel blockno meaning "extend the file by one page".
const PageIDNew PageID = 0xFFFFFFFF

// LSN is a monotonically increasing Log Sequence Number.
type LSN uint64

// TxID is a transaction identifier (the spec's xid).
type TxID uint64

// ───────────────────────────────────────────────────────────────────────────
// Page header
// ───────────────────────────────────────────────────────────────────────────

// PageHeader is the 32-byte header present at the start of every page.
type PageHeader struct {
	Type     PageType
	Flags    uint8
	Reserved uint16
	ID       PageID
	LSN      LSN
	Checksum uint64
	Pad      [8]byte
}

// MarshalHeader writes a PageHeader into the first PageHeaderSize bytes of buf.
func MarshalHeader(h *PageHeader, buf []byte) {
	if len(buf) < PageHeaderSize {
		panic("buffer too small for PageHeader")
	}
	buf[0] = byte(h.Type)
	buf[1] = h.Flags
	binary.LittleEndian.PutUint16(buf[2:4], h.Reserved)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.ID))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(h.LSN))
	binary.LittleEndian.PutUint64(buf[16:24], h.Checksum)
	copy(buf[24:32], h.Pad[:])
}

// UnmarshalHeader reads a PageHeader from the first PageHeaderSize bytes of buf.
func UnmarshalHeader(buf []byte) PageHeader {
	var h PageHeader
	h.Type = PageType(buf[0])
	h.Flags = buf[1]
	h.Reserved = binary.LittleEndian.Uint16(buf[2:4])
	h.ID = PageID(binary.LittleEndian.Uint32(buf[4:8]))
	h.LSN = LSN(binary.LittleEndian.Uint64(buf[8:16]))
	h.Checksum = binary.LittleEndian.Uint64(buf[16:24])
	copy(h.Pad[:], buf[24:32])
	return h
}

// ───────────────────────────────────────────────────────────────────────────
// Checksum helpers
// ───────────────────────────────────────────────────────────────────────────
//
// The spec calls for a lazy 64-bit checksum: it may be 0 (an "invalid"
// sentinel), or the last-computed value. hash/crc64 with the ISO polynomial
// is used rather than a third-party checksum package — see DESIGN.md for
// why no suitable library from the example pack covers CRC-64.

var crc64Table = crc64.MakeTable(crc64.ISO)

// ComputePageChecksum computes the CRC-64 of a full page, treating the
// checksum field (bytes 16..24) as zero during computation.
func ComputePageChecksum(page []byte) uint64 {
	h := crc64.New(crc64Table)
	h.Write(page[:16])
	h.Write(make([]byte, 8)) // zeroed checksum placeholder
	h.Write(page[24:])
	return h.Sum64()
}

// SetPageChecksum computes and writes the checksum into the page header.
func SetPageChecksum(page []byte) {
	c := ComputePageChecksum(page)
	binary.LittleEndian.PutUint64(page[16:24], c)
}

// VerifyPageChecksum checks the checksum of a page. A stored value of 0 is
// the "not computed" sentinel and is always accepted.
func VerifyPageChecksum(page []byte) error {
	stored := binary.LittleEndian.Uint64(page[16:24])
	if stored == 0 {
		return nil
	}
	computed := ComputePageChecksum(page)
	if stored != computed {
		pid := PageID(binary.LittleEndian.Uint32(page[4:8]))
		return fmt.Errorf("checksum mismatch on page %d: stored=%016x computed=%016x", pid, stored, computed)
	}
	return nil
}

// ───────────────────────────────────────────────────────────────────────────
// Page helper
// ───────────────────────────────────────────────────────────────────────────

// NewPage allocates a zeroed page buffer at the given size and writes its header.
func NewPage(pageSize int, pt PageType, id PageID) []byte {
	buf := make([]byte, pageSize)
	h := &PageHeader{Type: pt, ID: id}
	MarshalHeader(h, buf)
	return buf
}
