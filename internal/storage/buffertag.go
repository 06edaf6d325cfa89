package storage

import "github.com/weaverdb/mtcore/internal/storage/pager"

// TxID is an alias for the pager's transaction identifier: the same xid
// space backs both layers, so a transaction's xid needs no translation
// when it crosses from the transaction manager down into SMGR calls.
type TxID = pager.TxID

// NShards is the number of shard chains the buffer pool's tag table is
// split across. A frame's shard is chosen by relid % NShards, and each
// shard owns its own mutex so unrelated relations never contend.
const NShards = 16

// RelKind distinguishes heap pages from index pages; it selects the page
// type written by AllocateBlock and logFrame and whether AdvanceBufferIO
// recomputes the checksum. It does not select a checksum-failure policy.
type RelKind uint8

const (
	RelKindHeap RelKind = iota
	RelKindIndex
	RelKindSpecial
)

// BufferTag uniquely keys a page frame in the cache.
type BufferTag struct {
	DBID    uint32
	RelID   uint32
	BlockNo pager.PageID // pager.PageIDNew is the P_NEW sentinel
}

// Shard returns the tag-table shard this tag hashes to.
func (t BufferTag) Shard() int {
	return int(t.RelID % NShards)
}

// locFlags bits — frame residency/lock state.
type locFlags uint16

const (
	locUsed locFlags = 1 << iota
	locValid
	locDeleted
	locWritelock
	locExclusive
	locCritical
)

// ioFlags bits — I/O state machine (see the transition table in ioState).
type ioFlags uint16

const (
	ioDirty ioFlags = 1 << iota
	ioLogged
	ioInbound
	ioReadInProgress
	ioLogInProgress
	ioWriteInProgress
	ioError
)

// BufferDesc is the per-frame metadata the buffer pool tracks. The live and
// shadow page buffers are two distinct fixed-size byte slices so DBWriter
// can stream a stable image while the owning task keeps mutating the live
// page (see BufferGetBlock/AdvanceBufferIO).
type BufferDesc struct {
	Tag    BufferTag
	Blind  string // "dbid/relname" — lets writeout happen without a relcache entry
	Kind   RelKind
	Live   []byte
	Shadow []byte
	Gen    uint64 // generation counter; bumped each time Shadow is refreshed

	locFlags locFlags
	ioFlags  ioFlags

	refcount   int // global pin count
	pageaccess int // pins intending to read/modify page bytes
	bias       int // replacement-policy hint (recently-pinned frames score higher)

	waitersRead       int
	waitersWrite      int
	waitersExclusive  int
	waitersPageExcl   int
	waitersRefExcl    int

	lock   *ContextLock
	ioLock *IOLock

	frameIdx int // index into the pool's frame array
}

func newBufferDesc(idx int, pageSize int) *BufferDesc {
	bd := &BufferDesc{
		Live:     make([]byte, pageSize),
		Shadow:   make([]byte, pageSize),
		frameIdx: idx,
	}
	bd.lock = NewContextLock()
	bd.ioLock = NewIOLock()
	return bd
}

func (bd *BufferDesc) isResident() bool {
	return bd.locFlags&locValid != 0 && bd.locFlags&locDeleted == 0
}

// BufferGetBlock returns the live page, first copying it into the shadow
// buffer if a DBWriter generation bump is pending — this is the "a writer
// may keep mutating Live while DBWriter streams a stable Shadow" contract.
func (bd *BufferDesc) BufferGetBlock(pendingGen uint64) []byte {
	if bd.Gen != pendingGen {
		copy(bd.Shadow, bd.Live)
		bd.Gen = pendingGen
	}
	return bd.Live
}

// AdvanceBufferIO refreshes the shadow buffer from the live page (unless
// already current for this generation), recomputes its checksum for
// non-special relkinds, and returns the shadow pointer — what SMGR reads
// from during writeout.
func (bd *BufferDesc) AdvanceBufferIO(gen uint64, forFlush bool) []byte {
	if bd.Gen != gen {
		copy(bd.Shadow, bd.Live)
		bd.Gen = gen
	}
	if bd.Kind != RelKindSpecial {
		pager.SetPageChecksum(bd.Shadow)
	}
	return bd.Shadow
}
