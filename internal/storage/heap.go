package storage

import (
	"sync"

	"github.com/weaverdb/mtcore/internal/storage/pager"
)

// Heap is one relation's heap access method. Rows live as encoded
// HeapTuples inside real slotted pages (pager.SlottedPage) cached by the
// buffer pool — every insert/delete/update goes through Pin, a content
// lock, an in-place page mutation, and BufferPool.WriteBuffer, so the
// dirtied frame actually reaches the current WriteGroup and DBWriter's
// log-then-write pipeline. A TID packs (blockno, slot), mirroring ctid over
// a real heap page rather than a synthetic monotonic key.
type Heap struct {
	pool  *BufferPool
	dbID  uint32
	relID uint32
	blind string

	mu      sync.Mutex
	nblocks int
}

func encodeTID(block pager.PageID, slot int) uint64 {
	return uint64(block)<<32 | uint64(uint32(slot))
}

func decodeTID(tid uint64) (pager.PageID, int) {
	return pager.PageID(tid >> 32), int(uint32(tid))
}

// CreateHeap allocates a relation's first page through the buffer pool and
// registers it with ts, so the new page flows through the normal
// write-group/DBWriter path exactly like any other dirtied frame.
func CreateHeap(pool *BufferPool, ts *TransactionState, dbID, relID uint32, blind string) (*Heap, error) {
	bd, _, err := pool.AllocateBlock(dbID, relID, blind, RelKindHeap)
	if err != nil {
		return nil, err
	}
	pool.WriteBuffer(ts, bd)
	return &Heap{pool: pool, dbID: dbID, relID: relID, blind: blind, nblocks: 1}, nil
}

// OpenHeap reopens a heap whose relation file already has pages on disk.
func OpenHeap(pool *BufferPool, dbID, relID uint32, blind string) (*Heap, error) {
	smgr, err := pool.OpenRelation(blind)
	if err != nil {
		return nil, err
	}
	n, err := smgr.NBlocks()
	if err != nil {
		return nil, Wrap(KindIoFailure, blind, err)
	}
	return &Heap{pool: pool, dbID: dbID, relID: relID, blind: blind, nblocks: n}, nil
}

func (h *Heap) tag(block pager.PageID) BufferTag {
	return BufferTag{DBID: h.dbID, RelID: h.relID, BlockNo: block}
}

// HeapInsert forms a tuple with xmin = ts.Xid, xmax_invalid, and writes it
// into the first block with enough free space, extending the relation with
// a freshly allocated page if none has room — mirrors heap_insert's
// RelationGetBufferForTuple probe-then-extend loop.
func (h *Heap) HeapInsert(ts *TransactionState, row []any) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hdr := pager.HeapTupleHeader{
		Xmin:     ts.Xid,
		Cmin:     ts.Cmid,
		Infomask: pager.InfomaskXmaxInvalid,
	}
	buf := pager.EncodeHeapTuple(hdr, row)

	for block := pager.PageID(0); int(block) < h.nblocks; block++ {
		bd, err := h.pool.Pin(h.tag(block), RelKindHeap, h.blind)
		if err != nil {
			return 0, err
		}
		bd.lock.Lock(LockExclusive, bd)
		sp := pager.WrapSlottedPage(bd.Live)
		if sp.FreeSpace() < len(buf) {
			bd.lock.Unlock(LockExclusive)
			h.pool.Unpin(bd)
			continue
		}
		slot, insErr := sp.InsertRecord(buf)
		bd.lock.Unlock(LockExclusive)
		if insErr != nil {
			h.pool.Unpin(bd)
			continue
		}
		h.pool.WriteBuffer(ts, bd)
		return encodeTID(block, slot), nil
	}

	bd, block, err := h.pool.AllocateBlock(h.dbID, h.relID, h.blind, RelKindHeap)
	if err != nil {
		return 0, err
	}
	h.nblocks++

	bd.lock.Lock(LockExclusive, bd)
	sp := pager.WrapSlottedPage(bd.Live)
	slot, err := sp.InsertRecord(buf)
	bd.lock.Unlock(LockExclusive)
	if err != nil {
		h.pool.Unpin(bd)
		return 0, Wrap(KindIoFailure, h.blind, err)
	}
	h.pool.WriteBuffer(ts, bd)
	return encodeTID(block, slot), nil
}

// HeapUpdateStatus is the result of heap_delete/heap_update's visibility
// check against the current tuple version.
type HeapUpdateStatus uint8

const (
	HeapUpdateOK HeapUpdateStatus = iota
	HeapUpdateSelfUpdated
	HeapUpdateConcurrentUpdate
	HeapUpdateNotFound
)

// heapFetch pins tid's block, locks it exclusively, and hands the slotted
// page + slot to fn. If fn reports the page as dirtied, the frame is
// registered with ts and its pin handed to WriteBuffer; otherwise the pin
// is simply released. This is the one place HeapDelete/HeapUpdate touch a
// page in place, so both always go through the same pin/lock/write path.
func (h *Heap) heapFetch(ts *TransactionState, tid uint64, fn func(sp *pager.SlottedPage, slot int) (dirty bool, err error)) error {
	block, slot := decodeTID(tid)
	bd, err := h.pool.Pin(h.tag(block), RelKindHeap, h.blind)
	if err != nil {
		return err
	}
	bd.lock.Lock(LockExclusive, bd)
	sp := pager.WrapSlottedPage(bd.Live)
	dirty, ferr := fn(sp, slot)
	bd.lock.Unlock(LockExclusive)

	if dirty {
		h.pool.WriteBuffer(ts, bd)
	} else {
		h.pool.Unpin(bd)
	}
	return ferr
}

// HeapDelete fetches the tuple at tid, verifies visibility under snap, and
// writes xmax = ts.Xid in place.
func (h *Heap) HeapDelete(ts *TransactionState, tid uint64, snap Snapshot) (HeapUpdateStatus, error) {
	status := HeapUpdateNotFound
	err := h.heapFetch(ts, tid, func(sp *pager.SlottedPage, slot int) (bool, error) {
		if slot < 0 || slot >= sp.SlotCount() || sp.IsDeleted(slot) {
			return false, nil
		}
		hdr, row, err := pager.DecodeHeapTuple(sp.GetRecord(slot))
		if err != nil {
			return false, Wrap(KindCorruptedPage, h.blind, err)
		}
		if !HeapTupleSatisfies(hdr, snap) {
			return false, nil
		}
		if hdr.Xmax == ts.Xid {
			status = HeapUpdateSelfUpdated
			return false, nil
		}
		if hdr.Infomask&pager.InfomaskXmaxInvalid == 0 && hdr.Xmax != 0 {
			status = HeapUpdateConcurrentUpdate
			return false, nil
		}

		hdr.Xmax = ts.Xid
		hdr.Cmax = ts.Cmid
		hdr.Infomask &^= pager.InfomaskXmaxInvalid
		if err := sp.UpdateRecord(slot, pager.EncodeHeapTuple(hdr, row)); err != nil {
			return false, Wrap(KindIoFailure, h.blind, err)
		}
		status = HeapUpdateOK
		return true, nil
	})
	return status, err
}

// HeapUpdate marks the current version deleted (xmax = ts.Xid) then inserts
// newRow as a fresh tuple, mirroring heap_update's delete-then-insert
// behavior. Unlike the teacher's single B+Tree design, the new version is
// not chained from the old one via ctid — sequential scans rely solely on
// HeapTupleSatisfies for visibility, matching how HeapGetAttr's ctid is
// documented as a self-reference, not an update-chain pointer.
func (h *Heap) HeapUpdate(ts *TransactionState, tid uint64, newRow []any, snap Snapshot) (uint64, HeapUpdateStatus, error) {
	status := HeapUpdateNotFound
	err := h.heapFetch(ts, tid, func(sp *pager.SlottedPage, slot int) (bool, error) {
		if slot < 0 || slot >= sp.SlotCount() || sp.IsDeleted(slot) {
			return false, nil
		}
		hdr, row, err := pager.DecodeHeapTuple(sp.GetRecord(slot))
		if err != nil {
			return false, Wrap(KindCorruptedPage, h.blind, err)
		}
		if !HeapTupleSatisfies(hdr, snap) {
			return false, nil
		}
		if hdr.Xmax == ts.Xid {
			status = HeapUpdateSelfUpdated
			return false, nil
		}
		if hdr.Infomask&pager.InfomaskXmaxInvalid == 0 && hdr.Xmax != 0 {
			status = HeapUpdateConcurrentUpdate
			return false, nil
		}

		hdr.Xmax = ts.Xid
		hdr.Cmax = ts.Cmid
		hdr.Infomask &^= pager.InfomaskXmaxInvalid
		if err := sp.UpdateRecord(slot, pager.EncodeHeapTuple(hdr, row)); err != nil {
			return false, Wrap(KindIoFailure, h.blind, err)
		}
		status = HeapUpdateOK
		return true, nil
	})
	if err != nil {
		return 0, HeapUpdateNotFound, err
	}
	if status != HeapUpdateOK {
		return 0, status, nil
	}

	newTid, err := h.HeapInsert(ts, newRow)
	if err != nil {
		return 0, HeapUpdateNotFound, err
	}
	return newTid, HeapUpdateOK, nil
}

// HeapTupleSatisfies applies MVCC snapshot-isolation visibility: a version
// is visible if its inserter is visible to snap (see xidVisible) and either
// it was never deleted, or its deleter is not visible to snap. The reading
// transaction's own xid gets no exception: while it is in snap.Active, its
// own inserts are not visible.
func HeapTupleSatisfies(hdr pager.HeapTupleHeader, snap Snapshot) bool {
	if !xidVisible(hdr.Xmin, snap) {
		return false
	}
	if hdr.Infomask&pager.InfomaskXmaxInvalid != 0 {
		return true
	}
	if hdr.Xmax == 0 {
		return true
	}
	return !xidVisible(hdr.Xmax, snap)
}

// xidVisible reports whether xid's effects are visible to snap: committed
// before the snapshot was taken and not itself concurrently active.
func xidVisible(xid TxID, snap Snapshot) bool {
	if xid == 0 {
		return false
	}
	if xid >= snap.Xmax {
		return false
	}
	if _, inProgress := snap.Active[xid]; inProgress {
		return false
	}
	return true
}

// ScanKey is one HeapKeyTest predicate: attribute attnum must compare
// true against Value using Op.
type ScanKey struct {
	AttNum int
	Op     func(attr any, value any) bool
	Value  any
}

// HeapScan is a cursor over a heap's pages, visiting blocks in order and
// slots within each block in directory order.
type HeapScan struct {
	heap *Heap
	snap Snapshot
	keys []ScanKey
}

// HeapBeginScan returns a scan cursor combining a snapshot and scan keys.
func (h *Heap) HeapBeginScan(snap Snapshot, keys []ScanKey) *HeapScan {
	return &HeapScan{heap: h, snap: snap, keys: keys}
}

// HeapGetNext walks the heap block by block, applying key tests before the
// (more expensive) visibility test on each candidate, invoking fn for every
// tuple that passes both. fn returning false stops the scan early.
func (s *HeapScan) HeapGetNext(fn func(tid uint64, row []any) bool) error {
	h := s.heap
	h.mu.Lock()
	nblocks := h.nblocks
	h.mu.Unlock()

	for block := pager.PageID(0); int(block) < nblocks; block++ {
		bd, err := h.pool.Pin(h.tag(block), RelKindHeap, h.blind)
		if err != nil {
			return err
		}
		cont, err := s.scanBlock(bd, block, fn)
		h.pool.Unpin(bd)
		if err != nil {
			return err
		}
		if !cont {
			return nil
		}
	}
	return nil
}

func (s *HeapScan) scanBlock(bd *BufferDesc, block pager.PageID, fn func(uint64, []any) bool) (bool, error) {
	bd.lock.Lock(LockShare, bd)
	defer bd.lock.Unlock(LockShare)

	sp := pager.WrapSlottedPage(bd.Live)
	sc := sp.SlotCount()
	for slot := 0; slot < sc; slot++ {
		if sp.IsDeleted(slot) {
			continue
		}
		hdr, row, err := pager.DecodeHeapTuple(sp.GetRecord(slot))
		if err != nil {
			return false, Wrap(KindCorruptedPage, s.heap.blind, err)
		}
		if !s.passesKeys(row) {
			continue
		}
		if !HeapTupleSatisfies(hdr, s.snap) {
			continue
		}
		if !fn(encodeTID(block, slot), row) {
			return false, nil
		}
	}
	return true, nil
}

func (s *HeapScan) passesKeys(row []any) bool {
	for _, k := range s.keys {
		val, _ := pager.HeapGetAttr(pager.HeapTupleHeader{}, row, k.AttNum)
		if !k.Op(val, k.Value) {
			return false
		}
	}
	return true
}
