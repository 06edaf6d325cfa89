package storage

import (
	"sync"

	"github.com/weaverdb/mtcore/internal/storage/pager"
)

// shard owns one slice of the tag table; unrelated relations (different
// RelID % NShards) never contend on the same mutex.
type shard struct {
	mu    sync.Mutex
	index map[BufferTag]int // tag -> frame index
}

// BufferPool is the fixed-size frame array plus its sharded tag table. It
// implements FrameSource for DBWriter and owns the per-relation SMGR
// handles opened on demand, cached through a PathCache so a relation's file
// is opened (and flocked) once rather than on every page fault.
type BufferPool struct {
	cfg      pager.PagerConfig
	pageSize int

	frames []*BufferDesc
	shards [NShards]*shard

	relMu  sync.Mutex
	relDir map[string]string // blind -> file path
	paths  *PathCache

	clockMu  sync.Mutex
	clockPos int
}

// NewBufferPool allocates numFrames empty frames, each pageSize bytes.
// idleCommitCycles bounds how long an idle relation's SMGR handle stays
// open before PathCache evicts it (see Tick).
func NewBufferPool(numFrames, pageSize, idleCommitCycles int) *BufferPool {
	if idleCommitCycles <= 0 {
		idleCommitCycles = 100
	}
	bp := &BufferPool{pageSize: pageSize, relDir: make(map[string]string), paths: NewPathCache(idleCommitCycles)}
	bp.cfg.PageSize = pageSize
	bp.frames = make([]*BufferDesc, numFrames)
	for i := range bp.frames {
		bp.frames[i] = newBufferDesc(i, pageSize)
	}
	for i := range bp.shards {
		bp.shards[i] = &shard{index: make(map[BufferTag]int)}
	}
	return bp
}

// RegisterRelation records the on-disk path a blind identifier resolves
// to, so OpenRelation can lazily open its SMGR.
func (bp *BufferPool) RegisterRelation(blind, path string) {
	bp.relMu.Lock()
	bp.relDir[blind] = path
	bp.relMu.Unlock()
}

// OpenRelation opens (or reuses, via the pool's own PathCache) the SMGR
// backing blind. The handle is long-lived — callers must not Close it;
// CloseRelations releases everything at shutdown.
func (bp *BufferPool) OpenRelation(blind string) (*pager.SMGR, error) {
	return bp.paths.Get(blind, func() (*pager.SMGR, error) {
		bp.relMu.Lock()
		path, ok := bp.relDir[blind]
		bp.relMu.Unlock()
		if !ok {
			return nil, Newf(KindFatal, blind, "no registered relation path for %q", blind)
		}
		cfg := bp.cfg
		cfg.DBPath = path
		return pager.OpenSMGR(cfg)
	})
}

// CloseRelations closes every cached per-relation SMGR handle. Called from
// Store.Close once the writer has drained.
func (bp *BufferPool) CloseRelations() {
	bp.paths.CloseAll()
}

// Tick ages the relation path cache by one DBWriter commit cycle —
// satisfies the FrameSource interface so DBWriter's cycle can drive
// eviction without owning a second cache of its own.
func (bp *BufferPool) Tick() {
	bp.paths.Tick()
}

// Frame returns the BufferDesc at idx, or nil if idx is out of range.
func (bp *BufferPool) Frame(idx int) *BufferDesc {
	if idx < 0 || idx >= len(bp.frames) {
		return nil
	}
	return bp.frames[idx]
}

func (bp *BufferPool) shardFor(tag BufferTag) *shard {
	return bp.shards[tag.Shard()]
}

// lookup finds tag's frame index under its shard lock, or -1.
func (bp *BufferPool) lookup(tag BufferTag) int {
	sh := bp.shardFor(tag)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if idx, ok := sh.index[tag]; ok {
		return idx
	}
	return -1
}

// Pin locates or loads the frame for tag, incrementing refcount and
// pageaccess, per the spec's pin(frame) contract: requires VALID &&
// !DELETED on an already-resident frame; otherwise a victim is selected,
// invalidated from the tag table, and the requested block is read in.
func (bp *BufferPool) Pin(tag BufferTag, kind RelKind, blind string) (*BufferDesc, error) {
	if idx := bp.lookup(tag); idx >= 0 {
		bd := bp.frames[idx]
		bd.lock.Lock(LockShare, bd)
		bd.refcount++
		bd.pageaccess++
		bd.bias++
		bd.lock.Unlock(LockShare)
		return bd, nil
	}
	return bp.loadFrame(tag, kind, blind)
}

// loadFrame selects a replacement victim (clock order, skipping DIRTY and
// pinned frames), invalidates its tag-table entry, reads the requested
// block via SMGR, and installs it under the new tag.
func (bp *BufferPool) loadFrame(tag BufferTag, kind RelKind, blind string) (*BufferDesc, error) {
	smgr, err := bp.OpenRelation(blind)
	if err != nil {
		return nil, err
	}

	buf, err := smgr.Read(tag.BlockNo)
	if err != nil {
		return nil, Wrap(KindIoFailure, blind, err)
	}

	idx, err := bp.selectVictim()
	if err != nil {
		return nil, err
	}
	bd := bp.frames[idx]

	bd.lock.Lock(LockExclusive, bd)
	defer bd.lock.Unlock(LockExclusive)

	bp.evictTag(bd)

	bd.Tag = tag
	bd.Kind = kind
	bd.Blind = blind
	copy(bd.Live, buf)
	copy(bd.Shadow, buf)
	bd.Gen = 0
	bd.locFlags = locUsed | locValid
	bd.ioFlags = 0
	bd.refcount = 1
	bd.pageaccess = 1
	bd.bias = 1

	bp.installTag(tag, idx)

	return bd, nil
}

// AllocateBlock extends blind's relation file by one block and installs a
// freshly initialized empty slotted page into the pool under a new tag — the P_NEW
// path callers use when appending a page rather than reading one that
// already exists on disk (Pin has nothing to read yet).
func (bp *BufferPool) AllocateBlock(dbID, relID uint32, blind string, kind RelKind) (*BufferDesc, pager.PageID, error) {
	smgr, err := bp.OpenRelation(blind)
	if err != nil {
		return nil, 0, err
	}
	n, err := smgr.Extend(1)
	if err != nil {
		return nil, 0, Wrap(KindIoFailure, blind, err)
	}
	blockNo := pager.PageID(n - 1)
	tag := BufferTag{DBID: dbID, RelID: relID, BlockNo: blockNo}

	idx, err := bp.selectVictim()
	if err != nil {
		return nil, 0, err
	}
	bd := bp.frames[idx]

	bd.lock.Lock(LockExclusive, bd)
	defer bd.lock.Unlock(LockExclusive)

	bp.evictTag(bd)

	bd.Tag = tag
	bd.Kind = kind
	bd.Blind = blind
	pager.InitSlottedPage(bd.Live, pageTypeFor(kind), blockNo)
	copy(bd.Shadow, bd.Live)
	bd.Gen = 0
	bd.locFlags = locUsed | locValid
	bd.ioFlags = 0
	bd.refcount = 1
	bd.pageaccess = 1
	bd.bias = 1

	bp.installTag(tag, idx)

	return bd, blockNo, nil
}

// evictTag removes bd's current tag-table entry, if it was resident.
// Callers must hold bd.lock in LockExclusive.
func (bp *BufferPool) evictTag(bd *BufferDesc) {
	if bd.locFlags&locValid == 0 {
		return
	}
	oldShard := bp.shardFor(bd.Tag)
	oldShard.mu.Lock()
	delete(oldShard.index, bd.Tag)
	oldShard.mu.Unlock()
}

func (bp *BufferPool) installTag(tag BufferTag, idx int) {
	sh := bp.shardFor(tag)
	sh.mu.Lock()
	sh.index[tag] = idx
	sh.mu.Unlock()
}

// selectVictim walks the frame array in clock order, skipping frames that
// are pinned (refcount > 0) or DIRTY (only DBWriter may clear DIRTY).
func (bp *BufferPool) selectVictim() (int, error) {
	bp.clockMu.Lock()
	defer bp.clockMu.Unlock()

	n := len(bp.frames)
	for i := 0; i < n*2; i++ {
		pos := bp.clockPos % n
		bp.clockPos++
		bd := bp.frames[pos]
		if bd.locFlags&locValid == 0 {
			return pos, nil
		}
		if bd.refcount > 0 || bd.ioFlags&ioDirty != 0 {
			continue
		}
		if bd.bias > 0 {
			bd.bias--
			continue
		}
		return pos, nil
	}
	return -1, ErrResourceExhausted
}

// Unpin decrements refcount/pageaccess symmetrically with Pin.
func (bp *BufferPool) Unpin(bd *BufferDesc) {
	bd.lock.Lock(LockShare, bd)
	if bd.refcount > 0 {
		bd.refcount--
	}
	if bd.pageaccess > 0 {
		bd.pageaccess--
	}
	bd.lock.Unlock(LockShare)
}

// WriteBuffer marks the frame DIRTY, records it in ts's dirtied set (which
// commit registers with the current WriteGroup), and releases the caller's
// pin (write_buffer in the spec). No pin is handed to DBWriter; the DIRTY
// frame stays resident because selectVictim skips DIRTY frames.
func (bp *BufferPool) WriteBuffer(ts *TransactionState, bd *BufferDesc) {
	bd.lock.Lock(LockExclusive, bd)
	bd.ioFlags |= ioDirty
	bd.lock.Unlock(LockExclusive)
	ts.RegisterDirtied(bd.frameIdx)
	bp.Unpin(bd)
}

// WriteNoRelease is write_buffer without releasing the caller's own pin.
func (bp *BufferPool) WriteNoRelease(ts *TransactionState, bd *BufferDesc) {
	bd.lock.Lock(LockExclusive, bd)
	bd.ioFlags |= ioDirty
	bd.lock.Unlock(LockExclusive)
	ts.RegisterDirtied(bd.frameIdx)
}

// FlushBuffer synchronously drives one frame through write+flush without
// enqueuing to the WriteGroup — used for the transaction-status page
// during commit logging and the variable page during special commits.
func (bp *BufferPool) FlushBuffer(bd *BufferDesc) error {
	if err := bd.ioLock.Begin(ioStateWriteInProgress); err != nil {
		return err
	}
	defer bd.ioLock.Terminate()

	shadow := bd.AdvanceBufferIO(bd.Gen, true)
	smgr, err := bp.OpenRelation(bd.Blind)
	if err != nil {
		bd.ioLock.Fail()
		return err
	}
	if err := smgr.Flush(bd.Tag.BlockNo, shadow); err != nil {
		return err
	}
	bd.ioFlags &^= ioDirty | ioLogged
	return nil
}

// SetCommitInfoNeedsSave marks a frame DIRTY only, without flipping the
// group's shared-buffer-changed flag — used for in-place commit-status bit
// updates that don't need a fresh WriteGroup registration.
func (bp *BufferPool) SetCommitInfoNeedsSave(bd *BufferDesc) {
	bd.lock.Lock(LockExclusive, bd)
	bd.ioFlags |= ioDirty
	bd.lock.Unlock(LockExclusive)
}

// CheckLeaked reports frames still pinned by no active task — callers use
// this at end-of-transaction to catch refcount leaks.
func (bp *BufferPool) CheckLeaked() []BufferTag {
	var leaked []BufferTag
	for _, bd := range bp.frames {
		if bd.refcount > 0 {
			leaked = append(leaked, bd.Tag)
		}
	}
	return leaked
}
