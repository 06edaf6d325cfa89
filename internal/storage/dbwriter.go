package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weaverdb/mtcore/internal/storage/pager"
)

// PathCache caches a per-relation file handle surrogate so DBWriter avoids
// re-resolving a relation name to its SMGR/file on every writeout; entries
// idle for PathCacheIdleCycles commit cycles are evicted.
type PathCache struct {
	mu      sync.Mutex
	idleMax int
	entries map[string]*pathEntry
}

type pathEntry struct {
	smgr *pager.SMGR
	idle int
}

func NewPathCache(idleMax int) *PathCache {
	return &PathCache{idleMax: idleMax, entries: make(map[string]*pathEntry)}
}

// Get returns the cached SMGR for blind, resolving via open if absent.
func (pc *PathCache) Get(blind string, open func() (*pager.SMGR, error)) (*pager.SMGR, error) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if e, ok := pc.entries[blind]; ok {
		e.idle = 0
		return e.smgr, nil
	}
	s, err := open()
	if err != nil {
		return nil, err
	}
	pc.entries[blind] = &pathEntry{smgr: s}
	return s, nil
}

// Tick ages every entry by one commit cycle, closing and evicting any that
// have been idle for idleMax cycles in a row.
func (pc *PathCache) Tick() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for blind, e := range pc.entries {
		e.idle++
		if e.idle >= pc.idleMax {
			e.smgr.Close()
			delete(pc.entries, blind)
		}
	}
}

func (pc *PathCache) CloseAll() {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	for blind, e := range pc.entries {
		e.smgr.Close()
		delete(pc.entries, blind)
	}
}

// FrameSource is the subset of the buffer pool DBWriter needs: look up a
// BufferDesc by frame index, resolve the SMGR backing its relation, and age
// the pool's own relation-path cache once per commit cycle.
type FrameSource interface {
	Frame(idx int) *BufferDesc
	OpenRelation(blind string) (*pager.SMGR, error)
	Tick()
}

// DBWriter is the dedicated writer task: it owns a rotating pair of
// WriteGroups, drains whichever fills up, logs dirtied frames to the
// shadow log, writes home pages, and fsyncs.
type DBWriter struct {
	cfg    Config
	log    *Logger
	frames FrameSource

	mu      sync.Mutex
	current *WriteGroup
	sync_   *WriteGroup // the sync-only accumulator, folded in when loggable && under max_logcount

	syncBuffers atomic.Int64
	maxLogCount int

	snapshotCmd string

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewDBWriter builds a DBWriter with its two write groups linked in a
// cycle; Current() starts on the first of the pair.
func NewDBWriter(cfg Config, lg *Logger, frames FrameSource, poolSize int) *DBWriter {
	a, _ := NewWriteGroupPair()
	maxLog := cfg.MaxLogCount
	if maxLog == 0 {
		maxLog = poolSize
	}
	return &DBWriter{
		cfg:         cfg,
		log:         lg,
		frames:      frames,
		current:     a,
		maxLogCount: maxLog,
		snapshotCmd: cfg.SnapshotCommand,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}
}

// Current returns whichever group is accepting new registrants — the
// dbWriterGroups interface TxManager depends on.
func (w *DBWriter) Current() *WriteGroup {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Run drives the main loop until Stop is called. Intended to run as the
// dedicated writer goroutine.
func (w *DBWriter) Run(ctx context.Context) {
	defer close(w.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}
		if err := w.cycle(ctx); err != nil {
			w.log.Errorf("dbwriter cycle: %v", err)
		}
	}
}

func (w *DBWriter) Stop() {
	close(w.stopCh)
	<-w.doneCh
}

// cycle runs one full pass of the 9-step algorithm.
func (w *DBWriter) cycle(ctx context.Context) error {
	g := w.Current()

	// 2. wait for commits: bounded by SyncTimeout if sync-only buffers are
	// accumulated, and timing out makes this pass PRIMED/not loggable.
	// Otherwise wait up to GroupCommitTimeout; if the group is still not
	// READY and no flush was requested, return so Run can see Stop or
	// cancellation before waiting again.
	loggable := true
	if w.syncBuffers.Load() > 0 {
		state := g.WaitState(GroupReady, w.cfg.SyncTimeout)
		if state != GroupReady && !g.FlushRun() {
			g.SetState(GroupPrimed)
			loggable = false
		}
	} else if !lifecycleAtLeast(g.WaitState(GroupReady, w.cfg.GroupCommitTimeout), GroupReady) && !g.FlushRun() {
		return nil
	}
	g.setLoggable(loggable)

	// 3. advance queue: rotate current to the sibling before processing,
	// inheriting LastSoftXid so soft-commit serialization survives rotation.
	w.mu.Lock()
	next := g.Sibling
	next.LastSoftXid = g.LastSoftXid
	w.current = next
	w.mu.Unlock()

	g.SetState(GroupRunning)

	frames := g.RegisteredFrames()
	releases := 0

	// 4. log phase.
	if g.Loggable() {
		for _, idx := range frames {
			bd := w.frames.Frame(idx)
			if bd == nil {
				continue
			}
			if bd.ioFlags&ioDirty != 0 {
				if err := w.logFrame(g, bd); err != nil {
					return err
				}
				releases++
			} else {
				// coalesced: frame was already written by an earlier
				// activation; only the release count advances.
				releases++
			}
		}
		g.SetState(GroupLogged)
	}

	// 5. fold into sync accumulator when under max_logcount and not a
	// forced flush — skip data-page writes this cycle.
	if g.Loggable() && int(w.syncBuffers.Load()) < w.maxLogCount && !g.FlushRun() {
		w.syncBuffers.Add(int64(len(frames)))
		w.mu.Lock()
		w.sync_ = g
		w.mu.Unlock()
		w.finishReleases(g, releases)
		return nil
	}

	// 6-7. write home pages for this group and any folded sync accumulator.
	pending := frames
	w.mu.Lock()
	if w.sync_ != nil && w.sync_ != g {
		pending = append(pending, w.sync_.RegisteredFrames()...)
	}
	w.sync_ = nil
	w.mu.Unlock()
	w.syncBuffers.Store(0)

	for _, idx := range pending {
		bd := w.frames.Frame(idx)
		if bd == nil {
			continue
		}
		if err := w.writeFrame(bd); err != nil {
			return err
		}
	}
	g.SetState(GroupSynced)

	// 8. optional external snapshot command after a full sync.
	if w.snapshotCmd != "" {
		if err := runSnapshotCommand(w.snapshotCmd); err != nil {
			w.log.Warnf("snapshot command failed: %v", err)
		}
	}

	w.finishReleases(g, releases)
	w.frames.Tick()
	return nil
}

func (w *DBWriter) finishReleases(g *WriteGroup, releases int) {
	g.MarkPendingReleases(releases)
	for i := 0; i < releases; i++ {
		g.ReleaseOne()
	}
	// 9. mark COMPLETED and broadcast waiters.
	g.Complete()
}

func (w *DBWriter) logFrame(g *WriteGroup, bd *BufferDesc) error {
	if err := bd.ioLock.Begin(ioStateLogInProgress); err != nil {
		return err
	}
	defer bd.ioLock.Terminate()

	shadow := bd.AdvanceBufferIO(bd.Gen+1, false)
	smgr, err := w.frames.OpenRelation(bd.Blind)
	if err != nil {
		bd.ioLock.Fail()
		return err
	}
	xid, err := smgr.BeginLog()
	if err != nil {
		return err
	}
	if err := smgr.Log(xid, bd.Tag.BlockNo, pageTypeFor(bd.Kind), shadow); err != nil {
		return err
	}
	if err := smgr.CommitLog(xid); err != nil {
		return err
	}
	bd.ioFlags = bd.ioFlags&^ioDirty | ioLogged
	return nil
}

func (w *DBWriter) writeFrame(bd *BufferDesc) error {
	if err := bd.ioLock.Begin(ioStateWriteInProgress); err != nil {
		return err
	}
	defer bd.ioLock.Terminate()

	shadow := bd.AdvanceBufferIO(bd.Gen, true)
	smgr, err := w.frames.OpenRelation(bd.Blind)
	if err != nil {
		bd.ioLock.Fail()
		return err
	}
	if err := smgr.Write(0, bd.Tag.BlockNo, shadow); err != nil {
		return err
	}
	if err := smgr.Flush(bd.Tag.BlockNo, shadow); err != nil {
		return err
	}
	bd.ioFlags &^= ioDirty | ioLogged
	return nil
}

func pageTypeFor(k RelKind) pager.PageType {
	if k == RelKindIndex {
		return pager.PageTypeBTreeLeaf
	}
	return pager.PageTypeHeap
}

// runSnapshotCommand is the seam SetSnapshotRunner overrides; production
// wiring executes the configured shell command via os/exec at the call
// site that builds the Store (kept out of this package to avoid an
// os/exec import here).
var runSnapshotCommand = func(cmd string) error { return nil }

// SetSnapshotRunner overrides how DBWriter executes SnapshotCommand after a
// full sync. Callers that want the shell-out behavior (e.g. the CLI) pass
// an os/exec-backed fn; tests can pass one that records calls instead.
func SetSnapshotRunner(fn func(cmd string) error) {
	runSnapshotCommand = fn
}

// FlushAll requests every dirty frame be written, folding the sync
// accumulator and processing synchronously, then broadcasting.
func (w *DBWriter) FlushAll() {
	w.Current().RequestFlush()
}

// WaitIdle blocks until the DBWriter goroutine has exited (after Stop or
// cancellation of Run's context) or timeout elapses, and reports whether it
// exited.
func (w *DBWriter) WaitIdle(timeout time.Duration) bool {
	select {
	case <-w.doneCh:
		return true
	case <-time.After(timeout):
		return false
	}
}
