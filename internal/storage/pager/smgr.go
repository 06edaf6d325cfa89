package pager

import (
	"fmt"
	"os"
	"sort"

	"golang.org/x/sys/unix"
)

// ───────────────────────────────────────────────────────────────────────────
// SMGR — named page-file operations
// ───────────────────────────────────────────────────────────────────────────
//
// Pager already implements block-level I/O, the WAL, and checkpointing; SMGR
// wraps it with the operation names the spec calls out explicitly
// (create/open/close/read/write/flush/extend/nblocks/truncate/sync/unlink
// plus beginlog/log/commitlog/expirelogs/replaylogs) and takes an advisory
// write lock on the database file so two processes can't open the same
// store for read-write at once.

// SMGR is a thin, named-operation wrapper around a Pager for one relation
// file. The storage package gives each relation its own page file and opens
// one SMGR per relation on it.
type SMGR struct {
	pager  *Pager
	locked bool
}

// OpenSMGR opens (creating if necessary) the page file at cfg.DBPath and
// takes an advisory exclusive lock on it for the lifetime of the handle.
func OpenSMGR(cfg PagerConfig) (*SMGR, error) {
	p, err := OpenPager(cfg)
	if err != nil {
		return nil, err
	}
	if err := unix.Flock(int(p.file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		p.Close()
		return nil, fmt.Errorf("lock %s: %w (already open by another process?)", cfg.DBPath, err)
	}
	return &SMGR{pager: p, locked: true}, nil
}

// Close releases the advisory lock and closes the underlying pager.
func (s *SMGR) Close() error {
	if s.locked {
		_ = unix.Flock(int(s.pager.file.Fd()), unix.LOCK_UN)
		s.locked = false
	}
	return s.pager.Close()
}

// Read reads block blockno into buf (spec: read(h, blockno, buf)).
func (s *SMGR) Read(blockno PageID) ([]byte, error) {
	return s.pager.ReadPage(blockno)
}

// Write updates block blockno within txID (spec: write(h, blockno, buf)).
func (s *SMGR) Write(txID TxID, blockno PageID, buf []byte) error {
	return s.pager.WritePage(txID, blockno, buf)
}

// Flush forces a single block to stable storage immediately, bypassing the
// normal checkpoint cadence (spec: flush(h, blockno, buf)).
func (s *SMGR) Flush(blockno PageID, buf []byte) error {
	s.pager.mu.Lock()
	defer s.pager.mu.Unlock()
	if err := s.pager.writePageRaw(blockno, buf); err != nil {
		return err
	}
	return s.pager.file.Sync()
}

// Extend allocates n new blocks, returning the resulting block count
// (spec: extend(h, buf, n) → new block count).
func (s *SMGR) Extend(n int) (int, error) {
	for i := 0; i < n; i++ {
		pid, _ := s.pager.AllocPage()
		s.pager.UnpinPage(pid)
	}
	return s.NBlocks()
}

// NBlocks returns the current block count (spec: nblocks(h)).
func (s *SMGR) NBlocks() (int, error) {
	sb := s.pager.Superblock()
	return int(sb.PageCount), nil
}

// Truncate is a NOP in the current single-file layout: page files never
// shrink, only their tail pages are recycled through the free list. Exposed
// for API-shape parity with the spec (spec: truncate(h, n)).
func (s *SMGR) Truncate(n int) error {
	return nil
}

// Sync fsyncs the data file (spec: sync(h)).
func (s *SMGR) Sync() error {
	return s.pager.file.Sync()
}

// Unlink removes the underlying database and WAL files. The SMGR must
// already be closed (spec: unlink(h)).
func (s *SMGR) Unlink() error {
	if err := os.Remove(s.pager.Path()); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(s.pager.WALPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ── Shadow log API ───────────────────────────────────────────────────────
//
// beginlog/log/commitlog/expirelogs/replaylogs map directly onto the
// Pager's existing WAL primitives: the WAL already IS the shadow log
// (page-image records), so these are named pass-throughs rather than a
// second logging path.

// BeginLog starts a new logging transaction (spec: beginlog).
func (s *SMGR) BeginLog() (TxID, error) {
	return s.pager.BeginTx()
}

// Log appends a page image to the shadow log (spec: log(db, rel, blockno, relkind, data)).
// relkind is accepted for API-shape parity but does not change log behavior:
// both heap and index pages are physically logged the same way.
func (s *SMGR) Log(txID TxID, blockno PageID, relkind PageType, data []byte) error {
	return s.pager.WritePage(txID, blockno, data)
}

// CommitLog fsyncs the shadow log, establishing the durability point
// (spec: commitlog).
func (s *SMGR) CommitLog(txID TxID) error {
	return s.pager.CommitTx(txID)
}

// ExpireLogs truncates the shadow log after all data writes in the group
// have succeeded (spec: expirelogs). Implemented as a checkpoint, which
// flushes dirty pages then truncates the WAL.
func (s *SMGR) ExpireLogs() error {
	return s.pager.Checkpoint()
}

// ReplayLogs reapplies shadow-log images for a non-empty log at startup
// (spec: replaylogs). OpenPager already replays on open; this is exposed so
// callers (or tests) can force a second pass without reopening the file.
func (s *SMGR) ReplayLogs() error {
	return s.pager.Recover()
}

// orphanBlockIDs returns block IDs present in the file but unreachable from
// the catalog/free-list, sorted ascending. Nothing in the module calls it;
// gc.go builds its own orphan list.
func (s *SMGR) orphanBlockIDs(reachable map[PageID]bool) []PageID {
	sb := s.pager.Superblock()
	var orphans []PageID
	for pid := PageID(1); pid < sb.NextPageID; pid++ {
		if !reachable[pid] {
			orphans = append(orphans, pid)
		}
	}
	sort.Slice(orphans, func(i, j int) bool { return orphans[i] < orphans[j] })
	return orphans
}
