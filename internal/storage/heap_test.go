package storage

import (
	"path/filepath"
	"testing"
)

// newTestStore brings up a full Store (pager, BufferPool, TxManager, and a
// running DBWriter goroutine) in a temp directory — tests drive heap
// operations through the real TxManager.CommitTransaction pipeline rather
// than poking the pager directly, so a commit actually dirties, logs, and
// writes real frames.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	st, err := Open(StoreConfig{Path: filepath.Join(dir, "heap_test.db"), Cfg: DefaultConfig()})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func allActive(xids ...TxID) Snapshot {
	active := make(map[TxID]struct{}, len(xids))
	for _, x := range xids {
		active[x] = struct{}{}
	}
	return Snapshot{Xmin: 0, Xmax: 1 << 30, Active: active}
}

func TestHeapInsertAndScan(t *testing.T) {
	st := newTestStore(t)
	ts := st.Begin()
	h, err := st.CreateRelation(ts, "acme", "people")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := h.HeapInsert(ts, []any{"alice", int64(30)}); err != nil {
		t.Fatal(err)
	}
	if _, err := h.HeapInsert(ts, []any{"bob", int64(40)}); err != nil {
		t.Fatal(err)
	}
	if err := st.TxManager().CommitTransaction(ts); err != nil {
		t.Fatal(err)
	}

	snap := allActive()
	scan := h.HeapBeginScan(snap, nil)
	var names []string
	err = scan.HeapGetNext(func(tid uint64, row []any) bool {
		names = append(names, row[0].(string))
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 rows, got %d (%v)", len(names), names)
	}
}

func TestHeapInsertInvisibleToOtherSnapshot(t *testing.T) {
	st := newTestStore(t)
	ts := st.Begin()
	h, err := st.CreateRelation(ts, "acme", "people")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.HeapInsert(ts, []any{"carol"}); err != nil {
		t.Fatal(err)
	}

	// A snapshot taken while ts is still active must not see its insert.
	snap := allActive(ts.Xid)
	scan := h.HeapBeginScan(snap, nil)
	count := 0
	scan.HeapGetNext(func(tid uint64, row []any) bool {
		count++
		return true
	})
	if count != 0 {
		t.Fatalf("expected the in-progress insert to be invisible, saw %d rows", count)
	}
	st.TxManager().CommitTransaction(ts)
}

func TestHeapUpdateReplacesVisibleVersion(t *testing.T) {
	st := newTestStore(t)
	ts := st.Begin()
	h, err := st.CreateRelation(ts, "acme", "people")
	if err != nil {
		t.Fatal(err)
	}
	tid, err := h.HeapInsert(ts, []any{"v1"})
	if err != nil {
		t.Fatal(err)
	}

	snap := allActive()
	newTid, status, err := h.HeapUpdate(ts, tid, []any{"v2"}, snap)
	if err != nil {
		t.Fatal(err)
	}
	if status != HeapUpdateOK {
		t.Fatalf("expected HeapUpdateOK, got %v", status)
	}
	if newTid == tid {
		t.Fatalf("expected a fresh TID for the new version")
	}
	if err := st.TxManager().CommitTransaction(ts); err != nil {
		t.Fatal(err)
	}

	scan := h.HeapBeginScan(snap, nil)
	var seen []string
	scan.HeapGetNext(func(tid uint64, row []any) bool {
		seen = append(seen, row[0].(string))
		return true
	})
	if len(seen) != 1 || seen[0] != "v2" {
		t.Fatalf("expected only the new version visible, got %v", seen)
	}
}

func TestHeapDeleteMakesRowInvisible(t *testing.T) {
	st := newTestStore(t)
	ts := st.Begin()
	h, err := st.CreateRelation(ts, "acme", "people")
	if err != nil {
		t.Fatal(err)
	}
	tid, err := h.HeapInsert(ts, []any{"gone soon"})
	if err != nil {
		t.Fatal(err)
	}

	snap := allActive()
	status, err := h.HeapDelete(ts, tid, snap)
	if err != nil {
		t.Fatal(err)
	}
	if status != HeapUpdateOK {
		t.Fatalf("expected HeapUpdateOK, got %v", status)
	}
	if err := st.TxManager().CommitTransaction(ts); err != nil {
		t.Fatal(err)
	}

	scan := h.HeapBeginScan(snap, nil)
	count := 0
	scan.HeapGetNext(func(tid uint64, row []any) bool {
		count++
		return true
	})
	if count != 0 {
		t.Fatalf("expected deleted row to be invisible, saw %d", count)
	}
}

func TestHeapScanKeyFilter(t *testing.T) {
	st := newTestStore(t)
	ts := st.Begin()
	h, err := st.CreateRelation(ts, "acme", "people")
	if err != nil {
		t.Fatal(err)
	}
	h.HeapInsert(ts, []any{"alice", int64(30)})
	h.HeapInsert(ts, []any{"bob", int64(40)})
	h.HeapInsert(ts, []any{"carol", int64(30)})
	if err := st.TxManager().CommitTransaction(ts); err != nil {
		t.Fatal(err)
	}

	snap := allActive()
	keys := []ScanKey{{
		AttNum: 1,
		Op: func(attr, value any) bool {
			return attr.(int64) == value.(int64)
		},
		Value: int64(30),
	}}
	scan := h.HeapBeginScan(snap, keys)
	var names []string
	scan.HeapGetNext(func(tid uint64, row []any) bool {
		names = append(names, row[0].(string))
		return true
	})
	if len(names) != 2 {
		t.Fatalf("expected 2 matching rows, got %d (%v)", len(names), names)
	}
}

func TestOpenRelationReopensSameData(t *testing.T) {
	st := newTestStore(t)
	ts := st.Begin()
	h, err := st.CreateRelation(ts, "acme", "people")
	if err != nil {
		t.Fatal(err)
	}
	h.HeapInsert(ts, []any{"persisted"})
	if err := st.TxManager().CommitTransaction(ts); err != nil {
		t.Fatal(err)
	}

	reopened, err := st.OpenRelation("acme", "people")
	if err != nil {
		t.Fatal(err)
	}
	snap := allActive()
	scan := reopened.HeapBeginScan(snap, nil)
	count := 0
	scan.HeapGetNext(func(tid uint64, row []any) bool {
		count++
		return true
	})
	if count != 1 {
		t.Fatalf("expected 1 row after reopen, got %d", count)
	}
}
