package storage

import (
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.VacuumCron = "0 0 0 31 2 *" // Feb 31st never occurs; effectively disabled for the test
	st, err := Open(StoreConfig{
		Path: filepath.Join(dir, "store_test.db"),
		Cfg:  cfg,
		Log:  NopLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func TestStoreCreateOpenRelationRoundTrip(t *testing.T) {
	st := openTestStore(t)

	ts := st.Begin()
	h, err := st.CreateRelation(ts, "default", "accounts")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := h.HeapInsert(ts, []any{"alice", int64(100)}); err != nil {
		t.Fatal(err)
	}
	if err := st.TxManager().CommitTransaction(ts); err != nil {
		t.Fatal(err)
	}

	reopened, err := st.OpenRelation("default", "accounts")
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
		t.Fatalf("expected 1 row in reopened relation, got %d", count)
	}
}

func TestStoreOpenMissingRelationErrors(t *testing.T) {
	st := openTestStore(t)
	if _, err := st.OpenRelation("default", "nope"); err == nil {
		t.Fatal("expected an error opening a relation that was never created")
	}
}

func TestStoreStatsReportsWriterState(t *testing.T) {
	st := openTestStore(t)
	s := st.Stats()
	if s.DBPath == "" {
		t.Fatal("expected a non-empty db path in stats")
	}
	if s.String() == "" {
		t.Fatal("expected a non-empty humanized summary")
	}
}

func TestStoreCloseStopsWriterWithinTimeout(t *testing.T) {
	dir := t.TempDir()
	st, err := Open(StoreConfig{
		Path: filepath.Join(dir, "close_test.db"),
		Cfg:  DefaultConfig(),
		Log:  NopLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		st.Close()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not return in time")
	}
}
