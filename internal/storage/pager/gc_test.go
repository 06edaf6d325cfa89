package pager

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func tmpPageBackend(t *testing.T) *PageBackend {
	t.Helper()
	dir := t.TempDir()
	pb, err := NewPageBackend(PageBackendConfig{
		Path: filepath.Join(dir, "gc_test.db"),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { pb.Close() })
	return pb
}

// saveTestTable builds a B+Tree of nRows rows directly (the same shape the
// catalog/GC carryover tests exercised against the now-removed SaveTable)
// and registers it in the catalog with a real RootPageID, so GC's
// reachability walk has a tree to find.
func saveTestTable(t *testing.T, pb *PageBackend, tenant, name string, nRows int) {
	t.Helper()
	txID, err := pb.pager.BeginTx()
	if err != nil {
		t.Fatal(err)
	}

	if existing, _ := pb.catalog.GetEntry(tenant, name); existing != nil {
		NewBTree(pb.pager, existing.RootPageID).FreeAllPages()
	}

	bt, err := CreateBTree(pb.pager, txID)
	if err != nil {
		pb.pager.AbortTx(txID)
		t.Fatal(err)
	}

	var encBuf []byte
	for i := 0; i < nRows; i++ {
		encBuf = MarshalRow([]any{float64(i), fmt.Sprintf("row_%d", i)}, encBuf)
		val := make([]byte, len(encBuf))
		copy(val, encBuf)
		if err := bt.Insert(txID, RowKey(int64(i)), val); err != nil {
			pb.pager.AbortTx(txID)
			t.Fatal(err)
		}
	}

	entry := CatalogEntry{Tenant: tenant, Table: name, RootPageID: bt.Root(), RowCount: int64(nRows), Version: 1}
	if err := pb.catalog.PutEntry(txID, entry); err != nil {
		pb.pager.AbortTx(txID)
		t.Fatal(err)
	}
	pb.pager.UpdateSuperblock(func(sb *Superblock) { sb.CatalogRoot = pb.catalog.Root() })
	if err := pb.pager.CommitTx(txID); err != nil {
		t.Fatal(err)
	}
}

// deleteTestTable frees a test table's B+Tree pages and removes its
// catalog entry, mirroring the removed PageBackend.DeleteTable.
func deleteTestTable(t *testing.T, pb *PageBackend, tenant, name string) {
	t.Helper()
	entry, _ := pb.catalog.GetEntry(tenant, name)

	txID, err := pb.pager.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	if entry != nil {
		NewBTree(pb.pager, entry.RootPageID).FreeAllPages()
	}
	if err := pb.catalog.DeleteEntry(txID, tenant, name); err != nil {
		pb.pager.AbortTx(txID)
		t.Fatal(err)
	}
	if err := pb.pager.CommitTx(txID); err != nil {
		t.Fatal(err)
	}
}

// loadTestTableRows scans a test table's B+Tree back into rows, mirroring
// the removed PageBackend.LoadTable.
func loadTestTableRows(t *testing.T, pb *PageBackend, tenant, name string) [][]any {
	t.Helper()
	entry, err := pb.catalog.GetEntry(tenant, name)
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil {
		return nil
	}
	bt := NewBTree(pb.pager, entry.RootPageID)
	var rows [][]any
	err = bt.ScanRange(RowKey(0), nil, func(key, val []byte) bool {
		row, decErr := UnmarshalRow(val)
		if decErr != nil {
			return false
		}
		rows = append(rows, row)
		return true
	})
	if err != nil {
		t.Fatal(err)
	}
	return rows
}

// TestGC_NoOrphans verifies that GC on a clean database reclaims nothing.
func TestGC_NoOrphans(t *testing.T) {
	pb := tmpPageBackend(t)
	saveTestTable(t, pb, "default", "users", 10)

	result, err := pb.GC()
	if err != nil {
		t.Fatal(err)
	}

	if result.Reclaimed != 0 {
		t.Errorf("expected 0 reclaimed, got %d", result.Reclaimed)
	}
	if result.ReachablePages < 2 {
		t.Errorf("expected at least 2 reachable pages, got %d", result.ReachablePages)
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
}

// TestGC_AfterDelete runs GC after a table is deleted and logs how many
// pages it reclaimed; a non-zero count is logged, not treated as a failure.
func TestGC_AfterDelete(t *testing.T) {
	pb := tmpPageBackend(t)

	// Create and delete a table.
	saveTestTable(t, pb, "default", "temp_table", 50)
	deleteTestTable(t, pb, "default", "temp_table")

	result, err := pb.GC()
	if err != nil {
		t.Fatal(err)
	}

	if result.Reclaimed != 0 {
		t.Logf("GC result: total=%d reachable=%d freeBefore=%d freeAfter=%d reclaimed=%d",
			result.TotalPages, result.ReachablePages, result.FreeBefore, result.FreeAfter, result.Reclaimed)
		// Some pages may be reclaimed if the free-list chain itself leaked.
		// As long as it's small, that's acceptable.
	}
}

// TestGC_SimulatedOrphans manually creates orphan pages and verifies the
// GC reclaims them.
func TestGC_SimulatedOrphans(t *testing.T) {
	pb := tmpPageBackend(t)
	saveTestTable(t, pb, "default", "users", 10)

	// Allocate some pages without linking them to any tree (simulates
	// pages leaked by a crashed transaction).
	txID, err := pb.pager.BeginTx()
	if err != nil {
		t.Fatal(err)
	}
	var orphanIDs []PageID
	for i := 0; i < 5; i++ {
		pid, buf := pb.pager.AllocPage()
		InitBTreePage(buf, pid, true) // give it valid content
		SetPageChecksum(buf)
		pb.pager.WritePage(txID, pid, buf)
		pb.pager.UnpinPage(pid)
		orphanIDs = append(orphanIDs, pid)
	}
	pb.pager.CommitTx(txID)
	pb.pager.Checkpoint()

	// GC should find and reclaim these orphans.
	result, err := pb.GC()
	if err != nil {
		t.Fatal(err)
	}

	t.Logf("GC result: total=%d reachable=%d freeBefore=%d freeAfter=%d reclaimed=%d",
		result.TotalPages, result.ReachablePages, result.FreeBefore, result.FreeAfter, result.Reclaimed)

	if result.Reclaimed < 5 {
		t.Errorf("expected at least 5 reclaimed orphans, got %d", result.Reclaimed)
	}
	if len(result.Errors) != 0 {
		t.Errorf("unexpected errors: %v", result.Errors)
	}
}

// TestGC_MultipleTables tests GC with several tables to verify all trees
// are correctly walked.
func TestGC_MultipleTables(t *testing.T) {
	pb := tmpPageBackend(t)

	for i := 0; i < 5; i++ {
		saveTestTable(t, pb, "default", fmt.Sprintf("table_%d", i), 20)
	}

	result, err := pb.GC()
	if err != nil {
		t.Fatal(err)
	}

	if result.Reclaimed != 0 {
		t.Errorf("expected 0 reclaimed on clean DB with 5 tables, got %d", result.Reclaimed)
	}
	if result.ReachablePages < 5 {
		t.Errorf("expected at least 5 reachable pages, got %d", result.ReachablePages)
	}
}

// TestGC_Idempotent verifies running GC twice gives no reclaimed on second run.
func TestGC_Idempotent(t *testing.T) {
	pb := tmpPageBackend(t)
	saveTestTable(t, pb, "default", "users", 10)

	// Simulate orphans.
	txID, _ := pb.pager.BeginTx()
	for i := 0; i < 3; i++ {
		pid, buf := pb.pager.AllocPage()
		InitBTreePage(buf, pid, true)
		SetPageChecksum(buf)
		pb.pager.WritePage(txID, pid, buf)
		pb.pager.UnpinPage(pid)
	}
	pb.pager.CommitTx(txID)
	pb.pager.Checkpoint()

	// First GC reclaims orphans.
	r1, err := pb.GC()
	if err != nil {
		t.Fatal(err)
	}
	if r1.Reclaimed < 3 {
		t.Errorf("first GC: expected ≥3 reclaimed, got %d", r1.Reclaimed)
	}

	// Second GC should find nothing.
	r2, err := pb.GC()
	if err != nil {
		t.Fatal(err)
	}
	if r2.Reclaimed != 0 {
		t.Errorf("second GC: expected 0 reclaimed, got %d", r2.Reclaimed)
	}
}

// TestGC_DataIntegrity verifies that data is intact after GC.
func TestGC_DataIntegrity(t *testing.T) {
	pb := tmpPageBackend(t)
	saveTestTable(t, pb, "default", "important", 100)

	// Run GC.
	if _, err := pb.GC(); err != nil {
		t.Fatal(err)
	}

	// Verify data is still intact.
	rows := loadTestTableRows(t, pb, "default", "important")
	if rows == nil {
		t.Fatal("table not found after GC")
	}
	if len(rows) != 100 {
		t.Errorf("expected 100 rows, got %d", len(rows))
	}
	// Check first and last row.
	if v, ok := rows[0][0].(float64); !ok || v != 0 {
		t.Errorf("row 0 col 0: got %v", rows[0][0])
	}
	if v, ok := rows[99][0].(float64); !ok || v != 99 {
		t.Errorf("row 99 col 0: got %v", rows[99][0])
	}
}

// TestGC_Persistence verifies that reclaimed pages survive close/reopen.
func TestGC_Persistence(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "gc_persist.db")

	// Phase 1: Create DB, simulate orphans, GC.
	pb, err := NewPageBackend(PageBackendConfig{Path: dbPath})
	if err != nil {
		t.Fatal(err)
	}
	saveTestTable(t, pb, "default", "users", 10)

	// Create orphans.
	txID, _ := pb.pager.BeginTx()
	for i := 0; i < 4; i++ {
		pid, buf := pb.pager.AllocPage()
		InitBTreePage(buf, pid, true)
		SetPageChecksum(buf)
		pb.pager.WritePage(txID, pid, buf)
		pb.pager.UnpinPage(pid)
	}
	pb.pager.CommitTx(txID)
	pb.pager.Checkpoint()

	r, err := pb.GC()
	if err != nil {
		t.Fatal(err)
	}
	if r.Reclaimed < 4 {
		t.Errorf("expected ≥4 reclaimed, got %d", r.Reclaimed)
	}
	freeAfter := r.FreeAfter
	pb.Close()

	// Phase 2: Reopen and verify free list persisted.
	pb2, err := NewPageBackend(PageBackendConfig{Path: dbPath})
	if err != nil {
		t.Fatal(err)
	}
	defer pb2.Close()

	// Should have approximately the same number of free pages.
	freeNow := pb2.pager.freeMgr.Count()
	if freeNow < freeAfter-2 { // allow small delta from free-list chain pages
		t.Errorf("expected ≥%d free pages after reopen, got %d", freeAfter-2, freeNow)
	}

	// Data should still be intact.
	rows := loadTestTableRows(t, pb2, "default", "users")
	if len(rows) != 10 {
		t.Errorf("expected 10 rows after reopen, got %v", rows)
	}
}

// TestGC_EmptyDB verifies GC on a database with no tables.
func TestGC_EmptyDB(t *testing.T) {
	pb := tmpPageBackend(t)

	result, err := pb.GC()
	if err != nil {
		t.Fatal(err)
	}
	if result.Reclaimed != 0 {
		t.Errorf("expected 0 reclaimed on empty DB, got %d", result.Reclaimed)
	}
}

// TestGC_Stats returns consistent statistics.
func TestGC_Stats(t *testing.T) {
	pb := tmpPageBackend(t)
	saveTestTable(t, pb, "default", "t1", 50)

	result, err := pb.GC()
	if err != nil {
		t.Fatal(err)
	}

	if result.TotalPages <= 0 {
		t.Errorf("TotalPages should be > 0, got %d", result.TotalPages)
	}
	if result.ReachablePages <= 0 {
		t.Errorf("ReachablePages should be > 0, got %d", result.ReachablePages)
	}
	if result.ReachablePages > result.TotalPages {
		t.Errorf("ReachablePages (%d) > TotalPages (%d)", result.ReachablePages, result.TotalPages)
	}
	// Accounting: reachable + free + reclaimed should cover all pages.
	accounted := result.ReachablePages + result.FreeAfter
	if accounted < result.TotalPages {
		t.Errorf("accounting gap: reachable(%d) + freeAfter(%d) = %d < totalPages(%d)",
			result.ReachablePages, result.FreeAfter, accounted, result.TotalPages)
	}

	_ = os.Stderr // keep os import used
}
