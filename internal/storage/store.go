package storage

import (
	"context"
	"hash/fnv"
	"time"

	"github.com/weaverdb/mtcore/internal/storage/pager"
)

// DefaultDBID is the BufferTag database component mtcore's single-catalog
// design uses for every relation — there is no multi-database concept here,
// only tenant-scoped relations named through the catalog key.
const DefaultDBID uint32 = 1

// StoreConfig bundles what Open needs to bring up one running store: the
// file path plus the operational Config normally loaded from YAML.
type StoreConfig struct {
	Path string
	Cfg  Config
	Log  *Logger
}

// Store is the running database: a PageBackend (pager + system catalog),
// the dedicated writer task and its buffer pool, the transaction manager,
// and the background maintenance scheduler, wired together the way
// database/sql's DB ties a driver to a connection pool. Each relation is a
// heap of slotted pages living in its own per-relation file, opened lazily
// through BufferPool/DBWriter's pin/write/log path; the shared pager's
// catalog B+Tree tracks only (tenant, table) -> existence, not page data.
type Store struct {
	backend *pager.PageBackend
	pool    *BufferPool
	writer  *DBWriter
	txm     *TxManager
	maint   *MaintenanceScheduler
	log     *Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// Open brings up a store rooted at sc.Path: opens (or creates) the page
// backend, starts the dedicated writer goroutine, and starts the
// maintenance scheduler's cron loop.
func Open(sc StoreConfig) (*Store, error) {
	lg := sc.Log
	if lg == nil {
		lg = NopLogger()
	}

	backend, err := pager.NewPageBackend(pager.PageBackendConfig{
		Path:          sc.Path,
		MaxCachePages: sc.Cfg.MaxLogCount,
	})
	if err != nil {
		return nil, Wrap(KindIoFailure, sc.Path, err)
	}

	poolSize := sc.Cfg.MaxLogCount
	if poolSize == 0 {
		poolSize = 1024
	}
	pool := NewBufferPool(poolSize, backend.Pager().PageSize(), sc.Cfg.PathCacheIdleCycles)
	writer := NewDBWriter(sc.Cfg, lg, pool, poolSize)

	sb := backend.Pager().Superblock()
	txm := NewTxManager(sb.NextTxID, writer)

	maint, err := NewMaintenanceScheduler(backend, lg, sc.Cfg.VacuumCron, sc.Cfg.CheckpointInterval)
	if err != nil {
		backend.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	st := &Store{
		backend: backend,
		pool:    pool,
		writer:  writer,
		txm:     txm,
		maint:   maint,
		log:     lg,
		ctx:     ctx,
		cancel:  cancel,
	}

	go writer.Run(ctx)
	maint.Start()
	return st, nil
}

// Close stops the maintenance scheduler and the dedicated writer, flushing
// any pending frames first, then closes the page backend.
func (st *Store) Close() error {
	st.maint.Stop()
	st.writer.FlushAll()
	st.cancel()
	st.writer.WaitIdle(5 * time.Second)
	st.writer.Stop()
	st.pool.CloseRelations()
	return st.backend.Close()
}

// TxManager returns the store's transaction manager.
func (st *Store) TxManager() *TxManager { return st.txm }

// Begin starts a new transaction.
func (st *Store) Begin() *TransactionState { return st.txm.StartTransaction() }

// relationBlind and relationPath derive the buffer pool's blind identifier
// and on-disk file path for (tenant, table) deterministically, so
// CreateRelation and OpenRelation always agree on where a relation's heap
// pages live without needing to persist the path itself.
func relationBlind(tenant, table string) string {
	return tenant + "/" + table
}

func relationPath(st *Store, tenant, table string) string {
	return st.backend.DBPath() + ".rel." + tenant + "." + table
}

// relationID derives a stable uint32 BufferTag component from (tenant,
// table), the same role Postgres OIDs play for a relation's RelFileNode.
// There is no third-party hash in the example pack suited to this narrow
// job (a deterministic name -> uint32 fold), so this is the one place
// storage reaches for the standard library's hash/fnv instead of an
// imported package.
func relationID(tenant, table string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(tenant))
	h.Write([]byte{0})
	h.Write([]byte(table))
	return h.Sum32()
}

// CreateRelation creates a new heap-backed relation for (tenant, table): a
// dedicated per-relation file is registered with the buffer pool, its first
// page is allocated through BufferPool.AllocateBlock/WriteBuffer (so the
// frame is dirtied and logged through the normal DBWriter path), and an
// existence-marking CatalogEntry is persisted so OpenRelation and GC's
// reachability scan both see it once txID commits. The entry carries no
// RootPageID — heap data no longer lives in the shared pager's B+Tree, so
// the catalog's only remaining job for a heap relation is existence and
// column metadata; gc.go's walkBTreePage already treats InvalidPageID as a
// no-op root, so this does not disturb reachability scanning of the
// catalog's own tree or of index relations that still do use RootPageID.
func (st *Store) CreateRelation(ts *TransactionState, tenant, table string) (*Heap, error) {
	blind := relationBlind(tenant, table)
	st.pool.RegisterRelation(blind, relationPath(st, tenant, table))

	h, err := CreateHeap(st.pool, ts, DefaultDBID, relationID(tenant, table), blind)
	if err != nil {
		return nil, err
	}
	entry := pager.CatalogEntry{Tenant: tenant, Table: table}
	if err := st.backend.Catalog().PutEntry(ts.Xid, entry); err != nil {
		return nil, Wrap(KindIoFailure, table, err)
	}
	return h, nil
}

// OpenRelation resolves (tenant, table) through the catalog, re-derives its
// blind identifier and file path, and reopens its heap — reading back
// nblocks from the relation's own file via SMGR.NBlocks rather than from
// catalog metadata.
func (st *Store) OpenRelation(tenant, table string) (*Heap, error) {
	entry, err := st.backend.Catalog().GetEntry(tenant, table)
	if err != nil {
		return nil, Wrap(KindIoFailure, table, err)
	}
	if entry == nil {
		return nil, Newf(KindFatal, table, "relation %q not found for tenant %q", table, tenant)
	}

	blind := relationBlind(tenant, table)
	st.pool.RegisterRelation(blind, relationPath(st, tenant, table))
	return OpenHeap(st.pool, DefaultDBID, relationID(tenant, table), blind)
}

// DropRelation removes (tenant, table)'s catalog entry and unlinks its
// backing file. The pool's cached SMGR handle for blind, if any, is closed
// by CloseRelations at the next eviction tick or store shutdown — dropping
// here only needs to remove the entry and the file that OpenRelation would
// otherwise still find.
func (st *Store) DropRelation(ts *TransactionState, tenant, table string) error {
	if err := st.backend.Catalog().DeleteEntry(ts.Xid, tenant, table); err != nil {
		return err
	}
	blind := relationBlind(tenant, table)
	smgr, err := st.pool.OpenRelation(blind)
	if err != nil {
		return nil // never created / already gone
	}
	return smgr.Unlink()
}

// CreateRelationFile registers a standalone per-relation file with the
// buffer pool, for callers that want BufferPool/DBWriter's pin/write/log
// path directly instead of a catalog-tracked relation above (e.g. the
// transaction-status page and the variable page, which are special
// relations outside the catalog).
func (st *Store) CreateRelationFile(blind, path string) {
	st.pool.RegisterRelation(blind, path)
}

// Pool returns the frame-level buffer pool.
func (st *Store) Pool() *BufferPool { return st.pool }

// Writer returns the dedicated writer task.
func (st *Store) Writer() *DBWriter { return st.writer }

// Backend returns the underlying page backend, for stats/inspection tools.
func (st *Store) Backend() *pager.PageBackend { return st.backend }
