package storage

import (
	humanize "github.com/dustin/go-humanize"
)

// StoreStats is a human-readable snapshot of a running Store, suitable for
// a status log line or a CLI's `stats` subcommand.
type StoreStats struct {
	DBPath          string
	WALPath         string
	SizeOnDisk      uint64
	PageSize        int
	PageCount       uint64
	FreePages       int
	UsedPages       uint64
	NextTxID        TxID
	LeakedPins      int
	DBWriterGroup   string
}

// Stats gathers a StoreStats snapshot from the page backend and the
// running buffer pool.
func (st *Store) Stats() StoreStats {
	bs := st.backend.Stats()
	used := bs.PageCount - uint64(bs.FreePages)
	return StoreStats{
		DBPath:        bs.DBPath,
		WALPath:       bs.WALPath,
		SizeOnDisk:    bs.PageCount * uint64(bs.PageSize),
		PageSize:      bs.PageSize,
		PageCount:     bs.PageCount,
		FreePages:     bs.FreePages,
		UsedPages:     used,
		NextTxID:      bs.NextTxID,
		LeakedPins:    len(st.pool.CheckLeaked()),
		DBWriterGroup: st.writer.Current().State().String(),
	}
}

// String renders s the way a CLI status line or a startup log entry would:
// byte counts humanized, everything else as plain numbers.
func (s StoreStats) String() string {
	return "db=" + s.DBPath +
		" size=" + humanize.Bytes(s.SizeOnDisk) +
		" used=" + humanize.Comma(int64(s.UsedPages)) + "/" + humanize.Comma(int64(s.PageCount)) + " pages" +
		" free=" + humanize.Comma(int64(s.FreePages)) +
		" next_xid=" + humanize.Comma(int64(s.NextTxID)) +
		" writer=" + s.DBWriterGroup
}

// LogSummary writes a one-line humanized summary through lg at Info level
// — the shape a dedicated writer or CLI would call once at startup and
// again on every checkpoint.
func (st *Store) LogSummary() {
	s := st.Stats()
	st.log.Infof("%s", s.String())
	if s.LeakedPins > 0 {
		st.log.Warnf("%d buffer(s) still pinned with no active transaction", s.LeakedPins)
	}
}
