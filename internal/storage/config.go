package storage

import (
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CorruptionPolicy is the value type of Config.HeapCorruption and
// Config.IndexCorruption.
type CorruptionPolicy string

const (
	CorruptionRaise  CorruptionPolicy = "raise"
	CorruptionIgnore CorruptionPolicy = "ignore"
)

// Config holds the startup options read at database open time. Every field
// is optional; DefaultConfig() fills in the listed defaults before a YAML file
// (if any) overrides them.
type Config struct {
	// SyncTimeout is the interval between forced sync phases when only
	// sync-only buffers are pending.
	SyncTimeout time.Duration `yaml:"sync_timeout"`

	// MaxLogCount caps how many buffers DBWriter will defer into the sync
	// accumulator before forcing a flush. Zero means "buffer count" —
	// resolved against the pool size at DBWriter construction time.
	MaxLogCount int `yaml:"max_log_count"`

	// HeapCorruption / IndexCorruption are loaded and defaulted here, but no
	// storage code reads them: a checksum failure on read is always
	// returned as an error, whatever policy is set.
	HeapCorruption  CorruptionPolicy `yaml:"heap_corruption"`
	IndexCorruption CorruptionPolicy `yaml:"index_corruption"`

	// GroupCommitTimeout bounds each wait DBWriter makes on a WriteGroup
	// for commits while no sync-only buffers are pending; a group is
	// processed as soon as it is READY (its first commit), without waiting
	// for further commits.
	GroupCommitTimeout time.Duration `yaml:"group_commit_timeout"`

	// PathCacheIdleCycles is the number of idle commit cycles after which
	// DBWriter closes a relation's cached file handle.
	PathCacheIdleCycles int `yaml:"path_cache_idle_cycles"`

	// CheckpointInterval is the period between scheduled checkpoints.
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// VacuumCron is the cron schedule for the poolsweep vacuum worker.
	VacuumCron string `yaml:"vacuum_cron"`

	// SnapshotCommand, if set, is executed by DBWriter after a full sync
	// (e.g. a filesystem-snapshot command). Failure is logged, never fatal.
	SnapshotCommand string `yaml:"snapshot_command"`
}

// DefaultConfig returns the listed defaults.
func DefaultConfig() Config {
	return Config{
		SyncTimeout:         5 * time.Second,
		MaxLogCount:         0, // resolved to the buffer pool size
		HeapCorruption:      CorruptionRaise,
		IndexCorruption:     CorruptionRaise,
		GroupCommitTimeout:  400 * time.Millisecond,
		PathCacheIdleCycles: 100,
		CheckpointInterval:  5 * time.Minute,
		VacuumCron:          "0 */15 * * * *", // every 15 minutes
	}
}

// LoadConfig reads an optional YAML config file at path, overlaying it onto
// DefaultConfig. A missing file is not an error — the defaults apply.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, Wrap(KindIoFailure, "", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, Wrap(KindFatal, "", err)
	}
	return cfg, nil
}
