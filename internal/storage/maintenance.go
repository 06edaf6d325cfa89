package storage

import (
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/weaverdb/mtcore/internal/storage/pager"
)

// MaintenanceScheduler runs the poolsweep vacuum worker (pager.PageBackend
// GC) on a cron schedule and checkpoints on a fixed interval ticker.
type MaintenanceScheduler struct {
	backend *pager.PageBackend
	log     *Logger
	cron    *cron.Cron

	checkpointEvery time.Duration

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
}

// NewMaintenanceScheduler wires a cron-scheduled vacuum and a
// fixed-interval checkpoint against backend.
func NewMaintenanceScheduler(backend *pager.PageBackend, lg *Logger, vacuumCron string, checkpointEvery time.Duration) (*MaintenanceScheduler, error) {
	loc, _ := time.LoadLocation("UTC")
	c := cron.New(cron.WithLocation(loc), cron.WithSeconds())
	ms := &MaintenanceScheduler{
		backend:         backend,
		log:             lg,
		cron:            c,
		checkpointEvery: checkpointEvery,
		stopCh:          make(chan struct{}),
	}
	if _, err := c.AddFunc(vacuumCron, ms.runVacuum); err != nil {
		return nil, Newf(KindFatal, "", "invalid vacuum schedule %q: %v", vacuumCron, err)
	}
	return ms, nil
}

// Start begins the cron loop and the checkpoint ticker goroutine.
func (ms *MaintenanceScheduler) Start() {
	ms.mu.Lock()
	if ms.running {
		ms.mu.Unlock()
		return
	}
	ms.running = true
	ms.mu.Unlock()

	ms.cron.Start()
	go ms.runCheckpointLoop()
}

// Stop halts both the cron scheduler and the checkpoint loop.
func (ms *MaintenanceScheduler) Stop() {
	ms.mu.Lock()
	if !ms.running {
		ms.mu.Unlock()
		return
	}
	ms.running = false
	ms.mu.Unlock()

	ctx := ms.cron.Stop()
	<-ctx.Done()
	close(ms.stopCh)
}

func (ms *MaintenanceScheduler) runVacuum() {
	ms.log.Infof("poolsweep: starting GC pass")
	result, err := ms.backend.GC()
	if err != nil {
		ms.log.Errorf("poolsweep: %v", err)
		return
	}
	ms.log.Infof("poolsweep: reclaimed %d pages, %d still reachable", result.Reclaimed, result.ReachablePages)
}

func (ms *MaintenanceScheduler) runCheckpointLoop() {
	if ms.checkpointEvery <= 0 {
		return
	}
	ticker := time.NewTicker(ms.checkpointEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ms.stopCh:
			return
		case <-ticker.C:
			if err := ms.backend.Pager().Checkpoint(); err != nil {
				ms.log.Errorf("checkpoint: %v", err)
				continue
			}
			ms.log.Infof("checkpoint completed")
		}
	}
}
