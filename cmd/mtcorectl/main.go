// Command mtcorectl opens a store and runs one operational action against
// it: print stats, force a checkpoint, force a GC pass, or tail the
// dedicated writer's log.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/weaverdb/mtcore/internal/storage"
)

func main() {
	dbPath := flag.String("db", "", "path to the database file")
	cfgPath := flag.String("config", "", "optional YAML config file overriding defaults")
	action := flag.String("action", "stats", "one of: stats, checkpoint, gc, watch")
	level := flag.String("log-level", "info", "one of: debug, info, warn, error")
	flag.Parse()

	if *dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: mtcorectl -db PATH [-action stats|checkpoint|gc|watch]")
		os.Exit(2)
	}

	cfg, err := storage.LoadConfig(*cfgPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	storage.SetSnapshotRunner(runSnapshot)

	lg := storage.NewLogger(os.Stdout, parseLevel(*level))
	st, err := storage.Open(storage.StoreConfig{Path: *dbPath, Cfg: cfg, Log: lg})
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer st.Close()

	switch *action {
	case "stats":
		fmt.Println(st.Stats().String())
	case "checkpoint":
		if err := st.Backend().Pager().Checkpoint(); err != nil {
			log.Fatalf("checkpoint: %v", err)
		}
		fmt.Println("checkpoint complete")
	case "gc":
		result, err := st.Backend().GC()
		if err != nil {
			log.Fatalf("gc: %v", err)
		}
		fmt.Printf("reclaimed %d pages, %d still reachable\n", result.Reclaimed, result.ReachablePages)
	case "watch":
		watch(st)
	default:
		fmt.Fprintf(os.Stderr, "unknown action %q\n", *action)
		os.Exit(2)
	}
}

// watch runs until interrupted, logging a humanized stats summary every 10
// seconds — the "tail the dedicated writer's log" mode.
func watch(st *storage.Store) {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	st.LogSummary()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st.LogSummary()
		}
	}
}

func parseLevel(s string) storage.Level {
	switch s {
	case "debug":
		return storage.LevelDebug
	case "warn":
		return storage.LevelWarn
	case "error":
		return storage.LevelError
	default:
		return storage.LevelInfo
	}
}

// runSnapshot shells out to an external command configured via
// snapshot_command — the seam storage.DBWriter calls into after a full
// sync. Wired here, not in the storage package, so that package never
// needs an os/exec import.
func runSnapshot(cmd string) error {
	if cmd == "" {
		return nil
	}
	c := exec.CommandContext(context.Background(), "sh", "-c", cmd)
	c.Stdout = os.Stdout
	c.Stderr = os.Stderr
	return c.Run()
}
