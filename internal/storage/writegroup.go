package storage

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// GroupState is a WriteGroup's position in its commit lifecycle.
type GroupState uint8

const (
	GroupCompleted GroupState = iota
	GroupNotReady
	GroupWaiting
	GroupReady
	GroupPrimed
	GroupRunning
	GroupLogged
	GroupSynced
	GroupFlushing
	GroupDead
)

func (s GroupState) String() string {
	switch s {
	case GroupCompleted:
		return "COMPLETED"
	case GroupNotReady:
		return "NOT_READY"
	case GroupWaiting:
		return "WAITING"
	case GroupReady:
		return "READY"
	case GroupPrimed:
		return "PRIMED"
	case GroupRunning:
		return "RUNNING"
	case GroupLogged:
		return "LOGGED"
	case GroupSynced:
		return "SYNCED"
	case GroupFlushing:
		return "FLUSHING"
	case GroupDead:
		return "DEAD"
	default:
		return "?"
	}
}

// CommitEntry is one registrant's intended final status, queued by the
// calling task and resolved by DBWriter during the log phase.
type CommitEntry struct {
	Xid         TxID
	FinalState  CommitStatus
	WaiterToken uuid.UUID // returned to the blocked caller's wakeup channel
}

// CommitStatus is the value written to the transaction-status page.
type CommitStatus uint8

const (
	CommitInProgress CommitStatus = iota
	CommitCommitted
	CommitAborted
	CommitSoft
)

// WriteGroup batches pending commits and the frames they dirtied. Two
// groups are linked in a cycle (Sibling); exactly one is "current" at a
// time — the one new registrants append to.
type WriteGroup struct {
	ID uuid.UUID

	mu    sync.Mutex
	cond  *sync.Cond
	state GroupState

	Sibling *WriteGroup

	entries      []CommitEntry
	registered   map[int]struct{} // frame indices touched by this group's registrants
	pendingRel   int              // pending_releases: unpins DBWriter still owes once each frame is logged/written

	dotransaction   bool
	isTransFriendly bool
	loggable        bool
	flushRun        bool

	LastSoftXid TxID

	waiters map[uuid.UUID]chan struct{}
}

// NewWriteGroup allocates a group in COMPLETED state (the resting state
// before it is first reused).
func NewWriteGroup() *WriteGroup {
	g := &WriteGroup{
		ID:         uuid.New(),
		state:      GroupCompleted,
		registered: make(map[int]struct{}),
		waiters:    make(map[uuid.UUID]chan struct{}),
		loggable:   true,
	}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// NewWriteGroupPair builds two groups linked in a cycle, as DBWriter owns.
func NewWriteGroupPair() (*WriteGroup, *WriteGroup) {
	a, b := NewWriteGroup(), NewWriteGroup()
	a.Sibling, b.Sibling = b, a
	return a, b
}

// reset prepares a COMPLETED group to become NOT_READY again, clearing
// per-cycle state but preserving LastSoftXid for the next cycle's
// serialization check.
func (g *WriteGroup) reset() {
	g.entries = g.entries[:0]
	g.registered = make(map[int]struct{})
	g.pendingRel = 0
	g.dotransaction = false
	g.isTransFriendly = false
	g.loggable = true
	g.flushRun = false
	g.waiters = make(map[uuid.UUID]chan struct{})
	g.state = GroupNotReady
}

// Enqueue appends a registrant's commit intent and registers the frames it
// dirtied, then signals the condvar so DBWriter can observe READY. Returns
// a channel the caller can block on for the group's COMPLETED broadcast —
// the hard-commit wait path.
func (g *WriteGroup) Enqueue(xid TxID, final CommitStatus, frames []int) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()

	token := uuid.New()
	done := make(chan struct{})
	g.waiters[token] = done

	g.entries = append(g.entries, CommitEntry{Xid: xid, FinalState: final, WaiterToken: token})
	for _, f := range frames {
		g.registered[f] = struct{}{}
	}
	g.dotransaction = true
	if g.state == GroupNotReady || g.state == GroupWaiting {
		g.state = GroupReady
	}
	g.cond.Broadcast()
	return done
}

// RequestFlush sets flush_run so DBWriter folds the sync accumulator and
// processes this group synchronously on its next pass.
func (g *WriteGroup) RequestFlush() {
	g.mu.Lock()
	g.flushRun = true
	g.loggable = true
	g.cond.Broadcast()
	g.mu.Unlock()
}

// WaitState blocks until the group reaches at least the target state (in
// lifecycle order) or a bounded timeout elapses, returning the state
// actually observed. A zero timeout blocks indefinitely. sync.Cond has no
// timed wait, so the bounded case polls on a short tick — acceptable here
// since this only gates DBWriter's own cycle pacing (sync_timeout), not a
// hot path.
func (g *WriteGroup) WaitState(target GroupState, timeout time.Duration) GroupState {
	if timeout <= 0 {
		g.mu.Lock()
		defer g.mu.Unlock()
		for !lifecycleAtLeast(g.state, target) {
			g.cond.Wait()
		}
		return g.state
	}

	deadline := time.Now().Add(timeout)
	const tick = 5 * time.Millisecond
	for {
		g.mu.Lock()
		state := g.state
		g.mu.Unlock()
		if lifecycleAtLeast(state, target) || time.Now().After(deadline) {
			return state
		}
		time.Sleep(tick)
	}
}

func lifecycleAtLeast(cur, target GroupState) bool {
	order := map[GroupState]int{
		GroupNotReady: 0, GroupWaiting: 1, GroupReady: 2, GroupPrimed: 2,
		GroupRunning: 3, GroupLogged: 4, GroupSynced: 5, GroupFlushing: 5,
		GroupCompleted: 6, GroupDead: 7,
	}
	return order[cur] >= order[target]
}

// SetState transitions the group and broadcasts; DBWriter is the only
// caller that advances state past READY/PRIMED.
func (g *WriteGroup) SetState(s GroupState) {
	g.mu.Lock()
	g.state = s
	g.mu.Unlock()
	g.cond.Broadcast()
}

// State returns the current state under the group's mutex.
func (g *WriteGroup) State() GroupState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Entries returns a snapshot of the group's pending commit entries.
func (g *WriteGroup) Entries() []CommitEntry {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]CommitEntry, len(g.entries))
	copy(out, g.entries)
	return out
}

// RegisteredFrames returns the set of frame indices this group's
// registrants dirtied.
func (g *WriteGroup) RegisteredFrames() []int {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]int, 0, len(g.registered))
	for f := range g.registered {
		out = append(out, f)
	}
	return out
}

// MarkPendingReleases sets the count of unpins DBWriter owes before the
// group can advance to COMPLETED, per frame logged/written this cycle.
func (g *WriteGroup) MarkPendingReleases(n int) {
	g.mu.Lock()
	g.pendingRel = n
	g.mu.Unlock()
}

// ReleaseOne records one DBWriter-owned unpin completing; once the count
// reaches zero the group is eligible to advance to COMPLETED.
func (g *WriteGroup) ReleaseOne() (drained bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pendingRel > 0 {
		g.pendingRel--
	}
	return g.pendingRel == 0
}

// Complete marks the group COMPLETED, resets it for reuse, and wakes every
// blocked hard-commit caller.
func (g *WriteGroup) Complete() {
	g.mu.Lock()
	waiters := g.waiters
	g.state = GroupCompleted
	g.mu.Unlock()
	for _, ch := range waiters {
		close(ch)
	}
	g.mu.Lock()
	g.reset()
	g.mu.Unlock()
}

// Loggable reports whether this cycle should run the log phase at all.
func (g *WriteGroup) Loggable() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.loggable
}

func (g *WriteGroup) setLoggable(v bool) {
	g.mu.Lock()
	g.loggable = v
	g.mu.Unlock()
}

// FlushRun reports whether a flush-all request is pending on this group.
func (g *WriteGroup) FlushRun() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.flushRun
}
