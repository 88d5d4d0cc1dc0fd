// Package core provides the single threaded execution core of the
// state machine environment.
//
// It owns the only path allowed to mutate user state: entries enter
// through `Core.Apply` in strict index order, one at a time, and are
// dispatched to the bound machine together with a deterministic clock
// and the session registry. The caller (the machine.Executor wrapper)
// is responsible for the serialization boundary; inside here nothing
// needs a lock except the reference tracker, whose releases may
// arrive from handler goroutines.
//
// Determinism is an absolute invariant, not a best effort: reentrant
// dispatch and clock reads outside a dispatch are treated as fatal,
// since continuing would risk silent state divergence between
// replicas that the replication layer can never reconcile.
package core

import (
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zhipwang/copycat/machine/core/refs"
	"github.com/zhipwang/copycat/machine/core/session"
	"github.com/zhipwang/copycat/utils"
)

// Machine is the contract dispatched to by the core. Commands arrive
// through Apply with the full commit capability set; queries arrive
// through Query behind the read-only View and must not mutate state.
// Lifecycle hooks observe session transitions in index order,
// interleaved with operations exactly as they were committed.
type Machine interface {
	// Apply advances the machine by one command.
	Apply(c *Commit) ([]byte, error)

	// Query asks the machine for a piece of state.
	Query(v View) ([]byte, error)

	// Register is called when a new session is registered.
	Register(s session.View)

	// Expire is called when a session is expired by the upstream
	// failure detector.
	Expire(s session.View)

	// Close is called when a session is closed by its client.
	Close(s session.View)

	// Shutdown is the terminal hook, runs exactly once.
	Shutdown()
}

type Status int

// Core lifecycle states. Apply and Read are only valid in Running.
const (
	StatusUninitialized Status = iota
	StatusInitialized
	StatusRunning
	StatusShutDown
)

var statusString = []string{
	"Uninitialized",
	"Initialized",
	"Running",
	"ShutDown",
}

func (s Status) String() string {
	return statusString[s]
}

// IsRunning test whether dispatch is currently legal.
func (s Status) IsRunning() bool {
	return s == StatusRunning
}

// Result is the outcome of one applied entry. Err carries operation
// level failures (invalid session, handler errors, evicted replay);
// those are ordinary results flowing back to the submitting client,
// never reasons to halt the executor.
type Result struct {
	Index uint64
	Value []byte
	Err   error
}

// Core executes committed entries against exactly one bound machine.
type Core struct {
	id     uint64
	status Status

	machine  Machine
	sessions *session.Registry
	clock    *Clock
	tracker  *refs.Tracker

	lastApplied uint64
	dispatching bool
}

// MakeCore return an already wired core in Initialized state. The
// machine is bound once, at construction; there is no second init.
func MakeCore(id uint64, maxCached int, machine Machine) *Core {
	utils.AssertNotNil(machine, "%d bind nil machine", id)
	utils.Assert(maxCached > 0, "%d non positive response cache bound", id)

	c := new(Core)
	c.id = id
	c.status = StatusInitialized
	c.machine = machine
	c.sessions = session.MakeRegistry(maxCached)
	c.clock = makeClock(id)
	c.tracker = refs.MakeTracker()

	log.Debugf("%d build core [cache bound: %d]", id, maxCached)
	return c
}

// Start move the core to Running. Fails with ErrAlreadyInitialized
// when already running, ErrNotInitialized after shutdown.
func (c *Core) Start() error {
	switch c.status {
	case StatusInitialized:
		c.status = StatusRunning
		log.Infof("%d core running", c.id)
		return nil
	case StatusRunning:
		return ErrAlreadyInitialized
	default:
		return ErrNotInitialized
	}
}

// Shutdown tear the core down. No dispatch occurs after return and
// the machine's Shutdown hook has run exactly once. Idempotent.
func (c *Core) Shutdown() {
	if c.status == StatusShutDown {
		return
	}
	utils.Assert(!c.dispatching, "%d shutdown during dispatch", c.id)

	c.status = StatusShutDown
	c.machine.Shutdown()
	log.Infof("%d core shut down [applied: %d]", c.id, c.lastApplied)
}

// Status return the lifecycle state.
func (c *Core) Status() Status {
	return c.status
}

// LastApplied return the index of the last applied entry.
func (c *Core) LastApplied() uint64 {
	return c.lastApplied
}

// Compactable return the highest index the log layer may discard:
// every commit at or below it has drained its references. An
// unreleased commit pins this watermark, throttling compaction
// behind slow asynchronous completions.
func (c *Core) Compactable() uint64 {
	return c.tracker.Compactable()
}

// OldestOutstanding expose the oldest unreleased commit for leak
// diagnosis; ok is false when everything has drained.
func (c *Core) OldestOutstanding() (index uint64, sinceNanos int64, ok bool) {
	index, since, ok := c.tracker.Oldest()
	if !ok {
		return 0, 0, false
	}
	return index, since.UnixNano(), true
}

// Now return the deterministic time: the timestamp of the entry
// currently being dispatched. The only clock handlers may use;
// calling it outside a dispatch is fatal.
func (c *Core) Now() time.Time {
	return c.clock.Now()
}

// Session return a read only view of one session, nil if unknown.
func (c *Core) Session(id uint64) session.View {
	s := c.sessions.Get(id)
	if s == nil {
		return nil
	}
	return s
}

// Sessions return views of every live session, in registration order.
func (c *Core) Sessions() []session.View {
	return sessionViews(c.sessions)
}

// Suspect mark a session suspect. Advisory only, fed by the upstream
// failure detector: a suspect session still applies commands (and
// revives on the next one), so the mark never influences dispatch
// results.
func (c *Core) Suspect(id uint64) bool {
	s := c.sessions.Get(id)
	if s == nil {
		return false
	}
	return s.Transition(session.StateSuspect)
}

// SweepSessions drop terminal sessions whose entries drained below
// the compaction watermark.
func (c *Core) SweepSessions() []uint64 {
	return c.sessions.Sweep(c.Compactable())
}

// SnapshotSessions return the registry as encodable records.
func (c *Core) SnapshotSessions() []session.Record {
	return c.sessions.Snapshot()
}

// RetiredSessions return the retired session ids, ascending.
func (c *Core) RetiredSessions() []uint64 {
	return c.sessions.Retired()
}

// RestoreSessions replace the registry and applied index from a
// snapshot. The retired ids travel with the records: a replica that
// already reclaimed a session must keep rejecting its id after a
// restore, same as the replica that produced the snapshot.
func (c *Core) RestoreSessions(applied uint64, records []session.Record, retired []uint64) {
	utils.Assert(!c.dispatching, "%d restore during dispatch", c.id)
	c.sessions.Restore(records, retired)
	c.tracker.Reset(applied)
	c.lastApplied = applied
	log.Infof("%d restore sessions [applied: %d, sessions: %d]",
		c.id, applied, len(records))
}
