package machine

import (
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/zhipwang/copycat/machine/core"
	"github.com/zhipwang/copycat/machine/core/read"
	"github.com/zhipwang/copycat/machine/core/session"
	"github.com/zhipwang/copycat/machine/proto"
	"github.com/zhipwang/copycat/utils"
	"github.com/zhipwang/copycat/utils/pd"

	"github.com/satori/go.uuid"
)

// Executor is the serialization boundary between the concurrent
// replication layer and the single threaded execution core: exactly
// one commit (or session event) is being dispatched at any time, in
// increasing index order. That serialization is the mechanism by
// which determinism is guaranteed; concurrent application would make
// result ordering a function of scheduling. Executor is thread safe.
type Executor struct {
	mutex sync.Mutex

	id   uint64
	core *core.Core

	reads     *read.Queue
	callbacks map[string]func(core.Result)

	snapshotter Snapshotter
	observer    Observer
	watchdog    *utils.Timer
	shut        bool
}

// MakeExecutor return a running executor bound to sm. The machine is
// wired at construction, there is no separate init step to misuse.
// The owner must guarantee Shutdown runs on every exit path.
func MakeExecutor(cfg Config, sm StateMachine, observer Observer) (*Executor, error) {
	if err := cfg.verify(); err != nil {
		return nil, err
	}
	if observer == nil {
		observer = NopObserver{}
	}

	e := &Executor{
		id:        cfg.ID,
		core:      core.MakeCore(cfg.ID, cfg.ResponseCacheSize, sm),
		reads:     read.MakeQueue(),
		callbacks: make(map[string]func(core.Result)),
		observer:  observer,
	}
	if sn, ok := sm.(Snapshotter); ok {
		e.snapshotter = sn
	}

	if err := e.core.Start(); err != nil {
		return nil, err
	}
	if cfg.LeakTickMillis > 0 {
		e.watchdog = e.startWatchdog(cfg)
	}

	observer.OnInitialized()
	return e, nil
}

// Apply feed the next committed entry, in index order, and return
// its result. Structural errors (out of order, shut down) come back
// as the call's error; operation outcomes ride inside the Result.
func (e *Executor) Apply(entry *smpd.Entry) (core.Result, error) {
	e.mutex.Lock()
	result, err := e.core.Apply(entry)
	if err != nil {
		e.mutex.Unlock()
		return result, err
	}
	ready := e.drainReads()
	e.mutex.Unlock()

	deliver(ready)
	return result, nil
}

// ReadAt schedule a linearizable read: index is the last committed
// index the caller observed, and the query runs once the core has
// applied that far, without consuming a log slot. done is invoked
// from whichever Apply call satisfies the read (or inline when the
// index is already applied). Returns the request's unique context.
func (e *Executor) ReadAt(index, sid uint64, data []byte, done func(core.Result)) []byte {
	context := uuid.NewV4().Bytes()

	e.mutex.Lock()
	e.reads.AddRequest(index, sid, context, data)
	e.callbacks[string(context)] = done
	log.Debugf("%d read at %d for session %d queued [pending: %d]",
		e.id, index, sid, e.reads.Pending())
	ready := e.drainReads()
	e.mutex.Unlock()

	deliver(ready)
	return context
}

// delivery is one satisfied read waiting for its callback.
type delivery struct {
	done   func(core.Result)
	result core.Result
}

// deliver invoke read callbacks in queue order. Runs outside the
// mutex so a callback may re-enter the executor.
func deliver(ready []delivery) {
	for i := 0; i < len(ready); i++ {
		if ready[i].done != nil {
			ready[i].done(ready[i].result)
		}
	}
}

// drainReads run every read whose index has been applied and collect
// the callbacks due. Callers hold the mutex and deliver after
// unlocking.
func (e *Executor) drainReads() []delivery {
	ready := e.reads.Advance(e.core.LastApplied())
	due := make([]delivery, 0, len(ready))
	for i := 0; i < len(ready); i++ {
		r := ready[i]
		result, err := e.core.Read(r.Session, r.Data)
		if err != nil {
			result = core.Result{Index: r.Index, Err: err}
		}
		done := e.callbacks[string(r.Context)]
		delete(e.callbacks, string(r.Context))
		due = append(due, delivery{done: done, result: result})
	}
	return due
}

// Compactable return the highest log index with no outstanding
// references; the log layer may discard entries up to it.
func (e *Executor) Compactable() uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.core.Compactable()
}

// LastApplied return the index of the last applied entry.
func (e *Executor) LastApplied() uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.core.LastApplied()
}

// Now return the deterministic time of the dispatch in progress.
// Only meaningful from inside a handler; anywhere else it is a
// determinism violation and fatal.
func (e *Executor) Now() time.Time {
	return e.core.Now()
}

// Session return a read only view of one session, nil if unknown.
func (e *Executor) Session(id uint64) session.View {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.core.Session(id)
}

// Sessions return every session in registration order.
func (e *Executor) Sessions() []session.View {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.core.Sessions()
}

// Suspect mark a session suspect on behalf of the upstream failure
// detector. Advisory; expiry still arrives through the log.
func (e *Executor) Suspect(id uint64) bool {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.core.Suspect(id)
}

// Sweep drop terminal sessions whose entries drained below the
// compaction watermark, returning their ids.
func (e *Executor) Sweep() []uint64 {
	e.mutex.Lock()
	defer e.mutex.Unlock()
	return e.core.SweepSessions()
}

// state is the encodable form of a whole executor snapshot.
type state struct {
	Applied  uint64
	Sessions []session.Record
	Retired  []uint64
	Machine  []byte
}

func (s *state) Reset() { *s = state{} }

// Snapshot capture the applied index, the session registry and, when
// the machine implements Snapshotter, the machine state. This is
// state capture only, the log itself is not ours to persist.
func (e *Executor) Snapshot() []byte {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	snap := state{
		Applied:  e.core.LastApplied(),
		Sessions: e.core.SnapshotSessions(),
		Retired:  e.core.RetiredSessions(),
	}
	if e.snapshotter != nil {
		snap.Machine = e.snapshotter.Snapshot()
	}
	return pd.MustMarshal(&snap)
}

// Restore replace executor state with a Snapshot value.
func (e *Executor) Restore(data []byte) error {
	e.mutex.Lock()
	defer e.mutex.Unlock()

	var snap state
	if err := pd.Unmarshal(&snap, data); err != nil {
		return err
	}
	e.core.RestoreSessions(snap.Applied, snap.Sessions, snap.Retired)
	if e.snapshotter != nil {
		e.snapshotter.Restore(snap.Machine)
	}
	log.Infof("%d restore snapshot [applied: %d]", e.id, snap.Applied)
	return nil
}

// Shutdown tear the executor down: no dispatch occurs after return,
// pending reads fail with ErrNotInitialized, and the machine's
// Shutdown hook plus the observer's OnShutdown each run exactly
// once. Idempotent, safe on every exit path.
func (e *Executor) Shutdown() {
	e.mutex.Lock()
	if e.shut {
		e.mutex.Unlock()
		return
	}
	e.shut = true

	failed := make([]delivery, 0, len(e.callbacks))
	for ctx, done := range e.callbacks {
		delete(e.callbacks, ctx)
		failed = append(failed, delivery{
			done:   done,
			result: core.Result{Err: core.ErrNotInitialized},
		})
	}
	e.core.Shutdown()
	watchdog := e.watchdog
	e.mutex.Unlock()

	deliver(failed)
	if watchdog != nil {
		watchdog.Stop()
	}
	e.observer.OnShutdown()
}
