// Package machine is the public surface of the deterministic state
// machine execution environment. The surrounding consensus runtime
// feeds it the ordered, gap free stream of committed entries; this
// package serializes that concurrent feed onto the single threaded
// core, dispatches to the user state machine, and reports the
// compaction watermark back to the log layer.
package machine

import (
	"time"

	"github.com/zhipwang/copycat/machine/core"
	"github.com/zhipwang/copycat/machine/core/session"
)

// StateMachine is the user contract. Implementations must be
// deterministic: identical ordered inputs must yield identical
// outputs and final state on every replica. Never read wall clock
// time inside a handler, time comes from the commit; never iterate
// an unordered container where the order reaches state or results.
//
// Embed Base to pick up no-op lifecycle hooks and implement only
// what the machine needs. Unrecognized payloads must fail with a
// deterministic error, core.ErrUnknownOperation fits.
type StateMachine interface {
	// Apply advances the machine by one command. A handler that
	// defers completion retains the commit, returns, and releases
	// from its asynchronous tail; release on the failure path is
	// mandatory, an unreleased commit stalls log compaction.
	Apply(c *core.Commit) ([]byte, error)

	// Query reads machine state through the read-only capability
	// surface; it must not mutate anything.
	Query(v core.View) ([]byte, error)

	// Register observes a newly registered session.
	Register(s session.View)

	// Expire observes a session expired by the upstream detector.
	Expire(s session.View)

	// Close observes a session closed by its client.
	Close(s session.View)

	// Shutdown is the terminal hook; runs exactly once.
	Shutdown()
}

// Snapshotter is optionally implemented by machines that want their
// state carried inside executor snapshots.
type Snapshotter interface {
	// Snapshot marshals the machine's state into a stable binary
	// format.
	Snapshot() []byte

	// Restore replaces the machine's state with a value returned
	// from Snapshot.
	Restore(data []byte)
}

// Base provides no-op lifecycle hooks so concrete machines implement
// only the operations they recognize.
type Base struct{}

// Register is a no-op by default.
func (Base) Register(session.View) {}

// Expire is a no-op by default.
func (Base) Expire(session.View) {}

// Close is a no-op by default.
func (Base) Close(session.View) {}

// Shutdown is a no-op by default.
func (Base) Shutdown() {}

// Observer receives executor lifecycle notifications.
type Observer interface {
	// OnInitialized fires once the executor is running.
	OnInitialized()

	// OnShutdown fires once after teardown completes.
	OnShutdown()

	// OnReferenceLeak reports a commit outstanding past the
	// configured grace window. Diagnostic: the executor never
	// force-releases, that would break the backpressure contract.
	OnReferenceLeak(index uint64, age time.Duration)
}

// NopObserver ignores every notification.
type NopObserver struct{}

func (NopObserver) OnInitialized() {}

func (NopObserver) OnShutdown() {}

func (NopObserver) OnReferenceLeak(uint64, time.Duration) {}
