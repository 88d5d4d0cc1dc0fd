// Package refs keeps the reference accounting that gates log
// compaction: an index is compactable only when it and every earlier
// index have drained to zero outstanding references.
package refs

import (
	"sync"
	"time"

	"github.com/zhipwang/copycat/utils"
)

// Tracker records which commit indices still hold references. Track
// is always called from the execution core in increasing index order;
// Done may arrive from any goroutine, a handler that retained a
// commit releases it wherever its asynchronous tail runs. That cross
// goroutine release is the reason this, alone below the public
// wrapper, carries a lock.
type Tracker struct {
	mu      sync.Mutex
	pending []uint64 // outstanding indices, strictly increasing
	started map[uint64]time.Time
	tracked uint64 // highest index ever tracked
}

func MakeTracker() *Tracker {
	return &Tracker{
		started: make(map[uint64]time.Time),
	}
}

// Track begin accounting for index.
func (t *Tracker) Track(index uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	utils.Assert(index > t.tracked,
		"track %d not past %d", index, t.tracked)
	t.tracked = index
	t.pending = append(t.pending, index)
	t.started[index] = time.Now()
}

// Done mark index as fully released.
func (t *Tracker) Done(index uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.started[index]
	utils.Assert(ok, "done %d without track", index)
	delete(t.started, index)
}

// drain pop leading indices that have completed. Callers hold mu.
func (t *Tracker) drain() {
	for len(t.pending) > 0 {
		if _, outstanding := t.started[t.pending[0]]; outstanding {
			break
		}
		t.pending = t.pending[1:]
	}
}

// Compactable return the highest index every reference at or below
// which has been released; the log layer may discard entries up to
// it. Zero means nothing is compactable yet.
func (t *Tracker) Compactable() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.drain()
	if len(t.pending) == 0 {
		return t.tracked
	}
	return t.pending[0] - 1
}

// Oldest return the oldest outstanding index and when it was
// tracked. ok is false when nothing is outstanding.
func (t *Tracker) Oldest() (index uint64, since time.Time, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.drain()
	if len(t.pending) == 0 {
		return 0, time.Time{}, false
	}
	return t.pending[0], t.started[t.pending[0]], true
}

// Reset forget all accounting and resume from index. Only legal with
// nothing outstanding, used when installing a snapshot.
func (t *Tracker) Reset(index uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	utils.Assert(len(t.started) == 0, "reset with %d outstanding", len(t.started))
	t.pending = nil
	t.tracked = index
}

// Outstanding return how many indices still hold references.
func (t *Tracker) Outstanding() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.started)
}
