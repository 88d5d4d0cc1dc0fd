package core

import (
	"sync/atomic"
	"time"

	"github.com/zhipwang/copycat/machine/core/refs"
	"github.com/zhipwang/copycat/machine/core/session"
	"github.com/zhipwang/copycat/machine/proto"
	"github.com/zhipwang/copycat/utils"
)

// Commit is one applied log entry: its index, origin session,
// timestamp and payload, plus the reference count that keeps the
// underlying entry alive. The count starts at one, owned by the
// dispatch call; a handler that defers completion calls Retain and
// releases from wherever its asynchronous tail finishes. The entry
// becomes compactable only at zero, which is the backpressure point
// of the whole pipeline: a handler that never releases stalls
// compaction, so every deferred path must release on its own errors
// too.
type Commit struct {
	index   uint64
	unix    int64
	typ     smpd.EntryType
	data    []byte
	session *session.Session
	reg     *session.Registry

	count   int32
	tracker *refs.Tracker
}

func makeCommit(c *Core, entry *smpd.Entry, s *session.Session) *Commit {
	c.tracker.Track(entry.Index)
	return &Commit{
		index:   entry.Index,
		unix:    entry.Unix,
		typ:     entry.Type,
		data:    entry.Data,
		session: s,
		reg:     c.sessions,
		count:   1,
		tracker: c.tracker,
	}
}

// Index return the commit's log index.
func (c *Commit) Index() uint64 { return c.index }

// Type return the entry type the commit carries.
func (c *Commit) Type() smpd.EntryType { return c.typ }

// Time return the commit timestamp, assigned at the entry's origin.
func (c *Commit) Time() time.Time { return time.Unix(0, c.unix) }

// Data return the opaque operation payload.
func (c *Commit) Data() []byte { return c.data }

// Session return a read only view of the commit's session.
func (c *Commit) Session() session.View {
	if c.session == nil {
		return nil
	}
	return c.session
}

// Sessions return views of every live session, in registration order.
func (c *Commit) Sessions() []session.View {
	return sessionViews(c.reg)
}

// Retain hold the commit open past the dispatch call. Only valid
// while the commit is still referenced.
func (c *Commit) Retain() {
	count := atomic.AddInt32(&c.count, 1)
	utils.Assert(count > 1, "commit %d: retain after drain", c.index)
}

// Release drop one reference. At zero the commit's index is reported
// drained and the log layer may compact it.
func (c *Commit) Release() {
	count := atomic.AddInt32(&c.count, -1)
	utils.Assert(count >= 0, "commit %d: release below zero", c.index)
	if count == 0 {
		c.tracker.Done(c.index)
	}
}

// View is the capability surface handed to query dispatch. It is
// deliberately not a Commit: no Retain, no Release, no way back to
// the mutating surface, so a read-only handler cannot hold entries
// open or touch executor state even by type assertion.
type View interface {
	Index() uint64
	Time() time.Time
	Data() []byte
	Session() session.View
	Sessions() []session.View
}

type queryView struct {
	index   uint64
	unix    int64
	data    []byte
	session session.View
	reg     *session.Registry
}

func (v queryView) Index() uint64            { return v.index }
func (v queryView) Time() time.Time          { return time.Unix(0, v.unix) }
func (v queryView) Data() []byte             { return v.data }
func (v queryView) Session() session.View    { return v.session }
func (v queryView) Sessions() []session.View { return sessionViews(v.reg) }

// sessionViews enumerate live sessions only: terminal sessions leave
// the handler visible set at their terminal entry, so results never
// depend on when the sweep reclaims them.
func sessionViews(reg *session.Registry) []session.View {
	live := reg.Live()
	views := make([]session.View, 0, len(live))
	for i := 0; i < len(live); i++ {
		views = append(views, live[i])
	}
	return views
}
