package core

import (
	"time"

	log "github.com/sirupsen/logrus"
)

// Clock is the deterministic clock: its value is a pure function of
// the entry currently owning the execution context, never a wall
// clock read. Handlers reach time only through here (or the commit),
// so identical feeds observe identical time on every replica.
type Clock struct {
	id         uint64
	inDispatch bool
	unix       int64 // timestamp of the current (or last) entry
}

func makeClock(id uint64) *Clock {
	return &Clock{id: id}
}

// enter begin a dispatch owning the clock at the entry timestamp.
func (c *Clock) enter(unix int64) {
	c.inDispatch = true
	c.unix = unix
}

// enterRead begin a read dispatch; time stays at the last applied
// entry's timestamp.
func (c *Clock) enterRead() {
	c.inDispatch = true
}

func (c *Clock) leave() {
	c.inDispatch = false
}

// Now return the current deterministic time. Calling Now outside a
// dispatch is a determinism violation: a handler stashed the clock
// and read it from its asynchronous tail, where the value would
// depend on scheduling. That is fatal, continuing risks silent state
// divergence across the cluster.
func (c *Clock) Now() time.Time {
	if !c.inDispatch {
		log.Panicf("%d determinism violation: clock read outside dispatch", c.id)
	}
	return time.Unix(0, c.unix)
}
