package core

import (
	log "github.com/sirupsen/logrus"
	"github.com/tchajed/marshal"
	"github.com/zhipwang/copycat/machine/core/session"
	"github.com/zhipwang/copycat/machine/proto"
)

// Apply dispatch the next committed entry. The entry must be exactly
// one past the last applied index; anything else is a structural
// error and no user code runs. The returned error is structural only,
// per operation failures travel inside the Result.
func (c *Core) Apply(entry *smpd.Entry) (Result, error) {
	if !c.status.IsRunning() {
		return Result{}, ErrNotInitialized
	}
	if c.dispatching {
		log.Panicf("%d determinism violation: reentrant apply at %d",
			c.id, entry.Index)
	}
	if entry.Index != c.lastApplied+1 {
		log.Debugf("%d reject entry %d, expect %d",
			c.id, entry.Index, c.lastApplied+1)
		return Result{}, ErrOutOfOrder
	}

	c.dispatching = true
	c.clock.enter(entry.Unix)
	defer func() {
		c.clock.leave()
		c.dispatching = false
	}()

	result := Result{Index: entry.Index}
	switch entry.Type {
	case smpd.EntryRegister:
		c.applyRegister(entry, &result)
	case smpd.EntryExpire:
		c.applySessionEvent(entry, session.StateExpired, &result)
	case smpd.EntryClose:
		c.applySessionEvent(entry, session.StateClosed, &result)
	case smpd.EntryCommand:
		c.applyCommand(entry, &result)
	case smpd.EntryQuery:
		c.applyQuery(entry, &result)
	default:
		log.Panicf("%d unknown entry type %d at %d",
			c.id, entry.Type, entry.Index)
	}

	c.lastApplied = entry.Index
	return result, nil
}

// Read run a linearizable query outside the log, against the state
// as of the last applied entry. The caller (the wrapper's read
// queue) guarantees the index the client observed has been applied.
func (c *Core) Read(sid uint64, data []byte) (Result, error) {
	if !c.status.IsRunning() {
		return Result{}, ErrNotInitialized
	}
	if c.dispatching {
		log.Panicf("%d determinism violation: read during dispatch", c.id)
	}

	result := Result{Index: c.lastApplied}
	s := c.sessions.Get(sid)
	if s == nil || s.State().IsTerminal() {
		result.Err = ErrSessionInvalid
		return result, nil
	}

	c.dispatching = true
	c.clock.enterRead()
	defer func() {
		c.clock.leave()
		c.dispatching = false
	}()

	view := queryView{
		index:   c.lastApplied,
		unix:    c.clock.unix,
		data:    data,
		session: s,
		reg:     c.sessions,
	}
	result.Value, result.Err = c.machine.Query(view)
	return result, nil
}

// register entries create the session before the hook runs; the id
// is the entry's own index unless the entry carries one.
func (c *Core) applyRegister(entry *smpd.Entry, result *Result) {
	commit := makeCommit(c, entry, nil)
	defer commit.Release()

	id := entry.Session
	if id == smpd.InvalidSession {
		id = entry.Index
	}

	s := c.sessions.Register(id)
	if s == nil {
		log.Debugf("%d register %d rejected, id taken", c.id, id)
		result.Err = ErrSessionExists
		return
	}
	s.AdvanceApplied(entry.Index)

	log.Debugf("%d register session %d at %d", c.id, id, entry.Index)
	c.machine.Register(s)
	result.Value = marshal.WriteInt(nil, id)
}

func (c *Core) applySessionEvent(entry *smpd.Entry, to session.State, result *Result) {
	s := c.sessions.Get(entry.Session)
	commit := makeCommit(c, entry, s)
	defer commit.Release()

	if s == nil || !s.Transition(to) {
		log.Debugf("%d %v for session %d rejected",
			c.id, entry.Type, entry.Session)
		result.Err = ErrSessionInvalid
		return
	}
	s.AdvanceApplied(entry.Index)

	log.Debugf("%d session %d => %v at %d", c.id, s.ID(), to, entry.Index)
	switch to {
	case session.StateExpired:
		c.machine.Expire(s)
	case session.StateClosed:
		c.machine.Close(s)
	}
}

func (c *Core) applyCommand(entry *smpd.Entry, result *Result) {
	s := c.sessions.Get(entry.Session)
	commit := makeCommit(c, entry, s)
	defer commit.Release()

	if s == nil || s.State().IsTerminal() {
		result.Err = ErrSessionInvalid
		return
	}

	// Exactly-once: a sequence already answered replays the cached
	// outcome, user apply logic is not re-invoked.
	if s.IsDuplicate(entry.Sequence) {
		response, errmsg, ok := s.CachedResponse(entry.Sequence)
		switch {
		case !ok:
			result.Err = ErrResponseEvicted
		case errmsg != "":
			result.Err = &ApplicationError{Msg: errmsg}
		default:
			result.Value = response
		}
		s.Ack(entry.Ack)
		s.AdvanceApplied(entry.Index)
		log.Debugf("%d replay session %d seq %d at %d",
			c.id, s.ID(), entry.Sequence, entry.Index)
		return
	}

	s.Revive()
	result.Value, result.Err = c.machine.Apply(commit)

	errmsg := ""
	if result.Err != nil {
		errmsg = result.Err.Error()
	}
	s.CacheResponse(entry.Sequence, result.Value, errmsg)
	s.Ack(entry.Ack)
	s.AdvanceApplied(entry.Index)
}

func (c *Core) applyQuery(entry *smpd.Entry, result *Result) {
	s := c.sessions.Get(entry.Session)
	commit := makeCommit(c, entry, s)
	defer commit.Release()

	if s == nil || s.State().IsTerminal() {
		result.Err = ErrSessionInvalid
		return
	}

	view := queryView{
		index:   entry.Index,
		unix:    entry.Unix,
		data:    entry.Data,
		session: s,
		reg:     c.sessions,
	}
	result.Value, result.Err = c.machine.Query(view)
	s.AdvanceApplied(entry.Index)
}
