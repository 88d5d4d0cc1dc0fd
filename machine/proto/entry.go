package smpd

import (
	"encoding/gob"
	"fmt"
)

// InvalidIndex is the zero value of log index, entries start at 1.
const InvalidIndex = 0

// InvalidSession marks an entry that carries no session, or a register
// entry whose session id should be taken from its own index.
const InvalidSession = 0

type EntryType int

// Entry from client, through the replicated log:
// - Command	mutating operation, deduplicated by (session, sequence).
// - Query	read-only operation, never allowed to mutate.
//
// Entry from the session layer, interleaved in index order:
// - Register	create a session, id is the entry index unless given.
// - Expire	session timed out, decided upstream, never locally.
// - Close	client closed its session explicitly.
const (
	EntryCommand EntryType = iota
	EntryQuery
	EntryRegister
	EntryExpire
	EntryClose
)

var entryTypeStr = []string{
	"Command",
	"Query",
	"Register",
	"Expire",
	"Close",
}

func (t EntryType) String() string {
	return entryTypeStr[t]
}

// IsOperation test whether entry type carries a client operation.
func (t EntryType) IsOperation() bool {
	return t == EntryCommand || t == EntryQuery
}

// IsSessionEvent test whether entry type is a session lifecycle event.
func (t EntryType) IsSessionEvent() bool {
	return t == EntryRegister || t == EntryExpire || t == EntryClose
}

// Entry is one committed log entry as delivered by the replication
// layer: ordered, gap free, indexed from 1. Unix is the timestamp
// assigned at the entry's origin, in nanoseconds, and is propagated
// verbatim; it is the only source of time visible to state machines.
type Entry struct {
	Index    uint64
	Session  uint64
	Sequence uint64

	// Ack is the highest sequence whose response the client has
	// already received; rides on command entries and releases
	// cached responses up to it.
	Ack uint64

	Unix int64
	Type EntryType
	Data []byte
}

func (e *Entry) Reset() { *e = Entry{} }

func (e Entry) String() string {
	return fmt.Sprintf("smpd.Entry{idx: %d, session: %d, seq: %d, type: %v}",
		e.Index, e.Session, e.Sequence, e.Type)
}

func init() {
	gob.Register(Entry{})
}
