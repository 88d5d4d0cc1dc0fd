// Package feed builds the ordered, gap free entry stream a
// replication layer would deliver to the executor: indices from 1,
// timestamps advancing as a pure function of position. Two feeds
// built the same way are identical byte for byte, which is what the
// determinism tests lean on.
package feed

import (
	"github.com/zhipwang/copycat/machine/proto"
)

type Feed struct {
	next uint64
	unix int64
	step int64
}

// Make return a feed starting at index 1, with entry timestamps
// baseUnix, baseUnix+step, ... in nanoseconds.
func Make(baseUnix, step int64) *Feed {
	return &Feed{next: 1, unix: baseUnix, step: step}
}

func (f *Feed) entry(typ smpd.EntryType, sid, seq, ack uint64, data []byte) *smpd.Entry {
	e := &smpd.Entry{
		Index:    f.next,
		Session:  sid,
		Sequence: seq,
		Ack:      ack,
		Unix:     f.unix,
		Type:     typ,
		Data:     data,
	}
	f.next++
	f.unix += f.step
	return e
}

// Register emit a register entry; sid zero lets the executor assign
// the entry index as the session id.
func (f *Feed) Register(sid uint64) *smpd.Entry {
	return f.entry(smpd.EntryRegister, sid, 0, 0, nil)
}

// Command emit a command from sid with the given sequence.
func (f *Feed) Command(sid, seq uint64, data []byte) *smpd.Entry {
	return f.entry(smpd.EntryCommand, sid, seq, 0, data)
}

// CommandAck emit a command that also acknowledges responses up to
// ack.
func (f *Feed) CommandAck(sid, seq, ack uint64, data []byte) *smpd.Entry {
	return f.entry(smpd.EntryCommand, sid, seq, ack, data)
}

// Query emit a log query from sid.
func (f *Feed) Query(sid uint64, data []byte) *smpd.Entry {
	return f.entry(smpd.EntryQuery, sid, 0, 0, data)
}

// Expire emit an expiration decided by the upstream detector.
func (f *Feed) Expire(sid uint64) *smpd.Entry {
	return f.entry(smpd.EntryExpire, sid, 0, 0, nil)
}

// Close emit an explicit client close.
func (f *Feed) Close(sid uint64) *smpd.Entry {
	return f.entry(smpd.EntryClose, sid, 0, 0, nil)
}

// NextIndex return the index the next entry will carry.
func (f *Feed) NextIndex() uint64 {
	return f.next
}
