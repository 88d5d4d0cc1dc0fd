package session

import (
	"fmt"

	"github.com/zhipwang/copycat/utils"
)

type State int

// Session states. Suspect is an advisory mark from the upstream
// failure detector; a suspect session still applies commands and
// revives to Active when one arrives. Expired and Closed are
// terminal, no transition leaves them.
const (
	StateActive State = iota
	StateSuspect
	StateExpired
	StateClosed
)

var stateString = []string{
	"Active",
	"Suspect",
	"Expired",
	"Closed",
}

func (s State) String() string {
	return stateString[s]
}

// IsTerminal test whether state is Expired or Closed.
func (s State) IsTerminal() bool {
	return s == StateExpired || s == StateClosed
}

// CanTransition test whether from => to is a legal transition.
func CanTransition(from, to State) bool {
	switch from {
	case StateActive:
		return to == StateSuspect || to == StateExpired || to == StateClosed
	case StateSuspect:
		return to == StateActive || to == StateExpired || to == StateClosed
	default:
		return false
	}
}

// View is the surface of a session visible to state machine handlers.
// Handlers observe sessions, they never own them: the registry is the
// single writer, and a view must not be held past the commit that
// delivered it.
type View interface {
	ID() uint64
	State() State
	LastApplied() uint64
	LastSequence() uint64
}

// Session is the server side record of one connected client.
type Session struct {
	id    uint64
	state State

	lastApplied  uint64 // last log index applied on behalf of this session
	lastSequence uint64 // highest command sequence applied
	lastAcked    uint64 // highest sequence acknowledged by the client

	// responses caches sequence => outcome for exactly-once
	// delivery; sequences holds cache arrival order so eviction
	// under the bound is deterministic.
	maxCached int
	responses map[uint64]outcome
	sequences []uint64
}

// outcome is one cached command result: the response bytes, or the
// deterministic error message the handler produced instead.
type outcome struct {
	response []byte
	errmsg   string
}

func makeSession(id uint64, maxCached int) *Session {
	utils.Assert(maxCached > 0, "session %d: non positive cache bound", id)
	return &Session{
		id:        id,
		state:     StateActive,
		maxCached: maxCached,
		responses: make(map[uint64]outcome),
	}
}

// ID return the session id, unique, assigned at registration.
func (s *Session) ID() uint64 { return s.id }

// State return the current lifecycle state.
func (s *Session) State() State { return s.state }

// LastApplied return the last log index applied for this session.
func (s *Session) LastApplied() uint64 { return s.lastApplied }

// LastSequence return the highest command sequence applied.
func (s *Session) LastSequence() uint64 { return s.lastSequence }

func (s *Session) String() string {
	return fmt.Sprintf("session{id: %d, state: %v, applied: %d, seq: %d}",
		s.id, s.state, s.lastApplied, s.lastSequence)
}

// Transition move the session to state to, rejecting anything the
// transition table forbids. Returns false when rejected.
func (s *Session) Transition(to State) bool {
	if !CanTransition(s.state, to) {
		return false
	}
	s.state = to
	return true
}

// Revive return a suspect session to active; no-op otherwise.
func (s *Session) Revive() {
	if s.state == StateSuspect {
		s.state = StateActive
	}
}

// AdvanceApplied record index as applied for this session.
func (s *Session) AdvanceApplied(index uint64) {
	utils.Assert(index >= s.lastApplied,
		"session %d: applied index %d regressed below %d",
		s.id, index, s.lastApplied)
	s.lastApplied = index
}

// IsDuplicate test whether seq has already been applied.
func (s *Session) IsDuplicate(seq uint64) bool {
	return seq <= s.lastSequence
}

// CacheResponse record the outcome for seq and advance the applied
// sequence. The oldest cached entry is evicted once the bound is hit.
func (s *Session) CacheResponse(seq uint64, response []byte, errmsg string) {
	utils.Assert(seq > s.lastSequence,
		"session %d: cache sequence %d not past %d", s.id, seq, s.lastSequence)
	s.lastSequence = seq

	if len(s.sequences) >= s.maxCached {
		evict := s.sequences[0]
		s.sequences = s.sequences[1:]
		delete(s.responses, evict)
	}
	s.responses[seq] = outcome{response: response, errmsg: errmsg}
	s.sequences = append(s.sequences, seq)
}

// CachedResponse return the outcome recorded for seq. ok is false
// when the response has been evicted or acknowledged away.
func (s *Session) CachedResponse(seq uint64) (response []byte, errmsg string, ok bool) {
	o, ok := s.responses[seq]
	return o.response, o.errmsg, ok
}

// Ack drop cached responses the client acknowledged, up to and
// including seq. Stale acks are ignored.
func (s *Session) Ack(seq uint64) {
	if seq <= s.lastAcked {
		return
	}
	s.lastAcked = seq

	i := 0
	for ; i < len(s.sequences); i++ {
		if s.sequences[i] > seq {
			break
		}
		delete(s.responses, s.sequences[i])
	}
	s.sequences = s.sequences[i:]
}

// Acked return the highest sequence the client acknowledged.
func (s *Session) Acked() uint64 {
	return s.lastAcked
}

// CachedCount return the number of responses currently cached.
func (s *Session) CachedCount() int {
	return len(s.responses)
}
