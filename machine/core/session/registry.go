package session

import (
	"sort"

	log "github.com/sirupsen/logrus"
)

// Registry is the single source of truth for session identity and
// state. It is owned by the execution core: all mutation happens on
// the core's logical thread, handlers only receive views, so the
// registry itself carries no lock.
//
// Removal must be invisible to dispatch: the sweep runs on a wall
// clock tick, so whether a terminal session is still resident or
// already removed can never reach a dispatch result. The retired set
// keeps removed ids rejecting re-registration exactly as resident
// ones do, and handlers enumerate through Live, which excludes
// terminal sessions whether swept or not.
type Registry struct {
	maxCached int
	sessions  map[uint64]*Session
	order     []uint64 // registration order, for deterministic enumeration
	retired   map[uint64]struct{}
}

func MakeRegistry(maxCached int) *Registry {
	return &Registry{
		maxCached: maxCached,
		sessions:  make(map[uint64]*Session),
		retired:   make(map[uint64]struct{}),
	}
}

// Get return the session with the given id, or nil.
func (r *Registry) Get(id uint64) *Session {
	return r.sessions[id]
}

// All return every resident session in registration order, terminal
// ones included until swept. Snapshot and sweep bookkeeping only;
// handlers enumerate through Live.
func (r *Registry) All() []*Session {
	all := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		all = append(all, r.sessions[id])
	}
	return all
}

// Live return every non terminal session in registration order. This
// is the handler visible enumeration: a closed session disappears
// from it at its Close entry, not at the sweep that later reclaims
// it.
func (r *Registry) Live() []*Session {
	live := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		s := r.sessions[id]
		if s.state.IsTerminal() {
			continue
		}
		live = append(live, s)
	}
	return live
}

// Len return the number of resident sessions, terminal ones included
// until swept.
func (r *Registry) Len() int {
	return len(r.sessions)
}

// Register create a session for id. Returns nil when id is resident
// or retired: a removed session's id stays taken forever, so the
// answer does not depend on whether the sweep has run yet.
func (r *Registry) Register(id uint64) *Session {
	if _, ok := r.sessions[id]; ok {
		return nil
	}
	if _, ok := r.retired[id]; ok {
		return nil
	}
	s := makeSession(id, r.maxCached)
	r.sessions[id] = s
	r.order = append(r.order, id)
	return s
}

// Remove drop the session with the given id, retiring the id.
func (r *Registry) Remove(id uint64) {
	if _, ok := r.sessions[id]; !ok {
		return
	}
	delete(r.sessions, id)
	r.retired[id] = struct{}{}
	for i := 0; i < len(r.order); i++ {
		if r.order[i] == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
}

// Sweep remove terminal sessions whose entries have all drained below
// the compaction watermark, and return their ids. A terminal session
// stays resident until then so late commits referencing it are still
// rejected with its final state, not treated as unknown.
func (r *Registry) Sweep(watermark uint64) []uint64 {
	var removed []uint64
	for i := 0; i < len(r.order); {
		s := r.sessions[r.order[i]]
		if s.state.IsTerminal() && s.lastApplied <= watermark {
			log.Debugf("sweep %v below watermark %d", s, watermark)
			delete(r.sessions, s.id)
			r.retired[s.id] = struct{}{}
			r.order = append(r.order[:i], r.order[i+1:]...)
			removed = append(removed, s.id)
			continue
		}
		i++
	}
	return removed
}

// Record is the encodable form of one session, used by executor
// snapshots. Parallel sequence/response slices keep cache order.
type Record struct {
	ID           uint64
	State        State
	LastApplied  uint64
	LastSequence uint64
	LastAcked    uint64
	Sequences    []uint64
	Responses    [][]byte
	Errors       []string
}

// Snapshot return every resident session as records, in registration
// order.
func (r *Registry) Snapshot() []Record {
	records := make([]Record, 0, len(r.order))
	for _, id := range r.order {
		s := r.sessions[id]
		rec := Record{
			ID:           s.id,
			State:        s.state,
			LastApplied:  s.lastApplied,
			LastSequence: s.lastSequence,
			LastAcked:    s.lastAcked,
		}
		for _, seq := range s.sequences {
			o := s.responses[seq]
			rec.Sequences = append(rec.Sequences, seq)
			rec.Responses = append(rec.Responses, o.response)
			rec.Errors = append(rec.Errors, o.errmsg)
		}
		records = append(records, rec)
	}
	return records
}

// Retired return the retired ids in ascending order, for snapshots.
func (r *Registry) Retired() []uint64 {
	ids := make([]uint64, 0, len(r.retired))
	for id := range r.retired {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Restore replace the registry contents with the given records and
// retired ids.
func (r *Registry) Restore(records []Record, retired []uint64) {
	r.sessions = make(map[uint64]*Session)
	r.order = nil
	r.retired = make(map[uint64]struct{})
	for _, id := range retired {
		r.retired[id] = struct{}{}
	}
	for i := 0; i < len(records); i++ {
		rec := &records[i]
		s := makeSession(rec.ID, r.maxCached)
		s.state = rec.State
		s.lastApplied = rec.LastApplied
		s.lastSequence = rec.LastSequence
		s.lastAcked = rec.LastAcked
		for j := 0; j < len(rec.Sequences); j++ {
			s.responses[rec.Sequences[j]] = outcome{
				response: rec.Responses[j],
				errmsg:   rec.Errors[j],
			}
			s.sequences = append(s.sequences, rec.Sequences[j])
		}
		r.sessions[rec.ID] = s
		r.order = append(r.order, rec.ID)
	}
}
