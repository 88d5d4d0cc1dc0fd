package core

import (
	"bytes"
	"errors"
	"testing"

	"github.com/tchajed/marshal"
	"github.com/zhipwang/copycat/machine/core/session"
	"github.com/zhipwang/copycat/machine/proto"
)

type testMachine struct {
	applied []uint64
	queried []uint64

	applyFn func(c *Commit) ([]byte, error)
	queryFn func(v View) ([]byte, error)

	registered []uint64
	expired    []uint64
	closed     []uint64
	shutdowns  int
}

func (m *testMachine) Apply(c *Commit) ([]byte, error) {
	m.applied = append(m.applied, c.Index())
	if m.applyFn != nil {
		return m.applyFn(c)
	}
	return marshal.WriteInt(nil, uint64(len(m.applied))), nil
}

func (m *testMachine) Query(v View) ([]byte, error) {
	m.queried = append(m.queried, v.Index())
	if m.queryFn != nil {
		return m.queryFn(v)
	}
	return marshal.WriteInt(nil, uint64(len(m.applied))), nil
}

func (m *testMachine) Register(s session.View) {
	m.registered = append(m.registered, s.ID())
}

func (m *testMachine) Expire(s session.View) {
	m.expired = append(m.expired, s.ID())
}

func (m *testMachine) Close(s session.View) {
	m.closed = append(m.closed, s.ID())
}

func (m *testMachine) Shutdown() {
	m.shutdowns++
}

func makeTestCore(t *testing.T, maxCached int) (*Core, *testMachine) {
	t.Helper()
	m := &testMachine{}
	c := MakeCore(1, maxCached, m)
	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	return c, m
}

func makeEntry(idx uint64, typ smpd.EntryType, sid, seq uint64) *smpd.Entry {
	return &smpd.Entry{
		Index:    idx,
		Session:  sid,
		Sequence: seq,
		Unix:     int64(idx) * 1000,
		Type:     typ,
	}
}

func mustApply(t *testing.T, c *Core, entry *smpd.Entry) Result {
	t.Helper()
	result, err := c.Apply(entry)
	if err != nil {
		t.Fatalf("apply %v: %v", entry, err)
	}
	return result
}

func TestCoreLifecycle(t *testing.T) {
	m := &testMachine{}
	c := MakeCore(1, 8, m)

	if c.Status() != StatusInitialized {
		t.Fatalf("status want: %v, get: %v", StatusInitialized, c.Status())
	}
	if _, err := c.Apply(makeEntry(1, smpd.EntryRegister, 0, 0)); err != ErrNotInitialized {
		t.Fatalf("apply before start want: %v, get: %v", ErrNotInitialized, err)
	}

	if err := c.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := c.Start(); err != ErrAlreadyInitialized {
		t.Fatalf("second start want: %v, get: %v", ErrAlreadyInitialized, err)
	}

	c.Shutdown()
	c.Shutdown()
	if m.shutdowns != 1 {
		t.Fatalf("shutdown hook ran %d times", m.shutdowns)
	}
	if _, err := c.Apply(makeEntry(1, smpd.EntryRegister, 0, 0)); err != ErrNotInitialized {
		t.Fatalf("apply after shutdown want: %v, get: %v", ErrNotInitialized, err)
	}
	if err := c.Start(); err != ErrNotInitialized {
		t.Fatalf("start after shutdown want: %v, get: %v", ErrNotInitialized, err)
	}
}

func TestApplyOutOfOrder(t *testing.T) {
	c, m := makeTestCore(t, 8)
	mustApply(t, c, makeEntry(1, smpd.EntryRegister, 0, 0))

	tests := []uint64{3, 1, 0, 10}
	for i, idx := range tests {
		if _, err := c.Apply(makeEntry(idx, smpd.EntryCommand, 1, 1)); err != ErrOutOfOrder {
			t.Fatalf("#%d: index %d want: %v, get: %v", i, idx, ErrOutOfOrder, err)
		}
	}
	if len(m.applied) != 0 {
		t.Fatalf("machine invoked for out of order entries")
	}
	if c.LastApplied() != 1 {
		t.Fatalf("last applied want: 1, get: %d", c.LastApplied())
	}
}

func TestRegisterAssignsIndex(t *testing.T) {
	c, m := makeTestCore(t, 8)

	result := mustApply(t, c, makeEntry(1, smpd.EntryRegister, 0, 0))
	id, _ := marshal.ReadInt(result.Value)
	if id != 1 {
		t.Fatalf("assigned id want: 1, get: %d", id)
	}
	if len(m.registered) != 1 || m.registered[0] != 1 {
		t.Fatalf("register hook want: [1], get: %v", m.registered)
	}

	// explicit id
	result = mustApply(t, c, makeEntry(2, smpd.EntryRegister, 7, 0))
	id, _ = marshal.ReadInt(result.Value)
	if id != 7 {
		t.Fatalf("assigned id want: 7, get: %d", id)
	}

	// reusing a live id fails as a result, not structurally
	result = mustApply(t, c, makeEntry(3, smpd.EntryRegister, 7, 0))
	if result.Err != ErrSessionExists {
		t.Fatalf("duplicate register want: %v, get: %v", ErrSessionExists, result.Err)
	}
	if len(m.registered) != 2 {
		t.Fatalf("register hook ran for rejected id")
	}
}

func TestCommandDedup(t *testing.T) {
	c, m := makeTestCore(t, 8)
	mustApply(t, c, makeEntry(1, smpd.EntryRegister, 0, 0))

	first := mustApply(t, c, makeEntry(2, smpd.EntryCommand, 1, 1))
	mustApply(t, c, makeEntry(3, smpd.EntryCommand, 1, 2))

	// retransmission of sequence 1 replays the cached response
	replay := mustApply(t, c, makeEntry(4, smpd.EntryCommand, 1, 1))
	if replay.Err != nil {
		t.Fatalf("replay err: %v", replay.Err)
	}
	got, _ := marshal.ReadInt(replay.Value)
	want, _ := marshal.ReadInt(first.Value)
	if got != want {
		t.Fatalf("replay value want: %d, get: %d", want, got)
	}
	if len(m.applied) != 2 {
		t.Fatalf("apply ran %d times, want 2", len(m.applied))
	}
}

func TestCommandDedupReplaysError(t *testing.T) {
	c, m := makeTestCore(t, 8)
	boom := errors.New("bad input")
	m.applyFn = func(c *Commit) ([]byte, error) { return nil, boom }

	mustApply(t, c, makeEntry(1, smpd.EntryRegister, 0, 0))
	first := mustApply(t, c, makeEntry(2, smpd.EntryCommand, 1, 1))
	if first.Err != boom {
		t.Fatalf("first err want: %v, get: %v", boom, first.Err)
	}

	replay := mustApply(t, c, makeEntry(3, smpd.EntryCommand, 1, 1))
	var appErr *ApplicationError
	if !errors.As(replay.Err, &appErr) {
		t.Fatalf("replay err want ApplicationError, get: %v", replay.Err)
	}
	if len(m.applied) != 1 {
		t.Fatalf("apply re-ran for duplicate")
	}
}

func TestCommandDedupEvicted(t *testing.T) {
	c, _ := makeTestCore(t, 1)
	mustApply(t, c, makeEntry(1, smpd.EntryRegister, 0, 0))
	mustApply(t, c, makeEntry(2, smpd.EntryCommand, 1, 1))
	mustApply(t, c, makeEntry(3, smpd.EntryCommand, 1, 2)) // evicts seq 1

	replay := mustApply(t, c, makeEntry(4, smpd.EntryCommand, 1, 1))
	if replay.Err != ErrResponseEvicted {
		t.Fatalf("want: %v, get: %v", ErrResponseEvicted, replay.Err)
	}
}

func TestSessionGating(t *testing.T) {
	c, m := makeTestCore(t, 8)
	mustApply(t, c, makeEntry(1, smpd.EntryRegister, 0, 0))
	mustApply(t, c, makeEntry(2, smpd.EntryCommand, 1, 1))

	expired := mustApply(t, c, makeEntry(3, smpd.EntryExpire, 1, 0))
	if expired.Err != nil {
		t.Fatalf("expire err: %v", expired.Err)
	}
	if len(m.expired) != 1 || m.expired[0] != 1 {
		t.Fatalf("expire hook want: [1], get: %v", m.expired)
	}

	// command from the expired session short-circuits, no user code
	result := mustApply(t, c, makeEntry(4, smpd.EntryCommand, 1, 2))
	if result.Err != ErrSessionInvalid {
		t.Fatalf("want: %v, get: %v", ErrSessionInvalid, result.Err)
	}
	if len(m.applied) != 1 {
		t.Fatalf("apply ran for expired session")
	}

	// unknown session too
	result = mustApply(t, c, makeEntry(5, smpd.EntryCommand, 42, 1))
	if result.Err != ErrSessionInvalid {
		t.Fatalf("unknown session want: %v, get: %v", ErrSessionInvalid, result.Err)
	}

	// expiring an already terminal session is rejected
	result = mustApply(t, c, makeEntry(6, smpd.EntryExpire, 1, 0))
	if result.Err != ErrSessionInvalid {
		t.Fatalf("double expire want: %v, get: %v", ErrSessionInvalid, result.Err)
	}
	if len(m.expired) != 1 {
		t.Fatalf("expire hook re-ran on terminal session")
	}
}

func TestCloseHook(t *testing.T) {
	c, m := makeTestCore(t, 8)
	mustApply(t, c, makeEntry(1, smpd.EntryRegister, 0, 0))
	mustApply(t, c, makeEntry(2, smpd.EntryClose, 1, 0))
	if len(m.closed) != 1 || m.closed[0] != 1 {
		t.Fatalf("close hook want: [1], get: %v", m.closed)
	}
	if got := c.Session(1).State(); got != session.StateClosed {
		t.Fatalf("state want: %v, get: %v", session.StateClosed, got)
	}
}

func TestRefsDrain(t *testing.T) {
	c, m := makeTestCore(t, 8)

	var held *Commit
	m.applyFn = func(commit *Commit) ([]byte, error) {
		if commit.Index() == 3 {
			commit.Retain()
			held = commit
		}
		return nil, nil
	}

	mustApply(t, c, makeEntry(1, smpd.EntryRegister, 0, 0))
	mustApply(t, c, makeEntry(2, smpd.EntryCommand, 1, 1))
	if got := c.Compactable(); got != 2 {
		t.Fatalf("watermark want: 2, get: %d", got)
	}

	mustApply(t, c, makeEntry(3, smpd.EntryCommand, 1, 2))
	mustApply(t, c, makeEntry(4, smpd.EntryCommand, 1, 3))
	mustApply(t, c, makeEntry(5, smpd.EntryCommand, 1, 4))

	// the retained commit pins the watermark behind it
	if got := c.Compactable(); got != 2 {
		t.Fatalf("pinned watermark want: 2, get: %d", got)
	}

	held.Release()
	if got := c.Compactable(); got != 5 {
		t.Fatalf("drained watermark want: 5, get: %d", got)
	}
}

func TestQueryDispatch(t *testing.T) {
	c, m := makeTestCore(t, 8)
	m.queryFn = func(v View) ([]byte, error) {
		if v.Session().ID() != 1 {
			t.Fatalf("view session want: 1, get: %d", v.Session().ID())
		}
		if v.Time().UnixNano() != 3000 {
			t.Fatalf("view time want: 3000, get: %d", v.Time().UnixNano())
		}
		return []byte("ok"), nil
	}

	mustApply(t, c, makeEntry(1, smpd.EntryRegister, 0, 0))
	mustApply(t, c, makeEntry(2, smpd.EntryCommand, 1, 1))

	result := mustApply(t, c, makeEntry(3, smpd.EntryQuery, 1, 0))
	if result.Err != nil || string(result.Value) != "ok" {
		t.Fatalf("query result: %v %q", result.Err, result.Value)
	}

	// queries are not deduplicated or cached
	mustApply(t, c, makeEntry(4, smpd.EntryQuery, 1, 0))
	if len(m.queried) != 2 {
		t.Fatalf("query ran %d times, want 2", len(m.queried))
	}
}

func TestRead(t *testing.T) {
	c, m := makeTestCore(t, 8)
	mustApply(t, c, makeEntry(1, smpd.EntryRegister, 0, 0))
	mustApply(t, c, makeEntry(2, smpd.EntryCommand, 1, 1))

	result, err := c.Read(1, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if result.Index != 2 {
		t.Fatalf("read index want: 2, get: %d", result.Index)
	}
	if len(m.queried) != 1 {
		t.Fatalf("query not dispatched for read")
	}

	mustApply(t, c, makeEntry(3, smpd.EntryExpire, 1, 0))
	result, err = c.Read(1, nil)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if result.Err != ErrSessionInvalid {
		t.Fatalf("terminal read want: %v, get: %v", ErrSessionInvalid, result.Err)
	}

	c.Shutdown()
	if _, err := c.Read(1, nil); err != ErrNotInitialized {
		t.Fatalf("read after shutdown want: %v, get: %v", ErrNotInitialized, err)
	}
}

func TestReentrantApplyPanics(t *testing.T) {
	c, m := makeTestCore(t, 8)
	mustApply(t, c, makeEntry(1, smpd.EntryRegister, 0, 0))

	m.applyFn = func(commit *Commit) ([]byte, error) {
		c.Apply(makeEntry(99, smpd.EntryCommand, 1, 9))
		return nil, nil
	}

	defer func() {
		if recover() == nil {
			t.Fatalf("reentrant apply did not panic")
		}
	}()
	c.Apply(makeEntry(2, smpd.EntryCommand, 1, 1))
}

func TestSuspectRevival(t *testing.T) {
	c, _ := makeTestCore(t, 8)
	mustApply(t, c, makeEntry(1, smpd.EntryRegister, 0, 0))

	if !c.Suspect(1) {
		t.Fatalf("suspect rejected")
	}
	if got := c.Session(1).State(); got != session.StateSuspect {
		t.Fatalf("state want: %v, get: %v", session.StateSuspect, got)
	}

	// a suspect session still applies and revives
	result := mustApply(t, c, makeEntry(2, smpd.EntryCommand, 1, 1))
	if result.Err != nil {
		t.Fatalf("suspect command err: %v", result.Err)
	}
	if got := c.Session(1).State(); got != session.StateActive {
		t.Fatalf("state want: %v, get: %v", session.StateActive, got)
	}
}

func TestSweepSessions(t *testing.T) {
	c, _ := makeTestCore(t, 8)
	mustApply(t, c, makeEntry(1, smpd.EntryRegister, 0, 0))
	mustApply(t, c, makeEntry(2, smpd.EntryRegister, 0, 0))
	mustApply(t, c, makeEntry(3, smpd.EntryClose, 1, 0))

	removed := c.SweepSessions()
	if len(removed) != 1 || removed[0] != 1 {
		t.Fatalf("sweep want: [1], get: %v", removed)
	}
	if c.Session(1) != nil {
		t.Fatalf("session 1 survived sweep")
	}
	if c.Session(2) == nil {
		t.Fatalf("live session swept")
	}
}

func TestSweepInvisibleToDispatch(t *testing.T) {
	// the sweep runs on a wall clock tick, so two replicas may sweep
	// at different points of the same log; dispatch results must not
	// depend on it. The tail register reuses a closed id: both
	// replicas reject it, swept or not.
	feed := []*smpd.Entry{
		makeEntry(1, smpd.EntryRegister, 7, 0),
		makeEntry(2, smpd.EntryCommand, 7, 1),
		makeEntry(3, smpd.EntryClose, 7, 0),
		makeEntry(4, smpd.EntryRegister, 7, 0),
	}

	a, _ := makeTestCore(t, 8)
	b, _ := makeTestCore(t, 8)
	for i, entry := range feed {
		ra := mustApply(t, a, entry)
		rb := mustApply(t, b, entry)
		b.SweepSessions()
		if !errors.Is(ra.Err, rb.Err) || !bytes.Equal(ra.Value, rb.Value) {
			t.Fatalf("#%d: replicas diverge: %v vs %v", i, ra, rb)
		}
	}
	if got := mustApply(t, a, makeEntry(5, smpd.EntryRegister, 7, 0)); got.Err != ErrSessionExists {
		t.Fatalf("resident closed id want: %v, get: %v", ErrSessionExists, got.Err)
	}
	if got := mustApply(t, b, makeEntry(5, smpd.EntryRegister, 7, 0)); got.Err != ErrSessionExists {
		t.Fatalf("swept id want: %v, get: %v", ErrSessionExists, got.Err)
	}
}

func TestHandlerSeesLiveSessionsOnly(t *testing.T) {
	c, m := makeTestCore(t, 8)
	var seen []int
	m.applyFn = func(commit *Commit) ([]byte, error) {
		seen = append(seen, len(commit.Sessions()))
		return nil, nil
	}

	mustApply(t, c, makeEntry(1, smpd.EntryRegister, 0, 0))
	mustApply(t, c, makeEntry(2, smpd.EntryRegister, 0, 0))
	mustApply(t, c, makeEntry(3, smpd.EntryClose, 2, 0))

	// closed session 2 is still resident, the handler must not see it
	mustApply(t, c, makeEntry(4, smpd.EntryCommand, 1, 1))
	c.SweepSessions()
	mustApply(t, c, makeEntry(5, smpd.EntryCommand, 1, 2))

	if len(seen) != 2 || seen[0] != 1 || seen[1] != 1 {
		t.Fatalf("handler enumeration want: [1 1], get: %v", seen)
	}
}
