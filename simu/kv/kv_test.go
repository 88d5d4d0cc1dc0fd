package kv

import (
	"bytes"
	"testing"

	"github.com/tchajed/marshal"
	"github.com/zhipwang/copycat/machine"
	"github.com/zhipwang/copycat/machine/core"
	"github.com/zhipwang/copycat/machine/proto"
	"github.com/zhipwang/copycat/simu/feed"
)

func makeStore(t *testing.T) (*machine.Executor, *Machine, *feed.Feed) {
	t.Helper()
	m := Make()
	cfg := machine.DefaultConfig()
	cfg.LeakTickMillis = 0
	e, err := machine.MakeExecutor(cfg, m, nil)
	if err != nil {
		t.Fatalf("make executor: %v", err)
	}
	t.Cleanup(e.Shutdown)

	f := feed.Make(1000, 10)
	if _, err := e.Apply(f.Register(0)); err != nil {
		t.Fatalf("register: %v", err)
	}
	return e, m, f
}

func mustApply(t *testing.T, e *machine.Executor, entry *smpd.Entry) core.Result {
	t.Helper()
	result, err := e.Apply(entry)
	if err != nil {
		t.Fatalf("apply %v: %v", entry, err)
	}
	return result
}

func TestPutGetDel(t *testing.T) {
	e, m, f := makeStore(t)

	seq := uint64(0)
	next := func() uint64 { seq++; return seq }

	mustApply(t, e, f.Command(1, next(), PutOp("alpha", []byte("1"))))
	mustApply(t, e, f.Command(1, next(), PutOp("beta", []byte("2"))))

	result := mustApply(t, e, f.Query(1, GetOp("alpha")))
	if result.Err != nil || !bytes.Equal(result.Value, []byte("1")) {
		t.Fatalf("get alpha: %v %q", result.Err, result.Value)
	}

	result = mustApply(t, e, f.Query(1, GetOp("missing")))
	if result.Err != ErrNotFound {
		t.Fatalf("get missing want: %v, get: %v", ErrNotFound, result.Err)
	}

	mustApply(t, e, f.Command(1, next(), DelOp("alpha")))
	if m.Len() != 1 {
		t.Fatalf("len want: 1, get: %d", m.Len())
	}

	result = mustApply(t, e, f.Command(1, next(), DelOp("alpha")))
	if result.Err == nil || result.Err.Error() != ErrNotFound.Error() {
		t.Fatalf("del missing want: %v, get: %v", ErrNotFound, result.Err)
	}
}

func TestUnknownOp(t *testing.T) {
	e, _, f := makeStore(t)

	bad := marshal.WriteInt(nil, 99)
	result := mustApply(t, e, f.Command(1, 1, bad))
	if result.Err == nil || result.Err.Error() != core.ErrUnknownOperation.Error() {
		t.Fatalf("want: %v, get: %v", core.ErrUnknownOperation, result.Err)
	}
	result = mustApply(t, e, f.Query(1, bad))
	if result.Err != core.ErrUnknownOperation {
		t.Fatalf("want: %v, get: %v", core.ErrUnknownOperation, result.Err)
	}
}

func TestSnapshotOrderStable(t *testing.T) {
	// the same contents inserted in different orders must snapshot
	// identically, otherwise replicas would diverge on bytes
	a := Make()
	b := Make()
	pairs := map[string]string{"z": "3", "a": "1", "m": "2"}
	for key, value := range pairs {
		a.data[key] = []byte(value)
	}
	for _, key := range []string{"m", "z", "a"} {
		b.data[key] = []byte(pairs[key])
	}

	if !bytes.Equal(a.Snapshot(), b.Snapshot()) {
		t.Fatalf("snapshots differ for equal contents")
	}
}

func TestSnapshotRestore(t *testing.T) {
	e, m, f := makeStore(t)
	mustApply(t, e, f.Command(1, 1, PutOp("k1", []byte("v1"))))
	mustApply(t, e, f.Command(1, 2, PutOp("k2", []byte("v2"))))

	snap := m.Snapshot()

	m2 := Make()
	m2.Restore(snap)
	if m2.Len() != 2 {
		t.Fatalf("len want: 2, get: %d", m2.Len())
	}
	if !bytes.Equal(m2.data["k1"], []byte("v1")) || !bytes.Equal(m2.data["k2"], []byte("v2")) {
		t.Fatalf("restored values wrong: %v", m2.data)
	}
	if !bytes.Equal(m2.Snapshot(), snap) {
		t.Fatalf("restore does not round trip")
	}

	m2.Restore(nil)
	if m2.Len() != 0 {
		t.Fatalf("empty restore left %d keys", m2.Len())
	}
}
