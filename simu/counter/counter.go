// Package counter is the reference machine used by the verification
// suite: a single value advanced by command deltas, trivially
// deterministic, with every lifecycle hook recorded so tests can
// assert exactly when the executor fired them.
package counter

import (
	"github.com/tchajed/marshal"
	"github.com/zhipwang/copycat/machine"
	"github.com/zhipwang/copycat/machine/core"
	"github.com/zhipwang/copycat/machine/core/session"
)

type Machine struct {
	machine.Base

	value uint64

	// HoldAt retains the commit applied at that index so tests can
	// release it later and watch the compaction watermark move.
	HoldAt uint64
	Held   *core.Commit

	Registered []uint64
	Expired    []uint64
	Closed     []uint64
	Shutdowns  int
}

func Make() *Machine {
	return &Machine{}
}

// Delta encode a command that adds n.
func Delta(n uint64) []byte {
	return marshal.WriteInt(nil, n)
}

// Value decode a response or query result.
func Value(resp []byte) uint64 {
	n, _ := marshal.ReadInt(resp)
	return n
}

func (m *Machine) Apply(c *core.Commit) ([]byte, error) {
	delta, rest := marshal.ReadInt(c.Data())
	if len(rest) != 0 {
		return nil, core.ErrUnknownOperation
	}
	m.value += delta

	if m.HoldAt != 0 && c.Index() == m.HoldAt {
		c.Retain()
		m.Held = c
	}
	return marshal.WriteInt(nil, m.value), nil
}

func (m *Machine) Query(v core.View) ([]byte, error) {
	return marshal.WriteInt(nil, m.value), nil
}

func (m *Machine) Register(s session.View) {
	m.Registered = append(m.Registered, s.ID())
}

func (m *Machine) Expire(s session.View) {
	m.Expired = append(m.Expired, s.ID())
}

func (m *Machine) Close(s session.View) {
	m.Closed = append(m.Closed, s.ID())
}

func (m *Machine) Shutdown() {
	m.Shutdowns++
}

// State return the current counter value.
func (m *Machine) State() uint64 {
	return m.value
}

// Snapshot marshals the counter into a stable binary format.
func (m *Machine) Snapshot() []byte {
	return marshal.WriteInt(nil, m.value)
}

// Restore replaces the counter with a Snapshot value.
func (m *Machine) Restore(data []byte) {
	if len(data) == 0 {
		m.value = 0
		return
	}
	m.value, _ = marshal.ReadInt(data)
}
