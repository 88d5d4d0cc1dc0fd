// Package kv is a small key/value machine over the execution
// environment, wire encoded with tchajed/marshal. Its snapshot walks
// keys in sorted order: map iteration order must never reach bytes
// that replicas compare.
package kv

import (
	"errors"
	"sort"

	"github.com/tchajed/marshal"
	"github.com/zhipwang/copycat/machine"
	"github.com/zhipwang/copycat/machine/core"
)

// Command and query op codes.
const (
	OpPut uint64 = iota + 1
	OpDel
	OpGet
)

// ErrNotFound is the deterministic miss for OpGet and OpDel.
var ErrNotFound = errors.New("kv: key not found")

type Machine struct {
	machine.Base

	data map[string][]byte
}

func Make() *Machine {
	return &Machine{data: make(map[string][]byte)}
}

// PutOp encode a put command.
func PutOp(key string, value []byte) []byte {
	enc := marshal.WriteInt(nil, OpPut)
	enc = writeBytes(enc, []byte(key))
	return writeBytes(enc, value)
}

// DelOp encode a delete command.
func DelOp(key string) []byte {
	enc := marshal.WriteInt(nil, OpDel)
	return writeBytes(enc, []byte(key))
}

// GetOp encode a get query.
func GetOp(key string) []byte {
	enc := marshal.WriteInt(nil, OpGet)
	return writeBytes(enc, []byte(key))
}

func writeBytes(enc []byte, b []byte) []byte {
	enc = marshal.WriteInt(enc, uint64(len(b)))
	return marshal.WriteBytes(enc, b)
}

func readBytes(data []byte) ([]byte, []byte) {
	n, data := marshal.ReadInt(data)
	return marshal.ReadBytesCopy(data, n)
}

func (m *Machine) Apply(c *core.Commit) ([]byte, error) {
	op, data := marshal.ReadInt(c.Data())
	switch op {
	case OpPut:
		key, data := readBytes(data)
		value, _ := readBytes(data)
		m.data[string(key)] = value
		return nil, nil
	case OpDel:
		key, _ := readBytes(data)
		if _, ok := m.data[string(key)]; !ok {
			return nil, ErrNotFound
		}
		delete(m.data, string(key))
		return nil, nil
	default:
		return nil, core.ErrUnknownOperation
	}
}

func (m *Machine) Query(v core.View) ([]byte, error) {
	op, data := marshal.ReadInt(v.Data())
	switch op {
	case OpGet:
		key, _ := readBytes(data)
		value, ok := m.data[string(key)]
		if !ok {
			return nil, ErrNotFound
		}
		return value, nil
	default:
		return nil, core.ErrUnknownOperation
	}
}

// Len return the number of live keys.
func (m *Machine) Len() int {
	return len(m.data)
}

// Snapshot marshals the store into a stable binary format, keys in
// sorted order.
func (m *Machine) Snapshot() []byte {
	keys := make([]string, 0, len(m.data))
	for key := range m.data {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	enc := marshal.WriteInt(nil, uint64(len(keys)))
	for _, key := range keys {
		enc = writeBytes(enc, []byte(key))
		enc = writeBytes(enc, m.data[key])
	}
	return enc
}

// Restore replaces the store with a Snapshot value.
func (m *Machine) Restore(data []byte) {
	m.data = make(map[string][]byte)
	if len(data) == 0 {
		return
	}
	count, data := marshal.ReadInt(data)
	for i := uint64(0); i < count; i++ {
		var key, value []byte
		key, data = readBytes(data)
		value, data = readBytes(data)
		m.data[string(key)] = value
	}
}
