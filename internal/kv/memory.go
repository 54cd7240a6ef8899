package kv

import (
	"context"
	"sync"
	"sync/atomic"
)

// memRecord is immutable once published so pointer identity doubles as the
// compare token for sync.Map's CompareAndSwap/CompareAndDelete.
type memRecord struct {
	value    []byte
	revision uint64
}

// Memory is an in-process Substrate. Each key is updated lock-free through
// sync.Map compare-and-swap; there is no lock spanning keys.
type Memory struct {
	families sync.Map // family -> *sync.Map(key -> *memRecord)
	revision atomic.Uint64
	closed   atomic.Bool
}

// NewMemory returns an empty in-memory substrate.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) family(name string) *sync.Map {
	if f, ok := m.families.Load(name); ok {
		return f.(*sync.Map)
	}
	f, _ := m.families.LoadOrStore(name, &sync.Map{})
	return f.(*sync.Map)
}

func (m *Memory) newRecord(value []byte) *memRecord {
	return &memRecord{value: clone(value), revision: m.revision.Add(1)}
}

func (m *Memory) Get(_ context.Context, family, key string) (Record, bool, error) {
	if m.closed.Load() {
		return Record{}, false, ErrClosed
	}
	if err := validKey(family, key); err != nil {
		return Record{}, false, err
	}
	v, ok := m.family(family).Load(key)
	if !ok {
		return Record{}, false, nil
	}
	rec := v.(*memRecord)
	return Record{Value: clone(rec.value), Revision: rec.revision}, true, nil
}

func (m *Memory) Put(_ context.Context, family, key string, value []byte) (uint64, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if err := validKey(family, key); err != nil {
		return 0, err
	}
	rec := m.newRecord(value)
	m.family(family).Store(key, rec)
	return rec.revision, nil
}

func (m *Memory) CompareAndPut(_ context.Context, family, key string, value []byte, expected uint64) (uint64, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	if err := validKey(family, key); err != nil {
		return 0, err
	}
	f := m.family(family)
	if expected == 0 {
		rec := m.newRecord(value)
		if _, loaded := f.LoadOrStore(key, rec); loaded {
			return 0, ErrConflict
		}
		return rec.revision, nil
	}

	cur, ok := f.Load(key)
	if !ok || cur.(*memRecord).revision != expected {
		return 0, ErrConflict
	}
	rec := m.newRecord(value)
	if !f.CompareAndSwap(key, cur, rec) {
		return 0, ErrConflict
	}
	return rec.revision, nil
}

func (m *Memory) Remove(_ context.Context, family, key string) (bool, error) {
	if m.closed.Load() {
		return false, ErrClosed
	}
	if err := validKey(family, key); err != nil {
		return false, err
	}
	_, loaded := m.family(family).LoadAndDelete(key)
	return loaded, nil
}

func (m *Memory) CompareAndRemove(_ context.Context, family, key string, expected uint64) error {
	if m.closed.Load() {
		return ErrClosed
	}
	if err := validKey(family, key); err != nil {
		return err
	}
	f := m.family(family)
	cur, ok := f.Load(key)
	if !ok || cur.(*memRecord).revision != expected {
		return ErrConflict
	}
	if !f.CompareAndDelete(key, cur) {
		return ErrConflict
	}
	return nil
}

func (m *Memory) Range(ctx context.Context, family string, fn func(key string, rec Record) bool) error {
	if m.closed.Load() {
		return ErrClosed
	}
	var err error
	m.family(family).Range(func(k, v any) bool {
		if err = ctx.Err(); err != nil {
			return false
		}
		rec := v.(*memRecord)
		return fn(k.(string), Record{Value: clone(rec.value), Revision: rec.revision})
	})
	return err
}

func (m *Memory) Len(_ context.Context, family string) (int, error) {
	if m.closed.Load() {
		return 0, ErrClosed
	}
	n := 0
	m.family(family).Range(func(_, _ any) bool {
		n++
		return true
	})
	return n, nil
}

func (m *Memory) Close() error {
	m.closed.Store(true)
	return nil
}

func clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
