package kv

import (
	"context"
	"errors"
	"fmt"
)

// DefaultRetries bounds Map.Mutate's compare-and-swap loop.
const DefaultRetries = 16

// Op is the outcome a Mutate callback asks for.
type Op int

const (
	// Keep leaves the key untouched.
	Keep Op = iota
	// Write stores the returned value.
	Write
	// Delete removes the key.
	Delete
)

// ConflictObserver is told about every lost compare-and-swap round.
type ConflictObserver func(family string)

// Map is a typed view over one Substrate family. Values are CBOR encoded.
type Map[V any] struct {
	sub      Substrate
	family   string
	retries  int
	observer ConflictObserver
}

// MapOption customises a Map.
type MapOption func(*mapOptions)

type mapOptions struct {
	retries  int
	observer ConflictObserver
}

// WithRetries overrides the Mutate retry budget.
func WithRetries(n int) MapOption {
	return func(o *mapOptions) {
		if n > 0 {
			o.retries = n
		}
	}
}

// WithConflictObserver registers a callback for lost CAS rounds.
func WithConflictObserver(fn ConflictObserver) MapOption {
	return func(o *mapOptions) {
		o.observer = fn
	}
}

// NewMap binds a typed map to family on sub.
func NewMap[V any](sub Substrate, family string, opts ...MapOption) *Map[V] {
	o := mapOptions{retries: DefaultRetries}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &Map[V]{sub: sub, family: family, retries: o.retries, observer: o.observer}
}

// Get returns the value for key and its revision.
func (m *Map[V]) Get(ctx context.Context, key string) (V, uint64, bool, error) {
	var zero V
	rec, ok, err := m.sub.Get(ctx, m.family, key)
	if err != nil || !ok {
		return zero, 0, ok, err
	}
	v, err := m.decode(key, rec.Value)
	if err != nil {
		return zero, 0, false, err
	}
	return v, rec.Revision, true, nil
}

// Contains reports whether key is present.
func (m *Map[V]) Contains(ctx context.Context, key string) (bool, error) {
	_, ok, err := m.sub.Get(ctx, m.family, key)
	return ok, err
}

// Put stores v unconditionally.
func (m *Map[V]) Put(ctx context.Context, key string, v V) (uint64, error) {
	data, err := Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("encode %s/%s: %w", m.family, key, err)
	}
	return m.sub.Put(ctx, m.family, key, data)
}

// PutIfAbsent stores v only when key does not exist yet.
func (m *Map[V]) PutIfAbsent(ctx context.Context, key string, v V) (bool, error) {
	data, err := Marshal(v)
	if err != nil {
		return false, fmt.Errorf("encode %s/%s: %w", m.family, key, err)
	}
	if _, err := m.sub.CompareAndPut(ctx, m.family, key, data, 0); err != nil {
		if errors.Is(err, ErrConflict) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Remove deletes key, reporting whether it existed.
func (m *Map[V]) Remove(ctx context.Context, key string) (bool, error) {
	return m.sub.Remove(ctx, m.family, key)
}

// Len counts the family's keys.
func (m *Map[V]) Len(ctx context.Context) (int, error) {
	return m.sub.Len(ctx, m.family)
}

// Range decodes and visits every entry; fn returns false to stop.
func (m *Map[V]) Range(ctx context.Context, fn func(key string, v V, revision uint64) bool) error {
	var decodeErr error
	err := m.sub.Range(ctx, m.family, func(key string, rec Record) bool {
		v, err := m.decode(key, rec.Value)
		if err != nil {
			decodeErr = err
			return false
		}
		return fn(key, v, rec.Revision)
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// Snapshot returns every entry as a plain map.
func (m *Map[V]) Snapshot(ctx context.Context) (map[string]V, error) {
	out := make(map[string]V)
	err := m.Range(ctx, func(key string, v V, _ uint64) bool {
		out[key] = v
		return true
	})
	return out, err
}

// Mutate runs an atomic read-modify-write on key. fn sees the current value
// (exists=false when absent) and picks an Op; the write is conditional on
// the revision fn observed and fn is re-run after a lost race, so it must
// be free of side effects. The returned bool reports whether a write or
// delete was applied.
func (m *Map[V]) Mutate(ctx context.Context, key string, fn func(cur V, exists bool) (V, Op, error)) (bool, error) {
	for attempt := 0; attempt < m.retries; attempt++ {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		cur, rev, exists, err := m.Get(ctx, key)
		if err != nil {
			return false, err
		}
		next, op, err := fn(cur, exists)
		if err != nil {
			return false, err
		}

		switch op {
		case Keep:
			return false, nil
		case Write:
			data, err := Marshal(next)
			if err != nil {
				return false, fmt.Errorf("encode %s/%s: %w", m.family, key, err)
			}
			_, err = m.sub.CompareAndPut(ctx, m.family, key, data, rev)
			if err == nil {
				return true, nil
			}
			if !errors.Is(err, ErrConflict) {
				return false, err
			}
		case Delete:
			if !exists {
				return false, nil
			}
			err := m.sub.CompareAndRemove(ctx, m.family, key, rev)
			if err == nil {
				return true, nil
			}
			if !errors.Is(err, ErrConflict) {
				return false, err
			}
		default:
			return false, fmt.Errorf("unknown op %d", op)
		}
		if m.observer != nil {
			m.observer(m.family)
		}
	}
	return false, fmt.Errorf("%w: %s/%s", ErrRetriesExhausted, m.family, key)
}

func (m *Map[V]) decode(key string, data []byte) (V, error) {
	var v V
	if err := Unmarshal(data, &v); err != nil {
		return v, fmt.Errorf("decode %s/%s: %w", m.family, key, err)
	}
	return v, nil
}
