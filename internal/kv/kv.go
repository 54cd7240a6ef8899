// Package kv provides the versioned key/value substrate the resource store
// and tunnel hierarchy persist into. Every value carries a revision token
// that increases monotonically across the substrate; conditional writes
// compare against it to give per-key atomic read-modify-write without any
// store-wide lock.
package kv

import (
	"context"
	"errors"
)

var (
	// ErrConflict indicates a conditional write lost a race: the key's
	// revision no longer matched the expected one.
	ErrConflict = errors.New("revision conflict")
	// ErrClosed indicates the substrate was closed.
	ErrClosed = errors.New("substrate closed")
	// ErrRetriesExhausted indicates Mutate gave up after repeated conflicts.
	ErrRetriesExhausted = errors.New("too many revision conflicts")
	// ErrInvalidKey indicates an empty family or key.
	ErrInvalidKey = errors.New("invalid key")
)

// Record is a stored value and the revision it was written at.
type Record struct {
	Value    []byte
	Revision uint64
}

// Substrate is a set of named key families with per-key conditional writes.
//
// A zero expected revision in CompareAndPut means "only if absent".
type Substrate interface {
	Get(ctx context.Context, family, key string) (Record, bool, error)
	Put(ctx context.Context, family, key string, value []byte) (uint64, error)
	CompareAndPut(ctx context.Context, family, key string, value []byte, expected uint64) (uint64, error)
	Remove(ctx context.Context, family, key string) (bool, error)
	CompareAndRemove(ctx context.Context, family, key string, expected uint64) error
	Range(ctx context.Context, family string, fn func(key string, rec Record) bool) error
	Len(ctx context.Context, family string) (int, error)
	Close() error
}

func validKey(family, key string) error {
	if family == "" || key == "" {
		return ErrInvalidKey
	}
	return nil
}
