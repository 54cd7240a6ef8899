package store

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"

	"github.com/signalsfoundry/pce-controller/internal/kv"
)

// PathRequest is a path computation request that could not be satisfied
// and is kept for retry.
type PathRequest struct {
	Src       DeviceID
	Dst       DeviceID
	Name      string
	LspType   string
	CostType  string
	Bandwidth float64
}

// Key content-addresses the request: equal requests share one key.
func (p PathRequest) Key() (string, error) {
	data, err := kv.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode path request: %w", err)
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func (p PathRequest) valid() bool {
	return p.Src != "" && p.Dst != ""
}

// AddFailedPath records p for retry. Adding an equal request twice keeps a
// single entry; the return value reports whether p was new.
func (s *Store) AddFailedPath(ctx context.Context, p PathRequest) (bool, error) {
	if !p.valid() {
		return false, invalid("path request endpoints are empty")
	}
	key, err := p.Key()
	if err != nil {
		return false, err
	}
	return s.failedPaths.PutIfAbsent(ctx, key, p)
}

// ExistsFailedPath reports whether p is recorded.
func (s *Store) ExistsFailedPath(ctx context.Context, p PathRequest) (bool, error) {
	if !p.valid() {
		return false, invalid("path request endpoints are empty")
	}
	key, err := p.Key()
	if err != nil {
		return false, err
	}
	return s.failedPaths.Contains(ctx, key)
}

// RemoveFailedPath drops p. It returns false when p was not recorded.
func (s *Store) RemoveFailedPath(ctx context.Context, p PathRequest) (bool, error) {
	if !p.valid() {
		return false, invalid("path request endpoints are empty")
	}
	key, err := p.Key()
	if err != nil {
		return false, err
	}
	return s.failedPaths.Remove(ctx, key)
}

// FailedPathCount counts recorded failed requests.
func (s *Store) FailedPathCount(ctx context.Context) (int, error) {
	return s.failedPaths.Len(ctx)
}

// FailedPaths lists recorded failed requests in no particular order.
func (s *Store) FailedPaths(ctx context.Context) ([]PathRequest, error) {
	var out []PathRequest
	err := s.failedPaths.Range(ctx, func(_ string, p PathRequest, _ uint64) bool {
		out = append(out, p)
		return true
	})
	return out, err
}

// AddPendingLabelSyncPeer marks dev as waiting for BGP-derived addressing
// before label DB sync can start.
func (s *Store) AddPendingLabelSyncPeer(ctx context.Context, dev DeviceID) error {
	if dev == "" {
		return invalid("device id is empty")
	}
	_, err := s.pendingLabelSync.Put(ctx, string(dev), true)
	return err
}

// RemovePendingLabelSyncPeer clears dev's pending mark.
func (s *Store) RemovePendingLabelSyncPeer(ctx context.Context, dev DeviceID) (bool, error) {
	if dev == "" {
		return false, invalid("device id is empty")
	}
	return s.pendingLabelSync.Remove(ctx, string(dev))
}

// IsPendingLabelSyncPeer reports whether dev is waiting.
func (s *Store) IsPendingLabelSyncPeer(ctx context.Context, dev DeviceID) (bool, error) {
	if dev == "" {
		return false, invalid("device id is empty")
	}
	return s.pendingLabelSync.Contains(ctx, string(dev))
}

// PendingLabelSyncPeers lists every waiting device.
func (s *Store) PendingLabelSyncPeers(ctx context.Context) ([]DeviceID, error) {
	var out []DeviceID
	err := s.pendingLabelSync.Range(ctx, func(key string, _ bool, _ uint64) bool {
		out = append(out, DeviceID(key))
		return true
	})
	return out, err
}
