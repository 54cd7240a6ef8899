package store

import (
	"context"
	"math"

	"github.com/signalsfoundry/pce-controller/internal/kv"
)

// ReserveBandwidth adds bw to link's local reservation, creating the entry
// when absent.
func (s *Store) ReserveBandwidth(ctx context.Context, link Link, bw float64) error {
	if !link.valid() {
		return invalid("link endpoints are empty")
	}
	if !validAmount(bw) {
		return invalid("bandwidth must be positive and finite")
	}
	var total float64
	_, err := s.reservedBw.Mutate(ctx, link.Key(), func(cur float64, exists bool) (float64, kv.Op, error) {
		if !exists {
			cur = 0
		}
		total = cur + bw
		return total, kv.Write, nil
	})
	if err != nil {
		return err
	}
	s.recordReserved(link, total)
	return nil
}

// ulpSlack bounds the relative rounding residue tolerated when a release
// should cancel a reservation made of several float amounts.
const ulpSlack = 1e-9

// ReleaseBandwidth subtracts bw from link's reservation. It returns false,
// without changing anything, when link has no reservation or less than bw
// reserved. Comparisons allow ulpSlack of relative rounding, so releasing
// 0.1 and then 0.2 after reserving both empties the entry. A reservation
// that reaches zero is removed so the ledger only holds links with
// positive reservations.
func (s *Store) ReleaseBandwidth(ctx context.Context, link Link, bw float64) (bool, error) {
	if !link.valid() {
		return false, invalid("link endpoints are empty")
	}
	if !validAmount(bw) {
		return false, invalid("bandwidth must be positive and finite")
	}
	var remainder float64
	applied, err := s.reservedBw.Mutate(ctx, link.Key(), func(cur float64, exists bool) (float64, kv.Op, error) {
		slack := ulpSlack * math.Max(cur, bw)
		if !exists || cur < bw-slack {
			return cur, kv.Keep, nil
		}
		remainder = cur - bw
		if remainder <= slack {
			remainder = 0
			return 0, kv.Delete, nil
		}
		return remainder, kv.Write, nil
	})
	if err != nil || !applied {
		return false, err
	}
	s.recordReserved(link, remainder)
	return true, nil
}

// ReservedBandwidth returns link's reservation and its revision token.
func (s *Store) ReservedBandwidth(ctx context.Context, link Link) (float64, uint64, bool, error) {
	if !link.valid() {
		return 0, 0, false, invalid("link endpoints are empty")
	}
	return s.reservedBw.Get(ctx, link.Key())
}

// ReservedBandwidths snapshots the ledger keyed by link key.
func (s *Store) ReservedBandwidths(ctx context.Context) (map[string]float64, error) {
	return s.reservedBw.Snapshot(ctx)
}

// SetUnreservedBandwidth replaces link's unreserved-bandwidth values.
func (s *Store) SetUnreservedBandwidth(ctx context.Context, link Link, values []float64) error {
	if !link.valid() {
		return invalid("link endpoints are empty")
	}
	if values == nil {
		return invalid("unreserved bandwidth set is nil")
	}
	_, err := s.unreservedBw.Put(ctx, link.Key(), dedupe(values))
	return err
}

// UnreservedBandwidth returns link's unreserved-bandwidth values.
func (s *Store) UnreservedBandwidth(ctx context.Context, link Link) ([]float64, bool, error) {
	if !link.valid() {
		return nil, false, invalid("link endpoints are empty")
	}
	values, _, ok, err := s.unreservedBw.Get(ctx, link.Key())
	return values, ok, err
}

// RemoveUnreservedBandwidth drops link's unreserved-bandwidth values.
func (s *Store) RemoveUnreservedBandwidth(ctx context.Context, link Link) (bool, error) {
	if !link.valid() {
		return false, invalid("link endpoints are empty")
	}
	return s.unreservedBw.Remove(ctx, link.Key())
}

func (s *Store) recordReserved(link Link, bw float64) {
	if s.metrics != nil {
		s.metrics.SetReservedBandwidth(link.Key(), bw)
	}
}

// dedupe keeps the first occurrence of each value; the unreserved values
// form a set.
func dedupe(values []float64) []float64 {
	seen := make(map[float64]struct{}, len(values))
	out := make([]float64, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
