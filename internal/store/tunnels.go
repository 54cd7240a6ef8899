package store

import (
	"context"

	"github.com/signalsfoundry/pce-controller/internal/kv"
	"github.com/signalsfoundry/pce-controller/internal/logging"
)

// ExistsTunnelInfo reports whether id has tunnel info.
func (s *Store) ExistsTunnelInfo(ctx context.Context, id TunnelID) (bool, error) {
	if id == "" {
		return false, invalid("tunnel id is empty")
	}
	return s.tunnels.Contains(ctx, string(id))
}

// TunnelInfo returns the info stored for id.
func (s *Store) TunnelInfo(ctx context.Context, id TunnelID) (TunnelInfo, bool, error) {
	if id == "" {
		return TunnelInfo{}, false, invalid("tunnel id is empty")
	}
	info, _, ok, err := s.tunnels.Get(ctx, string(id))
	return info, ok, err
}

// AddTunnelInfo stores info for id, replacing any previous value.
func (s *Store) AddTunnelInfo(ctx context.Context, id TunnelID, info TunnelInfo) error {
	if id == "" {
		return invalid("tunnel id is empty")
	}
	_, err := s.tunnels.Put(ctx, string(id), info)
	return err
}

// UpdateTunnelInfo replaces the local-label list of a known tunnel, keeping
// its other attributes. It returns false when id is unknown.
func (s *Store) UpdateTunnelInfo(ctx context.Context, id TunnelID, labels []LocalLabelInfo) (bool, error) {
	if id == "" {
		return false, invalid("tunnel id is empty")
	}
	if labels == nil {
		return false, invalid("local label list is nil")
	}
	applied, err := s.tunnels.Mutate(ctx, string(id), func(cur TunnelInfo, exists bool) (TunnelInfo, kv.Op, error) {
		if !exists {
			return cur, kv.Keep, nil
		}
		cur.LocalLabels = append([]LocalLabelInfo(nil), labels...)
		return cur, kv.Write, nil
	})
	if err == nil && !applied {
		s.log.Debug(ctx, "tunnel info update for unknown tunnel", logging.String("tunnel_id", string(id)))
	}
	return applied, err
}

// RemoveTunnelInfo drops id's info. It returns false when id was unknown.
func (s *Store) RemoveTunnelInfo(ctx context.Context, id TunnelID) (bool, error) {
	if id == "" {
		return false, invalid("tunnel id is empty")
	}
	removed, err := s.tunnels.Remove(ctx, string(id))
	if err == nil && !removed {
		s.log.Debug(ctx, "tunnel info removal for unknown tunnel", logging.String("tunnel_id", string(id)))
	}
	return removed, err
}

// TunnelInfoCount counts tunnels with stored info.
func (s *Store) TunnelInfoCount(ctx context.Context) (int, error) {
	return s.tunnels.Len(ctx)
}

// TunnelInfos snapshots every tunnel's info.
func (s *Store) TunnelInfos(ctx context.Context) (map[TunnelID]TunnelInfo, error) {
	out := make(map[TunnelID]TunnelInfo)
	err := s.tunnels.Range(ctx, func(key string, info TunnelInfo, _ uint64) bool {
		out[TunnelID(key)] = info
		return true
	})
	return out, err
}
