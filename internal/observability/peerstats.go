package observability

import (
	"fmt"
	"sync"
	"time"

	"github.com/signalsfoundry/pce-controller/internal/clock"
)

// PeerStats tracks per-session PCEP traffic. It implements
// pcep.PacketStats and forwards every count to an optional PCECollector.
// All counters are concurrency-safe.
type PeerStats struct {
	mu sync.Mutex

	InPackets    uint64
	OutPackets   uint64
	WrongPackets uint64
	LastInbound  time.Time

	collector *PCECollector
	clock     clock.Clock
}

// PeerStatsSnapshot is a point-in-time copy of PeerStats.
type PeerStatsSnapshot struct {
	InPackets    uint64
	OutPackets   uint64
	WrongPackets uint64
	LastInbound  time.Time
}

// NewPeerStats creates a stats sink. collector and clk may be nil.
func NewPeerStats(collector *PCECollector, clk clock.Clock) *PeerStats {
	if clk == nil {
		clk = clock.Real{}
	}
	return &PeerStats{collector: collector, clock: clk}
}

// AddInPacket counts one received message.
func (s *PeerStats) AddInPacket() {
	s.mu.Lock()
	s.InPackets++
	s.LastInbound = s.clock.Now()
	s.mu.Unlock()
	s.collector.AddPackets(DirectionIn, 1)
}

// AddOutPacket counts n sent messages.
func (s *PeerStats) AddOutPacket(n int) {
	if n <= 0 {
		return
	}
	s.mu.Lock()
	s.OutPackets += uint64(n)
	s.mu.Unlock()
	s.collector.AddPackets(DirectionOut, n)
}

// AddWrongPacket counts one message that could not be handled.
func (s *PeerStats) AddWrongPacket() {
	s.mu.Lock()
	s.WrongPackets++
	s.mu.Unlock()
	s.collector.AddPackets(DirectionWrong, 1)
}

// Snapshot returns a copy of the current counters.
func (s *PeerStats) Snapshot() PeerStatsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return PeerStatsSnapshot{
		InPackets:    s.InPackets,
		OutPackets:   s.OutPackets,
		WrongPackets: s.WrongPackets,
		LastInbound:  s.LastInbound,
	}
}

// String returns a human-readable summary.
func (s *PeerStats) String() string {
	snap := s.Snapshot()
	return fmt.Sprintf("PeerStats{in=%d, out=%d, wrong=%d, last_in=%s}",
		snap.InPackets, snap.OutPackets, snap.WrongPackets, snap.LastInbound.Format(time.RFC3339))
}
