// Package agent is the PCE-side owner of PCEP sessions. It keeps the
// session table, admits peers against the configured prefix policies,
// drives the handshake and sync phases, and applies end-of-sync state
// reports to the resource store and the tunnel hierarchy.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/signalsfoundry/pce-controller/internal/clock"
	"github.com/signalsfoundry/pce-controller/internal/config"
	"github.com/signalsfoundry/pce-controller/internal/logging"
	"github.com/signalsfoundry/pce-controller/internal/observability"
	"github.com/signalsfoundry/pce-controller/internal/pcep"
	"github.com/signalsfoundry/pce-controller/internal/pcep/synccache"
	"github.com/signalsfoundry/pce-controller/internal/store"
	"github.com/signalsfoundry/pce-controller/internal/tunnel"
)

var (
	// ErrPeerDenied is returned by Accept for peers a policy rejects.
	ErrPeerDenied = errors.New("peer denied by policy")
	// ErrDuplicateSession is returned by Accept when the peer already has a
	// registered session.
	ErrDuplicateSession = errors.New("peer already has a session")
	// ErrUnknownPeer is returned for messages from peers without a session.
	ErrUnknownPeer = errors.New("unknown peer")
)

// Handler processes one inbound message kind.
type Handler func(ctx context.Context, peer pcep.PeerID, msg pcep.Message) error

// Option customises an Agent.
type Option func(*Agent)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(a *Agent) {
		if log != nil {
			a.log = log
		}
	}
}

// WithStore sets the resource store reports are applied to.
func WithStore(s *store.Store) Option {
	return func(a *Agent) {
		a.store = s
	}
}

// WithHierarchy sets the tunnel hierarchy statuses are propagated through.
func WithHierarchy(h *tunnel.Hierarchy) Option {
	return func(a *Agent) {
		a.hierarchy = h
	}
}

// WithCollector forwards session and reconciliation metrics.
func WithCollector(c *observability.PCECollector) Option {
	return func(a *Agent) {
		a.collector = c
	}
}

// WithPolicies sets the peer admission policies. Without them every peer
// is admitted with the PCE defaults.
func WithPolicies(p *config.PeerPolicies) Option {
	return func(a *Agent) {
		a.policies = p
	}
}

// WithLsrIDIndex keeps idx in step with the session table.
func WithLsrIDIndex(idx *store.LsrIDIndex) Option {
	return func(a *Agent) {
		a.lsrIDs = idx
	}
}

// WithClock sets the time source handed to sessions.
func WithClock(c clock.Clock) Option {
	return func(a *Agent) {
		if c != nil {
			a.clock = c
		}
	}
}

// WithCodecFactory sets the codec factory handed to sessions.
func WithCodecFactory(f pcep.CodecFactory) Option {
	return func(a *Agent) {
		a.codecs = f
	}
}

// WithHandler routes messages of kind to h.
func WithHandler(kind pcep.MessageKind, h Handler) Option {
	return func(a *Agent) {
		if h != nil {
			a.handlers[kind] = h
		}
	}
}

// WithMaxSessions bounds the number of concurrently served sessions.
func WithMaxSessions(n int) Option {
	return func(a *Agent) {
		a.maxSessions = n
	}
}

// Agent implements pcep.Agent.
type Agent struct {
	log         logging.Logger
	store       *store.Store
	hierarchy   *tunnel.Hierarchy
	collector   *observability.PCECollector
	policies    *config.PeerPolicies
	lsrIDs      *store.LsrIDIndex
	clock       clock.Clock
	codecs      pcep.CodecFactory
	cache       *synccache.Cache
	handlers    map[pcep.MessageKind]Handler
	maxSessions int
	sessionSeq  atomic.Uint32

	mu       sync.RWMutex
	sessions map[pcep.PeerID]pcep.Peer
}

// New builds an Agent.
func New(opts ...Option) *Agent {
	a := &Agent{
		log:      logging.Noop(),
		clock:    clock.Real{},
		cache:    synccache.New(),
		handlers: make(map[pcep.MessageKind]Handler),
		sessions: make(map[pcep.PeerID]pcep.Peer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// SessionAdded implements pcep.Agent. The first session registered for a
// peer wins; later ones are refused.
func (a *Agent) SessionAdded(ctx context.Context, peer pcep.PeerID, p pcep.Peer) bool {
	a.mu.Lock()
	if _, exists := a.sessions[peer]; exists {
		a.mu.Unlock()
		return false
	}
	a.sessions[peer] = p
	n := len(a.sessions)
	a.mu.Unlock()

	a.collector.SetSessions(n)
	if a.lsrIDs != nil {
		if err := a.lsrIDs.Add(peer.String(), store.DeviceID(peer)); err != nil {
			a.log.Warn(ctx, "lsr-id index not updated", logging.String("peer_id", peer.String()), logging.Err(err))
		}
	}
	return true
}

// SessionRemoved implements pcep.Agent. Only the registered session for
// peer is removed.
func (a *Agent) SessionRemoved(ctx context.Context, peer pcep.PeerID, p pcep.Peer) {
	a.mu.Lock()
	if cur, ok := a.sessions[peer]; !ok || cur != p {
		a.mu.Unlock()
		return
	}
	delete(a.sessions, peer)
	n := len(a.sessions)
	a.mu.Unlock()

	a.collector.SetSessions(n)
	if a.lsrIDs != nil {
		a.lsrIDs.Remove(peer.String())
	}
	if a.store != nil {
		if _, err := a.store.RemovePendingLabelSyncPeer(ctx, store.DeviceID(peer)); err != nil {
			a.log.Warn(ctx, "pending label sync flag not cleared", logging.String("peer_id", peer.String()), logging.Err(err))
		}
	}
}

// Session returns the registered session for peer.
func (a *Agent) Session(peer pcep.PeerID) (pcep.Peer, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	p, ok := a.sessions[peer]
	return p, ok
}

// Peers lists the peers with a registered session, sorted.
func (a *Agent) Peers() []pcep.PeerID {
	a.mu.RLock()
	out := make([]pcep.PeerID, 0, len(a.sessions))
	for id := range a.sessions {
		out = append(out, id)
	}
	a.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Len is the number of registered sessions.
func (a *Agent) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.sessions)
}

// RebuildLsrIDIndex resets the LSR-id index from the session table.
func (a *Agent) RebuildLsrIDIndex() {
	if a.lsrIDs == nil {
		return
	}
	a.mu.RLock()
	entries := make(map[string]store.DeviceID, len(a.sessions))
	for id := range a.sessions {
		entries[id.String()] = store.DeviceID(id)
	}
	a.mu.RUnlock()
	a.lsrIDs.Rebuild(entries)
}

// DisconnectAll tears down every registered session.
func (a *Agent) DisconnectAll(ctx context.Context) error {
	a.mu.RLock()
	peers := make([]pcep.Peer, 0, len(a.sessions))
	for _, p := range a.sessions {
		peers = append(peers, p)
	}
	a.mu.RUnlock()

	var errs []error
	for _, p := range peers {
		if err := p.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", p.ID(), err))
		}
	}
	return errors.Join(errs...)
}

var _ pcep.Agent = (*Agent)(nil)
