// Package session implements the per-peer PCEP session controller: the
// handshake and sync lifecycle, message send/receive accounting, the
// delegation map and the keepalive/dead-timer contract.
package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/signalsfoundry/pce-controller/internal/clock"
	"github.com/signalsfoundry/pce-controller/internal/logging"
	"github.com/signalsfoundry/pce-controller/internal/observability"
	"github.com/signalsfoundry/pce-controller/internal/pcep"
	"github.com/signalsfoundry/pce-controller/internal/pcep/synccache"
)

var (
	// ErrAlreadyInitialized is returned by a second Initialize call.
	ErrAlreadyInitialized = errors.New("session already initialized")
	// ErrNotInitialized is returned by operations that need a peer identity.
	ErrNotInitialized = errors.New("session not initialized")
	// ErrIllegalTransition is returned when a lifecycle step is attempted
	// from a state that does not allow it.
	ErrIllegalTransition = errors.New("illegal session state transition")
	// ErrNoCodecFactory is returned by Codec when none was configured.
	ErrNoCodecFactory = errors.New("no codec factory configured")
)

// Default timers, in seconds, applied until the handshake negotiates others.
const (
	DefaultKeepalive = 30
	DefaultDeadTime  = 120
)

// DeadTimerObserver is told when a session is torn down by its dead timer.
type DeadTimerObserver interface {
	IncDeadTimerExpiry()
}

// Option customises a Session.
type Option func(*Session)

// WithLogger attaches a structured logger.
func WithLogger(log logging.Logger) Option {
	return func(s *Session) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source used by the keepalive loop.
func WithClock(c clock.Clock) Option {
	return func(s *Session) {
		if c != nil {
			s.clock = c
		}
	}
}

// WithCodecFactory sets the factory Codec resolves against.
func WithCodecFactory(f pcep.CodecFactory) Option {
	return func(s *Session) {
		s.codecs = f
	}
}

// WithSyncCache shares a report cache between sessions.
func WithSyncCache(c *synccache.Cache) Option {
	return func(s *Session) {
		if c != nil {
			s.cache = c
		}
	}
}

// WithDeadTimerObserver registers a sink for dead-timer teardowns.
func WithDeadTimerObserver(o DeadTimerObserver) Option {
	return func(s *Session) {
		s.deadObserver = o
	}
}

// Session is the controller for one PCEP peer connection. The owning agent
// is bound at construction; the remaining identity is bound by Initialize
// and BindChannel.
type Session struct {
	log          logging.Logger
	clock        clock.Clock
	codecs       pcep.CodecFactory
	cache        *synccache.Cache
	deadObserver DeadTimerObserver

	inPackets  atomic.Uint64
	outPackets atomic.Uint64

	mu          sync.RWMutex
	agent       pcep.Agent
	initialized bool
	peer        pcep.PeerID
	version     pcep.Version
	stats       pcep.PacketStats
	capability  pcep.Capability
	channel     pcep.Channel
	channelID   string
	keepalive   uint8
	deadTime    uint8
	sessionID   uint8
	state       State
	handshake   bool
	registered  bool
	lspSync     pcep.SyncStatus
	labelSync   pcep.SyncStatus
	syncID      string
	lastRecv    time.Time
	delegation  map[pcep.LspKey]bool
}

// New builds a Session owned by agent. agent may be nil and bound later
// with SetAgent.
func New(agent pcep.Agent, opts ...Option) *Session {
	s := &Session{
		log:        logging.Noop(),
		clock:      clock.Real{},
		cache:      synccache.New(),
		agent:      agent,
		keepalive:  DefaultKeepalive,
		deadTime:   DefaultDeadTime,
		delegation: make(map[pcep.LspKey]bool),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Initialize binds the peer identity, negotiated version and stats sink.
// It may be called once.
func (s *Session) Initialize(peer pcep.PeerID, version pcep.Version, stats pcep.PacketStats) error {
	if peer == "" {
		return fmt.Errorf("%w: peer id is empty", pcep.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return fmt.Errorf("%w: %q", ErrAlreadyInitialized, s.peer)
	}
	s.initialized = true
	s.peer = peer
	s.version = version
	s.stats = stats
	s.log = logging.WithPeer(s.log, string(peer))
	return nil
}

// SetAgent binds the owning agent if none is bound yet. It reports whether
// agent was bound.
func (s *Session) SetAgent(agent pcep.Agent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.agent != nil || agent == nil {
		return false
	}
	s.agent = agent
	return true
}

// ID implements pcep.Peer.
func (s *Session) ID() pcep.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peer
}

// Capability implements pcep.Peer.
func (s *Session) Capability() pcep.Capability {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.capability
}

// SetCapability stores the negotiated feature set.
func (s *Session) SetCapability(c pcep.Capability) {
	s.mu.Lock()
	s.capability = c
	s.mu.Unlock()
}

// Version returns the negotiated protocol version.
func (s *Session) Version() pcep.Version {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.version
}

// SetVersion overrides the negotiated protocol version.
func (s *Session) SetVersion(v pcep.Version) {
	s.mu.Lock()
	s.version = v
	s.mu.Unlock()
}

// Keepalive returns the keepalive interval in seconds.
func (s *Session) Keepalive() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.keepalive
}

// SetKeepalive sets the keepalive interval in seconds; zero disables it.
func (s *Session) SetKeepalive(seconds uint8) {
	s.mu.Lock()
	s.keepalive = seconds
	s.mu.Unlock()
}

// DeadTime returns the dead interval in seconds.
func (s *Session) DeadTime() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.deadTime
}

// SetDeadTime sets the dead interval in seconds; zero disables it.
func (s *Session) SetDeadTime(seconds uint8) {
	s.mu.Lock()
	s.deadTime = seconds
	s.mu.Unlock()
}

// SessionID returns the PCEP session id.
func (s *Session) SessionID() uint8 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessionID
}

// SetSessionID sets the PCEP session id.
func (s *Session) SetSessionID(id uint8) {
	s.mu.Lock()
	s.sessionID = id
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// HandshakeComplete reports whether the Open exchange finished.
func (s *Session) HandshakeComplete() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handshake
}

// BindChannel associates the transport channel and derives the channel id
// from its remote address.
func (s *Session) BindChannel(ch pcep.Channel) error {
	if ch == nil {
		return fmt.Errorf("%w: channel is nil", pcep.ErrInvalidArgument)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.state, Connecting) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, Connecting)
	}
	s.channel = ch
	s.channelID = ChannelID(ch.RemoteAddr())
	s.state = Connecting
	s.lastRecv = s.clock.Now()
	return nil
}

// ChannelID implements pcep.Peer.
func (s *Session) ChannelID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.channelID
}

// ChannelID renders addr as "ip:port", bracketing IPv6 addresses.
func ChannelID(addr net.Addr) string {
	if addr == nil {
		return ""
	}
	var ap netip.AddrPort
	switch a := addr.(type) {
	case *net.TCPAddr:
		ap = a.AddrPort()
	default:
		parsed, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return addr.String()
		}
		ap = parsed
	}
	ip := ap.Addr().Unmap()
	port := strconv.FormatUint(uint64(ap.Port()), 10)
	if ip.Is4() {
		return ip.String() + ":" + port
	}
	return "[" + ip.WithZone("").String() + "]:" + port
}

// CompleteHandshake records a finished Open exchange with the negotiated
// timers and session id.
func (s *Session) CompleteHandshake(keepalive, deadTime, sessionID uint8) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.state, CapabilityExchanged) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, CapabilityExchanged)
	}
	s.keepalive = keepalive
	s.deadTime = deadTime
	s.sessionID = sessionID
	s.handshake = true
	s.state = CapabilityExchanged
	return nil
}

// MarkOperational moves a synchronised session to Operational.
func (s *Session) MarkOperational() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !CanTransition(s.state, Operational) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, s.state, Operational)
	}
	s.state = Operational
	return nil
}

// LspDbSyncStatus returns the LSP database sync status.
func (s *Session) LspDbSyncStatus() pcep.SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lspSync
}

// SetLspDbSyncStatus assigns the LSP database sync status. The lifecycle
// state follows when the move is legal.
func (s *Session) SetLspDbSyncStatus(st pcep.SyncStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lspSync = st
	switch st {
	case pcep.InSync:
		s.advanceLocked(LspSyncInProgress)
	case pcep.Synced:
		s.advanceLocked(LspSynced)
	}
}

// LabelDbSyncStatus returns the label database sync status.
func (s *Session) LabelDbSyncStatus() pcep.SyncStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.labelSync
}

// SetLabelDbSyncStatus assigns the label database sync status. Moving from
// InSync to Synced drains the buffered reports and hands them to the
// agent; that happens once per sync cycle.
func (s *Session) SetLabelDbSyncStatus(ctx context.Context, st pcep.SyncStatus) error {
	s.mu.Lock()
	prev := s.labelSync
	s.labelSync = st
	switch st {
	case pcep.InSync:
		s.advanceLocked(LabelSyncInProgress)
	case pcep.Synced:
		s.advanceLocked(LabelSynced)
	}
	agent, peer, syncID, log := s.agent, s.peer, s.syncID, s.log
	s.mu.Unlock()

	if prev != pcep.InSync || st != pcep.Synced {
		return nil
	}
	if syncID != "" {
		ctx = logging.ContextWithSyncID(ctx, syncID)
	}
	reports := s.cache.Drain(peer)

	ctx, span := observability.StartSpan(ctx, "pcep.session.label_sync_reconcile", string(peer),
		attribute.Int("pcep.reports", len(reports)),
	)
	defer span.End()

	if agent == nil {
		span.SetStatus(codes.Error, pcep.ErrAgentNotBound.Error())
		return pcep.ErrAgentNotBound
	}
	log.Info(ctx, "label db sync complete; reconciling",
		logging.Int("reports", len(reports)),
	)
	if err := agent.ReconcileAfterLabelSync(ctx, peer, reports); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("reconcile after label sync for %s: %w", peer, err)
	}
	return nil
}

// advanceLocked moves to next when legal and reports whether it did.
func (s *Session) advanceLocked(next State) bool {
	if s.state == next || !CanTransition(s.state, next) {
		return false
	}
	s.state = next
	return true
}

// BeginLabelSync opens a fresh report buffer for this peer, tags the cycle
// with a sync id and marks the label database InSync. Reports from an
// unfinished earlier cycle are dropped.
func (s *Session) BeginLabelSync(ctx context.Context) (string, error) {
	s.mu.Lock()
	if !s.initialized {
		s.mu.Unlock()
		return "", ErrNotInitialized
	}
	s.syncID = uuid.NewString()
	peer, syncID := s.peer, s.syncID
	s.mu.Unlock()

	s.cache.Begin(peer)
	if err := s.SetLabelDbSyncStatus(ctx, pcep.InSync); err != nil {
		return "", err
	}
	return syncID, nil
}

// AppendSyncReport buffers a report received during label sync.
func (s *Session) AppendSyncReport(report pcep.StateReport) error {
	return s.cache.Append(s.ID(), report)
}

// Send writes msgs to the channel. A transport that is already shutting
// down is not an error: the session is going away. Any other failure is
// returned and the caller should tear the session down.
func (s *Session) Send(ctx context.Context, msgs ...pcep.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	s.mu.RLock()
	ch, channelID, stats, log := s.channel, s.channelID, s.stats, s.log
	s.mu.RUnlock()
	if ch == nil {
		return pcep.ErrChannelNotBound
	}

	if err := ch.Write(ctx, msgs); err != nil {
		if pcep.IsShuttingDown(err) {
			log.Debug(ctx, "dropping send on closing channel",
				logging.String("channel_id", channelID),
				logging.Int("messages", len(msgs)),
			)
			return nil
		}
		return fmt.Errorf("send to %s: %w", channelID, err)
	}
	s.outPackets.Add(uint64(len(msgs)))
	if stats != nil {
		stats.AddOutPacket(len(msgs))
	}
	return nil
}

// Receive accounts an inbound message and dispatches it to the agent.
func (s *Session) Receive(ctx context.Context, msg pcep.Message) error {
	s.mu.Lock()
	s.lastRecv = s.clock.Now()
	agent, peer, stats := s.agent, s.peer, s.stats
	s.mu.Unlock()

	s.inPackets.Add(1)
	if stats != nil {
		stats.AddInPacket()
	}
	if msg == nil {
		if stats != nil {
			stats.AddWrongPacket()
		}
		return fmt.Errorf("%w: message is nil", pcep.ErrInvalidArgument)
	}
	if agent == nil {
		return pcep.ErrAgentNotBound
	}
	return agent.DispatchMessage(ctx, peer, msg)
}

// Counters returns the inbound and outbound message counts.
func (s *Session) Counters() (in, out uint64) {
	return s.inPackets.Load(), s.outPackets.Load()
}

// Connect registers the session in the agent's session table. It returns
// false when another session for the same peer is already registered.
func (s *Session) Connect(ctx context.Context) bool {
	s.mu.RLock()
	agent, peer, initialized, log := s.agent, s.peer, s.initialized, s.log
	s.mu.RUnlock()
	if agent == nil || !initialized {
		return false
	}

	ctx, span := observability.StartSpan(ctx, "pcep.session.connect", string(peer))
	defer span.End()

	if !agent.SessionAdded(ctx, peer, s) {
		log.Warn(ctx, "session for peer already registered")
		span.SetStatus(codes.Error, "duplicate session")
		return false
	}
	s.mu.Lock()
	s.registered = true
	s.mu.Unlock()
	log.Info(ctx, "session connected", logging.String("channel_id", s.ChannelID()))
	return true
}

// Disconnect deregisters the session, drops any buffered sync reports and
// closes the channel. The sync buffer is shared per peer, so only the
// registered session drops it; a refused duplicate leaves it alone. It is
// safe to call concurrently with Send and more than once.
func (s *Session) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	ch, registered, agent, peer, log := s.channel, s.registered, s.agent, s.peer, s.log
	s.channel = nil
	s.registered = false
	s.state = Disconnected
	s.handshake = false
	s.lspSync = pcep.NotSynchronized
	s.labelSync = pcep.NotSynchronized
	s.syncID = ""
	s.mu.Unlock()

	if ch == nil && !registered {
		return nil
	}

	ctx, span := observability.StartSpan(ctx, "pcep.session.disconnect", string(peer))
	defer span.End()

	if registered && peer != "" {
		if dropped := s.cache.Discard(peer); dropped > 0 {
			log.Debug(ctx, "discarded unconsumed sync reports", logging.Int("reports", dropped))
		}
	}
	if registered && agent != nil {
		agent.SessionRemoved(ctx, peer, s)
	}
	if ch != nil {
		if err := ch.Close(); err != nil && !pcep.IsShuttingDown(err) {
			span.RecordError(err)
			return fmt.Errorf("close channel for %s: %w", peer, err)
		}
	}
	log.Info(ctx, "session disconnected")
	return nil
}

// SetDelegation implements pcep.Peer.
func (s *Session) SetDelegation(key pcep.LspKey, delegated bool) {
	s.mu.Lock()
	s.delegation[key] = delegated
	s.mu.Unlock()
}

// Delegation returns the delegation flag for key; ok is false when the
// flag is unknown.
func (s *Session) Delegation(key pcep.LspKey) (delegated, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	delegated, ok = s.delegation[key]
	return delegated, ok
}

// Codec resolves the message codec for the negotiated version.
func (s *Session) Codec() (pcep.Codec, error) {
	if s.codecs == nil {
		return nil, ErrNoCodecFactory
	}
	return s.codecs.Codec(s.Version())
}

func (s *Session) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("Session{channel=%s, peer=%s, state=%s}", s.channelID, s.peer, s.state)
}

var _ pcep.Peer = (*Session)(nil)
