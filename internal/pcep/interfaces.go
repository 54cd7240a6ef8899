package pcep

import (
	"context"
	"errors"
	"net"
)

var (
	// ErrInvalidArgument indicates a required key or value was absent or malformed.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrShuttingDown is reported by a transport whose I/O workers have
	// already been stopped. Sends that hit it are racing a teardown.
	ErrShuttingDown = errors.New("worker has already been shutdown")
	// ErrDeadTimerExpired is the disconnect cause when a peer stays silent
	// for longer than the negotiated dead interval.
	ErrDeadTimerExpired = errors.New("dead timer expired")
	// ErrChannelNotBound indicates an I/O operation on a session without a channel.
	ErrChannelNotBound = errors.New("channel not bound")
	// ErrAgentNotBound indicates the session has no owning agent yet.
	ErrAgentNotBound = errors.New("agent not bound")
)

// IsShuttingDown reports whether err only signals that the transport is
// going away.
func IsShuttingDown(err error) bool {
	return errors.Is(err, ErrShuttingDown)
}

// Channel is the bidirectional ordered message stream to one peer.
// Implementations must be safe for a Write racing Close.
type Channel interface {
	Write(ctx context.Context, msgs []Message) error
	RemoteAddr() net.Addr
	Close() error
}

// Codec builds protocol messages for one negotiated version.
type Codec interface {
	Version() Version
	Keepalive() Message
	Close(reason uint8) Message
}

// CodecFactory resolves the codec for a negotiated version.
type CodecFactory interface {
	Codec(v Version) (Codec, error)
}

// PacketStats is the per-session traffic sink.
type PacketStats interface {
	AddInPacket()
	AddOutPacket(n int)
	AddWrongPacket()
}

// Peer is the view of a session the agent works with.
type Peer interface {
	ID() PeerID
	ChannelID() string
	Capability() Capability
	Send(ctx context.Context, msgs ...Message) error
	SetDelegation(key LspKey, delegated bool)
	Disconnect(ctx context.Context) error
}

// Agent owns cross-session orchestration: the session table, message
// dispatch into path computation, and end-of-sync reconciliation.
type Agent interface {
	// DispatchMessage hands an inbound message to path-computation logic.
	DispatchMessage(ctx context.Context, peer PeerID, msg Message) error
	// SessionAdded registers a session. It returns false when a session for
	// the same peer is already registered; the existing one is kept.
	SessionAdded(ctx context.Context, peer PeerID, p Peer) bool
	// SessionRemoved drops the session for peer if p is the registered one.
	SessionRemoved(ctx context.Context, peer PeerID, p Peer)
	// ReconcileAfterLabelSync receives the reports buffered during sync.
	ReconcileAfterLabelSync(ctx context.Context, peer PeerID, reports []StateReport) error
}
