package agent

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/signalsfoundry/pce-controller/internal/config"
	"github.com/signalsfoundry/pce-controller/internal/logging"
	"github.com/signalsfoundry/pce-controller/internal/observability"
	"github.com/signalsfoundry/pce-controller/internal/pcep"
	"github.com/signalsfoundry/pce-controller/internal/pcep/session"
	"github.com/signalsfoundry/pce-controller/internal/store"
)

// Admit resolves the policy for addr. Without policies every peer is
// admitted with the standard timers.
func (a *Agent) Admit(addr netip.Addr) (config.Policy, bool) {
	if a.policies == nil {
		return config.Policy{Keepalive: session.DefaultKeepalive, DeadTime: session.DefaultDeadTime}, true
	}
	return a.policies.Admit(addr)
}

// Accept completes the PCE side of the Open exchange on ch: it admits the
// peer, binds a new session, answers with Open and Keepalive, registers the
// session and starts the first sync phase the peer needs. The returned
// session still has to be served (see Serve).
func (a *Agent) Accept(ctx context.Context, ch pcep.Channel, open *pcep.Open) (*session.Session, error) {
	if ch == nil || open == nil {
		return nil, fmt.Errorf("%w: channel and open message are required", pcep.ErrInvalidArgument)
	}
	addr, err := remoteAddr(ch.RemoteAddr())
	if err != nil {
		return nil, err
	}
	policy, ok := a.Admit(addr)
	if !ok {
		_ = ch.Close()
		return nil, fmt.Errorf("%w: %s", ErrPeerDenied, addr)
	}
	peer := pcep.PeerIDFromAddr(addr)

	opts := []session.Option{
		session.WithLogger(a.log),
		session.WithClock(a.clock),
		session.WithCodecFactory(a.codecs),
		session.WithSyncCache(a.cache),
	}
	if a.collector != nil {
		opts = append(opts, session.WithDeadTimerObserver(a.collector))
	}
	s := session.New(a, opts...)
	if err := s.Initialize(peer, open.Version, observability.NewPeerStats(a.collector, a.clock)); err != nil {
		return nil, err
	}
	s.SetCapability(open.Capability)
	if err := s.BindChannel(ch); err != nil {
		return nil, err
	}
	codec, err := s.Codec()
	if err != nil {
		_ = s.Disconnect(ctx)
		return nil, err
	}

	if !s.Connect(ctx) {
		_ = s.Send(ctx, codec.Close(pcep.CloseNoExplanation))
		_ = s.Disconnect(ctx)
		return nil, fmt.Errorf("%w: %s", ErrDuplicateSession, peer)
	}

	// The peer's dead timer governs how long we wait for it.
	dead := policy.DeadTime
	if open.DeadTimer != 0 {
		dead = open.DeadTimer
	}
	sessionID := uint8(a.sessionSeq.Add(1))
	reply := &pcep.Open{
		Version:    codec.Version(),
		Keepalive:  policy.Keepalive,
		DeadTimer:  policy.DeadTime,
		SessionID:  sessionID,
		Capability: open.Capability,
	}
	if err := s.Send(ctx, reply, codec.Keepalive()); err != nil {
		_ = s.Disconnect(ctx)
		return nil, err
	}
	if err := s.CompleteHandshake(policy.Keepalive, dead, sessionID); err != nil {
		_ = s.Disconnect(ctx)
		return nil, err
	}

	labelSync := open.Capability.RequiresLabelDbSync() || policy.LabelSync
	if labelSync && a.store != nil {
		if err := a.store.AddPendingLabelSyncPeer(ctx, store.DeviceID(peer)); err != nil {
			_ = s.Disconnect(ctx)
			return nil, err
		}
	}

	switch {
	case open.Capability.RequiresLspDbSync():
		s.SetLspDbSyncStatus(pcep.InSync)
	case labelSync:
		if _, err := s.BeginLabelSync(ctx); err != nil {
			_ = s.Disconnect(ctx)
			return nil, err
		}
	default:
		if err := s.MarkOperational(); err != nil {
			_ = s.Disconnect(ctx)
			return nil, err
		}
	}

	a.log.Info(ctx, "session established",
		logging.String("peer_id", peer.String()),
		logging.String("channel_id", s.ChannelID()),
		logging.Int("keepalive", int(policy.Keepalive)),
		logging.Int("dead_time", int(dead)),
		logging.String("state", s.State().String()),
	)
	return s, nil
}

func remoteAddr(addr net.Addr) (netip.Addr, error) {
	if addr == nil {
		return netip.Addr{}, fmt.Errorf("%w: channel has no remote address", pcep.ErrInvalidArgument)
	}
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.AddrPort().Addr().Unmap(), nil
	}
	ap, err := netip.ParseAddrPort(addr.String())
	if err != nil {
		return netip.Addr{}, fmt.Errorf("%w: remote address %q: %v", pcep.ErrInvalidArgument, addr, err)
	}
	return ap.Addr().Unmap(), nil
}
