package session

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"go.uber.org/goleak"

	"github.com/signalsfoundry/pce-controller/internal/clock"
	"github.com/signalsfoundry/pce-controller/internal/pcep"
	"github.com/signalsfoundry/pce-controller/internal/pcep/synccache"
	"github.com/signalsfoundry/pce-controller/internal/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeAgent struct {
	mu         sync.Mutex
	sessions   map[pcep.PeerID]pcep.Peer
	dispatched []pcep.Message
	reconciled [][]pcep.StateReport
	removed    int
	reconErr   error
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{sessions: make(map[pcep.PeerID]pcep.Peer)}
}

func (a *fakeAgent) DispatchMessage(_ context.Context, _ pcep.PeerID, msg pcep.Message) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dispatched = append(a.dispatched, msg)
	return nil
}

func (a *fakeAgent) SessionAdded(_ context.Context, peer pcep.PeerID, p pcep.Peer) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[peer]; ok {
		return false
	}
	a.sessions[peer] = p
	return true
}

func (a *fakeAgent) SessionRemoved(_ context.Context, peer pcep.PeerID, p pcep.Peer) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessions[peer] == p {
		delete(a.sessions, peer)
		a.removed++
	}
}

func (a *fakeAgent) ReconcileAfterLabelSync(_ context.Context, _ pcep.PeerID, reports []pcep.StateReport) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reconciled = append(a.reconciled, reports)
	return a.reconErr
}

type countingStats struct {
	mu             sync.Mutex
	in, out, wrong int
}

func (c *countingStats) AddInPacket()       { c.mu.Lock(); c.in++; c.mu.Unlock() }
func (c *countingStats) AddOutPacket(n int) { c.mu.Lock(); c.out += n; c.mu.Unlock() }
func (c *countingStats) AddWrongPacket()    { c.mu.Lock(); c.wrong++; c.mu.Unlock() }

func newSession(t *testing.T, agent pcep.Agent, opts ...Option) (*Session, *transport.Pipe, *countingStats) {
	t.Helper()
	s := New(agent, append([]Option{WithCodecFactory(transport.NewCodecFactory())}, opts...)...)
	stats := &countingStats{}
	if err := s.Initialize("10.0.0.1", pcep.Version1, stats); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	pipe := transport.NewPipe(netip.MustParseAddrPort("10.0.0.1:4189"), 16)
	if err := s.BindChannel(pipe); err != nil {
		t.Fatalf("bind: %v", err)
	}
	return s, pipe, stats
}

func TestInitializeOnce(t *testing.T) {
	s := New(nil)
	if err := s.Initialize("", pcep.Version1, nil); !errors.Is(err, pcep.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
	if err := s.Initialize("10.0.0.1", pcep.Version1, nil); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.Initialize("10.0.0.2", pcep.Version1, nil); !errors.Is(err, ErrAlreadyInitialized) {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
	if s.ID() != "10.0.0.1" {
		t.Fatalf("identity must not change, got %s", s.ID())
	}
}

func TestChannelIDFormatting(t *testing.T) {
	cases := []struct {
		addr net.Addr
		want string
	}{
		{net.TCPAddrFromAddrPort(netip.MustParseAddrPort("192.0.2.1:4189")), "192.0.2.1:4189"},
		{net.TCPAddrFromAddrPort(netip.MustParseAddrPort("[::ffff:192.0.2.1]:4189")), "192.0.2.1:4189"},
		{net.TCPAddrFromAddrPort(netip.MustParseAddrPort("[2001:db8::1]:4189")), "[2001:db8::1]:4189"},
		{&net.UDPAddr{IP: net.ParseIP("2001:db8::2"), Port: 7}, "[2001:db8::2]:7"},
		{nil, ""},
	}
	for _, tc := range cases {
		if got := ChannelID(tc.addr); got != tc.want {
			t.Fatalf("ChannelID(%v) = %q, want %q", tc.addr, got, tc.want)
		}
	}
}

func TestSendCountsAndSwallowsShutdown(t *testing.T) {
	s, pipe, stats := newSession(t, newFakeAgent())
	ctx := context.Background()

	if err := s.Send(ctx, &pcep.Keepalive{}, &pcep.Keepalive{}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, out := s.Counters(); out != 2 {
		t.Fatalf("outbound counter = %d, want 2", out)
	}
	if stats.out != 2 {
		t.Fatalf("stats out = %d, want 2", stats.out)
	}

	boom := errors.New("connection reset")
	pipe.FailWrites(boom)
	if err := s.Send(ctx, &pcep.Keepalive{}); !errors.Is(err, boom) {
		t.Fatalf("non-shutdown failures must propagate, got %v", err)
	}

	pipe.FailWrites(nil)
	_ = pipe.Close()
	if err := s.Send(ctx, &pcep.Keepalive{}); err != nil {
		t.Fatalf("shutdown race must be swallowed, got %v", err)
	}
	if _, out := s.Counters(); out != 2 {
		t.Fatalf("dropped sends must not count, got %d", out)
	}
}

func TestSendWithoutChannel(t *testing.T) {
	s := New(nil)
	if err := s.Send(context.Background(), &pcep.Keepalive{}); !errors.Is(err, pcep.ErrChannelNotBound) {
		t.Fatalf("expected ErrChannelNotBound, got %v", err)
	}
}

func TestReceiveDispatchesToAgent(t *testing.T) {
	agent := newFakeAgent()
	s, _, stats := newSession(t, agent)

	if err := s.Receive(context.Background(), &pcep.Keepalive{}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	if err := s.Receive(context.Background(), nil); !errors.Is(err, pcep.ErrInvalidArgument) {
		t.Fatalf("nil message must be rejected, got %v", err)
	}
	if in, _ := s.Counters(); in != 2 {
		t.Fatalf("inbound counter = %d, want 2", in)
	}
	if stats.in != 2 || stats.wrong != 1 {
		t.Fatalf("stats in=%d wrong=%d", stats.in, stats.wrong)
	}
	if len(agent.dispatched) != 1 {
		t.Fatalf("expected 1 dispatched message, got %d", len(agent.dispatched))
	}
}

func TestConnectFirstRegistrationWins(t *testing.T) {
	agent := newFakeAgent()
	ctx := context.Background()
	first, _, _ := newSession(t, agent)
	second, _, _ := newSession(t, agent)

	if !first.Connect(ctx) {
		t.Fatalf("first connect must succeed")
	}
	if second.Connect(ctx) {
		t.Fatalf("second session for the same peer must be refused")
	}
	if agent.sessions["10.0.0.1"] != first {
		t.Fatalf("existing session must be kept")
	}

	if err := second.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect second: %v", err)
	}
	if agent.sessions["10.0.0.1"] != first {
		t.Fatalf("disconnecting the refused session must not remove the registered one")
	}
	if err := first.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect first: %v", err)
	}
	if agent.removed != 1 || len(agent.sessions) != 0 {
		t.Fatalf("expected one removal, got %d (%d left)", agent.removed, len(agent.sessions))
	}
	if err := first.Disconnect(ctx); err != nil {
		t.Fatalf("second disconnect must be a no-op: %v", err)
	}
	if first.State() != Disconnected {
		t.Fatalf("state = %s", first.State())
	}
}

func TestSetAgentOnce(t *testing.T) {
	s := New(nil)
	a, b := newFakeAgent(), newFakeAgent()
	if !s.SetAgent(a) {
		t.Fatalf("first bind must succeed")
	}
	if s.SetAgent(b) {
		t.Fatalf("second bind must be a no-op")
	}
	if New(a).SetAgent(b) {
		t.Fatalf("agent injected at construction must not be replaced")
	}
}

func TestLabelSyncReconcilesOncePerCycle(t *testing.T) {
	agent := newFakeAgent()
	cache := synccache.New()
	s, _, _ := newSession(t, agent, WithSyncCache(cache))
	ctx := context.Background()

	if err := s.CompleteHandshake(30, 120, 1); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if _, err := s.BeginLabelSync(ctx); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if s.State() != LabelSyncInProgress {
		t.Fatalf("state = %s, want LABEL_SYNC_IN_PROGRESS", s.State())
	}
	r1 := pcep.StateReport{Key: pcep.LspKey{PlspID: 1}, TunnelID: "T1", State: pcep.LspUp}
	r2 := pcep.StateReport{Key: pcep.LspKey{PlspID: 2}, TunnelID: "T2", State: pcep.LspDown}
	for _, r := range []pcep.StateReport{r1, r2} {
		if err := s.AppendSyncReport(r); err != nil {
			t.Fatalf("append: %v", err)
		}
	}

	if err := s.SetLabelDbSyncStatus(ctx, pcep.Synced); err != nil {
		t.Fatalf("synced: %v", err)
	}
	if err := s.SetLabelDbSyncStatus(ctx, pcep.Synced); err != nil {
		t.Fatalf("synced again: %v", err)
	}

	if len(agent.reconciled) != 1 {
		t.Fatalf("expected exactly one reconciliation, got %d", len(agent.reconciled))
	}
	if diff := cmp.Diff([]pcep.StateReport{r1, r2}, agent.reconciled[0]); diff != "" {
		t.Fatalf("reports delivered out of order (-want +got):\n%s", diff)
	}
	if _, open := cache.Len("10.0.0.1"); open {
		t.Fatalf("buffer must be consumed")
	}
	if err := s.AppendSyncReport(r1); !errors.Is(err, synccache.ErrNotInitialized) {
		t.Fatalf("append after sync must fail, got %v", err)
	}
	if s.State() != LabelSynced {
		t.Fatalf("state = %s, want LABEL_SYNCED", s.State())
	}
	if err := s.MarkOperational(); err != nil {
		t.Fatalf("operational: %v", err)
	}
}

func TestLabelSyncReconcileErrorPropagates(t *testing.T) {
	agent := newFakeAgent()
	agent.reconErr = errors.New("store unavailable")
	s, _, _ := newSession(t, agent)
	ctx := context.Background()

	if err := s.SetLabelDbSyncStatus(ctx, pcep.InSync); err != nil {
		t.Fatalf("in sync: %v", err)
	}
	if err := s.SetLabelDbSyncStatus(ctx, pcep.Synced); !errors.Is(err, agent.reconErr) {
		t.Fatalf("expected reconcile error, got %v", err)
	}
	if len(agent.reconciled) != 1 || len(agent.reconciled[0]) != 0 {
		t.Fatalf("reconcile without buffer must receive an empty batch, got %v", agent.reconciled)
	}
}

func TestLifecycleTransitions(t *testing.T) {
	s, _, _ := newSession(t, newFakeAgent())

	if err := s.MarkOperational(); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("operational before handshake must fail, got %v", err)
	}
	if err := s.CompleteHandshake(10, 40, 7); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	if !s.HandshakeComplete() || s.Keepalive() != 10 || s.DeadTime() != 40 || s.SessionID() != 7 {
		t.Fatalf("handshake parameters not recorded: %s", s)
	}
	s.SetLspDbSyncStatus(pcep.InSync)
	if s.State() != LspSyncInProgress {
		t.Fatalf("state = %s", s.State())
	}
	s.SetLspDbSyncStatus(pcep.Synced)
	if s.State() != LspSynced || s.LspDbSyncStatus() != pcep.Synced {
		t.Fatalf("state = %s status = %s", s.State(), s.LspDbSyncStatus())
	}
	if err := s.MarkOperational(); err != nil {
		t.Fatalf("operational: %v", err)
	}
	// Status assignment never fails, even when the state cannot follow.
	s.SetLspDbSyncStatus(pcep.InSync)
	if s.LspDbSyncStatus() != pcep.InSync || s.State() != Operational {
		t.Fatalf("status=%s state=%s", s.LspDbSyncStatus(), s.State())
	}
	if err := s.BindChannel(transport.NewPipe(netip.MustParseAddrPort("10.0.0.1:1"), 0)); !errors.Is(err, ErrIllegalTransition) {
		t.Fatalf("rebinding a live session must fail, got %v", err)
	}
}

func TestDelegationMap(t *testing.T) {
	s := New(nil)
	key := pcep.LspKey{PlspID: 9, LocalLspID: 1}
	if _, ok := s.Delegation(key); ok {
		t.Fatalf("unknown key must read as unknown")
	}
	s.SetDelegation(key, true)
	if d, ok := s.Delegation(key); !ok || !d {
		t.Fatalf("delegation = %v ok=%v", d, ok)
	}
	s.SetDelegation(key, false)
	if d, _ := s.Delegation(key); d {
		t.Fatalf("delegation must be overwritten")
	}
}

func TestDisconnectRacingSend(t *testing.T) {
	agent := newFakeAgent()
	s, _, _ := newSession(t, agent)
	ctx := context.Background()
	s.Connect(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				err := s.Send(ctx, &pcep.Keepalive{})
				if err != nil && !errors.Is(err, pcep.ErrChannelNotBound) {
					t.Errorf("send racing disconnect: %v", err)
					return
				}
			}
		}()
	}
	if err := s.Disconnect(ctx); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	wg.Wait()
}

func waitPending(t *testing.T, clk *clock.Manual) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for clk.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("keepalive loop never armed a timer")
		}
		time.Sleep(time.Millisecond)
	}
}

type deadCounter struct {
	mu sync.Mutex
	n  int
}

func (d *deadCounter) IncDeadTimerExpiry() {
	d.mu.Lock()
	d.n++
	d.mu.Unlock()
}

func TestKeepaliveAndDeadTimer(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	agent := newFakeAgent()
	dead := &deadCounter{}
	s, pipe, _ := newSession(t, agent, WithClock(clk), WithDeadTimerObserver(dead))
	ctx := context.Background()
	if err := s.CompleteHandshake(1, 4, 1); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	s.Connect(ctx)

	done := make(chan error, 1)
	go func() { done <- s.RunKeepalive(ctx) }()

	for i := 0; i < 4; i++ {
		waitPending(t, clk)
		clk.Advance(time.Second)
	}

	select {
	case err := <-done:
		if !errors.Is(err, pcep.ErrDeadTimerExpired) {
			t.Fatalf("expected ErrDeadTimerExpired, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("keepalive loop did not stop")
	}

	sent := pipe.Sent()
	if len(sent) != 5 {
		t.Fatalf("expected 4 keepalives and a close, got %d messages", len(sent))
	}
	for i := 0; i < 4; i++ {
		if sent[i].Kind() != pcep.KindKeepalive {
			t.Fatalf("message %d is %s", i, sent[i].Kind())
		}
	}
	if c, ok := sent[4].(*pcep.Close); !ok || c.Reason != pcep.CloseDeadTimerExpired {
		t.Fatalf("last message = %#v", sent[4])
	}
	if s.State() != Disconnected || !pipe.Closed() {
		t.Fatalf("session must be torn down, state=%s", s.State())
	}
	if len(agent.sessions) != 0 || dead.n != 1 {
		t.Fatalf("sessions=%d dead=%d", len(agent.sessions), dead.n)
	}
}

func TestKeepaliveInboundTrafficResetsDeadTimer(t *testing.T) {
	clk := clock.NewManual(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	s, _, _ := newSession(t, newFakeAgent(), WithClock(clk))
	if err := s.CompleteHandshake(0, 3, 1); err != nil {
		t.Fatalf("handshake: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.RunKeepalive(ctx) }()

	waitPending(t, clk)
	clk.Advance(2 * time.Second)
	if err := s.Receive(context.Background(), &pcep.Keepalive{}); err != nil {
		t.Fatalf("receive: %v", err)
	}
	// The pending timer still fires at the first deadline; the loop must
	// re-arm against the refreshed receive time instead of expiring.
	clk.Advance(time.Second)
	waitPending(t, clk)
	if s.State() == Disconnected {
		t.Fatalf("session expired despite inbound traffic")
	}

	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestCodecRequiresFactory(t *testing.T) {
	if _, err := New(nil).Codec(); !errors.Is(err, ErrNoCodecFactory) {
		t.Fatalf("expected ErrNoCodecFactory, got %v", err)
	}
	if err := New(nil).RunKeepalive(context.Background()); !errors.Is(err, ErrNoCodecFactory) {
		t.Fatalf("expected ErrNoCodecFactory, got %v", err)
	}
}

func TestStateTransitionsTable(t *testing.T) {
	if !CanTransition(Operational, Disconnected) || !CanTransition(CapabilityExchanged, Operational) {
		t.Fatalf("expected legal transitions")
	}
	if CanTransition(Connecting, Operational) || CanTransition(LspSyncInProgress, LabelSynced) {
		t.Fatalf("expected illegal transitions")
	}
	if Operational.String() != "OPERATIONAL" {
		t.Fatalf("unexpected name %s", Operational)
	}
}
