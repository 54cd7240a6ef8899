package main

import (
	"context"
	"fmt"
	"io"
	"net/netip"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/signalsfoundry/pce-controller/internal/config"
	"github.com/signalsfoundry/pce-controller/internal/logging"
	"github.com/signalsfoundry/pce-controller/internal/pcep"
	"github.com/signalsfoundry/pce-controller/internal/pcep/session"
	"github.com/signalsfoundry/pce-controller/internal/store"
	"github.com/signalsfoundry/pce-controller/internal/transport"
	"github.com/signalsfoundry/pce-controller/internal/tunnel"
)

type simulateOptions struct {
	peers     int
	tunnels   int
	bandwidth float64
}

func newSimulateCmd(root *rootOptions) *cobra.Command {
	opts := &simulateOptions{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Drive in-process peers through handshake and database sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if opts.peers < 1 || opts.peers > 250 || opts.tunnels < 1 {
				return fmt.Errorf("%w: need 1-250 peers and at least one tunnel per peer", pcep.ErrInvalidArgument)
			}
			cfg, err := config.Load(root.configPath)
			if err != nil {
				return err
			}
			log := logging.NewWithWriter(cmd.ErrOrStderr(), cfg.LoggingConfig())
			return simulate(cmd.Context(), cmd.OutOrStdout(), cfg, log, *opts)
		},
	}
	cmd.Flags().IntVar(&opts.peers, "peers", 3, "number of simulated peers")
	cmd.Flags().IntVar(&opts.tunnels, "tunnels", 2, "child tunnels per peer")
	cmd.Flags().Float64Var(&opts.bandwidth, "bandwidth", 10, "bandwidth reserved per child tunnel")
	return cmd
}

// simulate builds a runtime, seeds one parent tunnel with opts.tunnels
// children per peer, then plays each peer's handshake, LSP database sync
// and label database sync against the agent. A summary goes to out.
func simulate(ctx context.Context, out io.Writer, cfg config.Config, log logging.Logger, opts simulateOptions) error {
	rt, err := newRuntime(cfg, log, prometheus.NewRegistry())
	if err != nil {
		return err
	}
	defer func() { _ = rt.Close(context.WithoutCancel(ctx)) }()

	type simPeer struct {
		addr    netip.AddrPort
		parent  string
		session *session.Session
	}
	peers := make([]simPeer, 0, opts.peers)
	for i := 0; i < opts.peers; i++ {
		p := simPeer{
			addr:   netip.AddrPortFrom(netip.AddrFrom4([4]byte{10, 0, 0, byte(i + 1)}), 4189),
			parent: fmt.Sprintf("P%d", i+1),
		}
		if err := seedTunnels(ctx, rt, p.addr.Addr(), p.parent, opts); err != nil {
			return err
		}
		peers = append(peers, p)
	}

	for i := range peers {
		p := &peers[i]
		s, err := rt.agent.Accept(ctx, transport.NewPipe(p.addr, 64), &pcep.Open{
			Version:    pcep.Version1,
			Keepalive:  30,
			DeadTimer:  120,
			Capability: pcep.Capability{StatefulPCE: true, PCECC: true},
		})
		if err != nil {
			return fmt.Errorf("accept %s: %w", p.addr, err)
		}
		p.session = s
		if err := playSync(ctx, s, p.addr.Addr(), p.parent, opts.tunnels); err != nil {
			return fmt.Errorf("sync %s: %w", p.addr, err)
		}
	}

	operational := 0
	for _, p := range peers {
		st, _, err := rt.hierarchy.StatusOf(ctx, p.parent)
		if err != nil {
			return err
		}
		if p.session.State() == session.Operational {
			operational++
		}
		fmt.Fprintf(out, "peer %s %s parent %s %s\n", p.session.ID(), p.session.State(), p.parent, st)
	}
	reserved, err := rt.store.ReservedBandwidths(ctx)
	if err != nil {
		return err
	}
	total := 0.0
	for _, bw := range reserved {
		total += bw
	}
	tunnels, err := rt.store.TunnelInfoCount(ctx)
	if err != nil {
		return err
	}
	parents, err := rt.hierarchy.Parents(ctx)
	if err != nil {
		return err
	}
	active := 0
	for _, e := range parents {
		if e.SelfStatus == tunnel.Active {
			active++
		}
	}
	fmt.Fprintf(out, "sessions operational: %d/%d\n", operational, len(peers))
	fmt.Fprintf(out, "parents active: %d/%d\n", active, len(parents))
	fmt.Fprintf(out, "tunnels: %d, links reserved: %d, bandwidth reserved: %.1f\n", tunnels, len(reserved), total)
	return nil
}

func childID(parent string, j int) string {
	return fmt.Sprintf("%s-T%d", parent, j+1)
}

func seedTunnels(ctx context.Context, rt *pceRuntime, dev netip.Addr, parent string, opts simulateOptions) error {
	if _, err := rt.hierarchy.RegisterParent(ctx, parent, tunnel.Init); err != nil {
		return err
	}
	for j := 0; j < opts.tunnels; j++ {
		child := childID(parent, j)
		if _, err := rt.hierarchy.AddChild(ctx, parent, child, tunnel.Down); err != nil {
			return err
		}
		if err := rt.store.AddTunnelInfo(ctx, store.TunnelID(child), store.TunnelInfo{ConsumerID: parent}); err != nil {
			return err
		}
		link := store.Link{
			Src: store.ConnectPoint{Device: store.DeviceID(dev.String()), Port: uint32(j + 1)},
			Dst: store.ConnectPoint{Device: "core", Port: uint32(j + 1)},
		}
		if err := rt.store.ReserveBandwidth(ctx, link, opts.bandwidth); err != nil {
			return err
		}
	}
	return nil
}

// playSync feeds the reports a PCECC peer sends after the handshake: the
// LSP database, an end marker, the label database and a second marker.
func playSync(ctx context.Context, s *session.Session, dev netip.Addr, parent string, tunnels int) error {
	endOfSync := &pcep.StateReport{}
	for j := 0; j < tunnels; j++ {
		if err := s.Receive(ctx, &pcep.StateReport{
			Key:      pcep.LspKey{PlspID: uint32(j + 1), LocalLspID: 1},
			TunnelID: childID(parent, j),
			State:    pcep.LspUp,
			Sync:     true,
		}); err != nil {
			return err
		}
	}
	if err := s.Receive(ctx, endOfSync); err != nil {
		return err
	}
	for j := 0; j < tunnels; j++ {
		label := uint32(16000 + j)
		if err := s.Receive(ctx, &pcep.StateReport{
			Key:       pcep.LspKey{PlspID: uint32(j + 1), LocalLspID: 1},
			TunnelID:  childID(parent, j),
			State:     pcep.LspActive,
			Delegated: true,
			Sync:      true,
			Labels: []pcep.LabelEntry{{
				DeviceID: dev.String(),
				InLabel:  label,
				OutLabel: label + 1000,
				InPort:   uint32(j + 1),
				OutPort:  uint32(j + 1),
			}},
		}); err != nil {
			return err
		}
	}
	return s.Receive(ctx, endOfSync)
}
