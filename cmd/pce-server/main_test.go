package main

import (
	"bytes"
	"context"
	"io"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/signalsfoundry/pce-controller/internal/agent"
	"github.com/signalsfoundry/pce-controller/internal/config"
	"github.com/signalsfoundry/pce-controller/internal/logging"
	"github.com/signalsfoundry/pce-controller/internal/pcep"
	"github.com/signalsfoundry/pce-controller/internal/pcep/session"
	"github.com/signalsfoundry/pce-controller/internal/transport"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	err := cmd.Execute()
	return out.String(), err
}

func TestSimulateDrivesPeersToOperational(t *testing.T) {
	out, err := execute(t, "simulate", "--peers", "2", "--tunnels", "2", "--bandwidth", "10")
	if err != nil {
		t.Fatalf("simulate: %v", err)
	}
	for _, want := range []string{
		"peer 10.0.0.1 OPERATIONAL parent P1 ACTIVE",
		"peer 10.0.0.2 OPERATIONAL parent P2 ACTIVE",
		"sessions operational: 2/2",
		"parents active: 2/2",
		"tunnels: 4, links reserved: 4, bandwidth reserved: 40.0",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestSimulateRejectsBadFlags(t *testing.T) {
	if _, err := execute(t, "simulate", "--peers", "0"); err == nil {
		t.Fatalf("expected error for zero peers")
	}
}

func TestValidatePrintsSummary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pce.yaml")
	yaml := `
peers:
  - prefix: 10.0.0.0/8
domains:
  - as_number: 65001
    address: 192.0.2.1
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	out, err := execute(t, "--config", path, "validate")
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	for _, want := range []string{"configuration ok", "store backend: memory", "peer policies: 1", "domain AS65001 -> 192.0.2.1"} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	if err := os.WriteFile(bad, []byte("pce:\n  keepalive: 50\n  dead_time: 10\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := execute(t, "--config", bad, "validate"); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestRunServerStopsOnCancel(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Addr = ""
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- runServer(ctx, cfg, logging.Noop(), nil) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestRunServerServesSourcedPeers(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Addr = ""
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	peer := transport.NewPipe(netip.MustParseAddrPort("10.0.0.9:4189"), 16)
	served := make(chan *session.Session, 1)
	source := func(ctx context.Context, a *agent.Agent, sessions chan<- *session.Session) error {
		s, err := a.Accept(ctx, peer, &pcep.Open{Version: pcep.Version1, Keepalive: 30, DeadTimer: 120})
		if err != nil {
			return err
		}
		select {
		case sessions <- s:
			served <- s
		case <-ctx.Done():
		}
		<-ctx.Done()
		return nil
	}

	done := make(chan error, 1)
	go func() { done <- runServer(ctx, cfg, logging.Noop(), source) }()

	var s *session.Session
	select {
	case s = <-served:
	case <-time.After(5 * time.Second):
		t.Fatalf("sourced peer never reached the agent")
	}
	if s.State() != session.Operational {
		t.Fatalf("state = %s, want OPERATIONAL", s.State())
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
	if !peer.Closed() {
		t.Fatalf("served peer must be disconnected on shutdown")
	}
}
