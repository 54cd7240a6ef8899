package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/signalsfoundry/pce-controller/internal/agent"
	"github.com/signalsfoundry/pce-controller/internal/config"
	"github.com/signalsfoundry/pce-controller/internal/logging"
	"github.com/signalsfoundry/pce-controller/internal/observability"
	"github.com/signalsfoundry/pce-controller/internal/pcep/session"
)

func newRunCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the PCE core until interrupted",
		Long: `Run the PCE core: store, tunnel hierarchy, agent, metrics and tracing.

This build carries no PCEP TCP listener, so run accepts no peers on its own.
Sessions reach the agent only through a peer source wired into runServer;
use "simulate" to drive in-process peers through handshake and sync.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.LoggingConfig())
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, log, nil)
		},
	}
}

// peerSource admits peers through a and hands the resulting sessions to
// the agent's serve loop. It should return when ctx ends.
type peerSource func(ctx context.Context, a *agent.Agent, sessions chan<- *session.Session) error

// runServer runs one PCE instance until ctx ends. A nil source serves no
// peers.
func runServer(ctx context.Context, cfg config.Config, log logging.Logger, source peerSource) error {
	shutdownTracing, err := observability.InitTracing(ctx, cfg.TracingConfig(), log)
	if err != nil {
		return err
	}
	defer observability.ShutdownWithTimeout(context.WithoutCancel(ctx), shutdownTracing, log)

	rt, err := newRuntime(cfg, log, nil)
	if err != nil {
		return err
	}
	metricsSrv := serveMetrics(ctx, cfg.Metrics.Addr, rt.collector, log)

	if ttl := cfg.Store.LsrIDTTL; ttl > 0 {
		go refreshLsrIDs(ctx, rt, ttl/2)
	}

	log.Info(ctx, "PCE started",
		logging.String("address", cfg.PCE.Address),
		logging.Int("as_number", int(cfg.PCE.ASNumber)),
		logging.String("store_backend", cfg.Store.Backend),
		logging.Int("domains", len(rt.domains.Domains())),
	)

	sessions := make(chan *session.Session)
	sourceDone := make(chan struct{})
	if source != nil {
		go func() {
			defer close(sourceDone)
			if err := source(ctx, rt.agent, sessions); err != nil && ctx.Err() == nil {
				log.Warn(ctx, "peer source stopped", logging.Err(err))
			}
		}()
	} else {
		close(sourceDone)
	}
	serveErr := rt.agent.Serve(ctx, sessions)
	<-sourceDone

	log.Info(context.Background(), "shutting down PCE")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := rt.Close(shutdownCtx); err != nil {
		log.Warn(shutdownCtx, "runtime close failed", logging.Err(err))
	}
	return serveErr
}

// refreshLsrIDs re-seeds the LSR-id index from the session table so that
// expiring entries for live sessions come back.
func refreshLsrIDs(ctx context.Context, rt *pceRuntime, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rt.agent.RebuildLsrIDIndex()
		}
	}
}
