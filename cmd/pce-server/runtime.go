package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/pce-controller/internal/agent"
	"github.com/signalsfoundry/pce-controller/internal/config"
	"github.com/signalsfoundry/pce-controller/internal/kv"
	"github.com/signalsfoundry/pce-controller/internal/logging"
	"github.com/signalsfoundry/pce-controller/internal/observability"
	"github.com/signalsfoundry/pce-controller/internal/store"
	"github.com/signalsfoundry/pce-controller/internal/transport"
	"github.com/signalsfoundry/pce-controller/internal/tunnel"
)

// pceRuntime is the set of components one PCE instance runs with.
type pceRuntime struct {
	cfg       config.Config
	log       logging.Logger
	collector *observability.PCECollector
	substrate kv.Substrate
	store     *store.Store
	hierarchy *tunnel.Hierarchy
	lsrIDs    *store.LsrIDIndex
	domains   *config.DomainMap
	agent     *agent.Agent
}

// newRuntime wires the store, hierarchy and agent over the configured
// substrate. reg may be nil to use the default Prometheus registry.
func newRuntime(cfg config.Config, log logging.Logger, reg prometheus.Registerer) (*pceRuntime, error) {
	collector, err := observability.NewPCECollector(reg)
	if err != nil {
		return nil, fmt.Errorf("metrics collector: %w", err)
	}
	sub, err := openSubstrate(cfg)
	if err != nil {
		return nil, err
	}
	domains, err := config.NewDomainMap(cfg.Domains)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	policies, err := config.NewPeerPolicies(cfg.PCE, cfg.Peers)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}

	rt := &pceRuntime{
		cfg:       cfg,
		log:       log,
		collector: collector,
		substrate: sub,
		domains:   domains,
		lsrIDs:    store.NewLsrIDIndex(cfg.Store.LsrIDTTL),
	}
	rt.store = store.New(sub,
		store.WithLogger(log),
		store.WithMetricsRecorder(collector),
		store.WithRetries(cfg.Store.Retries),
	)
	rt.hierarchy = tunnel.New(sub,
		tunnel.WithLogger(log),
		tunnel.WithRetries(cfg.Store.Retries),
		tunnel.WithConflictObserver(collector.IncStoreConflict),
		tunnel.WithListener(func(ctx context.Context, c tunnel.ParentStatusChange) {
			log.Debug(ctx, "parent status propagated",
				logging.String("parent_id", c.Parent),
				logging.String("to", c.To.String()),
			)
		}),
	)
	rt.agent = agent.New(
		agent.WithLogger(log),
		agent.WithStore(rt.store),
		agent.WithHierarchy(rt.hierarchy),
		agent.WithCollector(collector),
		agent.WithPolicies(policies),
		agent.WithLsrIDIndex(rt.lsrIDs),
		agent.WithCodecFactory(transport.NewCodecFactory()),
	)
	return rt, nil
}

func openSubstrate(cfg config.Config) (kv.Substrate, error) {
	switch cfg.Store.Backend {
	case config.BackendRedis:
		sub, err := kv.NewRedis(cfg.RedisConfig())
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return sub, nil
	default:
		return kv.NewMemory(), nil
	}
}

// Close disconnects every session and releases the substrate.
func (rt *pceRuntime) Close(ctx context.Context) error {
	err := rt.agent.DisconnectAll(ctx)
	rt.lsrIDs.Close()
	return errors.Join(err, rt.substrate.Close())
}

// serveMetrics exposes /metrics on addr until the returned server is shut
// down. An empty addr disables the endpoint.
func serveMetrics(ctx context.Context, addr string, collector *observability.PCECollector, log logging.Logger) *http.Server {
	if addr == "" || collector == nil {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warn(ctx, "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(ctx, "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
