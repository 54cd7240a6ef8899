package observability

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Packet directions used as the "direction" label.
const (
	DirectionIn    = "in"
	DirectionOut   = "out"
	DirectionWrong = "wrong"
)

// PCECollector bundles Prometheus metrics for the PCE core: session count,
// PCEP packet traffic, end-of-sync reconciliations, the bandwidth ledger
// and optimistic-concurrency conflicts on the shared store.
type PCECollector struct {
	gatherer prometheus.Gatherer

	Sessions          prometheus.Gauge
	Packets           *prometheus.CounterVec
	Reconciliations   *prometheus.CounterVec
	DeadTimerExpiries prometheus.Counter
	ReservedBandwidth *prometheus.GaugeVec
	StoreConflicts    *prometheus.CounterVec
}

// NewPCECollector registers PCE metrics against the provided registerer,
// defaulting to the global Prometheus registry when nil.
func NewPCECollector(reg prometheus.Registerer) (*PCECollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}

	sessions, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "pce_sessions",
		Help: "Current number of registered PCEP sessions.",
	}), "pce_sessions")
	if err != nil {
		return nil, err
	}

	packets := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pce_packets_total",
		Help: "PCEP messages handled, labeled by direction (in, out, wrong).",
	}, []string{"direction"})
	packets, err = registerCounterVec(reg, packets, "pce_packets_total")
	if err != nil {
		return nil, err
	}

	reconciliations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pce_label_sync_reconciliations_total",
		Help: "End-of-label-sync reconciliations, labeled by result.",
	}, []string{"result"})
	reconciliations, err = registerCounterVec(reg, reconciliations, "pce_label_sync_reconciliations_total")
	if err != nil {
		return nil, err
	}

	deadTimer, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "pce_dead_timer_expiries_total",
		Help: "Sessions torn down because the peer stayed silent past the dead interval.",
	}), "pce_dead_timer_expiries_total")
	if err != nil {
		return nil, err
	}

	reserved := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pce_reserved_bandwidth",
		Help: "Locally reserved bandwidth per link.",
	}, []string{"link"})
	reserved, err = registerGaugeVec(reg, reserved, "pce_reserved_bandwidth")
	if err != nil {
		return nil, err
	}

	conflicts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pce_store_conflicts_total",
		Help: "Lost compare-and-swap rounds on the shared store, labeled by map family.",
	}, []string{"family"})
	conflicts, err = registerCounterVec(reg, conflicts, "pce_store_conflicts_total")
	if err != nil {
		return nil, err
	}

	return &PCECollector{
		gatherer:          gatherer,
		Sessions:          sessions,
		Packets:           packets,
		Reconciliations:   reconciliations,
		DeadTimerExpiries: deadTimer,
		ReservedBandwidth: reserved,
		StoreConflicts:    conflicts,
	}, nil
}

// Handler exposes a ready-to-use /metrics handler.
func (c *PCECollector) Handler() http.Handler {
	gatherer := c.gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})
}

// SetSessions updates the session gauge.
func (c *PCECollector) SetSessions(n int) {
	if c == nil || c.Sessions == nil {
		return
	}
	c.Sessions.Set(float64(n))
}

// AddPackets counts n packets in the given direction.
func (c *PCECollector) AddPackets(direction string, n int) {
	if c == nil || c.Packets == nil || n <= 0 {
		return
	}
	c.Packets.WithLabelValues(direction).Add(float64(n))
}

// IncReconciliation records one end-of-sync reconciliation.
func (c *PCECollector) IncReconciliation(err error) {
	if c == nil || c.Reconciliations == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.Reconciliations.WithLabelValues(result).Inc()
}

// IncDeadTimerExpiry records one dead-timer teardown.
func (c *PCECollector) IncDeadTimerExpiry() {
	if c == nil || c.DeadTimerExpiries == nil {
		return
	}
	c.DeadTimerExpiries.Inc()
}

// SetReservedBandwidth satisfies store.MetricsRecorder. Links whose
// reservation reached zero are dropped from the vector.
func (c *PCECollector) SetReservedBandwidth(link string, bandwidth float64) {
	if c == nil || c.ReservedBandwidth == nil {
		return
	}
	if bandwidth <= 0 {
		c.ReservedBandwidth.DeleteLabelValues(link)
		return
	}
	c.ReservedBandwidth.WithLabelValues(link).Set(bandwidth)
}

// IncStoreConflict satisfies store.MetricsRecorder.
func (c *PCECollector) IncStoreConflict(family string) {
	if c == nil || c.StoreConflicts == nil {
		return
	}
	c.StoreConflicts.WithLabelValues(family).Inc()
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.CounterVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}

func registerGauge(reg prometheus.Registerer, gauge prometheus.Gauge, name string) (prometheus.Gauge, error) {
	if err := reg.Register(gauge); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Gauge); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return gauge, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}
