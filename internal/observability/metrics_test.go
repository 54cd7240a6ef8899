package observability

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/pce-controller/internal/clock"
)

func TestPeerStatsForwardsToCollector(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPCECollector(reg)
	if err != nil {
		t.Fatalf("NewPCECollector: %v", err)
	}
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	clk := clock.NewManual(start)
	stats := NewPeerStats(collector, clk)

	stats.AddInPacket()
	clk.Advance(time.Second)
	stats.AddInPacket()
	stats.AddOutPacket(3)
	stats.AddOutPacket(0)
	stats.AddWrongPacket()

	snap := stats.Snapshot()
	if snap.InPackets != 2 || snap.OutPackets != 3 || snap.WrongPackets != 1 {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	if !snap.LastInbound.Equal(start.Add(time.Second)) {
		t.Fatalf("last inbound = %v", snap.LastInbound)
	}

	if got := testutil.ToFloat64(collector.Packets.WithLabelValues(DirectionIn)); got != 2 {
		t.Fatalf("pce_packets_total{in} = %v, want 2", got)
	}
	if got := testutil.ToFloat64(collector.Packets.WithLabelValues(DirectionOut)); got != 3 {
		t.Fatalf("pce_packets_total{out} = %v, want 3", got)
	}
	if got := testutil.ToFloat64(collector.Packets.WithLabelValues(DirectionWrong)); got != 1 {
		t.Fatalf("pce_packets_total{wrong} = %v, want 1", got)
	}
}

func TestPeerStatsWithoutCollector(t *testing.T) {
	stats := NewPeerStats(nil, nil)
	stats.AddInPacket()
	stats.AddOutPacket(2)
	if !strings.Contains(stats.String(), "in=1, out=2") {
		t.Fatalf("unexpected summary %s", stats.String())
	}
}

func TestReservedBandwidthGaugeDropsZero(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPCECollector(reg)
	if err != nil {
		t.Fatalf("NewPCECollector: %v", err)
	}
	collector.SetReservedBandwidth("A/1->B/2", 80)
	if got := testutil.ToFloat64(collector.ReservedBandwidth.WithLabelValues("A/1->B/2")); got != 80 {
		t.Fatalf("pce_reserved_bandwidth = %v, want 80", got)
	}
	collector.SetReservedBandwidth("A/1->B/2", 0)
	if n := testutil.CollectAndCount(collector.ReservedBandwidth); n != 0 {
		t.Fatalf("expected no reserved-bandwidth series, got %d", n)
	}
}

func TestCollectorIsReusableOnSameRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewPCECollector(reg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := NewPCECollector(reg)
	if err != nil {
		t.Fatalf("second registration must reuse collectors: %v", err)
	}
	first.IncStoreConflict("reserved-bandwidth")
	second.IncStoreConflict("reserved-bandwidth")
	if got := testutil.ToFloat64(first.StoreConflicts.WithLabelValues("reserved-bandwidth")); got != 2 {
		t.Fatalf("pce_store_conflicts_total = %v, want 2", got)
	}
}

func TestMetricsHandlerExposesPCEMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	collector, err := NewPCECollector(reg)
	if err != nil {
		t.Fatalf("NewPCECollector: %v", err)
	}
	collector.SetSessions(3)
	collector.AddPackets(DirectionIn, 1)
	collector.IncReconciliation(nil)
	collector.IncReconciliation(errors.New("boom"))
	collector.IncDeadTimerExpiry()
	collector.SetReservedBandwidth("L1", 5)
	collector.IncStoreConflict("tunnel-hierarchy")

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"pce_sessions 3",
		"pce_packets_total",
		`pce_label_sync_reconciliations_total{result="error"} 1`,
		`pce_label_sync_reconciliations_total{result="ok"} 1`,
		"pce_dead_timer_expiries_total 1",
		"pce_reserved_bandwidth",
		"pce_store_conflicts_total",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output:\n%s", metric, body)
		}
	}
	if v := gaugeValue(t, reg, "pce_sessions"); v != 3 {
		t.Fatalf("pce_sessions = %v, want 3", v)
	}
}

func TestStartSpanRecordsPeer(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { otel.SetTracerProvider(prev) })

	_, span := StartSpan(context.Background(), "pcep.session.connect", "10.0.0.1")
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected 1 span, got %d", len(ended))
	}
	var found bool
	for _, kv := range ended[0].Attributes() {
		if string(kv.Key) == "pcep.peer" && kv.Value.AsString() == "10.0.0.1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("pcep.peer attribute missing: %v", ended[0].Attributes())
	}
}

func TestInitTracingDisabled(t *testing.T) {
	shutdown, err := InitTracing(context.Background(), TracingConfig{Enabled: false}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestTracingConfigFromEnv(t *testing.T) {
	t.Setenv("PCE_TRACING_ENABLED", "true")
	t.Setenv("PCE_TRACING_EXPORTER", "OTLP")
	t.Setenv("PCE_TRACING_SAMPLE_RATIO", "0.25")
	t.Setenv("PCE_OTLP_ENDPOINT", "collector:4317")

	cfg := TracingConfigFromEnv()
	if !cfg.Enabled || cfg.Exporter != "otlp" || cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.ServiceName != "pce-server" {
		t.Fatalf("unexpected default service name %q", cfg.ServiceName)
	}
}

func gaugeValue(t *testing.T, gatherer prometheus.Gatherer, name string) float64 {
	t.Helper()

	mf := metricFamily(t, gatherer, name)
	if mf == nil || mf.GetType() != dto.MetricType_GAUGE || len(mf.Metric) == 0 {
		return 0
	}
	return mf.Metric[0].GetGauge().GetValue()
}

func metricFamily(t *testing.T, gatherer prometheus.Gatherer, name string) *dto.MetricFamily {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() == name {
			return mf
		}
	}
	return nil
}
