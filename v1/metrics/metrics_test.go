package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRegisterCoreMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	AcquireCounter.WithLabelValues(ResultAcquired).Inc()
	ReleaseCounter.WithLabelValues(ResultReleased).Inc()
	AcquireLatency.Observe(0.1)
	ProbeCounter.WithLabelValues(ResultOK).Inc()
	SessionStateGauge.WithLabelValues("a").Set(1)
	SessionStateGauge.WithLabelValues("b").Set(2)
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if len(mfs) < 5 {
		t.Fatalf("expected 5 metric families, got %d", len(mfs))
	}
	if v := testutil.ToFloat64(SessionStateGauge.WithLabelValues("a")); v != 1 {
		t.Fatalf("expected session a state 1, got %v", v)
	}
	if v := testutil.ToFloat64(SessionStateGauge.WithLabelValues("b")); v != 2 {
		t.Fatalf("expected session b state 2, got %v", v)
	}
}

func TestRegisterCoreMetricsDuplicatePanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	RegisterCoreMetrics(reg)
	defer func() {
		if r := recover(); r == nil {
			t.Fatal("expected panic on duplicate registration")
		}
	}()
	RegisterCoreMetrics(reg)
}
