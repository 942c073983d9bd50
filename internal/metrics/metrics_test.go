package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStrategyOutcomesCounts(t *testing.T) {
	counter := StrategyOutcomes.WithLabelValues("metrics-test", "static", "precache")
	before := testutil.ToFloat64(counter)
	counter.Inc()
	if got := testutil.ToFloat64(counter); got != before+1 {
		t.Fatalf("expected %v, got %v", before+1, got)
	}
}

func TestLifecycleStateGauge(t *testing.T) {
	gauge := LifecycleState.WithLabelValues("metrics-test")
	gauge.Set(4)
	if got := testutil.ToFloat64(gauge); got != 4 {
		t.Fatalf("expected 4, got %v", got)
	}
}
