package monitoring

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pandablue0809/bittensor/neuron/data"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordAxonRequest("fwd", nil, time.Millisecond)
	m.UpdateWorkerPool(1, 2)
	m.RecordDendriteCall("bwd", errors.New("x"), time.Millisecond)
	m.RecordGossipRound(1, 1)
	m.RecordMerge(1, 2, 3)
	m.UpdateMetagraphSize(4)
}

func TestRecordAxonRequest(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics("test", reg)

	m.RecordAxonRequest("fwd", nil, time.Millisecond)
	m.RecordAxonRequest("fwd", data.ErrReplayDetected, time.Millisecond)

	if got := testutil.ToFloat64(m.AxonRequests.WithLabelValues("fwd", "ok")); got != 1 {
		t.Errorf("Expected 1 ok request, got %v", got)
	}
	if got := testutil.ToFloat64(m.ReplaysDetected); got != 1 {
		t.Errorf("Expected 1 replay, got %v", got)
	}
}

func TestSeparateRegistries(t *testing.T) {
	// Two nodes in one process must not collide on registration.
	a := NewMetrics("neuron", prometheus.NewRegistry())
	b := NewMetrics("neuron", prometheus.NewRegistry())

	a.UpdateMetagraphSize(3)
	b.UpdateMetagraphSize(5)

	if got := testutil.ToFloat64(a.MetagraphSize); got != 3 {
		t.Errorf("Expected 3, got %v", got)
	}
	if got := testutil.ToFloat64(b.MetagraphSize); got != 5 {
		t.Errorf("Expected 5, got %v", got)
	}
}

func TestOutcome(t *testing.T) {
	if Outcome(nil) != "ok" {
		t.Errorf("Expected ok, got %s", Outcome(nil))
	}
	if got := Outcome(data.Errorf(data.KindBusy, "full")); got != "busy" {
		t.Errorf("Expected busy, got %s", got)
	}
}
