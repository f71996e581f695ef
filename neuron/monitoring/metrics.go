package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/pandablue0809/bittensor/neuron/data"
)

// Metrics holds all Prometheus metrics for a neuron. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	// Axon metrics
	AxonRequests    *prometheus.CounterVec
	AxonLatency     *prometheus.HistogramVec
	ReplaysDetected prometheus.Counter

	// Worker pool
	WorkerPoolActive  prometheus.Gauge
	WorkerPoolPending prometheus.Gauge

	// Dendrite metrics
	DendriteCalls   *prometheus.CounterVec
	DendriteLatency *prometheus.HistogramVec

	// Gossip and metagraph metrics
	GossipRounds    prometheus.Counter
	GossipExchanges *prometheus.CounterVec
	MergeOutcomes   *prometheus.CounterVec
	MetagraphSize   prometheus.Gauge
}

// NewMetrics registers the neuron metrics with reg under namespace.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		AxonRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "axon_requests_total",
			Help:      "Inbound tensor requests by method and outcome",
		}, []string{"method", "outcome"}),
		AxonLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "axon_request_duration_seconds",
			Help:      "Inbound tensor request duration by method",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5},
		}, []string{"method"}),
		ReplaysDetected: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "axon_replays_detected_total",
			Help:      "Requests rejected because their nonce was already seen",
		}),

		WorkerPoolActive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_active",
			Help:      "Number of active workers",
		}),
		WorkerPoolPending: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "worker_pool_pending",
			Help:      "Number of pending tasks in worker pool",
		}),

		DendriteCalls: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dendrite_calls_total",
			Help:      "Outbound tensor calls by direction and outcome",
		}, []string{"direction", "outcome"}),
		DendriteLatency: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dendrite_call_duration_seconds",
			Help:      "Outbound tensor call duration by direction",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),

		GossipRounds: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_rounds_total",
			Help:      "Completed gossip rounds",
		}),
		GossipExchanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gossip_exchanges_total",
			Help:      "Gossip exchanges by outcome",
		}, []string{"outcome"}),
		MergeOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "metagraph_merge_records_total",
			Help:      "Synapse records processed by outcome",
		}, []string{"outcome"}),
		MetagraphSize: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "metagraph_size",
			Help:      "Number of synapses in the metagraph",
		}),
	}
}

// Outcome labels an error by its kind, or "ok".
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return data.KindOf(err).String()
}

// RecordAxonRequest records one inbound Fwd or Bwd call.
func (m *Metrics) RecordAxonRequest(method string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	outcome := Outcome(err)
	m.AxonRequests.WithLabelValues(method, outcome).Inc()
	m.AxonLatency.WithLabelValues(method).Observe(duration.Seconds())
	if outcome == data.KindReplayDetected.String() {
		m.ReplaysDetected.Inc()
	}
}

// UpdateWorkerPool updates worker pool gauges.
func (m *Metrics) UpdateWorkerPool(active, pending int) {
	if m == nil {
		return
	}
	m.WorkerPoolActive.Set(float64(active))
	m.WorkerPoolPending.Set(float64(pending))
}

// RecordDendriteCall records one outbound call.
func (m *Metrics) RecordDendriteCall(direction string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.DendriteCalls.WithLabelValues(direction, Outcome(err)).Inc()
	m.DendriteLatency.WithLabelValues(direction).Observe(duration.Seconds())
}

// RecordGossipRound records a finished round and its per-peer results.
func (m *Metrics) RecordGossipRound(succeeded, failed int) {
	if m == nil {
		return
	}
	m.GossipRounds.Inc()
	m.GossipExchanges.WithLabelValues("ok").Add(float64(succeeded))
	m.GossipExchanges.WithLabelValues("failed").Add(float64(failed))
}

// RecordMerge records per-record merge outcomes.
func (m *Metrics) RecordMerge(accepted, rejected, ignored int) {
	if m == nil {
		return
	}
	m.MergeOutcomes.WithLabelValues("accepted").Add(float64(accepted))
	m.MergeOutcomes.WithLabelValues("rejected").Add(float64(rejected))
	m.MergeOutcomes.WithLabelValues("ignored").Add(float64(ignored))
}

// UpdateMetagraphSize sets the metagraph size gauge.
func (m *Metrics) UpdateMetagraphSize(size int) {
	if m == nil {
		return
	}
	m.MetagraphSize.Set(float64(size))
}
