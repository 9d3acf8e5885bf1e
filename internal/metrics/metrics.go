// Package metrics holds the prometheus collectors of an engine.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "dagstream"

// Metrics is created per engine so that several engines can live in one
// process. A nil *Metrics is valid and records nothing.
type Metrics struct {
	LastCommittedEpoch prometheus.Gauge
	EpochsCommitted    prometheus.Counter
	CommitDuration     prometheus.Histogram
	EpochStalls        prometheus.Counter
	CheckpointRetries  prometheus.Counter

	NodeOperations *prometheus.CounterVec
	NodeErrors     *prometheus.CounterVec
	ChannelDepth   *prometheus.GaugeVec
}

func New() *Metrics {
	return &Metrics{
		LastCommittedEpoch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_committed_epoch",
			Help:      "The newest epoch whose commit marker was written",
		}),
		EpochsCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epochs_committed_total",
			Help:      "Total number of committed epochs",
		}),
		CommitDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "epoch_commit_duration_seconds",
			Help:      "Time from triggering an epoch until its commit marker was written",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2.0, 16),
		}),
		EpochStalls: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "epoch_stalls_total",
			Help:      "Number of times an epoch exceeded the readiness timeout",
		}),
		CheckpointRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_write_retries_total",
			Help:      "Number of retried checkpoint store calls",
		}),
		NodeOperations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_operations_total",
			Help:      "Operations handled per node",
		}, []string{"node"}),
		NodeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "node_errors_total",
			Help:      "Fatal errors per node",
		}, []string{"node"}),
		ChannelDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "edge_queue_depth",
			Help:      "Items buffered on an edge when it was last sampled",
		}, []string{"edge"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.LastCommittedEpoch,
		m.EpochsCommitted,
		m.CommitDuration,
		m.EpochStalls,
		m.CheckpointRetries,
		m.NodeOperations,
		m.NodeErrors,
		m.ChannelDepth,
	}
}

// InitMetrics registers all collectors. Collectors that are already
// registered by an earlier engine with the same registry are reused.
func (m *Metrics) InitMetrics(registry prometheus.Registerer) error {
	if m == nil || registry == nil {
		return nil
	}
	for i, c := range m.collectors() {
		err := registry.Register(c)
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			m.adopt(i, are.ExistingCollector)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) adopt(i int, existing prometheus.Collector) {
	switch i {
	case 0:
		m.LastCommittedEpoch = existing.(prometheus.Gauge)
	case 1:
		m.EpochsCommitted = existing.(prometheus.Counter)
	case 2:
		m.CommitDuration = existing.(prometheus.Histogram)
	case 3:
		m.EpochStalls = existing.(prometheus.Counter)
	case 4:
		m.CheckpointRetries = existing.(prometheus.Counter)
	case 5:
		m.NodeOperations = existing.(*prometheus.CounterVec)
	case 6:
		m.NodeErrors = existing.(*prometheus.CounterVec)
	case 7:
		m.ChannelDepth = existing.(*prometheus.GaugeVec)
	}
}

func (m *Metrics) EpochCommitted(epoch uint64, seconds float64) {
	if m == nil {
		return
	}
	m.LastCommittedEpoch.Set(float64(epoch))
	m.EpochsCommitted.Inc()
	m.CommitDuration.Observe(seconds)
}

func (m *Metrics) Stall() {
	if m == nil {
		return
	}
	m.EpochStalls.Inc()
}

func (m *Metrics) Retry() {
	if m == nil {
		return
	}
	m.CheckpointRetries.Inc()
}

func (m *Metrics) Operation(node string) {
	if m == nil {
		return
	}
	m.NodeOperations.WithLabelValues(node).Inc()
}

func (m *Metrics) Error(node string) {
	if m == nil {
		return
	}
	m.NodeErrors.WithLabelValues(node).Inc()
}

func (m *Metrics) QueueDepth(edge string, depth int) {
	if m == nil {
		return
	}
	m.ChannelDepth.WithLabelValues(edge).Set(float64(depth))
}
