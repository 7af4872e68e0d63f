// Package metrics exposes the Prometheus instrumentation for the ingestion
// pipeline. All series are labelled by chain so one process can index several
// networks.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

type Metrics struct {
	blocksIndexed  *prometheus.CounterVec
	balanceChanges *prometheus.CounterVec
	reorgs         *prometheus.CounterVec
	lastCommitted  *prometheus.GaugeVec
	bufferSize     *prometheus.GaugeVec
	commitSeconds  *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		blocksIndexed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chronicled",
			Name:      "blocks_indexed_total",
			Help:      "Blocks committed to storage.",
		}, []string{"chain"}),
		balanceChanges: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chronicled",
			Name:      "balance_changes_total",
			Help:      "Balance change rows recorded.",
		}, []string{"chain"}),
		reorgs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chronicled",
			Name:      "reorgs_total",
			Help:      "Chain reorganizations handled.",
		}, []string{"chain"}),
		lastCommitted: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chronicled",
			Name:      "last_committed_height",
			Help:      "Height of the most recently committed block.",
		}, []string{"chain"}),
		bufferSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chronicled",
			Name:      "pending_buffer_size",
			Help:      "Heads waiting in the confirmation buffer.",
		}, []string{"chain"}),
		commitSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chronicled",
			Name:      "commit_seconds",
			Help:      "Wall time of a single block commit.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}, []string{"chain"}),
	}
}

// The observers tolerate a nil receiver so callers without a registry can
// skip instrumentation wiring entirely.

func (m *Metrics) BlockCommitted(chain string, height int64, changes int, seconds float64) {
	if m == nil {
		return
	}
	m.blocksIndexed.WithLabelValues(chain).Inc()
	m.balanceChanges.WithLabelValues(chain).Add(float64(changes))
	m.lastCommitted.WithLabelValues(chain).Set(float64(height))
	m.commitSeconds.WithLabelValues(chain).Observe(seconds)
}

func (m *Metrics) BufferSize(chain string, size int) {
	if m == nil {
		return
	}
	m.bufferSize.WithLabelValues(chain).Set(float64(size))
}

func (m *Metrics) ReorgHandled(chain string) {
	if m == nil {
		return
	}
	m.reorgs.WithLabelValues(chain).Inc()
}
