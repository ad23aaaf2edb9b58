package feedsync

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the engine's Prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	replayed     *prometheus.CounterVec
	pending      prometheus.Gauge
	hydrations   *prometheus.CounterVec
	passDuration prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with registerer.
func NewMetrics(registerer prometheus.Registerer) (*Metrics, error) {
	metrics := &Metrics{
		replayed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decro_outbox_replay_total",
				Help: "Outbox entries processed by the replay loop, by kind and resulting entry state.",
			},
			[]string{"kind", "state"},
		),
		pending: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "decro_outbox_pending",
				Help: "Outbox entries awaiting confirmation after the last replay pass.",
			},
		),
		hydrations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "decro_hydration_total",
				Help: "Feed hydration steps by source and outcome.",
			},
			[]string{"source", "outcome"},
		),
		passDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "decro_replay_pass_duration_seconds",
				Help:    "Duration of replay passes in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
	}
	if registerer != nil {
		for _, collector := range []prometheus.Collector{metrics.replayed, metrics.pending, metrics.hydrations, metrics.passDuration} {
			if err := registerer.Register(collector); err != nil {
				return nil, err
			}
		}
	}
	return metrics, nil
}

func (m *Metrics) observeReplay(kind string, state EntryState) {
	if m == nil {
		return
	}
	m.replayed.WithLabelValues(kind, string(state)).Inc()
}

func (m *Metrics) setPending(count int64) {
	if m == nil {
		return
	}
	m.pending.Set(float64(count))
}

func (m *Metrics) observeHydration(source, outcome string) {
	if m == nil {
		return
	}
	m.hydrations.WithLabelValues(source, outcome).Inc()
}

func (m *Metrics) observePass(seconds float64) {
	if m == nil {
		return
	}
	m.passDuration.Observe(seconds)
}
