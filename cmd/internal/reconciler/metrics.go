package reconciler

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for reconciler activity. A nil *Metrics is a no-op.
type Metrics struct {
	polls          *prometheus.CounterVec
	applied        prometheus.Counter
	deleted        prometheus.Counter
	applyDuration  prometheus.Histogram
	decodeFailures prometheus.Gauge
	state          *prometheus.GaugeVec
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// DefaultMetrics returns the instance registered with the default Prometheus registry.
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics registers the collectors with reg, reusing collectors that are already
// registered. Any other registration error panics.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "reconciler",
			Name:      "polls_total",
			Help:      "Delta polls by outcome.",
		}, []string{"outcome"}),
		applied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "reconciler",
			Name:      "records_applied_total",
			Help:      "Message records committed from delta batches.",
		}),
		deleted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chatsync",
			Subsystem: "reconciler",
			Name:      "deletions_applied_total",
			Help:      "Deleted IDs committed from delta batches.",
		}),
		applyDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "chatsync",
			Subsystem: "reconciler",
			Name:      "apply_duration_seconds",
			Help:      "Time spent committing one delta batch.",
			Buckets:   prometheus.DefBuckets,
		}),
		decodeFailures: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Subsystem: "reconciler",
			Name:      "consecutive_decode_failures",
			Help:      "Consecutive malformed delta batches seen by the last reporting session.",
		}),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chatsync",
			Subsystem: "reconciler",
			Name:      "sessions",
			Help:      "Reconcilers by state.",
		}, []string{"state"}),
	}

	for _, c := range []prometheus.Collector{m.polls, m.applied, m.deleted, m.applyDuration, m.decodeFailures, m.state} {
		if err := reg.Register(c); err != nil {
			already, ok := err.(prometheus.AlreadyRegisteredError)
			if !ok {
				panic(err)
			}
			switch c {
			case m.polls:
				m.polls = already.ExistingCollector.(*prometheus.CounterVec)
			case m.applied:
				m.applied = already.ExistingCollector.(prometheus.Counter)
			case m.deleted:
				m.deleted = already.ExistingCollector.(prometheus.Counter)
			case m.applyDuration:
				m.applyDuration = already.ExistingCollector.(prometheus.Histogram)
			case m.decodeFailures:
				m.decodeFailures = already.ExistingCollector.(prometheus.Gauge)
			case m.state:
				m.state = already.ExistingCollector.(*prometheus.GaugeVec)
			}
		}
	}
	return m
}

func (m *Metrics) poll(outcome string) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(outcome).Inc()
}

func (m *Metrics) applyDone(records, deletions int, d time.Duration) {
	if m == nil {
		return
	}
	m.applied.Add(float64(records))
	m.deleted.Add(float64(deletions))
	m.applyDuration.Observe(d.Seconds())
}

func (m *Metrics) setDecodeFailures(n int) {
	if m == nil {
		return
	}
	m.decodeFailures.Set(float64(n))
}

func (m *Metrics) transition(from, to State) {
	if m == nil || from == to {
		return
	}
	if from != stateNone {
		m.state.WithLabelValues(from.String()).Dec()
	}
	// Destroyed reconcilers leave the gauge.
	if to != StateDestroyed {
		m.state.WithLabelValues(to.String()).Inc()
	}
}
