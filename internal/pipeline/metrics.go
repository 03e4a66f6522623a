package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Result labels for the processed-messages counter.
const (
	ResultApplied      = "applied"
	ResultDuplicate    = "duplicate"
	ResultDeadLettered = "dead_lettered"
)

// Metrics collects pipeline counters. A nil *Metrics is valid and records
// nothing, so tests and tools can run without a registry.
type Metrics struct {
	processed *prometheus.CounterVec
	retries   *prometheus.CounterVec
	duration  *prometheus.HistogramVec
}

// NewMetrics registers the pipeline collectors on the supplied registerer
// (the default registerer when nil).
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		processed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventpipe",
				Subsystem: "pipeline",
				Name:      "messages_total",
				Help:      "Messages processed to a terminal state, by topic and result.",
			},
			[]string{"topic", "result"},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "eventpipe",
				Subsystem: "pipeline",
				Name:      "handler_retries_total",
				Help:      "Transient handler failures that triggered a backoff retry.",
			},
			[]string{"topic"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "eventpipe",
				Subsystem: "pipeline",
				Name:      "processing_duration_seconds",
				Help:      "Wall time from receive to acknowledgment.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"topic"},
		),
	}

	registerer.MustRegister(m.processed, m.retries, m.duration)
	return m
}

func (m *Metrics) observeResult(topic, result string) {
	if m == nil {
		return
	}
	m.processed.WithLabelValues(topic, result).Inc()
}

func (m *Metrics) observeRetry(topic string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(topic).Inc()
}

func (m *Metrics) observeDuration(topic string, d time.Duration) {
	if m == nil {
		return
	}
	m.duration.WithLabelValues(topic).Observe(d.Seconds())
}
